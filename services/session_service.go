// services/session_service.go
package services

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/stellar/go/keypair"
	"github.com/stellar/go/txnbuild"
	"gorm.io/gorm"

	"wallet-custody-service/models"
	apperrors "wallet-custody-service/pkg/errors"
	"wallet-custody-service/utils"
)

const (
	sessionTTL               = 24 * time.Hour
	sessionCreateMaxAttempts = 3
)

// SessionService owns the low-security signing path: short-lived Stellar
// keys custodied by the server, envelope-encrypted under KMS. The plaintext
// seed exists only inside a single Sign call and is zeroed before return.
type SessionService struct {
	DB                *gorm.DB
	KMS               utils.Envelope
	NetworkPassphrase string
}

func NewSessionService(db *gorm.DB, kms utils.Envelope, networkPassphrase string) *SessionService {
	return &SessionService{DB: db, KMS: kms, NetworkPassphrase: networkPassphrase}
}

// CreateSession mints a fresh session key for the user. Sessions are
// additive — an id collision retries with a new id rather than overwriting,
// and any other insert failure propagates as-is. Multi-device is just
// multiple rows.
func (s *SessionService) CreateSession(ctx context.Context, userID string) (*models.SigningSession, error) {
	kp, err := keypair.Random()
	if err != nil {
		return nil, err
	}

	seed := []byte(kp.Seed())
	wrapped, kmsKeyID, err := s.KMS.Wrap(ctx, seed)
	utils.Zero(seed)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	for attempt := 0; attempt < sessionCreateMaxAttempts; attempt++ {
		session := &models.SigningSession{
			ID:          uuid.NewString(),
			UserID:      userID,
			PublicKey:   kp.Address(),
			WrappedSeed: wrapped,
			KmsKeyID:    kmsKeyID,
			IssuedAt:    now,
			ExpiresAt:   now.Add(sessionTTL),
		}
		err := s.DB.WithContext(ctx).Create(session).Error
		if err == nil {
			log.Printf("[SESSION] created %s for user %s (expires %s)", session.ID, userID, session.ExpiresAt.Format(time.RFC3339))
			return session, nil
		}
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			log.Printf("[SESSION] id collision on attempt %d, retrying", attempt+1)
			continue
		}
		return nil, err
	}
	return nil, errors.New("session id collision persisted after retries")
}

// fetch loads a live session. Missing and expired sessions both report
// SessionExpired — one consistent answer, so the error itself does not
// disclose whether a session ever existed. Expired rows are deleted on read.
func (s *SessionService) fetch(ctx context.Context, sessionID string) (*models.SigningSession, error) {
	var session models.SigningSession
	if err := s.DB.WithContext(ctx).First(&session, "id = ?", sessionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrSessionExpired
		}
		return nil, err
	}
	if session.Expired(time.Now().UTC()) {
		if err := s.DB.WithContext(ctx).Delete(&models.SigningSession{}, "id = ?", sessionID).Error; err != nil {
			log.Printf("[SESSION] failed to delete expired session %s: %v", sessionID, err)
		}
		return nil, apperrors.ErrSessionExpired
	}
	return &session, nil
}

// Sign unwraps the session seed, signs the transaction envelope for the
// configured network, and drops the seed. A KMS outage is KmsUnavailable and
// never falls through to another signing path.
func (s *SessionService) Sign(ctx context.Context, sessionID, unsignedXDR string) (signedXDR, publicKey string, err error) {
	session, err := s.fetch(ctx, sessionID)
	if err != nil {
		return "", "", err
	}

	seed, err := s.KMS.Unwrap(ctx, session.WrappedSeed, session.KmsKeyID)
	if err != nil {
		return "", "", err
	}
	defer utils.Zero(seed)

	kp, err := keypair.ParseFull(string(seed))
	if err != nil {
		return "", "", apperrors.Wrap(apperrors.CodeSigningUnavailable, "session seed unusable", err)
	}

	generic, err := txnbuild.TransactionFromXDR(unsignedXDR)
	if err != nil {
		return "", "", apperrors.Wrap(apperrors.CodeInvalidSigningRequest, "payload is not a transaction envelope", err)
	}
	tx, ok := generic.Transaction()
	if !ok {
		return "", "", apperrors.New(apperrors.CodeInvalidSigningRequest, "fee-bump envelopes are not signable by session keys")
	}

	signed, err := tx.Sign(s.NetworkPassphrase, kp)
	if err != nil {
		return "", "", apperrors.Wrap(apperrors.CodeSigningUnavailable, "session signing failed", err)
	}
	out, err := signed.Base64()
	if err != nil {
		return "", "", apperrors.Wrap(apperrors.CodeSigningUnavailable, "failed to encode signed envelope", err)
	}
	return out, session.PublicKey, nil
}

// Expire revokes one session (explicit logout).
func (s *SessionService) Expire(ctx context.Context, sessionID string) error {
	return s.DB.WithContext(ctx).Delete(&models.SigningSession{}, "id = ?", sessionID).Error
}

// SweepExpired deletes all lapsed sessions. The sweep bounds memory/storage;
// the reactive check in fetch bounds staleness. Both stay.
func (s *SessionService) SweepExpired(ctx context.Context) (int64, error) {
	res := s.DB.WithContext(ctx).Delete(&models.SigningSession{}, "expires_at < ?", time.Now().UTC())
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
