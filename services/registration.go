// services/registration.go
package services

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"sort"
	"strings"

	"github.com/gosimple/slug"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"wallet-custody-service/models"
	apperrors "wallet-custody-service/pkg/errors"
)

// RegistrationService provisions custody tenants and establishes signing
// sessions. Registration is the one place in the core that needs a real
// multi-row transaction: user + org + referral link land atomically or not
// at all.
type RegistrationService struct {
	DB        *gorm.DB
	Custodian *CustodianClient
	Sessions  *SessionService
	BotToken  string
}

func NewRegistrationService(db *gorm.DB, custodian *CustodianClient, sessions *SessionService, botToken string) *RegistrationService {
	return &RegistrationService{DB: db, Custodian: custodian, Sessions: sessions, BotToken: botToken}
}

// Register creates the custodian sub-organization for a new user and
// records the identity, org, root credential and optional referral edge in
// one transaction. The attestation is the Telegram Mini App initData blob;
// it proves Telegram launched the app for this telegramID. The referral
// insert is conflict-ignore: a user's first referrer wins, later claims are
// dropped silently.
func (r *RegistrationService) Register(ctx context.Context, telegramID int64, email, attestation, rootPublicKeyHex string, referrerTelegramID *int64) (*models.CustodyOrganization, error) {
	if err := r.verifyAttestation(attestation, telegramID); err != nil {
		return nil, err
	}
	if _, err := hex.DecodeString(rootPublicKeyHex); err != nil || rootPublicKeyHex == "" {
		return nil, apperrors.New(apperrors.CodeMalformedCredential, "root public key is not hex")
	}

	var existing models.User
	if err := r.DB.WithContext(ctx).First(&existing, "telegram_id = ?", telegramID).Error; err == nil {
		return nil, apperrors.New(apperrors.CodeCustodianRejected, "user already registered")
	}

	name := slug.Make(fmt.Sprintf("tg-%d", telegramID))
	subOrg, err := r.Custodian.CreateSubOrganization(ctx, name, email, rootPublicKeyHex)
	if err != nil {
		return nil, err
	}

	org := &models.CustodyOrganization{
		OrganizationID: subOrg.OrganizationID,
		WalletID:       subOrg.WalletID,
		PublicKey:      subOrg.Address,
		IsActive:       true,
	}

	err = r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		user := &models.User{TelegramID: telegramID, Email: email, IsActive: true}
		if err := tx.Create(user).Error; err != nil {
			return err
		}
		org.UserID = user.ID
		if err := tx.Create(org).Error; err != nil {
			return err
		}
		if err := tx.Create(&models.ApiKeyCredential{
			OrganizationID: org.OrganizationID,
			UserID:         user.ID,
			PublicKey:      rootPublicKeyHex,
			Name:           name + "-root",
			Scope:          models.ScopeRootSession,
		}).Error; err != nil {
			return err
		}

		if referrerTelegramID != nil {
			var referrer models.User
			if err := tx.First(&referrer, "telegram_id = ?", *referrerTelegramID).Error; err != nil {
				if !errors.Is(err, gorm.ErrRecordNotFound) {
					return err
				}
				// Unknown referrer is not an error, the edge is simply skipped.
				return nil
			}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&models.Referral{
				ReferrerID: referrer.ID,
				ReferredID: user.ID,
			}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		log.Printf("[REGISTER] rolled back registration for tg-%d: %v", telegramID, err)
		return nil, apperrors.Wrap(apperrors.CodePersistenceFailure, "registration rolled back", err)
	}

	log.Printf("[REGISTER] ✅ tg-%d → org %s (%s)", telegramID, org.OrganizationID, org.PublicKey)
	return org, nil
}

// verifyAttestation validates a Telegram Mini App initData string: the hash
// field must be HMAC-SHA256 over the remaining fields sorted as k=v lines,
// keyed by HMAC-SHA256("WebAppData", botToken), and the embedded user id
// must be the telegramID being registered. Every defect is
// MalformedCredential; this never reaches the custodian.
func (r *RegistrationService) verifyAttestation(attestation string, telegramID int64) error {
	if attestation == "" {
		return apperrors.New(apperrors.CodeMalformedCredential, "missing launch attestation")
	}
	values, err := url.ParseQuery(attestation)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeMalformedCredential, "attestation is not a query string", err)
	}
	gotHash := values.Get("hash")
	if gotHash == "" {
		return apperrors.New(apperrors.CodeMalformedCredential, "attestation carries no hash")
	}
	values.Del("hash")

	lines := make([]string, 0, len(values))
	for k := range values {
		lines = append(lines, k+"="+values.Get(k))
	}
	sort.Strings(lines)

	secret := hmac.New(sha256.New, []byte("WebAppData"))
	secret.Write([]byte(r.BotToken))
	mac := hmac.New(sha256.New, secret.Sum(nil))
	mac.Write([]byte(strings.Join(lines, "\n")))
	if !hmac.Equal([]byte(hex.EncodeToString(mac.Sum(nil))), []byte(gotHash)) {
		return apperrors.New(apperrors.CodeMalformedCredential, "attestation hash mismatch")
	}

	var user struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal([]byte(values.Get("user")), &user); err != nil || user.ID != telegramID {
		return apperrors.New(apperrors.CodeMalformedCredential, "attestation user does not match")
	}
	return nil
}

// Login verifies a challenge assertion against the user's active root
// credential and, on success, establishes a server-held signing session.
func (r *RegistrationService) Login(ctx context.Context, orgID, challenge, assertionHex string) (*models.SigningSession, error) {
	var org models.CustodyOrganization
	err := r.DB.WithContext(ctx).First(&org, "organization_id = ? AND is_active = ?", orgID, true).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNoAccountFound
		}
		return nil, err
	}

	var cred models.ApiKeyCredential
	err = r.DB.WithContext(ctx).
		First(&cred, "user_id = ? AND scope = ? AND revoked_at IS NULL", org.UserID, models.ScopeRootSession).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNoAccountFound
		}
		return nil, err
	}

	if err := verifyAssertion(cred.PublicKey, challenge, assertionHex); err != nil {
		return nil, err
	}
	return r.Sessions.CreateSession(ctx, org.UserID)
}

// verifyAssertion checks a P-256 ASN.1 signature over the challenge digest.
func verifyAssertion(publicKeyHex, challenge, assertionHex string) error {
	pubBytes, err := hex.DecodeString(publicKeyHex)
	if err != nil {
		return apperrors.New(apperrors.CodeMalformedCredential, "credential public key is not hex")
	}
	x, y := elliptic.UnmarshalCompressed(elliptic.P256(), pubBytes)
	if x == nil {
		return apperrors.New(apperrors.CodeMalformedCredential, "credential public key is not a P-256 point")
	}
	sig, err := hex.DecodeString(assertionHex)
	if err != nil {
		return apperrors.New(apperrors.CodeCustodianRejected, "assertion is not hex")
	}

	pub := &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}
	digest := sha256.Sum256([]byte(challenge))
	if !ecdsa.VerifyASN1(pub, digest[:], sig) {
		return apperrors.New(apperrors.CodeCustodianRejected, "challenge assertion failed verification")
	}
	return nil
}
