// services/recovery.go
package services

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cloudflare/circl/hpke"
	"github.com/gosimple/slug"
	"gorm.io/gorm"

	"wallet-custody-service/models"
	apperrors "wallet-custody-service/pkg/errors"
	"wallet-custody-service/utils"
)

const (
	// The custodian-issued auth bundle is valid for an hour; a completion
	// retry after the credential mint gets a tighter 30-minute window.
	recoveryBundleTTL  = time.Hour
	recoveryConfirmTTL = 30 * time.Minute

	rootCredentialTTL = int64(0) // root-session keys do not expire
	recoveryCredTTL   = int64(3600)
)

// HPKE suite for the custodian's credential bundle. The custodian's API-key
// cryptosystem is P-256 end to end, so the bundle uses the matching DHKEM.
var (
	recoveryKEM  = hpke.KEM_P256_HKDF_SHA256
	recoveryKDF  = hpke.KDF_HKDF_SHA256
	recoveryAEAD = hpke.AEAD_AES256GCM
)

var recoveryBundleInfo = []byte("wallet-custody/recovery-bundle/v1")

// credentialBundle is the decoded shape of what the custodian emails the
// user: an HPKE encapsulation plus the sealed recovery credential.
type credentialBundle struct {
	EncappedPublic string `json:"encappedPublic"`
	Ciphertext     string `json:"ciphertext"`
}

// RecoveryService drives the linear recovery state machine. Recovery
// replaces the *access* credential only; wallet key material is never
// touched — the user keeps the same Stellar address throughout.
type RecoveryService struct {
	DB        *gorm.DB
	Custodian *CustodianClient
	Vault     *VaultService
}

func NewRecoveryService(db *gorm.DB, custodian *CustodianClient, vault *VaultService) *RecoveryService {
	return &RecoveryService{DB: db, Custodian: custodian, Vault: vault}
}

// InitRecovery resolves the email to exactly one active custody org and asks
// the custodian to send the encrypted credential bundle. Zero matches and
// ambiguous matches both fail closed: the flow never guesses an account.
func (r *RecoveryService) InitRecovery(ctx context.Context, email, targetPublicKeyHex string) (*models.RecoveryAttempt, error) {
	if _, err := hex.DecodeString(targetPublicKeyHex); err != nil || targetPublicKeyHex == "" {
		return nil, apperrors.New(apperrors.CodeMalformedCredential, "target public key is not hex")
	}

	var orgs []models.CustodyOrganization
	err := r.DB.WithContext(ctx).
		Joins("JOIN users ON users.id = custody_organizations.user_id").
		Where("users.email = ? AND users.is_active = ? AND custody_organizations.is_active = ?", email, true, true).
		Find(&orgs).Error
	if err != nil {
		return nil, err
	}
	if len(orgs) != 1 {
		log.Printf("[RECOVERY] email lookup matched %d active orgs, failing closed", len(orgs))
		return nil, apperrors.ErrNoAccountFound
	}
	org := orgs[0]

	attempt := &models.RecoveryAttempt{
		UserID:          org.UserID,
		OrganizationID:  org.OrganizationID,
		State:           models.RecoveryEmailLookupPending,
		TargetPublicKey: targetPublicKeyHex,
		BundleExpiresAt: time.Now().UTC().Add(recoveryBundleTTL),
	}
	if err := r.DB.WithContext(ctx).Create(attempt).Error; err != nil {
		return nil, err
	}

	if _, err := r.Custodian.EmailAuth(ctx, org.OrganizationID, email, targetPublicKeyHex); err != nil {
		r.fail(ctx, attempt, models.RecoveryFailed)
		return nil, err
	}

	attempt.State = models.RecoveryOtpInitiated
	if err := r.DB.WithContext(ctx).Save(attempt).Error; err != nil {
		return nil, err
	}
	return attempt, nil
}

// CompleteRecovery opens the emailed bundle with the attempt's throwaway
// key, uses the recovered short-lived credential to mint a brand-new
// root-session credential (the only operation that credential may perform),
// and seals the new private key into the vault under a freshly chosen
// password. The old password is gone; nothing here recovers it.
func (r *RecoveryService) CompleteRecovery(ctx context.Context, attemptID, encryptedBundle, targetPrivateKeyHex, newPassword string) (*models.ApiKeyCredential, error) {
	var attempt models.RecoveryAttempt
	if err := r.DB.WithContext(ctx).First(&attempt, "id = ?", attemptID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNoAccountFound
		}
		return nil, err
	}

	if attempt.State.Terminal() {
		return nil, apperrors.ErrRecoveryExpired
	}
	now := time.Now().UTC()
	if now.After(attempt.BundleExpiresAt) {
		r.fail(ctx, &attempt, models.RecoveryExpiredState)
		return nil, apperrors.ErrRecoveryExpired
	}
	// A retry after the mint step gets the tighter confirmation window.
	if attempt.State == models.RecoveryNewCredentialMinted && now.After(attempt.UpdatedAt.Add(recoveryConfirmTTL)) {
		r.fail(ctx, &attempt, models.RecoveryExpiredState)
		return nil, apperrors.ErrRecoveryExpired
	}

	recoveryKeyHex, err := decryptCredentialBundle(encryptedBundle, targetPrivateKeyHex)
	if err != nil {
		return nil, err
	}

	attempt.State = models.RecoveryOtpVerified
	if err := r.DB.WithContext(ctx).Save(&attempt).Error; err != nil {
		return nil, err
	}

	recoveryStamper, err := NewSecureStamper(recoveryKeyHex)
	if err != nil {
		return nil, err
	}

	// Fresh root keypair, minted at the custodian under the recovery
	// credential's narrow authority.
	newKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	newPrivHex := hex.EncodeToString(newKey.D.Bytes())
	newPubHex := hex.EncodeToString(elliptic.MarshalCompressed(newKey.Curve, newKey.X, newKey.Y))

	keyName := slug.Make(fmt.Sprintf("root-session-%s", now.Format("2006-01-02-150405")))

	// The stamp signs mintBody; the same bytes go to the custodian verbatim.
	mintBody, err := BuildCreateApiKeysBody(attempt.OrganizationID, keyName, newPubHex, rootCredentialTTL)
	if err != nil {
		return nil, err
	}
	stamp, err := recoveryStamper.Stamp(ctx, mintBody)
	if err != nil {
		return nil, err
	}
	if _, err := r.Custodian.CreateApiKeys(ctx, mintBody, stamp.Stamp); err != nil {
		r.fail(ctx, &attempt, models.RecoveryFailed)
		return nil, err
	}

	attempt.State = models.RecoveryNewCredentialMinted
	if err := r.DB.WithContext(ctx).Save(&attempt).Error; err != nil {
		return nil, err
	}

	credential, err := r.recordCredentials(ctx, &attempt, keyName, newPubHex, recoveryStamper.PublicKeyHex(), now)
	if err != nil {
		return nil, err
	}

	blob, err := r.Vault.Encrypt(newPrivHex, newPubHex, newPassword)
	if err != nil {
		return nil, err
	}
	if err := r.Vault.StoreBlob(ctx, attempt.UserID, blob); err != nil {
		return nil, err
	}

	attempt.State = models.RecoveryCompleted
	if err := r.DB.WithContext(ctx).Save(&attempt).Error; err != nil {
		log.Printf("[RECOVERY] attempt %s completed but final state save failed: %v", attempt.ID, err)
	}
	log.Printf("[RECOVERY] ✅ user %s re-keyed, credential %s", attempt.UserID, keyName)
	return credential, nil
}

// recordCredentials revokes the superseded root keys and writes the audit
// rows for both the new root credential and the recovery-scope key.
func (r *RecoveryService) recordCredentials(ctx context.Context, attempt *models.RecoveryAttempt, keyName, newPubHex, recoveryPubHex string, now time.Time) (*models.ApiKeyCredential, error) {
	credential := &models.ApiKeyCredential{
		OrganizationID: attempt.OrganizationID,
		UserID:         attempt.UserID,
		PublicKey:      newPubHex,
		Name:           keyName,
		Scope:          models.ScopeRootSession,
	}
	recoveryExpiry := now.Add(time.Duration(recoveryCredTTL) * time.Second)

	return credential, r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.ApiKeyCredential{}).
			Where("user_id = ? AND scope = ? AND revoked_at IS NULL", attempt.UserID, models.ScopeRootSession).
			Update("revoked_at", now).Error; err != nil {
			return err
		}
		if err := tx.Create(credential).Error; err != nil {
			return err
		}
		return tx.Create(&models.ApiKeyCredential{
			OrganizationID: attempt.OrganizationID,
			UserID:         attempt.UserID,
			PublicKey:      recoveryPubHex,
			Name:           keyName + "-recovery",
			Scope:          models.ScopeRecovery,
			ExpiresAt:      &recoveryExpiry,
		}).Error
	})
}

// decryptCredentialBundle opens the custodian's HPKE envelope with the
// attempt's ephemeral private key and returns the recovery credential's
// P-256 private scalar in hex.
func decryptCredentialBundle(encryptedBundle, targetPrivateKeyHex string) (string, error) {
	var bundle credentialBundle
	if err := json.Unmarshal([]byte(encryptedBundle), &bundle); err != nil {
		return "", apperrors.Wrap(apperrors.CodeMalformedCredential, "bundle is not JSON", err)
	}
	enc, err := hex.DecodeString(bundle.EncappedPublic)
	if err != nil {
		return "", apperrors.New(apperrors.CodeMalformedCredential, "bundle encapsulation is not hex")
	}
	ct, err := hex.DecodeString(bundle.Ciphertext)
	if err != nil {
		return "", apperrors.New(apperrors.CodeMalformedCredential, "bundle ciphertext is not hex")
	}
	skBytes, err := hex.DecodeString(targetPrivateKeyHex)
	if err != nil {
		return "", apperrors.New(apperrors.CodeMalformedCredential, "target private key is not hex")
	}
	defer utils.Zero(skBytes)

	sk, err := recoveryKEM.Scheme().UnmarshalBinaryPrivateKey(skBytes)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeMalformedCredential, "target private key unusable", err)
	}

	suite := hpke.NewSuite(recoveryKEM, recoveryKDF, recoveryAEAD)
	receiver, err := suite.NewReceiver(sk, recoveryBundleInfo)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeDecryptionFailed, "could not decrypt credential", err)
	}
	opener, err := receiver.Setup(enc)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeDecryptionFailed, "could not decrypt credential", err)
	}
	pt, err := opener.Open(ct, nil)
	if err != nil {
		return "", apperrors.ErrDecryptionFailed
	}
	out := hex.EncodeToString(pt)
	utils.Zero(pt)
	return out, nil
}

// fail moves the attempt into a terminal state; errors here are logged only
// since the caller already has a more specific failure to report.
func (r *RecoveryService) fail(ctx context.Context, attempt *models.RecoveryAttempt, state models.RecoveryState) {
	attempt.State = state
	if err := r.DB.WithContext(ctx).Save(attempt).Error; err != nil {
		log.Printf("[RECOVERY] failed to mark attempt %s %s: %v", attempt.ID, state, err)
	}
}

// SweepExpired pushes lapsed non-terminal attempts into the Expired state.
func (r *RecoveryService) SweepExpired(ctx context.Context) (int64, error) {
	res := r.DB.WithContext(ctx).Model(&models.RecoveryAttempt{}).
		Where("state NOT IN ? AND bundle_expires_at < ?",
			[]models.RecoveryState{models.RecoveryCompleted, models.RecoveryFailed, models.RecoveryExpiredState},
			time.Now().UTC()).
		Update("state", models.RecoveryExpiredState)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
