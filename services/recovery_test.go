package services

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	"github.com/cloudflare/circl/hpke"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"wallet-custody-service/models"
	apperrors "wallet-custody-service/pkg/errors"
)

func seedAccount(t *testing.T, db *gorm.DB, userID, email string) {
	t.Helper()
	telegramID := int64(100)
	for _, c := range []byte(userID) {
		telegramID += int64(c)
	}
	require.NoError(t, db.Create(&models.User{
		ID:         userID,
		TelegramID: telegramID,
		Email:      email,
		IsActive:   true,
	}).Error)
	require.NoError(t, db.Create(&models.CustodyOrganization{
		UserID:         userID,
		OrganizationID: "org-" + userID,
		WalletID:       "wallet-" + userID,
		PublicKey:      "GBRPYHIL2CI3FNQ4BXLFMNDLFJUNPU2HY3ZMFSHONUCEOASW7QC7OX2H",
		IsActive:       true,
	}).Error)
}

// sealBundle plays the custodian's part: it seals the recovery credential
// scalar to the attempt's throwaway public key.
func sealBundle(t *testing.T, targetPublicKey, secret []byte) string {
	t.Helper()
	pk, err := recoveryKEM.Scheme().UnmarshalBinaryPublicKey(targetPublicKey)
	require.NoError(t, err)

	suite := hpke.NewSuite(recoveryKEM, recoveryKDF, recoveryAEAD)
	sender, err := suite.NewSender(pk, recoveryBundleInfo)
	require.NoError(t, err)
	enc, sealer, err := sender.Setup(rand.Reader)
	require.NoError(t, err)
	ct, err := sealer.Seal(secret, nil)
	require.NoError(t, err)

	bundle, err := json.Marshal(credentialBundle{
		EncappedPublic: hex.EncodeToString(enc),
		Ciphertext:     hex.EncodeToString(ct),
	})
	require.NoError(t, err)
	return string(bundle)
}

func targetKeyPair(t *testing.T) (publicHex string, privateHex string) {
	t.Helper()
	pk, sk, err := recoveryKEM.Scheme().GenerateKeyPair()
	require.NoError(t, err)
	pkBytes, err := pk.MarshalBinary()
	require.NoError(t, err)
	skBytes, err := sk.MarshalBinary()
	require.NoError(t, err)
	return hex.EncodeToString(pkBytes), hex.EncodeToString(skBytes)
}

func TestRecoveryInitFailsClosed(t *testing.T) {
	db := testDB(t)
	svc := NewRecoveryService(db, fakeCustodian(t), NewVaultService(newFakeKV()))
	targetPub, _ := targetKeyPair(t)

	// Unknown email.
	_, err := svc.InitRecovery(context.Background(), "nobody@example.com", targetPub)
	assert.ErrorIs(t, err, apperrors.ErrNoAccountFound)

	// Ambiguous email: two active accounts share it.
	seedAccount(t, db, "user-a", "shared@example.com")
	seedAccount(t, db, "user-b", "shared@example.com")
	_, err = svc.InitRecovery(context.Background(), "shared@example.com", targetPub)
	assert.ErrorIs(t, err, apperrors.ErrNoAccountFound)

	// Garbage target key.
	seedAccount(t, db, "user-c", "c@example.com")
	_, err = svc.InitRecovery(context.Background(), "c@example.com", "not-hex")
	assert.Equal(t, apperrors.CodeMalformedCredential, apperrors.CodeOf(err))
}

func TestRecoveryInitStartsAttempt(t *testing.T) {
	db := testDB(t)
	svc := NewRecoveryService(db, fakeCustodian(t), NewVaultService(newFakeKV()))
	seedAccount(t, db, "user-1", "one@example.com")
	targetPub, _ := targetKeyPair(t)

	attempt, err := svc.InitRecovery(context.Background(), "one@example.com", targetPub)
	require.NoError(t, err)
	assert.Equal(t, models.RecoveryOtpInitiated, attempt.State)
	assert.Equal(t, "org-user-1", attempt.OrganizationID)
	assert.True(t, attempt.BundleExpiresAt.After(time.Now().UTC().Add(50*time.Minute)))
}

func TestRecoveryCompleteFullFlow(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	vault := NewVaultService(newFakeKV())
	svc := NewRecoveryService(db, fakeCustodian(t), vault)
	seedAccount(t, db, "user-1", "one@example.com")

	// The credential that is about to be superseded.
	require.NoError(t, db.Create(&models.ApiKeyCredential{
		OrganizationID: "org-user-1",
		UserID:         "user-1",
		PublicKey:      "02oldroot",
		Name:           "root",
		Scope:          models.ScopeRootSession,
	}).Error)

	targetPub, targetPriv := targetKeyPair(t)
	attempt, err := svc.InitRecovery(ctx, "one@example.com", targetPub)
	require.NoError(t, err)

	// The custodian seals a fresh recovery-credential scalar to the
	// throwaway key.
	recoveryKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	targetPubBytes, err := hex.DecodeString(targetPub)
	require.NoError(t, err)
	bundle := sealBundle(t, targetPubBytes, recoveryKey.D.Bytes())

	cred, err := svc.CompleteRecovery(ctx, attempt.ID, bundle, targetPriv, "brand-new-password")
	require.NoError(t, err)
	assert.Equal(t, models.ScopeRootSession, cred.Scope)
	assert.Equal(t, "org-user-1", cred.OrganizationID)

	// The superseded root credential is revoked, not deleted.
	var old models.ApiKeyCredential
	require.NoError(t, db.First(&old, "public_key = ?", "02oldroot").Error)
	assert.True(t, old.Revoked())

	// The recovery-scope key is on record with an expiry.
	var recoveryCred models.ApiKeyCredential
	require.NoError(t, db.First(&recoveryCred, "scope = ? AND user_id = ?", models.ScopeRecovery, "user-1").Error)
	require.NotNil(t, recoveryCred.ExpiresAt)

	// The vault now opens only under the new password, and the key inside
	// matches the minted credential.
	blob, err := vault.RetrieveBlob(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, blob)
	newPrivHex, err := vault.Decrypt(blob, "brand-new-password")
	require.NoError(t, err)
	reloaded, err := NewSecureStamper(newPrivHex)
	require.NoError(t, err)
	assert.Equal(t, cred.PublicKey, reloaded.PublicKeyHex())

	var final models.RecoveryAttempt
	require.NoError(t, db.First(&final, "id = ?", attempt.ID).Error)
	assert.Equal(t, models.RecoveryCompleted, final.State)
}

func TestRecoveryCompleteExpiredBundle(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	svc := NewRecoveryService(db, fakeCustodian(t), NewVaultService(newFakeKV()))

	attempt := &models.RecoveryAttempt{
		UserID:          "user-1",
		OrganizationID:  "org-user-1",
		State:           models.RecoveryOtpInitiated,
		TargetPublicKey: "04aabb",
		BundleExpiresAt: time.Now().UTC().Add(-time.Minute),
	}
	require.NoError(t, db.Create(attempt).Error)

	_, err := svc.CompleteRecovery(ctx, attempt.ID, "{}", "aabb", "pw")
	assert.ErrorIs(t, err, apperrors.ErrRecoveryExpired)

	var reloaded models.RecoveryAttempt
	require.NoError(t, db.First(&reloaded, "id = ?", attempt.ID).Error)
	assert.Equal(t, models.RecoveryExpiredState, reloaded.State)
}

func TestRecoveryCompleteTerminalAttempt(t *testing.T) {
	db := testDB(t)
	svc := NewRecoveryService(db, fakeCustodian(t), NewVaultService(newFakeKV()))

	for _, state := range []models.RecoveryState{
		models.RecoveryCompleted, models.RecoveryFailed, models.RecoveryExpiredState,
	} {
		attempt := &models.RecoveryAttempt{
			UserID:          "user-1",
			OrganizationID:  "org-user-1",
			State:           state,
			TargetPublicKey: "04aabb",
			BundleExpiresAt: time.Now().UTC().Add(time.Hour),
		}
		require.NoError(t, db.Create(attempt).Error)

		_, err := svc.CompleteRecovery(context.Background(), attempt.ID, "{}", "aabb", "pw")
		assert.ErrorIs(t, err, apperrors.ErrRecoveryExpired, "state %s must not resume", state)
	}
}

func TestRecoveryCompleteUnknownAttempt(t *testing.T) {
	svc := NewRecoveryService(testDB(t), fakeCustodian(t), NewVaultService(newFakeKV()))

	_, err := svc.CompleteRecovery(context.Background(), "missing", "{}", "aabb", "pw")
	assert.ErrorIs(t, err, apperrors.ErrNoAccountFound)
}

func TestDecryptCredentialBundle(t *testing.T) {
	targetPub, targetPriv := targetKeyPair(t)
	targetPubBytes, err := hex.DecodeString(targetPub)
	require.NoError(t, err)

	secret := []byte{0x9f, 0x86, 0xd0, 0x81, 0x88, 0x4c, 0x7d, 0x65}
	bundle := sealBundle(t, targetPubBytes, secret)

	got, err := decryptCredentialBundle(bundle, targetPriv)
	require.NoError(t, err)
	assert.Equal(t, hex.EncodeToString(secret), got)

	// A different private key cannot open it.
	_, otherPriv := targetKeyPair(t)
	_, err = decryptCredentialBundle(bundle, otherPriv)
	assert.ErrorIs(t, err, apperrors.ErrDecryptionFailed)

	// Malformed bundles fail before any crypto runs.
	_, err = decryptCredentialBundle("not json", targetPriv)
	assert.Equal(t, apperrors.CodeMalformedCredential, apperrors.CodeOf(err))
	_, err = decryptCredentialBundle(`{"encappedPublic":"zz","ciphertext":"aabb"}`, targetPriv)
	assert.Equal(t, apperrors.CodeMalformedCredential, apperrors.CodeOf(err))
}

func TestRecoverySweepExpired(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	svc := NewRecoveryService(db, fakeCustodian(t), NewVaultService(newFakeKV()))

	stale := &models.RecoveryAttempt{
		UserID: "user-1", OrganizationID: "org-1",
		State: models.RecoveryOtpInitiated, TargetPublicKey: "04aabb",
		BundleExpiresAt: time.Now().UTC().Add(-time.Hour),
	}
	fresh := &models.RecoveryAttempt{
		UserID: "user-2", OrganizationID: "org-2",
		State: models.RecoveryOtpInitiated, TargetPublicKey: "04ccdd",
		BundleExpiresAt: time.Now().UTC().Add(time.Hour),
	}
	done := &models.RecoveryAttempt{
		UserID: "user-3", OrganizationID: "org-3",
		State: models.RecoveryCompleted, TargetPublicKey: "04eeff",
		BundleExpiresAt: time.Now().UTC().Add(-time.Hour),
	}
	require.NoError(t, db.Create(stale).Error)
	require.NoError(t, db.Create(fresh).Error)
	require.NoError(t, db.Create(done).Error)

	n, err := svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	var reloadedStale models.RecoveryAttempt
	require.NoError(t, db.First(&reloadedStale, "id = ?", stale.ID).Error)
	assert.Equal(t, models.RecoveryExpiredState, reloadedStale.State)
	var reloadedDone models.RecoveryAttempt
	require.NoError(t, db.First(&reloadedDone, "id = ?", done.ID).Error)
	assert.Equal(t, models.RecoveryCompleted, reloadedDone.State)
}
