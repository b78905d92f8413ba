package services

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "wallet-custody-service/pkg/errors"
)

func TestVaultRoundTrip(t *testing.T) {
	vault := NewVaultService(newFakeKV())

	cases := []struct {
		name       string
		privateKey string
		password   string
	}{
		{"short key", "abc123", "pw1"},
		{"hex scalar", "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08", "correct horse battery staple"},
		{"unicode password", "deadbeef", "пароль-🔑"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			blob, err := vault.Encrypt(tc.privateKey, "02aabb", tc.password)
			require.NoError(t, err)

			got, err := vault.Decrypt(blob, tc.password)
			require.NoError(t, err)
			assert.Equal(t, tc.privateKey, got)
		})
	}
}

func TestVaultWrongPassword(t *testing.T) {
	vault := NewVaultService(newFakeKV())

	blob, err := vault.Encrypt("abc123", "02aabb", "pw1")
	require.NoError(t, err)

	got, err := vault.Decrypt(blob, "pw2")
	require.ErrorIs(t, err, apperrors.ErrDecryptionFailed)
	assert.Empty(t, got, "wrong password must never return plaintext")

	// The surfaced message must not reveal whether the password was wrong
	// or the blob corrupted.
	assert.NotContains(t, err.Error(), "password")
}

func TestVaultFreshIVAndSaltPerEncryption(t *testing.T) {
	vault := NewVaultService(newFakeKV())

	a, err := vault.Encrypt("abc123", "02aabb", "pw1")
	require.NoError(t, err)
	b, err := vault.Encrypt("abc123", "02aabb", "pw1")
	require.NoError(t, err)

	assert.NotEqual(t, a.IV, b.IV)
	assert.NotEqual(t, a.Salt, b.Salt)
	assert.NotEqual(t, a.EncryptedPrivateKey, b.EncryptedPrivateKey)
}

func TestVaultMalformedBlob(t *testing.T) {
	vault := NewVaultService(newFakeKV())

	cases := []struct {
		name string
		blob *EncryptedKeyBlob
	}{
		{"nil blob", nil},
		{"missing ciphertext", &EncryptedKeyBlob{IV: "00112233445566778899aabb", Salt: "00112233445566778899aabbccddeeff"}},
		{"iv not hex", &EncryptedKeyBlob{EncryptedPrivateKey: "aabb", IV: "zz", Salt: "00112233445566778899aabbccddeeff"}},
		{"iv wrong length", &EncryptedKeyBlob{EncryptedPrivateKey: "aabb", IV: "0011", Salt: "00112233445566778899aabbccddeeff"}},
		{"salt wrong length", &EncryptedKeyBlob{EncryptedPrivateKey: "aabb", IV: "00112233445566778899aabb", Salt: "0011"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := vault.Decrypt(tc.blob, "pw1")
			assert.ErrorIs(t, err, apperrors.ErrMalformedCredential)
		})
	}
}

func TestLegacyFormatDetection(t *testing.T) {
	legacy, err := json.Marshal(map[string]string{
		"apiPublicKey":  "02aabb",
		"apiPrivateKey": "deadbeef",
	})
	require.NoError(t, err)

	_, err = ParseBlob(string(legacy))
	assert.ErrorIs(t, err, apperrors.ErrLegacyFormatDetected,
		"legacy keypairs must be routed to migration, never to the AEAD path")

	_, err = ParseBlob("not json at all")
	assert.ErrorIs(t, err, apperrors.ErrMalformedCredential)
}

func TestVaultStoreRetrieveScenario(t *testing.T) {
	ctx := context.Background()
	vault := NewVaultService(newFakeKV())
	userID := "555"

	// Nothing stored yet.
	got, err := vault.RetrieveBlob(ctx, userID)
	require.NoError(t, err)
	assert.Nil(t, got)

	blob, err := vault.Encrypt("abc123", "02aabb", "pw1")
	require.NoError(t, err)
	require.NoError(t, vault.StoreBlob(ctx, userID, blob))

	stored, err := vault.RetrieveBlob(ctx, userID)
	require.NoError(t, err)
	require.NotNil(t, stored)

	pk, err := vault.Decrypt(stored, "pw1")
	require.NoError(t, err)
	assert.Equal(t, "abc123", pk)

	_, err = vault.Decrypt(stored, "pw2")
	assert.ErrorIs(t, err, apperrors.ErrDecryptionFailed)

	require.NoError(t, vault.DestroyBlob(ctx, userID))
	got, err = vault.RetrieveBlob(ctx, userID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestVaultRotationOverwrites(t *testing.T) {
	ctx := context.Background()
	vault := NewVaultService(newFakeKV())

	first, err := vault.Encrypt("old-key", "02aabb", "pw1")
	require.NoError(t, err)
	require.NoError(t, vault.StoreBlob(ctx, "7", first))

	second, err := vault.Encrypt("new-key", "02ccdd", "pw2")
	require.NoError(t, err)
	require.NoError(t, vault.StoreBlob(ctx, "7", second))

	stored, err := vault.RetrieveBlob(ctx, "7")
	require.NoError(t, err)

	// Only the new password opens the slot; the old material is gone.
	pk, err := vault.Decrypt(stored, "pw2")
	require.NoError(t, err)
	assert.Equal(t, "new-key", pk)
	_, err = vault.Decrypt(stored, "pw1")
	assert.ErrorIs(t, err, apperrors.ErrDecryptionFailed)
}
