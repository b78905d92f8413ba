// services/vault.go
package services

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"

	"golang.org/x/crypto/pbkdf2"

	apperrors "wallet-custody-service/pkg/errors"
	"wallet-custody-service/utils"
)

const (
	vaultKDFIterations = 100_000
	vaultKeyLen        = 32 // AES-256
	vaultSaltLen       = 16
	vaultIVLen         = 12 // GCM standard nonce
)

// EncryptedKeyBlob is the at-rest shape of a password-wrapped private key.
// All byte fields are hex-encoded in the stored JSON; the public key stays
// in the clear.
type EncryptedKeyBlob struct {
	PublicKey           string `json:"publicKey"`
	EncryptedPrivateKey string `json:"encryptedPrivateKey"`
	IV                  string `json:"iv"`
	Salt                string `json:"salt"`
}

// legacyCredential is the pre-encryption storage format: a bare keypair with
// no salt or IV. It must never reach the decrypt path — it gets its own
// error so callers can route to migration.
type legacyCredential struct {
	ApiPublicKey  string `json:"apiPublicKey"`
	ApiPrivateKey string `json:"apiPrivateKey"`
}

// VaultService owns the client-held high-security credential: password-based
// encryption at rest plus the single-slot cloud store each user's blob lives
// in. It performs no custodian calls.
type VaultService struct {
	Store utils.KVStore
}

func NewVaultService(store utils.KVStore) *VaultService {
	return &VaultService{Store: store}
}

func vaultKey(userID string) string { return fmt.Sprintf("vault/%s.json", userID) }

// deriveKey stretches the password. Deliberately slow: a stolen blob should
// cost 100k SHA-256 rounds per guess.
func deriveKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, vaultKDFIterations, vaultKeyLen, sha256.New)
}

// Encrypt seals privateKey under password with a fresh salt and IV.
func (v *VaultService) Encrypt(privateKey, publicKey, password string) (*EncryptedKeyBlob, error) {
	salt := make([]byte, vaultSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	iv := make([]byte, vaultIVLen)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("failed to generate iv: %w", err)
	}

	key := deriveKey(password, salt)
	defer utils.Zero(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	ct := aead.Seal(nil, iv, []byte(privateKey), nil)

	return &EncryptedKeyBlob{
		PublicKey:           publicKey,
		EncryptedPrivateKey: hex.EncodeToString(ct),
		IV:                  hex.EncodeToString(iv),
		Salt:                hex.EncodeToString(salt),
	}, nil
}

// Decrypt opens a blob with the given password. A wrong password and a
// corrupted blob are indistinguishable to the caller (both fail the GCM tag
// check); the distinction must not leak or the blob becomes a brute-force
// oracle.
func (v *VaultService) Decrypt(blob *EncryptedKeyBlob, password string) (string, error) {
	ct, iv, salt, err := validateBlob(blob)
	if err != nil {
		return "", err
	}

	key := deriveKey(password, salt)
	defer utils.Zero(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	pt, err := aead.Open(nil, iv, ct, nil)
	if err != nil {
		// Internal log only; the surfaced error stays generic.
		log.Printf("[VAULT] AEAD open failed for key %s…: %v", shortKey(blob.PublicKey), err)
		return "", apperrors.ErrDecryptionFailed
	}
	return string(pt), nil
}

// validateBlob fails fast on anything that doesn't match the declared
// cipher, before any crypto work happens.
func validateBlob(blob *EncryptedKeyBlob) (ct, iv, salt []byte, err error) {
	if blob == nil || blob.EncryptedPrivateKey == "" || blob.IV == "" || blob.Salt == "" {
		return nil, nil, nil, apperrors.ErrMalformedCredential
	}
	ct, err = hex.DecodeString(blob.EncryptedPrivateKey)
	if err != nil || len(ct) == 0 {
		return nil, nil, nil, apperrors.ErrMalformedCredential
	}
	iv, err = hex.DecodeString(blob.IV)
	if err != nil || len(iv) != vaultIVLen {
		return nil, nil, nil, apperrors.ErrMalformedCredential
	}
	salt, err = hex.DecodeString(blob.Salt)
	if err != nil || len(salt) != vaultSaltLen {
		return nil, nil, nil, apperrors.ErrMalformedCredential
	}
	return ct, iv, salt, nil
}

// ParseBlob classifies a raw stored value: current encrypted format, legacy
// plain-keypair format, or garbage.
func ParseBlob(raw string) (*EncryptedKeyBlob, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &probe); err != nil {
		return nil, apperrors.ErrMalformedCredential
	}

	if _, hasLegacy := probe["apiPrivateKey"]; hasLegacy {
		if _, hasCipher := probe["encryptedPrivateKey"]; !hasCipher {
			var legacy legacyCredential
			if err := json.Unmarshal([]byte(raw), &legacy); err == nil && legacy.ApiPrivateKey != "" {
				return nil, apperrors.ErrLegacyFormatDetected
			}
		}
	}

	var blob EncryptedKeyBlob
	if err := json.Unmarshal([]byte(raw), &blob); err != nil {
		return nil, apperrors.ErrMalformedCredential
	}
	if blob.EncryptedPrivateKey == "" || blob.IV == "" || blob.Salt == "" {
		return nil, apperrors.ErrMalformedCredential
	}
	return &blob, nil
}

// StoreBlob overwrites the user's single vault slot. Concurrent writers for
// the same user resolve last-write-wins at the store, which is acceptable:
// both writers are the same authenticated user.
func (v *VaultService) StoreBlob(ctx context.Context, userID string, blob *EncryptedKeyBlob) error {
	data, err := json.Marshal(blob)
	if err != nil {
		return err
	}
	return v.Store.SetItem(ctx, vaultKey(userID), string(data))
}

// RetrieveBlob returns the user's blob, nil when none is stored, or
// LegacyFormatDetected / MalformedCredential when the slot holds something
// the decrypt path must not see.
func (v *VaultService) RetrieveBlob(ctx context.Context, userID string) (*EncryptedKeyBlob, error) {
	raw, ok, err := v.Store.GetItem(ctx, vaultKey(userID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return ParseBlob(raw)
}

// DestroyBlob removes the slot entirely (explicit unregister).
func (v *VaultService) DestroyBlob(ctx context.Context, userID string) error {
	return v.Store.DeleteItem(ctx, vaultKey(userID))
}

func shortKey(pub string) string {
	if len(pub) > 8 {
		return pub[:8]
	}
	return pub
}
