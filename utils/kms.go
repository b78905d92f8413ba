// utils/kms.go
package utils

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"

	apperrors "wallet-custody-service/pkg/errors"
)

// encryptionContext binds every session-key ciphertext to this service so a
// blob lifted from the database cannot be decrypted under another service's
// credentials.
var encryptionContext = map[string]string{
	"service": "wallet-custody",
	"purpose": "session-key",
}

// Envelope wraps and unwraps short secrets under a remote master key. The
// plaintext never leaves the calling stack frame.
type Envelope interface {
	Wrap(ctx context.Context, plaintext []byte) (ciphertext []byte, keyID string, err error)
	Unwrap(ctx context.Context, ciphertext []byte, keyID string) ([]byte, error)
}

// KMSEnvelope implements Envelope against AWS KMS.
type KMSEnvelope struct {
	client *kms.Client
	keyID  string
}

// NewKMSEnvelope builds the KMS client from environment configuration.
// KMS_KEY_ID is the master key every session seed is wrapped under.
func NewKMSEnvelope() (*KMSEnvelope, error) {
	keyID := os.Getenv("KMS_KEY_ID")
	if keyID == "" {
		return nil, fmt.Errorf("KMS_KEY_ID environment variable not set")
	}

	cfg, err := config.LoadDefaultConfig(context.TODO())
	if err != nil {
		return nil, fmt.Errorf("failed to load KMS config: %w", err)
	}

	return &KMSEnvelope{client: kms.NewFromConfig(cfg), keyID: keyID}, nil
}

func (e *KMSEnvelope) Wrap(ctx context.Context, plaintext []byte) ([]byte, string, error) {
	out, err := e.client.Encrypt(ctx, &kms.EncryptInput{
		KeyId:             &e.keyID,
		Plaintext:         plaintext,
		EncryptionContext: encryptionContext,
	})
	if err != nil {
		return nil, "", apperrors.Wrap(apperrors.CodeKmsUnavailable, "kms encrypt failed", err)
	}
	return out.CiphertextBlob, e.keyID, nil
}

func (e *KMSEnvelope) Unwrap(ctx context.Context, ciphertext []byte, keyID string) ([]byte, error) {
	out, err := e.client.Decrypt(ctx, &kms.DecryptInput{
		KeyId:             &keyID,
		CiphertextBlob:    ciphertext,
		EncryptionContext: encryptionContext,
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeKmsUnavailable, "kms decrypt failed", err)
	}
	return out.Plaintext, nil
}
