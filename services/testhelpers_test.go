package services

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"wallet-custody-service/models"
	apperrors "wallet-custody-service/pkg/errors"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.User{},
		&models.CustodyOrganization{},
		&models.ApiKeyCredential{},
		&models.SigningSession{},
		&models.RecoveryAttempt{},
		&models.Trade{},
		&models.Reward{},
		&models.Referral{},
	))
	return db
}

// fakeKV is an in-memory stand-in for the R2 credential store.
type fakeKV struct {
	mu    sync.Mutex
	items map[string]string
}

func newFakeKV() *fakeKV { return &fakeKV{items: map[string]string{}} }

func (f *fakeKV) GetItem(_ context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.items[key]
	return v, ok, nil
}

func (f *fakeKV) SetItem(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[key] = value
	return nil
}

func (f *fakeKV) DeleteItem(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.items, key)
	return nil
}

// fakeEnvelope wraps seeds with a visible prefix so tests can assert nothing
// stores plaintext, without a real KMS.
type fakeEnvelope struct {
	fail bool
}

func (f *fakeEnvelope) Wrap(_ context.Context, plaintext []byte) ([]byte, string, error) {
	if f.fail {
		return nil, "", apperrors.ErrKmsUnavailable
	}
	return append([]byte("wrapped:"), plaintext...), "test-key", nil
}

func (f *fakeEnvelope) Unwrap(_ context.Context, ciphertext []byte, _ string) ([]byte, error) {
	if f.fail {
		return nil, apperrors.ErrKmsUnavailable
	}
	return ciphertext[len("wrapped:"):], nil
}
