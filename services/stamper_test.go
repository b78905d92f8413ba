package services

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"testing"

	"github.com/stellar/go/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "wallet-custody-service/pkg/errors"
)

const testScalarHex = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"

func TestSecureStampVerifies(t *testing.T) {
	stamper, err := NewSecureStamper(testScalarHex)
	require.NoError(t, err)

	payload := []byte(`{"type":"ACTIVITY_TYPE_SIGN_RAW_PAYLOAD"}`)
	artifact, err := stamper.Stamp(context.Background(), payload)
	require.NoError(t, err)

	assert.Equal(t, SecurityLevelHigh, artifact.SecurityLevel)
	assert.Empty(t, artifact.SignedXDR)
	assert.Equal(t, stamper.PublicKeyHex(), artifact.PublicKey)

	decoded, err := DecodeStamp(artifact.Stamp)
	require.NoError(t, err)
	assert.Equal(t, stamper.PublicKeyHex(), decoded.PublicKey)
	assert.Equal(t, stampScheme, decoded.Scheme)

	// The signature must check out under the advertised public key.
	pubBytes, err := hex.DecodeString(decoded.PublicKey)
	require.NoError(t, err)
	x, y := elliptic.UnmarshalCompressed(elliptic.P256(), pubBytes)
	require.NotNil(t, x)
	pub := &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}

	sig, err := hex.DecodeString(decoded.Signature)
	require.NoError(t, err)
	digest := sha256.Sum256(payload)
	assert.True(t, ecdsa.VerifyASN1(pub, digest[:], sig))
}

func TestNewSecureStamperRejectsBadMaterial(t *testing.T) {
	cases := []struct {
		name string
		key  string
	}{
		{"not hex", "zzzz"},
		{"empty", ""},
		{"zero scalar", "00"},
		{"at curve order", "ffffffff00000000ffffffffffffffffbce6faada7179e84f3b9cac2fc632551"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewSecureStamper(tc.key)
			assert.Equal(t, apperrors.CodeSigningUnavailable, apperrors.CodeOf(err))
		})
	}
}

func TestDecodeStampRejectsGarbage(t *testing.T) {
	cases := []struct {
		name  string
		stamp string
	}{
		{"not base64url", "!!!"},
		{"not json", base64.RawURLEncoding.EncodeToString([]byte("hello"))},
		{"missing signature", base64.RawURLEncoding.EncodeToString([]byte(`{"publicKey":"02aabb"}`))},
		{"missing public key", base64.RawURLEncoding.EncodeToString([]byte(`{"signature":"aabb"}`))},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeStamp(tc.stamp)
			assert.Equal(t, apperrors.CodeInvalidSigningRequest, apperrors.CodeOf(err))
		})
	}
}

func TestSessionStamperSignsServerSide(t *testing.T) {
	ctx := context.Background()
	sessions := NewSessionService(testDB(t), &fakeEnvelope{}, network.TestNetworkPassphrase)

	session, err := sessions.CreateSession(ctx, "user-1")
	require.NoError(t, err)

	stamper := NewSessionStamper(sessions, session.ID)
	artifact, err := stamper.Stamp(ctx, []byte(paymentXDR(t)))
	require.NoError(t, err)

	assert.Equal(t, SecurityLevelLow, artifact.SecurityLevel)
	assert.Equal(t, session.PublicKey, artifact.PublicKey)
	assert.NotEmpty(t, artifact.SignedXDR)
	assert.Empty(t, artifact.Stamp, "the low path signs server-side, it never emits an authorization header")
}

func TestSessionStamperUnknownSession(t *testing.T) {
	sessions := NewSessionService(testDB(t), &fakeEnvelope{}, network.TestNetworkPassphrase)

	stamper := NewSessionStamper(sessions, "no-such-session")
	_, err := stamper.Stamp(context.Background(), []byte(paymentXDR(t)))
	assert.ErrorIs(t, err, apperrors.ErrSessionExpired)
}
