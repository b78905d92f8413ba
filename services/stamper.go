// services/stamper.go
package services

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"math/big"

	apperrors "wallet-custody-service/pkg/errors"
)

// SecurityLevel reports which trust path produced an artifact so downstream
// fee and logging logic can treat the two differently. The two paths never
// substitute for each other: a failure on one is a failure, not a downgrade.
type SecurityLevel string

const (
	SecurityLevelHigh SecurityLevel = "high"
	SecurityLevelLow  SecurityLevel = "low"
)

const stampScheme = "SIGNATURE_SCHEME_TK_API_P256"

// StampedArtifact binds a transaction payload to a signing key. The high
// path fills Stamp (an authorization header the custodian verifies); the low
// path fills SignedXDR because signing already happened server-side.
type StampedArtifact struct {
	SecurityLevel SecurityLevel
	PublicKey     string
	Stamp         string
	SignedXDR     string
}

// TransactionStamper has exactly two implementations. The caller selects one
// explicitly at the call site; nothing here infers or defaults a path.
type TransactionStamper interface {
	Stamp(ctx context.Context, payload []byte) (*StampedArtifact, error)
}

// SecureStamper is the high-security variant: it signs with a P-256 key the
// caller already decrypted out of the credential vault. The password prompt
// happened before this object existed; it never happens inside Stamp.
type SecureStamper struct {
	key *ecdsa.PrivateKey
}

// NewSecureStamper builds a stamper from a hex-encoded P-256 scalar. Any
// defect in the material is SigningUnavailable — a hard failure, never a
// fallback to the session path.
func NewSecureStamper(privateKeyHex string) (*SecureStamper, error) {
	d, err := hex.DecodeString(privateKeyHex)
	if err != nil || len(d) == 0 {
		return nil, apperrors.Wrap(apperrors.CodeSigningUnavailable, "invalid signing key material", err)
	}

	curve := elliptic.P256()
	k := new(big.Int).SetBytes(d)
	if k.Sign() == 0 || k.Cmp(curve.Params().N) >= 0 {
		return nil, apperrors.New(apperrors.CodeSigningUnavailable, "signing key out of curve order")
	}

	priv := &ecdsa.PrivateKey{D: k}
	priv.Curve = curve
	priv.X, priv.Y = curve.ScalarBaseMult(d)
	return &SecureStamper{key: priv}, nil
}

// PublicKeyHex returns the compressed SEC1 encoding the custodian registers.
func (s *SecureStamper) PublicKeyHex() string {
	return hex.EncodeToString(elliptic.MarshalCompressed(s.key.Curve, s.key.X, s.key.Y))
}

// Stamp signs the payload and packages the custodian's stamp header: a
// base64url JSON envelope of public key, scheme and DER signature.
func (s *SecureStamper) Stamp(_ context.Context, payload []byte) (*StampedArtifact, error) {
	digest := sha256.Sum256(payload)
	sig, err := ecdsa.SignASN1(rand.Reader, s.key, digest[:])
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeSigningUnavailable, "local signing failed", err)
	}

	stamp, err := json.Marshal(map[string]string{
		"publicKey": s.PublicKeyHex(),
		"scheme":    stampScheme,
		"signature": hex.EncodeToString(sig),
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeSigningUnavailable, "failed to encode stamp", err)
	}

	return &StampedArtifact{
		SecurityLevel: SecurityLevelHigh,
		PublicKey:     s.PublicKeyHex(),
		Stamp:         base64.RawURLEncoding.EncodeToString(stamp),
	}, nil
}

// SessionStamper is the low-security variant: it delegates to the
// server-held session key and the caller never sees private key material.
type SessionStamper struct {
	Sessions  *SessionService
	SessionID string
}

func NewSessionStamper(sessions *SessionService, sessionID string) *SessionStamper {
	return &SessionStamper{Sessions: sessions, SessionID: sessionID}
}

// Stamp signs the payload with the session's Stellar key. Expired sessions
// and KMS outages surface verbatim; there is no retry against the high path.
func (s *SessionStamper) Stamp(ctx context.Context, payload []byte) (*StampedArtifact, error) {
	signed, publicKey, err := s.Sessions.Sign(ctx, s.SessionID, string(payload))
	if err != nil {
		return nil, err
	}
	return &StampedArtifact{
		SecurityLevel: SecurityLevelLow,
		PublicKey:     publicKey,
		SignedXDR:     signed,
	}, nil
}

// DecodedStamp is the parsed form of an inbound stamp header, used by the
// mediator to check which credential produced it.
type DecodedStamp struct {
	PublicKey string `json:"publicKey"`
	Scheme    string `json:"scheme"`
	Signature string `json:"signature"`
}

// DecodeStamp parses a base64url stamp header without verifying it; pair
// with VerifyStamp when the covered bytes are at hand.
func DecodeStamp(stamp string) (*DecodedStamp, error) {
	raw, err := base64.RawURLEncoding.DecodeString(stamp)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInvalidSigningRequest, "stamp is not base64url", err)
	}
	var d DecodedStamp
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInvalidSigningRequest, "stamp is not a JSON envelope", err)
	}
	if d.PublicKey == "" || d.Signature == "" {
		return nil, apperrors.New(apperrors.CodeInvalidSigningRequest, "stamp missing public key or signature")
	}
	return &d, nil
}

// VerifyStamp checks that the stamp's signature covers body exactly. The
// custodian performs the authoritative check on its side; checking here too
// turns a stamp/body mismatch into an immediate client error instead of an
// opaque custodian rejection after a round trip.
func VerifyStamp(d *DecodedStamp, body []byte) error {
	pubBytes, err := hex.DecodeString(d.PublicKey)
	if err != nil {
		return apperrors.New(apperrors.CodeInvalidSigningRequest, "stamp public key is not hex")
	}
	x, y := elliptic.UnmarshalCompressed(elliptic.P256(), pubBytes)
	if x == nil {
		return apperrors.New(apperrors.CodeInvalidSigningRequest, "stamp public key is not a P-256 point")
	}
	sig, err := hex.DecodeString(d.Signature)
	if err != nil {
		return apperrors.New(apperrors.CodeInvalidSigningRequest, "stamp signature is not hex")
	}

	digest := sha256.Sum256(body)
	if !ecdsa.VerifyASN1(&ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}, digest[:], sig) {
		return apperrors.New(apperrors.CodeInvalidSigningRequest, "stamp does not sign the request body")
	}
	return nil
}
