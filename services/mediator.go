// services/mediator.go
package services

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/stellar/go/keypair"
	"github.com/stellar/go/network"
	"github.com/stellar/go/xdr"
	"gorm.io/gorm"

	"wallet-custody-service/models"
	apperrors "wallet-custody-service/pkg/errors"
)

const stellarSignatureLen = 64

// rawSigner is the slice of the custodian client the mediator forwards
// stamps through.
type rawSigner interface {
	SignRawPayload(ctx context.Context, body []byte, stamp string) (*RawSignature, string, error)
}

// SubmitRequest is the ephemeral signing request. It carries exactly one of:
// a client-signed payload (high path, finished client-side), a stamp plus the
// exact activity body it signs (high path, custodian signs), or a session id
// plus unsigned payload (low path, server-held key signs).
type SubmitRequest struct {
	UserID              string
	ClientSignedPayload string
	Stamp               string
	StampedBody         string
	UnsignedPayload     string
	SessionID           string

	// Optional fee metadata: the transaction's economic value.
	Amount      float64
	AssetCode   string
	AssetIssuer string
}

// SubmitResult is what the caller gets back either way.
type SubmitResult struct {
	SignedPayload  string        `json:"signed_payload"`
	SubmissionHash string        `json:"submission_hash"`
	SecurityLevel  SecurityLevel `json:"security_level"`
}

// MediatorService validates inbound stamp/payload pairs, forwards them to
// the custodian or accepts client-presented signed payloads, persists the
// outcome, and triggers fee/reward accounting. The two trust paths stay
// strictly separate: nothing here ever substitutes one for the other.
type MediatorService struct {
	DB                *gorm.DB
	Custodian         rawSigner
	Sessions          *SessionService
	Fees              *FeeEngine
	NetworkPassphrase string
}

func NewMediatorService(db *gorm.DB, custodian rawSigner, sessions *SessionService, fees *FeeEngine, networkPassphrase string) *MediatorService {
	return &MediatorService{
		DB:                db,
		Custodian:         custodian,
		Sessions:          sessions,
		Fees:              fees,
		NetworkPassphrase: networkPassphrase,
	}
}

// Submit runs the decision ladder from the top: pre-signed payloads are
// accepted as-is (the server never re-signs or double-signs), stamped
// payloads are forwarded to the custodian, session requests are signed with
// the server-held key, and anything else is rejected.
func (m *MediatorService) Submit(ctx context.Context, req *SubmitRequest) (*SubmitResult, error) {
	switch {
	case req.ClientSignedPayload != "":
		return m.submitPreSigned(ctx, req)
	case req.Stamp != "" && req.UnsignedPayload != "":
		return m.submitStamped(ctx, req)
	case req.SessionID != "" && req.UnsignedPayload != "":
		return m.submitSession(ctx, req)
	default:
		return nil, apperrors.ErrInvalidSigningRequest
	}
}

func (m *MediatorService) submitPreSigned(ctx context.Context, req *SubmitRequest) (*SubmitResult, error) {
	var env xdr.TransactionEnvelope
	if err := xdr.SafeUnmarshalBase64(req.ClientSignedPayload, &env); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInvalidSigningRequest, "payload is not a transaction envelope", err)
	}
	if len(env.Signatures()) == 0 {
		return nil, apperrors.New(apperrors.CodeInvalidSigningRequest, "payload carries no signature")
	}

	hash, err := m.envelopeHash(&env)
	if err != nil {
		return nil, err
	}
	if prior := m.priorResult(ctx, hash); prior != nil {
		return prior, nil
	}

	return m.finalize(ctx, req, req.ClientSignedPayload, hash, "", SecurityLevelHigh)
}

func (m *MediatorService) submitStamped(ctx context.Context, req *SubmitRequest) (*SubmitResult, error) {
	if req.StampedBody == "" {
		return nil, apperrors.New(apperrors.CodeInvalidSigningRequest, "stamped request carries no activity body")
	}
	body := []byte(req.StampedBody)

	decoded, err := DecodeStamp(req.Stamp)
	if err != nil {
		return nil, err
	}
	if err := VerifyStamp(decoded, body); err != nil {
		return nil, err
	}
	if err := m.checkStampScope(ctx, decoded.PublicKey); err != nil {
		return nil, err
	}

	var env xdr.TransactionEnvelope
	if err := xdr.SafeUnmarshalBase64(req.UnsignedPayload, &env); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInvalidSigningRequest, "payload is not a transaction envelope", err)
	}

	hash, err := m.envelopeHash(&env)
	if err != nil {
		return nil, err
	}
	if prior := m.priorResult(ctx, hash); prior != nil {
		return prior, nil
	}

	org, err := m.activeOrg(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if err := m.checkStampedBody(body, org.OrganizationID, hash); err != nil {
		return nil, err
	}

	sig, activityID, err := m.Custodian.SignRawPayload(ctx, body, req.Stamp)
	if err != nil {
		return nil, err
	}

	combined, err := CombineSignatureHalves(sig.R, sig.S)
	if err != nil {
		return nil, err
	}

	signedXDR, err := attachSignature(&env, org.PublicKey, combined)
	if err != nil {
		return nil, err
	}

	return m.finalize(ctx, req, signedXDR, hash, activityID, SecurityLevelHigh)
}

func (m *MediatorService) submitSession(ctx context.Context, req *SubmitRequest) (*SubmitResult, error) {
	stamper := NewSessionStamper(m.Sessions, req.SessionID)
	artifact, err := stamper.Stamp(ctx, []byte(req.UnsignedPayload))
	if err != nil {
		return nil, err
	}

	var env xdr.TransactionEnvelope
	if err := xdr.SafeUnmarshalBase64(artifact.SignedXDR, &env); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeSigningUnavailable, "session produced an unreadable envelope", err)
	}
	hash, err := m.envelopeHash(&env)
	if err != nil {
		return nil, err
	}
	if prior := m.priorResult(ctx, hash); prior != nil {
		return prior, nil
	}

	return m.finalize(ctx, req, artifact.SignedXDR, hash, "", SecurityLevelLow)
}

// checkStampScope refuses stamps from recovery-scoped or dead credentials.
// Unknown keys pass through; the custodian is the authority on those.
func (m *MediatorService) checkStampScope(ctx context.Context, publicKey string) error {
	var cred models.ApiKeyCredential
	err := m.DB.WithContext(ctx).First(&cred, "public_key = ?", publicKey).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	if cred.Scope == models.ScopeRecovery {
		return apperrors.New(apperrors.CodeCustodianRejected, "recovery credentials may only mint new credentials")
	}
	if cred.Revoked() || cred.Expired(time.Now().UTC()) {
		return apperrors.New(apperrors.CodeCustodianRejected, "credential is revoked or expired")
	}
	return nil
}

// checkStampedBody parses the client-built activity body far enough to pin it
// to this request: it must target the caller's own organization and its raw
// payload must be the hash of the envelope the caller submitted. The body is
// forwarded byte for byte after this; only the stamp's signature makes it
// authoritative, these checks just refuse cross-wiring up front.
func (m *MediatorService) checkStampedBody(body []byte, orgID, envHash string) error {
	var activity struct {
		OrganizationID string `json:"organizationId"`
		Parameters     struct {
			Payload string `json:"payload"`
		} `json:"parameters"`
	}
	if err := json.Unmarshal(body, &activity); err != nil {
		return apperrors.Wrap(apperrors.CodeInvalidSigningRequest, "stamped body is not an activity", err)
	}
	if activity.OrganizationID != orgID {
		return apperrors.New(apperrors.CodeCustodianRejected, "stamped body targets another organization")
	}
	if !strings.EqualFold(activity.Parameters.Payload, envHash) {
		return apperrors.New(apperrors.CodeInvalidSigningRequest, "stamped body does not cover this transaction")
	}
	return nil
}

func (m *MediatorService) activeOrg(ctx context.Context, userID string) (*models.CustodyOrganization, error) {
	var org models.CustodyOrganization
	err := m.DB.WithContext(ctx).First(&org, "user_id = ? AND is_active = ?", userID, true).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNoAccountFound
		}
		return nil, err
	}
	return &org, nil
}

// envelopeHash computes the network-scoped transaction hash, hex-encoded.
// Signatures are not part of the hash, so the unsigned and signed forms of
// one transaction share it — which is exactly what idempotency needs.
func (m *MediatorService) envelopeHash(env *xdr.TransactionEnvelope) (string, error) {
	h, err := network.HashTransactionInEnvelope(*env, m.NetworkPassphrase)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeInvalidSigningRequest, "envelope not hashable for this network", err)
	}
	return hex.EncodeToString(h[:]), nil
}

// priorResult short-circuits resubmissions of an already-recorded hash.
func (m *MediatorService) priorResult(ctx context.Context, hash string) *SubmitResult {
	var trade models.Trade
	if err := m.DB.WithContext(ctx).First(&trade, "tx_hash = ?", hash).Error; err != nil {
		return nil
	}
	log.Printf("[MEDIATOR] resubmission of %s short-circuited", hash)
	return &SubmitResult{
		SignedPayload:  trade.SignedXDR,
		SubmissionHash: trade.TxHash,
		SecurityLevel:  SecurityLevel(trade.SecurityLevel),
	}
}

// finalize persists the trade and fans out rewards. The signature is
// economically final at this point: persistence or accounting failures are
// warnings, never failures of the signing result.
func (m *MediatorService) finalize(ctx context.Context, req *SubmitRequest, signedXDR, hash, activityID string, level SecurityLevel) (*SubmitResult, error) {
	result := &SubmitResult{SignedPayload: signedXDR, SubmissionHash: hash, SecurityLevel: level}

	quote, err := m.Fees.Quote(ctx, req.Amount, req.AssetCode, req.AssetIssuer)
	if err != nil {
		if apperrors.Fatal(err) {
			return nil, err
		}
		log.Printf("[MEDIATOR] ⚠️ fee accounting degraded for %s: %v", hash, err)
	}

	trade := &models.Trade{
		UserID:        req.UserID,
		TxHash:        hash,
		ActivityID:    activityID,
		SignedXDR:     signedXDR,
		VolumeXLM:     quote.VolumeXLM,
		FeeAmount:     quote.ServiceFeeXLM,
		FeeAsset:      "XLM",
		SecurityLevel: string(level),
	}
	if err := m.DB.WithContext(ctx).Create(trade).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// Lost a race with a concurrent identical submission.
			if prior := m.priorResult(ctx, hash); prior != nil {
				return prior, nil
			}
		}
		log.Printf("[MEDIATOR] ⚠️ %v: trade %s not recorded: %v", apperrors.ErrPersistenceFailure, hash, err)
		return result, nil
	}

	m.Fees.DistributeRewards(ctx, trade)
	return result, nil
}

// CombineSignatureHalves glues the custodian's r and s halves into one
// fixed-length ed25519 signature. Anything other than exactly 128 hex chars
// combined is rejected before it can touch an envelope.
func CombineSignatureHalves(rHex, sHex string) ([]byte, error) {
	combined := rHex + sHex
	if len(combined) != stellarSignatureLen*2 {
		return nil, apperrors.New(apperrors.CodeCustodianRejected,
			fmt.Sprintf("signature halves combine to %d hex chars, want %d", len(combined), stellarSignatureLen*2))
	}
	sig, err := hex.DecodeString(combined)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeCustodianRejected, "signature halves are not hex", err)
	}
	if len(sig) != stellarSignatureLen {
		return nil, apperrors.New(apperrors.CodeCustodianRejected, "combined signature has wrong length")
	}
	return sig, nil
}

// attachSignature appends a decorated signature, hinted by the signer's
// public key, to the envelope and re-encodes it.
func attachSignature(env *xdr.TransactionEnvelope, signerAddress string, sig []byte) (string, error) {
	kp, err := keypair.Parse(signerAddress)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeSigningUnavailable, "signer address unparseable", err)
	}
	decorated := xdr.DecoratedSignature{
		Hint:      xdr.SignatureHint(kp.Hint()),
		Signature: xdr.Signature(sig),
	}

	switch env.Type {
	case xdr.EnvelopeTypeEnvelopeTypeTx:
		env.V1.Signatures = append(env.V1.Signatures, decorated)
	case xdr.EnvelopeTypeEnvelopeTypeTxV0:
		env.V0.Signatures = append(env.V0.Signatures, decorated)
	default:
		return "", apperrors.New(apperrors.CodeInvalidSigningRequest, "unsupported envelope type")
	}

	out, err := xdr.MarshalBase64(*env)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeSigningUnavailable, "failed to encode signed envelope", err)
	}
	return out, nil
}
