// services/custodian_client.go
package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	apperrors "wallet-custody-service/pkg/errors"
)

// CustodianClient talks to the remote custodian's activity-based RPC API.
// Every mutating call is authenticated by a stamp: a signature over the
// request body keyed by a registered API public key. The service holds its
// own parent-org stamper for org creation; everything user-scoped is stamped
// by the caller's credential.
type CustodianClient struct {
	BaseURL       string
	ParentOrgID   string
	ParentStamper TransactionStamper
	HTTPClient    *http.Client
}

func NewCustodianClient(baseURL, parentOrgID string, parentStamper TransactionStamper) *CustodianClient {
	return &CustodianClient{
		BaseURL:       baseURL,
		ParentOrgID:   parentOrgID,
		ParentStamper: parentStamper,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

const activityStatusCompleted = "ACTIVITY_STATUS_COMPLETED"

// activityEnvelope is the custodian's uniform response wrapper.
type activityEnvelope struct {
	Activity struct {
		ID     string          `json:"id"`
		Status string          `json:"status"`
		Result json.RawMessage `json:"result"`
	} `json:"activity"`
}

// submit posts one activity body verbatim. The stamp must sign exactly these
// bytes: either the caller built and stamped them as one unit, or stamp is
// empty and the parent stamper signs them here. Re-serializing a stamped body
// would invalidate the stamp, so nothing downstream of the signature may
// touch it.
func (c *CustodianClient) submit(ctx context.Context, path string, body []byte, stamp string) (*activityEnvelope, error) {
	if stamp == "" {
		artifact, err := c.ParentStamper.Stamp(ctx, body)
		if err != nil {
			return nil, err
		}
		stamp = artifact.Stamp
	}

	url := fmt.Sprintf("%s%s", c.BaseURL, path)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Stamp", stamp)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeSigningUnavailable, "custodian unreachable", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode != http.StatusOK {
		log.Printf("[CUSTODIAN] %s returned %d: %s", path, resp.StatusCode, string(respBody))
		if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized {
			return nil, apperrors.New(apperrors.CodeCustodianRejected, "custodian denied the request")
		}
		return nil, apperrors.New(apperrors.CodeSigningUnavailable, fmt.Sprintf("custodian returned %d", resp.StatusCode))
	}

	var env activityEnvelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeSigningUnavailable, "custodian response unparseable", err)
	}
	if env.Activity.Status != activityStatusCompleted {
		log.Printf("[CUSTODIAN] activity %s finished %s", env.Activity.ID, env.Activity.Status)
		return nil, apperrors.New(apperrors.CodeCustodianRejected, fmt.Sprintf("activity status %s", env.Activity.Status))
	}
	return &env, nil
}

// SubOrganizationResult is the tenant the custodian provisions per user: the
// org, its wallet and the wallet's Stellar address.
type SubOrganizationResult struct {
	OrganizationID string `json:"subOrganizationId"`
	WalletID       string `json:"walletId"`
	Address        string `json:"address"`
}

// CreateSubOrganization provisions a custody tenant with one Stellar wallet
// and the user's root API key registered.
func (c *CustodianClient) CreateSubOrganization(ctx context.Context, name, email, rootPublicKeyHex string) (*SubOrganizationResult, error) {
	body := map[string]any{
		"type":           "ACTIVITY_TYPE_CREATE_SUB_ORGANIZATION",
		"organizationId": c.ParentOrgID,
		"timestampMs":    fmt.Sprintf("%d", time.Now().UnixMilli()),
		"parameters": map[string]any{
			"subOrganizationName": name,
			"rootUsers": []map[string]any{{
				"userName":  name,
				"userEmail": email,
				"apiKeys": []map[string]string{{
					"apiKeyName": name + "-root",
					"publicKey":  rootPublicKeyHex,
				}},
			}},
			"wallet": map[string]any{
				"walletName": name + "-wallet",
				"accounts": []map[string]string{{
					"curve":         "CURVE_ED25519",
					"addressFormat": "ADDRESS_FORMAT_XLM",
				}},
			},
		},
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	env, err := c.submit(ctx, "/public/v1/submit/create_sub_organization", jsonData, "")
	if err != nil {
		return nil, err
	}

	var result struct {
		CreateSubOrganizationResult SubOrganizationResult `json:"createSubOrganizationResult"`
	}
	if err := json.Unmarshal(env.Activity.Result, &result); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeSigningUnavailable, "sub-organization result unparseable", err)
	}
	return &result.CreateSubOrganizationResult, nil
}

// BuildCreateApiKeysBody serializes a create_api_keys activity. The caller
// stamps the returned bytes and passes both to CreateApiKeys unchanged.
func BuildCreateApiKeysBody(orgID, keyName, publicKeyHex string, expirationSeconds int64) ([]byte, error) {
	apiKey := map[string]any{
		"apiKeyName": keyName,
		"publicKey":  publicKeyHex,
	}
	if expirationSeconds > 0 {
		apiKey["expirationSeconds"] = fmt.Sprintf("%d", expirationSeconds)
	}
	return json.Marshal(map[string]any{
		"type":           "ACTIVITY_TYPE_CREATE_API_KEYS",
		"organizationId": orgID,
		"timestampMs":    fmt.Sprintf("%d", time.Now().UnixMilli()),
		"parameters": map[string]any{
			"apiKeys": []map[string]any{apiKey},
		},
	})
}

// CreateApiKeys registers a new API public key on an organization. When
// stamp is non-empty it must sign body exactly (the recovery flow stamps
// this with the short-lived recovery credential — the only activity that
// credential is allowed to perform).
func (c *CustodianClient) CreateApiKeys(ctx context.Context, body []byte, stamp string) (string, error) {
	env, err := c.submit(ctx, "/public/v1/submit/create_api_keys", body, stamp)
	if err != nil {
		return "", err
	}

	var result struct {
		CreateApiKeysResult struct {
			ApiKeyIds []string `json:"apiKeyIds"`
		} `json:"createApiKeysResult"`
	}
	if err := json.Unmarshal(env.Activity.Result, &result); err != nil || len(result.CreateApiKeysResult.ApiKeyIds) == 0 {
		return "", apperrors.Wrap(apperrors.CodeSigningUnavailable, "api key result unparseable", err)
	}
	return result.CreateApiKeysResult.ApiKeyIds[0], nil
}

// EmailAuth starts the out-of-band recovery: the custodian emails the user a
// credential bundle encrypted to targetPublicKey, so only the holder of the
// matching throwaway private key can open it.
func (c *CustodianClient) EmailAuth(ctx context.Context, orgID, email, targetPublicKeyHex string) (activityID string, err error) {
	body, err := json.Marshal(map[string]any{
		"type":           "ACTIVITY_TYPE_EMAIL_AUTH",
		"organizationId": orgID,
		"timestampMs":    fmt.Sprintf("%d", time.Now().UnixMilli()),
		"parameters": map[string]any{
			"email":             email,
			"targetPublicKey":   targetPublicKeyHex,
			"apiKeyName":        "recovery",
			"expirationSeconds": fmt.Sprintf("%d", int64(recoveryBundleTTL/time.Second)),
		},
	})
	if err != nil {
		return "", err
	}

	env, err := c.submit(ctx, "/public/v1/submit/email_auth", body, "")
	if err != nil {
		return "", err
	}
	return env.Activity.ID, nil
}

// RawSignature is the custodian's signature over a raw payload, returned in
// halves that the mediator reassembles.
type RawSignature struct {
	R string `json:"r"`
	S string `json:"s"`
}

// BuildSignRawPayloadBody serializes a sign_raw_payload activity. Clients
// build and stamp this body themselves; the test suite uses it to play the
// client's part.
func BuildSignRawPayloadBody(orgID, signWith, payloadHex string) ([]byte, error) {
	return json.Marshal(map[string]any{
		"type":           "ACTIVITY_TYPE_SIGN_RAW_PAYLOAD",
		"organizationId": orgID,
		"timestampMs":    fmt.Sprintf("%d", time.Now().UnixMilli()),
		"parameters": map[string]any{
			"signWith":     signWith,
			"payload":      payloadHex,
			"encoding":     "PAYLOAD_ENCODING_HEXADECIMAL",
			"hashFunction": "HASH_FUNCTION_NOT_APPLICABLE",
		},
	})
}

// SignRawPayload forwards a client-stamped activity body to the custodian.
// The body travels byte for byte as the client stamped it; the server never
// signs on this path.
func (c *CustodianClient) SignRawPayload(ctx context.Context, body []byte, stamp string) (*RawSignature, string, error) {
	env, err := c.submit(ctx, "/public/v1/submit/sign_raw_payload", body, stamp)
	if err != nil {
		return nil, "", err
	}

	var result struct {
		SignRawPayloadResult RawSignature `json:"signRawPayloadResult"`
	}
	if err := json.Unmarshal(env.Activity.Result, &result); err != nil {
		return nil, "", apperrors.Wrap(apperrors.CodeSigningUnavailable, "sign result unparseable", err)
	}
	return &result.SignRawPayloadResult, env.Activity.ID, nil
}

// SignedActivity is one completed signing activity from the custodian's log,
// used by the reconciliation worker as an idempotency backstop.
type SignedActivity struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organizationId"`
	TxHash         string    `json:"txHash"`
	CreatedAt      time.Time `json:"createdAt"`
}

// ListSigningActivities queries the custodian activity log for completed
// raw-payload signatures since the given time.
func (c *CustodianClient) ListSigningActivities(ctx context.Context, since time.Time) ([]SignedActivity, error) {
	body := map[string]any{
		"organizationId": c.ParentOrgID,
		"filterByType":   []string{"ACTIVITY_TYPE_SIGN_RAW_PAYLOAD"},
		"filterByStatus": []string{activityStatusCompleted},
		"since":          since.UTC().Format(time.RFC3339),
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	artifact, err := c.ParentStamper.Stamp(ctx, jsonData)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/public/v1/query/list_activities", c.BaseURL)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Stamp", artifact.Stamp)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to query custodian activities: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("custodian activity query returned %d: %s", resp.StatusCode, string(respBody))
	}

	var out struct {
		Activities []SignedActivity `json:"activities"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode activity list: %w", err)
	}
	return out.Activities, nil
}
