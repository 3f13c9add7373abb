package tspclient

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
)

// Login authenticates with the configured FIU credentials.
func (c *Client) Login(ctx context.Context, email, password string) (*TokenResponse, error) {
	env, err := c.doPublic(ctx, request{
		op:     "login",
		method: http.MethodPost,
		path:   "/api/login",
		body:   LoginRequest{Email: email, Password: password},
	})
	if err != nil {
		return nil, err
	}
	var out TokenResponse
	if err := decodeData("login", env, &out); err != nil {
		return nil, err
	}
	if strings.TrimSpace(out.AccessToken) == "" {
		return nil, &APIError{Op: "login", StatusCode: http.StatusOK, Message: "access token generation failed: empty access_token"}
	}
	return &out, nil
}

// Refresh exchanges a refresh token for a new access token.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	env, err := c.doPublic(ctx, request{
		op:     "refresh",
		method: http.MethodPost,
		path:   "/api/refresh",
		body:   RefreshRequest{RefreshToken: refreshToken},
	})
	if err != nil {
		return nil, err
	}
	var out TokenResponse
	if err := decodeData("refresh", env, &out); err != nil {
		return nil, err
	}
	if strings.TrimSpace(out.AccessToken) == "" {
		return nil, &APIError{Op: "refresh", StatusCode: http.StatusOK, Message: "access token generation failed: empty access_token"}
	}
	return &out, nil
}

// GenerateConsent creates a consent request at the vendor.
func (c *Client) GenerateConsent(ctx context.Context, payload GenerateConsentRequest) (*GenerateConsentResponse, error) {
	env, _, err := c.doAuthorized(ctx, request{
		op:     "generate_consent",
		method: http.MethodPost,
		path:   "/api/generate/consent",
		body:   payload,
	})
	if err != nil {
		return nil, err
	}
	var out GenerateConsentResponse
	if err := decodeData("generate_consent", env, &out); err != nil {
		return nil, err
	}
	out.Raw = env.Data
	return &out, nil
}

// StatusCheck fetches every status event recorded for a consent request.
func (c *Client) StatusCheck(ctx context.Context, requestID int64) (*StatusCheckResponse, error) {
	env, body, err := c.doAuthorized(ctx, request{
		op:     "status_check",
		method: http.MethodPost,
		path:   "/api/status-check",
		body:   StatusCheckRequest{RequestID: requestID},
	})
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(env.code(), "TxnNotFound") {
		return nil, &APIError{Op: "status_check", StatusCode: http.StatusOK, Code: env.code(), Message: env.message()}
	}

	// The vendor answers either flat or wrapped in data.
	source := body
	if len(env.Data) > 0 && bytes.HasPrefix(bytes.TrimSpace(env.Data), []byte("{")) {
		source = env.Data
	}
	var out StatusCheckResponse
	if err := json.Unmarshal(source, &out); err != nil {
		return nil, &APIError{Op: "status_check", StatusCode: http.StatusOK, Message: "invalid response format from TSP API"}
	}
	out.Raw = source
	return &out, nil
}

// RequestData starts an FI data fetch under an active consent.
func (c *Client) RequestData(ctx context.Context, payload DataRequest) (*DataResponse, error) {
	env, _, err := c.doAuthorized(ctx, request{
		op:     "data_request",
		method: http.MethodPost,
		path:   "/api/data/request",
		body:   payload,
	})
	if err != nil {
		return nil, err
	}
	var out DataResponse
	if err := decodeData("data_request", env, &out); err != nil {
		return nil, err
	}
	out.Raw = env.Data
	return &out, nil
}

// RetrieveReport downloads the generated report for a transaction as raw JSON.
func (c *Client) RetrieveReport(ctx context.Context, payload RetrieveReportRequest) (json.RawMessage, error) {
	env, _, err := c.doAuthorized(ctx, request{
		op:     "retrieve_report",
		method: http.MethodPost,
		path:   "/api/retrievereport",
		body:   payload,
	})
	if err != nil {
		return nil, err
	}
	trimmed := bytes.TrimSpace(env.Data)
	if len(trimmed) == 0 || !bytes.HasPrefix(trimmed, []byte("{")) {
		return nil, &APIError{Op: "retrieve_report", StatusCode: http.StatusOK, Message: "invalid report data structure received from TSP API"}
	}
	return env.Data, nil
}

// InitiateBSA submits report accounts for bank statement analysis.
func (c *Client) InitiateBSA(ctx context.Context, payload BSAInitiateRequest) (json.RawMessage, error) {
	env, body, err := c.doAuthorized(ctx, request{
		op:     "bsa_initiate",
		method: http.MethodPost,
		path:   "/api/bsa/initiate",
		body:   payload,
	})
	if err != nil {
		return nil, err
	}
	if len(env.Data) > 0 {
		return env.Data, nil
	}
	return body, nil
}

// BSAStatus polls the vendor for an analysis run.
func (c *Client) BSAStatus(ctx context.Context, trackingID string) (*BSAStatusResponse, error) {
	env, body, err := c.doAuthorized(ctx, request{
		op:     "bsa_status",
		method: http.MethodGet,
		path:   "/api/bsa/status",
		query:  url.Values{"tracking_id": []string{trackingID}},
	})
	if err != nil {
		return nil, err
	}

	var out BSAStatusResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, &APIError{Op: "bsa_status", StatusCode: http.StatusOK, Message: "invalid response format from TSP API"}
	}
	out.Raw = body
	if len(env.Data) > 0 && bytes.HasPrefix(bytes.TrimSpace(env.Data), []byte("{")) {
		var nested BSAStatusResponse
		if err := json.Unmarshal(env.Data, &nested); err == nil && nested.Status != "" {
			nested.Raw = body
			return &nested, nil
		}
	}
	return &out, nil
}
