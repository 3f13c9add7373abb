/**
 * @description
 * This package provides a client for the Account Aggregator TSP API. It builds
 * authenticated JSON requests, unwraps the vendor's response envelope and turns
 * non-success answers into typed errors.
 *
 * Authenticated calls take their bearer token from a TokenSource. When the vendor
 * answers 401 or 403 the client forces exactly one token refresh and replays the call
 * once; a second failure is returned unchanged.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 */
package tspclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultTimeout = 30 * time.Second
	loginTimeout   = 10 * time.Second
)

// TokenSource supplies bearer tokens for vendor calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	ForceRefresh(ctx context.Context) (string, error)
}

// Client is a client for the TSP API.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	tokens     TokenSource
	logger     *slog.Logger
}

// NewClient creates a new TSP API client.
func NewClient(baseURL string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		BaseURL: strings.TrimSuffix(strings.TrimSpace(baseURL), "/"),
		HTTPClient: &http.Client{
			Timeout: defaultTimeout,
		},
		logger: logger.With("component", "tsp_client"),
	}
}

// SetTokenSource attaches the token provider used by authenticated calls.
func (c *Client) SetTokenSource(tokens TokenSource) {
	c.tokens = tokens
}

// envelope is the vendor's common response wrapper.
type envelope struct {
	Status    string          `json:"status"`
	Success   *bool           `json:"success"`
	Message   string          `json:"message"`
	ErrorMsg  string          `json:"errorMsg"`
	Msg       string          `json:"msg"`
	Error     string          `json:"error"`
	Code      string          `json:"code"`
	ErrorCode string          `json:"errorCode"`
	Data      json.RawMessage `json:"data"`
}

func (e envelope) ok() bool {
	if strings.EqualFold(e.Status, "error") || strings.EqualFold(e.Status, "failure") {
		return false
	}
	if e.Success != nil {
		return *e.Success || strings.EqualFold(e.Status, "success")
	}
	return true
}

func (e envelope) message() string {
	for _, candidate := range []string{e.Message, e.ErrorMsg, e.Msg, e.Error} {
		if strings.TrimSpace(candidate) != "" {
			return candidate
		}
	}
	return "unknown error from TSP API"
}

func (e envelope) code() string {
	if e.ErrorCode != "" {
		return e.ErrorCode
	}
	return e.Code
}

type request struct {
	op     string
	method string
	path   string
	query  url.Values
	body   interface{}
}

// send executes one HTTP round trip and returns the raw body.
func (c *Client) send(ctx context.Context, req request, token string) (int, []byte, error) {
	var reader io.Reader
	if req.body != nil {
		payload, err := json.Marshal(req.body)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to marshal %s request: %w", req.op, err)
		}
		reader = bytes.NewReader(payload)
	}

	endpoint := c.BaseURL + req.path
	if len(req.query) > 0 {
		endpoint += "?" + req.query.Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, endpoint, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create %s request: %w", req.op, err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if req.body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return 0, nil, &TransportError{Op: req.op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, &TransportError{Op: req.op, Err: fmt.Errorf("failed to read response: %w", err)}
	}
	return resp.StatusCode, body, nil
}

// decode turns an HTTP answer into the envelope, or an *APIError.
func (c *Client) decode(op string, status int, body []byte) (envelope, error) {
	var env envelope
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &env); err != nil {
			if status < 200 || status >= 300 {
				c.logger.Warn("non-2xx response with unparsable body", "op", op, "status", status)
				return env, &APIError{Op: op, StatusCode: status, Message: http.StatusText(status), Body: body}
			}
			return env, &APIError{Op: op, StatusCode: status, Message: "invalid response format from TSP API", Body: body}
		}
	}

	if status < 200 || status >= 300 {
		c.logger.Warn("non-2xx response", "op", op, "status", status, "message", env.message())
		return env, &APIError{Op: op, StatusCode: status, Code: env.code(), Message: env.message(), Body: body}
	}
	if !env.ok() {
		c.logger.Warn("vendor reported failure", "op", op, "status", status, "message", env.message())
		return env, &APIError{Op: op, StatusCode: status, Code: env.code(), Message: env.message(), Body: body}
	}
	return env, nil
}

// doAuthorized runs an authenticated call with a single refresh-and-retry on 401/403.
func (c *Client) doAuthorized(ctx context.Context, req request) (envelope, []byte, error) {
	if c.tokens == nil {
		return envelope{}, nil, errors.New("tsp client has no token source")
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return envelope{}, nil, err
	}

	status, body, err := c.send(ctx, req, token)
	if err != nil {
		return envelope{}, nil, err
	}

	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		c.logger.Info("token rejected; refreshing and retrying once", "op", req.op, "status", status)
		token, err = c.tokens.ForceRefresh(ctx)
		if err != nil {
			return envelope{}, body, err
		}
		status, body, err = c.send(ctx, req, token)
		if err != nil {
			return envelope{}, nil, err
		}
	}

	env, err := c.decode(req.op, status, body)
	return env, body, err
}

// doPublic runs an unauthenticated call (login, refresh).
func (c *Client) doPublic(ctx context.Context, req request) (envelope, error) {
	ctx, cancel := context.WithTimeout(ctx, loginTimeout)
	defer cancel()

	status, body, err := c.send(ctx, req, "")
	if err != nil {
		return envelope{}, err
	}
	return c.decode(req.op, status, body)
}

func decodeData(op string, env envelope, out interface{}) error {
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return &APIError{Op: op, StatusCode: http.StatusOK, Message: "invalid response format from TSP API: missing data"}
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return &APIError{Op: op, StatusCode: http.StatusOK, Message: fmt.Sprintf("invalid response format from TSP API: %v", err)}
	}
	return nil
}
