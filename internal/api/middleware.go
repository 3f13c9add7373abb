/**
 * @description
 * Middleware and request helpers for the internal API: the shared-key check for
 * service-to-service calls and the HMAC check for vendor webhooks.
 */

package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"
)

const (
	internalAPIKeyHeader   = "X-Internal-API-Key"
	webhookSignatureHeader = "X-Webhook-Signature"
)

// InternalAPIKeyMiddleware rejects requests without the configured key. An empty
// key disables the check.
func InternalAPIKeyMiddleware(apiKey string) func(http.Handler) http.Handler {
	apiKey = strings.TrimSpace(apiKey)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" {
				next.ServeHTTP(w, r)
				return
			}
			provided := strings.TrimSpace(r.Header.Get(internalAPIKeyHeader))
			if subtle.ConstantTimeCompare([]byte(provided), []byte(apiKey)) != 1 {
				writeJSON(w, http.StatusUnauthorized, errorResponse{
					Success:       false,
					Error:         "invalid or missing internal api key",
					ErrorCategory: "AUTHENTICATION",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// validSignature checks a hex HMAC-SHA256 of body. A "sha256=" prefix is accepted.
func validSignature(secret string, body []byte, signature string) bool {
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	provided, err := hex.DecodeString(signature)
	if err != nil || len(provided) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(provided, mac.Sum(nil))
}
