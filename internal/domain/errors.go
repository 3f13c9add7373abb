/**
 * @description
 * Error taxonomy shared by the orchestrators, the error log and the HTTP layer.
 * Vendor failures are categorised from their message text and HTTP status; the
 * category decides retry advice and the status code returned to internal callers.
 */
package domain

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCategory is the coarse classification used to decide retryability.
type ErrorCategory string

const (
	CategoryInputValidation      ErrorCategory = "INPUT_VALIDATION"
	CategoryAAResponseValidation ErrorCategory = "AA_RESPONSE_VALIDATION"
	CategoryConsentIssues        ErrorCategory = "CONSENT_ISSUES"
	CategoryInfraNetwork         ErrorCategory = "INFRA_NETWORK"
	CategoryAuthentication       ErrorCategory = "AUTHENTICATION"
	CategoryTimeout              ErrorCategory = "TIMEOUT"
	CategoryUnknown              ErrorCategory = "UNKNOWN"
)

// ErrorContext names the operation a failure happened in.
type ErrorContext string

const (
	ContextLogin          ErrorContext = "LOGIN"
	ContextRefreshToken   ErrorContext = "REFRESH_TOKEN"
	ContextConsent        ErrorContext = "CONSENT"
	ContextStatusCheck    ErrorContext = "STATUS_CHECK"
	ContextFIRequest      ErrorContext = "FI_REQUEST"
	ContextRetrieveReport ErrorContext = "RETRIEVE_REPORT"
	ContextBSA            ErrorContext = "BSA"
	ContextWebhook        ErrorContext = "WEBHOOK"
)

// RetryRecommended reports whether callers should retry a failure of this category.
func (c ErrorCategory) RetryRecommended() bool {
	return c == CategoryInfraNetwork || c == CategoryAAResponseValidation
}

// HTTPStatus maps a category onto the status code used by the internal API.
func (c ErrorCategory) HTTPStatus() int {
	switch c {
	case CategoryInputValidation, CategoryConsentIssues:
		return http.StatusBadRequest
	case CategoryAuthentication:
		return http.StatusUnauthorized
	case CategoryInfraNetwork:
		return http.StatusServiceUnavailable
	case CategoryTimeout:
		return http.StatusGatewayTimeout
	case CategoryAAResponseValidation:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

var categoryPatterns = []struct {
	category ErrorCategory
	patterns []string
}{
	{CategoryInputValidation, []string{
		"date range cannot be in the future",
		"date range cannot exceed",
		"ver: field required",
		"timestamp: required",
		"field required",
		"validation failed",
		"is required",
	}},
	{CategoryConsentIssues, []string{
		"consent details not found",
		"invalid consent id",
		"consentid mismatch",
		"consent is not active",
		"consent request not found",
		"consent not found",
	}},
	{CategoryAAResponseValidation, []string{
		"invalid response from aa",
		"x-jws-signature mismatch",
		"missing required headers",
		"invalid response format",
		"invalid certificate",
		"txnid or sessionid mismatch",
		"invalid timestamp",
		"missing timestamp",
	}},
	{CategoryInfraNetwork, []string{
		"connection timeout",
		"key generation failed",
		"access token generation failed",
		"connection refused",
		"connection reset",
		"no such host",
		"network is unreachable",
	}},
	{CategoryTimeout, []string{
		"deadline exceeded",
		"timeout",
		"timed out",
	}},
}

// Categorize infers a category from vendor error text and the HTTP status of the
// failed call (0 when no response was received).
func Categorize(message string, httpStatus int) ErrorCategory {
	lower := strings.ToLower(message)
	if lower != "" {
		for _, group := range categoryPatterns {
			for _, pattern := range group.patterns {
				if strings.Contains(lower, pattern) {
					return group.category
				}
			}
		}
	}

	switch {
	case httpStatus == http.StatusUnauthorized || httpStatus == http.StatusForbidden:
		return CategoryAuthentication
	case httpStatus == http.StatusRequestTimeout || httpStatus == http.StatusGatewayTimeout:
		return CategoryTimeout
	case httpStatus == http.StatusBadRequest || httpStatus == http.StatusUnprocessableEntity:
		return CategoryInputValidation
	case httpStatus >= 500:
		return CategoryInfraNetwork
	}
	return CategoryUnknown
}

// ServiceError is a categorised failure surfaced to API callers and the error log.
type ServiceError struct {
	Context    ErrorContext
	Category   ErrorCategory
	Message    string
	HTTPStatus int
	Err        error
}

func (e *ServiceError) Error() string {
	if e.Err != nil && e.Message == "" {
		return e.Err.Error()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ServiceError) Unwrap() error { return e.Err }

// RetryRecommended proxies the category's retry advice.
func (e *ServiceError) RetryRecommended() bool { return e.Category.RetryRecommended() }

// NewServiceError builds a categorised error.
func NewServiceError(ctx ErrorContext, category ErrorCategory, message string, cause error) *ServiceError {
	return &ServiceError{Context: ctx, Category: category, Message: message, Err: cause}
}

// NewValidationError builds an INPUT_VALIDATION error.
func NewValidationError(ctx ErrorContext, message string) *ServiceError {
	return NewServiceError(ctx, CategoryInputValidation, message, nil)
}

// NewConsentIssue builds a CONSENT_ISSUES error.
func NewConsentIssue(ctx ErrorContext, message string) *ServiceError {
	return NewServiceError(ctx, CategoryConsentIssues, message, nil)
}

// AsServiceError extracts a *ServiceError from an error chain.
func AsServiceError(err error) (*ServiceError, bool) {
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		return svcErr, true
	}
	return nil, false
}
