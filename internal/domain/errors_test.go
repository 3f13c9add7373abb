package domain

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestCategorize(t *testing.T) {
	tests := []struct {
		message string
		status  int
		want    ErrorCategory
	}{
		{message: "Date range cannot be in the future", want: CategoryInputValidation},
		{message: "ver: field required", want: CategoryInputValidation},
		{message: "Consent details not found", want: CategoryConsentIssues},
		{message: "ConsentId mismatch", want: CategoryConsentIssues},
		{message: "Invalid response from AA", want: CategoryAAResponseValidation},
		{message: "x-jws-signature mismatch", want: CategoryAAResponseValidation},
		{message: "TxnId or SessionId mismatch", want: CategoryAAResponseValidation},
		{message: "Connection timeout while calling FIP", want: CategoryInfraNetwork},
		{message: "Access token generation failed", want: CategoryInfraNetwork},
		{message: "context deadline exceeded", want: CategoryTimeout},
		{message: "bad credentials", status: http.StatusUnauthorized, want: CategoryAuthentication},
		{message: "forbidden", status: http.StatusForbidden, want: CategoryAuthentication},
		{message: "upstream exploded", status: http.StatusBadGateway, want: CategoryInfraNetwork},
		{message: "something odd", want: CategoryUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.message, func(t *testing.T) {
			if got := Categorize(tt.message, tt.status); got != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestCategoryRetryAndStatus(t *testing.T) {
	retryable := map[ErrorCategory]bool{
		CategoryInputValidation:      false,
		CategoryAAResponseValidation: true,
		CategoryConsentIssues:        false,
		CategoryInfraNetwork:         true,
		CategoryAuthentication:       false,
		CategoryTimeout:              false,
		CategoryUnknown:              false,
	}
	for category, want := range retryable {
		if got := category.RetryRecommended(); got != want {
			t.Fatalf("%s: expected retry=%t, got %t", category, want, got)
		}
	}

	if CategoryInputValidation.HTTPStatus() != http.StatusBadRequest {
		t.Fatal("validation errors must map to 400")
	}
	if CategoryConsentIssues.HTTPStatus() != http.StatusBadRequest {
		t.Fatal("consent issues must map to 400")
	}
	if CategoryInfraNetwork.HTTPStatus() != http.StatusServiceUnavailable {
		t.Fatal("infra errors must map to 503")
	}
	if CategoryUnknown.HTTPStatus() != http.StatusInternalServerError {
		t.Fatal("unknown errors must map to 500")
	}
}

func TestAsServiceErrorUnwrapsChains(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	svcErr := NewServiceError(ContextFIRequest, CategoryInfraNetwork, "fi request failed", cause)
	wrapped := fmt.Errorf("auto trigger: %w", svcErr)

	got, ok := AsServiceError(wrapped)
	if !ok {
		t.Fatal("expected service error in chain")
	}
	if got.Context != ContextFIRequest || !got.RetryRecommended() {
		t.Fatalf("unexpected service error: %+v", got)
	}
	if !errors.Is(wrapped, cause) {
		t.Fatal("expected cause to remain reachable")
	}
}
