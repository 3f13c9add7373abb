package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transfa/aa-service/internal/domain"
	"github.com/transfa/aa-service/internal/store"
	"github.com/transfa/aa-service/pkg/tspclient"
)

var consentNow = time.Date(2025, 3, 10, 8, 30, 0, 0, time.UTC)

type consentGeneratorStub struct {
	resp    *tspclient.GenerateConsentResponse
	err     error
	payload tspclient.GenerateConsentRequest
	calls   int
}

func (s *consentGeneratorStub) GenerateConsent(ctx context.Context, payload tspclient.GenerateConsentRequest) (*tspclient.GenerateConsentResponse, error) {
	s.calls++
	s.payload = payload
	return s.resp, s.err
}

func okConsentResponse() *tspclient.GenerateConsentResponse {
	return &tspclient.GenerateConsentResponse{
		RequestID:     json.RawMessage(`"1001"`),
		TxnID:         json.RawMessage(`["TX-1001"]`),
		ConsentHandle: "CH-1001",
		URL:           "https://aa.example.com/consent/CH-1001",
		VUA:           "9876543210@aa",
		Raw:           json.RawMessage(`{"request_id":"1001"}`),
	}
}

func newTestConsentService(repo *memRepo, vendor *consentGeneratorStub) *ConsentService {
	logger := discardLogger()
	svc := NewConsentService(repo, vendor, ConsentDefaults{
		AAID:               "onemoney",
		TxnCallbackURL:     "https://hooks.example.com/txn",
		ConsentCallbackURL: "https://hooks.example.com/consent",
	}, NewErrorRecorder(repo, logger, nil), nil, logger)
	svc.now = func() time.Time { return consentNow }
	return svc
}

func TestConsentService_InitiateAppliesDefaults(t *testing.T) {
	repo := newMemRepo()
	vendor := &consentGeneratorStub{resp: okConsentResponse()}
	svc := newTestConsentService(repo, vendor)

	consent, err := svc.Initiate(context.Background(), InitiateConsentInput{
		InternalUserID: " user-1 ",
		Mobile:         "9876543210",
		PAN:            "abcde1234f",
	})
	require.NoError(t, err)

	assert.Equal(t, "user-1", consent.InternalUserID)
	assert.Equal(t, int64(1001), consent.RequestID)
	assert.Equal(t, "TX-1001", consent.TxnID)
	assert.Equal(t, "CH-1001", consent.ConsentHandle)
	assert.Equal(t, domain.ConsentStatusPending, consent.Status)
	require.NotNil(t, consent.PAN)
	assert.Equal(t, "ABCDE1234F", *consent.PAN)
	require.NotNil(t, consent.RedirectURL)
	assert.Equal(t, "https://aa.example.com/consent/CH-1001", *consent.RedirectURL)
	assert.Equal(t, "2025-03-10", consent.ConsentStart.Format(fiDateLayout))
	assert.Equal(t, "2026-03-10", consent.ConsentExpiry.Format(fiDateLayout))
	assert.Equal(t, "2024-09-10", consent.FIDataFrom.Format(fiDateLayout))
	assert.Equal(t, "2025-03-10", consent.FIDataTo.Format(fiDateLayout))

	p := vendor.payload
	assert.Equal(t, "9876543210", p.CustomerDetails.MobileNumber)
	assert.Equal(t, []string{"onemoney"}, p.AAID)
	assert.Equal(t, "https://hooks.example.com/txn", p.TxnCallbackURL)
	assert.Equal(t, "https://hooks.example.com/consent", p.ConsentCallbackURL)
	require.Len(t, p.ConsentDetails, 1)
	d := p.ConsentDetails[0]
	assert.Equal(t, []string{"DEPOSIT"}, d.FITypes)
	assert.Equal(t, []string{"PROFILE", "SUMMARY", "TRANSACTIONS"}, d.ConsentTypes)
	assert.Equal(t, "STORE", d.ConsentMode)
	assert.Equal(t, "PERIODIC", d.FetchType)
	assert.Equal(t, "102", d.PurposeCode)
	assert.Equal(t, "MONTH", d.FIDataRangeUnit)
	assert.Equal(t, 6, d.FIDataRangeValue)

	stored, err := svc.GetByRequestID(context.Background(), "1001")
	require.NoError(t, err)
	assert.Equal(t, consent.ID, stored.ID)
}

func TestConsentService_InitiateHonoursOverrides(t *testing.T) {
	vendor := &consentGeneratorStub{resp: okConsentResponse()}
	svc := newTestConsentService(newMemRepo(), vendor)

	_, err := svc.Initiate(context.Background(), InitiateConsentInput{
		InternalUserID:    "user-1",
		Mobile:            "9876543210",
		FITypes:           []string{"DEPOSIT", "MUTUAL_FUNDS"},
		FIDataRangeUnit:   "YEAR",
		FIDataRangeValue:  1,
		ConsentExpiryDate: "2025-09-10",
		AAID:              []string{"finvu"},
		TxnCallbackURL:    "https://other.example.com/txn",
	})
	require.NoError(t, err)

	d := vendor.payload.ConsentDetails[0]
	assert.Equal(t, []string{"DEPOSIT", "MUTUAL_FUNDS"}, d.FITypes)
	assert.Equal(t, "2024-03-10", d.FIDataRangeFrom)
	assert.Equal(t, "2025-09-10", d.ConsentExpiry)
	assert.Equal(t, []string{"finvu"}, vendor.payload.AAID)
	assert.Equal(t, "https://other.example.com/txn", vendor.payload.TxnCallbackURL)
}

func TestConsentService_InitiateValidation(t *testing.T) {
	tests := []struct {
		name    string
		in      InitiateConsentInput
		message string
	}{
		{"blank user", InitiateConsentInput{InternalUserID: "  ", Mobile: "9876543210"}, "internal_user_id is required"},
		{"missing mobile", InitiateConsentInput{InternalUserID: "u"}, "mobile is required"},
		{"bad mobile", InitiateConsentInput{InternalUserID: "u", Mobile: "12345"}, "mobile must be a 10 digit Indian mobile number"},
		{"bad email", InitiateConsentInput{InternalUserID: "u", Mobile: "9876543210", Email: "nope"}, "email must be a valid email"},
		{"bad pan", InitiateConsentInput{InternalUserID: "u", Mobile: "9876543210", PAN: "ABC"}, "pan must be a valid PAN"},
		{"bad fi type", InitiateConsentInput{InternalUserID: "u", Mobile: "9876543210", FITypes: []string{"CRYPTO"}}, "fi_types[0] must be one of [DEPOSIT TERM_DEPOSIT RECURRING_DEPOSIT MUTUAL_FUNDS EQUITY INSURANCE EPFO GST ITR]"},
		{"bad date", InitiateConsentInput{InternalUserID: "u", Mobile: "9876543210", ConsentStartDate: "10/03/2025"}, "consent_start_date must be a YYYY-MM-DD date"},
		{"inverted validity", InitiateConsentInput{InternalUserID: "u", Mobile: "9876543210", ConsentStartDate: "2025-04-01", ConsentExpiryDate: "2025-03-01"}, "consent_expiry_date must be after consent_start_date"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vendor := &consentGeneratorStub{resp: okConsentResponse()}
			_, err := newTestConsentService(newMemRepo(), vendor).Initiate(context.Background(), tt.in)

			svcErr, ok := domain.AsServiceError(err)
			require.True(t, ok, "got %v", err)
			assert.Equal(t, domain.CategoryInputValidation, svcErr.Category)
			assert.Equal(t, tt.message, svcErr.Error())
			assert.Zero(t, vendor.calls)
		})
	}
}

func TestConsentService_InitiateRejectsIncompleteVendorResponse(t *testing.T) {
	repo := newMemRepo()
	resp := okConsentResponse()
	resp.ConsentHandle = ""
	svc := newTestConsentService(repo, &consentGeneratorStub{resp: resp})

	_, err := svc.Initiate(context.Background(), InitiateConsentInput{InternalUserID: "u", Mobile: "9876543210"})

	svcErr, ok := domain.AsServiceError(err)
	require.True(t, ok)
	assert.Equal(t, domain.CategoryAAResponseValidation, svcErr.Category)
	consents, total, err := repo.ListConsentRequests(context.Background(), domain.ConsentListOptions{})
	require.NoError(t, err)
	assert.Empty(t, consents)
	assert.Zero(t, total)
}

func TestConsentService_InitiateVendorError(t *testing.T) {
	repo := newMemRepo()
	vendor := &consentGeneratorStub{err: &tspclient.APIError{Op: "generate_consent", StatusCode: http.StatusBadRequest, Message: "fi_types: field required"}}

	_, err := newTestConsentService(repo, vendor).Initiate(context.Background(), InitiateConsentInput{InternalUserID: "u", Mobile: "9876543210"})

	svcErr, ok := domain.AsServiceError(err)
	require.True(t, ok)
	assert.Equal(t, domain.CategoryInputValidation, svcErr.Category)
	assert.False(t, svcErr.RetryRecommended())
	require.Len(t, repo.errorLogList(), 1)
	assert.Equal(t, domain.ContextConsent, repo.errorLogList()[0].Context)
}

func TestConsentService_Queries(t *testing.T) {
	repo := newMemRepo()
	svc := newTestConsentService(repo, &consentGeneratorStub{})
	older := repo.addConsent(&domain.ConsentRequest{InternalUserID: "u1", RequestID: 1, TxnID: "T1", CreatedAt: consentNow.Add(-time.Hour)})
	newer := repo.addConsent(&domain.ConsentRequest{InternalUserID: "u1", RequestID: 2, TxnID: "T2", CreatedAt: consentNow, Status: domain.ConsentStatusActive})
	repo.addConsent(&domain.ConsentRequest{InternalUserID: "u2", RequestID: 3, TxnID: "T3", CreatedAt: consentNow.Add(-2 * time.Hour)})

	recent, err := svc.Recent(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, newer.ID, recent.ID)

	_, err = svc.Recent(context.Background(), "nobody")
	assert.True(t, errors.Is(err, store.ErrConsentNotFound))

	list, total, err := svc.List(context.Background(), domain.ConsentListOptions{InternalUserID: "u1", Limit: 1000})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, list, 2)

	active, total, err := svc.List(context.Background(), domain.ConsentListOptions{Status: "active"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Equal(t, newer.ID, active[0].ID)

	got, err := svc.Get(context.Background(), older.ID.String())
	require.NoError(t, err)
	assert.Equal(t, "T1", got.TxnID)

	_, err = svc.Get(context.Background(), "xyz")
	svcErr, ok := domain.AsServiceError(err)
	require.True(t, ok)
	assert.Equal(t, domain.CategoryInputValidation, svcErr.Category)

	_, err = svc.Get(context.Background(), uuid.NewString())
	assert.True(t, errors.Is(err, store.ErrConsentNotFound))

	_, err = svc.GetByRequestID(context.Background(), "abc")
	assert.Error(t, err)
}

func TestFirstJSONString(t *testing.T) {
	assert.Equal(t, "T1", firstJSONString(json.RawMessage(`"T1"`)))
	assert.Equal(t, "T1", firstJSONString(json.RawMessage(`["T1","T2"]`)))
	assert.Equal(t, "42", firstJSONString(json.RawMessage(`42`)))
	assert.Equal(t, "", firstJSONString(json.RawMessage(`[]`)))
	assert.Equal(t, "", firstJSONString(nil))
}
