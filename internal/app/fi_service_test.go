package app

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transfa/aa-service/internal/domain"
	"github.com/transfa/aa-service/pkg/tspclient"
)

var fiNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func day(s string) *time.Time {
	t, err := time.Parse(fiDateLayout, s)
	if err != nil {
		panic(err)
	}
	return &t
}

type dataRequesterStub struct {
	resp    *tspclient.DataResponse
	err     error
	payload tspclient.DataRequest
	calls   int
}

func (s *dataRequesterStub) RequestData(ctx context.Context, payload tspclient.DataRequest) (*tspclient.DataResponse, error) {
	s.calls++
	s.payload = payload
	return s.resp, s.err
}

func TestResolveFIDateRange(t *testing.T) {
	granted := &domain.ConsentRequest{FIDataFrom: day("2025-01-01"), FIDataTo: day("2025-12-31")}

	tests := []struct {
		name     string
		consent  *domain.ConsentRequest
		from, to string
		wantFrom string
		wantTo   string
		wantErr  string
	}{
		{name: "defaults to granted start and today", consent: granted, wantFrom: "2025-01-01", wantTo: "2025-06-15"},
		{name: "no granted range uses six months", consent: &domain.ConsentRequest{}, wantFrom: "2024-12-15", wantTo: "2025-06-15"},
		{name: "granted end in the past caps to", consent: &domain.ConsentRequest{FIDataFrom: day("2025-01-01"), FIDataTo: day("2025-03-31")}, wantFrom: "2025-01-01", wantTo: "2025-03-31"},
		{name: "falls back to validity window", consent: &domain.ConsentRequest{ConsentStart: day("2025-02-01"), ConsentExpiry: day("2026-02-01")}, wantFrom: "2025-02-01", wantTo: "2025-06-15"},
		{name: "explicit range", consent: granted, from: "2025-02-01", to: "2025-05-01", wantFrom: "2025-02-01", wantTo: "2025-05-01"},
		{name: "future to", consent: granted, to: "2025-07-01", wantErr: "date range cannot be in the future"},
		{name: "inverted range", consent: granted, from: "2025-05-01", to: "2025-04-01", wantErr: "from date must be before to date"},
		{name: "equal dates", consent: granted, from: "2025-05-01", to: "2025-05-01", wantErr: "from date must be before to date"},
		{name: "over two years", consent: &domain.ConsentRequest{}, from: "2022-01-01", to: "2025-06-01", wantErr: "date range cannot exceed 2 years"},
		{name: "before granted range", consent: granted, from: "2024-12-01", wantErr: "from date is before the consent's granted range (2025-01-01)"},
		{name: "after granted range", consent: &domain.ConsentRequest{FIDataFrom: day("2025-01-01"), FIDataTo: day("2025-03-31")}, to: "2025-04-30", wantErr: "to date is after the consent's granted range (2025-03-31)"},
		{name: "malformed from", consent: granted, from: "2025/01/01", wantErr: "from must be a YYYY-MM-DD date"},
		{name: "malformed to", consent: granted, to: "yesterday", wantErr: "to must be a YYYY-MM-DD date"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			from, to, err := resolveFIDateRange(tt.consent, tt.from, tt.to, fiNow)
			if tt.wantErr != "" {
				require.EqualError(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantFrom, from.Format(fiDateLayout))
			assert.Equal(t, tt.wantTo, to.Format(fiDateLayout))
		})
	}
}

func TestResolveFIDateRange_ClampsOldGrantedStart(t *testing.T) {
	consent := &domain.ConsentRequest{FIDataFrom: day("2020-01-01")}

	from, to, err := resolveFIDateRange(consent, "", "", fiNow)
	require.NoError(t, err)

	assert.Equal(t, "2025-06-15", to.Format(fiDateLayout))
	assert.Equal(t, to.AddDate(0, 0, -maxFIRangeDays), from)
}

func newTestFIService(repo *memRepo, vendor *dataRequesterStub) *FIService {
	logger := discardLogger()
	svc := NewFIService(repo, vendor, "https://hooks.example.com/txn", NewErrorRecorder(repo, logger, nil), nil, logger)
	svc.now = func() time.Time { return fiNow }
	return svc
}

func activeConsent(repo *memRepo) *domain.ConsentRequest {
	return repo.addConsent(&domain.ConsentRequest{
		RequestID:  55,
		TxnID:      "T55",
		ConsentID:  strPtr("C55"),
		Status:     domain.ConsentStatusActive,
		FIDataFrom: day("2025-01-01"),
		FIDataTo:   day("2025-12-31"),
	})
}

func TestFIService_Fetch(t *testing.T) {
	repo := newMemRepo()
	consent := activeConsent(repo)
	vendor := &dataRequesterStub{resp: &tspclient.DataResponse{SessionID: "S1", TxnID: "FT1"}}
	svc := newTestFIService(repo, vendor)

	result, err := svc.Fetch(context.Background(), FIFetchInput{ConsentID: "C55"})
	require.NoError(t, err)

	assert.Equal(t, "S1", result.SessionID)
	assert.Equal(t, "FT1", result.TxnID)
	assert.Equal(t, "2025-01-01", vendor.payload.From)
	assert.Equal(t, "2025-06-15", vendor.payload.To)
	assert.Equal(t, "https://hooks.example.com/txn", vendor.payload.TxnCallbackURL)

	stored := repo.consent(consent.ID)
	assert.True(t, stored.FIRequestInitiated)
	require.NotNil(t, stored.FISessionID)
	assert.Equal(t, "S1", *stored.FISessionID)
}

func TestFIService_FetchForTxn(t *testing.T) {
	repo := newMemRepo()
	activeConsent(repo)
	vendor := &dataRequesterStub{resp: &tspclient.DataResponse{SessionID: "S1"}}
	svc := newTestFIService(repo, vendor)

	result, err := svc.FetchForTxn(context.Background(), "T55")
	require.NoError(t, err)

	assert.Equal(t, "C55", result.ConsentID)
	assert.Equal(t, "C55", vendor.payload.ConsentID)
}

func TestFIService_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		seed     func(*memRepo)
		run      func(*FIService) error
		category domain.ErrorCategory
		message  string
	}{
		{
			name:     "missing consent id",
			run:      func(s *FIService) error { _, err := s.Fetch(context.Background(), FIFetchInput{}); return err },
			category: domain.CategoryInputValidation,
			message:  "consent_id is required",
		},
		{
			name:     "unknown consent id",
			run:      func(s *FIService) error { _, err := s.Fetch(context.Background(), FIFetchInput{ConsentID: "nope"}); return err },
			category: domain.CategoryConsentIssues,
			message:  "consent details not found",
		},
		{
			name: "consent not active",
			seed: func(r *memRepo) {
				r.addConsent(&domain.ConsentRequest{RequestID: 1, TxnID: "T", ConsentID: strPtr("C-paused"), Status: domain.ConsentStatusPaused})
			},
			run:      func(s *FIService) error { _, err := s.Fetch(context.Background(), FIFetchInput{ConsentID: "C-paused"}); return err },
			category: domain.CategoryConsentIssues,
			message:  "consent is not active (status PAUSED)",
		},
		{
			name: "txn without consent id",
			seed: func(r *memRepo) {
				r.addConsent(&domain.ConsentRequest{RequestID: 2, TxnID: "T-pending"})
			},
			run:      func(s *FIService) error { _, err := s.FetchForTxn(context.Background(), "T-pending"); return err },
			category: domain.CategoryConsentIssues,
			message:  "consent details not found",
		},
		{
			name:     "range outside grant",
			seed:     func(r *memRepo) { activeConsent(r) },
			run:      func(s *FIService) error { _, err := s.Fetch(context.Background(), FIFetchInput{ConsentID: "C55", From: "2024-06-01"}); return err },
			category: domain.CategoryInputValidation,
			message:  "from date is before the consent's granted range (2025-01-01)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newMemRepo()
			if tt.seed != nil {
				tt.seed(repo)
			}
			vendor := &dataRequesterStub{}
			err := tt.run(newTestFIService(repo, vendor))

			svcErr, ok := domain.AsServiceError(err)
			require.True(t, ok, "got %v", err)
			assert.Equal(t, tt.category, svcErr.Category)
			assert.Equal(t, tt.message, svcErr.Error())
			assert.Zero(t, vendor.calls)
		})
	}
}

func TestFIService_VendorErrors(t *testing.T) {
	t.Run("api error is categorised", func(t *testing.T) {
		repo := newMemRepo()
		activeConsent(repo)
		vendor := &dataRequesterStub{err: &tspclient.APIError{Op: "fi_request", StatusCode: http.StatusBadRequest, Message: "Consent is not active"}}

		_, err := newTestFIService(repo, vendor).Fetch(context.Background(), FIFetchInput{ConsentID: "C55"})

		svcErr, ok := domain.AsServiceError(err)
		require.True(t, ok)
		assert.Equal(t, domain.CategoryConsentIssues, svcErr.Category)
		require.Len(t, repo.errorLogList(), 1)
		assert.Equal(t, domain.ContextFIRequest, repo.errorLogList()[0].Context)
	})

	t.Run("empty session is a response error", func(t *testing.T) {
		repo := newMemRepo()
		consent := activeConsent(repo)
		vendor := &dataRequesterStub{resp: &tspclient.DataResponse{}}

		_, err := newTestFIService(repo, vendor).Fetch(context.Background(), FIFetchInput{ConsentID: "C55"})

		svcErr, ok := domain.AsServiceError(err)
		require.True(t, ok)
		assert.Equal(t, domain.CategoryAAResponseValidation, svcErr.Category)
		assert.True(t, svcErr.RetryRecommended())
		assert.False(t, repo.consent(consent.ID).FIRequestInitiated)
	})
}
