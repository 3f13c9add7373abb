package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transfa/aa-service/internal/domain"
	"github.com/transfa/aa-service/pkg/tspclient"
)

type statusCheckerStub struct {
	resp  *tspclient.StatusCheckResponse
	err   error
	calls int
}

func (s *statusCheckerStub) StatusCheck(ctx context.Context, requestID int64) (*tspclient.StatusCheckResponse, error) {
	s.calls++
	return s.resp, s.err
}

type limiterStub struct {
	count int
	retry int
	err   error
}

func (l *limiterStub) ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	l.count++
	return l.count, l.retry, l.err
}

type reconcilerFixture struct {
	repo       *memRepo
	vendor     *statusCheckerStub
	triggers   *recordingDispatcher
	publisher  *recordingPublisher
	reconciler *Reconciler
}

func newReconcilerFixture() *reconcilerFixture {
	repo := newMemRepo()
	vendor := &statusCheckerStub{}
	triggers := &recordingDispatcher{}
	publisher := &recordingPublisher{}
	logger := discardLogger()
	recorder := NewErrorRecorder(repo, logger, nil)
	return &reconcilerFixture{
		repo:       repo,
		vendor:     vendor,
		triggers:   triggers,
		publisher:  publisher,
		reconciler: NewReconciler(repo, vendor, triggers, publisher, recorder, nil, logger),
	}
}

func (f *reconcilerFixture) seedConsent(txnID string, requestID int64) *domain.ConsentRequest {
	return f.repo.addConsent(&domain.ConsentRequest{
		InternalUserID: "user-1",
		RequestID:      requestID,
		TxnID:          txnID,
		ConsentHandle:  "handle-" + txnID,
		Mobile:         "9876543210",
	})
}

func TestHandleTxnWebhook_ActiveCapturesConsentAndTriggersFIOnce(t *testing.T) {
	f := newReconcilerFixture()
	consent := f.seedConsent("T1", 101)

	result, err := f.reconciler.HandleTxnWebhook(context.Background(), []byte(`{"txn_id":"T1","consent_status":"ACTIVE","consent_id":"C1"}`))
	require.NoError(t, err)

	assert.True(t, result.Processed)
	assert.False(t, result.Duplicate)
	assert.Equal(t, domain.ConsentStatusActive, result.Status)

	stored := f.repo.consent(consent.ID)
	assert.Equal(t, domain.ConsentStatusActive, stored.Status)
	require.NotNil(t, stored.ConsentID)
	assert.Equal(t, "C1", *stored.ConsentID)
	assert.True(t, stored.FIRequestInitiated)
	assert.NotNil(t, stored.LastWebhookReceivedAt)

	assert.Equal(t, 1, f.triggers.count(domain.TriggerFIFetch))
	assert.Len(t, f.repo.historyFor(consent.ID), 1)
	assert.Len(t, f.publisher.byRoutingKey(domain.RoutingKeyConsentStatusChanged), 1)
}

func TestHandleTxnWebhook_ReplayIsDuplicate(t *testing.T) {
	f := newReconcilerFixture()
	consent := f.seedConsent("T1", 101)
	body := []byte(`{"txn_id":"T1","consent_status":"ACTIVE","consent_id":"C1"}`)

	for i := 0; i < 4; i++ {
		result, err := f.reconciler.HandleTxnWebhook(context.Background(), body)
		require.NoError(t, err)
		if i == 0 {
			assert.False(t, result.Duplicate)
		} else {
			assert.True(t, result.Duplicate)
			assert.Equal(t, "duplicate webhook ignored", result.Message)
		}
	}

	assert.Len(t, f.repo.historyFor(consent.ID), 1)
	assert.Equal(t, 1, f.triggers.count(domain.TriggerFIFetch))

	var duplicates, processed int
	for _, e := range f.repo.eventList() {
		if e.Duplicate {
			duplicates++
		}
		if e.Processed {
			processed++
		}
	}
	assert.Equal(t, 3, duplicates)
	assert.Equal(t, 1, processed)
}

func TestHandleTxnWebhook_ConcurrentDeliveriesTriggerFIOnce(t *testing.T) {
	f := newReconcilerFixture()
	consent := f.seedConsent("T1", 101)
	body := []byte(`{"txn_id":"T1","consent_status":"ACTIVE","consent_id":"C1"}`)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.reconciler.HandleTxnWebhook(context.Background(), body)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.triggers.count(domain.TriggerFIFetch))
	assert.Len(t, f.repo.historyFor(consent.ID), 1)
	assert.Equal(t, domain.ConsentStatusActive, f.repo.consent(consent.ID).Status)
}

func TestHandleConsentWebhook_ResolvesByStringRequestID(t *testing.T) {
	f := newReconcilerFixture()
	consent := f.seedConsent("T7", 707)

	result, err := f.reconciler.HandleConsentWebhook(context.Background(), []byte(`{"request_id":"707","status":"ConsentApproved","consent_id":"C7"}`))
	require.NoError(t, err)
	assert.True(t, result.Processed)

	stored := f.repo.consent(consent.ID)
	assert.Equal(t, domain.ConsentStatusActive, stored.Status)
	require.NotNil(t, stored.ConsentID)
	assert.Equal(t, "C7", *stored.ConsentID)
}

func TestHandleConsentWebhook_ReadsNestedData(t *testing.T) {
	f := newReconcilerFixture()
	consent := f.seedConsent("T8", 808)

	_, err := f.reconciler.HandleConsentWebhook(context.Background(), []byte(`{"data":{"consent_handle":"handle-T8","consent_status":"REJECTED"}}`))
	require.NoError(t, err)

	assert.Equal(t, domain.ConsentStatusRejected, f.repo.consent(consent.ID).Status)
}

func TestHandleTxnWebhook_UnknownStatusLeavesStatus(t *testing.T) {
	f := newReconcilerFixture()
	consent := f.seedConsent("T1", 101)

	result, err := f.reconciler.HandleTxnWebhook(context.Background(), []byte(`{"txn_id":"T1","consent_status":"WEIRD_STATE"}`))
	require.NoError(t, err)

	assert.True(t, result.Processed)
	assert.Equal(t, "unrecognized status ignored", result.Message)
	assert.Equal(t, domain.ConsentStatusPending, f.repo.consent(consent.ID).Status)
	assert.Empty(t, f.repo.historyFor(consent.ID))
	assert.Len(t, f.repo.eventList(), 1)
}

func TestHandleTxnWebhook_UnknownConsentIsLoggedNotApplied(t *testing.T) {
	f := newReconcilerFixture()

	_, err := f.reconciler.HandleTxnWebhook(context.Background(), []byte(`{"txn_id":"missing","consent_status":"ACTIVE"}`))
	require.Error(t, err)

	svcErr, ok := domain.AsServiceError(err)
	require.True(t, ok)
	assert.Equal(t, domain.CategoryConsentIssues, svcErr.Category)

	events := f.repo.eventList()
	require.Len(t, events, 1)
	assert.False(t, events[0].Processed)
	require.NotNil(t, events[0].ProcessingError)
	assert.Contains(t, *events[0].ProcessingError, "consent request not found")
	assert.Len(t, f.repo.errorLogList(), 1)
}

func TestHandleTxnWebhook_MalformedBodyIsStored(t *testing.T) {
	f := newReconcilerFixture()

	_, err := f.reconciler.HandleTxnWebhook(context.Background(), []byte(`not json`))
	require.Error(t, err)

	svcErr, ok := domain.AsServiceError(err)
	require.True(t, ok)
	assert.Equal(t, domain.CategoryInputValidation, svcErr.Category)

	events := f.repo.eventList()
	require.Len(t, events, 1)
	assert.JSONEq(t, `{"raw":"not json"}`, string(events[0].Payload))
}

func TestHandleTxnWebhook_RetriesVersionConflict(t *testing.T) {
	f := newReconcilerFixture()
	consent := f.seedConsent("T1", 101)
	f.repo.forceConflicts = 1

	result, err := f.reconciler.HandleTxnWebhook(context.Background(), []byte(`{"txn_id":"T1","consent_status":"ACTIVE","consent_id":"C1"}`))
	require.NoError(t, err)

	assert.True(t, result.Processed)
	assert.Equal(t, domain.ConsentStatusActive, f.repo.consent(consent.ID).Status)
	assert.Equal(t, 1, f.triggers.count(domain.TriggerFIFetch))
}

func TestHandleTxnWebhook_LaterConsentIDIsIgnored(t *testing.T) {
	f := newReconcilerFixture()
	consent := f.seedConsent("T1", 101)

	_, err := f.reconciler.HandleTxnWebhook(context.Background(), []byte(`{"txn_id":"T1","consent_status":"ACTIVE","consent_id":"C1"}`))
	require.NoError(t, err)
	f.vendor.resp = &tspclient.StatusCheckResponse{
		ConsentID: "C2",
		TxnStatus: []tspclient.TxnStatus{{Code: "ConsentApproved"}},
	}
	_, err = f.reconciler.CheckStatus(context.Background(), 101)
	require.NoError(t, err)

	stored := f.repo.consent(consent.ID)
	require.NotNil(t, stored.ConsentID)
	assert.Equal(t, "C1", *stored.ConsentID)
}

func TestCheckStatus_TwoEventsReachReady(t *testing.T) {
	f := newReconcilerFixture()
	consent := f.seedConsent("T1", 101)
	f.vendor.resp = &tspclient.StatusCheckResponse{
		TxnStatus: []tspclient.TxnStatus{
			{Code: "TxnProcessing", Msg: "processing"},
			{Code: "ReportGenerated", Msg: "report ready"},
		},
	}

	result, err := f.reconciler.CheckStatus(context.Background(), 101)
	require.NoError(t, err)

	assert.Equal(t, domain.ConsentStatusPending, result.PreviousStatus)
	assert.Equal(t, domain.ConsentStatusReady, result.Status)
	assert.True(t, result.StatusChanged)
	assert.True(t, result.PollingComplete)
	assert.True(t, result.ReportTriggered)

	stored := f.repo.consent(consent.ID)
	assert.Equal(t, domain.ConsentStatusReady, stored.Status)
	assert.True(t, stored.ReportGenerated)

	history := f.repo.historyFor(consent.ID)
	require.Len(t, history, 2)
	for _, h := range history {
		assert.Equal(t, domain.SourcePoll, h.Source)
	}
	assert.Equal(t, 1, f.triggers.count(domain.TriggerReportRetrieve))
}

func TestCheckStatus_PollThenWebhookMatchesReverseOrder(t *testing.T) {
	run := func(pollFirst bool) *domain.ConsentRequest {
		f := newReconcilerFixture()
		consent := f.seedConsent("T1", 101)
		f.vendor.resp = &tspclient.StatusCheckResponse{
			ConsentID: "C1",
			TxnStatus: []tspclient.TxnStatus{{Code: "ConsentApproved"}},
		}
		poll := func() {
			_, err := f.reconciler.CheckStatus(context.Background(), 101)
			require.NoError(t, err)
		}
		hook := func() {
			_, err := f.reconciler.HandleTxnWebhook(context.Background(), []byte(`{"txn_id":"T1","consent_status":"ACTIVE","consent_id":"C1"}`))
			require.NoError(t, err)
		}
		if pollFirst {
			poll()
			hook()
		} else {
			hook()
			poll()
		}
		assert.Equal(t, 1, f.triggers.count(domain.TriggerFIFetch))
		return f.repo.consent(consent.ID)
	}

	a, b := run(true), run(false)
	assert.Equal(t, a.Status, b.Status)
	assert.Equal(t, *a.ConsentID, *b.ConsentID)
	assert.Equal(t, a.FIRequestInitiated, b.FIRequestInitiated)
	assert.Equal(t, a.ReportGenerated, b.ReportGenerated)
}

func TestCheckStatus_RejectsMissingRequestID(t *testing.T) {
	f := newReconcilerFixture()

	_, err := f.reconciler.CheckStatus(context.Background(), 0)

	svcErr, ok := domain.AsServiceError(err)
	require.True(t, ok)
	assert.Equal(t, domain.CategoryInputValidation, svcErr.Category)
	assert.Zero(t, f.vendor.calls)
}

func TestCheckStatus_UnknownConsent(t *testing.T) {
	f := newReconcilerFixture()

	_, err := f.reconciler.CheckStatus(context.Background(), 999)

	svcErr, ok := domain.AsServiceError(err)
	require.True(t, ok)
	assert.Equal(t, domain.CategoryConsentIssues, svcErr.Category)
}

func TestCheckStatus_VendorFailureIsCategorisedAndLogged(t *testing.T) {
	f := newReconcilerFixture()
	f.seedConsent("T1", 101)
	f.vendor.err = &tspclient.APIError{Op: "status_check", StatusCode: 503, Message: "upstream unavailable"}

	_, err := f.reconciler.CheckStatus(context.Background(), 101)

	svcErr, ok := domain.AsServiceError(err)
	require.True(t, ok)
	assert.Equal(t, domain.CategoryInfraNetwork, svcErr.Category)
	assert.True(t, svcErr.RetryRecommended())

	logs := f.repo.errorLogList()
	require.Len(t, logs, 1)
	assert.Equal(t, domain.ContextStatusCheck, logs[0].Context)
	require.NotNil(t, logs[0].RequestID)
	assert.Equal(t, int64(101), *logs[0].RequestID)
}

func TestCheckStatus_TokenFailureIsLoggedOnce(t *testing.T) {
	f := newReconcilerFixture()
	f.seedConsent("T1", 101)
	logger := discardLogger()
	cache := NewTokenCache(f.repo, &fakeAuth{}, "", "", NewErrorRecorder(f.repo, logger, nil), nil, logger)
	_, tokenErr := cache.Token(context.Background())
	require.Error(t, tokenErr)
	f.vendor.err = fmt.Errorf("status_check: %w", tokenErr)

	_, err := f.reconciler.CheckStatus(context.Background(), 101)

	svcErr, ok := domain.AsServiceError(err)
	require.True(t, ok)
	assert.Equal(t, domain.ContextLogin, svcErr.Context)
	assert.Equal(t, domain.CategoryAuthentication, svcErr.Category)

	logs := f.repo.errorLogList()
	require.Len(t, logs, 1)
	assert.Equal(t, domain.ContextLogin, logs[0].Context)
}

func TestCheckStatus_RateLimited(t *testing.T) {
	f := newReconcilerFixture()
	f.seedConsent("T1", 101)
	f.vendor.resp = &tspclient.StatusCheckResponse{}
	f.reconciler.SetStatusCheckRateLimiter(&limiterStub{retry: 42}, 1)

	_, err := f.reconciler.CheckStatus(context.Background(), 101)
	require.NoError(t, err)

	_, err = f.reconciler.CheckStatus(context.Background(), 101)
	var limitErr *RateLimitError
	require.True(t, errors.As(err, &limitErr))
	assert.Equal(t, 42, limitErr.RetryAfterSeconds)
	assert.Equal(t, 1, f.vendor.calls)
}

func TestCheckStatus_LimiterOutageAllowsRequest(t *testing.T) {
	f := newReconcilerFixture()
	f.seedConsent("T1", 101)
	f.vendor.resp = &tspclient.StatusCheckResponse{}
	f.reconciler.SetStatusCheckRateLimiter(&limiterStub{err: errors.New("redis down")}, 1)

	_, err := f.reconciler.CheckStatus(context.Background(), 101)
	require.NoError(t, err)
	assert.Equal(t, 1, f.vendor.calls)
}

func TestCheckStatus_RepeatedPollIsIdempotent(t *testing.T) {
	tests := []struct {
		name        string
		history     []tspclient.TxnStatus
		status      domain.ConsentStatus
		historyRows int
		fiTriggers  int
		reports     int
	}{
		{
			name:        "happy path",
			history:     []tspclient.TxnStatus{{Code: "ConsentApproved"}, {Code: "TxnProcessing"}, {Code: "ReportGenerated"}},
			status:      domain.ConsentStatusReady,
			historyRows: 3,
			reports:     1,
		},
		{
			name:        "approved then revoked",
			history:     []tspclient.TxnStatus{{Code: "ConsentApproved"}, {Code: "ConsentRevoked"}},
			status:      domain.ConsentStatusRevoked,
			historyRows: 2,
		},
		{
			name:        "approved then paused",
			history:     []tspclient.TxnStatus{{Code: "ConsentApproved"}, {Code: "ConsentPaused"}},
			status:      domain.ConsentStatusPaused,
			historyRows: 2,
		},
		{
			name:        "approved only",
			history:     []tspclient.TxnStatus{{Code: "ConsentApproved"}},
			status:      domain.ConsentStatusActive,
			historyRows: 1,
			fiTriggers:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newReconcilerFixture()
			consent := f.seedConsent("T1", 101)
			f.vendor.resp = &tspclient.StatusCheckResponse{ConsentID: "C1", TxnStatus: tt.history}

			first, err := f.reconciler.CheckStatus(context.Background(), 101)
			require.NoError(t, err)
			assert.Equal(t, tt.status, first.Status)
			assert.True(t, first.StatusChanged)
			require.Len(t, f.repo.historyFor(consent.ID), tt.historyRows)
			require.Len(t, f.publisher.byRoutingKey(domain.RoutingKeyConsentStatusChanged), tt.historyRows)

			for i := 0; i < 2; i++ {
				again, err := f.reconciler.CheckStatus(context.Background(), 101)
				require.NoError(t, err)
				assert.Equal(t, tt.status, again.Status)
				assert.False(t, again.StatusChanged)
				assert.False(t, again.FITriggered)
				assert.False(t, again.ReportTriggered)
			}

			assert.Equal(t, tt.status, f.repo.consent(consent.ID).Status)
			assert.Len(t, f.repo.historyFor(consent.ID), tt.historyRows)
			assert.Len(t, f.publisher.byRoutingKey(domain.RoutingKeyConsentStatusChanged), tt.historyRows)
			assert.Equal(t, tt.fiTriggers, f.triggers.count(domain.TriggerFIFetch))
			assert.Equal(t, tt.reports, f.triggers.count(domain.TriggerReportRetrieve))
		})
	}
}

func TestHandleTxnWebhook_ActiveAfterRevokedIsIgnored(t *testing.T) {
	f := newReconcilerFixture()
	consent := f.seedConsent("T1", 101)

	_, err := f.reconciler.HandleTxnWebhook(context.Background(), []byte(`{"txn_id":"T1","consent_status":"REVOKED"}`))
	require.NoError(t, err)
	result, err := f.reconciler.HandleTxnWebhook(context.Background(), []byte(`{"txn_id":"T1","consent_status":"ACTIVE","consent_id":"C1"}`))
	require.NoError(t, err)

	assert.Equal(t, domain.ConsentStatusRevoked, result.Status)
	stored := f.repo.consent(consent.ID)
	assert.Equal(t, domain.ConsentStatusRevoked, stored.Status)
	assert.False(t, stored.FIRequestInitiated)
	assert.Zero(t, f.triggers.count(domain.TriggerFIFetch))
	assert.Len(t, f.repo.historyFor(consent.ID), 1)
}
