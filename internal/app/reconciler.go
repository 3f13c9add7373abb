/**
 * @description
 * The Reconciler feeds webhook and poll observations through Fold and persists the
 * result. Each apply reads the consent, reduces, and writes back with a
 * compare-and-set on the row version; on conflict it reloads and reduces again.
 * Downstream triggers and lifecycle events are only emitted after a commit, and only
 * by the apply that won the corresponding claim flag.
 */
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/aa-service/internal/domain"
	"github.com/transfa/aa-service/internal/store"
	"github.com/transfa/aa-service/pkg/rabbitmq"
	"github.com/transfa/aa-service/pkg/tspclient"
)

const maxApplyAttempts = 3

// StatusChecker polls the vendor for the status events of a consent request.
type StatusChecker interface {
	StatusCheck(ctx context.Context, requestID int64) (*tspclient.StatusCheckResponse, error)
}

// TriggerDispatcher hands a downstream action off for asynchronous execution.
type TriggerDispatcher interface {
	Dispatch(ctx context.Context, msg domain.TriggerMessage)
}

// RateLimiter counts attempts per scope and subject within a window.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// RateLimitError is returned when a caller exceeds the status-check budget.
type RateLimitError struct {
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded; retry after %d seconds", e.RetryAfterSeconds)
}

// WebhookResult is the acknowledgement returned to the webhook handler.
type WebhookResult struct {
	EventID   uuid.UUID            `json:"event_id"`
	Duplicate bool                 `json:"duplicate,omitempty"`
	Processed bool                 `json:"processed"`
	Status    domain.ConsentStatus `json:"status,omitempty"`
	Message   string               `json:"message"`
}

// StatusCheckResult is the outcome of one poll cycle.
type StatusCheckResult struct {
	Consent         *domain.ConsentRequest `json:"consent"`
	PreviousStatus  domain.ConsentStatus   `json:"previous_status"`
	Status          domain.ConsentStatus   `json:"status"`
	StatusChanged   bool                   `json:"status_changed"`
	Events          []tspclient.TxnStatus  `json:"txn_status"`
	PollingComplete bool                   `json:"polling_complete"`
	FITriggered     bool                   `json:"fi_request_triggered"`
	ReportTriggered bool                   `json:"report_retrieval_triggered"`
}

// Reconciler merges webhook and poll status updates into consent requests.
type Reconciler struct {
	repo        store.Repository
	vendor      StatusChecker
	triggers    TriggerDispatcher
	publisher   rabbitmq.Publisher
	recorder    *ErrorRecorder
	metrics     *Metrics
	logger      *slog.Logger
	limiter     RateLimiter
	limitPerMin int
	now         func() time.Time
}

func NewReconciler(
	repo store.Repository,
	vendor StatusChecker,
	triggers TriggerDispatcher,
	publisher rabbitmq.Publisher,
	recorder *ErrorRecorder,
	metrics *Metrics,
	logger *slog.Logger,
) *Reconciler {
	if publisher == nil {
		publisher = rabbitmq.NoopPublisher{}
	}
	return &Reconciler{
		repo:      repo,
		vendor:    vendor,
		triggers:  triggers,
		publisher: publisher,
		recorder:  recorder,
		metrics:   metrics,
		logger:    logger.With("component", "reconciler"),
		now:       time.Now,
	}
}

// SetStatusCheckRateLimiter enables per request_id throttling of status-check polls.
func (r *Reconciler) SetStatusCheckRateLimiter(limiter RateLimiter, perMinute int) {
	r.limiter = limiter
	r.limitPerMin = perMinute
}

// HandleConsentWebhook processes a notification to /webhooks/aa/consent.
func (r *Reconciler) HandleConsentWebhook(ctx context.Context, body []byte) (WebhookResult, error) {
	return r.handleWebhook(ctx, domain.WebhookEventConsentStatus, body)
}

// HandleTxnWebhook processes a notification to /webhooks/aa/txn.
func (r *Reconciler) HandleTxnWebhook(ctx context.Context, body []byte) (WebhookResult, error) {
	return r.handleWebhook(ctx, domain.WebhookEventTxnStatus, body)
}

func (r *Reconciler) handleWebhook(ctx context.Context, eventType domain.WebhookEventType, body []byte) (WebhookResult, error) {
	notification, parseErr := ParseWebhookNotification(body)

	event := &domain.WebhookEvent{
		EventType: eventType,
		Payload:   safePayload(body),
	}
	if parseErr == nil {
		event.TxnID = optionalString(notification.TxnID)
		event.ConsentHandle = optionalString(notification.ConsentHandle)
		event.Status = optionalString(notification.Status)
		if notification.RequestID != 0 {
			id := notification.RequestID
			event.RequestID = &id
		}
	}
	if err := r.repo.CreateWebhookEvent(ctx, event); err != nil {
		return WebhookResult{}, fmt.Errorf("log webhook event: %w", err)
	}
	result := WebhookResult{EventID: event.ID}

	if parseErr != nil {
		return result, r.rejectEvent(ctx, event, notification, domain.NewValidationError(domain.ContextWebhook, "malformed webhook payload: "+parseErr.Error()))
	}
	if notification.Status == "" {
		return result, r.rejectEvent(ctx, event, notification, domain.NewValidationError(domain.ContextWebhook, "webhook payload has no status"))
	}

	consent, err := r.resolveConsent(ctx, notification)
	if err != nil && !errors.Is(err, store.ErrConsentNotFound) {
		return result, fmt.Errorf("resolve consent: %w", err)
	}

	txnID := notification.TxnID
	if txnID == "" && consent != nil {
		txnID = consent.TxnID
	}
	var key string
	if txnID != "" {
		key = domain.IdempotencyKey(txnID, canonicalOrRaw(notification.Status))
		processed, err := r.repo.HasProcessedWebhookEvent(ctx, key)
		if err != nil {
			return result, fmt.Errorf("check webhook idempotency: %w", err)
		}
		if processed {
			return r.markDuplicate(ctx, event, result, key)
		}
	}

	if consent == nil {
		svcErr := domain.NewConsentIssue(domain.ContextWebhook, "consent request not found")
		return result, r.rejectEvent(ctx, event, notification, svcErr)
	}

	updated, outcome, err := r.apply(ctx, consent, []StatusEvent{{
		RawStatus:       notification.Status,
		ConsentID:       notification.ConsentID,
		ReportGenerated: notification.ReportGenerated,
		Source:          domain.SourceWebhook,
		Payload:         event.Payload,
	}})
	if err != nil {
		return result, fmt.Errorf("apply webhook status: %w", err)
	}

	var keyPtr *string
	if key != "" {
		keyPtr = &key
	}
	if err := r.repo.MarkWebhookEventProcessed(ctx, event.ID, keyPtr, nil); err != nil {
		if errors.Is(err, store.ErrDuplicateEvent) {
			return r.markDuplicate(ctx, event, result, key)
		}
		return result, fmt.Errorf("mark webhook processed: %w", err)
	}
	r.metrics.observeWebhook(eventType, false)

	result.Processed = true
	result.Status = updated.Status
	result.Message = "webhook processed"
	if len(outcome.Unrecognized) > 0 {
		result.Message = "unrecognized status ignored"
	}
	return result, nil
}

func (r *Reconciler) markDuplicate(ctx context.Context, event *domain.WebhookEvent, result WebhookResult, key string) (WebhookResult, error) {
	r.logger.Info("duplicate webhook suppressed", "event_id", event.ID, "idempotency_key", key)
	r.metrics.observeWebhook(event.EventType, true)
	if err := r.repo.MarkWebhookEventDuplicate(ctx, event.ID); err != nil {
		r.logger.Error("failed to flag duplicate webhook", "event_id", event.ID, "error", err)
	}
	result.Duplicate = true
	result.Message = "duplicate webhook ignored"
	return result, nil
}

// rejectEvent leaves the event unprocessed with the failure recorded on it.
func (r *Reconciler) rejectEvent(ctx context.Context, event *domain.WebhookEvent, n WebhookNotification, svcErr *domain.ServiceError) error {
	r.metrics.observeWebhook(event.EventType, false)
	r.recorder.Record(ctx, svcErr, ErrorRefs{TxnID: n.TxnID, RequestID: n.RequestID, Details: map[string]interface{}{
		"event_id":       event.ID,
		"consent_handle": n.ConsentHandle,
		"status":         n.Status,
	}})
	message := svcErr.Error()
	event.ProcessingError = &message
	if err := r.repo.MarkWebhookEventFailed(ctx, event.ID, message); err != nil {
		r.logger.Error("failed to record webhook processing error", "event_id", event.ID, "error", err)
	}
	return svcErr
}

// resolveConsent looks the consent up by txn_id, then consent_handle, then request_id.
func (r *Reconciler) resolveConsent(ctx context.Context, n WebhookNotification) (*domain.ConsentRequest, error) {
	lookups := []func() (*domain.ConsentRequest, error){}
	if n.TxnID != "" {
		lookups = append(lookups, func() (*domain.ConsentRequest, error) { return r.repo.FindConsentByTxnID(ctx, n.TxnID) })
	}
	if n.ConsentHandle != "" {
		lookups = append(lookups, func() (*domain.ConsentRequest, error) { return r.repo.FindConsentByHandle(ctx, n.ConsentHandle) })
	}
	if n.RequestID != 0 {
		lookups = append(lookups, func() (*domain.ConsentRequest, error) { return r.repo.FindConsentByRequestID(ctx, n.RequestID) })
	}
	for _, lookup := range lookups {
		consent, err := lookup()
		if err == nil {
			return consent, nil
		}
		if !errors.Is(err, store.ErrConsentNotFound) {
			return nil, err
		}
	}
	return nil, store.ErrConsentNotFound
}

// CheckStatus runs one poll cycle for requestID, folding every returned status
// event through the merge rules.
func (r *Reconciler) CheckStatus(ctx context.Context, requestID int64) (*StatusCheckResult, error) {
	if requestID <= 0 {
		return nil, domain.NewValidationError(domain.ContextStatusCheck, "request_id is required")
	}
	if err := r.consumeStatusCheckBudget(ctx, requestID); err != nil {
		return nil, err
	}

	consent, err := r.repo.FindConsentByRequestID(ctx, requestID)
	if err != nil {
		if errors.Is(err, store.ErrConsentNotFound) {
			return nil, domain.NewConsentIssue(domain.ContextStatusCheck, "consent request not found")
		}
		return nil, fmt.Errorf("load consent: %w", err)
	}

	started := r.now()
	resp, err := r.vendor.StatusCheck(ctx, requestID)
	r.metrics.observeVendorCall("status_check", started)
	if err != nil {
		svcErr := vendorError(domain.ContextStatusCheck, err)
		r.recorder.RecordVendorFailure(ctx, svcErr, ErrorRefs{TxnID: consent.TxnID, RequestID: requestID})
		return nil, svcErr
	}

	events := make([]StatusEvent, 0, len(resp.TxnStatus))
	for _, entry := range resp.TxnStatus {
		raw := entry.Code
		if raw == "" {
			raw = entry.Status
		}
		payload, _ := json.Marshal(entry)
		events = append(events, StatusEvent{
			RawStatus: raw,
			ConsentID: resp.ConsentID,
			Source:    domain.SourcePoll,
			Payload:   payload,
		})
	}

	previous := consent.Status
	updated, outcome, err := r.apply(ctx, consent, events)
	if err != nil {
		return nil, fmt.Errorf("apply polled status: %w", err)
	}

	return &StatusCheckResult{
		Consent:         updated,
		PreviousStatus:  previous,
		Status:          updated.Status,
		StatusChanged:   updated.Status != previous,
		Events:          resp.TxnStatus,
		PollingComplete: !updated.Status.IsNonTerminal(),
		FITriggered:     outcome.FIClaimed,
		ReportTriggered: outcome.ReportClaimed,
	}, nil
}

func (r *Reconciler) consumeStatusCheckBudget(ctx context.Context, requestID int64) error {
	if r.limiter == nil || r.limitPerMin <= 0 {
		return nil
	}
	count, retryAfter, err := r.limiter.ConsumeRateLimit(ctx, "status_check", strconv.FormatInt(requestID, 10), r.limitPerMin, time.Minute)
	if err != nil {
		r.logger.Warn("status-check rate limiter unavailable; allowing request", "request_id", requestID, "error", err)
		return nil
	}
	if count > r.limitPerMin {
		return &RateLimitError{RetryAfterSeconds: retryAfter}
	}
	return nil
}

// apply reduces events over consent and persists the outcome, retrying on version
// conflicts. It returns the consent as stored after the update.
func (r *Reconciler) apply(ctx context.Context, consent *domain.ConsentRequest, events []StatusEvent) (*domain.ConsentRequest, Outcome, error) {
	current := consent
	for attempt := 1; ; attempt++ {
		outcome := Fold(current.State(), events)
		observedAt := r.now().UTC()

		transition := store.ConsentTransition{
			ConsentRequestID:       current.ID,
			ExpectedVersion:        current.Version,
			Status:                 outcome.State.Status,
			ReportGenerated:        outcome.State.ReportGenerated,
			ReportStatus:           outcome.State.ReportStatus,
			FIRequestInitiated:     outcome.State.FIRequestInitiated,
			ReportRetrievalStarted: outcome.State.ReportRetrievalStarted,
			ObservedAt:             observedAt,
		}
		if outcome.State.ConsentID != "" {
			consentID := outcome.State.ConsentID
			transition.ConsentID = &consentID
		}
		for _, t := range outcome.Transitions {
			transition.History = append(transition.History, domain.TxnStatusHistory{
				ID:               uuid.New(),
				ConsentRequestID: current.ID,
				TxnID:            current.TxnID,
				PreviousStatus:   t.From,
				Status:           t.To,
				RawStatus:        t.Event.RawStatus,
				Source:           t.Event.Source,
				Payload:          t.Event.Payload,
				CreatedAt:        observedAt,
			})
		}

		err := r.repo.ApplyConsentTransition(ctx, transition)
		if errors.Is(err, store.ErrConcurrentUpdate) {
			r.metrics.observeConflict()
			if attempt >= maxApplyAttempts {
				return nil, Outcome{}, fmt.Errorf("consent %s: %w", current.ID, err)
			}
			reloaded, loadErr := r.repo.GetConsentRequestByID(ctx, current.ID)
			if loadErr != nil {
				return nil, Outcome{}, fmt.Errorf("reload consent: %w", loadErr)
			}
			current = reloaded
			continue
		}
		if err != nil {
			return nil, Outcome{}, err
		}

		updated := *current
		updated.Status = outcome.State.Status
		updated.ReportGenerated = outcome.State.ReportGenerated
		updated.ReportStatus = outcome.State.ReportStatus
		updated.FIRequestInitiated = outcome.State.FIRequestInitiated
		updated.ReportRetrievalStarted = outcome.State.ReportRetrievalStarted
		if updated.ConsentID == nil && transition.ConsentID != nil {
			updated.ConsentID = transition.ConsentID
		}
		if outcome.FIClaimed {
			updated.FIRequestInitiatedAt = &observedAt
		}
		if outcome.ReportClaimed {
			updated.ReportRetrievalStartedAt = &observedAt
		}
		updated.LastWebhookReceivedAt = &observedAt
		updated.Version = current.Version + 1

		r.afterCommit(ctx, &updated, outcome)
		return &updated, outcome, nil
	}
}

func (r *Reconciler) afterCommit(ctx context.Context, consent *domain.ConsentRequest, outcome Outcome) {
	for _, ev := range outcome.Unrecognized {
		r.metrics.observeUnrecognized(ev.Source)
		r.logger.Warn("unrecognized vendor status ignored",
			"consent_request_id", consent.ID,
			"txn_id", consent.TxnID,
			"raw_status", ev.RawStatus,
			"source", ev.Source,
		)
	}
	for _, stale := range outcome.StaleIgnored {
		r.logger.Info("stale status ignored", "consent_request_id", consent.ID, "status", consent.Status, "stale_status", stale)
	}

	for _, t := range outcome.Transitions {
		r.metrics.observeTransition(t.Event.Source, t.To)
		r.logger.Info("consent status changed",
			"consent_request_id", consent.ID,
			"txn_id", consent.TxnID,
			"from", t.From,
			"to", t.To,
			"source", t.Event.Source,
		)
		evt := domain.ConsentStatusChangedEvent{
			ConsentRequestID: consent.ID,
			InternalUserID:   consent.InternalUserID,
			TxnID:            consent.TxnID,
			RequestID:        consent.RequestID,
			PreviousStatus:   t.From,
			Status:           t.To,
			Source:           t.Event.Source,
			ReportGenerated:  consent.ReportGenerated,
			OccurredAt:       r.now().UTC(),
		}
		if err := r.publisher.Publish(ctx, domain.EventsExchange, domain.RoutingKeyConsentStatusChanged, evt); err != nil {
			r.logger.Warn("failed to publish consent status event", "consent_request_id", consent.ID, "error", err)
		}
	}

	if r.triggers == nil {
		return
	}
	if outcome.FIClaimed {
		r.triggers.Dispatch(ctx, domain.TriggerMessage{
			Kind:             domain.TriggerFIFetch,
			ConsentRequestID: consent.ID,
			ConsentID:        outcome.State.ConsentID,
			TxnID:            consent.TxnID,
			InternalUserID:   consent.InternalUserID,
			RequestedAt:      r.now().UTC(),
		})
	}
	if outcome.ReportClaimed {
		r.triggers.Dispatch(ctx, domain.TriggerMessage{
			Kind:             domain.TriggerReportRetrieve,
			ConsentRequestID: consent.ID,
			ConsentID:        outcome.State.ConsentID,
			TxnID:            consent.TxnID,
			InternalUserID:   consent.InternalUserID,
			RequestedAt:      r.now().UTC(),
		})
	}
}

// canonicalOrRaw returns the canonical status when the vendor string maps, else the
// raw string, for use in idempotency keys.
func canonicalOrRaw(raw string) string {
	if status, ok := domain.MapVendorStatus(raw); ok {
		return string(status)
	}
	return raw
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
