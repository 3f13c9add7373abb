package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/aa-service/internal/domain"
	"github.com/transfa/aa-service/internal/store"
	"github.com/transfa/aa-service/pkg/rabbitmq"
	"github.com/transfa/aa-service/pkg/tspclient"
)

// BSAClient is the vendor's bank statement analysis API.
type BSAClient interface {
	InitiateBSA(ctx context.Context, payload tspclient.BSAInitiateRequest) (json.RawMessage, error)
	BSAStatus(ctx context.Context, trackingID string) (*tspclient.BSAStatusResponse, error)
}

// BSAService runs bank statement analysis over stored reports.
type BSAService struct {
	repo       store.Repository
	vendor     BSAClient
	publisher  rabbitmq.Publisher
	webhookURL string
	recorder   *ErrorRecorder
	metrics    *Metrics
	logger     *slog.Logger
	now        func() time.Time
}

func NewBSAService(repo store.Repository, vendor BSAClient, publisher rabbitmq.Publisher, webhookURL string, recorder *ErrorRecorder, metrics *Metrics, logger *slog.Logger) *BSAService {
	if publisher == nil {
		publisher = rabbitmq.NoopPublisher{}
	}
	return &BSAService{
		repo:       repo,
		vendor:     vendor,
		publisher:  publisher,
		webhookURL: strings.TrimSpace(webhookURL),
		recorder:   recorder,
		metrics:    metrics,
		logger:     logger.With("component", "bsa_service"),
		now:        time.Now,
	}
}

// Analyze starts a BSA run over a stored report. The run is persisted even when the
// vendor rejects the initiation, with status INITIATION_FAILED.
func (s *BSAService) Analyze(ctx context.Context, reportID string) (*domain.BSARun, error) {
	id, err := uuid.Parse(strings.TrimSpace(reportID))
	if err != nil {
		return nil, domain.NewValidationError(domain.ContextBSA, "report_id must be a valid UUID")
	}
	report, err := s.repo.GetReportByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if report.Status != domain.ReportStatusCompleted || len(bytes.TrimSpace(report.JSONData)) == 0 {
		return nil, domain.NewValidationError(domain.ContextBSA, "report has no retrieved data to analyze")
	}

	run := &domain.BSARun{
		TrackingID: uuid.NewString(),
		ReportID:   report.ID,
		TxnID:      report.TxnID,
		Status:     domain.BSAStatusInitiated,
		WebhookURL: optionalString(s.webhookURL),
	}

	started := s.now()
	resp, vendorErr := s.vendor.InitiateBSA(ctx, tspclient.BSAInitiateRequest{
		TrackingID:  run.TrackingID,
		ConsentFlag: true,
		Accounts:    []json.RawMessage{report.JSONData},
		WebhookURL:  s.webhookURL,
	})
	s.metrics.observeVendorCall("bsa_initiate", started)

	var svcErr *domain.ServiceError
	if vendorErr != nil {
		svcErr = vendorError(domain.ContextBSA, vendorErr)
		message := svcErr.Error()
		run.Status = domain.BSAStatusInitiationFailed
		run.ErrorMessage = &message
	} else {
		run.LastResponse = resp
	}

	if err := s.repo.CreateBSARun(ctx, run); err != nil {
		return nil, fmt.Errorf("store bsa run: %w", err)
	}
	s.publish(ctx, run)

	if svcErr != nil {
		s.recorder.RecordVendorFailure(ctx, svcErr, ErrorRefs{TxnID: run.TxnID, TrackingID: run.TrackingID})
		return run, svcErr
	}
	s.logger.Info("bsa initiated", "tracking_id", run.TrackingID, "report_id", run.ReportID, "txn_id", run.TxnID)
	return run, nil
}

// Status returns the run, polling the vendor while it is not terminal.
func (s *BSAService) Status(ctx context.Context, trackingID string) (*domain.BSARun, error) {
	trackingID = strings.TrimSpace(trackingID)
	if trackingID == "" {
		return nil, domain.NewValidationError(domain.ContextBSA, "tracking_id is required")
	}
	run, err := s.repo.GetBSARunByTrackingID(ctx, trackingID)
	if err != nil {
		return nil, err
	}
	if run.Status.IsTerminal() {
		return run, nil
	}

	started := s.now()
	resp, err := s.vendor.BSAStatus(ctx, trackingID)
	s.metrics.observeVendorCall("bsa_status", started)
	if err != nil {
		svcErr := vendorError(domain.ContextBSA, err)
		s.recorder.RecordVendorFailure(ctx, svcErr, ErrorRefs{TxnID: run.TxnID, TrackingID: trackingID})
		return nil, svcErr
	}
	return s.update(ctx, run, resp.Status, resp.JSONDocs(), resp.XLSXDocs(), resp.Raw)
}

// ListByReport returns every run for a report, newest first.
func (s *BSAService) ListByReport(ctx context.Context, reportID string) ([]domain.BSARun, error) {
	id, err := uuid.Parse(strings.TrimSpace(reportID))
	if err != nil {
		return nil, domain.NewValidationError(domain.ContextBSA, "report_id must be a valid UUID")
	}
	return s.repo.ListBSARunsByReportID(ctx, id)
}

// HandleWebhook applies a vendor BSA notification. Notifications for a run that is
// already terminal are logged and acknowledged without changing it.
func (s *BSAService) HandleWebhook(ctx context.Context, body []byte) (WebhookResult, error) {
	n, parseErr := ParseWebhookNotification(body)

	event := &domain.WebhookEvent{
		EventType: domain.WebhookEventBSAStatus,
		Payload:   safePayload(body),
	}
	if parseErr == nil {
		event.TrackingID = optionalString(n.TrackingID)
		event.Status = optionalString(n.Status)
	}
	if err := s.repo.CreateWebhookEvent(ctx, event); err != nil {
		return WebhookResult{}, fmt.Errorf("log webhook event: %w", err)
	}
	result := WebhookResult{EventID: event.ID}

	var svcErr *domain.ServiceError
	switch {
	case parseErr != nil:
		svcErr = domain.NewValidationError(domain.ContextBSA, "malformed webhook payload: "+parseErr.Error())
	case n.TrackingID == "":
		svcErr = domain.NewValidationError(domain.ContextBSA, "webhook payload has no tracking_id")
	}
	if svcErr != nil {
		return result, s.reject(ctx, event, n, svcErr)
	}

	run, err := s.repo.GetBSARunByTrackingID(ctx, n.TrackingID)
	if err != nil {
		if errors.Is(err, store.ErrBSARunNotFound) {
			return result, s.reject(ctx, event, n, domain.NewValidationError(domain.ContextBSA, "bsa run not found"))
		}
		return result, fmt.Errorf("load bsa run: %w", err)
	}

	status := domain.NormalizeBSAStatus(n.Status)
	key := domain.IdempotencyKey(n.TrackingID, string(status))
	processed, err := s.repo.HasProcessedWebhookEvent(ctx, key)
	if err != nil {
		return result, fmt.Errorf("check webhook idempotency: %w", err)
	}
	if processed {
		return s.duplicate(ctx, event, result)
	}

	if !run.Status.IsTerminal() {
		if run, err = s.update(ctx, run, n.Status, n.JSONDocsURL, n.XLSXDocsURL, event.Payload); err != nil {
			return result, err
		}
	}

	if err := s.repo.MarkWebhookEventProcessed(ctx, event.ID, &key, nil); err != nil {
		if errors.Is(err, store.ErrDuplicateEvent) {
			return s.duplicate(ctx, event, result)
		}
		return result, fmt.Errorf("mark webhook processed: %w", err)
	}
	s.metrics.observeWebhook(event.EventType, false)

	result.Processed = true
	result.Message = "bsa status " + string(run.Status)
	return result, nil
}

func (s *BSAService) update(ctx context.Context, run *domain.BSARun, rawStatus, jsonURL, xlsxURL string, raw json.RawMessage) (*domain.BSARun, error) {
	status := domain.NormalizeBSAStatus(rawStatus)
	params := store.UpdateBSARunParams{
		Status:       status,
		LastResponse: raw,
	}
	if status == domain.BSAStatusCompleted {
		params.JSONDocsURL = optionalString(jsonURL)
		params.XLSXDocsURL = optionalString(xlsxURL)
	}
	if status.IsTerminal() {
		completedAt := s.now().UTC()
		params.CompletedAt = &completedAt
	}

	updated, err := s.repo.UpdateBSARun(ctx, run.TrackingID, params)
	if err != nil {
		return nil, fmt.Errorf("update bsa run: %w", err)
	}
	if updated.Status != status {
		s.logger.Info("bsa run already terminal; vendor update ignored", "tracking_id", run.TrackingID, "status", updated.Status, "ignored", status)
		return updated, nil
	}
	if updated.Status != run.Status {
		s.logger.Info("bsa status changed", "tracking_id", run.TrackingID, "from", run.Status, "to", updated.Status)
		s.publish(ctx, updated)
	}
	return updated, nil
}

func (s *BSAService) publish(ctx context.Context, run *domain.BSARun) {
	evt := domain.BSAStatusChangedEvent{
		TrackingID: run.TrackingID,
		ReportID:   run.ReportID,
		Status:     run.Status,
		OccurredAt: s.now().UTC(),
	}
	if err := s.publisher.Publish(ctx, domain.EventsExchange, domain.RoutingKeyBSAStatusChanged, evt); err != nil {
		s.logger.Warn("failed to publish bsa status event", "tracking_id", run.TrackingID, "error", err)
	}
}

func (s *BSAService) duplicate(ctx context.Context, event *domain.WebhookEvent, result WebhookResult) (WebhookResult, error) {
	s.metrics.observeWebhook(event.EventType, true)
	if err := s.repo.MarkWebhookEventDuplicate(ctx, event.ID); err != nil {
		s.logger.Error("failed to flag duplicate webhook", "event_id", event.ID, "error", err)
	}
	result.Duplicate = true
	result.Message = "duplicate webhook ignored"
	return result, nil
}

func (s *BSAService) reject(ctx context.Context, event *domain.WebhookEvent, n WebhookNotification, svcErr *domain.ServiceError) error {
	s.metrics.observeWebhook(event.EventType, false)
	s.recorder.Record(ctx, svcErr, ErrorRefs{TrackingID: n.TrackingID, Details: map[string]interface{}{
		"event_id": event.ID,
		"status":   n.Status,
	}})
	if err := s.repo.MarkWebhookEventFailed(ctx, event.ID, svcErr.Error()); err != nil {
		s.logger.Error("failed to record webhook processing error", "event_id", event.ID, "error", err)
	}
	return svcErr
}
