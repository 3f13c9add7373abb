package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/transfa/aa-service/internal/domain"
	"github.com/transfa/aa-service/pkg/rabbitmq"
)

const defaultTriggerTimeout = 120 * time.Second

// TriggerRunner executes one downstream action.
type TriggerRunner interface {
	Run(ctx context.Context, msg domain.TriggerMessage) error
}

// RabbitTriggerDispatcher publishes triggers to the message bus and falls back to an
// in-process goroutine when publishing is not possible.
type RabbitTriggerDispatcher struct {
	publisher rabbitmq.Publisher
	runner    TriggerRunner
	timeout   time.Duration
	metrics   *Metrics
	logger    *slog.Logger
	wg        sync.WaitGroup
}

func NewRabbitTriggerDispatcher(publisher rabbitmq.Publisher, runner TriggerRunner, timeout time.Duration, metrics *Metrics, logger *slog.Logger) *RabbitTriggerDispatcher {
	if timeout <= 0 {
		timeout = defaultTriggerTimeout
	}
	return &RabbitTriggerDispatcher{
		publisher: publisher,
		runner:    runner,
		timeout:   timeout,
		metrics:   metrics,
		logger:    logger.With("component", "trigger_dispatcher"),
	}
}

// Dispatch never blocks on the downstream action itself.
func (d *RabbitTriggerDispatcher) Dispatch(ctx context.Context, msg domain.TriggerMessage) {
	if d.publisher != nil {
		err := d.publisher.Publish(ctx, domain.EventsExchange, TriggerRoutingKey(msg.Kind), msg)
		if err == nil {
			d.metrics.observeTrigger(msg.Kind, "rabbitmq")
			d.logger.Info("trigger published", "kind", msg.Kind, "consent_request_id", msg.ConsentRequestID)
			return
		}
		d.logger.Warn("trigger publish failed; running in process", "kind", msg.Kind, "consent_request_id", msg.ConsentRequestID, "error", err)
	}

	d.metrics.observeTrigger(msg.Kind, "goroutine")
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				d.metrics.observeTriggerFailure(msg.Kind)
				d.logger.Error("trigger panicked", "kind", msg.Kind, "consent_request_id", msg.ConsentRequestID, "panic", rec)
			}
		}()

		runCtx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		if err := d.runner.Run(runCtx, msg); err != nil {
			d.metrics.observeTriggerFailure(msg.Kind)
			d.logger.Error("trigger failed", "kind", msg.Kind, "consent_request_id", msg.ConsentRequestID, "error", err)
		}
	}()
}

// Wait blocks until in-process triggers have finished.
func (d *RabbitTriggerDispatcher) Wait() {
	d.wg.Wait()
}

// TriggerRoutingKey returns the bus routing key for a trigger kind.
func TriggerRoutingKey(kind domain.TriggerKind) string {
	if kind == domain.TriggerReportRetrieve {
		return domain.RoutingKeyTriggerReportRetrieve
	}
	return domain.RoutingKeyTriggerFIFetch
}

// FIFetcher starts an FI session for a consent.
type FIFetcher interface {
	Fetch(ctx context.Context, in FIFetchInput) (*FIFetchResult, error)
}

// ReportRetriever downloads and stores a report.
type ReportRetriever interface {
	Retrieve(ctx context.Context, in RetrieveReportInput) (*domain.Report, error)
}

// TriggerWorker runs the FI fetch and report retrieval actions claimed by the
// reconciler.
type TriggerWorker struct {
	fi      FIFetcher
	reports ReportRetriever
	logger  *slog.Logger
}

func NewTriggerWorker(fi FIFetcher, reports ReportRetriever, logger *slog.Logger) *TriggerWorker {
	return &TriggerWorker{fi: fi, reports: reports, logger: logger.With("component", "trigger_worker")}
}

func (w *TriggerWorker) Run(ctx context.Context, msg domain.TriggerMessage) error {
	switch msg.Kind {
	case domain.TriggerFIFetch:
		if msg.ConsentID == "" {
			return fmt.Errorf("fi fetch trigger for %s has no consent_id", msg.ConsentRequestID)
		}
		result, err := w.fi.Fetch(ctx, FIFetchInput{ConsentID: msg.ConsentID})
		if err != nil {
			return fmt.Errorf("fi fetch: %w", err)
		}
		w.logger.Info("fi fetch triggered", "consent_request_id", msg.ConsentRequestID, "fi_txn_id", result.TxnID, "session_id", result.SessionID)
		return nil
	case domain.TriggerReportRetrieve:
		if msg.TxnID == "" {
			return fmt.Errorf("report trigger for %s has no txn_id", msg.ConsentRequestID)
		}
		report, err := w.reports.Retrieve(ctx, RetrieveReportInput{TxnID: msg.TxnID})
		if err != nil {
			return fmt.Errorf("report retrieve: %w", err)
		}
		w.logger.Info("report retrieval triggered", "consent_request_id", msg.ConsentRequestID, "report_id", report.ID)
		return nil
	}
	return fmt.Errorf("unknown trigger kind %q", msg.Kind)
}

// TriggerConsumer adapts TriggerWorker to bus deliveries.
type TriggerConsumer struct {
	runner  TriggerRunner
	timeout time.Duration
	logger  *slog.Logger
}

func NewTriggerConsumer(runner TriggerRunner, timeout time.Duration, logger *slog.Logger) *TriggerConsumer {
	if timeout <= 0 {
		timeout = defaultTriggerTimeout
	}
	return &TriggerConsumer{runner: runner, timeout: timeout, logger: logger.With("component", "trigger_consumer")}
}

// HandleMessage acknowledges malformed messages and failures whose category is not
// retryable. Other failures are handed back for one redelivery.
func (c *TriggerConsumer) HandleMessage(body []byte) bool {
	var msg domain.TriggerMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		c.logger.Warn("failed to unmarshal trigger", "error", err)
		return true
	}
	if msg.Kind == "" {
		c.logger.Warn("trigger has no kind; dropping", "consent_request_id", msg.ConsentRequestID)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	if err := c.runner.Run(ctx, msg); err != nil {
		if svcErr, ok := domain.AsServiceError(err); ok && !svcErr.RetryRecommended() {
			c.logger.Warn("trigger rejected", "kind", msg.Kind, "consent_request_id", msg.ConsentRequestID, "error", err)
			return true
		}
		c.logger.Error("trigger failed", "kind", msg.Kind, "consent_request_id", msg.ConsentRequestID, "error", err)
		return false
	}
	return true
}
