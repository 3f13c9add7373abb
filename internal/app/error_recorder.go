package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/transfa/aa-service/internal/domain"
	"github.com/transfa/aa-service/internal/store"
	"github.com/transfa/aa-service/pkg/tspclient"
)

// ErrorRefs ties an error log entry to the identifiers it concerns.
type ErrorRefs struct {
	TxnID      string
	RequestID  int64
	TrackingID string
	Details    interface{}
}

// ErrorRecorder writes categorised failures to the error log.
type ErrorRecorder struct {
	repo    store.Repository
	logger  *slog.Logger
	metrics *Metrics
}

func NewErrorRecorder(repo store.Repository, logger *slog.Logger, metrics *Metrics) *ErrorRecorder {
	return &ErrorRecorder{repo: repo, logger: logger, metrics: metrics}
}

// Record persists svcErr. Persistence failures are logged and swallowed so they
// never mask the original error.
func (r *ErrorRecorder) Record(ctx context.Context, svcErr *domain.ServiceError, refs ErrorRefs) {
	if r == nil || svcErr == nil {
		return
	}
	r.metrics.observeError(svcErr)

	entry := &domain.ErrorLog{
		Context:          svcErr.Context,
		Category:         svcErr.Category,
		Message:          svcErr.Error(),
		RetryRecommended: svcErr.RetryRecommended(),
	}
	if svcErr.HTTPStatus > 0 {
		status := svcErr.HTTPStatus
		entry.HTTPStatus = &status
	}
	if refs.TxnID != "" {
		entry.TxnID = &refs.TxnID
	}
	if refs.RequestID != 0 {
		entry.RequestID = &refs.RequestID
	}
	if refs.TrackingID != "" {
		entry.TrackingID = &refs.TrackingID
	}
	if refs.Details != nil {
		if raw, err := json.Marshal(refs.Details); err == nil {
			entry.Details = raw
		}
	}

	r.logger.Warn("recorded service error",
		"context", svcErr.Context,
		"category", svcErr.Category,
		"retry_recommended", entry.RetryRecommended,
		"txn_id", refs.TxnID,
		"request_id", refs.RequestID,
		"tracking_id", refs.TrackingID,
		"error", svcErr.Error(),
	)

	// The caller's context may already be cancelled when the failure was a timeout.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.repo.CreateErrorLog(writeCtx, entry); err != nil {
		r.logger.Error("failed to persist error log", "context", svcErr.Context, "error", err)
	}
}

// RecordVendorFailure records svcErr unless the token cache already logged it
// while authenticating the call.
func (r *ErrorRecorder) RecordVendorFailure(ctx context.Context, svcErr *domain.ServiceError, refs ErrorRefs) {
	if svcErr == nil || svcErr.Context == domain.ContextLogin || svcErr.Context == domain.ContextRefreshToken {
		return
	}
	r.Record(ctx, svcErr, refs)
}

// vendorError turns a tspclient failure into a categorised ServiceError.
func vendorError(errCtx domain.ErrorContext, err error) *domain.ServiceError {
	if err == nil {
		return nil
	}
	if svcErr, ok := domain.AsServiceError(err); ok {
		return svcErr
	}

	var apiErr *tspclient.APIError
	if errors.As(err, &apiErr) {
		category := domain.Categorize(apiErr.Message, apiErr.StatusCode)
		svcErr := domain.NewServiceError(errCtx, category, apiErr.Message, err)
		svcErr.HTTPStatus = apiErr.StatusCode
		return svcErr
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return domain.NewServiceError(errCtx, domain.CategoryTimeout, "vendor request timed out", err)
	}

	category := domain.Categorize(err.Error(), 0)
	if category == domain.CategoryUnknown {
		var transportErr *tspclient.TransportError
		if errors.As(err, &transportErr) {
			category = domain.CategoryInfraNetwork
		}
	}
	return domain.NewServiceError(errCtx, category, "vendor request failed", err)
}
