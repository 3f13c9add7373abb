/**
 * @description
 * This file defines the `Repository` interface, the contract for all data access the
 * service needs. Application code depends on this interface only, so reconciliation
 * and the orchestrators can be tested against in-memory stubs.
 *
 * @dependencies
 * - github.com/google/uuid: For identifiers.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/aa-service/internal/domain"
)

var (
	ErrConsentNotFound     = errors.New("consent request not found")
	ErrReportNotFound      = errors.New("report not found")
	ErrBSARunNotFound      = errors.New("bsa run not found")
	ErrTokenNotFound       = errors.New("no active tsp token")
	ErrConcurrentUpdate    = errors.New("consent request was modified concurrently")
	ErrDuplicateEvent      = errors.New("webhook event already processed")
	ErrDuplicateConsent    = errors.New("consent request already exists")
	ErrWebhookEventMissing = errors.New("webhook event not found")
)

// ConsentTransition is the compare-and-set update produced by one reconciliation.
// It only applies when the stored version still equals ExpectedVersion.
type ConsentTransition struct {
	ConsentRequestID       uuid.UUID
	ExpectedVersion        int64
	Status                 domain.ConsentStatus
	ConsentID              *string
	ReportGenerated        bool
	ReportStatus           string
	FIRequestInitiated     bool
	ReportRetrievalStarted bool
	ObservedAt             time.Time
	History                []domain.TxnStatusHistory
}

// FIRequestResult records the outcome of a successful FI data request.
type FIRequestResult struct {
	ConsentRequestID uuid.UUID
	SessionID        string
	FITxnID          string
	InitiatedAt      time.Time
}

// UpdateBSARunParams carries optional BSA run updates; nil fields are left alone.
type UpdateBSARunParams struct {
	Status       domain.BSAStatus
	JSONDocsURL  *string
	XLSXDocsURL  *string
	LastResponse []byte
	ErrorMessage *string
	CompletedAt  *time.Time
}

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Consent requests
	CreateConsentRequest(ctx context.Context, consent *domain.ConsentRequest) error
	GetConsentRequestByID(ctx context.Context, id uuid.UUID) (*domain.ConsentRequest, error)
	FindConsentByTxnID(ctx context.Context, txnID string) (*domain.ConsentRequest, error)
	FindConsentByHandle(ctx context.Context, consentHandle string) (*domain.ConsentRequest, error)
	FindConsentByRequestID(ctx context.Context, requestID int64) (*domain.ConsentRequest, error)
	FindConsentByConsentID(ctx context.Context, consentID string) (*domain.ConsentRequest, error)
	ListConsentRequests(ctx context.Context, opts domain.ConsentListOptions) ([]domain.ConsentRequest, int64, error)
	ListStaleConsents(ctx context.Context, statuses []domain.ConsentStatus, updatedBefore time.Time, limit int) ([]domain.ConsentRequest, error)
	ApplyConsentTransition(ctx context.Context, transition ConsentTransition) error
	RecordFIRequestResult(ctx context.Context, result FIRequestResult) error
	MarkConsentReportCompleted(ctx context.Context, txnID string, reportStatus string) error

	// Webhook event log and status history
	CreateWebhookEvent(ctx context.Context, event *domain.WebhookEvent) error
	HasProcessedWebhookEvent(ctx context.Context, idempotencyKey string) (bool, error)
	MarkWebhookEventProcessed(ctx context.Context, id uuid.UUID, idempotencyKey *string, processingError *string) error
	MarkWebhookEventDuplicate(ctx context.Context, id uuid.UUID) error
	MarkWebhookEventFailed(ctx context.Context, id uuid.UUID, processingError string) error
	ListStatusHistory(ctx context.Context, consentRequestID uuid.UUID) ([]domain.TxnStatusHistory, error)

	// Reports and BSA runs
	UpsertReport(ctx context.Context, report *domain.Report) (*domain.Report, error)
	GetReportByID(ctx context.Context, id uuid.UUID) (*domain.Report, error)
	GetReportByTxnID(ctx context.Context, txnID string) (*domain.Report, error)
	CreateBSARun(ctx context.Context, run *domain.BSARun) error
	GetBSARunByTrackingID(ctx context.Context, trackingID string) (*domain.BSARun, error)
	ListBSARunsByReportID(ctx context.Context, reportID uuid.UUID) ([]domain.BSARun, error)
	UpdateBSARun(ctx context.Context, trackingID string, params UpdateBSARunParams) (*domain.BSARun, error)

	// Vendor tokens
	GetActiveToken(ctx context.Context) (*domain.TSPToken, error)
	ReplaceActiveToken(ctx context.Context, token *domain.TSPToken) error

	// Error log
	CreateErrorLog(ctx context.Context, entry *domain.ErrorLog) error
}
