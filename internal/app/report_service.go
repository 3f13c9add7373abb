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

	"github.com/transfa/aa-service/internal/domain"
	"github.com/transfa/aa-service/internal/store"
	"github.com/transfa/aa-service/pkg/tspclient"
)

const (
	defaultReportType     = "json"
	defaultReportCategory = "bank"
	defaultSourceOfData   = "accountaggregator"
)

// ReportFetcher downloads a generated FI report from the vendor.
type ReportFetcher interface {
	RetrieveReport(ctx context.Context, payload tspclient.RetrieveReportRequest) (json.RawMessage, error)
}

// RetrieveReportInput identifies the report to download.
type RetrieveReportInput struct {
	TxnID          string `json:"txn_id"`
	ReportType     string `json:"report_type"`
	ReportCategory string `json:"report_category"`
}

// ReportService retrieves vendor reports and stores them with their extraction.
type ReportService struct {
	repo      store.Repository
	vendor    ReportFetcher
	formatter ReportFormatter
	recorder  *ErrorRecorder
	metrics   *Metrics
	logger    *slog.Logger
	now       func() time.Time
}

func NewReportService(repo store.Repository, vendor ReportFetcher, formatter ReportFormatter, recorder *ErrorRecorder, metrics *Metrics, logger *slog.Logger) *ReportService {
	if formatter == nil {
		formatter = FIDetailsFormatter{}
	}
	return &ReportService{
		repo:      repo,
		vendor:    vendor,
		formatter: formatter,
		recorder:  recorder,
		metrics:   metrics,
		logger:    logger.With("component", "report_service"),
		now:       time.Now,
	}
}

// reportEnvelope is the part of the vendor report read for storage metadata.
type reportEnvelope struct {
	RequestID       json.RawMessage `json:"request_id"`
	SourceReport    string          `json:"source_report"`
	ReportURL       string          `json:"report_url"`
	SourceReportURL string          `json:"source_report_url"`
	ReportFetchType string          `json:"report_fetch_type"`
	SourceOfData    string          `json:"source_of_data"`
}

// Retrieve downloads the report for a txn_id and upserts it. A vendor failure is
// stored as a FAILED report and returned.
func (s *ReportService) Retrieve(ctx context.Context, in RetrieveReportInput) (*domain.Report, error) {
	txnID := strings.TrimSpace(in.TxnID)
	if txnID == "" {
		return nil, domain.NewValidationError(domain.ContextRetrieveReport, "txn_id is required")
	}
	reportType := strings.TrimSpace(in.ReportType)
	if reportType == "" {
		reportType = defaultReportType
	}
	category := strings.TrimSpace(in.ReportCategory)
	if category == "" {
		category = defaultReportCategory
	}

	consent, err := s.repo.FindConsentByTxnID(ctx, txnID)
	if err != nil && !errors.Is(err, store.ErrConsentNotFound) {
		return nil, fmt.Errorf("load consent: %w", err)
	}

	report := &domain.Report{
		TxnID:      txnID,
		ReportType: strings.ToUpper(reportType),
	}
	if consent != nil {
		report.InternalUserID = optionalString(consent.InternalUserID)
		report.ConsentID = consent.ConsentID
		if consent.RequestID != 0 {
			requestID := consent.RequestID
			report.RequestID = &requestID
		}
	}

	started := s.now()
	raw, err := s.vendor.RetrieveReport(ctx, tspclient.RetrieveReportRequest{
		TxnID:          txnID,
		ReportType:     reportType,
		ReportCategory: category,
	})
	s.metrics.observeVendorCall("retrieve_report", started)
	if err == nil && len(bytes.TrimSpace(raw)) == 0 {
		err = domain.NewServiceError(domain.ContextRetrieveReport, domain.CategoryAAResponseValidation, "invalid response format: empty report", nil)
	}
	if err != nil {
		svcErr := vendorError(domain.ContextRetrieveReport, err)
		refs := ErrorRefs{TxnID: txnID}
		if report.RequestID != nil {
			refs.RequestID = *report.RequestID
		}
		s.recorder.RecordVendorFailure(ctx, svcErr, refs)
		s.storeFailure(ctx, report, svcErr)
		return nil, svcErr
	}

	extracted, err := s.formatter.Extract(raw)
	if err != nil {
		svcErr := domain.NewServiceError(domain.ContextRetrieveReport, domain.CategoryAAResponseValidation, "invalid response format", err)
		s.recorder.Record(ctx, svcErr, ErrorRefs{TxnID: txnID})
		s.storeFailure(ctx, report, svcErr)
		return nil, svcErr
	}

	var env reportEnvelope
	_ = json.Unmarshal(raw, &env)
	var requestID domain.RequestID
	if len(env.RequestID) > 0 && json.Unmarshal(env.RequestID, &requestID) == nil && requestID != 0 {
		id := requestID.Int64()
		report.RequestID = &id
	}
	report.SourceReportURL = optionalString(firstNonEmpty(env.SourceReport, env.ReportURL, env.SourceReportURL))
	report.Metadata = map[string]string{
		"report_category": category,
		"source_of_data":  firstNonEmpty(env.SourceOfData, defaultSourceOfData),
	}
	if env.ReportFetchType != "" {
		report.Metadata["report_fetch_type"] = env.ReportFetchType
	}

	retrievedAt := s.now().UTC()
	report.Status = domain.ReportStatusCompleted
	report.JSONData = raw
	report.Extracted = extracted
	report.RetrievedAt = &retrievedAt

	saved, err := s.repo.UpsertReport(ctx, report)
	if err != nil {
		return nil, fmt.Errorf("store report: %w", err)
	}
	if err := s.repo.MarkConsentReportCompleted(ctx, txnID, domain.ReportStatusCompleted); err != nil {
		s.logger.Error("failed to mark consent report completed", "txn_id", txnID, "error", err)
	}

	s.logger.Info("report retrieved",
		"txn_id", txnID,
		"report_id", saved.ID,
		"accounts", extracted.AccountCount,
		"transactions", extracted.TransactionCount,
	)
	return saved, nil
}

func (s *ReportService) storeFailure(ctx context.Context, report *domain.Report, svcErr *domain.ServiceError) {
	message := svcErr.Error()
	report.Status = domain.ReportStatusFailed
	report.ErrorMessage = &message
	if _, err := s.repo.UpsertReport(ctx, report); err != nil {
		s.logger.Error("failed to store failed report", "txn_id", report.TxnID, "error", err)
	}
}

// GetByTxnID returns the stored report for a transaction.
func (s *ReportService) GetByTxnID(ctx context.Context, txnID string) (*domain.Report, error) {
	txnID = strings.TrimSpace(txnID)
	if txnID == "" {
		return nil, domain.NewValidationError(domain.ContextRetrieveReport, "txn_id is required")
	}
	return s.repo.GetReportByTxnID(ctx, txnID)
}
