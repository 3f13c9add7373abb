package app

import (
	"context"
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
	fiDateLayout    = "2006-01-02"
	maxFIRangeDays  = 730
	defaultFIMonths = 6
)

// DataRequester starts FI data sessions with the vendor.
type DataRequester interface {
	RequestData(ctx context.Context, payload tspclient.DataRequest) (*tspclient.DataResponse, error)
}

// FIFetchInput asks for financial information under a granted consent. Dates are
// YYYY-MM-DD and default to the consent's granted range.
type FIFetchInput struct {
	ConsentID string `json:"consent_id"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
}

// FIFetchResult identifies the started FI session.
type FIFetchResult struct {
	ConsentRequestID string `json:"consent_request_id"`
	ConsentID        string `json:"consent_id"`
	TxnID            string `json:"txn_id"`
	SessionID        string `json:"session_id"`
	From             string `json:"from"`
	To               string `json:"to"`
}

// FIService issues FI data requests for ACTIVE consents.
type FIService struct {
	repo        store.Repository
	vendor      DataRequester
	callbackURL string
	recorder    *ErrorRecorder
	metrics     *Metrics
	logger      *slog.Logger
	now         func() time.Time
}

func NewFIService(repo store.Repository, vendor DataRequester, callbackURL string, recorder *ErrorRecorder, metrics *Metrics, logger *slog.Logger) *FIService {
	return &FIService{
		repo:        repo,
		vendor:      vendor,
		callbackURL: strings.TrimSpace(callbackURL),
		recorder:    recorder,
		metrics:     metrics,
		logger:      logger.With("component", "fi_service"),
		now:         time.Now,
	}
}

// Fetch validates the date range against the consent and starts an FI session.
func (s *FIService) Fetch(ctx context.Context, in FIFetchInput) (*FIFetchResult, error) {
	consentID := strings.TrimSpace(in.ConsentID)
	if consentID == "" {
		return nil, domain.NewValidationError(domain.ContextFIRequest, "consent_id is required")
	}

	consent, err := s.repo.FindConsentByConsentID(ctx, consentID)
	if err != nil {
		if errors.Is(err, store.ErrConsentNotFound) {
			svcErr := domain.NewConsentIssue(domain.ContextFIRequest, "consent details not found")
			s.recorder.Record(ctx, svcErr, ErrorRefs{Details: map[string]string{"consent_id": consentID}})
			return nil, svcErr
		}
		return nil, fmt.Errorf("load consent: %w", err)
	}
	return s.fetch(ctx, consent, consentID, in.From, in.To)
}

// FetchForTxn starts an FI session for the consent behind a consent txn_id, using
// the default date range.
func (s *FIService) FetchForTxn(ctx context.Context, txnID string) (*FIFetchResult, error) {
	txnID = strings.TrimSpace(txnID)
	if txnID == "" {
		return nil, domain.NewValidationError(domain.ContextFIRequest, "txn_id is required")
	}
	consent, err := s.repo.FindConsentByTxnID(ctx, txnID)
	if err != nil {
		if errors.Is(err, store.ErrConsentNotFound) {
			return nil, domain.NewConsentIssue(domain.ContextFIRequest, "consent request not found")
		}
		return nil, fmt.Errorf("load consent: %w", err)
	}
	if consent.ConsentID == nil || *consent.ConsentID == "" {
		svcErr := domain.NewConsentIssue(domain.ContextFIRequest, "consent details not found")
		s.recorder.Record(ctx, svcErr, ErrorRefs{TxnID: txnID, RequestID: consent.RequestID})
		return nil, svcErr
	}
	return s.fetch(ctx, consent, *consent.ConsentID, "", "")
}

func (s *FIService) fetch(ctx context.Context, consent *domain.ConsentRequest, consentID, fromRaw, toRaw string) (*FIFetchResult, error) {
	refs := ErrorRefs{TxnID: consent.TxnID, RequestID: consent.RequestID}

	if consent.Status != domain.ConsentStatusActive {
		svcErr := domain.NewConsentIssue(domain.ContextFIRequest, fmt.Sprintf("consent is not active (status %s)", consent.Status))
		s.recorder.Record(ctx, svcErr, refs)
		return nil, svcErr
	}

	from, to, err := resolveFIDateRange(consent, fromRaw, toRaw, s.now())
	if err != nil {
		svcErr := domain.NewValidationError(domain.ContextFIRequest, err.Error())
		s.recorder.Record(ctx, svcErr, refs)
		return nil, svcErr
	}

	started := s.now()
	resp, err := s.vendor.RequestData(ctx, tspclient.DataRequest{
		ConsentID:      consentID,
		From:           from.Format(fiDateLayout),
		To:             to.Format(fiDateLayout),
		TxnCallbackURL: s.callbackURL,
	})
	s.metrics.observeVendorCall("fi_request", started)
	if err != nil {
		svcErr := vendorError(domain.ContextFIRequest, err)
		s.recorder.RecordVendorFailure(ctx, svcErr, refs)
		return nil, svcErr
	}
	if resp.SessionID == "" && resp.TxnID == "" {
		svcErr := domain.NewServiceError(domain.ContextFIRequest, domain.CategoryAAResponseValidation, "invalid response from aa: missing sessionId and txnid", nil)
		s.recorder.Record(ctx, svcErr, refs)
		return nil, svcErr
	}

	err = s.repo.RecordFIRequestResult(ctx, store.FIRequestResult{
		ConsentRequestID: consent.ID,
		SessionID:        resp.SessionID,
		FITxnID:          resp.TxnID,
		InitiatedAt:      s.now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("record fi request: %w", err)
	}

	s.logger.Info("fi request started",
		"consent_request_id", consent.ID,
		"txn_id", consent.TxnID,
		"fi_txn_id", resp.TxnID,
		"session_id", resp.SessionID,
	)
	return &FIFetchResult{
		ConsentRequestID: consent.ID.String(),
		ConsentID:        consentID,
		TxnID:            resp.TxnID,
		SessionID:        resp.SessionID,
		From:             from.Format(fiDateLayout),
		To:               to.Format(fiDateLayout),
	}, nil
}

// resolveFIDateRange applies defaults and validates a requested FI range. The
// granted range is the consent's FI data range, falling back to its validity window.
func resolveFIDateRange(consent *domain.ConsentRequest, fromRaw, toRaw string, now time.Time) (time.Time, time.Time, error) {
	today := dateOnly(now)

	var lower, upper *time.Time
	if t := firstTime(consent.FIDataFrom, consent.ConsentStart); t != nil {
		d := dateOnly(*t)
		lower = &d
	}
	if t := firstTime(consent.FIDataTo, consent.ConsentExpiry); t != nil {
		d := dateOnly(*t)
		upper = &d
	}

	from := today.AddDate(0, -defaultFIMonths, 0)
	if lower != nil {
		from = *lower
	}
	to := today
	if upper != nil && upper.Before(today) {
		to = *upper
	}

	var err error
	if strings.TrimSpace(fromRaw) != "" {
		if from, err = time.Parse(fiDateLayout, strings.TrimSpace(fromRaw)); err != nil {
			return time.Time{}, time.Time{}, errors.New("from must be a YYYY-MM-DD date")
		}
	}
	if strings.TrimSpace(toRaw) != "" {
		if to, err = time.Parse(fiDateLayout, strings.TrimSpace(toRaw)); err != nil {
			return time.Time{}, time.Time{}, errors.New("to must be a YYYY-MM-DD date")
		}
	}
	if strings.TrimSpace(fromRaw) == "" && to.Sub(from) > maxFIRangeDays*24*time.Hour {
		from = to.AddDate(0, 0, -maxFIRangeDays)
	}

	switch {
	case !from.Before(to):
		return time.Time{}, time.Time{}, errors.New("from date must be before to date")
	case from.After(today) || to.After(today):
		return time.Time{}, time.Time{}, errors.New("date range cannot be in the future")
	case to.Sub(from) > maxFIRangeDays*24*time.Hour:
		return time.Time{}, time.Time{}, errors.New("date range cannot exceed 2 years")
	case lower != nil && from.Before(*lower):
		return time.Time{}, time.Time{}, fmt.Errorf("from date is before the consent's granted range (%s)", lower.Format(fiDateLayout))
	case upper != nil && to.After(*upper):
		return time.Time{}, time.Time{}, fmt.Errorf("to date is after the consent's granted range (%s)", upper.Format(fiDateLayout))
	}
	return from, to, nil
}

func dateOnly(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func firstTime(values ...*time.Time) *time.Time {
	for _, v := range values {
		if v != nil && !v.IsZero() {
			return v
		}
	}
	return nil
}
