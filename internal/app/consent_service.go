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
	"github.com/transfa/aa-service/pkg/tspclient"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// ConsentGenerator creates consent requests at the vendor.
type ConsentGenerator interface {
	GenerateConsent(ctx context.Context, payload tspclient.GenerateConsentRequest) (*tspclient.GenerateConsentResponse, error)
}

// ConsentDefaults are the deployment-level values merged into every consent request.
type ConsentDefaults struct {
	AAID               string
	TxnCallbackURL     string
	ConsentCallbackURL string
}

// InitiateConsentInput is the caller's consent request. Only internal_user_id and
// mobile are required; everything else has a default.
type InitiateConsentInput struct {
	InternalUserID     string   `json:"internal_user_id" validate:"required,notblank"`
	Mobile             string   `json:"mobile" validate:"required,mobile"`
	Email              string   `json:"email,omitempty" validate:"omitempty,email"`
	PAN                string   `json:"pan,omitempty" validate:"omitempty,pan"`
	DateOfBirth        string   `json:"date_of_birth,omitempty" validate:"omitempty,datetime=2006-01-02"`
	FITypes            []string `json:"fi_types,omitempty" validate:"omitempty,dive,oneof=DEPOSIT TERM_DEPOSIT RECURRING_DEPOSIT MUTUAL_FUNDS EQUITY INSURANCE EPFO GST ITR"`
	DeliveryMode       []string `json:"delivery_mode,omitempty" validate:"omitempty,dive,oneof=SMS EMAIL WHATSAPP"`
	ConsentStartDate   string   `json:"consent_start_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	ConsentExpiryDate  string   `json:"consent_expiry_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	FIDataRangeUnit    string   `json:"fi_datarange_unit,omitempty" validate:"omitempty,oneof=DAY MONTH YEAR"`
	FIDataRangeValue   int      `json:"fi_datarange_value,omitempty" validate:"omitempty,min=1"`
	FIDataRangeFrom    string   `json:"fi_datarange_from,omitempty" validate:"omitempty,datetime=2006-01-02"`
	FIDataRangeTo      string   `json:"fi_datarange_to,omitempty" validate:"omitempty,datetime=2006-01-02"`
	PurposeCode        string   `json:"purpose_code,omitempty"`
	ConsentMode        string   `json:"consent_mode,omitempty" validate:"omitempty,oneof=VIEW STORE QUERY STREAM"`
	ConsentTypes       []string `json:"consent_types,omitempty" validate:"omitempty,dive,oneof=PROFILE SUMMARY TRANSACTIONS"`
	FetchType          string   `json:"fetch_type,omitempty" validate:"omitempty,oneof=ONETIME PERIODIC"`
	AAID               []string `json:"aa_id,omitempty"`
	FairUseID          string   `json:"fair_use_id,omitempty"`
	TxnCallbackURL     string   `json:"txn_callback_url,omitempty" validate:"omitempty,url"`
	ConsentCallbackURL string   `json:"consent_callback_url,omitempty" validate:"omitempty,url"`
}

// ConsentService creates consent requests and serves their stored state.
type ConsentService struct {
	repo     store.Repository
	vendor   ConsentGenerator
	defaults ConsentDefaults
	recorder *ErrorRecorder
	metrics  *Metrics
	logger   *slog.Logger
	now      func() time.Time
}

func NewConsentService(repo store.Repository, vendor ConsentGenerator, defaults ConsentDefaults, recorder *ErrorRecorder, metrics *Metrics, logger *slog.Logger) *ConsentService {
	return &ConsentService{
		repo:     repo,
		vendor:   vendor,
		defaults: defaults,
		recorder: recorder,
		metrics:  metrics,
		logger:   logger.With("component", "consent_service"),
		now:      time.Now,
	}
}

// Initiate validates the input, asks the vendor for a consent and stores the new
// request as PENDING.
func (s *ConsentService) Initiate(ctx context.Context, in InitiateConsentInput) (*domain.ConsentRequest, error) {
	in.InternalUserID = strings.TrimSpace(in.InternalUserID)
	in.Mobile = strings.TrimSpace(in.Mobile)
	in.Email = strings.TrimSpace(in.Email)
	in.PAN = strings.ToUpper(strings.TrimSpace(in.PAN))
	if msg := validateStruct(in); msg != "" {
		svcErr := domain.NewValidationError(domain.ContextConsent, msg)
		s.recorder.Record(ctx, svcErr, ErrorRefs{})
		return nil, svcErr
	}

	payload, grant, err := buildConsentPayload(in, s.defaults, s.now())
	if err != nil {
		svcErr := domain.NewValidationError(domain.ContextConsent, err.Error())
		s.recorder.Record(ctx, svcErr, ErrorRefs{})
		return nil, svcErr
	}

	started := s.now()
	resp, err := s.vendor.GenerateConsent(ctx, payload)
	s.metrics.observeVendorCall("generate_consent", started)
	if err != nil {
		svcErr := vendorError(domain.ContextConsent, err)
		s.recorder.RecordVendorFailure(ctx, svcErr, ErrorRefs{Details: map[string]string{"internal_user_id": in.InternalUserID}})
		return nil, svcErr
	}

	var requestID domain.RequestID
	if len(resp.RequestID) > 0 {
		if err := json.Unmarshal(resp.RequestID, &requestID); err != nil {
			requestID = 0
		}
	}
	txnID := firstJSONString(resp.TxnID)
	handle := strings.TrimSpace(resp.ConsentHandle)
	if requestID <= 0 || txnID == "" || handle == "" {
		svcErr := domain.NewServiceError(domain.ContextConsent, domain.CategoryAAResponseValidation,
			"invalid response format: request_id, txn_id and consent_handle are required", nil)
		s.recorder.Record(ctx, svcErr, ErrorRefs{TxnID: txnID, RequestID: requestID.Int64(), Details: resp.Raw})
		return nil, svcErr
	}

	consent := &domain.ConsentRequest{
		InternalUserID: in.InternalUserID,
		RequestID:      requestID.Int64(),
		TxnID:          txnID,
		ConsentHandle:  handle,
		Status:         domain.ConsentStatusPending,
		ReportStatus:   domain.ReportStatusPending,
		Mobile:         in.Mobile,
		Email:          optionalString(in.Email),
		PAN:            optionalString(in.PAN),
		FITypes:        payload.ConsentDetails[0].FITypes,
		FIDataFrom:     &grant.fiFrom,
		FIDataTo:       &grant.fiTo,
		ConsentStart:   &grant.start,
		ConsentExpiry:  &grant.expiry,
		RedirectURL:    optionalString(resp.URL),
		VUA:            optionalString(resp.VUA),
		VendorResponse: resp.Raw,
	}
	if err := s.repo.CreateConsentRequest(ctx, consent); err != nil {
		return nil, fmt.Errorf("store consent request: %w", err)
	}

	s.logger.Info("consent request created",
		"consent_request_id", consent.ID,
		"internal_user_id", consent.InternalUserID,
		"request_id", consent.RequestID,
		"txn_id", consent.TxnID,
	)
	return consent, nil
}

// Get loads a consent request by its internal id.
func (s *ConsentService) Get(ctx context.Context, id string) (*domain.ConsentRequest, error) {
	parsed, err := uuid.Parse(strings.TrimSpace(id))
	if err != nil {
		return nil, domain.NewValidationError(domain.ContextConsent, "id must be a valid UUID")
	}
	return s.repo.GetConsentRequestByID(ctx, parsed)
}

// GetByRequestID loads a consent request by the vendor request_id, accepting any
// of its textual forms.
func (s *ConsentService) GetByRequestID(ctx context.Context, raw string) (*domain.ConsentRequest, error) {
	requestID, err := domain.NormalizeRequestID(raw)
	if err != nil || requestID <= 0 {
		return nil, domain.NewValidationError(domain.ContextConsent, "request_id must be numeric")
	}
	return s.repo.FindConsentByRequestID(ctx, requestID)
}

// List returns a page of consent requests and the total matching the filters.
func (s *ConsentService) List(ctx context.Context, opts domain.ConsentListOptions) ([]domain.ConsentRequest, int64, error) {
	if opts.Limit <= 0 {
		opts.Limit = defaultListLimit
	}
	if opts.Limit > maxListLimit {
		opts.Limit = maxListLimit
	}
	if opts.Skip < 0 {
		opts.Skip = 0
	}
	return s.repo.ListConsentRequests(ctx, opts)
}

// Recent returns the newest consent request, optionally for one user.
func (s *ConsentService) Recent(ctx context.Context, internalUserID string) (*domain.ConsentRequest, error) {
	consents, _, err := s.repo.ListConsentRequests(ctx, domain.ConsentListOptions{
		InternalUserID: internalUserID,
		Limit:          1,
	})
	if err != nil {
		return nil, err
	}
	if len(consents) == 0 {
		return nil, store.ErrConsentNotFound
	}
	return &consents[0], nil
}

// History returns the status transitions recorded for a consent request.
func (s *ConsentService) History(ctx context.Context, id uuid.UUID) ([]domain.TxnStatusHistory, error) {
	return s.repo.ListStatusHistory(ctx, id)
}

// consentGrant is the validity window and FI range asked for in a consent request.
type consentGrant struct {
	start  time.Time
	expiry time.Time
	fiFrom time.Time
	fiTo   time.Time
}

// buildConsentPayload fills the vendor payload from input and defaults. The
// frequency and data life values are fixed; the vendor's fair-use checks reject
// other combinations.
func buildConsentPayload(in InitiateConsentInput, defaults ConsentDefaults, now time.Time) (tspclient.GenerateConsentRequest, consentGrant, error) {
	today := dateOnly(now)
	var grant consentGrant
	var err error

	if grant.start, err = dateOr(in.ConsentStartDate, today); err != nil {
		return tspclient.GenerateConsentRequest{}, grant, err
	}
	if grant.expiry, err = dateOr(in.ConsentExpiryDate, grant.start.AddDate(1, 0, 0)); err != nil {
		return tspclient.GenerateConsentRequest{}, grant, err
	}
	if !grant.start.Before(grant.expiry) {
		return tspclient.GenerateConsentRequest{}, grant, errors.New("consent_expiry_date must be after consent_start_date")
	}

	rangeUnit := firstNonEmpty(in.FIDataRangeUnit, "MONTH")
	rangeValue := in.FIDataRangeValue
	if rangeValue <= 0 {
		rangeValue = defaultFIMonths
	}
	defaultFrom := today.AddDate(0, -rangeValue, 0)
	switch rangeUnit {
	case "YEAR":
		defaultFrom = today.AddDate(-rangeValue, 0, 0)
	case "DAY":
		defaultFrom = today.AddDate(0, 0, -rangeValue)
	}
	if grant.fiFrom, err = dateOr(in.FIDataRangeFrom, defaultFrom); err != nil {
		return tspclient.GenerateConsentRequest{}, grant, err
	}
	if grant.fiTo, err = dateOr(in.FIDataRangeTo, today); err != nil {
		return tspclient.GenerateConsentRequest{}, grant, err
	}
	if !grant.fiFrom.Before(grant.fiTo) {
		return tspclient.GenerateConsentRequest{}, grant, errors.New("fi_datarange_from must be before fi_datarange_to")
	}

	fiTypes := in.FITypes
	if len(fiTypes) == 0 {
		fiTypes = []string{"DEPOSIT"}
	}
	consentTypes := in.ConsentTypes
	if len(consentTypes) == 0 {
		consentTypes = []string{"PROFILE", "SUMMARY", "TRANSACTIONS"}
	}
	aaIDs := in.AAID
	if len(aaIDs) == 0 && defaults.AAID != "" {
		aaIDs = []string{defaults.AAID}
	}

	payload := tspclient.GenerateConsentRequest{
		CustomerDetails: tspclient.CustomerDetails{
			MobileNumber: in.Mobile,
			Email:        in.Email,
			DateOfBirth:  in.DateOfBirth,
			PANNumber:    in.PAN,
		},
		ConsentDetails: []tspclient.ConsentDetail{{
			ConsentStart:     grant.start.Format(fiDateLayout),
			ConsentExpiry:    grant.expiry.Format(fiDateLayout),
			ConsentMode:      firstNonEmpty(in.ConsentMode, "STORE"),
			ConsentTypes:     consentTypes,
			FetchType:        firstNonEmpty(in.FetchType, "PERIODIC"),
			FITypes:          fiTypes,
			PurposeCode:      firstNonEmpty(in.PurposeCode, "102"),
			FIDataRangeUnit:  rangeUnit,
			FIDataRangeValue: rangeValue,
			FIDataRangeFrom:  grant.fiFrom.Format(fiDateLayout),
			FIDataRangeTo:    grant.fiTo.Format(fiDateLayout),
			DataLifeUnit:     "DAY",
			DataLifeValue:    1,
			FrequencyUnit:    "MONTH",
			FrequencyValue:   4,
			FairUseID:        strings.TrimSpace(in.FairUseID),
		}},
		AAID:               aaIDs,
		DeliveryMode:       in.DeliveryMode,
		TxnCallbackURL:     firstNonEmpty(in.TxnCallbackURL, defaults.TxnCallbackURL),
		ConsentCallbackURL: firstNonEmpty(in.ConsentCallbackURL, defaults.ConsentCallbackURL),
	}
	return payload, grant, nil
}

func dateOr(raw string, fallback time.Time) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	t, err := time.Parse(fiDateLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is not a YYYY-MM-DD date", raw)
	}
	return t, nil
}

// firstJSONString reads a string, a number or the first element of an array.
func firstJSONString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ""
	}
	if raw[0] == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal(raw, &list); err != nil || len(list) == 0 {
			return ""
		}
		return firstJSONString(list[0])
	}
	var s flexString
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return string(s)
}
