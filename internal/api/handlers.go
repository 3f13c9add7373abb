/**
 * @description
 * HTTP handlers for the aa-service internal API. Handlers decode the request, call
 * the application services and write the JSON envelope; categorisation of failures
 * is done by writeError.
 *
 * @dependencies
 * - internal/app: Consent, reconciliation, FI, report, BSA and token services.
 * - internal/domain: Request and response models.
 */

package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/transfa/aa-service/internal/app"
	"github.com/transfa/aa-service/internal/domain"
)

const maxBodyBytes = 1 << 20

// ConsentAPI is the consent lifecycle surface used by the handlers.
type ConsentAPI interface {
	Initiate(ctx context.Context, in app.InitiateConsentInput) (*domain.ConsentRequest, error)
	Get(ctx context.Context, id string) (*domain.ConsentRequest, error)
	GetByRequestID(ctx context.Context, raw string) (*domain.ConsentRequest, error)
	List(ctx context.Context, opts domain.ConsentListOptions) ([]domain.ConsentRequest, int64, error)
	Recent(ctx context.Context, internalUserID string) (*domain.ConsentRequest, error)
	History(ctx context.Context, id uuid.UUID) ([]domain.TxnStatusHistory, error)
}

// StatusReconciler merges webhook and poll observations.
type StatusReconciler interface {
	HandleConsentWebhook(ctx context.Context, body []byte) (app.WebhookResult, error)
	HandleTxnWebhook(ctx context.Context, body []byte) (app.WebhookResult, error)
	CheckStatus(ctx context.Context, requestID int64) (*app.StatusCheckResult, error)
}

// FIAPI starts FI data sessions.
type FIAPI interface {
	Fetch(ctx context.Context, in app.FIFetchInput) (*app.FIFetchResult, error)
	FetchForTxn(ctx context.Context, txnID string) (*app.FIFetchResult, error)
}

// ReportAPI retrieves and serves reports.
type ReportAPI interface {
	Retrieve(ctx context.Context, in app.RetrieveReportInput) (*domain.Report, error)
	GetByTxnID(ctx context.Context, txnID string) (*domain.Report, error)
}

// BSAAPI runs bank statement analysis.
type BSAAPI interface {
	Analyze(ctx context.Context, reportID string) (*domain.BSARun, error)
	Status(ctx context.Context, trackingID string) (*domain.BSARun, error)
	ListByReport(ctx context.Context, reportID string) ([]domain.BSARun, error)
	HandleWebhook(ctx context.Context, body []byte) (app.WebhookResult, error)
}

// TokenAPI manages the vendor token.
type TokenAPI interface {
	Status(ctx context.Context) (*app.TokenStatus, error)
	Login(ctx context.Context) (*app.TokenStatus, error)
	ForceRefresh(ctx context.Context) (string, error)
}

// Services groups the dependencies of Handler.
type Services struct {
	Consents   ConsentAPI
	Reconciler StatusReconciler
	FI         FIAPI
	Reports    ReportAPI
	BSA        BSAAPI
	Tokens     TokenAPI
}

// Handler holds the application services that handlers will use.
type Handler struct {
	Services
	webhookSecret string
	logger        *slog.Logger
}

// NewHandler creates a new instance of Handler.
func NewHandler(services Services, webhookSecret string, logger *slog.Logger) *Handler {
	return &Handler{
		Services:      services,
		webhookSecret: strings.TrimSpace(webhookSecret),
		logger:        logger.With("component", "api"),
	}
}

// decodeJSON reads a JSON body into dst. An empty body leaves dst untouched.
func decodeJSON(r *http.Request, dst interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil
	}
	return json.Unmarshal(body, dst)
}

// InitiateConsentHandler creates a consent request at the vendor.
func (h *Handler) InitiateConsentHandler(w http.ResponseWriter, r *http.Request) {
	var req app.InitiateConsentInput
	if err := decodeJSON(r, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	consent, err := h.Consents.Initiate(r.Context(), req)
	if err != nil {
		writeError(w, h.logger, "initiate_consent", err)
		return
	}
	writeData(w, http.StatusCreated, consent)
}

type statusCheckRequest struct {
	RequestID domain.RequestID `json:"request_id"`
}

// StatusCheckHandler runs one poll cycle for a consent request.
func (h *Handler) StatusCheckHandler(w http.ResponseWriter, r *http.Request) {
	var req statusCheckRequest
	if err := decodeJSON(r, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, "request_id must be numeric")
		return
	}
	result, err := h.Reconciler.CheckStatus(r.Context(), req.RequestID.Int64())
	if err != nil {
		writeError(w, h.logger, "status_check", err)
		return
	}
	writeData(w, http.StatusOK, result)
}

// ListConsentsHandler lists consent requests with optional filters.
func (h *Handler) ListConsentsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := domain.ConsentListOptions{
		Status:         strings.ToUpper(strings.TrimSpace(q.Get("status"))),
		InternalUserID: strings.TrimSpace(q.Get("internal_user_id")),
	}
	var err error
	if raw := q.Get("limit"); raw != "" {
		if opts.Limit, err = strconv.Atoi(raw); err != nil {
			writeMessage(w, http.StatusBadRequest, "limit must be a number")
			return
		}
	}
	if raw := q.Get("skip"); raw != "" {
		if opts.Skip, err = strconv.Atoi(raw); err != nil {
			writeMessage(w, http.StatusBadRequest, "skip must be a number")
			return
		}
	}

	consents, total, err := h.Consents.List(r.Context(), opts)
	if err != nil {
		writeError(w, h.logger, "list_consents", err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true, Data: consents, Total: &total})
}

// RecentConsentHandler returns the newest consent request.
func (h *Handler) RecentConsentHandler(w http.ResponseWriter, r *http.Request) {
	consent, err := h.Consents.Recent(r.Context(), strings.TrimSpace(r.URL.Query().Get("internal_user_id")))
	if err != nil {
		writeError(w, h.logger, "recent_consent", err)
		return
	}
	writeData(w, http.StatusOK, consent)
}

type consentDetail struct {
	Consent *domain.ConsentRequest    `json:"consent"`
	History []domain.TxnStatusHistory `json:"status_history"`
}

// GetConsentHandler returns a consent request with its status history.
func (h *Handler) GetConsentHandler(w http.ResponseWriter, r *http.Request) {
	consent, err := h.Consents.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, "get_consent", err)
		return
	}
	history, err := h.Consents.History(r.Context(), consent.ID)
	if err != nil {
		writeError(w, h.logger, "get_consent", err)
		return
	}
	writeData(w, http.StatusOK, consentDetail{Consent: consent, History: history})
}

// GetConsentByRequestIDHandler looks a consent up by the vendor request_id.
func (h *Handler) GetConsentByRequestIDHandler(w http.ResponseWriter, r *http.Request) {
	consent, err := h.Consents.GetByRequestID(r.Context(), chi.URLParam(r, "request_id"))
	if err != nil {
		writeError(w, h.logger, "get_consent_by_request_id", err)
		return
	}
	writeData(w, http.StatusOK, consent)
}

// AuthStatusHandler reports the vendor token state.
func (h *Handler) AuthStatusHandler(w http.ResponseWriter, r *http.Request) {
	status, err := h.Tokens.Status(r.Context())
	if err != nil {
		writeError(w, h.logger, "auth_status", err)
		return
	}
	writeData(w, http.StatusOK, status)
}

// AuthLoginHandler forces a fresh vendor login.
func (h *Handler) AuthLoginHandler(w http.ResponseWriter, r *http.Request) {
	status, err := h.Tokens.Login(r.Context())
	if err != nil {
		writeError(w, h.logger, "auth_login", err)
		return
	}
	writeData(w, http.StatusOK, status)
}

// AuthRefreshHandler refreshes the vendor token.
func (h *Handler) AuthRefreshHandler(w http.ResponseWriter, r *http.Request) {
	if _, err := h.Tokens.ForceRefresh(r.Context()); err != nil {
		writeError(w, h.logger, "auth_refresh", err)
		return
	}
	status, err := h.Tokens.Status(r.Context())
	if err != nil {
		writeError(w, h.logger, "auth_refresh", err)
		return
	}
	writeData(w, http.StatusOK, status)
}
