/**
 * @description
 * Persisted entities of the consent lifecycle: consent requests, the webhook event
 * log, the status history trail and the singleton vendor token.
 */
package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ConsentRequest is one consent negotiation with the TSP.
type ConsentRequest struct {
	ID                       uuid.UUID       `json:"id"`
	InternalUserID           string          `json:"internal_user_id"`
	RequestID                int64           `json:"request_id"`
	TxnID                    string          `json:"txn_id"`
	ConsentHandle            string          `json:"consent_handle"`
	ConsentID                *string         `json:"consent_id"`
	Status                   ConsentStatus   `json:"status"`
	ReportGenerated          bool            `json:"report_generated"`
	ReportStatus             string          `json:"report_status"`
	FIRequestInitiated       bool            `json:"fi_request_initiated"`
	FIRequestInitiatedAt     *time.Time      `json:"fi_request_initiated_at,omitempty"`
	ReportRetrievalStarted   bool            `json:"report_retrieval_started"`
	ReportRetrievalStartedAt *time.Time      `json:"report_retrieval_started_at,omitempty"`
	FISessionID              *string         `json:"fi_session_id,omitempty"`
	FITxnID                  *string         `json:"fi_txn_id,omitempty"`
	LastWebhookReceivedAt    *time.Time      `json:"last_webhook_received_at,omitempty"`
	Mobile                   string          `json:"mobile"`
	Email                    *string         `json:"email,omitempty"`
	PAN                      *string         `json:"pan,omitempty"`
	FITypes                  []string        `json:"fi_types"`
	FIDataFrom               *time.Time      `json:"fi_data_from,omitempty"`
	FIDataTo                 *time.Time      `json:"fi_data_to,omitempty"`
	ConsentStart             *time.Time      `json:"consent_start,omitempty"`
	ConsentExpiry            *time.Time      `json:"consent_expiry,omitempty"`
	RedirectURL              *string         `json:"redirect_url,omitempty"`
	VUA                      *string         `json:"vua,omitempty"`
	VendorResponse           json.RawMessage `json:"vendor_response,omitempty"`
	Version                  int64           `json:"-"`
	CreatedAt                time.Time       `json:"created_at"`
	UpdatedAt                time.Time       `json:"updated_at"`
}

// State projects the fields the reconciler reduces over.
func (c *ConsentRequest) State() ConsentState {
	state := ConsentState{
		Status:                 c.Status,
		ReportGenerated:        c.ReportGenerated,
		ReportStatus:           c.ReportStatus,
		FIRequestInitiated:     c.FIRequestInitiated,
		ReportRetrievalStarted: c.ReportRetrievalStarted,
		TxnID:                  c.TxnID,
	}
	if c.ConsentID != nil {
		state.ConsentID = *c.ConsentID
	}
	return state
}

// ConsentState is the mutable slice of a ConsentRequest touched by reconciliation.
type ConsentState struct {
	Status                 ConsentStatus
	ConsentID              string
	ReportGenerated        bool
	ReportStatus           string
	FIRequestInitiated     bool
	ReportRetrievalStarted bool
	TxnID                  string
}

// ConsentListOptions filters consent listings.
type ConsentListOptions struct {
	Status         string
	InternalUserID string
	Limit          int
	Skip           int
}

// WebhookEvent is an append-only record of one inbound vendor notification.
type WebhookEvent struct {
	ID              uuid.UUID        `json:"id"`
	EventType       WebhookEventType `json:"event_type"`
	TxnID           *string          `json:"txn_id,omitempty"`
	ConsentHandle   *string          `json:"consent_handle,omitempty"`
	RequestID       *int64           `json:"request_id,omitempty"`
	TrackingID      *string          `json:"tracking_id,omitempty"`
	Status          *string          `json:"status,omitempty"`
	IdempotencyKey  *string          `json:"idempotency_key,omitempty"`
	Payload         json.RawMessage  `json:"payload"`
	Processed       bool             `json:"processed"`
	Duplicate       bool             `json:"duplicate"`
	ProcessedAt     *time.Time       `json:"processed_at,omitempty"`
	ProcessingError *string          `json:"processing_error,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
}

// TxnStatusHistory is one observed status transition.
type TxnStatusHistory struct {
	ID               uuid.UUID       `json:"id"`
	ConsentRequestID uuid.UUID       `json:"consent_request_id"`
	TxnID            string          `json:"txn_id"`
	PreviousStatus   ConsentStatus   `json:"previous_status"`
	Status           ConsentStatus   `json:"status"`
	RawStatus        string          `json:"raw_status"`
	Source           StatusSource    `json:"source"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// TSPToken is a vendor access/refresh token pair. Exactly one row is active.
type TSPToken struct {
	ID           uuid.UUID `json:"id"`
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	TokenType    string    `json:"token_type"`
	FIUID        *string   `json:"fiu_id,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
}

// ExpiresWithin reports whether the token expires inside the given window of now.
func (t *TSPToken) ExpiresWithin(now time.Time, window time.Duration) bool {
	return !t.ExpiresAt.After(now.Add(window))
}

// ErrorLog is a categorised failure record.
type ErrorLog struct {
	ID               uuid.UUID       `json:"id"`
	Context          ErrorContext    `json:"context"`
	Category         ErrorCategory   `json:"error_category"`
	Message          string          `json:"error_message"`
	HTTPStatus       *int            `json:"http_status_code,omitempty"`
	RetryRecommended bool            `json:"retry_recommended"`
	TxnID            *string         `json:"txn_id,omitempty"`
	RequestID        *int64          `json:"request_id,omitempty"`
	TrackingID       *string         `json:"tracking_id,omitempty"`
	Details          json.RawMessage `json:"details,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}
