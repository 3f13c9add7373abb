package domain

import (
	"time"

	"github.com/google/uuid"
)

// Exchange and routing keys used on the message bus.
const (
	EventsExchange = "aa.events"

	RoutingKeyTriggerFIFetch        = "aa.trigger.fi_fetch"
	RoutingKeyTriggerReportRetrieve = "aa.trigger.report_retrieve"
	RoutingKeyConsentStatusChanged  = "aa.consent.status_changed"
	RoutingKeyBSAStatusChanged      = "aa.bsa.status_changed"
)

// TriggerKind names a downstream action fired by reconciliation.
type TriggerKind string

const (
	TriggerFIFetch        TriggerKind = "FI_FETCH"
	TriggerReportRetrieve TriggerKind = "REPORT_RETRIEVE"
)

// TriggerMessage asks a worker to run one downstream action for a consent.
type TriggerMessage struct {
	Kind             TriggerKind `json:"kind"`
	ConsentRequestID uuid.UUID   `json:"consent_request_id"`
	ConsentID        string      `json:"consent_id,omitempty"`
	TxnID            string      `json:"txn_id,omitempty"`
	InternalUserID   string      `json:"internal_user_id,omitempty"`
	RequestedAt      time.Time   `json:"requested_at"`
}

// ConsentStatusChangedEvent is published whenever a consent's canonical status moves.
type ConsentStatusChangedEvent struct {
	ConsentRequestID uuid.UUID     `json:"consent_request_id"`
	InternalUserID   string        `json:"internal_user_id"`
	TxnID            string        `json:"txn_id"`
	RequestID        int64         `json:"request_id"`
	PreviousStatus   ConsentStatus `json:"previous_status"`
	Status           ConsentStatus `json:"status"`
	Source           StatusSource  `json:"source"`
	ReportGenerated  bool          `json:"report_generated"`
	OccurredAt       time.Time     `json:"occurred_at"`
}

// BSAStatusChangedEvent is published when a BSA run changes status.
type BSAStatusChangedEvent struct {
	TrackingID string    `json:"tracking_id"`
	ReportID   uuid.UUID `json:"report_id"`
	Status     BSAStatus `json:"status"`
	OccurredAt time.Time `json:"occurred_at"`
}
