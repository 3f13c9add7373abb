package domain

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Report holds the vendor financial document for one txn_id plus extracted summaries.
type Report struct {
	ID              uuid.UUID         `json:"id"`
	TxnID           string            `json:"txn_id"`
	InternalUserID  *string           `json:"internal_user_id,omitempty"`
	RequestID       *int64            `json:"request_id,omitempty"`
	ConsentID       *string           `json:"consent_id,omitempty"`
	ReportType      string            `json:"report_type"`
	Status          string            `json:"status"`
	JSONData        json.RawMessage   `json:"json_data,omitempty"`
	Extracted       *ExtractedReport  `json:"extracted,omitempty"`
	SourceReportURL *string           `json:"source_report_url,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	ErrorMessage    *string           `json:"error_message,omitempty"`
	RetrievedAt     *time.Time        `json:"retrieved_at,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// ExtractedReport is the normalized shape produced by the report formatter.
type ExtractedReport struct {
	Accounts         []ExtractedAccount     `json:"accounts"`
	Transactions     []ExtractedTransaction `json:"transactions"`
	AccountCount     int                    `json:"account_count"`
	TransactionCount int                    `json:"transaction_count"`
}

// ExtractedAccount summarises one linked account.
type ExtractedAccount struct {
	FIPID         string          `json:"fip_id"`
	AccountNumber string          `json:"account_number,omitempty"`
	LinkRefNumber string          `json:"link_ref_number,omitempty"`
	AccountType   string          `json:"account_type,omitempty"`
	IFSC          string          `json:"ifsc,omitempty"`
	Balance       decimal.Decimal `json:"balance"`
	Currency      string          `json:"currency"`
	HolderName    string          `json:"holder_name,omitempty"`
	SourceURL     string          `json:"source_url,omitempty"`
}

// ExtractedTransaction is one statement line.
type ExtractedTransaction struct {
	FIPID         string          `json:"fip_id"`
	AccountNumber string          `json:"account_number,omitempty"`
	Date          string          `json:"date,omitempty"`
	ValueDate     string          `json:"value_date,omitempty"`
	TxnID         string          `json:"txn_id,omitempty"`
	Narration     string          `json:"narration,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Type          string          `json:"type"`
	Balance       decimal.Decimal `json:"balance"`
	Mode          string          `json:"mode,omitempty"`
	Reference     string          `json:"reference,omitempty"`
}

// BSAStatus tracks a vendor bank-statement analysis run.
type BSAStatus string

const (
	BSAStatusInitiated        BSAStatus = "INITIATED"
	BSAStatusInProgress       BSAStatus = "IN_PROGRESS"
	BSAStatusCompleted        BSAStatus = "COMPLETED"
	BSAStatusFailed           BSAStatus = "FAILED"
	BSAStatusErrored          BSAStatus = "ERRORED"
	BSAStatusFetchErrored     BSAStatus = "FETCH_ERRORED"
	BSAStatusPurged           BSAStatus = "PURGED"
	BSAStatusInitiationFailed BSAStatus = "INITIATION_FAILED"
)

// NormalizeBSAStatus maps a vendor BSA status; anything unrecognised is IN_PROGRESS.
func NormalizeBSAStatus(raw string) BSAStatus {
	status := BSAStatus(strings.ToUpper(strings.TrimSpace(raw)))
	switch status {
	case BSAStatusInitiated, BSAStatusInProgress, BSAStatusCompleted, BSAStatusFailed,
		BSAStatusErrored, BSAStatusFetchErrored, BSAStatusPurged, BSAStatusInitiationFailed:
		return status
	}
	return BSAStatusInProgress
}

// TerminalBSAStatuses are the run states the vendor will not change any further.
var TerminalBSAStatuses = []BSAStatus{
	BSAStatusCompleted, BSAStatusFailed, BSAStatusErrored, BSAStatusFetchErrored,
	BSAStatusPurged, BSAStatusInitiationFailed,
}

// IsTerminal reports whether the vendor will not change the run any further.
func (s BSAStatus) IsTerminal() bool {
	for _, terminal := range TerminalBSAStatuses {
		if s == terminal {
			return true
		}
	}
	return false
}

// BSARun is one analysis attempt over a stored report.
type BSARun struct {
	ID           uuid.UUID       `json:"id"`
	TrackingID   string          `json:"tracking_id"`
	ReportID     uuid.UUID       `json:"report_id"`
	TxnID        string          `json:"txn_id"`
	Status       BSAStatus       `json:"status"`
	JSONDocsURL  *string         `json:"json_docs_url,omitempty"`
	XLSXDocsURL  *string         `json:"xlsx_docs_url,omitempty"`
	WebhookURL   *string         `json:"webhook_url,omitempty"`
	LastResponse json.RawMessage `json:"last_response,omitempty"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}
