/**
 * @description
 * Canonical consent lifecycle vocabulary and the vendor-to-canonical status mapping.
 * Webhook and poll channels both funnel through MapVendorStatus so a given vendor
 * signal always lands on the same canonical value.
 */
package domain

import "strings"

// ConsentStatus is the canonical, internally persisted status of a consent request.
type ConsentStatus string

const (
	ConsentStatusPending    ConsentStatus = "PENDING"
	ConsentStatusActive     ConsentStatus = "ACTIVE"
	ConsentStatusRejected   ConsentStatus = "REJECTED"
	ConsentStatusRevoked    ConsentStatus = "REVOKED"
	ConsentStatusPaused     ConsentStatus = "PAUSED"
	ConsentStatusFailed     ConsentStatus = "FAILED"
	ConsentStatusExpired    ConsentStatus = "EXPIRED"
	ConsentStatusDenied     ConsentStatus = "DENIED"
	ConsentStatusTimeout    ConsentStatus = "TIMEOUT"
	ConsentStatusReady      ConsentStatus = "READY"
	ConsentStatusInProgress ConsentStatus = "IN_PROGRESS"
)

// StatusSource identifies the channel an observed status arrived through.
type StatusSource string

const (
	SourceWebhook StatusSource = "WEBHOOK"
	SourcePoll    StatusSource = "POLL"
)

// WebhookEventType classifies inbound vendor notifications.
type WebhookEventType string

const (
	WebhookEventConsentStatus WebhookEventType = "CONSENT_STATUS"
	WebhookEventTxnStatus     WebhookEventType = "TXN_STATUS"
	WebhookEventBSAStatus     WebhookEventType = "BSA_STATUS"
)

// Report status values stored on consent requests and reports.
const (
	ReportStatusPending   = "PENDING"
	ReportStatusCompleted = "COMPLETED"
	ReportStatusFailed    = "FAILED"
)

var vendorStatusMap = map[string]ConsentStatus{
	"active":          ConsentStatusActive,
	"consentapproved": ConsentStatusActive,
	"rejected":        ConsentStatusRejected,
	"consentrejected": ConsentStatusRejected,
	"revoked":         ConsentStatusRevoked,
	"consentrevoked":  ConsentStatusRevoked,
	"paused":          ConsentStatusPaused,
	"consentpaused":   ConsentStatusPaused,
	"expired":         ConsentStatusExpired,
	"consentexpired":  ConsentStatusExpired,
	"denied":          ConsentStatusDenied,
	"timeout":         ConsentStatusTimeout,
	"failed":          ConsentStatusFailed,
	"ready":           ConsentStatusReady,
	"reportgenerated": ConsentStatusReady,
	"txnprocessing":   ConsentStatusInProgress,
	"in_progress":     ConsentStatusInProgress,
	"pending":         ConsentStatusPending,
}

// MapVendorStatus converts a vendor status string or status-check code into the
// canonical vocabulary. The boolean is false for unrecognised signals.
func MapVendorStatus(raw string) (ConsentStatus, bool) {
	key := strings.ToLower(strings.TrimSpace(raw))
	if key == "" {
		return "", false
	}
	status, ok := vendorStatusMap[key]
	return status, ok
}

// SignalsReportGenerated reports whether a vendor signal means the report is ready.
func SignalsReportGenerated(raw string) bool {
	status, ok := MapVendorStatus(raw)
	return ok && status == ConsentStatusReady
}

// IsNonTerminal is true only for the states that keep a client polling.
func (s ConsentStatus) IsNonTerminal() bool {
	return s == ConsentStatusPending || s == ConsentStatusInProgress
}

// IsApprovalTerminal reports whether the consent-approval phase has ended.
func (s ConsentStatus) IsApprovalTerminal() bool {
	switch s {
	case ConsentStatusActive, ConsentStatusRejected, ConsentStatusRevoked,
		ConsentStatusExpired, ConsentStatusDenied, ConsentStatusTimeout:
		return true
	}
	return false
}

// IsNegative marks outcomes that end or suspend a consent. These always apply.
func (s ConsentStatus) IsNegative() bool {
	switch s {
	case ConsentStatusRejected, ConsentStatusRevoked, ConsentStatusPaused,
		ConsentStatusFailed, ConsentStatusExpired, ConsentStatusDenied, ConsentStatusTimeout:
		return true
	}
	return false
}

// progressStage orders the happy path. -1 means the status is not on it.
func (s ConsentStatus) progressStage() int {
	switch s {
	case ConsentStatusPending:
		return 0
	case ConsentStatusActive:
		return 1
	case ConsentStatusInProgress:
		return 2
	case ConsentStatusReady:
		return 3
	}
	return -1
}

// IsClosed marks negative outcomes that end a consent for good. PAUSED and FAILED
// are not closed: a paused consent can be resumed.
func (s ConsentStatus) IsClosed() bool {
	switch s {
	case ConsentStatusRejected, ConsentStatusRevoked, ConsentStatusExpired,
		ConsentStatusDenied, ConsentStatusTimeout:
		return true
	}
	return false
}

// IsRegressionFrom reports whether moving from current to s would step backwards:
// an earlier stage along PENDING < ACTIVE < IN_PROGRESS < READY, or any stage of
// that chain after the consent was closed.
func (s ConsentStatus) IsRegressionFrom(current ConsentStatus) bool {
	next, prev := s.progressStage(), current.progressStage()
	if next >= 0 && current.IsClosed() {
		return true
	}
	if next < 0 || prev < 0 {
		return false
	}
	return next < prev
}

// IdempotencyKey derives the webhook de-duplication key.
func IdempotencyKey(txnID, status string) string {
	return strings.TrimSpace(txnID) + "_" + strings.TrimSpace(status)
}
