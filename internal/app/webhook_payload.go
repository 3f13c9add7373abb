package app

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/transfa/aa-service/internal/domain"
)

// flexString accepts a JSON string or number. Any other shape reads as empty.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		*f = ""
		return nil
	}
	*f = flexString(n.String())
	return nil
}

// flexBool accepts true, "true", 1 and "1".
type flexBool bool

func (f *flexBool) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(strings.TrimSpace(string(data)), `"`)
	parsed, err := strconv.ParseBool(strings.ToLower(raw))
	if err != nil {
		*f = false
		return nil
	}
	*f = flexBool(parsed)
	return nil
}

type webhookFields struct {
	TxnID           flexString      `json:"txn_id"`
	TxnIDAlt        flexString      `json:"txnid"`
	ConsentHandle   flexString      `json:"consent_handle"`
	RequestID       json.RawMessage `json:"request_id"`
	ConsentStatus   flexString      `json:"consent_status"`
	Status          flexString      `json:"status"`
	ConsentID       flexString      `json:"consent_id"`
	ReportGenerated flexBool        `json:"report_generated"`
	TrackingID      flexString      `json:"tracking_id"`
	JSONDocsURL     flexString      `json:"json_docs_url"`
	XLSXDocsURL     flexString      `json:"xlsx_docs_url"`
}

type webhookEnvelope struct {
	webhookFields
	Data *webhookFields `json:"data"`
}

// WebhookNotification is a vendor notification with fields read from the top level
// or, when absent there, from the nested data object.
type WebhookNotification struct {
	TxnID           string
	ConsentHandle   string
	RequestID       int64
	Status          string
	ConsentID       string
	ReportGenerated bool
	TrackingID      string
	JSONDocsURL     string
	XLSXDocsURL     string
}

// ParseWebhookNotification extracts the identifiers and status from a webhook body.
// Malformed identifiers are dropped rather than failing the whole notification.
func ParseWebhookNotification(body []byte) (WebhookNotification, error) {
	var env webhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return WebhookNotification{}, err
	}

	layers := []webhookFields{env.webhookFields}
	if env.Data != nil {
		layers = append(layers, *env.Data)
	}

	var n WebhookNotification
	for _, f := range layers {
		n.TxnID = firstNonEmpty(n.TxnID, string(f.TxnID), string(f.TxnIDAlt))
		n.ConsentHandle = firstNonEmpty(n.ConsentHandle, string(f.ConsentHandle))
		n.Status = firstNonEmpty(n.Status, string(f.ConsentStatus), string(f.Status))
		n.ConsentID = firstNonEmpty(n.ConsentID, string(f.ConsentID))
		n.TrackingID = firstNonEmpty(n.TrackingID, string(f.TrackingID))
		n.JSONDocsURL = firstNonEmpty(n.JSONDocsURL, string(f.JSONDocsURL))
		n.XLSXDocsURL = firstNonEmpty(n.XLSXDocsURL, string(f.XLSXDocsURL))
		if n.RequestID == 0 && len(f.RequestID) > 0 {
			var id domain.RequestID
			if err := json.Unmarshal(f.RequestID, &id); err == nil {
				n.RequestID = id.Int64()
			}
		}
		n.ReportGenerated = n.ReportGenerated || bool(f.ReportGenerated)
	}
	return n, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// safePayload returns body when it is valid JSON, otherwise wraps it as a string so
// the raw delivery can still be stored.
func safePayload(body []byte) json.RawMessage {
	if json.Valid(body) {
		return json.RawMessage(body)
	}
	wrapped, _ := json.Marshal(map[string]string{"raw": string(body)})
	return wrapped
}
