package tspclient

import "encoding/json"

// LoginRequest authenticates the FIU against the TSP.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// RefreshRequest exchanges a refresh token for a new access token.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// TokenResponse is returned by login and refresh.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	FIUID        string `json:"fiu_id"`
}

// CustomerDetails identifies the consenting customer.
type CustomerDetails struct {
	MobileNumber string `json:"mobile_number"`
	Email        string `json:"email,omitempty"`
	DateOfBirth  string `json:"date_of_birth,omitempty"`
	PANNumber    string `json:"pan_number,omitempty"`
}

// ConsentDetail is one requested consent artefact. The field set is dictated by the
// vendor contract and passed through verbatim.
type ConsentDetail struct {
	ConsentStart     string   `json:"consent_start"`
	ConsentExpiry    string   `json:"consent_expiry"`
	ConsentMode      string   `json:"consent_mode"`
	ConsentTypes     []string `json:"consent_types"`
	FetchType        string   `json:"fetch_type"`
	FITypes          []string `json:"fi_types"`
	PurposeCode      string   `json:"purpose_code"`
	FIDataRangeUnit  string   `json:"fi_datarange_unit"`
	FIDataRangeValue int      `json:"fi_datarange_value"`
	FIDataRangeFrom  string   `json:"fi_datarange_from"`
	FIDataRangeTo    string   `json:"fi_datarange_to"`
	DataLifeUnit     string   `json:"data_life_unit"`
	DataLifeValue    int      `json:"data_life_value"`
	FrequencyUnit    string   `json:"frequency_unit"`
	FrequencyValue   int      `json:"frequency_value"`
	FairUseID        string   `json:"fair_use_id,omitempty"`
}

// GenerateConsentRequest is the payload for /api/generate/consent.
type GenerateConsentRequest struct {
	CustomerDetails    CustomerDetails `json:"customer_details"`
	ConsentDetails     []ConsentDetail `json:"consent_details"`
	AAID               []string        `json:"aa_id,omitempty"`
	DeliveryMode       []string        `json:"delivery_mode,omitempty"`
	FIPID              []string        `json:"fip_id,omitempty"`
	TxnCallbackURL     string          `json:"txn_callback_url,omitempty"`
	ConsentCallbackURL string          `json:"consent_callback_url,omitempty"`
}

// GenerateConsentResponse carries the vendor identifiers for a new consent.
type GenerateConsentResponse struct {
	RequestID     json.RawMessage `json:"request_id"`
	TxnID         json.RawMessage `json:"txn_id"`
	ConsentHandle string          `json:"consent_handle"`
	VUA           string          `json:"vua"`
	URL           string          `json:"url"`
	Raw           json.RawMessage `json:"-"`
}

// StatusCheckRequest polls the vendor for a consent request.
type StatusCheckRequest struct {
	RequestID int64 `json:"request_id"`
}

// TxnStatus is one discrete status event reported by status-check.
type TxnStatus struct {
	Code    string `json:"code"`
	Msg     string `json:"msg"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// StatusCheckResponse lists every status event the vendor has for a request.
type StatusCheckResponse struct {
	RequestID     json.RawMessage `json:"request_id"`
	ConsentID     string          `json:"consent_id"`
	ConsentHandle string          `json:"consent_handle"`
	TxnID         string          `json:"txn_id"`
	TxnStatus     []TxnStatus     `json:"txn_status"`
	Raw           json.RawMessage `json:"-"`
}

// DataRequest starts an FI fetch session under a granted consent.
type DataRequest struct {
	ConsentID      string `json:"consent_id"`
	From           string `json:"from,omitempty"`
	To             string `json:"to,omitempty"`
	TxnCallbackURL string `json:"txn_callback_url,omitempty"`
}

// DataResponse identifies the started FI session.
type DataResponse struct {
	SessionID string          `json:"sessionId"`
	TxnID     string          `json:"txnid"`
	ConsentID string          `json:"consentId"`
	Ver       string          `json:"ver"`
	Timestamp string          `json:"timestamp"`
	Response  string          `json:"response"`
	Raw       json.RawMessage `json:"-"`
}

// RetrieveReportRequest asks for the generated FI report of a transaction.
type RetrieveReportRequest struct {
	TxnID          string `json:"txn_id"`
	ReportType     string `json:"report_type"`
	ReportCategory string `json:"report_category"`
}

// BSAInitiateRequest starts a bank statement analysis.
type BSAInitiateRequest struct {
	TrackingID  string            `json:"tracking_id"`
	ConsentFlag bool              `json:"consent_flag"`
	Accounts    []json.RawMessage `json:"accounts"`
	WebhookURL  string            `json:"webhook_url,omitempty"`
}

// BSAStatusResponse is the vendor's view of an analysis run.
type BSAStatusResponse struct {
	Status      string          `json:"status"`
	JSONDocsURL string          `json:"json_docs_url"`
	JSONURL     string          `json:"json_url"`
	XLSXDocsURL string          `json:"xlsx_docs_url"`
	XLSXURL     string          `json:"xlsx_url"`
	Raw         json.RawMessage `json:"-"`
}

// JSONDocs returns whichever JSON document URL the vendor populated.
func (r *BSAStatusResponse) JSONDocs() string {
	if r.JSONDocsURL != "" {
		return r.JSONDocsURL
	}
	return r.JSONURL
}

// XLSXDocs returns whichever spreadsheet URL the vendor populated.
func (r *BSAStatusResponse) XLSXDocs() string {
	if r.XLSXDocsURL != "" {
		return r.XLSXDocsURL
	}
	return r.XLSXURL
}
