package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/transfa/aa-service/internal/app"
)

// FIFetchHandler starts an FI data session for an ACTIVE consent.
func (h *Handler) FIFetchHandler(w http.ResponseWriter, r *http.Request) {
	var req app.FIFetchInput
	if err := decodeJSON(r, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	result, err := h.FI.Fetch(r.Context(), req)
	if err != nil {
		writeError(w, h.logger, "fi_fetch", err)
		return
	}
	writeData(w, http.StatusOK, result)
}

// TxnFIRequestHandler starts an FI data session for the consent behind txn_id.
func (h *Handler) TxnFIRequestHandler(w http.ResponseWriter, r *http.Request) {
	result, err := h.FI.FetchForTxn(r.Context(), chi.URLParam(r, "txn_id"))
	if err != nil {
		writeError(w, h.logger, "txn_fi_request", err)
		return
	}
	writeData(w, http.StatusOK, result)
}

// RetrieveReportHandler pulls a report from the vendor and stores it.
func (h *Handler) RetrieveReportHandler(w http.ResponseWriter, r *http.Request) {
	var req app.RetrieveReportInput
	if err := decodeJSON(r, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	report, err := h.Reports.Retrieve(r.Context(), req)
	if err != nil {
		writeError(w, h.logger, "retrieve_report", err)
		return
	}
	writeData(w, http.StatusOK, report)
}

// GetReportHandler returns the stored report for a transaction.
func (h *Handler) GetReportHandler(w http.ResponseWriter, r *http.Request) {
	report, err := h.Reports.GetByTxnID(r.Context(), chi.URLParam(r, "txn_id"))
	if err != nil {
		writeError(w, h.logger, "get_report", err)
		return
	}
	writeData(w, http.StatusOK, report)
}

type bsaAnalyzeRequest struct {
	ReportID string `json:"report_id"`
}

// BSAAnalyzeHandler submits a stored report for bank statement analysis.
func (h *Handler) BSAAnalyzeHandler(w http.ResponseWriter, r *http.Request) {
	var req bsaAnalyzeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	run, err := h.BSA.Analyze(r.Context(), strings.TrimSpace(req.ReportID))
	if err != nil {
		writeError(w, h.logger, "bsa_analyze", err)
		return
	}
	writeData(w, http.StatusAccepted, run)
}

// BSAStatusHandler polls the vendor for a BSA run.
func (h *Handler) BSAStatusHandler(w http.ResponseWriter, r *http.Request) {
	run, err := h.BSA.Status(r.Context(), chi.URLParam(r, "tracking_id"))
	if err != nil {
		writeError(w, h.logger, "bsa_status", err)
		return
	}
	writeData(w, http.StatusOK, run)
}

// BSARunsByReportHandler lists the BSA runs of a report.
func (h *Handler) BSARunsByReportHandler(w http.ResponseWriter, r *http.Request) {
	runs, err := h.BSA.ListByReport(r.Context(), chi.URLParam(r, "report_id"))
	if err != nil {
		writeError(w, h.logger, "bsa_runs", err)
		return
	}
	writeData(w, http.StatusOK, runs)
}
