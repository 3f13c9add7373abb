package api

import (
	"context"
	"io"
	"net/http"

	"github.com/transfa/aa-service/internal/app"
)

type webhookProcessor func(ctx context.Context, body []byte) (app.WebhookResult, error)

// TxnWebhookHandler receives transaction status callbacks.
func (h *Handler) TxnWebhookHandler(w http.ResponseWriter, r *http.Request) {
	h.serveWebhook(w, r, "txn", h.Reconciler.HandleTxnWebhook)
}

// ConsentWebhookHandler receives consent status callbacks.
func (h *Handler) ConsentWebhookHandler(w http.ResponseWriter, r *http.Request) {
	h.serveWebhook(w, r, "consent", h.Reconciler.HandleConsentWebhook)
}

// BSAWebhookHandler receives bank statement analysis callbacks.
func (h *Handler) BSAWebhookHandler(w http.ResponseWriter, r *http.Request) {
	h.serveWebhook(w, r, "bsa", h.BSA.HandleWebhook)
}

// serveWebhook always answers 200. Failures are reported in the body and logged,
// the vendor must not retry on our errors.
func (h *Handler) serveWebhook(w http.ResponseWriter, r *http.Request, source string, process webhookProcessor) {
	log := h.logger.With("webhook", source)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		log.Warn("failed to read webhook body", "error", err)
		writeJSON(w, http.StatusOK, webhookResponse{Success: false, Message: "unreadable body"})
		return
	}

	if h.webhookSecret != "" && !validSignature(h.webhookSecret, body, r.Header.Get(webhookSignatureHeader)) {
		log.Warn("rejected webhook with invalid signature", "remote_addr", r.RemoteAddr)
		writeJSON(w, http.StatusOK, webhookResponse{Success: false, Message: "invalid signature"})
		return
	}

	result, err := process(r.Context(), body)
	if err != nil {
		log.Error("webhook processing failed", "event_id", result.EventID, "error", err)
		writeJSON(w, http.StatusOK, webhookResponse{Success: false, Message: err.Error()})
		return
	}

	message := result.Message
	if message == "" {
		message = "processed"
		if result.Duplicate {
			message = "duplicate event ignored"
		}
	}
	writeJSON(w, http.StatusOK, webhookResponse{Success: true, Duplicate: result.Duplicate, Message: message})
}
