package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/transfa/aa-service/internal/app"
	"github.com/transfa/aa-service/internal/domain"
	"github.com/transfa/aa-service/internal/store"
)

type successResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Total   *int64      `json:"total,omitempty"`
}

type errorResponse struct {
	Success           bool   `json:"success"`
	Error             string `json:"error"`
	ErrorCategory     string `json:"error_category,omitempty"`
	RetryRecommended  bool   `json:"retry_recommended"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

type webhookResponse struct {
	Success   bool   `json:"success"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Message   string `json:"message"`
}

// writeJSON is a helper for writing JSON responses.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

func writeData(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, successResponse{Success: true, Data: data})
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Success: false, Error: message, ErrorCategory: string(domain.CategoryInputValidation)})
}

// writeError maps service, sentinel and rate-limit errors onto HTTP responses.
func writeError(w http.ResponseWriter, logger *slog.Logger, endpoint string, err error) {
	var limitErr *app.RateLimitError
	if errors.As(err, &limitErr) {
		w.Header().Set("Retry-After", strconv.Itoa(limitErr.RetryAfterSeconds))
		writeJSON(w, http.StatusTooManyRequests, errorResponse{
			Error:             limitErr.Error(),
			ErrorCategory:     string(domain.CategoryInputValidation),
			RetryRecommended:  true,
			RetryAfterSeconds: limitErr.RetryAfterSeconds,
		})
		return
	}

	if svcErr, ok := domain.AsServiceError(err); ok {
		status := svcErr.Category.HTTPStatus()
		if status >= http.StatusInternalServerError {
			logger.Error("request failed", "endpoint", endpoint, "category", svcErr.Category, "error", err)
		}
		writeJSON(w, status, errorResponse{
			Error:            svcErr.Error(),
			ErrorCategory:    string(svcErr.Category),
			RetryRecommended: svcErr.RetryRecommended(),
		})
		return
	}

	switch {
	case errors.Is(err, store.ErrConsentNotFound),
		errors.Is(err, store.ErrReportNotFound),
		errors.Is(err, store.ErrBSARunNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	}

	logger.Error("request failed", "endpoint", endpoint, "error", err)
	writeJSON(w, http.StatusInternalServerError, errorResponse{
		Error:         "internal server error",
		ErrorCategory: string(domain.CategoryUnknown),
	})
}
