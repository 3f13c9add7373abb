/**
 * @description
 * This file sets up the HTTP router for the aa-service. It mounts the internal API
 * used by other services, the vendor webhook receivers and the operational
 * endpoints (/health, /metrics).
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: Router and standard middleware.
 * - github.com/go-chi/cors: CORS handling for the operations dashboard.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions carries the deployment settings the router needs.
type RouterOptions struct {
	InternalAPIKey string
	AllowedOrigins []string
	Metrics        http.Handler
}

// NewRouter creates a new Chi router and registers the aa-service routes.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", internalAPIKeyHeader, webhookSignatureHeader},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "status": "healthy"})
	})
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	// Vendor callbacks. These always answer 200 so the vendor does not retry.
	r.Route("/webhooks/aa", func(r chi.Router) {
		r.Post("/txn", h.TxnWebhookHandler)
		r.Post("/consent", h.ConsentWebhookHandler)
		r.Post("/bsa", h.BSAWebhookHandler)
	})

	r.Group(func(r chi.Router) {
		r.Use(InternalAPIKeyMiddleware(opts.InternalAPIKey))

		r.Route("/api/auth", func(r chi.Router) {
			r.Get("/status", h.AuthStatusHandler)
			r.Post("/login", h.AuthLoginHandler)
			r.Post("/refresh", h.AuthRefreshHandler)
		})

		r.Route("/internal/aa", func(r chi.Router) {
			r.Post("/consents/initiate", h.InitiateConsentHandler)
			r.Post("/consents/status-check", h.StatusCheckHandler)
			r.Get("/consents", h.ListConsentsHandler)
			r.Get("/consents/recent", h.RecentConsentHandler)
			r.Get("/consents/request/{request_id}", h.GetConsentByRequestIDHandler)
			r.Get("/consents/{id}", h.GetConsentHandler)

			r.Post("/fi/fetch", h.FIFetchHandler)
			r.Post("/transactions/{txn_id}/fi-request", h.TxnFIRequestHandler)

			r.Post("/reports/retrieve", h.RetrieveReportHandler)
			r.Get("/reports/{txn_id}", h.GetReportHandler)

			r.Post("/bsa/analyze", h.BSAAnalyzeHandler)
			r.Get("/bsa/status/{tracking_id}", h.BSAStatusHandler)
			r.Get("/bsa/report/{report_id}", h.BSARunsByReportHandler)
		})
	})

	return r
}
