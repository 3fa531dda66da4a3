package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/canvango/canvango-group-sub006/internal/metrics"
	custommiddleware "github.com/canvango/canvango-group-sub006/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware магазина.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		// callback распаковывает тело сам и всегда отвечает 200 {success}
		r.Post("/payments/callback", h.PaymentCallback)

		r.Group(func(r chi.Router) {
			r.Use(custommiddleware.GzipMiddleware)
			r.Use(h.authMiddleware.Middleware)

			r.Post("/purchase", h.Purchase)
			r.Post("/topup", h.TopUp)

			r.Get("/balance", h.GetBalance)
			r.Get("/balance/history", h.GetBalanceHistory)

			r.Get("/transactions", h.GetTransactions)
			r.Get("/warranties", h.GetWarranties)

			r.Post("/claims", h.CreateClaim)
			r.Get("/claims", h.GetClaims)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(custommiddleware.GzipMiddleware)
			r.Use(custommiddleware.AdminMiddleware(h.adminToken))

			r.Post("/claims/{id}/approve", h.ApproveClaim)
			r.Post("/claims/{id}/reject", h.RejectClaim)
			r.Post("/claims/{id}/resolve", h.ResolveClaim)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
