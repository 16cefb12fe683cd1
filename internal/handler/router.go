package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	custommiddleware "github.com/akudrin/cashback-engine/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware кэшбэк-сервиса.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api/user", func(r chi.Router) {
		r.Post("/register", h.Register)
		r.Post("/login", h.Login)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/clicks", h.RecordClick)
			r.Get("/transactions", h.GetTransactions)

			r.Get("/balance", h.GetBalance)

			r.Post("/payouts", h.RequestPayout)
			r.Get("/payouts", h.GetPayouts)
			r.Put("/payout-destination", h.UpdatePayoutDestination)
		})
	})

	r.Route("/api/admin", func(r chi.Router) {
		r.Use(h.adminMiddleware.Middleware)

		r.Put("/stores", h.UpsertStore)
		r.Post("/transactions", h.CreateTransaction)
		r.Post("/transactions/{id}/status", h.TransitionTransaction)
		r.Post("/transactions/{id}/edit", h.EditTransaction)
		r.Post("/payouts/{id}/resolve", h.ResolvePayout)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
