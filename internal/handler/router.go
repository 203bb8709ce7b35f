package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	custommiddleware "github.com/mmeshcher/auction-bidding/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(custommiddleware.Logger(h.logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(custommiddleware.GzipMiddleware)

	operator := custommiddleware.OperatorMiddleware(h.operatorToken)

	r.Route("/api/auctions", func(r chi.Router) {
		r.With(operator).Post("/", h.CreateAuction)

		r.Route("/{auctionID}", func(r chi.Router) {
			r.Get("/", h.GetAuction)
			r.Get("/bids", h.ListBids)
			r.With(h.authMiddleware.Middleware).Post("/bids", h.PlaceBid)
			r.With(operator).Post("/cancel", h.CancelAuction)
		})
	})

	r.With(operator).Post("/api/internal/sweep", h.RunSweep)
	r.With(operator).Post("/api/payments/webhook", h.PaymentWebhook)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
