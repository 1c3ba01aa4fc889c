package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func (h *Handler) Routes(m *Middleware, corsOrigins []string, rateLimitRPM int, metricsHandler http.Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(m.RequestID)
	r.Use(m.RequestLogger)
	r.Use(m.Recoverer)
	r.Use(m.SecurityHeaders)
	r.Use(middleware.Heartbeat("/ping"))
	r.Use(m.CORS(corsOrigins))

	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)
	if metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", metricsHandler)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(m.RateLimit(rateLimitRPM))

		// Long-lived event stream; needs an unbuffered, flushable writer.
		r.Get("/stream", h.HandleSSE)

		r.Group(func(r chi.Router) {
			r.Use(m.Compress)
			r.Use(m.Timeout(15 * time.Second))

			r.Get("/market", h.GetMarket)

			r.Route("/reserves", func(r chi.Router) {
				r.Get("/", h.ListReserves)
				r.Get("/{symbol}", h.GetReserve)
			})

			r.Get("/obligations/{address}", h.GetObligation)
			r.Get("/liquidations", h.ListLiquidations)
			r.Get("/scan", h.GetLastScan)
		})
	})

	return r
}
