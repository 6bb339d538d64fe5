/**
 * @description
 * This file sets up the HTTP router for the wallet service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware, such as for authentication.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS handling for the web client.
 * - github.com/prometheus/client_golang: The /metrics endpoint.
 */

package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig carries the settings the router needs.
type RouterConfig struct {
	JWTSecret      string
	InternalAPIKey string
	AllowedOrigins string
}

// WalletRoutes creates and returns the router for the wallet service.
func WalletRoutes(h *WalletHandlers, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(cfg.AllowedOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           300, // Maximum value not ignored by any major browsers
	}))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(JWTAuthMiddleware(cfg.JWTSecret))

			r.Post("/buy-airtime", h.BuyAirtimeHandler)
			r.Post("/buy-cable-tv", h.BuyCableTVHandler)
			r.Get("/wallet/balance", h.GetWalletBalanceHandler)
			r.Get("/transactions", h.ListTransactionsHandler)
			r.Get("/transactions/{id}", h.GetTransactionHandler)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(InternalAuthMiddleware(cfg.InternalAPIKey))

			r.Post("/wallet/credit", h.CreditWalletHandler)
			r.Post("/wallet/debit", h.DebitWalletHandler)
			r.Post("/reconcile", h.ReconcileBalancesHandler)
			r.Post("/transactions/{id}/resolve-refund", h.ResolveRefundHandler)
		})
	})

	return r
}

func allowedOrigins(raw string) []string {
	var origins []string
	for _, origin := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		return []string{"https://*", "http://*"}
	}
	return origins
}
