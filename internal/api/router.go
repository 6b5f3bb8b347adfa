/**
 * @description
 * This file sets up the HTTP router for the pin-ledger-service. It defines the
 * API endpoints, associates them with their corresponding handlers, and applies
 * the authentication middleware.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// LedgerRoutes creates and returns a new router for the pin ledger service.
func LedgerRoutes(h *LedgerHandlers, jwksURL string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Group routes that require authentication.
	r.Group(func(r chi.Router) {
		r.Use(PortalAuthMiddleware(jwksURL))

		// Allocation lifecycle (admin-gated in the service layer)
		r.Post("/allocations", h.CreateAllocationHandler)
		r.Post("/allocations/{id}/resolve", h.ResolveAllocationHandler)
		r.Get("/allocations/pending", h.ListPendingAllocationsHandler)
		r.Get("/allocations", h.ListAllocationHistoryHandler)

		// Direct broker-to-client transfers
		r.Post("/transfers", h.TransferHandler)
		r.Get("/transfers", h.ListTransfersHandler)

		// Balances
		r.Get("/balance", h.GetBalanceHandler)
		r.Get("/accounts/{id}/balance", h.GetAccountBalanceHandler)
	})

	return r
}
