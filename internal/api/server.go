// Package api exposes the settlement core over HTTP: inventory pools,
// orders and payment outcomes, and the withdrawal lifecycle.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kstore/settlement-core/internal/gateway"
	"github.com/kstore/settlement-core/internal/inventory"
	"github.com/kstore/settlement-core/internal/ledger"
	"github.com/kstore/settlement-core/internal/metrics"
	"github.com/kstore/settlement-core/internal/notify"
	"github.com/kstore/settlement-core/internal/settlement"
	"github.com/kstore/settlement-core/internal/store"
	"github.com/kstore/settlement-core/internal/subscription"
)

// HealthCheck reports whether one dependency is usable.
type HealthCheck func(ctx context.Context) error

// Server holds the HTTP handlers. The hub may be nil, in which case the
// WebSocket endpoint is not mounted.
type Server struct {
	alloc  *inventory.Allocator
	ledger *ledger.Engine
	coord  *settlement.Coordinator
	subs   *subscription.Checker
	hub    *notify.Hub
	checks map[string]HealthCheck
}

// NewServer creates the HTTP handlers.
func NewServer(alloc *inventory.Allocator, led *ledger.Engine, coord *settlement.Coordinator, subs *subscription.Checker, hub *notify.Hub) *Server {
	return &Server{
		alloc:  alloc,
		ledger: led,
		coord:  coord,
		subs:   subs,
		hub:    hub,
		checks: make(map[string]HealthCheck),
	}
}

// AddHealthCheck registers a dependency reported by GET /health.
func (s *Server) AddHealthCheck(name string, check HealthCheck) {
	s.checks[name] = check
}

// Routes mounts every endpoint on r.
func (s *Server) Routes(r chi.Router) {
	r.Get("/health", s.Health)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if s.hub != nil {
			// Store dashboards subscribe with ?store_id=.
			r.Get("/ws", s.hub.HandleWS)
		}

		r.Post("/products", s.CreateProduct)
		r.Post("/products/{productID}/items", s.AddItems)
		r.Get("/products/{productID}/availability", s.CheckAvailability)
		r.Get("/products/{productID}/stats", s.ProductStats)

		r.Post("/orders", s.PlaceOrder)
		r.Get("/orders/{orderID}", s.GetOrder)
		r.Post("/orders/{orderID}/reserve", s.ReserveOrder)

		r.Post("/transactions", s.RegisterTransaction)
		r.Get("/transactions/{transactionID}", s.GetTransaction)
		r.Post("/webhooks/payments", s.PaymentWebhook)

		r.Post("/stores", s.OpenStore)
		r.Put("/stores/{storeID}/subscription", s.PutSubscription)
		r.Get("/stores/{storeID}/balance", s.GetBalance)
		r.Get("/stores/{storeID}/withdrawals", s.ListWithdrawals)
		r.Post("/stores/{storeID}/withdrawals", s.RequestWithdrawal)

		r.Get("/withdrawals/{withdrawalID}", s.GetWithdrawal)
		r.Post("/withdrawals/{withdrawalID}/approve", s.ApproveWithdrawal)
		r.Post("/withdrawals/{withdrawalID}/complete", s.CompleteWithdrawal)
		r.Post("/withdrawals/{withdrawalID}/reject", s.RejectWithdrawal)
		r.Post("/withdrawals/{withdrawalID}/cancel", s.CancelWithdrawal)
	})
}

// Health handles GET /health. It answers 503 if any registered dependency
// check fails.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	deps := make(map[string]string, len(s.checks))
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			deps[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		deps[name] = "ok"
	}
	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	writeJSON(w, status, map[string]any{
		"status":       state,
		"service":      "settlement-core",
		"dependencies": deps,
	})
}

// PaymentWebhook handles POST /api/v1/webhooks/payments. The body has the
// same shape as the Kafka outcome messages.
func (s *Server) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	outcome, err := gateway.Decode(raw)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := s.coord.Handle(r.Context(), outcome)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeDomainError maps a core error to its HTTP status. Unknown errors are
// logged and answered with a generic 500.
func writeDomainError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, inventory.ErrProductNotFound),
		errors.Is(err, settlement.ErrTransactionNotFound),
		errors.Is(err, settlement.ErrOrderNotFound),
		errors.Is(err, ledger.ErrStoreNotFound),
		errors.Is(err, ledger.ErrWithdrawalNotFound):
		return http.StatusNotFound

	case errors.Is(err, ledger.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity

	case errors.Is(err, ledger.ErrInvalidState),
		errors.Is(err, settlement.ErrInvalidState),
		errors.Is(err, settlement.ErrReconciliationRequired),
		errors.Is(err, inventory.ErrNotReservedForOrder),
		errors.Is(err, inventory.ErrNoInventory),
		errors.Is(err, store.ErrConflict):
		return http.StatusConflict

	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrMissingPayoutDetails),
		errors.Is(err, ledger.ErrReasonRequired),
		errors.Is(err, inventory.ErrInvalidQuantity),
		errors.Is(err, inventory.ErrOrderRequired),
		errors.Is(err, inventory.ErrUnmanagedProduct),
		errors.Is(err, settlement.ErrInvalidOrder),
		errors.Is(err, settlement.ErrAmountMismatch),
		errors.Is(err, gateway.ErrMalformedMessage):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
