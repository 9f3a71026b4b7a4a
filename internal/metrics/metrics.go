// Package metrics provides Prometheus instrumentation for the settlement core.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ReservationsTotal counts unit reservation attempts by result
	// ("reserved", "exhausted", "unmanaged", "error").
	ReservationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kstore_reservations_total",
		Help: "Inventory unit reservation attempts",
	}, []string{"result"})

	// ReleasesTotal counts reservations returned to the pool, by cause.
	ReleasesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kstore_releases_total",
		Help: "Reserved inventory items returned to the pool",
	}, []string{"cause"})

	// ItemsSold counts items confirmed as sold.
	ItemsSold = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kstore_items_sold_total",
		Help: "Inventory items confirmed as sold",
	})

	// SettlementsTotal counts payment outcomes applied, by outcome and result.
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kstore_settlements_total",
		Help: "Payment outcomes processed by the settlement coordinator",
	}, []string{"outcome", "result"})

	// SettlementLatency tracks how long one payment outcome takes to apply.
	SettlementLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kstore_settlement_latency_seconds",
		Help:    "Settlement latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})

	// WithdrawalTransitions counts withdrawal state changes by target status.
	WithdrawalTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kstore_withdrawal_transitions_total",
		Help: "Withdrawal request state transitions",
	}, []string{"status"})

	// WithdrawalRejections counts withdrawal requests refused at creation.
	WithdrawalRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kstore_withdrawal_rejections_total",
		Help: "Withdrawal requests refused at creation, by reason",
	}, []string{"reason"})

	// ExpiredReservations counts reservations released by the TTL sweeper.
	ExpiredReservations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kstore_expired_reservations_total",
		Help: "Reservations released after exceeding their TTL",
	})

	ReconciliationFlags = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kstore_reconciliation_flags_total",
		Help: "Orders flagged for manual reconciliation after a captured payment could not be applied",
	})

	// NotificationFailures counts notification deliveries that failed.
	NotificationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kstore_notification_failures_total",
		Help: "Notification deliveries that failed, by channel",
	}, []string{"channel"})

	// GatewayMessages counts payment outcome messages consumed from Kafka,
	// by result ("applied", "rejected", "retried", "malformed").
	GatewayMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kstore_gateway_messages_total",
		Help: "Payment outcome messages consumed from the gateway topic",
	}, []string{"result"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kstore_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kstore_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kstore_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets WebSocket upgrades through the wrapper.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
