// Package metrics provides Prometheus instrumentation for the marks engine.
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
	// EventsApplied counts ledger events applied, partitioned by kind.
	EventsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marks_events_applied_total",
		Help: "Total number of ledger events applied",
	}, []string{"kind"})

	// EventsRejected counts events refused by the processor.
	EventsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marks_events_rejected_total",
		Help: "Ledger events rejected, by kind and reason",
	}, []string{"kind", "reason"})

	// EventLatency tracks time spent applying one event.
	EventLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "marks_event_latency_seconds",
		Help:    "Event application latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// MarksForfeited is the cumulative marks lost to withdrawals.
	MarksForfeited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marks_forfeited_total",
		Help: "Marks forfeited on withdrawal",
	})

	// WithdrawalClamps counts withdrawals larger than the recorded deposit.
	WithdrawalClamps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marks_withdrawal_clamps_total",
		Help: "Withdrawals clamped to the recorded deposit",
	})

	// LeaderboardBuildDuration tracks leaderboard aggregation latency.
	LeaderboardBuildDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "marks_leaderboard_build_seconds",
		Help:    "Leaderboard build latency in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
	})

	// LeaderboardRows is the row count of the latest cached leaderboard.
	LeaderboardRows = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "marks_leaderboard_rows",
		Help: "Rows in the latest leaderboard snapshot",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "marks_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marks_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "marks_http_request_duration_seconds",
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

		// Route pattern keeps address path params out of the label set.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				path = p
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

// Hijack lets websocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
