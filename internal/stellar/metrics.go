package stellar

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// RequestsTotal counts Horizon calls by operation and outcome.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tixpay",
			Name:      "ledger_requests_total",
			Help:      "Total ledger API requests by operation and result.",
		},
		[]string{"op", "result"},
	)

	// RequestDuration observes Horizon latency by operation.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tixpay",
			Name:      "ledger_request_duration_seconds",
			Help:      "Ledger API request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"op"},
	)

	// StreamEventsTotal counts payment events received from the stream.
	StreamEventsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tixpay",
		Name:      "ledger_stream_events_total",
		Help:      "Total payment events delivered by the ledger stream.",
	})
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		StreamEventsTotal,
	)
}

// observe starts timing a ledger call. The returned func records the
// outcome of the already-classified error.
func observe(op string) func(err error) {
	start := time.Now()
	return func(err error) {
		RequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		RequestsTotal.WithLabelValues(op, resultLabel(err)).Inc()
	}
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrLedgerNotFound):
		return "not_found"
	case errors.Is(err, ErrLedgerRejected):
		return "rejected"
	default:
		return "unavailable"
	}
}
