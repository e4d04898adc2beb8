package settlement

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// IntentsTotal counts payment intents created.
	IntentsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tixpay",
		Name:      "payment_intents_total",
		Help:      "Total payment intents created.",
	})

	// ConfirmationsTotal counts confirmation attempts by result.
	ConfirmationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tixpay",
			Name:      "payment_confirmations_total",
			Help:      "Total payment confirmation attempts by result.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(IntentsTotal, ConfirmationsTotal)
}

func confirmResult(err error) string {
	var cerr *ConfirmationError
	switch {
	case err == nil:
		return "confirmed"
	case errors.As(err, &cerr):
		return "failed"
	case errors.Is(err, ErrPaymentNotFound):
		return "not_found"
	case errors.Is(err, ErrTransactionNotFound), errors.Is(err, ErrTransactionFailed), errors.Is(err, ErrMissingMemo):
		return "rejected"
	default:
		return "error"
	}
}
