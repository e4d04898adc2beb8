package settlement

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mbd888/tixpay/internal/stellar"
)

// PaymentStreamer opens a payment subscription limited to account.
type PaymentStreamer interface {
	StreamPayments(ctx context.Context, account string, onEvent func(stellar.PaymentEvent)) (*stellar.Stream, error)
}

// Confirmer confirms a payment by transaction hash.
type Confirmer interface {
	ConfirmPayment(ctx context.Context, txHash string) (*Payment, error)
}

// healthyStream is how long a stream must stay up before a later
// disconnect starts backing off from the initial interval again.
const healthyStream = time.Minute

// Watcher confirms payments to the escrow wallet as they appear on the
// ledger, so buyers need not call confirm themselves.
type Watcher struct {
	streamer   PaymentStreamer
	confirmer  Confirmer
	wallet     string
	logger     *slog.Logger
	newBackOff func() backoff.BackOff

	stop chan struct{}
	done chan struct{}
}

// NewWatcher creates a watcher for payments into wallet.
func NewWatcher(streamer PaymentStreamer, confirmer Confirmer, wallet string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		streamer:   streamer,
		confirmer:  confirmer,
		wallet:     wallet,
		logger:     logger,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = time.Minute
			b.MaxElapsedTime = 0
			return b
		},
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Start begins watching in the background.
func (w *Watcher) Start(ctx context.Context) {
	w.logger.Info("payment watcher started", "wallet", w.wallet)
	go w.run(ctx)
}

// Stop stops the watcher and waits for it to exit.
func (w *Watcher) Stop() {
	close(w.stop)
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	b := w.newBackOff()
	err := backoff.RetryNotify(func() error {
		return w.subscribe(ctx, b)
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		w.logger.Warn("payment stream lost, reconnecting", "error", err, "retry_in", next)
	})
	if err != nil && ctx.Err() == nil {
		w.logger.Error("payment watcher stopped", "error", err)
	}
}

// subscribe holds one stream open until it ends. It returns nil only
// when the watcher is stopping.
func (w *Watcher) subscribe(ctx context.Context, b backoff.BackOff) error {
	stream, err := w.streamer.StreamPayments(ctx, w.wallet, func(ev stellar.PaymentEvent) {
		w.handle(ctx, ev)
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer stream.Close()

	opened := time.Now()
	select {
	case <-ctx.Done():
		return nil
	case <-stream.Done():
	}

	if time.Since(opened) >= healthyStream {
		b.Reset()
	}
	if err := stream.Err(); err != nil {
		return err
	}
	return errors.New("payment stream closed")
}

// handle confirms transfers into the wallet. The account stream also
// carries the wallet's outgoing payments, which are skipped here.
func (w *Watcher) handle(ctx context.Context, ev stellar.PaymentEvent) {
	if !ev.Operation.IsTransfer() || ev.Operation.Destination != w.wallet {
		return
	}

	p, err := w.confirmer.ConfirmPayment(ctx, ev.TransactionHash)
	switch {
	case err == nil:
		w.logger.Info("payment auto-confirmed", "payment", p.ID, "tx", ev.TransactionHash)
	case errors.Is(err, ErrPaymentNotFound), errors.Is(err, ErrMissingMemo):
		// Already settled, or not a ticket payment.
		w.logger.Debug("payment event skipped", "tx", ev.TransactionHash, "reason", err)
	default:
		w.logger.Warn("payment auto-confirm failed", "tx", ev.TransactionHash, "error", err)
	}
}
