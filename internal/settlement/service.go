package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/tixpay/internal/audit"
	"github.com/mbd888/tixpay/internal/events"
	"github.com/mbd888/tixpay/internal/logging"
	"github.com/mbd888/tixpay/internal/stellar"
	"github.com/mbd888/tixpay/internal/traces"
)

// Ledger is the subset of the ledger client used for confirmation.
type Ledger interface {
	GetTransaction(ctx context.Context, hash string) (*stellar.TransactionView, error)
}

// Service implements payment settlement.
type Service struct {
	store  Store
	events events.Lookup
	ledger Ledger
	audit  audit.Sink
	cfg    Config
	locks  *paymentLocks
	logger *slog.Logger
}

// NewService creates a settlement service.
func NewService(store Store, lookup events.Lookup, ledger Ledger, sink audit.Sink, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.SupportedAssets = append([]string(nil), cfg.SupportedAssets...)
	return &Service{
		store:  store,
		events: lookup,
		ledger: ledger,
		audit:  sink,
		cfg:    cfg,
		locks:  newPaymentLocks(),
		logger: logger,
	}
}

// CreatePaymentIntent records a pending payment for one ticket of eventID.
func (s *Service) CreatePaymentIntent(ctx context.Context, eventID, payerID string) (*PaymentIntent, error) {
	ctx, span := traces.StartSpan(ctx, "settlement.CreatePaymentIntent", traces.EventID(eventID))
	var err error
	defer func() { traces.End(span, err) }()

	ev, err := s.events.GetEvent(ctx, eventID)
	if errors.Is(err, events.ErrNotFound) {
		err = ErrEventNotFound
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("settlement: look up event %s: %w", eventID, err)
	}
	if !ev.Purchasable() {
		err = ErrEventNotPurchasable
		return nil, err
	}
	if !s.cfg.supports(ev.Currency) {
		err = fmt.Errorf("%w: %s", ErrUnsupportedAsset, ev.Currency)
		return nil, err
	}

	now := time.Now()
	p := &Payment{
		ID:        NewPaymentID(),
		EventID:   ev.ID,
		UserID:    payerID,
		Amount:    ev.TicketPrice,
		Currency:  strings.ToUpper(ev.Currency),
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err = s.store.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("settlement: store payment: %w", err)
	}
	span.SetAttributes(traces.PaymentID(p.ID))

	IntentsTotal.Inc()
	s.record(ctx, audit.Entry{
		Action:     ActionIntentCreated,
		UserID:     payerID,
		ResourceID: p.ID,
		Meta: map[string]any{
			"eventId":  p.EventID,
			"amount":   p.Amount.String(),
			"currency": p.Currency,
		},
	})
	s.log(ctx).Info("payment intent created", "payment", p.ID, "event", p.EventID, "amount", p.Amount.String(), "currency", p.Currency)

	return &PaymentIntent{
		PaymentID:    p.ID,
		EscrowWallet: s.cfg.EscrowWallet,
		Amount:       p.Amount,
		Currency:     p.Currency,
		Memo:         p.ID,
	}, nil
}

// ConfirmPayment verifies the ledger transaction txHash against the
// pending payment named by its memo. Only the first operation paying
// the escrow wallet is checked.
func (s *Service) ConfirmPayment(ctx context.Context, txHash string) (_ *Payment, err error) {
	ctx, span := traces.StartSpan(ctx, "settlement.ConfirmPayment", traces.TxHash(txHash))
	defer func() {
		ConfirmationsTotal.WithLabelValues(confirmResult(err)).Inc()
		traces.End(span, err)
	}()

	tx, err := s.ledger.GetTransaction(ctx, txHash)
	if errors.Is(err, stellar.ErrLedgerNotFound) {
		err = fmt.Errorf("%w: %s", ErrTransactionNotFound, txHash)
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	if !tx.Successful {
		err = fmt.Errorf("%w: %s", ErrTransactionFailed, txHash)
		return nil, err
	}
	if !tx.HasTextMemo() {
		err = ErrMissingMemo
		return nil, err
	}
	paymentID := tx.Memo
	span.SetAttributes(traces.PaymentID(paymentID))

	unlock, err := s.locks.lock(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	pending, err := s.store.GetPending(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	return s.verify(ctx, pending, tx)
}

func (s *Service) verify(ctx context.Context, p *Payment, tx *stellar.TransactionView) (*Payment, error) {
	var transfers []stellar.Operation
	for _, op := range tx.Operations {
		if op.IsTransfer() {
			transfers = append(transfers, op)
		}
	}
	if len(transfers) == 0 {
		return s.fail(ctx, p, tx.Hash, &ConfirmationError{
			PaymentID: p.ID, Reason: ReasonNoPaymentOperations, Err: ErrNoPaymentOperation,
		})
	}

	var op *stellar.Operation
	for i := range transfers {
		if transfers[i].Destination == s.cfg.EscrowWallet {
			op = &transfers[i]
			break
		}
	}
	if op == nil {
		return s.fail(ctx, p, tx.Hash, &ConfirmationError{
			PaymentID: p.ID, Reason: ReasonWrongDestination,
			Expected: s.cfg.EscrowWallet, Actual: transfers[0].Destination,
			Err: ErrDestinationMismatch,
		})
	}

	code := op.Asset.DisplayCode()
	if !strings.EqualFold(code, p.Currency) {
		return s.fail(ctx, p, tx.Hash, &ConfirmationError{
			PaymentID: p.ID, Reason: ReasonWrongAsset,
			Expected: p.Currency, Actual: op.Asset.String(),
			Err: ErrAssetMismatch,
		})
	}
	if !s.cfg.supports(code) {
		return s.fail(ctx, p, tx.Hash, &ConfirmationError{
			PaymentID: p.ID, Reason: ReasonUnsupportedAsset, Actual: code,
			Err: ErrUnsupportedAsset,
		})
	}

	amount, perr := decimal.NewFromString(op.Amount)
	if perr != nil || amount.Sub(p.Amount).Abs().GreaterThan(AmountTolerance) {
		return s.fail(ctx, p, tx.Hash, &ConfirmationError{
			PaymentID: p.ID, Reason: ReasonWrongAmount,
			Expected: p.Amount.String(), Actual: op.Amount,
			Err: ErrAmountMismatch,
		})
	}

	confirmed, err := s.store.Complete(ctx, p.ID, Transition{
		Status:          StatusConfirmed,
		TransactionHash: tx.Hash,
		At:              time.Now(),
	})
	if err != nil {
		return nil, err
	}

	s.record(ctx, audit.Entry{
		Action:     ActionConfirmed,
		UserID:     confirmed.UserID,
		ResourceID: confirmed.ID,
		Meta: map[string]any{
			"transactionHash": tx.Hash,
			"amount":          op.Amount,
			"currency":        confirmed.Currency,
		},
	})
	s.log(ctx).Info("payment confirmed", "payment", confirmed.ID, "tx", tx.Hash)
	return confirmed, nil
}

// fail records the FAILED transition and its audit entry, then returns
// cause. If another confirmation won the race the payment is left alone.
func (s *Service) fail(ctx context.Context, p *Payment, txHash string, cause *ConfirmationError) (*Payment, error) {
	_, err := s.store.Complete(ctx, p.ID, Transition{
		Status:          StatusFailed,
		TransactionHash: txHash,
		FailureReason:   cause.Reason,
		At:              time.Now(),
	})
	if err != nil {
		return nil, err
	}

	s.record(ctx, audit.Entry{
		Action:     ActionFailed,
		UserID:     p.UserID,
		ResourceID: p.ID,
		Meta: map[string]any{
			"reason":          cause.Reason,
			"transactionHash": txHash,
		},
	})
	s.log(ctx).Warn("payment failed", "payment", p.ID, "tx", txHash, "reason", cause.Reason, "error", cause)
	return nil, cause
}

// GetPayment returns a payment by id.
func (s *Service) GetPayment(ctx context.Context, id string) (*Payment, error) {
	return s.store.Get(ctx, id)
}

// record sends e to the audit sink. A sink failure is logged and never
// changes the outcome of the operation.
func (s *Service) record(ctx context.Context, e audit.Entry) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, e); err != nil {
		s.log(ctx).Error("audit log failed", "action", e.Action, "resource", e.ResourceID, "error", err)
	}
}

func (s *Service) log(ctx context.Context) *slog.Logger {
	if id := logging.RequestID(ctx); id != "" {
		return s.logger.With("request_id", id)
	}
	return s.logger
}
