// Package stellar wraps the Horizon API of the Stellar network.
//
// The Client is a thin, stateful adapter: it loads accounts, submits
// signed transactions, fetches transactions with their operations and
// streams incoming payments. Failures are reduced to three kinds so
// callers can decide what is safe to retry:
//
//   - ErrLedgerUnavailable: transport, timeout or server failure
//   - ErrLedgerNotFound:    the queried resource does not exist
//   - *RejectedError:       the ledger refused a submitted transaction
//
// Submissions are never retried here. A submission whose response was
// lost may or may not have applied; resolve it by fetching the hash.
package stellar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/stellar/go/clients/horizonclient"
	"github.com/stellar/go/network"
	hProtocol "github.com/stellar/go/protocols/horizon"
	"github.com/stellar/go/protocols/horizon/operations"
	"github.com/stellar/go/txnbuild"
)

var (
	ErrLedgerUnavailable = errors.New("stellar: ledger unavailable")
	ErrLedgerNotFound    = errors.New("stellar: resource not found")
	ErrLedgerRejected    = errors.New("stellar: transaction rejected")
	ErrNetworkMismatch   = errors.New("stellar: horizon serves a different network")
)

// RejectedError carries the ledger's result codes for a refused submission.
type RejectedError struct {
	TransactionCode string
	OperationCodes  []string
}

func (e *RejectedError) Error() string {
	if len(e.OperationCodes) > 0 {
		return fmt.Sprintf("stellar: transaction rejected: %s [%s]", e.TransactionCode, strings.Join(e.OperationCodes, ","))
	}
	return "stellar: transaction rejected: " + e.TransactionCode
}

func (e *RejectedError) Unwrap() error { return ErrLedgerRejected }

// Horizon is the subset of horizonclient.Client used by Client.
type Horizon interface {
	Root() (hProtocol.Root, error)
	AccountDetail(request horizonclient.AccountRequest) (hProtocol.Account, error)
	SubmitTransaction(transaction *txnbuild.Transaction) (hProtocol.Transaction, error)
	TransactionDetail(txHash string) (hProtocol.Transaction, error)
	Operations(request horizonclient.OperationRequest) (operations.OperationsPage, error)
	StreamPayments(ctx context.Context, request horizonclient.OperationRequest, handler horizonclient.OperationHandler) error
}

var _ Horizon = (*horizonclient.Client)(nil)

const (
	DefaultHorizonURL = "https://horizon-testnet.stellar.org"
	DefaultTimeout    = 30 * time.Second

	// Horizon's page size ceiling; a transaction holds at most 100 operations.
	maxOperationsPage = 200
)

// Config for creating a Client.
type Config struct {
	HorizonURL        string
	NetworkPassphrase string
	Timeout           time.Duration
}

// Option configures the Client.
type Option func(*Client)

// WithHorizon sets a custom Horizon implementation (useful for testing).
func WithHorizon(h Horizon) Option {
	return func(c *Client) {
		c.horizon = h
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// Client is the process-wide ledger client.
type Client struct {
	horizon    Horizon
	passphrase string
	logger     *slog.Logger
}

// New creates a Client. Without WithHorizon it talks HTTP to cfg.HorizonURL.
func New(cfg Config, opts ...Option) *Client {
	if cfg.HorizonURL == "" {
		cfg.HorizonURL = DefaultHorizonURL
	}
	if cfg.NetworkPassphrase == "" {
		cfg.NetworkPassphrase = network.TestNetworkPassphrase
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	c := &Client{
		passphrase: cfg.NetworkPassphrase,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.horizon == nil {
		c.horizon = &horizonclient.Client{
			HorizonURL: cfg.HorizonURL,
			HTTP:       &http.Client{Timeout: cfg.Timeout},
			AppName:    "tixpay",
		}
	}
	return c
}

// Ping checks connectivity to Horizon and that it serves the network the
// client signs for.
func (c *Client) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	done := observe("root")
	root, err := c.horizon.Root()
	err = classify("root", err)
	done(err)
	if err != nil {
		return err
	}
	if root.NetworkPassphrase != "" && root.NetworkPassphrase != c.passphrase {
		return fmt.Errorf("%w: %q", ErrNetworkMismatch, root.NetworkPassphrase)
	}
	return nil
}

// LoadAccount returns the account's sequence and balances.
func (c *Client) LoadAccount(ctx context.Context, publicKey string) (*AccountState, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	c.logger.Debug("load account", "account", publicKey)

	done := observe("load_account")
	acct, err := c.horizon.AccountDetail(horizonclient.AccountRequest{AccountID: publicKey})
	err = classify("load_account", err)
	done(err)
	if err != nil {
		return nil, err
	}

	seq, err := acct.GetSequenceNumber()
	if err != nil {
		return nil, fmt.Errorf("stellar: parse sequence for %s: %w", publicKey, err)
	}

	state := &AccountState{
		AccountID: acct.AccountID,
		Sequence:  seq,
		Balances:  make([]Balance, 0, len(acct.Balances)),
	}
	for _, b := range acct.Balances {
		state.Balances = append(state.Balances, Balance{
			Asset:  assetFromBase(b.Asset),
			Amount: b.Balance,
		})
	}
	return state, nil
}

// SubmitTransaction submits a signed transaction synchronously.
func (c *Client) SubmitTransaction(ctx context.Context, tx *txnbuild.Transaction) (*SubmitResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	c.logger.Debug("submit transaction", "operations", len(tx.Operations()))

	done := observe("submit")
	resp, err := c.horizon.SubmitTransaction(tx)
	err = classifySubmit(err)
	done(err)
	if err != nil {
		return nil, err
	}

	return &SubmitResult{Hash: resp.Hash, Ledger: resp.Ledger, Raw: resp}, nil
}

// GetTransaction fetches a transaction and its operations.
func (c *Client) GetTransaction(ctx context.Context, hash string) (*TransactionView, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	c.logger.Debug("get transaction", "tx", hash)

	done := observe("get_transaction")
	tx, err := c.horizon.TransactionDetail(hash)
	err = classify("get_transaction", err)
	done(err)
	if err != nil {
		return nil, err
	}

	ops, err := c.GetOperations(ctx, hash)
	if err != nil {
		return nil, err
	}

	return &TransactionView{
		Hash:       tx.Hash,
		Memo:       tx.Memo,
		MemoType:   tx.MemoType,
		Successful: tx.Successful,
		Operations: ops,
	}, nil
}

// GetOperations lists the operations of a transaction in application order.
func (c *Client) GetOperations(ctx context.Context, hash string) ([]Operation, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}

	done := observe("get_operations")
	page, err := c.horizon.Operations(horizonclient.OperationRequest{
		ForTransaction: hash,
		Order:          horizonclient.OrderAsc,
		Limit:          maxOperationsPage,
	})
	err = classify("get_operations", err)
	done(err)
	if err != nil {
		return nil, err
	}

	ops := make([]Operation, 0, len(page.Embedded.Records))
	for _, rec := range page.Embedded.Records {
		ops = append(ops, toOperation(rec))
	}
	return ops, nil
}

func toOperation(rec operations.Operation) Operation {
	op := Operation{ID: rec.GetID(), Type: rec.GetType()}
	switch o := rec.(type) {
	case operations.Payment:
		op.Destination = o.To
		op.Asset = assetFromBase(o.Asset)
		op.Amount = o.Amount
	case operations.CreateAccount:
		op.Destination = o.Account
		op.Asset = Native()
		op.Amount = o.StartingBalance
	}
	return op
}

// Stream is an open payment subscription.
type Stream struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	mu  sync.Mutex
	err error
}

// Close terminates the subscription and waits for it to stop. It is safe
// to call more than once.
func (s *Stream) Close() {
	s.once.Do(s.cancel)
	<-s.done
}

// Done is closed once the subscription has ended for any reason.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Err returns the error that ended the stream, or nil if it was closed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// NewStream runs fn on its own goroutine under a cancellable child of
// ctx and returns the Stream controlling it. fn should return once its
// context is done.
func NewStream(ctx context.Context, fn func(ctx context.Context) error) *Stream {
	streamCtx, cancel := context.WithCancel(ctx)
	s := &Stream{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(s.done)
		if err := fn(streamCtx); err != nil && streamCtx.Err() == nil {
			s.mu.Lock()
			s.err = err
			s.mu.Unlock()
		}
	}()
	return s
}

// StreamPayments subscribes to payment operations from "now" on and
// delivers each one to onEvent in ledger order. A non-empty account limits
// the stream to operations touching that account; empty streams the whole
// network. onEvent runs on the stream goroutine.
func (c *Client) StreamPayments(ctx context.Context, account string, onEvent func(PaymentEvent)) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}

	c.logger.Debug("opening payment stream", "account", account)
	req := horizonclient.OperationRequest{ForAccount: account, Cursor: "now"}
	return NewStream(ctx, func(ctx context.Context) error {
		err := c.horizon.StreamPayments(ctx, req,
			func(rec operations.Operation) {
				StreamEventsTotal.Inc()
				onEvent(PaymentEvent{
					ID:              rec.GetID(),
					PagingToken:     rec.PagingToken(),
					TransactionHash: rec.GetTransactionHash(),
					Operation:       toOperation(rec),
				})
			})
		if err != nil && ctx.Err() == nil {
			c.logger.Error("payment stream ended", "error", err)
			return classify("stream_payments", err)
		}
		return nil
	}), nil
}

// classify reduces a Horizon read error to the package's error kinds.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var hErr *horizonclient.Error
	if errors.As(err, &hErr) {
		switch status := hErr.Problem.Status; {
		case status == http.StatusNotFound, status == http.StatusBadRequest:
			return fmt.Errorf("%w: %s: %s", ErrLedgerNotFound, op, hErr.Problem.Title)
		default:
			return fmt.Errorf("%w: %s: status %d: %s", ErrLedgerUnavailable, op, status, hErr.Problem.Title)
		}
	}
	return fmt.Errorf("%w: %s: %v", ErrLedgerUnavailable, op, err)
}

// classifySubmit is classify for submissions, where a 400 carries the
// ledger's result codes. A 504 means the outcome is unknown.
func classifySubmit(err error) error {
	if err == nil {
		return nil
	}
	var hErr *horizonclient.Error
	if errors.As(err, &hErr) && hErr.Problem.Status == http.StatusBadRequest {
		rejected := &RejectedError{TransactionCode: hErr.Problem.Title}
		if codes, cErr := hErr.ResultCodes(); cErr == nil && codes != nil {
			rejected.TransactionCode = codes.TransactionCode
			rejected.OperationCodes = codes.OperationCodes
		}
		return rejected
	}
	return classify("submit", err)
}
