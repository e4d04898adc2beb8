// Package escrow manages the ledger accounts that hold buyer payments
// until they are released to an event organizer.
//
// Flow:
//  1. GenerateKeypair creates a fresh escrow account key (never stored here)
//  2. FundAccount creates the account on the ledger from a funding account
//  3. Buyers pay into the escrow account
//  4. ReleaseFunds sweeps every credit balance to the organizer and merges
//     the account into the organizer in the same transaction
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"
	"github.com/stellar/go/keypair"
	"github.com/stellar/go/txnbuild"

	"github.com/mbd888/tixpay/internal/stellar"
)

// DefaultStartingBalance funds a new escrow account above the ledger's
// base reserve plus room for a few trustlines.
const DefaultStartingBalance = "2"

// TxTimeout bounds how long a signed transaction stays valid.
const TxTimeout = 30

var (
	ErrInvalidSecret      = errors.New("escrow: invalid secret key")
	ErrInvalidDestination = errors.New("escrow: invalid destination address")
	ErrInvalidAmount      = errors.New("escrow: amount must be positive")
)

// Ledger is the subset of the ledger client used by the Manager.
type Ledger interface {
	LoadAccount(ctx context.Context, publicKey string) (*stellar.AccountState, error)
	SubmitTransaction(ctx context.Context, tx *txnbuild.Transaction) (*stellar.SubmitResult, error)
}

// Keypair is a freshly generated escrow key. Secret must be encrypted
// before it is persisted anywhere.
type Keypair struct {
	PublicKey string
	Secret    string
}

// Manager builds, signs and submits escrow account transactions.
type Manager struct {
	ledger     Ledger
	passphrase string
	logger     *slog.Logger
}

// NewManager creates a Manager that signs for the given network passphrase.
func NewManager(ledger Ledger, passphrase string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		ledger:     ledger,
		passphrase: passphrase,
		logger:     logger,
	}
}

// GenerateKeypair returns a cryptographically random keypair.
func (m *Manager) GenerateKeypair() (*Keypair, error) {
	kp, err := keypair.Random()
	if err != nil {
		return nil, fmt.Errorf("escrow: generate keypair: %w", err)
	}
	return &Keypair{PublicKey: kp.Address(), Secret: kp.Seed()}, nil
}

// FundAccount creates newPublicKey on the ledger with startingBalance of
// the native asset, paid by the funder. The submission is not retried.
func (m *Manager) FundAccount(ctx context.Context, funderSecret, newPublicKey, startingBalance string) (*stellar.SubmitResult, error) {
	funder, err := parseSecret(funderSecret)
	if err != nil {
		return nil, err
	}
	if _, err := keypair.ParseAddress(newPublicKey); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDestination, err)
	}
	if startingBalance == "" {
		startingBalance = DefaultStartingBalance
	}

	state, err := m.ledger.LoadAccount(ctx, funder.Address())
	if err != nil {
		return nil, err
	}

	tx, err := m.sign(state, funder, &txnbuild.CreateAccount{
		Destination: newPublicKey,
		Amount:      startingBalance,
	})
	if err != nil {
		return nil, err
	}

	res, err := m.ledger.SubmitTransaction(ctx, tx)
	if err != nil {
		return nil, err
	}
	m.logger.Info("escrow account funded", "account", newPublicKey, "tx", res.Hash)
	return res, nil
}

// ReleaseFunds empties the escrow account into destination: one payment
// per positive credit balance followed by an account merge, all in one
// transaction so the sweep applies entirely or not at all.
func (m *Manager) ReleaseFunds(ctx context.Context, escrowSecret, destination string) (*stellar.SubmitResult, error) {
	escrowKP, err := parseSecret(escrowSecret)
	if err != nil {
		return nil, err
	}
	if _, err := keypair.ParseAddress(destination); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDestination, err)
	}

	state, err := m.ledger.LoadAccount(ctx, escrowKP.Address())
	if err != nil {
		return nil, err
	}

	ops, err := releaseOperations(state.Balances, destination)
	if err != nil {
		return nil, err
	}

	tx, err := m.sign(state, escrowKP, ops...)
	if err != nil {
		return nil, err
	}

	res, err := m.ledger.SubmitTransaction(ctx, tx)
	if err != nil {
		return nil, err
	}
	m.logger.Info("escrow released",
		"account", escrowKP.Address(),
		"destination", destination,
		"operations", len(ops),
		"tx", res.Hash,
	)
	return res, nil
}

// SendPayment pays amount of asset from the escrow account to destination.
// The account stays open.
func (m *Manager) SendPayment(ctx context.Context, escrowSecret, destination, amount string, asset stellar.Asset) (*stellar.SubmitResult, error) {
	escrowKP, err := parseSecret(escrowSecret)
	if err != nil {
		return nil, err
	}
	if _, err := keypair.ParseAddress(destination); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDestination, err)
	}
	if d, err := decimal.NewFromString(amount); err != nil || !d.IsPositive() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}

	state, err := m.ledger.LoadAccount(ctx, escrowKP.Address())
	if err != nil {
		return nil, err
	}

	tx, err := m.sign(state, escrowKP, &txnbuild.Payment{
		Destination: destination,
		Amount:      amount,
		Asset:       asset.TxnAsset(),
	})
	if err != nil {
		return nil, err
	}
	return m.ledger.SubmitTransaction(ctx, tx)
}

// AccountExists reports whether publicKey is an open account on the ledger.
func (m *Manager) AccountExists(ctx context.Context, publicKey string) (bool, error) {
	_, err := m.ledger.LoadAccount(ctx, publicKey)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, stellar.ErrLedgerNotFound):
		return false, nil
	default:
		return false, err
	}
}

// NativeBalance returns the account's native balance, or "0" when the
// account has no native balance line.
func (m *Manager) NativeBalance(ctx context.Context, publicKey string) (string, error) {
	state, err := m.ledger.LoadAccount(ctx, publicKey)
	if err != nil {
		return "", err
	}
	for _, b := range state.Balances {
		if b.Asset.IsNative() {
			return b.Amount, nil
		}
	}
	return "0", nil
}

// releaseOperations returns the sweep for balances. Merge is always last:
// the ledger applies operations in order and merging first would delete
// the account before its credit balances move.
func releaseOperations(balances []stellar.Balance, destination string) ([]txnbuild.Operation, error) {
	ops := make([]txnbuild.Operation, 0, len(balances))
	for _, b := range balances {
		if b.Asset.Kind != stellar.AssetCredit {
			continue
		}
		amount, err := decimal.NewFromString(b.Amount)
		if err != nil {
			return nil, fmt.Errorf("escrow: parse %s balance %q: %w", b.Asset.Code, b.Amount, err)
		}
		if !amount.IsPositive() {
			continue
		}
		ops = append(ops, &txnbuild.Payment{
			Destination: destination,
			Amount:      b.Amount,
			Asset:       b.Asset.TxnAsset(),
		})
	}
	ops = append(ops, &txnbuild.AccountMerge{Destination: destination})
	return ops, nil
}

func (m *Manager) sign(state *stellar.AccountState, signer *keypair.Full, ops ...txnbuild.Operation) (*txnbuild.Transaction, error) {
	tx, err := txnbuild.NewTransaction(txnbuild.TransactionParams{
		SourceAccount:        state.SourceAccount(),
		IncrementSequenceNum: true,
		Operations:           ops,
		BaseFee:              txnbuild.MinBaseFee,
		Preconditions:        txnbuild.Preconditions{TimeBounds: txnbuild.NewTimeout(TxTimeout)},
	})
	if err != nil {
		return nil, fmt.Errorf("escrow: build transaction: %w", err)
	}
	tx, err = tx.Sign(m.passphrase, signer)
	if err != nil {
		return nil, fmt.Errorf("escrow: sign transaction: %w", err)
	}
	return tx, nil
}

func parseSecret(secret string) (*keypair.Full, error) {
	kp, err := keypair.ParseFull(secret)
	if err != nil {
		return nil, ErrInvalidSecret
	}
	return kp, nil
}
