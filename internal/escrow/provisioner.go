package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/tixpay/internal/secretbox"
	"github.com/mbd888/tixpay/internal/stellar"
	"github.com/mbd888/tixpay/internal/traces"
)

var (
	ErrAccountNotFound      = errors.New("escrow account not found")
	ErrAlreadyProvisioned   = errors.New("escrow account already provisioned")
	ErrAlreadyReleased      = errors.New("escrow account already released")
	ErrNotFunded            = errors.New("escrow account not funded")
	ErrFundingNotConfigured = errors.New("escrow funding account not configured")
)

// Status represents the lifecycle of an escrow account.
type Status string

const (
	StatusCreated  Status = "created"  // Keypair stored, not yet on the ledger
	StatusFunded   Status = "funded"   // Account exists on the ledger
	StatusReleased Status = "released" // Swept and merged into the organizer
)

// Account is the persisted escrow account of one event.
type Account struct {
	EventID         string    `json:"eventId"`
	PublicKey       string    `json:"publicKey"`
	EncryptedSecret string    `json:"-"`
	Status          Status    `json:"status"`
	FundingTxHash   string    `json:"fundingTxHash,omitempty"`
	ReleaseTxHash   string    `json:"releaseTxHash,omitempty"`
	Destination     string    `json:"destination,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Store persists escrow accounts.
type Store interface {
	Create(ctx context.Context, a *Account) error
	Get(ctx context.Context, eventID string) (*Account, error)
	Update(ctx context.Context, a *Account) error
}

// ProvisionerConfig holds the secrets a Provisioner needs.
type ProvisionerConfig struct {
	// CipherSecret encrypts escrow secrets at rest.
	CipherSecret string
	// FundingSecret pays for new escrow accounts. Empty disables Provision.
	FundingSecret   string
	StartingBalance string
}

// Provisioner owns the per-event escrow account lifecycle.
type Provisioner struct {
	manager *Manager
	store   Store
	cfg     ProvisionerConfig
	logger  *slog.Logger
	locks   sync.Map // per-event locks
}

// NewProvisioner creates a Provisioner.
func NewProvisioner(manager *Manager, store Store, cfg ProvisionerConfig, logger *slog.Logger) *Provisioner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provisioner{
		manager: manager,
		store:   store,
		cfg:     cfg,
		logger:  logger,
	}
}

func (p *Provisioner) eventLock(eventID string) *sync.Mutex {
	v, _ := p.locks.LoadOrStore(eventID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Provision creates and funds the escrow account for an event. For an
// account left in StatusCreated by an earlier attempt whose outcome was
// lost, the ledger is queried first: an account already on the ledger is
// recorded as funded, and only a missing one is funded again.
func (p *Provisioner) Provision(ctx context.Context, eventID string) (*Account, error) {
	if p.cfg.FundingSecret == "" {
		return nil, ErrFundingNotConfigured
	}

	ctx, span := traces.StartSpan(ctx, "escrow.Provision", traces.EventID(eventID))
	var err error
	defer func() { traces.End(span, err) }()

	mu := p.eventLock(eventID)
	mu.Lock()
	defer mu.Unlock()

	acct, err := p.store.Get(ctx, eventID)
	switch {
	case errors.Is(err, ErrAccountNotFound):
		acct, err = p.create(ctx, eventID)
		if err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	case acct.Status != StatusCreated:
		err = ErrAlreadyProvisioned
		return nil, err
	default:
		var exists bool
		exists, err = p.manager.AccountExists(ctx, acct.PublicKey)
		if err != nil {
			return nil, err
		}
		if exists {
			p.logger.Warn("escrow funding found on ledger, recording", "event", eventID, "account", acct.PublicKey)
			acct, err = p.markFunded(ctx, acct, "")
			return acct, err
		}
	}
	span.SetAttributes(traces.Account(acct.PublicKey))

	res, err := p.manager.FundAccount(ctx, p.cfg.FundingSecret, acct.PublicKey, p.cfg.StartingBalance)
	if err != nil {
		p.logger.Error("escrow funding failed", "event", eventID, "account", acct.PublicKey, "error", err)
		return nil, err
	}
	acct, err = p.markFunded(ctx, acct, res.Hash)
	return acct, err
}

func (p *Provisioner) markFunded(ctx context.Context, acct *Account, txHash string) (*Account, error) {
	acct.Status = StatusFunded
	acct.FundingTxHash = txHash
	acct.UpdatedAt = time.Now()
	if err := p.store.Update(ctx, acct); err != nil {
		return nil, fmt.Errorf("escrow: record funding of %s: %w", acct.EventID, err)
	}
	return acct, nil
}

func (p *Provisioner) create(ctx context.Context, eventID string) (*Account, error) {
	kp, err := p.manager.GenerateKeypair()
	if err != nil {
		return nil, err
	}
	sealed, err := secretbox.Encrypt(kp.Secret, p.cfg.CipherSecret)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	acct := &Account{
		EventID:         eventID,
		PublicKey:       kp.PublicKey,
		EncryptedSecret: sealed,
		Status:          StatusCreated,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := p.store.Create(ctx, acct); err != nil {
		return nil, fmt.Errorf("escrow: store account for %s: %w", eventID, err)
	}
	p.logger.Info("escrow account created", "event", eventID, "account", kp.PublicKey)
	return acct, nil
}

// Release sweeps the event's escrow account into destination. The escrow
// secret is decrypted only for the duration of the signing call.
//
// A funded account that is no longer on the ledger was merged by an
// earlier release whose outcome was lost. The row is reconciled to
// StatusReleased and ErrAlreadyReleased is returned; nothing is submitted.
func (p *Provisioner) Release(ctx context.Context, eventID, destination string) (*Account, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Release", traces.EventID(eventID))
	var err error
	defer func() { traces.End(span, err) }()

	mu := p.eventLock(eventID)
	mu.Lock()
	defer mu.Unlock()

	acct, err := p.fundedAccount(ctx, eventID)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(traces.Account(acct.PublicKey))

	secret, err := p.unseal(acct)
	if err != nil {
		return nil, err
	}
	res, err := p.manager.ReleaseFunds(ctx, secret, destination)
	if errors.Is(err, stellar.ErrLedgerNotFound) {
		err = p.reconcileMerged(ctx, acct)
		return nil, err
	}
	if err != nil {
		p.logger.Error("escrow release failed", "event", eventID, "account", acct.PublicKey, "error", err)
		return nil, err
	}

	acct.Status = StatusReleased
	acct.ReleaseTxHash = res.Hash
	acct.Destination = destination
	acct.UpdatedAt = time.Now()
	if err = p.store.Update(ctx, acct); err != nil {
		// The sweep is on the ledger; only the bookkeeping is missing.
		p.logger.Error("escrow released but not recorded", "event", eventID, "tx", res.Hash, "error", err)
		return nil, fmt.Errorf("escrow: record release of %s: %w", eventID, err)
	}
	return acct, nil
}

// reconcileMerged records a release that reached the ledger without being
// recorded. Its transaction and destination are unknown here.
func (p *Provisioner) reconcileMerged(ctx context.Context, acct *Account) error {
	p.logger.Warn("escrow account already merged, recording release", "event", acct.EventID, "account", acct.PublicKey)
	acct.Status = StatusReleased
	acct.UpdatedAt = time.Now()
	if err := p.store.Update(ctx, acct); err != nil {
		return fmt.Errorf("escrow: record release of %s: %w", acct.EventID, err)
	}
	return fmt.Errorf("escrow: %s merged by an earlier release: %w", acct.PublicKey, ErrAlreadyReleased)
}

// Payout pays amount of asset from the event's escrow account to
// destination and leaves the account open.
func (p *Provisioner) Payout(ctx context.Context, eventID, destination, amount string, asset stellar.Asset) (*stellar.SubmitResult, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Payout", traces.EventID(eventID))
	var err error
	defer func() { traces.End(span, err) }()

	mu := p.eventLock(eventID)
	mu.Lock()
	defer mu.Unlock()

	acct, err := p.fundedAccount(ctx, eventID)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(traces.Account(acct.PublicKey))

	secret, err := p.unseal(acct)
	if err != nil {
		return nil, err
	}
	res, err := p.manager.SendPayment(ctx, secret, destination, amount, asset)
	if err != nil {
		p.logger.Error("escrow payout failed", "event", eventID, "account", acct.PublicKey, "error", err)
		return nil, err
	}
	span.SetAttributes(traces.TxHash(res.Hash))
	p.logger.Info("escrow payout sent",
		"event", eventID,
		"destination", destination,
		"amount", amount,
		"asset", asset.String(),
		"tx", res.Hash,
	)
	return res, nil
}

func (p *Provisioner) fundedAccount(ctx context.Context, eventID string) (*Account, error) {
	acct, err := p.store.Get(ctx, eventID)
	if err != nil {
		return nil, err
	}
	switch acct.Status {
	case StatusReleased:
		return nil, ErrAlreadyReleased
	case StatusCreated:
		return nil, ErrNotFunded
	}
	return acct, nil
}

func (p *Provisioner) unseal(acct *Account) (string, error) {
	secret, err := secretbox.Decrypt(acct.EncryptedSecret, p.cfg.CipherSecret)
	if err != nil {
		return "", fmt.Errorf("escrow: unseal secret for %s: %w", acct.EventID, err)
	}
	return secret, nil
}

// Balance returns the native balance held by the event's escrow account.
func (p *Provisioner) Balance(ctx context.Context, eventID string) (string, error) {
	acct, err := p.store.Get(ctx, eventID)
	if err != nil {
		return "", err
	}
	if acct.Status != StatusFunded {
		return "0", nil
	}
	return p.manager.NativeBalance(ctx, acct.PublicKey)
}

// Get returns the event's escrow account.
func (p *Provisioner) Get(ctx context.Context, eventID string) (*Account, error) {
	return p.store.Get(ctx, eventID)
}
