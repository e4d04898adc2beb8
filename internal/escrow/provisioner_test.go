package escrow

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stellar/go/keypair"
	"github.com/stellar/go/txnbuild"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/tixpay/internal/secretbox"
	"github.com/mbd888/tixpay/internal/stellar"
)

const testCipherSecret = "escrow-cipher-secret"

func newTestProvisioner(t *testing.T) (*Provisioner, *mockLedger, *MemoryStore) {
	t.Helper()
	mgr, ledger := newTestManager()
	funder := keypair.MustRandom()
	ledger.addAccount(funder.Address(), 10, native("10000"))
	store := NewMemoryStore()
	p := NewProvisioner(mgr, store, ProvisionerConfig{
		CipherSecret:  testCipherSecret,
		FundingSecret: funder.Seed(),
	}, nil)
	return p, ledger, store
}

func TestProvision(t *testing.T) {
	p, ledger, store := newTestProvisioner(t)

	acct, err := p.Provision(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.Equal(t, StatusFunded, acct.Status)
	assert.NotEmpty(t, acct.FundingTxHash)

	stored, err := store.Get(context.Background(), "evt_1")
	require.NoError(t, err)
	secret, err := secretbox.Decrypt(stored.EncryptedSecret, testCipherSecret)
	require.NoError(t, err)
	assert.NotContains(t, stored.EncryptedSecret, secret)
	kp, err := keypair.ParseFull(secret)
	require.NoError(t, err)
	assert.Equal(t, acct.PublicKey, kp.Address())

	create := ledger.last(t).Operations()[0].(*txnbuild.CreateAccount)
	assert.Equal(t, acct.PublicKey, create.Destination)

	_, err = p.Provision(context.Background(), "evt_1")
	assert.ErrorIs(t, err, ErrAlreadyProvisioned)
}

// leaveCreated runs a Provision whose funding submission is lost, leaving
// the account in StatusCreated.
func leaveCreated(t *testing.T, p *Provisioner, ledger *mockLedger, store *MemoryStore, eventID string) *Account {
	t.Helper()
	ledger.submitErr = stellar.ErrLedgerUnavailable
	_, err := p.Provision(context.Background(), eventID)
	require.ErrorIs(t, err, stellar.ErrLedgerUnavailable)
	ledger.submitErr = nil

	pending, err := store.Get(context.Background(), eventID)
	require.NoError(t, err)
	require.Equal(t, StatusCreated, pending.Status)
	return pending
}

func TestProvision_RecordsFundingAlreadyOnLedger(t *testing.T) {
	p, ledger, store := newTestProvisioner(t)
	pending := leaveCreated(t, p, ledger, store, "evt_1")

	// The lost create_account did apply.
	ledger.addAccount(pending.PublicKey, 1, native("2.0000000"))
	before := len(ledger.submitted)

	acct, err := p.Provision(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.Equal(t, pending.PublicKey, acct.PublicKey)
	assert.Equal(t, StatusFunded, acct.Status)
	assert.Empty(t, acct.FundingTxHash)
	assert.Len(t, ledger.submitted, before, "no create_account is resubmitted")

	stored, err := store.Get(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.Equal(t, StatusFunded, stored.Status)
}

func TestProvision_FundsAccountMissingFromLedger(t *testing.T) {
	p, ledger, store := newTestProvisioner(t)
	pending := leaveCreated(t, p, ledger, store, "evt_1")
	before := len(ledger.submitted)

	acct, err := p.Provision(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.Equal(t, pending.PublicKey, acct.PublicKey)
	assert.Equal(t, StatusFunded, acct.Status)
	assert.NotEmpty(t, acct.FundingTxHash)
	require.Len(t, ledger.submitted, before+1)

	create := ledger.last(t).Operations()[0].(*txnbuild.CreateAccount)
	assert.Equal(t, pending.PublicKey, create.Destination)
}

func TestProvision_LedgerUnavailableDuringCheck(t *testing.T) {
	p, ledger, store := newTestProvisioner(t)
	leaveCreated(t, p, ledger, store, "evt_1")
	before := len(ledger.submitted)

	ledger.loadErr = stellar.ErrLedgerUnavailable
	_, err := p.Provision(context.Background(), "evt_1")
	assert.ErrorIs(t, err, stellar.ErrLedgerUnavailable)
	assert.Len(t, ledger.submitted, before)

	stored, err := store.Get(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.Equal(t, StatusCreated, stored.Status)
}

func TestProvision_NoFundingSecret(t *testing.T) {
	mgr, _ := newTestManager()
	p := NewProvisioner(mgr, NewMemoryStore(), ProvisionerConfig{CipherSecret: testCipherSecret}, nil)

	_, err := p.Provision(context.Background(), "evt_1")
	assert.ErrorIs(t, err, ErrFundingNotConfigured)
}

func TestRelease(t *testing.T) {
	p, ledger, _ := newTestProvisioner(t)
	acct, err := p.Provision(context.Background(), "evt_1")
	require.NoError(t, err)
	ledger.addAccount(acct.PublicKey, 50, native("2"), usdc("30.0000000"))
	organizer := keypair.MustRandom().Address()

	released, err := p.Release(context.Background(), "evt_1", organizer)
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, released.Status)
	assert.Equal(t, organizer, released.Destination)
	assert.NotEmpty(t, released.ReleaseTxHash)

	tx := ledger.last(t)
	assert.Equal(t, acct.PublicKey, tx.SourceAccount().AccountID)
	assert.Len(t, tx.Operations(), 2)

	_, err = p.Release(context.Background(), "evt_1", organizer)
	assert.ErrorIs(t, err, ErrAlreadyReleased)
}

func TestRelease_Errors(t *testing.T) {
	p, ledger, store := newTestProvisioner(t)

	_, err := p.Release(context.Background(), "missing", keypair.MustRandom().Address())
	assert.ErrorIs(t, err, ErrAccountNotFound)

	ledger.submitErr = stellar.ErrLedgerUnavailable
	_, _ = p.Provision(context.Background(), "evt_unfunded")
	_, err = p.Release(context.Background(), "evt_unfunded", keypair.MustRandom().Address())
	assert.ErrorIs(t, err, ErrNotFunded)
	ledger.submitErr = nil

	acct, err := p.Provision(context.Background(), "evt_tampered")
	require.NoError(t, err)
	acct.EncryptedSecret = flipLastHex(acct.EncryptedSecret)
	require.NoError(t, store.Update(context.Background(), acct))
	_, err = p.Release(context.Background(), "evt_tampered", keypair.MustRandom().Address())
	assert.ErrorIs(t, err, secretbox.ErrDecrypt)

	got, err := store.Get(context.Background(), "evt_tampered")
	require.NoError(t, err)
	assert.Equal(t, StatusFunded, got.Status)
}

func TestRelease_ReconcilesMergedAccount(t *testing.T) {
	p, ledger, store := newTestProvisioner(t)
	// Funded, but the account is gone from the ledger: an earlier sweep
	// merged it and its result was lost.
	_, err := p.Provision(context.Background(), "evt_1")
	require.NoError(t, err)
	before := len(ledger.submitted)

	_, err = p.Release(context.Background(), "evt_1", keypair.MustRandom().Address())
	assert.ErrorIs(t, err, ErrAlreadyReleased)
	assert.Len(t, ledger.submitted, before)

	stored, err := store.Get(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, stored.Status)
	assert.Empty(t, stored.ReleaseTxHash)

	_, err = p.Release(context.Background(), "evt_1", keypair.MustRandom().Address())
	assert.ErrorIs(t, err, ErrAlreadyReleased)
}

func TestPayout(t *testing.T) {
	p, ledger, store := newTestProvisioner(t)
	acct, err := p.Provision(context.Background(), "evt_1")
	require.NoError(t, err)
	ledger.addAccount(acct.PublicKey, 7, native("2"), usdc("30.0000000"))
	buyer := keypair.MustRandom().Address()

	res, err := p.Payout(context.Background(), "evt_1", buyer, "12.5", stellar.Credit("USDC", usdcIssuer))
	require.NoError(t, err)
	assert.NotEmpty(t, res.Hash)

	tx := ledger.last(t)
	assert.Equal(t, acct.PublicKey, tx.SourceAccount().AccountID)
	ops := tx.Operations()
	require.Len(t, ops, 1)
	pay, ok := ops[0].(*txnbuild.Payment)
	require.True(t, ok, "expected payment, got %T", ops[0])
	assert.Equal(t, buyer, pay.Destination)
	assert.Equal(t, "12.5", pay.Amount)

	stored, err := store.Get(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.Equal(t, StatusFunded, stored.Status, "payout leaves the account open")
}

func TestPayout_RequiresFundedAccount(t *testing.T) {
	p, ledger, store := newTestProvisioner(t)
	dest := keypair.MustRandom().Address()

	_, err := p.Payout(context.Background(), "missing", dest, "1", stellar.Native())
	assert.ErrorIs(t, err, ErrAccountNotFound)

	leaveCreated(t, p, ledger, store, "evt_unfunded")
	_, err = p.Payout(context.Background(), "evt_unfunded", dest, "1", stellar.Native())
	assert.ErrorIs(t, err, ErrNotFunded)

	acct, err := p.Provision(context.Background(), "evt_done")
	require.NoError(t, err)
	ledger.addAccount(acct.PublicKey, 1, native("2"))
	_, err = p.Release(context.Background(), "evt_done", dest)
	require.NoError(t, err)
	_, err = p.Payout(context.Background(), "evt_done", dest, "1", stellar.Native())
	assert.ErrorIs(t, err, ErrAlreadyReleased)
}

func TestRelease_ConcurrentCallsReleaseOnce(t *testing.T) {
	p, ledger, _ := newTestProvisioner(t)
	acct, err := p.Provision(context.Background(), "evt_1")
	require.NoError(t, err)
	ledger.addAccount(acct.PublicKey, 50, native("2"))
	before := len(ledger.submitted)

	var wg sync.WaitGroup
	var ok atomic.Int32
	organizer := keypair.MustRandom().Address()
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.Release(context.Background(), "evt_1", organizer); err == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, before+1, len(ledger.submitted))
}

func TestBalance(t *testing.T) {
	p, ledger, _ := newTestProvisioner(t)
	acct, err := p.Provision(context.Background(), "evt_1")
	require.NoError(t, err)
	ledger.addAccount(acct.PublicKey, 1, native("2.0000000"))

	got, err := p.Balance(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.Equal(t, "2.0000000", got)
}

func flipLastHex(token string) string {
	last := token[len(token)-1]
	repl := byte('0')
	if last == '0' {
		repl = '1'
	}
	return token[:len(token)-1] + string(repl)
}
