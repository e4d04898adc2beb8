package escrow

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stellar/go/keypair"
	"github.com/stellar/go/network"
	"github.com/stellar/go/txnbuild"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/tixpay/internal/stellar"
)

const usdcIssuer = "GA5ZSEJYB37JRC5AVCIA5MOP4RHTM335X2KGX3IHOJAPP5RE34K4KZVN"

// mockLedger records submitted transactions against in-memory accounts.
type mockLedger struct {
	mu        sync.Mutex
	accounts  map[string]*stellar.AccountState
	submitted []*txnbuild.Transaction
	submitErr error
	loadErr   error
}

func newMockLedger() *mockLedger {
	return &mockLedger{accounts: make(map[string]*stellar.AccountState)}
}

func (m *mockLedger) addAccount(publicKey string, seq int64, balances ...stellar.Balance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[publicKey] = &stellar.AccountState{AccountID: publicKey, Sequence: seq, Balances: balances}
}

func (m *mockLedger) LoadAccount(_ context.Context, publicKey string) (*stellar.AccountState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	acct, ok := m.accounts[publicKey]
	if !ok {
		return nil, stellar.ErrLedgerNotFound
	}
	cp := *acct
	return &cp, nil
}

func (m *mockLedger) SubmitTransaction(_ context.Context, tx *txnbuild.Transaction) (*stellar.SubmitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.submitErr != nil {
		return nil, m.submitErr
	}
	m.submitted = append(m.submitted, tx)
	hash, err := tx.HashHex(network.TestNetworkPassphrase)
	if err != nil {
		return nil, err
	}
	return &stellar.SubmitResult{Hash: hash, Ledger: 1}, nil
}

func (m *mockLedger) last(t *testing.T) *txnbuild.Transaction {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.submitted, "no transaction submitted")
	return m.submitted[len(m.submitted)-1]
}

func native(amount string) stellar.Balance {
	return stellar.Balance{Asset: stellar.Native(), Amount: amount}
}

func usdc(amount string) stellar.Balance {
	return stellar.Balance{Asset: stellar.Credit("USDC", usdcIssuer), Amount: amount}
}

func newTestManager() (*Manager, *mockLedger) {
	ledger := newMockLedger()
	return NewManager(ledger, network.TestNetworkPassphrase, nil), ledger
}

func TestGenerateKeypair(t *testing.T) {
	mgr, _ := newTestManager()

	a, err := mgr.GenerateKeypair()
	require.NoError(t, err)
	b, err := mgr.GenerateKeypair()
	require.NoError(t, err)

	assert.NotEqual(t, a.PublicKey, b.PublicKey)
	kp, err := keypair.ParseFull(a.Secret)
	require.NoError(t, err)
	assert.Equal(t, a.PublicKey, kp.Address())
}

func TestFundAccount(t *testing.T) {
	mgr, ledger := newTestManager()
	funder := keypair.MustRandom()
	ledger.addAccount(funder.Address(), 100, native("1000.0000000"))
	newAcct := keypair.MustRandom().Address()

	res, err := mgr.FundAccount(context.Background(), funder.Seed(), newAcct, "")
	require.NoError(t, err)
	assert.NotEmpty(t, res.Hash)

	tx := ledger.last(t)
	assert.Equal(t, funder.Address(), tx.SourceAccount().AccountID)
	assert.Equal(t, int64(101), tx.SourceAccount().Sequence)
	assert.Len(t, tx.Signatures(), 1)

	ops := tx.Operations()
	require.Len(t, ops, 1)
	create, ok := ops[0].(*txnbuild.CreateAccount)
	require.True(t, ok, "expected create_account, got %T", ops[0])
	assert.Equal(t, newAcct, create.Destination)
	assert.Equal(t, DefaultStartingBalance, create.Amount)
}

func TestFundAccount_InvalidInputs(t *testing.T) {
	mgr, ledger := newTestManager()

	_, err := mgr.FundAccount(context.Background(), "not-a-secret", keypair.MustRandom().Address(), "5")
	assert.ErrorIs(t, err, ErrInvalidSecret)

	_, err = mgr.FundAccount(context.Background(), keypair.MustRandom().Seed(), "GBAD", "5")
	assert.ErrorIs(t, err, ErrInvalidDestination)

	assert.Empty(t, ledger.submitted)
}

func TestFundAccount_LedgerErrorsPassThrough(t *testing.T) {
	mgr, ledger := newTestManager()
	funder := keypair.MustRandom()
	ledger.addAccount(funder.Address(), 1, native("10"))
	ledger.submitErr = &stellar.RejectedError{TransactionCode: "tx_failed", OperationCodes: []string{"op_already_exists"}}

	_, err := mgr.FundAccount(context.Background(), funder.Seed(), keypair.MustRandom().Address(), "2")
	var rejected *stellar.RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, []string{"op_already_exists"}, rejected.OperationCodes)

	_, err = mgr.FundAccount(context.Background(), keypair.MustRandom().Seed(), keypair.MustRandom().Address(), "2")
	assert.ErrorIs(t, err, stellar.ErrLedgerNotFound)
}

func TestReleaseFunds_SweepsCreditThenMerges(t *testing.T) {
	mgr, ledger := newTestManager()
	escrowKP := keypair.MustRandom()
	organizer := keypair.MustRandom().Address()
	ledger.addAccount(escrowKP.Address(), 7, native("100.0000000"), usdc("250.0000000"))

	_, err := mgr.ReleaseFunds(context.Background(), escrowKP.Seed(), organizer)
	require.NoError(t, err)

	ops := ledger.last(t).Operations()
	require.Len(t, ops, 2)

	pay, ok := ops[0].(*txnbuild.Payment)
	require.True(t, ok, "expected payment first, got %T", ops[0])
	assert.Equal(t, organizer, pay.Destination)
	assert.Equal(t, "250.0000000", pay.Amount)
	assert.Equal(t, txnbuild.CreditAsset{Code: "USDC", Issuer: usdcIssuer}, pay.Asset)

	merge, ok := ops[1].(*txnbuild.AccountMerge)
	require.True(t, ok, "expected merge last, got %T", ops[1])
	assert.Equal(t, organizer, merge.Destination)
}

func TestReleaseFunds_NativeOnly(t *testing.T) {
	mgr, ledger := newTestManager()
	escrowKP := keypair.MustRandom()
	ledger.addAccount(escrowKP.Address(), 7, native("100.0000000"))

	_, err := mgr.ReleaseFunds(context.Background(), escrowKP.Seed(), keypair.MustRandom().Address())
	require.NoError(t, err)

	ops := ledger.last(t).Operations()
	require.Len(t, ops, 1)
	assert.IsType(t, &txnbuild.AccountMerge{}, ops[0])
}

func TestReleaseFunds_SkipsZeroBalances(t *testing.T) {
	mgr, ledger := newTestManager()
	escrowKP := keypair.MustRandom()
	eurc := stellar.Balance{Asset: stellar.Credit("EURC", usdcIssuer), Amount: "12.5000000"}
	ledger.addAccount(escrowKP.Address(), 7, usdc("0.0000000"), native("3.0000000"), eurc)

	_, err := mgr.ReleaseFunds(context.Background(), escrowKP.Seed(), keypair.MustRandom().Address())
	require.NoError(t, err)

	ops := ledger.last(t).Operations()
	require.Len(t, ops, 2)
	pay := ops[0].(*txnbuild.Payment)
	assert.Equal(t, "12.5000000", pay.Amount)
	assert.Equal(t, txnbuild.CreditAsset{Code: "EURC", Issuer: usdcIssuer}, pay.Asset)
	assert.IsType(t, &txnbuild.AccountMerge{}, ops[1])
}

func TestReleaseFunds_PreservesBalanceOrder(t *testing.T) {
	mgr, ledger := newTestManager()
	escrowKP := keypair.MustRandom()
	ledger.addAccount(escrowKP.Address(), 1,
		stellar.Balance{Asset: stellar.Credit("BBB", usdcIssuer), Amount: "1.0000000"},
		native("5"),
		stellar.Balance{Asset: stellar.Credit("AAA", usdcIssuer), Amount: "2.0000000"},
	)

	_, err := mgr.ReleaseFunds(context.Background(), escrowKP.Seed(), keypair.MustRandom().Address())
	require.NoError(t, err)

	ops := ledger.last(t).Operations()
	require.Len(t, ops, 3)
	assert.Equal(t, "BBB", ops[0].(*txnbuild.Payment).Asset.GetCode())
	assert.Equal(t, "AAA", ops[1].(*txnbuild.Payment).Asset.GetCode())
	assert.IsType(t, &txnbuild.AccountMerge{}, ops[2])
}

func TestReleaseFunds_UnparseableBalance(t *testing.T) {
	_, err := releaseOperations([]stellar.Balance{usdc("abc")}, keypair.MustRandom().Address())
	assert.Error(t, err)
}

func TestReleaseFunds_Errors(t *testing.T) {
	mgr, ledger := newTestManager()
	escrowKP := keypair.MustRandom()

	_, err := mgr.ReleaseFunds(context.Background(), escrowKP.Seed(), keypair.MustRandom().Address())
	assert.ErrorIs(t, err, stellar.ErrLedgerNotFound)

	ledger.addAccount(escrowKP.Address(), 1, native("5"))
	ledger.submitErr = errors.Join(stellar.ErrLedgerUnavailable, errors.New("timeout"))
	_, err = mgr.ReleaseFunds(context.Background(), escrowKP.Seed(), keypair.MustRandom().Address())
	assert.ErrorIs(t, err, stellar.ErrLedgerUnavailable)

	_, err = mgr.ReleaseFunds(context.Background(), escrowKP.Seed(), "nowhere")
	assert.ErrorIs(t, err, ErrInvalidDestination)
}

func TestSendPayment(t *testing.T) {
	mgr, ledger := newTestManager()
	escrowKP := keypair.MustRandom()
	dest := keypair.MustRandom().Address()
	ledger.addAccount(escrowKP.Address(), 1, native("50"), usdc("20"))

	_, err := mgr.SendPayment(context.Background(), escrowKP.Seed(), dest, "7.5", stellar.Credit("USDC", usdcIssuer))
	require.NoError(t, err)

	ops := ledger.last(t).Operations()
	require.Len(t, ops, 1)
	pay := ops[0].(*txnbuild.Payment)
	assert.Equal(t, dest, pay.Destination)
	assert.Equal(t, "7.5", pay.Amount)

	before := len(ledger.submitted)
	_, err = mgr.SendPayment(context.Background(), escrowKP.Seed(), dest, "0", stellar.Native())
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = mgr.SendPayment(context.Background(), escrowKP.Seed(), dest, "lots", stellar.Native())
	assert.ErrorIs(t, err, ErrInvalidAmount)
	assert.Len(t, ledger.submitted, before)
}

func TestAccountExists(t *testing.T) {
	mgr, ledger := newTestManager()
	open := keypair.MustRandom().Address()
	ledger.addAccount(open, 1, native("2"))

	ok, err := mgr.AccountExists(context.Background(), open)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = mgr.AccountExists(context.Background(), keypair.MustRandom().Address())
	require.NoError(t, err)
	assert.False(t, ok)

	ledger.loadErr = stellar.ErrLedgerUnavailable
	_, err = mgr.AccountExists(context.Background(), open)
	assert.ErrorIs(t, err, stellar.ErrLedgerUnavailable)
}

func TestNativeBalance(t *testing.T) {
	mgr, ledger := newTestManager()
	withNative := keypair.MustRandom().Address()
	withoutNative := keypair.MustRandom().Address()
	ledger.addAccount(withNative, 1, usdc("3"), native("42.0000000"))
	ledger.addAccount(withoutNative, 1, usdc("3"))

	got, err := mgr.NativeBalance(context.Background(), withNative)
	require.NoError(t, err)
	assert.Equal(t, "42.0000000", got)

	got, err = mgr.NativeBalance(context.Background(), withoutNative)
	require.NoError(t, err)
	assert.Equal(t, "0", got)
}
