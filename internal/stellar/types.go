package stellar

import (
	"strings"

	hProtocol "github.com/stellar/go/protocols/horizon"
	"github.com/stellar/go/protocols/horizon/base"
	"github.com/stellar/go/txnbuild"
)

// NativeCode is the platform's code for the ledger's native asset.
const NativeCode = "XLM"

// Operation type names as reported by Horizon.
const (
	OpPayment       = "payment"
	OpCreateAccount = "create_account"
)

// AssetKind discriminates the Asset variant.
type AssetKind uint8

const (
	AssetNative AssetKind = iota
	AssetCredit
	AssetPoolShare
)

// Asset is either the native asset or a credit asset issued by an account.
type Asset struct {
	Kind   AssetKind
	Code   string // credit assets only
	Issuer string // credit assets only
}

// Native returns the native asset.
func Native() Asset { return Asset{Kind: AssetNative} }

// Credit returns a credit asset.
func Credit(code, issuer string) Asset {
	return Asset{Kind: AssetCredit, Code: code, Issuer: issuer}
}

// IsNative reports whether a is the native asset.
func (a Asset) IsNative() bool { return a.Kind == AssetNative }

// DisplayCode returns the asset code, mapping the native asset to NativeCode.
func (a Asset) DisplayCode() string {
	if a.IsNative() {
		return NativeCode
	}
	return a.Code
}

// TxnAsset converts a to its transaction-builder form.
func (a Asset) TxnAsset() txnbuild.Asset {
	if a.IsNative() {
		return txnbuild.NativeAsset{}
	}
	return txnbuild.CreditAsset{Code: a.Code, Issuer: a.Issuer}
}

func (a Asset) String() string {
	switch a.Kind {
	case AssetNative:
		return "native"
	case AssetCredit:
		return a.Code + ":" + a.Issuer
	default:
		return "pool_share"
	}
}

func assetFromBase(b base.Asset) Asset {
	switch {
	case b.Type == "native":
		return Native()
	case strings.HasPrefix(b.Type, "credit_alphanum"):
		return Credit(b.Code, b.Issuer)
	default:
		return Asset{Kind: AssetPoolShare}
	}
}

// Balance is one balance line of an account, with the amount exactly as
// the ledger formats it (7 fractional digits).
type Balance struct {
	Asset  Asset
	Amount string
}

// AccountState is the subset of account data this service needs.
type AccountState struct {
	AccountID string
	Sequence  int64
	Balances  []Balance // ledger order
}

// SourceAccount returns an account usable as a transaction source.
func (s *AccountState) SourceAccount() *txnbuild.SimpleAccount {
	acct := txnbuild.NewSimpleAccount(s.AccountID, s.Sequence)
	return &acct
}

// SubmitResult is the ledger's response to a successful submission.
type SubmitResult struct {
	Hash   string
	Ledger int32
	Raw    hProtocol.Transaction
}

// Operation is a read-only projection of one transaction operation.
// Destination, Asset and Amount are populated for payment and
// create_account operations only.
type Operation struct {
	ID          string
	Type        string
	Destination string
	Asset       Asset
	Amount      string
}

// IsTransfer reports whether the operation moves funds to Destination.
func (o Operation) IsTransfer() bool {
	return o.Type == OpPayment || o.Type == OpCreateAccount
}

// TransactionView is a read-only projection of an on-chain transaction.
type TransactionView struct {
	Hash       string
	Memo       string
	MemoType   string
	Successful bool
	Operations []Operation
}

// HasTextMemo reports whether the transaction carries a non-empty text memo.
func (t *TransactionView) HasTextMemo() bool {
	return t.MemoType == "text" && t.Memo != ""
}

// PaymentEvent is a payment-type operation delivered by StreamPayments.
type PaymentEvent struct {
	ID              string
	PagingToken     string
	TransactionHash string
	Operation       Operation
}
