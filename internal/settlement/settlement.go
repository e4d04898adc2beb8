// Package settlement turns on-chain payments into confirmed ticket payments.
//
// Flow:
//  1. CreatePaymentIntent records a pending Payment and tells the buyer
//     where to pay, how much, and which memo to attach
//  2. The buyer submits a ledger transaction carrying the memo
//  3. ConfirmPayment fetches that transaction and either confirms the
//     payment or fails it with a recorded reason
//
// Both outcomes are terminal. A payment is never confirmed twice and a
// failed payment is never retried automatically.
package settlement

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrEventNotFound       = errors.New("event not found")
	ErrEventNotPurchasable = errors.New("event is not open for purchase")
	ErrUnsupportedAsset    = errors.New("asset not supported")
	ErrTransactionNotFound = errors.New("transaction not found on ledger")
	ErrTransactionFailed   = errors.New("transaction failed on ledger")
	ErrMissingMemo         = errors.New("transaction has no text memo")
	ErrPaymentNotFound     = errors.New("no pending payment for memo")
	ErrNoPaymentOperation  = errors.New("transaction has no payment operations")
	ErrDestinationMismatch = errors.New("no payment to the escrow wallet")
	ErrAssetMismatch       = errors.New("payment asset does not match")
	ErrAmountMismatch      = errors.New("payment amount does not match")
)

// Failure reasons recorded on FAILED payments.
const (
	ReasonNoPaymentOperations = "no payment operations"
	ReasonWrongDestination    = "wrong destination"
	ReasonWrongAsset          = "wrong asset"
	ReasonUnsupportedAsset    = "unsupported asset"
	ReasonWrongAmount         = "wrong amount"
)

// Audit actions.
const (
	ActionIntentCreated = "PAYMENT_INTENT_CREATED"
	ActionConfirmed     = "PAYMENT_CONFIRMED"
	ActionFailed        = "PAYMENT_FAILED"
)

// AmountTolerance is the ledger's smallest unit. On-chain amounts within
// it of the expected amount are accepted.
var AmountTolerance = decimal.New(1, -7)

// Status represents the state of a payment.
type Status string

const (
	StatusPending   Status = "pending"   // Intent issued, awaiting on-chain payment
	StatusConfirmed Status = "confirmed" // Verified on the ledger
	StatusFailed    Status = "failed"    // Verification failed; see FailureReason
)

// Payment is a buyer's payment for one event ticket.
type Payment struct {
	ID              string          `json:"id"`
	EventID         string          `json:"eventId"`
	UserID          string          `json:"userId"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	Status          Status          `json:"status"`
	ReferenceID     string          `json:"referenceId,omitempty"`
	TransactionHash string          `json:"transactionHash,omitempty"`
	FailureReason   string          `json:"failureReason,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// PaymentIntent tells the buyer how to pay.
type PaymentIntent struct {
	PaymentID    string          `json:"paymentId"`
	EscrowWallet string          `json:"escrowWallet"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	Memo         string          `json:"memo"`
}

// Transition is a terminal state change applied to a pending payment.
type Transition struct {
	Status          Status
	TransactionHash string
	FailureReason   string
	At              time.Time
}

// Store persists payments.
type Store interface {
	Create(ctx context.Context, p *Payment) error
	Get(ctx context.Context, id string) (*Payment, error)
	// GetPending returns the payment only while it is pending.
	GetPending(ctx context.Context, id string) (*Payment, error)
	// Complete applies t only if the payment is still pending, otherwise
	// it returns ErrPaymentNotFound.
	Complete(ctx context.Context, id string, t Transition) (*Payment, error)
}

// ConfirmationError describes why an on-chain transaction did not
// satisfy a payment.
type ConfirmationError struct {
	PaymentID string
	Reason    string
	Expected  string
	Actual    string
	Err       error
}

func (e *ConfirmationError) Error() string {
	if e.Expected != "" || e.Actual != "" {
		return fmt.Sprintf("payment %s: %s (expected %s, got %s)", e.PaymentID, e.Reason, e.Expected, e.Actual)
	}
	return fmt.Sprintf("payment %s: %s", e.PaymentID, e.Reason)
}

func (e *ConfirmationError) Unwrap() error { return e.Err }

// Config is the settlement configuration. It is fixed at construction.
type Config struct {
	// EscrowWallet is the platform account buyers pay into.
	EscrowWallet string
	// SupportedAssets lists accepted asset codes; XLM is the native asset.
	SupportedAssets []string
}

func (c Config) supports(code string) bool {
	for _, a := range c.SupportedAssets {
		if strings.EqualFold(a, code) {
			return true
		}
	}
	return false
}

// NewPaymentID returns a random payment id. It is a base64url encoded
// UUID so that it fits in a 28-byte text memo.
func NewPaymentID() string {
	id := uuid.New()
	return base64.RawURLEncoding.EncodeToString(id[:])
}
