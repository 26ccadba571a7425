// Package ledger adapts the external on-chain credit ledger: allowance
// reads, payment submission and reconciliation adjustments, wrapped with
// bounded retries and requestID-keyed idempotency.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrTransactionRejected means the transaction was submitted and
	// reverted on-chain. The debit did not happen.
	ErrTransactionRejected = errors.New("transaction rejected on-chain")

	// ErrTransactionTimeout means confirmation was not observed within the
	// bound and the ledger re-query could not resolve the outcome. The
	// transaction must never be blindly resubmitted.
	ErrTransactionTimeout = errors.New("transaction confirmation timed out")

	// ErrDuplicateRequest means a transaction for this requestID was
	// already submitted.
	ErrDuplicateRequest = errors.New("duplicate request")
)

// InsufficientAllowanceError reports how much more the user must approve
// before the debit can go through.
type InsufficientAllowanceError struct {
	Account   string
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientAllowanceError) Error() string {
	return fmt.Sprintf("insufficient allowance for %s: need %s, have %s, short %s",
		e.Account, e.Required, e.Available, e.Shortfall())
}

func (e *InsufficientAllowanceError) Shortfall() decimal.Decimal {
	return e.Required.Sub(e.Available)
}

// Payment is one pre-charge debit against a user's allowance.
type Payment struct {
	Account      string
	TokenAddress string
	Amount       decimal.Decimal // credit-token units
	USDAmount    decimal.Decimal
	Model        string
	RequestID    string
}

// Adjustment is a reconciliation correction: positive delta charges more,
// negative delta refunds.
type Adjustment struct {
	Account      string
	TokenAddress string
	Delta        decimal.Decimal
	RequestID    string
}

// Ledger is the capability set the settlement engine needs from the chain:
// read allowance, submit a debit, submit an adjustment. Alternative ledger
// backends implement this without touching the coordinator.
type Ledger interface {
	Allowance(ctx context.Context, account string) (decimal.Decimal, error)
	SubmitPayment(ctx context.Context, p Payment) (txRef string, err error)
	SubmitAdjustment(ctx context.Context, a Adjustment) (txRef string, err error)
}

// Transaction statuses reported by the chain gateway.
const (
	TxConfirmed = "confirmed"
	TxRejected  = "rejected"
	TxPending   = "pending"
)

// StatusReader reports the chain-gateway status of a submitted adjustment,
// keyed by requestID. Used to resolve whether a kept idempotency marker
// represents a confirmed submission or one that never landed.
type StatusReader interface {
	AdjustmentStatus(ctx context.Context, requestID string) (string, error)
}
