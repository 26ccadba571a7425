// Package settlement implements the usage-metered settlement engine: it
// pre-charges an estimate against a user's on-chain allowance, invokes the
// AI provider, and reconciles the pre-charge against actual usage.
package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

type State string

const (
	StatePending              State = "pending"
	StateEstimated            State = "estimated"
	StateAuthorized           State = "authorized"
	StateDebited              State = "debited"
	StateReconciled           State = "reconciled"
	StateReconciliationFailed State = "reconciliation_failed"
	StateRejected             State = "rejected"
	StateFailed               State = "failed"
)

// Terminal reports whether no further transition can happen for the record
// inside a request. ReconciliationFailed is terminal for the request but is
// picked up by the reconciliation worker out of band.
func (s State) Terminal() bool {
	switch s {
	case StateReconciled, StateReconciliationFailed, StateRejected, StateFailed:
		return true
	}
	return false
}

// Retryable reports whether the settlement ended with no on-chain effect,
// so the same requestID may be processed again from scratch.
func (s State) Retryable() bool {
	return s == StateFailed || s == StateRejected
}

var (
	ErrRecordNotFound = errors.New("settlement record not found")
	ErrRecordExists   = errors.New("settlement record already exists")
)

// Record is the persisted trail of one settlement. It is exclusively owned
// by the coordinator for the duration of one request; the reconciliation
// worker only touches records already in a terminal state.
type Record struct {
	ID               string
	Account          string
	RequestID        string
	Model            string
	InputTokens      int
	OutputTokens     int
	EstimatedUSD     decimal.Decimal
	ActualUSD        decimal.Decimal
	EstimatedCredits decimal.Decimal
	ActualCredits    decimal.Decimal
	QuoteRate        decimal.Decimal // USD per credit-token unit at debit time
	DebitTxRef       string
	AdjustTxRef      string
	State            State
	FailureReason    string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// OutstandingDelta is the credit amount still owed (positive) or to be
// refunded (negative) when reconciliation did not complete.
func (r *Record) OutstandingDelta() decimal.Decimal {
	return r.ActualCredits.Sub(r.EstimatedCredits)
}

type Store interface {
	Create(ctx context.Context, rec *Record) error
	Update(ctx context.Context, rec *Record) error
	GetByRequestID(ctx context.Context, account, requestID string) (*Record, error)
	ListByAccount(ctx context.Context, account string, from, to time.Time) ([]*Record, error)
	TotalCreditsByAccount(ctx context.Context, account string, from, to time.Time) (decimal.Decimal, error)
	ListReconciliationFailures(ctx context.Context, limit int) ([]*Record, error)
}
