// Package worker retries settlements whose reconciliation adjustment never
// landed. The coordinator returns the AI result without blocking on billing
// correction; this loop is the out-of-band half of that bargain.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/vnmchuo/credit-gateway/internal/ledger"
	"github.com/vnmchuo/credit-gateway/internal/settlement"
)

type Reconciler struct {
	store        settlement.Store
	ledger       ledger.Ledger
	tokenAddress string
	interval     time.Duration
	batchSize    int
	log          zerolog.Logger
	stopCh       chan struct{}
	doneCh       chan struct{}
}

func NewReconciler(store settlement.Store, l ledger.Ledger, tokenAddress string, interval time.Duration, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		store:        store,
		ledger:       l,
		tokenAddress: tokenAddress,
		interval:     interval,
		batchSize:    50,
		log:          logger.With().Str("component", "reconciler").Logger(),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// Start runs the sweep loop until Stop is called.
func (r *Reconciler) Start() {
	go func() {
		defer close(r.doneCh)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), r.interval)
				r.Sweep(ctx)
				cancel()
			case <-r.stopCh:
				return
			}
		}
	}()
}

func (r *Reconciler) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

// Sweep retries every outstanding reconciliation once. Records that still
// fail stay queued for the next sweep; there is no retry budget here because
// the idempotency key makes repeats harmless.
func (r *Reconciler) Sweep(ctx context.Context) {
	failures, err := r.store.ListReconciliationFailures(ctx, r.batchSize)
	if err != nil {
		r.log.Error().Err(err).Msg("failed to list reconciliation failures")
		return
	}

	for _, rec := range failures {
		r.retry(ctx, rec)
	}
}

func (r *Reconciler) retry(ctx context.Context, rec *settlement.Record) {
	log := r.log.With().
		Str("account", rec.Account).
		Str("request_id", rec.RequestID).
		Logger()

	delta := rec.OutstandingDelta()
	if delta.IsZero() {
		rec.State = settlement.StateReconciled
		if err := r.store.Update(ctx, rec); err != nil {
			log.Error().Err(err).Msg("failed to close zero-delta reconciliation")
		}
		return
	}

	txRef, err := r.ledger.SubmitAdjustment(ctx, ledger.Adjustment{
		Account:      rec.Account,
		TokenAddress: r.tokenAddress,
		Delta:        delta,
		RequestID:    rec.RequestID,
	})
	switch {
	case err == nil:
		rec.State = settlement.StateReconciled
		rec.AdjustTxRef = txRef
	case errors.Is(err, ledger.ErrDuplicateRequest):
		// The marker may survive a submission whose outcome was never
		// confirmed. Close the record only once the gateway agrees.
		if !r.adjustmentSettled(ctx, rec, log) {
			return
		}
		rec.State = settlement.StateReconciled
		rec.FailureReason = "reconciled by earlier adjustment: " + err.Error()
	default:
		log.Warn().Err(err).Str("delta", delta.String()).Msg("reconciliation retry failed")
		return
	}

	if err := r.store.Update(ctx, rec); err != nil {
		log.Error().Err(err).Msg("failed to persist retried reconciliation")
		return
	}
	log.Info().Str("delta", delta.String()).Str("tx", rec.AdjustTxRef).Msg("settlement reconciled out of band")
}

// adjustmentSettled resolves a duplicate-marker hit against gateway state.
// Confirmed closes the record; rejected releases the marker downstream so
// the next sweep resubmits; pending or unreachable leaves it queued. A
// ledger without a status channel is trusted at its marker.
func (r *Reconciler) adjustmentSettled(ctx context.Context, rec *settlement.Record, log zerolog.Logger) bool {
	sr, ok := r.ledger.(ledger.StatusReader)
	if !ok {
		return true
	}
	status, err := sr.AdjustmentStatus(ctx, rec.RequestID)
	if err != nil {
		log.Warn().Err(err).Msg("could not resolve adjustment status")
		return false
	}
	if status != ledger.TxConfirmed {
		log.Warn().Str("status", status).Msg("adjustment marker held but not confirmed")
		return false
	}
	return true
}
