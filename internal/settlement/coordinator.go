package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/vnmchuo/credit-gateway/internal/ledger"
	"github.com/vnmchuo/credit-gateway/internal/oracle"
	"github.com/vnmchuo/credit-gateway/internal/pricing"
	"github.com/vnmchuo/credit-gateway/internal/provider"
)

// creditScale is the number of decimal places carried for credit-token
// amounts, matching the token's 18 on-chain decimals.
const creditScale = 18

// QuoteSource yields the USD rate for the credit token.
type QuoteSource interface {
	Quote(ctx context.Context, symbol string) (oracle.Quote, error)
}

// Invoker runs the AI call. Satisfied by *provider.Router.
type Invoker interface {
	Complete(ctx context.Context, req *provider.Request) (*provider.Response, error)
}

// Request is one inbound settlement request. RequestID is caller-supplied
// and is the idempotency key: replaying it for the same account never
// double-debits.
type Request struct {
	Account   string
	RequestID string
	Model     string
	Prompt    string
}

// Result is what the caller gets back once the settlement reaches a
// terminal state with the AI call delivered.
type Result struct {
	Text             string
	Model            string
	InputTokens      int
	OutputTokens     int
	EstimatedCredits decimal.Decimal
	CreditsCharged   decimal.Decimal
	DebitTxRef       string
	AdjustTxRef      string
	State            State
	DegradedQuote    bool
}

// Coordinator orchestrates one settlement end to end: pre-charge estimate,
// serialized debit, AI invocation, post-call reconciliation. It owns the
// SettlementRecord for the duration of the request; all collaborators are
// injected once at construction.
type Coordinator struct {
	estimator *pricing.Estimator
	quotes    QuoteSource
	ledger    ledger.Ledger
	store     Store
	invoker   Invoker
	turns     *Serializer

	tokenSymbol  string
	tokenAddress string
	log          zerolog.Logger
}

func NewCoordinator(
	estimator *pricing.Estimator,
	quotes QuoteSource,
	l ledger.Ledger,
	store Store,
	invoker Invoker,
	tokenSymbol, tokenAddress string,
	logger zerolog.Logger,
) *Coordinator {
	return &Coordinator{
		estimator:    estimator,
		quotes:       quotes,
		ledger:       l,
		store:        store,
		invoker:      invoker,
		turns:        NewSerializer(),
		tokenSymbol:  tokenSymbol,
		tokenAddress: tokenAddress,
		log:          logger.With().Str("component", "coordinator").Logger(),
	}
}

// Settle runs one request to a terminal state.
//
// The account's turn is held from estimation through reconciliation, so a
// second request for the same account is never authorized against an
// allowance the previous settlement has not yet corrected. Cancellation is
// honored up to the debit; once money moved on-chain the remainder runs to
// completion regardless of the caller.
func (c *Coordinator) Settle(ctx context.Context, req Request) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	if prior, err := c.store.GetByRequestID(ctx, req.Account, req.RequestID); err == nil {
		switch {
		case prior.State.Retryable():
			// Rejected or failed before any debit: the requestID carries no
			// on-chain effect and may be processed again.
		case prior.State.Terminal():
			return nil, fmt.Errorf("%w: request %s already settled as %s",
				ledger.ErrDuplicateRequest, req.RequestID, prior.State)
		default:
			return nil, fmt.Errorf("%w: request %s still in flight", ledger.ErrDuplicateRequest, req.RequestID)
		}
	} else if !errors.Is(err, ErrRecordNotFound) {
		return nil, err
	}

	var result *Result
	err := c.turns.WithTurn(ctx, req.Account, func() error {
		var err error
		result, err = c.settle(ctx, req)
		return err
	})
	return result, err
}

func (req Request) validate() error {
	switch {
	case req.Account == "":
		return errors.New("account is required")
	case req.RequestID == "":
		return errors.New("requestId is required")
	case req.Model == "":
		return errors.New("model is required")
	case req.Prompt == "":
		return errors.New("prompt is required")
	default:
		return nil
	}
}

// settle runs with the account turn held.
func (c *Coordinator) settle(ctx context.Context, req Request) (*Result, error) {
	log := c.log.With().
		Str("account", req.Account).
		Str("request_id", req.RequestID).
		Str("model", req.Model).
		Logger()

	rec := &Record{
		Account:   req.Account,
		RequestID: req.RequestID,
		Model:     req.Model,
		State:     StatePending,
	}
	if err := c.store.Create(ctx, rec); err != nil {
		if !errors.Is(err, ErrRecordExists) {
			return nil, err
		}
		prior, gerr := c.store.GetByRequestID(ctx, req.Account, req.RequestID)
		if gerr != nil {
			return nil, gerr
		}
		if !prior.State.Retryable() {
			return nil, fmt.Errorf("%w: %s", ledger.ErrDuplicateRequest, req.RequestID)
		}
		// The earlier attempt left no on-chain effect; reuse its record.
		rec.ID = prior.ID
		rec.CreatedAt = prior.CreatedAt
		if err := c.store.Update(ctx, rec); err != nil {
			return nil, err
		}
	}

	// Pending -> Estimated
	estimate, err := c.estimator.Estimate(req.Model, len(req.Prompt))
	if err != nil {
		return nil, c.fail(ctx, rec, err)
	}

	quote, err := c.quotes.Quote(ctx, c.tokenSymbol)
	if err != nil {
		return nil, c.fail(ctx, rec, err)
	}

	estCredits := creditsFor(estimate.USDCost, quote.Rate)
	rec.InputTokens = estimate.InputTokens
	rec.EstimatedUSD = estimate.USDCost
	rec.EstimatedCredits = estCredits
	rec.QuoteRate = quote.Rate
	rec.State = StateEstimated
	if err := c.store.Update(ctx, rec); err != nil {
		return nil, c.fail(ctx, rec, err)
	}

	// Estimated -> Authorized: allowance is re-read every settlement; the
	// ledger is the only ground truth for what we may withdraw.
	allowance, err := c.ledger.Allowance(ctx, req.Account)
	if err != nil {
		return nil, c.fail(ctx, rec, err)
	}
	if allowance.LessThan(estCredits) {
		insErr := &ledger.InsufficientAllowanceError{
			Account:   req.Account,
			Required:  estCredits,
			Available: allowance,
		}
		rec.State = StateRejected
		rec.FailureReason = insErr.Error()
		if uerr := c.store.Update(context.WithoutCancel(ctx), rec); uerr != nil {
			log.Error().Err(uerr).Msg("failed to persist rejection")
		}
		log.Info().Str("shortfall", insErr.Shortfall().String()).Msg("settlement rejected")
		return nil, insErr
	}
	rec.State = StateAuthorized
	if err := c.store.Update(ctx, rec); err != nil {
		return nil, c.fail(ctx, rec, err)
	}

	if err := ctx.Err(); err != nil {
		// Caller gone before any on-chain effect: abort cleanly.
		return nil, c.fail(ctx, rec, err)
	}

	// Authorized -> Debited
	debitRef, err := c.ledger.SubmitPayment(ctx, ledger.Payment{
		Account:      req.Account,
		TokenAddress: c.tokenAddress,
		Amount:       estCredits,
		USDAmount:    estimate.USDCost,
		Model:        req.Model,
		RequestID:    req.RequestID,
	})
	if err != nil {
		// No AI call was made: no money retained without service. A timeout
		// here is already resolved against ledger state by the client.
		return nil, c.fail(ctx, rec, err)
	}
	rec.State = StateDebited
	rec.DebitTxRef = debitRef
	log.Info().Str("tx", debitRef).Str("credits", estCredits.String()).Msg("pre-charge debited")

	// The debit is irreversible; from here on the settlement runs to a
	// terminal state even if the caller cancels.
	ctx = context.WithoutCancel(ctx)
	if err := c.store.Update(ctx, rec); err != nil {
		log.Error().Err(err).Msg("failed to persist debited state")
	}

	resp, err := c.invoker.Complete(ctx, &provider.Request{
		Model:     req.Model,
		Prompt:    req.Prompt,
		Account:   req.Account,
		RequestID: req.RequestID,
	})
	if err != nil {
		return nil, c.refundAfterProviderFailure(ctx, rec, err)
	}

	// Debited -> Reconciled
	actual, err := c.estimator.Actual(req.Model, resp.InputTokens, resp.OutputTokens)
	if err != nil {
		// Unreachable with an immutable table: Estimate already resolved
		// the model. Charge the estimate rather than guess.
		log.Error().Err(err).Msg("actual cost lookup failed after successful estimate")
		actual = pricing.Actual{
			InputTokens:  resp.InputTokens,
			OutputTokens: resp.OutputTokens,
			USDCost:      estimate.USDCost,
		}
	}
	actCredits := creditsFor(actual.USDCost, quote.Rate)
	rec.InputTokens = actual.InputTokens
	rec.OutputTokens = actual.OutputTokens
	rec.ActualUSD = actual.USDCost
	rec.ActualCredits = actCredits

	result := &Result{
		Text:             resp.Text,
		Model:            req.Model,
		InputTokens:      actual.InputTokens,
		OutputTokens:     actual.OutputTokens,
		EstimatedCredits: estCredits,
		CreditsCharged:   actCredits,
		DebitTxRef:       debitRef,
		DegradedQuote:    quote.Degraded,
	}

	delta := actCredits.Sub(estCredits)
	if delta.IsZero() {
		rec.State = StateReconciled
	} else {
		adjustRef, err := c.ledger.SubmitAdjustment(ctx, ledger.Adjustment{
			Account:      req.Account,
			TokenAddress: c.tokenAddress,
			Delta:        delta,
			RequestID:    req.RequestID,
		})
		if err != nil {
			// Service was already rendered: the AI result is returned and
			// the discrepancy is settled out of band, never by withholding
			// or re-running the call.
			rec.State = StateReconciliationFailed
			rec.FailureReason = err.Error()
			log.Error().Err(err).Str("delta", delta.String()).
				Msg("reconciliation failed, queued for out-of-band settlement")
		} else {
			rec.State = StateReconciled
			rec.AdjustTxRef = adjustRef
			result.AdjustTxRef = adjustRef
			log.Info().Str("tx", adjustRef).Str("delta", delta.String()).Msg("reconciled")
		}
	}

	if err := c.store.Update(ctx, rec); err != nil {
		log.Error().Err(err).Msg("failed to persist terminal state")
	}
	result.State = rec.State
	return result, nil
}

// refundAfterProviderFailure unwinds the pre-charge when the AI call failed
// after the debit: money must not be retained without service.
func (c *Coordinator) refundAfterProviderFailure(ctx context.Context, rec *Record, provErr error) error {
	refund := rec.EstimatedCredits.Neg()
	adjustRef, err := c.ledger.SubmitAdjustment(ctx, ledger.Adjustment{
		Account:      rec.Account,
		TokenAddress: c.tokenAddress,
		Delta:        refund,
		RequestID:    rec.RequestID,
	})
	if err != nil {
		rec.State = StateReconciliationFailed
		rec.FailureReason = fmt.Sprintf("provider error: %v; refund failed: %v", provErr, err)
		c.log.Error().Err(err).Str("request_id", rec.RequestID).
			Msg("refund after provider failure did not land, queued for out-of-band settlement")
	} else {
		rec.State = StateReconciled
		rec.AdjustTxRef = adjustRef
		rec.FailureReason = fmt.Sprintf("provider error: %v; pre-charge refunded", provErr)
	}

	if uerr := c.store.Update(ctx, rec); uerr != nil {
		c.log.Error().Err(uerr).Str("request_id", rec.RequestID).Msg("failed to persist refund state")
	}
	return fmt.Errorf("provider call failed: %w", provErr)
}

// fail marks the record Failed before any debit happened. The state is
// persisted even when the cause is the caller's own cancellation: a record
// stuck in a non-terminal state would block every replay of its requestID.
func (c *Coordinator) fail(ctx context.Context, rec *Record, cause error) error {
	rec.State = StateFailed
	rec.FailureReason = cause.Error()
	if err := c.store.Update(context.WithoutCancel(ctx), rec); err != nil {
		c.log.Error().Err(err).Str("request_id", rec.RequestID).Msg("failed to persist failure state")
	}
	return cause
}

// creditsFor converts a USD cost into credit-token units at the quoted
// rate: creditAmount = usdCost / rate.
func creditsFor(usd, rate decimal.Decimal) decimal.Decimal {
	return usd.DivRound(rate, creditScale)
}
