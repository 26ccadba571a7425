package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/credit-gateway/internal/ledger"
	"github.com/vnmchuo/credit-gateway/internal/oracle"
	"github.com/vnmchuo/credit-gateway/internal/pricing"
	"github.com/vnmchuo/credit-gateway/internal/provider"
)

// In-memory settlement store.
type memStore struct {
	mu     sync.Mutex
	byKey  map[string]*Record
	nextID int
}

func newMemStore() *memStore {
	return &memStore{byKey: make(map[string]*Record)}
}

func storeKey(account, requestID string) string { return account + "|" + requestID }

func (m *memStore) Create(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := storeKey(rec.Account, rec.RequestID)
	if _, ok := m.byKey[key]; ok {
		return ErrRecordExists
	}
	m.nextID++
	rec.ID = fmt.Sprintf("%d", m.nextID)
	rec.CreatedAt = time.Now()
	rec.UpdatedAt = rec.CreatedAt
	cp := *rec
	m.byKey[key] = &cp
	return nil
}

func (m *memStore) Update(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := storeKey(rec.Account, rec.RequestID)
	if _, ok := m.byKey[key]; !ok {
		return ErrRecordNotFound
	}
	rec.UpdatedAt = time.Now()
	cp := *rec
	m.byKey[key] = &cp
	return nil
}

func (m *memStore) GetByRequestID(_ context.Context, account, requestID string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byKey[storeKey(account, requestID)]
	if !ok {
		return nil, ErrRecordNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *memStore) ListByAccount(_ context.Context, account string, _, _ time.Time) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Record
	for _, rec := range m.byKey {
		if rec.Account == account {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) TotalCreditsByAccount(_ context.Context, account string, _, _ time.Time) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := decimal.Zero
	for _, rec := range m.byKey {
		if rec.Account == account && (rec.State == StateReconciled || rec.State == StateReconciliationFailed) {
			total = total.Add(rec.ActualCredits)
		}
	}
	return total, nil
}

func (m *memStore) ListReconciliationFailures(_ context.Context, limit int) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Record
	for _, rec := range m.byKey {
		if rec.State == StateReconciliationFailed && len(out) < limit {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Mock ledger tracking submissions and drawing down the allowance.
type mockLedger struct {
	mu           sync.Mutex
	allowance    decimal.Decimal
	debits       []ledger.Payment
	adjusts      []ledger.Adjustment
	allowanceErr error
	debitErr     error
	adjustErr    error
}

func (m *mockLedger) Allowance(_ context.Context, _ string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.allowanceErr != nil {
		return decimal.Zero, m.allowanceErr
	}
	return m.allowance, nil
}

func (m *mockLedger) SubmitPayment(_ context.Context, p ledger.Payment) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.debitErr != nil {
		return "", m.debitErr
	}
	if m.allowance.LessThan(p.Amount) {
		return "", &ledger.InsufficientAllowanceError{Account: p.Account, Required: p.Amount, Available: m.allowance}
	}
	m.allowance = m.allowance.Sub(p.Amount)
	m.debits = append(m.debits, p)
	return fmt.Sprintf("0xdebit%d", len(m.debits)), nil
}

func (m *mockLedger) SubmitAdjustment(_ context.Context, a ledger.Adjustment) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.adjustErr != nil {
		return "", m.adjustErr
	}
	m.allowance = m.allowance.Sub(a.Delta)
	m.adjusts = append(m.adjusts, a)
	return fmt.Sprintf("0xadjust%d", len(m.adjusts)), nil
}

func (m *mockLedger) debitedTotal() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := decimal.Zero
	for _, d := range m.debits {
		total = total.Add(d.Amount)
	}
	return total
}

type mockQuotes struct {
	quote oracle.Quote
	err   error
}

func (m *mockQuotes) Quote(_ context.Context, _ string) (oracle.Quote, error) {
	return m.quote, m.err
}

type mockInvoker struct {
	inputTokens  int
	outputTokens int
	err          error
}

func (m *mockInvoker) Complete(_ context.Context, req *provider.Request) (*provider.Response, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &provider.Response{
		ID:           "resp-1",
		Text:         "echo: " + req.Prompt,
		InputTokens:  m.inputTokens,
		OutputTokens: m.outputTokens,
		Model:        req.Model,
		Provider:     "mock",
	}, nil
}

type fixture struct {
	coord   *Coordinator
	store   *memStore
	ledger  *mockLedger
	quotes  *mockQuotes
	invoker *mockInvoker
}

func newFixture(allowance string) *fixture {
	table := pricing.NewTable(map[string]pricing.Entry{
		"AI_FLASHTX": {
			InputPrice:  decimal.RequireFromString("0.5"),
			OutputPrice: decimal.RequireFromString("1.5"),
		},
	})
	f := &fixture{
		store:   newMemStore(),
		ledger:  &mockLedger{allowance: decimal.RequireFromString(allowance)},
		quotes:  &mockQuotes{quote: oracle.Quote{Rate: decimal.NewFromInt(1), AsOf: time.Now()}},
		invoker: &mockInvoker{inputTokens: 50, outputTokens: 400},
	}
	f.coord = NewCoordinator(
		pricing.NewEstimator(table), f.quotes, f.ledger, f.store, f.invoker,
		"SOL", "0xtoken", zerolog.Nop(),
	)
	return f
}

// 160-char prompt -> estimate of 50 input tokens.
func testRequest(requestID string) Request {
	return Request{
		Account:   "0xabc",
		RequestID: requestID,
		Model:     "AI_FLASHTX",
		Prompt:    strings.Repeat("x", 160),
	}
}

func TestSettle_EndToEnd(t *testing.T) {
	f := newFixture("1000000")

	res, err := f.coord.Settle(context.Background(), testRequest("req-1"))
	require.NoError(t, err)

	// Pre-charge: 50/1e6*0.5 = 0.000025 units at 1 USD/unit.
	assert.True(t, res.EstimatedCredits.Equal(decimal.RequireFromString("0.000025")),
		"estimated %s", res.EstimatedCredits)
	// Actual: 0.000025 + 400/1e6*1.5 = 0.000625 units.
	assert.True(t, res.CreditsCharged.Equal(decimal.RequireFromString("0.000625")),
		"charged %s", res.CreditsCharged)
	assert.Equal(t, StateReconciled, res.State)
	assert.Contains(t, res.Text, "echo")

	require.Len(t, f.ledger.debits, 1)
	require.Len(t, f.ledger.adjusts, 1)
	assert.True(t, f.ledger.adjusts[0].Delta.Equal(decimal.RequireFromString("0.0006")),
		"adjust delta %s", f.ledger.adjusts[0].Delta)

	rec, err := f.store.GetByRequestID(context.Background(), "0xabc", "req-1")
	require.NoError(t, err)
	assert.Equal(t, StateReconciled, rec.State)
	assert.Equal(t, 50, rec.InputTokens)
	assert.Equal(t, 400, rec.OutputTokens)
	assert.NotEmpty(t, rec.DebitTxRef)
	assert.NotEmpty(t, rec.AdjustTxRef)
}

func TestSettle_RefundWhenActualBelowEstimate(t *testing.T) {
	f := newFixture("1000000")
	f.invoker.inputTokens = 10
	f.invoker.outputTokens = 0

	res, err := f.coord.Settle(context.Background(), testRequest("req-1"))
	require.NoError(t, err)
	assert.Equal(t, StateReconciled, res.State)

	require.Len(t, f.ledger.adjusts, 1)
	// Actual 0.000005 vs estimated 0.000025: refund of 0.00002.
	assert.True(t, f.ledger.adjusts[0].Delta.Equal(decimal.RequireFromString("-0.00002")),
		"adjust delta %s", f.ledger.adjusts[0].Delta)
}

func TestSettle_NoAdjustWhenExact(t *testing.T) {
	f := newFixture("1000000")
	f.invoker.inputTokens = 50
	f.invoker.outputTokens = 0

	res, err := f.coord.Settle(context.Background(), testRequest("req-1"))
	require.NoError(t, err)
	assert.Equal(t, StateReconciled, res.State)
	assert.Empty(t, f.ledger.adjusts, "zero delta must not issue an adjustment")
}

func TestSettle_RejectedOnZeroAllowance(t *testing.T) {
	f := newFixture("0")

	_, err := f.coord.Settle(context.Background(), testRequest("req-1"))

	var ins *ledger.InsufficientAllowanceError
	require.ErrorAs(t, err, &ins)
	assert.True(t, ins.Shortfall().Equal(decimal.RequireFromString("0.000025")),
		"shortfall %s", ins.Shortfall())
	assert.Empty(t, f.ledger.debits, "rejection must issue zero ledger transactions")
	assert.Empty(t, f.ledger.adjusts)

	rec, err := f.store.GetByRequestID(context.Background(), "0xabc", "req-1")
	require.NoError(t, err)
	assert.Equal(t, StateRejected, rec.State)
}

func TestSettle_ReplayRejected(t *testing.T) {
	f := newFixture("1000000")

	_, err := f.coord.Settle(context.Background(), testRequest("req-1"))
	require.NoError(t, err)

	_, err = f.coord.Settle(context.Background(), testRequest("req-1"))
	assert.ErrorIs(t, err, ledger.ErrDuplicateRequest)

	assert.Len(t, f.ledger.debits, 1, "replay must not double-debit")
	assert.Len(t, f.ledger.adjusts, 1, "replay must not re-reconcile")
}

func TestSettle_NoOverdraftUnderConcurrency(t *testing.T) {
	// Allowance covers exactly two pre-charges of 0.000025.
	f := newFixture("0.00005")
	f.invoker.inputTokens = 50
	f.invoker.outputTokens = 0 // actual == estimate, no adjustments

	initial := decimal.RequireFromString("0.00005")

	var wg sync.WaitGroup
	var okCount, rejCount sync.Map
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.coord.Settle(context.Background(), testRequest(fmt.Sprintf("req-%d", i)))
			if err == nil {
				okCount.Store(i, true)
				return
			}
			var ins *ledger.InsufficientAllowanceError
			if errors.As(err, &ins) {
				rejCount.Store(i, true)
			}
		}(i)
	}
	wg.Wait()

	count := func(m *sync.Map) int {
		n := 0
		m.Range(func(_, _ any) bool { n++; return true })
		return n
	}
	assert.Equal(t, 2, count(&okCount))
	assert.Equal(t, 3, count(&rejCount))
	assert.True(t, f.ledger.debitedTotal().LessThanOrEqual(initial),
		"debited %s exceeds initial allowance %s", f.ledger.debitedTotal(), initial)
}

func TestSettle_ReconciliationFailureStillReturnsResult(t *testing.T) {
	f := newFixture("1000000")
	f.ledger.adjustErr = ledger.ErrTransactionRejected

	res, err := f.coord.Settle(context.Background(), testRequest("req-1"))
	require.NoError(t, err, "AI output must not be withheld over billing reconciliation")
	assert.Equal(t, StateReconciliationFailed, res.State)
	assert.Contains(t, res.Text, "echo")

	failures, err := f.store.ListReconciliationFailures(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.True(t, failures[0].OutstandingDelta().Equal(decimal.RequireFromString("0.0006")),
		"outstanding %s", failures[0].OutstandingDelta())
}

func TestSettle_ProviderFailureRefundsPreCharge(t *testing.T) {
	f := newFixture("1000000")
	f.invoker.err = errors.New("model overloaded")

	_, err := f.coord.Settle(context.Background(), testRequest("req-1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model overloaded")

	require.Len(t, f.ledger.debits, 1)
	require.Len(t, f.ledger.adjusts, 1)
	assert.True(t, f.ledger.adjusts[0].Delta.Equal(decimal.RequireFromString("-0.000025")),
		"refund delta %s", f.ledger.adjusts[0].Delta)
}

func TestSettle_DebitFailureMakesNoAICall(t *testing.T) {
	f := newFixture("1000000")
	f.ledger.debitErr = ledger.ErrTransactionRejected
	f.invoker.err = errors.New("invoker must not be reached")

	_, err := f.coord.Settle(context.Background(), testRequest("req-1"))
	assert.ErrorIs(t, err, ledger.ErrTransactionRejected)

	rec, gerr := f.store.GetByRequestID(context.Background(), "0xabc", "req-1")
	require.NoError(t, gerr)
	assert.Equal(t, StateFailed, rec.State)
}

func TestSettle_CancelBeforeDebit(t *testing.T) {
	f := newFixture("1000000")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.coord.Settle(ctx, testRequest("req-1"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, f.ledger.debits, "cancelled settlement must leave no ledger effect")
}

func TestSettle_OracleFailureIsSafe(t *testing.T) {
	f := newFixture("1000000")
	f.quotes.err = oracle.ErrUnavailable

	_, err := f.coord.Settle(context.Background(), testRequest("req-1"))
	assert.ErrorIs(t, err, oracle.ErrUnavailable)
	assert.Empty(t, f.ledger.debits)
}

func TestSettle_DegradedQuoteFlagged(t *testing.T) {
	f := newFixture("1000000")
	f.quotes.quote.Degraded = true

	res, err := f.coord.Settle(context.Background(), testRequest("req-1"))
	require.NoError(t, err)
	assert.True(t, res.DegradedQuote)
}

func TestSettle_UnknownModel(t *testing.T) {
	f := newFixture("1000000")
	req := testRequest("req-1")
	req.Model = "nope"

	_, err := f.coord.Settle(context.Background(), req)
	assert.ErrorIs(t, err, pricing.ErrUnknownModel)
	assert.Empty(t, f.ledger.debits)
}

func TestSettle_ValidatesRequest(t *testing.T) {
	f := newFixture("1000000")

	for name, mutate := range map[string]func(*Request){
		"account":   func(r *Request) { r.Account = "" },
		"requestId": func(r *Request) { r.RequestID = "" },
		"model":     func(r *Request) { r.Model = "" },
		"prompt":    func(r *Request) { r.Prompt = "" },
	} {
		t.Run(name, func(t *testing.T) {
			req := testRequest("req-v")
			mutate(&req)
			_, err := f.coord.Settle(context.Background(), req)
			assert.Error(t, err)
		})
	}
}

func TestSettle_QuoteRateConversion(t *testing.T) {
	f := newFixture("1000000")
	// 150 USD per unit: credits = usd / 150.
	f.quotes.quote.Rate = decimal.NewFromInt(150)
	f.invoker.inputTokens = 50
	f.invoker.outputTokens = 0

	res, err := f.coord.Settle(context.Background(), testRequest("req-1"))
	require.NoError(t, err)

	want := decimal.RequireFromString("0.000025").DivRound(decimal.NewFromInt(150), 18)
	assert.True(t, res.CreditsCharged.Equal(want), "charged %s want %s", res.CreditsCharged, want)
}

// Store that refuses writes once the request context is gone, the way the
// real pgx store does.
type ctxStore struct {
	*memStore
}

func (s *ctxStore) Create(ctx context.Context, rec *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.memStore.Create(ctx, rec)
}

func (s *ctxStore) Update(ctx context.Context, rec *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.memStore.Update(ctx, rec)
}

// Quote source that cancels the request as a side effect, simulating the
// caller going away mid-settlement.
type cancelOnQuote struct {
	quote  oracle.Quote
	cancel context.CancelFunc
}

func (q *cancelOnQuote) Quote(_ context.Context, _ string) (oracle.Quote, error) {
	q.cancel()
	return q.quote, nil
}

func TestSettle_CancelBeforeDebitPersistsTerminalFailure(t *testing.T) {
	table := pricing.NewTable(map[string]pricing.Entry{
		"AI_FLASHTX": {
			InputPrice:  decimal.RequireFromString("0.5"),
			OutputPrice: decimal.RequireFromString("1.5"),
		},
	})
	store := &ctxStore{newMemStore()}
	led := &mockLedger{allowance: decimal.RequireFromString("1")}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	quotes := &cancelOnQuote{
		quote:  oracle.Quote{Rate: decimal.NewFromInt(1), AsOf: time.Now()},
		cancel: cancel,
	}
	coord := NewCoordinator(
		pricing.NewEstimator(table), quotes, led, store,
		&mockInvoker{inputTokens: 50, outputTokens: 400},
		"SOL", "0xtoken", zerolog.Nop(),
	)

	_, err := coord.Settle(ctx, testRequest("req-1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, led.debits, "cancelled settlement must leave no ledger effect")

	// The record must still land in a terminal state despite the dead
	// context, or its requestID would be blocked forever.
	rec, err := store.GetByRequestID(context.Background(), "0xabc", "req-1")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, rec.State)
	assert.True(t, rec.State.Terminal())

	// Same requestID settles cleanly once the caller comes back.
	res, err := coord.Settle(context.Background(), testRequest("req-1"))
	require.NoError(t, err)
	assert.Equal(t, StateReconciled, res.State)
	require.Len(t, led.debits, 1)
}

func TestSettle_RejectedRequestIDRetriesAfterTopUp(t *testing.T) {
	f := newFixture("0")

	_, err := f.coord.Settle(context.Background(), testRequest("req-1"))
	var ins *ledger.InsufficientAllowanceError
	require.ErrorAs(t, err, &ins)

	rec, err := f.store.GetByRequestID(context.Background(), "0xabc", "req-1")
	require.NoError(t, err)
	assert.Equal(t, StateRejected, rec.State)

	// Allowance topped up: the same requestID is re-processed, not 409'd.
	f.ledger.mu.Lock()
	f.ledger.allowance = decimal.RequireFromString("1")
	f.ledger.mu.Unlock()

	res, err := f.coord.Settle(context.Background(), testRequest("req-1"))
	require.NoError(t, err)
	assert.Equal(t, StateReconciled, res.State)
	require.Len(t, f.ledger.debits, 1)

	rec, err = f.store.GetByRequestID(context.Background(), "0xabc", "req-1")
	require.NoError(t, err)
	assert.Equal(t, StateReconciled, rec.State)
	assert.Empty(t, rec.FailureReason, "re-settlement must clear the rejection reason")
}
