package pricing

import (
	"errors"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

var ErrUnknownModel = errors.New("unknown model")

// Entry holds the USD price per one million tokens for a single model.
type Entry struct {
	InputPrice  decimal.Decimal
	OutputPrice decimal.Decimal
}

// Table is the immutable model pricing table, loaded once at startup.
// Changing prices means reloading the process; there is deliberately no
// partial-patch path, so no request ever sees mixed prices.
type Table struct {
	entries map[string]Entry
}

type tableFile struct {
	Models map[string]struct {
		InputPrice  string `yaml:"input_price"`
		OutputPrice string `yaml:"output_price"`
	} `yaml:"models"`
}

func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pricing file: %w", err)
	}

	var tf tableFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("failed to parse pricing file: %w", err)
	}
	if len(tf.Models) == 0 {
		return nil, fmt.Errorf("pricing file %s defines no models", path)
	}

	entries := make(map[string]Entry, len(tf.Models))
	for model, p := range tf.Models {
		in, err := decimal.NewFromString(p.InputPrice)
		if err != nil {
			return nil, fmt.Errorf("model %s: invalid input_price %q: %w", model, p.InputPrice, err)
		}
		out, err := decimal.NewFromString(p.OutputPrice)
		if err != nil {
			return nil, fmt.Errorf("model %s: invalid output_price %q: %w", model, p.OutputPrice, err)
		}
		if in.IsNegative() || out.IsNegative() {
			return nil, fmt.Errorf("model %s: prices must not be negative", model)
		}
		entries[model] = Entry{InputPrice: in, OutputPrice: out}
	}

	return &Table{entries: entries}, nil
}

// NewTable builds a table from in-memory entries. Used by tests and the seeder.
func NewTable(entries map[string]Entry) *Table {
	copied := make(map[string]Entry, len(entries))
	for k, v := range entries {
		copied[k] = v
	}
	return &Table{entries: copied}
}

func (t *Table) Entry(model string) (Entry, error) {
	e, ok := t.entries[model]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrUnknownModel, model)
	}
	return e, nil
}

func (t *Table) Models() []string {
	models := make([]string, 0, len(t.entries))
	for m := range t.entries {
		models = append(models, m)
	}
	return models
}

// Estimate is the pre-call usage approximation.
type Estimate struct {
	InputTokens  int
	OutputTokens int
	USDCost      decimal.Decimal
}

// Actual is the authoritative post-call usage reported by the provider.
type Actual struct {
	InputTokens  int
	OutputTokens int
	USDCost      decimal.Decimal
}

// Estimator converts token usage into USD cost using the pricing table.
// Pure: no I/O, no mutation.
type Estimator struct {
	table *Table
}

func NewEstimator(table *Table) *Estimator {
	return &Estimator{table: table}
}

const (
	// Rough chars-per-token heuristic plus a fixed floor, matching how
	// providers tokenize English prose closely enough for a pre-charge.
	charsPerToken    = 4
	estimateFloor    = 10
	estimateTokenCap = 1000
)

// EstimateTokens approximates the input token count for a prompt of the
// given length. Shared with the rate limiter so both sides of the gateway
// count the same tokens.
func EstimateTokens(promptLen int) int {
	tokens := promptLen/charsPerToken + estimateFloor
	if tokens > estimateTokenCap {
		tokens = estimateTokenCap
	}
	return tokens
}

// Estimate computes the pre-charge cost from the prompt length alone.
// Output tokens are unknown before the call and are not pre-charged; the
// reconciliation step settles the difference.
func (e *Estimator) Estimate(model string, promptLen int) (Estimate, error) {
	entry, err := e.table.Entry(model)
	if err != nil {
		return Estimate{}, err
	}

	inputTokens := EstimateTokens(promptLen)

	return Estimate{
		InputTokens: inputTokens,
		USDCost:     cost(entry, inputTokens, 0),
	}, nil
}

// Actual computes the authoritative cost from provider-reported usage.
func (e *Estimator) Actual(model string, inputTokens, outputTokens int) (Actual, error) {
	entry, err := e.table.Entry(model)
	if err != nil {
		return Actual{}, err
	}
	return Actual{
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		USDCost:      cost(entry, inputTokens, outputTokens),
	}, nil
}

// cost = inputTokens/1e6 * inputPrice + outputTokens/1e6 * outputPrice.
// Shift(-6) keeps the division by one million exact.
func cost(entry Entry, inputTokens, outputTokens int) decimal.Decimal {
	in := decimal.NewFromInt(int64(inputTokens)).Mul(entry.InputPrice).Shift(-6)
	out := decimal.NewFromInt(int64(outputTokens)).Mul(entry.OutputPrice).Shift(-6)
	return in.Add(out)
}
