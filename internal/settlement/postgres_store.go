package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore persists settlement records. Credit and USD amounts are
// NUMERIC columns moved across the wire as text so no precision is lost.
type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

const recordColumns = `
	id, account, request_id, model, input_tokens, output_tokens,
	estimated_usd::text, actual_usd::text, estimated_credits::text, actual_credits::text,
	quote_rate::text, debit_tx_ref, adjust_tx_ref, state, failure_reason,
	created_at, updated_at
`

func (s *PostgresStore) Create(ctx context.Context, rec *Record) error {
	query := `
		INSERT INTO settlements (
			account, request_id, model, input_tokens, output_tokens,
			estimated_usd, actual_usd, estimated_credits, actual_credits,
			quote_rate, debit_tx_ref, adjust_tx_ref, state, failure_reason
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id, created_at, updated_at
	`
	err := s.db.QueryRow(ctx, query,
		rec.Account, rec.RequestID, rec.Model, rec.InputTokens, rec.OutputTokens,
		rec.EstimatedUSD.String(), rec.ActualUSD.String(),
		rec.EstimatedCredits.String(), rec.ActualCredits.String(),
		rec.QuoteRate.String(), rec.DebitTxRef, rec.AdjustTxRef,
		string(rec.State), rec.FailureReason,
	).Scan(&rec.ID, &rec.CreatedAt, &rec.UpdatedAt)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: account %s request %s", ErrRecordExists, rec.Account, rec.RequestID)
		}
		return fmt.Errorf("failed to create settlement record: %w", err)
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, rec *Record) error {
	query := `
		UPDATE settlements
		SET input_tokens = $2, output_tokens = $3,
			estimated_usd = $4, actual_usd = $5,
			estimated_credits = $6, actual_credits = $7,
			quote_rate = $8, debit_tx_ref = $9, adjust_tx_ref = $10,
			state = $11, failure_reason = $12, updated_at = now()
		WHERE id = $1
		RETURNING updated_at
	`
	err := s.db.QueryRow(ctx, query,
		rec.ID, rec.InputTokens, rec.OutputTokens,
		rec.EstimatedUSD.String(), rec.ActualUSD.String(),
		rec.EstimatedCredits.String(), rec.ActualCredits.String(),
		rec.QuoteRate.String(), rec.DebitTxRef, rec.AdjustTxRef,
		string(rec.State), rec.FailureReason,
	).Scan(&rec.UpdatedAt)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrRecordNotFound
		}
		return fmt.Errorf("failed to update settlement record: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetByRequestID(ctx context.Context, account, requestID string) (*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM settlements WHERE account = $1 AND request_id = $2`
	rec, err := scanRecord(s.db.QueryRow(ctx, query, account, requestID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to get settlement record: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) ListByAccount(ctx context.Context, account string, from, to time.Time) ([]*Record, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM settlements
		WHERE account = $1 AND created_at BETWEEN $2 AND $3
		ORDER BY created_at DESC
	`
	rows, err := s.db.Query(ctx, query, account, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query settlement records: %w", err)
	}
	defer rows.Close()

	return collectRecords(rows)
}

func (s *PostgresStore) TotalCreditsByAccount(ctx context.Context, account string, from, to time.Time) (decimal.Decimal, error) {
	query := `
		SELECT COALESCE(SUM(actual_credits), 0)::text
		FROM settlements
		WHERE account = $1 AND created_at BETWEEN $2 AND $3
		  AND state IN ('reconciled', 'reconciliation_failed')
	`
	var total string
	if err := s.db.QueryRow(ctx, query, account, from, to).Scan(&total); err != nil {
		return decimal.Zero, fmt.Errorf("failed to total credits: %w", err)
	}
	amount, err := decimal.NewFromString(total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid credit total %q: %w", total, err)
	}
	return amount, nil
}

func (s *PostgresStore) ListReconciliationFailures(ctx context.Context, limit int) ([]*Record, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM settlements
		WHERE state = 'reconciliation_failed'
		ORDER BY updated_at ASC
		LIMIT $1
	`
	rows, err := s.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query reconciliation failures: %w", err)
	}
	defer rows.Close()

	return collectRecords(rows)
}

func scanRecord(row pgx.Row) (*Record, error) {
	var r Record
	var state string
	var estUSD, actUSD, estCredits, actCredits, rate string
	err := row.Scan(
		&r.ID, &r.Account, &r.RequestID, &r.Model, &r.InputTokens, &r.OutputTokens,
		&estUSD, &actUSD, &estCredits, &actCredits,
		&rate, &r.DebitTxRef, &r.AdjustTxRef, &state, &r.FailureReason,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.State = State(state)
	for _, conv := range []struct {
		src string
		dst *decimal.Decimal
	}{
		{estUSD, &r.EstimatedUSD},
		{actUSD, &r.ActualUSD},
		{estCredits, &r.EstimatedCredits},
		{actCredits, &r.ActualCredits},
		{rate, &r.QuoteRate},
	} {
		d, err := decimal.NewFromString(conv.src)
		if err != nil {
			return nil, fmt.Errorf("invalid stored amount %q: %w", conv.src, err)
		}
		*conv.dst = d
	}
	return &r, nil
}

func collectRecords(rows pgx.Rows) ([]*Record, error) {
	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan settlement record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating settlement records: %w", err)
	}
	return records, nil
}
