package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	submittedMarker = "submitted"
	markerTTL       = 30 * 24 * time.Hour
)

// kv is the slice of the redis API the idempotency guard needs.
type kv interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// IdempotentClient guards a Ledger with a requestID-keyed dedup marker so a
// caller retry after a timeout cannot double-charge. Adjustments are keyed
// by requestID+":reconcile", so each settlement gets one debit and one
// adjustment.
//
// Marker lifecycle: claimed before submission, replaced with the txRef on
// confirmation, released on definite failure (rejected, insufficient
// allowance). After an unresolved timeout the marker is kept: the outcome is
// unknown and a blind resubmit is exactly what the guard exists to prevent.
type IdempotentClient struct {
	inner Ledger
	cache kv
	log   zerolog.Logger
}

func NewIdempotentClient(inner Ledger, cache kv, logger zerolog.Logger) *IdempotentClient {
	return &IdempotentClient{
		inner: inner,
		cache: cache,
		log:   logger.With().Str("component", "ledger_idempotency").Logger(),
	}
}

func (c *IdempotentClient) Allowance(ctx context.Context, account string) (decimal.Decimal, error) {
	return c.inner.Allowance(ctx, account)
}

func (c *IdempotentClient) SubmitPayment(ctx context.Context, p Payment) (string, error) {
	key := fmt.Sprintf("ledger:debit:%s", p.RequestID)
	return c.guarded(ctx, key, p.RequestID, func() (string, error) {
		return c.inner.SubmitPayment(ctx, p)
	})
}

func (c *IdempotentClient) SubmitAdjustment(ctx context.Context, a Adjustment) (string, error) {
	key := adjustKey(a.RequestID)
	return c.guarded(ctx, key, a.RequestID, func() (string, error) {
		return c.inner.SubmitAdjustment(ctx, a)
	})
}

// AdjustmentStatus forwards to the inner client's status endpoint. A
// rejected status releases the reconcile marker: the submission had no
// on-chain effect, so the next attempt may claim the key again.
func (c *IdempotentClient) AdjustmentStatus(ctx context.Context, requestID string) (string, error) {
	sr, ok := c.inner.(StatusReader)
	if !ok {
		return "", fmt.Errorf("ledger does not report adjustment status")
	}
	status, err := sr.AdjustmentStatus(ctx, requestID)
	if err != nil {
		return "", err
	}
	if status == TxRejected {
		if delErr := c.cache.Del(ctx, adjustKey(requestID)).Err(); delErr != nil {
			c.log.Warn().Err(delErr).Str("request_id", requestID).
				Msg("failed to release marker for rejected adjustment")
		}
	}
	return status, nil
}

func adjustKey(requestID string) string {
	return fmt.Sprintf("ledger:adjust:%s:reconcile", requestID)
}

func (c *IdempotentClient) guarded(ctx context.Context, key, requestID string, submit func() (string, error)) (string, error) {
	claimed, err := c.cache.SetNX(ctx, key, submittedMarker, markerTTL).Result()
	if err != nil {
		return "", fmt.Errorf("idempotency check failed: %w", err)
	}
	if !claimed {
		prior, _ := c.cache.Get(ctx, key).Result()
		if prior != "" && prior != submittedMarker {
			return "", fmt.Errorf("%w: %s already settled in tx %s", ErrDuplicateRequest, requestID, prior)
		}
		return "", fmt.Errorf("%w: %s", ErrDuplicateRequest, requestID)
	}

	txRef, err := submit()
	if err != nil {
		if definiteFailure(err) {
			if delErr := c.cache.Del(ctx, key).Err(); delErr != nil {
				c.log.Warn().Err(delErr).Str("key", key).Msg("failed to release idempotency marker")
			}
		}
		return "", err
	}

	if setErr := c.cache.Set(ctx, key, txRef, markerTTL).Err(); setErr != nil {
		c.log.Warn().Err(setErr).Str("key", key).Msg("failed to record txRef on idempotency marker")
	}
	return txRef, nil
}

// definiteFailure reports whether the submission definitely had no on-chain
// effect, so a retry with the same requestID is safe.
func definiteFailure(err error) bool {
	var ins *InsufficientAllowanceError
	if errors.As(err, &ins) {
		return true
	}
	return errors.Is(err, ErrTransactionRejected)
}
