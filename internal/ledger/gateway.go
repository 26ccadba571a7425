package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// GatewayClient talks to the chain-gateway service that owns the
// AiCreditGateway contract. The gateway signs and submits transactions with
// the backend owner key and awaits confirmation; this client only speaks
// JSON over HTTP to it.
//
// Reads retry with exponential backoff. Submissions are never retried here:
// after a timeout the outcome is unknown, so the client re-queries the
// transaction status by requestID and only then classifies the failure.
type GatewayClient struct {
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger
}

func NewGatewayClient(baseURL string, logger zerolog.Logger) *GatewayClient {
	return &GatewayClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        logger.With().Str("component", "ledger_gateway").Logger(),
	}
}

type allowanceResponse struct {
	Allowance decimal.Decimal `json:"allowance"`
}

type submitResponse struct {
	TxHash string `json:"tx_hash"`
}

type txStatusResponse struct {
	Status string `json:"status"` // "confirmed", "rejected", "pending"
	TxHash string `json:"tx_hash"`
}

type gatewayError struct {
	Error     string          `json:"error"`
	Required  decimal.Decimal `json:"required"`
	Available decimal.Decimal `json:"available"`
}

func (c *GatewayClient) Allowance(ctx context.Context, account string) (decimal.Decimal, error) {
	op := func() (decimal.Decimal, error) {
		var out allowanceResponse
		err := c.getJSON(ctx, fmt.Sprintf("/v1/accounts/%s/allowance", url.PathEscape(account)), &out)
		if err != nil {
			return decimal.Zero, err
		}
		if out.Allowance.IsNegative() {
			return decimal.Zero, backoff.Permanent(fmt.Errorf("negative allowance for %s", account))
		}
		return out.Allowance, nil
	}

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(4),
		backoff.WithMaxElapsedTime(15*time.Second),
	)
}

func (c *GatewayClient) SubmitPayment(ctx context.Context, p Payment) (string, error) {
	body := map[string]any{
		"account":    p.Account,
		"token":      p.TokenAddress,
		"amount":     p.Amount,
		"usd_amount": p.USDAmount,
		"model":      p.Model,
		"request_id": p.RequestID,
	}
	txRef, err := c.submit(ctx, "/v1/payments", body, p.RequestID)
	if err != nil {
		var ins *InsufficientAllowanceError
		if errors.As(err, &ins) {
			ins.Account = p.Account
		}
		return "", err
	}
	return txRef, nil
}

func (c *GatewayClient) SubmitAdjustment(ctx context.Context, a Adjustment) (string, error) {
	body := map[string]any{
		"account":    a.Account,
		"token":      a.TokenAddress,
		"delta":      a.Delta,
		"request_id": a.RequestID,
	}
	return c.submit(ctx, "/v1/adjustments", body, a.RequestID)
}

func (c *GatewayClient) submit(ctx context.Context, path string, body map[string]any, requestID string) (string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			// Submission may have landed. Resolve from ledger state, never resubmit.
			return c.resolveTimeout(path, requestID)
		}
		return "", fmt.Errorf("ledger gateway unreachable: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		var out submitResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return "", fmt.Errorf("malformed gateway response: %w", err)
		}
		return out.TxHash, nil
	case http.StatusPaymentRequired:
		var ge gatewayError
		_ = json.NewDecoder(resp.Body).Decode(&ge)
		return "", &InsufficientAllowanceError{Required: ge.Required, Available: ge.Available}
	case http.StatusConflict:
		return "", fmt.Errorf("%w: %s", ErrDuplicateRequest, requestID)
	case http.StatusUnprocessableEntity:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("%w: %s", ErrTransactionRejected, string(msg))
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("ledger gateway error (status %d): %s", resp.StatusCode, string(msg))
	}
}

// resolveTimeout re-queries the transaction by requestID after a submit
// timed out. A fresh context is used: the caller's deadline is what expired.
func (c *GatewayClient) resolveTimeout(submitPath, requestID string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var status txStatusResponse
	statusPath := fmt.Sprintf("%s/%s", submitPath, url.PathEscape(requestID))
	if err := c.getJSON(ctx, statusPath, &status); err != nil {
		c.log.Error().Err(err).Str("request_id", requestID).
			Msg("could not resolve transaction outcome after timeout")
		return "", fmt.Errorf("%w: %s", ErrTransactionTimeout, requestID)
	}

	switch status.Status {
	case TxConfirmed:
		c.log.Info().Str("request_id", requestID).Str("tx_hash", status.TxHash).
			Msg("timed-out transaction resolved as confirmed")
		return status.TxHash, nil
	case TxRejected:
		return "", fmt.Errorf("%w: %s", ErrTransactionRejected, requestID)
	default:
		return "", fmt.Errorf("%w: %s still %s", ErrTransactionTimeout, requestID, status.Status)
	}
}

// AdjustmentStatus queries the gateway for the status of an adjustment
// submitted under the given requestID.
func (c *GatewayClient) AdjustmentStatus(ctx context.Context, requestID string) (string, error) {
	var status txStatusResponse
	path := fmt.Sprintf("/v1/adjustments/%s", url.PathEscape(requestID))
	if err := c.getJSON(ctx, path, &status); err != nil {
		return "", err
	}
	return status.Status, nil
}

func (c *GatewayClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return backoff.Permanent(err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ledger gateway unreachable: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("malformed gateway response: %w", err))
		}
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return backoff.Permanent(fmt.Errorf("not found: %s", path))
	case resp.StatusCode >= 500:
		return fmt.Errorf("ledger gateway error (status %d)", resp.StatusCode)
	default:
		return backoff.Permanent(fmt.Errorf("ledger gateway error (status %d)", resp.StatusCode))
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
