package billingauthority

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Config holds billing authority API configuration.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client talks to the remote billing authority. It is constructed once at
// startup and injected into every component that needs it.
type Client struct {
	httpClient *http.Client
	config     Config
}

// Outcome classifies a deduction response. The classification drives the
// queue's state machine, so the mapping in Deduct must stay stable.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeTerminal
	OutcomeRetryable
)

// SendResult is the classified result of one deduction attempt.
type SendResult struct {
	Outcome      Outcome
	Reason       string
	StatusCode   int
	BalanceCents int64
}

const ReasonInsufficientFunds = "insufficient_funds"

type deductResponse struct {
	BalanceCents int64 `json:"balance_cents"`
	Detail       *struct {
		Code         string `json:"code"`
		Message      string `json:"message"`
		BalanceCents int64  `json:"balance_cents"`
	} `json:"detail"`
}

type deductionsResponse struct {
	UserID     string `json:"user_id"`
	Period     string `json:"period"`
	TotalCents int64  `json:"total_cents"`
}

type balanceResponse struct {
	UserID       string `json:"user_id"`
	BalanceCents int64  `json:"balance_cents"`
}

// NewClient creates a new billing authority client.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		config:     cfg,
	}
}

// Close releases the client's idle connections. Called from the process
// shutdown hook.
func (c *Client) Close() {
	if c != nil && c.httpClient != nil {
		c.httpClient.CloseIdleConnections()
	}
}

// Deduct posts one deduction with the idempotency key as a request-level
// deduplication token and classifies the response:
//
//	2xx                               -> success
//	insufficient-funds decline        -> terminal, reason "insufficient_funds"
//	other 4xx                         -> terminal, reason "HTTP <code>"
//	5xx                               -> retryable
//	transport error / timeout         -> retryable
//	unparsable body with 5xx          -> retryable
//	unparsable body with non-5xx      -> terminal
func (c *Client) Deduct(ctx context.Context, idempotencyKey string, payload []byte) (*SendResult, error) {
	if strings.TrimSpace(idempotencyKey) == "" {
		return nil, fmt.Errorf("validation error: idempotency key must be non-empty")
	}
	if c == nil || c.httpClient == nil {
		return nil, fmt.Errorf("billing authority client is not initialized")
	}
	if strings.TrimSpace(c.config.BaseURL) == "" {
		return nil, fmt.Errorf("billing authority config error: base_url is empty")
	}

	endpoint := strings.TrimRight(c.config.BaseURL, "/") + "/credits/deduct"

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBuffer(payload))
	if err != nil {
		return nil, fmt.Errorf("billing authority request build failed: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", idempotencyKey)
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// Timeouts and transport errors are retryable: the durable row and
		// the remote side's own deduplication make a re-send safe.
		return &SendResult{
			Outcome: OutcomeRetryable,
			Reason:  fmt.Sprintf("transport_error: %v", err),
		}, nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &SendResult{
			Outcome:    OutcomeRetryable,
			Reason:     fmt.Sprintf("transport_error: %v", err),
			StatusCode: resp.StatusCode,
		}, nil
	}

	return classify(resp.StatusCode, body), nil
}

func classify(status int, body []byte) *SendResult {
	if status >= 200 && status < 300 {
		result := &SendResult{Outcome: OutcomeSuccess, StatusCode: status}
		var parsed deductResponse
		if err := json.Unmarshal(body, &parsed); err == nil {
			result.BalanceCents = parsed.BalanceCents
		}
		return result
	}

	var parsed deductResponse
	parseErr := json.Unmarshal(body, &parsed)

	if status >= 500 {
		reason := fmt.Sprintf("HTTP %d", status)
		if parseErr == nil && parsed.Detail != nil && parsed.Detail.Message != "" {
			reason = fmt.Sprintf("HTTP %d: %s", status, parsed.Detail.Message)
		}
		return &SendResult{Outcome: OutcomeRetryable, Reason: reason, StatusCode: status}
	}

	if parseErr != nil {
		return &SendResult{
			Outcome:    OutcomeTerminal,
			Reason:     fmt.Sprintf("unparsable response with HTTP %d", status),
			StatusCode: status,
		}
	}

	result := &SendResult{Outcome: OutcomeTerminal, StatusCode: status}
	if parsed.Detail != nil {
		result.BalanceCents = parsed.Detail.BalanceCents
	}
	if status == http.StatusPaymentRequired || (parsed.Detail != nil && parsed.Detail.Code == ReasonInsufficientFunds) {
		result.Reason = ReasonInsufficientFunds
		return result
	}
	result.Reason = fmt.Sprintf("HTTP %d", status)
	return result
}

// GetBalance fetches the user's current balance. Used by the reconciliation
// sweep; a failure here is reported as remote_balance_unavailable, not retried.
func (c *Client) GetBalance(ctx context.Context, userID string) (int64, error) {
	var out balanceResponse
	if err := c.get(ctx, "/credits/balance/"+url.PathEscape(userID), &out); err != nil {
		return 0, err
	}
	return out.BalanceCents, nil
}

// GetDeductions fetches the user's deduction total over the given period
// (e.g. "24h") as reported by the remote ledger.
func (c *Client) GetDeductions(ctx context.Context, userID, period string) (int64, error) {
	path := "/credits/deductions/" + url.PathEscape(userID) + "?period=" + url.QueryEscape(period)
	var out deductionsResponse
	if err := c.get(ctx, path, &out); err != nil {
		return 0, err
	}
	return out.TotalCents, nil
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	if c == nil || c.httpClient == nil {
		return fmt.Errorf("billing authority client is not initialized")
	}
	if strings.TrimSpace(c.config.BaseURL) == "" {
		return fmt.Errorf("billing authority config error: base_url is empty")
	}

	endpoint := strings.TrimRight(c.config.BaseURL, "/") + path

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("billing authority request build failed: %w", err)
	}
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("billing authority call failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("billing authority call failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("billing authority returned non-2xx status: %d, body: %s", resp.StatusCode, string(body))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse billing authority response: %w", err)
	}
	return nil
}
