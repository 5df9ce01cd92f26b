package metering

// UsageRequest is a billable-usage report from an upstream service.
type UsageRequest struct {
	UserID       string  `json:"user_id" validate:"required"`
	SessionID    string  `json:"session_id" validate:"required"`
	MessageID    string  `json:"message_id"`
	BalanceCents int64   `json:"balance_cents" validate:"gte=0"`
	InputTokens  int64   `json:"input_tokens" validate:"gte=0"`
	OutputTokens int64   `json:"output_tokens" validate:"gte=0"`
	Model        string  `json:"model"`
	Service      string  `json:"service" validate:"required,service"`
	MarkupRate   float64 `json:"markup_rate" validate:"gt=0"`
}

// UsageResult is the caller-facing outcome. It deliberately exposes no
// queue-internal state, only whether usage may continue and at what cost.
type UsageResult struct {
	Allowed      bool   `json:"allowed"`
	Reason       string `json:"reason,omitempty"`
	CostCents    int64  `json:"cost_cents"`
	BalanceCents int64  `json:"balance_cents"`
}
