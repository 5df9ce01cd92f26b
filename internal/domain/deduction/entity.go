package deduction

import (
	"database/sql"
	"time"
)

// Status is the lifecycle state of a deduction record.
type Status string

const (
	StatusPending         Status = "pending"
	StatusProcessing      Status = "processing"
	StatusCompleted       Status = "completed"
	StatusFailedTerminal  Status = "failed_terminal"
	StatusFailedRetryable Status = "failed_retryable"
	StatusDeadLetter      Status = "dead_letter"
)

// Terminal reports whether no further status transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailedTerminal || s == StatusDeadLetter
}

// Record is one durable deduction work item. Rows are never deleted;
// the table is the audit trail consumed by reconciliation.
type Record struct {
	ID             int64          `db:"id"`
	UserID         string         `db:"user_id"`
	IdempotencyKey string         `db:"idempotency_key"`
	Payload        []byte         `db:"payload"`
	Status         Status         `db:"status"`
	AttemptCount   int            `db:"attempt_count"`
	NextRetryAt    time.Time      `db:"next_retry_at"`
	LeasedAt       sql.NullTime   `db:"leased_at"`
	WorkerID       sql.NullString `db:"worker_id"`
	LastError      sql.NullString `db:"last_error"`
	CreatedAt      time.Time      `db:"created_at"`
}

// Payload is the request body sent verbatim to the billing authority.
type Payload struct {
	UserID         string  `json:"user_id"`
	AmountCents    int64   `json:"amount_cents"`
	Service        string  `json:"service"`
	TokensIn       int64   `json:"tokens_in"`
	TokensOut      int64   `json:"tokens_out"`
	Model          string  `json:"model"`
	MarkupRate     float64 `json:"markup_rate"`
	IdempotencyKey string  `json:"idempotency_key"`
}

// EnqueueOutcome is the result of an Enqueue call. A duplicate
// idempotency key is signalled explicitly, not raised as an error.
type EnqueueOutcome int

const (
	OutcomeInserted EnqueueOutcome = iota
	OutcomeAlreadyQueued
)

func (o EnqueueOutcome) String() string {
	if o == OutcomeAlreadyQueued {
		return "already_queued"
	}
	return "queued"
}

// UserTotal is a per-user sum of completed deduction amounts.
type UserTotal struct {
	UserID     string `db:"user_id"`
	TotalCents int64  `db:"total_cents"`
}

// Metrics is a point-in-time snapshot of queue depth per status.
type Metrics struct {
	Pending         int `json:"pending"`
	Processing      int `json:"processing"`
	Completed       int `json:"completed"`
	FailedTerminal  int `json:"failed_terminal"`
	FailedRetryable int `json:"failed_retryable"`
	DeadLetter      int `json:"dead_letter"`
}
