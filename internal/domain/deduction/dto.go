package deduction

import (
	"encoding/json"
	"time"
)

// DeadLetterView is the operator-facing shape of a dead-lettered row.
type DeadLetterView struct {
	ID             int64           `json:"id"`
	UserID         string          `json:"user_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Payload        json.RawMessage `json:"payload"`
	AttemptCount   int             `json:"attempt_count"`
	LastError      string          `json:"last_error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

func newDeadLetterView(rec Record) DeadLetterView {
	v := DeadLetterView{
		ID:             rec.ID,
		UserID:         rec.UserID,
		IdempotencyKey: rec.IdempotencyKey,
		Payload:        json.RawMessage(rec.Payload),
		AttemptCount:   rec.AttemptCount,
		CreatedAt:      rec.CreatedAt,
	}
	if rec.LastError.Valid {
		v.LastError = rec.LastError.String
	}
	return v
}
