package deduction

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

const queryTimeout = 3 * time.Second

// Store is the durable deduction table. All coordination between workers
// happens through its atomic claim primitive; no in-process state is shared.
type Store interface {
	Insert(ctx context.Context, userID, idempotencyKey string, payload []byte) (EnqueueOutcome, error)
	GetByKey(ctx context.Context, idempotencyKey string) (*Record, error)
	ClaimBatch(ctx context.Context, workerID string, limit int) ([]Record, error)
	ClaimByKey(ctx context.Context, workerID, idempotencyKey string) (*Record, error)
	MarkCompleted(ctx context.Context, id int64) error
	MarkTerminal(ctx context.Context, id int64, reason string) error
	MarkRetryable(ctx context.Context, id int64, nextRetryAt time.Time, lastError string) error
	MarkDeadLetter(ctx context.Context, id int64, lastError string) error
	RequeueDue(ctx context.Context, maxAttempts int) (int64, error)
	ExpireLeases(ctx context.Context, olderThan time.Time) (int64, error)
	BuryExhausted(ctx context.Context, maxAttempts int) (int64, error)
	CountByStatus(ctx context.Context) (Metrics, error)
	ListDeadLetters(ctx context.Context, limit, offset int) ([]Record, error)
	CompletedTotals(ctx context.Context, since time.Time) ([]UserTotal, error)
}

const recordColumns = `id, user_id, idempotency_key, payload, status, attempt_count,
	next_retry_at, leased_at, worker_id, last_error, created_at`

// Repository implements Store on PostgreSQL.
//
// Expected schema:
//
//	CREATE TABLE credit_deductions (
//	    id              BIGSERIAL PRIMARY KEY,
//	    user_id         TEXT        NOT NULL,
//	    idempotency_key TEXT        NOT NULL UNIQUE,
//	    payload         JSONB       NOT NULL,
//	    status          TEXT        NOT NULL DEFAULT 'pending',
//	    attempt_count   INT         NOT NULL DEFAULT 0,
//	    next_retry_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
//	    leased_at       TIMESTAMPTZ,
//	    worker_id       TEXT,
//	    last_error      TEXT,
//	    created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
//	CREATE INDEX idx_deductions_claim ON credit_deductions (status, next_retry_at);
//	CREATE INDEX idx_deductions_lease ON credit_deductions (status, leased_at);
type Repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// Insert creates a pending row. A uniqueness conflict on idempotency_key is
// not an error: it means the same logical deduction was already queued.
func (r *Repository) Insert(ctx context.Context, userID, idempotencyKey string, payload []byte) (EnqueueOutcome, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	result, err := r.db.ExecContext(ctx2, `
		INSERT INTO credit_deductions (user_id, idempotency_key, payload, status, attempt_count, next_retry_at)
		VALUES ($1, $2, $3, 'pending', 0, now())
		ON CONFLICT (idempotency_key) DO NOTHING
	`, userID, idempotencyKey, payload)
	if err != nil {
		return 0, fmt.Errorf("%w: insert deduction", ErrInternal)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: rows affected", ErrInternal)
	}
	if rows == 0 {
		return OutcomeAlreadyQueued, nil
	}
	return OutcomeInserted, nil
}

func (r *Repository) GetByKey(ctx context.Context, idempotencyKey string) (*Record, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var rec Record
	err := r.db.GetContext(ctx2, &rec, `
		SELECT `+recordColumns+`
		FROM credit_deductions
		WHERE idempotency_key = $1
	`, idempotencyKey)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: get deduction by key", ErrInternal)
	}
	return &rec, nil
}

// ClaimBatch atomically claims up to limit due pending rows, flips them to
// processing and stamps the lease, all in one statement. FOR UPDATE SKIP
// LOCKED makes concurrent claimers skip each other's rows, so two workers
// never receive the same deduction.
func (r *Repository) ClaimBatch(ctx context.Context, workerID string, limit int) ([]Record, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	records := make([]Record, 0, limit)
	err := r.db.SelectContext(ctx2, &records, `
		WITH claimed AS (
			UPDATE credit_deductions
			SET status = 'processing', worker_id = $1, leased_at = now()
			WHERE id IN (
				SELECT id FROM credit_deductions
				WHERE status = 'pending' AND next_retry_at <= now()
				ORDER BY created_at ASC
				FOR UPDATE SKIP LOCKED
				LIMIT $2
			)
			RETURNING `+recordColumns+`
		)
		SELECT * FROM claimed ORDER BY created_at ASC
	`, workerID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: claim batch", ErrInternal)
	}
	return records, nil
}

// ClaimByKey claims a single pending row by idempotency key. Used by the
// metering fast path; returns ErrNotFound if the row is gone or a batch
// worker got there first.
func (r *Repository) ClaimByKey(ctx context.Context, workerID, idempotencyKey string) (*Record, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var rec Record
	err := r.db.GetContext(ctx2, &rec, `
		UPDATE credit_deductions
		SET status = 'processing', worker_id = $1, leased_at = now()
		WHERE id IN (
			SELECT id FROM credit_deductions
			WHERE idempotency_key = $2 AND status = 'pending' AND next_retry_at <= now()
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+recordColumns+`
	`, workerID, idempotencyKey)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: claim by key", ErrInternal)
	}
	return &rec, nil
}

// MarkCompleted finishes a processing row. Completed is terminal.
func (r *Repository) MarkCompleted(ctx context.Context, id int64) error {
	return r.transition(ctx, `
		UPDATE credit_deductions
		SET status = 'completed', worker_id = NULL, leased_at = NULL, last_error = NULL
		WHERE id = $1 AND status = 'processing'
	`, id)
}

// MarkTerminal records a non-retryable failure. Terminal rows are never retried.
func (r *Repository) MarkTerminal(ctx context.Context, id int64, reason string) error {
	return r.transition(ctx, `
		UPDATE credit_deductions
		SET status = 'failed_terminal', worker_id = NULL, leased_at = NULL, last_error = $2
		WHERE id = $1 AND status = 'processing'
	`, id, reason)
}

// MarkRetryable records a transient failure: attempt_count is incremented and
// the row becomes claimable again once nextRetryAt elapses.
func (r *Repository) MarkRetryable(ctx context.Context, id int64, nextRetryAt time.Time, lastError string) error {
	return r.transition(ctx, `
		UPDATE credit_deductions
		SET status = 'failed_retryable', worker_id = NULL, leased_at = NULL,
		    attempt_count = attempt_count + 1, next_retry_at = $2, last_error = $3
		WHERE id = $1 AND status = 'processing'
	`, id, nextRetryAt, lastError)
}

// MarkDeadLetter gives up on a processing row that exhausted its retry
// budget. Dead-lettered rows require operator intervention.
func (r *Repository) MarkDeadLetter(ctx context.Context, id int64, lastError string) error {
	return r.transition(ctx, `
		UPDATE credit_deductions
		SET status = 'dead_letter', worker_id = NULL, leased_at = NULL,
		    attempt_count = attempt_count + 1, last_error = $2
		WHERE id = $1 AND status = 'processing'
	`, id, lastError)
}

func (r *Repository) transition(ctx context.Context, query string, args ...interface{}) error {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	result, err := r.db.ExecContext(ctx2, query, args...)
	if err != nil {
		return fmt.Errorf("%w: update deduction status", ErrInternal)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected", ErrInternal)
	}
	if rows == 0 {
		return ErrNotProcessing
	}
	return nil
}

// RequeueDue flips failed_retryable rows whose backoff has elapsed back to
// pending so the next claim cycle can pick them up.
func (r *Repository) RequeueDue(ctx context.Context, maxAttempts int) (int64, error) {
	return r.sweep(ctx, `
		UPDATE credit_deductions
		SET status = 'pending'
		WHERE status = 'failed_retryable' AND next_retry_at <= now() AND attempt_count < $1
	`, maxAttempts)
}

// ExpireLeases returns processing rows whose lease is older than olderThan to
// pending. The worker that held the lease is presumed crashed; the crash
// counts as one retryable attempt. Re-sending with the same idempotency key
// is safe because the remote side deduplicates.
func (r *Repository) ExpireLeases(ctx context.Context, olderThan time.Time) (int64, error) {
	return r.sweep(ctx, `
		UPDATE credit_deductions
		SET status = 'pending', worker_id = NULL, leased_at = NULL,
		    attempt_count = attempt_count + 1, last_error = 'lease_expired'
		WHERE status = 'processing' AND leased_at < $1
	`, olderThan)
}

// BuryExhausted moves re-claimable rows that ran out of attempts to dead_letter.
func (r *Repository) BuryExhausted(ctx context.Context, maxAttempts int) (int64, error) {
	return r.sweep(ctx, `
		UPDATE credit_deductions
		SET status = 'dead_letter', worker_id = NULL, leased_at = NULL
		WHERE status IN ('pending', 'failed_retryable') AND attempt_count >= $1
	`, maxAttempts)
}

func (r *Repository) sweep(ctx context.Context, query string, args ...interface{}) (int64, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	result, err := r.db.ExecContext(ctx2, query, args...)
	if err != nil {
		return 0, fmt.Errorf("%w: sweep deductions", ErrInternal)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: rows affected", ErrInternal)
	}
	return rows, nil
}

func (r *Repository) CountByStatus(ctx context.Context) (Metrics, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx2, `
		SELECT status, COUNT(*) AS n
		FROM credit_deductions
		GROUP BY status
	`)
	if err != nil {
		return Metrics{}, fmt.Errorf("%w: count by status", ErrInternal)
	}
	defer rows.Close()

	var m Metrics
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return Metrics{}, fmt.Errorf("%w: scan status count", ErrInternal)
		}
		switch Status(status) {
		case StatusPending:
			m.Pending = n
		case StatusProcessing:
			m.Processing = n
		case StatusCompleted:
			m.Completed = n
		case StatusFailedTerminal:
			m.FailedTerminal = n
		case StatusFailedRetryable:
			m.FailedRetryable = n
		case StatusDeadLetter:
			m.DeadLetter = n
		}
	}
	if err := rows.Err(); err != nil {
		return Metrics{}, fmt.Errorf("%w: iterate status counts", ErrInternal)
	}
	return m, nil
}

func (r *Repository) ListDeadLetters(ctx context.Context, limit, offset int) ([]Record, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 50
	}

	records := make([]Record, 0)
	err := r.db.SelectContext(ctx2, &records, `
		SELECT `+recordColumns+`
		FROM credit_deductions
		WHERE status = 'dead_letter'
		ORDER BY created_at ASC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("%w: list dead letters", ErrInternal)
	}
	return records, nil
}

// CompletedTotals sums completed deduction amounts per user since the given
// time. Used by the nightly reconciliation sweep.
func (r *Repository) CompletedTotals(ctx context.Context, since time.Time) ([]UserTotal, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	totals := make([]UserTotal, 0)
	err := r.db.SelectContext(ctx2, &totals, `
		SELECT user_id, COALESCE(SUM((payload->>'amount_cents')::bigint), 0) AS total_cents
		FROM credit_deductions
		WHERE status = 'completed' AND created_at >= $1
		GROUP BY user_id
		ORDER BY user_id
	`, since)
	if err != nil {
		return nil, fmt.Errorf("%w: completed totals", ErrInternal)
	}
	return totals, nil
}
