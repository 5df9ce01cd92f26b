package deduction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/datachest/billing-api/internal/pkg/billingauthority"
)

// Sender sends one deduction to the remote billing authority and classifies
// the response. Satisfied by *billingauthority.Client.
type Sender interface {
	Deduct(ctx context.Context, idempotencyKey string, payload []byte) (*billingauthority.SendResult, error)
}

// QueueConfig tunes the deduction queue worker. SendTimeout should match the
// billing client's per-request timeout; it sizes the cycle budget so a full
// worst-case batch never runs out of context mid-send.
type QueueConfig struct {
	BatchSize    int
	PollInterval time.Duration
	SendTimeout  time.Duration
	MaxAttempts  int
	Backoff      Backoff
}

// Queue owns the deduction work loop: enqueue, claim, dispatch, transition.
// Many Queue instances (in one process or many) may run against the same
// table; they coordinate only through the store's atomic claim primitive.
type Queue struct {
	store    Store
	sender   Sender
	workerID string
	cfg      QueueConfig
	stopCh   chan struct{}
}

// NewQueue creates a deduction queue worker with a unique worker ID.
func NewQueue(store Store, sender Sender, cfg QueueConfig) *Queue {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Backoff == (Backoff{}) {
		cfg.Backoff = DefaultBackoff()
	}
	return &Queue{
		store:    store,
		sender:   sender,
		workerID: "deduct-" + uuid.NewString(),
		cfg:      cfg,
		stopCh:   make(chan struct{}),
	}
}

// Enqueue persists a deduction request as a pending row. A duplicate
// idempotency key means the same logical deduction is already queued, which
// is reported as an outcome, not an error.
func (q *Queue) Enqueue(ctx context.Context, p Payload) (EnqueueOutcome, error) {
	if strings.TrimSpace(p.UserID) == "" || strings.TrimSpace(p.IdempotencyKey) == "" {
		return 0, ErrInvalidPayload
	}
	if p.AmountCents <= 0 {
		return 0, ErrInvalidPayload
	}

	body, err := json.Marshal(p)
	if err != nil {
		return 0, fmt.Errorf("%w: marshal payload", ErrInvalidPayload)
	}

	outcome, err := q.store.Insert(ctx, p.UserID, p.IdempotencyKey, body)
	if err != nil {
		return 0, err
	}
	if outcome == OutcomeAlreadyQueued {
		log.Debug().
			Str("idempotency_key", p.IdempotencyKey).
			Msg("Deduction already queued, collapsing duplicate enqueue")
	}
	return outcome, nil
}

// Start begins the background claim/process loop.
func (q *Queue) Start() {
	log.Info().
		Str("worker_id", q.workerID).
		Int("batch_size", q.cfg.BatchSize).
		Dur("poll_interval", q.cfg.PollInterval).
		Msg("Starting deduction queue worker")
	go q.loop()
}

// Stop gracefully stops the background loop.
func (q *Queue) Stop() {
	log.Info().Str("worker_id", q.workerID).Msg("Stopping deduction queue worker")
	close(q.stopCh)
}

func (q *Queue) loop() {
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	q.cycle()

	for {
		select {
		case <-ticker.C:
			q.cycle()
		case <-q.stopCh:
			return
		}
	}
}

func (q *Queue) cycle() {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().
				Interface("error", rec).
				Str("stack", string(debug.Stack())).
				Str("worker_id", q.workerID).
				Msg("Panic recovered in deduction queue cycle")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), q.cycleTimeout())
	defer cancel()

	if _, err := q.ProcessOnce(ctx); err != nil {
		log.Error().Err(err).Str("worker_id", q.workerID).Msg("Deduction queue cycle failed")
	}
}

// cycleTimeout budgets one send timeout per row in a worst-case batch, plus
// slack for the requeue, claim and transition queries.
func (q *Queue) cycleTimeout() time.Duration {
	return time.Duration(q.cfg.BatchSize)*q.cfg.SendTimeout + 30*time.Second
}

// ProcessOnce runs one requeue+claim+dispatch pass and returns how many rows
// were processed. Claimed rows are handled in created_at order.
func (q *Queue) ProcessOnce(ctx context.Context) (int, error) {
	requeued, err := q.store.RequeueDue(ctx, q.cfg.MaxAttempts)
	if err != nil {
		return 0, fmt.Errorf("requeue due retries: %w", err)
	}
	if requeued > 0 {
		log.Debug().Int64("count", requeued).Msg("Requeued retryable deductions")
	}

	records, err := q.store.ClaimBatch(ctx, q.workerID, q.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("claim batch: %w", err)
	}

	for i := range records {
		q.processOne(ctx, &records[i])
	}
	return len(records), nil
}

func (q *Queue) processOne(ctx context.Context, rec *Record) {
	result, err := q.sender.Deduct(ctx, rec.IdempotencyKey, rec.Payload)
	if err != nil {
		// Request could not even be built; treat like a transport failure.
		result = &billingauthority.SendResult{
			Outcome: billingauthority.OutcomeRetryable,
			Reason:  err.Error(),
		}
	}

	if err := q.Resolve(ctx, rec, result); err != nil {
		log.Error().Err(err).
			Int64("deduction_id", rec.ID).
			Str("idempotency_key", rec.IdempotencyKey).
			Msg("Failed to record deduction result")
	}
}

// Resolve applies a classified send result to a claimed (processing) row.
// It is the only place the completed / failed_terminal / failed_retryable /
// dead_letter transitions are made.
func (q *Queue) Resolve(ctx context.Context, rec *Record, result *billingauthority.SendResult) error {
	switch result.Outcome {
	case billingauthority.OutcomeSuccess:
		if err := q.store.MarkCompleted(ctx, rec.ID); err != nil {
			return err
		}
		log.Info().
			Int64("deduction_id", rec.ID).
			Str("user_id", rec.UserID).
			Msg("Deduction completed")
		return nil

	case billingauthority.OutcomeTerminal:
		if err := q.store.MarkTerminal(ctx, rec.ID, result.Reason); err != nil {
			return err
		}
		log.Warn().
			Int64("deduction_id", rec.ID).
			Str("user_id", rec.UserID).
			Str("reason", result.Reason).
			Msg("Deduction failed terminally")
		return nil

	default:
		attempt := rec.AttemptCount + 1
		if attempt >= q.cfg.MaxAttempts {
			if err := q.store.MarkDeadLetter(ctx, rec.ID, result.Reason); err != nil {
				return err
			}
			log.Error().
				Int64("deduction_id", rec.ID).
				Str("user_id", rec.UserID).
				Int("attempts", attempt).
				Str("reason", result.Reason).
				Msg("Deduction dead-lettered after exhausting retries")
			return nil
		}

		nextRetry := time.Now().Add(q.cfg.Backoff.Delay(attempt))
		if err := q.store.MarkRetryable(ctx, rec.ID, nextRetry, result.Reason); err != nil {
			return err
		}
		log.Warn().
			Int64("deduction_id", rec.ID).
			Str("user_id", rec.UserID).
			Int("attempt", attempt).
			Time("next_retry_at", nextRetry).
			Str("reason", result.Reason).
			Msg("Deduction failed, scheduled for retry")
		return nil
	}
}

// SendNow attempts one synchronous send of a just-enqueued deduction, for
// fast caller feedback. The row is claimed through the same atomic primitive
// as the batch loop, so a concurrent batch worker cannot double-send it. If
// the row is no longer claimable, ErrNotFound is returned and the batch loop
// owns it.
func (q *Queue) SendNow(ctx context.Context, idempotencyKey string) (*billingauthority.SendResult, error) {
	rec, err := q.store.ClaimByKey(ctx, q.workerID, idempotencyKey)
	if err != nil {
		return nil, err
	}

	result, sendErr := q.sender.Deduct(ctx, rec.IdempotencyKey, rec.Payload)
	if sendErr != nil {
		result = &billingauthority.SendResult{
			Outcome: billingauthority.OutcomeRetryable,
			Reason:  sendErr.Error(),
		}
	}
	if err := q.Resolve(ctx, rec, result); err != nil && !errors.Is(err, ErrNotProcessing) {
		return result, err
	}
	return result, nil
}

// WorkerID returns the queue's unique worker identity, as stamped on leases.
func (q *Queue) WorkerID() string {
	return q.workerID
}
