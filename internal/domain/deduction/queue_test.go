package deduction_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/datachest/billing-api/internal/domain/deduction"
	"github.com/datachest/billing-api/internal/pkg/billingauthority"
)

/* =========================
   In-memory store fake
   ========================= */

type memStore struct {
	mu   sync.Mutex
	seq  int64
	rows map[int64]*deduction.Record
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[int64]*deduction.Record)}
}

func (m *memStore) Insert(_ context.Context, userID, key string, payload []byte) (deduction.EnqueueOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.rows {
		if r.IdempotencyKey == key {
			return deduction.OutcomeAlreadyQueued, nil
		}
	}
	m.seq++
	m.rows[m.seq] = &deduction.Record{
		ID:             m.seq,
		UserID:         userID,
		IdempotencyKey: key,
		Payload:        payload,
		Status:         deduction.StatusPending,
		NextRetryAt:    time.Now().Add(-time.Second),
		CreatedAt:      time.Now(),
	}
	return deduction.OutcomeInserted, nil
}

func (m *memStore) GetByKey(_ context.Context, key string) (*deduction.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.rows {
		if r.IdempotencyKey == key {
			cp := *r
			return &cp, nil
		}
	}
	return nil, deduction.ErrNotFound
}

func (m *memStore) ClaimBatch(_ context.Context, workerID string, limit int) ([]deduction.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]int64, 0, len(m.rows))
	now := time.Now()
	for id, r := range m.rows {
		if r.Status == deduction.StatusPending && !r.NextRetryAt.After(now) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > limit {
		ids = ids[:limit]
	}

	claimed := make([]deduction.Record, 0, len(ids))
	for _, id := range ids {
		r := m.rows[id]
		r.Status = deduction.StatusProcessing
		r.WorkerID = sql.NullString{String: workerID, Valid: true}
		r.LeasedAt = sql.NullTime{Time: now, Valid: true}
		claimed = append(claimed, *r)
	}
	return claimed, nil
}

func (m *memStore) ClaimByKey(_ context.Context, workerID, key string) (*deduction.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for _, r := range m.rows {
		if r.IdempotencyKey == key && r.Status == deduction.StatusPending && !r.NextRetryAt.After(now) {
			r.Status = deduction.StatusProcessing
			r.WorkerID = sql.NullString{String: workerID, Valid: true}
			r.LeasedAt = sql.NullTime{Time: now, Valid: true}
			cp := *r
			return &cp, nil
		}
	}
	return nil, deduction.ErrNotFound
}

func (m *memStore) transition(id int64, to deduction.Status, lastError string, bumpAttempt bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rows[id]
	if !ok || r.Status != deduction.StatusProcessing {
		return deduction.ErrNotProcessing
	}
	r.Status = to
	r.WorkerID = sql.NullString{}
	r.LeasedAt = sql.NullTime{}
	if lastError != "" {
		r.LastError = sql.NullString{String: lastError, Valid: true}
	} else {
		r.LastError = sql.NullString{}
	}
	if bumpAttempt {
		r.AttemptCount++
	}
	return nil
}

func (m *memStore) MarkCompleted(_ context.Context, id int64) error {
	return m.transition(id, deduction.StatusCompleted, "", false)
}

func (m *memStore) MarkTerminal(_ context.Context, id int64, reason string) error {
	return m.transition(id, deduction.StatusFailedTerminal, reason, false)
}

func (m *memStore) MarkRetryable(_ context.Context, id int64, nextRetryAt time.Time, lastError string) error {
	if err := m.transition(id, deduction.StatusFailedRetryable, lastError, true); err != nil {
		return err
	}
	m.mu.Lock()
	m.rows[id].NextRetryAt = nextRetryAt
	m.mu.Unlock()
	return nil
}

func (m *memStore) MarkDeadLetter(_ context.Context, id int64, lastError string) error {
	return m.transition(id, deduction.StatusDeadLetter, lastError, true)
}

func (m *memStore) RequeueDue(_ context.Context, maxAttempts int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	now := time.Now()
	for _, r := range m.rows {
		if r.Status == deduction.StatusFailedRetryable && !r.NextRetryAt.After(now) && r.AttemptCount < maxAttempts {
			r.Status = deduction.StatusPending
			n++
		}
	}
	return n, nil
}

func (m *memStore) ExpireLeases(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, r := range m.rows {
		if r.Status == deduction.StatusProcessing && r.LeasedAt.Valid && r.LeasedAt.Time.Before(olderThan) {
			r.Status = deduction.StatusPending
			r.WorkerID = sql.NullString{}
			r.LeasedAt = sql.NullTime{}
			r.AttemptCount++
			r.LastError = sql.NullString{String: "lease_expired", Valid: true}
			n++
		}
	}
	return n, nil
}

func (m *memStore) BuryExhausted(_ context.Context, maxAttempts int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, r := range m.rows {
		if (r.Status == deduction.StatusPending || r.Status == deduction.StatusFailedRetryable) && r.AttemptCount >= maxAttempts {
			r.Status = deduction.StatusDeadLetter
			n++
		}
	}
	return n, nil
}

func (m *memStore) CountByStatus(_ context.Context) (deduction.Metrics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out deduction.Metrics
	for _, r := range m.rows {
		switch r.Status {
		case deduction.StatusPending:
			out.Pending++
		case deduction.StatusProcessing:
			out.Processing++
		case deduction.StatusCompleted:
			out.Completed++
		case deduction.StatusFailedTerminal:
			out.FailedTerminal++
		case deduction.StatusFailedRetryable:
			out.FailedRetryable++
		case deduction.StatusDeadLetter:
			out.DeadLetter++
		}
	}
	return out, nil
}

func (m *memStore) ListDeadLetters(_ context.Context, limit, offset int) ([]deduction.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]deduction.Record, 0)
	for _, r := range m.rows {
		if r.Status == deduction.StatusDeadLetter {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if offset > len(out) {
		offset = len(out)
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) CompletedTotals(_ context.Context, since time.Time) ([]deduction.UserTotal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	byUser := make(map[string]int64)
	for _, r := range m.rows {
		if r.Status != deduction.StatusCompleted || r.CreatedAt.Before(since) {
			continue
		}
		var p deduction.Payload
		if err := json.Unmarshal(r.Payload, &p); err != nil {
			continue
		}
		byUser[r.UserID] += p.AmountCents
	}

	users := make([]string, 0, len(byUser))
	for u := range byUser {
		users = append(users, u)
	}
	sort.Strings(users)

	totals := make([]deduction.UserTotal, 0, len(users))
	for _, u := range users {
		totals = append(totals, deduction.UserTotal{UserID: u, TotalCents: byUser[u]})
	}
	return totals, nil
}

// rewind makes a retryable row immediately due again.
func (m *memStore) rewind(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.IdempotencyKey == key {
			r.NextRetryAt = time.Now().Add(-time.Second)
		}
	}
}

func (m *memStore) statusOf(t *testing.T, key string) deduction.Record {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.IdempotencyKey == key {
			return *r
		}
	}
	t.Fatalf("no row for key %q", key)
	return deduction.Record{}
}

/* =========================
   Sender fakes
   ========================= */

type scriptedSender struct {
	mu      sync.Mutex
	results []*billingauthority.SendResult
	calls   int
}

func (s *scriptedSender) Deduct(context.Context, string, []byte) (*billingauthority.SendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := s.results[0]
	if len(s.results) > 1 {
		s.results = s.results[1:]
	}
	s.calls++
	return res, nil
}

func successResult(balance int64) *billingauthority.SendResult {
	return &billingauthority.SendResult{Outcome: billingauthority.OutcomeSuccess, BalanceCents: balance}
}

func retryableResult(reason string) *billingauthority.SendResult {
	return &billingauthority.SendResult{Outcome: billingauthority.OutcomeRetryable, Reason: reason}
}

func terminalResult(reason string) *billingauthority.SendResult {
	return &billingauthority.SendResult{Outcome: billingauthority.OutcomeTerminal, Reason: reason}
}

func testPayload(user, key string) deduction.Payload {
	return deduction.Payload{
		UserID:         user,
		AmountCents:    27,
		Service:        "completion",
		TokensIn:       10000,
		TokensOut:      4000,
		Model:          "test-model",
		MarkupRate:     3.0,
		IdempotencyKey: key,
	}
}

func requireNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

/* =========================
   Queue tests
   ========================= */

func TestEnqueueDuplicateCollapses(t *testing.T) {
	store := newMemStore()
	queue := deduction.NewQueue(store, &scriptedSender{results: []*billingauthority.SendResult{successResult(100)}}, deduction.QueueConfig{})

	key := deduction.DeriveKey("user-1", "session-1", "msg-1")

	outcome, err := queue.Enqueue(context.Background(), testPayload("user-1", key))
	requireNoError(t, err)
	if outcome != deduction.OutcomeInserted {
		t.Fatalf("expected inserted, got %v", outcome)
	}

	outcome, err = queue.Enqueue(context.Background(), testPayload("user-1", key))
	requireNoError(t, err)
	if outcome != deduction.OutcomeAlreadyQueued {
		t.Fatalf("expected already_queued, got %v", outcome)
	}

	if n := len(store.rows); n != 1 {
		t.Fatalf("expected exactly one row, got %d", n)
	}
}

func TestProcessOnceSuccessCompletes(t *testing.T) {
	store := newMemStore()
	queue := deduction.NewQueue(store, &scriptedSender{results: []*billingauthority.SendResult{successResult(73)}}, deduction.QueueConfig{})

	key := deduction.DeriveKey("user-1", "session-1", "msg-1")
	_, err := queue.Enqueue(context.Background(), testPayload("user-1", key))
	requireNoError(t, err)

	n, err := queue.ProcessOnce(context.Background())
	requireNoError(t, err)
	if n != 1 {
		t.Fatalf("expected 1 processed, got %d", n)
	}

	rec := store.statusOf(t, key)
	if rec.Status != deduction.StatusCompleted {
		t.Fatalf("expected completed, got %s", rec.Status)
	}
	if rec.AttemptCount != 0 {
		t.Fatalf("expected 0 attempts, got %d", rec.AttemptCount)
	}
}

func TestProcessOnceTerminalFailure(t *testing.T) {
	store := newMemStore()
	sender := &scriptedSender{results: []*billingauthority.SendResult{terminalResult(billingauthority.ReasonInsufficientFunds)}}
	queue := deduction.NewQueue(store, sender, deduction.QueueConfig{})

	key := deduction.DeriveKey("user-1", "session-1", "msg-1")
	_, err := queue.Enqueue(context.Background(), testPayload("user-1", key))
	requireNoError(t, err)

	_, err = queue.ProcessOnce(context.Background())
	requireNoError(t, err)

	rec := store.statusOf(t, key)
	if rec.Status != deduction.StatusFailedTerminal {
		t.Fatalf("expected failed_terminal, got %s", rec.Status)
	}
	if rec.LastError.String != billingauthority.ReasonInsufficientFunds {
		t.Fatalf("expected insufficient_funds reason, got %q", rec.LastError.String)
	}
}

func TestThreeTimeoutsLeaveRowRetryable(t *testing.T) {
	store := newMemStore()
	sender := &scriptedSender{results: []*billingauthority.SendResult{retryableResult("transport_error: timeout")}}
	queue := deduction.NewQueue(store, sender, deduction.QueueConfig{MaxAttempts: 5})

	key := deduction.DeriveKey("user-1", "session-1", "msg-1")
	_, err := queue.Enqueue(context.Background(), testPayload("user-1", key))
	requireNoError(t, err)

	for i := 0; i < 3; i++ {
		store.rewind(key)
		_, err := queue.ProcessOnce(context.Background())
		requireNoError(t, err)
	}

	rec := store.statusOf(t, key)
	if rec.Status != deduction.StatusFailedRetryable {
		t.Fatalf("expected failed_retryable, got %s", rec.Status)
	}
	if rec.AttemptCount != 3 {
		t.Fatalf("expected attempt_count 3, got %d", rec.AttemptCount)
	}
}

func TestRetriesExhaustedDeadLetters(t *testing.T) {
	store := newMemStore()
	sender := &scriptedSender{results: []*billingauthority.SendResult{retryableResult("HTTP 503")}}
	queue := deduction.NewQueue(store, sender, deduction.QueueConfig{MaxAttempts: 3})

	key := deduction.DeriveKey("user-1", "session-1", "msg-1")
	_, err := queue.Enqueue(context.Background(), testPayload("user-1", key))
	requireNoError(t, err)

	for i := 0; i < 3; i++ {
		store.rewind(key)
		_, err := queue.ProcessOnce(context.Background())
		requireNoError(t, err)
	}

	rec := store.statusOf(t, key)
	if rec.Status != deduction.StatusDeadLetter {
		t.Fatalf("expected dead_letter, got %s", rec.Status)
	}
	if rec.AttemptCount != 3 {
		t.Fatalf("expected attempt_count 3, got %d", rec.AttemptCount)
	}
}

func TestTerminalStatesAreFinal(t *testing.T) {
	store := newMemStore()
	sender := &scriptedSender{results: []*billingauthority.SendResult{terminalResult("HTTP 400")}}
	queue := deduction.NewQueue(store, sender, deduction.QueueConfig{})

	key := deduction.DeriveKey("user-1", "session-1", "msg-1")
	_, err := queue.Enqueue(context.Background(), testPayload("user-1", key))
	requireNoError(t, err)

	_, err = queue.ProcessOnce(context.Background())
	requireNoError(t, err)

	// Additional claim cycles must not touch the terminal row.
	for i := 0; i < 3; i++ {
		store.rewind(key)
		n, err := queue.ProcessOnce(context.Background())
		requireNoError(t, err)
		if n != 0 {
			t.Fatalf("terminal row was claimed again on cycle %d", i)
		}
	}

	if rec := store.statusOf(t, key); rec.Status != deduction.StatusFailedTerminal {
		t.Fatalf("terminal status changed to %s", rec.Status)
	}
}

func TestConcurrentClaimNoDuplicates(t *testing.T) {
	store := newMemStore()
	for i := 0; i < 100; i++ {
		key := deduction.DeriveKey("user-1", "session-1", string(rune('a'+i%26))+string(rune('0'+i/26)))
		_, err := store.Insert(context.Background(), "user-1", key, []byte(`{}`))
		requireNoError(t, err)
	}

	const workers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[int64]int)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for {
				claimed, err := store.ClaimBatch(context.Background(), "worker", 10)
				if err != nil {
					t.Errorf("claim failed: %v", err)
					return
				}
				if len(claimed) == 0 {
					return
				}
				mu.Lock()
				for _, rec := range claimed {
					seen[rec.ID]++
				}
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	if len(seen) != 100 {
		t.Fatalf("expected 100 claimed rows, got %d", len(seen))
	}
	for id, count := range seen {
		if count != 1 {
			t.Fatalf("row %d claimed %d times", id, count)
		}
	}
}

func TestSendNowResolvesClaimedRow(t *testing.T) {
	store := newMemStore()
	queue := deduction.NewQueue(store, &scriptedSender{results: []*billingauthority.SendResult{successResult(50)}}, deduction.QueueConfig{})

	key := deduction.DeriveKey("user-1", "session-1", "msg-1")
	_, err := queue.Enqueue(context.Background(), testPayload("user-1", key))
	requireNoError(t, err)

	result, err := queue.SendNow(context.Background(), key)
	requireNoError(t, err)
	if result.Outcome != billingauthority.OutcomeSuccess {
		t.Fatalf("expected success, got %v", result.Outcome)
	}

	if rec := store.statusOf(t, key); rec.Status != deduction.StatusCompleted {
		t.Fatalf("expected completed, got %s", rec.Status)
	}
}

func TestSendNowSkipsRowOwnedByBatchWorker(t *testing.T) {
	store := newMemStore()
	queue := deduction.NewQueue(store, &scriptedSender{results: []*billingauthority.SendResult{successResult(50)}}, deduction.QueueConfig{})

	key := deduction.DeriveKey("user-1", "session-1", "msg-1")
	_, err := queue.Enqueue(context.Background(), testPayload("user-1", key))
	requireNoError(t, err)

	// A batch worker claims the row first.
	claimed, err := store.ClaimBatch(context.Background(), "other-worker", 10)
	requireNoError(t, err)
	if len(claimed) != 1 {
		t.Fatalf("expected 1 claimed, got %d", len(claimed))
	}

	_, err = queue.SendNow(context.Background(), key)
	if !errors.Is(err, deduction.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEnqueueRejectsInvalidPayload(t *testing.T) {
	store := newMemStore()
	queue := deduction.NewQueue(store, &scriptedSender{results: []*billingauthority.SendResult{successResult(0)}}, deduction.QueueConfig{})

	cases := []deduction.Payload{
		{},
		{UserID: "user-1"},
		{UserID: "user-1", IdempotencyKey: "deduct:v1:abc", AmountCents: 0},
	}
	for i, p := range cases {
		if _, err := queue.Enqueue(context.Background(), p); !errors.Is(err, deduction.ErrInvalidPayload) {
			t.Errorf("case %d: expected ErrInvalidPayload, got %v", i, err)
		}
	}
}
