package deduction

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog/log"
)

// Reporter periodically snapshots queue depth per status and raises
// structured alerts past configured thresholds. Dead-lettered rows are never
// silently dropped; this alert is how operators find them.
type Reporter struct {
	store               Store
	interval            time.Duration
	pendingDepthAlert   int
	deadLetterThreshold int
	stopCh              chan struct{}
}

// NewReporter creates a metrics reporter. pendingDepthAlert defaults to 100;
// any dead-letter count above deadLetterThreshold alerts, so the zero value
// flags the very first dead-lettered row.
func NewReporter(store Store, interval time.Duration, pendingDepthAlert, deadLetterThreshold int) *Reporter {
	if interval <= 0 {
		interval = time.Minute
	}
	if pendingDepthAlert <= 0 {
		pendingDepthAlert = 100
	}
	if deadLetterThreshold < 0 {
		deadLetterThreshold = 0
	}
	return &Reporter{
		store:               store,
		interval:            interval,
		pendingDepthAlert:   pendingDepthAlert,
		deadLetterThreshold: deadLetterThreshold,
		stopCh:              make(chan struct{}),
	}
}

// Start begins the background metrics loop.
func (r *Reporter) Start() {
	log.Info().Dur("interval", r.interval).Msg("Starting queue metrics reporter")
	go r.loop()
}

// Stop gracefully stops the background metrics loop.
func (r *Reporter) Stop() {
	log.Info().Msg("Stopping queue metrics reporter")
	close(r.stopCh)
}

func (r *Reporter) loop() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.runCycle()
		case <-r.stopCh:
			return
		}
	}
}

func (r *Reporter) runCycle() {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().
				Interface("error", rec).
				Str("stack", string(debug.Stack())).
				Msg("Panic recovered in metrics reporter cycle")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := r.ReportOnce(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to snapshot deduction queue metrics")
	}
}

// ReportOnce snapshots queue depth, logs it and raises threshold alerts.
func (r *Reporter) ReportOnce(ctx context.Context) (Metrics, error) {
	m, err := r.Snapshot(ctx)
	if err != nil {
		return Metrics{}, err
	}

	log.Info().
		Int("pending", m.Pending).
		Int("processing", m.Processing).
		Int("completed", m.Completed).
		Int("failed_terminal", m.FailedTerminal).
		Int("failed_retryable", m.FailedRetryable).
		Int("dead_letter", m.DeadLetter).
		Msg("Deduction queue depth")

	if m.DeadLetter > r.deadLetterThreshold {
		log.Error().
			Int("dead_letter_count", m.DeadLetter).
			Msg("ALERT: dead-lettered deductions require operator intervention")
	}
	if m.Pending > r.pendingDepthAlert {
		log.Warn().
			Int("pending_depth", m.Pending).
			Int("threshold", r.pendingDepthAlert).
			Msg("ALERT: deduction queue backlog above threshold")
	}

	return m, nil
}

// Snapshot returns current per-status counts. Also served by the ops endpoint.
func (r *Reporter) Snapshot(ctx context.Context) (Metrics, error) {
	return r.store.CountByStatus(ctx)
}
