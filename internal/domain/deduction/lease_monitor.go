package deduction

import (
	"context"
	"errors"
	"runtime/debug"
	"time"

	"github.com/bsm/redislock"
	"github.com/rs/zerolog/log"
)

// LeaseMonitor reclaims work from crashed workers. A processing row whose
// lease is older than TTL is returned to pending with its attempt count
// incremented; rows pushed past the attempt budget go to dead_letter.
type LeaseMonitor struct {
	store       Store
	locker      *redislock.Client
	interval    time.Duration
	ttl         time.Duration
	maxAttempts int
	stopCh      chan struct{}
}

const leaseMonitorLockKey = "lock:billing:lease-monitor"

// NewLeaseMonitor creates a lease monitor. locker may be nil, in which case
// the monitor runs without cross-replica exclusion (single-instance deploys).
func NewLeaseMonitor(store Store, locker *redislock.Client, interval, ttl time.Duration, maxAttempts int) *LeaseMonitor {
	if interval <= 0 {
		interval = time.Minute
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &LeaseMonitor{
		store:       store,
		locker:      locker,
		interval:    interval,
		ttl:         ttl,
		maxAttempts: maxAttempts,
		stopCh:      make(chan struct{}),
	}
}

// Start begins the background lease sweep.
func (m *LeaseMonitor) Start() {
	log.Info().
		Dur("interval", m.interval).
		Dur("lease_ttl", m.ttl).
		Msg("Starting lease monitor")
	go m.loop()
}

// Stop gracefully stops the background lease sweep.
func (m *LeaseMonitor) Stop() {
	log.Info().Msg("Stopping lease monitor")
	close(m.stopCh)
}

func (m *LeaseMonitor) loop() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.runCycle()

	for {
		select {
		case <-ticker.C:
			m.runCycle()
		case <-m.stopCh:
			return
		}
	}
}

func (m *LeaseMonitor) runCycle() {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().
				Interface("error", rec).
				Str("stack", string(debug.Stack())).
				Msg("Panic recovered in lease monitor cycle")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	release, ok := obtainJobLock(ctx, m.locker, leaseMonitorLockKey, m.interval)
	if !ok {
		return
	}
	defer release()

	if _, _, err := m.SweepOnce(ctx); err != nil {
		log.Error().Err(err).Msg("Lease sweep failed")
	}
}

// SweepOnce runs one lease-expiry pass and returns (reclaimed, buried) counts.
func (m *LeaseMonitor) SweepOnce(ctx context.Context) (int64, int64, error) {
	cutoff := time.Now().Add(-m.ttl)

	reclaimed, err := m.store.ExpireLeases(ctx, cutoff)
	if err != nil {
		return 0, 0, err
	}
	if reclaimed > 0 {
		log.Warn().Int64("count", reclaimed).Msg("Reclaimed deductions from expired leases")
	}

	buried, err := m.store.BuryExhausted(ctx, m.maxAttempts)
	if err != nil {
		return reclaimed, 0, err
	}
	if buried > 0 {
		log.Error().Int64("count", buried).Msg("Dead-lettered deductions that exhausted retry budget")
	}

	return reclaimed, buried, nil
}

// obtainJobLock takes a short redis lock so only one replica runs a periodic
// job per cycle. A missing locker or an unreachable redis does not block the
// job; the sweeps themselves are idempotent.
func obtainJobLock(ctx context.Context, locker *redislock.Client, key string, ttl time.Duration) (func(), bool) {
	if locker == nil {
		return func() {}, true
	}

	lock, err := locker.Obtain(ctx, key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		log.Debug().Str("key", key).Msg("Another replica holds the job lock, skipping cycle")
		return nil, false
	}
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Could not obtain job lock, proceeding without it")
		return func() {}, true
	}

	return func() {
		if err := lock.Release(context.Background()); err != nil {
			log.Debug().Err(err).Str("key", key).Msg("Failed to release job lock")
		}
	}, true
}
