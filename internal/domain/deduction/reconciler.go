package deduction

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/bsm/redislock"
	"github.com/rs/zerolog/log"
)

// LedgerReader reads the remote side of the ledger for reconciliation.
// Satisfied by *billingauthority.Client.
type LedgerReader interface {
	GetBalance(ctx context.Context, userID string) (int64, error)
	GetDeductions(ctx context.Context, userID, period string) (int64, error)
}

// Discrepancy is one detected divergence between the local and remote ledgers.
type Discrepancy struct {
	UserID             string `json:"user_id"`
	LocalCents         int64  `json:"local_cents"`
	RemoteCents        int64  `json:"remote_cents"`
	RemoteBalanceCents int64  `json:"remote_balance_cents"`
	DiffCents          int64  `json:"diff_cents"`
	Reason             string `json:"reason"`
}

const (
	ReasonAmountMismatch           = "amount_mismatch"
	ReasonRemoteBalanceUnavailable = "remote_balance_unavailable"
)

// ReconcileSummary is the outcome of one reconciliation sweep.
type ReconcileSummary struct {
	UsersChecked     int           `json:"users_checked"`
	DiscrepancyCount int           `json:"discrepancy_count"`
	Discrepancies    []Discrepancy `json:"discrepancies"`
}

// Reconciler is the daily batch job cross-checking local completed totals
// against the remote ledger. Discrepancies are alerted, never auto-corrected.
// It is also the safety net for the narrow crash window where the remote
// charge landed but the local row never reached completed: the remote 24h
// total then exceeds the local one and shows up as an amount mismatch.
type Reconciler struct {
	store          Store
	remote         LedgerReader
	locker         *redislock.Client
	interval       time.Duration
	window         time.Duration
	thresholdCents int64
	stopCh         chan struct{}
}

const reconcilerLockKey = "lock:billing:reconciler"

// NewReconciler creates a reconciliation worker. Defaults: run every 24h over
// a 24h window with a 1-cent mismatch threshold. locker may be nil.
func NewReconciler(store Store, remote LedgerReader, locker *redislock.Client, interval time.Duration, thresholdCents int64) *Reconciler {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	if thresholdCents <= 0 {
		thresholdCents = 1
	}
	return &Reconciler{
		store:          store,
		remote:         remote,
		locker:         locker,
		interval:       interval,
		window:         24 * time.Hour,
		thresholdCents: thresholdCents,
		stopCh:         make(chan struct{}),
	}
}

// Start begins the background reconciliation loop.
func (r *Reconciler) Start() {
	log.Info().Dur("interval", r.interval).Msg("Starting reconciliation worker")
	go r.loop()
}

// Stop gracefully stops the reconciliation loop.
func (r *Reconciler) Stop() {
	log.Info().Msg("Stopping reconciliation worker")
	close(r.stopCh)
}

func (r *Reconciler) loop() {
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

func (r *Reconciler) runCycle() {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().
				Interface("error", rec).
				Str("stack", string(debug.Stack())).
				Msg("Panic recovered in reconciliation cycle")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	release, ok := obtainJobLock(ctx, r.locker, reconcilerLockKey, 10*time.Minute)
	if !ok {
		return
	}
	defer release()

	summary, err := r.ReconcileOnce(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Reconciliation sweep failed")
		return
	}

	log.Info().
		Int("users_checked", summary.UsersChecked).
		Int("discrepancy_count", summary.DiscrepancyCount).
		Msg("Reconciliation sweep finished")
}

// ReconcileOnce cross-checks every user with completed deductions in the
// window against the remote ledger and returns the summary. The remote
// balance is fetched per user; the remote 24h deductions total, where
// available, is what the local total is compared against.
func (r *Reconciler) ReconcileOnce(ctx context.Context) (*ReconcileSummary, error) {
	since := time.Now().Add(-r.window)

	totals, err := r.store.CompletedTotals(ctx, since)
	if err != nil {
		return nil, err
	}

	summary := &ReconcileSummary{Discrepancies: make([]Discrepancy, 0)}
	for _, t := range totals {
		summary.UsersChecked++

		remoteBalance, err := r.remote.GetBalance(ctx, t.UserID)
		if err != nil {
			d := Discrepancy{
				UserID:     t.UserID,
				LocalCents: t.TotalCents,
				Reason:     ReasonRemoteBalanceUnavailable,
			}
			summary.Discrepancies = append(summary.Discrepancies, d)
			log.Error().
				Err(err).
				Str("user_id", t.UserID).
				Int64("local_cents", t.TotalCents).
				Str("reason", d.Reason).
				Msg("ALERT: ledger discrepancy")
			continue
		}

		remoteTotal, err := r.remote.GetDeductions(ctx, t.UserID, "24h")
		if err != nil {
			// The balance alone gives no 24h baseline to diff against,
			// so the amount comparison is skipped for this user.
			log.Warn().
				Err(err).
				Str("user_id", t.UserID).
				Int64("local_cents", t.TotalCents).
				Int64("remote_balance_cents", remoteBalance).
				Msg("Remote deductions total unavailable, skipping amount comparison")
			continue
		}

		diff := t.TotalCents - remoteTotal
		if abs(diff) > r.thresholdCents {
			d := Discrepancy{
				UserID:             t.UserID,
				LocalCents:         t.TotalCents,
				RemoteCents:        remoteTotal,
				RemoteBalanceCents: remoteBalance,
				DiffCents:          diff,
				Reason:             ReasonAmountMismatch,
			}
			summary.Discrepancies = append(summary.Discrepancies, d)
			log.Error().
				Str("user_id", t.UserID).
				Int64("local_cents", t.TotalCents).
				Int64("remote_cents", remoteTotal).
				Int64("remote_balance_cents", remoteBalance).
				Int64("diff_cents", diff).
				Str("reason", d.Reason).
				Msg("ALERT: ledger discrepancy")
		}
	}

	summary.DiscrepancyCount = len(summary.Discrepancies)
	return summary, nil
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
