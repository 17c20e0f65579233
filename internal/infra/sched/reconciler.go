package sched

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"capinha/internal/config"
	"capinha/internal/infra/metrics"
	"capinha/internal/infra/redis"
	"capinha/internal/usecase"
)

const reconcileLockKey = "lock:capinha:reconcile"

// Reconciler periodically repairs paid payments that never received a code and reports
// activated codes that never produced a card. With a locker, only one instance runs a pass.
type Reconciler struct {
	uc     usecase.ProvisioningUseCase
	cfg    *config.Provider
	locker redis.Locker
	log    *zerolog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewReconciler builds the worker. locker may be nil when a single instance runs.
func NewReconciler(uc usecase.ProvisioningUseCase, cfg *config.Provider, locker redis.Locker, logger *zerolog.Logger) *Reconciler {
	l := logger.With().Str("component", "Reconciler").Logger()
	return &Reconciler{uc: uc, cfg: cfg, locker: locker, log: &l}
}

// Start runs the loop in a goroutine until ctx is cancelled or Stop is called.
func (w *Reconciler) Start(ctx context.Context) {
	if w.cancel != nil {
		return
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go w.loop(ctx)
}

func (w *Reconciler) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
	w.cancel = nil
}

func (w *Reconciler) loop(ctx context.Context) {
	defer close(w.done)
	interval := w.cfg.Current().Reconcile.Interval
	t := time.NewTicker(interval)
	defer t.Stop()
	w.log.Info().Dur("interval", interval).Msg("reconciler started")
	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("reconciler stopped")
			return
		case <-t.C:
			w.RunOnce(ctx)
			// Pick up interval changes from a config reload.
			if next := w.cfg.Current().Reconcile.Interval; next != interval {
				interval = next
				t.Reset(interval)
			}
		}
	}
}

// RunOnce performs one bounded pass and returns its report (nil when skipped or failed).
func (w *Reconciler) RunOnce(ctx context.Context) *usecase.ReconcileReport {
	rc := w.cfg.Current().Reconcile
	ctx, cancel := context.WithTimeout(ctx, rc.Interval)
	defer cancel()

	if w.locker != nil {
		token, err := w.locker.TryLock(ctx, reconcileLockKey, rc.Interval)
		if errors.Is(err, redis.ErrLockHeld) {
			w.log.Debug().Msg("another instance is reconciling")
			return nil
		}
		if err != nil {
			w.log.Warn().Err(err).Msg("reconcile lock unavailable, running unlocked")
		} else {
			defer func() {
				if err := w.locker.Unlock(context.Background(), reconcileLockKey, token); err != nil {
					w.log.Warn().Err(err).Msg("reconcile unlock failed")
				}
			}()
		}
	}

	report, err := w.uc.Reconcile(ctx, rc.Batch)
	if err != nil {
		metrics.IncReconcileRun("failed")
		w.log.Error().Err(err).Msg("reconcile pass failed")
		return nil
	}
	metrics.IncReconcileRun("ok")
	metrics.AddReconcileRepairs(report.Repaired)
	metrics.SetProvisioningOrphans(len(report.Orphans))
	if report.Repaired > 0 || report.Failed > 0 {
		w.log.Info().Int("repaired", report.Repaired).Int("failed", report.Failed).Msg("reconcile pass repaired issuances")
	}
	return report
}
