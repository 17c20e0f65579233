// File: internal/infra/notify/dispatcher.go
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"capinha/internal/domain/model"
	"capinha/internal/domain/ports/adapter"
	"capinha/internal/infra/metrics"
	"capinha/internal/infra/worker"
)

var (
	_ adapter.Notifier = (*Dispatcher)(nil)
	_ adapter.Alerter  = (*Dispatcher)(nil)
)

// Dispatcher hands notifications and alerts to a worker pool so that committed business
// transitions never wait on delivery. Sends are paced by a token bucket shared by both kinds.
type Dispatcher struct {
	pool     *worker.Pool
	notifier adapter.Notifier
	alerter  adapter.Alerter
	limiter  *rate.Limiter
	timeout  time.Duration
	log      *zerolog.Logger
}

type DispatcherOptions struct {
	RatePerSec float64
	Timeout    time.Duration
}

func NewDispatcher(pool *worker.Pool, notifier adapter.Notifier, alerter adapter.Alerter, opts DispatcherOptions, logger *zerolog.Logger) *Dispatcher {
	l := logger.With().Str("component", "NotifyDispatcher").Logger()
	burst := int(opts.RatePerSec)
	if burst < 1 {
		burst = 1
	}
	limit := rate.Limit(opts.RatePerSec)
	if opts.RatePerSec <= 0 {
		limit = rate.Inf
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	return &Dispatcher{
		pool:     pool,
		notifier: notifier,
		alerter:  alerter,
		limiter:  rate.NewLimiter(limit, burst),
		timeout:  opts.Timeout,
		log:      &l,
	}
}

// Notify enqueues n. It returns an error only when the queue is saturated.
func (d *Dispatcher) Notify(_ context.Context, n model.Notification) error {
	kind := string(n.Kind)
	err := d.pool.Submit(func(ctx context.Context) error {
		if err := d.limiter.Wait(ctx); err != nil {
			metrics.IncNotification(kind, "dropped")
			return err
		}
		ctx, cancel := context.WithTimeout(ctx, d.timeout)
		defer cancel()
		if err := d.notifier.Notify(ctx, n); err != nil {
			metrics.IncNotification(kind, "failed")
			return fmt.Errorf("deliver %s notification %s: %w", kind, n.ID, err)
		}
		metrics.IncNotification(kind, "sent")
		return nil
	})
	if err != nil {
		metrics.IncNotification(kind, "dropped")
		return fmt.Errorf("enqueue %s notification: %w", kind, err)
	}
	return nil
}

// Alert enqueues a. It returns an error only when the queue is saturated.
func (d *Dispatcher) Alert(_ context.Context, a model.Alert) error {
	sev := string(a.Severity)
	err := d.pool.Submit(func(ctx context.Context) error {
		if err := d.limiter.Wait(ctx); err != nil {
			metrics.IncAlert(sev, "dropped")
			return err
		}
		ctx, cancel := context.WithTimeout(ctx, d.timeout)
		defer cancel()
		if err := d.alerter.Alert(ctx, a); err != nil {
			metrics.IncAlert(sev, "failed")
			return fmt.Errorf("deliver alert %q: %w", a.Subject, err)
		}
		metrics.IncAlert(sev, "sent")
		return nil
	})
	if err != nil {
		metrics.IncAlert(sev, "dropped")
		d.log.Error().Err(err).Str("subject", a.Subject).Msg("alert dropped")
		return fmt.Errorf("enqueue alert: %w", err)
	}
	return nil
}
