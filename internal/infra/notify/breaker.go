// File: internal/infra/notify/breaker.go
package notify

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"

	"capinha/internal/config"
	"capinha/internal/domain/model"
	"capinha/internal/domain/ports/adapter"
)

var _ adapter.Notifier = (*BreakerNotifier)(nil)

// BreakerNotifier stops calling a failing notifier for a while instead of piling up timeouts.
// While open, Notify fails fast with gobreaker.ErrOpenState.
type BreakerNotifier struct {
	next adapter.Notifier
	cb   *gobreaker.CircuitBreaker[any]
}

func NewBreakerNotifier(name string, next adapter.Notifier, cfg config.BreakerConfig, logger *zerolog.Logger) *BreakerNotifier {
	l := logger.With().Str("component", "BreakerNotifier").Logger()
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			l.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	}
	return &BreakerNotifier{next: next, cb: gobreaker.NewCircuitBreaker[any](settings)}
}

func (b *BreakerNotifier) Notify(ctx context.Context, n model.Notification) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, b.next.Notify(ctx, n)
	})
	return err
}

func (b *BreakerNotifier) State() gobreaker.State {
	return b.cb.State()
}
