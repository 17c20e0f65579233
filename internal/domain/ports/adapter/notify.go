package adapter

import (
	"context"

	"capinha/internal/domain/model"
)

// Notifier delivers customer notifications. Implementations may block on I/O; callers that must
// not block go through the async dispatcher.
type Notifier interface {
	Notify(ctx context.Context, n model.Notification) error
}

// Alerter delivers operator alerts.
type Alerter interface {
	Alert(ctx context.Context, a model.Alert) error
}
