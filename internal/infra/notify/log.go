// File: internal/infra/notify/log.go
package notify

import (
	"context"

	"github.com/rs/zerolog"

	"capinha/internal/domain/model"
	"capinha/internal/domain/ports/adapter"
	"capinha/internal/infra/logging"
)

var (
	_ adapter.Notifier = (*LogNotifier)(nil)
	_ adapter.Alerter  = (*LogAlerter)(nil)
)

// LogNotifier is used when notify.amqp_url is empty.
type LogNotifier struct {
	log *zerolog.Logger
	dev bool
}

func NewLogNotifier(logger *zerolog.Logger, dev bool) *LogNotifier {
	l := logger.With().Str("component", "LogNotifier").Logger()
	return &LogNotifier{log: &l, dev: dev}
}

func (n *LogNotifier) Notify(ctx context.Context, msg model.Notification) error {
	n.log.Info().
		Str("kind", string(msg.Kind)).
		Str("code", logging.Redact(msg.Code, n.dev)).
		Str("plan", msg.Plan).
		Str("payment_id", msg.PaymentID).
		Str("card", msg.CardSlug).
		Str("email", logging.Redact(msg.Customer.Email, n.dev)).
		Str("phone", logging.Redact(msg.Customer.Phone, n.dev)).
		Msg("notification")
	return nil
}

// LogAlerter is used when no Telegram token is configured.
type LogAlerter struct {
	log *zerolog.Logger
}

func NewLogAlerter(logger *zerolog.Logger) *LogAlerter {
	l := logger.With().Str("component", "LogAlerter").Logger()
	return &LogAlerter{log: &l}
}

func (a *LogAlerter) Alert(ctx context.Context, al model.Alert) error {
	ev := a.log.Warn()
	if al.Severity == model.AlertCritical {
		ev = a.log.Error()
	}
	d := zerolog.Dict()
	for k, v := range al.Fields {
		d = d.Str(k, v)
	}
	ev.Str("severity", string(al.Severity)).Str("detail", al.Detail).Dict("fields", d).Msg(al.Subject)
	return nil
}
