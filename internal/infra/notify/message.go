package notify

import (
	"fmt"

	"capinha/internal/config"
	"capinha/internal/domain/model"
	"capinha/internal/infra/i18n"
)

// Message is the customer-facing text of a notification, in the configured locale.
type Message struct {
	Lang    string `json:"lang"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Renderer turns notifications into localized text for downstream delivery services.
type Renderer struct {
	tr  *i18n.Translator
	cfg *config.Provider
}

func NewRenderer(tr *i18n.Translator, cfg *config.Provider) *Renderer {
	return &Renderer{tr: tr, cfg: cfg}
}

func (r *Renderer) Render(n model.Notification) Message {
	prefix := "notification." + string(n.Kind)
	var body string
	switch n.Kind {
	case model.NotificationRedeemed:
		setup := fmt.Sprintf(r.cfg.Current().Provisioning.SetupPath, n.CardSlug)
		body = r.tr.T(prefix+".body", n.Customer.Name, n.Code, setup)
	default:
		body = r.tr.T(prefix+".body", n.Customer.Name, n.Code, n.Plan)
	}
	return Message{Lang: r.tr.Lang(), Subject: r.tr.T(prefix + ".subject"), Body: body}
}

// envelope is the published AMQP body: the notification plus its rendered text.
type envelope struct {
	model.Notification
	Message *Message `json:"message,omitempty"`
}

func newEnvelope(n model.Notification, r *Renderer) envelope {
	env := envelope{Notification: n}
	if r != nil {
		m := r.Render(n)
		env.Message = &m
	}
	return env
}
