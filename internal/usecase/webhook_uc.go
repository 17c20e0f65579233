// File: internal/usecase/webhook_uc.go
package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"capinha/internal/config"
	"capinha/internal/domain"
	"capinha/internal/domain/model"
	"capinha/internal/domain/ports/adapter"
	"capinha/internal/domain/ports/repository"
	"capinha/internal/infra/logging"
	"capinha/internal/infra/metrics"
)

// Compile-time check
var _ WebhookUseCase = (*webhookUC)(nil)

// WebhookUseCase records processor deliveries durably and drives the payment state machine
// at most once per distinct event.
type WebhookUseCase interface {
	// Ingest returns an ok ack for every recorded delivery, duplicates included. An error means
	// the delivery could not be recorded or processed and the processor should retry.
	Ingest(ctx context.Context, in model.InboundWebhook) (model.Ack, error)
	ListReview(ctx context.Context, limit int) ([]*model.WebhookEvent, error)
}

type webhookUC struct {
	events    repository.WebhookEventRepository
	payments  repository.PaymentRepository
	lifecycle PaymentUseCase
	alerter   adapter.Alerter
	cfg       *config.Provider
	now       func() time.Time
	log       *zerolog.Logger
}

func NewWebhookUseCase(events repository.WebhookEventRepository, payments repository.PaymentRepository, lifecycle PaymentUseCase, alerter adapter.Alerter, cfg *config.Provider, logger *zerolog.Logger) *webhookUC {
	l := logger.With().Str("component", "WebhookUC").Logger()
	return &webhookUC{
		events:    events,
		payments:  payments,
		lifecycle: lifecycle,
		alerter:   alerter,
		cfg:       cfg,
		now:       time.Now,
		log:       &l,
	}
}

// Field paths tried in order; processors nest the interesting part under "data" or "resource".
var (
	paymentIDPaths = []string{"payment_id", "data.payment_id", "resource.payment_id", "external_reference"}
	statusPaths    = []string{"status", "data.status", "resource.status"}
	eventIDPaths   = []string{"event_id", "id", "data.event_id"}
	amountPaths    = []string{"amount", "data.amount", "resource.amount", "transaction_amount"}
)

func firstString(body []byte, paths []string) string {
	for _, p := range paths {
		if r := gjson.GetBytes(body, p); r.Exists() && r.Type != gjson.Null {
			if s := strings.TrimSpace(r.String()); s != "" {
				return s
			}
		}
	}
	return ""
}

func firstAmount(body []byte) (*decimal.Decimal, error) {
	for _, p := range amountPaths {
		r := gjson.GetBytes(body, p)
		if !r.Exists() || r.Type == gjson.Null {
			continue
		}
		raw := r.Str
		if r.Type == gjson.Number {
			raw = r.Raw // keep the literal; float64 would lose cents
		}
		d, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil {
			return nil, domain.Validation("amount is not a number")
		}
		return &d, nil
	}
	return nil, nil
}

// signal is the processor status normalized onto our payment states.
type signal int

const (
	signalUnknown signal = iota
	signalProcessing
	signalPaid
	signalFailed
	signalCancelled
	signalRefunded
)

func classify(status string) signal {
	switch strings.ToLower(status) {
	case "approved", "paid", "succeeded", "success", "completed", "confirmed":
		return signalPaid
	case "pending", "in_process", "processing", "authorized":
		return signalProcessing
	case "rejected", "failed", "declined", "denied":
		return signalFailed
	case "cancelled", "canceled", "expired", "voided":
		return signalCancelled
	case "refunded", "charged_back", "chargeback":
		return signalRefunded
	}
	return signalUnknown
}

func (u *webhookUC) Ingest(ctx context.Context, in model.InboundWebhook) (model.Ack, error) {
	defer logging.TraceDuration(u.log, "WebhookUC.Ingest")()

	if !gjson.ValidBytes(in.Body) {
		return model.Ack{Status: model.AckError}, domain.Validation("payload is not valid JSON")
	}
	paymentID := firstString(in.Body, paymentIDPaths)
	status := firstString(in.Body, statusPaths)
	if paymentID == "" || status == "" {
		return model.Ack{Status: model.AckError}, domain.Validation("payment_id and status are required")
	}
	amount, err := firstAmount(in.Body)
	if err != nil {
		return model.Ack{Status: model.AckError}, err
	}

	provider := u.cfg.Current().Webhook.Provider
	ev := &model.WebhookEvent{
		ID:             ulid.Make().String(),
		Provider:       provider,
		DedupeKey:      dedupeKey(in.Body, paymentID, status),
		PaymentID:      paymentID,
		Status:         status,
		Amount:         amount,
		Payload:        in.Body,
		SignatureValid: in.SignatureValid,
		Outcome:        model.WebhookOutcomeReceived,
		ReceivedAt:     u.now(),
	}
	log := u.log.With().Str("payment_id", paymentID).Str("status", status).Str("dedupe_key", ev.DedupeKey).Logger()

	created, err := u.events.Record(ctx, repository.NoTX, ev)
	if err != nil {
		return model.Ack{Status: model.AckError}, domain.Persistence(err, "record webhook event")
	}
	if !created {
		existing, err := u.events.FindByDedupeKey(ctx, repository.NoTX, provider, ev.DedupeKey)
		if err != nil {
			return model.Ack{Status: model.AckError}, domain.Persistence(err, "load recorded webhook event")
		}
		if existing.Processed() {
			metrics.IncWebhookEvent(provider, string(model.WebhookOutcomeDuplicate))
			log.Debug().Str("event_id", existing.ID).Msg("duplicate delivery acknowledged")
			return model.Ack{Status: model.AckOK, Outcome: model.WebhookOutcomeDuplicate}, nil
		}
		// Recorded earlier but never finished: process that record again.
		ev = existing
	}

	outcome, detail, err := u.process(ctx, ev)
	if err != nil {
		log.Error().Err(err).Str("event_id", ev.ID).Msg("webhook processing failed")
		return model.Ack{Status: model.AckError}, err
	}

	review := outcome.NeedsReview()
	if err := u.events.MarkProcessed(ctx, repository.NoTX, ev.ID, outcome, review, detail, u.now()); err != nil {
		return model.Ack{Status: model.AckError}, domain.Persistence(err, "mark webhook event processed")
	}
	metrics.IncWebhookEvent(provider, string(outcome))
	log.Info().Str("event_id", ev.ID).Str("outcome", string(outcome)).Bool("signature_valid", ev.SignatureValid).Msg("webhook processed")

	if review {
		u.alert(ctx, ev, outcome, detail)
	}
	return model.Ack{Status: model.AckOK, Outcome: outcome}, nil
}

// dedupeKey prefers the processor's event id; without one, identical deliveries hash alike.
// Processors that post the payment object reuse its id on every status change, so the status is
// part of the key.
func dedupeKey(body []byte, paymentID, status string) string {
	if id := firstString(body, eventIDPaths); id != "" && id != paymentID {
		return "evt:" + id + ":" + strings.ToLower(status)
	}
	h := sha256.New()
	h.Write([]byte(paymentID))
	h.Write([]byte{0})
	h.Write([]byte(strings.ToLower(status)))
	h.Write([]byte{0})
	h.Write(body)
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

// process applies one event. User-kind errors from the lifecycle become an ignored outcome;
// anything else is returned so the processor retries.
func (u *webhookUC) process(ctx context.Context, ev *model.WebhookEvent) (model.WebhookOutcome, string, error) {
	p, err := u.payments.FindByPaymentID(ctx, repository.NoTX, ev.PaymentID)
	if errors.Is(err, domain.ErrNotFound) {
		return model.WebhookOutcomeUnknownPayment, "payment_id is not known locally", nil
	}
	if err != nil {
		return "", "", domain.Persistence(err, "load payment")
	}

	sig := classify(ev.Status)
	if ev.Amount != nil && (sig == signalPaid || sig == signalProcessing) && !ev.Amount.Equal(p.Amount) {
		return model.WebhookOutcomeAmountMismatch, "reported " + ev.Amount.StringFixed(2) + ", expected " + p.Amount.StringFixed(2), nil
	}

	var opErr error
	switch sig {
	case signalPaid:
		switch {
		case p.Status == model.PaymentStatusPaid || p.Status == model.PaymentStatusRefunded:
			return model.WebhookOutcomeDuplicate, "", nil
		case !p.Status.Open():
			return model.WebhookOutcomeLateApproval, "approval received for a " + string(p.Status) + " payment", nil
		}
		iss, err := u.lifecycle.MarkPaid(ctx, p.PaymentID, ev.Payload)
		if err == nil && !iss.Confirmed {
			return model.WebhookOutcomeDuplicate, "", nil
		}
		opErr = err
	case signalProcessing:
		if p.Status != model.PaymentStatusPending {
			return model.WebhookOutcomeIgnored, "payment is already " + string(p.Status), nil
		}
		_, opErr = u.lifecycle.MarkProcessing(ctx, p.PaymentID, ev.Payload)
	case signalFailed:
		_, opErr = u.lifecycle.MarkFailed(ctx, p.PaymentID, ev.Payload)
	case signalCancelled:
		_, opErr = u.lifecycle.Cancel(ctx, p.PaymentID, ev.Payload)
	case signalRefunded:
		_, opErr = u.lifecycle.MarkRefunded(ctx, p.PaymentID, ev.Payload)
	default:
		return model.WebhookOutcomeIgnored, "unrecognized status", nil
	}

	switch {
	case opErr == nil:
		return model.WebhookOutcomeProcessed, "", nil
	case errors.Is(opErr, domain.ErrInvalidState), errors.Is(opErr, domain.ErrValidation):
		return model.WebhookOutcomeIgnored, domain.UserMessage(opErr), nil
	default:
		// Capacity, conflicts and storage failures: leave the event unprocessed so a retry runs it again.
		return "", "", opErr
	}
}

func (u *webhookUC) alert(ctx context.Context, ev *model.WebhookEvent, outcome model.WebhookOutcome, detail string) {
	if u.alerter == nil {
		return
	}
	sev := model.AlertWarning
	if outcome == model.WebhookOutcomeLateApproval || outcome == model.WebhookOutcomeAmountMismatch {
		sev = model.AlertCritical
	}
	err := u.alerter.Alert(ctx, model.Alert{
		Severity: sev,
		Subject:  "webhook event needs review: " + string(outcome),
		Detail:   detail,
		Fields: map[string]string{
			"event_id":        ev.ID,
			"payment_id":      ev.PaymentID,
			"status":          ev.Status,
			"signature_valid": boolString(ev.SignatureValid),
		},
	})
	if err != nil {
		u.log.Warn().Err(err).Str("event_id", ev.ID).Msg("review alert not delivered")
	}
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func (u *webhookUC) ListReview(ctx context.Context, limit int) ([]*model.WebhookEvent, error) {
	list, err := u.events.ListNeedingReview(ctx, repository.NoTX, limit)
	if err != nil {
		return nil, domain.Persistence(err, "list webhook review")
	}
	return list, nil
}
