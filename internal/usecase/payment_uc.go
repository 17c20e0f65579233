// File: internal/usecase/payment_uc.go
package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"capinha/internal/config"
	"capinha/internal/domain"
	"capinha/internal/domain/model"
	"capinha/internal/domain/ports/adapter"
	"capinha/internal/domain/ports/repository"
	"capinha/internal/infra/logging"
	"capinha/internal/infra/metrics"
)

// Compile-time check
var _ PaymentUseCase = (*paymentUC)(nil)

// PaymentUseCase owns the payment state machine:
// pending -> processing -> paid -> refunded, pending|processing -> failed|cancelled.
type PaymentUseCase interface {
	// Open starts a checkout. Deferred methods return a pending payment; instant methods are
	// recorded paid and carry their issued code.
	Open(ctx context.Context, details model.CheckoutDetails) (*model.Checkout, error)
	// Get returns the payment, cancelling it first when its deferred deadline passed.
	Get(ctx context.Context, paymentID string) (*model.Payment, error)
	// PayNow confirms a live pending payment synchronously.
	PayNow(ctx context.Context, paymentID string) (*model.Issuance, error)
	// MarkPaid is idempotent: an already paid payment returns its existing issuance.
	MarkPaid(ctx context.Context, paymentID string, payload json.RawMessage) (*model.Issuance, error)
	MarkProcessing(ctx context.Context, paymentID string, payload json.RawMessage) (*model.Payment, error)
	MarkFailed(ctx context.Context, paymentID string, payload json.RawMessage) (*model.Payment, error)
	MarkRefunded(ctx context.Context, paymentID string, payload json.RawMessage) (*model.Payment, error)
	Cancel(ctx context.Context, paymentID string, payload json.RawMessage) (*model.Payment, error)
}

// PaymentProvisioner is the coordinator side of a confirmation: issue (or find) the code of a
// paid payment inside the caller's transaction, then announce it once committed.
type PaymentProvisioner interface {
	IssueForPayment(ctx context.Context, tx repository.Tx, p *model.Payment) (*model.Issuance, error)
	Announce(ctx context.Context, iss *model.Issuance)
	ApplyRefund(ctx context.Context, tx repository.Tx, p *model.Payment) (*model.Alert, error)
}

type paymentUC struct {
	payments    repository.PaymentRepository
	provisioner PaymentProvisioner
	alerter     adapter.Alerter
	tm          repository.TransactionManager
	cfg         *config.Provider
	now         func() time.Time
	log         *zerolog.Logger
}

func NewPaymentUseCase(payments repository.PaymentRepository, provisioner PaymentProvisioner, alerter adapter.Alerter, tm repository.TransactionManager, cfg *config.Provider, logger *zerolog.Logger) *paymentUC {
	l := logger.With().Str("component", "PaymentUC").Logger()
	return &paymentUC{
		payments:    payments,
		provisioner: provisioner,
		alerter:     alerter,
		tm:          tm,
		cfg:         cfg,
		now:         time.Now,
		log:         &l,
	}
}

func (u *paymentUC) Open(ctx context.Context, d model.CheckoutDetails) (*model.Checkout, error) {
	defer logging.TraceDuration(u.log, "PaymentUC.Open")()

	pc := u.cfg.Current().Provisioning
	d.Plan = strings.TrimSpace(d.Plan)
	d.Method = strings.ToLower(strings.TrimSpace(d.Method))
	price, ok := pc.PlanPrice(d.Plan)
	if !ok {
		return nil, domain.Validation("unknown plan %q", d.Plan)
	}
	instant, known := pc.MethodKind(d.Method)
	if !known {
		return nil, domain.Validation("unsupported payment method %q", d.Method)
	}
	d.Customer = d.Customer.Normalize()
	if err := validateCustomer(d.Customer, true); err != nil {
		return nil, err
	}
	if d.Customer.Email == "" && d.Customer.Phone == "" {
		return nil, domain.Validation("customer email or phone is required")
	}

	now := u.now()
	p := &model.Payment{
		PaymentID: "PAY-" + ulid.Make().String(),
		Status:    model.PaymentStatusPending,
		Amount:    price,
		Currency:  pc.Currency,
		Plan:      d.Plan,
		Method:    d.Method,
		Customer:  d.Customer,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if !instant {
		expires := now.Add(pc.DeferredTTL)
		p.ExpiresAt = &expires
		if err := u.payments.Create(ctx, repository.NoTX, p); err != nil {
			return nil, domain.Persistence(err, "insert payment")
		}
		metrics.IncPayment(string(model.PaymentStatusPending))
		u.log.Info().Str("payment_id", p.PaymentID).Str("method", p.Method).Msg("deferred payment opened")
		return &model.Checkout{Payment: p}, nil
	}

	// Instant methods settle at checkout: the paid record and its code commit together.
	p.Status = model.PaymentStatusPaid
	p.PaidAt = &now
	var iss *model.Issuance
	err := u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		if err := u.payments.Create(ctx, tx, p); err != nil {
			return domain.Persistence(err, "insert payment")
		}
		var err error
		iss, err = u.provisioner.IssueForPayment(ctx, tx, p)
		return err
	})
	if err != nil {
		return nil, err
	}
	metrics.IncPayment(string(model.PaymentStatusPaid))
	metrics.AddPaymentRevenue(p.Currency, p.Amount)
	u.provisioner.Announce(ctx, iss)
	u.log.Info().Str("payment_id", p.PaymentID).Str("method", p.Method).Msg("instant payment recorded")
	return &model.Checkout{Payment: iss.Payment, Code: iss.Code}, nil
}

func (u *paymentUC) Get(ctx context.Context, paymentID string) (*model.Payment, error) {
	p, err := u.load(ctx, repository.NoTX, paymentID)
	if err != nil {
		return nil, err
	}
	return u.expireIfDue(ctx, p)
}

// expireIfDue cancels an open payment whose deadline passed. The conditional write makes a
// concurrent confirmation win or lose cleanly.
func (u *paymentUC) expireIfDue(ctx context.Context, p *model.Payment) (*model.Payment, error) {
	now := u.now()
	if !p.Expired(now) {
		return p, nil
	}
	ok, err := u.payments.TransitionStatus(ctx, repository.NoTX, p.PaymentID, model.SourcesFor(model.PaymentStatusCancelled), model.PaymentStatusCancelled, nil, now)
	if err != nil {
		return nil, domain.Persistence(err, "expire payment")
	}
	if ok {
		metrics.IncPayment(string(model.PaymentStatusCancelled))
		u.log.Info().Str("payment_id", p.PaymentID).Msg("deferred payment expired")
	}
	return u.load(ctx, repository.NoTX, p.PaymentID)
}

func (u *paymentUC) PayNow(ctx context.Context, paymentID string) (*model.Issuance, error) {
	p, err := u.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Status == model.PaymentStatusCancelled && p.ExpiresAt != nil && u.now().After(*p.ExpiresAt) {
		return nil, domain.InvalidState("this payment has expired, please start a new checkout")
	}
	payload, _ := json.Marshal(map[string]string{"source": "pay_now", "confirmed_at": u.now().UTC().Format(time.RFC3339)})
	return u.MarkPaid(ctx, paymentID, payload)
}

func (u *paymentUC) MarkPaid(ctx context.Context, paymentID string, payload json.RawMessage) (*model.Issuance, error) {
	defer logging.TraceDuration(u.log, "PaymentUC.MarkPaid")()

	var (
		iss        *model.Issuance
		transition bool
	)
	err := u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		p, err := u.load(ctx, tx, paymentID)
		if err != nil {
			return err
		}
		switch {
		case p.Status == model.PaymentStatusPaid:
			// At-least-once delivery: repeat confirmations return what exists.
		case p.Status.CanTransition(model.PaymentStatusPaid):
			now := u.now()
			ok, err := u.payments.TransitionStatus(ctx, tx, p.PaymentID, model.SourcesFor(model.PaymentStatusPaid), model.PaymentStatusPaid, payload, now)
			if err != nil {
				return domain.Persistence(err, "mark payment paid")
			}
			if !ok {
				return domain.Conflict("payment changed concurrently, please retry")
			}
			p.Status = model.PaymentStatusPaid
			p.PaidAt = &now
			p.UpdatedAt = now
			if len(payload) > 0 {
				p.GatewayResponse = payload
			}
			transition = true
		default:
			return domain.InvalidState("payment is %s and cannot be paid", p.Status)
		}
		iss, err = u.provisioner.IssueForPayment(ctx, tx, p)
		return err
	})
	if err != nil {
		return nil, err
	}

	iss.Confirmed = transition
	if transition {
		metrics.IncPayment(string(model.PaymentStatusPaid))
		metrics.AddPaymentRevenue(iss.Payment.Currency, iss.Payment.Amount)
		u.log.Info().Str("payment_id", paymentID).Str("code", iss.Code.Code).Msg("payment confirmed")
	}
	u.provisioner.Announce(ctx, iss)
	return iss, nil
}

func (u *paymentUC) MarkProcessing(ctx context.Context, paymentID string, payload json.RawMessage) (*model.Payment, error) {
	p, _, err := u.transition(ctx, paymentID, model.PaymentStatusProcessing, payload, nil)
	return p, err
}

func (u *paymentUC) MarkFailed(ctx context.Context, paymentID string, payload json.RawMessage) (*model.Payment, error) {
	p, _, err := u.transition(ctx, paymentID, model.PaymentStatusFailed, payload, nil)
	return p, err
}

func (u *paymentUC) Cancel(ctx context.Context, paymentID string, payload json.RawMessage) (*model.Payment, error) {
	p, _, err := u.transition(ctx, paymentID, model.PaymentStatusCancelled, payload, nil)
	return p, err
}

// MarkRefunded moves paid -> refunded and applies the configured refund policy to the issued
// code in the same transaction.
func (u *paymentUC) MarkRefunded(ctx context.Context, paymentID string, payload json.RawMessage) (*model.Payment, error) {
	var alert *model.Alert
	p, changed, err := u.transition(ctx, paymentID, model.PaymentStatusRefunded, payload, func(ctx context.Context, tx repository.Tx, p *model.Payment) error {
		var err error
		alert, err = u.provisioner.ApplyRefund(ctx, tx, p)
		return err
	})
	if err != nil {
		return nil, err
	}
	if changed && alert != nil && u.alerter != nil {
		if err := u.alerter.Alert(ctx, *alert); err != nil {
			u.log.Warn().Err(err).Str("payment_id", paymentID).Msg("refund alert not delivered")
		}
	}
	return p, nil
}

// transition applies a single-step status change under the payment row lock. Repeating a
// transition that already happened is a no-op; after runs inside the same transaction.
func (u *paymentUC) transition(ctx context.Context, paymentID string, to model.PaymentStatus, payload json.RawMessage, after func(context.Context, repository.Tx, *model.Payment) error) (*model.Payment, bool, error) {
	var (
		out     *model.Payment
		changed bool
	)
	err := u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		p, err := u.load(ctx, tx, paymentID)
		if err != nil {
			return err
		}
		out = p
		if p.Status == to {
			return nil
		}
		if !p.Status.CanTransition(to) {
			return domain.InvalidState("payment is %s and cannot become %s", p.Status, to)
		}
		now := u.now()
		ok, err := u.payments.TransitionStatus(ctx, tx, paymentID, []model.PaymentStatus{p.Status}, to, payload, now)
		if err != nil {
			return domain.Persistence(err, "update payment status")
		}
		if !ok {
			return domain.Conflict("payment changed concurrently, please retry")
		}
		p.Status = to
		p.UpdatedAt = now
		if len(payload) > 0 {
			p.GatewayResponse = payload
		}
		changed = true
		if after != nil {
			return after(ctx, tx, p)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if changed {
		metrics.IncPayment(string(to))
		u.log.Info().Str("payment_id", paymentID).Str("status", string(to)).Msg("payment status changed")
	}
	return out, changed, nil
}

func (u *paymentUC) load(ctx context.Context, tx repository.Tx, paymentID string) (*model.Payment, error) {
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return nil, domain.Validation("payment_id is required")
	}
	p, err := u.payments.FindByPaymentID(ctx, tx, paymentID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.NotFound("payment not found")
	}
	if err != nil {
		return nil, domain.Persistence(err, "load payment")
	}
	return p, nil
}

// validateAmount enforces positive amounts with at most two decimal places.
func validateAmount(d decimal.Decimal) error {
	if !d.IsPositive() {
		return domain.Validation("amount must be positive")
	}
	if !d.Equal(d.Round(2)) {
		return domain.Validation("amount must have at most two decimal places")
	}
	return nil
}
