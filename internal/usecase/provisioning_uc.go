// File: internal/usecase/provisioning_uc.go
package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"capinha/internal/config"
	"capinha/internal/domain"
	"capinha/internal/domain/model"
	"capinha/internal/domain/ports/adapter"
	"capinha/internal/domain/ports/repository"
	"capinha/internal/infra/logging"
	"capinha/internal/infra/metrics"
)

// Compile-time check
var _ ProvisioningUseCase = (*provisioningUC)(nil)

// ProvisioningUseCase is the only component that links payments to codes and codes to cards.
// Every entry point is safe to repeat for the same input.
type ProvisioningUseCase interface {
	PaymentProvisioner
	// OnPaymentConfirmed issues the code of a paid payment, or returns the one it already has.
	OnPaymentConfirmed(ctx context.Context, paymentID string) (*model.Issuance, error)
	// OnCodeRedeemed redeems a sold code and creates its card in one transaction.
	OnCodeRedeemed(ctx context.Context, in model.RedemptionInput) (*model.RedemptionResult, error)
	// Reconcile repairs paid payments without a code and reports activated codes without a card.
	Reconcile(ctx context.Context, limit int) (*ReconcileReport, error)
	// GetCard loads a card by its public slug.
	GetCard(ctx context.Context, slug string) (*model.Card, error)
}

// ReconcileReport summarizes one reconciliation pass.
type ReconcileReport struct {
	Repaired int
	Failed   int
	Orphans  []string
}

type provisioningUC struct {
	codes     repository.ActivationCodeRepository
	payments  repository.PaymentRepository
	cards     repository.CardRepository
	lifecycle ActivationCodeUseCase
	gen       *CodeGenerator
	handoff   adapter.HandoffIssuer
	notifier  adapter.Notifier
	alerter   adapter.Alerter
	tm        repository.TransactionManager
	cfg       *config.Provider
	now       func() time.Time
	log       *zerolog.Logger
}

func NewProvisioningUseCase(
	codes repository.ActivationCodeRepository,
	payments repository.PaymentRepository,
	cards repository.CardRepository,
	lifecycle ActivationCodeUseCase,
	gen *CodeGenerator,
	handoff adapter.HandoffIssuer,
	notifier adapter.Notifier,
	alerter adapter.Alerter,
	tm repository.TransactionManager,
	cfg *config.Provider,
	logger *zerolog.Logger,
) *provisioningUC {
	l := logger.With().Str("component", "ProvisioningUC").Logger()
	return &provisioningUC{
		codes:     codes,
		payments:  payments,
		cards:     cards,
		lifecycle: lifecycle,
		gen:       gen,
		handoff:   handoff,
		notifier:  notifier,
		alerter:   alerter,
		tm:        tm,
		cfg:       cfg,
		now:       time.Now,
		log:       &l,
	}
}

func (u *provisioningUC) OnPaymentConfirmed(ctx context.Context, paymentID string) (*model.Issuance, error) {
	var iss *model.Issuance
	err := u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		p, err := u.payments.FindByPaymentID(ctx, tx, paymentID)
		if errors.Is(err, domain.ErrNotFound) {
			return domain.NotFound("payment not found")
		}
		if err != nil {
			return domain.Persistence(err, "load payment")
		}
		iss, err = u.IssueForPayment(ctx, tx, p)
		return err
	})
	if err != nil {
		return nil, err
	}
	u.Announce(ctx, iss)
	return iss, nil
}

// IssueForPayment expects the payment row to be locked by tx. The code insert and the payment
// back-reference commit or roll back together.
func (u *provisioningUC) IssueForPayment(ctx context.Context, tx repository.Tx, p *model.Payment) (*model.Issuance, error) {
	if p.Status != model.PaymentStatusPaid {
		return nil, domain.InvalidState("payment is %s, codes are issued for paid payments only", p.Status)
	}

	if p.ActivationCode != nil {
		c, err := u.codes.FindByCode(ctx, tx, *p.ActivationCode)
		if err != nil {
			return nil, domain.Persistence(err, "load issued code")
		}
		return &model.Issuance{Payment: p, Code: c, Reused: true}, nil
	}

	// A code carrying this payment_id without the back-reference: finish the link.
	existing, err := u.codes.FindByPaymentID(ctx, tx, p.PaymentID)
	switch {
	case err == nil:
		if err := u.link(ctx, tx, p, existing.Code); err != nil {
			return nil, err
		}
		return &model.Issuance{Payment: p, Code: existing, Reused: true}, nil
	case !errors.Is(err, domain.ErrNotFound):
		return nil, domain.Persistence(err, "load code by payment")
	}

	value, err := u.gen.Generate(ctx, tx, nil)
	if err != nil {
		return nil, err
	}
	now := u.now()
	paymentID := p.PaymentID
	amount := p.Amount
	c := &model.ActivationCode{
		Code:          value,
		Status:        model.CodeStatusSold,
		Plan:          p.Plan,
		Amount:        &amount,
		Customer:      p.Customer,
		PaymentMethod: p.Method,
		PaymentID:     &paymentID,
		Source:        model.CodeSourcePayment,
		CreatedAt:     now,
		SoldAt:        &now,
	}
	if err := u.codes.Create(ctx, tx, c); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			return nil, domain.Conflict("code issuance raced with another writer, please retry")
		}
		return nil, domain.Persistence(err, "insert issued code")
	}
	if err := u.link(ctx, tx, p, value); err != nil {
		return nil, err
	}
	return &model.Issuance{Payment: p, Code: c}, nil
}

func (u *provisioningUC) link(ctx context.Context, tx repository.Tx, p *model.Payment, code string) error {
	ok, err := u.payments.LinkActivationCode(ctx, tx, p.PaymentID, code)
	if err != nil {
		return domain.Persistence(err, "link code to payment")
	}
	if !ok {
		return domain.Conflict("payment was linked concurrently, please retry")
	}
	p.ActivationCode = &code
	return nil
}

// Announce runs after commit. Delivery problems are logged and never returned.
func (u *provisioningUC) Announce(ctx context.Context, iss *model.Issuance) {
	if iss == nil || iss.Reused {
		return
	}
	metrics.AddCodesIssued(string(model.CodeSourcePayment), 1)
	u.log.Info().Str("payment_id", iss.Payment.PaymentID).Str("code", iss.Code.Code).Msg("code issued for payment")
	u.notify(ctx, model.Notification{
		ID:        uuid.NewString(),
		Kind:      model.NotificationCodeIssued,
		Code:      iss.Code.Code,
		Plan:      iss.Code.Plan,
		PaymentID: iss.Payment.PaymentID,
		Customer:  iss.Payment.Customer,
		CreatedAt: u.now(),
	})
}

func (u *provisioningUC) notify(ctx context.Context, n model.Notification) {
	if u.notifier == nil {
		return
	}
	if err := u.notifier.Notify(ctx, n); err != nil {
		err = domain.External(err, "enqueue %s notification", n.Kind)
		u.log.Warn().Err(err).Str("kind", string(n.Kind)).Str("code", n.Code).Msg("notification not enqueued")
	}
}

// ApplyRefund applies provisioning.refund_policy to the code of a payment being refunded.
// It returns an alert for the operator when a used code cannot be taken back.
func (u *provisioningUC) ApplyRefund(ctx context.Context, tx repository.Tx, p *model.Payment) (*model.Alert, error) {
	if p.ActivationCode == nil {
		return nil, nil
	}
	c, err := u.codes.FindByCode(ctx, tx, *p.ActivationCode)
	if err != nil {
		return nil, domain.Persistence(err, "load refunded code")
	}
	policy := u.cfg.Current().Provisioning.RefundPolicy

	if c.Status == model.CodeStatusActivated {
		sev := model.AlertInfo
		if policy == config.RefundPolicyExpire {
			sev = model.AlertWarning
		}
		return &model.Alert{
			Severity: sev,
			Subject:  "refunded payment's code was already redeemed",
			Detail:   "the card stays active; review manually",
			Fields:   map[string]string{"payment_id": p.PaymentID, "code": c.Code},
		}, nil
	}
	if policy == config.RefundPolicyExpire && c.Status.CanTransition(model.CodeStatusExpired) {
		if _, err := u.codes.Expire(ctx, tx, c.Code, u.now()); err != nil {
			return nil, domain.Persistence(err, "expire refunded code")
		}
		u.log.Info().Str("payment_id", p.PaymentID).Str("code", c.Code).Msg("code expired after refund")
	}
	return nil, nil
}

func (u *provisioningUC) OnCodeRedeemed(ctx context.Context, in model.RedemptionInput) (res *model.RedemptionResult, err error) {
	defer logging.TraceDuration(u.log, "ProvisioningUC.OnCodeRedeemed")()
	start := time.Now()
	defer func() { metrics.IncRedeem(domain.KindName(err), time.Since(start)) }()

	in.Customer = in.Customer.Normalize()
	in.DisplayName = strings.TrimSpace(in.DisplayName)
	if model.NormalizeCode(in.Code) == "" {
		return nil, domain.Validation("code is required")
	}
	if err := validateCustomer(in.Customer, false); err != nil {
		return nil, err
	}

	pc := u.cfg.Current().Provisioning
	err = u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		now := u.now()
		code, err := u.lifecycle.Redeem(ctx, tx, in.Code, now)
		if err != nil {
			return err
		}

		card := newCard(code, in, now)
		if err := u.cards.Create(ctx, tx, card); err != nil {
			if errors.Is(err, domain.ErrAlreadyExists) {
				return domain.Conflict("this code was already redeemed")
			}
			return domain.Persistence(err, "create card")
		}
		if code.PaymentID != nil {
			ok, err := u.payments.LinkArtifact(ctx, tx, *code.PaymentID, card.ID)
			if err != nil {
				return domain.Persistence(err, "link card to payment")
			}
			if !ok {
				return domain.Conflict("the payment of this code already produced a card")
			}
		}
		token, err := u.handoff.Issue(code, card)
		if err != nil {
			return fmt.Errorf("issue handoff token: %w", err)
		}
		res = &model.RedemptionResult{
			Code:         code,
			Card:         card,
			HandoffToken: token,
			NextStep:     fmt.Sprintf(pc.SetupPath, card.Slug),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	u.log.Info().Str("code", res.Code.Code).Str("card", res.Card.Slug).Msg("code redeemed")
	u.notify(ctx, model.Notification{
		ID:        uuid.NewString(),
		Kind:      model.NotificationRedeemed,
		Code:      res.Code.Code,
		Plan:      res.Code.Plan,
		CardSlug:  res.Card.Slug,
		Customer:  res.Card.Owner,
		CreatedAt: u.now(),
	})
	return res, nil
}

func newCard(code *model.ActivationCode, in model.RedemptionInput, now time.Time) *model.Card {
	owner := in.Customer
	if owner.Name == "" {
		owner.Name = code.Customer.Name
	}
	if owner.Email == "" {
		owner.Email = code.Customer.Email
	}
	if owner.Phone == "" {
		owner.Phone = code.Customer.Phone
	}
	display := in.DisplayName
	if display == "" {
		display = owner.Name
	}
	if display == "" {
		display = code.Plan
	}
	value := code.Code
	return &model.Card{
		ID:             uuid.NewString(),
		Slug:           slugFor(display),
		Owner:          owner,
		DisplayName:    display,
		Plan:           code.Plan,
		ActivationCode: &value,
		CreatedAt:      now,
	}
}

// slugFor builds "<ascii words>-<random suffix>" from a display name.
func slugFor(name string) string {
	var sb strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			sb.WriteRune(r)
			dash = false
		case sb.Len() > 0 && !dash:
			sb.WriteByte('-')
			dash = true
		}
		if sb.Len() >= 40 {
			break
		}
	}
	base := strings.Trim(sb.String(), "-")
	id := strings.ToLower(ulid.Make().String())
	suffix := id[len(id)-8:]
	if base == "" {
		return "card-" + suffix
	}
	return base + "-" + suffix
}

func (u *provisioningUC) Reconcile(ctx context.Context, limit int) (*ReconcileReport, error) {
	defer logging.TraceDuration(u.log, "ProvisioningUC.Reconcile")()

	report := &ReconcileReport{}
	paid, err := u.payments.ListPaidWithoutCode(ctx, repository.NoTX, limit)
	if err != nil {
		return nil, domain.Persistence(err, "list paid payments without code")
	}
	for _, p := range paid {
		if _, err := u.OnPaymentConfirmed(ctx, p.PaymentID); err != nil {
			report.Failed++
			u.log.Error().Err(err).Str("payment_id", p.PaymentID).Msg("issuance repair failed")
			continue
		}
		report.Repaired++
	}

	orphans, err := u.codes.ListActivatedWithoutCard(ctx, repository.NoTX, limit)
	if err != nil {
		return nil, domain.Persistence(err, "list activated codes without card")
	}
	for _, c := range orphans {
		report.Orphans = append(report.Orphans, c.Code)
	}
	if len(report.Orphans) > 0 {
		shown := report.Orphans
		if len(shown) > 20 {
			shown = shown[:20]
		}
		u.log.Warn().Int("count", len(report.Orphans)).Strs("codes", shown).Msg("activated codes without card")
		if u.alerter != nil {
			if err := u.alerter.Alert(ctx, model.Alert{
				Severity: model.AlertWarning,
				Subject:  "activated codes without a card",
				Detail:   strings.Join(shown, ", "),
				Fields:   map[string]string{"count": fmt.Sprint(len(report.Orphans))},
			}); err != nil {
				u.log.Warn().Err(err).Msg("orphan alert not delivered")
			}
		}
	}
	return report, nil
}

func (u *provisioningUC) GetCard(ctx context.Context, slug string) (*model.Card, error) {
	slug = strings.ToLower(strings.TrimSpace(slug))
	if slug == "" {
		return nil, domain.Validation("card slug is required")
	}
	card, err := u.cards.FindBySlug(ctx, repository.NoTX, slug)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.NotFound("card not found")
		}
		return nil, domain.Persistence(err, "find card")
	}
	return card, nil
}
