// File: internal/usecase/activation_code_uc.go
package usecase

import (
	"context"
	"errors"
	"net/mail"
	"strings"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"

	"capinha/internal/config"
	"capinha/internal/domain"
	"capinha/internal/domain/model"
	"capinha/internal/domain/ports/repository"
	"capinha/internal/infra/logging"
	"capinha/internal/infra/metrics"
)

// Compile-time check
var _ ActivationCodeUseCase = (*activationCodeUC)(nil)

// ActivationCodeUseCase owns the code state machine:
// available -> sold -> activated, available|sold -> expired.
type ActivationCodeUseCase interface {
	// IssueBatch creates quantity codes in one transaction; all of them or none.
	IssueBatch(ctx context.Context, req model.BatchRequest) ([]*model.ActivationCode, error)
	MarkSold(ctx context.Context, code string, sale model.SaleDetails) (*model.ActivationCode, error)
	Expire(ctx context.Context, code string) (*model.ActivationCode, error)
	Get(ctx context.Context, code string) (*model.ActivationCode, error)
	List(ctx context.Context, filter model.CodeFilter) ([]*model.ActivationCode, error)
	// Redeem moves a sold code to activated inside tx. Only the provisioning coordinator calls it.
	Redeem(ctx context.Context, tx repository.Tx, code string, at time.Time) (*model.ActivationCode, error)
}

type activationCodeUC struct {
	codes repository.ActivationCodeRepository
	gen   *CodeGenerator
	tm    repository.TransactionManager
	cfg   *config.Provider
	now   func() time.Time
	log   *zerolog.Logger
}

func NewActivationCodeUseCase(codes repository.ActivationCodeRepository, gen *CodeGenerator, tm repository.TransactionManager, cfg *config.Provider, logger *zerolog.Logger) *activationCodeUC {
	l := logger.With().Str("component", "ActivationCodeUC").Logger()
	return &activationCodeUC{codes: codes, gen: gen, tm: tm, cfg: cfg, now: time.Now, log: &l}
}

func (u *activationCodeUC) IssueBatch(ctx context.Context, req model.BatchRequest) ([]*model.ActivationCode, error) {
	defer logging.TraceDuration(u.log, "ActivationCodeUC.IssueBatch")()

	pc := u.cfg.Current().Provisioning
	if req.Quantity <= 0 {
		return nil, domain.Validation("quantity must be positive")
	}
	if req.Quantity > pc.MaxBatch {
		return nil, domain.Validation("quantity must not exceed %d", pc.MaxBatch)
	}
	req.Plan = strings.TrimSpace(req.Plan)
	price, ok := pc.PlanPrice(req.Plan)
	if !ok {
		return nil, domain.Validation("unknown plan %q", req.Plan)
	}
	amount := req.Amount
	if amount == nil {
		amount = &price
	} else if err := validateAmount(*amount); err != nil {
		return nil, err
	}

	status, source := model.CodeStatusAvailable, model.CodeSourceBatch
	var customer model.Customer
	if req.Customer != nil && !req.Customer.IsZero() {
		customer = req.Customer.Normalize()
		if err := validateCustomer(customer, false); err != nil {
			return nil, err
		}
		status, source = model.CodeStatusSold, model.CodeSourceManual
	}

	var out []*model.ActivationCode
	err := u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		values, err := u.gen.GenerateBatch(ctx, tx, req.Quantity)
		if err != nil {
			return err
		}
		now := u.now()
		batch := make([]*model.ActivationCode, 0, len(values))
		for _, v := range values {
			c := &model.ActivationCode{
				Code:      v,
				Status:    status,
				Plan:      req.Plan,
				Amount:    amount,
				Customer:  customer,
				Source:    source,
				CreatedAt: now,
			}
			if status == model.CodeStatusSold {
				soldAt := now
				c.SoldAt = &soldAt
				c.PaymentMethod = req.PaymentMethod
			}
			batch = append(batch, c)
		}
		if err := u.codes.CreateBatch(ctx, tx, batch); err != nil {
			if errors.Is(err, domain.ErrAlreadyExists) {
				// A concurrent writer took one of the checked codes; the whole batch is discarded.
				return domain.Conflict("activation code collided with a concurrent issuance, please retry")
			}
			return domain.Persistence(err, "insert code batch")
		}
		out = batch
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.AddCodesIssued(string(source), len(out))
	u.log.Info().Int("quantity", len(out)).Str("plan", req.Plan).Str("status", string(status)).Msg("codes issued")
	return out, nil
}

func (u *activationCodeUC) MarkSold(ctx context.Context, raw string, sale model.SaleDetails) (*model.ActivationCode, error) {
	code := model.NormalizeCode(raw)
	if code == "" {
		return nil, domain.Validation("code is required")
	}
	sale.Customer = sale.Customer.Normalize()
	if err := validateCustomer(sale.Customer, false); err != nil {
		return nil, err
	}
	if sale.Amount != nil {
		if err := validateAmount(*sale.Amount); err != nil {
			return nil, err
		}
	}

	ok, err := u.codes.MarkSold(ctx, repository.NoTX, code, sale, u.now())
	if err != nil {
		return nil, domain.Persistence(err, "mark code sold")
	}
	current, err := u.find(ctx, code)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, transitionError(current.Status, model.CodeStatusSold)
	}
	u.log.Info().Str("code", code).Msg("code sold")
	return current, nil
}

func (u *activationCodeUC) Expire(ctx context.Context, raw string) (*model.ActivationCode, error) {
	code := model.NormalizeCode(raw)
	if code == "" {
		return nil, domain.Validation("code is required")
	}
	ok, err := u.codes.Expire(ctx, repository.NoTX, code, u.now())
	if err != nil {
		return nil, domain.Persistence(err, "expire code")
	}
	current, err := u.find(ctx, code)
	if err != nil {
		return nil, err
	}
	if !ok {
		if current.Status == model.CodeStatusExpired {
			return current, nil
		}
		return nil, transitionError(current.Status, model.CodeStatusExpired)
	}
	u.log.Info().Str("code", code).Msg("code expired")
	return current, nil
}

func (u *activationCodeUC) Get(ctx context.Context, raw string) (*model.ActivationCode, error) {
	code := model.NormalizeCode(raw)
	if code == "" {
		return nil, domain.Validation("code is required")
	}
	return u.find(ctx, code)
}

func (u *activationCodeUC) List(ctx context.Context, f model.CodeFilter) ([]*model.ActivationCode, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, domain.Validation("unknown status %q", f.Status)
	}
	list, err := u.codes.List(ctx, repository.NoTX, f)
	if err != nil {
		return nil, domain.Persistence(err, "list codes")
	}
	return list, nil
}

// Redeem reads the code without a lock to classify failures, then performs the single
// conditional write sold -> activated. Losing that write to a concurrent redemption is a
// conflict; finding the code already activated beforehand is an invalid state.
func (u *activationCodeUC) Redeem(ctx context.Context, tx repository.Tx, raw string, at time.Time) (*model.ActivationCode, error) {
	code := model.NormalizeCode(raw)
	if code == "" {
		return nil, domain.Validation("code is required")
	}
	before, err := u.find(ctx, code)
	if err != nil {
		return nil, err
	}
	if before.Status != model.CodeStatusSold {
		return nil, transitionError(before.Status, model.CodeStatusActivated)
	}

	ok, err := u.codes.Activate(ctx, tx, code, at)
	if err != nil {
		return nil, domain.Persistence(err, "activate code")
	}
	if !ok {
		return nil, domain.Conflict("this code was already redeemed")
	}
	before.Status = model.CodeStatusActivated
	before.ActivatedAt = &at
	return before, nil
}

func (u *activationCodeUC) find(ctx context.Context, code string) (*model.ActivationCode, error) {
	c, err := u.codes.FindByCode(ctx, repository.NoTX, code)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.NotFound("activation code not found")
	}
	if err != nil {
		return nil, domain.Persistence(err, "load code")
	}
	return c, nil
}

// transitionError explains why a code in status from cannot move to `to`.
func transitionError(from, to model.CodeStatus) error {
	switch from {
	case model.CodeStatusActivated:
		return domain.InvalidState("this code was already activated")
	case model.CodeStatusExpired:
		return domain.InvalidState("this code has expired")
	case model.CodeStatusAvailable:
		if to == model.CodeStatusActivated {
			return domain.InvalidState("this code has not been sold yet")
		}
	case model.CodeStatusSold:
		if to == model.CodeStatusSold {
			return domain.InvalidState("this code was already sold")
		}
	}
	return domain.InvalidState("code cannot move from %s to %s", from, to)
}

// validateCustomer checks contact fields. Names are required when requireName is set.
func validateCustomer(c model.Customer, requireName bool) error {
	if requireName && c.Name == "" {
		return domain.Validation("customer name is required")
	}
	if len(c.Name) > 200 {
		return domain.Validation("customer name is too long")
	}
	if c.Email != "" {
		if _, err := mail.ParseAddress(c.Email); err != nil {
			return domain.Validation("customer email is invalid")
		}
	}
	if c.Phone != "" && strings.Trim(c.Phone, "+0123456789 ()-") != "" {
		return domain.Validation("customer phone is invalid")
	}
	return nil
}
