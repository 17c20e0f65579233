package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/shopspring/decimal"

	"capinha/internal/domain"
	"capinha/internal/domain/model"
	"capinha/internal/domain/ports/repository"
)

var _ repository.PaymentRepository = (*paymentRepo)(nil)

type paymentRepo struct{ pool *pgxpool.Pool }

func NewPaymentRepo(pool *pgxpool.Pool) repository.PaymentRepository {
	return &paymentRepo{pool: pool}
}

const paymentColumns = `payment_id, status, amount::text, currency, plan, method,
  COALESCE(customer_name, ''), COALESCE(customer_email, ''), COALESCE(customer_phone, ''),
  gateway_response::text, activation_code, artifact_id::text, expires_at, paid_at, created_at, updated_at`

func (r *paymentRepo) Create(ctx context.Context, tx repository.Tx, p *model.Payment) error {
	const q = `
INSERT INTO payments (payment_id, status, amount, currency, plan, method,
  customer_name, customer_email, customer_phone, gateway_response, expires_at, paid_at, created_at, updated_at)
VALUES ($1, $2, $3::numeric, $4, $5, $6, $7, $8, $9, $10::jsonb, $11, $12, $13, $14);`
	_, err := execSQL(ctx, r.pool, tx, q,
		p.PaymentID, string(p.Status), p.Amount.StringFixed(2), p.Currency, p.Plan, p.Method,
		nullIfEmpty(p.Customer.Name), nullIfEmpty(p.Customer.Email), nullIfEmpty(p.Customer.Phone),
		jsonArg(p.GatewayResponse), p.ExpiresAt, p.PaidAt, p.CreatedAt, p.UpdatedAt,
	)
	return mapErr(err, "insert payment")
}

func (r *paymentRepo) FindByPaymentID(ctx context.Context, tx repository.Tx, paymentID string) (*model.Payment, error) {
	q := forUpdate(`SELECT `+paymentColumns+` FROM payments WHERE payment_id = $1`, tx)
	row, err := pickRow(ctx, r.pool, tx, q, paymentID)
	if err != nil {
		return nil, err
	}
	return scanPayment(row)
}

func (r *paymentRepo) TransitionStatus(ctx context.Context, tx repository.Tx, paymentID string, from []model.PaymentStatus, to model.PaymentStatus, payload json.RawMessage, at time.Time) (bool, error) {
	const q = `
UPDATE payments
   SET status = $2,
       gateway_response = COALESCE($3::jsonb, gateway_response),
       paid_at = CASE WHEN $2 = 'paid' THEN $4 ELSE paid_at END,
       updated_at = $4
 WHERE payment_id = $1 AND status = ANY($5::text[]);`
	src := make([]string, len(from))
	for i, s := range from {
		src[i] = string(s)
	}
	tag, err := execSQL(ctx, r.pool, tx, q, paymentID, string(to), jsonArg(payload), at, src)
	if err != nil {
		return false, mapErr(err, "transition payment status")
	}
	return tag.RowsAffected() == 1, nil
}

func (r *paymentRepo) LinkActivationCode(ctx context.Context, tx repository.Tx, paymentID, code string) (bool, error) {
	const q = `UPDATE payments SET activation_code = $2, updated_at = NOW() WHERE payment_id = $1 AND activation_code IS NULL;`
	tag, err := execSQL(ctx, r.pool, tx, q, paymentID, code)
	if err != nil {
		return false, mapErr(err, "link activation code")
	}
	return tag.RowsAffected() == 1, nil
}

func (r *paymentRepo) LinkArtifact(ctx context.Context, tx repository.Tx, paymentID, cardID string) (bool, error) {
	const q = `UPDATE payments SET artifact_id = $2::uuid, updated_at = NOW() WHERE payment_id = $1 AND artifact_id IS NULL;`
	tag, err := execSQL(ctx, r.pool, tx, q, paymentID, cardID)
	if err != nil {
		return false, mapErr(err, "link artifact")
	}
	return tag.RowsAffected() == 1, nil
}

func (r *paymentRepo) ListPaidWithoutCode(ctx context.Context, tx repository.Tx, limit int) ([]*model.Payment, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `SELECT ` + paymentColumns + ` FROM payments WHERE status = 'paid' AND activation_code IS NULL ORDER BY paid_at ASC LIMIT $1;`
	rows, err := queryRows(ctx, r.pool, tx, q, limit)
	if err != nil {
		return nil, mapErr(err, "list paid payments without code")
	}
	defer rows.Close()

	var out []*model.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, mapErr(rows.Err(), "list paid payments without code")
}

func scanPayment(s scanner) (*model.Payment, error) {
	var (
		p       model.Payment
		status  string
		amount  string
		payload *string
	)
	if err := s.Scan(&p.PaymentID, &status, &amount, &p.Currency, &p.Plan, &p.Method,
		&p.Customer.Name, &p.Customer.Email, &p.Customer.Phone,
		&payload, &p.ActivationCode, &p.ArtifactID, &p.ExpiresAt, &p.PaidAt, &p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return nil, mapErr(err, "scan payment")
	}
	p.Status = model.PaymentStatus(status)
	amt, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, domain.Persistence(err, "parse payment amount")
	}
	p.Amount = amt
	if payload != nil {
		p.GatewayResponse = json.RawMessage(*payload)
	}
	return &p, nil
}

func jsonArg(raw json.RawMessage) *string {
	if len(raw) == 0 {
		return nil
	}
	s := string(raw)
	return &s
}
