package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"capinha/internal/domain"
	"capinha/internal/domain/model"
	"capinha/internal/domain/ports/repository"
)

// Ensure implementation satisfies the interface.
var _ repository.ActivationCodeRepository = (*activationCodeRepo)(nil)

type activationCodeRepo struct {
	pool *pgxpool.Pool
}

func NewActivationCodeRepo(pool *pgxpool.Pool) repository.ActivationCodeRepository {
	return &activationCodeRepo{pool: pool}
}

const codeColumns = `code, status, plan, amount::text,
  COALESCE(customer_name, ''), COALESCE(customer_email, ''), COALESCE(customer_phone, ''),
  COALESCE(payment_method, ''), payment_id, source, created_at, sold_at, activated_at, expired_at`

const insertCode = `
INSERT INTO activation_codes (code, status, plan, amount, customer_name, customer_email, customer_phone,
  payment_method, payment_id, source, created_at, sold_at)
VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, $9, $10, $11, $12);`

func insertArgs(c *model.ActivationCode) []interface{} {
	return []interface{}{
		c.Code, string(c.Status), c.Plan, decimalArg(c.Amount),
		nullIfEmpty(c.Customer.Name), nullIfEmpty(c.Customer.Email), nullIfEmpty(c.Customer.Phone),
		nullIfEmpty(c.PaymentMethod), c.PaymentID, string(c.Source), c.CreatedAt, c.SoldAt,
	}
}

func (r *activationCodeRepo) Create(ctx context.Context, tx repository.Tx, c *model.ActivationCode) error {
	_, err := execSQL(ctx, r.pool, tx, insertCode, insertArgs(c)...)
	return mapErr(err, "insert activation code")
}

// CreateBatch queues every insert on one pgx.Batch. The first failure aborts the batch; inside a
// transaction the caller's rollback discards the rest.
func (r *activationCodeRepo) CreateBatch(ctx context.Context, tx repository.Tx, codes []*model.ActivationCode) error {
	if len(codes) == 0 {
		return nil
	}
	ex, err := getExecutor(r.pool, tx)
	if err != nil {
		return err
	}
	b := &pgx.Batch{}
	for _, c := range codes {
		b.Queue(insertCode, insertArgs(c)...)
	}
	br := ex.SendBatch(ctx, b)
	for range codes {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return mapErr(err, "insert activation code batch")
		}
	}
	return mapErr(br.Close(), "close activation code batch")
}

func (r *activationCodeRepo) Exists(ctx context.Context, tx repository.Tx, code string) (bool, error) {
	row, err := pickRow(ctx, r.pool, tx, `SELECT EXISTS (SELECT 1 FROM activation_codes WHERE code = $1);`, code)
	if err != nil {
		return false, err
	}
	var ok bool
	if err := row.Scan(&ok); err != nil {
		return false, mapErr(err, "check activation code")
	}
	return ok, nil
}

func (r *activationCodeRepo) FindByCode(ctx context.Context, tx repository.Tx, code string) (*model.ActivationCode, error) {
	q := forUpdate(`SELECT `+codeColumns+` FROM activation_codes WHERE code = $1`, tx)
	row, err := pickRow(ctx, r.pool, tx, q, code)
	if err != nil {
		return nil, err
	}
	return scanCode(row)
}

func (r *activationCodeRepo) FindByPaymentID(ctx context.Context, tx repository.Tx, paymentID string) (*model.ActivationCode, error) {
	q := forUpdate(`SELECT `+codeColumns+` FROM activation_codes WHERE payment_id = $1`, tx)
	row, err := pickRow(ctx, r.pool, tx, q, paymentID)
	if err != nil {
		return nil, err
	}
	return scanCode(row)
}

func (r *activationCodeRepo) MarkSold(ctx context.Context, tx repository.Tx, code string, sale model.SaleDetails, at time.Time) (bool, error) {
	const q = `
UPDATE activation_codes
   SET status = 'sold', sold_at = $2,
       customer_name = $3, customer_email = $4, customer_phone = $5,
       payment_method = $6, amount = COALESCE($7::numeric, amount)
 WHERE code = $1 AND status = 'available';`
	tag, err := execSQL(ctx, r.pool, tx, q, code, at,
		nullIfEmpty(sale.Customer.Name), nullIfEmpty(sale.Customer.Email), nullIfEmpty(sale.Customer.Phone),
		nullIfEmpty(sale.PaymentMethod), decimalArg(sale.Amount))
	if err != nil {
		return false, mapErr(err, "mark activation code sold")
	}
	return tag.RowsAffected() == 1, nil
}

func (r *activationCodeRepo) Activate(ctx context.Context, tx repository.Tx, code string, at time.Time) (bool, error) {
	const q = `UPDATE activation_codes SET status = 'activated', activated_at = $2 WHERE code = $1 AND status = 'sold';`
	tag, err := execSQL(ctx, r.pool, tx, q, code, at)
	if err != nil {
		return false, mapErr(err, "activate code")
	}
	return tag.RowsAffected() == 1, nil
}

func (r *activationCodeRepo) Expire(ctx context.Context, tx repository.Tx, code string, at time.Time) (bool, error) {
	const q = `UPDATE activation_codes SET status = 'expired', expired_at = $2 WHERE code = $1 AND status IN ('available', 'sold');`
	tag, err := execSQL(ctx, r.pool, tx, q, code, at)
	if err != nil {
		return false, mapErr(err, "expire code")
	}
	return tag.RowsAffected() == 1, nil
}

func (r *activationCodeRepo) List(ctx context.Context, tx repository.Tx, f model.CodeFilter) ([]*model.ActivationCode, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.Plan != "" {
		args = append(args, f.Plan)
		where = append(where, fmt.Sprintf("plan = $%d", len(args)))
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	q := `SELECT ` + codeColumns + ` FROM activation_codes`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limit, f.Offset)
	q += fmt.Sprintf(" ORDER BY created_at DESC, code LIMIT $%d OFFSET $%d;", len(args)-1, len(args))
	return r.list(ctx, tx, q, args...)
}

func (r *activationCodeRepo) ListActivatedWithoutCard(ctx context.Context, tx repository.Tx, limit int) ([]*model.ActivationCode, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `
SELECT ` + codeColumns + `
  FROM activation_codes ac
 WHERE ac.status = 'activated'
   AND NOT EXISTS (SELECT 1 FROM cards c WHERE c.activation_code = ac.code)
 ORDER BY ac.activated_at ASC
 LIMIT $1;`
	return r.list(ctx, tx, q, limit)
}

func (r *activationCodeRepo) list(ctx context.Context, tx repository.Tx, q string, args ...interface{}) ([]*model.ActivationCode, error) {
	rows, err := queryRows(ctx, r.pool, tx, q, args...)
	if err != nil {
		return nil, mapErr(err, "list activation codes")
	}
	defer rows.Close()

	var out []*model.ActivationCode
	for rows.Next() {
		c, err := scanCode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, mapErr(rows.Err(), "list activation codes")
}

func scanCode(s scanner) (*model.ActivationCode, error) {
	var (
		c      model.ActivationCode
		status string
		source string
		amount *string
	)
	if err := s.Scan(&c.Code, &status, &c.Plan, &amount,
		&c.Customer.Name, &c.Customer.Email, &c.Customer.Phone,
		&c.PaymentMethod, &c.PaymentID, &source, &c.CreatedAt, &c.SoldAt, &c.ActivatedAt, &c.ExpiredAt,
	); err != nil {
		return nil, mapErr(err, "scan activation code")
	}
	c.Status = model.CodeStatus(status)
	c.Source = model.CodeSource(source)
	amt, err := parseDecimal(amount)
	if err != nil {
		return nil, domain.Persistence(err, "parse activation code amount")
	}
	c.Amount = amt
	return &c, nil
}
