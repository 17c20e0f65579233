package postgres

import (
	"context"

	"github.com/jackc/pgx/v4/pgxpool"

	"capinha/internal/domain/model"
	"capinha/internal/domain/ports/repository"
)

var _ repository.CardRepository = (*cardRepo)(nil)

type cardRepo struct{ pool *pgxpool.Pool }

func NewCardRepo(pool *pgxpool.Pool) repository.CardRepository {
	return &cardRepo{pool: pool}
}

const cardColumns = `id::text, slug, COALESCE(owner_name, ''), COALESCE(owner_email, ''), COALESCE(owner_phone, ''),
  display_name, plan, activation_code, created_at`

func (r *cardRepo) Create(ctx context.Context, tx repository.Tx, c *model.Card) error {
	const q = `
INSERT INTO cards (id, slug, owner_name, owner_email, owner_phone, display_name, plan, activation_code, created_at)
VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8, $9);`
	_, err := execSQL(ctx, r.pool, tx, q, c.ID, c.Slug,
		nullIfEmpty(c.Owner.Name), nullIfEmpty(c.Owner.Email), nullIfEmpty(c.Owner.Phone),
		c.DisplayName, c.Plan, c.ActivationCode, c.CreatedAt)
	return mapErr(err, "insert card")
}

func (r *cardRepo) FindBySlug(ctx context.Context, tx repository.Tx, slug string) (*model.Card, error) {
	row, err := pickRow(ctx, r.pool, tx, `SELECT `+cardColumns+` FROM cards WHERE slug = $1;`, slug)
	if err != nil {
		return nil, err
	}
	return scanCard(row)
}

func (r *cardRepo) FindByActivationCode(ctx context.Context, tx repository.Tx, code string) (*model.Card, error) {
	row, err := pickRow(ctx, r.pool, tx, `SELECT `+cardColumns+` FROM cards WHERE activation_code = $1;`, code)
	if err != nil {
		return nil, err
	}
	return scanCard(row)
}

func scanCard(s scanner) (*model.Card, error) {
	var c model.Card
	if err := s.Scan(&c.ID, &c.Slug, &c.Owner.Name, &c.Owner.Email, &c.Owner.Phone,
		&c.DisplayName, &c.Plan, &c.ActivationCode, &c.CreatedAt); err != nil {
		return nil, mapErr(err, "scan card")
	}
	return &c, nil
}
