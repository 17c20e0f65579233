package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"

	"capinha/internal/domain"
	"capinha/internal/domain/model"
	"capinha/internal/domain/ports/repository"
)

var _ repository.WebhookEventRepository = (*webhookEventRepo)(nil)

type webhookEventRepo struct{ pool *pgxpool.Pool }

func NewWebhookEventRepo(pool *pgxpool.Pool) repository.WebhookEventRepository {
	return &webhookEventRepo{pool: pool}
}

const webhookColumns = `id, provider, dedupe_key, payment_id, status, amount::text, payload::text,
  signature_valid, outcome, needs_review, COALESCE(error, ''), received_at, processed_at`

func (r *webhookEventRepo) Record(ctx context.Context, tx repository.Tx, e *model.WebhookEvent) (bool, error) {
	const q = `
INSERT INTO webhook_events (id, provider, dedupe_key, payment_id, status, amount, payload, signature_valid, outcome, received_at)
VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::jsonb, $8, $9, $10)
ON CONFLICT (provider, dedupe_key) DO NOTHING;`
	tag, err := execSQL(ctx, r.pool, tx, q, e.ID, e.Provider, e.DedupeKey, e.PaymentID, e.Status,
		decimalArg(e.Amount), string(e.Payload), e.SignatureValid, string(e.Outcome), e.ReceivedAt)
	if err != nil {
		return false, mapErr(err, "record webhook event")
	}
	return tag.RowsAffected() == 1, nil
}

func (r *webhookEventRepo) FindByDedupeKey(ctx context.Context, tx repository.Tx, provider, dedupeKey string) (*model.WebhookEvent, error) {
	q := forUpdate(`SELECT `+webhookColumns+` FROM webhook_events WHERE provider = $1 AND dedupe_key = $2`, tx)
	row, err := pickRow(ctx, r.pool, tx, q, provider, dedupeKey)
	if err != nil {
		return nil, err
	}
	return scanWebhookEvent(row)
}

func (r *webhookEventRepo) MarkProcessed(ctx context.Context, tx repository.Tx, id string, outcome model.WebhookOutcome, needsReview bool, errMsg string, at time.Time) error {
	const q = `UPDATE webhook_events SET outcome = $2, needs_review = $3, error = $4, processed_at = $5 WHERE id = $1;`
	tag, err := execSQL(ctx, r.pool, tx, q, id, string(outcome), needsReview, nullIfEmpty(errMsg), at)
	if err != nil {
		return mapErr(err, "mark webhook event processed")
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *webhookEventRepo) ListNeedingReview(ctx context.Context, tx repository.Tx, limit int) ([]*model.WebhookEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `SELECT ` + webhookColumns + ` FROM webhook_events WHERE needs_review ORDER BY received_at DESC LIMIT $1;`
	rows, err := queryRows(ctx, r.pool, tx, q, limit)
	if err != nil {
		return nil, mapErr(err, "list webhook events")
	}
	defer rows.Close()

	var out []*model.WebhookEvent
	for rows.Next() {
		e, err := scanWebhookEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, mapErr(rows.Err(), "list webhook events")
}

func scanWebhookEvent(s scanner) (*model.WebhookEvent, error) {
	var (
		e       model.WebhookEvent
		amount  *string
		payload string
		outcome string
	)
	if err := s.Scan(&e.ID, &e.Provider, &e.DedupeKey, &e.PaymentID, &e.Status, &amount, &payload,
		&e.SignatureValid, &outcome, &e.NeedsReview, &e.Error, &e.ReceivedAt, &e.ProcessedAt); err != nil {
		return nil, mapErr(err, "scan webhook event")
	}
	amt, err := parseDecimal(amount)
	if err != nil {
		return nil, domain.Persistence(err, "parse webhook amount")
	}
	e.Amount = amt
	e.Payload = json.RawMessage(payload)
	e.Outcome = model.WebhookOutcome(outcome)
	return &e, nil
}
