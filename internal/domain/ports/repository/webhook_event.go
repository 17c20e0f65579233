package repository

import (
	"context"
	"time"

	"capinha/internal/domain/model"
)

// WebhookEventRepository is the durable ledger of processor deliveries.
type WebhookEventRepository interface {
	// Record inserts the event unless one with the same provider and dedupe key exists.
	// created is false for a re-delivery.
	Record(ctx context.Context, tx Tx, e *model.WebhookEvent) (created bool, err error)
	FindByDedupeKey(ctx context.Context, tx Tx, provider, dedupeKey string) (*model.WebhookEvent, error)
	MarkProcessed(ctx context.Context, tx Tx, id string, outcome model.WebhookOutcome, needsReview bool, errMsg string, at time.Time) error
	ListNeedingReview(ctx context.Context, tx Tx, limit int) ([]*model.WebhookEvent, error)
}
