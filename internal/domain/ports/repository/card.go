package repository

import (
	"context"

	"capinha/internal/domain/model"
)

type CardRepository interface {
	// Create inserts a card. Returns domain.ErrAlreadyExists when the slug or the activation code
	// is already taken.
	Create(ctx context.Context, tx Tx, c *model.Card) error
	FindBySlug(ctx context.Context, tx Tx, slug string) (*model.Card, error)
	FindByActivationCode(ctx context.Context, tx Tx, code string) (*model.Card, error)
}
