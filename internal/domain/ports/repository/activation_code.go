package repository

import (
	"context"
	"time"

	"capinha/internal/domain/model"
)

// ActivationCodeRepository is the port for the activation_codes table.
//
// Every status change is a conditional write: the bool result is false when the row was not in a
// source status at the time of the write (including when the code does not exist).
type ActivationCodeRepository interface {
	// Create inserts one code. Returns domain.ErrAlreadyExists on a code collision.
	Create(ctx context.Context, tx Tx, code *model.ActivationCode) error
	// CreateBatch inserts all codes or none of them.
	CreateBatch(ctx context.Context, tx Tx, codes []*model.ActivationCode) error
	Exists(ctx context.Context, tx Tx, code string) (bool, error)
	FindByCode(ctx context.Context, tx Tx, code string) (*model.ActivationCode, error)
	FindByPaymentID(ctx context.Context, tx Tx, paymentID string) (*model.ActivationCode, error)
	// MarkSold moves available -> sold and stores the sale snapshot.
	MarkSold(ctx context.Context, tx Tx, code string, sale model.SaleDetails, at time.Time) (bool, error)
	// Activate moves sold -> activated.
	Activate(ctx context.Context, tx Tx, code string, at time.Time) (bool, error)
	// Expire moves available|sold -> expired.
	Expire(ctx context.Context, tx Tx, code string, at time.Time) (bool, error)
	List(ctx context.Context, tx Tx, filter model.CodeFilter) ([]*model.ActivationCode, error)
	// ListActivatedWithoutCard returns activated codes no card references.
	ListActivatedWithoutCard(ctx context.Context, tx Tx, limit int) ([]*model.ActivationCode, error)
}
