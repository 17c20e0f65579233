package repository

import (
	"context"
	"encoding/json"
	"time"

	"capinha/internal/domain/model"
)

type PaymentRepository interface {
	// Create inserts a payment. Returns domain.ErrAlreadyExists on a duplicate payment_id.
	Create(ctx context.Context, tx Tx, p *model.Payment) error
	// FindByPaymentID locks the row (FOR UPDATE) when tx is a transaction.
	FindByPaymentID(ctx context.Context, tx Tx, paymentID string) (*model.Payment, error)
	// TransitionStatus moves the payment to `to` only if its current status is one of `from`.
	// A non-nil payload replaces gateway_response. Entering paid stamps paid_at.
	TransitionStatus(ctx context.Context, tx Tx, paymentID string, from []model.PaymentStatus, to model.PaymentStatus, payload json.RawMessage, at time.Time) (bool, error)
	// LinkActivationCode sets the code back-reference if it is still empty.
	LinkActivationCode(ctx context.Context, tx Tx, paymentID, code string) (bool, error)
	// LinkArtifact sets artifact_id if it is still empty.
	LinkArtifact(ctx context.Context, tx Tx, paymentID, cardID string) (bool, error)
	ListPaidWithoutCode(ctx context.Context, tx Tx, limit int) ([]*model.Payment, error)
}
