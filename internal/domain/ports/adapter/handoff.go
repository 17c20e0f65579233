package adapter

import "capinha/internal/domain/model"

// HandoffIssuer mints the short-lived token that lets a customer continue to card setup after
// a successful redemption.
type HandoffIssuer interface {
	Issue(code *model.ActivationCode, card *model.Card) (string, error)
}
