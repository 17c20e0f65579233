// File: internal/infra/security/handoff.go
package security

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"capinha/internal/config"
	"capinha/internal/domain/model"
	"capinha/internal/domain/ports/adapter"
)

var _ adapter.HandoffIssuer = (*HandoffIssuer)(nil)

// ErrInvalidHandoff is returned for malformed, tampered or expired handoff tokens.
var ErrInvalidHandoff = errors.New("invalid handoff token")

const handoffIssuer = "capinha"

// HandoffClaims carries what the card setup step needs to continue a redemption.
type HandoffClaims struct {
	Code string `json:"code"`
	Card string `json:"card"` // card slug
	Plan string `json:"plan"`
	jwt.RegisteredClaims
}

// HandoffIssuer mints and checks HS256 tokens signed with security.handoff_secret.
type HandoffIssuer struct {
	cfg *config.Provider
	now func() time.Time
}

func NewHandoffIssuer(cfg *config.Provider) *HandoffIssuer {
	return &HandoffIssuer{cfg: cfg, now: time.Now}
}

func (h *HandoffIssuer) Issue(code *model.ActivationCode, card *model.Card) (string, error) {
	sc := h.cfg.Current().Security
	now := h.now()
	claims := HandoffClaims{
		Code: code.Code,
		Card: card.Slug,
		Plan: card.Plan,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    handoffIssuer,
			Subject:   card.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(sc.HandoffTTL)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(sc.HandoffSecret))
	if err != nil {
		return "", fmt.Errorf("sign handoff token: %w", err)
	}
	return signed, nil
}

// Parse verifies signature, issuer and expiry.
func (h *HandoffIssuer) Parse(token string) (*HandoffClaims, error) {
	secret := []byte(h.cfg.Current().Security.HandoffSecret)
	claims := &HandoffClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(handoffIssuer),
		jwt.WithTimeFunc(h.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHandoff, err)
	}
	return claims, nil
}
