package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type CodeStatus string

const (
	CodeStatusAvailable CodeStatus = "available" // pre-provisioned, not sold yet
	CodeStatusSold      CodeStatus = "sold"      // sold, waiting for the customer to redeem it
	CodeStatusActivated CodeStatus = "activated" // redeemed; a card references it
	CodeStatusExpired   CodeStatus = "expired"   // administratively retired
)

// Valid reports whether s is a known code status.
func (s CodeStatus) Valid() bool {
	switch s {
	case CodeStatusAvailable, CodeStatusSold, CodeStatusActivated, CodeStatusExpired:
		return true
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s CodeStatus) Terminal() bool {
	return s == CodeStatusActivated || s == CodeStatusExpired
}

var codeTransitions = map[CodeStatus][]CodeStatus{
	CodeStatusAvailable: {CodeStatusSold, CodeStatusExpired},
	CodeStatusSold:      {CodeStatusActivated, CodeStatusExpired},
}

// CanTransition reports whether from -> to is a legal code transition.
func (s CodeStatus) CanTransition(to CodeStatus) bool {
	for _, next := range codeTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Customer is the contact snapshot stored on codes, payments and cards.
type Customer struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// IsZero reports whether no contact field is set.
func (c Customer) IsZero() bool {
	return c.Name == "" && c.Email == "" && c.Phone == ""
}

// Normalize trims whitespace and lowercases the email.
func (c Customer) Normalize() Customer {
	return Customer{
		Name:  strings.TrimSpace(c.Name),
		Email: strings.ToLower(strings.TrimSpace(c.Email)),
		Phone: strings.TrimSpace(c.Phone),
	}
}

// SaleDetails describes a manual (point-of-sale) sale of a code.
type SaleDetails struct {
	Customer      Customer
	PaymentMethod string
	Amount        *decimal.Decimal
}

// CodeSource records how a code came into existence.
type CodeSource string

const (
	CodeSourceBatch   CodeSource = "batch"   // admin pre-provisioning
	CodeSourceManual  CodeSource = "manual"  // admin issuance directly as sold
	CodeSourcePayment CodeSource = "payment" // issued by the coordinator for a confirmed payment
)

// ActivationCode is a single-use token that unlocks the creation of one card.
type ActivationCode struct {
	Code          string           `json:"code"`
	Status        CodeStatus       `json:"status"`
	Plan          string           `json:"plan"`
	Amount        *decimal.Decimal `json:"amount,omitempty"`
	Customer      Customer         `json:"customer"`
	PaymentMethod string           `json:"payment_method,omitempty"`
	PaymentID     *string          `json:"payment_id,omitempty"`
	Source        CodeSource       `json:"source"`
	CreatedAt     time.Time        `json:"created_at"`
	SoldAt        *time.Time       `json:"sold_at,omitempty"`
	ActivatedAt   *time.Time       `json:"activated_at,omitempty"`
	ExpiredAt     *time.Time       `json:"expired_at,omitempty"`
}

// NormalizeCode canonicalizes user input so lookups are case and whitespace insensitive.
func NormalizeCode(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

// BatchRequest is an administrative issuance. With a customer the codes are created sold.
type BatchRequest struct {
	Quantity      int
	Plan          string
	Customer      *Customer
	PaymentMethod string
	Amount        *decimal.Decimal
}

// CodeFilter narrows admin listings.
type CodeFilter struct {
	Status CodeStatus
	Plan   string
	Limit  int
	Offset int
}

// RedemptionInput is what the customer submits to redeem a code.
type RedemptionInput struct {
	Code     string
	Customer Customer
	// DisplayName is the initial card title; defaults to the customer name.
	DisplayName string
}

// RedemptionResult is returned once a code was consumed and its card created.
type RedemptionResult struct {
	Code         *ActivationCode `json:"code"`
	Card         *Card           `json:"card"`
	HandoffToken string          `json:"handoff_token"`
	NextStep     string          `json:"next_step"`
}
