package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentStatusPending    PaymentStatus = "pending"    // checkout opened; awaiting the processor
	PaymentStatusProcessing PaymentStatus = "processing" // processor acknowledged, not settled yet
	PaymentStatusPaid       PaymentStatus = "paid"       // approved by the processor
	PaymentStatusFailed     PaymentStatus = "failed"     // rejected by the processor
	PaymentStatusRefunded   PaymentStatus = "refunded"   // paid, then refunded
	PaymentStatusCancelled  PaymentStatus = "cancelled"  // abandoned or expired before settlement
)

func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentStatusPending, PaymentStatusProcessing, PaymentStatusPaid,
		PaymentStatusFailed, PaymentStatusRefunded, PaymentStatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether s is a settled state. paid is terminal but may still become refunded.
func (s PaymentStatus) Terminal() bool {
	switch s {
	case PaymentStatusPaid, PaymentStatusFailed, PaymentStatusRefunded, PaymentStatusCancelled:
		return true
	}
	return false
}

// Open reports whether the payment still waits for the processor.
func (s PaymentStatus) Open() bool {
	return s == PaymentStatusPending || s == PaymentStatusProcessing
}

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentStatusPending:    {PaymentStatusProcessing, PaymentStatusPaid, PaymentStatusFailed, PaymentStatusCancelled},
	PaymentStatusProcessing: {PaymentStatusPaid, PaymentStatusFailed, PaymentStatusCancelled},
	PaymentStatusPaid:       {PaymentStatusRefunded},
}

func (s PaymentStatus) CanTransition(to PaymentStatus) bool {
	for _, next := range paymentTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// SourcesFor lists every status from which `to` is reachable in one step.
func SourcesFor(to PaymentStatus) []PaymentStatus {
	var out []PaymentStatus
	for _, from := range []PaymentStatus{PaymentStatusPending, PaymentStatusProcessing, PaymentStatusPaid} {
		if from.CanTransition(to) {
			out = append(out, from)
		}
	}
	return out
}

// Payment records a purchase of an activation code.
type Payment struct {
	PaymentID       string          `json:"payment_id"`
	Status          PaymentStatus   `json:"status"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	Plan            string          `json:"plan"`
	Method          string          `json:"method"`
	Customer        Customer        `json:"customer"`
	GatewayResponse json.RawMessage `json:"gateway_response,omitempty"`
	// Back-references written only by the provisioning coordinator.
	ActivationCode *string    `json:"activation_code,omitempty"`
	ArtifactID     *string    `json:"artifact_id,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	PaidAt         *time.Time `json:"paid_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Expired reports whether a deferred payment passed its deadline without settling.
func (p *Payment) Expired(now time.Time) bool {
	return p.Status.Open() && p.ExpiresAt != nil && now.After(*p.ExpiresAt)
}

// CheckoutDetails is the input to open a payment.
type CheckoutDetails struct {
	Plan     string
	Method   string
	Customer Customer
}

// Checkout is what the checkout step returns. Code is set when the payment settled instantly.
type Checkout struct {
	Payment *Payment        `json:"payment"`
	Code    *ActivationCode `json:"code,omitempty"`
}

// Issuance is the linkage between a paid payment and its activation code.
type Issuance struct {
	Payment *Payment        `json:"payment"`
	Code    *ActivationCode `json:"code"`
	// Reused is true when the code already existed and nothing new was issued.
	Reused bool `json:"reused"`
	// Confirmed is true when this call moved the payment to paid.
	Confirmed bool `json:"-"`
}
