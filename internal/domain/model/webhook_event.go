package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type WebhookOutcome string

const (
	WebhookOutcomeReceived       WebhookOutcome = "received"
	WebhookOutcomeProcessed      WebhookOutcome = "processed"
	WebhookOutcomeDuplicate      WebhookOutcome = "duplicate"
	WebhookOutcomeUnknownPayment WebhookOutcome = "unknown_payment"
	WebhookOutcomeAmountMismatch WebhookOutcome = "amount_mismatch"
	WebhookOutcomeLateApproval   WebhookOutcome = "late_approval"
	WebhookOutcomeIgnored        WebhookOutcome = "ignored"
)

// NeedsReview reports whether an operator should look at events with this outcome.
func (o WebhookOutcome) NeedsReview() bool {
	switch o {
	case WebhookOutcomeUnknownPayment, WebhookOutcomeAmountMismatch, WebhookOutcomeLateApproval:
		return true
	}
	return false
}

// WebhookEvent is one durably recorded delivery from the payment processor.
type WebhookEvent struct {
	ID        string `json:"id"`
	Provider  string `json:"provider"`
	DedupeKey string `json:"dedupe_key"`
	PaymentID string `json:"payment_id"`
	// Status is the processor's raw status string.
	Status         string           `json:"status"`
	Amount         *decimal.Decimal `json:"amount,omitempty"`
	Payload        json.RawMessage  `json:"payload"`
	SignatureValid bool             `json:"signature_valid"`
	Outcome        WebhookOutcome   `json:"outcome"`
	NeedsReview    bool             `json:"needs_review"`
	Error          string           `json:"error,omitempty"`
	ReceivedAt     time.Time        `json:"received_at"`
	ProcessedAt    *time.Time       `json:"processed_at,omitempty"`
}

// Processed reports whether the event already went through the state machine.
func (e *WebhookEvent) Processed() bool {
	return e.ProcessedAt != nil
}

// InboundWebhook is a raw delivery as received by the transport.
type InboundWebhook struct {
	Body           []byte
	SignatureValid bool
}

// Ack is the acknowledgement returned to the processor.
type Ack struct {
	Status  string         `json:"status"`
	Outcome WebhookOutcome `json:"-"`
}

const (
	AckOK    = "ok"
	AckError = "error"
)
