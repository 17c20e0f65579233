package model

import "time"

type NotificationKind string

const (
	NotificationCodeIssued NotificationKind = "code_issued"
	NotificationRedeemed   NotificationKind = "code_redeemed"
)

// Notification is a best-effort customer message emitted after a committed transition.
type Notification struct {
	ID        string           `json:"id"`
	Kind      NotificationKind `json:"kind"`
	Code      string           `json:"code"`
	Plan      string           `json:"plan"`
	PaymentID string           `json:"payment_id,omitempty"`
	CardSlug  string           `json:"card_slug,omitempty"`
	Customer  Customer         `json:"customer"`
	CreatedAt time.Time        `json:"created_at"`
}

type AlertSeverity string

const (
	AlertInfo     AlertSeverity = "info"
	AlertWarning  AlertSeverity = "warning"
	AlertCritical AlertSeverity = "critical"
)

// Alert is an operator-facing signal: capacity exhaustion, orphans, suspicious webhooks.
type Alert struct {
	Severity AlertSeverity
	Subject  string
	Detail   string
	Fields   map[string]string
}
