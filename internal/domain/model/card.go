package model

import "time"

// Card is the digital artifact a redeemed activation code unlocks.
type Card struct {
	ID          string    `json:"id"`
	Slug        string    `json:"slug"`
	Owner       Customer  `json:"owner"`
	DisplayName string    `json:"display_name"`
	Plan        string    `json:"plan"`
	// ActivationCode is nil for cards created outside the provisioning flow.
	ActivationCode *string   `json:"activation_code,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}
