// File: internal/infra/security/webhook_signature.go
package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"capinha/internal/config"
)

// WebhookVerifier checks the HMAC-SHA256 of a raw webhook body against the hex signature the
// processor sends in webhook.signature_header.
type WebhookVerifier struct {
	cfg *config.Provider
}

func NewWebhookVerifier(cfg *config.Provider) *WebhookVerifier {
	return &WebhookVerifier{cfg: cfg}
}

// Header is the request header carrying the signature.
func (v *WebhookVerifier) Header() string {
	return v.cfg.Current().Webhook.SignatureHeader
}

// Verify reports whether a secret is configured and whether signature matches body.
// Without a secret nothing can be verified: required and valid are both false.
func (v *WebhookVerifier) Verify(body []byte, signature string) (required, valid bool) {
	secret := v.cfg.Current().Webhook.Secret
	if secret == "" {
		return false, false
	}
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	got, err := hex.DecodeString(signature)
	if err != nil || len(got) == 0 {
		return true, false
	}
	return true, hmac.Equal(got, Sign([]byte(secret), body))
}

// Sign returns the raw HMAC-SHA256 of body.
func Sign(secret, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return mac.Sum(nil)
}
