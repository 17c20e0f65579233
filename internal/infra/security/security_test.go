//go:build !integration

package security

import (
	"context"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"capinha/internal/config"
	"capinha/internal/domain/model"
)

func testProvider(t *testing.T, secret, extra string) *config.Provider {
	t.Helper()
	body := `
database:
  url: postgres://localhost/capinha
security:
  handoff_secret: ` + secret + `
  handoff_ttl: 10m
provisioning:
  plans:
    basic: "10.00"
` + extra
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	p, err := config.NewProvider(context.Background(), path, false)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return p
}

func TestHandoffIssuer_RoundTrip(t *testing.T) {
	h := NewHandoffIssuer(testProvider(t, "handoff-test-secret", ""))
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	h.now = func() time.Time { return now }

	code := &model.ActivationCode{Code: "CAP-AAAA-BBBB-CCCC"}
	card := &model.Card{ID: "card-1", Slug: "ana-1234abcd", Plan: "basic"}
	token, err := h.Issue(code, card)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	claims, err := h.Parse(token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Code != code.Code || claims.Card != card.Slug || claims.Subject != card.ID {
		t.Errorf("unexpected claims %+v", claims)
	}

	h.now = func() time.Time { return now.Add(11 * time.Minute) }
	if _, err := h.Parse(token); !errors.Is(err, ErrInvalidHandoff) {
		t.Errorf("expected expired token to be rejected, got %v", err)
	}
}

func TestHandoffIssuer_RejectsForeignSignature(t *testing.T) {
	a := NewHandoffIssuer(testProvider(t, "handoff-test-secret", ""))
	b := NewHandoffIssuer(testProvider(t, "other-secret", ""))
	token, err := b.Issue(&model.ActivationCode{Code: "X"}, &model.Card{ID: "c", Slug: "s"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Parse(token); !errors.Is(err, ErrInvalidHandoff) {
		t.Errorf("expected foreign token to be rejected, got %v", err)
	}
}

func TestWebhookVerifier(t *testing.T) {
	body := []byte(`{"payment_id":"PAY-1","status":"approved"}`)

	t.Run("without a secret nothing is required", func(t *testing.T) {
		v := NewWebhookVerifier(testProvider(t, "handoff-test-secret", ""))
		required, valid := v.Verify(body, "whatever")
		if required || valid {
			t.Errorf("expected (false,false), got (%v,%v)", required, valid)
		}
		if v.Header() != "X-Signature" {
			t.Errorf("unexpected default header %q", v.Header())
		}
	})

	t.Run("with a secret the hex hmac must match", func(t *testing.T) {
		v := NewWebhookVerifier(testProvider(t, "handoff-test-secret", "webhook:\n  secret: hook-secret\n"))
		good := hex.EncodeToString(Sign([]byte("hook-secret"), body))

		cases := map[string]bool{
			good:             true,
			"sha256=" + good: true,
			"deadbeef":       false,
			"not-hex":        false,
			"":               false,
		}
		for sig, want := range cases {
			required, valid := v.Verify(body, sig)
			if !required || valid != want {
				t.Errorf("signature %q: expected valid=%v, got required=%v valid=%v", sig, want, required, valid)
			}
		}
		if _, valid := v.Verify(append(body, ' '), good); valid {
			t.Error("expected a modified body to fail verification")
		}
	})
}
