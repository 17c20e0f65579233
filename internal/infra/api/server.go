// File: internal/infra/api/server.go
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"capinha/internal/config"
	"capinha/internal/infra/security"
	"capinha/internal/usecase"
)

const maxBodyBytes = 1 << 20

// RateLimiter is the fixed-window counter behind the redemption endpoint.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// HandoffParser validates the token handed out on redemption.
type HandoffParser interface {
	Parse(token string) (*security.HandoffClaims, error)
}

// Deps are the collaborators of the HTTP layer. Limiter and Health may be nil.
type Deps struct {
	Codes        usecase.ActivationCodeUseCase
	Payments     usecase.PaymentUseCase
	Provisioning usecase.ProvisioningUseCase
	Webhooks     usecase.WebhookUseCase
	Verifier     *security.WebhookVerifier
	Handoff      HandoffParser
	Limiter      RateLimiter
	Health       func(ctx context.Context) error
	Config       *config.Provider
	Logger       *zerolog.Logger
}

// Server exposes the public checkout/redemption API, the processor webhook and the admin API.
type Server struct {
	codes        usecase.ActivationCodeUseCase
	payments     usecase.PaymentUseCase
	provisioning usecase.ProvisioningUseCase
	webhooks     usecase.WebhookUseCase
	verifier     *security.WebhookVerifier
	handoff      HandoffParser
	limiter      RateLimiter
	health       func(ctx context.Context) error
	cfg          *config.Provider
	log          *zerolog.Logger
}

func NewServer(d Deps) *Server {
	l := d.Logger.With().Str("component", "HTTPServer").Logger()
	return &Server{
		codes:        d.Codes,
		payments:     d.Payments,
		provisioning: d.Provisioning,
		webhooks:     d.Webhooks,
		verifier:     d.Verifier,
		handoff:      d.Handoff,
		limiter:      d.Limiter,
		health:       d.Health,
		cfg:          d.Config,
		log:          &l,
	}
}

// Routes builds the chi router with the middleware stack applied.
func (s *Server) Routes() *chi.Mux {
	r := chi.NewRouter()
	r.Use(
		TrustedRealIP(func(addr string) bool { return s.cfg.Current().HTTP.TrustsProxy(addr) }),
		TraceID(),
		ClientIP(),
		RequestLog(s.log),
		Recover(s.log),
		Timeout(func() time.Duration { return s.cfg.Current().HTTP.RequestTimeout }),
	)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/checkout", s.handleCheckout)
		r.Get("/payments/{id}", s.handleGetPayment)
		r.Post("/payments/{id}/pay", s.handlePayNow)
		r.Post("/webhooks/payments", s.handleWebhook)
		r.Post("/redeem", s.handleRedeem)
		r.Get("/cards/{slug}", s.handleGetCard)

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.adminAuth)
			r.Post("/codes/batch", s.handleIssueBatch)
			r.Get("/codes", s.handleListCodes)
			r.Get("/codes/{code}", s.handleGetCode)
			r.Post("/codes/{code}/sell", s.handleSellCode)
			r.Post("/codes/{code}/expire", s.handleExpireCode)
			r.Post("/payments/{id}/{action:fail|refund|cancel}", s.handlePaymentTransition)
			r.Get("/webhooks/review", s.handleWebhookReview)
			r.Post("/reconcile", s.handleReconcile)
			r.Post("/config/reload", s.handleConfigReload)
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			s.log.Warn().Err(err).Msg("health check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
