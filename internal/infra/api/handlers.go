package api

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"capinha/internal/domain"
	"capinha/internal/domain/model"
	"capinha/internal/infra/logging"
	"capinha/internal/infra/metrics"
	"capinha/internal/infra/redis"
)

type checkoutRequest struct {
	Plan     string         `json:"plan"`
	Method   string         `json:"method"`
	Customer model.Customer `json:"customer"`
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := decode(w, r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	co, err := s.payments.Open(r.Context(), model.CheckoutDetails{Plan: req.Plan, Method: req.Method, Customer: req.Customer})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, co)
}

func (s *Server) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := logging.WithPaymentID(r.Context(), id)
	p, err := s.payments.Get(ctx, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handlePayNow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := logging.WithPaymentID(r.Context(), id)
	iss, err := s.payments.PayNow(ctx, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, iss)
}

// handleWebhook acknowledges every delivery it could record with {"status":"ok"}. Only local
// failures answer non-2xx so the processor retries.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, model.Ack{Status: model.AckError})
		return
	}
	l := logging.With(r.Context(), s.log)

	required, valid := s.verifier.Verify(body, r.Header.Get(s.verifier.Header()))
	if required && !valid {
		l.Warn().Msg("webhook signature rejected")
		metrics.IncWebhookEvent(s.cfg.Current().Webhook.Provider, "rejected")
		writeJSON(w, http.StatusUnauthorized, model.Ack{Status: model.AckError})
		return
	}

	ack, err := s.webhooks.Ingest(r.Context(), model.InboundWebhook{Body: body, SignatureValid: valid})
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, domain.ErrValidation) {
			status = http.StatusBadRequest
		}
		l.Warn().Err(err).Int("status", status).Msg("webhook not processed")
		writeJSON(w, status, model.Ack{Status: model.AckError})
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

type redeemRequest struct {
	Code        string         `json:"code"`
	DisplayName string         `json:"display_name"`
	Customer    model.Customer `json:"customer"`
}

func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil {
		limit := s.cfg.Current().RateLimit.RedeemPerMinute
		ok, err := s.limiter.Allow(r.Context(), redis.RedeemKey(remoteHost(r), time.Now()), limit, time.Minute)
		if err != nil {
			// Fail open while Redis is unreachable.
			l := logging.With(r.Context(), s.log)
			l.Warn().Err(err).Msg("rate limiter unavailable")
		} else if !ok {
			metrics.IncRateLimited("redeem")
			w.Header().Set("Retry-After", "60")
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "too many attempts, try again in a minute", Code: "rate_limited"})
			return
		}
	}

	var req redeemRequest
	if err := decode(w, r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.provisioning.OnCodeRedeemed(r.Context(), model.RedemptionInput{
		Code:        req.Code,
		Customer:    req.Customer,
		DisplayName: req.DisplayName,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleGetCard serves a card to the holder of its handoff token.
func (s *Server) handleGetCard(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	token, ok := bearer(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "missing handoff token", Code: "unauthorized"})
		return
	}
	claims, err := s.handoff.Parse(token)
	if err != nil || !strings.EqualFold(claims.Card, slug) {
		writeJSON(w, http.StatusForbidden, errorBody{Error: "handoff token does not grant access to this card", Code: "forbidden"})
		return
	}
	card, err := s.provisioning.GetCard(r.Context(), slug)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, card)
}

// bearer extracts the token of an "Authorization: Bearer <token>" header.
func bearer(r *http.Request) (string, bool) {
	parts := strings.Fields(r.Header.Get("Authorization"))
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}
