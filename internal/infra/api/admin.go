package api

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"capinha/internal/domain"
	"capinha/internal/domain/model"
	"capinha/internal/infra/logging"
	"capinha/internal/infra/metrics"
)

// adminAuth provides Bearer API key authentication for the admin API. The key is read per
// request so a config reload can rotate it.
func (s *Server) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := s.cfg.Current().Admin.APIKey
		if key == "" {
			s.log.Error().Msg("admin API key is not configured")
			metrics.IncAdminRequest("disabled")
			writeJSON(w, http.StatusForbidden, errorBody{Error: "admin API disabled", Code: "forbidden"})
			return
		}
		if r.Header.Get("Authorization") == "" {
			metrics.IncAdminRequest("unauthorized")
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized", Code: "unauthorized"})
			return
		}
		token, ok := bearer(r)
		if !ok {
			metrics.IncAdminRequest("unauthorized")
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "malformed token", Code: "unauthorized"})
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(key)) != 1 {
			metrics.IncAdminRequest("forbidden")
			writeJSON(w, http.StatusForbidden, errorBody{Error: "forbidden", Code: "forbidden"})
			return
		}
		metrics.IncAdminRequest("authorized")
		next.ServeHTTP(w, r)
	})
}

type batchRequest struct {
	Quantity      int              `json:"quantity"`
	Plan          string           `json:"plan"`
	Customer      *model.Customer  `json:"customer,omitempty"`
	PaymentMethod string           `json:"payment_method,omitempty"`
	Amount        *decimal.Decimal `json:"amount,omitempty"`
}

func (s *Server) handleIssueBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decode(w, r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	codes, err := s.codes.IssueBatch(r.Context(), model.BatchRequest{
		Quantity:      req.Quantity,
		Plan:          req.Plan,
		Customer:      req.Customer,
		PaymentMethod: req.PaymentMethod,
		Amount:        req.Amount,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"count": len(codes), "codes": codes})
}

func (s *Server) handleListCodes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := model.CodeFilter{Status: model.CodeStatus(q.Get("status")), Plan: q.Get("plan")}
	var err error
	if f.Limit, err = intParam(q.Get("limit"), 50); err != nil {
		s.writeError(w, r, err)
		return
	}
	if f.Offset, err = intParam(q.Get("offset"), 0); err != nil {
		s.writeError(w, r, err)
		return
	}
	codes, err := s.codes.List(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": codes, "limit": f.Limit, "offset": f.Offset})
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, domain.Validation("invalid number %q", raw)
	}
	return n, nil
}

func (s *Server) handleGetCode(w http.ResponseWriter, r *http.Request) {
	c, err := s.codes.Get(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type saleRequest struct {
	Customer      model.Customer   `json:"customer"`
	PaymentMethod string           `json:"payment_method"`
	Amount        *decimal.Decimal `json:"amount,omitempty"`
}

func (s *Server) handleSellCode(w http.ResponseWriter, r *http.Request) {
	var req saleRequest
	if err := decode(w, r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	c, err := s.codes.MarkSold(r.Context(), chi.URLParam(r, "code"), model.SaleDetails{
		Customer:      req.Customer,
		PaymentMethod: req.PaymentMethod,
		Amount:        req.Amount,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleExpireCode(w http.ResponseWriter, r *http.Request) {
	c, err := s.codes.Expire(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// handlePaymentTransition applies an operator-driven transition. A JSON body, when given, is
// stored as the gateway response.
func (s *Server) handlePaymentTransition(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, r, domain.Validation("invalid request body"))
		return
	}
	var payload json.RawMessage
	if len(body) > 0 {
		if !json.Valid(body) {
			s.writeError(w, r, domain.Validation("request body must be JSON"))
			return
		}
		payload = body
	}

	ctx := logging.WithPaymentID(r.Context(), id)
	var p *model.Payment
	switch chi.URLParam(r, "action") {
	case "fail":
		p, err = s.payments.MarkFailed(ctx, id, payload)
	case "refund":
		p, err = s.payments.MarkRefunded(ctx, id, payload)
	default:
		p, err = s.payments.Cancel(ctx, id, payload)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleWebhookReview(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r.URL.Query().Get("limit"), 100)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	events, err := s.webhooks.ListReview(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": events})
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	report, err := s.provisioning.Reconcile(r.Context(), s.cfg.Current().Reconcile.Batch)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"repaired": report.Repaired,
		"failed":   report.Failed,
		"orphans":  report.Orphans,
	})
}

func (s *Server) handleConfigReload(w http.ResponseWriter, r *http.Request) {
	if _, err := s.cfg.Reload(r.Context()); err != nil {
		l := logging.With(r.Context(), s.log)
		l.Error().Err(err).Msg("config reload rejected")
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: err.Error(), Code: "invalid_config"})
		return
	}
	s.log.Info().Msg("config reloaded")
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}
