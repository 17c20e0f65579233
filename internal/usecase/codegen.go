package usecase

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"

	"capinha/internal/config"
	"capinha/internal/domain"
	"capinha/internal/domain/model"
	"capinha/internal/domain/ports/adapter"
	"capinha/internal/domain/ports/repository"
	"capinha/internal/infra/metrics"
)

// codeAlphabet avoids ambiguous characters like O/0, I/1, l.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// CodeGenerator produces activation codes that do not exist in the store yet.
type CodeGenerator struct {
	codes   repository.ActivationCodeRepository
	cfg     *config.Provider
	alerter adapter.Alerter
	rand    io.Reader
	log     *zerolog.Logger
}

func NewCodeGenerator(codes repository.ActivationCodeRepository, cfg *config.Provider, alerter adapter.Alerter, logger *zerolog.Logger) *CodeGenerator {
	l := logger.With().Str("component", "CodeGenerator").Logger()
	return &CodeGenerator{codes: codes, cfg: cfg, alerter: alerter, rand: rand.Reader, log: &l}
}

// Generate returns a fresh code. taken holds codes reserved earlier in the same unit of work
// (a batch) that are not visible in the store yet; it may be nil.
// After max_code_retries collisions it raises an operator alert and returns a capacity error.
func (g *CodeGenerator) Generate(ctx context.Context, tx repository.Tx, taken map[string]struct{}) (string, error) {
	pc := g.cfg.Current().Provisioning
	for attempt := 1; attempt <= pc.MaxCodeRetries; attempt++ {
		code, err := g.candidate(pc.CodePrefix, pc.CodeLength)
		if err != nil {
			return "", fmt.Errorf("generate code: %w", err)
		}
		if _, dup := taken[code]; dup {
			metrics.IncCodeCollision()
			continue
		}
		exists, err := g.codes.Exists(ctx, tx, code)
		if err != nil {
			return "", domain.Persistence(err, "check code uniqueness")
		}
		if exists {
			metrics.IncCodeCollision()
			g.log.Debug().Int("attempt", attempt).Msg("code collision, retrying")
			continue
		}
		return code, nil
	}

	g.log.Error().Int("retries", pc.MaxCodeRetries).Str("prefix", pc.CodePrefix).Msg("code space exhausted")
	if g.alerter != nil {
		if err := g.alerter.Alert(ctx, model.Alert{
			Severity: model.AlertCritical,
			Subject:  "activation code space exhausted",
			Detail:   fmt.Sprintf("%d consecutive collisions generating %q codes; widen code_length or change code_prefix", pc.MaxCodeRetries, pc.CodePrefix),
		}); err != nil {
			g.log.Warn().Err(err).Msg("capacity alert not delivered")
		}
	}
	return "", domain.Capacity("no free activation code after %d attempts", pc.MaxCodeRetries)
}

// GenerateBatch returns n distinct fresh codes. Nothing is persisted.
func (g *CodeGenerator) GenerateBatch(ctx context.Context, tx repository.Tx, n int) ([]string, error) {
	taken := make(map[string]struct{}, n)
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		code, err := g.Generate(ctx, tx, taken)
		if err != nil {
			return nil, err
		}
		taken[code] = struct{}{}
		out = append(out, code)
	}
	return out, nil
}

// candidate formats length random symbols in groups of four: PREFIX + XXXX-XXXX-XXXX.
func (g *CodeGenerator) candidate(prefix string, length int) (string, error) {
	buf := make([]byte, length)
	if _, err := io.ReadFull(g.rand, buf); err != nil {
		return "", err
	}
	var sb strings.Builder
	sb.Grow(len(prefix) + length + length/4)
	sb.WriteString(prefix)
	for i, b := range buf {
		if i > 0 && i%4 == 0 {
			sb.WriteByte('-')
		}
		// 256 is a multiple of len(codeAlphabet), so the modulo is unbiased.
		sb.WriteByte(codeAlphabet[int(b)%len(codeAlphabet)])
	}
	return strings.ToUpper(sb.String()), nil
}
