// File: internal/config/config.go
package config

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type RuntimeConfig struct {
	Dev bool
}

type HTTPConfig struct {
	Port           int           `yaml:"port" env:"PORT,overwrite"`
	ReadTimeout    time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT,overwrite"`
	WriteTimeout   time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT,overwrite"`
	RequestTimeout time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT,overwrite"`
	// TrustedProxies lists the addresses or CIDRs whose X-Forwarded-For / X-Real-IP headers are
	// believed. Empty means the connection address is always the client address.
	TrustedProxies []string `yaml:"trusted_proxies" env:"TRUSTED_PROXIES,overwrite"`

	proxies []netip.Prefix
}

// TrustsProxy reports whether addr is one of the configured trusted proxies.
func (h HTTPConfig) TrustsProxy(addr string) bool {
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return false
	}
	ip = ip.Unmap()
	for _, p := range h.proxies {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

func parseProxies(list []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(list))
	for _, raw := range list {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if strings.Contains(raw, "/") {
			p, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("http.trusted_proxies: %w", err)
			}
			out = append(out, p.Masked())
			continue
		}
		ip, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("http.trusted_proxies: %w", err)
		}
		ip = ip.Unmap()
		out = append(out, netip.PrefixFrom(ip, ip.BitLen()))
	}
	return out, nil
}

type LogConfig struct {
	Level      string `yaml:"level" env:"LEVEL,overwrite"`   // trace|debug|info|warn|error
	Format     string `yaml:"format" env:"FORMAT,overwrite"` // json|console
	Sampling   bool   `yaml:"sampling" env:"SAMPLING,overwrite"`
	File       string `yaml:"file" env:"FILE,overwrite"` // empty = stdout only
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type DatabaseConfig struct {
	URL      string `yaml:"url" env:"URL,overwrite"`
	MaxConns int32  `yaml:"max_conns" env:"MAX_CONNS,overwrite"`
}

type RedisConfig struct {
	URL      string `yaml:"url" env:"URL,overwrite"` // empty disables rate limiting
	Password string `yaml:"password" env:"PASSWORD,overwrite"`
	DB       int    `yaml:"db" env:"DB,overwrite"`
}

type AdminConfig struct {
	APIKey string `yaml:"api_key" env:"API_KEY,overwrite"` // empty disables the admin API
}

type SecurityConfig struct {
	HandoffSecret string        `yaml:"handoff_secret" env:"HANDOFF_SECRET,overwrite"`
	HandoffTTL    time.Duration `yaml:"handoff_ttl" env:"HANDOFF_TTL,overwrite"`
}

type WebhookConfig struct {
	// Secret enables HMAC-SHA256 verification of the raw body when set.
	Secret          string `yaml:"secret" env:"SECRET,overwrite"`
	SignatureHeader string `yaml:"signature_header" env:"SIGNATURE_HEADER,overwrite"`
	Provider        string `yaml:"provider" env:"PROVIDER,overwrite"`
}

const (
	RefundPolicyKeep   = "keep"
	RefundPolicyExpire = "expire"
)

type ProvisioningConfig struct {
	CodePrefix      string            `yaml:"code_prefix" env:"CODE_PREFIX,overwrite"`
	CodeLength      int               `yaml:"code_length" env:"CODE_LENGTH,overwrite"`
	MaxCodeRetries  int               `yaml:"max_code_retries" env:"MAX_CODE_RETRIES,overwrite"`
	MaxBatch        int               `yaml:"max_batch" env:"MAX_BATCH,overwrite"`
	Currency        string            `yaml:"currency" env:"CURRENCY,overwrite"`
	DeferredMethods []string          `yaml:"deferred_methods" env:"DEFERRED_METHODS,overwrite"`
	InstantMethods  []string          `yaml:"instant_methods" env:"INSTANT_METHODS,overwrite"`
	DeferredTTL     time.Duration     `yaml:"deferred_ttl" env:"DEFERRED_TTL,overwrite"`
	Plans           map[string]string `yaml:"plans"` // plan -> price, e.g. "basic": "49.90"
	RefundPolicy    string            `yaml:"refund_policy" env:"REFUND_POLICY,overwrite"`
	SetupPath       string            `yaml:"setup_path"` // %s is replaced by the card slug

	prices map[string]decimal.Decimal
}

// PlanPrice returns the configured price of plan.
func (p ProvisioningConfig) PlanPrice(plan string) (decimal.Decimal, bool) {
	d, ok := p.prices[plan]
	return d, ok
}

// MethodKind reports whether method settles instantly, later, or is unknown.
func (p ProvisioningConfig) MethodKind(method string) (instant bool, known bool) {
	for _, m := range p.InstantMethods {
		if m == method {
			return true, true
		}
	}
	for _, m := range p.DeferredMethods {
		if m == method {
			return false, true
		}
	}
	return false, false
}

type BreakerConfig struct {
	MaxRequests         uint32        `yaml:"max_requests"`
	Interval            time.Duration `yaml:"interval"`
	Timeout             time.Duration `yaml:"timeout"`
	ConsecutiveFailures uint32        `yaml:"consecutive_failures"`
}

type NotifyConfig struct {
	AMQPURL    string        `yaml:"amqp_url" env:"AMQP_URL,overwrite"` // empty = log only
	Exchange   string        `yaml:"exchange" env:"EXCHANGE,overwrite"`
	Locale     string        `yaml:"locale" env:"LOCALE,overwrite"` // language of rendered customer messages
	Workers    int           `yaml:"workers" env:"WORKERS,overwrite"`
	QueueSize  int           `yaml:"queue_size" env:"QUEUE_SIZE,overwrite"`
	RatePerSec float64       `yaml:"rate_per_sec" env:"RATE_PER_SEC,overwrite"`
	Timeout    time.Duration `yaml:"timeout" env:"TIMEOUT,overwrite"`
	Breaker    BreakerConfig `yaml:"breaker"`
}

type TelegramAlertConfig struct {
	Token   string  `yaml:"token" env:"TOKEN,overwrite"` // empty = log only
	ChatIDs []int64 `yaml:"chat_ids" env:"CHAT_IDS,overwrite"`
}

type AlertsConfig struct {
	Telegram TelegramAlertConfig `yaml:"telegram" env:",prefix=TELEGRAM_"`
}

type ReconcileConfig struct {
	Interval time.Duration `yaml:"interval" env:"INTERVAL,overwrite"`
	Batch    int           `yaml:"batch" env:"BATCH,overwrite"`
}

type RateLimitConfig struct {
	RedeemPerMinute int `yaml:"redeem_per_minute" env:"REDEEM_PER_MINUTE,overwrite"`
}

type Config struct {
	HTTP         HTTPConfig         `yaml:"http" env:",prefix=CAPINHA_HTTP_"`
	Log          LogConfig          `yaml:"log" env:",prefix=CAPINHA_LOG_"`
	Database     DatabaseConfig     `yaml:"database" env:",prefix=CAPINHA_DATABASE_"`
	Redis        RedisConfig        `yaml:"redis" env:",prefix=CAPINHA_REDIS_"`
	Admin        AdminConfig        `yaml:"admin" env:",prefix=CAPINHA_ADMIN_"`
	Security     SecurityConfig     `yaml:"security" env:",prefix=CAPINHA_SECURITY_"`
	Webhook      WebhookConfig      `yaml:"webhook" env:",prefix=CAPINHA_WEBHOOK_"`
	Provisioning ProvisioningConfig `yaml:"provisioning" env:",prefix=CAPINHA_PROVISIONING_"`
	Notify       NotifyConfig       `yaml:"notify" env:",prefix=CAPINHA_NOTIFY_"`
	Alerts       AlertsConfig       `yaml:"alerts" env:",prefix=CAPINHA_ALERTS_"`
	Reconcile    ReconcileConfig    `yaml:"reconcile" env:",prefix=CAPINHA_RECONCILE_"`
	RateLimit    RateLimitConfig    `yaml:"ratelimit" env:",prefix=CAPINHA_RATELIMIT_"`

	Runtime RuntimeConfig `yaml:"-"`
}

// Load reads the YAML file at path, loads an optional .env next to the process, applies
// CAPINHA_* environment overrides, fills defaults and validates.
func Load(ctx context.Context, path string, dev bool) (*Config, error) {
	var cfg Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	_ = godotenv.Load()
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return nil, fmt.Errorf("apply environment: %w", err)
	}

	cfg.Runtime.Dev = dev
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.HTTP.Port <= 0 {
		cfg.HTTP.Port = 8080
	}
	if cfg.HTTP.ReadTimeout <= 0 {
		cfg.HTTP.ReadTimeout = 10 * time.Second
	}
	if cfg.HTTP.WriteTimeout <= 0 {
		cfg.HTTP.WriteTimeout = 15 * time.Second
	}
	if cfg.HTTP.RequestTimeout <= 0 {
		cfg.HTTP.RequestTimeout = 10 * time.Second
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Log.MaxSizeMB <= 0 {
		cfg.Log.MaxSizeMB = 100
	}
	if cfg.Log.MaxBackups <= 0 {
		cfg.Log.MaxBackups = 5
	}
	if cfg.Log.MaxAgeDays <= 0 {
		cfg.Log.MaxAgeDays = 28
	}
	if cfg.Database.MaxConns <= 0 {
		cfg.Database.MaxConns = 16
	}
	if cfg.Security.HandoffTTL <= 0 {
		cfg.Security.HandoffTTL = 30 * time.Minute
	}
	if cfg.Security.HandoffSecret == "" && cfg.Runtime.Dev {
		cfg.Security.HandoffSecret = "dev-handoff-secret"
	}
	if cfg.Webhook.SignatureHeader == "" {
		cfg.Webhook.SignatureHeader = "X-Signature"
	}
	if cfg.Webhook.Provider == "" {
		cfg.Webhook.Provider = "default"
	}

	p := &cfg.Provisioning
	if p.CodePrefix == "" {
		p.CodePrefix = "CAP-"
	}
	if p.CodeLength <= 0 {
		p.CodeLength = 12
	}
	if p.MaxCodeRetries <= 0 {
		p.MaxCodeRetries = 5
	}
	if p.MaxBatch <= 0 {
		p.MaxBatch = 5000
	}
	if p.Currency == "" {
		p.Currency = "BRL"
	}
	if len(p.DeferredMethods) == 0 {
		p.DeferredMethods = []string{"pix", "boleto"}
	}
	if len(p.InstantMethods) == 0 {
		p.InstantMethods = []string{"credit_card", "cash"}
	}
	if p.DeferredTTL <= 0 {
		p.DeferredTTL = 30 * time.Minute
	}
	if p.RefundPolicy == "" {
		p.RefundPolicy = RefundPolicyKeep
	}
	if p.SetupPath == "" {
		p.SetupPath = "/cards/%s/setup"
	}

	n := &cfg.Notify
	if n.Exchange == "" {
		n.Exchange = "capinha.notifications"
	}
	if n.Locale == "" {
		n.Locale = "pt-BR"
	}
	if n.Workers <= 0 {
		n.Workers = 4
	}
	if n.QueueSize <= 0 {
		n.QueueSize = 256
	}
	if n.RatePerSec <= 0 {
		n.RatePerSec = 20
	}
	if n.Timeout <= 0 {
		n.Timeout = 5 * time.Second
	}
	if n.Breaker.MaxRequests == 0 {
		n.Breaker.MaxRequests = 1
	}
	if n.Breaker.Timeout <= 0 {
		n.Breaker.Timeout = 30 * time.Second
	}
	if n.Breaker.ConsecutiveFailures == 0 {
		n.Breaker.ConsecutiveFailures = 5
	}

	if cfg.Reconcile.Interval <= 0 {
		cfg.Reconcile.Interval = time.Minute
	}
	if cfg.Reconcile.Batch <= 0 {
		cfg.Reconcile.Batch = 100
	}
	if cfg.RateLimit.RedeemPerMinute <= 0 {
		cfg.RateLimit.RedeemPerMinute = 10
	}
}

// Validate checks cross-field rules and parses the plan catalog.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return errors.New("database.url is required")
	}
	if c.Security.HandoffSecret == "" {
		return errors.New("security.handoff_secret is required")
	}
	proxies, err := parseProxies(c.HTTP.TrustedProxies)
	if err != nil {
		return err
	}
	c.HTTP.proxies = proxies

	p := &c.Provisioning
	if p.CodeLength < 8 {
		return fmt.Errorf("provisioning.code_length must be at least 8, got %d", p.CodeLength)
	}
	if strings.ContainsAny(p.CodePrefix, " \t\n") {
		return errors.New("provisioning.code_prefix must not contain whitespace")
	}
	if p.RefundPolicy != RefundPolicyKeep && p.RefundPolicy != RefundPolicyExpire {
		return fmt.Errorf("provisioning.refund_policy must be %q or %q", RefundPolicyKeep, RefundPolicyExpire)
	}
	for _, m := range p.InstantMethods {
		for _, d := range p.DeferredMethods {
			if m == d {
				return fmt.Errorf("payment method %q is both instant and deferred", m)
			}
		}
	}
	if len(p.Plans) == 0 {
		return errors.New("provisioning.plans must define at least one plan")
	}
	p.prices = make(map[string]decimal.Decimal, len(p.Plans))
	for plan, raw := range p.Plans {
		price, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("provisioning.plans[%s]: %w", plan, err)
		}
		if !price.IsPositive() {
			return fmt.Errorf("provisioning.plans[%s]: price must be positive", plan)
		}
		if !price.Equal(price.Round(2)) {
			return fmt.Errorf("provisioning.plans[%s]: price has more than two decimal places", plan)
		}
		p.prices[plan] = price
	}
	return nil
}

// Provider owns the live configuration. Components read Current() on every use, so a successful
// Reload is visible to them without restarting.
type Provider struct {
	path   string
	dev    bool
	static bool
	cur    atomic.Pointer[Config]
}

func NewProvider(ctx context.Context, path string, dev bool) (*Provider, error) {
	cfg, err := Load(ctx, path, dev)
	if err != nil {
		return nil, err
	}
	p := &Provider{path: path, dev: dev}
	p.cur.Store(cfg)
	return p, nil
}

// Static wraps an already built configuration. Reload keeps it as is.
func Static(cfg *Config) *Provider {
	p := &Provider{static: true}
	p.cur.Store(cfg)
	return p
}

func (p *Provider) Current() *Config {
	return p.cur.Load()
}

// Reload re-reads the same sources. The live configuration is swapped only when the new one
// validates; on error the previous one stays in effect.
func (p *Provider) Reload(ctx context.Context) (*Config, error) {
	if p.static {
		return p.cur.Load(), nil
	}
	cfg, err := Load(ctx, p.path, p.dev)
	if err != nil {
		return p.cur.Load(), fmt.Errorf("reload config: %w", err)
	}
	p.cur.Store(cfg)
	return cfg, nil
}
