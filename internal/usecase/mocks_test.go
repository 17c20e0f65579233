//go:build !integration

package usecase_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"

	"capinha/internal/config"
	"capinha/internal/domain"
	"capinha/internal/domain/model"
	"capinha/internal/domain/ports/adapter"
	"capinha/internal/domain/ports/repository"
	"capinha/internal/usecase"
)

// -----------------------------
// In-memory store shared by all repositories
// -----------------------------

// memStore keeps every table in maps. Writes made with a *memTx handle are undone when the
// transaction function fails; reads of a payment with a *memTx take a per-row lock held until
// the transaction ends, like SELECT ... FOR UPDATE.
type memStore struct {
	mu       sync.Mutex
	codes    map[string]*model.ActivationCode
	payments map[string]*model.Payment
	cards    map[string]*model.Card // by id
	events   map[string]*model.WebhookEvent
	rowLocks map[string]*sync.Mutex
}

func newMemStore() *memStore {
	return &memStore{
		codes:    make(map[string]*model.ActivationCode),
		payments: make(map[string]*model.Payment),
		cards:    make(map[string]*model.Card),
		events:   make(map[string]*model.WebhookEvent),
		rowLocks: make(map[string]*sync.Mutex),
	}
}

type memTx struct {
	undo []func()
	held map[string]*sync.Mutex
}

// onUndo must be called with s.mu held.
func (s *memStore) onUndo(tx repository.Tx, fn func()) {
	if t, ok := tx.(*memTx); ok {
		t.undo = append(t.undo, fn)
	}
}

func (s *memStore) lockRow(tx repository.Tx, key string) {
	t, ok := tx.(*memTx)
	if !ok {
		return
	}
	if _, mine := t.held[key]; mine {
		return
	}
	s.mu.Lock()
	l, found := s.rowLocks[key]
	if !found {
		l = &sync.Mutex{}
		s.rowLocks[key] = l
	}
	s.mu.Unlock()
	l.Lock()
	t.held[key] = l
}

// memTxManager runs fn with a fresh *memTx and rolls back its writes on error.
type memTxManager struct {
	s       *memStore
	commits int
}

var _ repository.TransactionManager = (*memTxManager)(nil)

func (m *memTxManager) WithTx(ctx context.Context, _ pgx.TxOptions, fn func(ctx context.Context, tx repository.Tx) error) error {
	tx := &memTx{held: make(map[string]*sync.Mutex)}
	err := fn(ctx, tx)
	m.s.mu.Lock()
	if err != nil {
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
	} else {
		m.commits++
	}
	m.s.mu.Unlock()
	for _, l := range tx.held {
		l.Unlock()
	}
	return err
}

// -----------------------------
// Activation codes
// -----------------------------

type memCodeRepo struct {
	s *memStore
	// afterFind runs after every FindByCode outside the store lock.
	afterFind func(code string)
	// existsFn overrides Exists when set.
	existsFn func(code string) bool
}

var _ repository.ActivationCodeRepository = (*memCodeRepo)(nil)

func cloneCode(c *model.ActivationCode) *model.ActivationCode {
	cp := *c
	return &cp
}

func (r *memCodeRepo) insertLocked(tx repository.Tx, c *model.ActivationCode) error {
	if _, dup := r.s.codes[c.Code]; dup {
		return fmt.Errorf("code %s: %w", c.Code, domain.ErrAlreadyExists)
	}
	if c.PaymentID != nil {
		for _, other := range r.s.codes {
			if other.PaymentID != nil && *other.PaymentID == *c.PaymentID {
				return fmt.Errorf("payment %s: %w", *c.PaymentID, domain.ErrAlreadyExists)
			}
		}
	}
	r.s.codes[c.Code] = cloneCode(c)
	key := c.Code
	r.s.onUndo(tx, func() { delete(r.s.codes, key) })
	return nil
}

func (r *memCodeRepo) Create(ctx context.Context, tx repository.Tx, c *model.ActivationCode) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.insertLocked(tx, c)
}

func (r *memCodeRepo) CreateBatch(ctx context.Context, tx repository.Tx, codes []*model.ActivationCode) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	seen := make(map[string]bool, len(codes))
	for _, c := range codes {
		if _, dup := r.s.codes[c.Code]; dup || seen[c.Code] {
			return fmt.Errorf("code %s: %w", c.Code, domain.ErrAlreadyExists)
		}
		seen[c.Code] = true
	}
	for _, c := range codes {
		if err := r.insertLocked(tx, c); err != nil {
			return err
		}
	}
	return nil
}

func (r *memCodeRepo) Exists(ctx context.Context, tx repository.Tx, code string) (bool, error) {
	if r.existsFn != nil {
		return r.existsFn(code), nil
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	_, ok := r.s.codes[code]
	return ok, nil
}

func (r *memCodeRepo) FindByCode(ctx context.Context, tx repository.Tx, code string) (*model.ActivationCode, error) {
	r.s.mu.Lock()
	c, ok := r.s.codes[code]
	var out *model.ActivationCode
	if ok {
		out = cloneCode(c)
	}
	r.s.mu.Unlock()
	if r.afterFind != nil {
		r.afterFind(code)
	}
	if !ok {
		return nil, domain.ErrNotFound
	}
	return out, nil
}

func (r *memCodeRepo) FindByPaymentID(ctx context.Context, tx repository.Tx, paymentID string) (*model.ActivationCode, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, c := range r.s.codes {
		if c.PaymentID != nil && *c.PaymentID == paymentID {
			return cloneCode(c), nil
		}
	}
	return nil, domain.ErrNotFound
}

// update applies fn to the stored code when its status is one of from.
func (r *memCodeRepo) update(tx repository.Tx, code string, from []model.CodeStatus, fn func(c *model.ActivationCode)) bool {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.codes[code]
	if !ok {
		return false
	}
	match := false
	for _, f := range from {
		if c.Status == f {
			match = true
		}
	}
	if !match {
		return false
	}
	prev := cloneCode(c)
	fn(c)
	r.s.onUndo(tx, func() { r.s.codes[code] = prev })
	return true
}

func (r *memCodeRepo) MarkSold(ctx context.Context, tx repository.Tx, code string, sale model.SaleDetails, at time.Time) (bool, error) {
	return r.update(tx, code, []model.CodeStatus{model.CodeStatusAvailable}, func(c *model.ActivationCode) {
		c.Status = model.CodeStatusSold
		c.Customer = sale.Customer
		c.PaymentMethod = sale.PaymentMethod
		if sale.Amount != nil {
			c.Amount = sale.Amount
		}
		c.SoldAt = &at
	}), nil
}

func (r *memCodeRepo) Activate(ctx context.Context, tx repository.Tx, code string, at time.Time) (bool, error) {
	return r.update(tx, code, []model.CodeStatus{model.CodeStatusSold}, func(c *model.ActivationCode) {
		c.Status = model.CodeStatusActivated
		c.ActivatedAt = &at
	}), nil
}

func (r *memCodeRepo) Expire(ctx context.Context, tx repository.Tx, code string, at time.Time) (bool, error) {
	return r.update(tx, code, []model.CodeStatus{model.CodeStatusAvailable, model.CodeStatusSold}, func(c *model.ActivationCode) {
		c.Status = model.CodeStatusExpired
		c.ExpiredAt = &at
	}), nil
}

func (r *memCodeRepo) List(ctx context.Context, tx repository.Tx, f model.CodeFilter) ([]*model.ActivationCode, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*model.ActivationCode
	for _, c := range r.s.codes {
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		if f.Plan != "" && c.Plan != f.Plan {
			continue
		}
		out = append(out, cloneCode(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r *memCodeRepo) ListActivatedWithoutCard(ctx context.Context, tx repository.Tx, limit int) ([]*model.ActivationCode, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	used := make(map[string]bool)
	for _, card := range r.s.cards {
		if card.ActivationCode != nil {
			used[*card.ActivationCode] = true
		}
	}
	var out []*model.ActivationCode
	for _, c := range r.s.codes {
		if c.Status == model.CodeStatusActivated && !used[c.Code] {
			out = append(out, cloneCode(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// put stores c directly, bypassing every check.
func (r *memCodeRepo) put(c *model.ActivationCode) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.codes[c.Code] = cloneCode(c)
}

func (r *memCodeRepo) get(code string) *model.ActivationCode {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if c, ok := r.s.codes[code]; ok {
		return cloneCode(c)
	}
	return nil
}

func (r *memCodeRepo) count() int {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return len(r.s.codes)
}

// -----------------------------
// Payments
// -----------------------------

type memPaymentRepo struct {
	s *memStore
	// linkErr makes LinkActivationCode fail.
	linkErr error
}

var _ repository.PaymentRepository = (*memPaymentRepo)(nil)

func clonePayment(p *model.Payment) *model.Payment {
	cp := *p
	return &cp
}

func (r *memPaymentRepo) Create(ctx context.Context, tx repository.Tx, p *model.Payment) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, dup := r.s.payments[p.PaymentID]; dup {
		return fmt.Errorf("payment %s: %w", p.PaymentID, domain.ErrAlreadyExists)
	}
	r.s.payments[p.PaymentID] = clonePayment(p)
	id := p.PaymentID
	r.s.onUndo(tx, func() { delete(r.s.payments, id) })
	return nil
}

func (r *memPaymentRepo) FindByPaymentID(ctx context.Context, tx repository.Tx, paymentID string) (*model.Payment, error) {
	r.s.lockRow(tx, "payment:"+paymentID)
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.payments[paymentID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return clonePayment(p), nil
}

func (r *memPaymentRepo) update(tx repository.Tx, paymentID string, fn func(p *model.Payment) bool) bool {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.payments[paymentID]
	if !ok {
		return false
	}
	prev := clonePayment(p)
	if !fn(p) {
		return false
	}
	r.s.onUndo(tx, func() { r.s.payments[paymentID] = prev })
	return true
}

func (r *memPaymentRepo) TransitionStatus(ctx context.Context, tx repository.Tx, paymentID string, from []model.PaymentStatus, to model.PaymentStatus, payload json.RawMessage, at time.Time) (bool, error) {
	return r.update(tx, paymentID, func(p *model.Payment) bool {
		match := false
		for _, f := range from {
			if p.Status == f {
				match = true
			}
		}
		if !match {
			return false
		}
		p.Status = to
		p.UpdatedAt = at
		if payload != nil {
			p.GatewayResponse = payload
		}
		if to == model.PaymentStatusPaid {
			p.PaidAt = &at
		}
		return true
	}), nil
}

func (r *memPaymentRepo) LinkActivationCode(ctx context.Context, tx repository.Tx, paymentID, code string) (bool, error) {
	if r.linkErr != nil {
		return false, r.linkErr
	}
	return r.update(tx, paymentID, func(p *model.Payment) bool {
		if p.ActivationCode != nil {
			return false
		}
		p.ActivationCode = &code
		return true
	}), nil
}

func (r *memPaymentRepo) LinkArtifact(ctx context.Context, tx repository.Tx, paymentID, cardID string) (bool, error) {
	return r.update(tx, paymentID, func(p *model.Payment) bool {
		if p.ArtifactID != nil {
			return false
		}
		p.ArtifactID = &cardID
		return true
	}), nil
}

func (r *memPaymentRepo) ListPaidWithoutCode(ctx context.Context, tx repository.Tx, limit int) ([]*model.Payment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*model.Payment
	for _, p := range r.s.payments {
		if p.Status == model.PaymentStatusPaid && p.ActivationCode == nil {
			out = append(out, clonePayment(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PaymentID < out[j].PaymentID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memPaymentRepo) put(p *model.Payment) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.payments[p.PaymentID] = clonePayment(p)
}

func (r *memPaymentRepo) get(id string) *model.Payment {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if p, ok := r.s.payments[id]; ok {
		return clonePayment(p)
	}
	return nil
}

// -----------------------------
// Cards
// -----------------------------

type memCardRepo struct {
	s *memStore
}

var _ repository.CardRepository = (*memCardRepo)(nil)

func (r *memCardRepo) Create(ctx context.Context, tx repository.Tx, c *model.Card) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, other := range r.s.cards {
		if other.Slug == c.Slug {
			return fmt.Errorf("slug %s: %w", c.Slug, domain.ErrAlreadyExists)
		}
		if c.ActivationCode != nil && other.ActivationCode != nil && *other.ActivationCode == *c.ActivationCode {
			return fmt.Errorf("code %s: %w", *c.ActivationCode, domain.ErrAlreadyExists)
		}
	}
	cp := *c
	r.s.cards[c.ID] = &cp
	id := c.ID
	r.s.onUndo(tx, func() { delete(r.s.cards, id) })
	return nil
}

func (r *memCardRepo) FindBySlug(ctx context.Context, tx repository.Tx, slug string) (*model.Card, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, c := range r.s.cards {
		if c.Slug == slug {
			cp := *c
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *memCardRepo) FindByActivationCode(ctx context.Context, tx repository.Tx, code string) (*model.Card, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, c := range r.s.cards {
		if c.ActivationCode != nil && *c.ActivationCode == code {
			cp := *c
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *memCardRepo) count() int {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return len(r.s.cards)
}

// -----------------------------
// Webhook events
// -----------------------------

type memEventRepo struct {
	s *memStore
	// markErr makes MarkProcessed fail.
	markErr error
}

var _ repository.WebhookEventRepository = (*memEventRepo)(nil)

func (r *memEventRepo) Record(ctx context.Context, tx repository.Tx, e *model.WebhookEvent) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	key := e.Provider + "|" + e.DedupeKey
	if _, dup := r.s.events[key]; dup {
		return false, nil
	}
	cp := *e
	r.s.events[key] = &cp
	return true, nil
}

func (r *memEventRepo) FindByDedupeKey(ctx context.Context, tx repository.Tx, provider, dedupeKey string) (*model.WebhookEvent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.events[provider+"|"+dedupeKey]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (r *memEventRepo) MarkProcessed(ctx context.Context, tx repository.Tx, id string, outcome model.WebhookOutcome, needsReview bool, errMsg string, at time.Time) error {
	if r.markErr != nil {
		return r.markErr
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, e := range r.s.events {
		if e.ID == id {
			e.Outcome = outcome
			e.NeedsReview = needsReview
			e.Error = errMsg
			e.ProcessedAt = &at
			return nil
		}
	}
	return domain.ErrNotFound
}

func (r *memEventRepo) ListNeedingReview(ctx context.Context, tx repository.Tx, limit int) ([]*model.WebhookEvent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*model.WebhookEvent
	for _, e := range r.s.events {
		if e.NeedsReview {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memEventRepo) all() []*model.WebhookEvent {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*model.WebhookEvent
	for _, e := range r.s.events {
		cp := *e
		out = append(out, &cp)
	}
	return out
}

// -----------------------------
// Adapters
// -----------------------------

type stubHandoff struct{}

var _ adapter.HandoffIssuer = stubHandoff{}

func (stubHandoff) Issue(code *model.ActivationCode, card *model.Card) (string, error) {
	return "handoff:" + code.Code + ":" + card.Slug, nil
}

type recordingNotifier struct {
	mu  sync.Mutex
	got []model.Notification
}

func (n *recordingNotifier) Notify(ctx context.Context, msg model.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.got = append(n.got, msg)
	return nil
}

func (n *recordingNotifier) kinds() []model.NotificationKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]model.NotificationKind, 0, len(n.got))
	for _, m := range n.got {
		out = append(out, m.Kind)
	}
	return out
}

type recordingAlerter struct {
	mu  sync.Mutex
	got []model.Alert
}

func (a *recordingAlerter) Alert(ctx context.Context, al model.Alert) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.got = append(a.got, al)
	return nil
}

func (a *recordingAlerter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.got)
}

func (a *recordingAlerter) last() model.Alert {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.got) == 0 {
		return model.Alert{}
	}
	return a.got[len(a.got)-1]
}

// zeroReader always yields zero bytes, so every candidate code is identical.
type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// -----------------------------
// Wiring
// -----------------------------

const testConfigYAML = `
database:
  url: postgres://localhost/capinha_test
security:
  handoff_secret: test-secret
provisioning:
  code_prefix: "CAP-"
  code_length: 12
  max_code_retries: 5
  max_batch: 2000
  currency: BRL
  deferred_methods: [pix, boleto]
  instant_methods: [credit_card, cash]
  deferred_ttl: 30m
  refund_policy: %s
  plans:
    basic: "49.90"
    premium: "99.00"
`

func newTestLogger() *zerolog.Logger {
	logger := zerolog.New(io.Discard)
	return &logger
}

func newTestConfig(t *testing.T, refundPolicy string) *config.Provider {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(fmt.Sprintf(testConfigYAML, refundPolicy)), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.NewProvider(context.Background(), path, false)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return cfg
}

// harness wires the real use cases over the in-memory store.
type harness struct {
	store    *memStore
	codes    *memCodeRepo
	payments *memPaymentRepo
	cards    *memCardRepo
	events   *memEventRepo
	tm       *memTxManager
	notifier *recordingNotifier
	alerter  *recordingAlerter
	cfg      *config.Provider

	gen          *usecase.CodeGenerator
	codeUC       usecase.ActivationCodeUseCase
	paymentUC    usecase.PaymentUseCase
	provisioning usecase.ProvisioningUseCase
	webhooks     usecase.WebhookUseCase
	clock        *testClock
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newHarness(t *testing.T) *harness {
	return newHarnessWithPolicy(t, config.RefundPolicyKeep)
}

func newHarnessWithPolicy(t *testing.T, refundPolicy string) *harness {
	t.Helper()
	s := newMemStore()
	h := &harness{
		store:    s,
		codes:    &memCodeRepo{s: s},
		payments: &memPaymentRepo{s: s},
		cards:    &memCardRepo{s: s},
		events:   &memEventRepo{s: s},
		tm:       &memTxManager{s: s},
		notifier: &recordingNotifier{},
		alerter:  &recordingAlerter{},
		cfg:      newTestConfig(t, refundPolicy),
		clock:    &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	log := newTestLogger()

	h.gen = usecase.NewCodeGenerator(h.codes, h.cfg, h.alerter, log)
	codeUC := usecase.NewActivationCodeUseCase(h.codes, h.gen, h.tm, h.cfg, log)
	prov := usecase.NewProvisioningUseCase(h.codes, h.payments, h.cards, codeUC, h.gen, stubHandoff{}, h.notifier, h.alerter, h.tm, h.cfg, log)
	payUC := usecase.NewPaymentUseCase(h.payments, prov, h.alerter, h.tm, h.cfg, log)
	hooks := usecase.NewWebhookUseCase(h.events, h.payments, payUC, h.alerter, h.cfg, log)
	for _, uc := range []any{codeUC, prov, payUC, hooks} {
		usecase.SetClock(uc, h.clock.Now)
	}

	h.codeUC = codeUC
	h.provisioning = prov
	h.paymentUC = payUC
	h.webhooks = hooks
	return h
}

func customer() model.Customer {
	return model.Customer{Name: "Ana Souza", Email: "ana@example.com", Phone: "+55 11 99999-0000"}
}

// openDeferred opens a pix checkout and fails the test on error.
func (h *harness) openDeferred(t *testing.T) *model.Payment {
	t.Helper()
	co, err := h.paymentUC.Open(context.Background(), model.CheckoutDetails{Plan: "basic", Method: "pix", Customer: customer()})
	if err != nil {
		t.Fatalf("open checkout: %v", err)
	}
	return co.Payment
}
