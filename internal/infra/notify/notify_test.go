//go:build !integration

package notify

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"

	"capinha/internal/config"
	"capinha/internal/domain/model"
	"capinha/internal/infra/i18n"
	"capinha/internal/infra/worker"
)

type fakeNotifier struct {
	mu   sync.Mutex
	got  []model.Notification
	fail error
}

func (f *fakeNotifier) Notify(ctx context.Context, n model.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.got = append(f.got, n)
	return nil
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.got)
}

type fakeAlerter struct {
	mu  sync.Mutex
	got []model.Alert
}

func (f *fakeAlerter) Alert(ctx context.Context, a model.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, a)
	return nil
}

type fakeSender struct {
	chats []int64
	texts []string
	fail  map[int64]error
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	msg := c.(tgbotapi.MessageConfig)
	if err := f.fail[msg.ChatID]; err != nil {
		return tgbotapi.Message{}, err
	}
	f.chats = append(f.chats, msg.ChatID)
	f.texts = append(f.texts, msg.Text)
	return tgbotapi.Message{}, nil
}

func TestDispatcher_DeliversAfterEnqueue(t *testing.T) {
	logger := zerolog.Nop()
	pool := worker.NewPool(2, 8, &logger)
	pool.Start(context.Background())

	n, a := &fakeNotifier{}, &fakeAlerter{}
	d := NewDispatcher(pool, n, a, DispatcherOptions{RatePerSec: 1000, Timeout: time.Second}, &logger)

	for i := 0; i < 3; i++ {
		if err := d.Notify(context.Background(), model.Notification{ID: "n", Kind: model.NotificationCodeIssued}); err != nil {
			t.Fatalf("notify: %v", err)
		}
	}
	if err := d.Alert(context.Background(), model.Alert{Severity: model.AlertWarning, Subject: "s"}); err != nil {
		t.Fatalf("alert: %v", err)
	}
	pool.Stop()

	if n.count() != 3 || len(a.got) != 1 {
		t.Errorf("expected 3 notifications and 1 alert, got %d and %d", n.count(), len(a.got))
	}
}

func TestDispatcher_ReportsSaturation(t *testing.T) {
	logger := zerolog.Nop()
	pool := worker.NewPool(1, 1, &logger) // never started
	d := NewDispatcher(pool, &fakeNotifier{}, &fakeAlerter{}, DispatcherOptions{}, &logger)

	if err := d.Notify(context.Background(), model.Notification{Kind: model.NotificationCodeIssued}); err != nil {
		t.Fatalf("first notify: %v", err)
	}
	if err := d.Notify(context.Background(), model.Notification{Kind: model.NotificationCodeIssued}); !errors.Is(err, worker.ErrQueueFull) {
		t.Errorf("expected queue full, got %v", err)
	}
}

func TestBreakerNotifier_OpensAfterConsecutiveFailures(t *testing.T) {
	logger := zerolog.Nop()
	next := &fakeNotifier{fail: errors.New("broker down")}
	b := NewBreakerNotifier("amqp", next, config.BreakerConfig{MaxRequests: 1, Timeout: time.Minute, ConsecutiveFailures: 3}, &logger)

	for i := 0; i < 3; i++ {
		if err := b.Notify(context.Background(), model.Notification{}); err == nil {
			t.Fatal("expected the failure to pass through")
		}
	}
	if b.State() != gobreaker.StateOpen {
		t.Fatalf("expected open breaker, got %s", b.State())
	}
	next.fail = nil
	if err := b.Notify(context.Background(), model.Notification{}); !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("expected fail-fast while open, got %v", err)
	}
	if next.count() != 0 {
		t.Error("expected no call to reach the notifier while open")
	}
}

func TestTelegramAlerter_SendsToEveryChat(t *testing.T) {
	logger := zerolog.Nop()
	s := &fakeSender{fail: map[int64]error{2: errors.New("blocked by user")}}
	a := newTelegramAlerter(s, []int64{1, 2, 3}, &logger)

	err := a.Alert(context.Background(), model.Alert{
		Severity: model.AlertCritical,
		Subject:  "activation code space exhausted",
		Detail:   "widen code_length",
		Fields:   map[string]string{"prefix": "CAP-", "attempts": "5"},
	})
	if err == nil {
		t.Error("expected the failed chat to be reported")
	}
	if len(s.chats) != 2 || s.chats[0] != 1 || s.chats[1] != 3 {
		t.Errorf("expected delivery to chats 1 and 3, got %v", s.chats)
	}
	text := s.texts[0]
	if !strings.Contains(text, "[CRITICAL] activation code space exhausted") || !strings.Contains(text, "attempts: 5\nprefix: CAP-") {
		t.Errorf("unexpected alert text %q", text)
	}
}

func TestRoutingKey(t *testing.T) {
	if got := RoutingKey(model.NotificationRedeemed); got != "notification.code_redeemed" {
		t.Errorf("unexpected routing key %q", got)
	}
}

func TestRenderer(t *testing.T) {
	tr, err := i18n.Load("pt-BR")
	if err != nil {
		t.Fatal(err)
	}
	cfg := &config.Config{}
	cfg.Provisioning.SetupPath = "/cards/%s/setup"
	r := NewRenderer(tr, config.Static(cfg))

	t.Run("should render the issued code in the configured language", func(t *testing.T) {
		m := r.Render(model.Notification{Kind: model.NotificationCodeIssued, Code: "CAP-AAAA-BBBB-CCCC", Plan: "basic", Customer: model.Customer{Name: "Ana"}})
		if m.Lang != "pt-BR" || !strings.Contains(m.Body, "CAP-AAAA-BBBB-CCCC") || !strings.Contains(m.Body, "Ana") {
			t.Errorf("unexpected message %+v", m)
		}
		if m.Subject == "notification.code_issued.subject" {
			t.Error("expected a translated subject")
		}
	})

	t.Run("should point redeemed cards at their setup step", func(t *testing.T) {
		m := r.Render(model.Notification{Kind: model.NotificationRedeemed, Code: "CAP-AAAA-BBBB-CCCC", CardSlug: "ana-0000abcd"})
		if !strings.Contains(m.Body, "/cards/ana-0000abcd/setup") {
			t.Errorf("expected the setup path in %q", m.Body)
		}
	})

	t.Run("should embed the message next to the notification fields", func(t *testing.T) {
		body, err := json.Marshal(newEnvelope(model.Notification{ID: "n-1", Kind: model.NotificationCodeIssued}, r))
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(string(body), `"id":"n-1"`) || !strings.Contains(string(body), `"message":{"lang":"pt-BR"`) {
			t.Errorf("unexpected envelope %s", body)
		}
		plain, _ := json.Marshal(newEnvelope(model.Notification{ID: "n-2"}, nil))
		if strings.Contains(string(plain), "message") {
			t.Errorf("expected no message without a renderer, got %s", plain)
		}
	})
}

type fakeChannel struct {
	published []amqp.Publishing
	fail      error
}

func (c *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if c.fail != nil {
		return c.fail
	}
	c.published = append(c.published, msg)
	return nil
}

func (c *fakeChannel) Close() error { return nil }

type fakeConn struct{ closed bool }

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

// fakeBroker hands out sessions and can drop the current one like a broker restart would.
type fakeBroker struct {
	dials    int
	down     error
	channels []*fakeChannel
	conns    []*fakeConn
	shutdown []chan *amqp.Error
}

func (b *fakeBroker) dial(url, exchange string) (*session, error) {
	b.dials++
	if b.down != nil {
		return nil, b.down
	}
	ch, conn, closed := &fakeChannel{}, &fakeConn{}, make(chan *amqp.Error, 1)
	b.channels = append(b.channels, ch)
	b.conns = append(b.conns, conn)
	b.shutdown = append(b.shutdown, closed)
	return &session{conn: conn, ch: ch, closed: []<-chan *amqp.Error{closed}}, nil
}

func (b *fakeBroker) restart() {
	last := b.shutdown[len(b.shutdown)-1]
	last <- &amqp.Error{Code: amqp.ConnectionForced, Reason: "broker restart"}
	close(last)
}

func TestAMQPNotifier_RedialsAfterConnectionLoss(t *testing.T) {
	ctx := context.Background()
	logger := zerolog.Nop()
	b := &fakeBroker{}
	p, err := newAMQPNotifier("amqp://test", "capinha.notifications", nil, b.dial, &logger)
	if err != nil {
		t.Fatal(err)
	}
	n := model.Notification{ID: "n1", Kind: model.NotificationCodeIssued, Code: "CAP-AAAA-BBBB-CCCC"}

	t.Run("should publish on the initial connection", func(t *testing.T) {
		if err := p.Notify(ctx, n); err != nil {
			t.Fatal(err)
		}
		if b.dials != 1 || len(b.channels[0].published) != 1 {
			t.Fatalf("expected one dial and one message, got %d dials", b.dials)
		}
	})

	t.Run("should fail while the broker is unreachable", func(t *testing.T) {
		b.restart()
		b.down = errors.New("connection refused")
		if err := p.Notify(ctx, n); err == nil {
			t.Fatal("expected an error while the broker is down")
		}
		if !b.conns[0].closed {
			t.Error("expected the dead connection to be closed")
		}
	})

	t.Run("should redial once the broker is back", func(t *testing.T) {
		b.down = nil
		if err := p.Notify(ctx, n); err != nil {
			t.Fatalf("expected publish after reconnect, got %v", err)
		}
		if b.dials != 3 || len(b.channels) != 2 || len(b.channels[1].published) != 1 {
			t.Fatalf("expected a fresh session to carry the message, got %d dials %d sessions", b.dials, len(b.channels))
		}
		if err := p.Notify(ctx, n); err != nil || b.dials != 3 {
			t.Fatalf("expected the live session to be reused, got %v after %d dials", err, b.dials)
		}
	})

	t.Run("should drop a session whose channel reports closed", func(t *testing.T) {
		b.channels[1].fail = amqp.ErrClosed
		if err := p.Notify(ctx, n); err == nil {
			t.Fatal("expected the publish error to surface")
		}
		if err := p.Notify(ctx, n); err != nil || b.dials != 4 {
			t.Fatalf("expected a redial after a closed channel, got %v after %d dials", err, b.dials)
		}
	})

	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
}
