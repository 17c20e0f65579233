// File: internal/infra/notify/amqp.go
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"capinha/internal/domain/model"
	"capinha/internal/domain/ports/adapter"
)

var _ adapter.Notifier = (*AMQPNotifier)(nil)

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// session is one dialed connection with its channel. closed fires when the broker or the
// library shuts either of them down.
type session struct {
	conn   io.Closer
	ch     amqpChannel
	closed []<-chan *amqp.Error
}

func (s *session) alive() bool {
	for _, c := range s.closed {
		select {
		case <-c:
			return false
		default:
		}
	}
	return true
}

func (s *session) close() error {
	_ = s.ch.Close()
	return s.conn.Close()
}

type dialFunc func(url, exchange string) (*session, error)

func dialSession(url, exchange string) (*session, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	err = ch.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &session{
		conn:   conn,
		ch:     ch,
		closed: []<-chan *amqp.Error{conn.NotifyClose(make(chan *amqp.Error, 1)), ch.NotifyClose(make(chan *amqp.Error, 1))},
	}, nil
}

// AMQPNotifier publishes customer notifications to a durable topic exchange. The routing key is
// "notification.<kind>", so delivery services bind only to the kinds they handle. A lost
// connection is redialed on the next publish.
type AMQPNotifier struct {
	url      string
	exchange string
	renderer *Renderer
	dial     dialFunc
	sess     *session
	log      *zerolog.Logger
	mu       sync.Mutex
}

// NewAMQPNotifier connects and declares the exchange. renderer may be nil, in which case messages
// carry no rendered text.
func NewAMQPNotifier(url, exchange string, renderer *Renderer, logger *zerolog.Logger) (*AMQPNotifier, error) {
	return newAMQPNotifier(url, exchange, renderer, dialSession, logger)
}

func newAMQPNotifier(url, exchange string, renderer *Renderer, dial dialFunc, logger *zerolog.Logger) (*AMQPNotifier, error) {
	l := logger.With().Str("component", "AMQPNotifier").Logger()
	sess, err := dial(url, exchange)
	if err != nil {
		return nil, err
	}
	l.Info().Str("exchange", exchange).Msg("RabbitMQ publisher connected")
	return &AMQPNotifier{url: url, exchange: exchange, renderer: renderer, dial: dial, sess: sess, log: &l}, nil
}

// session returns a live session, redialing when the previous one was closed. Callers hold p.mu.
func (p *AMQPNotifier) session() (*session, error) {
	if p.sess != nil && p.sess.alive() {
		return p.sess, nil
	}
	if p.sess != nil {
		p.log.Warn().Msg("RabbitMQ connection lost, redialing")
		_ = p.sess.close()
		p.sess = nil
	}
	sess, err := p.dial(p.url, p.exchange)
	if err != nil {
		return nil, err
	}
	p.sess = sess
	p.log.Info().Str("exchange", p.exchange).Msg("RabbitMQ publisher reconnected")
	return sess, nil
}

func RoutingKey(kind model.NotificationKind) string {
	return "notification." + string(kind)
}

func (p *AMQPNotifier) Notify(ctx context.Context, n model.Notification) error {
	body, err := json.Marshal(newEnvelope(n, p.renderer))
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	sess, err := p.session()
	if err != nil {
		return fmt.Errorf("publish %s: %w", n.Kind, err)
	}
	err = sess.ch.PublishWithContext(ctx,
		p.exchange,
		RoutingKey(n.Kind),
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    n.ID,
			Timestamp:    time.Now(),
			Type:         string(n.Kind),
			Body:         body,
		},
	)
	if err != nil {
		if errors.Is(err, amqp.ErrClosed) || !sess.alive() {
			_ = sess.close()
			p.sess = nil
		}
		return fmt.Errorf("publish %s: %w", n.Kind, err)
	}
	p.log.Debug().Str("routing_key", RoutingKey(n.Kind)).Int("size", len(body)).Msg("notification published")
	return nil
}

func (p *AMQPNotifier) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sess == nil {
		return nil
	}
	err := p.sess.close()
	p.sess = nil
	return err
}
