package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var errPoolClosed = errors.New("channel pool closed")

// channelPool keeps at most capacity publisher channels open on one connection.
type channelPool struct {
	conn *amqp.Connection
	idle chan *amqp.Channel
	mu   sync.Mutex
}

func newChannelPool(conn *amqp.Connection, capacity int) *channelPool {
	if capacity <= 0 {
		capacity = 4
	}
	return &channelPool{conn: conn, idle: make(chan *amqp.Channel, capacity)}
}

func (p *channelPool) borrow() (*amqp.Channel, error) {
	for {
		select {
		case ch, ok := <-p.idle:
			if !ok {
				return nil, errPoolClosed
			}
			if ch.IsClosed() {
				continue
			}
			return ch, nil
		default:
			p.mu.Lock()
			defer p.mu.Unlock()
			if p.conn.IsClosed() {
				return nil, amqp.ErrClosed
			}
			return p.conn.Channel()
		}
	}
}

func (p *channelPool) giveBack(ch *amqp.Channel) {
	if ch == nil || ch.IsClosed() {
		return
	}
	select {
	case p.idle <- ch:
	default:
		_ = ch.Close()
	}
}

func (p *channelPool) close() {
	close(p.idle)
	for ch := range p.idle {
		_ = ch.Close()
	}
}

type publishFunc func(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error

// AMQP publishes events to a RabbitMQ topic exchange. The routing key is
// "<channel>.<event>", so consumers can bind e.g. "order.#" or "#.message.created".
type AMQP struct {
	exchange string
	publish  publishFunc
	conn     *amqp.Connection
	pool     *channelPool
	logger   *slog.Logger
}

// DialAMQP connects, declares the topic exchange and prepares the channel pool.
func DialAMQP(brokerURL, exchange string, poolSize int, logger *slog.Logger) (*AMQP, error) {
	if brokerURL == "" {
		return nil, fmt.Errorf("broker URL is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "fanout_amqp")

	host := ""
	if u, err := url.Parse(brokerURL); err == nil {
		host = u.Host
	}
	log.Info("Connecting to broker", "host", host, "exchange", exchange)

	conn, err := amqp.DialConfig(brokerURL, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %q: %w", exchange, err)
	}
	_ = ch.Close()

	a := &AMQP{exchange: exchange, conn: conn, pool: newChannelPool(conn, poolSize), logger: log}
	a.publish = a.publishPooled
	return a, nil
}

func (a *AMQP) publishPooled(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	ch, err := a.pool.borrow()
	if err != nil {
		return fmt.Errorf("borrow channel: %w", err)
	}
	defer a.pool.giveBack(ch)
	return ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg)
}

// Emit publishes the event as a persistent JSON envelope.
func (a *AMQP) Emit(ctx context.Context, channel, event string, payload any) error {
	env := NewEnvelope(channel, event, payload)
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	err = a.publish(ctx, a.exchange, routingKey(channel, event), amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		MessageId:    env.Meta.ID,
		Type:         event,
		Timestamp:    env.Meta.Time,
		AppId:        "murailocrm",
	})
	if err != nil {
		return fmt.Errorf("publish %s to %s: %w", event, channel, err)
	}
	return nil
}

// Close closes the pool and the connection.
func (a *AMQP) Close() error {
	if a.pool != nil {
		a.pool.close()
	}
	if a.conn != nil {
		return a.conn.Close()
	}
	return nil
}

func routingKey(channel, event string) string {
	return channel + "." + event
}
