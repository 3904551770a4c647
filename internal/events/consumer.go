package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/streadway/amqp"

	"pushbot/internal/delivery"
	"pushbot/internal/runtime/supervisor"
	logx "pushbot/pkg/logx"
)

type ConsumerConfig struct {
	Enabled      bool
	URL          string
	Queue        string
	Prefetch     int
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

func (c ConsumerConfig) withDefaults() ConsumerConfig {
	if strings.TrimSpace(c.Queue) == "" {
		c.Queue = "pushbot.delivery_events"
	}
	if c.Prefetch <= 0 {
		c.Prefetch = 32
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = time.Second
	}
	if c.ReconnectMax < c.ReconnectMin {
		c.ReconnectMax = 30 * time.Second
	}
	return c
}

// payload is the queue message body.
type payload struct {
	ChatID    int64      `json:"chat_id"`
	MessageID int        `json:"message_id"`
	Event     string     `json:"event"`
	At        *time.Time `json:"at,omitempty"`
}

// Decode parses a queue message body into an Event.
func Decode(body []byte) (Event, error) {
	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return Event{}, fmt.Errorf("events: decode: %w", err)
	}
	kind, err := ParseKind(p.Event)
	if err != nil {
		return Event{}, err
	}
	if p.ChatID == 0 || p.MessageID == 0 {
		return Event{}, errors.New("events: chat_id and message_id are required")
	}
	ev := Event{Ref: delivery.MessageRef{ChatID: p.ChatID, MessageID: p.MessageID}, Kind: kind}
	if p.At != nil {
		ev.At = *p.At
	}
	return ev, nil
}

// Consumer feeds channel callbacks from an AMQP queue into an Applier.
type Consumer struct {
	mu  sync.Mutex
	cfg ConsumerConfig
	app *Applier
	log logx.Logger
	sup *supervisor.Supervisor
}

func NewConsumer(cfg ConsumerConfig, app *Applier, log logx.Logger) *Consumer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Consumer{cfg: cfg, app: app, log: log}
}

// Enabled reports whether the consumer is switched on and has a broker URL.
func (c *Consumer) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.Enabled && strings.TrimSpace(c.cfg.URL) != ""
}

// Apply stores cfg; it takes effect on the next reconnect.
func (c *Consumer) Apply(cfg ConsumerConfig) {
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
}

func (c *Consumer) snapshot() ConsumerConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.withDefaults()
}

func (c *Consumer) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sup != nil {
		return
	}
	cfg := c.cfg.withDefaults()
	c.sup = supervisor.New(ctx, supervisor.WithLogger(c.log), supervisor.WithCancelOnError(false))
	c.sup.GoRestart("events.amqp", c.consume,
		supervisor.WithRestartBackoff(cfg.ReconnectMin, cfg.ReconnectMax),
		supervisor.WithStopOnCleanExit(true),
	)
	c.log.Info("service started", logx.String("queue", cfg.Queue), logx.Int("prefetch", cfg.Prefetch))
}

func (c *Consumer) Stop(ctx context.Context) {
	start := time.Now()
	c.mu.Lock()
	sup := c.sup
	c.sup = nil
	c.mu.Unlock()
	if sup == nil {
		return
	}
	if err := sup.Stop(ctx); err != nil {
		c.log.Warn("events consumer stop incomplete", logx.Err(err))
	}
	c.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

// consume runs one connection. It returns nil only when ctx is done, so the
// supervisor reconnects after any broker failure.
func (c *Consumer) consume(ctx context.Context) error {
	cfg := c.snapshot()
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return fmt.Errorf("events: dial: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("events: channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("events: qos: %w", err)
	}
	q, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("events: declare %s: %w", cfg.Queue, err)
	}
	msgs, err := ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("events: consume %s: %w", q.Name, err)
	}
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	c.log.Info("events consumer connected", logx.String("queue", q.Name))

	for {
		select {
		case <-ctx.Done():
			return nil
		case aerr := <-closed:
			if aerr == nil {
				return errors.New("events: connection closed")
			}
			return fmt.Errorf("events: connection lost: %w", aerr)
		case d, ok := <-msgs:
			if !ok {
				return errors.New("events: delivery channel closed")
			}
			c.handle(ctx, d)
		}
	}
}

// handle settles one queue message. Malformed bodies are dropped and store
// failures are requeued. An unknown reference is requeued once, since the
// callback can overtake the write that records the message reference; on
// redelivery it is dropped.
func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	ev, err := Decode(d.Body)
	if err != nil {
		c.log.Warn("malformed channel event dropped", logx.Err(err))
		_ = d.Nack(false, false)
		return
	}
	_, applied, err := c.app.Apply(ctx, ev)
	switch {
	case err == nil:
		if applied {
			c.log.Debug("channel event applied", logx.String("ref", ev.Ref.String()), logx.String("kind", string(ev.Kind)))
		}
		_ = d.Ack(false)
	case errors.Is(err, delivery.ErrNotFound) && !d.Redelivered:
		c.log.Debug("channel event for unknown message; requeued", logx.String("ref", ev.Ref.String()))
		_ = d.Nack(false, true)
	case errors.Is(err, delivery.ErrNotFound):
		c.log.Debug("channel event for unknown message dropped", logx.String("ref", ev.Ref.String()))
		_ = d.Ack(false)
	default:
		c.log.Warn("channel event not recorded; requeued", logx.String("ref", ev.Ref.String()), logx.Err(err))
		_ = d.Nack(false, true)
	}
}
