// ABOUTME: Supervised RabbitMQ connection with topology setup and publisher confirms
// ABOUTME: Run restarts consumers after reconnecting with exponential backoff

package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrNotConnected is returned when publishing while the connection is down.
var ErrNotConnected = errors.New("broker not connected")

// Config describes the broker connection and topology.
type Config struct {
	URL           string
	EventExchange string // topic exchange receiving every domain event
	ReceiptQueue  string // provider receipts consumed into the campaign engine
	OutboundQueue string // send requests for the downstream delivery worker

	ReconnectMax   time.Duration
	ConfirmTimeout time.Duration

	// Dialer overrides amqp.Dial.
	Dialer func(url string) (*amqp.Connection, error)
}

// Consumer is a queue handler run on every connection.
type Consumer struct {
	Name     string
	Queue    string
	Prefetch int
	Handle   func(ctx context.Context, d amqp.Delivery)
}

// Client owns one AMQP connection and a confirm-mode publishing channel.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu   sync.RWMutex
	conn *amqp.Connection
	pub  *amqp.Channel

	wg sync.WaitGroup
}

// Dial connects and declares the topology.
func Dial(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("broker url is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 5 * time.Second
	}
	if cfg.Dialer == nil {
		cfg.Dialer = amqp.Dial
	}

	c := &Client{cfg: cfg, logger: logger.With("component", "broker")}

	host := ""
	if u, err := url.Parse(cfg.URL); err == nil {
		host = u.Host
	}
	c.logger.Info("connecting to rabbitmq", "host", host)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := c.connect(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) connect() error {
	conn, err := c.cfg.Dialer(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if err := c.declareTopology(ch); err != nil {
		_ = conn.Close()
		return err
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return fmt.Errorf("confirm mode: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.pub = ch
	c.mu.Unlock()
	return nil
}

func (c *Client) declareTopology(ch *amqp.Channel) error {
	if c.cfg.EventExchange != "" {
		if err := ch.ExchangeDeclare(c.cfg.EventExchange, "topic", true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare event exchange: %w", err)
		}
	}
	for _, q := range []string{c.cfg.ReceiptQueue, c.cfg.OutboundQueue} {
		if q == "" {
			continue
		}
		if _, err := ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %q: %w", q, err)
		}
	}
	return nil
}

// publish sends msg and waits for the broker's confirm.
func (c *Client) publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	c.mu.RLock()
	ch := c.pub
	c.mu.RUnlock()
	if ch == nil || ch.IsClosed() {
		return ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConfirmTimeout)
	defer cancel()

	dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, msg)
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	if dc == nil {
		return nil
	}
	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("await confirm: %w", err)
	}
	if !acked {
		return fmt.Errorf("publish to %q nacked by broker", key)
	}
	return nil
}

// Run supervises the connection until ctx is cancelled, running consumers
// on each connection and reconnecting with exponential backoff.
func (c *Client) Run(ctx context.Context, consumers ...Consumer) error {
	for {
		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()

		closed := conn.NotifyClose(make(chan *amqp.Error, 1))
		for _, cons := range consumers {
			if err := c.startConsumer(ctx, conn, cons); err != nil {
				c.logger.Error("start consumer failed", "name", cons.Name, "error", err)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case amqpErr, ok := <-closed:
			if !ok {
				amqpErr = &amqp.Error{Reason: "connection closed"}
			}
			c.logger.Error("amqp connection closed, reconnecting", "error", amqpErr)
		}

		if err := c.reconnect(ctx); err != nil {
			return err
		}
	}
}

func (c *Client) reconnect(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = c.cfg.ReconnectMax

	for {
		err := c.connect()
		if err == nil {
			c.logger.Info("reconnected to rabbitmq")
			return nil
		}
		wait := b.NextBackOff()
		c.logger.Error("reconnect failed", "error", err, "retry_in", wait)

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (c *Client) startConsumer(ctx context.Context, conn *amqp.Connection, cons Consumer) error {
	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	prefetch := cons.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		_ = ch.Close()
		return err
	}
	msgs, err := ch.Consume(cons.Queue, cons.Name, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return err
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() { _ = ch.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-msgs:
				if !ok {
					return
				}
				cons.Handle(ctx, d)
			}
		}
	}()
	c.logger.Info("consumer started", "name", cons.Name, "queue", cons.Queue)
	return nil
}

// Close waits briefly for consumers and closes the connection.
func (c *Client) Close() error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn, c.pub = nil, nil
	if errors.Is(err, amqp.ErrClosed) {
		return nil
	}
	return err
}
