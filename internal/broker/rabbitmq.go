package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Guizzs26/go-outbox-relay/pkg/infra"
	"github.com/Guizzs26/go-outbox-relay/pkg/metrics"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	ErrChannelNotOpen     = errors.New("broker channel is not open")
	ErrConnectionFailed   = errors.New("broker connection failed")
	ErrPublishNacked      = errors.New("broker NACK received: message not persisted")
	ErrConfirmTimeout     = errors.New("publisher confirm timeout")
	errDisconnectedDuring = errors.New("disconnected while connecting")
)

const defaultConfirmTimeout = 10 * time.Second

type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type ConnectionConfig struct {
	URL                   string
	Exchange              string
	DeadLetterExchange    string
	DeadLetterQueue       string
	Heartbeat             time.Duration
	ConnectionTimeout     time.Duration
	MaxRetries            int
	RetryDelay            time.Duration
	PublishConfirmTimeout time.Duration
}

func (c ConnectionConfig) topology() Topology {
	return Topology{
		Exchange:           c.Exchange,
		DeadLetterExchange: c.DeadLetterExchange,
		DeadLetterQueue:    c.DeadLetterQueue,
	}
}

type ConnectionStats struct {
	ConnectedAt       *time.Time `json:"connectedAt,omitempty"`
	DisconnectedAt    *time.Time `json:"disconnectedAt,omitempty"`
	ReconnectAttempts int        `json:"reconnectAttempts"`
	TotalMessages     int64      `json:"totalMessages"`
	FailedMessages    int64      `json:"failedMessages"`
	LastError         string     `json:"lastError,omitempty"`
}

type ConnectionHealth struct {
	Status  string        `json:"status"`
	State   string        `json:"state"`
	Latency time.Duration `json:"latency"`
	Error   string        `json:"error,omitempty"`
}

// PublishOptions are per-message AMQP properties
type PublishOptions struct {
	Headers       amqp.Table
	MessageID     string
	CorrelationID string
	Type          string
	ContentType   string
	Timestamp     time.Time
	Mandatory     bool
}

// amqpChannel and amqpConnection cover the parts of amqp091-go the connection uses
type amqpChannel interface {
	TopologyDeclarer
	Confirm(noWait bool) error
	PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error)
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Close() error
}

type amqpConnection interface {
	Channel() (amqpChannel, error)
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Close() error
}

type realConnection struct {
	*amqp.Connection
}

func (c realConnection) Channel() (amqpChannel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

type dialFunc func(url string, cfg amqp.Config) (amqpConnection, error)

func dialAMQP(url string, cfg amqp.Config) (amqpConnection, error) {
	conn, err := amqp.DialConfig(url, cfg)
	if err != nil {
		return nil, err
	}
	return realConnection{conn}, nil
}

type stopper interface {
	Stop() bool
}

type scheduleFunc func(d time.Duration, fn func()) stopper

func afterFunc(d time.Duration, fn func()) stopper {
	return time.AfterFunc(d, fn)
}

// Connection owns the single AMQP connection and channel of the process and hides reconnection from callers
type Connection struct {
	cfg    ConnectionConfig
	logger *slog.Logger

	dial     dialFunc
	schedule scheduleFunc
	now      func() time.Time

	mu         sync.Mutex
	state      ConnectionState
	conn       amqpConnection
	ch         amqpChannel
	stats      ConnectionStats
	retryTimer stopper
	closing    bool
	// generation invalidates watchers and in-flight dials after a loss or a Disconnect
	generation uint64
}

func NewConnection(cfg ConnectionConfig, logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PublishConfirmTimeout <= 0 {
		cfg.PublishConfirmTimeout = defaultConfirmTimeout
	}

	return &Connection{
		cfg:      cfg,
		logger:   logger.With("component", "rabbitmq", "url", redactURL(cfg.URL)),
		dial:     dialAMQP,
		schedule: afterFunc,
		now:      time.Now,
		state:    StateDisconnected,
	}
}

// Connect dials the broker, declares the topology and enables publisher confirms.
// On failure a retry is scheduled in the background and the dial error is returned.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateConnected, StateConnecting, StateReconnecting:
		c.mu.Unlock()
		return nil
	}
	c.closing = false
	c.stats.ReconnectAttempts = 0
	c.setStateLocked(StateConnecting)
	gen := c.generation
	c.mu.Unlock()

	c.logger.Info("connecting to RabbitMQ")
	conn, ch, err := c.establish(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.generation || c.closing {
		closeQuietly(ch, conn)
		return fmt.Errorf("%w: %w", ErrConnectionFailed, errDisconnectedDuring)
	}

	if err != nil {
		c.stats.LastError = err.Error()
		c.logger.Error("failed to connect to RabbitMQ", "error", err)
		c.scheduleRetryLocked()
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	c.installLocked(conn, ch)
	return nil
}

func (c *Connection) establish(ctx context.Context) (amqpConnection, amqpChannel, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	conn, err := c.dial(c.cfg.URL, amqp.Config{
		Heartbeat: c.cfg.Heartbeat,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(c.cfg.ConnectionTimeout),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("dial: %s", sanitize(err, c.cfg.URL))
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := DeclareTopology(ch, c.cfg.topology()); err != nil {
		closeQuietly(ch, conn)
		return nil, nil, err
	}

	if err := ch.Confirm(false); err != nil {
		closeQuietly(ch, conn)
		return nil, nil, fmt.Errorf("failed to activate publisher confirms: %w", err)
	}

	return conn, ch, nil
}

func (c *Connection) installLocked(conn amqpConnection, ch amqpChannel) {
	now := c.now()
	c.conn = conn
	c.ch = ch
	c.stats.ConnectedAt = &now
	c.stats.ReconnectAttempts = 0
	c.stats.LastError = ""
	c.retryTimer = nil
	c.setStateLocked(StateConnected)

	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	chanClosed := ch.NotifyClose(make(chan *amqp.Error, 1))
	go c.watch(c.generation, connClosed, chanClosed)

	c.logger.Info("connected to RabbitMQ", "exchange", c.cfg.Exchange)
}

func (c *Connection) watch(gen uint64, connClosed, chanClosed <-chan *amqp.Error) {
	var reason string
	select {
	case err := <-connClosed:
		reason = "connection closed"
		if err != nil {
			reason = "connection closed: " + err.Error()
		}
	case err := <-chanClosed:
		reason = "channel closed"
		if err != nil {
			reason = "channel closed: " + err.Error()
		}
	}
	c.handleLoss(gen, reason)
}

func (c *Connection) handleLoss(gen uint64, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.generation || c.closing || c.state != StateConnected {
		return
	}
	c.generation++

	now := c.now()
	c.stats.DisconnectedAt = &now
	c.stats.LastError = reason
	closeQuietly(c.ch, c.conn)
	c.ch, c.conn = nil, nil

	c.logger.Warn("RabbitMQ connection lost, reconnecting", "reason", reason)
	c.setStateLocked(StateReconnecting)
	c.scheduleRetryLocked()
}

// scheduleRetryLocked arms the next reconnect timer or gives up past MaxRetries
func (c *Connection) scheduleRetryLocked() {
	if c.closing {
		return
	}

	if c.stats.ReconnectAttempts >= c.cfg.MaxRetries {
		c.setStateLocked(StateFailed)
		c.logger.Error("giving up on RabbitMQ after max retries", "max_retries", c.cfg.MaxRetries, "last_error", c.stats.LastError)
		return
	}

	c.stats.ReconnectAttempts++
	delay := infra.Exponential(c.cfg.RetryDelay, c.stats.ReconnectAttempts)
	c.setStateLocked(StateReconnecting)
	metrics.RabbitMQReconnections.Inc()

	c.logger.Info("scheduling RabbitMQ reconnect", "attempt", c.stats.ReconnectAttempts, "delay", delay)
	gen := c.generation
	c.retryTimer = c.schedule(delay, func() { c.retry(gen) })
}

func (c *Connection) retry(gen uint64) {
	c.mu.Lock()
	if gen != c.generation || c.closing || c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.retryTimer = nil
	c.mu.Unlock()

	timeout := c.cfg.ConnectionTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	conn, ch, err := c.establish(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.generation || c.closing {
		closeQuietly(ch, conn)
		return
	}

	if err != nil {
		c.stats.LastError = err.Error()
		c.logger.Warn("RabbitMQ reconnect attempt failed", "attempt", c.stats.ReconnectAttempts, "error", err)
		c.scheduleRetryLocked()
		return
	}

	c.installLocked(conn, ch)
}

// Disconnect cancels any pending reconnect and closes the channel, then the connection
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closing = true
	c.generation++

	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}

	var errs []error
	if c.ch != nil {
		if err := c.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close channel: %w", err))
		}
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
	}
	c.ch, c.conn = nil, nil

	if c.state != StateDisconnected {
		now := c.now()
		c.stats.DisconnectedAt = &now
		c.logger.Info("disconnected from RabbitMQ")
	}
	c.setStateLocked(StateDisconnected)

	return errors.Join(errs...)
}

// Publish sends body and blocks until the broker confirms it
func (c *Connection) Publish(ctx context.Context, exchange, routingKey string, body []byte, opts PublishOptions) (err error) {
	c.mu.Lock()
	ch := c.ch
	state := c.state
	c.stats.TotalMessages++
	c.mu.Unlock()

	defer func() {
		status := "confirmed"
		if err != nil {
			status = "failed"
			c.mu.Lock()
			c.stats.FailedMessages++
			c.mu.Unlock()
		}
		metrics.BrokerMessages.WithLabelValues(status).Inc()
	}()

	if ch == nil || state != StateConnected {
		return ErrChannelNotOpen
	}

	if exchange == "" {
		exchange = c.cfg.Exchange
	}

	msg := amqp.Publishing{
		Headers:       opts.Headers,
		ContentType:   opts.ContentType,
		DeliveryMode:  amqp.Persistent,
		MessageId:     opts.MessageID,
		CorrelationId: opts.CorrelationID,
		Type:          opts.Type,
		Timestamp:     opts.Timestamp,
		Body:          body,
	}
	if msg.ContentType == "" {
		msg.ContentType = "application/json"
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = c.now()
	}

	deferred, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, opts.Mandatory, false, msg)
	if err != nil {
		return fmt.Errorf("publish call failed: %w", err)
	}
	// nil when the channel is not in confirm mode
	if deferred == nil {
		return nil
	}

	timer := time.NewTimer(c.cfg.PublishConfirmTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-deferred.Done():
		if !deferred.Acked() {
			return ErrPublishNacked
		}
		return nil
	case <-timer.C:
		return ErrConfirmTimeout
	}
}

// HealthCheck opens and closes a throwaway channel to measure broker latency.
// A failing check only shows up in the returned status.
func (c *Connection) HealthCheck(ctx context.Context) ConnectionHealth {
	c.mu.Lock()
	conn := c.conn
	state := c.state
	c.mu.Unlock()

	h := ConnectionHealth{Status: "unhealthy", State: state.String()}

	if conn == nil || state != StateConnected {
		h.Error = "not connected"
		return h
	}

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		ch, err := conn.Channel()
		if err == nil {
			err = ch.Close()
		}
		done <- err
	}()

	select {
	case <-ctx.Done():
		h.Error = ctx.Err().Error()
		return h
	case err := <-done:
		h.Latency = time.Since(start)
		if err != nil {
			h.Error = err.Error()
			return h
		}
	}

	h.Status = "healthy"
	return h
}

func (c *Connection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) Stats() ConnectionStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Connection) IsConnected() bool {
	return c.State() == StateConnected
}

func (c *Connection) setStateLocked(s ConnectionState) {
	c.state = s
	metrics.BrokerState.Set(float64(s))
}

func closeQuietly(ch amqpChannel, conn amqpConnection) {
	if ch != nil {
		_ = ch.Close()
	}
	if conn != nil {
		_ = conn.Close()
	}
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "invalid-url"
	}
	return u.Redacted()
}

// sanitize strips the password from dial errors that echo the URL back
func sanitize(err error, raw string) string {
	msg := err.Error()
	u, perr := url.Parse(raw)
	if perr != nil || u.User == nil {
		return msg
	}
	msg = strings.ReplaceAll(msg, raw, u.Redacted())
	if pass, ok := u.User.Password(); ok && pass != "" {
		msg = strings.ReplaceAll(msg, pass, "xxxxx")
	}
	return msg
}
