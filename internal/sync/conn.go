package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/scribepad-labs/scribepad/internal/wire"
)

const (
	defaultDialTimeout = 10 * time.Second
	defaultMaxAttempts = 5
	defaultRetryDelay  = 2 * time.Second
)

var (
	// ErrNotConnected indicates an emit attempted without an established channel.
	ErrNotConnected = errors.New("sync: not connected")
	// ErrConnectionFailed indicates every connection attempt was exhausted.
	// The failed state is passive; an explicit Connect starts a fresh run.
	ErrConnectionFailed = errors.New("sync: connection failed")
	// ErrConnClosed indicates the connection was closed deliberately.
	ErrConnClosed = errors.New("sync: connection closed")
)

// ConnState describes the lifecycle of the collaboration channel.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateFailed       ConnState = "failed"
)

// Transport is the slice of a websocket connection the Conn consumes.
type Transport interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer establishes a Transport to the collaboration endpoint.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Transport, error)
}

type gorillaDialer struct{}

func (gorillaDialer) Dial(ctx context.Context, endpoint string) (Transport, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// NewWebsocketDialer returns the default gorilla-backed dialer.
func NewWebsocketDialer() Dialer {
	return gorillaDialer{}
}

// ConnConfig configures the connection manager.
type ConnConfig struct {
	// Endpoint is the ws:// or wss:// URL of the collaboration channel.
	Endpoint string
	// Token is the bearer credential presented at handshake time.
	Token       string
	Dialer      Dialer
	DialTimeout time.Duration
	// MaxAttempts bounds both the initial connect and each reconnect run.
	MaxAttempts int
	RetryDelay  time.Duration
	Logger      *zap.Logger
}

// Conn manages the single collaboration channel of a client: it dials,
// watches for drops and reconnects a bounded number of times. When the
// attempts are exhausted the channel stops retrying on its own and waits
// for an explicit Connect. Emits require an established channel and are
// never queued.
type Conn struct {
	endpoint    string
	dialer      Dialer
	dialTimeout time.Duration
	maxAttempts int
	retryDelay  time.Duration
	logger      *zap.Logger

	mu          sync.Mutex
	state       ConnState
	transport   Transport
	handler     func(wire.Envelope)
	subscribers []func(ConnState)
	waiters     []chan error
	closed      bool

	writeMu sync.Mutex

	events chan ConnState
	done   chan struct{}
}

// NewConn constructs a connection manager in the disconnected state.
func NewConn(cfg ConnConfig) (*Conn, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("sync: endpoint is required")
	}
	endpoint := cfg.Endpoint
	if cfg.Token != "" {
		parsed, err := url.Parse(cfg.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("sync: invalid endpoint: %w", err)
		}
		query := parsed.Query()
		query.Set("token", cfg.Token)
		parsed.RawQuery = query.Encode()
		endpoint = parsed.String()
	}

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = gorillaDialer{}
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	conn := &Conn{
		endpoint:    endpoint,
		dialer:      dialer,
		dialTimeout: dialTimeout,
		maxAttempts: maxAttempts,
		retryDelay:  retryDelay,
		logger:      logger,
		state:       StateDisconnected,
		events:      make(chan ConnState, 16),
		done:        make(chan struct{}),
	}
	go conn.notifyLoop()
	return conn, nil
}

// notifyLoop delivers state transitions to subscribers in order.
func (c *Conn) notifyLoop() {
	for {
		select {
		case state := <-c.events:
			c.mu.Lock()
			subscribers := make([]func(ConnState), len(c.subscribers))
			copy(subscribers, c.subscribers)
			c.mu.Unlock()
			for _, fn := range subscribers {
				fn(state)
			}
		case <-c.done:
			return
		}
	}
}

// State reports the current lifecycle state.
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetHandler installs the inbound frame handler, replacing any previous one.
func (c *Conn) SetHandler(handler func(wire.Envelope)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

// OnStateChange registers a subscriber notified on every state transition.
func (c *Conn) OnStateChange(fn func(ConnState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribers = append(c.subscribers, fn)
}

// Connect establishes the channel. Concurrent callers share a single attempt
// run; everyone gets the same outcome. After the retry budget is exhausted
// the channel stays passively failed; calling Connect again starts a fresh
// bounded attempt run.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrConnClosed
	case c.state == StateConnected:
		c.mu.Unlock()
		return nil
	case c.state == StateConnecting:
		waiter := make(chan error, 1)
		c.waiters = append(c.waiters, waiter)
		c.mu.Unlock()
		select {
		case err := <-waiter:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.transition(StateConnecting)
	c.mu.Unlock()

	err := c.establish(ctx)
	c.notifyWaiters(err)
	return err
}

// establish runs the bounded dial loop.
func (c *Conn) establish(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return ErrConnClosed
		}
		c.mu.Unlock()

		dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
		transport, err := c.dialer.Dial(dialCtx, c.endpoint)
		cancel()
		if err == nil {
			c.adopt(transport)
			return nil
		}
		lastErr = err
		c.logger.Warn("connection attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.maxAttempts),
			zap.Error(err))

		if attempt < c.maxAttempts {
			select {
			case <-time.After(c.retryDelay):
			case <-ctx.Done():
				c.mu.Lock()
				c.transition(StateDisconnected)
				c.mu.Unlock()
				return ctx.Err()
			}
		}
	}

	c.mu.Lock()
	c.transition(StateFailed)
	c.mu.Unlock()
	c.logger.Error("connection attempts exhausted", zap.Error(lastErr))
	return fmt.Errorf("%w: %v", ErrConnectionFailed, lastErr)
}

func (c *Conn) adopt(transport Transport) {
	c.mu.Lock()
	c.transport = transport
	c.transition(StateConnected)
	c.mu.Unlock()
	go c.readLoop(transport)
}

// readLoop pumps inbound frames until the transport drops, then starts a
// fresh bounded reconnect run.
func (c *Conn) readLoop(transport Transport) {
	for {
		_, raw, err := transport.ReadMessage()
		if err != nil {
			c.mu.Lock()
			stale := c.transport != transport
			closed := c.closed
			if !stale && !closed {
				c.transport = nil
				c.transition(StateDisconnected)
			}
			c.mu.Unlock()
			if stale || closed {
				return
			}
			c.logger.Warn("collaboration channel dropped", zap.Error(err))
			go c.reconnect()
			return
		}

		envelope, err := wire.DecodeEnvelope(raw)
		if err != nil {
			c.logger.Warn("dropped malformed inbound frame", zap.Error(err))
			continue
		}

		c.mu.Lock()
		handler := c.handler
		c.mu.Unlock()
		if handler != nil {
			handler(envelope)
		}
	}
}

func (c *Conn) reconnect() {
	c.mu.Lock()
	if c.closed || c.state != StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.transition(StateConnecting)
	c.mu.Unlock()

	err := c.establish(context.Background())
	c.notifyWaiters(err)
}

// Emit sends one framed event. Emits are dropped with ErrNotConnected while
// the channel is down; callers retain their pending state and resend after
// the reconnect notification.
func (c *Conn) Emit(event string, payload any) error {
	envelope, err := wire.Encode(event, payload)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("sync: frame %s: %w", event, err)
	}

	c.mu.Lock()
	transport := c.transport
	state := c.state
	c.mu.Unlock()
	if state != StateConnected || transport == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := transport.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("sync: emit %s: %w", event, err)
	}
	return nil
}

// Close tears the channel down for good.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	transport := c.transport
	c.transport = nil
	c.transition(StateDisconnected)
	c.mu.Unlock()

	c.notifyWaiters(ErrConnClosed)
	close(c.done)
	if transport != nil {
		return transport.Close()
	}
	return nil
}

// transition must be called with c.mu held. Delivery happens off the lock,
// in order, on the notify loop, so subscribers may call back into the Conn.
func (c *Conn) transition(next ConnState) {
	if c.state == next {
		return
	}
	c.state = next
	select {
	case c.events <- next:
	default:
		c.logger.Warn("dropped state notification", zap.String("state", string(next)))
	}
}

func (c *Conn) notifyWaiters(err error) {
	c.mu.Lock()
	waiters := c.waiters
	c.waiters = nil
	c.mu.Unlock()
	for _, waiter := range waiters {
		waiter <- err
	}
}
