package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Subscription is a handle on a registered handler. Release is idempotent.
type Subscription struct {
	once    sync.Once
	release func()
}

func newSubscription(release func()) *Subscription {
	return &Subscription{release: release}
}

// Release deregisters the handler.
func (s *Subscription) Release() {
	if s == nil || s.release == nil {
		return
	}
	s.once.Do(s.release)
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

func WithControllerLogger(logger *zap.Logger) ControllerOption {
	return func(c *Controller) { c.logger = logger }
}

func WithControllerMetrics(m *Metrics) ControllerOption {
	return func(c *Controller) { c.metrics = m }
}

// WithReconnectLimit bounds how often Invoke may force a reconnect of a
// disconnected channel.
func WithReconnectLimit(every time.Duration, burst int) ControllerOption {
	return func(c *Controller) { c.reconnects = rate.NewLimiter(rate.Every(every), burst) }
}

// Controller owns one user's use of a Channel. Every handler registered
// through it is released by Close.
type Controller struct {
	channel    Channel
	logger     *zap.Logger
	metrics    *Metrics
	reconnects *rate.Limiter

	mu     sync.Mutex
	userID int64
	tokens TokenProvider
	opened bool
	closed bool
	subs   []*Subscription
}

// NewController wraps ch. The controller does not connect until Open.
func NewController(ch Channel, opts ...ControllerOption) *Controller {
	c := &Controller{
		channel:    ch,
		logger:     zap.NewNop(),
		reconnects: rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.subs = append(c.subs, newSubscription(ch.OnStateChange(func(s ConnectionState) {
		c.metrics.observeState(s)
		c.logger.Info("connection state changed", zap.String("state", string(s)))
	})))
	return c
}

// Open connects the channel for userID. It does nothing for userID <= 0.
func (c *Controller) Open(ctx context.Context, userID int64, tokens TokenProvider) error {
	if userID <= 0 {
		return nil
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return &ConnectionError{Op: "open", State: StateDisconnected, Err: ErrClosed}
	}
	c.userID = userID
	c.tokens = tokens
	c.opened = true
	c.mu.Unlock()

	c.logger.Info("opening hub connection", zap.Int64("userId", userID))
	if err := c.channel.Connect(ctx, tokens); err != nil {
		return &ConnectionError{Op: "open", State: c.channel.State(), Err: err}
	}
	return nil
}

// UserID returns the user the controller was opened for.
func (c *Controller) UserID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// State returns the channel's current connection state.
func (c *Controller) State() ConnectionState {
	return c.channel.State()
}

// OnEvent registers a push event handler owned by this controller.
func (c *Controller) OnEvent(event string, h EventHandler) *Subscription {
	return c.track(newSubscription(c.channel.On(event, h)))
}

// OnStateChange registers a state listener owned by this controller.
func (c *Controller) OnStateChange(h func(ConnectionState)) *Subscription {
	return c.track(newSubscription(c.channel.OnStateChange(h)))
}

func (c *Controller) track(sub *Subscription) *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		sub.Release()
		return sub
	}
	c.subs = append(c.subs, sub)
	return sub
}

// Invoke calls a hub method. While connecting or reconnecting it fails fast.
// When the channel is disconnected it tries one reconnect, then the call,
// once. Calls are never queued.
func (c *Controller) Invoke(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	c.mu.Lock()
	closed, opened, tokens := c.closed, c.opened, c.tokens
	c.mu.Unlock()

	if closed {
		return nil, &ConnectionError{Op: method, State: StateDisconnected, Err: ErrClosed}
	}

	switch state := c.channel.State(); state {
	case StateConnected:
	case StateDisconnected:
		if !opened || !c.reconnects.Allow() {
			return nil, notConnected(method, state)
		}
		c.logger.Info("reconnecting before invoke", zap.String("method", method))
		if err := c.channel.Connect(ctx, tokens); err != nil {
			return nil, &ConnectionError{Op: "reconnect", State: c.channel.State(), Err: err}
		}
	default:
		return nil, notConnected(method, state)
	}

	res, err := c.channel.Invoke(ctx, method, args...)
	c.metrics.observeInvoke(method, err)
	if err != nil {
		c.logger.Warn("invoke failed", zap.String("method", method), zap.Error(err))
		var apiErr *APIError
		var connErr *ConnectionError
		if errors.As(err, &apiErr) || errors.As(err, &connErr) {
			return nil, err
		}
		return nil, &ConnectionError{Op: method, State: c.channel.State(), Err: err}
	}
	return res, nil
}

// Close releases every handler registered through the controller and stops
// the channel unless it is already disconnected.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for _, sub := range subs {
		sub.Release()
	}
	if c.channel.State() != StateDisconnected {
		return c.channel.Disconnect()
	}
	return nil
}
