package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire frames
// ============================================================================

// Frame types exchanged with the chat hub.
const (
	frameAck    = "ack"
	frameInvoke = "invoke"
	frameResult = "result"
	frameEvent  = "event"
)

// hubFrame is the wire format for everything sent over the hub socket.
type hubFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Args    []any           `json:"args,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *APIError       `json:"error,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the hub connection.
type RealtimeConfig struct {
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	HandshakeTimeout     time.Duration
	InvokeTimeout        time.Duration
	HTTPClient           *http.Client
	Logger               *zap.Logger
}

// DefaultRealtimeConfig returns the configuration used when none is given:
// automatic reconnection on, provider-default backoff.
func DefaultRealtimeConfig() *RealtimeConfig {
	cfg := &RealtimeConfig{AutoReconnect: true}
	cfg.defaults()
	return cfg
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.InvokeTimeout == 0 {
		c.InvokeTimeout = 15 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// ============================================================================
// Channel
// ============================================================================

// EventHandler receives the raw payload of a push event.
type EventHandler func(payload json.RawMessage)

// Channel is a persistent duplex connection: named push events in, named
// invocations out. Implementations own reconnect timing and report every
// state change to OnStateChange listeners.
type Channel interface {
	Connect(ctx context.Context, tokens TokenProvider) error
	Invoke(ctx context.Context, method string, args ...any) (json.RawMessage, error)
	On(event string, h EventHandler) (unregister func())
	OnStateChange(h func(ConnectionState)) (unregister func())
	State() ConnectionState
	Disconnect() error
}

// ============================================================================
// Event dispatcher
// ============================================================================

// eventDispatcher delivers events synchronously, in arrival order, on the
// goroutine that calls dispatch.
type eventDispatcher struct {
	mu     sync.RWMutex
	nextID uint64
	events map[string]map[uint64]EventHandler
	states map[uint64]func(ConnectionState)
	logger *zap.Logger
}

func newEventDispatcher(logger *zap.Logger) *eventDispatcher {
	return &eventDispatcher{
		events: make(map[string]map[uint64]EventHandler),
		states: make(map[uint64]func(ConnectionState)),
		logger: logger,
	}
}

func (d *eventDispatcher) on(event string, h EventHandler) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	if d.events[event] == nil {
		d.events[event] = make(map[uint64]EventHandler)
	}
	d.events[event][id] = h
	return func() {
		d.mu.Lock()
		delete(d.events[event], id)
		d.mu.Unlock()
	}
}

func (d *eventDispatcher) onState(h func(ConnectionState)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	d.states[id] = h
	return func() {
		d.mu.Lock()
		delete(d.states, id)
		d.mu.Unlock()
	}
}

func (d *eventDispatcher) dispatch(event string, payload json.RawMessage) {
	d.mu.RLock()
	handlers := make([]EventHandler, 0, len(d.events[event]))
	for _, h := range d.events[event] {
		handlers = append(handlers, h)
	}
	d.mu.RUnlock()

	for _, h := range handlers {
		d.safely(event, func() { h(payload) })
	}
}

func (d *eventDispatcher) emitState(s ConnectionState) {
	d.mu.RLock()
	handlers := make([]func(ConnectionState), 0, len(d.states))
	for _, h := range d.states {
		handlers = append(handlers, h)
	}
	d.mu.RUnlock()

	for _, h := range handlers {
		d.safely("state", func() { h(s) })
	}
}

// safely keeps a panicking handler from taking down the read loop.
func (d *eventDispatcher) safely(event string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("event handler panicked", zap.String("event", event), zap.Any("panic", r))
		}
	}()
	fn()
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

// nextDelay returns an exponential backoff with jitter. A connection that
// stayed up for a minute starts over from the base delay.
func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	r.connectedAt = time.Time{}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// WSChannel
// ============================================================================

// WSChannel is the WebSocket implementation of Channel with automatic
// reconnection and heartbeat.
type WSChannel struct {
	url        string
	config     *RealtimeConfig
	logger     *zap.Logger
	dispatcher *eventDispatcher

	// stateMu serializes state changes with their notifications so listeners
	// observe transitions in the order they happened.
	stateMu sync.Mutex

	mu               sync.Mutex
	conn             *websocket.Conn
	state            ConnectionState
	intentionalClose bool
	tokens           TokenProvider
	recon            *reconnector
	cancelFn         context.CancelFunc

	pendingMu sync.Mutex
	pending   map[string]chan hubFrame

	wg sync.WaitGroup
}

// NewWSChannel creates a channel for the hub at hubURL (ws:// or wss://).
// Call Connect to establish the connection. A nil config means
// DefaultRealtimeConfig.
func NewWSChannel(hubURL string, config *RealtimeConfig) *WSChannel {
	var cfg RealtimeConfig
	if config != nil {
		cfg = *config
	} else {
		cfg = *DefaultRealtimeConfig()
	}
	cfg.defaults()
	logger := cfg.Logger.With(zap.String("component", "hub"))
	return &WSChannel{
		url:        hubURL,
		config:     &cfg,
		logger:     logger,
		dispatcher: newEventDispatcher(logger),
		state:      StateDisconnected,
		recon:      newReconnector(&cfg),
		pending:    make(map[string]chan hubFrame),
	}
}

// On registers a push event handler.
func (ws *WSChannel) On(event string, h EventHandler) func() {
	return ws.dispatcher.on(event, h)
}

// OnStateChange registers a connection state listener.
func (ws *WSChannel) OnStateChange(h func(ConnectionState)) func() {
	return ws.dispatcher.onState(h)
}

// State returns the current connection state.
func (ws *WSChannel) State() ConnectionState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

func (ws *WSChannel) setState(s ConnectionState) {
	ws.stateMu.Lock()
	defer ws.stateMu.Unlock()
	ws.mu.Lock()
	changed := ws.state != s
	ws.state = s
	ws.mu.Unlock()
	if changed {
		ws.logger.Debug("connection state", zap.String("state", string(s)))
		ws.dispatcher.emitState(s)
	}
}

// Connect dials the hub and waits for its acknowledgement. The token is taken
// from tokens now and again on every automatic reconnect.
func (ws *WSChannel) Connect(ctx context.Context, tokens TokenProvider) error {
	ws.mu.Lock()
	switch ws.state {
	case StateConnected, StateConnecting:
		ws.mu.Unlock()
		return nil
	case StateReconnecting:
		ws.mu.Unlock()
		return fmt.Errorf("connect: reconnect already in progress")
	}
	if ws.cancelFn != nil {
		ws.cancelFn()
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	ws.cancelFn = cancel
	ws.intentionalClose = false
	ws.tokens = tokens
	ws.recon.reset()
	ws.mu.Unlock()

	ws.setState(StateConnecting)

	conn, err := ws.dial(ctx)
	if err != nil {
		ws.setState(StateDisconnected)
		return err
	}
	if !ws.attach(loopCtx, conn) {
		return fmt.Errorf("connect: %w", ErrClosed)
	}
	return nil
}

func (ws *WSChannel) currentTokens() TokenProvider {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.tokens
}

func (ws *WSChannel) dial(ctx context.Context) (*websocket.Conn, error) {
	tokens := ws.currentTokens()
	header := http.Header{}
	if tokens != nil {
		token, err := tokens(ctx)
		if err != nil {
			return nil, fmt.Errorf("obtain token: %w", err)
		}
		if token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, ws.config.HandshakeTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, ws.url, &websocket.DialOptions{
		HTTPClient: ws.config.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	// First frame must be the hub's acknowledgement.
	_, data, err := conn.Read(dialCtx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("read ack: %w", err)
	}
	var f hubFrame
	if err := json.Unmarshal(data, &f); err != nil || f.Type != frameAck {
		conn.Close(websocket.StatusPolicyViolation, "expected ack")
		if f.Error != nil {
			return nil, fmt.Errorf("hub refused connection: %w", f.Error)
		}
		return nil, fmt.Errorf("expected '%s', got '%s'", frameAck, f.Type)
	}
	return conn, nil
}

// attach installs conn, reports Connected and starts the connection loops.
// It reports false when the channel was closed in the meantime.
func (ws *WSChannel) attach(loopCtx context.Context, conn *websocket.Conn) bool {
	ws.stateMu.Lock()
	defer ws.stateMu.Unlock()

	ws.mu.Lock()
	if ws.intentionalClose || loopCtx.Err() != nil {
		ws.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return false
	}
	ws.conn = conn
	ws.state = StateConnected
	ws.recon.markConnected()
	connCtx, cancel := context.WithCancel(loopCtx)
	ws.wg.Add(2)
	ws.mu.Unlock()

	ws.logger.Debug("connection state", zap.String("state", string(StateConnected)))
	ws.dispatcher.emitState(StateConnected)

	go ws.readLoop(loopCtx, connCtx, cancel, conn)
	go ws.heartbeatLoop(connCtx, conn)
	return true
}

// Disconnect closes the connection and stops any reconnect in progress. It
// must not be called from an event handler.
func (ws *WSChannel) Disconnect() error {
	ws.mu.Lock()
	ws.intentionalClose = true
	cancel := ws.cancelFn
	ws.cancelFn = nil
	conn := ws.conn
	ws.conn = nil
	ws.mu.Unlock()

	if conn != nil {
		if err := conn.Close(websocket.StatusNormalClosure, "client disconnect"); err != nil {
			ws.logger.Debug("close handshake", zap.Error(err))
		}
	}
	if cancel != nil {
		cancel()
	}
	ws.failPending()
	ws.wg.Wait()
	ws.setState(StateDisconnected)
	return nil
}

// Invoke calls a hub method and waits for its result.
func (ws *WSChannel) Invoke(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	ws.mu.Lock()
	conn := ws.conn
	state := ws.state
	ws.mu.Unlock()

	if conn == nil || state != StateConnected {
		return nil, notConnected(method, state)
	}
	if args == nil {
		args = []any{}
	}

	id := uuid.NewString()
	ch := make(chan hubFrame, 1)
	ws.pendingMu.Lock()
	ws.pending[id] = ch
	ws.pendingMu.Unlock()
	defer func() {
		ws.pendingMu.Lock()
		delete(ws.pending, id)
		ws.pendingMu.Unlock()
	}()

	data, err := json.Marshal(hubFrame{Type: frameInvoke, ID: id, Method: method, Args: args})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", method, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, ws.config.InvokeTimeout)
	defer cancel()

	if err := conn.Write(callCtx, websocket.MessageText, data); err != nil {
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case res, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("%s: connection lost before result", method)
		}
		if res.Error != nil {
			return nil, res.Error
		}
		return res.Result, nil
	case <-callCtx.Done():
		return nil, fmt.Errorf("%s: %w", method, callCtx.Err())
	}
}

func (ws *WSChannel) readLoop(loopCtx, connCtx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	defer ws.wg.Done()
	defer cancel()

	for {
		_, data, err := conn.Read(connCtx)
		if err != nil {
			cancel()
			ws.handleDrop(loopCtx, conn, err)
			return
		}

		var f hubFrame
		if json.Unmarshal(data, &f) != nil {
			ws.logger.Warn("dropping malformed frame", zap.Int("bytes", len(data)))
			continue
		}

		switch f.Type {
		case frameResult:
			ws.pendingMu.Lock()
			ch, ok := ws.pending[f.ID]
			if ok {
				delete(ws.pending, f.ID)
			}
			ws.pendingMu.Unlock()
			if ok {
				ch <- f
			}
		case frameEvent:
			ws.dispatcher.dispatch(f.Event, f.Payload)
		}
	}
}

func (ws *WSChannel) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	defer ws.wg.Done()
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, ws.config.HandshakeTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				ws.logger.Warn("heartbeat failed", zap.Error(err))
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

// handleDrop runs on the read loop goroutine after the socket failed.
func (ws *WSChannel) handleDrop(loopCtx context.Context, conn *websocket.Conn, cause error) {
	ws.mu.Lock()
	intentional := ws.intentionalClose
	if ws.conn == conn {
		ws.conn = nil
	}
	ws.mu.Unlock()

	ws.failPending()
	if intentional || loopCtx.Err() != nil {
		return
	}

	ws.logger.Warn("connection dropped", zap.Error(cause))
	if !ws.config.AutoReconnect {
		ws.setState(StateDisconnected)
		return
	}
	ws.setState(StateReconnecting)
	ws.reconnectLoop(loopCtx)
}

func (ws *WSChannel) reconnectLoop(loopCtx context.Context) {
	for ws.recon.shouldReconnect() {
		delay := ws.recon.nextDelay()
		ws.logger.Info("reconnecting", zap.Int("attempt", ws.recon.attempt), zap.Duration("delay", delay))

		select {
		case <-loopCtx.Done():
			return
		case <-time.After(delay):
		}

		conn, err := ws.dial(loopCtx)
		if err != nil {
			ws.logger.Debug("reconnect attempt failed", zap.Error(err))
			continue
		}
		ws.attach(loopCtx, conn)
		return
	}

	ws.logger.Warn("giving up reconnecting", zap.Int("attempts", ws.recon.attempt))
	ws.setState(StateDisconnected)
}

// failPending wakes every invocation still waiting for a result.
func (ws *WSChannel) failPending() {
	ws.pendingMu.Lock()
	defer ws.pendingMu.Unlock()
	for id, ch := range ws.pending {
		close(ch)
		delete(ws.pending, id)
	}
}
