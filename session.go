package chatsync

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ============================================================================
// Options
// ============================================================================

// SessionOption configures a Session.
type SessionOption func(*Session)

func WithLogger(logger *zap.Logger) SessionOption {
	return func(s *Session) { s.logger = logger }
}

func WithMetrics(m *Metrics) SessionOption {
	return func(s *Session) { s.metrics = m }
}

// WithHistoryTake sets how many recent messages LoadMessages fetches.
func WithHistoryTake(take int) SessionOption {
	return func(s *Session) {
		if take > 0 {
			s.historyTake = take
		}
	}
}

// WithSendIdempotencyKey makes Send pass the message's client key as a third
// SendMessage argument. Only enable it against hubs that accept and echo it.
func WithSendIdempotencyKey(enabled bool) SessionOption {
	return func(s *Session) { s.sendKey = enabled }
}

// WithClock replaces time.Now for stamping optimistic messages.
func WithClock(now func() time.Time) SessionOption {
	return func(s *Session) { s.now = now }
}

// WithControllerOptions passes extra options to every Controller the session
// creates.
func WithControllerOptions(opts ...ControllerOption) SessionOption {
	return func(s *Session) { s.ctrlOpts = append(s.ctrlOpts, opts...) }
}

// ============================================================================
// Session
// ============================================================================

// pendingLoad buffers pushes for a conversation whose history is in flight.
type pendingLoad struct {
	gen            uint64
	conversationID int64
	buffered       []Message
}

// Session keeps the conversation list and the open conversation's messages in
// sync with the chat hub and the REST endpoints. All state changes happen
// under one lock and never while a network call is outstanding.
type Session struct {
	client      *Client
	channel     Channel
	logger      *zap.Logger
	metrics     *Metrics
	historyTake int
	sendKey     bool
	now         func() time.Time
	ctrlOpts    []ControllerOption

	// lifeMu serializes Initialize and Close.
	lifeMu sync.Mutex

	mu      sync.Mutex
	closed  bool
	epoch   uint64
	userID  int64
	ctrl    *Controller
	convs   []Conversation
	msgs    []Message
	current int64
	state   ConnectionState
	loadGen uint64
	loading *pendingLoad
	// Conversation list fetches in flight and the pushes seen during each.
	convGen     uint64
	convApplied uint64
	convLoads   map[uint64][]Message
	outbox  map[string]Message
	version uint64

	listenersMu sync.RWMutex
	nextID      uint64
	listeners   map[uint64]func(Snapshot)

	notifyMu  sync.Mutex
	delivered uint64
}

// NewSession creates a session that reads through client and receives pushes
// over channel. Nothing connects until Initialize.
func NewSession(client *Client, channel Channel, opts ...SessionOption) *Session {
	s := &Session{
		client:      client,
		channel:     channel,
		logger:      zap.NewNop(),
		historyTake: DefaultHistoryTake,
		now:         time.Now,
		state:       StateDisconnected,
		outbox:      make(map[string]Message),
		convLoads:   make(map[uint64][]Message),
		listeners:   make(map[uint64]func(Snapshot)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initialize binds the session to userID and opens the hub connection. It is
// a no-op for userID <= 0 and for the user already bound. Switching users
// closes the previous controller first and clears all state.
func (s *Session) Initialize(ctx context.Context, userID int64) error {
	if userID <= 0 {
		return nil
	}
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.userID == userID && s.ctrl != nil {
		ctrl := s.ctrl
		s.mu.Unlock()
		if ctrl.State() == StateDisconnected {
			return ctrl.Open(ctx, userID, s.client.tokens)
		}
		return nil
	}
	prev := s.ctrl
	s.ctrl = nil
	s.epoch++
	s.userID = userID
	s.convs = nil
	s.msgs = nil
	s.current = 0
	s.loading = nil
	s.outbox = make(map[string]Message)
	snap, v := s.commitLocked()
	s.mu.Unlock()
	s.publish(snap, v)

	if prev != nil {
		s.logger.Info("switching user, closing previous connection", zap.Int64("previousUserId", prev.UserID()))
		if err := prev.Close(); err != nil {
			s.logger.Warn("close previous connection", zap.Error(err))
		}
	}

	opts := append([]ControllerOption{
		WithControllerLogger(s.logger),
		WithControllerMetrics(s.metrics),
	}, s.ctrlOpts...)
	ctrl := NewController(s.channel, opts...)
	ctrl.OnEvent(EventReceiveMessage, s.handleReceive)
	ctrl.OnStateChange(s.handleState)

	s.mu.Lock()
	s.ctrl = ctrl
	s.state = ctrl.State()
	snap, v = s.commitLocked()
	s.mu.Unlock()
	s.publish(snap, v)

	return ctrl.Open(ctx, userID, s.client.tokens)
}

// Close tears down the hub connection and drops every change listener.
// Closing twice is harmless.
func (s *Session) Close() error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.epoch++
	ctrl := s.ctrl
	s.ctrl = nil
	s.mu.Unlock()

	s.listenersMu.Lock()
	s.listeners = make(map[uint64]func(Snapshot))
	s.listenersMu.Unlock()

	if ctrl != nil {
		return ctrl.Close()
	}
	return nil
}

// ============================================================================
// Reads and change notification
// ============================================================================

// Snapshot returns a copy of the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// OnChange registers fn to receive a snapshot after every state change.
// Snapshots are delivered in the order the changes happened; a listener may
// miss intermediate ones but never sees an older state after a newer one.
// Listeners run on the goroutine that made the change, which can be the hub's
// read loop, so they must not call Initialize or Close.
func (s *Session) OnChange(fn func(Snapshot)) *Subscription {
	s.listenersMu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = fn
	s.listenersMu.Unlock()
	return newSubscription(func() {
		s.listenersMu.Lock()
		delete(s.listeners, id)
		s.listenersMu.Unlock()
	})
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		CurrentConversationID: s.current,
		ConnectionState:       s.state,
	}
	if s.convs != nil {
		snap.Conversations = append(make([]Conversation, 0, len(s.convs)), s.convs...)
	}
	if s.msgs != nil {
		snap.Messages = append(make([]Message, 0, len(s.msgs)), s.msgs...)
	}
	return snap
}

// commitLocked records a state change. The returned snapshot must be handed
// to publish after s.mu is released.
func (s *Session) commitLocked() (Snapshot, uint64) {
	s.version++
	return s.snapshotLocked(), s.version
}

func (s *Session) publish(snap Snapshot, version uint64) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	if version <= s.delivered {
		return
	}
	s.delivered = version

	s.listenersMu.RLock()
	fns := make([]func(Snapshot), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.listenersMu.RUnlock()

	for _, fn := range fns {
		s.notify(fn, snap)
	}
}

func (s *Session) notify(fn func(Snapshot), snap Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("change listener panicked", zap.Any("panic", r))
		}
	}()
	fn(snap)
}

// controller returns the live controller or an error naming op.
func (s *Session) controller(op string) (*Controller, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.ctrl == nil {
		return nil, notConnected(op, StateDisconnected)
	}
	return s.ctrl, nil
}

// ============================================================================
// Push handling
// ============================================================================

func (s *Session) handleReceive(payload json.RawMessage) {
	msg, err := ParseMessagePayload(payload)
	if err != nil {
		s.logger.Warn("dropping ReceiveMessage push", zap.Error(err))
		return
	}

	s.mu.Lock()
	if s.closed || s.ctrl == nil {
		s.mu.Unlock()
		return
	}
	if s.loading != nil && s.loading.conversationID == msg.ConversationID {
		s.loading.buffered = append(s.loading.buffered, msg)
	}
	if msg.ConversationID == s.current {
		s.msgs = s.mergeLocked(s.msgs, msg)
	}
	if indexConversation(s.convs, msg.ConversationID) < 0 {
		s.logger.Debug("push for a conversation not in the list", zap.Int64("conversationId", msg.ConversationID))
	}
	s.applyLocked(msg)
	if msg.ConversationID == s.current {
		s.convs = SetUnread(s.convs, msg.ConversationID, 0)
	}
	s.metrics.setUnread(s.convs)
	snap, v := s.commitLocked()
	s.mu.Unlock()
	s.publish(snap, v)
}

// applyLocked records msg in the conversation list and in every conversation
// list fetch still in flight.
func (s *Session) applyLocked(msg Message) {
	s.convs = ApplyMessage(s.convs, msg, s.userID)
	for gen, pushes := range s.convLoads {
		s.convLoads[gen] = append(pushes, msg)
	}
}

func (s *Session) mergeLocked(list []Message, msg Message) []Message {
	if msg.MessageID != 0 && containsMessage(list, msg.MessageID) {
		s.metrics.observeMerge(mergeDuplicate)
		return list
	}
	if idx := findOptimistic(list, msg); idx >= 0 {
		s.metrics.observeMerge(mergeConfirmed)
		delete(s.outbox, list[idx].ClientKey)
	} else {
		s.metrics.observeMerge(mergeAppended)
	}
	return MergeMessage(list, msg, s.userID)
}

func containsMessage(list []Message, id int64) bool {
	for _, m := range list {
		if m.MessageID == id {
			return true
		}
	}
	return false
}

func (s *Session) handleState(state ConnectionState) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.state = state
	snap, v := s.commitLocked()
	s.mu.Unlock()
	s.publish(snap, v)
}

// ============================================================================
// Loading
// ============================================================================

// LoadConversations replaces the conversation list with a fresh REST copy.
// Server unread counts are taken as reported, except for the open
// conversation, which stays at zero while it is being viewed. Pushes handled
// while the request was in flight are replayed onto the fetched list, and a
// response older than one already applied is dropped.
func (s *Session) LoadConversations(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	epoch := s.epoch
	gen := s.beginConvLoadLocked()
	s.mu.Unlock()

	listing, err := s.client.ListConversations(ctx)

	s.mu.Lock()
	pushes := s.takeConvLoadLocked(gen)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if epoch != s.epoch {
		s.mu.Unlock()
		s.logger.Debug("discarding conversation list fetched for a previous user")
		return nil
	}
	if !s.applyConversationsLocked(gen, listing.Items, pushes) {
		s.mu.Unlock()
		s.metrics.observeStale()
		s.logger.Debug("discarding superseded conversation list", zap.Uint64("generation", gen))
		return nil
	}
	if s.current != 0 {
		s.convs = SetUnread(s.convs, s.current, 0)
	}
	s.metrics.setUnread(s.convs)
	snap, v := s.commitLocked()
	s.mu.Unlock()
	s.publish(snap, v)
	return nil
}

func (s *Session) beginConvLoadLocked() uint64 {
	s.convGen++
	s.convLoads[s.convGen] = nil
	return s.convGen
}

func (s *Session) takeConvLoadLocked(gen uint64) []Message {
	pushes := s.convLoads[gen]
	delete(s.convLoads, gen)
	return pushes
}

// applyConversationsLocked installs a fetched list unless a list from a later
// request is already in place. It reports whether the list was applied.
func (s *Session) applyConversationsLocked(gen uint64, items []Conversation, pushes []Message) bool {
	if gen < s.convApplied {
		return false
	}
	s.convApplied = gen
	s.convs = replayPushes(normalizeConversations(items), pushes, s.userID)
	return true
}

// replayPushes applies pushes that are newer than the fetched last message
// of their conversation. Older ones are already part of the snapshot.
func replayPushes(convs []Conversation, pushes []Message, selfUserID int64) []Conversation {
	if len(pushes) == 0 {
		return convs
	}
	fetched := make(map[int64]*Message, len(convs))
	for _, c := range convs {
		fetched[c.ConversationID] = c.LastMessage
	}
	for _, m := range pushes {
		last := fetched[m.ConversationID]
		if last != nil && (last.MessageID == m.MessageID || last.SentAt.After(m.SentAt)) {
			continue
		}
		convs = ApplyMessage(convs, m, selfUserID)
	}
	return convs
}

func normalizeConversations(items []Conversation) []Conversation {
	convs := append([]Conversation(nil), items...)
	for _, c := range items {
		convs = SetUnread(convs, c.ConversationID, c.UnreadCount)
	}
	SortConversations(convs)
	return convs
}

// LoadMessages fetches the recent history of conversationID and makes it the
// open conversation. A response overtaken by a later load is dropped without
// error.
func (s *Session) LoadMessages(ctx context.Context, conversationID int64) error {
	if conversationID <= 0 {
		return &ValidationError{Field: "conversationId", Reason: "must be positive"}
	}
	gen, epoch, err := s.beginLoad(conversationID)
	if err != nil {
		return err
	}

	history, err := s.client.GetMessages(ctx, conversationID, s.historyTake)
	err = s.finishLoad(gen, 0, epoch, conversationID, history, nil, err)
	if IsStale(err) {
		s.metrics.observeStale()
		s.logger.Debug("discarding history", zap.Error(err))
		return nil
	}
	return err
}

func (s *Session) beginLoad(conversationID int64) (gen, epoch uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, 0, ErrClosed
	}
	s.loadGen++
	s.loading = &pendingLoad{gen: s.loadGen, conversationID: conversationID}
	return s.loadGen, s.epoch, nil
}

// finishLoad applies a fetched history, and optionally a fresh conversation
// list, as one state change. It returns a StaleResponseError when a later
// load or a user switch superseded this one.
func (s *Session) finishLoad(gen, convGen, epoch uint64, conversationID int64, history *Listing[Message], convs *Listing[Conversation], fetchErr error) error {
	s.mu.Lock()
	var pushes []Message
	if convGen != 0 {
		pushes = s.takeConvLoadLocked(convGen)
	}
	if gen != s.loadGen || epoch != s.epoch {
		s.mu.Unlock()
		return &StaleResponseError{ConversationID: conversationID}
	}
	var buffered []Message
	if s.loading != nil && s.loading.gen == gen {
		buffered = s.loading.buffered
		s.loading = nil
	}
	if fetchErr != nil {
		s.mu.Unlock()
		return fetchErr
	}

	// Local sends not yet echoed survive the reload.
	var msgs []Message
	if s.current == conversationID {
		for _, m := range s.msgs {
			if m.IsOptimistic() {
				msgs = append(msgs, m)
			}
		}
	}
	if history != nil {
		for _, m := range history.Items {
			msgs = MergeMessage(msgs, m, s.userID)
		}
	}
	for _, m := range buffered {
		msgs = MergeMessage(msgs, m, s.userID)
	}
	SortMessages(msgs)
	if msgs == nil {
		msgs = []Message{}
	}

	if convs != nil && !s.applyConversationsLocked(convGen, convs.Items, pushes) {
		s.logger.Debug("keeping newer conversation list", zap.Uint64("generation", convGen))
	}
	s.msgs = msgs
	s.current = conversationID
	s.convs = SetUnread(s.convs, conversationID, 0)
	s.metrics.setUnread(s.convs)
	snap, v := s.commitLocked()
	s.mu.Unlock()
	s.publish(snap, v)
	return nil
}

// MarkRead clears the unread counter of a conversation locally.
func (s *Session) MarkRead(conversationID int64) {
	s.mu.Lock()
	s.convs = SetUnread(s.convs, conversationID, 0)
	s.metrics.setUnread(s.convs)
	snap, v := s.commitLocked()
	s.mu.Unlock()
	s.publish(snap, v)
}

// ============================================================================
// Sending
// ============================================================================

// Send shows content in the conversation immediately and then delivers it
// through the hub. The returned client key identifies the local entry; when
// delivery fails the entry stays, marked failed, and RetrySend takes the key.
func (s *Session) Send(ctx context.Context, conversationID int64, content string) (string, error) {
	if conversationID <= 0 {
		return "", &ValidationError{Field: "conversationId", Reason: "must be positive"}
	}
	if strings.TrimSpace(content) == "" {
		return "", &ValidationError{Field: "content", Reason: "must not be blank"}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrClosed
	}
	ctrl := s.ctrl
	if ctrl == nil {
		s.mu.Unlock()
		return "", notConnected(MethodSendMessage, StateDisconnected)
	}
	msg := Message{
		ConversationID: conversationID,
		SenderID:       s.userID,
		Content:        content,
		SentAt:         s.now(),
		ClientKey:      uuid.NewString(),
		Delivery:       DeliveryPending,
	}
	s.outbox[msg.ClientKey] = msg
	if conversationID == s.current {
		s.msgs = MergeMessage(s.msgs, msg, s.userID)
	}
	snap, v := s.commitLocked()
	s.mu.Unlock()
	s.publish(snap, v)

	return msg.ClientKey, s.deliver(ctx, ctrl, msg)
}

// RetrySend delivers a failed message again.
func (s *Session) RetrySend(ctx context.Context, clientKey string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	msg, ok := s.outbox[clientKey]
	if !ok {
		s.mu.Unlock()
		return &ValidationError{Field: "clientKey", Reason: "no unsent message with this key"}
	}
	if msg.Delivery != DeliveryFailed {
		s.mu.Unlock()
		return &ValidationError{Field: "clientKey", Reason: "message is still being delivered"}
	}
	ctrl := s.ctrl
	if ctrl == nil {
		s.mu.Unlock()
		return notConnected(MethodSendMessage, StateDisconnected)
	}
	msg = s.setDeliveryLocked(clientKey, DeliveryPending)
	snap, v := s.commitLocked()
	s.mu.Unlock()
	s.publish(snap, v)

	return s.deliver(ctx, ctrl, msg)
}

func (s *Session) deliver(ctx context.Context, ctrl *Controller, msg Message) error {
	args := []any{msg.ConversationID, msg.Content}
	if s.sendKey {
		args = append(args, msg.ClientKey)
	}
	res, err := ctrl.Invoke(ctx, MethodSendMessage, args...)
	if err != nil {
		s.logger.Warn("send failed",
			zap.Int64("conversationId", msg.ConversationID),
			zap.String("clientKey", msg.ClientKey),
			zap.Error(err),
		)
		s.mu.Lock()
		if _, ok := s.outbox[msg.ClientKey]; ok {
			s.setDeliveryLocked(msg.ClientKey, DeliveryFailed)
		}
		snap, v := s.commitLocked()
		s.mu.Unlock()
		s.publish(snap, v)
		return err
	}

	// Hubs that answer with the stored message confirm it right away; the
	// others confirm through the ReceiveMessage echo.
	confirmed, perr := ParseMessagePayload(res)
	s.mu.Lock()
	if perr == nil && confirmed.ConversationID == msg.ConversationID {
		confirmed.ClientKey = msg.ClientKey
		if msg.ConversationID == s.current {
			s.msgs = s.mergeLocked(s.msgs, confirmed)
		}
		s.applyLocked(confirmed)
	}
	delete(s.outbox, msg.ClientKey)
	snap, v := s.commitLocked()
	s.mu.Unlock()
	s.publish(snap, v)
	return nil
}

// setDeliveryLocked updates the delivery state of an optimistic message both
// in the outbox and in the open conversation.
func (s *Session) setDeliveryLocked(clientKey string, state DeliveryState) Message {
	msg := s.outbox[clientKey]
	msg.Delivery = state
	s.outbox[clientKey] = msg

	for i := range s.msgs {
		if s.msgs[i].IsOptimistic() && s.msgs[i].ClientKey == clientKey {
			msgs := append([]Message(nil), s.msgs...)
			msgs[i].Delivery = state
			s.msgs = msgs
			break
		}
	}
	return msg
}

// ============================================================================
// Opening conversations
// ============================================================================

// OpenWithPeer opens the direct conversation with peerUserID, creating it on
// the server if needed, and returns its id. On failure the open conversation
// stays as it was.
func (s *Session) OpenWithPeer(ctx context.Context, peerUserID int64) (int64, error) {
	if peerUserID <= 0 {
		return 0, &ValidationError{Field: "peerUserId", Reason: "must be positive"}
	}
	ctrl, err := s.controller(MethodGetOrCreateDirectConversation)
	if err != nil {
		return 0, err
	}

	res, err := ctrl.Invoke(ctx, MethodGetOrCreateDirectConversation, peerUserID)
	if err != nil {
		return 0, err
	}
	conversationID, err := parseConversationID(res)
	if err != nil {
		return 0, err
	}
	if conversationID <= 0 {
		return 0, &NotFoundError{Resource: "conversation with user", ID: peerUserID}
	}
	return conversationID, s.joinAndLoad(ctx, ctrl, conversationID)
}

// OpenWithHost sends initialMessage to the host of a listing and opens the
// resulting conversation. It needs a live connection and fails with
// ErrStillConnecting otherwise.
func (s *Session) OpenWithHost(ctx context.Context, entityID int64, initialMessage string) (int64, error) {
	if entityID <= 0 {
		return 0, &ValidationError{Field: "entityId", Reason: "must be positive"}
	}
	if strings.TrimSpace(initialMessage) == "" {
		return 0, &ValidationError{Field: "content", Reason: "must not be blank"}
	}
	ctrl, err := s.controller("send-to-host")
	if err != nil {
		return 0, err
	}
	if ctrl.State() != StateConnected {
		return 0, ErrStillConnecting
	}

	conversationID, err := s.client.SendToHost(ctx, entityID, initialMessage)
	if err != nil {
		return 0, err
	}
	return conversationID, s.joinAndLoad(ctx, ctrl, conversationID)
}

// joinAndLoad joins the hub group of a conversation, then fetches its history
// and the conversation list together and applies both at once.
func (s *Session) joinAndLoad(ctx context.Context, ctrl *Controller, conversationID int64) error {
	if _, err := ctrl.Invoke(ctx, MethodJoinConversation, conversationID); err != nil {
		return err
	}

	gen, epoch, err := s.beginLoad(conversationID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	convGen := s.beginConvLoadLocked()
	s.mu.Unlock()

	var (
		history *Listing[Message]
		convs   *Listing[Conversation]
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		history, err = s.client.GetMessages(gctx, conversationID, s.historyTake)
		return err
	})
	g.Go(func() error {
		var err error
		convs, err = s.client.ListConversations(gctx)
		return err
	})
	err = s.finishLoad(gen, convGen, epoch, conversationID, history, convs, g.Wait())
	if IsStale(err) {
		s.metrics.observeStale()
		s.logger.Debug("discarding opened conversation", zap.Error(err))
		return nil
	}
	return err
}
