package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/chatkeeper/internal/logging"
	"github.com/chatkeeper/internal/metrics"
	"github.com/chatkeeper/internal/store"
	"github.com/chatkeeper/pkg/models"
)

// View is what a presentation layer renders for a session
type View struct {
	AccountID            string                `json:"accountId"`
	Conversations        []models.Conversation `json:"conversations"`
	ActiveConversationID string                `json:"activeConversationId,omitempty"`
	Messages             []models.Message      `json:"messages"`
	Loading              bool                  `json:"loading"`
}

// Handle controls a live subscription owned by a session
type Handle struct {
	close func()
	done  chan struct{}
}

// Close stops the subscription. It is safe to call more than once.
func (h *Handle) Close() {
	if h == nil {
		return
	}
	h.close()
}

// Done is closed once the subscription has stopped delivering snapshots
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Session is one account's view of its conversations. All state lives here
// rather than in package globals, so several accounts can be served at once.
type Session struct {
	m         *Manager
	accountID string
	logger    *logging.Logger
	ctx       context.Context
	cancel    context.CancelFunc

	// ops serializes intents that change which conversation is active
	ops sync.Mutex

	mu            sync.Mutex
	conversations []models.Conversation
	activeID      string
	messages      []models.Message
	loading       bool
	inFlightConv  string
	convHandle    *Handle
	msgHandle     *Handle
	msgGen        uint64
	closed        bool

	submitting atomic.Bool

	listenersMu sync.Mutex
	listeners   map[int]chan struct{}
	nextID      int
}

func newSession(ctx context.Context, m *Manager, accountID string) *Session {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	return &Session{
		m:         m,
		accountID: accountID,
		logger:    logging.ForAccount(accountID),
		ctx:       ctx,
		cancel:    cancel,
		listeners: make(map[int]chan struct{}),
	}
}

// AccountID returns the account this session serves
func (s *Session) AccountID() string {
	return s.accountID
}

// View returns a copy of the current observable state
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := View{
		AccountID:            s.accountID,
		Conversations:        append([]models.Conversation{}, s.conversations...),
		ActiveConversationID: s.activeID,
		Messages:             append([]models.Message{}, s.messages...),
		Loading:              s.loading,
	}
	return v
}

// ActiveConversationID returns the active conversation, or "" when none is active
func (s *Session) ActiveConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeID
}

// Updates returns a channel that receives a signal whenever View changes. Signals
// coalesce, so readers should call View after each one. The returned func
// unregisters the listener and closes the channel.
func (s *Session) Updates() (<-chan struct{}, func()) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()

	ch := make(chan struct{}, 1)
	if s.isClosed() {
		close(ch)
		return ch, func() {}
	}
	id := s.nextID
	s.nextID++
	s.listeners[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.listenersMu.Lock()
			defer s.listenersMu.Unlock()
			if _, ok := s.listeners[id]; ok {
				delete(s.listeners, id)
				close(ch)
			}
		})
	}
}

func (s *Session) notify() {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	for _, ch := range s.listeners {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ListConversations starts, or restarts, the live conversation list for the
// account, newest first. Whenever a snapshot arrives while no conversation is
// active, the newest one becomes active. The subscription runs until the handle
// or the session is closed.
func (s *Session) ListConversations() *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		h := &Handle{close: func() {}, done: make(chan struct{})}
		close(h.done)
		return h
	}
	s.convHandle.Close()

	sub := store.WatchConversations(s.ctx, s.m.store, s.accountID, s.watchOptions("conversations"))
	h := s.consume(sub.Close, func() {
		for snap := range sub.Snapshots() {
			s.applyConversations(snap)
		}
	})
	s.convHandle = h
	return h
}

func (s *Session) applyConversations(snap []models.Conversation) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.conversations = snap
	active := s.activeID
	if active == "" {
		s.selectNewestLocked(snap)
	}
	s.mu.Unlock()

	if active != "" && !containsConversation(snap, active) {
		s.dropIfGone(active)
	}
	s.notify()
}

func (s *Session) selectNewestLocked(snap []models.Conversation) {
	if len(snap) == 0 {
		return
	}
	s.logger.Log("No active conversation, selecting newest %s", snap[0].ID)
	s.activateLocked(snap[0].ID)
}

// dropIfGone clears the active conversation once the store confirms it was
// deleted elsewhere. A snapshot taken just before the conversation was created
// also lacks it, so absence alone is not enough.
func (s *Session) dropIfGone(id string) {
	_, err := s.m.store.GetConversation(s.ctx, id)
	if !errors.Is(err, store.ErrConversationNotFound) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.activeID != id {
		return
	}
	s.logger.Log("Active conversation %s was deleted elsewhere", id)
	s.activateLocked("")
	s.selectNewestLocked(s.conversations)
}

func containsConversation(snap []models.Conversation, id string) bool {
	for _, c := range snap {
		if c.ID == id {
			return true
		}
	}
	return false
}

// activateLocked makes id active and swaps the message subscription over to it.
// Callers hold s.mu.
func (s *Session) activateLocked(id string) {
	s.msgHandle.Close()
	s.msgHandle = nil
	s.msgGen++
	s.activeID = id
	s.messages = nil
	if id == "" {
		return
	}

	gen := s.msgGen
	sub := store.WatchMessages(s.ctx, s.m.store, id, s.watchOptions("messages"))
	s.msgHandle = s.consume(sub.Close, func() {
		for snap := range sub.Snapshots() {
			s.applyMessages(gen, snap)
		}
	})
}

func (s *Session) applyMessages(gen uint64, snap []models.Message) {
	s.mu.Lock()
	if s.closed || gen != s.msgGen {
		s.mu.Unlock()
		return
	}
	s.messages = snap
	s.mu.Unlock()
	s.notify()
}

// consume runs loop in its own goroutine and returns a handle whose Close calls stop
func (s *Session) consume(stop func(), loop func()) *Handle {
	h := &Handle{done: make(chan struct{})}
	var once sync.Once
	h.close = func() { once.Do(stop) }

	metrics.LiveSubscriptions.Inc()
	go func() {
		defer metrics.LiveSubscriptions.Dec()
		defer close(h.done)
		loop()
	}()
	return h
}

func (s *Session) watchOptions(what string) store.WatchOptions {
	return store.WatchOptions{
		PollInterval: s.m.opts.PollInterval,
		OnError: func(err error) {
			s.logger.Warn(err, "Live %s query failed", what)
		},
	}
}

// SelectConversation makes id the active conversation. Selecting the conversation
// that is already active does nothing. Otherwise the conversation being left is
// deleted first if it has no messages; a failed check or delete is logged and
// the switch goes ahead.
func (s *Session) SelectConversation(ctx context.Context, id string) error {
	if id == "" {
		return store.ErrConversationNotFound
	}
	s.ops.Lock()
	defer s.ops.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	prev := s.activeID
	s.mu.Unlock()
	if prev == id {
		return nil
	}
	if err := s.ownConversation(ctx, id); err != nil {
		return fmt.Errorf("cannot select conversation %s: %w", id, err)
	}

	s.switchTo(ctx, prev, id)
	return nil
}

// ownConversation reports another account's conversation as not found
func (s *Session) ownConversation(ctx context.Context, id string) error {
	conv, err := s.m.store.GetConversation(ctx, id)
	if err != nil {
		return err
	}
	if conv.AccountID != s.accountID {
		s.logger.Warn(store.ErrConversationNotFound, "Refused access to conversation %s of another account", id)
		return store.ErrConversationNotFound
	}
	return nil
}

// switchTo collects prev if it is empty, then activates next. Callers hold s.ops.
func (s *Session) switchTo(ctx context.Context, prev, next string) {
	if prev != "" && prev != next {
		s.collectIfEmpty(ctx, prev)
	}

	s.mu.Lock()
	if !s.closed {
		s.activateLocked(next)
	}
	s.mu.Unlock()
	s.notify()
}

func (s *Session) collectIfEmpty(ctx context.Context, id string) {
	s.mu.Lock()
	busy := s.inFlightConv == id
	s.mu.Unlock()
	if busy {
		return
	}

	n, err := s.m.store.CountMessages(ctx, id)
	if err != nil {
		s.logger.Warn(err, "Could not check whether conversation %s is empty, leaving it", id)
		return
	}
	if n > 0 {
		return
	}
	if err := s.m.store.DeleteConversation(ctx, id); err != nil {
		if !errors.Is(err, store.ErrConversationNotFound) {
			s.logger.Warn(err, "Could not delete empty conversation %s", id)
		}
		return
	}
	metrics.ConversationsCollected.Inc()
	s.logger.Log("Deleted empty conversation %s", id)
}

// CreateConversation writes a new conversation named "<prefix> N", where N is one
// more than the account's current conversation count, and makes it active.
func (s *Session) CreateConversation(ctx context.Context) (string, error) {
	s.ops.Lock()
	defer s.ops.Unlock()

	if s.isClosed() {
		return "", ErrSessionClosed
	}
	prev := s.ActiveConversationID()
	id, err := s.createConversation(ctx)
	if err != nil {
		return "", err
	}
	s.switchTo(ctx, prev, id)
	return id, nil
}

func (s *Session) createConversation(ctx context.Context) (string, error) {
	existing, err := s.m.store.ListConversations(ctx, s.accountID)
	if err != nil {
		return "", fmt.Errorf("failed to count conversations: %w", err)
	}
	c := &models.Conversation{
		Name:      fmt.Sprintf("%s %d", s.m.opts.NamePrefix, len(existing)+1),
		AccountID: s.accountID,
		CreatedAt: s.m.opts.Now(),
	}
	if err := s.m.store.CreateConversation(ctx, c); err != nil {
		return "", fmt.Errorf("failed to create conversation: %w", err)
	}
	s.logger.Info("Created conversation %s (%s)", c.ID, c.Name)
	return c.ID, nil
}

// ensureActive returns the active conversation, creating one if none is active,
// and marks it busy before s.ops is released so a concurrent switch never
// collects it while it is still empty.
func (s *Session) ensureActive(ctx context.Context) (string, error) {
	s.ops.Lock()
	defer s.ops.Unlock()

	id := s.ActiveConversationID()
	if id == "" {
		var err error
		if id, err = s.createConversation(ctx); err != nil {
			return "", err
		}
		s.switchTo(ctx, "", id)
	}
	s.setLoading(true, id)
	return id, nil
}

// DeleteConversation removes a conversation and its messages. Deleting the active
// conversation leaves the session with none active.
func (s *Session) DeleteConversation(ctx context.Context, id string) error {
	s.ops.Lock()
	defer s.ops.Unlock()

	if s.isClosed() {
		return ErrSessionClosed
	}
	if err := s.ownConversation(ctx, id); err != nil {
		return fmt.Errorf("failed to delete conversation %s: %w", id, err)
	}
	if err := s.m.store.DeleteConversation(ctx, id); err != nil {
		return fmt.Errorf("failed to delete conversation %s: %w", id, err)
	}
	s.logger.Info("Deleted conversation %s", id)

	s.mu.Lock()
	if s.activeID == id {
		s.activateLocked("")
	}
	s.mu.Unlock()
	s.notify()
	return nil
}

// Close stops every live subscription and wakes listeners for the last time
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conv, msgs := s.convHandle, s.msgHandle
	s.convHandle, s.msgHandle = nil, nil
	s.cancel()
	s.mu.Unlock()

	conv.Close()
	msgs.Close()
	if conv != nil {
		<-conv.Done()
	}
	if msgs != nil {
		<-msgs.Done()
	}

	s.listenersMu.Lock()
	for id, ch := range s.listeners {
		delete(s.listeners, id)
		close(ch)
	}
	s.listenersMu.Unlock()
	s.logger.Log("Session closed")
}
