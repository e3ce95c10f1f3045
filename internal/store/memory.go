package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/chatkeeper/pkg/models"
)

// InMemoryStore is a threadsafe in-memory Store for tests and local runs
type InMemoryStore struct {
	mu       sync.RWMutex
	chats    map[string]*models.Conversation
	messages map[string]map[string]*memMessage
	seq      int64
	feed     *Broadcaster
	now      func() time.Time
}

type memMessage struct {
	msg models.Message
	seq int64
}

// NewInMemoryStore creates an empty store
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		chats:    make(map[string]*models.Conversation),
		messages: make(map[string]map[string]*memMessage),
		feed:     NewBroadcaster(),
		now:      time.Now,
	}
}

// SetClock replaces the time source used for unset timestamps
func (s *InMemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *InMemoryStore) CreateConversation(ctx context.Context, c *models.Conversation) error {
	s.mu.Lock()
	c.ID = ulid.Make().String()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	cp := *c
	s.chats[c.ID] = &cp
	s.messages[c.ID] = make(map[string]*memMessage)
	s.mu.Unlock()

	s.feed.Publish(Change{Path: ConversationsPath, AccountID: c.AccountID, ConversationID: c.ID})
	return nil
}

func (s *InMemoryStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chats[id]
	if !ok {
		return nil, ErrConversationNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *InMemoryStore) DeleteConversation(ctx context.Context, id string) error {
	s.mu.Lock()
	c, ok := s.chats[id]
	if !ok {
		s.mu.Unlock()
		return ErrConversationNotFound
	}
	delete(s.chats, id)
	delete(s.messages, id)
	s.mu.Unlock()

	s.feed.Publish(Change{Path: ConversationsPath, AccountID: c.AccountID, ConversationID: id})
	s.feed.Publish(Change{Path: MessagesPath(id), AccountID: c.AccountID, ConversationID: id})
	return nil
}

func (s *InMemoryStore) ListConversations(ctx context.Context, accountID string) ([]models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Conversation, 0)
	for _, c := range s.chats {
		if c.AccountID == accountID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *InMemoryStore) PutMessage(ctx context.Context, conversationID string, msg *models.Message) error {
	if err := validateMessage(conversationID, msg); err != nil {
		return err
	}

	s.mu.Lock()
	msgs, ok := s.messages[conversationID]
	if !ok {
		s.mu.Unlock()
		return ErrConversationNotFound
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	msg.ConversationID = conversationID
	cp := *msg
	if msg.Image != nil {
		img := *msg.Image
		cp.Image = &img
	}
	seq := s.seq
	if existing, ok := msgs[msg.ID]; ok {
		seq = existing.seq
	} else {
		s.seq++
	}
	msgs[msg.ID] = &memMessage{msg: cp, seq: seq}
	s.mu.Unlock()

	s.feed.Publish(Change{Path: MessagesPath(conversationID), AccountID: msg.AccountID, ConversationID: conversationID})
	return nil
}

func (s *InMemoryStore) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[conversationID]
	entries := make([]*memMessage, 0, len(msgs))
	for _, m := range msgs {
		entries = append(entries, m)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].msg.CreatedAt.Equal(entries[j].msg.CreatedAt) {
			return entries[i].seq < entries[j].seq
		}
		return entries[i].msg.CreatedAt.Before(entries[j].msg.CreatedAt)
	})
	out := make([]models.Message, 0, len(entries))
	for _, e := range entries {
		m := e.msg
		if e.msg.Image != nil {
			img := *e.msg.Image
			m.Image = &img
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *InMemoryStore) CountMessages(ctx context.Context, conversationID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages[conversationID]), nil
}

func (s *InMemoryStore) Changes() Feed {
	return s.feed
}

func (s *InMemoryStore) Close() error {
	return nil
}
