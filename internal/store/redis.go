package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/chatkeeper/pkg/models"
)

const redisChangesChannel = "chatkeeper:changes"

// RedisStore keeps conversations in hashes and orders them with sorted sets.
// Changes are published on a pub/sub channel so every process sharing the
// Redis instance sees every write.
type RedisStore struct {
	client *redis.Client
	feed   *Broadcaster
	pubsub *redis.PubSub
	done   chan struct{}
}

// NewRedisStore connects to redisURL and starts relaying change notifications
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return NewRedisStoreFromClient(ctx, redis.NewClient(opts))
}

// NewRedisStoreFromClient wraps an existing client
func NewRedisStoreFromClient(ctx context.Context, client *redis.Client) (*RedisStore, error) {
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	pubsub := client.Subscribe(context.Background(), redisChangesChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to changes: %w", err)
	}

	s := &RedisStore{
		client: client,
		feed:   NewBroadcaster(),
		pubsub: pubsub,
		done:   make(chan struct{}),
	}
	go s.relay()
	return s, nil
}

func (s *RedisStore) relay() {
	defer close(s.done)
	for msg := range s.pubsub.Channel() {
		change, err := ParseChange(msg.Payload)
		if err != nil {
			log.Warn().Err(err).Msg("Ignoring malformed change notification")
			continue
		}
		s.feed.Publish(change)
	}
}

// chatKey returns the key for a conversation hash
func chatKey(id string) string {
	return fmt.Sprintf("chat:%s", id)
}

// accountChatsKey returns the key for an account's conversation sorted set
func accountChatsKey(accountID string) string {
	return fmt.Sprintf("account:%s:chats", accountID)
}

// messageOrderKey returns the key for a conversation's message ordering
func messageOrderKey(chatID string) string {
	return fmt.Sprintf("chat:%s:messages", chatID)
}

// messageDataKey returns the key for a conversation's message bodies
func messageDataKey(chatID string) string {
	return fmt.Sprintf("chat:%s:message_data", chatID)
}

func (s *RedisStore) publish(ctx context.Context, c Change) {
	data, err := json.Marshal(c)
	if err != nil {
		return
	}
	if err := s.client.Publish(ctx, redisChangesChannel, data).Err(); err != nil {
		log.Warn().Err(err).Str("path", c.Path).Msg("Failed to publish change")
		// local subscribers still need to hear about it
		s.feed.Publish(c)
	}
}

func (s *RedisStore) CreateConversation(ctx context.Context, c *models.Conversation) error {
	c.ID = ulid.Make().String()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, chatKey(c.ID),
			"name", c.Name,
			"account_id", c.AccountID,
			"created_at", c.CreatedAt.UnixNano(),
		)
		pipe.ZAdd(ctx, accountChatsKey(c.AccountID), redis.Z{
			Score:  float64(c.CreatedAt.UnixMicro()),
			Member: c.ID,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}

	s.publish(ctx, Change{Path: ConversationsPath, AccountID: c.AccountID, ConversationID: c.ID})
	return nil
}

func (s *RedisStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	fields, err := s.client.HGetAll(ctx, chatKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrConversationNotFound
	}
	nanos, _ := strconv.ParseInt(fields["created_at"], 10, 64)
	return &models.Conversation{
		ID:        id,
		Name:      fields["name"],
		AccountID: fields["account_id"],
		CreatedAt: time.Unix(0, nanos).UTC(),
	}, nil
}

func (s *RedisStore) DeleteConversation(ctx context.Context, id string) error {
	c, err := s.GetConversation(ctx, id)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, chatKey(id), messageOrderKey(id), messageDataKey(id))
		pipe.ZRem(ctx, accountChatsKey(c.AccountID), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}

	s.publish(ctx, Change{Path: ConversationsPath, AccountID: c.AccountID, ConversationID: id})
	s.publish(ctx, Change{Path: MessagesPath(id), AccountID: c.AccountID, ConversationID: id})
	return nil
}

func (s *RedisStore) ListConversations(ctx context.Context, accountID string) ([]models.Conversation, error) {
	ids, err := s.client.ZRevRange(ctx, accountChatsKey(accountID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}

	out := make([]models.Conversation, 0, len(ids))
	for _, id := range ids {
		c, err := s.GetConversation(ctx, id)
		if errors.Is(err, ErrConversationNotFound) {
			// deleted between the range and the read
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, nil
}

func (s *RedisStore) PutMessage(ctx context.Context, conversationID string, msg *models.Message) error {
	if err := validateMessage(conversationID, msg); err != nil {
		return err
	}
	exists, err := s.client.Exists(ctx, chatKey(conversationID)).Result()
	if err != nil {
		return fmt.Errorf("failed to put message: %w", err)
	}
	if exists == 0 {
		return ErrConversationNotFound
	}

	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	msg.ConversationID = conversationID

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, messageDataKey(conversationID), msg.ID, data)
		pipe.ZAdd(ctx, messageOrderKey(conversationID), redis.Z{
			Score:  float64(msg.CreatedAt.UnixMicro()),
			Member: msg.ID,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to put message: %w", err)
	}

	s.publish(ctx, Change{Path: MessagesPath(conversationID), AccountID: msg.AccountID, ConversationID: conversationID})
	return nil
}

func (s *RedisStore) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	ids, err := s.client.ZRange(ctx, messageOrderKey(conversationID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	if len(ids) == 0 {
		return []models.Message{}, nil
	}

	raw, err := s.client.HMGet(ctx, messageDataKey(conversationID), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	out := make([]models.Message, 0, len(raw))
	for _, v := range raw {
		data, ok := v.(string)
		if !ok {
			continue
		}
		var m models.Message
		if err := json.Unmarshal([]byte(data), &m); err != nil {
			continue
		}
		m.ConversationID = conversationID
		out = append(out, m)
	}
	return out, nil
}

func (s *RedisStore) CountMessages(ctx context.Context, conversationID string) (int, error) {
	n, err := s.client.ZCard(ctx, messageOrderKey(conversationID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return int(n), nil
}

func (s *RedisStore) Changes() Feed {
	return s.feed
}

// Close stops the change relay and closes the client
func (s *RedisStore) Close() error {
	s.pubsub.Close()
	<-s.done
	return s.client.Close()
}
