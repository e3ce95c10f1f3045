package store

import (
	"context"
	"errors"

	"github.com/chatkeeper/pkg/models"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrInvalidMessage       = errors.New("invalid message")
)

// ConversationsPath is the top-level collection holding conversation records
const ConversationsPath = "chats"

// MessagesPath returns the sub-collection holding a conversation's messages
func MessagesPath(conversationID string) string {
	return ConversationsPath + "/" + conversationID + "/messages"
}

// Store is the durable, multi-writer conversation store.
// Implementations must be safe for concurrent use.
type Store interface {
	// CreateConversation assigns c.ID (and c.CreatedAt when zero) and persists it
	CreateConversation(ctx context.Context, c *models.Conversation) error
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	// DeleteConversation removes the record and its messages
	DeleteConversation(ctx context.Context, id string) error
	// ListConversations returns the account's conversations, newest first
	ListConversations(ctx context.Context, accountID string) ([]models.Conversation, error)

	// PutMessage writes msg under its own ID; writing the same ID twice overwrites
	PutMessage(ctx context.Context, conversationID string, msg *models.Message) error
	// ListMessages returns a conversation's messages, oldest first
	ListMessages(ctx context.Context, conversationID string) ([]models.Message, error)
	CountMessages(ctx context.Context, conversationID string) (int, error)

	// Changes reports writes so live subscriptions can refresh
	Changes() Feed
	Close() error
}

func validateMessage(conversationID string, msg *models.Message) error {
	if conversationID == "" {
		return ErrConversationNotFound
	}
	if msg == nil || msg.ID == "" || !msg.Role.Valid() {
		return ErrInvalidMessage
	}
	return nil
}
