package models

import (
	"time"
)

// Role identifies who authored a message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleError     Role = "error"
)

// Valid reports whether r is one of the known roles
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleError:
		return true
	}
	return false
}

// ImageKind tells how an image payload is carried
type ImageKind string

const (
	ImageBase64 ImageKind = "base64"
	ImageURL    ImageKind = "url"
)

// Image is a generated image attached to a message
type Image struct {
	Kind ImageKind `json:"type"`
	Data string    `json:"data"`
}

// Usable reports whether the image carries a payload a client can render
func (i *Image) Usable() bool {
	if i == nil || i.Data == "" {
		return false
	}
	return i.Kind == ImageBase64 || i.Kind == ImageURL
}

// Conversation is a named, account-owned thread of messages.
// The ID is assigned by the store on creation.
type Conversation struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	AccountID string    `json:"accountId" db:"account_id"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// Message is one immutable turn in a conversation. The ID is generated by the
// client and used as the document key, so rewriting the same message is idempotent.
type Message struct {
	ID             string    `json:"id" db:"id"`
	ConversationID string    `json:"-" db:"conversation_id"`
	Content        string    `json:"content" db:"content"`
	Image          *Image    `json:"image,omitempty" db:"image"`
	Role           Role      `json:"role" db:"role"`
	AccountID      string    `json:"accountId" db:"account_id"`
	CreatedAt      time.Time `json:"createdAt" db:"created_at"`
}

// Turn is a prior exchange passed to a text provider as context
type Turn struct {
	Role    Role
	Content string
}

// TurnsFrom converts a transcript into provider context. Error turns and image-only
// turns are skipped since providers never produced them as text.
func TurnsFrom(msgs []Message) []Turn {
	turns := make([]Turn, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == RoleError || m.Content == "" {
			continue
		}
		if m.Image != nil && m.Role == RoleAssistant {
			continue
		}
		turns = append(turns, Turn{Role: m.Role, Content: m.Content})
	}
	return turns
}
