package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/chatkeeper/pkg/models"
)

// NotifyChannel is the LISTEN/NOTIFY channel the schema triggers publish on
const NotifyChannel = "chatkeeper_changes"

const schema = `
CREATE TABLE IF NOT EXISTS chats (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	name       TEXT NOT NULL,
	account_id TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS chats_account_created_idx ON chats (account_id, created_at DESC);

CREATE TABLE IF NOT EXISTS chat_messages (
	id         TEXT NOT NULL,
	chat_id    TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
	content    TEXT NOT NULL,
	role       TEXT NOT NULL,
	account_id TEXT NOT NULL,
	image      JSONB,
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (chat_id, id)
);
CREATE INDEX IF NOT EXISTS chat_messages_created_idx ON chat_messages (chat_id, created_at);

CREATE OR REPLACE FUNCTION chatkeeper_notify() RETURNS trigger AS $$
DECLARE
	rec RECORD;
	payload TEXT;
BEGIN
	IF TG_OP = 'DELETE' THEN rec := OLD; ELSE rec := NEW; END IF;
	IF TG_TABLE_NAME = 'chats' THEN
		payload := json_build_object('path', 'chats', 'account_id', rec.account_id, 'conversation_id', rec.id)::text;
	ELSE
		payload := json_build_object('path', 'chats/' || rec.chat_id || '/messages', 'account_id', rec.account_id, 'conversation_id', rec.chat_id)::text;
	END IF;
	PERFORM pg_notify('` + NotifyChannel + `', payload);
	RETURN NULL;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS chats_notify ON chats;
CREATE TRIGGER chats_notify AFTER INSERT OR DELETE ON chats
	FOR EACH ROW EXECUTE FUNCTION chatkeeper_notify();

DROP TRIGGER IF EXISTS chat_messages_notify ON chat_messages;
CREATE TRIGGER chat_messages_notify AFTER INSERT OR UPDATE ON chat_messages
	FOR EACH ROW EXECUTE FUNCTION chatkeeper_notify();
`

// pq error code for foreign_key_violation
const fkViolation = "23503"

// PostgresStore implements Store using a database/sql connection.
// Writes publish to the local feed; writes from other processes arrive through
// a PGNotifier attached to the same feed.
type PostgresStore struct {
	db   *sql.DB
	feed *Broadcaster
}

// NewPostgresStore creates a new PostgresStore
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, feed: NewBroadcaster()}
}

// OpenPostgres opens and pings a lib/pq connection
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}
	return db, nil
}

// Migrate creates tables, indexes and notify triggers when missing
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Broadcaster exposes the feed so a PGNotifier can publish into it
func (s *PostgresStore) Broadcaster() *Broadcaster {
	return s.feed
}

func (s *PostgresStore) CreateConversation(ctx context.Context, c *models.Conversation) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO chats (name, account_id, created_at)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`, c.Name, c.AccountID, c.CreatedAt).Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}

	s.feed.Publish(Change{Path: ConversationsPath, AccountID: c.AccountID, ConversationID: c.ID})
	return nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	var c models.Conversation
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, account_id, created_at FROM chats WHERE id = $1
	`, id).Scan(&c.ID, &c.Name, &c.AccountID, &c.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) DeleteConversation(ctx context.Context, id string) error {
	var accountID string
	err := s.db.QueryRowContext(ctx, `
		DELETE FROM chats WHERE id = $1 RETURNING account_id
	`, id).Scan(&accountID)
	if err != nil {
		if err == sql.ErrNoRows {
			return ErrConversationNotFound
		}
		return fmt.Errorf("failed to delete conversation: %w", err)
	}

	s.feed.Publish(Change{Path: ConversationsPath, AccountID: accountID, ConversationID: id})
	s.feed.Publish(Change{Path: MessagesPath(id), AccountID: accountID, ConversationID: id})
	return nil
}

func (s *PostgresStore) ListConversations(ctx context.Context, accountID string) ([]models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, account_id, created_at
		FROM chats WHERE account_id = $1
		ORDER BY created_at DESC, id DESC
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	out := make([]models.Conversation, 0)
	for rows.Next() {
		var c models.Conversation
		if err := rows.Scan(&c.ID, &c.Name, &c.AccountID, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) PutMessage(ctx context.Context, conversationID string, msg *models.Message) error {
	if err := validateMessage(conversationID, msg); err != nil {
		return err
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	msg.ConversationID = conversationID

	var image interface{}
	if msg.Image != nil {
		raw, err := json.Marshal(msg.Image)
		if err != nil {
			return err
		}
		image = raw
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_messages (id, chat_id, content, role, account_id, image, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (chat_id, id) DO UPDATE
		SET content = EXCLUDED.content, role = EXCLUDED.role, account_id = EXCLUDED.account_id,
		    image = EXCLUDED.image, created_at = EXCLUDED.created_at
	`, msg.ID, conversationID, msg.Content, string(msg.Role), msg.AccountID, image, msg.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == fkViolation {
			return ErrConversationNotFound
		}
		return fmt.Errorf("failed to put message: %w", err)
	}

	s.feed.Publish(Change{Path: MessagesPath(conversationID), AccountID: msg.AccountID, ConversationID: conversationID})
	return nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, content, role, account_id, image, created_at
		FROM chat_messages WHERE chat_id = $1
		ORDER BY created_at ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	out := make([]models.Message, 0)
	for rows.Next() {
		var m models.Message
		var role string
		var image []byte
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Content, &role, &m.AccountID, &image, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Role = models.Role(role)
		if len(image) > 0 {
			var img models.Image
			if err := json.Unmarshal(image, &img); err != nil {
				log.Warn().Err(err).Str("message_id", m.ID).Msg("Dropping unreadable image payload")
			} else {
				m.Image = &img
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CountMessages(ctx context.Context, conversationID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM chat_messages WHERE chat_id = $1
	`, conversationID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) Changes() Feed {
	return s.feed
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
