package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/chatkeeper/internal/retry"
	"github.com/chatkeeper/internal/store"
	"github.com/chatkeeper/pkg/models"
)

var (
	// ErrSubmissionInFlight rejects a submission while another one on the same session is running
	ErrSubmissionInFlight = errors.New("a submission is already in flight")
	// ErrEmptyPrompt rejects a submission with no text
	ErrEmptyPrompt = errors.New("prompt is empty")
	// ErrSessionClosed is returned by operations on a closed session
	ErrSessionClosed = errors.New("session is closed")
)

// Completions is the ordered provider chain a session submits prompts to
type Completions interface {
	GenerateText(ctx context.Context, prompt string, history []models.Turn) (string, error)
	GenerateImage(ctx context.Context, prompt string) (*models.Image, error)
}

// Options tunes a Manager. Zero values fall back to the defaults below.
type Options struct {
	// NamePrefix names new conversations "<prefix> N" (default "Chat")
	NamePrefix string
	// Retry is the durable write policy (default: 5 attempts, 3s apart)
	Retry retry.RetryConfig
	// PollInterval re-reads live queries for writers the change feed misses
	PollInterval time.Duration
	Now          func() time.Time
	NewID        func() string
}

// Manager opens chat sessions over one store and one provider chain
type Manager struct {
	store     store.Store
	providers Completions
	opts      Options

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewManager creates a manager
func NewManager(st store.Store, providers Completions, opts Options) *Manager {
	if opts.NamePrefix == "" {
		opts.NamePrefix = "Chat"
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.DurableWriteConfig()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Manager{
		store:     st,
		providers: providers,
		opts:      opts,
		sessions:  make(map[string]*Session),
	}
}

// Open starts a new session for accountID. The caller owns it and must Close it.
// No subscription runs until ListConversations is called.
func (m *Manager) Open(ctx context.Context, accountID string) (*Session, error) {
	if accountID == "" {
		return nil, errors.New("account id is required")
	}
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, ErrSessionClosed
	}
	return newSession(ctx, m, accountID), nil
}

// Session returns the shared session for accountID, opening it and starting its
// conversation subscription on first use. Shared sessions are closed by Close.
func (m *Manager) Session(accountID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrSessionClosed
	}
	if s, ok := m.sessions[accountID]; ok && !s.isClosed() {
		return s, nil
	}
	if accountID == "" {
		return nil, errors.New("account id is required")
	}

	s := newSession(context.Background(), m, accountID)
	s.ListConversations()
	m.sessions[accountID] = s
	log.Info().Str("account", accountID).Msg("Opened shared session")
	return s, nil
}

// Close closes every shared session
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}
