package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chatkeeper/internal/aiconnectors"
	"github.com/chatkeeper/internal/metrics"
	"github.com/chatkeeper/internal/retry"
	"github.com/chatkeeper/internal/store"
	"github.com/chatkeeper/pkg/models"
)

type modality string

const (
	modalityText  modality = "text"
	modalityImage modality = "image"
)

// Submission is the outcome of one prompt: the user message and exactly one
// assistant or error reply.
type Submission struct {
	ConversationID string          `json:"conversationId"`
	Prompt         *models.Message `json:"prompt"`
	Reply          *models.Message `json:"reply"`
}

// SubmitPrompt writes text as a user message, asks the provider chain for a
// reply, and writes the reply. When every provider fails the reply is an
// error-role message. A conversation is created first if none is active.
func (s *Session) SubmitPrompt(ctx context.Context, text string) (*Submission, error) {
	return s.submit(ctx, text, modalityText)
}

// SubmitImagePrompt is SubmitPrompt for image generation. A provider answer
// without a URL or inline data counts as a failure.
func (s *Session) SubmitImagePrompt(ctx context.Context, text string) (*Submission, error) {
	return s.submit(ctx, text, modalityImage)
}

func (s *Session) submit(ctx context.Context, text string, kind modality) (*Submission, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyPrompt
	}
	if s.isClosed() {
		return nil, ErrSessionClosed
	}
	if !s.submitting.CompareAndSwap(false, true) {
		metrics.Submissions.WithLabelValues(string(kind), "rejected").Inc()
		return nil, ErrSubmissionInFlight
	}
	defer s.submitting.Store(false)

	s.setLoading(true, "")
	defer s.setLoading(false, "")

	// The work outlives the caller: an abandoned request still records its reply
	// in the conversation it started in.
	work := context.WithoutCancel(ctx)

	convID, err := s.ensureActive(work)
	if err != nil {
		metrics.Submissions.WithLabelValues(string(kind), "failed").Inc()
		return nil, err
	}

	var history []models.Turn
	if kind == modalityText {
		prior, err := s.m.store.ListMessages(work, convID)
		if err != nil {
			s.logger.Warn(err, "Could not load history for %s, sending prompt alone", convID)
		}
		history = models.TurnsFrom(prior)
	}

	prompt := s.newMessage(models.RoleUser, text, time.Time{})
	if err := s.persist(work, convID, prompt); err != nil {
		metrics.Submissions.WithLabelValues(string(kind), "failed").Inc()
		return nil, fmt.Errorf("failed to save prompt: %w", err)
	}

	var reply *models.Message
	switch kind {
	case modalityImage:
		img, err := s.m.providers.GenerateImage(work, text)
		if err == nil && !img.Usable() {
			err = aiconnectors.ErrEmptyResponse
		}
		if err != nil {
			reply = s.errorReply(err, prompt.CreatedAt)
		} else {
			content := ""
			if img.Kind == models.ImageURL {
				content = img.Data
			}
			reply = s.newMessage(models.RoleAssistant, content, prompt.CreatedAt)
			reply.Image = img
		}
	default:
		out, err := s.m.providers.GenerateText(work, text, history)
		if err != nil {
			reply = s.errorReply(err, prompt.CreatedAt)
		} else {
			reply = s.newMessage(models.RoleAssistant, out, prompt.CreatedAt)
		}
	}

	if err := s.persist(work, convID, reply); err != nil {
		metrics.Submissions.WithLabelValues(string(kind), "failed").Inc()
		return nil, fmt.Errorf("failed to save %s reply: %w", reply.Role, err)
	}

	metrics.Submissions.WithLabelValues(string(kind), string(reply.Role)).Inc()
	return &Submission{ConversationID: convID, Prompt: prompt, Reply: reply}, nil
}

func (s *Session) setLoading(loading bool, convID string) {
	s.mu.Lock()
	s.loading = loading
	s.inFlightConv = convID
	s.mu.Unlock()
	s.notify()
}

// newMessage stamps a message so it sorts after the one it answers
func (s *Session) newMessage(role models.Role, content string, after time.Time) *models.Message {
	now := s.m.opts.Now()
	if !after.IsZero() && !now.After(after) {
		now = after.Add(time.Millisecond)
	}
	return &models.Message{
		ID:        s.m.opts.NewID(),
		Content:   content,
		Role:      role,
		AccountID: s.accountID,
		CreatedAt: now,
	}
}

// errorReply turns a provider failure into the message the user sees. The
// individual provider errors go to the log only.
func (s *Session) errorReply(err error, after time.Time) *models.Message {
	s.logger.LogError("completion", err)

	description := "the request could not be completed"
	switch {
	case errors.Is(err, aiconnectors.ErrProvidersExhausted):
		description = "all providers failed to respond"
	case errors.Is(err, context.DeadlineExceeded):
		description = "the request timed out"
	}
	return s.newMessage(models.RoleError, "Error: "+description, after)
}

// persist writes msg with the durable write policy. A missing conversation is
// permanent, so a reply for a conversation deleted meanwhile is dropped at once.
func (s *Session) persist(ctx context.Context, convID string, msg *models.Message) error {
	attempts := 0
	err := retry.Do(ctx, s.m.opts.Retry, func(ctx context.Context) error {
		attempts++
		err := s.m.store.PutMessage(ctx, convID, msg)
		if errors.Is(err, store.ErrConversationNotFound) || errors.Is(err, store.ErrInvalidMessage) {
			return retry.Permanent(err)
		}
		return err
	}, s.logger)

	if attempts > 1 {
		metrics.StoreWriteRetries.Add(float64(attempts - 1))
	}
	if err != nil {
		metrics.StoreWriteFailures.Inc()
		s.logger.LogError(fmt.Sprintf("writing %s message %s to %s", msg.Role, msg.ID, convID), err)
	}
	return err
}
