package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/chatkeeper/pkg/models"
)

// Subscription is a live query. Each value on Snapshots replaces the previous
// one; a slow reader only ever sees the latest snapshot.
type Subscription[T any] struct {
	snapshots chan []T
	cancel    context.CancelFunc
	done      chan struct{}
	once      sync.Once
}

// Snapshots returns the channel of full result sets. It is closed after Close.
func (s *Subscription[T]) Snapshots() <-chan []T {
	return s.snapshots
}

// Close stops the subscription and waits for its goroutine to exit
func (s *Subscription[T]) Close() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
}

// Done is closed once the subscription goroutine has exited
func (s *Subscription[T]) Done() <-chan struct{} {
	return s.done
}

// WatchOptions tunes a live query
type WatchOptions struct {
	// PollInterval re-runs the query even without a change notification, for
	// writers the feed cannot see. Zero disables polling.
	PollInterval time.Duration
	// OnError is called when the query fails; the previous snapshot stays current
	OnError func(error)
}

// Watch runs query once immediately and again whenever feed reports a matching
// change, emitting a snapshot when the result differs from the last one.
func Watch[T any](ctx context.Context, feed Feed, match func(Change) bool, query func(ctx context.Context) ([]T, error), opts WatchOptions) *Subscription[T] {
	ctx, cancel := context.WithCancel(ctx)
	s := &Subscription[T]{
		snapshots: make(chan []T, 1),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	changes, unsubscribe := feed.Subscribe(match)

	go func() {
		defer close(s.done)
		defer close(s.snapshots)
		defer unsubscribe()

		var tick <-chan time.Time
		if opts.PollInterval > 0 {
			ticker := time.NewTicker(opts.PollInterval)
			defer ticker.Stop()
			tick = ticker.C
		}

		var last []T
		first := true
		refresh := func() {
			snap, err := query(ctx)
			if err != nil {
				if ctx.Err() == nil && opts.OnError != nil {
					opts.OnError(err)
				}
				return
			}
			if snap == nil {
				snap = []T{}
			}
			if !first && cmp.Equal(snap, last) {
				return
			}
			first = false
			last = snap
			select {
			case <-s.snapshots:
			default:
			}
			s.snapshots <- snap
		}

		refresh()
		for {
			select {
			case <-ctx.Done():
				return
			case <-changes:
				refresh()
			case <-tick:
				refresh()
			}
		}
	}()

	return s
}

// WatchConversations subscribes to an account's conversation list, newest first
func WatchConversations(ctx context.Context, st Store, accountID string, opts WatchOptions) *Subscription[models.Conversation] {
	match := func(c Change) bool {
		return c.Path == ConversationsPath && (c.AccountID == "" || c.AccountID == accountID)
	}
	return Watch(ctx, st.Changes(), match, func(ctx context.Context) ([]models.Conversation, error) {
		return st.ListConversations(ctx, accountID)
	}, opts)
}

// WatchMessages subscribes to a conversation's messages, oldest first
func WatchMessages(ctx context.Context, st Store, conversationID string, opts WatchOptions) *Subscription[models.Message] {
	path := MessagesPath(conversationID)
	match := func(c Change) bool {
		return c.Path == path
	}
	return Watch(ctx, st.Changes(), match, func(ctx context.Context) ([]models.Message, error) {
		return st.ListMessages(ctx, conversationID)
	}, opts)
}
