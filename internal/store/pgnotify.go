package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// PGNotifier relays NOTIFY payloads from the schema triggers into a Broadcaster,
// so writes made by other processes reach live subscriptions.
type PGNotifier struct {
	pool      *pgxpool.Pool
	feed      *Broadcaster
	channel   string
	reconnect time.Duration
}

// NewPGNotifier creates a notifier for the given pgx pool
func NewPGNotifier(pool *pgxpool.Pool, feed *Broadcaster) *PGNotifier {
	return &PGNotifier{
		pool:      pool,
		feed:      feed,
		channel:   NotifyChannel,
		reconnect: 2 * time.Second,
	}
}

// Run listens until ctx is done, reconnecting after connection failures
func (n *PGNotifier) Run(ctx context.Context) error {
	for {
		err := n.listen(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn().Err(err).Dur("reconnect_in", n.reconnect).Msg("Change listener disconnected")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(n.reconnect):
		}
	}
}

func (n *PGNotifier) listen(ctx context.Context) error {
	conn, err := n.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire listener connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+n.channel); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", n.channel, err)
	}
	log.Debug().Str("channel", n.channel).Msg("Listening for store changes")

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		change, err := ParseChange(notification.Payload)
		if err != nil {
			log.Warn().Err(err).Str("payload", notification.Payload).Msg("Ignoring malformed change notification")
			continue
		}
		n.feed.Publish(change)
	}
}

// ParseChange decodes a JSON change payload
func ParseChange(payload string) (Change, error) {
	var c Change
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		return Change{}, fmt.Errorf("invalid change payload: %w", err)
	}
	if c.Path == "" {
		return Change{}, fmt.Errorf("invalid change payload: missing path")
	}
	return c, nil
}
