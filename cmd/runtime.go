package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/chatkeeper/internal/aiconnectors"
	"github.com/chatkeeper/internal/config"
	"github.com/chatkeeper/internal/logging"
	"github.com/chatkeeper/internal/retry"
	"github.com/chatkeeper/internal/session"
	"github.com/chatkeeper/internal/store"
)

// runtime holds everything a command needs to serve sessions
type runtime struct {
	cfg     *config.Config
	store   store.Store
	chain   *aiconnectors.Chain
	manager *session.Manager

	cancel  context.CancelFunc
	closers []func()
}

// loadValidConfig loads and validates the file named by the global --config flag
func loadValidConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newRuntime wires config, store, provider chain and session manager
func newRuntime(c *cli.Context) (*runtime, error) {
	cfg, err := loadValidConfig(c)
	if err != nil {
		return nil, err
	}
	logging.Setup(cfg.General.LogLevel, cfg.General.PrettyLogs, os.Stderr)

	ctx, cancel := context.WithCancel(c.Context)
	rt := &runtime{cfg: cfg, cancel: cancel}

	st, err := rt.openStore(ctx)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.store = st

	chain, err := aiconnectors.BuildChain(ctx, cfg)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("failed to build provider chain: %w", err)
	}
	rt.chain = chain

	rt.manager = session.NewManager(st, chain, session.Options{
		NamePrefix: cfg.General.ChatNamePrefix,
		Retry: retry.RetryConfig{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.Delay,
			MaxDelay:    cfg.Retry.Delay,
			Multiplier:  1.0,
			LogRetries:  true,
		},
		PollInterval: cfg.Store.PollInterval,
	})
	rt.closers = append(rt.closers, rt.manager.Close)

	log.Info().
		Str("store", cfg.Store.Driver).
		Strs("providers", chain.Names()).
		Msg("Runtime ready")
	return rt, nil
}

func (rt *runtime) openStore(ctx context.Context) (store.Store, error) {
	switch rt.cfg.Store.Driver {
	case "postgres":
		var db *sql.DB
		err := connectWithRetry(ctx, "postgres", retry.DefaultRetryConfig(), func() (err error) {
			db, err = store.OpenPostgres(ctx, rt.cfg.Store.DSN)
			return err
		})
		if err != nil {
			return nil, err
		}
		pg := store.NewPostgresStore(db)
		rt.closers = append(rt.closers, func() { _ = pg.Close() })
		if err := pg.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("failed to migrate schema: %w", err)
		}

		pool, err := pgxpool.New(ctx, rt.cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open listener pool: %w", err)
		}
		rt.closers = append(rt.closers, pool.Close)
		go func() {
			if err := store.NewPGNotifier(pool, pg.Broadcaster()).Run(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("Change listener stopped")
			}
		}()
		return pg, nil

	case "redis":
		var rs *store.RedisStore
		err := connectWithRetry(ctx, "redis", retry.DefaultRetryConfig(), func() (err error) {
			rs, err = store.NewRedisStore(ctx, rt.cfg.Store.RedisURL)
			return err
		})
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, func() { _ = rs.Close() })
		return rs, nil

	default:
		mem := store.NewInMemoryStore()
		rt.closers = append(rt.closers, func() { _ = mem.Close() })
		return mem, nil
	}
}

// connectWithRetry retries connect while its failures look transient, such as a
// refused connection. Other failures, like bad credentials, are returned at once.
func connectWithRetry(ctx context.Context, what string, policy retry.RetryConfig, connect func() error) error {
	result := retry.RetryWithBackoff(ctx, policy, func() error {
		err := connect()
		if err != nil && !retry.IsRetryableError(err) {
			return retry.Permanent(err)
		}
		return err
	}, logging.ForAccount("startup"))
	if result.Success {
		return nil
	}

	err := result.LastError
	if retry.IsPermanent(err) {
		err = errors.Unwrap(err)
	}
	return fmt.Errorf("failed to connect to %s after %d attempts: %w", what, result.Attempts, err)
}

// Close releases resources in reverse order of acquisition
func (rt *runtime) Close() {
	rt.cancel()
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}
