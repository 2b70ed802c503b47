package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/scottgal/lucidrag-sub005/internal/store"
	"github.com/scottgal/lucidrag-sub005/internal/store/memory"
	"github.com/scottgal/lucidrag-sub005/internal/store/postgres"
	"github.com/scottgal/lucidrag-sub005/internal/store/redisstore"
	"github.com/scottgal/lucidrag-sub005/internal/store/sqlite"
)

// OpenBackend connects the configured store. When store.redis.addr is set the
// effectiveness weights live in Redis and the ledger and repair journal stay
// in the primary store.
func (c *Config) OpenBackend(ctx context.Context, logger *slog.Logger) (store.Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	primary, err := c.openPrimary(ctx, logger)
	if err != nil {
		return nil, err
	}
	if c.Store.Redis.Addr == "" {
		return primary, nil
	}

	weights, err := redisstore.New(ctx, &redis.Options{
		Addr:     c.Store.Redis.Addr,
		Password: c.Store.Redis.Password,
		DB:       c.Store.Redis.DB,
	}, c.Store.Redis.Prefix)
	if err != nil {
		primary.Close()
		return nil, fmt.Errorf("config: open redis %s: %w", c.Store.Redis.Addr, err)
	}
	logger.Info("effectiveness weights in redis", "addr", c.Store.Redis.Addr, "prefix", c.Store.Redis.Prefix)
	return &store.Composite{
		LedgerStore:        primary,
		EffectivenessStore: weights,
		RepairJournal:      primary,
		Pinger: func(ctx context.Context) error {
			return errors.Join(primary.Ping(ctx), weights.Ping(ctx))
		},
		Closers: []func() error{weights.Close, primary.Close},
	}, nil
}

func (c *Config) openPrimary(ctx context.Context, logger *slog.Logger) (store.Backend, error) {
	switch c.Store.Type {
	case "memory":
		return memory.New(), nil
	case "sqlite":
		st, err := sqlite.NewStore(c.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("config: open sqlite %s: %w", c.Store.Path, err)
		}
		logger.Info("sqlite store opened", "path", c.Store.Path)
		return st, nil
	case "postgres":
		db, err := postgres.New(ctx, c.Store.DSN, logger)
		if err != nil {
			return nil, fmt.Errorf("config: open postgres: %w", err)
		}
		return db, nil
	default:
		return nil, fmt.Errorf("config: unknown store type %q", c.Store.Type)
	}
}
