// Package redisstore hosts the effectiveness weights in Redis so several
// engine processes can share them. Ledger and repair state stay in a SQL
// backend; combine the two with store.Composite.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/scottgal/lucidrag-sub005/internal/model"
	"github.com/scottgal/lucidrag-sub005/internal/store"
)

const defaultPrefix = "lucidlearn:"

// #region store-struct

// Store is a store.EffectivenessStore on a go-redis client. Each record is a
// JSON string under "<prefix>eff:<key>"; a set at "<prefix>eff:index" lists
// every key written so scans need no KEYS/SCAN.
type Store struct {
	client *redis.Client
	prefix string
}

var _ store.EffectivenessStore = (*Store)(nil)

// New connects with opts and pings the server. An empty prefix uses "lucidlearn:".
func New(ctx context.Context, opts *redis.Options, prefix string) (*Store, error) {
	if prefix == "" {
		prefix = defaultPrefix
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w: %v", store.ErrBackendUnavailable, err)
	}
	return &Store{client: client, prefix: prefix}, nil
}

// NewFromClient wraps an existing client without pinging it.
func NewFromClient(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return classify("ping", err)
	}
	return nil
}

// Close releases the client.
func (s *Store) Close() error {
	return s.client.Close()
}

// recordKey stores each key under its ID; index members are IDs too.
func (s *Store) recordKey(k model.EffectivenessKey) string {
	return s.prefix + "eff:" + k.ID()
}

func (s *Store) indexKey() string {
	return s.prefix + "eff:index"
}

// #endregion store-struct

// #region effectiveness

// GetEffectiveness loads the record for key.
func (s *Store) GetEffectiveness(ctx context.Context, key model.EffectivenessKey) (model.EffectivenessRecord, error) {
	data, err := s.client.Get(ctx, s.recordKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.EffectivenessRecord{}, fmt.Errorf("redis: get effectiveness %s: %w", key, store.ErrNotFound)
	}
	if err != nil {
		return model.EffectivenessRecord{}, classify("get effectiveness", err)
	}
	var rec model.EffectivenessRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return model.EffectivenessRecord{}, fmt.Errorf("redis: unmarshal %s: %w", key, err)
	}
	return rec, nil
}

// UpsertEffectiveness performs the version check under WATCH. A concurrent
// write between the read and EXEC aborts the transaction, which surfaces as
// ErrTransientConflict.
func (s *Store) UpsertEffectiveness(ctx context.Context, rec model.EffectivenessRecord) error {
	k := s.recordKey(rec.EffectivenessKey)
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("redis: marshal %s: %w", rec.EffectivenessKey, err)
	}

	txf := func(tx *redis.Tx) error {
		var stored int64
		cur, err := tx.Get(ctx, k).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			var prev model.EffectivenessRecord
			if err := json.Unmarshal(cur, &prev); err != nil {
				return fmt.Errorf("redis: unmarshal %s: %w", rec.EffectivenessKey, err)
			}
			stored = prev.Version
		}
		if rec.Version != stored+1 {
			return fmt.Errorf("redis: upsert %s (have v%d, want v%d): %w",
				rec.EffectivenessKey, stored, rec.Version-1, store.ErrTransientConflict)
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, k, data, 0)
			p.SAdd(ctx, s.indexKey(), rec.EffectivenessKey.ID())
			return nil
		})
		return err
	}

	err = s.client.Watch(ctx, txf, k)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.TxFailedErr):
		return fmt.Errorf("redis: upsert %s v%d: %w", rec.EffectivenessKey, rec.Version, store.ErrTransientConflict)
	case errors.Is(err, store.ErrTransientConflict):
		return err
	default:
		return classify("upsert effectiveness", err)
	}
}

// QueryTopEffectiveness returns non-retired records of a scope by stored weight.
func (s *Store) QueryTopEffectiveness(ctx context.Context, contentType, goal string, limit int) ([]model.EffectivenessRecord, error) {
	out, err := s.ListEffectiveness(ctx, model.EffectivenessFilter{ContentType: contentType, Goal: goal})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Weight > out[j].Weight })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListEffectiveness returns every record in scope ordered by key.
func (s *Store) ListEffectiveness(ctx context.Context, filter model.EffectivenessFilter) ([]model.EffectivenessRecord, error) {
	members, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, classify("list effectiveness", err)
	}
	if len(members) == 0 {
		return nil, nil
	}
	sort.Strings(members)
	keys := make([]string, len(members))
	for i, m := range members {
		keys[i] = s.prefix + "eff:" + m
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, classify("list effectiveness", err)
	}

	var out []model.EffectivenessRecord
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var rec model.EffectivenessRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("redis: unmarshal %s: %w", members[i], err)
		}
		if filter.Matches(rec) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EffectivenessKey.Compare(out[j].EffectivenessKey) < 0 })
	return out, nil
}

// #endregion effectiveness

// #region classify

func classify(op string, err error) error {
	var netErr net.Error
	if errors.Is(err, redis.ErrClosed) || errors.As(err, &netErr) {
		return fmt.Errorf("redis: %s: %w: %v", op, store.ErrBackendUnavailable, err)
	}
	return fmt.Errorf("redis: %s: %w", op, err)
}

// #endregion classify
