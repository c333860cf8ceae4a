// internal/queue/redis_backend.go
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// RedisBackend stores job records as JSON strings under <prefix><job id>.
type RedisBackend struct {
	rdb    *goredis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisBackend(ctx context.Context, addr, prefix string, ttl time.Duration) (*RedisBackend, error) {
	if addr == "" {
		return nil, fmt.Errorf("missing redis address")
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisBackend{rdb: rdb, prefix: prefix, ttl: ttl}, nil
}

func (b *RedisBackend) Close() error { return b.rdb.Close() }

func (b *RedisBackend) key(id string) string { return b.prefix + id }

func (b *RedisBackend) Load(ctx context.Context, id string) (*Record, error) {
	raw, err := b.rdb.Get(ctx, b.key(id)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", id, err)
	}
	return decodeRecord(raw)
}

func (b *RedisBackend) Store(ctx context.Context, rec *Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	if err := b.rdb.Set(ctx, b.key(rec.ID), raw, b.ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", rec.ID, err)
	}
	return nil
}

// Update uses WATCH/MULTI so concurrent writers retry instead of clobbering.
func (b *RedisBackend) Update(ctx context.Context, id string, fn func(*Record) error) (*Record, error) {
	key := b.key(id)
	var updated *Record
	txf := func(tx *goredis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, goredis.Nil) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		rec, err := decodeRecord(raw)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
		out, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, out, b.ttl)
			return nil
		})
		if err == nil {
			updated = rec
		}
		return err
	}
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		err := b.rdb.Watch(ctx, txf, key)
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("update %s: too many concurrent writers", id)
}
