// Package sessionsink mirrors the connection snapshot to Redis so operators
// can read it without talking to the bot.
package sessionsink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/park285/blackstories-bot/internal/connection"
)

const (
	DefaultKey = "wa:session"
	// updates carries every persisted snapshot as JSON.
	updatesSuffix = ":updates"
)

type Redis struct {
	rdb *redis.Client
	key string
}

// Open parses a redis:// URL and pings the server.
func Open(ctx context.Context, redisURL string) (*Redis, error) {
	if strings.TrimSpace(redisURL) == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return New(rdb, DefaultKey), nil
}

func New(rdb *redis.Client, key string) *Redis {
	if strings.TrimSpace(key) == "" {
		key = DefaultKey
	}
	return &Redis{rdb: rdb, key: key}
}

func (r *Redis) Persist(ctx context.Context, s connection.Snapshot) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, r.key, raw, 0)
	pipe.Publish(ctx, r.key+updatesSuffix, raw)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("persist snapshot: %w", err)
	}
	return nil
}

// Load returns the last persisted snapshot, nil when none was written.
func (r *Redis) Load(ctx context.Context) (*connection.Snapshot, error) {
	raw, err := r.rdb.Get(ctx, r.key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	var s connection.Snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &s, nil
}

// Watch delivers snapshots as they are persisted until ctx ends.
func (r *Redis) Watch(ctx context.Context, fn func(connection.Snapshot)) error {
	sub := r.rdb.Subscribe(ctx, r.key+updatesSuffix)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var s connection.Snapshot
			if err := json.Unmarshal([]byte(msg.Payload), &s); err != nil {
				continue
			}
			fn(s)
		}
	}
}

func (r *Redis) Close() error { return r.rdb.Close() }
