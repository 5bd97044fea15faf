package imap

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
)

type (
	// Checkpoint persists the highest UID already ingested per user. The
	// fetcher is the writer; the email trigger poller is the reader, skipping
	// messages at or below the stored UID on its incremental scans. The bulk
	// fetcher itself always scans the full window so a raised target thread
	// count can reach back past the checkpoint.
	Checkpoint interface {
		// LastUID returns the stored UID for the user, zero when none.
		LastUID(ctx context.Context, userID string) (uint32, error)
		// SetLastUID stores the UID for the user.
		SetLastUID(ctx context.Context, userID string, uid uint32) error
	}

	// RedisCheckpoint implements Checkpoint on Redis.
	RedisCheckpoint struct {
		client redis.UniversalClient
		prefix string
	}

	// InMemCheckpoint implements Checkpoint in process memory. Used by tests
	// and single-process deployments.
	InMemCheckpoint struct {
		mu   sync.Mutex
		uids map[string]uint32
	}
)

// NewRedisCheckpoint builds a Redis-backed checkpoint. The optional prefix
// namespaces keys; it defaults to "imap:last_uid".
func NewRedisCheckpoint(client redis.UniversalClient, prefix string) (*RedisCheckpoint, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if prefix == "" {
		prefix = "imap:last_uid"
	}
	return &RedisCheckpoint{client: client, prefix: prefix}, nil
}

// LastUID implements Checkpoint.
func (c *RedisCheckpoint) LastUID(ctx context.Context, userID string) (uint32, error) {
	val, err := c.client.Get(ctx, c.key(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get last uid: %w", err)
	}
	uid, err := strconv.ParseUint(val, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("parse last uid %q: %w", val, err)
	}
	return uint32(uid), nil
}

// SetLastUID implements Checkpoint.
func (c *RedisCheckpoint) SetLastUID(ctx context.Context, userID string, uid uint32) error {
	if err := c.client.Set(ctx, c.key(userID), strconv.FormatUint(uint64(uid), 10), 0).Err(); err != nil {
		return fmt.Errorf("redis set last uid: %w", err)
	}
	return nil
}

func (c *RedisCheckpoint) key(userID string) string {
	return c.prefix + ":" + userID
}

// NewInMemCheckpoint builds an empty in-memory checkpoint.
func NewInMemCheckpoint() *InMemCheckpoint {
	return &InMemCheckpoint{uids: make(map[string]uint32)}
}

// LastUID implements Checkpoint.
func (c *InMemCheckpoint) LastUID(_ context.Context, userID string) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uids[userID], nil
}

// SetLastUID implements Checkpoint.
func (c *InMemCheckpoint) SetLastUID(_ context.Context, userID string, uid uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.uids[userID] = uid
	return nil
}
