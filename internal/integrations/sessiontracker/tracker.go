// Package sessiontracker decides whether a dialogue session has already had
// a successful turn.
package sessiontracker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix  = "session:"
	DefaultTTL = 24 * time.Hour
)

// redisAPI is the subset of *redis.Client used by Redis.
type redisAPI interface {
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// Redis keeps one key per session so that every Lambda instance agrees on
// whether a session has had a successful turn. Checking and marking are
// separate steps; a session stays new until MarkSeen is called.
type Redis struct {
	client redisAPI
	ttl    time.Duration
}

func NewRedis(client redisAPI, ttl time.Duration) (*Redis, error) {
	if client == nil {
		return nil, errors.New("sessiontracker: redis client must not be nil")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, ttl: ttl}, nil
}

func (r *Redis) IsNewSession(ctx context.Context, sessionID string) (bool, error) {
	key, err := sessionKey(sessionID)
	if err != nil {
		return false, err
	}
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("sessiontracker: exists: %w", err)
	}
	return n == 0, nil
}

// MarkSeen records the session. The first mark wins, so the TTL counts from
// the first successful turn.
func (r *Redis) MarkSeen(ctx context.Context, sessionID string) error {
	key, err := sessionKey(sessionID)
	if err != nil {
		return err
	}
	if err := r.client.SetNX(ctx, key, time.Now().UTC().Unix(), r.ttl).Err(); err != nil {
		return fmt.Errorf("sessiontracker: setnx: %w", err)
	}
	return nil
}

func sessionKey(sessionID string) (string, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return "", errors.New("sessiontracker: session id is required")
	}
	return keyPrefix + sessionID, nil
}

// Memory tracks sessions in process. Only suitable when a single instance
// serves all turns of a session.
type Memory struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
	now  func() time.Time
}

func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{seen: map[string]time.Time{}, ttl: ttl, now: time.Now}
}

func (m *Memory) IsNewSession(_ context.Context, sessionID string) (bool, error) {
	key, err := sessionKey(sessionID)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.expire(m.now())
	_, ok := m.seen[key]
	return !ok, nil
}

func (m *Memory) MarkSeen(_ context.Context, sessionID string) error {
	key, err := sessionKey(sessionID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.expire(now)
	if _, ok := m.seen[key]; !ok {
		m.seen[key] = now.Add(m.ttl)
	}
	return nil
}

// expire must be called with mu held.
func (m *Memory) expire(now time.Time) {
	for id, expires := range m.seen {
		if !now.Before(expires) {
			delete(m.seen, id)
		}
	}
}
