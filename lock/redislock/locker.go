// Package redislock serializes credential refreshes across processes with a
// Redis key per connection.
package redislock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-adsconnect/core"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const DefaultKeyPrefix = "adsconnect:refresh-lock:"

// releaseScript deletes the key only while it still carries our token.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// ErrLockLost is returned by Unlock when the key expired and was taken by
// another holder before release.
var ErrLockLost = errors.New("redislock: lock expired before release")

// Client is the subset of go-redis the locker needs. *redis.Client,
// *redis.ClusterClient and redis.UniversalClient satisfy it.
type Client interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	redis.Scripter
}

type Option func(*Locker)

func WithKeyPrefix(prefix string) Option {
	return func(l *Locker) {
		l.prefix = prefix
	}
}

func WithTokenGenerator(fn func() string) Option {
	return func(l *Locker) {
		if fn != nil {
			l.newToken = fn
		}
	}
}

type Locker struct {
	client   Client
	prefix   string
	script   *redis.Script
	newToken func() string
}

var _ core.ConnectionLocker = (*Locker)(nil)

func New(client Client, opts ...Option) (*Locker, error) {
	if client == nil {
		return nil, fmt.Errorf("redislock: redis client is required")
	}
	locker := &Locker{
		client:   client,
		prefix:   DefaultKeyPrefix,
		script:   redis.NewScript(releaseScript),
		newToken: uuid.NewString,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(locker)
	}
	return locker, nil
}

func (l *Locker) Acquire(ctx context.Context, connectionID string, ttl time.Duration) (core.LockHandle, error) {
	if l == nil || l.client == nil {
		return nil, fmt.Errorf("redislock: locker is not configured")
	}
	connectionID = strings.TrimSpace(connectionID)
	if connectionID == "" {
		return nil, fmt.Errorf("redislock: connection id is required")
	}
	if ttl <= 0 {
		ttl = core.DefaultRefreshLockTTL
	}

	key := l.Key(connectionID)
	token := l.newToken()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redislock: acquire %q: %w", connectionID, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: connection %q", core.ErrLockHeld, connectionID)
	}
	return &handle{locker: l, key: key, token: token}, nil
}

func (l *Locker) Key(connectionID string) string {
	return l.prefix + connectionID
}

type handle struct {
	locker *Locker
	key    string
	token  string
	once   sync.Once
	err    error
}

func (h *handle) Unlock(ctx context.Context) error {
	if h == nil || h.locker == nil {
		return nil
	}
	h.once.Do(func() {
		deleted, err := h.locker.script.Run(ctx, h.locker.client, []string{h.key}, h.token).Int64()
		if err != nil {
			h.err = fmt.Errorf("redislock: release %q: %w", h.key, err)
			return
		}
		if deleted == 0 {
			h.err = ErrLockLost
		}
	})
	return h.err
}
