package core

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// PendingGrant is a token obtained during OAuth before the user picked an
// ad account.
type PendingGrant struct {
	Handle    string
	UserID    string
	Platform  Platform
	Grant     TokenGrant
	CreatedAt time.Time
	ExpiresAt time.Time
}

type PendingTokenStore interface {
	Put(ctx context.Context, userID string, platform Platform, grant TokenGrant) (PendingGrant, error)
	// Take removes and returns the grant when it belongs to userID.
	Take(ctx context.Context, handle string, userID string) (PendingGrant, bool)
	Sweep(now time.Time) int
}

// TemporaryTokenCache keeps pending grants in a go-cache instance. The
// janitor is disabled; Sweep drives expiry. Take is serialized so a grant
// is handed out at most once.
type TemporaryTokenCache struct {
	mu    sync.Mutex
	cache *gocache.Cache
	ttl   time.Duration
	nowFn func() time.Time
}

func NewTemporaryTokenCache(ttl time.Duration) *TemporaryTokenCache {
	if ttl <= 0 {
		ttl = DefaultPendingTokenTTL
	}
	return &TemporaryTokenCache{
		cache: gocache.New(ttl, 0),
		ttl:   ttl,
		nowFn: func() time.Time { return time.Now().UTC() },
	}
}

func (c *TemporaryTokenCache) Put(_ context.Context, userID string, platform Platform, grant TokenGrant) (PendingGrant, error) {
	if c == nil {
		return PendingGrant{}, fmt.Errorf("core: temporary token cache is not configured")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return PendingGrant{}, fmt.Errorf("core: user id is required for pending token")
	}
	if strings.TrimSpace(grant.AccessToken) == "" {
		return PendingGrant{}, fmt.Errorf("core: access token is required for pending token")
	}
	handle, err := generatePendingHandle()
	if err != nil {
		return PendingGrant{}, err
	}
	now := c.nowFn()
	pending := PendingGrant{
		Handle:    handle,
		UserID:    userID,
		Platform:  platform,
		Grant:     grant,
		CreatedAt: now,
		ExpiresAt: now.Add(c.ttl),
	}
	c.cache.Set(handle, pending, c.ttl)
	return pending, nil
}

func (c *TemporaryTokenCache) Take(_ context.Context, handle string, userID string) (PendingGrant, bool) {
	if c == nil {
		return PendingGrant{}, false
	}
	handle = strings.TrimSpace(handle)
	c.mu.Lock()
	defer c.mu.Unlock()
	value, ok := c.cache.Get(handle)
	if !ok {
		return PendingGrant{}, false
	}
	pending, ok := value.(PendingGrant)
	if !ok || pending.UserID != strings.TrimSpace(userID) {
		return PendingGrant{}, false
	}
	c.cache.Delete(handle)
	return pending, true
}

// Sweep removes expired grants. go-cache tracks its own clock, so now is
// only used by the interface.
func (c *TemporaryTokenCache) Sweep(time.Time) int {
	if c == nil {
		return 0
	}
	before := c.cache.ItemCount()
	c.cache.DeleteExpired()
	removed := before - c.cache.ItemCount()
	if removed < 0 {
		return 0
	}
	return removed
}

func generatePendingHandle() (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("core: generate pending handle: %w", err)
	}
	return "pending_" + base64.RawURLEncoding.EncodeToString(raw), nil
}
