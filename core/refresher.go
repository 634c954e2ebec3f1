package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

var ErrLockHeld = errors.New("core: refresh lock already held")

const (
	defaultLockBackoff    = 100 * time.Millisecond
	defaultLockMaxBackoff = time.Second
)

type RefresherConfig struct {
	Store    ConnectionStore
	Registry *ClientRegistry
	// Locker serializes refreshes across processes. Optional.
	Locker                ConnectionLocker
	LeadWindow            time.Duration
	LockTTL               time.Duration
	ValidateWithoutExpiry bool
	Now                   func() time.Time
	Logger                Logger
}

// Refresher keeps connection tokens usable. Concurrent refreshes of the same
// connection inside one process share a single exchange.
type Refresher struct {
	store                 ConnectionStore
	registry              *ClientRegistry
	locker                ConnectionLocker
	leadWindow            time.Duration
	lockTTL               time.Duration
	validateWithoutExpiry bool
	now                   func() time.Time
	logger                Logger
	lockBackoff           time.Duration
	group                 singleflight.Group
}

func NewRefresher(cfg RefresherConfig) *Refresher {
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	lockTTL := cfg.LockTTL
	if lockTTL <= 0 {
		lockTTL = DefaultRefreshLockTTL
	}
	leadWindow := cfg.LeadWindow
	if leadWindow < 0 {
		leadWindow = 0
	}
	return &Refresher{
		store:                 cfg.Store,
		registry:              cfg.Registry,
		locker:                cfg.Locker,
		leadWindow:            leadWindow,
		lockTTL:               lockTTL,
		validateWithoutExpiry: cfg.ValidateWithoutExpiry,
		now:                   now,
		logger:                cfg.Logger,
		lockBackoff:           defaultLockBackoff,
	}
}

// EnsureFresh returns conn with a usable access token, refreshing and
// persisting it when needed.
func (r *Refresher) EnsureFresh(ctx context.Context, conn Connection) (Connection, error) {
	if r == nil {
		return Connection{}, fmt.Errorf("core: refresher is not configured")
	}
	client, err := r.client(conn.Platform)
	if err != nil {
		return Connection{}, err
	}

	switch ResolveTokenState(r.now(), conn, r.leadWindow) {
	case TokenValid:
		if conn.ExpiresAt != nil || !r.validateWithoutExpiry {
			return conn, nil
		}
		ok, err := client.ValidateToken(ctx, conn.AccessToken)
		if err != nil {
			return Connection{}, err
		}
		if ok {
			return conn, nil
		}
		return r.refresh(ctx, conn, true)
	case TokenUnrefreshable:
		return Connection{}, unrefreshableError(conn)
	default:
		return r.refresh(ctx, conn, false)
	}
}

// ForceRefresh exchanges the refresh token even when the stored expiry says
// the access token is still good. Used after a platform rejects the token.
func (r *Refresher) ForceRefresh(ctx context.Context, conn Connection) (Connection, error) {
	if r == nil {
		return Connection{}, fmt.Errorf("core: refresher is not configured")
	}
	if conn.CredentialUnreadable {
		return Connection{}, NewDecryptionFailureError(conn.Platform, conn.ID)
	}
	return r.refresh(ctx, conn, true)
}

func (r *Refresher) refresh(ctx context.Context, conn Connection, force bool) (Connection, error) {
	value, err, _ := r.group.Do(conn.ID, func() (any, error) {
		return r.refreshLocked(ctx, conn, force)
	})
	if err != nil {
		return Connection{}, err
	}
	return value.(Connection), nil
}

func (r *Refresher) refreshLocked(ctx context.Context, conn Connection, force bool) (Connection, error) {
	if r.locker != nil {
		handle, err := r.acquire(ctx, conn.ID)
		if err != nil {
			return Connection{}, err
		}
		defer func() {
			_ = handle.Unlock(context.WithoutCancel(ctx))
		}()
	}

	current := conn
	if r.store != nil {
		stored, found, err := r.store.Get(ctx, conn.UserID, conn.ID)
		if err != nil {
			return Connection{}, err
		}
		if !found || !stored.IsActive {
			return Connection{}, NewNotFoundError("connection", conn.ID)
		}
		current = stored
	}
	if current.CredentialUnreadable {
		return Connection{}, NewDecryptionFailureError(current.Platform, current.ID)
	}

	// Another holder may have refreshed while we waited for the lock.
	if force {
		if current.AccessToken != conn.AccessToken && strings.TrimSpace(current.AccessToken) != "" {
			return current, nil
		}
	} else if ResolveTokenState(r.now(), current, r.leadWindow) == TokenValid {
		return current, nil
	}

	if strings.TrimSpace(current.RefreshToken) == "" {
		return Connection{}, unrefreshableError(current)
	}

	client, err := r.client(current.Platform)
	if err != nil {
		return Connection{}, err
	}
	grant, err := client.RefreshToken(ctx, current.RefreshToken)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || IsTransientProviderError(err) {
			return Connection{}, err
		}
		return Connection{}, NewReauthenticationRequiredError(
			current.Platform, current.ID, "the platform rejected the refresh token", err,
		)
	}
	if strings.TrimSpace(grant.AccessToken) == "" {
		return Connection{}, NewReauthenticationRequiredError(
			current.Platform, current.ID, "the platform returned an empty access token", nil,
		)
	}

	patch := ConnectionPatch{AccessToken: &grant.AccessToken}
	if strings.TrimSpace(grant.RefreshToken) != "" {
		patch.RefreshToken = &grant.RefreshToken
	}
	if expiresAt := grant.ExpiresAt(r.now()); expiresAt != nil {
		patch.ExpiresAt = expiresAt
	} else {
		patch.ClearExpiry = true
	}

	if r.store == nil {
		current.AccessToken = grant.AccessToken
		if patch.RefreshToken != nil {
			current.RefreshToken = grant.RefreshToken
		}
		current.ExpiresAt = cloneTime(patch.ExpiresAt)
		return current, nil
	}
	updated, err := r.store.Update(ctx, current.ID, patch)
	if err != nil {
		return Connection{}, err
	}
	logWithLevel(ctx, r.logger, "info", "connection token refreshed", map[string]any{
		"connection_id": updated.ID,
		"platform":      string(updated.Platform),
		"forced":        force,
	})
	return updated, nil
}

// acquire waits for a lock held elsewhere for up to one lock TTL, which is
// as long as the holder can keep it. The caller re-reads the row afterwards,
// so a waiter picks up the holder's refreshed token.
func (r *Refresher) acquire(ctx context.Context, connectionID string) (LockHandle, error) {
	deadline := time.Now().Add(r.lockTTL)
	backoff := r.lockBackoff
	if backoff <= 0 {
		backoff = defaultLockBackoff
	}
	for {
		handle, err := r.locker.Acquire(ctx, connectionID, r.lockTTL)
		if err == nil {
			return handle, nil
		}
		if !errors.Is(err, ErrLockHeld) {
			return nil, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, err
		}
		if waitErr := waitWithContext(ctx, min(backoff, remaining)); waitErr != nil {
			return nil, waitErr
		}
		backoff = min(backoff*2, defaultLockMaxBackoff)
	}
}

func (r *Refresher) client(platform Platform) (PlatformAdsClient, error) {
	if r.registry == nil {
		return nil, fmt.Errorf("core: client registry is not configured")
	}
	client, ok := r.registry.Get(platform)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPlatformNotRegistered, platform)
	}
	return client, nil
}

func unrefreshableError(conn Connection) error {
	if conn.CredentialUnreadable {
		return NewDecryptionFailureError(conn.Platform, conn.ID)
	}
	return NewReauthenticationRequiredError(
		conn.Platform, conn.ID, "access token expired and no refresh token is stored", nil,
	)
}
