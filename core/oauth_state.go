package core

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"
)

// OAuthStateStore binds authorization requests to the user who started them.
type OAuthStateStore interface {
	Issue(ctx context.Context, userID string, platform Platform, redirectURI string) (OAuthExchangeState, error)
	// Validate consumes the state only when it belongs to userID and has
	// not expired. A user mismatch leaves the entry in place.
	Validate(ctx context.Context, stateID string, userID string) (OAuthExchangeState, bool)
	Sweep(now time.Time) int
}

type MemoryOAuthStateStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]OAuthExchangeState
	nowFn   func() time.Time
}

func NewMemoryOAuthStateStore(ttl time.Duration) *MemoryOAuthStateStore {
	if ttl <= 0 {
		ttl = DefaultOAuthStateTTL
	}
	return &MemoryOAuthStateStore{
		ttl:     ttl,
		entries: map[string]OAuthExchangeState{},
		nowFn:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryOAuthStateStore) Issue(_ context.Context, userID string, platform Platform, redirectURI string) (OAuthExchangeState, error) {
	if s == nil {
		return OAuthExchangeState{}, fmt.Errorf("core: oauth state store is not configured")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return OAuthExchangeState{}, fmt.Errorf("core: user id is required for oauth state")
	}
	if !platform.Valid() {
		return OAuthExchangeState{}, fmt.Errorf("%w: %q", ErrInvalidPlatform, platform)
	}
	id, err := generateOAuthState()
	if err != nil {
		return OAuthExchangeState{}, err
	}

	now := s.nowFn()
	state := OAuthExchangeState{
		ID:          id,
		UserID:      userID,
		Platform:    platform,
		RedirectURI: strings.TrimSpace(redirectURI),
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.ttl),
	}

	s.mu.Lock()
	s.entries[id] = state
	s.mu.Unlock()
	return state, nil
}

func (s *MemoryOAuthStateStore) Validate(_ context.Context, stateID string, userID string) (OAuthExchangeState, bool) {
	if s == nil {
		return OAuthExchangeState{}, false
	}
	stateID = strings.TrimSpace(stateID)
	if stateID == "" {
		return OAuthExchangeState{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.entries[stateID]
	if !ok {
		return OAuthExchangeState{}, false
	}
	if !state.ExpiresAt.IsZero() && !s.nowFn().Before(state.ExpiresAt) {
		delete(s.entries, stateID)
		return OAuthExchangeState{}, false
	}
	if state.UserID != strings.TrimSpace(userID) {
		return OAuthExchangeState{}, false
	}
	delete(s.entries, stateID)
	return state, true
}

// Sweep drops expired states and reports how many were removed.
func (s *MemoryOAuthStateStore) Sweep(now time.Time) int {
	if s == nil {
		return 0
	}
	if now.IsZero() {
		now = s.nowFn()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, state := range s.entries {
		if !now.Before(state.ExpiresAt) {
			delete(s.entries, id)
			removed++
		}
	}
	return removed
}

func (s *MemoryOAuthStateStore) Len() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func generateOAuthState() (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("core: generate oauth state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
