package core

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var ErrPlatformNotRegistered = errors.New("core: no client registered for platform")

// ClientRegistry maps a Platform to its ads client.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[Platform]PlatformAdsClient
}

func NewClientRegistry(clients ...PlatformAdsClient) *ClientRegistry {
	registry := &ClientRegistry{clients: make(map[Platform]PlatformAdsClient)}
	for _, client := range clients {
		if client != nil {
			registry.Put(client)
		}
	}
	return registry
}

// Register fails when the platform already has a client.
func (r *ClientRegistry) Register(client PlatformAdsClient) error {
	if client == nil {
		return fmt.Errorf("core: platform client is nil")
	}
	platform := client.Platform()
	if !platform.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidPlatform, platform)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.clients[platform]; exists {
		return fmt.Errorf("core: client already registered for platform %s", platform)
	}
	r.clients[platform] = client
	return nil
}

// Put registers client, replacing any existing one.
func (r *ClientRegistry) Put(client PlatformAdsClient) {
	if client == nil {
		return
	}
	r.mu.Lock()
	r.clients[client.Platform()] = client
	r.mu.Unlock()
}

func (r *ClientRegistry) Get(platform Platform) (PlatformAdsClient, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	client, ok := r.clients[platform]
	r.mu.RUnlock()
	return client, ok
}

// OAuth returns the code exchanger for platform when its client supports one.
func (r *ClientRegistry) OAuth(platform Platform) (OAuthCodeExchanger, bool) {
	client, ok := r.Get(platform)
	if !ok {
		return nil, false
	}
	exchanger, ok := client.(OAuthCodeExchanger)
	return exchanger, ok
}

func (r *ClientRegistry) Platforms() []Platform {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	platforms := make([]Platform, 0, len(r.clients))
	for platform := range r.clients {
		platforms = append(platforms, platform)
	}
	r.mu.RUnlock()
	sort.Slice(platforms, func(i, j int) bool { return platforms[i] < platforms[j] })
	return platforms
}
