package adsconnect

import (
	"strings"

	"github.com/goliatone/go-adsconnect/core"
	"github.com/goliatone/go-adsconnect/providers/facebook"
	"github.com/goliatone/go-adsconnect/providers/googleads"
	"github.com/goliatone/go-adsconnect/providers/tiktok"
)

func FacebookClient(cfg facebook.Config) (core.PlatformAdsClient, error) {
	return facebook.New(cfg)
}

func GoogleAdsClient(cfg googleads.Config) (core.PlatformAdsClient, error) {
	return googleads.New(cfg)
}

func TikTokClient(cfg tiktok.Config) (core.PlatformAdsClient, error) {
	return tiktok.New(cfg)
}

// ClientDependencies are shared by every platform client built from config.
type ClientDependencies struct {
	Transport core.TransportAdapter
	RateLimit core.RateLimitPolicy
}

// NewClientRegistryFromConfig builds a client for each platform that has
// credentials in cfg. Platforms left blank are skipped so a deployment can
// serve a subset of the networks.
func NewClientRegistryFromConfig(cfg core.PlatformsConfig, deps ClientDependencies) (*core.ClientRegistry, error) {
	registry := core.NewClientRegistry()

	if configured(cfg.Facebook.AppID, cfg.Facebook.AppSecret) {
		client, err := FacebookClient(facebook.Config{
			AppID:      cfg.Facebook.AppID,
			AppSecret:  cfg.Facebook.AppSecret,
			APIVersion: cfg.Facebook.APIVersion,
			Transport:  deps.Transport,
			RateLimit:  deps.RateLimit,
		})
		if err != nil {
			return nil, err
		}
		if err := registry.Register(client); err != nil {
			return nil, err
		}
	}

	if configured(cfg.Google.ClientID, cfg.Google.DeveloperToken) {
		client, err := GoogleAdsClient(googleads.Config{
			ClientID:          cfg.Google.ClientID,
			ClientSecret:      cfg.Google.ClientSecret,
			DeveloperToken:    cfg.Google.DeveloperToken,
			UseManagerAccount: cfg.Google.UseManagerAccount,
			LoginCustomerID:   cfg.Google.LoginCustomerID,
			APIVersion:        cfg.Google.APIVersion,
			Transport:         deps.Transport,
			RateLimit:         deps.RateLimit,
		})
		if err != nil {
			return nil, err
		}
		if err := registry.Register(client); err != nil {
			return nil, err
		}
	}

	if configured(cfg.TikTok.AppID, cfg.TikTok.Secret) {
		client, err := TikTokClient(tiktok.Config{
			AppID:     cfg.TikTok.AppID,
			Secret:    cfg.TikTok.Secret,
			Transport: deps.Transport,
			RateLimit: deps.RateLimit,
		})
		if err != nil {
			return nil, err
		}
		if err := registry.Register(client); err != nil {
			return nil, err
		}
	}

	return registry, nil
}

func configured(values ...string) bool {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return true
		}
	}
	return false
}
