package core

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const DefaultEnvPrefix = "ADSCONNECT_"

type configValueKind int

const (
	kindString configValueKind = iota
	kindInt
	kindFloat
	kindBool
	kindDuration
	kindList
)

// configLeafKinds lists the typed leaves; anything else is decoded as a string.
var configLeafKinds = map[string]configValueKind{
	"encryption.previous_secrets":            kindList,
	"platforms.facebook.cache_ttl":           kindDuration,
	"platforms.google.cache_ttl":             kindDuration,
	"platforms.google.use_manager_account":   kindBool,
	"platforms.tiktok.cache_ttl":             kindDuration,
	"quotas.free":                            kindInt,
	"quotas.basic":                           kindInt,
	"quotas.pro":                             kindInt,
	"quotas.enterprise":                      kindInt,
	"retry.max_retries":                      kindInt,
	"retry.base_delay":                       kindDuration,
	"retry.backoff_multiplier":               kindFloat,
	"retry.only_transient":                   kindBool,
	"oauth_state.ttl":                        kindDuration,
	"oauth_state.sweep_interval":             kindDuration,
	"oauth_state.pending_token_ttl":          kindDuration,
	"refresh.lead_window":                    kindDuration,
	"refresh.lock_ttl":                       kindDuration,
	"refresh.validate_without_expiry":        kindBool,
	"collect.concurrency":                    kindInt,
}

// YAMLFileLoader reads a YAML document shaped like Config.
type YAMLFileLoader struct {
	Path string
	// Optional tolerates a missing file.
	Optional bool
}

func (l YAMLFileLoader) LoadRaw(context.Context) (map[string]any, error) {
	path := strings.TrimSpace(l.Path)
	if path == "" {
		return nil, fmt.Errorf("core: yaml config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if l.Optional && os.IsNotExist(err) {
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("core: read config %s: %w", path, err)
	}
	raw := map[string]any{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("core: parse config %s: %w", path, err)
	}
	return normalizeDurations(raw), nil
}

// EnvLoader maps ADSCONNECT_RETRY__MAX_RETRIES style variables onto the
// config tree. Values from DotEnvFiles are read first and the process
// environment wins.
type EnvLoader struct {
	Prefix      string
	DotEnvFiles []string
	// Environ defaults to os.Environ.
	Environ func() []string
}

func (l EnvLoader) LoadRaw(context.Context) (map[string]any, error) {
	prefix := l.Prefix
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}

	values := map[string]string{}
	for _, file := range l.DotEnvFiles {
		if strings.TrimSpace(file) == "" {
			continue
		}
		fileValues, err := godotenv.Read(file)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("core: read env file %s: %w", file, err)
		}
		for key, value := range fileValues {
			values[key] = value
		}
	}
	environ := l.Environ
	if environ == nil {
		environ = os.Environ
	}
	for _, entry := range environ() {
		key, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		values[key] = value
	}

	raw := map[string]any{}
	for key, value := range values {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		path := strings.Split(strings.ToLower(strings.TrimPrefix(key, prefix)), "__")
		if len(path) == 0 || path[0] == "" {
			continue
		}
		coerced, err := coerceConfigValue(strings.Join(path, "."), value)
		if err != nil {
			return nil, fmt.Errorf("core: env %s: %w", key, err)
		}
		setPath(raw, path, coerced)
	}
	return raw, nil
}

// ChainLoader merges loaders in order; later loaders override earlier ones.
type ChainLoader []RawConfigLoader

func (c ChainLoader) LoadRaw(ctx context.Context) (map[string]any, error) {
	out := map[string]any{}
	for _, loader := range c {
		if loader == nil {
			continue
		}
		raw, err := loader.LoadRaw(ctx)
		if err != nil {
			return nil, err
		}
		mergeMaps(out, raw)
	}
	return out, nil
}

func coerceConfigValue(path string, value string) (any, error) {
	value = strings.TrimSpace(value)
	switch configLeafKinds[path] {
	case kindInt:
		return strconv.Atoi(value)
	case kindFloat:
		return strconv.ParseFloat(value, 64)
	case kindBool:
		return strconv.ParseBool(value)
	case kindDuration:
		return parseConfigDuration(value)
	case kindList:
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, part := range parts {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out, nil
	default:
		return value, nil
	}
}

// parseConfigDuration accepts Go duration strings or a plain number of seconds.
func parseConfigDuration(value string) (time.Duration, error) {
	if seconds, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(seconds * float64(time.Second)), nil
	}
	return time.ParseDuration(value)
}

func normalizeDurations(raw map[string]any) map[string]any {
	walkLeaves(raw, "", func(path string, parent map[string]any, key string, value any) {
		if configLeafKinds[path] != kindDuration {
			return
		}
		switch typed := value.(type) {
		case string:
			if parsed, err := parseConfigDuration(typed); err == nil {
				parent[key] = parsed
			}
		case int:
			parent[key] = time.Duration(typed) * time.Second
		case int64:
			parent[key] = time.Duration(typed) * time.Second
		case float64:
			parent[key] = time.Duration(typed * float64(time.Second))
		}
	})
	return raw
}

func walkLeaves(node map[string]any, prefix string, fn func(path string, parent map[string]any, key string, value any)) {
	for key, value := range node {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		if child, ok := value.(map[string]any); ok {
			walkLeaves(child, path, fn)
			continue
		}
		fn(path, node, key, value)
	}
}

func setPath(target map[string]any, path []string, value any) {
	current := target
	for _, segment := range path[:len(path)-1] {
		next, ok := current[segment].(map[string]any)
		if !ok {
			next = map[string]any{}
			current[segment] = next
		}
		current = next
	}
	current[path[len(path)-1]] = value
}

func mergeMaps(dst map[string]any, src map[string]any) {
	for key, value := range src {
		srcChild, srcIsMap := value.(map[string]any)
		dstChild, dstIsMap := dst[key].(map[string]any)
		if srcIsMap && dstIsMap {
			mergeMaps(dstChild, srcChild)
			continue
		}
		dst[key] = value
	}
}
