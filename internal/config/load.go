package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/dgellow/fedlogin/internal/log"
)

// VersionPrefix is the config version this build understands
const VersionPrefix = "v0.0.1"

// Load loads and processes the config with immediate env var resolution
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse processes config bytes the same way Load does
func Parse(data []byte) (Config, error) {
	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		return Config{}, fmt.Errorf("parsing config JSON: %w", err)
	}

	version, ok := rawConfig["version"].(string)
	if !ok {
		return Config{}, fmt.Errorf("config version is required")
	}
	if !strings.HasPrefix(version, VersionPrefix) {
		return Config{}, fmt.Errorf("unsupported config version: %s", version)
	}

	if err := validateRawConfig(rawConfig); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}

	// Parse directly into typed Config struct
	// The custom UnmarshalJSON methods will resolve env vars immediately
	config := Config{
		Login:   LoginConfig{RequireVerifiedEmail: true},
		Storage: StorageConfig{Kind: StorageKindMemory},
	}
	if err := json.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&config)

	if err := ValidateConfig(&config); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

func applyDefaults(config *Config) {
	if config.Login.PendingTTL == 0 {
		config.Login.PendingTTL = DefaultPendingTTL
	}
	if config.Login.SessionTTL == 0 {
		config.Login.SessionTTL = DefaultSessionTTL
	}
}

// validateRawConfig validates the config structure before environment resolution
func validateRawConfig(rawConfig map[string]any) error {
	secrets := []struct {
		section string
		path    []string
	}{
		{"server", []string{"csrfKey"}},
		{"provider", []string{"clientSecret"}},
		{"storage", []string{"redis", "password"}},
		{"firebase", []string{"apiKey"}},
	}

	for _, secret := range secrets {
		node, ok := rawConfig[secret.section].(map[string]any)
		if !ok {
			continue
		}
		name := secret.path[len(secret.path)-1]
		for _, key := range secret.path[:len(secret.path)-1] {
			if node, ok = node[key].(map[string]any); !ok {
				break
			}
		}
		if node == nil {
			continue
		}
		value, exists := node[name]
		if !exists {
			continue
		}
		// Check if it's a string (bad) or a map (good - env ref)
		if _, isString := value.(string); isString {
			return fmt.Errorf("%s must use environment variable reference for security", name)
		}
		if refMap, isMap := value.(map[string]any); isMap {
			if _, hasEnv := refMap["$env"]; !hasEnv {
				return fmt.Errorf("%s must use {\"$env\": \"VAR_NAME\"} format", name)
			}
		}
	}
	return nil
}

// ValidateConfig validates the resolved configuration
func ValidateConfig(config *Config) error {
	if config.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}

	if err := validateProvider(&config.Provider); err != nil {
		return fmt.Errorf("provider config: %w", err)
	}

	login := config.Login
	if login.PendingTTL < 0 || login.SessionTTL < 0 {
		return fmt.Errorf("login TTLs cannot be negative")
	}
	if login.CleanupInterval < 0 {
		return fmt.Errorf("login.cleanupInterval cannot be negative")
	}
	if login.CleanupInterval > 0 && login.CleanupInterval > login.SessionTTL {
		log.LogWarn("Cleanup interval is greater than session TTL")
	}

	if err := validateStorage(&config.Storage); err != nil {
		return fmt.Errorf("storage config: %w", err)
	}

	if config.Firebase.Enabled && config.Firebase.APIKey == "" {
		return fmt.Errorf("firebase.apiKey is required when firebase is enabled")
	}
	if config.Firebase.Required && !config.Firebase.Enabled {
		return fmt.Errorf("firebase.required needs firebase.enabled")
	}

	return nil
}

func validateProvider(p *ProviderConfig) error {
	if p.ClientID == "" {
		return fmt.Errorf("clientId is required")
	}
	if p.ClientSecret == "" {
		return fmt.Errorf("clientSecret is required")
	}
	if p.RedirectURI == "" {
		return fmt.Errorf("redirectUri is required")
	}
	if u, err := url.Parse(p.RedirectURI); err != nil || !u.IsAbs() {
		return fmt.Errorf("redirectUri must be an absolute URL")
	}

	switch p.IdentitySource {
	case IdentitySourceIDToken, IdentitySourceIDTokenOrUserInfo:
	case "":
		return fmt.Errorf("identitySource is required (%q or %q)", IdentitySourceIDToken, IdentitySourceIDTokenOrUserInfo)
	default:
		return fmt.Errorf("invalid identitySource %q", p.IdentitySource)
	}

	switch p.Type {
	case "google":
	case "oidc":
		if p.DiscoveryURL == "" && (p.AuthURL == "" || p.TokenURL == "" || p.UserInfoURL == "") {
			return fmt.Errorf("oidc provider needs discoveryURL or authURL, tokenURL and userInfoURL")
		}
		if p.DiscoveryURL == "" && (p.Issuer == "" || p.JWKSURL == "") {
			return fmt.Errorf("oidc provider needs issuer and jwksURL without discovery")
		}
	default:
		return fmt.Errorf("unknown provider type: %s", p.Type)
	}
	return nil
}

func validateStorage(s *StorageConfig) error {
	switch s.Kind {
	case StorageKindMemory:
	case StorageKindFirestore:
		if s.GCPProject == "" {
			return fmt.Errorf("gcpProject is required when using firestore storage")
		}
	case StorageKindRedis:
		if s.Redis == nil || s.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required when using redis storage")
		}
	default:
		return fmt.Errorf("unknown storage kind: %s", s.Kind)
	}
	return nil
}
