package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Secret is a string type that redacts itself when printed
type Secret string

// String implements fmt.Stringer to redact the secret
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "***"
}

// MarshalJSON implements json.Marshaler to prevent secrets in JSON logs
func (s Secret) MarshalJSON() ([]byte, error) {
	if s == "" {
		return json.Marshal("")
	}
	return json.Marshal("***")
}

// IdentitySource says where the exchanger may take the external identity from.
type IdentitySource string

const (
	// IdentitySourceIDToken requires a signed ID token in the token response.
	IdentitySourceIDToken IdentitySource = "id_token"

	// IdentitySourceIDTokenOrUserInfo falls back to the profile endpoint when
	// the token response carries no ID token.
	IdentitySourceIDTokenOrUserInfo IdentitySource = "id_token_or_userinfo"
)

// StorageKind selects the storage backend
type StorageKind string

const (
	StorageKindMemory    StorageKind = "memory"
	StorageKindFirestore StorageKind = "firestore"
	StorageKindRedis     StorageKind = "redis"
)

// ServerConfig is the HTTP listener configuration
type ServerConfig struct {
	Addr    string `json:"addr"`
	BaseURL string `json:"baseURL"`

	// CSRFKey signs the popup CSRF tokens. Replicas behind one load balancer
	// must share it; a random per-process key is used when empty.
	CSRFKey Secret `json:"csrfKey,omitempty"`
}

// ProviderConfig describes the upstream identity provider with resolved values
type ProviderConfig struct {
	Type           string         `json:"type"` // "google" or "oidc"
	ClientID       string         `json:"clientId"`
	ClientSecret   Secret         `json:"clientSecret"`
	RedirectURI    string         `json:"redirectUri"`
	Scopes         []string       `json:"scopes,omitempty"`
	IdentitySource IdentitySource `json:"identitySource"`

	// Endpoint overrides. Google ships defaults for all of them; a generic
	// OIDC provider needs either DiscoveryURL or the explicit set.
	DiscoveryURL string `json:"discoveryURL,omitempty"`
	AuthURL      string `json:"authURL,omitempty"`
	TokenURL     string `json:"tokenURL,omitempty"`
	UserInfoURL  string `json:"userInfoURL,omitempty"`
	Issuer       string `json:"issuer,omitempty"`
	JWKSURL      string `json:"jwksURL,omitempty"`
}

// LoginConfig holds the login policy
type LoginConfig struct {
	PendingTTL           time.Duration `json:"pendingTtl"`
	SessionTTL           time.Duration `json:"sessionTtl"`
	RequireVerifiedEmail bool          `json:"requireVerifiedEmail"`
	AllowedDomains       []string      `json:"allowedDomains,omitempty"`
	CleanupInterval      time.Duration `json:"cleanupInterval"`
}

// RedisConfig locates the redis instance holding pending authorizations
type RedisConfig struct {
	Addr      string `json:"addr"`
	Password  Secret `json:"password"`
	DB        int    `json:"db"`
	KeyPrefix string `json:"keyPrefix,omitempty"`
}

// StorageConfig selects and configures the storage backend
type StorageConfig struct {
	Kind              StorageKind  `json:"kind"`
	GCPProject        string       `json:"gcpProject,omitempty"`
	FirestoreDatabase string       `json:"firestoreDatabase,omitempty"`
	FirestorePrefix   string       `json:"firestorePrefix,omitempty"`
	Redis             *RedisConfig `json:"redis,omitempty"`
}

// UsesFirestore reports whether users and sessions live in Firestore.
// A redis config with a GCP project is the hybrid mode.
func (s StorageConfig) UsesFirestore() bool {
	return s.Kind == StorageKindFirestore || (s.Kind == StorageKindRedis && s.GCPProject != "")
}

// FirebaseConfig enables linking the verified identity into a Firebase project
type FirebaseConfig struct {
	Enabled  bool   `json:"enabled"`
	APIKey   Secret `json:"apiKey"`
	Required bool   `json:"required"`
	Endpoint string `json:"endpoint,omitempty"`
}

// Config represents the config structure with resolved values
type Config struct {
	Version  string         `json:"version"`
	Server   ServerConfig   `json:"server"`
	Provider ProviderConfig `json:"provider"`
	Login    LoginConfig    `json:"login"`
	Storage  StorageConfig  `json:"storage"`
	Firebase FirebaseConfig `json:"firebase"`
}

const (
	DefaultPendingTTL      = 5 * time.Minute
	DefaultSessionTTL      = 24 * time.Hour
	DefaultFirestorePrefix = "fedlogin"
)

// RawConfigValue represents a value that could be a string or env ref.
// This is only used during parsing, not in the final config
type RawConfigValue struct {
	value string
}

// ParseConfigValue parses a JSON value that could be a string or reference object
func ParseConfigValue(raw json.RawMessage) (*RawConfigValue, error) {
	// Try plain string first
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return &RawConfigValue{value: str}, nil
	}

	// Try reference object
	var ref map[string]string
	if err := json.Unmarshal(raw, &ref); err != nil {
		return nil, fmt.Errorf("config value must be string or reference object")
	}

	envVar, ok := ref["$env"]
	if !ok {
		return nil, fmt.Errorf("unknown reference type in config value")
	}
	value := os.Getenv(envVar)
	if value == "" {
		return nil, fmt.Errorf("environment variable %s not set", envVar)
	}
	// Strip surrounding quotes if present (only matching pairs)
	if len(value) >= 2 {
		if (value[0] == '"' && value[len(value)-1] == '"') ||
			(value[0] == '\'' && value[len(value)-1] == '\'') {
			value = value[1 : len(value)-1]
		}
	}
	return &RawConfigValue{value: value}, nil
}

// parseString resolves an optional string-or-reference field
func parseString(raw json.RawMessage, field string) (string, error) {
	if raw == nil {
		return "", nil
	}
	parsed, err := ParseConfigValue(raw)
	if err != nil {
		return "", fmt.Errorf("parsing %s: %w", field, err)
	}
	return parsed.value, nil
}

// parseDuration parses an optional duration string
func parseDuration(s, field string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", field, err)
	}
	return d, nil
}
