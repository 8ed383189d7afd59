package config

import (
	"encoding/json"
	"fmt"

	emailutil "github.com/dgellow/fedlogin/internal/emailutil"
)

// UnmarshalJSON implements custom unmarshaling for ServerConfig
func (s *ServerConfig) UnmarshalJSON(data []byte) error {
	var raw struct {
		Addr    json.RawMessage `json:"addr"`
		BaseURL json.RawMessage `json:"baseURL"`
		CSRFKey json.RawMessage `json:"csrfKey"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var err error
	if s.Addr, err = parseString(raw.Addr, "addr"); err != nil {
		return err
	}
	if s.BaseURL, err = parseString(raw.BaseURL, "baseURL"); err != nil {
		return err
	}
	key, err := parseString(raw.CSRFKey, "csrfKey")
	if err != nil {
		return err
	}
	s.CSRFKey = Secret(key)
	return nil
}

// UnmarshalJSON implements custom unmarshaling for ProviderConfig
func (p *ProviderConfig) UnmarshalJSON(data []byte) error {
	// Use a raw type to parse references
	var raw struct {
		Type           string          `json:"type"`
		ClientID       json.RawMessage `json:"clientId"`
		ClientSecret   json.RawMessage `json:"clientSecret"`
		RedirectURI    json.RawMessage `json:"redirectUri"`
		Scopes         []string        `json:"scopes"`
		IdentitySource IdentitySource  `json:"identitySource"`
		DiscoveryURL   string          `json:"discoveryURL"`
		AuthURL        string          `json:"authURL"`
		TokenURL       string          `json:"tokenURL"`
		UserInfoURL    string          `json:"userInfoURL"`
		Issuer         string          `json:"issuer"`
		JWKSURL        string          `json:"jwksURL"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	p.Type = raw.Type
	p.Scopes = raw.Scopes
	p.IdentitySource = raw.IdentitySource
	p.DiscoveryURL = raw.DiscoveryURL
	p.AuthURL = raw.AuthURL
	p.TokenURL = raw.TokenURL
	p.UserInfoURL = raw.UserInfoURL
	p.Issuer = raw.Issuer
	p.JWKSURL = raw.JWKSURL

	var err error
	if p.ClientID, err = parseString(raw.ClientID, "clientId"); err != nil {
		return err
	}
	if p.RedirectURI, err = parseString(raw.RedirectURI, "redirectUri"); err != nil {
		return err
	}
	secret, err := parseString(raw.ClientSecret, "clientSecret")
	if err != nil {
		return err
	}
	p.ClientSecret = Secret(secret)

	if p.Type == "" {
		p.Type = "google"
	}
	return nil
}

// UnmarshalJSON implements custom unmarshaling for LoginConfig
func (l *LoginConfig) UnmarshalJSON(data []byte) error {
	var raw struct {
		PendingTTL           string   `json:"pendingTtl"`
		SessionTTL           string   `json:"sessionTtl"`
		RequireVerifiedEmail *bool    `json:"requireVerifiedEmail"` // Pointer to detect explicit false
		AllowedDomains       []string `json:"allowedDomains"`
		CleanupInterval      string   `json:"cleanupInterval"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var err error
	if l.PendingTTL, err = parseDuration(raw.PendingTTL, "pendingTtl"); err != nil {
		return err
	}
	if l.SessionTTL, err = parseDuration(raw.SessionTTL, "sessionTtl"); err != nil {
		return err
	}
	if l.CleanupInterval, err = parseDuration(raw.CleanupInterval, "cleanupInterval"); err != nil {
		return err
	}

	l.RequireVerifiedEmail = true
	if raw.RequireVerifiedEmail != nil {
		l.RequireVerifiedEmail = *raw.RequireVerifiedEmail
	}

	// Normalize domains for consistent comparison
	l.AllowedDomains = make([]string, 0, len(raw.AllowedDomains))
	for _, domain := range raw.AllowedDomains {
		l.AllowedDomains = append(l.AllowedDomains, emailutil.NormalizeDomain(domain))
	}
	return nil
}

// UnmarshalJSON implements custom unmarshaling for StorageConfig
func (s *StorageConfig) UnmarshalJSON(data []byte) error {
	var raw struct {
		Kind              StorageKind     `json:"kind"`
		GCPProject        json.RawMessage `json:"gcpProject"`
		FirestoreDatabase string          `json:"firestoreDatabase"`
		FirestorePrefix   string          `json:"firestorePrefix"`
		Redis             *struct {
			Addr      json.RawMessage `json:"addr"`
			Password  json.RawMessage `json:"password"`
			DB        int             `json:"db"`
			KeyPrefix string          `json:"keyPrefix"`
		} `json:"redis"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	s.Kind = raw.Kind
	if s.Kind == "" {
		s.Kind = StorageKindMemory
	}
	s.FirestoreDatabase = raw.FirestoreDatabase
	s.FirestorePrefix = raw.FirestorePrefix

	var err error
	if s.GCPProject, err = parseString(raw.GCPProject, "gcpProject"); err != nil {
		return err
	}

	// Apply defaults for Firestore configuration
	if s.UsesFirestore() {
		if s.FirestoreDatabase == "" {
			s.FirestoreDatabase = "(default)"
		}
		if s.FirestorePrefix == "" {
			s.FirestorePrefix = DefaultFirestorePrefix
		}
	}

	if raw.Redis != nil {
		r := &RedisConfig{DB: raw.Redis.DB, KeyPrefix: raw.Redis.KeyPrefix}
		if r.Addr, err = parseString(raw.Redis.Addr, "redis.addr"); err != nil {
			return err
		}
		password, err := parseString(raw.Redis.Password, "redis.password")
		if err != nil {
			return err
		}
		r.Password = Secret(password)
		s.Redis = r
	}
	return nil
}

// UnmarshalJSON implements custom unmarshaling for FirebaseConfig
func (f *FirebaseConfig) UnmarshalJSON(data []byte) error {
	var raw struct {
		Enabled  bool            `json:"enabled"`
		APIKey   json.RawMessage `json:"apiKey"`
		Required bool            `json:"required"`
		Endpoint string          `json:"endpoint"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	f.Enabled = raw.Enabled
	f.Required = raw.Required
	f.Endpoint = raw.Endpoint

	// A disabled block may reference an env var that is not set
	if !f.Enabled {
		return nil
	}
	apiKey, err := parseString(raw.APIKey, "apiKey")
	if err != nil {
		return fmt.Errorf("firebase: %w", err)
	}
	f.APIKey = Secret(apiKey)
	return nil
}
