package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"slices"
	"strings"
	"time"
)

// ValidationResult holds validation errors and warnings
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// ValidationError represents a validation issue
type ValidationError struct {
	Path    string
	Message string
}

// IsValid returns true if there are no errors
func (v *ValidationResult) IsValid() bool {
	return len(v.Errors) == 0
}

func (v *ValidationResult) addError(path, format string, args ...any) {
	v.Errors = append(v.Errors, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

func (v *ValidationResult) addWarning(path, format string, args ...any) {
	v.Warnings = append(v.Warnings, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

var bashStyleRegex = regexp.MustCompile(`\$\{?([A-Z_][A-Z0-9_]*)\}?`)

// ValidateFile validates a config file structure without requiring env vars
func ValidateFile(path string) (*ValidationResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return ValidateBytes(data), nil
}

// ValidateBytes is ValidateFile on an in-memory document
func ValidateBytes(data []byte) *ValidationResult {
	result := &ValidationResult{}

	// Check JSON syntax
	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		result.addError("", "invalid JSON: %v", err)
		return result
	}

	// Check for bash-style syntax
	checkBashStyleSyntax(rawConfig, "", result)

	// Check version
	version, ok := rawConfig["version"].(string)
	if !ok {
		result.addError("version", "version field is required. Hint: Add \"version\": %q", VersionPrefix)
	} else if !strings.HasPrefix(version, VersionPrefix) {
		result.addError("version", "unsupported version '%s' - use '%s' or '%s-<variant>'", version, VersionPrefix, VersionPrefix)
	}

	validateServerStructure(rawConfig, result)
	validateProviderStructure(rawConfig, result)
	validateLoginStructure(rawConfig, result)
	validateStorageStructure(rawConfig, result)
	validateFirebaseStructure(rawConfig, result)

	return result
}

func validateServerStructure(rawConfig map[string]any, result *ValidationResult) {
	server, ok := rawConfig["server"].(map[string]any)
	if !ok {
		result.addError("server", "server field is required and must be an object")
		return
	}
	if _, ok := server["addr"]; !ok {
		result.addError("server.addr", "addr is required. Example: \":8080\" or \"0.0.0.0:8080\"")
	}
	if _, ok := server["baseURL"]; !ok {
		result.addWarning("server.baseURL", "baseURL is not set; secure cookies are derived from it")
	}
	if key, ok := server["csrfKey"]; ok {
		if err := validateEnvVarReference(key, "csrfKey", "server.csrfKey"); err != nil {
			result.Errors = append(result.Errors, *err)
		}
	}
}

func validateProviderStructure(rawConfig map[string]any, result *ValidationResult) {
	provider, ok := rawConfig["provider"].(map[string]any)
	if !ok {
		result.addError("provider", "provider field is required and must be an object")
		return
	}

	kind, _ := provider["type"].(string)
	if kind == "" {
		kind = "google"
	}
	if kind != "google" && kind != "oidc" {
		result.addError("provider.type", "unknown provider type '%s' - use 'google' or 'oidc'", kind)
	}

	for _, field := range []string{"clientId", "redirectUri"} {
		if _, ok := provider[field]; !ok {
			result.addError("provider."+field, "%s is required", field)
		}
	}

	if secret, ok := provider["clientSecret"]; !ok {
		result.addError("provider.clientSecret", "clientSecret is required. Hint: Use {\"$env\": \"GOOGLE_CLIENT_SECRET\"}")
	} else if err := validateEnvVarReference(secret, "clientSecret", "provider.clientSecret"); err != nil {
		result.Errors = append(result.Errors, *err)
	}

	source, _ := provider["identitySource"].(string)
	valid := []string{string(IdentitySourceIDToken), string(IdentitySourceIDTokenOrUserInfo)}
	if source == "" {
		result.addError("provider.identitySource", "identitySource is required - choose '%s' or '%s'", valid[0], valid[1])
	} else if !slices.Contains(valid, source) {
		result.addError("provider.identitySource", "invalid identitySource '%s' - choose '%s' or '%s'", source, valid[0], valid[1])
	}

	if kind == "oidc" {
		if _, hasDiscovery := provider["discoveryURL"]; !hasDiscovery {
			for _, field := range []string{"authURL", "tokenURL", "userInfoURL", "issuer", "jwksURL"} {
				if _, ok := provider[field]; !ok {
					result.addError("provider."+field, "%s is required for an oidc provider without discoveryURL", field)
				}
			}
		}
	}

	if scopes, ok := provider["scopes"].([]any); ok && !slices.Contains(scopes, any("openid")) {
		result.addWarning("provider.scopes", "scopes do not include 'openid'; the provider will not return an ID token")
	}
}

func validateLoginStructure(rawConfig map[string]any, result *ValidationResult) {
	login, ok := rawConfig["login"].(map[string]any)
	if !ok {
		return
	}

	durations := map[string]time.Duration{}
	for _, field := range []string{"pendingTtl", "sessionTtl", "cleanupInterval"} {
		s, ok := login[field].(string)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			result.addError("login."+field, "invalid duration '%s'", s)
			continue
		}
		durations[field] = d
	}

	if pending, ok := durations["pendingTtl"]; ok && pending > 10*time.Minute {
		result.addWarning("login.pendingTtl", "pendingTtl (%s) is longer than the provider keeps authorization codes valid", pending)
	}
	if requireVerified, ok := login["requireVerifiedEmail"].(bool); ok && !requireVerified {
		result.addWarning("login.requireVerifiedEmail", "unverified emails will be accepted")
	}
}

func validateStorageStructure(rawConfig map[string]any, result *ValidationResult) {
	storage, ok := rawConfig["storage"].(map[string]any)
	if !ok {
		return
	}

	kind, _ := storage["kind"].(string)
	switch StorageKind(kind) {
	case "", StorageKindMemory:
		result.addWarning("storage.kind", "memory storage loses sessions on restart and cannot be shared between replicas")
	case StorageKindFirestore:
		if _, ok := storage["gcpProject"]; !ok {
			result.addError("storage.gcpProject", "gcpProject is required when using firestore storage")
		}
	case StorageKindRedis:
		redis, ok := storage["redis"].(map[string]any)
		if !ok {
			result.addError("storage.redis", "redis is required when using redis storage")
			return
		}
		if _, ok := redis["addr"]; !ok {
			result.addError("storage.redis.addr", "addr is required. Example: \"localhost:6379\"")
		}
		if password, ok := redis["password"]; ok {
			if err := validateEnvVarReference(password, "password", "storage.redis.password"); err != nil {
				result.Errors = append(result.Errors, *err)
			}
		}
		if _, ok := storage["gcpProject"]; !ok {
			result.addWarning("storage", "redis holds only pending authorizations; users and sessions stay in memory without gcpProject")
		}
	default:
		result.addError("storage.kind", "unknown storage kind '%s' - use 'memory', 'firestore' or 'redis'", kind)
	}
}

func validateFirebaseStructure(rawConfig map[string]any, result *ValidationResult) {
	firebase, ok := rawConfig["firebase"].(map[string]any)
	if !ok {
		return
	}
	if enabled, _ := firebase["enabled"].(bool); !enabled {
		return
	}
	apiKey, ok := firebase["apiKey"]
	if !ok {
		result.addError("firebase.apiKey", "apiKey is required when firebase is enabled. Hint: Use {\"$env\": \"FIREBASE_API_KEY\"}")
		return
	}
	if err := validateEnvVarReference(apiKey, "apiKey", "firebase.apiKey"); err != nil {
		result.Errors = append(result.Errors, *err)
	}
}

// validateEnvVarReference validates that a field uses proper env var reference format
func validateEnvVarReference(value any, fieldName, path string) *ValidationError {
	switch v := value.(type) {
	case string:
		// Check if it looks like a bash-style env var
		if matches := bashStyleRegex.FindStringSubmatch(v); len(matches) > 1 {
			return &ValidationError{
				Path:    path,
				Message: fmt.Sprintf("found bash-style syntax '%s' - use {\"$env\": \"%s\"} instead", v, matches[1]),
			}
		}
		return &ValidationError{
			Path:    path,
			Message: fmt.Sprintf("%s must use environment variable reference {\"$env\": \"YOUR_ENV_VAR\"} instead of plain text. Hint: This prevents secrets from being stored in config files", fieldName),
		}
	case map[string]any:
		if _, hasEnv := v["$env"]; !hasEnv {
			return &ValidationError{
				Path:    path,
				Message: fmt.Sprintf("%s must use {\"$env\": \"YOUR_ENV_VAR\"} format", fieldName),
			}
		}
		return nil
	default:
		return &ValidationError{
			Path:    path,
			Message: fmt.Sprintf("%s must be an environment variable reference {\"$env\": \"YOUR_ENV_VAR\"}, not %T", fieldName, value),
		}
	}
}

// checkBashStyleSyntax recursively checks for bash-style env var syntax
func checkBashStyleSyntax(value any, path string, result *ValidationResult) {
	switch v := value.(type) {
	case string:
		for _, match := range bashStyleRegex.FindAllString(v, -1) {
			varName := strings.Trim(match, "${}")
			result.addWarning(path, "found bash-style syntax '%s' - use {\"$env\": \"%s\"} instead", match, varName)
		}
	case map[string]any:
		// Skip if this is already an env ref
		if _, hasEnv := v["$env"]; hasEnv {
			return
		}
		for key, val := range v {
			newPath := key
			if path != "" {
				newPath = path + "." + key
			}
			checkBashStyleSyntax(val, newPath, result)
		}
	case []any:
		for i, item := range v {
			checkBashStyleSyntax(item, fmt.Sprintf("%s[%d]", path, i), result)
		}
	}
}
