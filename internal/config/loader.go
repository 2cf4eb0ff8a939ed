package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/user/ucr/internal/errs"
	"github.com/user/ucr/internal/models"
)

// CredentialSource resolves stored credentials for OAuth providers at
// load time. Implemented by the auth store.
type CredentialSource interface {
	Get(providerID string) (*models.Credential, bool)
}

var varPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, expands and validates the config file at path. OAuth
// providers resolve their secrets from creds; everything else from the
// process environment. The returned snapshot is ready for publication.
func Load(path string, creds CredentialSource) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data, creds)
}

// Parse builds a snapshot from a raw config document.
func Parse(data []byte, creds CredentialSource) (*Config, error) {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &errs.ConfigInvalidError{Field: "(document)", Message: "invalid JSON: " + err.Error()}
	}

	// First pass: expand ${NAME} from the environment. Placeholders in
	// oauth providers survive this pass; the store resolves them below.
	expandDoc(doc)

	// OAuth substitution from the credential store.
	if err := resolveOAuth(doc, creds); err != nil {
		return nil, err
	}

	// Second pass: any surviving placeholder is an error.
	if name, where, found := findPlaceholder(doc, ""); found {
		return nil, &errs.ConfigInvalidError{
			Field:   where,
			Message: "undefined variable ${" + name + "}",
		}
	}

	normalized, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("normalize config: %w", err)
	}
	cfg := &Config{}
	if err := json.Unmarshal(normalized, cfg); err != nil {
		return nil, &errs.ConfigInvalidError{Field: "(document)", Message: err.Error()}
	}

	cfg.applyDefaults()
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.finalize()
	return cfg, nil
}

// expandDoc walks the document and expands ${NAME} in every string.
// Undefined names stay in place: oauth providers resolve them from the
// credential store, everything else is reported by the second pass.
func expandDoc(doc map[string]any) {
	for key, v := range doc {
		doc[key] = expandAny(v)
	}
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return varPattern.ReplaceAllStringFunc(val, func(match string) string {
			name := match[2 : len(match)-1]
			if env, ok := os.LookupEnv(name); ok {
				return env
			}
			return match
		})
	case map[string]any:
		for k, child := range val {
			val[k] = expandAny(child)
		}
		return val
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	default:
		return v
	}
}

// resolveOAuth substitutes surviving apiKey placeholders of oauth
// providers with the stored access token. A missing credential is fatal.
func resolveOAuth(doc map[string]any, creds CredentialSource) error {
	providers, _ := doc["providers"].([]any)
	for _, raw := range providers {
		p, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if p["authType"] != string(models.AuthOAuth) {
			continue
		}
		id, _ := p["id"].(string)
		key, _ := p["apiKey"].(string)
		if key != "" && !varPattern.MatchString(key) {
			continue // literal secret supplied
		}
		if creds != nil {
			if cred, ok := creds.Get(id); ok && cred.AccessToken != "" {
				p["apiKey"] = cred.AccessToken
				continue
			}
		}
		return &errs.CredentialMissingError{
			Provider:    id,
			Instruction: fmt.Sprintf("run `ucr auth login %s` to authorize this provider", id),
		}
	}
	return nil
}

// findPlaceholder returns the first surviving ${NAME} in the document,
// skipping nothing: after the oauth pass every placeholder is an error.
func findPlaceholder(v any, path string) (name, where string, found bool) {
	switch val := v.(type) {
	case string:
		if m := varPattern.FindStringSubmatch(val); m != nil {
			return m[1], path, true
		}
	case map[string]any:
		for k, child := range val {
			childPath := k
			if path != "" {
				childPath = path + "." + k
			}
			if n, w, ok := findPlaceholder(child, childPath); ok {
				return n, w, true
			}
		}
	case []any:
		for i, child := range val {
			if n, w, ok := findPlaceholder(child, fmt.Sprintf("%s[%d]", path, i)); ok {
				return n, w, true
			}
		}
	}
	return "", "", false
}

// applyEnvOverrides applies the UCR_* environment overrides.
func applyEnvOverrides(cfg *Config) {
	if host := os.Getenv("UCR_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if port := os.Getenv("UCR_PORT"); port != "" {
		if n, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = n
		}
	}
	if level := os.Getenv("UCR_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = strings.ToLower(level)
	}
}
