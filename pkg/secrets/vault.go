// Package secrets loads credentials such as INSURER_PASSWORD and DB_PASSWORD
// from a Vault KV engine into the process environment before configuration
// is read.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultKeys are the environment variables taken from Vault when no
// explicit list is configured
var DefaultKeys = []string{
	"INSURER_USERNAME",
	"INSURER_PASSWORD",
	"DB_USER",
	"DB_PASSWORD",
	"REDIS_PASSWORD",
}

// VaultConfig describes where the clinic's secrets live
type VaultConfig struct {
	Enabled   bool
	Addr      string
	Token     string
	Namespace string
	Mount     string
	Path      string
	KVVersion int
	Timeout   time.Duration
	// Keys limits which secret fields are exported
	Keys []string
	// Overwrite replaces variables that are already set
	Overwrite bool
}

// Result reports what a load did
type Result struct {
	Loaded  []string
	Skipped []string
}

// ConfigFromEnv reads the VAULT_* variables
func ConfigFromEnv() VaultConfig {
	cfg := VaultConfig{
		Enabled:   strings.EqualFold(os.Getenv("VAULT_ENABLED"), "true"),
		Addr:      os.Getenv("VAULT_ADDR"),
		Token:     os.Getenv("VAULT_TOKEN"),
		Namespace: os.Getenv("VAULT_NAMESPACE"),
		Mount:     envOr("VAULT_MOUNT", "secret"),
		Path:      envOr("VAULT_PATH", "clinicflow"),
		KVVersion: 2,
		Timeout:   5 * time.Second,
		Keys:      DefaultKeys,
		Overwrite: strings.EqualFold(os.Getenv("VAULT_OVERWRITE"), "true"),
	}
	if v, err := strconv.Atoi(os.Getenv("VAULT_KV_VERSION")); err == nil {
		cfg.KVVersion = v
	}
	if d, err := time.ParseDuration(os.Getenv("VAULT_TIMEOUT")); err == nil && d > 0 {
		cfg.Timeout = d
	}
	if raw := os.Getenv("VAULT_KEYS"); raw != "" {
		cfg.Keys = nil
		for _, key := range strings.Split(raw, ",") {
			if key = strings.TrimSpace(key); key != "" {
				cfg.Keys = append(cfg.Keys, key)
			}
		}
	}
	return cfg
}

// Load fetches the configured secret and exports the allowed keys into the
// environment. It is a no-op when Vault is disabled.
func Load(ctx context.Context, cfg VaultConfig) (Result, error) {
	if !cfg.Enabled {
		return Result{}, nil
	}
	if cfg.Addr == "" || cfg.Token == "" {
		return Result{}, errors.New("vault enabled but VAULT_ADDR or VAULT_TOKEN is empty")
	}

	values, err := Fetch(ctx, cfg)
	if err != nil {
		return Result{}, err
	}
	return apply(values, cfg.Keys, cfg.Overwrite)
}

// Fetch reads one KV secret and returns its fields as strings
func Fetch(ctx context.Context, cfg VaultConfig) (map[string]string, error) {
	endpoint, err := secretURL(cfg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build vault request: %w", err)
	}
	req.Header.Set("X-Vault-Token", cfg.Token)
	if cfg.Namespace != "" {
		req.Header.Set("X-Vault-Namespace", cfg.Namespace)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vault request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read vault response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("vault returned %d for %s/%s", resp.StatusCode, cfg.Mount, cfg.Path)
	}

	// KV v2 nests the fields one level deeper
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode vault response: %w", err)
	}
	raw := envelope.Data
	if cfg.KVVersion != 1 {
		var inner struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil, fmt.Errorf("decode vault kv v2 data: %w", err)
		}
		raw = inner.Data
	}

	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return nil, errors.New("vault secret has no data")
	}

	values := make(map[string]string, len(fields))
	for key, value := range fields {
		values[key] = stringify(value)
	}
	return values, nil
}

func apply(values map[string]string, keys []string, overwrite bool) (Result, error) {
	var result Result
	for _, key := range keys {
		value, ok := values[key]
		if !ok {
			continue
		}
		if !overwrite && os.Getenv(key) != "" {
			result.Skipped = append(result.Skipped, key)
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return result, fmt.Errorf("set %s: %w", key, err)
		}
		result.Loaded = append(result.Loaded, key)
	}
	return result, nil
}

func secretURL(cfg VaultConfig) (string, error) {
	addr := strings.TrimRight(cfg.Addr, "/")
	mount := strings.Trim(cfg.Mount, "/")
	path := strings.Trim(cfg.Path, "/")
	if addr == "" || mount == "" || path == "" {
		return "", errors.New("vault address, mount and path must be set")
	}
	if cfg.KVVersion == 1 {
		return addr + "/v1/" + mount + "/" + path, nil
	}
	return addr + "/v1/" + mount + "/data/" + path, nil
}

func stringify(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case nil:
		return ""
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(encoded)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
