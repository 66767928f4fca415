// Package config handles configuration parsing and validation.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the CHIMERA gateway and backend.
type Config struct {
	// Server settings
	Mode     string // "http" or "stdio"
	Port     int
	LogLevel string

	// Upstream backend (gateway mode)
	BackendURL     string
	ForwardTimeout time.Duration

	// Active scenario and policy manifest
	Scenario   string
	PolicyPath string

	// Per-call context defaults
	DefaultUserID   string
	DefaultUserRole string
	DefaultSource   string

	// Credential authority
	KeyDir     string
	WarrantTTL time.Duration

	// Ledger
	LedgerPath  string
	GenesisHash string

	// Classifier endpoint
	ClassifierBaseURL string
	ClassifierAPIKey  string
	ClassifierModel   string
	ClassifierTimeout time.Duration

	// Session store
	SessionWindow time.Duration
	SessionIdle   time.Duration

	// Execution environment (backend mode)
	ProdDBPath   string
	ShadowDBPath string
	ProdFSRoot   string
	ShadowFSRoot string
	JitterMin    time.Duration
	JitterMax    time.Duration
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Mode:              "http",
		Port:              8080,
		LogLevel:          "info",
		BackendURL:        "http://localhost:8081",
		ForwardTimeout:    30 * time.Second,
		Scenario:          "default",
		PolicyPath:        "",
		DefaultUserID:     "",
		DefaultUserRole:   "",
		DefaultSource:     "",
		KeyDir:            "keys",
		WarrantTTL:        time.Hour,
		LedgerPath:        "chimera-ledger.jsonl",
		GenesisHash:       defaultGenesisHash,
		ClassifierBaseURL: "",
		ClassifierAPIKey:  "",
		ClassifierModel:   "",
		ClassifierTimeout: 2 * time.Second,
		SessionWindow:     time.Hour,
		SessionIdle:       24 * time.Hour,
		ProdDBPath:        "chimera-prod.db",
		ShadowDBPath:      "chimera-shadow.db",
		ProdFSRoot:        "data/prod",
		ShadowFSRoot:      "data/shadow",
		JitterMin:         20 * time.Millisecond,
		JitterMax:         50 * time.Millisecond,
	}
}

// defaultGenesisHash is the fixed 32-byte genesis prev-hash constant.
const defaultGenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// LoadFromEnv loads configuration from environment variables.
func LoadFromEnv() (*Config, error) {
	cfg := DefaultConfig()

	if v := os.Getenv("CHIMERA_MODE"); v != "" {
		cfg.Mode = v
	}

	if v := os.Getenv("CHIMERA_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid CHIMERA_PORT: %w", err)
		}
		cfg.Port = port
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if v := os.Getenv("CHIMERA_BACKEND_URL"); v != "" {
		cfg.BackendURL = v
	}

	if v := os.Getenv("CHIMERA_FORWARD_TIMEOUT_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid CHIMERA_FORWARD_TIMEOUT_MS: %w", err)
		}
		cfg.ForwardTimeout = time.Duration(ms) * time.Millisecond
	}

	if v := os.Getenv("CHIMERA_SCENARIO"); v != "" {
		cfg.Scenario = v
	}

	if v := os.Getenv("CHIMERA_POLICY_PATH"); v != "" {
		cfg.PolicyPath = v
	}

	if v := os.Getenv("CHIMERA_DEFAULT_USER_ID"); v != "" {
		cfg.DefaultUserID = v
	}

	if v := os.Getenv("CHIMERA_DEFAULT_USER_ROLE"); v != "" {
		cfg.DefaultUserRole = v
	}

	if v := os.Getenv("CHIMERA_DEFAULT_SOURCE"); v != "" {
		cfg.DefaultSource = v
	}

	if v := os.Getenv("CHIMERA_KEY_DIR"); v != "" {
		cfg.KeyDir = v
	}

	if v := os.Getenv("CHIMERA_WARRANT_TTL_SECONDS"); v != "" {
		ttl, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid CHIMERA_WARRANT_TTL_SECONDS: %w", err)
		}
		cfg.WarrantTTL = time.Duration(ttl) * time.Second
	}

	if v := os.Getenv("CHIMERA_LEDGER_PATH"); v != "" {
		cfg.LedgerPath = v
	}

	if v := os.Getenv("CHIMERA_GENESIS_HASH"); v != "" {
		cfg.GenesisHash = v
	}

	if v := os.Getenv("CLASSIFIER_BASE_URL"); v != "" {
		cfg.ClassifierBaseURL = v
	}

	if v := os.Getenv("CLASSIFIER_API_KEY"); v != "" {
		cfg.ClassifierAPIKey = v
	}

	if v := os.Getenv("CLASSIFIER_MODEL"); v != "" {
		cfg.ClassifierModel = v
	}

	if v := os.Getenv("CLASSIFIER_TIMEOUT_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid CLASSIFIER_TIMEOUT_MS: %w", err)
		}
		cfg.ClassifierTimeout = time.Duration(ms) * time.Millisecond
	}

	if v := os.Getenv("CHIMERA_SESSION_WINDOW_SECONDS"); v != "" {
		sec, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid CHIMERA_SESSION_WINDOW_SECONDS: %w", err)
		}
		cfg.SessionWindow = time.Duration(sec) * time.Second
	}

	if v := os.Getenv("CHIMERA_SESSION_IDLE_HOURS"); v != "" {
		hrs, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid CHIMERA_SESSION_IDLE_HOURS: %w", err)
		}
		cfg.SessionIdle = time.Duration(hrs) * time.Hour
	}

	if v := os.Getenv("CHIMERA_PROD_DB"); v != "" {
		cfg.ProdDBPath = v
	}

	if v := os.Getenv("CHIMERA_SHADOW_DB"); v != "" {
		cfg.ShadowDBPath = v
	}

	if v := os.Getenv("CHIMERA_PROD_FS_ROOT"); v != "" {
		cfg.ProdFSRoot = v
	}

	if v := os.Getenv("CHIMERA_SHADOW_FS_ROOT"); v != "" {
		cfg.ShadowFSRoot = v
	}

	if v := os.Getenv("CHIMERA_JITTER_MIN_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid CHIMERA_JITTER_MIN_MS: %w", err)
		}
		cfg.JitterMin = time.Duration(ms) * time.Millisecond
	}

	if v := os.Getenv("CHIMERA_JITTER_MAX_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid CHIMERA_JITTER_MAX_MS: %w", err)
		}
		cfg.JitterMax = time.Duration(ms) * time.Millisecond
	}

	return cfg, cfg.Validate()
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Mode != "http" && c.Mode != "stdio" {
		return fmt.Errorf("CHIMERA_MODE must be http or stdio")
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}

	if _, err := hex.DecodeString(c.GenesisHash); len(c.GenesisHash) != 64 || err != nil {
		return fmt.Errorf("CHIMERA_GENESIS_HASH must be 64 hex characters")
	}

	if c.ClassifierTimeout <= 0 {
		return fmt.Errorf("CLASSIFIER_TIMEOUT_MS must be positive")
	}

	if c.SessionWindow <= 0 {
		return fmt.Errorf("CHIMERA_SESSION_WINDOW_SECONDS must be positive")
	}

	if c.JitterMax < c.JitterMin {
		return fmt.Errorf("CHIMERA_JITTER_MAX_MS must be >= CHIMERA_JITTER_MIN_MS")
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error")
	}

	return nil
}
