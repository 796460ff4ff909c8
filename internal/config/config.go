package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Provider names accepted in Config.UpstreamProvider
const (
	ProviderOllama    = "ollama"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Config represents application configuration
type Config struct {
	// Server
	Addr           string   `json:"addr"`
	AllowedOrigins []string `json:"allowed_origins"` // empty allows all (local development)

	// Upstream generator
	UpstreamProvider      string `json:"upstream_provider"` // "ollama", "openai" or "anthropic"
	UpstreamURL           string `json:"upstream_url"`
	UpstreamAPIKey        string `json:"upstream_api_key,omitempty"`
	Model                 string `json:"model"`
	ConnectTimeoutSeconds int    `json:"connect_timeout_seconds"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds"`
	ShowReasoning         bool   `json:"show_reasoning"` // forward upstream thinking text as deltas

	// Limits
	MaxMessageBytes   int `json:"max_message_bytes"`
	HistoryMaxLength  int `json:"history_max_length"`
	SessionTTLSeconds int `json:"session_ttl_seconds"`
	MaxSessions       int `json:"max_sessions"`
	MaxWorkers        int `json:"max_workers"`

	// Client controller
	HeartbeatIntervalMs  int `json:"heartbeat_interval_ms"`
	ReconnectBaseDelayMs int `json:"reconnect_base_delay_ms"`
	ReconnectMaxDelayMs  int `json:"reconnect_max_delay_ms"`
	FlushIntervalMs      int `json:"flush_interval_ms"`

	// Logging
	LogLevel string `json:"log_level"` // debug, info, warn, error, none
	LogPath  string `json:"log_path"`
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		Addr:                  "localhost:8741",
		AllowedOrigins:        nil,
		UpstreamProvider:      ProviderOllama,
		UpstreamURL:           "http://127.0.0.1:11434",
		Model:                 "gpt-oss:20b",
		ConnectTimeoutSeconds: 5,
		RequestTimeoutSeconds: 30,
		ShowReasoning:         false,
		MaxMessageBytes:       10 * 1024,
		HistoryMaxLength:      20,
		SessionTTLSeconds:     3600,
		MaxSessions:           1000,
		MaxWorkers:            8,
		HeartbeatIntervalMs:   15000,
		ReconnectBaseDelayMs:  500,
		ReconnectMaxDelayMs:   30000,
		FlushIntervalMs:       80,
		LogLevel:              "info",
		LogPath:               "-",
	}
}

// Load loads configuration from file, merging over defaults.
// A missing file is not an error.
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks configuration invariants
func (c *Config) Validate() error {
	switch c.UpstreamProvider {
	case ProviderOllama, ProviderOpenAI, ProviderAnthropic:
	default:
		return fmt.Errorf("unknown upstream provider %q", c.UpstreamProvider)
	}
	if c.MaxMessageBytes <= 0 {
		return fmt.Errorf("max_message_bytes must be positive, got %d", c.MaxMessageBytes)
	}
	if c.HistoryMaxLength <= 0 {
		return fmt.Errorf("history_max_length must be positive, got %d", c.HistoryMaxLength)
	}
	if c.MaxSessions <= 0 {
		return fmt.Errorf("max_sessions must be positive, got %d", c.MaxSessions)
	}
	if c.MaxWorkers <= 0 {
		return fmt.Errorf("max_workers must be positive, got %d", c.MaxWorkers)
	}
	return nil
}

// ConnectTimeout returns the upstream connect timeout as a duration
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

// RequestTimeout returns the upstream request timeout as a duration
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// SessionTTL returns the session idle TTL as a duration
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLSeconds) * time.Second
}

// HeartbeatInterval returns the client heartbeat interval as a duration
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}

// ReconnectBaseDelay returns the initial reconnect backoff delay
func (c *Config) ReconnectBaseDelay() time.Duration {
	return time.Duration(c.ReconnectBaseDelayMs) * time.Millisecond
}

// ReconnectMaxDelay returns the reconnect backoff cap
func (c *Config) ReconnectMaxDelay() time.Duration {
	return time.Duration(c.ReconnectMaxDelayMs) * time.Millisecond
}

// FlushInterval returns the client delta flush interval
func (c *Config) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalMs) * time.Millisecond
}
