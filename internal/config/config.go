// Package config provides the configuration schema and YAML loader for the
// callyx server.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Model     ModelConfig     `yaml:"model"`
	Telephony TelephonyConfig `yaml:"telephony"`
	Storage   StorageConfig   `yaml:"storage"`
	Database  DatabaseConfig  `yaml:"database"`
	Knowledge KnowledgeConfig `yaml:"knowledge"`
	Listener  ListenerConfig  `yaml:"listener"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	// ListenAddr is the host:port to bind. Default ":8080".
	ListenAddr string `yaml:"listen_addr"`

	LogLevel LogLevel `yaml:"log_level"`

	// PublicBaseURL is the externally reachable base URL, used for SMS
	// status callbacks.
	PublicBaseURL string `yaml:"public_base_url"`

	// ShutdownGrace bounds graceful shutdown. Default 30s.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`

	// SessionLogDir holds per-call session logs until they are archived.
	// Default: the OS temp directory.
	SessionLogDir string `yaml:"session_log_dir"`
}

// ModelConfig locates the speech-to-speech model endpoint.
type ModelConfig struct {
	// APIKey authenticates against the model endpoint. Falls back to the
	// OPENAI_API_KEY environment variable when empty.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the realtime WebSocket endpoint.
	BaseURL string `yaml:"base_url"`

	// Name is the realtime model to use.
	Name string `yaml:"name"`

	// DefaultVoice is used when a call's agent does not set one.
	DefaultVoice string `yaml:"default_voice"`
}

// TelephonyConfig authenticates against the telephony provider.
type TelephonyConfig struct {
	AccountSID string `yaml:"account_sid"`
	AuthToken  string `yaml:"auth_token"`
	BaseURL    string `yaml:"base_url"`
}

// StorageConfig locates the object store for call artifacts.
type StorageConfig struct {
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
	Prefix   string `yaml:"prefix"`
}

// DatabaseConfig locates PostgreSQL.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
	// Migrate runs schema creation at startup.
	Migrate bool `yaml:"migrate"`
}

// KnowledgeConfig tunes document lookups.
type KnowledgeConfig struct {
	// Model is the completion model used for document queries.
	Model string `yaml:"model"`
	// BaseURL overrides the completion endpoint.
	BaseURL string `yaml:"base_url"`
}

// ListenerConfig tunes the listen-in streams.
type ListenerConfig struct {
	// QueueSize bounds undelivered messages per call before old audio is
	// shed. Default 512.
	QueueSize int `yaml:"queue_size"`
}
