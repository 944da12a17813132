package app

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/flightdeck-labs/iapflow/internal/auth"
)

// LogFormat represents the logging output format.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
	LogFormatOTel LogFormat = "otel"
)

// CredentialStorageType represents the supported credential cache backends.
type CredentialStorageType string

const (
	CredentialStorageTypeFile    CredentialStorageType = "file"
	CredentialStorageTypeKeyring CredentialStorageType = "keyring"
)

// Default configuration values
const (
	DefaultConfigLogFormat       = LogFormatText
	DefaultConfigServerHost      = "127.0.0.1"
	DefaultConfigServerPort      = 4180
	DefaultConfigShutdownTimeout = 5 * time.Second
	DefaultConfigAuthStorage     = CredentialStorageTypeFile

	// Client of the gcloud CLI for installed applications. The "secret" of a
	// desktop OAuth client is not confidential and ships in public tooling.
	DefaultConfigOAuthClientID     = "764086051850-6qr4p6gpi6hn506pt8ejuq83di341hur.apps.googleusercontent.com"
	DefaultConfigOAuthClientSecret = "d-FL95Q19q7MQmFpd7hHD0Ty"
)

const keyringService = "iapflow-oauth"

// ServerConfig holds gateway listener configuration.
type ServerConfig struct {
	Host string `json:"host" validate:"hostname_rfc1123|ip"`
	Port uint16 `json:"port"` // Port range 0-65535 handled by uint16 type
}

// ShutdownConfig holds shutdown behavior configuration.
type ShutdownConfig struct {
	// Timeout for graceful shutdown.
	Timeout time.Duration `json:"timeout"`
}

// AirflowConfig describes the Airflow deployment behind IAP.
type AirflowConfig struct {
	BaseURL string `json:"base_url" validate:"required,url"`

	// Airflow API credentials used to obtain the deployment's own JWT.
	// Optional when the deployment accepts IAP identity alone.
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// AuthConfig describes how identity tokens are minted and cached.
type AuthConfig struct {
	// Audience is the OAuth client ID of the IAP resource. Tokens are
	// only accepted by IAP when minted for this audience.
	Audience string `json:"audience" validate:"required"`

	// OAuth client used for the consent flow. Defaults to the public
	// gcloud desktop client when left empty.
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`

	// Storage configuration for the cached credential.
	Storage     CredentialStorageType `json:"storage" validate:"required,oneof=file keyring"`
	File        string                `json:"file,omitempty"`         // For file storage: path to the cache file
	KeyringUser string                `json:"keyring_user,omitempty"` // For keyring storage: user identifier

	// RenewInterval is the background renewal tick interval.
	RenewInterval time.Duration `json:"renew_interval"`

	// DisableAudienceFallback turns off the retry without the audience
	// parameter for token providers that reject it.
	DisableAudienceFallback bool `json:"disable_audience_fallback"`
}

// NewCredentialStore creates a CredentialStore from the authentication configuration.
func (a *AuthConfig) NewCredentialStore() (auth.CredentialStore, error) {
	switch a.Storage {
	case CredentialStorageTypeFile:
		return auth.NewFileStore(a.File)
	case CredentialStorageTypeKeyring:
		return auth.NewKeyringStore(keyringService, a.KeyringUser)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", a.Storage)
	}
}

// Config holds the application's configuration.
type Config struct {
	// LogLevel for logging output (defaults to Info if unset).
	LogLevel  slog.Level     `json:"log_level"`
	LogFormat LogFormat      `json:"log_format" validate:"oneof=text json otel"`
	Server    ServerConfig   `json:"server"`
	Shutdown  ShutdownConfig `json:"shutdown"`
	Airflow   AirflowConfig  `json:"airflow"`
	Auth      AuthConfig     `json:"auth"`
}

// Default creates a new Config with default values applied.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}
	return cfg, nil
}

// ApplyDefaults fills unset config fields with sensible defaults.
func (c *Config) ApplyDefaults() error {
	if c.LogFormat == "" {
		c.LogFormat = DefaultConfigLogFormat
	}
	if c.Server.Host == "" {
		c.Server.Host = DefaultConfigServerHost
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultConfigServerPort
	}
	if c.Shutdown.Timeout == 0 {
		c.Shutdown.Timeout = DefaultConfigShutdownTimeout
	}
	if c.Auth.Storage == "" {
		c.Auth.Storage = DefaultConfigAuthStorage
	}
	if c.Auth.ClientID == "" && c.Auth.ClientSecret == "" {
		c.Auth.ClientID = DefaultConfigOAuthClientID
		c.Auth.ClientSecret = DefaultConfigOAuthClientSecret
	}
	if c.Auth.RenewInterval == 0 {
		c.Auth.RenewInterval = auth.DefaultRenewInterval
	}

	// Dynamic defaults based on storage type
	switch c.Auth.Storage {
	case CredentialStorageTypeFile:
		if c.Auth.File == "" {
			configDir, err := os.UserConfigDir()
			if err != nil {
				return fmt.Errorf("auth.file required (auto-detect failed: %w)", err)
			}
			c.Auth.File = filepath.Join(configDir, "iapflow", "oauth_token.json")
		}
	case CredentialStorageTypeKeyring:
		if c.Auth.KeyringUser == "" {
			currentUser, err := user.Current()
			if err != nil {
				return fmt.Errorf("auth.keyring_user required (auto-detect failed: %w)", err)
			}
			c.Auth.KeyringUser = currentUser.Username
		}
	}

	return nil
}

// Validate validates the configuration using struct tags plus cross-field checks.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	// A custom OAuth client needs both halves.
	if (c.Auth.ClientID == "") != (c.Auth.ClientSecret == "") {
		return errors.New("auth.client_id and auth.client_secret must be configured together")
	}

	if c.Auth.RenewInterval < 0 {
		return errors.New("auth.renew_interval must not be negative")
	}

	switch c.Auth.Storage {
	case CredentialStorageTypeFile:
		if c.Auth.File == "" {
			return errors.New("file path required for file storage")
		}
	case CredentialStorageTypeKeyring:
		if c.Auth.KeyringUser == "" {
			return errors.New("keyring_user required for keyring storage")
		}
	}

	if c.Airflow.Username == "" && c.Airflow.Password != "" {
		return errors.New("airflow.username required when airflow.password is set")
	}

	return nil
}
