package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "DOCVAULT"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabasePath    = "docvault.db"
	defaultStorageRoot     = "docvault-files"
	defaultLogLevel        = "info"
	defaultMaxFileSizeMb   = 10
	defaultDocumentPrefix  = "LDR"
	defaultTokenTTLMinutes = 30
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress      string
	DatabasePath     string
	StorageRoot      string
	MaxFileSizeBytes int64
	AllowedMIMETypes []string
	CryptoSecret     string
	DocumentPrefix   string
	SigningSecret    string
	ServiceAccounts  string
	TokenTTL         time.Duration
	LogLevel         string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("storage.root", defaultStorageRoot)
	configViper.SetDefault("storage.max_file_size_mb", defaultMaxFileSizeMb)
	configViper.SetDefault("storage.allowed_mime_types", []string{})
	configViper.SetDefault("identifier.document_prefix", defaultDocumentPrefix)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("log.level", defaultLogLevel)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:      configViper.GetString("http.address"),
		DatabasePath:     configViper.GetString("database.path"),
		StorageRoot:      configViper.GetString("storage.root"),
		MaxFileSizeBytes: configViper.GetInt64("storage.max_file_size_mb") << 20,
		AllowedMIMETypes: configViper.GetStringSlice("storage.allowed_mime_types"),
		CryptoSecret:     configViper.GetString("crypto.secret"),
		DocumentPrefix:   configViper.GetString("identifier.document_prefix"),
		SigningSecret:    configViper.GetString("auth.signing_secret"),
		ServiceAccounts:  configViper.GetString("auth.service_accounts"),
		TokenTTL:         time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		LogLevel:         configViper.GetString("log.level"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.StorageRoot) == "" {
		return fmt.Errorf("storage.root is required")
	}
	if strings.TrimSpace(c.CryptoSecret) == "" {
		return fmt.Errorf("crypto.secret is required")
	}
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.ServiceAccounts) == "" {
		return fmt.Errorf("auth.service_accounts is required")
	}
	if c.MaxFileSizeBytes <= 0 {
		return fmt.Errorf("storage.max_file_size_mb must be positive")
	}
	return nil
}
