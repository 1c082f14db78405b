package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "INKWELL"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabasePath      = "inkwell.db"
	defaultLogLevel          = "info"
	defaultGitHostBaseURL    = "https://api.github.com"
	defaultImportConcurrency = 8
	defaultImportTimeoutS    = 300
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress       string
	DatabasePath      string
	LogLevel          string
	WebhookSecret     string
	AuthSigningSecret string
	GitHostBaseURL    string
	GitHostToken      string
	ImportConcurrency int64
	ImportTimeout     time.Duration
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
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("githost.base_url", defaultGitHostBaseURL)
	configViper.SetDefault("import.concurrency", defaultImportConcurrency)
	configViper.SetDefault("import.timeout_s", defaultImportTimeoutS)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabasePath:      configViper.GetString("database.path"),
		LogLevel:          configViper.GetString("log.level"),
		WebhookSecret:     configViper.GetString("webhook.secret"),
		AuthSigningSecret: configViper.GetString("auth.signing_secret"),
		GitHostBaseURL:    configViper.GetString("githost.base_url"),
		GitHostToken:      configViper.GetString("githost.token"),
		ImportConcurrency: configViper.GetInt64("import.concurrency"),
		ImportTimeout:     time.Duration(configViper.GetInt64("import.timeout_s")) * time.Second,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.WebhookSecret) == "" {
		return fmt.Errorf("webhook.secret is required")
	}
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.GitHostBaseURL) == "" {
		return fmt.Errorf("githost.base_url is required")
	}
	if strings.TrimSpace(c.GitHostToken) == "" {
		return fmt.Errorf("githost.token is required")
	}
	if c.ImportConcurrency <= 0 {
		return fmt.Errorf("import.concurrency must be positive")
	}
	if c.ImportTimeout <= 0 {
		return fmt.Errorf("import.timeout_s must be positive")
	}
	return nil
}
