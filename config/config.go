// Package config loads the service settings from the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds every setting of the service. Keys match the environment
// variable names.
type Config struct {
	Debug     bool   `mapstructure:"debug"`
	LogFormat string `mapstructure:"log_format" validate:"oneof=text json"`

	ListenAddr string `mapstructure:"listen_addr" validate:"required"`
	// FunctionsPort overrides ListenAddr when running as an Azure Functions
	// custom handler.
	FunctionsPort string `mapstructure:"functions_customhandler_port"`

	DatabaseDriver string `mapstructure:"database_driver" validate:"oneof=postgres postgresql pgx sqlite sqlite3"`
	DatabaseURL    string `mapstructure:"database_url" validate:"required"`

	RedisConnectionString   string `mapstructure:"redis_connection_string"`
	StorageConnectionString string `mapstructure:"storage_connection_string"`

	Auth0Domain   string `mapstructure:"auth0_domain"`
	Auth0Audience string `mapstructure:"auth0_audience" validate:"required_with=Auth0Domain"`
	Auth0TestMode bool   `mapstructure:"auth0_test_mode"`
	TestJWTSecret string `mapstructure:"test_jwt_secret"`

	DeduperTTL      time.Duration `mapstructure:"deduper_ttl" validate:"gt=0"`
	SessionCacheTTL time.Duration `mapstructure:"session_cache_ttl" validate:"gte=0"`

	HubBuffer     int    `mapstructure:"hub_buffer" validate:"gt=0"`
	MessageLocale string `mapstructure:"message_locale" validate:"oneof=pt-BR en"`
	RelayChannel  string `mapstructure:"relay_channel"`

	MediaDir     string `mapstructure:"media_dir" validate:"required"`
	MediaBaseURL string `mapstructure:"media_base_url"`

	IdentityBackend string `mapstructure:"identity_backend" validate:"oneof=sql table"`
	UsersTable      string `mapstructure:"users_table" validate:"required_if=IdentityBackend table"`
	SessionsTable   string `mapstructure:"sessions_table" validate:"required_if=IdentityBackend table"`

	JobsQueue        string        `mapstructure:"jobs_queue"`
	JobsInterval     time.Duration `mapstructure:"jobs_interval" validate:"gte=0"`
	ArchiveRetention time.Duration `mapstructure:"archive_retention" validate:"gt=0"`
	AutoArchiveAfter time.Duration `mapstructure:"auto_archive_after" validate:"gt=0"`
}

var defaults = map[string]any{
	"debug":                        false,
	"log_format":                   "text",
	"listen_addr":                  ":8080",
	"functions_customhandler_port": "",
	"database_driver":              "sqlite",
	"database_url":                 "taskhub.db",
	"redis_connection_string":      "",
	"storage_connection_string":    "",
	"auth0_domain":                 "",
	"auth0_audience":               "",
	"auth0_test_mode":              false,
	"test_jwt_secret":              "",
	"deduper_ttl":                  "24h",
	"session_cache_ttl":            "5m",
	"hub_buffer":                   64,
	"message_locale":               "pt-BR",
	"relay_channel":                "taskhub-events",
	"media_dir":                    "media",
	"media_base_url":               "/media",
	"identity_backend":             "sql",
	"users_table":                  "Users",
	"sessions_table":               "Sessions",
	"jobs_queue":                   "",
	"jobs_interval":                "0s",
	"archive_retention":            "720h",
	"auto_archive_after":           "72h",
}

// Load reads the configuration from environment variables, falling back to
// defaults for anything unset.
func Load() (*Config, error) {
	v := viper.New()
	for key, val := range defaults {
		v.SetDefault(key, val)
		if err := v.BindEnv(key, strings.ToUpper(key)); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.FunctionsPort != "" {
		cfg.ListenAddr = ":" + cfg.FunctionsPort
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints and the combinations between them.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.IdentityBackend == "table" && c.StorageConnectionString == "" {
		return errors.New("invalid config: IDENTITY_BACKEND=table needs STORAGE_CONNECTION_STRING")
	}
	if c.JobsQueue != "" && c.StorageConnectionString == "" {
		return errors.New("invalid config: JOBS_QUEUE needs STORAGE_CONNECTION_STRING")
	}
	if c.Auth0TestMode && c.TestJWTSecret == "" {
		return errors.New("invalid config: AUTH0_TEST_MODE needs TEST_JWT_SECRET")
	}
	return nil
}

// JWTEnabled reports whether bearer tokens are verified as JWTs.
func (c *Config) JWTEnabled() bool { return c.Auth0TestMode || c.Auth0Domain != "" }

// RelayEnabled reports whether change events travel through Redis.
func (c *Config) RelayEnabled() bool {
	return c.RedisConnectionString != "" && c.RelayChannel != ""
}
