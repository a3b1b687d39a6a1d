// Package config provides application configuration management with
// multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (~/.loom/config.yaml)
//  3. Default values
//
// The environment keys match the ones the thread-management service has
// always used in deployments:
//
//	THREAD_MANAGE_CONNECTION       boolean; false disables persistence
//	DATABASE_CONNECTION_STRING     backend descriptor
//	THREAD_TABLE_NAME              table/collection override
//	THREAD_ID_PREFIX               prefix for generated thread ids
//	THREAD_REQUIRE_AUTHENTICATION  boolean
//	THREAD_USER_ISOLATION          boolean
//	ENABLE_ENCRYPTION              boolean; encrypt checkpoint blobs at rest
//	ENCRYPTION_KEY                 passphrase for checkpoint encryption
//
// Security: sensitive fields are masked in MarshalJSON; never log a Config
// with fmt verbs other than %s/%v (String() masks too).
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/viper"
)

// Sentinel errors for configuration failures. All are fatal at startup.
var (
	// ErrInvalidBool indicates a boolean setting holds a non-boolean value.
	ErrInvalidBool = errors.New("invalid boolean setting")

	// ErrInvalidTableName indicates the table/collection name is not a
	// safe identifier.
	ErrInvalidTableName = errors.New("invalid table name")

	// ErrInvalidIDPrefix indicates the thread id prefix is empty or
	// contains unsafe characters.
	ErrInvalidIDPrefix = errors.New("invalid thread id prefix")

	// ErrInvalidCleanupDays indicates the auto-cleanup age is out of range.
	ErrInvalidCleanupDays = errors.New("invalid auto cleanup days")

	// ErrInvalidMaxThreads indicates the max threads limit is out of range.
	ErrInvalidMaxThreads = errors.New("invalid max threads")

	// ErrMissingEncryptionKey indicates encryption is enabled without a key.
	ErrMissingEncryptionKey = errors.New("encryption enabled but ENCRYPTION_KEY is not set")
)

// Defaults for thread management settings.
const (
	DefaultTableName       = "loom_threads"
	DefaultIDPrefix        = "loom"
	DefaultMaxThreads      = 1000
	DefaultAutoCleanupDays = 30
	DefaultHTTPAddr        = "127.0.0.1:3600"
)

// Config stores application configuration.
// SECURITY: sensitive fields are explicitly masked in MarshalJSON. When
// adding new sensitive fields, update MarshalJSON.
type Config struct {
	// Thread persistence
	ManageConnection bool   `json:"manage_connection"`
	ConnectionString string `json:"connection_string"` // SENSITIVE: masked in MarshalJSON
	TableName        string `json:"table_name"`
	IDPrefix         string `json:"id_prefix"`
	MaxThreads       int    `json:"max_threads"`
	AutoCleanupDays  int    `json:"auto_cleanup_days"`

	// Access control
	RequireAuth   bool `json:"require_authentication"`
	UserIsolation bool `json:"user_isolation"`

	// Checkpoint encryption
	EnableEncryption bool   `json:"enable_encryption"`
	EncryptionKey    string `json:"encryption_key"` // SENSITIVE: masked in MarshalJSON

	// HTTP surface
	HTTPAddr string `json:"http_addr"`

	// Logging
	LogLevel string `json:"log_level"`
	LogJSON  bool   `json:"log_json"`
}

// Load loads configuration.
// Priority: environment variables > configuration file > default values.
func Load() (*Config, error) {
	v := viper.New()

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}
	configDir := filepath.Join(home, ".loom")
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configDir)
	v.AddConfigPath(".")

	setDefaults(v)
	bindEnvVariables(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; defaults and env cover everything.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	return fromViper(v)
}

// setDefaults sets all default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("manage_connection", false)
	v.SetDefault("connection_string", "")
	v.SetDefault("table_name", DefaultTableName)
	v.SetDefault("id_prefix", DefaultIDPrefix)
	v.SetDefault("max_threads", DefaultMaxThreads)
	v.SetDefault("auto_cleanup_days", DefaultAutoCleanupDays)
	v.SetDefault("require_authentication", false)
	v.SetDefault("user_isolation", false)
	v.SetDefault("enable_encryption", false)
	v.SetDefault("encryption_key", "")
	v.SetDefault("http_addr", DefaultHTTPAddr)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)
}

// bindEnvVariables binds the deployment environment variables explicitly.
func bindEnvVariables(v *viper.Viper) {
	// Hardcoded keys cannot fail to bind; a panic here is a bug.
	mustBind := func(key, envVar string) {
		if err := v.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("manage_connection", "THREAD_MANAGE_CONNECTION")
	mustBind("connection_string", "DATABASE_CONNECTION_STRING")
	mustBind("table_name", "THREAD_TABLE_NAME")
	mustBind("id_prefix", "THREAD_ID_PREFIX")
	mustBind("max_threads", "MAX_THREADS")
	mustBind("auto_cleanup_days", "AUTO_CLEANUP_DAYS")
	mustBind("require_authentication", "THREAD_REQUIRE_AUTHENTICATION")
	mustBind("user_isolation", "THREAD_USER_ISOLATION")
	mustBind("enable_encryption", "ENABLE_ENCRYPTION")
	mustBind("encryption_key", "ENCRYPTION_KEY")
	mustBind("http_addr", "LOOM_HTTP_ADDR")
	mustBind("log_level", "LOOM_LOG_LEVEL")
	mustBind("log_json", "LOOM_LOG_JSON")
}

// fromViper builds a Config from viper state.
//
// Boolean settings are parsed explicitly with strconv.ParseBool so that a
// malformed value like THREAD_USER_ISOLATION=yep is a hard startup error
// instead of silently reading as false.
func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		ConnectionString: v.GetString("connection_string"),
		TableName:        v.GetString("table_name"),
		IDPrefix:         v.GetString("id_prefix"),
		MaxThreads:       v.GetInt("max_threads"),
		AutoCleanupDays:  v.GetInt("auto_cleanup_days"),
		EncryptionKey:    v.GetString("encryption_key"),
		HTTPAddr:         v.GetString("http_addr"),
		LogLevel:         v.GetString("log_level"),
	}

	boolSettings := []struct {
		key  string
		dest *bool
	}{
		{"manage_connection", &cfg.ManageConnection},
		{"require_authentication", &cfg.RequireAuth},
		{"user_isolation", &cfg.UserIsolation},
		{"enable_encryption", &cfg.EnableEncryption},
		{"log_json", &cfg.LogJSON},
	}
	for _, bs := range boolSettings {
		val, err := parseBoolSetting(v, bs.key)
		if err != nil {
			return nil, err
		}
		*bs.dest = val
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}
	return cfg, nil
}

// parseBoolSetting reads a boolean setting, accepting the forms
// strconv.ParseBool accepts (1/t/true/TRUE/..., case-insensitive).
func parseBoolSetting(v *viper.Viper, key string) (bool, error) {
	raw := v.GetString(key)
	if raw == "" {
		return false, nil
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%w: %s=%q", ErrInvalidBool, key, raw)
	}
	return val, nil
}

// maskedValue is the placeholder for masked sensitive data.
const maskedValue = "████████"

// maskSecret masks a secret for safe logging. Short secrets are fully
// masked; longer ones keep the first and last two characters.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return maskedValue
	}
	return s[:2] + "<" + maskedValue + ">" + s[len(s)-2:]
}

// MarshalJSON implements json.Marshaler with sensitive field masking.
//
// Masked fields: ConnectionString (may embed credentials), EncryptionKey.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	a := alias(c)
	a.ConnectionString = maskSecret(a.ConnectionString)
	a.EncryptionKey = maskSecret(a.EncryptionKey)
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// String implements Stringer to prevent accidental printing of secrets.
func (c Config) String() string {
	data, err := c.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}
