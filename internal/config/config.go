// Copyright 2024 TailingsIQ Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	// EnvDevelopment is the default environment
	EnvDevelopment = "development"
	// EnvProduction enables the strict validation rules
	EnvProduction = "production"
	// EnvTesting uses an in-memory database and relaxed limits
	EnvTesting = "testing"

	// DevelopmentSecretKey is the placeholder signing key that production refuses
	DevelopmentSecretKey = "dev-secret-key-change-in-production" // pragma: allowlist secret
)

// ErrNoConfigFile is returned by WatchConfig when there is no file to watch
var ErrNoConfigFile = errors.New("no configuration file to watch")

// Config represents the complete application configuration
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Auth      AuthConfig      `mapstructure:"auth"`
	OpenAI    OpenAIConfig    `mapstructure:"openai"`
	AIQuery   AIQueryConfig   `mapstructure:"ai_query"`
	Vector    VectorConfig    `mapstructure:"vector"`
	Documents DocumentsConfig `mapstructure:"documents"`
	Synthetic SyntheticConfig `mapstructure:"synthetic"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Events    EventsConfig    `mapstructure:"events"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// AppConfig identifies the deployment
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
	APIPrefix   string `mapstructure:"api_prefix"`
	Debug       bool   `mapstructure:"debug"`
}

// ServerConfig contains HTTP listener settings
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// DatabaseConfig contains the sqlite location
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// AuthConfig contains token, lockout and password policy settings
type AuthConfig struct {
	SecretKey         string         `mapstructure:"secret_key"`
	Algorithm         string         `mapstructure:"algorithm"`
	Issuer            string         `mapstructure:"issuer"`
	AccessTokenExpiry time.Duration  `mapstructure:"access_token_expiry"`
	BcryptCost        int            `mapstructure:"bcrypt_cost"`
	MaxFailedAttempts int            `mapstructure:"max_failed_attempts"`
	LockoutDuration   time.Duration  `mapstructure:"lockout_duration"`
	ResetTokenTTL     time.Duration  `mapstructure:"reset_token_ttl"`
	Password          PasswordPolicy `mapstructure:"password"`
	Bootstrap         BootstrapAdmin `mapstructure:"bootstrap"`
}

// PasswordPolicy lists the rules new passwords must satisfy
type PasswordPolicy struct {
	MinLength        int  `mapstructure:"min_length"`
	RequireUppercase bool `mapstructure:"require_uppercase"`
	RequireLowercase bool `mapstructure:"require_lowercase"`
	RequireDigit     bool `mapstructure:"require_digit"`
	RequireSymbol    bool `mapstructure:"require_symbol"`
}

// BootstrapAdmin is the super admin seeded into an empty database
type BootstrapAdmin struct {
	Username string `mapstructure:"username"`
	Email    string `mapstructure:"email"`
	Password string `mapstructure:"password"`
	FullName string `mapstructure:"full_name"`
}

// OpenAIConfig contains OpenAI API configuration
type OpenAIConfig struct {
	APIKey         string        `mapstructure:"apikey"`
	Endpoint       string        `mapstructure:"endpoint"`
	Model          string        `mapstructure:"model"`
	EmbeddingModel string        `mapstructure:"embedding_model"`
	MaxTokens      int           `mapstructure:"max_tokens"`
	Temperature    float64       `mapstructure:"temperature"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// AIQueryConfig tunes the query pipeline
type AIQueryConfig struct {
	MaxSources          int           `mapstructure:"max_sources"`
	ConfidenceThreshold float64       `mapstructure:"confidence_threshold"`
	MaxQueryLength      int           `mapstructure:"max_query_length"`
	ProcessingTimeout   time.Duration `mapstructure:"processing_timeout"`
	SourceTimeout       time.Duration `mapstructure:"source_timeout"`
	TopK                int           `mapstructure:"top_k"`
	SimilarityThreshold float64       `mapstructure:"similarity_threshold"`
	MaxContextTokens    int           `mapstructure:"max_context_tokens"`
	DefaultWindowDays   int           `mapstructure:"default_window_days"`
	HistoryPreviewChars int           `mapstructure:"history_preview_chars"`
	IndexQueueSize      int           `mapstructure:"index_queue_size"`
}

// VectorConfig selects where chunk embeddings are stored
type VectorConfig struct {
	Backend        string `mapstructure:"backend"`
	ChromaURL      string `mapstructure:"chroma_url"`
	CollectionName string `mapstructure:"collection_name"`
}

// DocumentsConfig contains upload settings
type DocumentsConfig struct {
	UploadDir           string   `mapstructure:"upload_dir"`
	MaxFileSize         int64    `mapstructure:"max_file_size"`
	AllowedContentTypes []string `mapstructure:"allowed_content_types"`
	ChunkSize           int      `mapstructure:"chunk_size"`
}

// SyntheticConfig contains synthetic data settings
type SyntheticConfig struct {
	OutputDir       string `mapstructure:"output_dir"`
	CleanupDays     int    `mapstructure:"cleanup_days"`
	MaxRecords      int    `mapstructure:"max_records"`
	PreviewMax      int    `mapstructure:"preview_max"`
	DefaultFacility int    `mapstructure:"default_facilities"`
}

// RateLimitConfig limits requests per client
type RateLimitConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
}

// EventsConfig configures the NATS publisher
type EventsConfig struct {
	NATSURL       string `mapstructure:"nats_url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
	File   string `mapstructure:"file"`
}

// IsProduction reports whether the production rules apply
func (c *Config) IsProduction() bool {
	return c.App.Environment == EnvProduction
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("configuration validation failed for field '%s': %s", e.Field, e.Message)
}

// LoadOptions contains options for configuration loading
type LoadOptions struct {
	ConfigPath       string
	Environment      string
	ValidateRequired bool
	// SkipDotEnv disables reading a .env file from the working directory
	SkipDotEnv bool
}

// Load loads configuration from file and environment variables
// Environment variables take precedence over config file values
func Load(configPath string) (*Config, error) {
	return LoadWithOptions(LoadOptions{
		ConfigPath:       configPath,
		Environment:      getEnvironment(),
		ValidateRequired: true,
	})
}

// LoadWithOptions loads configuration with additional options
func LoadWithOptions(opts LoadOptions) (*Config, error) {
	if !opts.SkipDotEnv {
		// A missing .env is normal outside local development.
		_ = godotenv.Load()
	}
	if opts.Environment == "" {
		opts.Environment = getEnvironment()
	}

	v := viper.New()
	setDefaults(v)
	applyEnvironmentDefaults(v, opts.Environment)

	found, err := setConfigFile(v, opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to set config file: %w", err)
	}

	v.SetEnvPrefix("TAILINGSIQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if found {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	setEnvironmentMappings(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if opts.ValidateRequired {
		if err := validateConfig(&config); err != nil {
			return nil, err
		}
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "TailingsIQ")
	v.SetDefault("app.version", "1.0.0")
	v.SetDefault("app.environment", EnvDevelopment)
	v.SetDefault("app.api_prefix", "/api/v1")
	v.SetDefault("app.debug", false)

	v.SetDefault("server.port", 8000)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 330*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.cors_origins", []string{
		"http://localhost:3000",
		"http://localhost:8080",
		"https://tailingsiq-frontend.vercel.app",
		"https://*.tailingsiq.com",
	})

	v.SetDefault("database.path", "./tailingsiq.db")

	v.SetDefault("auth.secret_key", DevelopmentSecretKey)
	v.SetDefault("auth.algorithm", "HS256")
	v.SetDefault("auth.issuer", "tailingsiq")
	v.SetDefault("auth.access_token_expiry", 30*time.Minute)
	v.SetDefault("auth.bcrypt_cost", 12)
	v.SetDefault("auth.max_failed_attempts", 5)
	v.SetDefault("auth.lockout_duration", 30*time.Minute)
	v.SetDefault("auth.reset_token_ttl", time.Hour)
	v.SetDefault("auth.password.min_length", 8)
	v.SetDefault("auth.password.require_uppercase", true)
	v.SetDefault("auth.password.require_lowercase", true)
	v.SetDefault("auth.password.require_digit", true)
	v.SetDefault("auth.password.require_symbol", true)
	v.SetDefault("auth.bootstrap.username", "superadmin")
	v.SetDefault("auth.bootstrap.email", "admin@tailingsiq.com")
	v.SetDefault("auth.bootstrap.password", "ChangeMe123!") // pragma: allowlist secret
	v.SetDefault("auth.bootstrap.full_name", "Super Administrator")

	v.SetDefault("openai.endpoint", "https://api.openai.com/v1")
	v.SetDefault("openai.model", "gpt-4")
	v.SetDefault("openai.embedding_model", "text-embedding-3-small")
	v.SetDefault("openai.max_tokens", 4000)
	v.SetDefault("openai.temperature", 0.7)
	v.SetDefault("openai.timeout", 60*time.Second)

	v.SetDefault("ai_query.max_sources", 50)
	v.SetDefault("ai_query.confidence_threshold", 0.6)
	v.SetDefault("ai_query.max_query_length", 1000)
	v.SetDefault("ai_query.processing_timeout", 300*time.Second)
	v.SetDefault("ai_query.source_timeout", 10*time.Second)
	v.SetDefault("ai_query.top_k", 10)
	v.SetDefault("ai_query.similarity_threshold", 0.7)
	v.SetDefault("ai_query.max_context_tokens", 3000)
	v.SetDefault("ai_query.default_window_days", 30)
	v.SetDefault("ai_query.history_preview_chars", 200)
	v.SetDefault("ai_query.index_queue_size", 64)

	v.SetDefault("vector.backend", "sqlite")
	v.SetDefault("vector.chroma_url", "http://localhost:8001")
	v.SetDefault("vector.collection_name", "tailingsiq_documents")

	v.SetDefault("documents.upload_dir", "./uploads")
	v.SetDefault("documents.max_file_size", 100*1024*1024)
	v.SetDefault("documents.allowed_content_types", []string{
		"application/pdf",
		"application/msword",
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		"application/vnd.ms-excel",
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		"text/plain",
		"text/csv",
		"text/markdown",
		"text/html",
		"image/jpeg",
		"image/png",
		"image/tiff",
		"application/zip",
	})
	v.SetDefault("documents.chunk_size", 1000)

	v.SetDefault("synthetic.output_dir", "./synthetic_data")
	v.SetDefault("synthetic.cleanup_days", 30)
	v.SetDefault("synthetic.max_records", 10000)
	v.SetDefault("synthetic.preview_max", 20)
	v.SetDefault("synthetic.default_facilities", 5)

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.requests", 100)
	v.SetDefault("rate_limit.window", 3600*time.Second)

	v.SetDefault("events.nats_url", "")
	v.SetDefault("events.subject_prefix", "tailingsiq")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.file", "./logs/tailingsiq.log")
}

// applyEnvironmentDefaults overrides defaults for the selected environment
func applyEnvironmentDefaults(v *viper.Viper, env string) {
	v.SetDefault("app.environment", env)

	switch env {
	case EnvDevelopment:
		v.SetDefault("app.debug", true)
		v.SetDefault("logging.level", "debug")
		v.SetDefault("logging.format", "text")
	case EnvTesting:
		v.SetDefault("app.debug", true)
		v.SetDefault("database.path", ":memory:")
		v.SetDefault("auth.bcrypt_cost", 4)
		v.SetDefault("rate_limit.requests", 1000)
	case EnvProduction:
		v.SetDefault("app.debug", false)
		v.SetDefault("logging.level", "warn")
		v.SetDefault("logging.format", "json")
	}
}

// setConfigFile selects the configuration file. found is false when no
// file exists in the default locations, which is allowed.
func setConfigFile(v *viper.Viper, configPath string) (bool, error) {
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		if _, err := os.Stat(envPath); err != nil {
			return false, fmt.Errorf("config file specified by CONFIG_PATH does not exist: %s", envPath)
		}
		v.SetConfigFile(envPath)
		return true, nil
	}

	if configPath != "" {
		if _, err := os.Stat(configPath); err != nil {
			return false, fmt.Errorf("config file does not exist: %s", configPath)
		}
		v.SetConfigFile(configPath)
		return true, nil
	}

	for _, path := range []string{"./configs/config.yaml", "./config.yaml"} {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			return true, nil
		}
	}

	return false, nil
}

// setEnvironmentMappings sets explicit environment variable mappings
func setEnvironmentMappings(v *viper.Viper) {
	envMappings := map[string]string{
		"ENVIRONMENT":     "app.environment",
		"DEBUG":           "app.debug",
		"PORT":            "server.port",
		"DATABASE_URL":    "database.path",
		"DATABASE_PATH":   "database.path",
		"SECRET_KEY":      "auth.secret_key",
		"OPENAI_API_KEY":  "openai.apikey",
		"OPENAI_ENDPOINT": "openai.endpoint",
		"OPENAI_MODEL":    "openai.model",
		"CHROMA_URL":      "vector.chroma_url",
		"VECTOR_BACKEND":  "vector.backend",
		"UPLOAD_DIR":      "documents.upload_dir",
		"NATS_URL":        "events.nats_url",
		"LOG_LEVEL":       "logging.level",
		"LOG_FORMAT":      "logging.format",
		"LOG_OUTPUT":      "logging.output",
	}

	for envVar, configKey := range envMappings {
		if value := os.Getenv(envVar); value != "" {
			if configKey == "database.path" {
				value = strings.TrimPrefix(value, "sqlite:///")
			}
			v.Set(configKey, value)
		}
	}
}

// validateConfig validates the configuration for required fields and valid values
func validateConfig(config *Config) error {
	var errs []ValidationError

	if config.Auth.SecretKey == "" {
		errs = append(errs, ValidationError{
			Field:   "auth.secret_key",
			Message: "secret key is required. Set via config file or SECRET_KEY environment variable",
		})
	}
	if config.Auth.AccessTokenExpiry <= 0 {
		errs = append(errs, ValidationError{Field: "auth.access_token_expiry", Message: "must be greater than 0"})
	}
	if config.Auth.MaxFailedAttempts <= 0 {
		errs = append(errs, ValidationError{Field: "auth.max_failed_attempts", Message: "must be greater than 0"})
	}
	if config.Auth.Password.MinLength < 6 {
		errs = append(errs, ValidationError{Field: "auth.password.min_length", Message: "must be at least 6"})
	}
	if config.Database.Path == "" {
		errs = append(errs, ValidationError{Field: "database.path", Message: "database path is required"})
	} else if config.Database.Path != ":memory:" {
		if err := validateDirectoryExists(filepath.Dir(config.Database.Path)); err != nil {
			errs = append(errs, ValidationError{
				Field:   "database.path",
				Message: fmt.Sprintf("database directory does not exist: %s", filepath.Dir(config.Database.Path)),
			})
		}
	}

	if config.AIQuery.MaxSources <= 0 {
		errs = append(errs, ValidationError{Field: "ai_query.max_sources", Message: "max_sources must be greater than 0"})
	}
	if config.AIQuery.MaxQueryLength <= 0 {
		errs = append(errs, ValidationError{Field: "ai_query.max_query_length", Message: "max_query_length must be greater than 0"})
	}
	if config.AIQuery.MaxContextTokens <= 0 {
		errs = append(errs, ValidationError{Field: "ai_query.max_context_tokens", Message: "max_context_tokens must be greater than 0"})
	}
	if config.AIQuery.ConfidenceThreshold < 0 || config.AIQuery.ConfidenceThreshold > 1 {
		errs = append(errs, ValidationError{Field: "ai_query.confidence_threshold", Message: "confidence_threshold must be between 0 and 1"})
	}
	if config.AIQuery.SimilarityThreshold < 0 || config.AIQuery.SimilarityThreshold > 1 {
		errs = append(errs, ValidationError{Field: "ai_query.similarity_threshold", Message: "similarity_threshold must be between 0 and 1"})
	}

	if config.OpenAI.MaxTokens <= 0 {
		errs = append(errs, ValidationError{Field: "openai.max_tokens", Message: "max_tokens must be greater than 0"})
	}
	if config.OpenAI.Temperature < 0 || config.OpenAI.Temperature > 2 {
		errs = append(errs, ValidationError{Field: "openai.temperature", Message: "temperature must be between 0 and 2"})
	}

	validBackends := []string{"sqlite", "chroma"}
	if !contains(validBackends, config.Vector.Backend) {
		errs = append(errs, ValidationError{
			Field:   "vector.backend",
			Message: fmt.Sprintf("vector backend must be one of: %s", strings.Join(validBackends, ", ")),
		})
	}
	if config.Vector.Backend == "chroma" && config.Vector.ChromaURL == "" {
		errs = append(errs, ValidationError{Field: "vector.chroma_url", Message: "ChromaDB URL is required for the chroma backend"})
	}

	if config.Documents.MaxFileSize <= 0 {
		errs = append(errs, ValidationError{Field: "documents.max_file_size", Message: "max_file_size must be greater than 0"})
	}
	if config.Documents.ChunkSize <= 0 {
		errs = append(errs, ValidationError{Field: "documents.chunk_size", Message: "chunk_size must be greater than 0"})
	}
	if config.RateLimit.Enabled && (config.RateLimit.Requests <= 0 || config.RateLimit.Window <= 0) {
		errs = append(errs, ValidationError{Field: "rate_limit", Message: "requests and window must be greater than 0"})
	}

	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLogLevels, config.Logging.Level) {
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("log level must be one of: %s", strings.Join(validLogLevels, ", ")),
		})
	}
	validLogFormats := []string{"json", "text"}
	if !contains(validLogFormats, config.Logging.Format) {
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("log format must be one of: %s", strings.Join(validLogFormats, ", ")),
		})
	}
	validEnvironments := []string{EnvDevelopment, EnvProduction, EnvTesting}
	if !contains(validEnvironments, config.App.Environment) {
		errs = append(errs, ValidationError{
			Field:   "app.environment",
			Message: fmt.Sprintf("environment must be one of: %s", strings.Join(validEnvironments, ", ")),
		})
	}

	if config.IsProduction() {
		errs = append(errs, validateProduction(config)...)
	}

	if len(errs) > 0 {
		var errorMessages []string
		for _, err := range errs {
			errorMessages = append(errorMessages, err.Error())
		}
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errorMessages, "\n"))
	}

	return nil
}

// validateProduction applies the rules that only hold for production deployments
func validateProduction(config *Config) []ValidationError {
	var errs []ValidationError
	if config.OpenAI.APIKey == "" {
		errs = append(errs, ValidationError{
			Field:   "openai.apikey",
			Message: "OpenAI API key is required in production. Set via config file or OPENAI_API_KEY environment variable",
		})
	}
	if config.Auth.SecretKey == DevelopmentSecretKey {
		errs = append(errs, ValidationError{Field: "auth.secret_key", Message: "secret key must be changed in production"})
	}
	if config.Database.Path == ":memory:" || strings.HasPrefix(config.Database.Path, "/tmp/") {
		errs = append(errs, ValidationError{Field: "database.path", Message: "production database must be on persistent storage"})
	}
	if config.App.Debug {
		errs = append(errs, ValidationError{Field: "app.debug", Message: "debug must be disabled in production"})
	}
	return errs
}

// MaskSensitiveValues returns a copy of the config with sensitive values masked
func (c *Config) MaskSensitiveValues() *Config {
	masked := *c

	if masked.OpenAI.APIKey != "" {
		masked.OpenAI.APIKey = maskValue(masked.OpenAI.APIKey)
	}
	if masked.Auth.SecretKey != "" {
		masked.Auth.SecretKey = maskValue(masked.Auth.SecretKey)
	}
	if masked.Auth.Bootstrap.Password != "" {
		masked.Auth.Bootstrap.Password = maskValue(masked.Auth.Bootstrap.Password)
	}

	return &masked
}

// maskValue masks sensitive values, showing only the first 8 characters
func maskValue(value string) string {
	if len(value) <= 8 {
		return strings.Repeat("*", len(value))
	}
	return value[:8] + strings.Repeat("*", len(value)-8)
}

// contains checks if a slice contains a specific string
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// validateDirectoryExists checks if a directory exists
func validateDirectoryExists(path string) error {
	if path == "" || path == "." {
		return nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", path)
	}

	return nil
}

// getEnvironment returns the current environment (development, production, testing)
func getEnvironment() string {
	if env := os.Getenv("ENVIRONMENT"); env != "" {
		return env
	}
	if env := os.Getenv("ENV"); env != "" {
		return env
	}
	return EnvDevelopment
}

// WatchConfig reloads the configuration file on change and hands the new
// config to callback. Invalid reloads are logged and ignored.
func WatchConfig(configPath string, logger *zap.Logger, callback func(*Config)) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	v := viper.New()
	found, err := setConfigFile(v, configPath)
	if err != nil {
		return err
	}
	if !found {
		return ErrNoConfigFile
	}
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		logger.Info("Config file changed", zap.String("file", e.Name), zap.String("op", e.Op.String()))

		config, err := LoadWithOptions(LoadOptions{
			ConfigPath:       configPath,
			Environment:      getEnvironment(),
			ValidateRequired: true,
			SkipDotEnv:       true,
		})
		if err != nil {
			logger.Warn("Failed to reload config", zap.Error(err))
			return
		}

		callback(config)
	})
	v.WatchConfig()

	return nil
}
