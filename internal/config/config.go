// Package config provides configuration loading and validation for the API server.
// It uses koanf to merge environment variables with optional file overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/onnwee/agegate/internal/validate"
)

// Config holds all configuration values for the API server.
type Config struct {
	// Server settings
	Port int    `koanf:"port"`
	Env  string `koanf:"env"`

	// Database. Optional: when empty the server falls back to in-memory
	// repositories, which do not survive a restart.
	DatabaseURL string `koanf:"database_url"`

	// Redis. Optional: when empty rate limiting uses the in-memory store.
	RedisURL string `koanf:"redis_url"`

	// JWT Authentication
	JWTSecret         string `koanf:"jwt_secret"`
	JWTPreviousSecret string `koanf:"jwt_previous_secret"`

	// Verification providers
	VerificationProvider string `koanf:"verification_provider"`
	WebhookBaseURL       string `koanf:"webhook_base_url"`

	VeriffAPIKey        string `koanf:"veriff_api_key"`
	VeriffWebhookSecret string `koanf:"veriff_webhook_secret"`

	PersonaAPIKey        string `koanf:"persona_api_key"`
	PersonaWebhookSecret string `koanf:"persona_webhook_secret"`
	PersonaTemplateID    string `koanf:"persona_template_id"`

	YotiAPIKey        string `koanf:"yoti_api_key"`
	YotiWebhookSecret string `koanf:"yoti_webhook_secret"`

	// Rate limiting for session starts
	RateLimitMaxRequests int           `koanf:"rate_limit_max_requests"`
	RateLimitWindow      time.Duration `koanf:"rate_limit_window"`

	// Signed asset URLs
	SignedURLTTL time.Duration `koanf:"signed_url_ttl"`

	// Pending sessions older than this are expired by the background sweeper.
	SessionPendingTTL time.Duration `koanf:"session_pending_ttl"`

	// R2 (Cloudflare Object Storage). Optional: when unset the signed
	// asset endpoint is disabled.
	R2BucketName      string `koanf:"r2_bucket_name"`
	R2AccessKeyID     string `koanf:"r2_access_key_id"`
	R2SecretAccessKey string `koanf:"r2_secret_access_key"`
	R2Endpoint        string `koanf:"r2_endpoint"`

	// CORS. Optional: when empty, cross-origin requests are refused.
	CORSAllowedOrigins []string `koanf:"cors_allowed_origins"`
}

// Configuration validation errors.
var (
	ErrMissingJWTSecret         = errors.New("JWT_SECRET is required")
	ErrMissingProvider          = errors.New("VERIFICATION_PROVIDER is required")
	ErrUnknownProvider          = errors.New("VERIFICATION_PROVIDER must be veriff, persona, or yoti")
	ErrMissingWebhookBaseURL    = errors.New("WEBHOOK_BASE_URL is required")
	ErrMissingProviderKey       = errors.New("active provider API key is required")
	ErrMissingProviderSecret    = errors.New("active provider webhook secret is required")
	ErrMissingPersonaTemplateID = errors.New("PERSONA_TEMPLATE_ID is required when persona is active")
	ErrMissingR2BucketName      = errors.New("R2_BUCKET_NAME is required")
	ErrMissingR2AccessKeyID     = errors.New("R2_ACCESS_KEY_ID is required")
	ErrMissingR2SecretAccessKey = errors.New("R2_SECRET_ACCESS_KEY is required")
	ErrMissingR2Endpoint        = errors.New("R2_ENDPOINT is required")
	ErrInvalidPort              = errors.New("PORT must be a valid integer")
	ErrInvalidRateLimit         = errors.New("RATE_LIMIT_MAX_REQUESTS must be positive")
	ErrInvalidWindow            = errors.New("RATE_LIMIT_WINDOW_SECONDS must be positive")
	ErrInvalidSignedURLTTL      = errors.New("SIGNED_URL_TTL_SECONDS must be positive")
	ErrInvalidSessionPendingTTL = errors.New("SESSION_PENDING_TTL_SECONDS must be positive")
)

// webhookURLConstraints bounds externally reachable URLs in configuration.
// Private-IP blocking is left off so local and staging setups keep working.
var webhookURLConstraints = validate.URLConstraints{
	AllowedSchemes: []string{"https", "http"},
	MaxLength:      2048,
}

// Default values for non-secret configuration.
const (
	DefaultPort                 = 8080
	DefaultEnv                  = "development"
	DefaultProvider             = "veriff"
	DefaultRateLimitMaxRequests = 5
	DefaultRateLimitWindow      = time.Hour
	DefaultSignedURLTTL         = time.Hour
	DefaultSessionPendingTTL    = 24 * time.Hour
)

// Load reads configuration from environment variables and an optional config file.
// Environment variables take precedence over file values.
// Returns the loaded config and a slice of validation errors (empty if valid).
// If a config file path is provided and the file cannot be loaded, an error is returned.
func Load(configFilePath string) (*Config, []error) {
	k := koanf.New(".")
	var loadErrs []error

	// Load from YAML file first if provided (lower precedence)
	if configFilePath != "" {
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("failed to load config file %s: %w", configFilePath, err)}
		}
	}

	port, portErr := getEnvIntOrDefault("PORT", k.Int("port"), DefaultPort)
	if portErr != nil {
		loadErrs = append(loadErrs, portErr)
	}

	maxRequests, maxErr := getEnvIntOrDefault("RATE_LIMIT_MAX_REQUESTS", k.Int("rate_limit_max_requests"), DefaultRateLimitMaxRequests)
	if maxErr != nil {
		loadErrs = append(loadErrs, maxErr)
	}

	window, windowErr := getEnvDurationSeconds("RATE_LIMIT_WINDOW_SECONDS", k.Duration("rate_limit_window"), DefaultRateLimitWindow)
	if windowErr != nil {
		loadErrs = append(loadErrs, windowErr)
	}

	signedTTL, ttlErr := getEnvDurationSeconds("SIGNED_URL_TTL_SECONDS", k.Duration("signed_url_ttl"), DefaultSignedURLTTL)
	if ttlErr != nil {
		loadErrs = append(loadErrs, ttlErr)
	}

	pendingTTL, pendingErr := getEnvDurationSeconds("SESSION_PENDING_TTL_SECONDS", k.Duration("session_pending_ttl"), DefaultSessionPendingTTL)
	if pendingErr != nil {
		loadErrs = append(loadErrs, pendingErr)
	}

	cfg := &Config{
		Port:        port,
		Env:         getEnvOrDefaultMulti([]string{"ENV", "GO_ENV"}, k.String("env"), DefaultEnv),
		DatabaseURL: getEnvOrKoanf("DATABASE_URL", k, "database_url"),
		RedisURL:    getEnvOrKoanf("REDIS_URL", k, "redis_url"),

		JWTSecret:         getEnvOrKoanf("JWT_SECRET", k, "jwt_secret"),
		JWTPreviousSecret: getEnvOrKoanf("JWT_PREVIOUS_SECRET", k, "jwt_previous_secret"),

		VerificationProvider: getEnvOrDefault("VERIFICATION_PROVIDER", k.String("verification_provider"), DefaultProvider),
		WebhookBaseURL:       getEnvOrKoanf("WEBHOOK_BASE_URL", k, "webhook_base_url"),

		VeriffAPIKey:        getEnvOrKoanf("VERIFF_API_KEY", k, "veriff_api_key"),
		VeriffWebhookSecret: getEnvOrKoanf("VERIFF_WEBHOOK_SECRET", k, "veriff_webhook_secret"),

		PersonaAPIKey:        getEnvOrKoanf("PERSONA_API_KEY", k, "persona_api_key"),
		PersonaWebhookSecret: getEnvOrKoanf("PERSONA_WEBHOOK_SECRET", k, "persona_webhook_secret"),
		PersonaTemplateID:    getEnvOrKoanf("PERSONA_TEMPLATE_ID", k, "persona_template_id"),

		YotiAPIKey:        getEnvOrKoanf("YOTI_API_KEY", k, "yoti_api_key"),
		YotiWebhookSecret: getEnvOrKoanf("YOTI_WEBHOOK_SECRET", k, "yoti_webhook_secret"),

		RateLimitMaxRequests: maxRequests,
		RateLimitWindow:      window,
		SignedURLTTL:         signedTTL,
		SessionPendingTTL:    pendingTTL,

		R2BucketName:      getEnvOrKoanf("R2_BUCKET_NAME", k, "r2_bucket_name"),
		R2AccessKeyID:     getEnvOrKoanf("R2_ACCESS_KEY_ID", k, "r2_access_key_id"),
		R2SecretAccessKey: getEnvOrKoanf("R2_SECRET_ACCESS_KEY", k, "r2_secret_access_key"),
		R2Endpoint:        getEnvOrKoanf("R2_ENDPOINT", k, "r2_endpoint"),

		CORSAllowedOrigins: getEnvListOrKoanf("CORS_ALLOWED_ORIGINS", k, "cors_allowed_origins"),
	}

	errs := cfg.Validate()
	errs = append(loadErrs, errs...)

	return cfg, errs
}

// getEnvOrKoanf returns the environment variable value if set, otherwise the koanf value.
func getEnvOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	return k.String(koanfKey)
}

// getEnvOrDefault returns the environment variable value if set, otherwise the koanf value, or default.
func getEnvOrDefault(envKey string, koanfVal string, defaultVal string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvOrDefaultMulti tries multiple environment variable keys in order.
// Returns the first non-empty value found, otherwise the koanf value, or default.
func getEnvOrDefaultMulti(envKeys []string, koanfVal string, defaultVal string) string {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			return val
		}
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvListOrKoanf reads a comma-separated list from the environment,
// otherwise the koanf string slice. Empty entries are dropped.
func getEnvListOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) []string {
	raw := os.Getenv(envKey)
	var parts []string
	if raw != "" {
		parts = strings.Split(raw, ",")
	} else {
		parts = k.Strings(koanfKey)
	}

	var out []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// getEnvIntOrDefault returns the environment variable as int if set, otherwise the koanf value, or default.
// Returns an error if the environment variable is set but cannot be parsed as an integer.
func getEnvIntOrDefault(envKey string, koanfVal int, defaultVal int) (int, error) {
	if val := os.Getenv(envKey); val != "" {
		i, err := strconv.Atoi(val)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", envKey, ErrInvalidPort)
		}
		return i, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvDurationSeconds reads a duration expressed as whole seconds from the
// environment, otherwise falls back to the koanf duration value, or default.
func getEnvDurationSeconds(envKey string, koanfVal time.Duration, defaultVal time.Duration) (time.Duration, error) {
	if val := os.Getenv(envKey); val != "" {
		secs, err := strconv.Atoi(val)
		if err != nil {
			return 0, fmt.Errorf("%s must be a whole number of seconds: %w", envKey, err)
		}
		return time.Duration(secs) * time.Second, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// Validate checks that all required configuration values are present.
// Returns a slice of validation errors (empty if valid).
func (c *Config) Validate() []error {
	var errs []error

	if c.JWTSecret == "" {
		errs = append(errs, ErrMissingJWTSecret)
	}
	if c.WebhookBaseURL == "" {
		errs = append(errs, ErrMissingWebhookBaseURL)
	} else if _, err := validate.URL(c.WebhookBaseURL, webhookURLConstraints); err != nil {
		errs = append(errs, fmt.Errorf("WEBHOOK_BASE_URL: %w", err))
	}

	switch c.VerificationProvider {
	case "":
		errs = append(errs, ErrMissingProvider)
	case "veriff":
		if c.VeriffAPIKey == "" {
			errs = append(errs, ErrMissingProviderKey)
		}
		if c.VeriffWebhookSecret == "" {
			errs = append(errs, ErrMissingProviderSecret)
		}
	case "persona":
		if c.PersonaAPIKey == "" {
			errs = append(errs, ErrMissingProviderKey)
		}
		if c.PersonaWebhookSecret == "" {
			errs = append(errs, ErrMissingProviderSecret)
		}
		if c.PersonaTemplateID == "" {
			errs = append(errs, ErrMissingPersonaTemplateID)
		}
	case "yoti":
		if c.YotiAPIKey == "" {
			errs = append(errs, ErrMissingProviderKey)
		}
		if c.YotiWebhookSecret == "" {
			errs = append(errs, ErrMissingProviderSecret)
		}
	default:
		errs = append(errs, ErrUnknownProvider)
	}

	if c.RateLimitMaxRequests <= 0 {
		errs = append(errs, ErrInvalidRateLimit)
	}
	if c.RateLimitWindow <= 0 {
		errs = append(errs, ErrInvalidWindow)
	}
	if c.SignedURLTTL <= 0 {
		errs = append(errs, ErrInvalidSignedURLTTL)
	}
	if c.SessionPendingTTL <= 0 {
		errs = append(errs, ErrInvalidSessionPendingTTL)
	}

	// R2 configuration is optional. Only validate fields if any R2 value is set.
	if c.R2BucketName != "" || c.R2AccessKeyID != "" || c.R2SecretAccessKey != "" || c.R2Endpoint != "" {
		if c.R2BucketName == "" {
			errs = append(errs, ErrMissingR2BucketName)
		}
		if c.R2AccessKeyID == "" {
			errs = append(errs, ErrMissingR2AccessKeyID)
		}
		if c.R2SecretAccessKey == "" {
			errs = append(errs, ErrMissingR2SecretAccessKey)
		}
		if c.R2Endpoint == "" {
			errs = append(errs, ErrMissingR2Endpoint)
		} else if _, err := validate.URL(c.R2Endpoint, webhookURLConstraints); err != nil {
			errs = append(errs, fmt.Errorf("R2_ENDPOINT: %w", err))
		}
	}

	return errs
}

// R2Configured reports whether signed asset URLs can be served.
func (c *Config) R2Configured() bool {
	return c.R2BucketName != "" && c.R2AccessKeyID != "" && c.R2SecretAccessKey != "" && c.R2Endpoint != ""
}

// LogSummary returns a summary of the configuration suitable for logging.
// All secrets are masked to prevent accidental exposure.
func (c *Config) LogSummary() map[string]string {
	return map[string]string{
		"port":                    fmt.Sprintf("%d", c.Port),
		"env":                     c.Env,
		"database_url":            maskDatabaseURL(c.DatabaseURL),
		"redis_url":               maskDatabaseURL(c.RedisURL),
		"jwt_secret":              maskSecret(c.JWTSecret),
		"jwt_previous_secret":     maskSecret(c.JWTPreviousSecret),
		"verification_provider":   c.VerificationProvider,
		"webhook_base_url":        c.WebhookBaseURL,
		"veriff_api_key":          maskSecret(c.VeriffAPIKey),
		"veriff_webhook_secret":   maskSecret(c.VeriffWebhookSecret),
		"persona_api_key":         maskSecret(c.PersonaAPIKey),
		"persona_webhook_secret":  maskSecret(c.PersonaWebhookSecret),
		"persona_template_id":     c.PersonaTemplateID,
		"yoti_api_key":            maskSecret(c.YotiAPIKey),
		"yoti_webhook_secret":     maskSecret(c.YotiWebhookSecret),
		"rate_limit_max_requests": fmt.Sprintf("%d", c.RateLimitMaxRequests),
		"rate_limit_window":       c.RateLimitWindow.String(),
		"signed_url_ttl":          c.SignedURLTTL.String(),
		"session_pending_ttl":     c.SessionPendingTTL.String(),
		"r2_bucket_name":          c.R2BucketName,
		"r2_access_key_id":        maskSecret(c.R2AccessKeyID),
		"r2_secret_access_key":    maskSecret(c.R2SecretAccessKey),
		"r2_endpoint":             c.R2Endpoint,
		"cors_allowed_origins":    strings.Join(c.CORSAllowedOrigins, ","),
	}
}

// maskSecret masks a secret value, showing only the first 4 characters followed by ****
// If the secret is shorter than 8 characters, it's fully masked.
func maskSecret(s string) string {
	if s == "" {
		return "<not set>"
	}
	if len(s) < 8 {
		return "****"
	}
	return s[:4] + "****"
}

// maskDatabaseURL masks the password in a connection URL.
// Supports postgres://, postgresql://, and redis:// schemes.
func maskDatabaseURL(s string) string {
	if s == "" {
		return "<not set>"
	}

	schemeEnd := strings.Index(s, "://")
	if schemeEnd == -1 {
		return maskSecret(s)
	}

	rest := s[schemeEnd+3:]
	atIndex := strings.Index(rest, "@")
	if atIndex == -1 {
		return s // No credentials in URL
	}

	colonIndex := strings.Index(rest[:atIndex], ":")
	if colonIndex == -1 {
		return s // No password (only username)
	}

	scheme := s[:schemeEnd+3]
	user := rest[:colonIndex]
	hostAndPath := rest[atIndex:]

	return scheme + user + ":****" + hostAndPath
}
