package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultSystemRole is the system turn the client sends when the user has
// not set one.
const DefaultSystemRole = "You are a 5-year-old elementary school student who cannot discuss politics or other harmful topics"

// Config contains all runtime settings for the relay.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool
	LogLevel         string
	LogPretty        bool

	SitePassword string
	SignSecret   string
	SignRequired bool
	SignMaxSkew  time.Duration

	UpstreamMode      string
	OpenAIAPIKey      string
	OpenAIBaseURL     string
	OpenAIModel       string
	OpenAITemperature float32
	HTTPSProxy        string
	UpstreamHTTPURL   string
	UpstreamRetries   int

	FilterServerSide bool

	RateLimitRPS     float64
	RateLimitBurst   int
	RateLimitIdleTTL time.Duration
	TrustProxy       bool
}

// ClientConfig contains the settings of the chirpctl client.
type ClientConfig struct {
	RelayURL       string
	Transport      string
	StoreKind      string
	StorePath      string
	DatabaseURL    string
	Profile        string
	RequestTimeout time.Duration
	DraftPolicy    string
	SystemRole     string
	SignSecret     string
	LogLevel       string
}

func newViper() (*viper.Viper, error) {
	v := viper.New()
	v.AutomaticEnv()
	if path := strings.TrimSpace(os.Getenv("CHIRP_CONFIG_FILE")); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read CHIRP_CONFIG_FILE: %w", err)
		}
	}
	return v, nil
}

// Load reads the relay settings from the environment, or an optional config
// file, and applies safe defaults.
func Load() (Config, error) {
	v, err := newViper()
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		BindAddr:         stringFrom(v, "APP_BIND_ADDR", ":8080"),
		MetricsNamespace: stringFrom(v, "APP_METRICS_NAMESPACE", "chirpchat"),
		LogLevel:         stringFrom(v, "APP_LOG_LEVEL", "info"),
		SitePassword:     stringFrom(v, "SITE_PASSWORD", ""),
		SignSecret:       stringFrom(v, "SIGN_SECRET", ""),
		UpstreamMode:     strings.ToLower(stringFrom(v, "UPSTREAM_MODE", "auto")),
		OpenAIAPIKey:     stringFrom(v, "OPENAI_API_KEY", ""),
		OpenAIBaseURL:    stringFrom(v, "OPENAI_API_BASE_URL", "https://api.openai.com"),
		OpenAIModel:      stringFrom(v, "OPENAI_MODEL", "gpt-3.5-turbo"),
		HTTPSProxy:       stringFrom(v, "HTTPS_PROXY", ""),
		UpstreamHTTPURL:  stringFrom(v, "UPSTREAM_HTTP_URL", ""),

		ShutdownTimeout:   15 * time.Second,
		SignMaxSkew:       5 * time.Minute,
		OpenAITemperature: 0.6,
		UpstreamRetries:   1,
		RateLimitRPS:      1,
		RateLimitBurst:    5,
		RateLimitIdleTTL:  10 * time.Minute,
	}

	if cfg.ShutdownTimeout, err = durationFrom(v, "APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.AllowAnyOrigin, err = boolFrom(v, "APP_ALLOW_ANY_ORIGIN", false); err != nil {
		return Config{}, err
	}
	if cfg.LogPretty, err = boolFrom(v, "APP_LOG_PRETTY", false); err != nil {
		return Config{}, err
	}
	if cfg.SignRequired, err = boolFrom(v, "SIGN_REQUIRED", false); err != nil {
		return Config{}, err
	}
	if cfg.SignMaxSkew, err = durationFrom(v, "SIGN_MAX_SKEW", cfg.SignMaxSkew); err != nil {
		return Config{}, err
	}
	temp, err := floatFrom(v, "OPENAI_TEMPERATURE", float64(cfg.OpenAITemperature))
	if err != nil {
		return Config{}, err
	}
	cfg.OpenAITemperature = float32(temp)
	if cfg.UpstreamRetries, err = intFrom(v, "UPSTREAM_RETRIES", cfg.UpstreamRetries); err != nil {
		return Config{}, err
	}
	if cfg.FilterServerSide, err = boolFrom(v, "FILTER_SERVER_SIDE", false); err != nil {
		return Config{}, err
	}
	if cfg.RateLimitRPS, err = floatFrom(v, "RATE_LIMIT_RPS", cfg.RateLimitRPS); err != nil {
		return Config{}, err
	}
	if cfg.RateLimitBurst, err = intFrom(v, "RATE_LIMIT_BURST", cfg.RateLimitBurst); err != nil {
		return Config{}, err
	}
	if cfg.RateLimitIdleTTL, err = durationFrom(v, "RATE_LIMIT_IDLE_TTL", cfg.RateLimitIdleTTL); err != nil {
		return Config{}, err
	}
	if cfg.TrustProxy, err = boolFrom(v, "TRUST_PROXY", false); err != nil {
		return Config{}, err
	}

	switch cfg.UpstreamMode {
	case "auto", "openai", "http", "mock":
	default:
		return Config{}, fmt.Errorf("UPSTREAM_MODE must be one of auto|openai|http|mock, got %q", cfg.UpstreamMode)
	}
	if cfg.SignRequired && cfg.SignSecret == "" {
		return Config{}, fmt.Errorf("SIGN_SECRET is required when SIGN_REQUIRED is set")
	}
	if cfg.SignMaxSkew <= 0 {
		return Config{}, fmt.Errorf("SIGN_MAX_SKEW must be positive")
	}
	if cfg.UpstreamRetries < 0 {
		return Config{}, fmt.Errorf("UPSTREAM_RETRIES must be >= 0")
	}
	if cfg.OpenAITemperature < 0 || cfg.OpenAITemperature > 2 {
		return Config{}, fmt.Errorf("OPENAI_TEMPERATURE must be within [0, 2]")
	}
	if cfg.RateLimitRPS > 0 && cfg.RateLimitBurst <= 0 {
		return Config{}, fmt.Errorf("RATE_LIMIT_BURST must be positive when rate limiting is enabled")
	}
	return cfg, nil
}

// LoadClient reads the client settings.
func LoadClient() (ClientConfig, error) {
	return LoadClientWith(nil)
}

// LoadClientWith is LoadClient with explicit overrides, keyed like the
// environment variables, that win over both the environment and the file.
func LoadClientWith(overrides map[string]string) (ClientConfig, error) {
	v, err := newViper()
	if err != nil {
		return ClientConfig{}, err
	}
	for key, value := range overrides {
		v.Set(key, value)
	}

	cfg := ClientConfig{
		RelayURL:    stringFrom(v, "CHIRP_RELAY_URL", "http://localhost:8080"),
		Transport:   strings.ToLower(stringFrom(v, "CHIRP_TRANSPORT", "http")),
		StoreKind:   strings.ToLower(stringFrom(v, "CHIRP_STORE", "file")),
		StorePath:   stringFrom(v, "CHIRP_STORE_PATH", ""),
		DatabaseURL: stringFrom(v, "DATABASE_URL", ""),
		Profile:     stringFrom(v, "CHIRP_PROFILE", "default"),
		DraftPolicy: strings.ToLower(stringFrom(v, "CHIRP_DRAFT_POLICY", "preserve")),
		SystemRole:  stringFrom(v, "CHIRP_SYSTEM_ROLE", DefaultSystemRole),
		SignSecret:  stringFrom(v, "SIGN_SECRET", ""),
		LogLevel:    stringFrom(v, "CHIRP_LOG_LEVEL", "warn"),
	}
	if cfg.RequestTimeout, err = durationFrom(v, "CHIRP_REQUEST_TIMEOUT", 0); err != nil {
		return ClientConfig{}, err
	}

	switch cfg.Transport {
	case "http", "ws":
	default:
		return ClientConfig{}, fmt.Errorf("CHIRP_TRANSPORT must be http or ws, got %q", cfg.Transport)
	}
	switch cfg.DraftPolicy {
	case "preserve", "discard":
	default:
		return ClientConfig{}, fmt.Errorf("CHIRP_DRAFT_POLICY must be preserve or discard, got %q", cfg.DraftPolicy)
	}
	if cfg.RequestTimeout < 0 {
		return ClientConfig{}, fmt.Errorf("CHIRP_REQUEST_TIMEOUT must be >= 0")
	}
	if cfg.StorePath == "" && (cfg.StoreKind == "file" || cfg.StoreKind == "badger") {
		cfg.StorePath = defaultStorePath(cfg.StoreKind, cfg.Profile)
	}
	return cfg, nil
}

func defaultStorePath(kind, profile string) string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	name := profile + ".json"
	if kind == "badger" {
		name = profile + ".badger"
	}
	return filepath.Join(dir, "chirpchat", name)
}

func stringFrom(v *viper.Viper, key, fallback string) string {
	if s := strings.TrimSpace(v.GetString(key)); s != "" {
		return s
	}
	return fallback
}

func durationFrom(v *viper.Viper, key string, fallback time.Duration) (time.Duration, error) {
	raw := stringFrom(v, key, "")
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func intFrom(v *viper.Viper, key string, fallback int) (int, error) {
	raw := stringFrom(v, key, "")
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func floatFrom(v *viper.Viper, key string, fallback float64) (float64, error) {
	raw := stringFrom(v, key, "")
	if raw == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

func boolFrom(v *viper.Viper, key string, fallback bool) (bool, error) {
	raw := stringFrom(v, key, "")
	if raw == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}
