// Package config loads process configuration with koanf: an optional YAML file
// overlaid by environment variables.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds every tunable of the API process.
type Config struct {
	HTTPAddr string `koanf:"http_addr"`
	GRPCAddr string `koanf:"grpc_addr"`
	LogLevel string `koanf:"log_level"`

	DatabaseURL string `koanf:"database_url"`
	RedisURL    string `koanf:"redis_url"`

	AccessTokenSecret  string        `koanf:"access_token_secret"`
	RefreshTokenSecret string        `koanf:"refresh_token_secret"`
	TokenIssuer        string        `koanf:"token_issuer"`
	TokenAudience      string        `koanf:"token_audience"`
	AccessTokenTTL     time.Duration `koanf:"access_token_ttl"`
	RefreshTokenTTL    time.Duration `koanf:"refresh_token_ttl"`

	AuditBatchSize     int           `koanf:"audit_batch_size"`
	AuditFlushInterval time.Duration `koanf:"audit_flush_interval"`
	AuditMaxBuffered   int           `koanf:"audit_max_buffered"`

	SweepInterval       time.Duration `koanf:"sweep_interval"`
	RefreshRevokedGrace time.Duration `koanf:"refresh_revoked_grace"`
	APIKeyRetention     time.Duration `koanf:"api_key_retention"`
	AuditRetention      time.Duration `koanf:"audit_retention"`

	RatePerSec float64 `koanf:"rate_per_sec"`
	RateBurst  int     `koanf:"rate_burst"`

	// TrustedProxies lists the CIDRs or addresses whose X-Forwarded-For
	// header is believed. Empty means clients connect directly.
	TrustedProxies []string `koanf:"trusted_proxies"`

	OTLPEndpoint  string  `koanf:"otel_exporter_otlp_endpoint"`
	OTLPProtocol  string  `koanf:"otel_exporter_otlp_protocol"`
	TraceSampling float64 `koanf:"trace_sampling"`
}

// Validation errors.
var (
	ErrMissingDatabaseURL    = errors.New("DATABASE_URL is required")
	ErrMissingRedisURL       = errors.New("REDIS_URL is required")
	ErrMissingAccessSecret   = errors.New("ACCESS_TOKEN_SECRET is required")
	ErrMissingRefreshSecret  = errors.New("REFRESH_TOKEN_SECRET is required")
	ErrSharedTokenSecret     = errors.New("ACCESS_TOKEN_SECRET and REFRESH_TOKEN_SECRET must differ")
	ErrNonPositiveTTL        = errors.New("token TTLs must be positive")
	ErrInvalidAuditBatchSize = errors.New("AUDIT_BATCH_SIZE must be positive and not above AUDIT_MAX_BUFFERED")
	ErrInvalidTrustedProxy   = errors.New("TRUSTED_PROXIES entries must be CIDRs or IP addresses")
)

// Defaults for non-secret settings.
const (
	DefaultHTTPAddr            = ":8080"
	DefaultGRPCAddr            = ":9090"
	DefaultLogLevel            = "info"
	DefaultTokenIssuer         = "bastion"
	DefaultTokenAudience       = "bastion-api"
	DefaultAccessTokenTTL      = 15 * time.Minute
	DefaultRefreshTokenTTL     = 7 * 24 * time.Hour
	DefaultAuditBatchSize      = 100
	DefaultAuditFlushInterval  = 5 * time.Second
	DefaultAuditMaxBuffered    = 10000
	DefaultSweepInterval       = time.Hour
	DefaultRefreshRevokedGrace = 24 * time.Hour
	DefaultAPIKeyRetention     = 30 * 24 * time.Hour
	DefaultAuditRetention      = 90 * 24 * time.Hour
	DefaultRatePerSec          = 50
	DefaultRateBurst           = 100
	DefaultTraceSampling       = 0.1
	DefaultOTLPProtocol        = "http/protobuf"
)

// Load reads configPath (when non-empty) and then the environment. Environment
// values win. Parse and validation problems are all returned together.
func Load(configPath string) (*Config, []error) {
	k := koanf.New(".")
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("load config file %s: %w", configPath, err)}
		}
	}

	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	cfg := &Config{
		HTTPAddr:           getEnvOrDefault("HTTP_ADDR", k.String("http_addr"), DefaultHTTPAddr),
		GRPCAddr:           getEnvOrDefault("GRPC_ADDR", k.String("grpc_addr"), DefaultGRPCAddr),
		LogLevel:           getEnvOrDefault("LOG_LEVEL", k.String("log_level"), DefaultLogLevel),
		DatabaseURL:        getEnvOrKoanf("DATABASE_URL", k, "database_url"),
		RedisURL:           getEnvOrKoanf("REDIS_URL", k, "redis_url"),
		AccessTokenSecret:  getEnvOrKoanf("ACCESS_TOKEN_SECRET", k, "access_token_secret"),
		RefreshTokenSecret: getEnvOrKoanf("REFRESH_TOKEN_SECRET", k, "refresh_token_secret"),
		TokenIssuer:        getEnvOrDefault("TOKEN_ISSUER", k.String("token_issuer"), DefaultTokenIssuer),
		TokenAudience:      getEnvOrDefault("TOKEN_AUDIENCE", k.String("token_audience"), DefaultTokenAudience),
		OTLPEndpoint:       getEnvOrKoanf("OTEL_EXPORTER_OTLP_ENDPOINT", k, "otel_exporter_otlp_endpoint"),
		OTLPProtocol:       getEnvOrDefault("OTEL_EXPORTER_OTLP_PROTOCOL", k.String("otel_exporter_otlp_protocol"), DefaultOTLPProtocol),
	}

	var err error
	cfg.AccessTokenTTL, err = getEnvDurationOrDefault("ACCESS_TOKEN_TTL", k, "access_token_ttl", DefaultAccessTokenTTL)
	collect(err)
	cfg.RefreshTokenTTL, err = getEnvDurationOrDefault("REFRESH_TOKEN_TTL", k, "refresh_token_ttl", DefaultRefreshTokenTTL)
	collect(err)
	cfg.AuditBatchSize, err = getEnvIntOrDefault("AUDIT_BATCH_SIZE", k, "audit_batch_size", DefaultAuditBatchSize)
	collect(err)
	cfg.AuditFlushInterval, err = getEnvDurationOrDefault("AUDIT_FLUSH_INTERVAL", k, "audit_flush_interval", DefaultAuditFlushInterval)
	collect(err)
	cfg.AuditMaxBuffered, err = getEnvIntOrDefault("AUDIT_MAX_BUFFERED", k, "audit_max_buffered", DefaultAuditMaxBuffered)
	collect(err)
	cfg.SweepInterval, err = getEnvDurationOrDefault("SWEEP_INTERVAL", k, "sweep_interval", DefaultSweepInterval)
	collect(err)
	cfg.RefreshRevokedGrace, err = getEnvDurationOrDefault("REFRESH_REVOKED_GRACE", k, "refresh_revoked_grace", DefaultRefreshRevokedGrace)
	collect(err)
	cfg.APIKeyRetention, err = getEnvDurationOrDefault("API_KEY_RETENTION", k, "api_key_retention", DefaultAPIKeyRetention)
	collect(err)
	cfg.AuditRetention, err = getEnvDurationOrDefault("AUDIT_RETENTION", k, "audit_retention", DefaultAuditRetention)
	collect(err)
	cfg.RatePerSec, err = getEnvFloatOrDefault("RATE_PER_SEC", k, "rate_per_sec", DefaultRatePerSec)
	collect(err)
	cfg.RateBurst, err = getEnvIntOrDefault("RATE_BURST", k, "rate_burst", DefaultRateBurst)
	collect(err)
	cfg.TraceSampling, err = getEnvFloatOrDefault("TRACE_SAMPLING", k, "trace_sampling", DefaultTraceSampling)
	collect(err)
	cfg.TrustedProxies = getEnvListOrKoanf("TRUSTED_PROXIES", k, "trusted_proxies")

	return cfg, append(errs, cfg.Validate()...)
}

// Validate reports every missing or inconsistent setting.
func (c *Config) Validate() []error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, ErrMissingDatabaseURL)
	}
	if c.RedisURL == "" {
		errs = append(errs, ErrMissingRedisURL)
	}
	if c.AccessTokenSecret == "" {
		errs = append(errs, ErrMissingAccessSecret)
	}
	if c.RefreshTokenSecret == "" {
		errs = append(errs, ErrMissingRefreshSecret)
	}
	if c.AccessTokenSecret != "" && c.AccessTokenSecret == c.RefreshTokenSecret {
		errs = append(errs, ErrSharedTokenSecret)
	}
	if c.AccessTokenTTL <= 0 || c.RefreshTokenTTL <= 0 {
		errs = append(errs, ErrNonPositiveTTL)
	}
	if c.AuditBatchSize <= 0 || c.AuditBatchSize > c.AuditMaxBuffered {
		errs = append(errs, ErrInvalidAuditBatchSize)
	}
	for _, p := range c.TrustedProxies {
		if _, err := netip.ParsePrefix(p); err == nil {
			continue
		}
		if _, err := netip.ParseAddr(p); err != nil {
			errs = append(errs, fmt.Errorf("%w: %q", ErrInvalidTrustedProxy, p))
		}
	}
	return errs
}

func getEnvListOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) []string {
	var raw []string
	if val := os.Getenv(envKey); val != "" {
		raw = strings.Split(val, ",")
	} else {
		raw = k.Strings(koanfKey)
	}
	var out []string
	for _, item := range raw {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnvOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	return k.String(koanfKey)
}

func getEnvOrDefault(envKey, koanfVal, defaultVal string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

func getEnvIntOrDefault(envKey string, k *koanf.Koanf, koanfKey string, defaultVal int) (int, error) {
	if val := os.Getenv(envKey); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return defaultVal, fmt.Errorf("%s must be an integer: %w", envKey, err)
		}
		return n, nil
	}
	if k.Exists(koanfKey) {
		return k.Int(koanfKey), nil
	}
	return defaultVal, nil
}

func getEnvFloatOrDefault(envKey string, k *koanf.Koanf, koanfKey string, defaultVal float64) (float64, error) {
	if val := os.Getenv(envKey); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return defaultVal, fmt.Errorf("%s must be a number: %w", envKey, err)
		}
		return f, nil
	}
	if k.Exists(koanfKey) {
		return k.Float64(koanfKey), nil
	}
	return defaultVal, nil
}

func getEnvDurationOrDefault(envKey string, k *koanf.Koanf, koanfKey string, defaultVal time.Duration) (time.Duration, error) {
	raw := os.Getenv(envKey)
	source := envKey
	if raw == "" && k.Exists(koanfKey) {
		raw = k.String(koanfKey)
		source = koanfKey
	}
	if raw == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return defaultVal, fmt.Errorf("%s must be a duration: %w", source, err)
	}
	return d, nil
}
