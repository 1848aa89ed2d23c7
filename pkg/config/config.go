// Package config loads medbridge configuration from environment variables
// with an optional YAML overlay file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/medbridge-io/medbridge/pkg/observability"
)

// Duration is a time.Duration that unmarshals from YAML strings like "90s"
type Duration time.Duration

// UnmarshalYAML accepts both "90s"-style strings and integer nanoseconds
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	*d = Duration(n)
	return nil
}

// Std returns the wrapped time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config holds all application configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	IdP           IdPConfig           `yaml:"idp"`
	Domains       DomainConfig        `yaml:"domains"`
	CentralStore  CentralStoreConfig  `yaml:"central_store"`
	Redis         RedisConfig         `yaml:"redis"`
	SSO           SSOConfig           `yaml:"sso"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string   `yaml:"host"`
	Port            string   `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	IdleTimeout     Duration `yaml:"idle_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`

	// Health/metrics server (separate port for k8s probes)
	HealthPort string `yaml:"health_port"`
}

// IdPConfig holds the upstream identity provider settings
type IdPConfig struct {
	IssuerURL    string   `yaml:"issuer_url"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	RedirectURL  string   `yaml:"redirect_url"`
	Scopes       []string `yaml:"scopes"`
	Timeout      Duration `yaml:"timeout"`
}

// DomainConfig holds the recognized central domains and the tenant domain
// resolution rule. A host matching "<slug>." + TenantDomainSuffix resolves to
// that slug; any other host is looked up by exact domain in the central store.
type DomainConfig struct {
	CentralDomains     []string `yaml:"central_domains"`
	TenantDomainSuffix string   `yaml:"tenant_domain_suffix"`
	CentralLoginURL    string   `yaml:"central_login_url"`
}

// CentralStoreConfig holds central PostgreSQL settings
type CentralStoreConfig struct {
	URL          string   `yaml:"url"`
	MaxOpenConns int      `yaml:"max_open_conns"`
	MaxIdleConns int      `yaml:"max_idle_conns"`
	ConnLifetime Duration `yaml:"conn_lifetime"`
}

// RedisConfig holds Redis settings for sessions and handoff codes
type RedisConfig struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// SSOConfig holds protocol-level tunables for the SSO bridge
type SSOConfig struct {
	// StateKey signs the OAuth state payload (HMAC-SHA256)
	StateKey string `yaml:"state_key"`

	HandoffTTL         Duration `yaml:"handoff_ttl"`
	SessionTTL         Duration `yaml:"session_ttl"`
	RecheckInterval    Duration `yaml:"recheck_interval"`
	LoginPath          string   `yaml:"login_path"`
	CallbackPath       string   `yaml:"callback_path"`
	RedeemPath         string   `yaml:"redeem_path"`
	LogoutPath         string   `yaml:"logout_path"`
	DefaultLandingPath string   `yaml:"default_landing_path"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel `yaml:"-"`
	LogLevelName   string                 `yaml:"log_level"`
	MetricsEnabled bool                   `yaml:"metrics_enabled"`

	OTelEnabled        bool   `yaml:"otel_enabled"`
	OTelEndpoint       string `yaml:"otel_endpoint"`
	OTelServiceName    string `yaml:"otel_service_name"`
	OTelServiceVersion string `yaml:"otel_service_version"`
	OTelInsecure       bool   `yaml:"otel_insecure"`
}

// LoadConfig loads configuration from environment variables. When overlayPath
// is non-empty the YAML file is applied on top of the environment values.
func LoadConfig(overlayPath string) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("MEDBRIDGE_HOST", "0.0.0.0"),
			Port:            getEnv("MEDBRIDGE_PORT", "8080"),
			ReadTimeout:     getEnvDuration("MEDBRIDGE_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("MEDBRIDGE_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvDuration("MEDBRIDGE_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("MEDBRIDGE_SHUTDOWN_TIMEOUT", 30*time.Second),
			HealthPort:      getEnv("MEDBRIDGE_HEALTH_PORT", "9090"),
		},
		IdP: IdPConfig{
			IssuerURL:    getEnv("MEDBRIDGE_IDP_ISSUER_URL", ""),
			ClientID:     getEnv("MEDBRIDGE_IDP_CLIENT_ID", ""),
			ClientSecret: getEnv("MEDBRIDGE_IDP_CLIENT_SECRET", ""),
			RedirectURL:  getEnv("MEDBRIDGE_IDP_REDIRECT_URL", ""),
			Scopes:       getEnvList("MEDBRIDGE_IDP_SCOPES", []string{"openid", "profile", "email"}),
			Timeout:      getEnvDuration("MEDBRIDGE_IDP_TIMEOUT", 5*time.Second),
		},
		Domains: DomainConfig{
			CentralDomains:     getEnvList("MEDBRIDGE_CENTRAL_DOMAINS", nil),
			TenantDomainSuffix: getEnv("MEDBRIDGE_TENANT_DOMAIN_SUFFIX", ""),
			CentralLoginURL:    getEnv("MEDBRIDGE_CENTRAL_LOGIN_URL", ""),
		},
		CentralStore: CentralStoreConfig{
			URL:          getEnv("MEDBRIDGE_POSTGRES_URL", ""),
			MaxOpenConns: getEnvInt("MEDBRIDGE_POSTGRES_MAX_CONNS", 25),
			MaxIdleConns: getEnvInt("MEDBRIDGE_POSTGRES_IDLE_CONNS", 5),
			ConnLifetime: getEnvDuration("MEDBRIDGE_POSTGRES_CONN_LIFETIME", 30*time.Minute),
		},
		Redis: RedisConfig{
			URL:      getEnv("MEDBRIDGE_REDIS_URL", "redis://localhost:6379"),
			Password: getEnv("MEDBRIDGE_REDIS_PASSWORD", ""),
			DB:       getEnvInt("MEDBRIDGE_REDIS_DB", 0),
		},
		SSO: SSOConfig{
			StateKey:           getEnv("MEDBRIDGE_STATE_KEY", ""),
			HandoffTTL:         getEnvDuration("MEDBRIDGE_HANDOFF_TTL", 90*time.Second),
			SessionTTL:         getEnvDuration("MEDBRIDGE_SESSION_TTL", 12*time.Hour),
			RecheckInterval:    getEnvDuration("MEDBRIDGE_RECHECK_INTERVAL", 5*time.Minute),
			LoginPath:          getEnv("MEDBRIDGE_LOGIN_PATH", "/auth/login"),
			CallbackPath:       getEnv("MEDBRIDGE_CALLBACK_PATH", "/auth/callback"),
			RedeemPath:         getEnv("MEDBRIDGE_REDEEM_PATH", "/auth/sso/redeem"),
			LogoutPath:         getEnv("MEDBRIDGE_LOGOUT_PATH", "/auth/logout"),
			DefaultLandingPath: getEnv("MEDBRIDGE_DEFAULT_LANDING_PATH", "/dashboard"),
		},
		Observability: ObservabilityConfig{
			LogLevelName:       getEnv("MEDBRIDGE_LOG_LEVEL", "info"),
			MetricsEnabled:     getEnvBool("MEDBRIDGE_METRICS_ENABLED", true),
			OTelEnabled:        getEnvBool("MEDBRIDGE_OTEL_ENABLED", false),
			OTelEndpoint:       getEnv("MEDBRIDGE_OTEL_ENDPOINT", "localhost:4317"),
			OTelServiceName:    getEnv("MEDBRIDGE_OTEL_SERVICE_NAME", "medbridge-sso"),
			OTelServiceVersion: getEnv("MEDBRIDGE_OTEL_SERVICE_VERSION", "1.0.0"),
			OTelInsecure:       getEnvBool("MEDBRIDGE_OTEL_INSECURE", true),
		},
	}

	if overlayPath != "" {
		if err := cfg.ApplyFile(overlayPath); err != nil {
			return nil, err
		}
	}

	cfg.Observability.LogLevel = ParseLogLevel(cfg.Observability.LogLevelName)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// ApplyFile overlays YAML values from path onto the config
func (c *Config) ApplyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if c.IdP.IssuerURL == "" {
		return fmt.Errorf("IdP issuer URL is required")
	}
	if c.IdP.ClientID == "" || c.IdP.ClientSecret == "" {
		return fmt.Errorf("IdP client credentials are required")
	}
	if c.IdP.RedirectURL == "" {
		return fmt.Errorf("IdP redirect URL is required")
	}
	hasOpenID := false
	for _, scope := range c.IdP.Scopes {
		if scope == "openid" {
			hasOpenID = true
			break
		}
	}
	if !hasOpenID {
		return fmt.Errorf("'openid' scope is required")
	}

	if c.CentralStore.URL == "" {
		return fmt.Errorf("central store postgres URL is required")
	}
	if len(c.Domains.CentralDomains) == 0 {
		return fmt.Errorf("at least one central domain is required")
	}
	if c.Domains.CentralLoginURL == "" {
		return fmt.Errorf("central login URL is required")
	}

	if len(c.SSO.StateKey) < 32 {
		return fmt.Errorf("state key must be at least 32 bytes")
	}
	if c.SSO.HandoffTTL.Std() < 60*time.Second || c.SSO.HandoffTTL.Std() > 120*time.Second {
		return fmt.Errorf("handoff TTL must be between 60s and 120s")
	}

	if c.Observability.OTelEnabled && c.Observability.OTelEndpoint == "" {
		return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
	}

	return nil
}

// ParseLogLevel parses a log level string
func ParseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return Duration(duration)
		}
	}
	return Duration(defaultValue)
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
