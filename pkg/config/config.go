package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"tenantgate/pkg/observability"
	"tenantgate/pkg/provider"
	"tenantgate/pkg/session"
	"tenantgate/pkg/workspace"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Session       session.Config
	Redis         session.RedisOptions
	Provider      provider.Options
	Workspace     workspace.Options
	Relay         RelayConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string

	// BaseURL is the externally visible origin, used to build the OAuth
	// redirect URL and the login hint returned on 401s
	BaseURL string

	// CookieSecure controls the Secure attribute on session cookies.
	// Disable only for local development over plain HTTP.
	CookieSecure bool
	CookieDomain string
}

// RelayConfig holds authorization relay settings
type RelayConfig struct {
	// KeyRefreshInterval is how often the signing-key set is refetched;
	// independent of any session TTL
	KeyRefreshInterval time.Duration
	// Audience expected in inbound tokens; empty skips the audience check
	Audience string
	// RouteFile is the YAML path-prefix route table
	RouteFile string
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Session:       loadSessionConfig(),
		Redis:         loadRedisConfig(),
		Provider:      loadProviderConfig(),
		Workspace:     loadWorkspaceConfig(),
		Relay:         loadRelayConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("TENANTGATE_HOST", "0.0.0.0"),
		Port:            getEnv("TENANTGATE_PORT", "8080"),
		ReadTimeout:     getEnvDuration("TENANTGATE_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("TENANTGATE_WRITE_TIMEOUT", 30*time.Second),
		IdleTimeout:     getEnvDuration("TENANTGATE_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("TENANTGATE_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("TENANTGATE_HEALTH_PORT", "9090"),
		BaseURL:         getEnv("TENANTGATE_BASE_URL", "http://localhost:8080"),
		CookieSecure:    getEnvBool("TENANTGATE_COOKIE_SECURE", true),
		CookieDomain:    getEnv("TENANTGATE_COOKIE_DOMAIN", ""),
	}
}

func loadSessionConfig() session.Config {
	return session.Config{
		IdleTimeout:     getEnvDuration("TENANTGATE_SESSION_IDLE_TIMEOUT", 24*time.Hour),
		AbsoluteTimeout: getEnvDuration("TENANTGATE_SESSION_ABSOLUTE_TIMEOUT", 7*24*time.Hour),
		ExpiryMargin:    getEnvDuration("TENANTGATE_TOKEN_EXPIRY_MARGIN", 30*time.Second),
		RefreshLeaseTTL: getEnvDuration("TENANTGATE_REFRESH_LEASE_TTL", 15*time.Second),
		RefreshWaitPoll: getEnvDuration("TENANTGATE_REFRESH_WAIT_POLL", 100*time.Millisecond),
	}
}

func loadRedisConfig() session.RedisOptions {
	return session.RedisOptions{
		URL:        getEnv("TENANTGATE_REDIS_URL", "redis://localhost:6379"),
		Password:   getEnv("TENANTGATE_REDIS_PASSWORD", ""),
		DB:         getEnvInt("TENANTGATE_REDIS_DB", 0),
		MaxRetries: getEnvInt("TENANTGATE_REDIS_MAX_RETRIES", 3),
		PoolSize:   getEnvInt("TENANTGATE_REDIS_POOL_SIZE", 10),
	}
}

func loadProviderConfig() provider.Options {
	scopes := strings.Split(getEnv("TENANTGATE_OIDC_SCOPES", "openid,profile,email,offline_access"), ",")
	for i := range scopes {
		scopes[i] = strings.TrimSpace(scopes[i])
	}

	return provider.Options{
		IssuerURL:      getEnv("TENANTGATE_OIDC_ISSUER_URL", ""),
		ClientID:       getEnv("TENANTGATE_OIDC_CLIENT_ID", ""),
		ClientSecret:   getEnv("TENANTGATE_OIDC_CLIENT_SECRET", ""),
		RedirectURL:    getEnv("TENANTGATE_OIDC_REDIRECT_URL", ""),
		Scopes:         scopes,
		TokenAudience:  getEnv("TENANTGATE_TOKEN_AUDIENCE", "tenant-services"),
		RequestTimeout: getEnvDuration("TENANTGATE_PROVIDER_TIMEOUT", 10*time.Second),
		MaxRetries:     getEnvInt("TENANTGATE_PROVIDER_MAX_RETRIES", 3),
	}
}

func loadWorkspaceConfig() workspace.Options {
	return workspace.Options{
		BaseURL:        getEnv("TENANTGATE_WORKSPACE_SERVICE_URL", ""),
		RequestTimeout: getEnvDuration("TENANTGATE_WORKSPACE_TIMEOUT", 5*time.Second),
		MaxRetries:     getEnvInt("TENANTGATE_WORKSPACE_MAX_RETRIES", 3),
	}
}

func loadRelayConfig() RelayConfig {
	return RelayConfig{
		KeyRefreshInterval: getEnvDuration("TENANTGATE_KEY_REFRESH_INTERVAL", 15*time.Minute),
		Audience:           getEnv("TENANTGATE_RELAY_AUDIENCE", "tenant-services"),
		RouteFile:          getEnv("TENANTGATE_ROUTE_FILE", "routes.yaml"),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:       parseLogLevel(getEnv("TENANTGATE_LOG_LEVEL", "info")),
		MetricsEnabled: getEnvBool("TENANTGATE_METRICS_ENABLED", true),
	}
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

	if c.Provider.IssuerURL == "" {
		return fmt.Errorf("OIDC issuer URL is required")
	}
	if c.Provider.ClientID == "" {
		return fmt.Errorf("OIDC client ID is required")
	}
	if c.Provider.ClientSecret == "" {
		return fmt.Errorf("OIDC client secret is required")
	}
	if c.Provider.RedirectURL == "" {
		return fmt.Errorf("OIDC redirect URL is required")
	}
	hasOpenID := false
	for _, scope := range c.Provider.Scopes {
		if scope == "openid" {
			hasOpenID = true
			break
		}
	}
	if !hasOpenID {
		return fmt.Errorf("'openid' scope is required")
	}

	if c.Workspace.BaseURL == "" {
		return fmt.Errorf("workspace service URL is required")
	}

	if c.Session.IdleTimeout <= 0 || c.Session.AbsoluteTimeout <= 0 {
		return fmt.Errorf("session timeouts must be positive")
	}
	if c.Session.IdleTimeout > c.Session.AbsoluteTimeout {
		return fmt.Errorf("idle timeout must not exceed absolute timeout")
	}
	if c.Session.ExpiryMargin < 0 {
		return fmt.Errorf("token expiry margin must not be negative")
	}
	if c.Session.RefreshLeaseTTL <= 0 {
		return fmt.Errorf("refresh lease TTL must be positive")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("redis URL is required")
	}

	return nil
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
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

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
