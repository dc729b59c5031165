package core

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Store backend selectors.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
)

// Config holds the application configuration
type Config struct {
	// Environment (development, demo, production)
	Environment string

	// Server listening address
	ListenAddr string

	// Base URL for constructing absolute URLs
	BaseURL string

	// EntityID is the provider's SAML entity identifier. Defaults to
	// BaseURL + "/metadata".
	EntityID string

	// Store backend: memory, sqlite or redis
	StoreBackend string

	// Data directory for the sqlite backend
	DataDir string

	// Redis connection for the redis backend
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Partner and user registry files
	PartnersFile string
	UsersFile    string

	// Signing key material. When both are empty a fresh key pair is
	// generated at startup.
	KeyFile  string
	CertFile string

	// TLS serving material. When empty the server listens in plaintext and
	// relies on TrustProxyTLS.
	TLSCertFile string
	TLSKeyFile  string

	// TrustProxyTLS accepts X-Forwarded-Proto=https as proof of a secure
	// transport. Only enable behind a TLS-terminating proxy.
	TrustProxyTLS bool

	// Lifetimes
	SessionTTL   time.Duration
	LogoutTTL    time.Duration
	ChallengeTTL time.Duration
	AssertionTTL time.Duration

	// Session cookie name
	CookieName string

	// CORS allowed origins
	CORSOrigins []string

	// Enable debug logging
	Debug bool
}

// LoadConfig loads configuration from environment variables with sensible defaults
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Environment:   getEnv("IDP_ENV", "development"),
		ListenAddr:    getEnv("IDP_LISTEN_ADDR", ":8443"),
		BaseURL:       getEnv("IDP_BASE_URL", "https://localhost:8443"),
		EntityID:      getEnv("IDP_ENTITY_ID", ""),
		StoreBackend:  getEnv("IDP_STORE", StoreMemory),
		DataDir:       getEnv("IDP_DATA_DIR", "./data"),
		RedisAddr:     getEnv("IDP_REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("IDP_REDIS_PASSWORD", ""),
		RedisDB:       0,
		PartnersFile:  getEnv("IDP_PARTNERS_FILE", "partners.yaml"),
		UsersFile:     getEnv("IDP_USERS_FILE", "users.yaml"),
		KeyFile:       getEnv("IDP_KEY_FILE", ""),
		CertFile:      getEnv("IDP_CERT_FILE", ""),
		TLSCertFile:   getEnv("IDP_TLS_CERT_FILE", ""),
		TLSKeyFile:    getEnv("IDP_TLS_KEY_FILE", ""),
		TrustProxyTLS: getEnvBool("IDP_TRUST_PROXY_TLS", false),
		SessionTTL:    getEnvDuration("IDP_SESSION_TTL", 8*time.Hour),
		LogoutTTL:     getEnvDuration("IDP_LOGOUT_TTL", 5*time.Minute),
		ChallengeTTL:  getEnvDuration("IDP_CHALLENGE_TTL", 10*time.Minute),
		AssertionTTL:  getEnvDuration("IDP_ASSERTION_TTL", 5*time.Minute),
		CookieName:    getEnv("IDP_COOKIE_NAME", "idp_session"),
		CORSOrigins:   getEnvList("IDP_CORS_ORIGINS", nil),
		Debug:         getEnvBool("IDP_DEBUG", false),
	}

	if cfg.EntityID == "" {
		cfg.EntityID = strings.TrimSuffix(cfg.BaseURL, "/") + "/metadata"
	}

	switch cfg.StoreBackend {
	case StoreMemory, StoreSQLite, StoreRedis:
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
	if (cfg.KeyFile == "") != (cfg.CertFile == "") {
		return nil, fmt.Errorf("IDP_KEY_FILE and IDP_CERT_FILE must be set together")
	}
	if (cfg.TLSCertFile == "") != (cfg.TLSKeyFile == "") {
		return nil, fmt.Errorf("IDP_TLS_CERT_FILE and IDP_TLS_KEY_FILE must be set together")
	}

	return cfg, nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// SSOURL is the absolute single sign-on endpoint.
func (c *Config) SSOURL() string {
	return strings.TrimSuffix(c.BaseURL, "/") + "/sso"
}

// SLOURL is the absolute single logout endpoint.
func (c *Config) SLOURL() string {
	return strings.TrimSuffix(c.BaseURL, "/") + "/slo"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return strings.ToLower(value) == "true" || value == "1"
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return d
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return strings.Split(value, ",")
}
