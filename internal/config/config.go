package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Sandbox   SandboxConfig
	Lifecycle LifecycleConfig
	Cache     CacheConfig
	Preview   PreviewConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port       string
	Host       string
	APIBaseURL string // External API base URL (e.g., https://preview.example.com)
	Env        string // Environment: development, staging, production
	LogFormat  string // json or cloud
}

// IsDevelopment returns true if the environment is development
func (s *ServerConfig) IsDevelopment() bool {
	return s.Env == "development" || s.Env == ""
}

// BaseURL returns the base URL for the application
// If APIBaseURL is configured, it returns that, otherwise constructs from host:port
func (s *ServerConfig) BaseURL(path string) string {
	// Use configured API base URL if available
	if s.APIBaseURL != "" {
		return s.APIBaseURL + path
	}

	// Fall back to host:port
	host := s.Host
	// Handle 0.0.0.0 or empty host - use localhost for URLs
	if host == "0.0.0.0" || host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s:%s%s", host, s.Port, path)
}

// DatabaseConfig holds database configuration. URL is optional: without it
// the service runs cache-only and the project-store fallback is disabled.
type DatabaseConfig struct {
	URL string
}

// SandboxConfig holds sandbox provisioning configuration
type SandboxConfig struct {
	Provider        string // remote, kubernetes, local
	APIURL          string // remote provider API base URL
	APIKey          string
	Template        string // remote provider sandbox template
	PreviewDomain   string // kubernetes provider: external domain for preview hosts
	Image           string // kubernetes provider: dev-server container image
	NamespacePrefix string
	StartCommand    string
	DevServerPort   int
}

// LifecycleConfig holds instance lifecycle tuning
type LifecycleConfig struct {
	ProvisionBudget time.Duration // end-to-end cap for one provisioning run
	IdleTTL         time.Duration // instance idle threshold before eviction
	SweepInterval   time.Duration
}

// CacheConfig holds file snapshot cache configuration
type CacheConfig struct {
	FileTTL time.Duration
}

// PreviewConfig holds preview link and device hand-off configuration
type PreviewConfig struct {
	LinkTTL        time.Duration
	HandoffBaseURL string // device-preview launcher base, e.g. https://snack.expo.dev
	Platform       string
	SDKVersion     string
	Theme          string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if file doesn't exist)
	_ = godotenv.Load()

	config := &Config{
		Server: ServerConfig{
			Port:       getEnv("PORT", "8080"),
			Host:       getEnv("HOST", "0.0.0.0"),
			APIBaseURL: getEnv("API_BASE_URL", ""),
			Env:        getEnv("ENV", "development"),
			LogFormat:  getEnv("LOG_FORMAT", "json"),
		},
		Database: DatabaseConfig{
			URL: getEnv("DATABASE_URL", ""),
		},
		Sandbox: SandboxConfig{
			Provider:        getEnv("SANDBOX_PROVIDER", "remote"),
			APIURL:          getEnv("SANDBOX_API_URL", ""),
			APIKey:          getEnv("SANDBOX_API_KEY", ""),
			Template:        getEnv("SANDBOX_TEMPLATE", "expo-dev"),
			PreviewDomain:   getEnv("SANDBOX_PREVIEW_DOMAIN", ""),
			Image:           getEnv("SANDBOX_IMAGE", "node:20-bookworm-slim"),
			NamespacePrefix: getEnv("SANDBOX_NAMESPACE_PREFIX", "prev"),
			StartCommand:    getEnv("SANDBOX_START_COMMAND", "npx expo start --port 8081"),
			DevServerPort:   getIntEnv("DEV_SERVER_PORT", 8081),
		},
		Lifecycle: LifecycleConfig{
			ProvisionBudget: getDurationEnv("PROVISION_BUDGET", 120*time.Second),
			IdleTTL:         getDurationEnv("IDLE_TTL", 10*time.Minute),
			SweepInterval:   getDurationEnv("SWEEP_INTERVAL", 5*time.Minute),
		},
		Cache: CacheConfig{
			FileTTL: getDurationEnv("FILE_CACHE_TTL", 5*time.Minute),
		},
		Preview: PreviewConfig{
			LinkTTL:        getDurationEnv("PREVIEW_LINK_TTL", 30*time.Minute),
			HandoffBaseURL: getEnv("HANDOFF_BASE_URL", "https://snack.expo.dev"),
			Platform:       getEnv("HANDOFF_PLATFORM", "ios"),
			SDKVersion:     getEnv("HANDOFF_SDK_VERSION", "52.0.0"),
			Theme:          getEnv("HANDOFF_THEME", "light"),
		},
	}

	// Validate required fields
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Sandbox.Provider {
	case "remote":
		if c.Sandbox.APIURL == "" {
			return fmt.Errorf("SANDBOX_API_URL is required for the remote provider")
		}
	case "kubernetes":
		if c.Sandbox.PreviewDomain == "" {
			return fmt.Errorf("SANDBOX_PREVIEW_DOMAIN is required for the kubernetes provider")
		}
	case "local":
		// no required settings
	default:
		return fmt.Errorf("unknown SANDBOX_PROVIDER %q (want remote, kubernetes or local)", c.Sandbox.Provider)
	}

	if c.Lifecycle.ProvisionBudget <= 0 {
		return fmt.Errorf("PROVISION_BUDGET must be positive")
	}
	if c.Lifecycle.IdleTTL <= 0 {
		return fmt.Errorf("IDLE_TTL must be positive")
	}
	return nil
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getDurationEnv gets a duration environment variable (Go duration syntax,
// e.g. "90s" or "10m") or returns a default value
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
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

// getIntEnv gets an integer environment variable or returns a default value
func getIntEnv(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var n int
	if _, err := fmt.Sscanf(value, "%d", &n); err != nil {
		return defaultValue
	}
	return n
}
