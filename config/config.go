// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package config provides configuration management for CircuitIQ Sync.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Gateway GatewayConfig `yaml:"gateway" validate:"required"`
	Sync    SyncConfig    `yaml:"sync"`
	Server  ServerConfig  `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`
}

// GatewayConfig holds CircuitIQ gateway connection settings. When BaseURL is
// empty the gateway is located via mDNS discovery instead.
type GatewayConfig struct {
	BaseURL   string `yaml:"base_url" validate:"omitempty,url"`
	StreamURL string `yaml:"stream_url" validate:"omitempty,url"`
	AuthToken string `yaml:"auth_token"`

	DiscoveryServiceType string        `yaml:"discovery_service_type"`
	DiscoveryDomain      string        `yaml:"discovery_domain"`
	DiscoveryTimeout     time.Duration `yaml:"discovery_timeout"`

	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// SyncConfig holds the synchronization core settings
type SyncConfig struct {
	DeviceType       string        `yaml:"device_type"`
	MaxDataPoints    int           `yaml:"max_data_points" validate:"omitempty,min=1,max=100000"`
	RelaySettleDelay time.Duration `yaml:"relay_settle_delay"`
	MockSettleDelay  time.Duration `yaml:"mock_settle_delay"`

	// AutoRefreshInterval, when non-zero, enables a background pull refresh
	// of the selected device at this interval.
	AutoRefreshInterval time.Duration `yaml:"auto_refresh_interval"`

	PrefsPath string `yaml:"prefs_path"`
}

// ServerConfig holds the local HTTP endpoint settings (metrics and health)
type ServerConfig struct {
	ListenAddr      string  `yaml:"listen_addr"`
	HealthRateLimit float64 `yaml:"health_rate_limit" validate:"omitempty,min=0"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=trace debug info warn warning error fatal panic"`
}

var validate = validator.New()

// Load reads configuration from a YAML file and applies environment variable
// overrides
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	err = yaml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Apply environment variable overrides and defaults
	cfg.applyEnvironmentOverrides()
	cfg.setDefaults()

	// Validate configuration
	err = cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// applyEnvironmentOverrides applies environment variable overrides to the
// configuration
func (c *Config) applyEnvironmentOverrides() {
	if baseURL := os.Getenv("CIRCUITIQ_BASE_URL"); baseURL != "" {
		c.Gateway.BaseURL = baseURL
	}
	if streamURL := os.Getenv("CIRCUITIQ_STREAM_URL"); streamURL != "" {
		c.Gateway.StreamURL = streamURL
	}
	if token := os.Getenv("CIRCUITIQ_AUTH_TOKEN"); token != "" {
		c.Gateway.AuthToken = token
	}
	if addr := os.Getenv("CIRCUITIQ_LISTEN_ADDR"); addr != "" {
		c.Server.ListenAddr = addr
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if interval := os.Getenv("CIRCUITIQ_AUTO_REFRESH_INTERVAL"); interval != "" {
		duration, parseErr := time.ParseDuration(interval)
		if parseErr == nil {
			c.Sync.AutoRefreshInterval = duration
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Failed to parse CIRCUITIQ_AUTO_REFRESH_INTERVAL '%s': %v\n", interval, parseErr)
		}
	}
	if timeout := os.Getenv("CIRCUITIQ_DISCOVERY_TIMEOUT"); timeout != "" {
		duration, parseErr := time.ParseDuration(timeout)
		if parseErr == nil {
			c.Gateway.DiscoveryTimeout = duration
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Failed to parse CIRCUITIQ_DISCOVERY_TIMEOUT '%s': %v\n", timeout, parseErr)
		}
	}
}

// setDefaults sets default values for configuration fields if not provided
func (c *Config) setDefaults() {
	if c.Gateway.DiscoveryServiceType == "" {
		c.Gateway.DiscoveryServiceType = "_circuitiq._tcp"
	}
	if c.Gateway.DiscoveryDomain == "" {
		c.Gateway.DiscoveryDomain = "local."
	}
	if c.Gateway.DiscoveryTimeout == 0 {
		c.Gateway.DiscoveryTimeout = 10 * time.Second
	}
	if c.Gateway.RequestTimeout == 0 {
		c.Gateway.RequestTimeout = 10 * time.Second
	}
	if c.Sync.DeviceType == "" {
		c.Sync.DeviceType = "circuitiq"
	}
	if c.Sync.MaxDataPoints == 0 {
		c.Sync.MaxDataPoints = 60
	}
	if c.Sync.RelaySettleDelay == 0 {
		c.Sync.RelaySettleDelay = 500 * time.Millisecond
	}
	if c.Sync.MockSettleDelay == 0 {
		c.Sync.MockSettleDelay = 300 * time.Millisecond
	}
	if c.Sync.PrefsPath == "" {
		c.Sync.PrefsPath = "/var/lib/circuitiq-sync/prefs.json"
	}
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":9090"
	}
	if c.Server.HealthRateLimit == 0 {
		c.Server.HealthRateLimit = 10
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if validateErr := c.validateGateway(); validateErr != nil {
		return validateErr
	}

	if validateErr := c.validateSync(); validateErr != nil {
		return validateErr
	}

	return nil
}

// validateGateway validates the gateway configuration
func (c *Config) validateGateway() error {
	if c.Gateway.BaseURL != "" {
		parsedURL, parseErr := url.Parse(c.Gateway.BaseURL)
		if parseErr != nil {
			return fmt.Errorf("gateway.base_url is not a valid URL: %w", parseErr)
		}
		if securityErr := validateURLSecurity(parsedURL); securityErr != nil {
			return securityErr
		}
	}

	if c.Gateway.StreamURL != "" {
		parsedURL, parseErr := url.Parse(c.Gateway.StreamURL)
		if parseErr != nil {
			return fmt.Errorf("gateway.stream_url is not a valid URL: %w", parseErr)
		}
		if parsedURL.Scheme != "ws" && parsedURL.Scheme != "wss" {
			return fmt.Errorf("gateway.stream_url must use the ws or wss scheme (got %s)", parsedURL.Scheme)
		}
	}

	// An explicit stream URL without a base URL means pulls would have
	// nowhere to go after discovery is skipped.
	if c.Gateway.StreamURL != "" && c.Gateway.BaseURL == "" {
		return fmt.Errorf("gateway.stream_url requires gateway.base_url to be set as well")
	}

	if c.Gateway.DiscoveryTimeout < time.Second {
		return fmt.Errorf("gateway.discovery_timeout must be at least 1 second")
	}
	if c.Gateway.DiscoveryTimeout > 5*time.Minute {
		return fmt.Errorf("gateway.discovery_timeout must not exceed 5 minutes")
	}
	if c.Gateway.RequestTimeout < 100*time.Millisecond {
		return fmt.Errorf("gateway.request_timeout must be at least 100ms")
	}

	return nil
}

// validateURLSecurity checks if the URL uses HTTPS for non-local connections
func validateURLSecurity(parsedURL *url.URL) error {
	if parsedURL.Scheme != "http" {
		return nil
	}

	hostname := strings.ToLower(parsedURL.Hostname())
	isLocal := hostname == "localhost" ||
		hostname == "127.0.0.1" ||
		hostname == "::1" ||
		strings.HasPrefix(hostname, "192.168.") ||
		strings.HasPrefix(hostname, "10.") ||
		strings.HasPrefix(hostname, "172.")

	if !isLocal {
		return fmt.Errorf("gateway.base_url must use HTTPS for non-local connections (got %s). Using HTTP transmits credentials in plaintext and is a security risk", parsedURL.Scheme)
	}

	return nil
}

// validateSync validates the synchronization configuration
func (c *Config) validateSync() error {
	if c.Sync.RelaySettleDelay < 10*time.Millisecond {
		return fmt.Errorf("sync.relay_settle_delay must be at least 10ms")
	}
	if c.Sync.RelaySettleDelay > 30*time.Second {
		return fmt.Errorf("sync.relay_settle_delay must not exceed 30 seconds")
	}
	if c.Sync.MockSettleDelay < 10*time.Millisecond {
		return fmt.Errorf("sync.mock_settle_delay must be at least 10ms")
	}
	if c.Sync.MockSettleDelay > 30*time.Second {
		return fmt.Errorf("sync.mock_settle_delay must not exceed 30 seconds")
	}
	if c.Sync.AutoRefreshInterval != 0 && c.Sync.AutoRefreshInterval < time.Second {
		return fmt.Errorf("sync.auto_refresh_interval must be at least 1 second when set")
	}

	return nil
}
