package config

// AppConfig is the main application configuration struct that composes
// domain-specific configuration from separate files.
//
// Configuration is loaded from environment variables using the
// github.com/caarlos0/env library. See individual domain config
// files for details on available environment variables:
//   - database.go: Database and cache configuration
//   - http.go: HTTP server configuration
//   - sandbox.go: Sandbox provider configuration
//   - services.go: Service mode and worker configuration
type AppConfig struct {
	// IsDev controls development mode behavior (relaxed auth, verbose logging).
	// Set DEV=true for development mode.
	IsDev bool `env:"DEV" envDefault:"false"`

	// Database configuration
	Postgres DBConfig    `envPrefix:"DB_"`
	Redis    RedisConfig `envPrefix:"REDIS_"`
	Cache    CacheConfig

	// HTTP server configuration
	HTTP HTTPConfig

	// Service mode configuration
	Services string `env:"SERVICES" envDefault:"http,timeout,sweeper"`

	// Job lifecycle configuration
	Orchestrator OrchestratorConfig

	// Webhook ingestion configuration
	Webhook WebhookConfig

	// Deadline enforcement configuration
	Timeout TimeoutConfig

	// Orphan sweep and retention configuration
	Sweeper SweeperConfig

	// Sandbox provider configuration
	Sandbox SandboxConfig `envPrefix:"SANDBOX_"`

	// Observability configuration
	Observability ObservabilityConfig
}

// Sanitize applies guardrails to configuration values loaded from env.
// This should be called after loading configuration from environment variables.
func (c *AppConfig) Sanitize() {
	c.HTTP.Sanitize()
	c.Orchestrator.Sanitize()
	c.Webhook.Sanitize()
	c.Timeout.Sanitize()
	c.Sweeper.Sanitize()
	c.Sandbox.Sanitize()
	c.Observability.Sanitize()

	// The webhook endpoint defaults to this instance's own base URL.
	if c.Orchestrator.CallbackURL == "" {
		c.Orchestrator.CallbackURL = c.HTTP.BaseURL + "/api/webhooks/runner"
	}
}

// GetEnabledServices returns the enabled services based on the Services field.
func (c *AppConfig) GetEnabledServices() (map[ServiceMode]bool, error) {
	return ParseServices(c.Services)
}

// IsHTTPServerEnabled returns true if the HTTP server service is enabled.
func (c *AppConfig) IsHTTPServerEnabled() bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[ServiceModeHTTP]
}

// IsTimeoutEnabled returns true if the deadline enforcement service is enabled.
func (c *AppConfig) IsTimeoutEnabled() bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[ServiceModeTimeout]
}

// IsSweeperEnabled returns true if the sweeper service is enabled.
func (c *AppConfig) IsSweeperEnabled() bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[ServiceModeSweeper]
}
