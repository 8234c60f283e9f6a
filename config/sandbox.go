package config

import (
	"strings"
	"time"
)

// SandboxConfig contains sandbox provider configuration.
type SandboxConfig struct {
	// BaseURL is the provider API root, e.g. https://api.sandbox.example.
	BaseURL string `env:"PROVIDER_BASE_URL"`

	// APIKey authenticates against the provider.
	APIKey string `env:"PROVIDER_API_KEY"`

	// Template is the sandbox image used for runs.
	Template string `env:"TEMPLATE" envDefault:"agent-runner"`

	// FallbackTemplate is used when the provider does not know Template.
	FallbackTemplate string `env:"FALLBACK_TEMPLATE" envDefault:"base"`

	// SetupCommand bootstraps the fallback template before the runner starts.
	SetupCommand string `env:"SETUP_COMMAND" envDefault:"pip install agent-runner"`

	// RunnerCommand is the detached command that starts the agent inside the sandbox.
	RunnerCommand string `env:"RUNNER_COMMAND" envDefault:"agent-runner"`

	// ConfigPath is where the agent config JSON is uploaded inside the sandbox.
	ConfigPath string `env:"CONFIG_PATH" envDefault:"/tmp/agent-config.json"`

	// Lifetime is the provider-side lifetime requested for new sandboxes.
	Lifetime time.Duration `env:"LIFETIME" envDefault:"1h"`

	// RetryLimit bounds retries of transient provisioning errors.
	RetryLimit int `env:"RETRY_LIMIT" envDefault:"2"`

	// RetryBackoff is the base backoff between provisioning retries; it doubles per attempt.
	RetryBackoff time.Duration `env:"RETRY_BACKOFF" envDefault:"500ms"`

	// RequestTimeout bounds each provider API request.
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`

	// ForwardEnvKeys lists process env vars forwarded into every sandbox.
	ForwardEnvKeys []string `env:"FORWARD_ENV_KEYS" envDefault:""`
}

// Sanitize applies guardrails to sandbox provider configuration values.
func (s *SandboxConfig) Sanitize() {
	s.BaseURL = strings.TrimRight(strings.TrimSpace(s.BaseURL), "/")
	if s.Lifetime <= 0 {
		s.Lifetime = time.Hour
	}
	if s.RetryLimit < 0 {
		s.RetryLimit = 0
	}
	if s.RetryBackoff <= 0 {
		s.RetryBackoff = 500 * time.Millisecond
	}
	if s.RequestTimeout <= 0 {
		s.RequestTimeout = 30 * time.Second
	}
}
