package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	domainjob "github.com/target/sandstorm/internal/domain/job"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeHTTP runs the HTTP server (job API plus webhook ingestion).
	ServiceModeHTTP ServiceMode = "http"
	// ServiceModeTimeout runs the deadline enforcement loop.
	ServiceModeTimeout ServiceMode = "timeout"
	// ServiceModeSweeper runs the orphan sweep and retention cleanup loop.
	ServiceModeSweeper ServiceMode = "sweeper"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{
		ServiceModeHTTP,
		ServiceModeTimeout,
		ServiceModeSweeper,
	}
}

// ParseServices parses a comma-delimited string of service names and returns the enabled services.
// It validates that all service names are valid and returns an error if any are invalid.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	parts := strings.Split(servicesStr, ",")
	for _, part := range parts {
		serviceName := strings.TrimSpace(part)
		if serviceName == "" {
			continue
		}

		mode := ServiceMode(serviceName)
		switch mode {
		case ServiceModeHTTP, ServiceModeTimeout, ServiceModeSweeper:
			services[mode] = true
		default:
			return nil, fmt.Errorf(
				"invalid service name: %q (valid options: http, timeout, sweeper)",
				serviceName,
			)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}

	return services, nil
}

// OrchestratorConfig contains job lifecycle configuration.
type OrchestratorConfig struct {
	// DefaultMaxRuntime is the runtime budget applied when a submission does not request one.
	DefaultMaxRuntime time.Duration `env:"ORCHESTRATOR_DEFAULT_MAX_RUNTIME" envDefault:"10m"`

	// MaxRuntimeCeiling caps the runtime a submission may request. Zero disables the cap.
	MaxRuntimeCeiling time.Duration `env:"ORCHESTRATOR_MAX_RUNTIME_CEILING" envDefault:"2h"`

	// CallbackURL is the webhook endpoint injected into every runner.
	CallbackURL string `env:"ORCHESTRATOR_CALLBACK_URL"`

	// MaxConcurrentProvisions bounds how many sandboxes may be provisioning at once.
	MaxConcurrentProvisions int64 `env:"ORCHESTRATOR_MAX_CONCURRENT_PROVISIONS" envDefault:"8"`

	// ProvisionGrace is the extra budget past a job's deadline granted to the
	// provision/launch pipeline before its context is cancelled.
	ProvisionGrace time.Duration `env:"ORCHESTRATOR_PROVISION_GRACE" envDefault:"30s"`
}

// Sanitize applies guardrails to orchestrator configuration values.
func (o *OrchestratorConfig) Sanitize() {
	if o.DefaultMaxRuntime < time.Second {
		o.DefaultMaxRuntime = time.Second
	}
	if o.MaxRuntimeCeiling > 0 && o.MaxRuntimeCeiling < o.DefaultMaxRuntime {
		o.MaxRuntimeCeiling = o.DefaultMaxRuntime
	}
	if o.MaxConcurrentProvisions < 1 {
		o.MaxConcurrentProvisions = 1
	}
	if o.ProvisionGrace < 0 {
		o.ProvisionGrace = 0
	}
}

// WebhookConfig contains webhook ingestion configuration.
type WebhookConfig struct {
	// RunnerToken is the shared secret runners must present on callbacks.
	// Callbacks are rejected when set and the X-Runner-Token header does not match.
	RunnerToken string `env:"WEBHOOK_RUNNER_TOKEN"`

	// ExtensionMode selects how progress events affect a job's deadline.
	// Valid values: reset, extend, none.
	ExtensionMode domainjob.ExtensionMode `env:"WEBHOOK_EXTENSION_MODE" envDefault:"reset"`

	// ExtensionWindow is the deadline budget granted per accepted progress event.
	ExtensionWindow time.Duration `env:"WEBHOOK_EXTENSION_WINDOW" envDefault:"5m"`

	// MaxLifetime caps total deadline extension, measured from job creation.
	// Zero disables the cap.
	MaxLifetime time.Duration `env:"WEBHOOK_MAX_LIFETIME" envDefault:"4h"`

	// DedupTTL is how long applied event keys stay in the dedup cache.
	DedupTTL time.Duration `env:"WEBHOOK_DEDUP_TTL" envDefault:"15m"`
}

// Sanitize applies guardrails to webhook configuration values.
func (w *WebhookConfig) Sanitize() {
	if !w.ExtensionMode.Valid() {
		w.ExtensionMode = domainjob.ExtensionModeReset
	}
	if w.ExtensionWindow < 0 {
		w.ExtensionWindow = 0
	}
	if w.MaxLifetime < 0 {
		w.MaxLifetime = 0
	}
	if w.DedupTTL < time.Minute {
		w.DedupTTL = time.Minute
	}
}

// ExtensionPolicy builds the domain policy from the configured values.
func (w *WebhookConfig) ExtensionPolicy() domainjob.ExtensionPolicy {
	return domainjob.ExtensionPolicy{
		Mode:        w.ExtensionMode,
		Window:      w.ExtensionWindow,
		MaxLifetime: w.MaxLifetime,
	}
}

// TimeoutConfig contains deadline enforcement configuration.
type TimeoutConfig struct {
	// Interval is the deadline scan tick interval.
	Interval time.Duration `env:"TIMEOUT_INTERVAL" envDefault:"5s"`

	// BatchSize is the maximum number of expired jobs to resolve per scan.
	BatchSize int `env:"TIMEOUT_BATCH_SIZE" envDefault:"100"`
}

// Sanitize applies guardrails to timeout configuration values.
func (t *TimeoutConfig) Sanitize() {
	if t.Interval < time.Second {
		t.Interval = time.Second
	}
	if t.BatchSize < 1 {
		t.BatchSize = 1
	}
	if t.BatchSize > 10000 {
		t.BatchSize = 10000
	}
}

// SweeperConfig contains orphan sweep and retention cleanup configuration.
type SweeperConfig struct {
	// Interval is the sweeper tick interval.
	Interval time.Duration `env:"SWEEPER_INTERVAL" envDefault:"1m"`

	// RetentionMaxAge is the maximum age for terminal jobs before deletion.
	RetentionMaxAge time.Duration `env:"SWEEPER_RETENTION_MAX_AGE" envDefault:"168h"` // 7 days

	// BatchSize is the maximum number of rows to process per operation.
	// Batching prevents long locks and I/O spikes on large tables.
	BatchSize int `env:"SWEEPER_BATCH_SIZE" envDefault:"500"`
}

// Sanitize applies guardrails to sweeper configuration values.
func (s *SweeperConfig) Sanitize() {
	if s.Interval < 10*time.Second {
		s.Interval = 10 * time.Second
	}
	if s.RetentionMaxAge < time.Hour {
		s.RetentionMaxAge = time.Hour
	}
	if s.BatchSize < 1 {
		s.BatchSize = 1
	}
	if s.BatchSize > 10000 {
		s.BatchSize = 10000
	}
}
