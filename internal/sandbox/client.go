package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/target/sandstorm/internal/core"
	"github.com/target/sandstorm/internal/domain/model"
)

const (
	defaultRequestTimeout = 30 * time.Second
	defaultRetryBackoff   = 500 * time.Millisecond

	// maxResponseBodyBytes bounds how much of a provider error body we keep.
	maxResponseBodyBytes = 4 * 1024
)

// Config captures the provider API settings the client needs.
type Config struct {
	// BaseURL is the provider API root, e.g. https://api.sandbox.example.
	BaseURL string
	// APIKey authenticates against the provider.
	APIKey string
	// Template is the sandbox image used for runs.
	Template string
	// FallbackTemplate is used when the provider does not know Template;
	// SetupCommand is executed in it before the runner starts.
	FallbackTemplate string
	// SetupCommand bootstraps the fallback template (e.g. installing the agent SDK).
	SetupCommand string
	// RunnerCommand is the detached command that starts the agent inside the sandbox.
	RunnerCommand string
	// ConfigPath is where the agent config JSON is uploaded inside the sandbox.
	ConfigPath string
	// SandboxTimeout is the provider-side lifetime requested for new sandboxes.
	SandboxTimeout time.Duration
	// RetryLimit bounds retries of transient provisioning errors.
	RetryLimit int
	// RetryBackoff is the base backoff between provisioning retries; it doubles per attempt.
	RetryBackoff time.Duration
	// ForwardEnvKeys lists process env vars forwarded into every sandbox.
	ForwardEnvKeys []string
	// Client overrides the HTTP client (tests).
	Client *http.Client
	// Logger is optional.
	Logger *slog.Logger
}

// Client talks to the external sandbox provider. It implements both
// core.SandboxProvisioner and core.RunnerLauncher.
type Client struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// NewClient builds a provider client. Callers should pass a validated config.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("provider base url is required")
	}
	if strings.TrimSpace(cfg.Template) == "" {
		return nil, errors.New("sandbox template is required")
	}
	if cfg.RunnerCommand == "" {
		return nil, errors.New("runner command is required")
	}
	if cfg.ConfigPath == "" {
		return nil, errors.New("agent config path is required")
	}
	if cfg.RetryLimit < 0 {
		cfg.RetryLimit = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}

	hc := cfg.Client
	if hc == nil {
		hc = &http.Client{Timeout: defaultRequestTimeout}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		cfg:    cfg,
		client: hc,
		logger: logger.With("component", "sandbox_client"),
	}, nil
}

var (
	_ core.SandboxProvisioner = (*Client)(nil)
	_ core.RunnerLauncher     = (*Client)(nil)
)

type createSandboxRequest struct {
	Template       string            `json:"template"`
	TimeoutSeconds int               `json:"timeoutSeconds,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
}

type createSandboxResponse struct {
	SandboxID string `json:"sandboxId"`
	Endpoint  string `json:"endpoint"`
}

type writeFileRequest struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type startCommandRequest struct {
	Command    string `json:"command"`
	Background bool   `json:"background"`
}

// Provision creates a sandbox, uploads the agent config, and returns the handle.
// Transient provider errors are retried with exponential backoff; when the
// primary template is unknown the fallback template is tried once, with its
// setup command executed before the handle is returned.
func (c *Client) Provision(ctx context.Context, req core.ProvisionRequest) (*model.SandboxHandle, error) {
	handle, usedFallback, err := c.createWithRetry(ctx, req)
	if err != nil {
		return nil, err
	}

	if usedFallback && c.cfg.SetupCommand != "" {
		if setupErr := c.startCommand(ctx, handle, c.cfg.SetupCommand, false); setupErr != nil {
			c.killBestEffort(ctx, handle)
			return nil, &ProvisionError{Op: "setup", Err: setupErr}
		}
	}

	cfgJSON, err := buildAgentConfig(req)
	if err != nil {
		c.killBestEffort(ctx, handle)
		return nil, &ProvisionError{Op: "config", Err: err}
	}
	if uploadErr := c.writeFile(ctx, handle, c.cfg.ConfigPath, cfgJSON); uploadErr != nil {
		c.killBestEffort(ctx, handle)
		return nil, &ProvisionError{Op: "upload", Err: uploadErr}
	}

	return handle, nil
}

// createWithRetry drives the bounded retry loop around sandbox creation.
func (c *Client) createWithRetry(
	ctx context.Context,
	req core.ProvisionRequest,
) (*model.SandboxHandle, bool, error) {
	template := c.cfg.Template
	usedFallback := false
	attempts := c.cfg.RetryLimit + 1

	var lastErr *ProvisionError
	for attempt := 0; attempt < attempts; attempt++ {
		handle, err := c.createSandbox(ctx, template, req)
		if err == nil {
			return handle, usedFallback, nil
		}

		var provErr *ProvisionError
		if !errors.As(err, &provErr) {
			return nil, usedFallback, err
		}

		// Unknown template: switch to the fallback once without burning a retry.
		if provErr.StatusCode == http.StatusNotFound && !usedFallback && c.cfg.FallbackTemplate != "" {
			c.logger.WarnContext(ctx, "sandbox template unknown to provider, using fallback",
				"template", template, "fallback", c.cfg.FallbackTemplate)
			template = c.cfg.FallbackTemplate
			usedFallback = true
			attempt--
			continue
		}

		lastErr = provErr
		if !provErr.Transient {
			return nil, usedFallback, provErr
		}
		if attempt < attempts-1 {
			delay := c.cfg.RetryBackoff << uint(attempt)
			c.logger.WarnContext(ctx, "transient provisioning error, retrying",
				"attempt", attempt+1, "delay", delay, "error", provErr)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				if !timer.Stop() {
					<-timer.C
				}
				return nil, usedFallback, ctx.Err()
			case <-timer.C:
			}
		}
	}

	return nil, usedFallback, lastErr
}

func (c *Client) createSandbox(
	ctx context.Context,
	template string,
	req core.ProvisionRequest,
) (*model.SandboxHandle, error) {
	body := createSandboxRequest{
		Template:       template,
		TimeoutSeconds: int(c.cfg.SandboxTimeout / time.Second),
		Metadata:       map[string]string{"job_id": req.JobID},
		Env:            c.sandboxEnv(req.Env),
	}

	var resp createSandboxResponse
	status, err := c.doJSON(ctx, http.MethodPost, c.cfg.BaseURL+"/sandboxes", body, &resp)
	if err != nil {
		return nil, &ProvisionError{Op: "create", StatusCode: status, Transient: isTransientStatus(status, err), Err: err}
	}

	if resp.SandboxID == "" {
		return nil, &ProvisionError{Op: "create", Err: errors.New("provider returned empty sandbox id")}
	}

	return &model.SandboxHandle{
		ID:        resp.SandboxID,
		Endpoint:  resp.Endpoint,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// sandboxEnv merges the configured forwarded process env with the request env.
// Request values win.
func (c *Client) sandboxEnv(reqEnv map[string]string) map[string]string {
	env := make(map[string]string, len(c.cfg.ForwardEnvKeys)+len(reqEnv))
	for _, key := range c.cfg.ForwardEnvKeys {
		if v := os.Getenv(key); v != "" {
			env[key] = v
		}
	}
	for k, v := range reqEnv {
		env[k] = v
	}
	if len(env) == 0 {
		return nil
	}
	return env
}

// Launch starts the runner detached inside the sandbox. The orchestrator does
// not wait on the runner's execution, only on its webhook callbacks.
func (c *Client) Launch(ctx context.Context, handle model.SandboxHandle, req core.ProvisionRequest) error {
	command := c.cfg.RunnerCommand + " --config " + c.cfg.ConfigPath
	if err := c.startCommand(ctx, &handle, command, true); err != nil {
		return &LaunchError{SandboxID: handle.ID, Err: err}
	}
	c.logger.InfoContext(ctx, "runner launched", "job_id", req.JobID, "sandbox_id", handle.ID)
	return nil
}

// Teardown destroys the sandbox. Best-effort by contract.
func (c *Client) Teardown(ctx context.Context, handle model.SandboxHandle) error {
	if handle.ID == "" {
		return nil
	}

	status, err := c.doJSON(ctx, http.MethodDelete, c.sandboxURL(handle.ID), nil, nil)
	if err != nil {
		// A sandbox the provider no longer knows is already gone.
		if status == http.StatusNotFound {
			return nil
		}
		return &TeardownError{SandboxID: handle.ID, Err: err}
	}
	return nil
}

func (c *Client) killBestEffort(ctx context.Context, handle *model.SandboxHandle) {
	if err := c.Teardown(ctx, *handle); err != nil {
		c.logger.WarnContext(ctx, "failed to kill sandbox after provisioning error",
			"sandbox_id", handle.ID, "error", err)
	}
}

func (c *Client) writeFile(ctx context.Context, handle *model.SandboxHandle, path string, content []byte) error {
	body := writeFileRequest{Path: path, Content: string(content)}
	if _, err := c.doJSON(ctx, http.MethodPost, c.sandboxURL(handle.ID)+"/files", body, nil); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func (c *Client) startCommand(ctx context.Context, handle *model.SandboxHandle, command string, background bool) error {
	body := startCommandRequest{Command: command, Background: background}
	if _, err := c.doJSON(ctx, http.MethodPost, c.sandboxURL(handle.ID)+"/commands", body, nil); err != nil {
		return fmt.Errorf("start command: %w", err)
	}
	return nil
}

func (c *Client) sandboxURL(id string) string {
	return c.cfg.BaseURL + "/sandboxes/" + id
}

// doJSON performs one provider request. It returns the HTTP status (zero for
// transport failures) and decodes a 2xx body into out when out is non-nil.
func (c *Client) doJSON(ctx context.Context, method, url string, in, out any) (int, error) {
	var reqBody io.Reader
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("close response body", "error", cerr)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := readBodySnippet(resp.Body)
		return resp.StatusCode, fmt.Errorf("provider responded %d: %s", resp.StatusCode, snippet)
	}

	if out != nil {
		if decodeErr := json.NewDecoder(resp.Body).Decode(out); decodeErr != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", decodeErr)
		}
	}
	return resp.StatusCode, nil
}

func readBodySnippet(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, maxResponseBodyBytes))
	if err != nil {
		return "<unreadable body>"
	}
	return strings.TrimSpace(string(raw))
}

// isTransientStatus classifies provider failures for the retry loop.
// Transport errors and context timeouts are transient; 429 and 5xx are
// transient; every other 4xx is not.
func isTransientStatus(status int, err error) bool {
	if status == 0 {
		return !errors.Is(err, context.Canceled)
	}
	if status == http.StatusTooManyRequests {
		return true
	}
	return status >= 500
}
