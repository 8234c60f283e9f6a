// Package sandbox implements the client for the external sandbox provider:
// provisioning, detached runner launch, and teardown.
package sandbox

import "fmt"

// ProvisionError reports a failed sandbox provisioning attempt.
// Transient errors (timeouts, 429, 5xx) are retried with backoff up to the
// configured bound before surfacing; non-transient errors surface immediately.
type ProvisionError struct {
	Op         string
	StatusCode int
	Transient  bool
	Err        error
}

func (e *ProvisionError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provision %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provision %s: %v", e.Op, e.Err)
}

func (e *ProvisionError) Unwrap() error {
	return e.Err
}

// LaunchError reports a failed runner launch inside a provisioned sandbox.
// Launch is never retried; the job fails terminally.
type LaunchError struct {
	SandboxID string
	Err       error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch runner in sandbox %s: %v", e.SandboxID, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// TeardownError reports a failed sandbox teardown. Teardown is best-effort:
// callers log this error and never let it block a terminal transition.
type TeardownError struct {
	SandboxID string
	Err       error
}

func (e *TeardownError) Error() string {
	return fmt.Sprintf("teardown sandbox %s: %v", e.SandboxID, e.Err)
}

func (e *TeardownError) Unwrap() error {
	return e.Err
}
