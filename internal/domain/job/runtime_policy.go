// Package job holds orchestration policies that are independent of storage and transport.
package job

import (
	"errors"
	"time"
)

// ErrInvalidDefaultRuntime indicates the configured default max runtime is not positive.
var ErrInvalidDefaultRuntime = errors.New("default max runtime must be positive")

// RuntimeSource identifies how a job's max runtime was resolved.
type RuntimeSource string

const (
	// RuntimeSourceExplicit indicates the caller supplied a usable value.
	RuntimeSourceExplicit RuntimeSource = "explicit"
	// RuntimeSourceDefault indicates the default max runtime was used.
	RuntimeSourceDefault RuntimeSource = "default"
	// RuntimeSourceClamped indicates the requested value was clamped to the configured ceiling.
	RuntimeSourceClamped RuntimeSource = "clamped"
)

// RuntimePolicy normalises requested max runtimes into the deadline written at job creation.
type RuntimePolicy struct {
	defaultRuntime time.Duration
	maxRuntime     time.Duration
}

// NewRuntimePolicy constructs a RuntimePolicy. maxRuntime <= 0 disables the ceiling.
func NewRuntimePolicy(defaultRuntime, maxRuntime time.Duration) (*RuntimePolicy, error) {
	if defaultRuntime <= 0 {
		return nil, ErrInvalidDefaultRuntime
	}
	if maxRuntime > 0 && maxRuntime < defaultRuntime {
		return nil, errors.New("max runtime must not be below the default")
	}
	return &RuntimePolicy{
		defaultRuntime: defaultRuntime,
		maxRuntime:     maxRuntime,
	}, nil
}

// Default returns the configured default max runtime.
func (p *RuntimePolicy) Default() time.Duration {
	if p == nil {
		return 0
	}
	return p.defaultRuntime
}

// RuntimeDecision captures the outcome of resolving a requested max runtime.
type RuntimeDecision struct {
	Runtime   time.Duration
	Source    RuntimeSource
	Requested int
}

// UsedDefault reports whether the policy fell back to the default runtime.
func (d RuntimeDecision) UsedDefault() bool {
	return d.Source == RuntimeSourceDefault
}

// Clamped reports whether the requested value was clamped to the ceiling.
func (d RuntimeDecision) Clamped() bool {
	return d.Source == RuntimeSourceClamped
}

// Resolve normalises a requested max runtime in whole seconds.
// Zero requests the default; negative values were rejected at validation and
// resolve to the default as well.
func (p *RuntimePolicy) Resolve(requestedSeconds int) RuntimeDecision {
	decision := RuntimeDecision{Requested: requestedSeconds}
	if p == nil || requestedSeconds <= 0 {
		decision.Runtime = p.Default()
		decision.Source = RuntimeSourceDefault
		return decision
	}

	runtime := time.Duration(requestedSeconds) * time.Second
	if p.maxRuntime > 0 && runtime > p.maxRuntime {
		decision.Runtime = p.maxRuntime
		decision.Source = RuntimeSourceClamped
		return decision
	}

	decision.Runtime = runtime
	decision.Source = RuntimeSourceExplicit
	return decision
}

// Deadline computes the deadline written at job creation.
func (p *RuntimePolicy) Deadline(now time.Time, requestedSeconds int) (time.Time, RuntimeDecision) {
	decision := p.Resolve(requestedSeconds)
	return now.Add(decision.Runtime), decision
}
