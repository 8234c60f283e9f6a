package job

import (
	"fmt"
	"strings"
	"time"
)

// ExtensionMode selects how progress events affect a job's deadline.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type ExtensionMode string

const (
	// ExtensionModeReset moves the deadline to now + window on each accepted progress event.
	ExtensionModeReset ExtensionMode = "reset"
	// ExtensionModeExtend adds the window to the current deadline on each accepted progress event.
	ExtensionModeExtend ExtensionMode = "extend"
	// ExtensionModeNone leaves the deadline fixed at its creation value.
	ExtensionModeNone ExtensionMode = "none"
)

// Valid returns true if the ExtensionMode is valid.
func (m ExtensionMode) Valid() bool {
	return m == ExtensionModeReset || m == ExtensionModeExtend || m == ExtensionModeNone
}

// UnmarshalText implements encoding.TextUnmarshaler for ExtensionMode to allow env parsing.
func (m *ExtensionMode) UnmarshalText(text []byte) error {
	v := ExtensionMode(strings.ToLower(strings.TrimSpace(string(text))))
	if !v.Valid() {
		return fmt.Errorf("invalid ExtensionMode: %q", string(text))
	}
	*m = v
	return nil
}

// ExtensionPolicy decides whether and how far a progress event pushes a job's deadline.
// MaxLifetime, measured from job creation, caps the total extension; zero disables the cap.
type ExtensionPolicy struct {
	Mode        ExtensionMode
	Window      time.Duration
	MaxLifetime time.Duration
}

// NextDeadline returns the deadline after applying one accepted progress event.
// The second return value is false when the deadline is unchanged.
func (p ExtensionPolicy) NextDeadline(now, currentDeadline, createdAt time.Time) (time.Time, bool) {
	if p.Mode == ExtensionModeNone || p.Mode == "" || p.Window <= 0 {
		return currentDeadline, false
	}

	var next time.Time
	switch p.Mode {
	case ExtensionModeReset:
		next = now.Add(p.Window)
	case ExtensionModeExtend:
		next = currentDeadline.Add(p.Window)
	default:
		return currentDeadline, false
	}

	if p.MaxLifetime > 0 {
		limit := createdAt.Add(p.MaxLifetime)
		if next.After(limit) {
			next = limit
		}
	}

	if !next.After(currentDeadline) {
		return currentDeadline, false
	}
	return next, true
}
