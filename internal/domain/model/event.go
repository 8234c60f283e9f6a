package model

import (
	"encoding/json"
	"errors"
	"strings"
)

// EventKind classifies a webhook event reported by a runner.
type EventKind string

const (
	// EventKindProgress is a non-terminal heartbeat; it extends the job deadline.
	EventKindProgress EventKind = "progress"
	// EventKindSucceeded reports a successful run.
	EventKindSucceeded EventKind = "succeeded"
	// EventKindFailed reports a failed run.
	EventKindFailed EventKind = "failed"
)

// Valid returns true if the EventKind is valid.
func (k EventKind) Valid() bool {
	return k == EventKindProgress || k == EventKindSucceeded || k == EventKindFailed
}

// Terminal returns true if the event reports a terminal outcome.
func (k EventKind) Terminal() bool {
	return k == EventKindSucceeded || k == EventKindFailed
}

// EventAck distinguishes the orchestrator's acknowledgment of a webhook event.
type EventAck string

const (
	// EventAckAccepted means the event was applied.
	EventAckAccepted EventAck = "accepted"
	// EventAckDuplicate means the same sequence number was already applied; nothing was reapplied.
	EventAckDuplicate EventAck = "duplicate"
	// EventAckStale means the job is unknown or already terminal; the event was dropped.
	EventAckStale EventAck = "stale"
)

// WebhookEvent is one callback delivered by a runner inside a sandbox.
//
// Delivery may be duplicated or reordered by the transport; EventSeq is the
// runner's monotone counter used for deduplication.
type WebhookEvent struct {
	JobID    string          `json:"jobId"`
	EventSeq int64           `json:"eventSeq"`
	Kind     EventKind       `json:"eventKind"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Validate validates the WebhookEvent fields.
func (e *WebhookEvent) Validate() error {
	if strings.TrimSpace(e.JobID) == "" {
		return errors.New("job id is required")
	}
	if e.EventSeq <= 0 {
		return errors.New("event seq must be positive")
	}
	if !e.Kind.Valid() {
		return errors.New("invalid event kind")
	}
	return nil
}
