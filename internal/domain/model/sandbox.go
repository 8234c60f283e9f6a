package model

import "time"

// SandboxHandle is the ownership wrapper around one provisioned remote sandbox.
// A handle is owned by exactly one job for its lifetime and torn down exactly once.
type SandboxHandle struct {
	ID        string    `json:"id"`
	Endpoint  string    `json:"endpoint"`
	CreatedAt time.Time `json:"created_at"`
}
