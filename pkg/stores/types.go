package stores

import "time"

// Run is one recorded smoke-test run.
type Run struct {
	// ID is the run identifier (UUID).
	ID string `json:"id"`

	// InstanceID is the cloud instance the run used, empty when
	// creation never confirmed an id.
	InstanceID string `json:"instance_id,omitempty"`

	// Package is the tested package name, empty for create-only runs.
	Package string `json:"package,omitempty"`

	// Mode is "test" or "create-only".
	Mode string `json:"mode"`

	// Success reports a clean install (or a completed create-only run).
	Success bool `json:"success"`

	// ExitStatus is the remote install command's exit status.
	ExitStatus int `json:"exit_status"`

	// FilteredOutput holds the problem-report lines surviving output
	// filtering, empty on success.
	FilteredOutput string `json:"filtered_output,omitempty"`

	// Error is the classified run error, empty on success.
	Error string `json:"error,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}
