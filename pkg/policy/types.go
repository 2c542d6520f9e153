package policy

import "time"

// Severity classifies a violation.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Policy is one named Rego admission policy.
type Policy struct {
	Name        string
	Description string
	Severity    Severity
	Enabled     bool
	Rego        string
}

// Request describes the run asking for admission.
type Request struct {
	// InstanceType is the provider package/flavor to provision.
	InstanceType string `json:"instance_type"`

	// Package is the explicit target package, empty for random
	// selection.
	Package string `json:"package"`

	// Mode is "test" or "create-only".
	Mode string `json:"mode"`
}

// Input is the document handed to Rego evaluation.
type Input struct {
	Request              Request   `json:"request"`
	AllowedInstanceTypes []string  `json:"allowed_instance_types"`
	Timestamp            time.Time `json:"timestamp"`
}

// Violation is one policy rule that fired.
type Violation struct {
	Policy   string `json:"policy"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

// Result is the admission decision.
type Result struct {
	Allowed     bool        `json:"allowed"`
	Violations  []Violation `json:"violations,omitempty"`
	EvaluatedAt time.Time   `json:"evaluated_at"`
}
