// Package orchestrator sequences one smoke-test run end to end:
// provision an instance, bootstrap the package stack, install a
// package, classify the result, and always tear the instance down.
package orchestrator

import (
	"errors"
	"fmt"
)

// Code classifies a failed run for exit-code mapping.
type Code string

const (
	// CodeToolingMissing marks a required local tool or credential as
	// absent. Fatal, never retried.
	CodeToolingMissing Code = "tooling_missing"

	// CodePolicyDenied marks a run rejected by the admission policy.
	CodePolicyDenied Code = "policy_denied"

	// CodeProvisioningFailed marks instance creation that could not be
	// confirmed or was reported failed by the provider.
	CodeProvisioningFailed Code = "provisioning_failed"

	// CodeNoAddress marks a running instance without a reachable
	// address.
	CodeNoAddress Code = "no_address"

	// CodeBootstrapFailed marks an exhausted stack bootstrap.
	CodeBootstrapFailed Code = "bootstrap_failed"

	// CodeSelectionFailed marks a failed random package selection.
	CodeSelectionFailed Code = "selection_failed"

	// CodeInstallFailed marks a non-clean package installation.
	CodeInstallFailed Code = "install_failed"
)

// exitCodes maps each failure class to a distinct process exit code.
// Zero is reserved for success and 1 for unclassified errors.
var exitCodes = map[Code]int{
	CodeToolingMissing:     2,
	CodePolicyDenied:       3,
	CodeProvisioningFailed: 4,
	CodeNoAddress:          5,
	CodeBootstrapFailed:    6,
	CodeSelectionFailed:    7,
	CodeInstallFailed:      8,
}

// RunError is a classified run failure. Diagnostics carries captured
// remote output where the failing step produced any.
type RunError struct {
	Code        Code
	Message     string
	Diagnostics string
	Err         error
}

func (e *RunError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *RunError) Unwrap() error { return e.Err }

// Is matches on the classification code, so callers can compare against
// a bare &RunError{Code: ...}.
func (e *RunError) Is(target error) bool {
	t, ok := target.(*RunError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

func newRunError(code Code, message string, err error) *RunError {
	return &RunError{Code: code, Message: message, Err: err}
}

// ExitCode maps an error to the process exit code the operator sees.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var runErr *RunError
	if errors.As(err, &runErr) {
		if code, ok := exitCodes[runErr.Code]; ok {
			return code
		}
	}
	return 1
}

// Diagnostics extracts captured remote output from an error chain, or
// empty when the failure produced none.
func Diagnostics(err error) string {
	var runErr *RunError
	if errors.As(err, &runErr) {
		return runErr.Diagnostics
	}
	return ""
}
