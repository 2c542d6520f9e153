// Package stores persists run history. Every smoke-test run is recorded
// with its instance id, tested package, and classified outcome, so
// flaky packages and provider failures can be traced after the
// instance itself is long gone.
package stores
