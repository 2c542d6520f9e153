// Package telemetry provides observability for the pkgsmoke harness:
// structured logging (zerolog), Prometheus metrics, and OpenTelemetry
// tracing.
//
// A one-shot smoke-test run produces a single trace with one span per
// phase (create, bootstrap, install, teardown) and a set of counters
// covering cloud API calls, polling iterations, and remote commands.
// Metrics are always collected; the HTTP endpoint is only started when a
// listen address is configured.
package telemetry
