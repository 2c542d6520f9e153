// Package policy provides Open Policy Agent (OPA) admission checks for
// smoke-test runs.
//
// Before an instance is provisioned, the requested instance type and
// target package are evaluated against built-in Rego policies plus any
// custom .rego files the operator loads. Any error-severity violation
// denies the run.
package policy
