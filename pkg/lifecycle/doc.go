// Package lifecycle manages the single ephemeral instance a smoke-test
// run owns: creation with tag-based reconciliation of lost responses,
// polling until the provider reports a terminal state, and a teardown
// that converges on deleted regardless of intermediate noise.
//
// All waiting goes through an injected Clock and explicit PollPolicy
// values, so the loops are testable without real delays and a deployment
// can decide whether teardown retries forever or fails loudly.
package lifecycle
