// Package cloudapi is a minimal client for the cloud control-plane API
// used by the smoke-test harness: image catalog lookup, machine creation,
// tag-filtered listing, state queries, and stop/delete actions.
//
// Every request carries a freshly signed RFC-1123 timestamp; the provider
// enforces clock-skew bounds, so signatures are never cached. The client
// deliberately has no retry logic. An empty or failed response leaves the
// remote side in an unknown state, and only the lifecycle layer has the
// creation tag needed to reconcile that ambiguity.
package cloudapi
