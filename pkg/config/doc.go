// Package config loads and validates harness configuration from CUE
// files.
//
// Configuration is declarative only. A file is compiled, unified with
// the built-in schema, decoded, and then checked against struct-level
// validation rules, so an operator gets file/line positions for CUE
// errors and field names for semantic ones.
package config
