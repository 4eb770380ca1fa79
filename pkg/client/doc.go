// Package client is a typed HTTP client for the controller's admin surface,
// used by the CLI subcommands.
package client
