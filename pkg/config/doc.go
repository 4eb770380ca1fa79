// Package config loads controller configuration from a YAML file with
// environment variable overrides.
package config
