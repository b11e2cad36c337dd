// Package config loads marketflow configuration from a YAML file with
// environment variable overrides. Precedence: defaults, then YAML, then
// environment (MARKETFLOW_* by default).
package config
