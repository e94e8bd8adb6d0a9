// Package config loads the dispatcher configuration from an optional .env
// file, a YAML file and environment variables, and validates it. Provider
// keys may be listed inline or read from a comma-separated environment
// variable named by keys_env.
package config
