// Package logger builds the application's structured slog logger. Output goes
// to stdout, or to a size-rotated file when one is configured.
package logger
