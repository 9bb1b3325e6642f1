// Package logger configures the application's structured JSON logging via
// log/slog and provides helpers for carrying a scoped logger in a context.
package logger
