// Package logging provides structured logging for Bifrost Bridge on top of
// log/slog, with level and format parsing and automatic redaction of
// credential-bearing fields so secrets never reach log output.
package logging
