// Package logx configures followback's structured logging.
//
// Logger is a small value-type wrapper over zerolog:
//   - console output with a short timestamp and file:line caller
//   - optional JSON file sink
//   - optional alert sink (min-level + rate limited) fed to a Sender
//
// Loggers derived from a Service follow Service.Apply, so levels and sinks can
// be changed at runtime by config reload.
package logx
