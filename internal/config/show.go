package config

import (
	"fmt"
	"io"
)

// RenderEffective writes the resolved configuration as a human-readable
// annotated summary to w. This powers the "config show" command, giving
// users visibility into the effective values after all four override layers
// (defaults -> file -> env -> CLI) have been applied.
func RenderEffective(r *Resolved, w io.Writer) error {
	ew := &errWriter{w: w}

	ew.printf("# Effective configuration (file: %q)\n\n", r.ConfigPath)

	renderServerSection(ew, r)
	renderSyncSection(ew, r)
	renderStorageSection(ew, r)
	renderLoggingSection(ew, r)

	return ew.err
}

// errWriter wraps an io.Writer and captures the first write error.
// Subsequent writes after an error are no-ops, so callers can chain
// printf calls without checking each one individually.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}

func renderServerSection(ew *errWriter, r *Resolved) {
	ew.printf("[server]\n")
	ew.printf("  api_url         = %q\n", r.APIURL)
	ew.printf("  websocket       = %t\n", r.Websocket)

	if r.NotifyURL != "" {
		ew.printf("  notify_url      = %q\n", r.NotifyURL)
	}

	ew.printf("  request_timeout = %q\n", r.RequestTimeout.String())
	ew.printf("\n")
}

func renderSyncSection(ew *errWriter, r *Resolved) {
	ew.printf("[sync]\n")
	ew.printf("  poll_interval     = %q\n", r.PollInterval.String())
	ew.printf("  base_backoff      = %q\n", r.BaseBackoff.String())
	ew.printf("  max_backoff       = %q\n", r.MaxBackoff.String())
	ew.printf("  max_attempts      = %d\n", r.MaxAttempts)
	ew.printf("  exhaustion_policy = %q\n", r.ExhaustionPolicy)
	ew.printf("  batch_size        = %d\n", r.BatchSize)
	ew.printf("\n")
}

func renderStorageSection(ew *errWriter, r *Resolved) {
	ew.printf("[storage]\n")
	ew.printf("  data_dir = %q\n", r.DataDir)
	ew.printf("\n")
}

func renderLoggingSection(ew *errWriter, r *Resolved) {
	ew.printf("[logging]\n")
	ew.printf("  log_level  = %q\n", r.LogLevel)
	ew.printf("  log_format = %q\n", r.LogFormat)
}
