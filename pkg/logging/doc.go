// Package logging provides a thin, subsystem-tagged wrapper around log/slog
// for CLI-style direct output. Every call site names the subsystem that is
// logging (e.g. "client.stdio", "router", "cache") so log lines stay
// attributable in a process that runs many concurrent components.
package logging
