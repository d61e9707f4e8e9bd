// Package types defines the configuration, log entry and error types shared
// by the xhci-rebind watchdog packages.
package types

import (
	"time"
)

// Journal field names read by the watchdog.
const (
	FieldMessage   = "MESSAGE"
	FieldTransport = "_TRANSPORT"
	FieldPriority  = "PRIORITY"
	FieldBootID    = "_BOOT_ID"
)

// WaitForever makes a log source block until an entry arrives or the
// stream fails.
const WaitForever time.Duration = -1

// LogEntry is a single record read from the log stream.
type LogEntry struct {
	// Fields holds the raw key/value pairs of the record.
	Fields map[string]string

	// Timestamp is the realtime timestamp of the record, if known.
	Timestamp time.Time
}

// Message returns the MESSAGE field of the entry, or "" when absent.
func (e *LogEntry) Message() string {
	if e == nil || e.Fields == nil {
		return ""
	}
	return e.Fields[FieldMessage]
}

// ConfigError is returned when the watchdog configuration cannot be loaded
// or fails validation. It is always fatal.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "config: " + e.Err.Error()
	}
	return "config: " + e.Field + ": " + e.Err.Error()
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}
