package types

import (
	"errors"
	"io/fs"
	"testing"
)

// TestLogEntryMessage verifies only the MESSAGE field is surfaced.
func TestLogEntryMessage(t *testing.T) {
	tests := []struct {
		name     string
		entry    *LogEntry
		expected string
	}{
		{"nil entry", nil, ""},
		{"nil fields", &LogEntry{}, ""},
		{"missing message", &LogEntry{Fields: map[string]string{FieldPriority: "4"}}, ""},
		{
			"message present",
			&LogEntry{Fields: map[string]string{
				FieldMessage:   "xhci_hcd 0000:05:00.0: WARN waiting for error on ep to be cleared",
				FieldTransport: "kernel",
			}},
			"xhci_hcd 0000:05:00.0: WARN waiting for error on ep to be cleared",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.entry.Message(); got != tt.expected {
				t.Errorf("Message() = %q, want %q", got, tt.expected)
			}
		})
	}
}

// TestConfigError verifies message formatting and unwrapping.
func TestConfigError(t *testing.T) {
	err := &ConfigError{Field: "bus-id", Err: errors.New("is required")}
	if err.Error() != "config: bus-id: is required" {
		t.Errorf("unexpected message: %q", err.Error())
	}

	wrapped := &ConfigError{Err: fs.ErrNotExist}
	if wrapped.Error() != "config: "+fs.ErrNotExist.Error() {
		t.Errorf("unexpected message: %q", wrapped.Error())
	}
	if !errors.Is(wrapped, fs.ErrNotExist) {
		t.Error("ConfigError should unwrap to its cause")
	}
}

func TestWaitForeverIsNegative(t *testing.T) {
	if WaitForever >= 0 {
		t.Errorf("WaitForever = %v, must be negative so it never collides with a real timeout", WaitForever)
	}
}
