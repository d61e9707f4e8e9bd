package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestInitialize(t *testing.T) {
	tests := []struct {
		name    string
		level   string
		format  string
		wantErr bool
	}{
		{"valid json debug", "debug", "json", false},
		{"valid text info", "info", "text", false},
		{"valid journal warn", "warn", "journal", false},
		{"invalid log level", "invalid", "json", true},
		{"invalid format", "info", "xml", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Initialize(tt.level, tt.format)
			if (err != nil) != tt.wantErr {
				t.Errorf("Initialize() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestInitializeKeepsPreviousLoggerOnError(t *testing.T) {
	if err := Initialize("debug", "text"); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if err := Initialize("nope", "text"); err == nil {
		t.Fatal("Initialize() should fail for an invalid level")
	}
	if Get().GetLevel() != logrus.DebugLevel {
		t.Errorf("level = %v, failed Initialize should not replace the logger", Get().GetLevel())
	}
}

func TestJSONFormatFields(t *testing.T) {
	if err := Initialize("info", "json"); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	var buf bytes.Buffer
	SetOutput(&buf)

	WithFields(logrus.Fields{"component": "detector", "bus": "0000:05:00.0"}).Info("Unbind bus")

	var decoded map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if decoded["msg"] != "Unbind bus" || decoded["bus"] != "0000:05:00.0" || decoded["component"] != "detector" {
		t.Errorf("unexpected fields: %v", decoded)
	}
}

func TestJournalFormatHasNoTimestamp(t *testing.T) {
	if err := Initialize("info", "journal"); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	var buf bytes.Buffer
	SetOutput(&buf)

	Infof("Rebind bus %s", "0000:05:00.0")

	out := buf.String()
	if strings.Contains(out, "time=") {
		t.Errorf("journal format should not include a timestamp: %q", out)
	}
	if !strings.Contains(out, "Rebind bus 0000:05:00.0") {
		t.Errorf("output = %q", out)
	}
}

func TestLevelFiltering(t *testing.T) {
	if err := Initialize("warn", "text"); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	var buf bytes.Buffer
	SetOutput(&buf)

	Debugf("debug")
	Infof("info")
	Warnf("warn message")
	WithError(bytes.ErrTooLarge).Errorf("error message")

	out := buf.String()
	if strings.Contains(out, "level=debug") || strings.Contains(out, "level=info") {
		t.Errorf("messages below warn leaked: %q", out)
	}
	if !strings.Contains(out, "warn message") || !strings.Contains(out, "error message") {
		t.Errorf("missing warn/error output: %q", out)
	}

	Get().SetLevel(logrus.DebugLevel)
	WithField("k", "v").Debug("now visible")
	if !strings.Contains(buf.String(), "now visible") {
		t.Error("raising the level did not take effect")
	}
}
