package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	InitWriter(&buf, "warn", "json")

	Info("hidden %d", 1)
	Warn("shown %d", 2)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info line written at warn level: %s", out)
	}
	if !strings.Contains(out, "shown 2") {
		t.Errorf("warn line missing: %s", out)
	}
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	InitWriter(&buf, "debug", "json")

	Debug("cycle %s", "abc")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if line["level"] != "debug" {
		t.Errorf("level = %v, want debug", line["level"])
	}
	if line["message"] != "cycle abc" {
		t.Errorf("message = %v", line["message"])
	}
}

func TestTextFormat(t *testing.T) {
	var buf bytes.Buffer
	InitWriter(&buf, "info", "text")

	Error("boom")

	out := buf.String()
	if !strings.Contains(out, "ERR") || !strings.Contains(out, "boom") {
		t.Errorf("unexpected text output: %q", out)
	}
}

func TestUnknownLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	InitWriter(&buf, "verbose", "json")

	Debug("nope")
	Info("yes")

	out := buf.String()
	if strings.Contains(out, "nope") || !strings.Contains(out, "yes") {
		t.Errorf("unexpected output: %s", out)
	}
}
