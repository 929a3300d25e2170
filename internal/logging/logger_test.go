package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestLoggerKeyValues(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerTo(&buf, "triage")

	l.Info("image kept", "filename", "page1_img0.png", "reason", "chart/table")
	out := buf.String()

	for _, want := range []string{"[triage]", "[INFO]", "image kept", "filename=page1_img0.png", "reason=chart/table"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q missing %q", out, want)
		}
	}
}

func TestLoggerOddKeyValues(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerTo(&buf, "triage")

	l.Warn("dangling", "orphan")
	if !strings.Contains(buf.String(), "orphan=(missing)") {
		t.Errorf("dangling key not rendered: %q", buf.String())
	}
}

func TestLoggerDebugToggle(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerTo(&buf, "triage")
	l.SetDebug(false)

	l.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug output written while disabled: %q", buf.String())
	}

	l.SetDebug(true)
	l.Debug("shown", "k", 1)
	if !strings.Contains(buf.String(), "[DEBUG] shown k=1") {
		t.Errorf("debug output missing: %q", buf.String())
	}
}

func TestNamed(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerTo(&buf, "worker").Named("filter")

	l.Error("boom")
	if !strings.Contains(buf.String(), "[worker/filter]") {
		t.Errorf("nested prefix missing: %q", buf.String())
	}
}
