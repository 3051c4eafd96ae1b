package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestPreInitLoggerUsesConfiguredHandler(t *testing.T) {
	logger := L("feeder")

	var buf bytes.Buffer
	Init("text", "info", &buf)

	logger.Info("worker ready", "addr", "127.0.0.1:8790")

	out := buf.String()
	if !strings.Contains(out, "msg=\"worker ready\"") {
		t.Fatalf("expected worker ready message, got: %s", out)
	}
	if !strings.Contains(out, "component=feeder") {
		t.Fatalf("expected component field, got: %s", out)
	}
	if !strings.Contains(out, "addr=127.0.0.1:8790") {
		t.Fatalf("expected addr field, got: %s", out)
	}
}

func TestPreInitLoggerRespectsConfiguredLevel(t *testing.T) {
	logger := L("orchestrator")

	var buf bytes.Buffer
	Init("text", "warn", &buf)

	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info log should be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, "shown") {
		t.Fatalf("warn log should be emitted: %s", out)
	}
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	Init("json", "info", &buf)

	L("bus").Info("published", KeyTopic, "session.open")

	out := buf.String()
	if !strings.Contains(out, `"component":"bus"`) {
		t.Fatalf("expected json component field, got: %s", out)
	}
	if !strings.Contains(out, `"topic":"session.open"`) {
		t.Fatalf("expected json topic field, got: %s", out)
	}
}

func TestRotatingWriterRotatesAtMaxSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.log")

	rw, err := NewRotatingWriter(path, 1, 2)
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	defer rw.Close()

	// Force the threshold low so a second write triggers rotation.
	rw.maxSize = 16

	if _, err := rw.Write([]byte("0123456789")); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if _, err := rw.Write([]byte("0123456789")); err != nil {
		t.Fatalf("second write: %v", err)
	}

	if _, err := os.Stat(path + ".1"); err != nil {
		t.Fatalf("expected rotated backup %s.1: %v", path, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read current log: %v", err)
	}
	if string(data) != "0123456789" {
		t.Fatalf("current log = %q, want fresh content after rotation", data)
	}
}
