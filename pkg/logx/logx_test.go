package logx

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// setupTestLogger redirects log output to a buffer.
func setupTestLogger() *bytes.Buffer {
	var buf bytes.Buffer
	logWriterLock.Lock()
	logWriter = &buf
	logWriterLock.Unlock()
	return &buf
}

func resetTestLogger() {
	logWriterLock.Lock()
	logWriter = nil
	logWriterLock.Unlock()
}

func TestLogFormat(t *testing.T) {
	buf := setupTestLogger()
	defer resetTestLogger()

	logger := NewLogger("hostpool")
	logger.Info("Acquired %s", "http://llm-1:11434")

	output := buf.String()
	if !strings.Contains(output, "[hostpool]") {
		t.Errorf("Expected component in output, got: %s", output)
	}
	if !strings.Contains(output, "INFO") {
		t.Errorf("Expected log level in output, got: %s", output)
	}
	if !strings.Contains(output, "Acquired http://llm-1:11434") {
		t.Errorf("Expected formatted message in output, got: %s", output)
	}
}

func TestSessionContext(t *testing.T) {
	buf := setupTestLogger()
	defer resetTestLogger()

	ctx := WithSession(context.Background(), "s-42")
	if got := SessionFrom(ctx); got != "s-42" {
		t.Fatalf("SessionFrom = %q, want s-42", got)
	}

	NewLogger("negotiation").WarnCtx(ctx, "turn abandoned")
	if !strings.Contains(buf.String(), "[negotiation/s-42] WARN: turn abandoned") {
		t.Errorf("Expected session-tagged line, got: %s", buf.String())
	}

	entries := GetRecentLogEntries("s-42", time.Time{})
	if len(entries) == 0 {
		t.Fatal("Expected buffered entry for session")
	}
	if entries[len(entries)-1].Message != "turn abandoned" {
		t.Errorf("Unexpected buffered message: %+v", entries[len(entries)-1])
	}
}

func TestDebugDomainFiltering(t *testing.T) {
	buf := setupTestLogger()
	defer resetTestLogger()
	defer SetDebugConfig(false, false, "")
	defer SetDebugDomains(nil)

	SetDebugConfig(true, false, "")
	SetDebugDomains([]string{"bargain"})

	Debug(context.Background(), "bargain", "visible")
	Debug(context.Background(), "extract", "hidden")

	output := buf.String()
	if !strings.Contains(output, "visible") {
		t.Errorf("Expected bargain debug line, got: %s", output)
	}
	if strings.Contains(output, "hidden") {
		t.Errorf("Did not expect extract debug line, got: %s", output)
	}
}

func TestDebugToFileAppends(t *testing.T) {
	setupTestLogger()
	defer resetTestLogger()
	defer SetDebugConfig(false, false, "")

	dir := t.TempDir()
	SetDebugConfig(true, true, dir)

	DebugToFile(context.Background(), "extract", "extract.csv", "first")
	DebugToFile(context.Background(), "extract", "extract.csv", "second")

	data, err := os.ReadFile(filepath.Join(dir, "extract.csv"))
	if err != nil {
		t.Fatalf("read debug file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("Expected 2 appended lines, got %d: %q", len(lines), string(data))
	}
}

func TestWrap(t *testing.T) {
	setupTestLogger()
	defer resetTestLogger()

	if Wrap(nil, "noop") != nil {
		t.Error("Wrap(nil) should return nil")
	}
	base := errors.New("boom")
	err := Wrap(base, "open store")
	if !errors.Is(err, base) {
		t.Errorf("Wrap should keep the cause, got %v", err)
	}
	if err.Error() != "open store: boom" {
		t.Errorf("Unexpected message %q", err.Error())
	}
}
