package notify

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestCommandAppendsSenderAndPreview(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	out := filepath.Join(t.TempDir(), "out.txt")

	// sh -c script argv0 arg1 arg2: the sender and body land in $1 and $2.
	cmd := &Command{
		name:    sh,
		args:    []string{"-c", `printf '%s|%s' "$1" "$2" > ` + out, "notify"},
		timeout: DefaultTimeout,
		logger:  zap.NewNop(),
	}
	if err := cmd.Notify(context.Background(), "bob", "hello\nthere"); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}

	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if string(got) != "bob|hello there" {
		t.Fatalf("unexpected command arguments %q", got)
	}
}

func TestCommandReportsFailure(t *testing.T) {
	cmd, err := NewCommand("definitely-not-a-real-notifier-binary --flag", nil)
	if err != nil {
		t.Fatalf("NewCommand failed: %v", err)
	}
	if err := cmd.Notify(context.Background(), "bob", "hi"); err == nil {
		t.Fatalf("expected missing binary to fail")
	}
}

func TestNewCommandRejectsEmpty(t *testing.T) {
	if _, err := NewCommand("   ", nil); err == nil {
		t.Fatalf("expected error for empty command")
	}
}

func TestLogNotifierWritesEntry(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	notifier := NewLog(zap.New(core))

	if err := notifier.Notify(context.Background(), "carol", "see you soon"); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	entries := logs.FilterMessage("new message").All()
	if len(entries) != 1 {
		t.Fatalf("expected one log entry, got %d", len(entries))
	}
	if got := entries[0].ContextMap()["sender"]; got != "carol" {
		t.Fatalf("unexpected sender field %v", got)
	}
}

func TestPreviewTruncates(t *testing.T) {
	long := strings.Repeat("ä", MaxPreviewLength+50)
	got := Preview(long)
	if n := len([]rune(got)); n != MaxPreviewLength {
		t.Fatalf("expected %d runes, got %d", MaxPreviewLength, n)
	}
	if !strings.HasSuffix(got, "…") {
		t.Fatalf("expected ellipsis suffix")
	}
	if Preview("  short\tbody ") != "short body" {
		t.Fatalf("unexpected short preview %q", Preview("  short\tbody "))
	}
}
