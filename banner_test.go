package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/fatih/color"

	"localchat/config"
)

func TestBannerListsInstanceAddressing(t *testing.T) {
	color.NoColor = true

	inst, err := config.ForInstance(3, config.Settings{DataDir: t.TempDir(), SocketDir: "/tmp"})
	if err != nil {
		t.Fatalf("ForInstance failed: %v", err)
	}

	var buf bytes.Buffer
	banner(&buf, inst, "disabled", "")
	out := buf.String()

	if !strings.Contains(out, "instance 3") {
		t.Fatalf("expected instance number, got: %s", out)
	}
	if !strings.Contains(out, "12347") {
		t.Fatalf("expected TCP port, got: %s", out)
	}
	if !strings.Contains(out, "/tmp/localchat_daemon3.sock") {
		t.Fatalf("expected socket path, got: %s", out)
	}
	if !ordered(out, "TCP port", "Control socket", "Data directory", "History", "Notifications") {
		t.Fatalf("expected ordered banner fields, got: %s", out)
	}
	if !strings.Contains(out, "log only") {
		t.Fatalf("expected log-only notifications, got: %s", out)
	}
}

func TestLoadInstanceAppliesFlagOverrides(t *testing.T) {
	dataDir := t.TempDir()
	cmd := runCmd
	t.Cleanup(func() {
		for _, name := range []string{"instance", "data-dir", "base-port", "config", "socket-dir"} {
			if f := rootCmd.PersistentFlags().Lookup(name); f != nil {
				_ = f.Value.Set(f.DefValue)
				f.Changed = false
			}
		}
	})

	if err := cmd.ParseFlags([]string{
		"--instance", "2",
		"--data-dir", dataDir,
		"--base-port", "20000",
		"--config", dataDir + "/missing.yaml",
	}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}

	_, inst, err := loadInstance(cmd)
	if err != nil {
		t.Fatalf("loadInstance failed: %v", err)
	}
	if inst.TCPPort != 20001 {
		t.Fatalf("expected port 20001, got %d", inst.TCPPort)
	}
	if !strings.HasPrefix(inst.DataDir, dataDir) {
		t.Fatalf("expected data dir under %q, got %q", dataDir, inst.DataDir)
	}
}

func ordered(s string, parts ...string) bool {
	last := -1
	for _, p := range parts {
		idx := strings.Index(s, p)
		if idx == -1 || idx <= last {
			return false
		}
		last = idx
	}
	return true
}
