package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPaths_EnsureLayout(t *testing.T) {
	root := filepath.Join(t.TempDir(), "data")
	p := Paths{Root: root}
	if err := p.EnsureLayout(); err != nil {
		t.Fatalf("EnsureLayout: %v", err)
	}
	for _, dir := range []string{p.LogsDir(), p.StateDir(), p.AnalyticsDir(), p.HandoffsDir(), p.ApprovalsDir(), p.CountersDir()} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("missing dir %s: %v", dir, err)
		}
		if !info.IsDir() {
			t.Fatalf("%s is not a directory", dir)
		}
	}
}

func TestPaths_EnsureLayoutUnwritableRoot(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission checks do not apply to root")
	}
	parent := t.TempDir()
	if err := os.Chmod(parent, 0o500); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.Chmod(parent, 0o700) }()

	p := Paths{Root: filepath.Join(parent, "data")}
	if err := p.EnsureLayout(); err == nil {
		t.Fatal("expected configuration error for unwritable root")
	}
}

func TestPaths_SessionFiles(t *testing.T) {
	p := Paths{Root: ".subagent"}
	got := p.SessionLog("20260801T100000Z_abcd1234")
	want := filepath.Join(".subagent", "logs", "session_20260801T100000Z_abcd1234.jsonl")
	if got != want {
		t.Fatalf("SessionLog = %q, want %q", got, want)
	}
	if p.SnapshotFile("s1", "snap_000007") != filepath.Join(".subagent", "state", "session_s1_snap_000007.json") {
		t.Fatalf("unexpected snapshot path %q", p.SnapshotFile("s1", "snap_000007"))
	}
	if p.HandoffFile("s1") != filepath.Join(".subagent", "handoffs", "session_s1_handoff.md") {
		t.Fatalf("unexpected handoff path %q", p.HandoffFile("s1"))
	}
}

func TestPaths_MigrateLegacyAlias(t *testing.T) {
	parent := t.TempDir()
	p := Paths{Root: filepath.Join(parent, ".subagent")}
	if err := p.EnsureLayout(); err != nil {
		t.Fatal(err)
	}
	if err := p.MigrateLegacyAlias(); err != nil {
		t.Fatalf("MigrateLegacyAlias: %v", err)
	}

	alias := filepath.Join(parent, ".claude")
	target, err := os.Readlink(alias)
	if err != nil {
		t.Fatalf("alias is not a symlink: %v", err)
	}
	abs, _ := filepath.Abs(p.Root)
	if target != abs {
		t.Fatalf("alias target = %q, want %q", target, abs)
	}

	// Idempotent: an existing alias is left untouched.
	if err := p.MigrateLegacyAlias(); err != nil {
		t.Fatalf("second MigrateLegacyAlias: %v", err)
	}
}

func TestConfig_ValidateRejectsBadValues(t *testing.T) {
	t.Setenv("SUBAGENT_APPROVAL_THRESHOLD", "1.5")
	if _, err := Load(); err == nil {
		t.Fatal("expected validation error for threshold > 1")
	}
}

func TestConfig_EnvOverrides(t *testing.T) {
	t.Setenv("SUBAGENT_DATA_DIR", "/tmp/subagent-test")
	t.Setenv("SUBAGENT_APPROVALS_BYPASS", "true")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != "/tmp/subagent-test" {
		t.Fatalf("DataDir = %q", cfg.DataDir)
	}
	if !cfg.Approval.Bypass {
		t.Fatal("SUBAGENT_APPROVALS_BYPASS not applied")
	}
	if cfg.Server.Port != 8343 {
		t.Fatalf("default port = %d", cfg.Server.Port)
	}
}
