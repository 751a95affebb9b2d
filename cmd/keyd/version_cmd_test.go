package main

import (
	"bytes"
	"testing"

	"pkt.systems/keyd/internal/version"
	"pkt.systems/pslog"
)

func executeRootCommand(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand(pslog.NoopLogger())
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestVersionCommandPrintsCurrentVersion(t *testing.T) {
	t.Setenv("KEYD_CONFIG_DIR", t.TempDir())

	stdout, stderr, err := executeRootCommand(t, "version")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if stderr != "" {
		t.Fatalf("expected empty stderr, got %q", stderr)
	}
	want := version.Module() + " " + version.Current() + "\n"
	if stdout != want {
		t.Fatalf("unexpected stdout: got %q want %q", stdout, want)
	}
}

func TestVersionCommandRejectsArguments(t *testing.T) {
	t.Setenv("KEYD_CONFIG_DIR", t.TempDir())

	if _, _, err := executeRootCommand(t, "version", "extra"); err == nil {
		t.Fatal("expected error for unexpected argument")
	}
}
