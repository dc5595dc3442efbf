package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersionCmd(t *testing.T) {
	t.Parallel()

	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "chatrelay ") {
		t.Errorf("output = %q, want chatrelay prefix", out)
	}
}

func TestModesCmd_Builtin(t *testing.T) {
	t.Parallel()

	out, err := execute(t, "modes", "--config", filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("modes: %v", err)
	}
	for _, want := range []string{"KEY", "assistant", "movie_expert"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestMigrateCmd_SQLite(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	dbPath := filepath.Join(dir, "relay.db")
	yaml := "telegram:\n  token: \"1:x\"\nproviders:\n  completion:\n    name: openai\n    model: gpt-4o-mini\nstorage:\n  driver: sqlite\n  dsn: " + dbPath + "\n"
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "migrate", "--config", cfgPath)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if !strings.Contains(out, "schema up to date (sqlite)") {
		t.Errorf("output = %q", out)
	}
	if _, err := os.Stat(dbPath); err != nil {
		t.Errorf("database file not created: %v", err)
	}
}

func TestMigrateCmd_MissingConfig(t *testing.T) {
	t.Parallel()

	_, err := execute(t, "migrate", "--config", filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("err = %v, want a not-found hint", err)
	}
}
