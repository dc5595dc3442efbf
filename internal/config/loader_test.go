package config_test

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/MrWong99/chatrelay/internal/config"
)

func TestExpandEnv(t *testing.T) {
	t.Setenv("CHATRELAY_TEST_TOKEN", "secret-123")
	t.Setenv("CHATRELAY_TEST_EMPTY", "")

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"braced reference", "token: ${CHATRELAY_TEST_TOKEN}", "token: secret-123"},
		{"two references", "${CHATRELAY_TEST_TOKEN}/${CHATRELAY_TEST_TOKEN}", "secret-123/secret-123"},
		{"unset expands empty", "key: '${CHATRELAY_TEST_UNSET_VAR}'", "key: ''"},
		{"empty variable", "x${CHATRELAY_TEST_EMPTY}y", "xy"},
		{"bare dollar kept", "dsn: postgres://u:pa$word@db/x", "dsn: postgres://u:pa$word@db/x"},
		{"invalid name kept", "${1ABC}", "${1ABC}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := string(config.ExpandEnv([]byte(tt.in))); got != tt.want {
				t.Errorf("ExpandEnv(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestLoad_ExpandsEnvFromFile(t *testing.T) {
	t.Setenv("CHATRELAY_TEST_OPENAI_KEY", "sk-from-env")
	t.Setenv("CHATRELAY_TEST_TG_TOKEN", "999:xyz")

	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, `
telegram:
  token: ${CHATRELAY_TEST_TG_TOKEN}
providers:
  completion:
    name: openai
    api_key: ${CHATRELAY_TEST_OPENAI_KEY}
    model: gpt-3.5-turbo
`)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Providers.Completion.APIKey != "sk-from-env" {
		t.Errorf("api_key = %q", cfg.Providers.Completion.APIKey)
	}
	if cfg.Telegram.Token != "999:xyz" {
		t.Errorf("telegram.token = %q", cfg.Telegram.Token)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("err = %v, want ErrNotExist", err)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("providers: [unterminated"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := config.Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
