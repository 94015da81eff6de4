package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "# comment\nSIGNALPIPE_TEST_KEY=from-dotenv\nSIGNALPIPE_TEST_EXISTING=overridden\n\nBADLINE\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}

	t.Setenv("SIGNALPIPE_TEST_KEY", "")
	os.Unsetenv("SIGNALPIPE_TEST_KEY")
	t.Setenv("SIGNALPIPE_TEST_EXISTING", "kept")

	loadDotEnv(path)

	if got := os.Getenv("SIGNALPIPE_TEST_KEY"); got != "from-dotenv" {
		t.Fatalf("SIGNALPIPE_TEST_KEY = %q, want from-dotenv", got)
	}
	if got := os.Getenv("SIGNALPIPE_TEST_EXISTING"); got != "kept" {
		t.Fatalf("existing env var was clobbered: %q", got)
	}
}

func TestLoadDotEnv_MissingFileIsNoop(t *testing.T) {
	loadDotEnv(filepath.Join(t.TempDir(), "nope.env"))
}

func TestLoadAuthToken_EnvWins(t *testing.T) {
	t.Setenv("SIGNALPIPE_AUTH_TOKEN", "env-token")
	tok, err := loadAuthToken(t.TempDir())
	if err != nil {
		t.Fatalf("loadAuthToken: %v", err)
	}
	if tok != "env-token" {
		t.Fatalf("token = %q, want env-token", tok)
	}
}

func TestLoadAuthToken_GeneratesAndPersists(t *testing.T) {
	t.Setenv("SIGNALPIPE_AUTH_TOKEN", "")
	os.Unsetenv("SIGNALPIPE_AUTH_TOKEN")
	home := t.TempDir()

	tok, err := loadAuthToken(home)
	if err != nil {
		t.Fatalf("loadAuthToken: %v", err)
	}
	if strings.TrimSpace(tok) == "" {
		t.Fatal("generated token is empty")
	}

	again, err := loadAuthToken(home)
	if err != nil {
		t.Fatalf("second loadAuthToken: %v", err)
	}
	if again != tok {
		t.Fatalf("token not stable across calls: %q vs %q", tok, again)
	}

	info, err := os.Stat(filepath.Join(home, "auth.token"))
	if err != nil {
		t.Fatalf("stat auth.token: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("auth.token permissions = %o, want 600", perm)
	}
}

func TestWriteDefaultConfig(t *testing.T) {
	home := t.TempDir()
	if err := writeDefaultConfig(home); err != nil {
		t.Fatalf("writeDefaultConfig: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(home, "config.yaml"))
	if err != nil {
		t.Fatalf("read config.yaml: %v", err)
	}
	for _, want := range []string{"bind_addr", "active_limit", "retention", "queue_capacity"} {
		if !strings.Contains(string(data), want) {
			t.Fatalf("config.yaml missing %q:\n%s", want, data)
		}
	}
}
