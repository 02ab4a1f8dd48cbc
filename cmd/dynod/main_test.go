package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "# comment\nDYNO_TEST_A=hello\n\nDYNO_TEST_B = spaced \nBROKEN_LINE\n=novalue\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write env: %v", err)
	}
	t.Setenv("DYNO_TEST_A", "")
	os.Unsetenv("DYNO_TEST_A")
	t.Setenv("DYNO_TEST_B", "")
	os.Unsetenv("DYNO_TEST_B")

	loadDotEnv(path)

	if got := os.Getenv("DYNO_TEST_A"); got != "hello" {
		t.Fatalf("DYNO_TEST_A = %q, want hello", got)
	}
	if got := os.Getenv("DYNO_TEST_B"); got != "spaced" {
		t.Fatalf("DYNO_TEST_B = %q, want spaced", got)
	}
}

func TestLoadDotEnvDoesNotOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("DYNO_TEST_KEEP=file\n"), 0o644); err != nil {
		t.Fatalf("write env: %v", err)
	}
	t.Setenv("DYNO_TEST_KEEP", "env")

	loadDotEnv(path)

	if got := os.Getenv("DYNO_TEST_KEEP"); got != "env" {
		t.Fatalf("existing env var was overridden: %q", got)
	}
}

func TestLoadDotEnvMissingFile(t *testing.T) {
	// Must be a no-op, not a crash.
	loadDotEnv(filepath.Join(t.TempDir(), "absent.env"))
}
