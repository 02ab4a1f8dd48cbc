package telemetry

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLoggerWritesJSONL(t *testing.T) {
	dir := t.TempDir()
	logger, closer, err := NewLogger(dir, "info", true)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	logger.Info("hello", "user_id", "u1")
	closer.Close()

	f, err := os.Open(filepath.Join(dir, "logs", "gateway.jsonl"))
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		t.Fatal("expected at least one log line")
	}
	var rec map[string]any
	if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
		t.Fatalf("parse log line: %v", err)
	}
	if rec["msg"] != "hello" {
		t.Errorf("msg = %v, want hello", rec["msg"])
	}
	if _, ok := rec["timestamp"]; !ok {
		t.Error("expected timestamp key")
	}
}

func TestRedaction(t *testing.T) {
	dir := t.TempDir()
	logger, closer, err := NewLogger(dir, "info", true)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	logger.Info("key resolved", "api_key", "sk-ant-abc123", "value", "Bearer xyz")
	closer.Close()

	data, err := os.ReadFile(filepath.Join(dir, "logs", "gateway.jsonl"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if strings.Contains(string(data), "sk-ant-abc123") {
		t.Error("api key leaked into log output")
	}
	if strings.Contains(string(data), "Bearer xyz") {
		t.Error("bearer token leaked into log output")
	}
}

func TestShouldRedactKey(t *testing.T) {
	cases := map[string]bool{
		"api_key":        true,
		"Authorization":  true,
		"user_id":        false,
		"summary":        false,
		"refresh_token":  true,
		"credential_ref": true,
	}
	for key, want := range cases {
		if got := shouldRedactKey(key); got != want {
			t.Errorf("shouldRedactKey(%q) = %v, want %v", key, got, want)
		}
	}
}
