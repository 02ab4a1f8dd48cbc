package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/seanchangg/dyno/internal/config"
)

func TestLoadFromDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.LoadFrom(dir)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.DataDir != dir {
		t.Errorf("data dir = %q, want %q", cfg.DataDir, dir)
	}
	if cfg.Agent.MaxIterations != 15 {
		t.Errorf("max iterations = %d, want 15", cfg.Agent.MaxIterations)
	}
	if cfg.Heartbeat.IntervalMinutes != 30 {
		t.Errorf("interval = %d, want 30", cfg.Heartbeat.IntervalMinutes)
	}
	if cfg.Pricing.Action.OutputPer1M != 15.00 {
		t.Errorf("action output rate = %v, want 15.00", cfg.Pricing.Action.OutputPer1M)
	}
}

func TestLoadFromFileOverrides(t *testing.T) {
	dir := t.TempDir()
	body := "log_level: debug\nagent:\n  idle_timeout_minutes: 5\nheartbeat:\n  daily_budget_usd: 1.5\n"
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.LoadFrom(dir)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log level = %q, want debug", cfg.LogLevel)
	}
	if cfg.IdleTimeout() != 5*time.Minute {
		t.Errorf("idle timeout = %v, want 5m", cfg.IdleTimeout())
	}
	if cfg.Heartbeat.DailyBudgetUSD != 1.5 {
		t.Errorf("budget = %v, want 1.5", cfg.Heartbeat.DailyBudgetUSD)
	}
	// Untouched fields keep defaults.
	if cfg.LLM.MaxTokens != 8192 {
		t.Errorf("max tokens = %d, want 8192", cfg.LLM.MaxTokens)
	}
}

func TestLoadFromBadYAML(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("{not yaml"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := config.LoadFrom(dir); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestWatcherSeesConfigWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("log_level: info\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	w := config.NewWatcher(dir, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	// Give the watcher a beat to register, then modify.
	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(path, []byte("log_level: debug\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case ev := <-w.Events():
		if filepath.Base(ev.Path) != "config.yaml" {
			t.Errorf("event path = %q, want config.yaml", ev.Path)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for reload event")
	}
}
