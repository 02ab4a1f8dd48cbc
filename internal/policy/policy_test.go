package policy

import (
	"os"
	"path/filepath"
	"testing"
)

func TestModeForPriority(t *testing.T) {
	p := Policy{Overrides: map[string]Mode{
		"write_file": ModeAuto,
		"read_file":  ModeManual,
	}}

	if got := p.ModeFor("write_file", false); got != ModeAuto {
		t.Errorf("override auto: got %q", got)
	}
	if got := p.ModeFor("read_file", true); got != ModeManual {
		t.Errorf("override beats read-only default: got %q", got)
	}
	if got := p.ModeFor("list_files", true); got != ModeAuto {
		t.Errorf("read-only default: got %q", got)
	}
	if got := p.ModeFor("install_package", false); got != ModeManual {
		t.Errorf("fallback manual: got %q", got)
	}
}

func TestHeadlessAllowed(t *testing.T) {
	allowed := []string{"save_memory", "fetch_url", "spawn_agent", "ui_action", "run_script"}
	for _, name := range allowed {
		if !HeadlessAllowed(name) {
			t.Errorf("%s should be headless-allowed", name)
		}
	}
	denied := []string{"install_package", "db_delete", "execute_shell", ""}
	for _, name := range denied {
		if HeadlessAllowed(name) {
			t.Errorf("%s should not be headless-allowed", name)
		}
	}
}

func TestAllowHTTPURL(t *testing.T) {
	p := Policy{AllowDomains: []string{"example.com"}}

	cases := []struct {
		url  string
		want bool
	}{
		{"https://example.com/page", true},
		{"https://sub.example.com/page", true},
		{"https://evil.com", false},
		{"https://notexample.com", false},
		{"ftp://example.com", false},
		{"https://localhost/x", false},
		{"https://127.0.0.1/x", false},
		{"https://10.0.0.1/x", false},
		{"not a url", false},
	}
	for _, tc := range cases {
		if got := p.AllowHTTPURL(tc.url); got != tc.want {
			t.Errorf("AllowHTTPURL(%q) = %v, want %v", tc.url, got, tc.want)
		}
	}
}

func TestAllowHTTPURLLoopback(t *testing.T) {
	p := Policy{AllowDomains: []string{"localhost"}, AllowLoopback: true}
	if !p.AllowHTTPURL("http://localhost:3000/api/layout") {
		t.Error("loopback should be allowed when enabled")
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	body := "allow_domains:\n  - example.com\noverrides:\n  write_file: auto\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	p, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p.Overrides["write_file"] != ModeAuto {
		t.Errorf("override not loaded")
	}
	if len(p.AllowDomains) != 1 {
		t.Errorf("domains not loaded")
	}

	// Missing file yields default policy.
	if _, err := Load(filepath.Join(dir, "missing.yaml")); err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
}
