// Package policy decides which tools may run without a human in the loop and
// which URLs the web tools may reach.
//
// Two execution contexts exist: interactive (a dashboard user answers
// proposals) and headless (heartbeat action runs, child sessions). In the
// interactive context a tool's mode is auto or manual; in the headless
// context only tools on the fixed allowlist run at all.
package policy

import (
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Mode is a tool approval mode.
type Mode string

const (
	ModeAuto   Mode = "auto"
	ModeManual Mode = "manual"
)

// Policy is the serializable policy data loaded from policy.yaml plus the
// dashboard's per-tool overrides.
type Policy struct {
	// Overrides maps tool name to an explicit mode, taking priority over
	// the tool's read-only default.
	Overrides map[string]Mode `yaml:"overrides"`
	// AllowDomains lists domains the web tools may fetch. Subdomains of a
	// listed domain are allowed.
	AllowDomains []string `yaml:"allow_domains"`
	// AllowLoopback permits http requests to localhost (off by default).
	AllowLoopback bool `yaml:"allow_loopback"`
}

// Default returns an empty policy: read-only tools auto, everything else
// manual, no web domains allowed.
func Default() Policy {
	return Policy{}
}

// Load reads a policy file. A missing or empty file yields the default.
func Load(path string) (Policy, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	if len(data) == 0 {
		return Default(), nil
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	return p, nil
}

// ModeFor resolves a tool's interactive mode.
// Priority: explicit override > read-only default (auto) > manual.
func (p Policy) ModeFor(tool string, readOnly bool) Mode {
	if m, ok := p.Overrides[tool]; ok {
		if m == ModeAuto {
			return ModeAuto
		}
		return ModeManual
	}
	if readOnly {
		return ModeAuto
	}
	return ModeManual
}

// HeartbeatAllowedTools is the fixed allowlist for headless heartbeat action
// runs: memory, file, web, dashboard, scripting and sub-agent tools. Tools
// that require interactive approval in normal use (package installs,
// destructive database ops) are deliberately absent.
var HeartbeatAllowedTools = map[string]struct{}{
	"save_memory":          {},
	"recall_memories":      {},
	"append_memory":        {},
	"edit_memory":          {},
	"list_memory_tags":     {},
	"read_file":            {},
	"write_file":           {},
	"modify_file":          {},
	"list_files":           {},
	"fetch_url":            {},
	"web_search":           {},
	"save_script":          {},
	"run_script":           {},
	"list_scripts":         {},
	"spawn_agent":          {},
	"list_children":        {},
	"get_session_status":   {},
	"get_child_details":    {},
	"send_to_session":      {},
	"terminate_child":      {},
	"get_dashboard_layout": {},
	"ui_action":            {},
}

// HeadlessAllowed reports whether a tool may run in a headless context.
func HeadlessAllowed(tool string) bool {
	_, ok := HeartbeatAllowedTools[tool]
	return ok
}

// AllowHTTPURL reports whether the web tools may fetch the given URL.
func (p Policy) AllowHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return false
	}
	scheme := strings.ToLower(strings.TrimSpace(u.Scheme))
	if scheme != "http" && scheme != "https" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if isBlockedHost(host, p.AllowLoopback) {
		return false
	}
	for _, domain := range p.AllowDomains {
		domain = strings.ToLower(strings.TrimSpace(domain))
		if domain == "" {
			continue
		}
		if domain == "*" || host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}

func isBlockedHost(host string, allowLoopback bool) bool {
	if host == "localhost" {
		return !allowLoopback
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return false // Not an IP address (e.g. a hostname).
	}
	if allowLoopback && ip.IsLoopback() {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}
