package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/seanchangg/dyno/internal/workspace"
)

func newFileRegistry(t *testing.T) *Registry {
	t.Helper()
	ws, err := workspace.New(t.TempDir())
	if err != nil {
		t.Fatalf("workspace: %v", err)
	}
	reg := NewRegistry()
	RegisterFileTools(reg, ws)
	return reg
}

func TestFileToolsRoundTrip(t *testing.T) {
	reg := newFileRegistry(t)

	call(t, reg, "write_file", `{"path":"notes/plan.md","content":"step one"}`)

	out := call(t, reg, "read_file", `{"path":"notes/plan.md"}`)
	if out != "step one" {
		t.Fatalf("read = %q", out)
	}

	call(t, reg, "modify_file", `{"path":"notes/plan.md","old_text":"one","new_text":"two"}`)
	out = call(t, reg, "read_file", `{"path":"notes/plan.md"}`)
	if out != "step two" {
		t.Fatalf("after modify = %q", out)
	}

	out = call(t, reg, "list_files", `{"dir":"notes"}`)
	if !strings.Contains(out, "plan.md") {
		t.Fatalf("list = %q", out)
	}
}

func TestFileToolsBlockTraversal(t *testing.T) {
	reg := newFileRegistry(t)
	_, err := reg.Call(context.Background(), "read_file", json.RawMessage(`{"path":"../../etc/passwd"}`))
	if err == nil {
		t.Fatal("expected traversal to be blocked")
	}
}

func TestListFilesDefaultsToRoot(t *testing.T) {
	reg := newFileRegistry(t)
	call(t, reg, "write_file", `{"path":"top.txt","content":"x"}`)
	out := call(t, reg, "list_files", `{}`)
	if !strings.Contains(out, "top.txt") {
		t.Fatalf("list = %q", out)
	}
}
