package tools

import (
	"context"
	"encoding/json"
	"runtime"
	"strings"
	"testing"

	"github.com/seanchangg/dyno/internal/workspace"
)

func newScriptRegistry(t *testing.T) *Registry {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("scripts require sh")
	}
	ws, err := workspace.New(t.TempDir())
	if err != nil {
		t.Fatalf("workspace: %v", err)
	}
	reg := NewRegistry()
	RegisterScriptTools(reg, ws)
	return reg
}

func TestScriptSaveRunList(t *testing.T) {
	reg := newScriptRegistry(t)

	call(t, reg, "save_script", `{"name":"hello","content":"echo hello world"}`)

	out := call(t, reg, "run_script", `{"name":"hello"}`)
	if !strings.Contains(out, "hello world") {
		t.Fatalf("run = %q", out)
	}

	out = call(t, reg, "list_scripts", `{}`)
	if !strings.Contains(out, "hello") {
		t.Fatalf("list = %q", out)
	}
}

func TestRunScriptMissing(t *testing.T) {
	reg := newScriptRegistry(t)
	_, err := reg.Call(context.Background(), "run_script", json.RawMessage(`{"name":"ghost"}`))
	if err == nil || !strings.Contains(err.Error(), "no script") {
		t.Fatalf("err = %v", err)
	}
}

func TestRunScriptNonZeroExit(t *testing.T) {
	reg := newScriptRegistry(t)
	call(t, reg, "save_script", `{"name":"fail","content":"echo oops >&2; exit 3"}`)
	out := call(t, reg, "run_script", `{"name":"fail"}`)
	if !strings.Contains(out, "exit code 3") || !strings.Contains(out, "oops") {
		t.Fatalf("out = %q", out)
	}
}

func TestSaveScriptRejectsBadName(t *testing.T) {
	reg := newScriptRegistry(t)
	_, err := reg.Call(context.Background(), "save_script", json.RawMessage(`{"name":"../evil","content":"x"}`))
	if err == nil {
		t.Fatal("expected schema rejection for traversal name")
	}
}
