package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func echoTool(name string, readOnly bool) Tool {
	return Tool{
		Name:        name,
		Description: "echoes its message",
		ReadOnly:    readOnly,
		Schema: objectSchema(map[string]any{
			"message": stringProp("text to echo"),
		}, "message"),
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			var in struct {
				Message string `json:"message"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return "", err
			}
			return in.Message, nil
		},
	}
}

func TestRegistryCall(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(echoTool("echo", true)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	out, err := reg.Call(context.Background(), "echo", json.RawMessage(`{"message":"hi"}`))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if out != "hi" {
		t.Fatalf("out = %q", out)
	}
}

func TestRegistryValidatesArgs(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(echoTool("echo", true))

	// Missing required field.
	if _, err := reg.Call(context.Background(), "echo", json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected validation error for missing message")
	}
	// Wrong type.
	if _, err := reg.Call(context.Background(), "echo", json.RawMessage(`{"message":42}`)); err == nil {
		t.Fatal("expected validation error for non-string message")
	}
	// Malformed JSON.
	if _, err := reg.Call(context.Background(), "echo", json.RawMessage(`{`)); err == nil {
		t.Fatal("expected error for malformed JSON")
	}
}

func TestRegistryUnknownTool(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Call(context.Background(), "nope", nil)
	if err == nil || !strings.Contains(err.Error(), "unknown tool") {
		t.Fatalf("err = %v, want unknown tool", err)
	}
}

func TestRegistryDuplicate(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(echoTool("echo", true))
	if err := reg.Register(echoTool("echo", true)); err == nil {
		t.Fatal("expected duplicate registration error")
	}
}

func TestRegistryWithout(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(echoTool("a", true))
	reg.MustRegister(echoTool("b", false))
	reg.MustRegister(echoTool("c", false))

	child := reg.Without("b", "c")
	if _, ok := child.Lookup("a"); !ok {
		t.Fatal("a should survive Without")
	}
	if _, ok := child.Lookup("b"); ok {
		t.Fatal("b should be removed")
	}
	// Parent untouched.
	if _, ok := reg.Lookup("b"); !ok {
		t.Fatal("parent registry mutated")
	}
}

func TestRegistryReadOnly(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(echoTool("ro", true))
	reg.MustRegister(echoTool("rw", false))
	if !reg.ReadOnly("ro") {
		t.Error("ro should be read-only")
	}
	if reg.ReadOnly("rw") || reg.ReadOnly("missing") {
		t.Error("rw and unknown tools must not be read-only")
	}
}

func TestRegistryDefsSorted(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(echoTool("zeta", false))
	reg.MustRegister(echoTool("alpha", false))
	defs := reg.Defs()
	if len(defs) != 2 || defs[0].Name != "alpha" || defs[1].Name != "zeta" {
		t.Fatalf("defs = %+v", defs)
	}
}
