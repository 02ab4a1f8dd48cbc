package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/seanchangg/dyno/internal/workspace"
)

// RegisterFileTools adds the workspace file tools. All paths are relative
// to the user's workspace root; traversal outside it is blocked by the
// workspace layer.
func RegisterFileTools(reg *Registry, ws *workspace.Workspace) {
	reg.MustRegister(Tool{
		Name:        "read_file",
		Description: "Read a file from the workspace. Path is relative to the workspace root.",
		ReadOnly:    true,
		Schema: objectSchema(map[string]any{
			"path": stringProp("Workspace-relative file path."),
		}, "path"),
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			var in struct {
				Path string `json:"path"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return "", err
			}
			return ws.Read(in.Path)
		},
	})

	reg.MustRegister(Tool{
		Name:        "write_file",
		Description: "Write content to a workspace file, replacing any existing content. Parent directories are created as needed.",
		Schema: objectSchema(map[string]any{
			"path":    stringProp("Workspace-relative file path."),
			"content": stringProp("The full file content to write."),
		}, "path", "content"),
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			var in struct {
				Path    string `json:"path"`
				Content string `json:"content"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return "", err
			}
			if err := ws.Write(in.Path, in.Content); err != nil {
				return "", err
			}
			return fmt.Sprintf("Wrote %d bytes to %s.", len(in.Content), in.Path), nil
		},
	})

	reg.MustRegister(Tool{
		Name:        "modify_file",
		Description: "Replace the first occurrence of old_text with new_text in a workspace file. Fails if old_text is not present.",
		Schema: objectSchema(map[string]any{
			"path":     stringProp("Workspace-relative file path."),
			"old_text": stringProp("The exact text to replace."),
			"new_text": stringProp("The replacement text."),
		}, "path", "old_text", "new_text"),
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			var in struct {
				Path    string `json:"path"`
				OldText string `json:"old_text"`
				NewText string `json:"new_text"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return "", err
			}
			if err := ws.Modify(in.Path, in.OldText, in.NewText); err != nil {
				return "", err
			}
			return fmt.Sprintf("Modified %s.", in.Path), nil
		},
	})

	reg.MustRegister(Tool{
		Name:        "list_files",
		Description: "List workspace directory entries. Defaults to the workspace root.",
		ReadOnly:    true,
		Schema: objectSchema(map[string]any{
			"dir": stringProp("Workspace-relative directory. Defaults to the root."),
		}),
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			var in struct {
				Dir string `json:"dir"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return "", err
			}
			if in.Dir == "" {
				in.Dir = "."
			}
			entries, err := ws.List(in.Dir)
			if err != nil {
				return "", err
			}
			if len(entries) == 0 {
				return "(empty)", nil
			}
			var b strings.Builder
			for _, e := range entries {
				if e.IsDir {
					fmt.Fprintf(&b, "%s/\n", e.Name)
				} else {
					fmt.Fprintf(&b, "%s (%d bytes)\n", e.Name, e.Size)
				}
			}
			return b.String(), nil
		},
	})
}
