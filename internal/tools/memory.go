package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/seanchangg/dyno/internal/workspace"
)

const memoryDir = "memory"

var tagPattern = `^[a-z0-9_-]+$`

// RegisterMemoryTools adds the memory tools backed by the user workspace.
// Memories live as markdown files under memory/, one file per tag, each
// entry prefixed with its date.
func RegisterMemoryTools(reg *Registry, ws *workspace.Workspace) {
	reg.MustRegister(Tool{
		Name:        "save_memory",
		Description: "Save a memory for later recall. Provide the content and one or more lowercase tags; the memory is appended under each tag.",
		Schema: objectSchema(map[string]any{
			"content": stringProp("The memory text to save."),
			"tags": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string", "pattern": tagPattern},
				"description": "Lowercase tags to file the memory under. Defaults to [\"general\"].",
			},
		}, "content"),
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			var in struct {
				Content string   `json:"content"`
				Tags    []string `json:"tags"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return "", err
			}
			if strings.TrimSpace(in.Content) == "" {
				return "", fmt.Errorf("memory content must be non-empty")
			}
			if len(in.Tags) == 0 {
				in.Tags = []string{"general"}
			}
			entry := fmt.Sprintf("\n## %s\n\n%s\n", time.Now().UTC().Format("2006-01-02 15:04"), strings.TrimSpace(in.Content))
			for _, tag := range in.Tags {
				if err := ws.Append(tagFile(tag), entry); err != nil {
					return "", err
				}
			}
			return fmt.Sprintf("Saved memory under tags: %s", strings.Join(in.Tags, ", ")), nil
		},
	})

	reg.MustRegister(Tool{
		Name:        "recall_memories",
		Description: "Search saved memories by keyword. Returns matching lines with their tag file and line number.",
		ReadOnly:    true,
		Schema: objectSchema(map[string]any{
			"query": stringProp("Keyword or phrase to search for (case-insensitive)."),
		}, "query"),
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			var in struct {
				Query string `json:"query"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return "", err
			}
			hits, err := ws.Search(in.Query)
			if err != nil {
				return "", err
			}
			var b strings.Builder
			count := 0
			for _, h := range hits {
				if !strings.HasPrefix(h.Path, memoryDir+"/") {
					continue
				}
				fmt.Fprintf(&b, "%s:%d: %s\n", h.Path, h.Line, h.Content)
				count++
			}
			if count == 0 {
				return "No memories matched.", nil
			}
			return b.String(), nil
		},
	})

	reg.MustRegister(Tool{
		Name:        "append_memory",
		Description: "Append text to the memory file for a single tag.",
		Schema: objectSchema(map[string]any{
			"tag":     map[string]any{"type": "string", "pattern": tagPattern, "description": "The tag to append under."},
			"content": stringProp("The text to append."),
		}, "tag", "content"),
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			var in struct {
				Tag     string `json:"tag"`
				Content string `json:"content"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return "", err
			}
			if err := ws.Append(tagFile(in.Tag), "\n"+strings.TrimSpace(in.Content)+"\n"); err != nil {
				return "", err
			}
			return fmt.Sprintf("Appended to %s.", in.Tag), nil
		},
	})

	reg.MustRegister(Tool{
		Name:        "edit_memory",
		Description: "Replace text inside the memory file for a tag. The old text must appear exactly once to be replaced.",
		Schema: objectSchema(map[string]any{
			"tag": map[string]any{"type": "string", "pattern": tagPattern, "description": "The tag whose memory file to edit."},
			"old": stringProp("The exact text to replace."),
			"new": stringProp("The replacement text."),
		}, "tag", "old", "new"),
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			var in struct {
				Tag string `json:"tag"`
				Old string `json:"old"`
				New string `json:"new"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return "", err
			}
			if err := ws.Modify(tagFile(in.Tag), in.Old, in.New); err != nil {
				return "", err
			}
			return fmt.Sprintf("Edited memory %s.", in.Tag), nil
		},
	})

	reg.MustRegister(Tool{
		Name:        "list_memory_tags",
		Description: "List all memory tags that have saved entries.",
		ReadOnly:    true,
		Schema:      objectSchema(map[string]any{}),
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			entries, err := ws.List(memoryDir)
			if err != nil {
				return "No memories saved yet.", nil
			}
			var tags []string
			for _, e := range entries {
				if e.IsDir || !strings.HasSuffix(e.Name, ".md") {
					continue
				}
				tags = append(tags, strings.TrimSuffix(e.Name, ".md"))
			}
			if len(tags) == 0 {
				return "No memories saved yet.", nil
			}
			return strings.Join(tags, "\n"), nil
		},
	})
}

func tagFile(tag string) string {
	return path.Join(memoryDir, tag+".md")
}
