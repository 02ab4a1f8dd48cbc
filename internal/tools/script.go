package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/seanchangg/dyno/internal/workspace"
)

const (
	scriptsDir       = "scripts"
	scriptTimeout    = 30 * time.Second
	maxScriptOutput  = 8 * 1024 // 8 KB
	scriptNameRegexp = `^[a-z0-9_-]+$`
)

// RegisterScriptTools adds save_script, run_script, and list_scripts.
// Scripts are shell files stored under scripts/ in the workspace and run
// with the workspace as working directory.
func RegisterScriptTools(reg *Registry, ws *workspace.Workspace) {
	reg.MustRegister(Tool{
		Name:        "save_script",
		Description: "Save a shell script under the workspace scripts directory for later runs.",
		Schema: objectSchema(map[string]any{
			"name":    map[string]any{"type": "string", "pattern": scriptNameRegexp, "description": "Script name (lowercase, no extension)."},
			"content": stringProp("The shell script body."),
		}, "name", "content"),
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			var in struct {
				Name    string `json:"name"`
				Content string `json:"content"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return "", err
			}
			if err := ws.Write(scriptFile(in.Name), in.Content); err != nil {
				return "", err
			}
			return fmt.Sprintf("Saved script %s.", in.Name), nil
		},
	})

	reg.MustRegister(Tool{
		Name:        "run_script",
		Description: "Run a previously saved script with sh. Output is truncated to 8KB. The script runs with the workspace as its working directory.",
		Schema: objectSchema(map[string]any{
			"name": map[string]any{"type": "string", "pattern": scriptNameRegexp, "description": "Name of a saved script."},
		}, "name"),
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			var in struct {
				Name string `json:"name"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return "", err
			}
			return runScript(ctx, ws, in.Name)
		},
	})

	reg.MustRegister(Tool{
		Name:        "list_scripts",
		Description: "List saved scripts.",
		ReadOnly:    true,
		Schema:      objectSchema(map[string]any{}),
		Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
			entries, err := ws.List(scriptsDir)
			if err != nil {
				return "No scripts saved yet.", nil
			}
			var names []string
			for _, e := range entries {
				if e.IsDir || !strings.HasSuffix(e.Name, ".sh") {
					continue
				}
				names = append(names, strings.TrimSuffix(e.Name, ".sh"))
			}
			if len(names) == 0 {
				return "No scripts saved yet.", nil
			}
			return strings.Join(names, "\n"), nil
		},
	})
}

func scriptFile(name string) string {
	return path.Join(scriptsDir, name+".sh")
}

func runScript(ctx context.Context, ws *workspace.Workspace, name string) (string, error) {
	rel := scriptFile(name)
	if !ws.Exists(rel) {
		return "", fmt.Errorf("no script named %q", name)
	}

	ctx, cancel := context.WithTimeout(ctx, scriptTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", filepath.Join(ws.Root(), rel))
	cmd.Dir = ws.Root()

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	runErr := cmd.Run()
	exitCode := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return "", fmt.Errorf("run script %s: %w", name, runErr)
		}
	}

	out := outBuf.String()
	if errBuf.Len() > 0 {
		out += "\n[stderr]\n" + errBuf.String()
	}
	if len(out) > maxScriptOutput {
		out = out[:maxScriptOutput] + "\n[output truncated]"
	}
	if exitCode != 0 {
		return fmt.Sprintf("exit code %d\n%s", exitCode, out), nil
	}
	if strings.TrimSpace(out) == "" {
		return "(no output)", nil
	}
	return out, nil
}
