// Package workspace provides the per-user sandboxed filesystem the agents
// operate in. Every user gets a directory tree under the gateway data dir;
// all tool file access is confined to it via traversal protection.
package workspace

import (
	"bufio"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

const (
	maxReadBytes   = 1 * 1024 * 1024 // 1 MB
	maxListEntries = 500
	maxSearchDepth = 4
	maxSearchHits  = 100
)

// FileInfo describes a single directory entry.
type FileInfo struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size"`
}

// SearchHit describes a single search match.
type SearchHit struct {
	Path    string `json:"path"`
	Line    int    `json:"line"`
	Content string `json:"content"`
}

// Workspace is a sandboxed file tree rooted at rootDir.
type Workspace struct {
	rootDir string
}

// New creates a Workspace rooted at rootDir, creating the directory if
// needed.
func New(rootDir string) (*Workspace, error) {
	abs, err := filepath.Abs(rootDir)
	if err != nil {
		return nil, fmt.Errorf("workspace: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("workspace: create root dir: %w", err)
	}
	// Resolve symlinks in root so prefix checks compare canonical paths.
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("workspace: eval symlinks on root: %w", err)
	}
	return &Workspace{rootDir: resolved}, nil
}

// Root returns the canonical workspace root.
func (w *Workspace) Root() string {
	return w.rootDir
}

// resolve validates that path stays within the workspace root and returns
// the absolute path.
func (w *Workspace) resolve(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("workspace: empty path")
	}

	cleaned := filepath.Clean(path)
	var full string
	if filepath.IsAbs(cleaned) {
		full = cleaned
	} else {
		full = filepath.Join(w.rootDir, cleaned)
	}

	abs, err := filepath.Abs(full)
	if err != nil {
		return "", fmt.Errorf("workspace: resolve path: %w", err)
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		// New files do not exist yet; resolve from the deepest existing
		// ancestor instead.
		resolved, err = evalSymlinksPartial(abs)
		if err != nil {
			return "", fmt.Errorf("workspace: resolve symlinks: %w", err)
		}
	}

	if resolved != w.rootDir && !strings.HasPrefix(resolved, w.rootDir+string(filepath.Separator)) {
		return "", fmt.Errorf("workspace: path traversal blocked: %s", path)
	}
	return resolved, nil
}

// evalSymlinksPartial walks up from abs until it finds an existing ancestor,
// resolves symlinks on that ancestor, then re-appends the missing segments.
func evalSymlinksPartial(abs string) (string, error) {
	current := abs
	var trailing []string
	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			for i := len(trailing) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, trailing[i])
			}
			return resolved, nil
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", fmt.Errorf("no existing ancestor for %s", abs)
		}
		trailing = append(trailing, filepath.Base(current))
		current = parent
	}
}

// Read reads the contents of a file. Maximum size is 1 MB.
func (w *Workspace) Read(path string) (string, error) {
	resolved, err := w.resolve(path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("workspace: stat: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("workspace: path is a directory")
	}
	if info.Size() > maxReadBytes {
		return "", fmt.Errorf("workspace: file too large: %d bytes (max %d)", info.Size(), maxReadBytes)
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", fmt.Errorf("workspace: read: %w", err)
	}
	return string(data), nil
}

// Exists reports whether path refers to an existing file or directory
// inside the workspace.
func (w *Workspace) Exists(path string) bool {
	resolved, err := w.resolve(path)
	if err != nil {
		return false
	}
	_, err = os.Stat(resolved)
	return err == nil
}

// Write writes content to a file atomically (temp file + rename). Parent
// directories are created as needed.
func (w *Workspace) Write(path, content string) error {
	resolved, err := w.resolve(path)
	if err != nil {
		return err
	}
	dir := filepath.Dir(resolved)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("workspace: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".ws-*.tmp")
	if err != nil {
		return fmt.Errorf("workspace: create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("workspace: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("workspace: close temp: %w", err)
	}
	if err := os.Rename(tmpName, resolved); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("workspace: rename: %w", err)
	}
	return nil
}

// Append appends content to a file, creating it if it does not exist.
func (w *Workspace) Append(path, content string) error {
	resolved, err := w.resolve(path)
	if err != nil {
		return err
	}
	dir := filepath.Dir(resolved)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("workspace: mkdir: %w", err)
	}
	f, err := os.OpenFile(resolved, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("workspace: open append: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("workspace: append: %w", err)
	}
	return nil
}

// Modify replaces the first occurrence of old with new in the file at path.
// The old string must be present.
func (w *Workspace) Modify(path, old, new string) error {
	if old == "" {
		return fmt.Errorf("workspace: empty search string")
	}
	content, err := w.Read(path)
	if err != nil {
		return err
	}
	if !strings.Contains(content, old) {
		return fmt.Errorf("workspace: search string not found in %s", path)
	}
	return w.Write(path, strings.Replace(content, old, new, 1))
}

// List returns directory entries (max 500).
func (w *Workspace) List(dir string) ([]FileInfo, error) {
	resolved, err := w.resolve(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(resolved)
	if err != nil {
		return nil, fmt.Errorf("workspace: read dir: %w", err)
	}
	var result []FileInfo
	for i, entry := range entries {
		if i >= maxListEntries {
			break
		}
		info, err := entry.Info()
		var size int64
		if err == nil {
			size = info.Size()
		}
		result = append(result, FileInfo{
			Name:  entry.Name(),
			IsDir: entry.IsDir(),
			Size:  size,
		})
	}
	return result, nil
}

// Search performs a case-insensitive substring search across text files in
// the workspace, up to maxSearchDepth levels deep, skipping binary files.
func (w *Workspace) Search(query string) ([]SearchHit, error) {
	if query == "" {
		return nil, fmt.Errorf("workspace: empty search query")
	}
	lowerQuery := strings.ToLower(query)
	var hits []SearchHit

	err := filepath.WalkDir(w.rootDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // skip inaccessible entries
		}
		if len(hits) >= maxSearchHits {
			return fs.SkipAll
		}
		rel, relErr := filepath.Rel(w.rootDir, path)
		if relErr != nil {
			return nil
		}
		depth := 0
		if rel != "." {
			depth = strings.Count(rel, string(filepath.Separator)) + 1
		}
		if d.IsDir() {
			if depth > maxSearchDepth {
				return fs.SkipDir
			}
			return nil
		}
		if depth > maxSearchDepth {
			return nil
		}
		info, infoErr := d.Info()
		if infoErr != nil || info.Size() > maxReadBytes {
			return nil
		}

		f, fErr := os.Open(path)
		if fErr != nil {
			return nil
		}
		defer f.Close()

		scanner := bufio.NewScanner(f)
		lineNum := 0
		for scanner.Scan() {
			lineNum++
			line := scanner.Text()
			if !utf8.ValidString(line) {
				return nil // binary-looking file, skip entirely
			}
			if strings.Contains(strings.ToLower(line), lowerQuery) {
				hits = append(hits, SearchHit{
					Path:    rel,
					Line:    lineNum,
					Content: truncate(line, 200),
				})
				if len(hits) >= maxSearchHits {
					return fs.SkipAll
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("workspace: search walk: %w", err)
	}
	return hits, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
