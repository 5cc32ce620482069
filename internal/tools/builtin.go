package tools

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/SimonBear03/agent-blob/internal/memory"
)

// Builtin tool construction. Every executor returns a plain map so results
// serialize straight into tool_result events; failures are reported inside
// the map with ok=false rather than as errors, matching how the model is
// expected to react to them.

func resolveWithin(root, path string) (string, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	resolved, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", err
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	if resolved != rootAbs && !strings.HasPrefix(resolved, rootAbs+string(filepath.Separator)) {
		return "", fmt.Errorf("access denied (outside allowed root): %s", resolved)
	}
	return resolved, nil
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

// NewFilesystemReadTool reads text files under root.
func NewFilesystemReadTool(root string) *Definition {
	return &Definition{
		Name:        "filesystem_read",
		Capability:  "filesystem.read",
		Description: "Read a text file within the allowed root.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{"type": "string", "description": "File path to read"},
			},
			"required": []any{"path"},
		},
		Executor: func(_ context.Context, args map[string]any) (any, error) {
			path, err := resolveWithin(root, stringArg(args, "path"))
			if err != nil {
				return map[string]any{"ok": false, "error": err.Error()}, nil
			}
			content, err := os.ReadFile(path)
			if err != nil {
				return map[string]any{"ok": false, "error": err.Error(), "path": path}, nil
			}
			return map[string]any{"ok": true, "path": path, "content": string(content)}, nil
		},
	}
}

// NewFilesystemListTool lists directory entries under root.
func NewFilesystemListTool(root string) *Definition {
	return &Definition{
		Name:        "filesystem_list",
		Capability:  "filesystem.list",
		Description: "List entries of a directory within the allowed root.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{"type": "string", "description": "Directory to list"},
			},
			"required": []any{"path"},
		},
		Executor: func(_ context.Context, args map[string]any) (any, error) {
			path, err := resolveWithin(root, stringArg(args, "path"))
			if err != nil {
				return map[string]any{"ok": false, "error": err.Error()}, nil
			}
			entries, err := os.ReadDir(path)
			if err != nil {
				return map[string]any{"ok": false, "error": err.Error(), "path": path}, nil
			}
			listed := make([]map[string]any, 0, len(entries))
			for _, e := range entries {
				listed = append(listed, map[string]any{"name": e.Name(), "is_dir": e.IsDir()})
			}
			return map[string]any{"ok": true, "path": path, "entries": listed}, nil
		},
	}
}

// NewFilesystemWriteTool writes files under root. Its permission preview is
// a patch against the current file content.
func NewFilesystemWriteTool(root string) *Definition {
	return &Definition{
		Name:        "filesystem_write",
		Capability:  "filesystem.write",
		Description: "Write a text file within the allowed root (requires permission).",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":    map[string]any{"type": "string", "description": "File path to write"},
				"content": map[string]any{"type": "string", "description": "Full new file content"},
			},
			"required": []any{"path", "content"},
		},
		Preview: func(args map[string]any) string {
			path, err := resolveWithin(root, stringArg(args, "path"))
			if err != nil {
				return ""
			}
			old, _ := os.ReadFile(path)
			return diffPreview(path, string(old), stringArg(args, "content"))
		},
		Executor: func(_ context.Context, args map[string]any) (any, error) {
			path, err := resolveWithin(root, stringArg(args, "path"))
			if err != nil {
				return map[string]any{"ok": false, "error": err.Error()}, nil
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return map[string]any{"ok": false, "error": err.Error(), "path": path}, nil
			}
			content := stringArg(args, "content")
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				return map[string]any{"ok": false, "error": err.Error(), "path": path}, nil
			}
			return map[string]any{"ok": true, "path": path, "bytes": len(content)}, nil
		},
	}
}

// shellNeedsWrite reports whether a command redirects output somewhere.
func shellNeedsWrite(command string) bool {
	return strings.ContainsAny(command, ">") || strings.Contains(command, "tee ")
}

// NewShellRunTool runs a shell command with a bounded timeout. Commands that
// redirect output escalate from shell.run to shell.write.
func NewShellRunTool(timeout time.Duration) *Definition {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Definition{
		Name:        "shell_run",
		Capability:  "shell.run",
		Description: "Run a shell command (requires permission).",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command": map[string]any{"type": "string", "description": "Shell command to run"},
			},
			"required": []any{"command"},
		},
		Escalate: func(args map[string]any) string {
			if shellNeedsWrite(stringArg(args, "command")) {
				return "shell.write"
			}
			return ""
		},
		Preview: func(args map[string]any) string {
			return "$ " + stringArg(args, "command")
		},
		Executor: func(ctx context.Context, args map[string]any) (any, error) {
			command := stringArg(args, "command")
			runCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", command)
			var stdout, stderr bytes.Buffer
			cmd.Stdout = &stdout
			cmd.Stderr = &stderr
			err := cmd.Run()
			if runCtx.Err() == context.DeadlineExceeded {
				return map[string]any{"ok": false, "error": fmt.Sprintf("timeout after %s", timeout)}, nil
			}
			code := 0
			if err != nil {
				if exitErr, ok := err.(*exec.ExitError); ok {
					code = exitErr.ExitCode()
				} else {
					return map[string]any{"ok": false, "error": err.Error()}, nil
				}
			}
			return map[string]any{
				"ok":         code == 0,
				"returncode": code,
				"stdout":     stdout.String(),
				"stderr":     stderr.String(),
			}, nil
		},
	}
}

// NewMemorySearchTool exposes hybrid memory retrieval to the model.
func NewMemorySearchTool(search *memory.Search) *Definition {
	return &Definition{
		Name:        "memory_search",
		Capability:  "memory.search",
		Description: "Search structured long-term memory items.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string", "description": "Search query"},
				"limit": map[string]any{"type": "integer", "description": "Max results", "default": 5},
			},
			"required": []any{"query"},
		},
		Executor: func(ctx context.Context, args map[string]any) (any, error) {
			query := strings.TrimSpace(stringArg(args, "query"))
			limit := 5
			if f, ok := args["limit"].(float64); ok && f > 0 {
				limit = int(f)
			}
			items, err := search.Search(ctx, query, limit)
			if err != nil {
				return map[string]any{"ok": false, "error": err.Error()}, nil
			}
			results := make([]map[string]any, 0, len(items))
			for _, m := range items {
				results = append(results, map[string]any{
					"id":         m.ID,
					"type":       string(m.Type),
					"content":    m.Content,
					"context":    m.Context,
					"importance": m.Importance,
					"tags":       m.Tags,
				})
			}
			return map[string]any{"ok": true, "results": results}, nil
		},
	}
}

// dryApplyPatch applies a patch in diff-match-patch text format to the file's
// current content without writing. Returns the resolved path and both texts.
func dryApplyPatch(root string, args map[string]any) (resolved, old, updated string, err error) {
	resolved, err = resolveWithin(root, stringArg(args, "path"))
	if err != nil {
		return "", "", "", err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", "", "", err
	}
	old = string(data)

	dmp := diffmatchpatch.New()
	patches, err := dmp.PatchFromText(stringArg(args, "patch"))
	if err != nil {
		return "", "", "", fmt.Errorf("parse patch: %w", err)
	}
	updated, applied := dmp.PatchApply(patches, old)
	for i, ok := range applied {
		if !ok {
			return "", "", "", fmt.Errorf("hunk %d did not apply", i+1)
		}
	}
	return resolved, old, updated, nil
}

// NewEditPatchTool applies a textual patch to an existing file under root.
// The permission preview shows the dry-applied change as a diff.
func NewEditPatchTool(root string) *Definition {
	return &Definition{
		Name:        "edit_patch",
		Capability:  "filesystem.write",
		Description: "Apply a patch (diff-match-patch text format) to an existing file within the allowed root.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":  map[string]any{"type": "string", "description": "File to patch"},
				"patch": map[string]any{"type": "string", "description": "Patch text"},
			},
			"required": []any{"path", "patch"},
		},
		Preview: func(args map[string]any) string {
			resolved, old, updated, err := dryApplyPatch(root, args)
			if err != nil {
				return fmt.Sprintf("patch %s: %s", stringArg(args, "path"), err.Error())
			}
			return diffPreview(resolved, old, updated)
		},
		Executor: func(_ context.Context, args map[string]any) (any, error) {
			resolved, old, updated, err := dryApplyPatch(root, args)
			if err != nil {
				return map[string]any{"ok": false, "error": err.Error()}, nil
			}
			if updated == old {
				return map[string]any{"ok": true, "path": resolved, "changed": false}, nil
			}
			if err := os.WriteFile(resolved, []byte(updated), 0o644); err != nil {
				return map[string]any{"ok": false, "error": err.Error(), "path": resolved}, nil
			}
			return map[string]any{"ok": true, "path": resolved, "changed": true, "bytes": len(updated)}, nil
		},
	}
}
