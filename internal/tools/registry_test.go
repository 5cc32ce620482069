package tools

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoTool() *Definition {
	return &Definition{
		Name:        "echo",
		Capability:  "test.echo",
		Description: "Echo back the input.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text":  map[string]any{"type": "string"},
				"count": map[string]any{"type": "integer"},
			},
			"required": []any{"text"},
		},
		Executor: func(_ context.Context, args map[string]any) (any, error) {
			return args["text"], nil
		},
	}
}

func TestRegistryLookupAndManifest(t *testing.T) {
	r := NewRegistry(echoTool(), NewShellRunTool(0))

	d, err := r.Get("echo")
	require.NoError(t, err)
	assert.Equal(t, "test.echo", d.Capability)

	_, err = r.Get("nope")
	var unknown *UnknownToolError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "nope", unknown.Name)

	manifest := r.Manifest()
	require.Len(t, manifest, 2)
	assert.Equal(t, "echo", manifest[0].Function.Name)
	assert.Equal(t, "shell_run", manifest[1].Function.Name)
}

func TestValidateMissingArgs(t *testing.T) {
	d := echoTool()
	err := d.Validate(map[string]any{"count": float64(2)})
	var argsErr *ArgsError
	require.ErrorAs(t, err, &argsErr)
	assert.Equal(t, "missing_args", argsErr.Code)
	assert.Equal(t, []string{"text"}, argsErr.Missing)
}

func TestValidateSchemaViolation(t *testing.T) {
	d := echoTool()
	err := d.Validate(map[string]any{"text": "hi", "count": "not a number"})
	var argsErr *ArgsError
	require.ErrorAs(t, err, &argsErr)
	assert.Equal(t, "invalid_args", argsErr.Code)
}

func TestExecute(t *testing.T) {
	r := NewRegistry(echoTool())
	got, err := r.Execute(context.Background(), "echo", map[string]any{"text": "hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello", got)

	_, err = r.Execute(context.Background(), "echo", map[string]any{})
	assert.Error(t, err)
}

func TestShellEscalation(t *testing.T) {
	d := NewShellRunTool(time.Second)
	assert.Equal(t, "shell.run", d.EffectiveCapability(map[string]any{"command": "ls -la"}))
	assert.Equal(t, "shell.write", d.EffectiveCapability(map[string]any{"command": "echo hi > /tmp/f"}))
	assert.Equal(t, "shell.write", d.EffectiveCapability(map[string]any{"command": "cat a >> b"}))
}

func TestShellRunCapturesOutput(t *testing.T) {
	d := NewShellRunTool(5 * time.Second)
	got, err := d.Executor(context.Background(), map[string]any{"command": "echo out; echo err 1>&2"})
	require.NoError(t, err)
	m := got.(map[string]any)
	assert.Equal(t, true, m["ok"])
	assert.Equal(t, "out\n", m["stdout"])
	assert.Equal(t, "err\n", m["stderr"])
}

func TestShellRunNonZeroExit(t *testing.T) {
	d := NewShellRunTool(5 * time.Second)
	got, err := d.Executor(context.Background(), map[string]any{"command": "exit 3"})
	require.NoError(t, err)
	m := got.(map[string]any)
	assert.Equal(t, false, m["ok"])
	assert.Equal(t, 3, m["returncode"])
}

func TestFilesystemToolsConfinement(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello"), 0o644))

	read := NewFilesystemReadTool(root)
	got, err := read.Executor(context.Background(), map[string]any{"path": "a.txt"})
	require.NoError(t, err)
	m := got.(map[string]any)
	assert.Equal(t, true, m["ok"])
	assert.Equal(t, "hello", m["content"])

	got, err = read.Executor(context.Background(), map[string]any{"path": "../outside.txt"})
	require.NoError(t, err)
	m = got.(map[string]any)
	assert.Equal(t, false, m["ok"])

	list := NewFilesystemListTool(root)
	got, err = list.Executor(context.Background(), map[string]any{"path": "."})
	require.NoError(t, err)
	m = got.(map[string]any)
	assert.Equal(t, true, m["ok"])
}

func TestFilesystemWritePreviewIsDiff(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("old content\n"), 0o644))

	write := NewFilesystemWriteTool(root)
	preview := PreviewFor(write, map[string]any{"path": "f.txt", "content": "new content\n"})
	assert.Contains(t, preview, "f.txt")
	assert.Contains(t, preview, "@@")

	got, err := write.Executor(context.Background(), map[string]any{"path": "f.txt", "content": "new content\n"})
	require.NoError(t, err)
	assert.Equal(t, true, got.(map[string]any)["ok"])

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "new content\n", string(data))
}

func TestArgsPreviewTruncation(t *testing.T) {
	big := make([]byte, maxPreviewBytes*2)
	for i := range big {
		big[i] = 'x'
	}
	d := echoTool()
	preview := PreviewFor(d, map[string]any{"text": string(big)})
	assert.Contains(t, preview, "truncated")
}

func TestRegistryExecuteUnknownTool(t *testing.T) {
	r := NewRegistry()
	_, err := r.Execute(context.Background(), "ghost", nil)
	var unknown *UnknownToolError
	assert.True(t, errors.As(err, &unknown))
}

func TestEditPatchApplyAndPreview(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "notes.txt")
	old := "alpha\nbeta\ngamma\n"
	require.NoError(t, os.WriteFile(path, []byte(old), 0o644))

	updated := "alpha\nBETA\ngamma\n"
	dmp := diffmatchpatch.New()
	patch := dmp.PatchToText(dmp.PatchMake(old, updated))

	def := NewEditPatchTool(root)
	args := map[string]any{"path": "notes.txt", "patch": patch}

	preview := PreviewFor(def, args)
	assert.Contains(t, preview, "notes.txt")
	assert.Contains(t, preview, "@@")

	out, err := def.Executor(context.Background(), args)
	require.NoError(t, err)
	result := out.(map[string]any)
	assert.Equal(t, true, result["ok"])
	assert.Equal(t, true, result["changed"])

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, updated, string(data))
}

func TestEditPatchMissingFile(t *testing.T) {
	def := NewEditPatchTool(t.TempDir())
	out, err := def.Executor(context.Background(), map[string]any{"path": "absent.txt", "patch": ""})
	require.NoError(t, err)
	result := out.(map[string]any)
	assert.Equal(t, false, result["ok"])
}

func TestEditPatchBadPatchText(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "f.txt"), []byte("x\n"), 0o644))
	def := NewEditPatchTool(root)
	out, err := def.Executor(context.Background(), map[string]any{"path": "f.txt", "patch": "@@ nonsense"})
	require.NoError(t, err)
	result := out.(map[string]any)
	assert.Equal(t, false, result["ok"])
	assert.Contains(t, result["error"].(string), "patch")
}
