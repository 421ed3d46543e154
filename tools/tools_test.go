package tools

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/parley-dev/parley/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTool is a scriptable registry entry.
type fakeTool struct {
	name    string
	execute func(ctx context.Context, args map[string]interface{}) (string, error)
}

func (f *fakeTool) Name() string        { return f.name }
func (f *fakeTool) Description() string { return "fake tool " + f.name }
func (f *fakeTool) Schema() Schema      { return Schema{} }
func (f *fakeTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	if f.execute == nil {
		return "ok", nil
	}
	return f.execute(ctx, args)
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&fakeTool{name: "echo"}))
	err := r.Register(&fakeTool{name: "echo"})
	require.ErrorIs(t, err, ErrDuplicateTool)
}

func TestDispatchSuccess(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&fakeTool{name: "echo", execute: func(ctx context.Context, args map[string]interface{}) (string, error) {
		return args["text"].(string), nil
	}}))

	res := r.Dispatch(context.Background(), "echo", map[string]interface{}{"text": "hi"})
	assert.False(t, res.IsError)
	assert.Equal(t, "hi", res.Text())
}

func TestDispatchUnknownToolIsErrorResult(t *testing.T) {
	r := NewRegistry()
	res := r.Dispatch(context.Background(), "missing", nil)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Text(), "missing")
}

func TestDispatchHandlerErrorIsErrorResult(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&fakeTool{name: "broken", execute: func(ctx context.Context, args map[string]interface{}) (string, error) {
		return "", os.ErrPermission
	}}))

	res := r.Dispatch(context.Background(), "broken", nil)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Text(), "broken")
}

func TestDispatchRecoversPanics(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&fakeTool{name: "bomb", execute: func(ctx context.Context, args map[string]interface{}) (string, error) {
		panic("kaboom")
	}}))

	res := r.Dispatch(context.Background(), "bomb", nil)
	require.True(t, res.IsError)
	assert.Contains(t, res.Text(), "kaboom")
}

func TestListIsSorted(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, r.Register(&fakeTool{name: name}))
	}
	list := r.List()
	require.Len(t, list, 3)
	assert.Equal(t, "alpha", list[0].Name)
	assert.Equal(t, "mid", list[1].Name)
	assert.Equal(t, "zeta", list[2].Name)
}

func TestActiveToolsResolvesNames(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&fakeTool{name: "read_file"}))
	require.NoError(t, r.Register(&fakeTool{name: "write_file"}))

	active, err := r.ActiveTools(&config.Toolset{Name: "t", Tools: []string{"read_file"}})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "read_file", active[0].Name())
}

func TestActiveToolsUnknownNameFails(t *testing.T) {
	r := NewRegistry()
	_, err := r.ActiveTools(&config.Toolset{Name: "t", Tools: []string{"ghost"}})
	require.Error(t, err)
}

func TestActiveToolsServerWildcard(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&fakeTool{name: "gopls.definition"}))
	require.NoError(t, r.Register(&fakeTool{name: "gopls.references"}))
	require.NoError(t, r.Register(&fakeTool{name: "other.tool"}))

	active, err := r.ActiveTools(&config.Toolset{Name: "t", Tools: []string{"gopls.*"}})
	require.NoError(t, err)
	require.Len(t, active, 2)

	names := []string{active[0].Name(), active[1].Name()}
	assert.Contains(t, names, "gopls.definition")
	assert.Contains(t, names, "gopls.references")
}

func TestReadFileTool(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "note.txt")
	require.NoError(t, os.WriteFile(path, []byte("contents"), 0o644))

	tool := NewReadFileTool(&config.FilesystemAccess{})
	out, err := tool.Execute(context.Background(), map[string]interface{}{"path": path})
	require.NoError(t, err)
	assert.Equal(t, "contents", out)

	_, err = tool.Execute(context.Background(), map[string]interface{}{})
	require.Error(t, err)
}

func TestReadFileToolHiddenPath(t *testing.T) {
	tool := NewReadFileTool(&config.FilesystemAccess{Hidden: []string{"**/.env"}})
	_, err := tool.Execute(context.Background(), map[string]interface{}{"path": "project/.env"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hidden")
}

func TestWriteFileTool(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.txt")

	tool := NewWriteFileTool(&config.FilesystemAccess{})
	_, err := tool.Execute(context.Background(), map[string]interface{}{"path": path, "content": "data"})
	require.NoError(t, err)

	written, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "data", string(written))
}

func TestWriteFileToolReadOnlyPath(t *testing.T) {
	tool := NewWriteFileTool(&config.FilesystemAccess{ReadOnly: []string{"**/*.lock"}})
	_, err := tool.Execute(context.Background(), map[string]interface{}{"path": "deps/go.lock", "content": "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read-only")
}

func TestListDirToolHidesRestrictedEntries(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "visible.txt"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "secret.key"), nil, 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))

	tool := NewListDirTool(&config.FilesystemAccess{Hidden: []string{"*.key"}})
	out, err := tool.Execute(context.Background(), map[string]interface{}{"path": dir})
	require.NoError(t, err)
	assert.Contains(t, out, "visible.txt")
	assert.Contains(t, out, "sub/")
	assert.NotContains(t, out, "secret.key")
}
