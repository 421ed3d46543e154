package tools

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/parley-dev/parley/config"
	"github.com/parley-dev/parley/errors"
)

// ReadFileTool reads a file, subject to the hidden-path globs.
type ReadFileTool struct {
	fsAccess *config.FilesystemAccess
}

func NewReadFileTool(fs *config.FilesystemAccess) *ReadFileTool { return &ReadFileTool{fsAccess: fs} }

func (t *ReadFileTool) Name() string { return "read_file" }
func (t *ReadFileTool) Description() string {
	return "Reads the entire content of a file. Args: path (string)."
}
func (t *ReadFileTool) Schema() Schema {
	return Schema{
		Required: []string{"path"},
		Properties: map[string]Property{
			"path": {Type: "string", Description: "Path of the file to read"},
		},
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	path, ok := args["path"].(string)
	if !ok {
		return "", errors.New("missing or invalid 'path' argument")
	}

	hidden, err := isPathRestricted(path, t.fsAccess.Hidden)
	if err != nil {
		return "", err
	}
	if hidden {
		return "", errors.New("access denied: path '%s' is hidden", path)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to read file '%s'", path)
	}
	return string(content), nil
}

// WriteFileTool replaces a file's content, subject to the hidden and
// read-only globs.
type WriteFileTool struct {
	fsAccess *config.FilesystemAccess
}

func NewWriteFileTool(fs *config.FilesystemAccess) *WriteFileTool { return &WriteFileTool{fsAccess: fs} }

func (t *WriteFileTool) Name() string { return "write_file" }
func (t *WriteFileTool) Description() string {
	return "Writes content to a file, replacing it entirely. Args: path (string), content (string)."
}
func (t *WriteFileTool) Schema() Schema {
	return Schema{
		Required: []string{"path", "content"},
		Properties: map[string]Property{
			"path":    {Type: "string", Description: "Path of the file to write"},
			"content": {Type: "string", Description: "Full new content of the file"},
		},
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	path, pathOk := args["path"].(string)
	content, contentOk := args["content"].(string)
	if !pathOk || !contentOk {
		return "", errors.New("missing or invalid 'path' or 'content' arguments")
	}

	hidden, err := isPathRestricted(path, t.fsAccess.Hidden)
	if err != nil {
		return "", err
	}
	if hidden {
		return "", errors.New("access denied: path '%s' is hidden", path)
	}

	readOnly, err := isPathRestricted(path, t.fsAccess.ReadOnly)
	if err != nil {
		return "", err
	}
	if readOnly {
		return "", errors.New("access denied: path '%s' is read-only", path)
	}

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", errors.Wrapf(err, "failed to write to file '%s'", path)
	}
	return fmt.Sprintf("Successfully wrote %d bytes to %s", len(content), path), nil
}

// ListDirTool lists a directory's entries, hiding restricted paths.
type ListDirTool struct {
	fsAccess *config.FilesystemAccess
}

func NewListDirTool(fs *config.FilesystemAccess) *ListDirTool { return &ListDirTool{fsAccess: fs} }

func (t *ListDirTool) Name() string { return "list_dir" }
func (t *ListDirTool) Description() string {
	return "Lists the entries of a directory. Args: path (string, defaults to '.')."
}
func (t *ListDirTool) Schema() Schema {
	return Schema{
		Properties: map[string]Property{
			"path": {Type: "string", Description: "Directory to list, defaults to the working directory"},
		},
	}
}

func (t *ListDirTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	path := "."
	if p, ok := args["path"].(string); ok && p != "" {
		path = p
	}

	hidden, err := isPathRestricted(path, t.fsAccess.Hidden)
	if err != nil {
		return "", err
	}
	if hidden {
		return "", errors.New("access denied: path '%s' is hidden", path)
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to list directory '%s'", path)
	}

	var names []string
	for _, e := range entries {
		name := e.Name()
		if restricted, _ := isPathRestricted(name, t.fsAccess.Hidden); restricted {
			continue
		}
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	out := ""
	for _, n := range names {
		out += n + "\n"
	}
	return out, nil
}
