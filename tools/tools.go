// Package tools defines the capability surface the model can invoke and
// the registry that dispatches calls against it.
package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/parley-dev/parley/config"
	"github.com/parley-dev/parley/errors"
	"github.com/parley-dev/parley/logging"
	"github.com/parley-dev/parley/session"
	"github.com/parley-dev/parley/tools/mcp"
	"go.uber.org/zap"
)

// ErrDuplicateTool is returned when registering a name twice.
var ErrDuplicateTool = fmt.Errorf("tool already registered")

// Property describes one parameter of a tool.
type Property struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

// Schema is the parameter schema advertised to the model.
type Schema struct {
	Required   []string            `json:"required,omitempty"`
	Properties map[string]Property `json:"properties,omitempty"`
}

// Tool defines the interface for any action the agent can take.
type Tool interface {
	Name() string
	Description() string
	Schema() Schema
	Execute(ctx context.Context, args map[string]interface{}) (string, error)
}

// ShellTool is implemented by tools whose execution is a shell command and
// must therefore pass the safety gate before dispatch.
type ShellTool interface {
	Tool
	// CommandFromArgs extracts the command the call would run.
	CommandFromArgs(args map[string]interface{}) (string, error)
}

// Descriptor is the registry's listing view of a tool.
type Descriptor struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Schema      Schema `json:"schema"`
}

// Registry holds all available tools. Safe for concurrent dispatch; writes
// happen at startup.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	logger *zap.Logger

	mcpMu      sync.Mutex
	mcpClients []*mcp.Client
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:  make(map[string]Tool),
		logger: logging.Named("tools"),
	}
}

// Register adds a tool. Registering an already-taken name fails.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		return errors.Wrapf(ErrDuplicateTool, "%s", t.Name())
	}
	r.tools[t.Name()] = t
	r.logger.Debug("registered tool", zap.String("tool", t.Name()))
	return nil
}

// Lookup returns a tool by name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns descriptors for every registered tool, sorted by name.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, Descriptor{Name: t.Name(), Description: t.Description(), Schema: t.Schema()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Dispatch executes a tool call and always returns a result, never an
// error: a failed tool call is a normal conversational outcome the model
// should see and react to. Unknown tools, handler errors and handler
// panics all fold into an error-flagged result.
func (r *Registry) Dispatch(ctx context.Context, name string, args map[string]interface{}) (result session.ToolResult) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("tool handler panicked", zap.String("tool", name), zap.Any("panic", rec))
			result = errorResult("tool '%s' failed: internal error: %v", name, rec)
		}
	}()

	t, ok := r.Lookup(name)
	if !ok {
		return errorResult("tool '%s' is not available", name)
	}

	out, err := t.Execute(ctx, args)
	if err != nil {
		r.logger.Warn("tool execution failed", zap.String("tool", name), zap.Error(err))
		return errorResult("tool '%s' failed: %v", name, err)
	}
	return session.ToolResult{Content: []session.ContentPart{session.TextPart(out)}}
}

func errorResult(format string, a ...interface{}) session.ToolResult {
	return session.ToolResult{
		IsError: true,
		Content: []session.ContentPart{session.TextPart(fmt.Sprintf(format, a...))},
	}
}

// ActiveTools resolves a toolset's names against the registry. MCP tools
// registered as "<server>.<tool>" can be selected with a "<server>.*"
// wildcard.
func (r *Registry) ActiveTools(ts *config.Toolset) ([]Tool, error) {
	var active []Tool
	seen := make(map[string]struct{})
	for _, name := range ts.Tools {
		if strings.HasSuffix(name, ".*") {
			prefix := strings.TrimSuffix(name, "*")
			for _, d := range r.List() {
				if strings.HasPrefix(d.Name, prefix) {
					if _, dup := seen[d.Name]; dup {
						continue
					}
					t, _ := r.Lookup(d.Name)
					active = append(active, t)
					seen[d.Name] = struct{}{}
				}
			}
			continue
		}
		t, ok := r.Lookup(name)
		if !ok {
			return nil, errors.New("tool '%s' from toolset '%s' is not registered", name, ts.Name)
		}
		if _, dup := seen[name]; dup {
			continue
		}
		active = append(active, t)
		seen[name] = struct{}{}
	}
	return active, nil
}

// isPathRestricted checks if a path matches any of the glob patterns.
func isPathRestricted(path string, patterns []string) (bool, error) {
	for _, pattern := range patterns {
		match, err := doublestar.PathMatch(pattern, path)
		if err != nil {
			return false, errors.Wrapf(err, "invalid glob pattern '%s'", pattern)
		}
		if match {
			return true, nil
		}
	}
	return false, nil
}
