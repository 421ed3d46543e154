package tools

import (
	"context"

	"github.com/parley-dev/parley/config"
	"github.com/parley-dev/parley/logging"
	"github.com/parley-dev/parley/tools/mcp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// mcpAdapter fits a remote MCP tool to the local Tool interface.
type mcpAdapter struct {
	*mcp.Tool
}

// Schema advertises a generic object; MCP servers validate their own
// arguments.
func (a mcpAdapter) Schema() Schema {
	return Schema{Properties: map[string]Property{}}
}

// StartMCPServers launches the configured MCP server subprocesses in
// parallel and registers every tool they provide. A server that fails to
// start fails the whole startup; half-initialized servers are stopped.
func (r *Registry) StartMCPServers(ctx context.Context, servers []config.MCPServer) error {
	if len(servers) == 0 {
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		srv := srv
		g.Go(func() error {
			client, err := mcp.NewClient(ctx, srv.Name, srv.Command, srv.Args)
			if err != nil {
				return err
			}
			r.mcpMu.Lock()
			defer r.mcpMu.Unlock()
			r.mcpClients = append(r.mcpClients, client)
			for _, t := range client.Tools() {
				if err := r.Register(mcpAdapter{t}); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		r.StopMCPServers()
		return err
	}
	return nil
}

// StopMCPServers terminates every MCP server subprocess.
func (r *Registry) StopMCPServers() {
	r.mcpMu.Lock()
	clients := r.mcpClients
	r.mcpClients = nil
	r.mcpMu.Unlock()
	for _, c := range clients {
		if err := c.Stop(); err != nil {
			logging.Named("mcp").Warn("failed to stop MCP server", zap.String("server", c.Name), zap.Error(err))
		}
	}
}
