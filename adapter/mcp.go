package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"

	mcp "github.com/metoro-io/mcp-golang"
	mcphttp "github.com/metoro-io/mcp-golang/transport/http"
	mcpstdio "github.com/metoro-io/mcp-golang/transport/stdio"

	"github.com/loomworks/loom/errs"
	"github.com/loomworks/loom/model"
	"github.com/loomworks/loom/registry"
)

var mcpToolRe = regexp.MustCompile(`^mcp://([^/]+)/([\w.-]+)$`)

// MCPAdapter serves mcp://server/tool ids. Server definitions come from the
// flow's mcp_servers block or the registry manager; stdio servers are spawned
// on first use and reused for the life of the adapter.
type MCPAdapter struct {
	manager *registry.Manager

	mu        sync.Mutex
	servers   map[string]model.MCPServerConfig
	clients   map[string]*mcp.Client
	processes map[string]*exec.Cmd
}

var _ Adapter = (*MCPAdapter)(nil)

// NewMCPAdapter creates an MCP adapter. manager may be nil when only
// flow-declared servers are used.
func NewMCPAdapter(manager *registry.Manager) *MCPAdapter {
	return &MCPAdapter{
		manager:   manager,
		servers:   map[string]model.MCPServerConfig{},
		clients:   map[string]*mcp.Client{},
		processes: map[string]*exec.Cmd{},
	}
}

func (a *MCPAdapter) ID() string { return "mcp" }

func (a *MCPAdapter) Manifest() *registry.Entry {
	return &registry.Entry{
		Type:        registry.TypeTool,
		Name:        "mcp",
		Description: "Dispatches mcp://server/tool calls over MCP",
	}
}

// RegisterServers makes a flow's mcp_servers block available for the run.
func (a *MCPAdapter) RegisterServers(servers map[string]model.MCPServerConfig) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for host, cfg := range servers {
		a.servers[host] = cfg
	}
}

func (a *MCPAdapter) Execute(ctx context.Context, tool string, args map[string]any) (map[string]any, error) {
	matches := mcpToolRe.FindStringSubmatch(tool)
	if len(matches) != 3 {
		return nil, errs.Adapter("invalid mcp tool id %q, want mcp://server/tool", tool)
	}
	host, toolName := matches[1], matches[2]

	client, err := a.client(ctx, host)
	if err != nil {
		return nil, err
	}

	toolsResp, err := client.ListTools(ctx, new(string))
	if err != nil {
		return nil, errs.Wrap(errs.KindAdapter, err, "listing tools on MCP server %q", host)
	}
	found := false
	for _, t := range toolsResp.Tools {
		if t.Name == toolName {
			found = true
			break
		}
	}
	if !found {
		return nil, errs.UnknownTool(tool)
	}

	resp, err := client.CallTool(ctx, toolName, args)
	if err != nil {
		return nil, errs.Wrap(errs.KindAdapter, err, "calling %q on MCP server %q", toolName, host)
	}
	if resp != nil && len(resp.Content) > 0 && resp.Content[0].TextContent != nil {
		return map[string]any{"text": resp.Content[0].TextContent.Text}, nil
	}
	b, _ := json.Marshal(resp)
	var out map[string]any
	_ = json.Unmarshal(b, &out)
	return out, nil
}

// client returns the cached client for host, connecting on first use.
func (a *MCPAdapter) client(ctx context.Context, host string) (*mcp.Client, error) {
	a.mu.Lock()
	if c, ok := a.clients[host]; ok {
		a.mu.Unlock()
		return c, nil
	}
	cfg, ok := a.servers[host]
	a.mu.Unlock()

	if !ok {
		loaded, err := a.lookupServer(ctx, host)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	var client *mcp.Client
	transport := cfg.Transport
	if transport == "" && cfg.Command != "" {
		transport = "stdio"
	}
	switch transport {
	case "stdio":
		stdin, stdout, err := a.spawn(host, cfg)
		if err != nil {
			return nil, err
		}
		client = mcp.NewClient(mcpstdio.NewStdioServerTransportWithIO(stdout, stdin))
		if _, err := client.Initialize(ctx); err != nil {
			return nil, errs.Wrap(errs.KindAdapter, err, "initializing MCP server %q", host)
		}
	case "http", "tcp", "":
		endpoint := cfg.Endpoint
		if endpoint == "" && cfg.Port > 0 {
			endpoint = fmt.Sprintf("http://localhost:%d", cfg.Port)
		}
		if endpoint == "" {
			if strings.HasPrefix(host, "localhost") || strings.HasPrefix(host, "127.0.0.1") {
				endpoint = "http://" + host
			} else {
				endpoint = "https://" + host
			}
		}
		client = mcp.NewClient(mcphttp.NewHTTPClientTransport("/mcp").WithBaseURL(endpoint))
	default:
		return nil, errs.Adapter("MCP server %q: unsupported transport %q", host, transport)
	}

	a.mu.Lock()
	a.clients[host] = client
	a.mu.Unlock()
	return client, nil
}

// lookupServer resolves a server definition from the registry manager.
func (a *MCPAdapter) lookupServer(ctx context.Context, host string) (model.MCPServerConfig, error) {
	if a.manager == nil {
		return model.MCPServerConfig{}, errs.Adapter("MCP server %q is not declared and no registry is configured", host)
	}
	entry, err := a.manager.Get(ctx, "mcp://"+host)
	if err != nil {
		return model.MCPServerConfig{}, errs.Wrap(errs.KindAdapter, err, "looking up MCP server %q", host)
	}
	if entry == nil || entry.Type != registry.TypeMCPServer {
		return model.MCPServerConfig{}, errs.Adapter("MCP server %q not found", host)
	}
	return model.MCPServerConfig{
		Command:   entry.Command,
		Args:      entry.Args,
		Env:       entry.Env,
		Transport: entry.Transport,
		Port:      entry.Port,
		Endpoint:  entry.Endpoint,
	}, nil
}

// spawn starts (or reuses) the stdio server process for host.
func (a *MCPAdapter) spawn(host string, cfg model.MCPServerConfig) (io.WriteCloser, io.ReadCloser, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, running := a.processes[host]; running {
		return nil, nil, errs.Adapter("MCP server %q already spawned without a client; restart the process", host)
	}
	if cfg.Command == "" {
		return nil, nil, errs.Adapter("MCP server %q has stdio transport but no command", host)
	}
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = os.Environ()
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, errs.Wrap(errs.KindAdapter, err, "MCP server %q: stdin pipe", host)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, errs.Wrap(errs.KindAdapter, err, "MCP server %q: stdout pipe", host)
	}
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, nil, errs.Wrap(errs.KindAdapter, err, "starting MCP server %q", host)
	}
	a.processes[host] = cmd
	return stdin, stdout, nil
}

// Close terminates spawned stdio server processes.
func (a *MCPAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for host, cmd := range a.processes {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		delete(a.processes, host)
		delete(a.clients, host)
	}
	return nil
}
