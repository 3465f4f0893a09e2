package mcp

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ServerStatus tracks the health of an MCP server connection.
type ServerStatus string

const (
	ServerStatusDisconnected ServerStatus = "DISCONNECTED"
	ServerStatusConnecting   ServerStatus = "CONNECTING"
	ServerStatusReady        ServerStatus = "READY"
	ServerStatusError        ServerStatus = "ERROR"
)

// ServerConfig describes how to start a local MCP server.
type ServerConfig struct {
	Name    string   `json:"name"`           // Unique identifier
	Command string   `json:"command"`        // Executable (e.g., "npx", "python")
	Args    []string `json:"args,omitempty"` // Command arguments
}

// ServerEntry is a managed MCP server instance.
type ServerEntry struct {
	Config      ServerConfig     `json:"config"`
	Status      ServerStatus     `json:"status"`
	Info        ServerInfo       `json:"info,omitempty"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	Error       string           `json:"error,omitempty"`
	ConnectedAt time.Time        `json:"connected_at,omitempty"`

	client *Client // Active client connection.
}

// Registry manages the local MCP servers used for fallback execution.
type Registry struct {
	mu      sync.RWMutex
	servers map[string]*ServerEntry
}

// NewRegistry creates an MCP server registry.
func NewRegistry() *Registry {
	return &Registry{
		servers: make(map[string]*ServerEntry),
	}
}

// Add registers an MCP server config without connecting.
func (r *Registry) Add(config ServerConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.servers[config.Name] = &ServerEntry{
		Config: config,
		Status: ServerStatusDisconnected,
	}
}

// Connect spawns a registered server, performs the handshake and caches
// its tool list.
func (r *Registry) Connect(ctx context.Context, name string) error {
	r.mu.Lock()
	entry, ok := r.servers[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("server %q not registered", name)
	}
	entry.Status = ServerStatusConnecting
	cfg := entry.Config
	r.mu.Unlock()

	fail := func(err error) error {
		r.mu.Lock()
		entry.Status = ServerStatusError
		entry.Error = err.Error()
		r.mu.Unlock()
		return err
	}

	transport, err := NewStdioTransport(cfg.Command, cfg.Args...)
	if err != nil {
		return fail(fmt.Errorf("connect %q: %w", name, err))
	}

	client := NewClient(transport)
	if err := client.Initialize(ctx); err != nil {
		transport.Close()
		return fail(fmt.Errorf("initialize %q: %w", name, err))
	}

	tools, err := client.DiscoverTools(ctx)
	if err != nil {
		transport.Close()
		return fail(fmt.Errorf("discover tools %q: %w", name, err))
	}

	r.mu.Lock()
	entry.client = client
	entry.Status = ServerStatusReady
	entry.Info = client.ServerInfo()
	entry.Tools = tools
	entry.Error = ""
	entry.ConnectedAt = time.Now()
	r.mu.Unlock()

	return nil
}

// Disconnect closes the connection to a server.
func (r *Registry) Disconnect(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.servers[name]
	if !ok {
		return fmt.Errorf("server %q not registered", name)
	}

	if entry.client != nil {
		entry.client.Close()
		entry.client = nil
	}
	entry.Status = ServerStatusDisconnected
	entry.Tools = nil
	return nil
}

// DisconnectAll disconnects every connected server.
func (r *Registry) DisconnectAll() {
	r.mu.RLock()
	names := make([]string, 0, len(r.servers))
	for name, entry := range r.servers {
		if entry.Status == ServerStatusReady {
			names = append(names, name)
		}
	}
	r.mu.RUnlock()

	for _, name := range names {
		r.Disconnect(name)
	}
}

// CallTool invokes a tool on a specific server.
func (r *Registry) CallTool(ctx context.Context, serverName, toolName string, args map[string]any) (*ToolResult, error) {
	r.mu.RLock()
	entry, ok := r.servers[serverName]
	if !ok {
		r.mu.RUnlock()
		return nil, fmt.Errorf("server %q not registered", serverName)
	}
	if entry.Status != ServerStatusReady || entry.client == nil {
		r.mu.RUnlock()
		return nil, fmt.Errorf("server %q is not ready (status: %s)", serverName, entry.Status)
	}
	client := entry.client
	r.mu.RUnlock()

	return client.CallTool(ctx, toolName, args)
}

// FindTool searches all connected servers for a tool by name.
// Returns (serverName, toolDef, found).
func (r *Registry) FindTool(toolName string) (string, *ToolDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for name, entry := range r.servers {
		if entry.Status != ServerStatusReady {
			continue
		}
		for i := range entry.Tools {
			if entry.Tools[i].Name == toolName {
				return name, &entry.Tools[i], true
			}
		}
	}
	return "", nil, false
}

// Get returns a server entry by name.
func (r *Registry) Get(name string) *ServerEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.servers[name]
}

// ConnectedCount returns the number of servers in READY state.
func (r *Registry) ConnectedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, entry := range r.servers {
		if entry.Status == ServerStatusReady {
			count++
		}
	}
	return count
}

// Count returns total registered servers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.servers)
}
