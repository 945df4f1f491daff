package mcp

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/deepnoodle-ai/stride"
	"github.com/deepnoodle-ai/stride/slogger"
)

// ServerConnection holds an initialized server and the tools discovered on it.
type ServerConnection struct {
	Client *Client
	Config *ServerConfig
	Tools  []stride.Tool
}

// Manager manages multiple MCP server connections and tool discovery.
type Manager struct {
	servers map[string]*ServerConnection
	tools   map[string]stride.Tool
	logger  slogger.Logger
	mutex   sync.RWMutex
}

// ManagerOptions configures a new MCP manager.
type ManagerOptions struct {
	Logger slogger.Logger
}

// NewManager creates a new MCP manager.
func NewManager(opts ...ManagerOptions) *Manager {
	m := &Manager{
		servers: make(map[string]*ServerConnection),
		tools:   make(map[string]stride.Tool),
		logger:  slogger.DefaultLogger,
	}
	if len(opts) > 0 && opts[0].Logger != nil {
		m.logger = opts[0].Logger
	}
	return m
}

// InitializeServers connects to and initializes all configured MCP servers.
func (m *Manager) InitializeServers(ctx context.Context, serverConfigs []*ServerConfig) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	for _, serverConfig := range serverConfigs {
		if err := m.initializeServer(ctx, serverConfig); err != nil {
			return fmt.Errorf("failed to initialize mcp server %s: %w", serverConfig.Name, err)
		}
	}
	return nil
}

// initializeServer initializes a single server connection. Servers already
// initialized are skipped silently.
func (m *Manager) initializeServer(ctx context.Context, serverConfig *ServerConfig) error {
	if _, exists := m.servers[serverConfig.Name]; exists {
		return nil
	}

	m.logger.Info("mcp server starting",
		"server", serverConfig.Name,
		"type", serverConfig.Type,
	)

	client, err := NewClient(serverConfig)
	if err != nil {
		return fmt.Errorf("failed to create mcp client: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to mcp server: %w", err)
	}
	mcpTools, err := client.ListTools(ctx)
	if err != nil {
		client.Close()
		return fmt.Errorf("failed to list mcp tools: %w", err)
	}

	// Tool names are global across servers. Two servers exposing the same
	// name would be ambiguous at plan execution time, so reject it.
	var tools []stride.Tool
	for _, mcpTool := range mcpTools {
		if _, exists := m.tools[mcpTool.Name]; exists {
			client.Close()
			return fmt.Errorf("mcp server %s has duplicate tool name %q",
				serverConfig.Name, mcpTool.Name)
		}
		adapter := NewToolAdapter(client, mcpTool, serverConfig.Name)
		tools = append(tools, adapter)
		m.tools[mcpTool.Name] = adapter
	}

	var toolNames []string
	for _, tool := range tools {
		toolNames = append(toolNames, tool.Name())
	}
	sort.Strings(toolNames)
	m.logger.Info("mcp server is ready",
		"server", serverConfig.Name,
		"type", serverConfig.Type,
		"tool_count", len(tools),
		"tool_names", toolNames,
	)

	m.servers[serverConfig.Name] = &ServerConnection{
		Client: client,
		Config: serverConfig,
		Tools:  tools,
	}
	return nil
}

// GetAllTools returns all tools from all connected MCP servers.
func (m *Manager) GetAllTools() map[string]stride.Tool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	result := make(map[string]stride.Tool, len(m.tools))
	for k, v := range m.tools {
		result[k] = v
	}
	return result
}

// GetToolsByServer returns the tools discovered on a specific server.
func (m *Manager) GetToolsByServer(serverName string) []stride.Tool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	if server, exists := m.servers[serverName]; exists {
		return server.Tools
	}
	return nil
}

// GetTool returns a specific tool by name.
func (m *Manager) GetTool(name string) stride.Tool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	return m.tools[name]
}

// RefreshTools re-discovers the tool list for all connected servers.
func (m *Manager) RefreshTools(ctx context.Context) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	for serverName, server := range m.servers {
		if !server.Client.IsConnected() {
			continue
		}
		mcpTools, err := server.Client.ListTools(ctx)
		if err != nil {
			return fmt.Errorf("failed to refresh tools for mcp server %s: %w", serverName, err)
		}

		for _, tool := range server.Tools {
			delete(m.tools, tool.Name())
		}
		var tools []stride.Tool
		for _, mcpTool := range mcpTools {
			adapter := NewToolAdapter(server.Client, mcpTool, serverName)
			tools = append(tools, adapter)
			m.tools[mcpTool.Name] = adapter
		}
		server.Tools = tools
	}
	return nil
}

// IsServerConnected checks if a specific server is connected.
func (m *Manager) IsServerConnected(serverName string) bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	if server, exists := m.servers[serverName]; exists {
		return server.Client.IsConnected()
	}
	return false
}

// ServerNames returns the names of all initialized servers.
func (m *Manager) ServerNames() []string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	names := make([]string, 0, len(m.servers))
	for name := range m.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close closes all MCP server connections.
func (m *Manager) Close() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	var firstErr error
	for serverName, server := range m.servers {
		if err := server.Client.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close mcp server %s: %w", serverName, err)
		}
	}
	m.servers = make(map[string]*ServerConnection)
	m.tools = make(map[string]stride.Tool)
	return firstErr
}
