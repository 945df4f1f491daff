package mcp

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

const initializeTimeout = 30 * time.Second

// Client wraps the mcp-go client library for a single configured server.
type Client struct {
	client             *client.Client
	config             *ServerConfig
	tools              []mcp.Tool
	serverCapabilities *mcp.ServerCapabilities
	connected          bool
}

// NewClient creates a client for the given server. The connection is not
// established until Connect is called.
func NewClient(cfg *ServerConfig) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{config: cfg}, nil
}

// Connect establishes the transport, starts the client, and initializes the
// MCP session.
func (c *Client) Connect(ctx context.Context) error {
	var err error
	switch c.config.Type {
	case "http":
		var opts []transport.StreamableHTTPCOption
		if len(c.config.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(c.config.Headers))
		}
		c.client, err = client.NewStreamableHttpClient(c.config.URL, opts...)
	case "stdio":
		// Expand environment variable references in args and env values
		// before launching the server process.
		args := make([]string, len(c.config.Args))
		for i, arg := range c.config.Args {
			args[i] = os.ExpandEnv(arg)
		}
		env := make([]string, 0, len(c.config.Env))
		for key, value := range c.config.Env {
			env = append(env, fmt.Sprintf("%s=%s", key, os.ExpandEnv(value)))
		}
		c.client, err = client.NewStdioMCPClient(c.config.Command, env, args...)
	default:
		return fmt.Errorf("unsupported mcp server type: %s", c.config.Type)
	}
	if err != nil {
		return fmt.Errorf("failed to create mcp client for server %s: %w", c.config.Name, err)
	}
	if err := c.client.Start(ctx); err != nil {
		return fmt.Errorf("failed to start mcp client for server %s: %w", c.config.Name, err)
	}
	if err := c.initializeConnection(ctx); err != nil {
		return err
	}
	c.connected = true
	return nil
}

func (c *Client) initializeConnection(ctx context.Context) error {
	initCtx, cancel := context.WithTimeout(ctx, initializeTimeout)
	defer cancel()

	response, err := c.client.Initialize(initCtx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo: mcp.Implementation{
				Name:    "stride",
				Version: "1.0.0",
			},
		},
	})
	if err != nil {
		if initCtx.Err() == context.DeadlineExceeded {
			return NewError("initialize", c.config.Name,
				fmt.Errorf("timeout after %s: %w", initializeTimeout, ErrInitializationFailed))
		}
		return NewError("initialize", c.config.Name,
			fmt.Errorf("%w: %v", ErrInitializationFailed, err))
	}
	c.serverCapabilities = &response.Capabilities
	return nil
}

// ListTools retrieves the server's tools, filtered to the configured
// AllowedTools set.
func (c *Client) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	if !c.connected {
		return nil, NewError("list_tools", c.config.Name, ErrNotConnected)
	}
	response, err := c.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, NewError("list_tools", c.config.Name, err)
	}
	var tools []mcp.Tool
	for _, tool := range response.Tools {
		if c.config.ToolAllowed(tool.Name) {
			tools = append(tools, tool)
		}
	}
	c.tools = tools
	return tools, nil
}

// CallTool executes a tool on the server.
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]any) (*mcp.CallToolResult, error) {
	if !c.connected {
		return nil, NewError("call_tool", c.config.Name, ErrNotConnected)
	}
	response, err := c.client.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: arguments,
		},
	})
	if err != nil {
		return nil, NewError("call_tool", c.config.Name, err)
	}
	return response, nil
}

// Tools returns the cached tool list from the last ListTools call.
func (c *Client) Tools() []mcp.Tool {
	return c.tools
}

// ServerCapabilities returns the capabilities reported at initialization.
func (c *Client) ServerCapabilities() *mcp.ServerCapabilities {
	return c.serverCapabilities
}

// IsConnected reports whether Connect has completed successfully.
func (c *Client) IsConnected() bool {
	return c.connected
}

// Close shuts down the client connection.
func (c *Client) Close() error {
	if c.client == nil || !c.connected {
		return nil
	}
	c.connected = false
	return c.client.Close()
}
