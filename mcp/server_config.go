// Package mcp connects the engine to Model Context Protocol servers and
// exposes their tools as stride tools. Servers are configured declaratively,
// discovered at startup, and their tools registered alongside native ones.
package mcp

import "fmt"

// ServerConfig describes a single MCP server connection.
type ServerConfig struct {
	// Name identifies the server in logs and tool provenance.
	Name string `json:"name"`

	// Type selects the transport: "stdio" or "http".
	Type string `json:"type"`

	// Command is the executable to launch for stdio servers.
	Command string `json:"command,omitempty"`

	// Args are passed to the stdio server command. Environment variable
	// references in args are expanded before launch.
	Args []string `json:"args,omitempty"`

	// Env is added to the stdio server's environment.
	Env map[string]string `json:"env,omitempty"`

	// URL is the endpoint for http servers.
	URL string `json:"url,omitempty"`

	// Headers are sent with every request to an http server.
	Headers map[string]string `json:"headers,omitempty"`

	// AllowedTools restricts which server tools are exposed. Empty means
	// all tools are allowed.
	AllowedTools []string `json:"allowed_tools,omitempty"`
}

// Validate checks that the config names a server and carries the fields its
// transport type requires.
func (s *ServerConfig) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("mcp server name is required")
	}
	switch s.Type {
	case "stdio":
		if s.Command == "" {
			return fmt.Errorf("command is required for stdio mcp server %s", s.Name)
		}
	case "http":
		if s.URL == "" {
			return fmt.Errorf("url is required for http mcp server %s", s.Name)
		}
	default:
		return fmt.Errorf("unsupported mcp server type for %s: %q", s.Name, s.Type)
	}
	return nil
}

// ToolAllowed reports whether the named tool should be exposed from this
// server.
func (s *ServerConfig) ToolAllowed(name string) bool {
	if len(s.AllowedTools) == 0 {
		return true
	}
	for _, allowed := range s.AllowedTools {
		if allowed == name {
			return true
		}
	}
	return false
}
