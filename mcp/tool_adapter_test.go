package mcp

import (
	"context"
	"testing"

	"github.com/deepnoodle-ai/stride/schema"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"
)

func boolPtr(b bool) *bool {
	return &b
}

func testClient(t *testing.T) *Client {
	t.Helper()
	client, err := NewClient(&ServerConfig{
		Name: "test-server",
		Type: "http",
		URL:  "http://localhost:8080",
	})
	require.NoError(t, err)
	return client
}

func TestToolAdapterName(t *testing.T) {
	adapter := NewToolAdapter(testClient(t), mcp.Tool{Name: "read_file"}, "test-server")
	require.Equal(t, "read_file", adapter.Name())
}

func TestToolAdapterDescription(t *testing.T) {
	tests := []struct {
		name     string
		mcpTool  mcp.Tool
		expected string
	}{
		{
			name:     "with description",
			mcpTool:  mcp.Tool{Name: "read_file", Description: "Reads a file"},
			expected: "Reads a file",
		},
		{
			name:     "without description",
			mcpTool:  mcp.Tool{Name: "read_file"},
			expected: "MCP tool read_file from server test-server",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter := NewToolAdapter(testClient(t), tt.mcpTool, "test-server")
			require.Equal(t, tt.expected, adapter.Description())
		})
	}
}

func TestToolAdapterSchema(t *testing.T) {
	t.Run("no input schema", func(t *testing.T) {
		adapter := NewToolAdapter(testClient(t), mcp.Tool{Name: "ping"}, "test-server")
		require.Equal(t, schema.Schema{
			Type:       schema.Object,
			Properties: map[string]*schema.Property{},
		}, adapter.Schema())
	})

	t.Run("object schema with required", func(t *testing.T) {
		adapter := NewToolAdapter(testClient(t), mcp.Tool{
			Name: "read_file",
			InputSchema: mcp.ToolInputSchema{
				Type: "object",
				Properties: map[string]any{
					"path": map[string]any{
						"type":        "string",
						"description": "File path",
					},
					"limit": map[string]any{
						"type": "integer",
					},
				},
				Required: []string{"path"},
			},
		}, "test-server")

		require.Equal(t, schema.Schema{
			Type:     schema.Object,
			Required: []string{"path"},
			Properties: map[string]*schema.Property{
				"path":  {Type: schema.String, Description: "File path"},
				"limit": {Type: schema.Integer},
			},
		}, adapter.Schema())
	})
}

func TestConvertProperty(t *testing.T) {
	tests := []struct {
		name      string
		mcpSchema map[string]any
		expected  *schema.Property
	}{
		{
			name: "nested object with required",
			mcpSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name": map[string]any{
						"type":        "string",
						"description": "The name",
					},
				},
				"required": []any{"name"},
			},
			expected: &schema.Property{
				Type: "object",
				Properties: map[string]*schema.Property{
					"name": {Type: "string", Description: "The name"},
				},
				Required: []string{"name"},
			},
		},
		{
			name: "array with items",
			mcpSchema: map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
			expected: &schema.Property{
				Type:  "array",
				Items: &schema.Property{Type: "string"},
			},
		},
		{
			name: "enum property",
			mcpSchema: map[string]any{
				"type": "string",
				"enum": []any{"asc", "desc"},
			},
			expected: &schema.Property{
				Type: "string",
				Enum: []string{"asc", "desc"},
			},
		},
		{
			name: "additional properties",
			mcpSchema: map[string]any{
				"type":                 "object",
				"additionalProperties": true,
			},
			expected: &schema.Property{
				Type:                 "object",
				AdditionalProperties: boolPtr(true),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.expected, convertProperty(tt.mcpSchema))
		})
	}
}

func TestResultFromMCP(t *testing.T) {
	t.Run("nil result", func(t *testing.T) {
		result, err := resultFromMCP(nil)
		require.NoError(t, err)
		require.True(t, result.IsError)
		require.Equal(t, "mcp tool returned no result", result.ErrorMessage)
	})

	t.Run("json object text becomes output", func(t *testing.T) {
		result, err := resultFromMCP(&mcp.CallToolResult{
			Content: []mcp.Content{
				mcp.TextContent{Type: "text", Text: `{"status": "ok", "count": 3}`},
			},
		})
		require.NoError(t, err)
		require.False(t, result.IsError)
		require.Equal(t, map[string]any{"status": "ok", "count": float64(3)}, result.Output)
	})

	t.Run("plain text exposed under text key", func(t *testing.T) {
		result, err := resultFromMCP(&mcp.CallToolResult{
			Content: []mcp.Content{
				mcp.TextContent{Type: "text", Text: "first"},
				mcp.TextContent{Type: "text", Text: "second"},
			},
		})
		require.NoError(t, err)
		require.Equal(t, map[string]any{"text": "first\nsecond"}, result.Output)
	})

	t.Run("error result", func(t *testing.T) {
		result, err := resultFromMCP(&mcp.CallToolResult{
			Content: []mcp.Content{
				mcp.TextContent{Type: "text", Text: "file not found"},
			},
			IsError: true,
		})
		require.NoError(t, err)
		require.True(t, result.IsError)
		require.Equal(t, "file not found", result.ErrorMessage)
	})

	t.Run("error result without content", func(t *testing.T) {
		result, err := resultFromMCP(&mcp.CallToolResult{IsError: true})
		require.NoError(t, err)
		require.True(t, result.IsError)
		require.Equal(t, "mcp tool call failed", result.ErrorMessage)
	})

	t.Run("image content becomes attachment", func(t *testing.T) {
		result, err := resultFromMCP(&mcp.CallToolResult{
			Content: []mcp.Content{
				mcp.TextContent{Type: "text", Text: "rendered chart"},
				mcp.ImageContent{Type: "image", Data: "base64data", MIMEType: "image/png"},
			},
		})
		require.NoError(t, err)
		require.Equal(t, "rendered chart", result.Output["text"])
		attachments, ok := result.Output["attachments"].([]map[string]any)
		require.True(t, ok)
		require.Len(t, attachments, 1)
		require.Equal(t, "image", attachments[0]["type"])
		require.Equal(t, "image/png", attachments[0]["mime_type"])
	})

	t.Run("embedded text resource", func(t *testing.T) {
		result, err := resultFromMCP(&mcp.CallToolResult{
			Content: []mcp.Content{
				mcp.EmbeddedResource{
					Type: "resource",
					Resource: mcp.TextResourceContents{
						URI:  "file:///notes.txt",
						Text: "resource body",
					},
				},
			},
		})
		require.NoError(t, err)
		require.Equal(t, map[string]any{"text": "resource body"}, result.Output)
	})
}

func TestToolAdapterExecuteNotConnected(t *testing.T) {
	adapter := NewToolAdapter(testClient(t), mcp.Tool{Name: "read_file"}, "test-server")
	_, err := adapter.Execute(context.Background(), map[string]any{"path": "a.txt"})
	require.Error(t, err)
	require.True(t, IsNotConnected(err))
}
