package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/deepnoodle-ai/stride"
	"github.com/deepnoodle-ai/stride/schema"
	"github.com/mark3labs/mcp-go/mcp"
)

// ToolAdapter exposes an MCP server tool through the stride Tool interface.
type ToolAdapter struct {
	client     *Client
	toolInfo   mcp.Tool
	serverName string
}

// NewToolAdapter creates an adapter for the given server tool.
func NewToolAdapter(client *Client, tool mcp.Tool, serverName string) *ToolAdapter {
	return &ToolAdapter{
		client:     client,
		toolInfo:   tool,
		serverName: serverName,
	}
}

// Name returns the MCP tool name.
func (t *ToolAdapter) Name() string {
	return t.toolInfo.Name
}

// Description returns the MCP tool description.
func (t *ToolAdapter) Description() string {
	if t.toolInfo.Description != "" {
		return t.toolInfo.Description
	}
	return fmt.Sprintf("MCP tool %s from server %s", t.toolInfo.Name, t.serverName)
}

// Schema converts the MCP input schema to the stride schema format.
func (t *ToolAdapter) Schema() schema.Schema {
	if t.toolInfo.InputSchema.Type == "" {
		return schema.Schema{
			Type:       schema.Object,
			Properties: map[string]*schema.Property{},
		}
	}
	converted := schema.Schema{
		Type:     t.toolInfo.InputSchema.Type,
		Required: append([]string(nil), t.toolInfo.InputSchema.Required...),
	}
	if t.toolInfo.InputSchema.Properties != nil {
		converted.Properties = make(map[string]*schema.Property)
		for key, prop := range t.toolInfo.InputSchema.Properties {
			if propMap, ok := prop.(map[string]any); ok {
				converted.Properties[key] = convertProperty(propMap)
			}
		}
	}
	return converted
}

// Execute calls the tool on the MCP server with the resolved arguments.
func (t *ToolAdapter) Execute(ctx context.Context, input map[string]any) (*stride.ToolResult, error) {
	if input == nil {
		input = map[string]any{}
	}
	result, err := t.client.CallTool(ctx, t.toolInfo.Name, input)
	if err != nil {
		return nil, err
	}
	return resultFromMCP(result)
}

// convertProperty converts an MCP JSON schema fragment to a stride Property.
func convertProperty(mcpSchema map[string]any) *schema.Property {
	prop := &schema.Property{}

	if schemaType, ok := mcpSchema["type"].(string); ok {
		prop.Type = schemaType
	}
	if description, ok := mcpSchema["description"].(string); ok {
		prop.Description = description
	}
	if properties, ok := mcpSchema["properties"].(map[string]any); ok {
		prop.Properties = make(map[string]*schema.Property)
		for key, nested := range properties {
			if nestedMap, ok := nested.(map[string]any); ok {
				prop.Properties[key] = convertProperty(nestedMap)
			}
		}
	}
	if required, ok := mcpSchema["required"].([]any); ok {
		prop.Required = make([]string, 0, len(required))
		for _, req := range required {
			if name, ok := req.(string); ok {
				prop.Required = append(prop.Required, name)
			}
		}
	}
	if items, ok := mcpSchema["items"].(map[string]any); ok {
		prop.Items = convertProperty(items)
	}
	if enum, ok := mcpSchema["enum"].([]any); ok {
		values := make([]string, 0, len(enum))
		for _, value := range enum {
			if s, ok := value.(string); ok {
				values = append(values, s)
			}
		}
		prop.Enum = values
	}
	if additional, ok := mcpSchema["additionalProperties"].(bool); ok {
		prop.AdditionalProperties = &additional
	}
	return prop
}

// resultFromMCP converts an MCP call result to a stride ToolResult. Text
// content carrying a single JSON object becomes the output map directly, so
// downstream steps can reference its fields by path. Anything else is
// exposed under "text" and "attachments" keys.
func resultFromMCP(result *mcp.CallToolResult) (*stride.ToolResult, error) {
	if result == nil {
		return stride.NewToolResultError("mcp tool returned no result"), nil
	}

	var texts []string
	var attachments []map[string]any
	for _, content := range result.Content {
		switch c := content.(type) {
		case mcp.TextContent:
			texts = append(texts, c.Text)
		case mcp.ImageContent:
			attachments = append(attachments, map[string]any{
				"type":      "image",
				"mime_type": c.MIMEType,
				"data":      c.Data,
			})
		case mcp.AudioContent:
			attachments = append(attachments, map[string]any{
				"type":      "audio",
				"mime_type": c.MIMEType,
				"data":      c.Data,
			})
		case mcp.EmbeddedResource:
			switch resource := c.Resource.(type) {
			case mcp.TextResourceContents:
				texts = append(texts, resource.Text)
			case mcp.BlobResourceContents:
				attachments = append(attachments, map[string]any{
					"type":      "resource",
					"uri":       resource.URI,
					"mime_type": resource.MIMEType,
				})
			default:
				return nil, fmt.Errorf("unknown mcp resource type: %T", c.Resource)
			}
		default:
			return nil, fmt.Errorf("unknown mcp content type: %T", content)
		}
	}

	joined := strings.Join(texts, "\n")
	if result.IsError {
		if joined == "" {
			joined = "mcp tool call failed"
		}
		return stride.NewToolResultError(joined), nil
	}

	output := map[string]any{}
	if len(texts) == 1 {
		var decoded map[string]any
		if err := json.Unmarshal([]byte(texts[0]), &decoded); err == nil {
			output = decoded
		}
	}
	if len(output) == 0 && joined != "" {
		output["text"] = joined
	}
	if len(attachments) > 0 {
		output["attachments"] = attachments
	}
	return stride.NewToolResult(output), nil
}
