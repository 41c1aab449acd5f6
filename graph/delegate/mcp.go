package delegate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

const initTimeout = 30 * time.Second

// MCPCaller is a Caller backed by an MCP client session.
type MCPCaller struct {
	client *client.Client
}

var _ Caller = (*MCPCaller)(nil)

// DialMCP connects to a delegate served over streamable HTTP at url and
// performs the MCP handshake.
func DialMCP(ctx context.Context, url string) (*MCPCaller, error) {
	c, err := client.NewStreamableHttpClient(url)
	if err != nil {
		return nil, fmt.Errorf("delegate: create mcp client: %w", err)
	}
	caller, err := NewMCPCaller(ctx, c)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	return caller, nil
}

// NewMCPCaller starts and initializes an existing client, such as one
// created with client.NewInProcessClient.
func NewMCPCaller(ctx context.Context, c *client.Client) (*MCPCaller, error) {
	if err := c.Start(ctx); err != nil {
		return nil, fmt.Errorf("delegate: start mcp client: %w", err)
	}

	initCtx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()
	_, err := c.Initialize(initCtx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo: mcp.Implementation{
				Name:    "postgraph",
				Version: "1.0.0",
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("delegate: initialize: %w", err)
	}
	return &MCPCaller{client: c}, nil
}

// CallTool invokes name and returns the concatenated text content.
func (m *MCPCaller) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	res, err := m.client.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	})
	if err != nil {
		return "", err
	}
	text := resultText(res)
	if res.IsError {
		return "", &ToolError{Text: text}
	}
	return text, nil
}

// Close terminates the session.
func (m *MCPCaller) Close() error {
	return m.client.Close()
}

func resultText(res *mcp.CallToolResult) string {
	var parts []string
	for _, c := range res.Content {
		if tc, ok := mcp.AsTextContent(c); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
