package tool

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/dshills/postgraph/graph/delegate"
)

// ServerName is the MCP implementation name reported by NewServer.
const ServerName = "postgraph-publishd"

// NewServer returns an MCP server exposing the service's tools.
func NewServer(s *Service, version string) *server.MCPServer {
	srv := server.NewMCPServer(ServerName, version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)
	srv.AddTool(publishPostSchema(), handler(s.PublishPost()))
	srv.AddTool(uploadMediaSchema(), handler(s.UploadMedia()))
	return srv
}

// NewHTTPHandler serves srv over streamable HTTP at path.
func NewHTTPHandler(srv *server.MCPServer, path string) http.Handler {
	return server.NewStreamableHTTPServer(srv, server.WithEndpointPath(path))
}

// handler adapts a Tool to an MCP tool handler. Tool errors become MCP error
// results; outputs are returned as JSON text.
func handler(t Tool) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		out, err := t.Call(ctx, req.GetArguments())
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		b, err := json.Marshal(out)
		if err != nil {
			return nil, err
		}
		return mcp.NewToolResultText(string(b)), nil
	}
}

func publishPostSchema() mcp.Tool {
	return mcp.NewTool(delegate.ToolPublishPost,
		mcp.WithDescription("Publish a post to a social platform on behalf of an owner."),
		platformArg(),
		ownerArg(),
		connectionArg(),
		mcp.WithString(delegate.ArgText, mcp.Required(), mcp.Description("Post text")),
		mcp.WithString(delegate.ArgMediaID, mcp.Description("Media ID from upload_media")),
		mcp.WithString(delegate.ArgMetadata, mcp.Description("JSON object of string metadata, e.g. alt_text")),
	)
}

func uploadMediaSchema() mcp.Tool {
	return mcp.NewTool(delegate.ToolUploadMedia,
		mcp.WithDescription("Upload an image to a social platform and return its media ID."),
		platformArg(),
		ownerArg(),
		connectionArg(),
		mcp.WithString(delegate.ArgMediaBase64, mcp.Required(), mcp.Description("Base64-encoded media bytes")),
		mcp.WithString(delegate.ArgContentType, mcp.Description("Media MIME type")),
		mcp.WithString(delegate.ArgFilename, mcp.Description("Original file name")),
	)
}

func platformArg() mcp.ToolOption {
	return mcp.WithString(delegate.ArgPlatform, mcp.Required(), mcp.Description("twitter or linkedin"))
}

func ownerArg() mcp.ToolOption {
	return mcp.WithString(delegate.ArgOwnerID, mcp.Required(), mcp.Description("Owner whose credentials are used"))
}

func connectionArg() mcp.ToolOption {
	return mcp.WithString(delegate.ArgConnectionID, mcp.Description("Connection ID; default connection when empty"))
}
