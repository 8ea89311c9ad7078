package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all engine tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("autonomy", "1.0.0")
	client := NewEngineClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolProposeAction, h.HandleProposeAction)
	s.AddTool(ToolClassifyAction, h.HandleClassifyAction)
	s.AddTool(ToolListApprovals, h.HandleListApprovals)
	s.AddTool(ToolResolveApproval, h.HandleResolveApproval)
	s.AddTool(ToolGetStatus, h.HandleGetStatus)
	s.AddTool(ToolGetUsage, h.HandleGetUsage)

	return s
}
