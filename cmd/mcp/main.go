// Autonomy MCP Server - lets LLM agents propose actions to the decision engine
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/autonomy/internal/mcpserver"
)

func main() {
	cfg := mcpserver.Config{
		APIURL: envOrDefault("AUTONOMY_API_URL", "http://localhost:8080"),
		APIKey: os.Getenv("AUTONOMY_API_TOKEN"),
		Engine: envOrDefault("AUTONOMY_ENGINE", "mcp"),
	}

	s := mcpserver.NewMCPServer(cfg)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
