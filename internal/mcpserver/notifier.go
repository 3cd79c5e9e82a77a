package mcpserver

import (
	"context"

	"github.com/mark3labs/mcp-go/server"

	"github.com/statbridge/statbridge/internal/stream"
)

// mcpNotifier adapts the streamer's notification sink onto MCP
// notifications for the client session carried in ctx.
type mcpNotifier struct {
	server *server.MCPServer
}

// Progress emits a notifications/progress message.
func (n *mcpNotifier) Progress(ctx context.Context, token interface{}, progress, total float64, message string) error {
	return n.server.SendNotificationToClient(ctx, "notifications/progress", map[string]any{
		"progressToken": token,
		"progress":      progress,
		"total":         total,
		"message":       message,
	})
}

// Log emits a notifications/message log entry.
func (n *mcpNotifier) Log(ctx context.Context, level stream.Level, loggerName string, data interface{}) error {
	return n.server.SendNotificationToClient(ctx, "notifications/message", map[string]any{
		"level":  string(level),
		"logger": loggerName,
		"data":   data,
	})
}

var _ stream.Notifier = (*mcpNotifier)(nil)
