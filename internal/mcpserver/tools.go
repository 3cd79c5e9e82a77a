package mcpserver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/statbridge/statbridge/internal/ipc"
	"github.com/statbridge/statbridge/internal/stream"
	v1 "github.com/statbridge/statbridge/pkg/api/v1"
)

func registerTools(s *server.MCPServer, srv *Server) {
	s.AddTool(
		mcp.NewTool("run_selection",
			mcp.WithDescription(
				"Run a selection of Stata code and return its output. "+
					"State (datasets, variables, loaded programs) persists across calls within a session.",
			),
			mcp.WithString("selection",
				mcp.Required(),
				mcp.Description("The Stata code to run"),
			),
			mcp.WithString("session_id",
				mcp.Description("Target session. Omit for the default session. If the session is busy the command runs in a fresh parallel session whose id is reported back."),
			),
			mcp.WithString("working_dir",
				mcp.Description("Accepted but not applied: selections run in the session's current working directory"),
			),
		),
		srv.runSelectionHandler(),
	)

	s.AddTool(
		mcp.NewTool("run_file",
			mcp.WithDescription(
				"Run a Stata .do file and return its output. Long runs emit progress and log "+
					"notifications while executing. The result names the session the file actually ran in.",
			),
			mcp.WithString("file_path",
				mcp.Required(),
				mcp.Description("Path to the .do file"),
			),
			mcp.WithNumber("timeout",
				mcp.Description("Execution timeout in seconds (default 600)"),
			),
			mcp.WithString("session_id",
				mcp.Description("Target session. Omit for the default session."),
			),
			mcp.WithString("working_dir",
				mcp.Description("Working directory for the run (optional; defaults to the script's directory)"),
			),
		),
		srv.runFileHandler(),
	)

	srv.logger.Info("registered MCP tools", zap.Int("count", 2))
}

func (srv *Server) runSelectionHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		selection, err := req.RequireString("selection")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		sessionID := req.GetString("session_id", "")

		res := srv.manager.Execute(ctx, selection, sessionID, 0)
		return renderResult(res, sessionID), nil
	}
}

func (srv *Server) runFileHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		filePath, err := req.RequireString("file_path")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		resolved, tried := resolveDoFile(filePath)
		if resolved == "" {
			return mcp.NewToolResultError(fmt.Sprintf(
				"file not found: %s (tried: %s)", filePath, strings.Join(tried, ", "))), nil
		}

		timeout := time.Duration(req.GetFloat("timeout", 600)) * time.Second
		sessionID := req.GetString("session_id", "")
		workingDir := req.GetString("working_dir", "")

		var progressToken interface{}
		if req.Params.Meta != nil && req.Params.Meta.ProgressToken != nil {
			progressToken = req.Params.Meta.ProgressToken
		}

		res := srv.streamer.ExecuteFile(ctx, stream.FileRequest{
			FilePath:      resolved,
			SessionID:     sessionID,
			WorkingDir:    workingDir,
			Timeout:       timeout,
			ProgressToken: progressToken,
		})
		return renderResult(res, sessionID), nil
	}
}

// renderResult turns an execute result into tool output. Cancellations and
// timeouts surface the partial captured output; errors keep the engine's
// message. A spillover is made visible by naming the session actually used.
func renderResult(res *v1.ExecuteResult, requestedSession string) *mcp.CallToolResult {
	var b strings.Builder

	switch res.Status {
	case ipc.StatusSuccess:
		b.WriteString(res.Output)
	case ipc.StatusCancelled, ipc.StatusStopped:
		b.WriteString(res.Output)
		if res.Output != "" && !strings.HasSuffix(res.Output, "\n") {
			b.WriteString("\n")
		}
		b.WriteString("[execution cancelled]")
	case ipc.StatusTimeout:
		b.WriteString(res.Output)
		if res.Output != "" && !strings.HasSuffix(res.Output, "\n") {
			b.WriteString("\n")
		}
		b.WriteString(fmt.Sprintf("[%s]", res.Error))
	default:
		msg := res.Error
		if msg == "" {
			msg = res.Status
		}
		if res.Output != "" {
			return mcp.NewToolResultError(fmt.Sprintf("%s\n%s", res.Output, msg))
		}
		return mcp.NewToolResultError(msg)
	}

	requested := requestedSession
	if requested == "" {
		requested = "default"
	}
	if res.SessionID != "" && res.SessionID != requested {
		fmt.Fprintf(&b, "\n[session: %s]", res.SessionID)
	}

	for _, g := range res.Graphs {
		fmt.Fprintf(&b, "\n[graph: %s -> %s]", g.Name, g.Path)
	}

	return mcp.NewToolResultText(b.String())
}

// resolveDoFile probes for a .do file: as given, absolute, and relative to
// the current working directory.
func resolveDoFile(path string) (string, []string) {
	var tried []string

	candidates := []string{path}
	if !filepath.IsAbs(path) {
		if cwd, err := os.Getwd(); err == nil {
			candidates = append(candidates,
				filepath.Join(cwd, path),
				filepath.Join(cwd, filepath.Base(path)),
			)
		}
	}

	seen := map[string]bool{}
	for _, c := range candidates {
		c = filepath.Clean(c)
		if seen[c] {
			continue
		}
		seen[c] = true
		tried = append(tried, c)
		if info, err := os.Stat(c); err == nil && !info.IsDir() && strings.EqualFold(filepath.Ext(c), ".do") {
			abs, err := filepath.Abs(c)
			if err != nil {
				abs = c
			}
			return abs, tried
		}
	}
	return "", tried
}
