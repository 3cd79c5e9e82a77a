package mcpserver

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statbridge/statbridge/internal/ipc"
	v1 "github.com/statbridge/statbridge/pkg/api/v1"
)

func textOf(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	tc, ok := mcp.AsTextContent(res.Content[0])
	require.True(t, ok)
	return tc.Text
}

func TestRenderResultSuccess(t *testing.T) {
	res := renderResult(&v1.ExecuteResult{
		Status:    ipc.StatusSuccess,
		Output:    "Hello\n",
		SessionID: "default",
	}, "")

	assert.False(t, res.IsError)
	text := textOf(t, res)
	assert.Contains(t, text, "Hello")
	assert.NotContains(t, text, "[session:")
}

func TestRenderResultSpilloverNamesSession(t *testing.T) {
	res := renderResult(&v1.ExecuteResult{
		Status:    ipc.StatusSuccess,
		Output:    "done\n",
		SessionID: "a1b2c3d4",
	}, "busy-one")

	text := textOf(t, res)
	assert.Contains(t, text, "[session: a1b2c3d4]")
}

func TestRenderResultCancelledKeepsPartialOutput(t *testing.T) {
	res := renderResult(&v1.ExecuteResult{
		Status:    ipc.StatusCancelled,
		Output:    "partial output",
		Error:     "execution cancelled",
		SessionID: "default",
	}, "")

	text := textOf(t, res)
	assert.Contains(t, text, "partial output")
	assert.Contains(t, text, "[execution cancelled]")
	assert.False(t, res.IsError)
}

func TestRenderResultError(t *testing.T) {
	res := renderResult(&v1.ExecuteResult{
		Status:    ipc.StatusError,
		Error:     "r(100)",
		Output:    "varlist required",
		SessionID: "default",
	}, "")

	assert.True(t, res.IsError)
	text := textOf(t, res)
	assert.Contains(t, text, "varlist required")
	assert.Contains(t, text, "r(100)")
}

func TestRenderResultGraphs(t *testing.T) {
	res := renderResult(&v1.ExecuteResult{
		Status:    ipc.StatusSuccess,
		Output:    "ok",
		SessionID: "default",
		Graphs:    []v1.Graph{{Name: "g1", Path: "/tmp/graphs/g1.png"}},
	}, "")

	assert.Contains(t, textOf(t, res), "[graph: g1 -> /tmp/graphs/g1.png]")
}

func TestResolveDoFile(t *testing.T) {
	dir := t.TempDir()
	do := filepath.Join(dir, "analysis.do")
	require.NoError(t, os.WriteFile(do, []byte("count\n"), 0o644))

	resolved, _ := resolveDoFile(do)
	assert.Equal(t, do, resolved)

	resolved, tried := resolveDoFile(filepath.Join(dir, "missing.do"))
	assert.Empty(t, resolved)
	assert.NotEmpty(t, tried)

	// Non-.do files are rejected
	txt := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(txt, []byte("x"), 0o644))
	resolved, _ = resolveDoFile(txt)
	assert.Empty(t, resolved)
}
