package handlers_test

import (
	"encoding/json"
	"testing"

	"github.com/malbeclabs/sqlflow/api/handlers"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func connectMCP(t *testing.T, ta *testAPI) *mcp.ClientSession {
	t.Helper()
	ctx := t.Context()

	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	server := ta.api.NewMCPServer("test")
	serverSession, err := server.Connect(ctx, serverTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = serverSession.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "sqlflow-test", Version: "v0.0.1"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })
	return session
}

func toolText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok, "expected text content, got %T", res.Content[0])
	return text.Text
}

func TestMCP_ListTools(t *testing.T) {
	t.Parallel()
	session := connectMCP(t, newTestAPI(t))

	res, err := session.ListTools(t.Context(), nil)
	require.NoError(t, err)
	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
		require.NotNil(t, tool.Annotations)
		assert.True(t, tool.Annotations.ReadOnlyHint)
	}
	assert.ElementsMatch(t, []string{"ask_question", "get_history", "get_schema"}, names)
}

func TestMCP_AskQuestionAndHistory(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	session := connectMCP(t, newTestAPI(t))

	res, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      "ask_question",
		Arguments: map[string]any{"question": "how many orders in 2023", "thread_id": "mcp-thread"},
	})
	require.NoError(t, err)
	require.False(t, res.IsError, toolText(t, res))

	var out handlers.AskQuestionOutput
	require.NoError(t, json.Unmarshal([]byte(toolText(t, res)), &out))
	assert.Equal(t, "mcp-thread", out.ThreadID)
	assert.Equal(t, "answered", out.Outcome)
	assert.Contains(t, out.Answer, "1523")
	assert.Equal(t, []string{countSQL}, out.SQL)

	res, err = session.CallTool(ctx, &mcp.CallToolParams{
		Name:      "get_history",
		Arguments: map[string]any{"thread_id": "mcp-thread"},
	})
	require.NoError(t, err)
	require.False(t, res.IsError)

	var history handlers.GetHistoryOutput
	require.NoError(t, json.Unmarshal([]byte(toolText(t, res)), &history))
	require.NotEmpty(t, history.Steps)
	assert.Equal(t, "__start__", history.Steps[0].Stage)
	assert.Equal(t, "__end__", history.Steps[len(history.Steps)-1].Next)
	assert.Equal(t, "how many orders in 2023", history.Steps[0].Question)
}

func TestMCP_AskQuestion_Blank(t *testing.T) {
	t.Parallel()
	session := connectMCP(t, newTestAPI(t))

	res, err := session.CallTool(t.Context(), &mcp.CallToolParams{
		Name:      "ask_question",
		Arguments: map[string]any{"question": "  "},
	})
	if err == nil {
		assert.True(t, res.IsError)
	}
}

func TestMCP_GetSchema(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	session := connectMCP(t, newTestAPI(t))

	tests := []struct {
		name     string
		args     map[string]any
		contains []string
	}{
		{name: "list", args: map[string]any{}, contains: []string{"orders", "customers"}},
		{name: "describe", args: map[string]any{"tables": []string{"orders"}}, contains: []string{"## orders", "- placed_at DateTime"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := session.CallTool(ctx, &mcp.CallToolParams{Name: "get_schema", Arguments: tt.args})
			require.NoError(t, err)
			require.False(t, res.IsError)
			var out handlers.GetSchemaOutput
			require.NoError(t, json.Unmarshal([]byte(toolText(t, res)), &out))
			for _, want := range tt.contains {
				assert.Contains(t, out.Schema, want)
			}
		})
	}
}

func TestMCP_SchemaResourceAndPrompt(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	session := connectMCP(t, newTestAPI(t))

	res, err := session.ReadResource(ctx, &mcp.ReadResourceParams{URI: "sqlflow://schema"})
	require.NoError(t, err)
	require.Len(t, res.Contents, 1)
	assert.Contains(t, res.Contents[0].Text, "orders")

	prompt, err := session.GetPrompt(ctx, &mcp.GetPromptParams{
		Name:      "analyze_data",
		Arguments: map[string]string{"question": "top customers by revenue"},
	})
	require.NoError(t, err)
	require.Len(t, prompt.Messages, 1)
	text, ok := prompt.Messages[0].Content.(*mcp.TextContent)
	require.True(t, ok)
	assert.Contains(t, text.Text, "top customers by revenue")
	assert.Contains(t, text.Text, "ask_question")
}
