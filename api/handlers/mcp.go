package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/malbeclabs/sqlflow/agent/pkg/workflow"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const schemaResourceURI = "sqlflow://schema"

// MCPHandler returns the streamable HTTP handler for the MCP endpoint.
func (a *API) MCPHandler(version string) http.Handler {
	server := a.NewMCPServer(version)
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return server
	}, nil)
}

// NewMCPServer builds the MCP server with the workflow tools, the schema
// resource and the analyze prompt.
func (a *API) NewMCPServer(version string) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "sqlflow",
		Version: version,
	}, &mcp.ServerOptions{
		Instructions: "Use ask_question to answer questions about the data in natural language. Reuse the returned thread_id for follow-up questions. Call get_schema to see which tables exist.",
	})

	a.registerAskQuestionTool(server)
	a.registerGetHistoryTool(server)
	a.registerGetSchemaTool(server)
	a.registerSchemaResource(server)
	registerAnalyzeDataPrompt(server)
	return server
}

// AskQuestionInput is the input for the ask_question tool.
type AskQuestionInput struct {
	Question string `json:"question" jsonschema:"The question to answer from the database, in natural language"`
	ThreadID string `json:"thread_id,omitempty" jsonschema:"Thread to continue; omit to start a new thread"`
}

// AskQuestionOutput is the output from the ask_question tool.
type AskQuestionOutput struct {
	ThreadID    string   `json:"thread_id"`
	Outcome     string   `json:"outcome"`
	Answer      string   `json:"answer"`
	Explanation string   `json:"explanation,omitempty"`
	SQL         []string `json:"sql,omitempty"`
	TablesUsed  []string `json:"tables_used,omitempty"`
	Caveats     []string `json:"caveats,omitempty"`
	FollowUps   []string `json:"follow_ups,omitempty"`
}

func (a *API) registerAskQuestionTool(server *mcp.Server) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "ask_question",
		Title:       "Ask Question",
		Description: "Answer a natural language question by selecting tables, generating SQL, executing it and summarizing the result. Returns the answer with the SQL that produced it.",
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true},
	}, func(ctx context.Context, req *mcp.CallToolRequest, input AskQuestionInput) (*mcp.CallToolResult, AskQuestionOutput, error) {
		question := strings.TrimSpace(input.Question)
		if question == "" {
			return nil, AskQuestionOutput{}, errors.New("question is required")
		}
		threadID := input.ThreadID
		if threadID == "" {
			threadID = uuid.NewString()
		}

		rw, err := a.Manager.Start(threadID, question)
		if err != nil {
			return nil, AskQuestionOutput{}, fmt.Errorf("failed to start workflow: %w", err)
		}
		answer, err := rw.Wait(ctx)
		if err != nil {
			return nil, AskQuestionOutput{}, fmt.Errorf("workflow failed: %s", SanitizeError(err))
		}
		return nil, AskQuestionOutput{
			ThreadID:    threadID,
			Outcome:     string(answer.Outcome),
			Answer:      answer.Answer,
			Explanation: answer.Explanation,
			SQL:         answer.SQL,
			TablesUsed:  answer.TablesUsed,
			Caveats:     answer.Caveats,
			FollowUps:   answer.FollowUps,
		}, nil
	})
}

// GetHistoryInput is the input for the get_history tool.
type GetHistoryInput struct {
	ThreadID string `json:"thread_id" jsonschema:"Thread whose checkpoints to list"`
}

// HistoryStep summarizes one checkpoint.
type HistoryStep struct {
	Step       int       `json:"step"`
	ParentStep int       `json:"parent_step"`
	RunID      string    `json:"run_id"`
	Stage      string    `json:"stage"`
	Next       string    `json:"next"`
	Question   string    `json:"question,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// GetHistoryOutput is the output from the get_history tool.
type GetHistoryOutput struct {
	ThreadID string        `json:"thread_id"`
	Steps    []HistoryStep `json:"steps"`
}

func (a *API) registerGetHistoryTool(server *mcp.Server) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_history",
		Title:       "Get History",
		Description: "List the checkpoints of a thread in step order: the stage that produced each one and the stage that runs next.",
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true},
	}, func(ctx context.Context, req *mcp.CallToolRequest, input GetHistoryInput) (*mcp.CallToolResult, GetHistoryOutput, error) {
		history, err := a.Engine.GetHistory(ctx, input.ThreadID)
		if err != nil {
			return nil, GetHistoryOutput{}, fmt.Errorf("failed to get history: %w", err)
		}
		out := GetHistoryOutput{ThreadID: input.ThreadID, Steps: make([]HistoryStep, len(history))}
		for i, h := range history {
			out.Steps[i] = HistoryStep{
				Step:       h.Step,
				ParentStep: h.ParentStep,
				RunID:      h.RunID,
				Stage:      string(h.Stage),
				Next:       string(h.Next),
				Question:   h.State.RawQuestion,
				CreatedAt:  h.CreatedAt,
			}
		}
		return nil, out, nil
	})
}

// GetSchemaInput is the input for the get_schema tool.
type GetSchemaInput struct {
	Tables []string `json:"tables,omitempty" jsonschema:"Tables to describe; omit to list every table"`
}

// GetSchemaOutput is the output from the get_schema tool.
type GetSchemaOutput struct {
	Schema string `json:"schema"`
}

func (a *API) registerGetSchemaTool(server *mcp.Server) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_schema",
		Title:       "Get Schema",
		Description: "List the tables of the database, or describe the columns, types and foreign keys of the named tables.",
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true},
	}, func(ctx context.Context, req *mcp.CallToolRequest, input GetSchemaInput) (*mcp.CallToolResult, GetSchemaOutput, error) {
		schema, err := a.renderSchema(ctx, input.Tables)
		if err != nil {
			return nil, GetSchemaOutput{}, err
		}
		return nil, GetSchemaOutput{Schema: schema}, nil
	})
}

func (a *API) registerSchemaResource(server *mcp.Server) {
	server.AddResource(&mcp.Resource{
		URI:         schemaResourceURI,
		Name:        "Database Schema",
		Description: "Tables of the target database",
		MIMEType:    "text/plain",
	}, func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		schema, err := a.renderSchema(ctx, nil)
		if err != nil {
			return nil, err
		}
		return &mcp.ReadResourceResult{
			Contents: []*mcp.ResourceContents{
				{
					URI:      schemaResourceURI,
					MIMEType: "text/plain",
					Text:     schema,
				},
			},
		}, nil
	})
}

// renderSchema lists the catalog when tables is empty and describes the
// named tables otherwise.
func (a *API) renderSchema(ctx context.Context, tables []string) (string, error) {
	var sb strings.Builder
	if len(tables) == 0 {
		list, err := a.Catalog.ListTables(ctx)
		if err != nil {
			return "", fmt.Errorf("failed to list tables: %w", err)
		}
		for _, t := range list {
			sb.WriteString(t.Name)
			if t.Comment != "" {
				sb.WriteString(": " + t.Comment)
			}
			sb.WriteString("\n")
		}
		return sb.String(), nil
	}

	metas, err := a.Catalog.Describe(ctx, tables)
	if err != nil {
		return "", fmt.Errorf("failed to describe tables: %w", err)
	}
	for _, m := range metas {
		writeTable(&sb, m)
	}
	return sb.String(), nil
}

func writeTable(sb *strings.Builder, m workflow.TableMetadata) {
	fmt.Fprintf(sb, "## %s\n", m.Name)
	if m.Comment != "" {
		sb.WriteString(m.Comment + "\n")
	}
	for _, c := range m.Columns {
		fmt.Fprintf(sb, "- %s %s", c.Name, c.Type)
		if c.PrimaryKey {
			sb.WriteString(" (primary key)")
		}
		if c.Comment != "" {
			sb.WriteString(": " + c.Comment)
		}
		if len(c.SampleValues) > 0 {
			fmt.Fprintf(sb, " [values: %s]", strings.Join(c.SampleValues, ", "))
		}
		sb.WriteString("\n")
	}
	for _, fk := range m.ForeignKeys {
		fmt.Fprintf(sb, "- %s references %s.%s\n", fk.Column, fk.RefTable, fk.RefColumn)
	}
	sb.WriteString("\n")
}

// registerAnalyzeDataPrompt registers a prompt for data analysis.
func registerAnalyzeDataPrompt(server *mcp.Server) {
	server.AddPrompt(&mcp.Prompt{
		Name:        "analyze_data",
		Description: "Answer a data question with the ask_question tool, checking the schema first.",
		Arguments: []*mcp.PromptArgument{
			{
				Name:        "question",
				Description: "The data question to analyze (e.g., 'how many orders were placed last month?')",
				Required:    true,
			},
		},
	}, func(ctx context.Context, req *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		question := ""
		if req.Params != nil && req.Params.Arguments != nil {
			question = req.Params.Arguments["question"]
		}

		promptText := fmt.Sprintf(`You are a data analyst.

To answer the question below:

1. Read the %s resource to see which tables exist
2. Call the ask_question tool with the question
3. If the answer lists caveats, mention them; offer the follow-up questions it suggests

Question: %s`, schemaResourceURI, question)

		return &mcp.GetPromptResult{
			Description: "Analyze data: " + question,
			Messages: []*mcp.PromptMessage{
				{
					Role:    "user",
					Content: &mcp.TextContent{Text: promptText},
				},
			},
		}, nil
	})
}
