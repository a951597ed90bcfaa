package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/helloimcx/sandbox-mcp/internal/domain"
	"github.com/helloimcx/sandbox-mcp/internal/execution"
)

// MCPServer builds the mark3labs/mcp-go server exposing the three tools,
// one resource template, and one prompt template spec §4.7's MCP surface
// names: execute_python_code, list_active_sessions, terminate_session,
// session://{id}, and code_execution_prompt. Each tool's semantics are
// exactly those of the corresponding core operation — this is a thin
// JSON-RPC skin over the same pool.Manager and execution.Loop the HTTP
// surface drives, per spec Design Notes §9's "treat MCP as a wire
// protocol" guidance.
func (s *Server) MCPServer() *server.MCPServer {
	mcpServer := server.NewMCPServer(
		"sandbox-mcp",
		s.version,
		server.WithResourceCapabilities(false, true),
	)

	s.registerExecuteTool(mcpServer)
	s.registerListSessionsTool(mcpServer)
	s.registerTerminateSessionTool(mcpServer)
	s.registerSessionResourceTemplate(mcpServer)
	s.registerCodeExecutionPrompt(mcpServer)

	return mcpServer
}

func (s *Server) registerExecuteTool(mcpServer *server.MCPServer) {
	mcpServer.AddTool(
		mcp.NewTool("execute_python_code",
			mcp.WithDescription("Execute a Python code fragment in an isolated, stateful sandbox session. Output, rich display data, and errors are aggregated and returned once execution completes."),
			mcp.WithString("code", mcp.Required(), mcp.Description("The Python source to execute.")),
			mcp.WithString("session_id", mcp.Description("Reuse this session's interpreter state; omit to start a fresh session.")),
			mcp.WithNumber("timeout", mcp.Description("Execution wall-clock budget in seconds; defaults to the server's configured MAX_EXECUTION_TIME.")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			code, _ := args["code"].(string)
			sessionID, _ := args["session_id"].(string)
			var timeout time.Duration
			if t, ok := args["timeout"].(float64); ok && t > 0 {
				timeout = time.Duration(t) * time.Second
			}

			resolvedID, events, err := s.loop.Execute(ctx, sessionID, code, timeout)
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			result := execution.Aggregate(events)
			return mcp.NewToolResultText(formatAggregated(resolvedID, result)), nil
		},
	)
}

// formatAggregated renders an AggregatedResult as the plain-text body an
// MCP tool call result carries: session id, then each stdout/display
// text in order, then any errors with their traceback.
func formatAggregated(sessionID string, result domain.AggregatedResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "session_id: %s\n", sessionID)
	for _, t := range result.Texts {
		b.WriteString(t)
	}
	for _, img := range result.Images {
		fmt.Fprintf(&b, "[image/png, %d base64 bytes]\n", len(img))
	}
	for _, e := range result.Errors {
		fmt.Fprintf(&b, "ERROR: %s\n", e.Error)
		if len(e.Traceback) > 0 {
			b.WriteString(strings.Join(e.Traceback, "\n"))
			b.WriteString("\n")
		}
	}
	return b.String()
}

func (s *Server) registerListSessionsTool(mcpServer *server.MCPServer) {
	mcpServer.AddTool(
		mcp.NewTool("list_active_sessions",
			mcp.WithDescription("List every currently active sandbox session with its busy state and execution count."),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			sessions := s.pool.List()
			var b strings.Builder
			if len(sessions) == 0 {
				b.WriteString("No active sessions.")
			}
			for _, sess := range sessions {
				fmt.Fprintf(&b, "%s: busy=%v exec_count=%d last_activity=%s\n",
					sess.ID, sess.IsBusy(), sess.ExecCount, sess.LastActivity.Format(time.RFC3339))
			}
			return mcp.NewToolResultText(b.String()), nil
		},
	)
}

func (s *Server) registerTerminateSessionTool(mcpServer *server.MCPServer) {
	mcpServer.AddTool(
		mcp.NewTool("terminate_session",
			mcp.WithDescription("Terminate a sandbox session, freeing its worker (returned to the warm pool when there's room)."),
			mcp.WithString("session_id", mcp.Required(), mcp.Description("The session to terminate.")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			id, _ := args["session_id"].(string)
			if err := s.pool.Release(id); err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			return mcp.NewToolResultText(fmt.Sprintf("session %s terminated", id)), nil
		},
	)
}

func (s *Server) registerSessionResourceTemplate(mcpServer *server.MCPServer) {
	mcpServer.AddResourceTemplate(
		mcp.NewResourceTemplate(
			"session://{id}",
			"Sandbox Session",
			mcp.WithTemplateDescription("Metadata and file manifest for one sandbox session."),
			mcp.WithTemplateMIMEType("application/json"),
		),
		func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
			id := strings.TrimPrefix(req.Params.URI, "session://")
			sess, ok := s.pool.Get(id)
			if !ok {
				return nil, fmt.Errorf("session %s not found", id)
			}
			text := fmt.Sprintf(
				`{"session_id":%q,"working_directory":%q,"busy":%v,"exec_count":%d,"files":%d}`,
				sess.ID, sess.Workdir, sess.IsBusy(), sess.ExecCount, len(sess.Manifest.All()),
			)
			return []mcp.ResourceContents{
				mcp.TextResourceContents{URI: req.Params.URI, MIMEType: "application/json", Text: text},
			}, nil
		},
	)
}

func (s *Server) registerCodeExecutionPrompt(mcpServer *server.MCPServer) {
	mcpServer.AddPrompt(
		mcp.NewPrompt("code_execution_prompt",
			mcp.WithPromptDescription("Guidance for driving the sandbox: call execute_python_code, reuse session_id across related cells, and check list_active_sessions before assuming a fresh one is needed."),
		),
		func(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
			return &mcp.GetPromptResult{
				Description: "How to drive the Python sandbox tools",
				Messages: []mcp.PromptMessage{
					{
						Role: mcp.RoleUser,
						Content: mcp.TextContent{
							Type: "text",
							Text: `Use execute_python_code to run Python fragments. Pass the same session_id ` +
								`across related calls to keep variables, imports, and file state alive between ` +
								`them; omit session_id only when you want a fresh, isolated interpreter. Call ` +
								`list_active_sessions to see what's already running before starting a new one, ` +
								`and terminate_session once a session's work is done to free its worker.`,
						},
					},
				},
			}, nil
		},
	)
}
