// Package mcpserver exposes Guardian to MCP hosts over stdio. Hosts call
// evaluate_tool_call before running a tool and resolve_approval to answer a
// pending human approval. Every call flows through the same pipeline as the HTTP API.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/guardian/internal/gateway/httpapi"
	"github.com/jkaninda/guardian/internal/guardian"
)

const (
	ToolEvaluate      = "evaluate_tool_call"
	ToolResolve       = "resolve_approval"
	ToolListApprovals = "list_approvals"

	// Principal recorded for calls arriving over MCP.
	Principal = "mcp"
)

// Server adapts a Guardian service into an MCP server.
type Server struct {
	service *httpapi.Service
	mcp     *server.MCPServer
	logger  *slog.Logger
}

// New creates the MCP server and registers its tools.
func New(svc *httpapi.Service, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		service: svc,
		logger:  logger,
		mcp:     server.NewMCPServer("guardian", version, server.WithToolCapabilities(false)),
	}

	s.mcp.AddTool(mcp.NewTool(ToolEvaluate,
		mcp.WithDescription("Decide whether a tool call may run. Blocks while a human approval is pending."),
		mcp.WithString("tool_name", mcp.Required(), mcp.Description("Name of the tool about to run")),
		mcp.WithObject("params", mcp.Description("Tool call parameters")),
		mcp.WithString("agent_id", mcp.Description("Calling agent")),
		mcp.WithString("session_key", mcp.Description("Session the call belongs to")),
		mcp.WithBoolean("sender_is_owner", mcp.Description("The message that caused this call came from the owner")),
		mcp.WithString("correlation_id", mcp.Description("Correlation ID for audit, generated when empty")),
	), s.handleEvaluate)

	s.mcp.AddTool(mcp.NewTool(ToolResolve,
		mcp.WithDescription("Answer a pending human approval."),
		mcp.WithString("approval_id", mcp.Required(), mcp.Description("Approval ID (apr_...)")),
		mcp.WithString("decision", mcp.Required(),
			mcp.Enum("allow-once", "allow-session", "allow-always", "deny"),
			mcp.Description("Decision to apply"),
		),
		mcp.WithString("approver", mcp.Description("Who is answering. Default: mcp")),
	), s.handleResolve)

	s.mcp.AddTool(mcp.NewTool(ToolListApprovals,
		mcp.WithDescription("List approvals awaiting a human decision."),
	), s.handleListApprovals)

	return s
}

// Serve speaks MCP over in/out until ctx is canceled or in is closed.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	s.logger.Info("mcp server listening on stdio")
	return server.NewStdioServer(s.mcp).Listen(ctx, in, out)
}

func (s *Server) handleEvaluate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	params, _ := args["params"].(map[string]any)
	owner, _ := args["sender_is_owner"].(bool)

	resp, err := s.service.Evaluate(ctx, Principal, httpapi.EvaluateRequest{
		ToolName: stringArg(args, "tool_name"),
		Params:   params,
		Context: guardian.CallContext{
			AgentID:       stringArg(args, "agent_id"),
			SessionKey:    stringArg(args, "session_key"),
			SenderIsOwner: owner,
			CorrelationID: stringArg(args, "correlation_id"),
		},
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(resp)
}

func (s *Server) handleResolve(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	approver := stringArg(args, "approver")
	if approver == "" {
		approver = Principal
	}
	resp, err := s.service.ResolveApproval(ctx, stringArg(args, "approval_id"), approver, httpapi.ResolveRequest{
		Decision: stringArg(args, "decision"),
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(resp)
}

func (s *Server) handleListApprovals(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.service.ListApprovals())
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}
