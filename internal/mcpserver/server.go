// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes Tessera tools for LLM integration via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/tessera/internal/models"
	"github.com/starford/tessera/internal/service"
)

// ContractURI is the resource URI of the pointer contract.
const ContractURI = "tessera://pointer-contract"

// Server wraps the MCP server with Tessera tools.
type Server struct {
	mcp *server.MCPServer
	svc *service.Service
}

// New creates a new MCP server with all Tessera tools registered.
func New(svc *service.Service, version string) *Server {
	s := &Server{svc: svc}

	s.mcp = server.NewMCPServer(
		"Tessera",
		version,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("verify_pointer",
		mcp.WithDescription("Verify a dep:// integrity pointer against its live source. "+
			"Returns valid, hash_match, source_accessible, drift and a reason code."),
		mcp.WithString("uri", mcp.Required(), mcp.Description("Pointer URI, dep://<corpus>/<source_key>/lines_<start>-<end>#<prefix>")),
	), s.verifyPointer)

	s.mcp.AddTool(mcp.NewTool("issue_pointer",
		mcp.WithDescription("Issue an integrity pointer on a line range of an evidence item. "+
			"Read the contract first via get_pointer_contract or the "+ContractURI+" resource."),
		mcp.WithString("source_key", mcp.Required(), mcp.Description("Item ID, e.g. msg-<message id>")),
		mcp.WithNumber("start_line", mcp.Required(), mcp.Description("First line, 1-based")),
		mcp.WithNumber("end_line", mcp.Required(), mcp.Description("Last line, inclusive")),
		mcp.WithString("role", mcp.Description("anchor, support or context (default support)"),
			mcp.Enum(models.RoleAnchor, models.RoleSupport, models.RoleContext)),
	), s.issuePointer)

	s.mcp.AddTool(mcp.NewTool("get_thread",
		mcp.WithDescription("Return the conversation containing a message, members in canonical time order."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Any member's message ID")),
	), s.getThread)

	s.mcp.AddTool(mcp.NewTool("explain_link",
		mcp.WithDescription("Explain why a message sits under its parent: method, evidence, "+
			"rejected alternatives and the audit trail."),
		mcp.WithString("child", mcp.Required(), mcp.Description("Child canonical ID")),
	), s.explainLink)

	s.mcp.AddTool(mcp.NewTool("ingest_message",
		mcp.WithDescription("Store one .eml message in the corpus and ingest it. "+
			"Pass the raw message as content, or as a base64 data URI in data."),
		mcp.WithString("filename", mcp.Description("File name ending in .eml (generated when empty)")),
		mcp.WithString("mailbox", mcp.Description("Corpus folder, e.g. alice/Inbox (default uploads)")),
		mcp.WithString("content", mcp.Description("Raw RFC 5322 message text")),
		mcp.WithString("data", mcp.Description("data:message/rfc822;base64,<...>")),
	), s.ingestMessage)

	s.mcp.AddTool(mcp.NewTool("get_pointer_contract",
		mcp.WithDescription("Returns the Tessera pointer contract. "+
			"Call this before issuing or relying on pointers."),
	), s.getPointerContract)

	// Resource: pointer contract.
	s.mcp.AddResource(
		mcp.NewResource(ContractURI, "Pointer Contract",
			mcp.WithResourceDescription("How integrity pointers are formed, verified and interpreted."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readContractResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) verifyPointer(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	uri, err := req.RequireString("uri")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	results, err := s.svc.Verify(ctx, []string{uri})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(results[0])
}

func (s *Server) issuePointer(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key, err := req.RequireString("source_key")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	start, err := req.RequireInt("start_line")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	end, err := req.RequireInt("end_line")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	p, err := s.svc.IssuePointer(ctx, service.PointerRequest{
		SourceKey: key,
		StartLine: start,
		EndLine:   end,
		Role:      req.GetString("role", models.RoleSupport),
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(p)
}

func (s *Server) getThread(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	th, err := s.svc.Thread(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(th)
}

func (s *Server) explainLink(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	child, err := req.RequireString("child")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	ex, err := s.svc.ExplainLink(ctx, child)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(ex)
}

func (s *Server) getPointerContract(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(PointerContract), nil
}

func (s *Server) readContractResource(_ context.Context, _ mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      ContractURI,
			MIMEType: "text/markdown",
			Text:     PointerContract,
		},
	}, nil
}
