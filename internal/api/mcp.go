package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/benjaminshoemaker/vibe-code-agent-workflow/internal/pipeline"
	"github.com/benjaminshoemaker/vibe-code-agent-workflow/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store    *storage.Store
	Approver *pipeline.Approver
}

// NewMCPServer creates an MCP server exposing the workflow to agent hosts:
// session inspection, document reads, and the approval gate. Stage runs stay
// on the SSE endpoint; MCP hosts poll session_status instead.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"vibeflow",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("vibeflow — staged document workflow: brief, PRD, design, plan, export bundle. Each stage's document must be approved before the next stage runs."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("session_status",
			mcp.WithDescription("Report a workflow session's current stage and the state of each stage document."),
			mcp.WithString("session_id", mcp.Description("Session identifier"), mcp.Required()),
		),
		mcpSessionStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("read_document",
			mcp.WithDescription("Read a stage document (brief.md, prd.md, design.md, plan.md, workflow.md) from a session."),
			mcp.WithString("session_id", mcp.Description("Session identifier"), mcp.Required()),
			mcp.WithString("name", mcp.Description("Document name, e.g. prd.md"), mcp.Required()),
		),
		mcpReadDocument(deps),
	)

	s.AddTool(
		mcp.NewTool("approve_stage",
			mcp.WithDescription("Validate and approve the session's current stage document, advancing the session to the next stage. Returns validation failures when the document is not ready."),
			mcp.WithString("session_id", mcp.Description("Session identifier"), mcp.Required()),
			mcp.WithString("stage", mcp.Description("Stage to approve; must match the session's current stage"), mcp.Required()),
		),
		mcpApproveStage(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"workflow://stages",
			"Stage Order",
			mcp.WithResourceDescription("The fixed stage order with each stage's document and required inputs"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStages(),
	)

	return s
}

func mcpSessionStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcpError("session_id is required"), nil
		}

		sess, err := deps.Store.GetSession(sessionID)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError("session not found"), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load session: %v", err)), nil
		}

		docs, err := deps.Store.ListDocs(sessionID)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list documents: %v", err)), nil
		}
		byName := make(map[string]storage.Document, len(docs))
		for _, d := range docs {
			byName[d.Name] = d
		}

		type stageStatus struct {
			Stage    string `json:"stage"`
			Doc      string `json:"doc"`
			Exists   bool   `json:"exists"`
			Approved bool   `json:"approved"`
			Current  bool   `json:"current"`
		}
		type statusResult struct {
			SessionID    string        `json:"session_id"`
			CurrentStage string        `json:"current_stage"`
			UpdatedAt    string        `json:"updated_at"`
			Stages       []stageStatus `json:"stages"`
		}

		res := statusResult{
			SessionID:    sess.ID,
			CurrentStage: sess.CurrentStage,
			UpdatedAt:    sess.UpdatedAt.Format(time.RFC3339),
		}
		for _, st := range pipeline.StageOrder {
			name := pipeline.DocName(st)
			doc, exists := byName[name]
			res.Stages = append(res.Stages, stageStatus{
				Stage:    string(st),
				Doc:      name,
				Exists:   exists,
				Approved: doc.Approved,
				Current:  sess.CurrentStage == string(st),
			})
		}

		b, err := json.Marshal(res)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal status: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpReadDocument(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcpError("session_id is required"), nil
		}
		name, err := req.RequireString("name")
		if err != nil {
			return mcpError("name is required"), nil
		}

		doc, err := deps.Store.ReadDoc(sessionID, name)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("document %s not found", name)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to read document: %v", err)), nil
		}

		return mcpText(doc.Content), nil
	}
}

func mcpApproveStage(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcpError("session_id is required"), nil
		}
		stageName, err := req.RequireString("stage")
		if err != nil {
			return mcpError("stage is required"), nil
		}
		stage, err := pipeline.ParseStage(stageName)
		if err != nil {
			return mcpError(err.Error()), nil
		}

		res, err := deps.Approver.Approve(sessionID, stage)
		if err != nil {
			return mcpError(fmt.Sprintf("approval failed: %v", err)), nil
		}
		if !res.OK {
			return mcpError("not approved: " + strings.Join(res.Reasons, "; ")), nil
		}

		return mcpText(fmt.Sprintf("approved %s", stage)), nil
	}
}

func mcpResourceStages() server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		type stageInfo struct {
			Stage  string   `json:"stage"`
			Doc    string   `json:"doc"`
			Inputs []string `json:"inputs,omitempty"`
		}

		infos := make([]stageInfo, 0, len(pipeline.StageOrder))
		for _, st := range pipeline.StageOrder {
			infos = append(infos, stageInfo{
				Stage:  string(st),
				Doc:    pipeline.DocName(st),
				Inputs: pipeline.RequiredInputs(st),
			})
		}

		b, err := json.Marshal(infos)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal stages: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
