package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/storevoice/internal/aggregate"
	"github.com/kalambet/storevoice/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store        Repository
	Engine       *aggregate.Engine
	DefaultDays  int
	MaxRangeDays int
}

// NewMCPServer creates an MCP server with the feedback tools and resources
// registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	if deps.Engine == nil {
		deps.Engine = aggregate.NewEngine(deps.Store, 0)
	}
	if deps.DefaultDays <= 0 {
		deps.DefaultDays = 15
	}
	if deps.MaxRangeDays <= 0 {
		deps.MaxRangeDays = 90
	}

	s := server.NewMCPServer(
		"storevoice",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("storevoice: in-store customer voice feedback, transcribed and analyzed per store and day."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("feedback_summary",
			mcp.WithDescription("Summarize analyzed feedback over the last N days: tone breakdown, top products, issues and actions."),
			mcp.WithNumber("days", mcp.Description("Number of days up to today (default 15)")),
			mcp.WithString("store", mcp.Description("Limit to one store code")),
			mcp.WithNumber("top", mcp.Description("Items per top list (default 5)")),
		),
		mcpFeedbackSummary(deps),
	)

	s.AddTool(
		mcp.NewTool("processing_status",
			mcp.WithDescription("Count feedback records per pipeline status over the last N days."),
			mcp.WithNumber("days", mcp.Description("Number of days up to today (default 15)")),
			mcp.WithString("store", mcp.Description("Limit to one store code")),
		),
		mcpProcessingStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("get_feedback",
			mcp.WithDescription("Fetch one feedback record with its transcript and insight."),
			mcp.WithString("id", mcp.Description("Feedback id"), mcp.Required()),
		),
		mcpGetFeedback(deps),
	)

	s.AddTool(
		mcp.NewTool("retry_feedback",
			mcp.WithDescription("Requeue a failed feedback record for another attempt at a stage."),
			mcp.WithString("id", mcp.Description("Feedback id"), mcp.Required()),
			mcp.WithString("stage",
				mcp.Description("Stage to retry"),
				mcp.Required(),
				mcp.Enum(storage.Transcription.Name, storage.Analysis.Name),
			),
		),
		mcpRetryFeedback(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"storevoice://stores",
			"Stores",
			mcp.WithResourceDescription("Store codes that have submitted feedback"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStores(deps),
	)

	return s
}

func mcpDays(deps MCPDeps, req mcp.CallToolRequest) (int, error) {
	days := req.GetInt("days", deps.DefaultDays)
	if days < 1 || days > deps.MaxRangeDays {
		return 0, fmt.Errorf("days must be between 1 and %d", deps.MaxRangeDays)
	}
	return days, nil
}

func mcpFeedbackSummary(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		days, err := mcpDays(deps, req)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		top := req.GetInt("top", 0)
		if top < 0 || top > maxTopN {
			return mcpError(fmt.Sprintf("top must be between 1 and %d", maxTopN)), nil
		}

		q := deps.Engine.LastDays(days, req.GetString("store", ""))
		q.TopN = top
		s, err := deps.Engine.Summary(ctx, q)
		if err != nil {
			return mcpError(fmt.Sprintf("summary failed: %v", err)), nil
		}

		b, err := json.Marshal(s)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal summary: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpProcessingStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		days, err := mcpDays(deps, req)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		q := deps.Engine.LastDays(days, req.GetString("store", ""))
		counts, err := deps.Store.CountByStatus(ctx, q.Range(), q.StoreCode)
		if err != nil {
			return mcpError(fmt.Sprintf("counting failed: %v", err)), nil
		}

		b, err := json.Marshal(processingStatus(q, counts))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal counts: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpGetFeedback(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		f, err := deps.Store.Get(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("feedback %s not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load feedback: %v", err)), nil
		}

		b, err := json.Marshal(f)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal feedback: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpRetryFeedback(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		name, err := req.RequireString("stage")
		if err != nil {
			return mcpError("stage is required"), nil
		}
		stage, ok := storage.StageByName(name)
		if !ok {
			return mcpError(fmt.Sprintf("unknown stage %q", name)), nil
		}

		err = deps.Store.ResetStage(ctx, stage, id)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return mcpError(fmt.Sprintf("feedback %s not found", id)), nil
		case errors.Is(err, storage.ErrInvalidTransition):
			return mcpError(fmt.Sprintf("feedback %s is not in %s", id, stage.Failed)), nil
		case err != nil:
			return mcpError(fmt.Sprintf("retry failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Requeued %s for %s", id, stage.Name)), nil
	}
}

func mcpResourceStores(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		stores, err := deps.Store.Stores(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list stores: %w", err)
		}
		if stores == nil {
			stores = []string{}
		}

		b, err := json.Marshal(stores)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal stores: %w", err)
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
