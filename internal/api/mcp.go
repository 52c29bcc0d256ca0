package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/eduverse/engine/internal/composer"
	"github.com/eduverse/engine/internal/pipeline"
	"github.com/eduverse/engine/internal/storage"
	"github.com/eduverse/engine/internal/vectorindex"
)

// MCPSearcher abstracts semantic search for the MCP layer.
type MCPSearcher interface {
	Retrieve(ctx context.Context, owner, question string, history []storage.Turn, filter vectorindex.Filter) ([]vectorindex.ScoredRecord, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store    *storage.Store
	Asker    Asker
	Searcher MCPSearcher
	// DefaultOwner scopes tools when the caller omits owner_id. An MCP
	// client session usually belongs to exactly one student.
	DefaultOwner string
}

// NewMCPServer creates an MCP server exposing the study assistant's ask
// and search tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"eduverse",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("eduverse — ask questions about ingested study materials and get answers with verifiable citations."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("ask",
			mcp.WithDescription("Answer a question from the indexed study materials, with citations back to the source pages or timestamps."),
			mcp.WithString("question", mcp.Description("The question to answer"), mcp.Required()),
			mcp.WithString("owner_id", mcp.Description("Owner namespace; defaults to the configured owner")),
			mcp.WithString("session_id", mcp.Description("Conversation session for follow-up questions")),
			mcp.WithString("course_id", mcp.Description("Restrict to one course")),
		),
		mcpAsk(deps),
	)

	s.AddTool(
		mcp.NewTool("search",
			mcp.WithDescription("Semantically search the indexed study materials and return matching chunks without generating an answer."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithString("owner_id", mcp.Description("Owner namespace; defaults to the configured owner")),
			mcp.WithString("course_id", mcp.Description("Restrict to one course")),
			mcp.WithString("modality", mcp.Description("Restrict to one modality: document, audio, video or image")),
			mcp.WithBoolean("visual_only", mcp.Description("Only chunks with visual content")),
		),
		mcpSearch(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"eduverse://artifacts",
			"Indexed Artifacts",
			mcp.WithResourceDescription("Study materials indexed for the configured owner"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceArtifacts(deps),
	)

	return s
}

func mcpAsk(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}
		owner := req.GetString("owner_id", deps.DefaultOwner)
		if owner == "" {
			return mcpError("owner_id is required"), nil
		}

		answer, err := deps.Asker.Ask(ctx, pipeline.Ask{
			OwnerID:   owner,
			SessionID: req.GetString("session_id", ""),
			Question:  question,
			Filter:    vectorindex.Filter{CourseID: req.GetString("course_id", "")},
		})
		if err != nil {
			return mcpError(fmt.Sprintf("ask failed: %v", err)), nil
		}

		b, err := json.Marshal(answer)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal answer: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpSearch(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		owner := req.GetString("owner_id", deps.DefaultOwner)
		if owner == "" {
			return mcpError("owner_id is required"), nil
		}

		filter := vectorindex.Filter{
			CourseID:   req.GetString("course_id", ""),
			VisualOnly: req.GetBool("visual_only", false),
		}
		if modality := req.GetString("modality", ""); modality != "" {
			filter.Modalities = []string{modality}
		}

		chunks, err := deps.Searcher.Retrieve(ctx, owner, query, nil, filter)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if len(chunks) == 0 {
			return mcpText("[]"), nil
		}

		type chunkResult struct {
			ID       string  `json:"id"`
			SourceID string  `json:"source_id"`
			Label    string  `json:"label"`
			Modality string  `json:"modality"`
			Text     string  `json:"text"`
			Score    float32 `json:"score"`
		}
		results := make([]chunkResult, len(chunks))
		for i, c := range chunks {
			results[i] = chunkResult{
				ID:       c.ID,
				SourceID: c.SourceID,
				Label:    composer.SourceLabel(c.Record),
				Modality: c.Modality,
				Text:     c.Text,
				Score:    c.Score,
			}
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceArtifacts(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		if deps.DefaultOwner == "" {
			return nil, fmt.Errorf("no default owner configured")
		}
		artifacts, err := deps.Store.ListArtifacts(deps.DefaultOwner)
		if err != nil {
			return nil, fmt.Errorf("failed to list artifacts: %w", err)
		}

		type artifactSummary struct {
			ID        string `json:"id"`
			Name      string `json:"name"`
			Modality  string `json:"modality"`
			CourseID  string `json:"course_id,omitempty"`
			DocType   string `json:"doc_type,omitempty"`
			CreatedAt string `json:"created_at"`
		}
		summaries := make([]artifactSummary, len(artifacts))
		for i, a := range artifacts {
			summaries[i] = artifactSummary{
				ID:        a.ID,
				Name:      a.Name,
				Modality:  a.Modality,
				CourseID:  a.CourseID,
				DocType:   a.DocType,
				CreatedAt: a.CreatedAt.Format(time.RFC3339),
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal artifacts: %w", err)
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
