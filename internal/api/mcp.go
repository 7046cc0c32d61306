package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/docvec/internal/orchestrator"
	"github.com/kalambet/docvec/internal/storage"
)

// NewMCPServer creates an MCP server exposing search, listing and embedding
// as tools. It shares Deps with the REST handler.
func NewMCPServer(deps Deps, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"docvec",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("docvec embeds uploaded documents into vector collections. Use search to find relevant chunks."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search",
			mcp.WithDescription("Semantically search a collection and return the closest chunks with their distances."),
			mcp.WithString("collection_id", mcp.Description("Collection to search"), mcp.Required()),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
			mcp.WithNumber("max_distance", mcp.Description("Drop matches farther than this distance")),
			mcp.WithString("document_id", mcp.Description("Restrict results to one document")),
		),
		mcpSearch(deps),
	)

	s.AddTool(
		mcp.NewTool("list_collections",
			mcp.WithDescription("List the managed vector collections."),
			mcp.WithString("vector_db", mcp.Description("Only collections on this backend")),
		),
		mcpListCollections(deps),
	)

	s.AddTool(
		mcp.NewTool("list_documents",
			mcp.WithDescription("List uploaded documents."),
		),
		mcpListDocuments(deps),
	)

	s.AddTool(
		mcp.NewTool("embed_document",
			mcp.WithDescription("Parse, chunk and embed a document into a collection, replacing any previous embedding of it."),
			mcp.WithString("document_id", mcp.Description("Document to embed"), mcp.Required()),
			mcp.WithString("collection_id", mcp.Description("Target collection"), mcp.Required()),
		),
		mcpEmbedDocument(deps),
	)

	s.AddTool(
		mcp.NewTool("remove_document",
			mcp.WithDescription("Remove a document's vectors from a collection."),
			mcp.WithString("document_id", mcp.Description("Document to remove"), mcp.Required()),
			mcp.WithString("collection_id", mcp.Description("Collection to remove it from"), mcp.Required()),
		),
		mcpRemoveDocument(deps),
	)

	s.AddTool(
		mcp.NewTool("list_reports",
			mcp.WithDescription("List recent embedding reports, newest first."),
			mcp.WithString("document_id", mcp.Description("Filter by document")),
			mcp.WithString("collection_id", mcp.Description("Filter by collection")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of reports (default 20)")),
		),
		mcpListReports(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"docvec://collections",
			"Collections",
			mcp.WithResourceDescription("Managed collections as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceCollections(deps),
	)

	return s
}

func mcpSearch(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		collID, err := req.RequireString("collection_id")
		if err != nil {
			return mcpError("collection_id is required"), nil
		}
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", 5)
		if limit <= 0 {
			limit = 5
		}
		if limit > 50 {
			limit = 50
		}
		sr := orchestrator.SearchRequest{
			CollectionID: collID,
			Query:        query,
			Limit:        limit,
			DocumentID:   req.GetString("document_id", ""),
		}
		if d := req.GetFloat("max_distance", -1); d >= 0 {
			md := float32(d)
			sr.MaxDistance = &md
		}

		matches, err := deps.Orchestrator.Search(ctx, sr)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}

		type result struct {
			DocumentID string  `json:"document_id,omitempty"`
			ImageID    string  `json:"image_id,omitempty"`
			ChunkIndex int     `json:"chunk_index"`
			Text       string  `json:"text"`
			Distance   float32 `json:"distance"`
		}
		results := make([]result, len(matches))
		for i, m := range matches {
			results[i] = result{
				DocumentID: m.Payload.DocumentID,
				ImageID:    m.Payload.ImageID,
				ChunkIndex: m.Payload.ChunkIndex,
				Text:       m.Payload.ChunkText,
				Distance:   m.Distance,
			}
			if m.Payload.ImageID != "" {
				results[i].Text = m.Payload.Description
			}
		}
		return mcpJSON(results)
	}
}

func mcpListCollections(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		colls, err := deps.Store.ListCollections(req.GetString("vector_db", ""))
		if err != nil {
			return mcpError(fmt.Sprintf("listing collections failed: %v", err)), nil
		}
		if colls == nil {
			colls = []storage.Collection{}
		}
		return mcpJSON(colls)
	}
}

func mcpListDocuments(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		docs, err := deps.Documents.List()
		if err != nil {
			return mcpError(fmt.Sprintf("listing documents failed: %v", err)), nil
		}
		if docs == nil {
			docs = []storage.Document{}
		}
		return mcpJSON(docs)
	}
}

func mcpEmbedDocument(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		docID, err := req.RequireString("document_id")
		if err != nil {
			return mcpError("document_id is required"), nil
		}
		collID, err := req.RequireString("collection_id")
		if err != nil {
			return mcpError("collection_id is required"), nil
		}

		rep, err := deps.Orchestrator.EmbedDocument(ctx, docID, collID)
		if err != nil {
			return mcpError(fmt.Sprintf("embedding failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Embedded %d vectors of %s into %s in %s",
			rep.TotalVectors, docID, collID, rep.FinishedAt.Sub(rep.StartedAt).Round(time.Millisecond))), nil
	}
}

func mcpRemoveDocument(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		docID, err := req.RequireString("document_id")
		if err != nil {
			return mcpError("document_id is required"), nil
		}
		collID, err := req.RequireString("collection_id")
		if err != nil {
			return mcpError("collection_id is required"), nil
		}

		if _, err := deps.Orchestrator.RemoveDocument(ctx, docID, collID); err != nil {
			return mcpError(fmt.Sprintf("removal failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Removed %s from %s", docID, collID)), nil
	}
}

func mcpListReports(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 20)
		if limit <= 0 || limit > 500 {
			limit = 20
		}
		reports, err := deps.Store.ListEmbeddingReports(storage.ReportFilter{
			DocumentID:   req.GetString("document_id", ""),
			CollectionID: req.GetString("collection_id", ""),
			Limit:        limit,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("listing reports failed: %v", err)), nil
		}
		if reports == nil {
			reports = []storage.EmbeddingReport{}
		}
		return mcpJSON(reports)
	}
}

func mcpResourceCollections(deps Deps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		colls, err := deps.Store.ListCollections("")
		if err != nil {
			return nil, fmt.Errorf("failed to list collections: %w", err)
		}
		if colls == nil {
			colls = []storage.Collection{}
		}
		b, err := json.Marshal(colls)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal collections: %w", err)
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

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: text,
			},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: msg,
			},
		},
		IsError: true,
	}
}
