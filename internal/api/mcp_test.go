package api

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/docvec/internal/storage"
)

func toolText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) == 0 {
		t.Fatal("empty tool result")
	}
	tc, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("content type = %T, want mcp.TextContent", res.Content[0])
	}
	return tc.Text
}

func callTool(name string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{Name: name, Arguments: args},
	}
}

func TestMCPTool_EmbedAndSearch(t *testing.T) {
	h, deps := setupHandler(t, "")
	doc := uploadText(t, h, "kb.txt", "Gophers live in burrows.\n\nCats sleep in the sun.")
	coll := createCollection(t, h, "kb")

	res, err := mcpEmbedDocument(deps)(context.Background(), callTool("embed_document", map[string]any{
		"document_id":   doc.ID,
		"collection_id": coll.ID,
	}))
	if err != nil {
		t.Fatalf("embed_document error: %v", err)
	}
	if res.IsError {
		t.Fatalf("embed_document failed: %s", toolText(t, res))
	}
	if !strings.HasPrefix(toolText(t, res), "Embedded ") {
		t.Errorf("text = %q, want Embedded prefix", toolText(t, res))
	}

	res, err = mcpSearch(deps)(context.Background(), callTool("search", map[string]any{
		"collection_id": coll.ID,
		"query":         "Gophers live in burrows.",
		"limit":         float64(2),
	}))
	if err != nil {
		t.Fatalf("search error: %v", err)
	}
	if res.IsError {
		t.Fatalf("search failed: %s", toolText(t, res))
	}
	var results []struct {
		DocumentID string  `json:"document_id"`
		Text       string  `json:"text"`
		Distance   float32 `json:"distance"`
	}
	if err := json.Unmarshal([]byte(toolText(t, res)), &results); err != nil {
		t.Fatalf("decoding results: %v", err)
	}
	if len(results) == 0 || results[0].DocumentID != doc.ID {
		t.Fatalf("results = %+v, want hits from %s", results, doc.ID)
	}
	for i := 1; i < len(results); i++ {
		if results[i].Distance < results[i-1].Distance {
			t.Errorf("results not ordered by distance: %+v", results)
		}
	}

	res, _ = mcpListReports(deps)(context.Background(), callTool("list_reports", map[string]any{
		"document_id": doc.ID,
	}))
	var reports []storage.EmbeddingReport
	json.Unmarshal([]byte(toolText(t, res)), &reports)
	if len(reports) != 1 {
		t.Errorf("reports = %d, want 1", len(reports))
	}

	res, _ = mcpRemoveDocument(deps)(context.Background(), callTool("remove_document", map[string]any{
		"document_id":   doc.ID,
		"collection_id": coll.ID,
	}))
	if res.IsError {
		t.Fatalf("remove_document failed: %s", toolText(t, res))
	}
	pairs, err := deps.Store.EmbeddedCollections(doc.ID)
	if err != nil {
		t.Fatalf("EmbeddedCollections failed: %v", err)
	}
	if len(pairs) != 0 {
		t.Errorf("pairs = %+v, want none after removal", pairs)
	}
}

func TestMCPTool_MissingArguments(t *testing.T) {
	_, deps := setupHandler(t, "")

	tests := []struct {
		name string
		call func() (*mcp.CallToolResult, error)
	}{
		{"search", func() (*mcp.CallToolResult, error) {
			return mcpSearch(deps)(context.Background(), callTool("search", map[string]any{"query": "q"}))
		}},
		{"embed_document", func() (*mcp.CallToolResult, error) {
			return mcpEmbedDocument(deps)(context.Background(), callTool("embed_document", map[string]any{"document_id": "d"}))
		}},
		{"remove_document", func() (*mcp.CallToolResult, error) {
			return mcpRemoveDocument(deps)(context.Background(), callTool("remove_document", map[string]any{}))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := tt.call()
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !res.IsError {
				t.Errorf("IsError = false, want true; text = %q", toolText(t, res))
			}
		})
	}
}

func TestMCPTool_SearchUnknownCollection(t *testing.T) {
	_, deps := setupHandler(t, "")

	res, err := mcpSearch(deps)(context.Background(), callTool("search", map[string]any{
		"collection_id": "missing",
		"query":         "anything",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.IsError {
		t.Fatal("IsError = false, want true")
	}
	if !strings.Contains(toolText(t, res), "search failed") {
		t.Errorf("text = %q, want search failed", toolText(t, res))
	}
}

func TestMCPTool_ListDocumentsAndCollections(t *testing.T) {
	h, deps := setupHandler(t, "")
	uploadText(t, h, "one.txt", "first")
	uploadText(t, h, "two.txt", "second")
	createCollection(t, h, "c1")

	res, _ := mcpListDocuments(deps)(context.Background(), callTool("list_documents", nil))
	var docs []storage.Document
	if err := json.Unmarshal([]byte(toolText(t, res)), &docs); err != nil {
		t.Fatalf("decoding documents: %v", err)
	}
	if len(docs) != 2 {
		t.Errorf("documents = %d, want 2", len(docs))
	}

	res, _ = mcpListCollections(deps)(context.Background(), callTool("list_collections", map[string]any{"vector_db": "qdrant"}))
	if toolText(t, res) != "[]" {
		t.Errorf("qdrant collections = %s, want []", toolText(t, res))
	}
}

func TestMCPResource_Collections(t *testing.T) {
	h, deps := setupHandler(t, "")
	createCollection(t, h, "res")

	contents, err := mcpResourceCollections(deps)(context.Background(), mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{URI: "docvec://collections"},
	})
	if err != nil {
		t.Fatalf("resource error: %v", err)
	}
	if len(contents) != 1 {
		t.Fatalf("contents = %d, want 1", len(contents))
	}
	trc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("content type = %T, want TextResourceContents", contents[0])
	}
	if !strings.Contains(trc.Text, `"res"`) {
		t.Errorf("text = %s, want collection res", trc.Text)
	}
}

func TestMCPServer_ConcurrentCalls(t *testing.T) {
	h, deps := setupHandler(t, "")
	uploadText(t, h, "c.txt", "concurrent")
	if s := NewMCPServer(deps, "test"); s == nil {
		t.Fatal("NewMCPServer returned nil")
	}

	handler := mcpListDocuments(deps)
	var wg sync.WaitGroup
	errs := make(chan string, 10)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := handler(context.Background(), callTool("list_documents", nil))
			if err != nil || res.IsError {
				errs <- "list_documents failed"
			}
		}()
	}
	wg.Wait()
	close(errs)
	for e := range errs {
		t.Error(e)
	}
}
