package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/docvec/internal/blob"
	"github.com/kalambet/docvec/internal/cache"
	"github.com/kalambet/docvec/internal/document"
	"github.com/kalambet/docvec/internal/embedder"
	"github.com/kalambet/docvec/internal/imagepipe"
	"github.com/kalambet/docvec/internal/orchestrator"
	"github.com/kalambet/docvec/internal/storage"
	"github.com/kalambet/docvec/internal/vectordb"
)

const testToken = "test-token-12345"

// stubProvider embeds text as a 3-dimensional vector derived from its hash.
type stubProvider struct{}

func (stubProvider) ID() string { return "stub" }

func (stubProvider) ListModels(context.Context) ([]embedder.Model, error) {
	return []embedder.Model{{Name: "m1", Dimensions: 3, Provider: "stub"}}, nil
}

func (stubProvider) Embed(_ context.Context, _ string, texts []string) (embedder.Embeddings, error) {
	out := embedder.Embeddings{Vectors: make([][]float32, len(texts))}
	for i, t := range texts {
		h := fnv.New64a()
		h.Write([]byte(t))
		sum := h.Sum64()
		out.Vectors[i] = []float32{
			float32(sum&0xffff)/65535 + 0.1,
			float32((sum>>16)&0xffff)/65535 - 0.5,
			float32((sum>>32)&0xffff)/65535 - 0.5,
		}
	}
	return out, nil
}

func setupHandler(t *testing.T, token string) (http.Handler, Deps) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	blobs, err := blob.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore failed: %v", err)
	}

	docs := document.NewService(store, blobs)
	orch := orchestrator.New(orchestrator.Deps{
		Store:     store,
		Documents: docs,
		Blobs:     blobs,
		Cache:     cache.New(cache.NewMemoryStore(), 0),
		Embedders: embedder.NewRegistry(stubProvider{}),
		Vectors:   vectordb.NewRegistry(vectordb.NewSQLite(store.DB())),
	}, orchestrator.Options{Backoff: time.Millisecond})

	deps := Deps{
		Store:        store,
		Documents:    docs,
		Orchestrator: orch,
		Images:       imagepipe.New(store, blobs, imagepipe.Options{}),
		Blobs:        blobs,
		Token:        token,
	}
	return NewHandler(deps), deps
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func uploadText(t *testing.T, h http.Handler, name, text string) storage.Document {
	t.Helper()
	body := fmt.Sprintf(`{"name":%q,"content":%q}`, name, base64.StdEncoding.EncodeToString([]byte(text)))
	rr := serve(h, authReq(http.MethodPost, "/documents", body, testToken))
	if rr.Code != http.StatusCreated {
		t.Fatalf("upload status = %d, want %d; body = %s", rr.Code, http.StatusCreated, rr.Body.String())
	}
	var doc storage.Document
	if err := json.NewDecoder(rr.Body).Decode(&doc); err != nil {
		t.Fatalf("decoding document: %v", err)
	}
	return doc
}

func createCollection(t *testing.T, h http.Handler, name string) storage.Collection {
	t.Helper()
	body := fmt.Sprintf(`{"name":%q,"provider":"stub","model":"m1","vector_db":"sqlite"}`, name)
	rr := serve(h, authReq(http.MethodPost, "/collections", body, testToken))
	if rr.Code != http.StatusCreated {
		t.Fatalf("create collection status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var c storage.Collection
	if err := json.NewDecoder(rr.Body).Decode(&c); err != nil {
		t.Fatalf("decoding collection: %v", err)
	}
	return c
}

func errorType(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	return resp.Error.Type
}

func TestHealth(t *testing.T) {
	h, _ := setupHandler(t, testToken)

	rr := serve(h, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	if !strings.Contains(rr.Body.String(), `"ok"`) {
		t.Errorf("body = %s, want status ok", rr.Body.String())
	}
}

func TestAuth_MissingToken(t *testing.T) {
	h, _ := setupHandler(t, testToken)

	rr := serve(h, authReq(http.MethodGet, "/documents", "", ""))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusUnauthorized)
	}
	rr = serve(h, authReq(http.MethodGet, "/documents", "", "wrong"))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusUnauthorized)
	}
}

func TestAuth_Disabled(t *testing.T) {
	h, _ := setupHandler(t, "")

	rr := serve(h, authReq(http.MethodGet, "/documents", "", ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	if strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Errorf("body = %s, want []", rr.Body.String())
	}
}

func TestUpload_Multipart(t *testing.T) {
	h, deps := setupHandler(t, testToken)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "notes.md")
	if err != nil {
		t.Fatal(err)
	}
	fw.Write([]byte("# Notes\n\nSome markdown body."))
	mw.WriteField("source", "cli")
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/documents", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+testToken)
	rr := serve(h, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusCreated, rr.Body.String())
	}

	var doc storage.Document
	json.NewDecoder(rr.Body).Decode(&doc)
	got, err := deps.Store.GetDocument(doc.ID)
	if err != nil {
		t.Fatalf("GetDocument(%q) failed: %v", doc.ID, err)
	}
	if got.Name != "notes.md" || got.Source != "cli" {
		t.Errorf("document = %+v, want notes.md from cli", got)
	}
}

func TestUpload_DuplicateContentConflicts(t *testing.T) {
	h, _ := setupHandler(t, testToken)
	uploadText(t, h, "a.txt", "same content")

	body := fmt.Sprintf(`{"name":"b.txt","content":%q}`, base64.StdEncoding.EncodeToString([]byte("same content")))
	rr := serve(h, authReq(http.MethodPost, "/documents", body, testToken))
	if rr.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusConflict, rr.Body.String())
	}
	if typ := errorType(t, rr); typ != "conflict" {
		t.Errorf("error type = %q, want conflict", typ)
	}
}

func TestUpload_UnsupportedFormat(t *testing.T) {
	h, _ := setupHandler(t, testToken)

	body := fmt.Sprintf(`{"name":"tool.exe","content":%q}`, base64.StdEncoding.EncodeToString([]byte("MZ")))
	rr := serve(h, authReq(http.MethodPost, "/documents", body, testToken))
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusUnprocessableEntity, rr.Body.String())
	}
}

func TestGetDocument_NotFound(t *testing.T) {
	h, _ := setupHandler(t, testToken)

	rr := serve(h, authReq(http.MethodGet, "/documents/missing", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusNotFound)
	}
	if typ := errorType(t, rr); typ != "not_found" {
		t.Errorf("error type = %q, want not_found", typ)
	}
}

func TestEmbedSearchAndDelete(t *testing.T) {
	h, deps := setupHandler(t, testToken)
	doc := uploadText(t, h, "guide.txt", "Alpha section about cats.\n\nBeta section about dogs.")
	coll := createCollection(t, h, "pets")

	body := fmt.Sprintf(`{"collection_id":%q,"document_id":%q}`, coll.ID, doc.ID)
	rr := serve(h, authReq(http.MethodPost, "/embed", body, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("embed status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var rep storage.EmbeddingReport
	json.NewDecoder(rr.Body).Decode(&rep)
	if rep.TotalVectors == 0 || rep.DocumentID != doc.ID {
		t.Errorf("report = %+v, want vectors for %s", rep, doc.ID)
	}

	body = fmt.Sprintf(`{"collection_id":%q,"query":"Alpha section about cats.","limit":3}`, coll.ID)
	rr = serve(h, authReq(http.MethodPost, "/search", body, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("search status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var matches []vectordb.Match
	json.NewDecoder(rr.Body).Decode(&matches)
	if len(matches) == 0 || matches[0].Payload.DocumentID != doc.ID {
		t.Fatalf("matches = %+v, want hits from %s", matches, doc.ID)
	}

	rr = serve(h, authReq(http.MethodGet, "/documents/"+doc.ID+"/collections", "", testToken))
	if !strings.Contains(rr.Body.String(), coll.ID) {
		t.Errorf("embedded collections = %s, want %s", rr.Body.String(), coll.ID)
	}

	rr = serve(h, authReq(http.MethodGet, "/reports?document_id="+doc.ID, "", testToken))
	var reports []storage.EmbeddingReport
	json.NewDecoder(rr.Body).Decode(&reports)
	if len(reports) != 1 {
		t.Errorf("reports = %d, want 1", len(reports))
	}

	rr = serve(h, authReq(http.MethodDelete, "/documents/"+doc.ID, "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("delete status = %d; body = %s", rr.Code, rr.Body.String())
	}
	if _, err := deps.Store.GetDocument(doc.ID); err == nil {
		t.Error("document still present after delete")
	}
	removals, err := deps.Store.ListRemovalReports(storage.ReportFilter{})
	if err != nil {
		t.Fatalf("ListRemovalReports failed: %v", err)
	}
	if len(removals) != 1 {
		t.Errorf("removal reports = %d, want 1", len(removals))
	}
}

func TestEmbed_Batch(t *testing.T) {
	h, _ := setupHandler(t, testToken)
	a := uploadText(t, h, "a.txt", "first document")
	coll := createCollection(t, h, "batch")

	body := fmt.Sprintf(`{"collection_id":%q,"document_ids":[%q,"missing"]}`, coll.ID, a.ID)
	rr := serve(h, authReq(http.MethodPost, "/embed", body, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var items []batchItem
	json.NewDecoder(rr.Body).Decode(&items)
	if len(items) != 2 {
		t.Fatalf("items = %d, want 2", len(items))
	}
	if items[0].Report == nil || items[0].Error != "" {
		t.Errorf("items[0] = %+v, want a report", items[0])
	}
	if items[1].Error == "" {
		t.Errorf("items[1] = %+v, want an error", items[1])
	}
}

func TestEmbed_Validation(t *testing.T) {
	h, _ := setupHandler(t, testToken)

	tests := []struct {
		name string
		body string
	}{
		{"missing collection", `{"document_id":"d"}`},
		{"missing document", `{"collection_id":"c"}`},
		{"malformed", `{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := serve(h, authReq(http.MethodPost, "/embed", tt.body, testToken))
			if rr.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", rr.Code, http.StatusBadRequest)
			}
		})
	}
}

func TestConfigs_RoundTripAndValidation(t *testing.T) {
	h, _ := setupHandler(t, testToken)
	doc := uploadText(t, h, "cfg.txt", "config target")
	coll := createCollection(t, h, "cfg")
	path := "/documents/" + doc.ID + "/configs/" + coll.ID

	rr := serve(h, authReq(http.MethodPut, path, `{"chunk_config":{"kind":"sliding"}}`, testToken))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("invalid config status = %d, want %d; body = %s", rr.Code, http.StatusBadRequest, rr.Body.String())
	}

	body := `{"chunk_config":{"kind":"sliding","sliding":{"size":50,"overlap":5}}}`
	rr = serve(h, authReq(http.MethodPut, path, body, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("put status = %d; body = %s", rr.Code, rr.Body.String())
	}

	rr = serve(h, authReq(http.MethodGet, path, "", testToken))
	var got configsBody
	json.NewDecoder(rr.Body).Decode(&got)
	if got.Chunk == nil || got.Chunk.Sliding == nil || got.Chunk.Sliding.Size != 50 {
		t.Errorf("chunk config = %+v, want size 50", got.Chunk)
	}
	if got.Parse == nil {
		t.Error("parse config missing, want the default")
	}
}

func TestPreview(t *testing.T) {
	h, _ := setupHandler(t, testToken)
	doc := uploadText(t, h, "long.txt", strings.Repeat("word ", 100))

	body := fmt.Sprintf(`{"document_id":%q,"chunk_config":{"kind":"sliding","sliding":{"size":100,"overlap":0}}}`, doc.ID)
	rr := serve(h, authReq(http.MethodPost, "/preview", body, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var p document.Preview
	json.NewDecoder(rr.Body).Decode(&p)
	if p.Total < 5 {
		t.Errorf("total = %d, want at least 5 chunks", p.Total)
	}
}

func TestCollections_ListAndDelete(t *testing.T) {
	h, _ := setupHandler(t, testToken)
	coll := createCollection(t, h, "tmp")

	rr := serve(h, authReq(http.MethodPost, "/collections", `{"name":"tmp","provider":"stub","model":"m1","vector_db":"sqlite"}`, testToken))
	if rr.Code != http.StatusConflict {
		t.Errorf("duplicate status = %d, want %d; body = %s", rr.Code, http.StatusConflict, rr.Body.String())
	}

	rr = serve(h, authReq(http.MethodGet, "/collections?vector_db=sqlite", "", testToken))
	var colls []storage.Collection
	json.NewDecoder(rr.Body).Decode(&colls)
	if len(colls) != 1 || colls[0].ID != coll.ID {
		t.Fatalf("collections = %+v, want [%s]", colls, coll.ID)
	}

	rr = serve(h, authReq(http.MethodDelete, "/collections/"+coll.ID, "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("delete status = %d; body = %s", rr.Code, rr.Body.String())
	}
	rr = serve(h, authReq(http.MethodGet, "/collections/"+coll.ID, "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Errorf("get after delete = %d, want %d", rr.Code, http.StatusNotFound)
	}
}

func TestExtractImages_Unsupported(t *testing.T) {
	h, _ := setupHandler(t, testToken)
	doc := uploadText(t, h, "plain.txt", "no pictures here")

	rr := serve(h, authReq(http.MethodPost, "/documents/"+doc.ID+"/images/extract", "", testToken))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusBadRequest, rr.Body.String())
	}
}

func TestModelsAndJobs(t *testing.T) {
	h, _ := setupHandler(t, testToken)

	rr := serve(h, authReq(http.MethodGet, "/models", "", testToken))
	var models []embedder.Model
	json.NewDecoder(rr.Body).Decode(&models)
	if len(models) != 1 || models[0].Name != "m1" {
		t.Errorf("models = %+v, want [m1]", models)
	}

	rr = serve(h, authReq(http.MethodGet, "/jobs", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("jobs status = %d", rr.Code)
	}
	var jobs map[string]json.RawMessage
	json.NewDecoder(rr.Body).Decode(&jobs)
	if _, ok := jobs["image_queue"]; !ok {
		t.Errorf("jobs response = %v, want image_queue", jobs)
	}
}

func TestParseIntParam(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"", 50},
		{"limit=10", 10},
		{"limit=-1", 50},
		{"limit=abc", 50},
		{"limit=9999", 500},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/reports?"+tt.query, nil)
		if got := parseIntParam(req, "limit", 50, 500); got != tt.want {
			t.Errorf("parseIntParam(%q) = %d, want %d", tt.query, got, tt.want)
		}
	}
}
