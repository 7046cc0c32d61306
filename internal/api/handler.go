package api

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/docvec/internal/blob"
	"github.com/kalambet/docvec/internal/chunker"
	"github.com/kalambet/docvec/internal/document"
	"github.com/kalambet/docvec/internal/imagepipe"
	"github.com/kalambet/docvec/internal/metrics"
	"github.com/kalambet/docvec/internal/orchestrator"
	"github.com/kalambet/docvec/internal/parser"
	"github.com/kalambet/docvec/internal/storage"
)

const (
	maxUploadSize      = 64 << 20 // 64MB
	maxRequestBodySize = 1 << 20  // 1MB
)

// Deps are the services behind the HTTP and MCP adapters.
type Deps struct {
	Store        *storage.Store
	Documents    *document.Service
	Orchestrator *orchestrator.Orchestrator
	Images       *imagepipe.Pipeline
	Blobs        blob.Store
	Token        string
	// MCP, when set, is mounted at /mcp behind the bearer token.
	MCP http.Handler
}

// NewHandler returns the REST API. /health and /metrics are open; every
// other route requires the bearer token.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", handleHealth)
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Route("/documents", func(r chi.Router) {
			r.Get("/", handleListDocuments(deps))
			r.Post("/", handleUpload(deps))
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", handleGetDocument(deps))
				r.Delete("/", handleDeleteDocument(deps))
				r.Get("/collections", handleEmbeddedCollections(deps))
				r.Delete("/collections/{collectionID}", handleRemoveDocument(deps))
				r.Get("/configs/{collectionID}", handleGetConfigs(deps))
				r.Put("/configs/{collectionID}", handlePutConfigs(deps))
				r.Get("/images", handleListImages(deps))
				r.Post("/images/extract", handleExtractImages(deps))
			})
		})

		r.Post("/preview", handlePreview(deps))
		r.Post("/embed", handleEmbed(deps))
		r.Get("/outdated", handleOutdated(deps))
		r.Post("/outdated/refresh", handleRefreshOutdated(deps))

		r.Route("/collections", func(r chi.Router) {
			r.Get("/", handleListCollections(deps))
			r.Post("/", handleCreateCollection(deps))
			r.Post("/sync", handleSyncCollections(deps))
			r.Get("/{id}", handleGetCollection(deps))
			r.Delete("/{id}", handleDeleteCollection(deps))
			r.Get("/{id}/documents", handleCollectionDocuments(deps))
		})

		r.Route("/images/{id}", func(r chi.Router) {
			r.Get("/", handleGetImage(deps))
			r.Get("/content", handleImageContent(deps))
			r.Patch("/", handleDescribeImage(deps))
			r.Post("/embed", handleEmbedImage(deps))
			r.Delete("/collections/{collectionID}", handleRemoveImage(deps))
		})

		r.Get("/reports", handleListReports(deps))
		r.Get("/reports/removals", handleListRemovals(deps))
		r.Post("/search", handleSearch(deps))
		r.Get("/models", handleListModels(deps))
		r.Get("/jobs", handleJobs(deps))

		if deps.MCP != nil {
			r.Handle("/mcp", deps.MCP)
		}
	})
	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "validation", "invalid request body: %v", err)
		return false
	}
	return true
}

// --- documents ---

type uploadRequest struct {
	Name    string `json:"name"`
	Content string `json:"content"` // base64
	Source  string `json:"source"`
	Force   bool   `json:"force"`
}

// handleUpload accepts either multipart/form-data with a "file" part or a
// JSON body with base64 content.
func handleUpload(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
		defer r.Body.Close()

		var up document.Upload
		if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
			var req uploadRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				httpError(w, http.StatusBadRequest, "validation", "invalid request body: %v", err)
				return
			}
			data, err := base64.StdEncoding.DecodeString(req.Content)
			if err != nil {
				httpError(w, http.StatusBadRequest, "validation", "invalid base64 content")
				return
			}
			up = document.Upload{Name: req.Name, Data: data, Source: req.Source, Force: req.Force}
		} else {
			file, header, err := r.FormFile("file")
			if err != nil {
				httpError(w, http.StatusBadRequest, "validation", "missing file part: %v", err)
				return
			}
			defer file.Close()
			data, err := io.ReadAll(file)
			if err != nil {
				httpError(w, http.StatusBadRequest, "validation", "reading upload: %v", err)
				return
			}
			force, _ := strconv.ParseBool(r.FormValue("force"))
			up = document.Upload{Name: header.Filename, Data: data, Source: r.FormValue("source"), Force: force}
		}
		if up.Source == "" {
			up.Source = "api"
		}

		doc, err := deps.Documents.Upload(r.Context(), up)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, doc)
	}
}

func handleListDocuments(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		docs, err := deps.Documents.List()
		if err != nil {
			writeError(w, err)
			return
		}
		if docs == nil {
			docs = []storage.Document{}
		}
		writeJSON(w, http.StatusOK, docs)
	}
}

func handleGetDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc, err := deps.Documents.Get(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, doc)
	}
}

func handleDeleteDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reports, err := deps.Orchestrator.DeleteDocument(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		if reports == nil {
			reports = []storage.RemovalReport{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "deleted", "removals": reports})
	}
}

func handleEmbeddedCollections(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pairs, err := deps.Store.EmbeddedCollections(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		if pairs == nil {
			pairs = []storage.EmbeddedPair{}
		}
		writeJSON(w, http.StatusOK, pairs)
	}
}

func handleRemoveDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rep, err := deps.Orchestrator.RemoveDocument(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "collectionID"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rep)
	}
}

// --- configs ---

type configsBody struct {
	Parse *parser.Config  `json:"parse_config,omitempty"`
	Chunk *chunker.Config `json:"chunk_config,omitempty"`
}

func handleGetConfigs(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		docID, collID := chi.URLParam(r, "id"), chi.URLParam(r, "collectionID")
		pc, err := deps.Documents.ParseConfig(docID, collID)
		if err != nil {
			writeError(w, err)
			return
		}
		cc, err := deps.Documents.ChunkConfig(docID, collID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, configsBody{Parse: &pc, Chunk: &cc})
	}
}

// handlePutConfigs saves whichever of the two configs the body carries.
func handlePutConfigs(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		docID, collID := chi.URLParam(r, "id"), chi.URLParam(r, "collectionID")
		var body configsBody
		if !decodeBody(w, r, &body) {
			return
		}
		if body.Parse == nil && body.Chunk == nil {
			httpError(w, http.StatusBadRequest, "validation", "parse_config or chunk_config is required")
			return
		}
		if _, err := deps.Documents.Get(docID); err != nil {
			writeError(w, err)
			return
		}
		if _, err := deps.Store.GetCollection(collID); err != nil {
			writeError(w, err)
			return
		}
		if body.Parse != nil {
			if err := deps.Documents.SetParseConfig(docID, collID, *body.Parse); err != nil {
				writeError(w, err)
				return
			}
		}
		if body.Chunk != nil {
			if err := deps.Documents.SetChunkConfig(docID, collID, *body.Chunk); err != nil {
				writeError(w, err)
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
	}
}

func handlePreview(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req orchestrator.PreviewRequest
		if !decodeBody(w, r, &req) {
			return
		}
		p, err := deps.Orchestrator.Preview(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

// --- embedding ---

type embedRequest struct {
	CollectionID string   `json:"collection_id"`
	DocumentID   string   `json:"document_id,omitempty"`
	DocumentIDs  []string `json:"document_ids,omitempty"`
}

type batchItem struct {
	DocumentID string                   `json:"document_id"`
	Report     *storage.EmbeddingReport `json:"report,omitempty"`
	Error      string                   `json:"error,omitempty"`
}

func batchView(results []orchestrator.BatchResult) []batchItem {
	out := make([]batchItem, len(results))
	for i, res := range results {
		out[i] = batchItem{DocumentID: res.DocumentID, Report: res.Report}
		if res.Err != nil {
			out[i].Error = res.Err.Error()
		}
	}
	return out
}

// handleEmbed embeds one document synchronously, or many as a batch whose
// per-document outcomes are returned together.
func handleEmbed(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req embedRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.CollectionID == "" {
			httpError(w, http.StatusBadRequest, "validation", "collection_id is required")
			return
		}
		switch {
		case len(req.DocumentIDs) > 0:
			results := deps.Orchestrator.BatchEmbed(r.Context(), req.DocumentIDs, req.CollectionID)
			writeJSON(w, http.StatusOK, batchView(results))
		case req.DocumentID != "":
			rep, err := deps.Orchestrator.EmbedDocument(r.Context(), req.DocumentID, req.CollectionID)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, rep)
		default:
			httpError(w, http.StatusBadRequest, "validation", "document_id or document_ids is required")
		}
	}
}

func handleOutdated(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pairs, err := deps.Orchestrator.Outdated()
		if err != nil {
			writeError(w, err)
			return
		}
		if pairs == nil {
			pairs = []storage.EmbeddedPair{}
		}
		writeJSON(w, http.StatusOK, pairs)
	}
}

func handleRefreshOutdated(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		results, err := deps.Orchestrator.RefreshOutdated(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, batchView(results))
	}
}

// --- collections ---

func handleListCollections(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		colls, err := deps.Store.ListCollections(r.URL.Query().Get("vector_db"))
		if err != nil {
			writeError(w, err)
			return
		}
		if colls == nil {
			colls = []storage.Collection{}
		}
		writeJSON(w, http.StatusOK, colls)
	}
}

func handleCreateCollection(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req orchestrator.NewCollection
		if !decodeBody(w, r, &req) {
			return
		}
		c, err := deps.Orchestrator.CreateCollection(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, c)
	}
}

func handleGetCollection(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := deps.Store.GetCollection(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, c)
	}
}

func handleDeleteCollection(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Orchestrator.DeleteCollection(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func handleSyncCollections(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := deps.Orchestrator.SyncCollections(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleCollectionDocuments(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pairs, err := deps.Store.DocumentsInCollection(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		if pairs == nil {
			pairs = []storage.EmbeddedPair{}
		}
		writeJSON(w, http.StatusOK, pairs)
	}
}

// --- images ---

func handleListImages(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		images, err := deps.Store.ListImages(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		if images == nil {
			images = []storage.Image{}
		}
		writeJSON(w, http.StatusOK, images)
	}
}

func handleExtractImages(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc, err := deps.Documents.Get(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		if !imagepipe.Supported(doc.Ext) {
			writeError(w, imagepipe.ErrUnsupported)
			return
		}
		if err := deps.Images.Enqueue(doc.ID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "document_id": doc.ID})
	}
}

func handleGetImage(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		img, err := deps.Store.GetImage(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		embedded, err := deps.Store.ListImageEmbeddings(img.ID)
		if err != nil {
			writeError(w, err)
			return
		}
		if embedded == nil {
			embedded = []storage.ImageEmbedding{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"image": img, "collections": embedded})
	}
}

func handleImageContent(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		img, err := deps.Store.GetImage(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		data, err := deps.Blobs.Get(r.Context(), img.Path)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "image/"+img.Format)
		w.Write(data)
	}
}

type describeRequest struct {
	Description string `json:"description"`
}

func handleDescribeImage(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req describeRequest
		if !decodeBody(w, r, &req) {
			return
		}
		id := chi.URLParam(r, "id")
		if err := deps.Store.SetImageDescription(id, req.Description); err != nil {
			writeError(w, err)
			return
		}
		img, err := deps.Store.GetImage(id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, img)
	}
}

type embedImageRequest struct {
	CollectionID string `json:"collection_id"`
	Description  string `json:"description,omitempty"`
}

func handleEmbedImage(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req embedImageRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.CollectionID == "" {
			httpError(w, http.StatusBadRequest, "validation", "collection_id is required")
			return
		}
		rep, err := deps.Orchestrator.EmbedImage(r.Context(), chi.URLParam(r, "id"), req.CollectionID, req.Description)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rep)
	}
}

func handleRemoveImage(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rep, err := deps.Orchestrator.RemoveImage(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "collectionID"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rep)
	}
}

// --- reports, search, models, jobs ---

func reportFilter(r *http.Request) storage.ReportFilter {
	q := r.URL.Query()
	return storage.ReportFilter{
		Type:         q.Get("type"),
		DocumentID:   q.Get("document_id"),
		CollectionID: q.Get("collection_id"),
		ImageID:      q.Get("image_id"),
		Limit:        parseIntParam(r, "limit", 50, 500),
	}
}

func handleListReports(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reports, err := deps.Store.ListEmbeddingReports(reportFilter(r))
		if err != nil {
			writeError(w, err)
			return
		}
		if reports == nil {
			reports = []storage.EmbeddingReport{}
		}
		writeJSON(w, http.StatusOK, reports)
	}
}

func handleListRemovals(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reports, err := deps.Store.ListRemovalReports(reportFilter(r))
		if err != nil {
			writeError(w, err)
			return
		}
		if reports == nil {
			reports = []storage.RemovalReport{}
		}
		writeJSON(w, http.StatusOK, reports)
	}
}

func handleSearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req orchestrator.SearchRequest
		if !decodeBody(w, r, &req) {
			return
		}
		matches, err := deps.Orchestrator.Search(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, matches)
	}
}

func handleListModels(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		models, err := deps.Orchestrator.ListModels(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, models)
	}
}

// handleJobs reports the orchestrator's in-memory jobs and the durable image
// queue by status.
func handleJobs(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		queue, err := deps.Store.CountJobs(imagepipe.JobType)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"jobs":        deps.Orchestrator.Jobs(),
			"image_queue": queue,
		})
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
