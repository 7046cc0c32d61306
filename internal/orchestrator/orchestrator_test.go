package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/docvec/internal/blob"
	"github.com/kalambet/docvec/internal/cache"
	"github.com/kalambet/docvec/internal/chunker"
	"github.com/kalambet/docvec/internal/document"
	"github.com/kalambet/docvec/internal/embedder"
	"github.com/kalambet/docvec/internal/fault"
	"github.com/kalambet/docvec/internal/parser"
	"github.com/kalambet/docvec/internal/storage"
	"github.com/kalambet/docvec/internal/vectordb"
)

// fakeProvider returns deterministic 3-dimensional vectors derived from the
// input text.
type fakeProvider struct {
	id         string
	multimodal bool

	calls    atomic.Int32
	images   atomic.Int32
	failures atomic.Int32 // leading calls that fail with ErrUnavailable
	short    atomic.Bool  // answer with vectors of the wrong size

	gate      chan struct{} // when set, Embed blocks until it is closed
	imageGate chan struct{} // same for EmbedImage
}

func (f *fakeProvider) ID() string { return f.id }

func (f *fakeProvider) ListModels(context.Context) ([]embedder.Model, error) {
	return []embedder.Model{{Name: "m1", Dimensions: 3, Provider: f.id, Multimodal: f.multimodal}}, nil
}

func (f *fakeProvider) Embed(ctx context.Context, _ string, texts []string) (embedder.Embeddings, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return embedder.Embeddings{}, ctx.Err()
		}
	}
	if f.failures.Load() > 0 {
		f.failures.Add(-1)
		return embedder.Embeddings{}, embedder.ErrUnavailable
	}
	out := embedder.Embeddings{Vectors: make([][]float32, len(texts))}
	for i, t := range texts {
		out.Vectors[i] = vectorFor(t)
		if f.short.Load() {
			out.Vectors[i] = out.Vectors[i][:2]
		}
	}
	n := len(texts)
	out.TokensUsed = &n
	return out, nil
}

func (f *fakeProvider) EmbedImage(ctx context.Context, _ string, img embedder.Image) (embedder.Embeddings, error) {
	f.images.Add(1)
	if f.imageGate != nil {
		select {
		case <-f.imageGate:
		case <-ctx.Done():
			return embedder.Embeddings{}, ctx.Err()
		}
	}
	return embedder.Embeddings{Vectors: [][]float32{vectorFor(string(img.Data) + img.Text)}}, nil
}

func vectorFor(s string) []float32 {
	h := fnv.New64a()
	h.Write([]byte(s))
	sum := h.Sum64()
	return []float32{
		float32(sum&0xffff)/65535 + 0.1,
		float32((sum>>16)&0xffff)/65535 - 0.5,
		float32((sum>>32)&0xffff)/65535 - 0.5,
	}
}

type harness struct {
	o     *Orchestrator
	st    *storage.Store
	docs  *document.Service
	blobs *blob.FSStore
	vdb   *vectordb.SQLite
	prov  *fakeProvider
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	blobs, err := blob.NewFSStore(t.TempDir())
	require.NoError(t, err)

	prov := &fakeProvider{id: "fake", multimodal: true}
	docs := document.NewService(st, blobs)
	vdb := vectordb.NewSQLite(st.DB())
	o := New(Deps{
		Store:     st,
		Documents: docs,
		Blobs:     blobs,
		Cache:     cache.New(cache.NewMemoryStore(), 0),
		Embedders: embedder.NewRegistry(prov, &fakeProvider{id: "plain"}),
		Vectors:   vectordb.NewRegistry(vdb),
	}, Options{Backoff: time.Millisecond})
	return &harness{o: o, st: st, docs: docs, blobs: blobs, vdb: vdb, prov: prov}
}

func (h *harness) collection(t *testing.T, name string) storage.Collection {
	t.Helper()
	c, err := h.o.CreateCollection(context.Background(), NewCollection{
		Name: name, Provider: "fake", Model: "m1", VectorDb: vectordb.BackendSQLite,
	})
	require.NoError(t, err)
	return c
}

func paragraphs(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("Paragraph %d talks about topic %d in enough words to fill most of a window.", i, i*7)
	}
	return strings.Join(parts, "\n\n")
}

func (h *harness) upload(t *testing.T, name, text string) storage.Document {
	t.Helper()
	doc, err := h.docs.Upload(context.Background(), document.Upload{Name: name, Data: []byte(text)})
	require.NoError(t, err)
	return doc
}

func TestEmbedDocument_ThenRerunHitsCache(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	coll := h.collection(t, "papers")
	doc := h.upload(t, "d.md", paragraphs(6))

	pc := parser.Config{Range: []int{0, 3}, Mode: parser.ModeString}
	cc := chunker.Config{Kind: chunker.KindSliding, Sliding: &chunker.SlidingConfig{Size: 100, Overlap: 20}}
	require.NoError(t, h.docs.SetParseConfig(doc.ID, coll.ID, pc))
	require.NoError(t, h.docs.SetChunkConfig(doc.ID, coll.ID, cc))
	preview, err := h.docs.Preview(ctx, doc.ID, pc, cc, nil)
	require.NoError(t, err)
	require.Greater(t, preview.Total, 1)

	rep, err := h.o.EmbedDocument(ctx, doc.ID, coll.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.ReportText, rep.Type)
	assert.Equal(t, preview.Total, rep.TotalVectors)
	assert.False(t, rep.Cache)
	require.NotNil(t, rep.TokensUsed)
	assert.Equal(t, preview.Total, *rep.TokensUsed)
	assert.Equal(t, "papers", rep.CollectionName)
	assert.Equal(t, "m1", rep.ModelUsed)

	n, err := h.vdb.Count(ctx, coll.Name)
	require.NoError(t, err)
	assert.Equal(t, preview.Total, n)
	calls := h.prov.calls.Load()

	again, err := h.o.EmbedDocument(ctx, doc.ID, coll.ID)
	require.NoError(t, err)
	assert.True(t, again.Cache)
	assert.NotEqual(t, rep.ID, again.ID)
	assert.Equal(t, calls, h.prov.calls.Load())

	n, err = h.vdb.Count(ctx, coll.Name)
	require.NoError(t, err)
	assert.Equal(t, preview.Total, n, "re-running overwrites points")

	reports, err := h.st.ListEmbeddingReports(storage.ReportFilter{DocumentID: doc.ID})
	require.NoError(t, err)
	assert.Len(t, reports, 2)
	assert.Empty(t, h.o.Jobs())
}

func TestEmbedDocument_ChunkOrderInPayload(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	coll := h.collection(t, "ordered")
	doc := h.upload(t, "d.md", paragraphs(3))
	require.NoError(t, h.docs.SetParseConfig(doc.ID, coll.ID, parser.Config{Mode: parser.ModeSection}))

	_, err := h.o.EmbedDocument(ctx, doc.ID, coll.ID)
	require.NoError(t, err)

	matches, err := h.vdb.Query(ctx, coll.Name, vectorFor("anything"), 10, vectordb.Filter{DocumentID: doc.ID})
	require.NoError(t, err)
	require.Len(t, matches, 3)
	for _, m := range matches {
		want := fmt.Sprintf("Paragraph %d talks", m.Payload.ChunkIndex)
		assert.True(t, strings.HasPrefix(m.Payload.ChunkText, want), "chunk %d: %q", m.Payload.ChunkIndex, m.Payload.ChunkText)
	}
}

func TestEmbedDocument_ShrinkingDocumentDropsStalePoints(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	coll := h.collection(t, "shrink")
	doc := h.upload(t, "d.md", paragraphs(4))
	require.NoError(t, h.docs.SetParseConfig(doc.ID, coll.ID, parser.Config{Mode: parser.ModeSection}))

	_, err := h.o.EmbedDocument(ctx, doc.ID, coll.ID)
	require.NoError(t, err)

	require.NoError(t, h.docs.SetParseConfig(doc.ID, coll.ID, parser.Config{Mode: parser.ModeSection, Range: []int{0, 1}}))
	rep, err := h.o.EmbedDocument(ctx, doc.ID, coll.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.TotalVectors)

	n, err := h.vdb.Count(ctx, coll.Name)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestEmbedDocument_ConcurrentRequestsJoin(t *testing.T) {
	h := newHarness(t)
	h.prov.gate = make(chan struct{})
	ctx := context.Background()
	coll := h.collection(t, "joined")
	doc := h.upload(t, "d.md", paragraphs(2))

	var (
		wg      sync.WaitGroup
		reports [2]storage.EmbeddingReport
		errs    [2]error
	)
	start := func(i int) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reports[i], errs[i] = h.o.EmbedDocument(ctx, doc.ID, coll.ID)
		}()
	}
	start(0)
	require.Eventually(t, func() bool { return h.prov.calls.Load() == 1 }, time.Second, time.Millisecond)
	jobs := h.o.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, StateEmbedding, jobs[0].State)
	assert.Equal(t, KindText, jobs[0].Kind)

	start(1)
	time.Sleep(20 * time.Millisecond)
	close(h.prov.gate)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, int32(1), h.prov.calls.Load())
	if reports[0].ID != reports[1].ID {
		// The second request arrived after the first job ended and ran its own.
		assert.True(t, reports[1].Cache)
	}
}

func TestEmbedDocument_SameContentTwoCollections(t *testing.T) {
	h := newHarness(t)
	h.prov.gate = make(chan struct{})
	ctx := context.Background()
	a := h.collection(t, "alpha")
	b := h.collection(t, "beta")
	doc := h.upload(t, "d.md", paragraphs(2))

	var wg sync.WaitGroup
	reports := make([]storage.EmbeddingReport, 2)
	errs := make([]error, 2)
	for i, c := range []storage.Collection{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reports[i], errs[i] = h.o.EmbedDocument(ctx, doc.ID, c.ID)
		}()
	}
	require.Eventually(t, func() bool { return h.prov.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(h.prov.gate)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, int32(1), h.prov.calls.Load())
	assert.NotEqual(t, reports[0].Cache, reports[1].Cache, "exactly one job computed the vectors")
}

func TestEmbedDocument_RetriesTransientFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	coll := h.collection(t, "retry")
	doc := h.upload(t, "d.md", paragraphs(1))
	h.prov.failures.Store(1)

	rep, err := h.o.EmbedDocument(ctx, doc.ID, coll.ID)
	require.NoError(t, err)
	assert.False(t, rep.Cache)
	assert.Equal(t, int32(2), h.prov.calls.Load())
}

func TestEmbedDocument_GivesUpAfterMaxAttempts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	coll := h.collection(t, "flaky")
	doc := h.upload(t, "d.md", paragraphs(1))
	h.prov.failures.Store(10)

	_, err := h.o.EmbedDocument(ctx, doc.ID, coll.ID)
	require.ErrorIs(t, err, embedder.ErrUnavailable)
	assert.True(t, fault.Retryable(err))
	assert.Equal(t, fault.StageEmbedding, fault.StageOf(err))
	assert.Equal(t, int32(3), h.prov.calls.Load())
}

func TestEmbedDocument_PermanentFailureWritesNoReport(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	coll := h.collection(t, "broken")
	doc := h.upload(t, "d.md", paragraphs(1))
	h.prov.short.Store(true)

	_, err := h.o.EmbedDocument(ctx, doc.ID, coll.ID)
	require.ErrorIs(t, err, embedder.ErrInvalidResponse)
	assert.Equal(t, fault.KindProvider, fault.KindOf(err))
	assert.Equal(t, fault.StageEmbedding, fault.StageOf(err))
	assert.Equal(t, int32(1), h.prov.calls.Load())

	reports, err := h.st.ListEmbeddingReports(storage.ReportFilter{})
	require.NoError(t, err)
	assert.Empty(t, reports)
}

func TestEmbedDocument_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	coll := h.collection(t, "valid")
	doc := h.upload(t, "d.md", paragraphs(2))

	_, err := h.o.EmbedDocument(ctx, doc.ID, "missing")
	require.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, fault.StageCollection, fault.StageOf(err))

	_, err = h.o.EmbedDocument(ctx, "missing", coll.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, h.docs.SetParseConfig(doc.ID, coll.ID, parser.Config{Mode: parser.ModeString, Range: []int{10, 12}}))
	_, err = h.o.EmbedDocument(ctx, doc.ID, coll.ID)
	require.ErrorIs(t, err, parser.ErrRangeOutOfBounds)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
	assert.Equal(t, fault.StageParsing, fault.StageOf(err))
	assert.Zero(t, h.prov.calls.Load())
}

func TestRemoveDocument(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	coll := h.collection(t, "removal")
	doc := h.upload(t, "d.md", paragraphs(3))

	_, err := h.o.RemoveDocument(ctx, doc.ID, coll.ID)
	require.ErrorIs(t, err, ErrNotEmbedded)
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))

	_, err = h.o.EmbedDocument(ctx, doc.ID, coll.ID)
	require.NoError(t, err)
	rep, err := h.o.RemoveDocument(ctx, doc.ID, coll.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.ReportText, rep.Type)
	assert.Equal(t, coll.Name, rep.CollectionName)

	n, err := h.vdb.Count(ctx, coll.Name)
	require.NoError(t, err)
	assert.Zero(t, n)

	pairs, err := h.st.EmbeddedCollections(doc.ID)
	require.NoError(t, err)
	assert.Empty(t, pairs)

	calls := h.prov.calls.Load()
	again, err := h.o.EmbedDocument(ctx, doc.ID, coll.ID)
	require.NoError(t, err)
	assert.True(t, again.Cache, "removal keeps cached vectors")
	assert.Equal(t, calls, h.prov.calls.Load())
}

func addImage(t *testing.T, h *harness, doc storage.Document, data string) storage.Image {
	t.Helper()
	hash := document.Hash([]byte(data))
	key, err := h.blobs.Put(context.Background(), blob.ImageKey(doc.ID, hash, "png"), []byte(data), "image/png")
	require.NoError(t, err)
	img := storage.Image{ID: "img-" + hash[:8], Path: key, Format: "png", Hash: hash, DocumentID: doc.ID, PageNumber: 1, ImageNumber: 1}
	ok, err := h.st.InsertImage(img)
	require.NoError(t, err)
	require.True(t, ok)
	return img
}

func TestDeleteDocument_Cascades(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.collection(t, "first")
	b := h.collection(t, "second")
	doc := h.upload(t, "d.md", paragraphs(3))
	other := h.upload(t, "other.md", "Unrelated text that stays.")
	img := addImage(t, h, doc, "png bytes")

	require.NoError(t, h.docs.SetParseConfig(doc.ID, a.ID, parser.Config{Mode: parser.ModeSection}))
	for _, c := range []storage.Collection{a, b} {
		_, err := h.o.EmbedDocument(ctx, doc.ID, c.ID)
		require.NoError(t, err)
	}
	_, err := h.o.EmbedDocument(ctx, other.ID, a.ID)
	require.NoError(t, err)
	_, err = h.o.EmbedImage(ctx, img.ID, b.ID, "")
	require.NoError(t, err)

	reports, err := h.o.DeleteDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, reports, 3)
	var text, image int
	for _, r := range reports {
		switch r.Type {
		case storage.ReportText:
			text++
		case storage.ReportImage:
			image++
		}
	}
	assert.Equal(t, 2, text)
	assert.Equal(t, 1, image)

	n, err := h.vdb.Count(ctx, a.Name)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only the other document remains")
	n, err = h.vdb.Count(ctx, b.Name)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = h.st.GetDocument(doc.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = h.st.GetParseConfig(doc.ID, a.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = h.st.GetImage(img.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = h.blobs.Get(ctx, img.Path)
	assert.ErrorIs(t, err, blob.ErrNotFound)

	removals, err := h.st.ListRemovalReports(storage.ReportFilter{Type: storage.ReportText})
	require.NoError(t, err)
	assert.Len(t, removals, 2)
}

func TestEmbedImage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	coll := h.collection(t, "pictures")
	doc := h.upload(t, "d.md", paragraphs(1))
	img := addImage(t, h, doc, "image one")

	rep, err := h.o.EmbedImage(ctx, img.ID, coll.ID, "a chart")
	require.NoError(t, err)
	assert.Equal(t, storage.ReportImage, rep.Type)
	assert.Equal(t, img.ID, rep.ImageID)
	assert.Equal(t, 1, rep.TotalVectors)
	assert.False(t, rep.Cache)

	stored, err := h.st.GetImage(img.ID)
	require.NoError(t, err)
	assert.Equal(t, "a chart", stored.Description)

	matches, err := h.vdb.Query(ctx, coll.Name, vectorFor("image one"+"a chart"), 1, vectordb.Filter{ImageID: img.ID})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, vectordb.Payload{ImageID: img.ID, ImageDataRef: img.Path, Description: "a chart"}, matches[0].Payload)

	again, err := h.o.EmbedImage(ctx, img.ID, coll.ID, "")
	require.NoError(t, err)
	assert.True(t, again.Cache)
	assert.Equal(t, int32(1), h.prov.images.Load())

	_, err = h.o.RemoveImage(ctx, img.ID, coll.ID)
	require.NoError(t, err)
	n, err := h.vdb.Count(ctx, coll.Name)
	require.NoError(t, err)
	assert.Zero(t, n)
	_, err = h.o.RemoveImage(ctx, img.ID, coll.ID)
	assert.ErrorIs(t, err, ErrNotEmbedded)
}

func TestEmbedImage_DifferentDescriptionsDoNotJoin(t *testing.T) {
	h := newHarness(t)
	h.prov.imageGate = make(chan struct{})
	ctx := context.Background()
	coll := h.collection(t, "described")
	doc := h.upload(t, "d.md", paragraphs(1))
	img := addImage(t, h, doc, "image one")

	var wg sync.WaitGroup
	reports := make([]storage.EmbeddingReport, 2)
	errs := make([]error, 2)
	for i, desc := range []string{"a chart", "a map"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reports[i], errs[i] = h.o.EmbedImage(ctx, img.ID, coll.ID, desc)
		}()
	}
	require.Eventually(t, func() bool { return h.prov.images.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(h.prov.imageGate)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.NotEqual(t, reports[0].ID, reports[1].ID, "each description ran its own job")
	assert.Equal(t, int32(2), h.prov.images.Load())

	stored, err := h.st.GetImage(img.ID)
	require.NoError(t, err)
	matches, err := h.vdb.Query(ctx, coll.Name, vectorFor("image one"+stored.Description), 1, vectordb.Filter{ImageID: img.ID})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, stored.Description, matches[0].Payload.Description)
}

func TestEmbedImage_NeedsMultimodalModel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	coll, err := h.o.CreateCollection(ctx, NewCollection{Name: "textonly", Provider: "plain", Model: "m1", VectorDb: vectordb.BackendSQLite})
	require.NoError(t, err)
	doc := h.upload(t, "d.md", paragraphs(1))
	img := addImage(t, h, doc, "pixels")

	_, err = h.o.EmbedImage(ctx, img.ID, coll.ID, "")
	require.ErrorIs(t, err, embedder.ErrNotMultimodal)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
}

func TestCollections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.o.CreateCollection(ctx, NewCollection{Name: "bad name", Provider: "fake", Model: "m1", VectorDb: vectordb.BackendSQLite})
	require.ErrorIs(t, err, ErrInvalidCollectionName)
	assert.Equal(t, fault.StageCollection, fault.StageOf(err))

	_, err = h.o.CreateCollection(ctx, NewCollection{Name: "x", Provider: "fake", Model: "nope", VectorDb: vectordb.BackendSQLite})
	assert.ErrorIs(t, err, embedder.ErrUnknownModel)
	_, err = h.o.CreateCollection(ctx, NewCollection{Name: "x", Provider: "fake", Model: "m1", VectorDb: "lancedb"})
	assert.ErrorIs(t, err, vectordb.ErrUnknownBackend)

	c := h.collection(t, "Docs_1")
	assert.Equal(t, 3, c.Dimensions)
	assert.Equal(t, "fake", c.EmbeddingProvider)
	vc, err := h.vdb.GetCollection(ctx, "Docs_1")
	require.NoError(t, err)
	assert.Equal(t, 3, vc.Dimensions)

	_, err = h.o.CreateCollection(ctx, NewCollection{Name: "Docs_1", Provider: "fake", Model: "m1", VectorDb: vectordb.BackendSQLite})
	assert.ErrorIs(t, err, storage.ErrConflict)

	require.NoError(t, h.o.DeleteCollection(ctx, c.ID))
	_, err = h.vdb.GetCollection(ctx, "Docs_1")
	assert.ErrorIs(t, err, vectordb.ErrCollectionNotFound)
	_, err = h.st.GetCollection(c.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSyncCollections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	kept := h.collection(t, "kept")
	gone := h.collection(t, "gone")
	require.NoError(t, h.vdb.DropCollection(ctx, gone.Name))
	require.NoError(t, h.vdb.CreateCollection(ctx, "orphan", 3, ""))

	res, err := h.o.SyncCollections(ctx)
	require.NoError(t, err)
	require.Len(t, res.Removed, 1)
	assert.Equal(t, gone.ID, res.Removed[0].ID)
	assert.Equal(t, []string{"sqlite/orphan"}, res.Unmanaged)

	_, err = h.st.GetCollection(kept.ID)
	assert.NoError(t, err)
	_, err = h.st.GetCollection(gone.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSearch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	coll := h.collection(t, "search")
	doc := h.upload(t, "d.md", paragraphs(8))
	require.NoError(t, h.docs.SetParseConfig(doc.ID, coll.ID, parser.Config{Mode: parser.ModeSection}))
	_, err := h.o.EmbedDocument(ctx, doc.ID, coll.ID)
	require.NoError(t, err)
	calls := h.prov.calls.Load()

	query := "Paragraph 3 talks about topic 21 in enough words to fill most of a window."
	matches, err := h.o.Search(ctx, SearchRequest{CollectionID: coll.ID, Query: query})
	require.NoError(t, err)
	require.Len(t, matches, DefaultSearchLimit)
	assert.Equal(t, query, matches[0].Payload.ChunkText)
	assert.Equal(t, 3, matches[0].Payload.ChunkIndex)
	assert.Equal(t, calls, h.prov.calls.Load(), "query vector served from the text cache")

	maxDist := float32(1e-4)
	matches, err = h.o.Search(ctx, SearchRequest{CollectionID: coll.ID, Query: query, Limit: 8, MaxDistance: &maxDist})
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	for _, m := range matches {
		assert.LessOrEqual(t, m.Distance, maxDist)
	}

	matches, err = h.o.Search(ctx, SearchRequest{CollectionID: coll.ID, Query: "something new", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, matches, 2)
	assert.Equal(t, calls+1, h.prov.calls.Load())

	_, err = h.o.Search(ctx, SearchRequest{CollectionID: coll.ID, Query: "  "})
	require.ErrorIs(t, err, ErrEmptyQuery)
	assert.Equal(t, fault.StageSearch, fault.StageOf(err))
}

func TestBatchEmbed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	coll := h.collection(t, "batch")
	d1 := h.upload(t, "one.md", paragraphs(2))
	d2 := h.upload(t, "two.md", "A second, shorter document.")

	results := h.o.BatchEmbed(ctx, []string{d1.ID, "missing", d2.ID}, coll.ID)
	require.Len(t, results, 3)
	assert.NoError(t, results[0].Err)
	require.NotNil(t, results[0].Report)
	assert.ErrorIs(t, results[1].Err, storage.ErrNotFound)
	assert.Nil(t, results[1].Report)
	assert.NoError(t, results[2].Err)
	assert.Equal(t, d2.ID, results[2].DocumentID)
}

func TestOutdated(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	coll := h.collection(t, "fresh")
	doc := h.upload(t, "d.md", paragraphs(2))
	require.NoError(t, h.docs.SetParseConfig(doc.ID, coll.ID, parser.Config{Mode: parser.ModeSection}))
	_, err := h.o.EmbedDocument(ctx, doc.ID, coll.ID)
	require.NoError(t, err)

	stale, err := h.o.Outdated()
	require.NoError(t, err)
	assert.Empty(t, stale)

	_, err = h.docs.Upload(ctx, document.Upload{Name: "d.md", Data: []byte(paragraphs(3)), Force: true})
	require.NoError(t, err)
	stale, err = h.o.Outdated()
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, coll.ID, stale[0].CollectionID)

	results, err := h.o.RefreshOutdated(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	assert.Equal(t, 3, results[0].Report.TotalVectors)

	stale, err = h.o.Outdated()
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestEmbedDocument_CallerCancels(t *testing.T) {
	h := newHarness(t)
	h.prov.gate = make(chan struct{})
	coll := h.collection(t, "cancel")
	doc := h.upload(t, "d.md", paragraphs(1))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := h.o.EmbedDocument(ctx, doc.ID, coll.ID)
		done <- err
	}()
	require.Eventually(t, func() bool { return h.prov.calls.Load() == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
		assert.Equal(t, fault.KindCanceled, fault.KindOf(err))
	case <-time.After(time.Second):
		t.Fatal("job did not stop after cancel")
	}
	require.Eventually(t, func() bool { return len(h.o.Jobs()) == 0 }, time.Second, time.Millisecond)
}

func TestPreview(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	coll := h.collection(t, "preview")
	doc := h.upload(t, "d.md", paragraphs(3))
	require.NoError(t, h.docs.SetParseConfig(doc.ID, coll.ID, parser.Config{Mode: parser.ModeSection}))

	saved, err := h.o.Preview(ctx, PreviewRequest{DocumentID: doc.ID, CollectionID: coll.ID})
	require.NoError(t, err)
	assert.Equal(t, 3, saved.Total)

	def, err := h.o.Preview(ctx, PreviewRequest{DocumentID: doc.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, def.Total)

	small := chunker.Config{Kind: chunker.KindSliding, Sliding: &chunker.SlidingConfig{Size: 50}}
	over, err := h.o.Preview(ctx, PreviewRequest{DocumentID: doc.ID, CollectionID: coll.ID, Chunk: &small})
	require.NoError(t, err)
	assert.Greater(t, over.Total, saved.Total)
	assert.Len(t, over.Chunks, over.Total)

	calls := h.prov.calls.Load()
	_, err = h.o.Preview(ctx, PreviewRequest{DocumentID: doc.ID, CollectionID: coll.ID})
	require.NoError(t, err)
	assert.Equal(t, calls, h.prov.calls.Load(), "non-semantic preview does not embed")

	_, err = h.o.Preview(ctx, PreviewRequest{DocumentID: "missing"})
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))
}

func TestEmbedDocument_SharedChunkSurvivesOtherCallerCancel(t *testing.T) {
	h := newHarness(t)
	h.prov.gate = make(chan struct{})
	coll := h.collection(t, "shared")
	cc := chunker.Config{Kind: chunker.KindSliding, Sliding: &chunker.SlidingConfig{Size: 20}}
	a := h.upload(t, "a.txt", "Shared opening text.Alpha ends here...")
	b := h.upload(t, "b.txt", "Shared opening text.Beta goes on a bit")
	require.NoError(t, h.docs.SetChunkConfig(a.ID, coll.ID, cc))
	require.NoError(t, h.docs.SetChunkConfig(b.ID, coll.ID, cc))

	ctxA, cancelA := context.WithCancel(context.Background())
	doneA := make(chan error, 1)
	go func() {
		_, err := h.o.EmbedDocument(ctxA, a.ID, coll.ID)
		doneA <- err
	}()
	require.Eventually(t, func() bool { return h.prov.calls.Load() == 1 }, time.Second, time.Millisecond)

	doneB := make(chan error, 1)
	var repB storage.EmbeddingReport
	go func() {
		var err error
		repB, err = h.o.EmbedDocument(context.Background(), b.ID, coll.ID)
		doneB <- err
	}()
	// B computes its own chunk and waits on the one A is computing.
	require.Eventually(t, func() bool { return h.prov.calls.Load() == 2 }, time.Second, time.Millisecond)

	cancelA()
	require.ErrorIs(t, <-doneA, context.Canceled)
	close(h.prov.gate)

	select {
	case err := <-doneB:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("job B did not finish")
	}
	assert.Equal(t, 2, repB.TotalVectors)
	n, err := h.vdb.Count(context.Background(), coll.Name)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestEmbedDocument_JoinedCallerRestartsAfterLeaderCancels(t *testing.T) {
	h := newHarness(t)
	h.prov.gate = make(chan struct{})
	coll := h.collection(t, "restart")
	doc := h.upload(t, "d.md", paragraphs(1))

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderDone := make(chan error, 1)
	go func() {
		_, err := h.o.EmbedDocument(leaderCtx, doc.ID, coll.ID)
		leaderDone <- err
	}()
	require.Eventually(t, func() bool { return h.prov.calls.Load() == 1 }, time.Second, time.Millisecond)

	joinedDone := make(chan error, 1)
	go func() {
		_, err := h.o.EmbedDocument(context.Background(), doc.ID, coll.ID)
		joinedDone <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	require.ErrorIs(t, <-leaderDone, context.Canceled)
	close(h.prov.gate)

	select {
	case err := <-joinedDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("joined caller did not finish")
	}
	reports, err := h.st.ListEmbeddingReports(storage.ReportFilter{DocumentID: doc.ID})
	require.NoError(t, err)
	assert.Len(t, reports, 1)
}

func TestEmbedDocument_SemanticRerunServedFromCache(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	coll := h.collection(t, "semantic")
	doc := h.upload(t, "d.txt", "Gophers dig burrows. Cats nap in the sun. Owls hunt at night.")
	require.NoError(t, h.docs.SetChunkConfig(doc.ID, coll.ID, chunker.Config{
		Kind:     chunker.KindSemantic,
		Semantic: &chunker.SemanticConfig{Threshold: 0.001, MinSize: 1, MaxSize: 1000},
	}))

	_, err := h.o.EmbedDocument(ctx, doc.ID, coll.ID)
	require.NoError(t, err)
	calls := h.prov.calls.Load()
	require.NotZero(t, calls)

	again, err := h.o.EmbedDocument(ctx, doc.ID, coll.ID)
	require.NoError(t, err)
	assert.True(t, again.Cache)
	assert.Equal(t, calls, h.prov.calls.Load(), "sentence and chunk vectors both come from the cache")

	_, err = h.o.Preview(ctx, PreviewRequest{DocumentID: doc.ID, CollectionID: coll.ID})
	require.NoError(t, err)
	assert.Equal(t, calls, h.prov.calls.Load())
}
