package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/docvec/internal/cache"
	"github.com/kalambet/docvec/internal/chunker"
	"github.com/kalambet/docvec/internal/embedder"
	"github.com/kalambet/docvec/internal/fault"
	"github.com/kalambet/docvec/internal/storage"
	"github.com/kalambet/docvec/internal/vectordb"
)

// EmbedDocument embeds a document into a collection using the parse and
// chunk configs saved for the pair, and records an EmbeddingReport.
//
// A failed job writes no report. Vectors upserted before the failure stay
// in place; re-running the job overwrites them since point IDs derive from
// (collection, document, chunk index).
func (o *Orchestrator) EmbedDocument(ctx context.Context, documentID, collectionID string) (storage.EmbeddingReport, error) {
	key := textKey(documentID, collectionID)
	return flight(ctx, o, KindText, key, key, func(ctx context.Context, j *job) (storage.EmbeddingReport, error) {
		return o.embedText(ctx, j, documentID, collectionID)
	})
}

func (o *Orchestrator) embedText(ctx context.Context, j *job, documentID, collectionID string) (storage.EmbeddingReport, error) {
	started := time.Now().UTC()

	doc, err := o.store.GetDocument(documentID)
	if err != nil {
		return storage.EmbeddingReport{}, fault.At(fault.StageParsing, fmt.Errorf("document %s: %w", documentID, err))
	}
	coll, vdb, err := o.collection(collectionID)
	if err != nil {
		return storage.EmbeddingReport{}, err
	}
	e, err := o.embedderFor(ctx, coll.EmbeddingProvider, coll.Model, coll.Dimensions)
	if err != nil {
		return storage.EmbeddingReport{}, fault.At(fault.StageEmbedding, err)
	}

	if err := o.step(j, StateParsing); err != nil {
		return storage.EmbeddingReport{}, err
	}
	pc, err := o.docs.ParseConfig(doc.ID, coll.ID)
	if err != nil {
		return storage.EmbeddingReport{}, fault.At(fault.StageParsing, err)
	}
	out, err := o.docs.Parse(ctx, doc, pc)
	if err != nil {
		return storage.EmbeddingReport{}, fault.At(fault.StageParsing, err)
	}

	if err := o.step(j, StateChunking); err != nil {
		return storage.EmbeddingReport{}, err
	}
	cc, err := o.docs.ChunkConfig(doc.ID, coll.ID)
	if err != nil {
		return storage.EmbeddingReport{}, fault.At(fault.StageChunking, err)
	}
	sentences, err := o.chunkEmbedder(ctx, cc, e)
	if err != nil {
		return storage.EmbeddingReport{}, fault.At(fault.StageChunking, err)
	}
	chunks, err := o.docs.ChunkOutput(ctx, doc, out, cc, sentences)
	if err != nil {
		return storage.EmbeddingReport{}, err
	}

	if err := o.step(j, StateCacheLookup); err != nil {
		return storage.EmbeddingReport{}, err
	}
	model := cacheModel(e)
	keys := make([]cache.Key, len(chunks))
	for i, c := range chunks {
		keys[i] = cache.TextKey(model, c)
	}
	var tokens *int
	res, err := o.cache.Lookup(ctx, keys, func(ctx context.Context, idx []int) ([][]float32, error) {
		if err := o.step(j, StateEmbedding); err != nil {
			return nil, err
		}
		texts := make([]string, len(idx))
		for n, i := range idx {
			texts[n] = chunks[i]
		}
		embs, err := e.EmbedBatch(ctx, texts)
		if err != nil {
			return nil, fault.At(fault.StageEmbedding, err)
		}
		tokens = embs.TokensUsed
		return embs.Vectors, nil
	})
	if err != nil {
		return storage.EmbeddingReport{}, fault.At(fault.StageCacheLookup, err)
	}
	hit := res.AllHits()
	if hit {
		if err := o.step(j, StateCacheHit); err != nil {
			return storage.EmbeddingReport{}, err
		}
		zero := 0
		tokens = &zero
	}

	if err := o.step(j, StateStoring); err != nil {
		return storage.EmbeddingReport{}, err
	}
	points := make([]vectordb.Point, len(chunks))
	for i, c := range chunks {
		points[i] = vectordb.Point{
			ID:      textPointID(coll.ID, doc.ID, i),
			Vector:  res.Vectors[i],
			Payload: vectordb.Payload{DocumentID: doc.ID, ChunkIndex: i, ChunkText: c},
		}
	}
	if err := o.upsert(ctx, vdb, coll.Name, points); err != nil {
		return storage.EmbeddingReport{}, fault.At(fault.StageStoring, err)
	}
	if err := o.dropStale(ctx, vdb, coll, doc.ID, len(points)); err != nil {
		return storage.EmbeddingReport{}, fault.At(fault.StageStoring, err)
	}

	if err := o.step(j, StateReported); err != nil {
		return storage.EmbeddingReport{}, err
	}
	rep := storage.EmbeddingReport{
		ID:                uuid.NewString(),
		Type:              storage.ReportText,
		CollectionID:      coll.ID,
		CollectionName:    coll.Name,
		DocumentID:        doc.ID,
		DocumentName:      doc.Name,
		ModelUsed:         coll.Model,
		EmbeddingProvider: coll.EmbeddingProvider,
		VectorDb:          coll.VectorDb,
		TotalVectors:      len(points),
		TokensUsed:        tokens,
		Cache:             hit,
		StartedAt:         started,
		FinishedAt:        time.Now().UTC(),
	}
	if err := o.store.CreateEmbeddingReport(rep); err != nil {
		return storage.EmbeddingReport{}, fault.At(fault.StageReporting, err)
	}
	if err := o.step(j, StateDone); err != nil {
		return storage.EmbeddingReport{}, err
	}
	return rep, nil
}

// collection loads a collection row and the vector backend holding it.
func (o *Orchestrator) collection(id string) (storage.Collection, vectordb.Provider, error) {
	coll, err := o.store.GetCollection(id)
	if err != nil {
		return storage.Collection{}, nil, fault.At(fault.StageCollection, fmt.Errorf("collection %s: %w", id, err))
	}
	vdb, err := o.vectors.Get(coll.VectorDb)
	if err != nil {
		return storage.Collection{}, nil, fault.At(fault.StageCollection, err)
	}
	return coll, vdb, nil
}

// chunkEmbedder picks the sentence embedder of a semantic config, which
// defaults to the collection's own. Sentence vectors go through the text
// cache like chunk vectors do.
func (o *Orchestrator) chunkEmbedder(ctx context.Context, cc chunker.Config, e *embedder.Embedder) (chunker.Embedder, error) {
	if cc.Kind != chunker.KindSemantic || cc.Semantic == nil || cc.Semantic.Provider == "" {
		return cachedEmbedder{cache: o.cache, e: e}, nil
	}
	model := cc.Semantic.Model
	if model == "" {
		model = e.ModelID()
	}
	se, err := o.embedderFor(ctx, cc.Semantic.Provider, model, 0)
	if err != nil {
		return nil, err
	}
	return cachedEmbedder{cache: o.cache, e: se}, nil
}

// cachedEmbedder serves chunker embedding requests from the text cache.
type cachedEmbedder struct {
	cache *cache.Cache
	e     *embedder.Embedder
}

func (c cachedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	model := cacheModel(c.e)
	keys := make([]cache.Key, len(texts))
	for i, t := range texts {
		keys[i] = cache.TextKey(model, t)
	}
	res, err := c.cache.Lookup(ctx, keys, func(ctx context.Context, idx []int) ([][]float32, error) {
		batch := make([]string, len(idx))
		for n, i := range idx {
			batch[n] = texts[i]
		}
		return c.e.Embed(ctx, batch)
	})
	if err != nil {
		return nil, err
	}
	return res.Vectors, nil
}

// upsert writes points in batches of BatchSize.
func (o *Orchestrator) upsert(ctx context.Context, vdb vectordb.Provider, collection string, points []vectordb.Point) error {
	for start := 0; start < len(points); start += o.opts.BatchSize {
		end := min(start+o.opts.BatchSize, len(points))
		if err := vdb.Upsert(ctx, collection, points[start:end]); err != nil {
			return fmt.Errorf("upserting points %d-%d into %s: %w", start, end-1, collection, err)
		}
	}
	return nil
}

// dropStale deletes the points a previous, longer embedding of the document
// left beyond the current chunk count.
func (o *Orchestrator) dropStale(ctx context.Context, vdb vectordb.Provider, coll storage.Collection, documentID string, n int) error {
	prev, err := o.store.ListEmbeddingReports(storage.ReportFilter{
		Type:         storage.ReportText,
		DocumentID:   documentID,
		CollectionID: coll.ID,
		Limit:        1,
	})
	if err != nil {
		return fmt.Errorf("reading previous report: %w", err)
	}
	if len(prev) == 0 || prev[0].TotalVectors <= n {
		return nil
	}
	ids := make([]string, 0, prev[0].TotalVectors-n)
	for i := n; i < prev[0].TotalVectors; i++ {
		ids = append(ids, textPointID(coll.ID, documentID, i))
	}
	o.logger.Debug("dropping stale chunks", "document_id", documentID, "collection_id", coll.ID, "count", len(ids))
	return vdb.Delete(ctx, coll.Name, ids)
}

// BatchResult is the outcome for one document of BatchEmbed.
type BatchResult struct {
	DocumentID string                   `json:"document_id"`
	Report     *storage.EmbeddingReport `json:"report,omitempty"`
	Err        error                    `json:"-"`
}

// BatchEmbed embeds each document into the collection as its own job,
// running up to BatchJobs of them at once. One document failing does not
// stop the others.
func (o *Orchestrator) BatchEmbed(ctx context.Context, documentIDs []string, collectionID string) []BatchResult {
	out := make([]BatchResult, len(documentIDs))
	var g errgroup.Group
	g.SetLimit(o.opts.BatchJobs)
	for i, id := range documentIDs {
		g.Go(func() error {
			out[i].DocumentID = id
			rep, err := o.EmbedDocument(ctx, id, collectionID)
			if err != nil {
				out[i].Err = err
				return nil
			}
			out[i].Report = &rep
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Outdated lists embedded pairs whose document was replaced since.
func (o *Orchestrator) Outdated() ([]storage.EmbeddedPair, error) {
	return o.store.OutdatedEmbeddings()
}

// RefreshOutdated re-embeds every outdated pair.
func (o *Orchestrator) RefreshOutdated(ctx context.Context) ([]BatchResult, error) {
	pairs, err := o.Outdated()
	if err != nil {
		return nil, fmt.Errorf("listing outdated embeddings: %w", err)
	}
	out := make([]BatchResult, len(pairs))
	var g errgroup.Group
	g.SetLimit(o.opts.BatchJobs)
	for i, p := range pairs {
		g.Go(func() error {
			out[i].DocumentID = p.DocumentID
			rep, err := o.EmbedDocument(ctx, p.DocumentID, p.CollectionID)
			if err != nil {
				out[i].Err = err
				return nil
			}
			out[i].Report = &rep
			return nil
		})
	}
	_ = g.Wait()
	return out, nil
}
