package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/kalambet/docvec/internal/cache"
	"github.com/kalambet/docvec/internal/embedder"
	"github.com/kalambet/docvec/internal/fault"
	"github.com/kalambet/docvec/internal/vectordb"
)

const DefaultSearchLimit = 5

var ErrEmptyQuery = fault.Permanent(fault.KindValidation, fault.ReasonNone, "empty search query")

// SearchRequest is a nearest-neighbour query against one collection.
type SearchRequest struct {
	CollectionID string   `json:"collection_id"`
	Query        string   `json:"query"`
	Limit        int      `json:"limit,omitempty"`
	MaxDistance  *float32 `json:"max_distance,omitempty"`
	DocumentID   string   `json:"document_id,omitempty"`
}

// Search embeds the query with the collection's model and returns the
// closest points, nearest first.
func (o *Orchestrator) Search(ctx context.Context, req SearchRequest) ([]vectordb.Match, error) {
	matches, err := o.search(ctx, req)
	if err != nil {
		return nil, fault.At(fault.StageSearch, err)
	}
	return matches, nil
}

func (o *Orchestrator) search(ctx context.Context, req SearchRequest) ([]vectordb.Match, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	limit := req.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	coll, vdb, err := o.collection(req.CollectionID)
	if err != nil {
		return nil, err
	}
	e, err := o.embedderFor(ctx, coll.EmbeddingProvider, coll.Model, coll.Dimensions)
	if err != nil {
		return nil, err
	}
	vec, _, err := o.cache.Get(ctx, cache.TextKey(cacheModel(e), query), func(ctx context.Context) ([]float32, error) {
		vs, err := e.Embed(ctx, []string{query})
		if err != nil {
			return nil, fmt.Errorf("embedding query: %w", err)
		}
		return vs[0], nil
	})
	if err != nil {
		return nil, err
	}

	matches, err := vdb.Query(ctx, coll.Name, vec, limit, vectordb.Filter{DocumentID: req.DocumentID})
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", coll.Name, err)
	}
	if req.MaxDistance == nil {
		return matches, nil
	}
	kept := matches[:0]
	for _, m := range matches {
		if m.Distance <= *req.MaxDistance {
			kept = append(kept, m)
		}
	}
	return kept, nil
}

// ListModels lists the models of every enabled embedding provider.
func (o *Orchestrator) ListModels(ctx context.Context) ([]embedder.Model, error) {
	return o.embedders.ListModels(ctx)
}
