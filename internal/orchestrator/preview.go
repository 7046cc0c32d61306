package orchestrator

import (
	"context"

	"github.com/kalambet/docvec/internal/chunker"
	"github.com/kalambet/docvec/internal/document"
	"github.com/kalambet/docvec/internal/parser"
)

// PreviewRequest chunks a document without embedding it. Configs left nil
// fall back to those saved for the (document, collection) pair, then to the
// defaults. CollectionID is optional.
type PreviewRequest struct {
	DocumentID   string          `json:"document_id"`
	CollectionID string          `json:"collection_id,omitempty"`
	Parse        *parser.Config  `json:"parse_config,omitempty"`
	Chunk        *chunker.Config `json:"chunk_config,omitempty"`
}

// Preview returns the chunks the document would be embedded as. Semantic
// configs still call their embedder to place boundaries.
func (o *Orchestrator) Preview(ctx context.Context, req PreviewRequest) (document.Preview, error) {
	pc, cc := parser.DefaultConfig(), chunker.DefaultConfig()
	var err error
	if req.Parse != nil {
		pc = *req.Parse
	} else if pc, err = o.docs.ParseConfig(req.DocumentID, req.CollectionID); err != nil {
		return document.Preview{}, err
	}
	if req.Chunk != nil {
		cc = *req.Chunk
	} else if cc, err = o.docs.ChunkConfig(req.DocumentID, req.CollectionID); err != nil {
		return document.Preview{}, err
	}

	var emb chunker.Embedder
	switch {
	case req.CollectionID != "":
		coll, _, err := o.collection(req.CollectionID)
		if err != nil {
			return document.Preview{}, err
		}
		e, err := o.embedderFor(ctx, coll.EmbeddingProvider, coll.Model, coll.Dimensions)
		if err != nil {
			return document.Preview{}, err
		}
		if emb, err = o.chunkEmbedder(ctx, cc, e); err != nil {
			return document.Preview{}, err
		}
	case cc.Kind == chunker.KindSemantic && cc.Semantic != nil && cc.Semantic.Provider != "":
		e, err := o.embedderFor(ctx, cc.Semantic.Provider, cc.Semantic.Model, 0)
		if err != nil {
			return document.Preview{}, err
		}
		emb = cachedEmbedder{cache: o.cache, e: e}
	}
	return o.docs.Preview(ctx, req.DocumentID, pc, cc, emb)
}
