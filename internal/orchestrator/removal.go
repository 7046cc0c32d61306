package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/docvec/internal/fault"
	"github.com/kalambet/docvec/internal/storage"
	"github.com/kalambet/docvec/internal/vectordb"
)

// RemoveDocument deletes the vectors of a document from a collection and
// records a removal report. Cached embeddings are kept.
func (o *Orchestrator) RemoveDocument(ctx context.Context, documentID, collectionID string) (storage.RemovalReport, error) {
	key := textKey(documentID, collectionID)
	return flight(ctx, o, KindRemove, key, key, func(ctx context.Context, j *job) (storage.RemovalReport, error) {
		return o.removeText(ctx, j, documentID, collectionID)
	})
}

func (o *Orchestrator) removeText(ctx context.Context, j *job, documentID, collectionID string) (storage.RemovalReport, error) {
	started := time.Now().UTC()
	doc, err := o.store.GetDocument(documentID)
	if err != nil {
		return storage.RemovalReport{}, fault.At(fault.StageDeleting, fmt.Errorf("document %s: %w", documentID, err))
	}
	coll, vdb, err := o.collection(collectionID)
	if err != nil {
		return storage.RemovalReport{}, err
	}
	pairs, err := o.store.EmbeddedCollections(doc.ID)
	if err != nil {
		return storage.RemovalReport{}, fault.At(fault.StageDeleting, err)
	}
	if !slices.ContainsFunc(pairs, func(p storage.EmbeddedPair) bool { return p.CollectionID == coll.ID }) {
		return storage.RemovalReport{}, fault.At(fault.StageDeleting,
			fmt.Errorf("document %s in collection %s: %w", doc.Name, coll.Name, ErrNotEmbedded))
	}

	if err := o.step(j, StateDeleting); err != nil {
		return storage.RemovalReport{}, err
	}
	if err := vdb.DeleteWhere(ctx, coll.Name, vectordb.Filter{DocumentID: doc.ID}); err != nil {
		return storage.RemovalReport{}, fault.At(fault.StageDeleting, fmt.Errorf("deleting vectors of %s: %w", doc.Name, err))
	}
	rep := storage.RemovalReport{
		ID:             uuid.NewString(),
		Type:           storage.ReportText,
		CollectionID:   coll.ID,
		CollectionName: coll.Name,
		DocumentID:     doc.ID,
		DocumentName:   doc.Name,
		StartedAt:      started,
		FinishedAt:     time.Now().UTC(),
	}
	if err := o.store.CreateRemovalReport(rep); err != nil {
		return storage.RemovalReport{}, fault.At(fault.StageReporting, err)
	}
	if err := o.step(j, StateRemoved); err != nil {
		return storage.RemovalReport{}, err
	}
	return rep, nil
}

// DeleteDocument removes a document everywhere: its vectors from every
// collection it is embedded in, the vectors of its images, then the document
// itself with its configs, images and stored bytes. One removal report is
// written per collection and per embedded image.
//
// If removing vectors fails the document is kept, so the call can be
// repeated.
func (o *Orchestrator) DeleteDocument(ctx context.Context, documentID string) ([]storage.RemovalReport, error) {
	doc, err := o.store.GetDocument(documentID)
	if err != nil {
		return nil, fault.At(fault.StageDeleting, fmt.Errorf("document %s: %w", documentID, err))
	}
	pairs, err := o.store.EmbeddedCollections(doc.ID)
	if err != nil {
		return nil, fault.At(fault.StageDeleting, err)
	}

	var reports []storage.RemovalReport
	for _, p := range pairs {
		rep, err := o.RemoveDocument(ctx, doc.ID, p.CollectionID)
		if errors.Is(err, storage.ErrNotFound) && fault.StageOf(err) == fault.StageCollection {
			// The collection is gone and its vectors with it.
			continue
		}
		if err != nil {
			return reports, err
		}
		reports = append(reports, rep)
	}

	images, err := o.store.ListImages(doc.ID)
	if err != nil {
		return reports, fault.At(fault.StageDeleting, err)
	}
	for _, img := range images {
		embedded, err := o.store.ListImageEmbeddings(img.ID)
		if err != nil {
			return reports, fault.At(fault.StageDeleting, err)
		}
		for _, ie := range embedded {
			rep, err := o.RemoveImage(ctx, img.ID, ie.CollectionID)
			if err != nil {
				return reports, err
			}
			reports = append(reports, rep)
		}
	}

	if err := o.docs.Remove(ctx, doc); err != nil {
		return reports, fault.At(fault.StageDeleting, err)
	}
	o.logger.Info("document deleted", "document_id", doc.ID, "removals", len(reports))
	return reports, nil
}
