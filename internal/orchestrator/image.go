package orchestrator

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/docvec/internal/cache"
	"github.com/kalambet/docvec/internal/embedder"
	"github.com/kalambet/docvec/internal/fault"
	"github.com/kalambet/docvec/internal/storage"
	"github.com/kalambet/docvec/internal/vectordb"
)

// EmbedImage embeds one extracted image into a collection. A non-empty
// description is saved on the image first; it accompanies the image bytes
// and changes the resulting vector.
func (o *Orchestrator) EmbedImage(ctx context.Context, imageID, collectionID, description string) (storage.EmbeddingReport, error) {
	// Requests with different descriptions produce different vectors, so
	// only identical requests join; the pair lock still serializes them.
	pair := imageKey(imageID, collectionID)
	return flight(ctx, o, KindImage, describedImageKey(imageID, collectionID, description), pair, func(ctx context.Context, j *job) (storage.EmbeddingReport, error) {
		return o.embedImage(ctx, j, imageID, collectionID, description)
	})
}

// EmbedImages embeds images one at a time, as multimodal backends take a
// single image per request. It stops at the first failure.
func (o *Orchestrator) EmbedImages(ctx context.Context, imageIDs []string, collectionID string) ([]storage.EmbeddingReport, error) {
	reports := make([]storage.EmbeddingReport, 0, len(imageIDs))
	for _, id := range imageIDs {
		rep, err := o.EmbedImage(ctx, id, collectionID, "")
		if err != nil {
			return reports, fmt.Errorf("image %s: %w", id, err)
		}
		reports = append(reports, rep)
	}
	return reports, nil
}

func (o *Orchestrator) embedImage(ctx context.Context, j *job, imageID, collectionID, description string) (storage.EmbeddingReport, error) {
	started := time.Now().UTC()

	img, err := o.store.GetImage(imageID)
	if err != nil {
		return storage.EmbeddingReport{}, fault.At(fault.StageEmbedding, fmt.Errorf("image %s: %w", imageID, err))
	}
	if description != "" && description != img.Description {
		if err := o.store.SetImageDescription(img.ID, description); err != nil {
			return storage.EmbeddingReport{}, fault.At(fault.StageEmbedding, err)
		}
		img.Description = description
	}
	coll, vdb, err := o.collection(collectionID)
	if err != nil {
		return storage.EmbeddingReport{}, err
	}
	e, err := o.embedderFor(ctx, coll.EmbeddingProvider, coll.Model, coll.Dimensions)
	if err != nil {
		return storage.EmbeddingReport{}, fault.At(fault.StageEmbedding, err)
	}
	if !e.Model().Multimodal {
		return storage.EmbeddingReport{}, fault.At(fault.StageEmbedding,
			fmt.Errorf("collection %s uses %s/%s: %w", coll.Name, coll.EmbeddingProvider, coll.Model, embedder.ErrNotMultimodal))
	}

	if err := o.step(j, StateCacheLookup); err != nil {
		return storage.EmbeddingReport{}, err
	}
	var tokens *int
	vec, hit, err := o.cache.Get(ctx, cache.ImageKey(cacheModel(e), img.Hash, img.Description), func(ctx context.Context) ([]float32, error) {
		if err := o.step(j, StateEmbedding); err != nil {
			return nil, err
		}
		data, err := o.blobs.Get(ctx, img.Path)
		if err != nil {
			return nil, fmt.Errorf("reading image %s: %w", img.ID, err)
		}
		res, err := e.EmbedImage(ctx, embedder.Image{Data: data, Format: img.Format, Text: img.Description})
		if err != nil {
			return nil, fault.At(fault.StageEmbedding, err)
		}
		tokens = res.TokensUsed
		return res.Vectors[0], nil
	})
	if err != nil {
		return storage.EmbeddingReport{}, fault.At(fault.StageCacheLookup, err)
	}
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
	point := vectordb.Point{
		ID:     imagePointID(coll.ID, img.ID),
		Vector: vec,
		Payload: vectordb.Payload{
			ImageID:      img.ID,
			ImageDataRef: img.Path,
			Description:  img.Description,
		},
	}
	if err := vdb.Upsert(ctx, coll.Name, []vectordb.Point{point}); err != nil {
		return storage.EmbeddingReport{}, fault.At(fault.StageStoring, err)
	}
	if err := o.store.AddImageEmbedding(img.ID, coll.ID); err != nil {
		return storage.EmbeddingReport{}, fault.At(fault.StageStoring, err)
	}

	if err := o.step(j, StateReported); err != nil {
		return storage.EmbeddingReport{}, err
	}
	rep := storage.EmbeddingReport{
		ID:                uuid.NewString(),
		Type:              storage.ReportImage,
		CollectionID:      coll.ID,
		CollectionName:    coll.Name,
		DocumentID:        img.DocumentID,
		ImageID:           img.ID,
		ModelUsed:         coll.Model,
		EmbeddingProvider: coll.EmbeddingProvider,
		VectorDb:          coll.VectorDb,
		TotalVectors:      1,
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

// RemoveImage deletes the vector of an image from a collection and records
// a removal report.
func (o *Orchestrator) RemoveImage(ctx context.Context, imageID, collectionID string) (storage.RemovalReport, error) {
	key := imageKey(imageID, collectionID)
	return flight(ctx, o, KindRemove, key, key, func(ctx context.Context, j *job) (storage.RemovalReport, error) {
		return o.removeImage(ctx, j, imageID, collectionID)
	})
}

func (o *Orchestrator) removeImage(ctx context.Context, j *job, imageID, collectionID string) (storage.RemovalReport, error) {
	started := time.Now().UTC()
	img, err := o.store.GetImage(imageID)
	if err != nil {
		return storage.RemovalReport{}, fault.At(fault.StageDeleting, fmt.Errorf("image %s: %w", imageID, err))
	}
	coll, vdb, err := o.collection(collectionID)
	if err != nil {
		return storage.RemovalReport{}, err
	}
	embedded, err := o.store.ListImageEmbeddings(img.ID)
	if err != nil {
		return storage.RemovalReport{}, fault.At(fault.StageDeleting, err)
	}
	if !slices.ContainsFunc(embedded, func(ie storage.ImageEmbedding) bool { return ie.CollectionID == coll.ID }) {
		return storage.RemovalReport{}, fault.At(fault.StageDeleting,
			fmt.Errorf("image %s in collection %s: %w", img.ID, coll.Name, ErrNotEmbedded))
	}

	if err := o.step(j, StateDeleting); err != nil {
		return storage.RemovalReport{}, err
	}
	if err := vdb.DeleteWhere(ctx, coll.Name, vectordb.Filter{ImageID: img.ID}); err != nil {
		return storage.RemovalReport{}, fault.At(fault.StageDeleting, err)
	}
	if err := o.store.RemoveImageEmbedding(img.ID, coll.ID); err != nil {
		return storage.RemovalReport{}, fault.At(fault.StageDeleting, err)
	}
	rep := storage.RemovalReport{
		ID:             uuid.NewString(),
		Type:           storage.ReportImage,
		CollectionID:   coll.ID,
		CollectionName: coll.Name,
		DocumentID:     img.DocumentID,
		ImageID:        img.ID,
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
