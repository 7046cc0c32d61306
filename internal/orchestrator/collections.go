package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/google/uuid"

	"github.com/kalambet/docvec/internal/fault"
	"github.com/kalambet/docvec/internal/storage"
	"github.com/kalambet/docvec/internal/vecmath"
	"github.com/kalambet/docvec/internal/vectordb"
)

var collectionName = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// NewCollection describes a collection to create.
type NewCollection struct {
	Name     string           `json:"name"`
	Provider string           `json:"provider"`
	Model    string           `json:"model"`
	VectorDb string           `json:"vector_db"`
	Distance vecmath.Distance `json:"distance,omitempty"`
}

// CreateCollection creates a vector collection sized for the model and
// registers it. The model's dimensions come from its provider.
func (o *Orchestrator) CreateCollection(ctx context.Context, req NewCollection) (storage.Collection, error) {
	c, err := o.createCollection(ctx, req)
	if err != nil {
		return storage.Collection{}, fault.At(fault.StageCollection, err)
	}
	return c, nil
}

func (o *Orchestrator) createCollection(ctx context.Context, req NewCollection) (storage.Collection, error) {
	if !collectionName.MatchString(req.Name) {
		return storage.Collection{}, fmt.Errorf("%q: %w", req.Name, ErrInvalidCollectionName)
	}
	vdb, err := o.vectors.Get(req.VectorDb)
	if err != nil {
		return storage.Collection{}, err
	}
	if _, err := o.store.GetCollectionByName(req.VectorDb, req.Name); err == nil {
		return storage.Collection{}, fmt.Errorf("collection %q on %s: %w", req.Name, req.VectorDb, storage.ErrConflict)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return storage.Collection{}, err
	}

	e, err := o.embedderFor(ctx, req.Provider, req.Model, 0)
	if err != nil {
		return storage.Collection{}, err
	}
	if e.Dimensions() <= 0 {
		return storage.Collection{}, fault.New(fault.KindValidation, fault.StageCollection,
			"model %s/%s does not report its dimensions", req.Provider, req.Model)
	}
	if err := vdb.CreateCollection(ctx, req.Name, e.Dimensions(), req.Distance); err != nil {
		return storage.Collection{}, fmt.Errorf("creating %s on %s: %w", req.Name, req.VectorDb, err)
	}

	c := storage.Collection{
		ID:                uuid.NewString(),
		Name:              req.Name,
		Model:             req.Model,
		EmbeddingProvider: req.Provider,
		VectorDb:          req.VectorDb,
		Dimensions:        e.Dimensions(),
	}
	if err := o.store.CreateCollection(c); err != nil {
		if dropErr := vdb.DropCollection(ctx, req.Name); dropErr != nil {
			o.logger.Warn("dropping orphaned vector collection failed", "collection", req.Name, "error", dropErr)
		}
		return storage.Collection{}, fmt.Errorf("registering %s: %w", req.Name, err)
	}
	o.logger.Info("collection created", "collection_id", c.ID, "name", c.Name,
		"vector_db", c.VectorDb, "model", c.Model, "dimensions", c.Dimensions)
	return o.store.GetCollection(c.ID)
}

// DeleteCollection drops the vector collection, then its row. Reports keep
// the collection's name.
func (o *Orchestrator) DeleteCollection(ctx context.Context, id string) error {
	coll, vdb, err := o.collection(id)
	if err != nil {
		return err
	}
	if err := vdb.DropCollection(ctx, coll.Name); err != nil && !errors.Is(err, vectordb.ErrCollectionNotFound) {
		return fault.At(fault.StageCollection, fmt.Errorf("dropping %s: %w", coll.Name, err))
	}
	if err := o.store.DeleteCollection(coll.ID); err != nil {
		return fault.At(fault.StageCollection, err)
	}
	o.logger.Info("collection deleted", "collection_id", coll.ID, "name", coll.Name)
	return nil
}

// SyncResult reports what SyncCollections found.
type SyncResult struct {
	// Removed are rows whose vector collection no longer exists.
	Removed []storage.Collection `json:"removed"`
	// Unmanaged are "backend/name" collections without a row. Their model is
	// unknown, so they are left alone.
	Unmanaged []string `json:"unmanaged"`
}

// SyncCollections reconciles collection rows with what every enabled vector
// backend actually holds.
func (o *Orchestrator) SyncCollections(ctx context.Context) (SyncResult, error) {
	var res SyncResult
	for _, id := range o.vectors.IDs() {
		vdb, err := o.vectors.Get(id)
		if err != nil {
			return res, err
		}
		live, err := vdb.ListCollections(ctx)
		if err != nil {
			return res, fault.At(fault.StageCollection, fmt.Errorf("listing %s collections: %w", id, err))
		}
		rows, err := o.store.ListCollections(id)
		if err != nil {
			return res, fault.At(fault.StageCollection, err)
		}

		known := make(map[string]bool, len(rows))
		for _, r := range rows {
			known[r.Name] = true
		}
		present := make(map[string]bool, len(live))
		for _, c := range live {
			present[c.Name] = true
			if !known[c.Name] {
				res.Unmanaged = append(res.Unmanaged, id+"/"+c.Name)
			}
		}
		for _, r := range rows {
			if present[r.Name] {
				continue
			}
			if err := o.store.DeleteCollection(r.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
				return res, fault.At(fault.StageCollection, err)
			}
			o.logger.Info("removed stale collection row", "collection_id", r.ID, "name", r.Name, "vector_db", id)
			res.Removed = append(res.Removed, r)
		}
	}
	return res, nil
}
