// Package vectordb abstracts vector databases behind one Provider contract:
// collection lifecycle, batched upsert, nearest-neighbour query and delete.
//
// Every backend maps the contract onto its own collection model. A
// collection created through one backend is not visible through another.
package vectordb

import (
	"context"
	"fmt"

	"github.com/kalambet/docvec/internal/fault"
	"github.com/kalambet/docvec/internal/vecmath"
)

var (
	ErrCollectionNotFound = fault.Permanent(fault.KindNotFound, fault.ReasonVectorDb, "vector collection not found")
	ErrCollectionExists   = fault.Permanent(fault.KindConflict, fault.ReasonVectorDb, "vector collection already exists")
	ErrDimensionMismatch  = fault.Permanent(fault.KindValidation, fault.ReasonVectorDb, "vector dimension mismatch")
	ErrBackendUnavailable = fault.Transient(fault.KindStorage, fault.ReasonVectorDb, "vector database unavailable")
	ErrRejected           = fault.Permanent(fault.KindStorage, fault.ReasonVectorDb, "vector database rejected the request")
	ErrUnknownBackend     = fault.Permanent(fault.KindValidation, fault.ReasonNone, "unknown vector database")
)

// Collection describes a vector collection as the backend sees it.
type Collection struct {
	Name       string           `json:"name"`
	Dimensions int              `json:"dimensions"`
	Distance   vecmath.Distance `json:"distance"`
}

// Payload is stored next to every vector. Text chunks fill DocumentID,
// ChunkIndex and ChunkText; images fill ImageID, ImageDataRef and
// Description. Filtering by DocumentID therefore never touches images.
type Payload struct {
	DocumentID   string `json:"document_id"`
	ChunkIndex   int    `json:"chunk_index"`
	ChunkText    string `json:"chunk_text,omitempty"`
	ImageID      string `json:"image_id,omitempty"`
	ImageDataRef string `json:"image_data_ref,omitempty"`
	Description  string `json:"description,omitempty"`
}

// Point is one vector with its payload. IDs are UUIDs; upserting an
// existing ID replaces the point.
type Point struct {
	ID      string
	Vector  []float32
	Payload Payload
}

// Filter restricts a query or delete to points whose payload matches every
// non-empty field.
type Filter struct {
	DocumentID string
	ImageID    string
}

func (f Filter) empty() bool { return f.DocumentID == "" && f.ImageID == "" }

// Match is one query result. Distance follows the collection's metric:
// lower is closer.
type Match struct {
	ID       string  `json:"id"`
	Distance float32 `json:"distance"`
	Payload  Payload `json:"payload"`
}

// Provider is a vector database backend.
type Provider interface {
	ID() string
	CreateCollection(ctx context.Context, name string, dims int, distance vecmath.Distance) error
	GetCollection(ctx context.Context, name string) (Collection, error)
	ListCollections(ctx context.Context) ([]Collection, error)
	DropCollection(ctx context.Context, name string) error
	Upsert(ctx context.Context, collection string, points []Point) error
	Query(ctx context.Context, collection string, vector []float32, topK int, filter Filter) ([]Match, error)
	Delete(ctx context.Context, collection string, ids []string) error
	DeleteWhere(ctx context.Context, collection string, filter Filter) error
}

// checkDims rejects any vector whose length differs from dims.
func checkDims(collection string, dims int, points []Point) error {
	for _, p := range points {
		if len(p.Vector) != dims {
			return fmt.Errorf("point %s has %d dimensions, collection %s has %d: %w",
				p.ID, len(p.Vector), collection, dims, ErrDimensionMismatch)
		}
	}
	return nil
}

func checkQuery(collection string, dims int, vector []float32) error {
	if len(vector) != dims {
		return fmt.Errorf("query has %d dimensions, collection %s has %d: %w",
			len(vector), collection, dims, ErrDimensionMismatch)
	}
	return nil
}

func validateCreate(name string, dims int, distance vecmath.Distance) error {
	if name == "" {
		return fmt.Errorf("collection name is required: %w", ErrRejected)
	}
	if dims <= 0 {
		return fmt.Errorf("collection %s: dimensions must be positive, got %d: %w", name, dims, ErrDimensionMismatch)
	}
	if _, err := distance.Resolve(); err != nil {
		return fmt.Errorf("collection %s: %v: %w", name, err, ErrRejected)
	}
	return nil
}

func normalizeDistance(d vecmath.Distance) vecmath.Distance {
	if d == "" {
		return vecmath.Cosine
	}
	return d
}
