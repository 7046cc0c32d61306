package storage

import (
	"time"

	"github.com/kalambet/docvec/internal/fault"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = fault.Permanent(fault.KindNotFound, fault.ReasonEntity, "not found")

// ErrConflict is returned when a write would violate a uniqueness constraint.
var ErrConflict = fault.Permanent(fault.KindConflict, fault.ReasonEntity, "already exists")

type Document struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Path      string    `json:"path"` // blob key of the stored bytes
	Ext       string    `json:"ext"`
	Hash      string    `json:"hash"` // hex SHA-256 of the bytes
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ParseConfig and ChunkConfig store their parameters as JSON; the parser and
// chunker packages own the schema.
type ParseConfig struct {
	DocumentID   string    `json:"document_id"`
	CollectionID string    `json:"collection_id"`
	Config       string    `json:"config"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type ChunkConfig struct {
	DocumentID   string    `json:"document_id"`
	CollectionID string    `json:"collection_id"`
	Config       string    `json:"config"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type Collection struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Model             string    `json:"model"`
	EmbeddingProvider string    `json:"embedding_provider"`
	VectorDb          string    `json:"vector_db"`
	Dimensions        int       `json:"dimensions"`
	CreatedAt         time.Time `json:"created_at"`
}

const (
	ReportText  = "text"
	ReportImage = "image"
)

// EmbeddingReport is append-only. Collection and document (or image) IDs are
// nulled, never deleted, when the referenced rows go away; the names are kept.
type EmbeddingReport struct {
	ID                string    `json:"id"`
	Type              string    `json:"type"`
	CollectionID      string    `json:"collection_id"`
	CollectionName    string    `json:"collection_name"`
	DocumentID        string    `json:"document_id"`
	DocumentName      string    `json:"document_name,omitempty"`
	ImageID           string    `json:"image_id,omitempty"`
	ModelUsed         string    `json:"model_used"`
	EmbeddingProvider string    `json:"embedding_provider"`
	VectorDb          string    `json:"vector_db"`
	TotalVectors      int       `json:"total_vectors"`
	TokensUsed        *int      `json:"tokens_used,omitempty"`
	Cache             bool      `json:"cache"`
	StartedAt         time.Time `json:"started_at"`
	FinishedAt        time.Time `json:"finished_at"`
}

type RemovalReport struct {
	ID             string    `json:"id"`
	Type           string    `json:"type"`
	CollectionID   string    `json:"collection_id"`
	CollectionName string    `json:"collection_name"`
	DocumentID     string    `json:"document_id"`
	DocumentName   string    `json:"document_name,omitempty"`
	ImageID        string    `json:"image_id,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
}

type Image struct {
	ID          string    `json:"id"`
	Path        string    `json:"path"`
	Format      string    `json:"format"`
	Hash        string    `json:"hash"`
	Width       int       `json:"width"`
	Height      int       `json:"height"`
	DocumentID  string    `json:"document_id"`
	PageNumber  int       `json:"page_number"`
	ImageNumber int       `json:"image_number"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type ImageEmbedding struct {
	ImageID      string    `json:"image_id,omitempty"`
	CollectionID string    `json:"collection_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// EmbeddedPair is a (document, collection) pair whose latest embedding has
// not been followed by a removal.
type EmbeddedPair struct {
	DocumentID   string    `json:"document_id"`
	CollectionID string    `json:"collection_id"`
	FinishedAt   time.Time `json:"finished_at"`
}

type Job struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	PayloadJSON string    `json:"payload"`
	Status      string    `json:"status"` // "pending", "running", "completed", "failed"
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	RunAfter    time.Time `json:"run_after"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	LastError   string    `json:"last_error,omitempty"`
}
