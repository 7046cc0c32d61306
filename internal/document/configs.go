package document

import (
	"errors"
	"fmt"

	"github.com/kalambet/docvec/internal/chunker"
	"github.com/kalambet/docvec/internal/parser"
	"github.com/kalambet/docvec/internal/storage"
)

// ParseConfig returns the parse config of a (document, collection) pair,
// or the default config when none was saved.
func (s *Service) ParseConfig(documentID, collectionID string) (parser.Config, error) {
	row, err := s.store.GetParseConfig(documentID, collectionID)
	if errors.Is(err, storage.ErrNotFound) {
		return parser.DefaultConfig(), nil
	}
	if err != nil {
		return parser.Config{}, err
	}
	return parser.DecodeConfig(row.Config)
}

// ChunkConfig returns the chunk config of a (document, collection) pair,
// or the default config when none was saved.
func (s *Service) ChunkConfig(documentID, collectionID string) (chunker.Config, error) {
	row, err := s.store.GetChunkConfig(documentID, collectionID)
	if errors.Is(err, storage.ErrNotFound) {
		return chunker.DefaultConfig(), nil
	}
	if err != nil {
		return chunker.Config{}, err
	}
	return chunker.DecodeConfig(row.Config)
}

// CreateParseConfig saves the first parse config of a pair. A second create
// for the same pair fails with storage.ErrConflict.
func (s *Service) CreateParseConfig(documentID, collectionID string, cfg parser.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return s.store.CreateParseConfig(storage.ParseConfig{DocumentID: documentID, CollectionID: collectionID, Config: cfg.Encode()})
}

// SetParseConfig creates or overwrites the parse config of a pair.
func (s *Service) SetParseConfig(documentID, collectionID string, cfg parser.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	row := storage.ParseConfig{DocumentID: documentID, CollectionID: collectionID, Config: cfg.Encode()}
	return upsert(func() error { return s.store.UpdateParseConfig(row) }, func() error { return s.store.CreateParseConfig(row) })
}

func (s *Service) CreateChunkConfig(documentID, collectionID string, cfg chunker.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return s.store.CreateChunkConfig(storage.ChunkConfig{DocumentID: documentID, CollectionID: collectionID, Config: cfg.Encode()})
}

// SetChunkConfig creates or overwrites the chunk config of a pair.
func (s *Service) SetChunkConfig(documentID, collectionID string, cfg chunker.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	row := storage.ChunkConfig{DocumentID: documentID, CollectionID: collectionID, Config: cfg.Encode()}
	return upsert(func() error { return s.store.UpdateChunkConfig(row) }, func() error { return s.store.CreateChunkConfig(row) })
}

// upsert tries update first. If the row is missing it creates it, and if a
// concurrent writer created it in between, updates once more.
func upsert(update, create func() error) error {
	err := update()
	if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	err = create()
	if errors.Is(err, storage.ErrConflict) {
		return update()
	}
	if err != nil {
		return fmt.Errorf("saving config: %w", err)
	}
	return nil
}
