package storage

import (
	"database/sql"
	"fmt"
	"time"
)

const (
	parseConfigTable = "parse_configs"
	chunkConfigTable = "chunk_configs"
)

// CreateParseConfig inserts the parse config for a (document, collection)
// pair. When two writers race, exactly one wins and the other gets ErrConflict.
func (s *Store) CreateParseConfig(c ParseConfig) error {
	return s.createConfig(parseConfigTable, c.DocumentID, c.CollectionID, c.Config)
}

// UpdateParseConfig overwrites an existing parse config.
func (s *Store) UpdateParseConfig(c ParseConfig) error {
	return s.updateConfig(parseConfigTable, c.DocumentID, c.CollectionID, c.Config)
}

func (s *Store) GetParseConfig(documentID, collectionID string) (ParseConfig, error) {
	cfg, updated, err := s.getConfig(parseConfigTable, documentID, collectionID)
	if err != nil {
		return ParseConfig{}, err
	}
	return ParseConfig{DocumentID: documentID, CollectionID: collectionID, Config: cfg, UpdatedAt: updated}, nil
}

func (s *Store) CreateChunkConfig(c ChunkConfig) error {
	return s.createConfig(chunkConfigTable, c.DocumentID, c.CollectionID, c.Config)
}

func (s *Store) UpdateChunkConfig(c ChunkConfig) error {
	return s.updateConfig(chunkConfigTable, c.DocumentID, c.CollectionID, c.Config)
}

func (s *Store) GetChunkConfig(documentID, collectionID string) (ChunkConfig, error) {
	cfg, updated, err := s.getConfig(chunkConfigTable, documentID, collectionID)
	if err != nil {
		return ChunkConfig{}, err
	}
	return ChunkConfig{DocumentID: documentID, CollectionID: collectionID, Config: cfg, UpdatedAt: updated}, nil
}

func (s *Store) createConfig(table, documentID, collectionID, config string) error {
	_, err := s.db.Exec(`INSERT INTO `+table+` (document_id, collection_id, config, updated_at) VALUES (?, ?, ?, ?)`,
		documentID, collectionID, config, formatTime(s.now()))
	if isUniqueViolation(err) {
		return fmt.Errorf("%s for document %s in collection %s: %w", table, documentID, collectionID, ErrConflict)
	}
	if isForeignKeyViolation(err) {
		return fmt.Errorf("document %s or collection %s: %w", documentID, collectionID, ErrNotFound)
	}
	return err
}

func (s *Store) updateConfig(table, documentID, collectionID, config string) error {
	res, err := s.db.Exec(`UPDATE `+table+` SET config = ?, updated_at = ? WHERE document_id = ? AND collection_id = ?`,
		config, formatTime(s.now()), documentID, collectionID)
	if err != nil {
		return err
	}
	return affectedOne(res)
}

func (s *Store) getConfig(table, documentID, collectionID string) (string, time.Time, error) {
	var config, updatedAt string
	err := s.db.QueryRow(`SELECT config, updated_at FROM `+table+` WHERE document_id = ? AND collection_id = ?`,
		documentID, collectionID).Scan(&config, &updatedAt)
	if err == sql.ErrNoRows {
		return "", time.Time{}, ErrNotFound
	}
	if err != nil {
		return "", time.Time{}, err
	}
	t, err := parseTime(updatedAt)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return config, t, nil
}
