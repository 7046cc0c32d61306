package storage

import (
	"database/sql"
	"fmt"
)

const collectionColumns = `id, name, model, embedding_provider, vector_db, dimensions, created_at`

// CreateCollection inserts a collection. Names are unique per vector backend.
func (s *Store) CreateCollection(c Collection) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	_, err := s.db.Exec(`INSERT INTO collections (`+collectionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.Model, c.EmbeddingProvider, c.VectorDb, c.Dimensions, formatTime(c.CreatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("collection %q on %s: %w", c.Name, c.VectorDb, ErrConflict)
	}
	return err
}

func (s *Store) GetCollection(id string) (Collection, error) {
	return scanCollection(s.db.QueryRow(`SELECT `+collectionColumns+` FROM collections WHERE id = ?`, id))
}

func (s *Store) GetCollectionByName(vectorDb, name string) (Collection, error) {
	return scanCollection(s.db.QueryRow(`SELECT `+collectionColumns+` FROM collections WHERE vector_db = ? AND name = ?`,
		vectorDb, name))
}

// ListCollections returns all collections, or only those on vectorDb when it
// is non-empty.
func (s *Store) ListCollections(vectorDb string) ([]Collection, error) {
	query := `SELECT ` + collectionColumns + ` FROM collections`
	var args []any
	if vectorDb != "" {
		query += ` WHERE vector_db = ?`
		args = append(args, vectorDb)
	}
	query += ` ORDER BY name ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Collection
	for rows.Next() {
		c, err := scanCollection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) DeleteCollection(id string) error {
	res, err := s.db.Exec(`DELETE FROM collections WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return affectedOne(res)
}

func scanCollection(row rowScanner) (Collection, error) {
	var c Collection
	var createdAt string
	err := row.Scan(&c.ID, &c.Name, &c.Model, &c.EmbeddingProvider, &c.VectorDb, &c.Dimensions, &createdAt)
	if err == sql.ErrNoRows {
		return Collection{}, ErrNotFound
	}
	if err != nil {
		return Collection{}, err
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return Collection{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return c, nil
}
