package storage

import (
	"database/sql"
	"fmt"
)

const documentColumns = `id, name, path, ext, hash, source, created_at, updated_at`

// CreateDocument inserts a document. A duplicate name or hash yields ErrConflict.
func (s *Store) CreateDocument(d Document) error {
	now := s.now()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = d.CreatedAt
	}
	if d.Source == "" {
		d.Source = "upload"
	}
	_, err := s.db.Exec(`INSERT INTO documents (`+documentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Name, d.Path, d.Ext, d.Hash, d.Source, formatTime(d.CreatedAt), formatTime(d.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("document %q: %w", d.Name, ErrConflict)
	}
	return err
}

// ReplaceDocumentContent swaps the stored bytes of an existing document and
// bumps updated_at, marking its embeddings outdated.
func (s *Store) ReplaceDocumentContent(id, path, hash string) error {
	res, err := s.db.Exec(`UPDATE documents SET path = ?, hash = ?, updated_at = ? WHERE id = ?`,
		path, hash, formatTime(s.now()), id)
	if isUniqueViolation(err) {
		return fmt.Errorf("document hash %s: %w", hash, ErrConflict)
	}
	if err != nil {
		return err
	}
	return affectedOne(res)
}

func (s *Store) GetDocument(id string) (Document, error) {
	return scanDocument(s.db.QueryRow(`SELECT `+documentColumns+` FROM documents WHERE id = ?`, id))
}

func (s *Store) GetDocumentByName(name string) (Document, error) {
	return scanDocument(s.db.QueryRow(`SELECT `+documentColumns+` FROM documents WHERE name = ?`, name))
}

func (s *Store) GetDocumentByHash(hash string) (Document, error) {
	return scanDocument(s.db.QueryRow(`SELECT `+documentColumns+` FROM documents WHERE hash = ?`, hash))
}

// ListDocuments returns documents ordered by name.
func (s *Store) ListDocuments() ([]Document, error) {
	rows, err := s.db.Query(`SELECT ` + documentColumns + ` FROM documents ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// DeleteDocument removes the row. Configs and images cascade; report
// references are nulled.
func (s *Store) DeleteDocument(id string) error {
	res, err := s.db.Exec(`DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return affectedOne(res)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (Document, error) {
	var d Document
	var createdAt, updatedAt string
	err := row.Scan(&d.ID, &d.Name, &d.Path, &d.Ext, &d.Hash, &d.Source, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, err
	}
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return Document{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if d.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Document{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return d, nil
}
