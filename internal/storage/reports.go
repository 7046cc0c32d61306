package storage

import (
	"database/sql"
	"fmt"
	"strings"
)

// ReportFilter narrows report listings. Zero fields match everything.
type ReportFilter struct {
	Type         string
	DocumentID   string
	CollectionID string
	ImageID      string
	Limit        int
}

func (f ReportFilter) where() (string, []any) {
	var conds []string
	var args []any
	add := func(col, val string) {
		if val != "" {
			conds = append(conds, col+" = ?")
			args = append(args, val)
		}
	}
	add("type", f.Type)
	add("document_id", f.DocumentID)
	add("collection_id", f.CollectionID)
	add("image_id", f.ImageID)
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

const embeddingReportColumns = `id, type, collection_id, collection_name, document_id, document_name, image_id,
	model_used, embedding_provider, vector_db, total_vectors, tokens_used, cache, started_at, finished_at`

// CreateEmbeddingReport appends an audit row. Reports are never updated.
func (s *Store) CreateEmbeddingReport(r EmbeddingReport) error {
	var tokens sql.NullInt64
	if r.TokensUsed != nil {
		tokens = sql.NullInt64{Int64: int64(*r.TokensUsed), Valid: true}
	}
	_, err := s.db.Exec(`INSERT INTO embedding_reports (`+embeddingReportColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Type, nullString(r.CollectionID), r.CollectionName, nullString(r.DocumentID), nullString(r.DocumentName),
		nullString(r.ImageID), r.ModelUsed, r.EmbeddingProvider, r.VectorDb, r.TotalVectors, tokens, r.Cache,
		formatTime(r.StartedAt), formatTime(r.FinishedAt),
	)
	if isForeignKeyViolation(err) {
		return fmt.Errorf("embedding report %s references: %w", r.ID, ErrNotFound)
	}
	return err
}

func (s *Store) GetEmbeddingReport(id string) (EmbeddingReport, error) {
	return scanEmbeddingReport(s.db.QueryRow(`SELECT `+embeddingReportColumns+` FROM embedding_reports WHERE id = ?`, id))
}

// ListEmbeddingReports returns matching reports, newest first.
func (s *Store) ListEmbeddingReports(f ReportFilter) ([]EmbeddingReport, error) {
	where, args := f.where()
	query := `SELECT ` + embeddingReportColumns + ` FROM embedding_reports` + where + ` ORDER BY finished_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EmbeddingReport
	for rows.Next() {
		r, err := scanEmbeddingReport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanEmbeddingReport(row rowScanner) (EmbeddingReport, error) {
	var r EmbeddingReport
	var collectionID, documentID, documentName, imageID sql.NullString
	var tokens sql.NullInt64
	var startedAt, finishedAt string
	err := row.Scan(&r.ID, &r.Type, &collectionID, &r.CollectionName, &documentID, &documentName, &imageID,
		&r.ModelUsed, &r.EmbeddingProvider, &r.VectorDb, &r.TotalVectors, &tokens, &r.Cache, &startedAt, &finishedAt)
	if err == sql.ErrNoRows {
		return EmbeddingReport{}, ErrNotFound
	}
	if err != nil {
		return EmbeddingReport{}, err
	}
	r.CollectionID = collectionID.String
	r.DocumentID = documentID.String
	r.DocumentName = documentName.String
	r.ImageID = imageID.String
	if tokens.Valid {
		n := int(tokens.Int64)
		r.TokensUsed = &n
	}
	if r.StartedAt, err = parseTime(startedAt); err != nil {
		return EmbeddingReport{}, fmt.Errorf("parsing started_at: %w", err)
	}
	if r.FinishedAt, err = parseTime(finishedAt); err != nil {
		return EmbeddingReport{}, fmt.Errorf("parsing finished_at: %w", err)
	}
	return r, nil
}

const removalReportColumns = `id, type, collection_id, collection_name, document_id, document_name, image_id, started_at, finished_at`

func (s *Store) CreateRemovalReport(r RemovalReport) error {
	_, err := s.db.Exec(`INSERT INTO removal_reports (`+removalReportColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Type, nullString(r.CollectionID), r.CollectionName, nullString(r.DocumentID), nullString(r.DocumentName),
		nullString(r.ImageID), formatTime(r.StartedAt), formatTime(r.FinishedAt),
	)
	if isForeignKeyViolation(err) {
		return fmt.Errorf("removal report %s references: %w", r.ID, ErrNotFound)
	}
	return err
}

func (s *Store) ListRemovalReports(f ReportFilter) ([]RemovalReport, error) {
	where, args := f.where()
	query := `SELECT ` + removalReportColumns + ` FROM removal_reports` + where + ` ORDER BY finished_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RemovalReport
	for rows.Next() {
		var r RemovalReport
		var collectionID, documentID, documentName, imageID sql.NullString
		var startedAt, finishedAt string
		if err := rows.Scan(&r.ID, &r.Type, &collectionID, &r.CollectionName, &documentID, &documentName, &imageID,
			&startedAt, &finishedAt); err != nil {
			return nil, err
		}
		r.CollectionID = collectionID.String
		r.DocumentID = documentID.String
		r.DocumentName = documentName.String
		r.ImageID = imageID.String
		if r.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, fmt.Errorf("parsing started_at: %w", err)
		}
		if r.FinishedAt, err = parseTime(finishedAt); err != nil {
			return nil, fmt.Errorf("parsing finished_at: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// embeddedPairsQuery selects text (document, collection) pairs whose latest
// embedding report is newer than their latest removal report.
const embeddedPairsQuery = `
	SELECT e.document_id, e.collection_id, MAX(e.finished_at) AS last_embedded
	FROM embedding_reports e
	WHERE e.type = 'text' AND e.document_id IS NOT NULL AND e.collection_id IS NOT NULL %s
	GROUP BY e.document_id, e.collection_id
	HAVING last_embedded > COALESCE((
		SELECT MAX(r.finished_at) FROM removal_reports r
		WHERE r.type = 'text' AND r.document_id = e.document_id AND r.collection_id = e.collection_id
	), '')`

// EmbeddedCollections returns the collections a document currently has
// vectors in, according to the report history.
func (s *Store) EmbeddedCollections(documentID string) ([]EmbeddedPair, error) {
	return s.queryEmbeddedPairs(fmt.Sprintf(embeddedPairsQuery, "AND e.document_id = ?"), documentID)
}

// DocumentsInCollection returns the documents currently embedded in a collection.
func (s *Store) DocumentsInCollection(collectionID string) ([]EmbeddedPair, error) {
	return s.queryEmbeddedPairs(fmt.Sprintf(embeddedPairsQuery, "AND e.collection_id = ?"), collectionID)
}

// OutdatedEmbeddings returns embedded pairs whose document was replaced after
// the pair's latest embedding.
func (s *Store) OutdatedEmbeddings() ([]EmbeddedPair, error) {
	query := `SELECT p.document_id, p.collection_id, p.last_embedded FROM (` +
		fmt.Sprintf(embeddedPairsQuery, "") + `) p
		JOIN documents d ON d.id = p.document_id
		WHERE p.last_embedded < d.updated_at
		ORDER BY p.document_id, p.collection_id`
	return s.queryEmbeddedPairs(query)
}

func (s *Store) queryEmbeddedPairs(query string, args ...any) ([]EmbeddedPair, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EmbeddedPair
	for rows.Next() {
		var p EmbeddedPair
		var finished string
		if err := rows.Scan(&p.DocumentID, &p.CollectionID, &finished); err != nil {
			return nil, err
		}
		if p.FinishedAt, err = parseTime(finished); err != nil {
			return nil, fmt.Errorf("parsing finished_at: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
