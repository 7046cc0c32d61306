package vectordb

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/docvec/internal/vecmath"
)

// Compile-time check that SQLite implements Provider.
var _ Provider = (*SQLite)(nil)

// SQLite keeps vectors in the Entity Store database and answers queries by
// brute-force scan. It suits small corpora and tests; the vector_collections
// and vector_points tables come from the storage migrations.
type SQLite struct {
	db *sql.DB
}

func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{db: db}
}

func (s *SQLite) ID() string { return BackendSQLite }

func (s *SQLite) CreateCollection(ctx context.Context, name string, dims int, distance vecmath.Distance) error {
	if err := validateCreate(name, dims, distance); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO vector_collections (name, dimensions, distance, created_at) VALUES (?, ?, ?, ?)`,
		name, dims, string(normalizeDistance(distance)), time.Now().UTC().Format(time.RFC3339))
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return fmt.Errorf("collection %s: %w", name, ErrCollectionExists)
	}
	return err
}

func (s *SQLite) GetCollection(ctx context.Context, name string) (Collection, error) {
	var c Collection
	err := s.db.QueryRowContext(ctx,
		`SELECT name, dimensions, distance FROM vector_collections WHERE name = ?`, name).
		Scan(&c.Name, &c.Dimensions, &c.Distance)
	if errors.Is(err, sql.ErrNoRows) {
		return Collection{}, fmt.Errorf("collection %s: %w", name, ErrCollectionNotFound)
	}
	return c, err
}

func (s *SQLite) ListCollections(ctx context.Context) ([]Collection, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, dimensions, distance FROM vector_collections ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing collections: %w", err)
	}
	defer rows.Close()

	var out []Collection
	for rows.Next() {
		var c Collection
		if err := rows.Scan(&c.Name, &c.Dimensions, &c.Distance); err != nil {
			return nil, fmt.Errorf("scanning collection: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DropCollection removes the collection; its points go with it through the
// foreign key cascade.
func (s *SQLite) DropCollection(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM vector_collections WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("dropping collection %s: %w", name, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("collection %s: %w", name, ErrCollectionNotFound)
	}
	return nil
}

// Upsert writes all points in one transaction.
func (s *SQLite) Upsert(ctx context.Context, collection string, points []Point) error {
	c, err := s.GetCollection(ctx, collection)
	if err != nil {
		return err
	}
	if err := checkDims(collection, c.Dimensions, points); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning upsert transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO vector_points (collection, id, embedding, payload) VALUES (?, ?, ?, ?)
		ON CONFLICT (collection, id) DO UPDATE SET embedding = excluded.embedding, payload = excluded.payload`)
	if err != nil {
		return fmt.Errorf("preparing upsert statement: %w", err)
	}
	defer stmt.Close()

	for _, p := range points {
		payload, err := json.Marshal(p.Payload)
		if err != nil {
			return fmt.Errorf("encoding payload for %s: %w", p.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, collection, p.ID, vecmath.Encode(p.Vector), string(payload)); err != nil {
			return fmt.Errorf("upserting point %s: %w", p.ID, err)
		}
	}
	return tx.Commit()
}

// idDistance holds only the ID and distance during the scan phase of Query.
// Payloads are fetched only for the top-K winners.
type idDistance struct {
	ID       string
	Distance float32
}

// Query scans every point of the collection that passes filter and returns
// the topK closest.
func (s *SQLite) Query(ctx context.Context, collection string, vector []float32, topK int, filter Filter) ([]Match, error) {
	c, err := s.GetCollection(ctx, collection)
	if err != nil {
		return nil, err
	}
	if err := checkQuery(collection, c.Dimensions, vector); err != nil {
		return nil, err
	}
	if topK <= 0 {
		return nil, nil
	}

	where, args := filterClause(collection, filter)
	rows, err := s.db.QueryContext(ctx, `SELECT id, embedding FROM vector_points WHERE `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}

	cosine := c.Distance != vecmath.Euclidean

	h := &distanceHeap{}
	var buf []float32
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		buf, err = vecmath.DecodeInto(buf, blob)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}

		var d float32
		if cosine {
			d = vecmath.CosineDistance(vector, buf)
		} else {
			d = vecmath.EuclideanDistance(vector, buf)
		}
		if h.Len() < topK {
			heap.Push(h, idDistance{ID: id, Distance: d})
		} else if d < (*h)[0].Distance {
			(*h)[0] = idDistance{ID: id, Distance: d}
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	rows.Close()

	if h.Len() == 0 {
		return nil, nil
	}

	// Pop yields the farthest first, so fill from the back.
	matches := make([]Match, h.Len())
	ids := make([]any, h.Len())
	pos := make(map[string]int, h.Len())
	for i := len(matches) - 1; i >= 0; i-- {
		item := heap.Pop(h).(idDistance)
		matches[i] = Match{ID: item.ID, Distance: item.Distance}
		ids[i] = item.ID
		pos[item.ID] = i
	}

	payloadRows, err := s.db.QueryContext(ctx,
		`SELECT id, payload FROM vector_points WHERE collection = ? AND id IN (?`+strings.Repeat(",?", len(ids)-1)+`)`,
		append([]any{collection}, ids...)...)
	if err != nil {
		return nil, fmt.Errorf("fetching top-K payloads: %w", err)
	}
	defer payloadRows.Close()

	for payloadRows.Next() {
		var id, raw string
		if err := payloadRows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("scanning payload: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &matches[pos[id]].Payload); err != nil {
			return nil, fmt.Errorf("decoding payload for %s: %w", id, err)
		}
	}
	return matches, payloadRows.Err()
}

func (s *SQLite) Delete(ctx context.Context, collection string, ids []string) error {
	if _, err := s.GetCollection(ctx, collection); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, collection)
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM vector_points WHERE collection = ? AND id IN (?`+strings.Repeat(",?", len(ids)-1)+`)`, args...)
	if err != nil {
		return fmt.Errorf("deleting points: %w", err)
	}
	return nil
}

func (s *SQLite) DeleteWhere(ctx context.Context, collection string, filter Filter) error {
	if _, err := s.GetCollection(ctx, collection); err != nil {
		return err
	}
	if filter.empty() {
		return fmt.Errorf("delete without a filter: %w", ErrRejected)
	}
	where, args := filterClause(collection, filter)
	if _, err := s.db.ExecContext(ctx, `DELETE FROM vector_points WHERE `+where, args...); err != nil {
		return fmt.Errorf("deleting points: %w", err)
	}
	return nil
}

// Count returns the number of points in collection.
func (s *SQLite) Count(ctx context.Context, collection string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vector_points WHERE collection = ?`, collection).Scan(&n)
	return n, err
}

func filterClause(collection string, f Filter) (string, []any) {
	where := []string{"collection = ?"}
	args := []any{collection}
	if f.DocumentID != "" {
		where = append(where, "json_extract(payload, '$.document_id') = ?")
		args = append(args, f.DocumentID)
	}
	if f.ImageID != "" {
		where = append(where, "json_extract(payload, '$.image_id') = ?")
		args = append(args, f.ImageID)
	}
	return strings.Join(where, " AND "), args
}

// distanceHeap is a max-heap on Distance: the root is the farthest of the
// current top-K and is the one replaced by a closer point.
type distanceHeap []idDistance

func (h distanceHeap) Len() int           { return len(h) }
func (h distanceHeap) Less(i, j int) bool { return h[i].Distance > h[j].Distance }
func (h distanceHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *distanceHeap) Push(x any)        { *h = append(*h, x.(idDistance)) }
func (h *distanceHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
