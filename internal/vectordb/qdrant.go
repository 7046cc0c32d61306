package vectordb

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kalambet/docvec/internal/vecmath"
)

var _ Provider = (*Qdrant)(nil)

type QdrantConfig struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

// Qdrant drives a Qdrant server through its REST API. Collections map one to
// one onto Qdrant collections with a single unnamed vector.
type Qdrant struct {
	rest *restClient
}

func NewQdrant(cfg QdrantConfig) *Qdrant {
	rest := newRESTClient(BackendQdrant, cfg.URL, cfg.Timeout)
	if cfg.APIKey != "" {
		rest.headers.Set("api-key", cfg.APIKey)
	}
	return &Qdrant{rest: rest}
}

func (q *Qdrant) ID() string { return BackendQdrant }

func collectionPath(name string) string {
	return "/collections/" + url.PathEscape(name)
}

func qdrantDistance(d vecmath.Distance) string {
	if d == vecmath.Euclidean {
		return "Euclid"
	}
	return "Cosine"
}

func (q *Qdrant) CreateCollection(ctx context.Context, name string, dims int, distance vecmath.Distance) error {
	if err := validateCreate(name, dims, distance); err != nil {
		return err
	}
	body := map[string]any{
		"vectors": map[string]any{
			"size":     dims,
			"distance": qdrantDistance(distance),
		},
	}
	err := q.rest.do(ctx, http.MethodPut, collectionPath(name), body, nil)
	var se *statusError
	if errors.As(err, &se) && (se.code == http.StatusConflict || strings.Contains(se.body, "already exists")) {
		return fmt.Errorf("collection %s: %w", name, ErrCollectionExists)
	}
	return err
}

type qdrantCollectionInfo struct {
	Result struct {
		Config struct {
			Params struct {
				Vectors struct {
					Size     int    `json:"size"`
					Distance string `json:"distance"`
				} `json:"vectors"`
			} `json:"params"`
		} `json:"config"`
	} `json:"result"`
}

func (q *Qdrant) GetCollection(ctx context.Context, name string) (Collection, error) {
	var info qdrantCollectionInfo
	if err := q.rest.do(ctx, http.MethodGet, collectionPath(name), nil, &info); err != nil {
		return Collection{}, fmt.Errorf("collection %s: %w", name, err)
	}
	v := info.Result.Config.Params.Vectors
	c := Collection{Name: name, Dimensions: v.Size, Distance: vecmath.Cosine}
	if v.Distance == "Euclid" {
		c.Distance = vecmath.Euclidean
	}
	return c, nil
}

func (q *Qdrant) ListCollections(ctx context.Context) ([]Collection, error) {
	var resp struct {
		Result struct {
			Collections []struct {
				Name string `json:"name"`
			} `json:"collections"`
		} `json:"result"`
	}
	if err := q.rest.do(ctx, http.MethodGet, "/collections", nil, &resp); err != nil {
		return nil, fmt.Errorf("listing collections: %w", err)
	}
	out := make([]Collection, 0, len(resp.Result.Collections))
	for _, c := range resp.Result.Collections {
		info, err := q.GetCollection(ctx, c.Name)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

func (q *Qdrant) DropCollection(ctx context.Context, name string) error {
	if _, err := q.GetCollection(ctx, name); err != nil {
		return err
	}
	if err := q.rest.do(ctx, http.MethodDelete, collectionPath(name), nil, nil); err != nil {
		return fmt.Errorf("dropping collection %s: %w", name, err)
	}
	return nil
}

type qdrantPoint struct {
	ID      string    `json:"id"`
	Vector  []float32 `json:"vector"`
	Payload Payload   `json:"payload"`
}

func (q *Qdrant) Upsert(ctx context.Context, collection string, points []Point) error {
	c, err := q.GetCollection(ctx, collection)
	if err != nil {
		return err
	}
	if err := checkDims(collection, c.Dimensions, points); err != nil {
		return err
	}
	if len(points) == 0 {
		return nil
	}
	body := struct {
		Points []qdrantPoint `json:"points"`
	}{Points: make([]qdrantPoint, len(points))}
	for i, p := range points {
		body.Points[i] = qdrantPoint{ID: p.ID, Vector: p.Vector, Payload: p.Payload}
	}
	if err := q.rest.do(ctx, http.MethodPut, collectionPath(collection)+"/points?wait=true", body, nil); err != nil {
		return fmt.Errorf("upserting %d points: %w", len(points), err)
	}
	return nil
}

type qdrantMatch struct {
	Key   string `json:"key"`
	Match struct {
		Value string `json:"value"`
	} `json:"match"`
}

func qdrantFilter(f Filter) map[string]any {
	var must []qdrantMatch
	add := func(key, value string) {
		if value == "" {
			return
		}
		m := qdrantMatch{Key: key}
		m.Match.Value = value
		must = append(must, m)
	}
	add("document_id", f.DocumentID)
	add("image_id", f.ImageID)
	if len(must) == 0 {
		return nil
	}
	return map[string]any{"must": must}
}

func (q *Qdrant) Query(ctx context.Context, collection string, vector []float32, topK int, filter Filter) ([]Match, error) {
	c, err := q.GetCollection(ctx, collection)
	if err != nil {
		return nil, err
	}
	if err := checkQuery(collection, c.Dimensions, vector); err != nil {
		return nil, err
	}
	if topK <= 0 {
		return nil, nil
	}

	req := map[string]any{
		"vector":       vector,
		"limit":        topK,
		"with_payload": true,
	}
	if f := qdrantFilter(filter); f != nil {
		req["filter"] = f
	}
	var resp struct {
		Result []struct {
			ID      any     `json:"id"`
			Score   float32 `json:"score"`
			Payload Payload `json:"payload"`
		} `json:"result"`
	}
	if err := q.rest.do(ctx, http.MethodPost, collectionPath(collection)+"/points/search", req, &resp); err != nil {
		return nil, fmt.Errorf("searching %s: %w", collection, err)
	}

	matches := make([]Match, len(resp.Result))
	for i, r := range resp.Result {
		// Cosine scores are similarities; Euclid scores are already distances.
		d := r.Score
		if c.Distance != vecmath.Euclidean {
			d = 1 - r.Score
		}
		matches[i] = Match{ID: fmt.Sprint(r.ID), Distance: d, Payload: r.Payload}
	}
	return matches, nil
}

func (q *Qdrant) Delete(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return q.deletePoints(ctx, collection, map[string]any{"points": ids})
}

func (q *Qdrant) DeleteWhere(ctx context.Context, collection string, filter Filter) error {
	f := qdrantFilter(filter)
	if f == nil {
		return fmt.Errorf("delete without a filter: %w", ErrRejected)
	}
	return q.deletePoints(ctx, collection, map[string]any{"filter": f})
}

func (q *Qdrant) deletePoints(ctx context.Context, collection string, selector map[string]any) error {
	if err := q.rest.do(ctx, http.MethodPost, collectionPath(collection)+"/points/delete?wait=true", selector, nil); err != nil {
		return fmt.Errorf("deleting points from %s: %w", collection, err)
	}
	return nil
}
