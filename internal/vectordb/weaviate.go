package vectordb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode"

	"github.com/kalambet/docvec/internal/vecmath"
)

var _ Provider = (*Weaviate)(nil)

type WeaviateConfig struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

// Weaviate drives a Weaviate server through its REST and GraphQL APIs. Each
// collection is a class with vectorizer "none"; the collection's own name,
// size and metric live in the class description because Weaviate class
// names must be capitalized and the schema does not record vector size.
type Weaviate struct {
	rest *restClient
}

func NewWeaviate(cfg WeaviateConfig) *Weaviate {
	rest := newRESTClient(BackendWeaviate, cfg.URL, cfg.Timeout)
	if cfg.APIKey != "" {
		rest.headers.Set("Authorization", "Bearer "+cfg.APIKey)
	}
	return &Weaviate{rest: rest}
}

func (w *Weaviate) ID() string { return BackendWeaviate }

// className maps a collection name onto a valid Weaviate class name.
func className(name string) string {
	r := []rune(name)
	if len(r) == 0 {
		return name
	}
	if !unicode.IsLetter(r[0]) {
		return "C_" + name
	}
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}

var weaviateProperties = []map[string]any{
	{"name": "document_id", "dataType": []string{"text"}},
	{"name": "chunk_index", "dataType": []string{"int"}},
	{"name": "chunk_text", "dataType": []string{"text"}},
	{"name": "image_id", "dataType": []string{"text"}},
	{"name": "image_data_ref", "dataType": []string{"text"}},
	{"name": "description", "dataType": []string{"text"}},
}

const weaviateFields = "document_id chunk_index chunk_text image_id image_data_ref description _additional { id distance }"

type weaviateClass struct {
	Class       string `json:"class"`
	Description string `json:"description"`
}

func (w *Weaviate) CreateCollection(ctx context.Context, name string, dims int, distance vecmath.Distance) error {
	if err := validateCreate(name, dims, distance); err != nil {
		return err
	}
	meta, err := json.Marshal(Collection{Name: name, Dimensions: dims, Distance: normalizeDistance(distance)})
	if err != nil {
		return err
	}
	metric := "cosine"
	if distance == vecmath.Euclidean {
		metric = "l2-squared"
	}
	class := map[string]any{
		"class":             className(name),
		"description":       string(meta),
		"vectorizer":        "none",
		"vectorIndexConfig": map[string]any{"distance": metric},
		"properties":        weaviateProperties,
	}
	err = w.rest.do(ctx, http.MethodPost, "/v1/schema", class, nil)
	var se *statusError
	if errors.As(err, &se) && strings.Contains(se.body, "already exists") {
		return fmt.Errorf("collection %s: %w", name, ErrCollectionExists)
	}
	return err
}

func (w *Weaviate) GetCollection(ctx context.Context, name string) (Collection, error) {
	var class weaviateClass
	if err := w.rest.do(ctx, http.MethodGet, "/v1/schema/"+url.PathEscape(className(name)), nil, &class); err != nil {
		return Collection{}, fmt.Errorf("collection %s: %w", name, err)
	}
	if class.Class == "" {
		return Collection{}, fmt.Errorf("collection %s: %w", name, ErrCollectionNotFound)
	}
	c, ok := parseClassMeta(class)
	if !ok {
		return Collection{}, fmt.Errorf("class %s was not created by docvec: %w", class.Class, ErrRejected)
	}
	return c, nil
}

func parseClassMeta(class weaviateClass) (Collection, bool) {
	var c Collection
	if err := json.Unmarshal([]byte(class.Description), &c); err != nil || c.Name == "" || c.Dimensions <= 0 {
		return Collection{}, false
	}
	return c, true
}

// ListCollections skips classes that carry no collection metadata.
func (w *Weaviate) ListCollections(ctx context.Context) ([]Collection, error) {
	var schema struct {
		Classes []weaviateClass `json:"classes"`
	}
	if err := w.rest.do(ctx, http.MethodGet, "/v1/schema", nil, &schema); err != nil {
		return nil, fmt.Errorf("listing collections: %w", err)
	}
	var out []Collection
	for _, class := range schema.Classes {
		if c, ok := parseClassMeta(class); ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (w *Weaviate) DropCollection(ctx context.Context, name string) error {
	if _, err := w.GetCollection(ctx, name); err != nil {
		return err
	}
	if err := w.rest.do(ctx, http.MethodDelete, "/v1/schema/"+url.PathEscape(className(name)), nil, nil); err != nil {
		return fmt.Errorf("dropping collection %s: %w", name, err)
	}
	return nil
}

type weaviateObject struct {
	Class      string    `json:"class"`
	ID         string    `json:"id"`
	Vector     []float32 `json:"vector"`
	Properties Payload   `json:"properties"`
}

type weaviateBatchResult struct {
	ID     string `json:"id"`
	Result struct {
		Errors *struct {
			Error []struct {
				Message string `json:"message"`
			} `json:"error"`
		} `json:"errors"`
	} `json:"result"`
}

// Upsert uses the batch endpoint, which replaces objects with existing IDs.
func (w *Weaviate) Upsert(ctx context.Context, collection string, points []Point) error {
	c, err := w.GetCollection(ctx, collection)
	if err != nil {
		return err
	}
	if err := checkDims(collection, c.Dimensions, points); err != nil {
		return err
	}
	if len(points) == 0 {
		return nil
	}

	class := className(collection)
	body := struct {
		Objects []weaviateObject `json:"objects"`
	}{Objects: make([]weaviateObject, len(points))}
	for i, p := range points {
		body.Objects[i] = weaviateObject{Class: class, ID: p.ID, Vector: p.Vector, Properties: p.Payload}
	}

	var results []weaviateBatchResult
	if err := w.rest.do(ctx, http.MethodPost, "/v1/batch/objects", body, &results); err != nil {
		return fmt.Errorf("upserting %d points: %w", len(points), err)
	}
	var msgs []string
	for _, r := range results {
		if r.Result.Errors == nil {
			continue
		}
		for _, e := range r.Result.Errors.Error {
			msgs = append(msgs, r.ID+": "+e.Message)
		}
	}
	if len(msgs) > 0 {
		return fmt.Errorf("upserting points: %w: %s", ErrRejected, strings.Join(msgs, "; "))
	}
	return nil
}

// whereClause renders f as a GraphQL where argument, or "" when f is empty.
func whereClause(f Filter) string {
	var conds []string
	add := func(path, value string) {
		if value == "" {
			return
		}
		v, _ := json.Marshal(value)
		conds = append(conds, fmt.Sprintf(`{path: [%q], operator: Equal, valueText: %s}`, path, v))
	}
	add("document_id", f.DocumentID)
	add("image_id", f.ImageID)
	switch len(conds) {
	case 0:
		return ""
	case 1:
		return conds[0]
	default:
		return "{operator: And, operands: [" + strings.Join(conds, ", ") + "]}"
	}
}

// whereJSON is the REST form of the same filter, used by batch delete.
func whereJSON(f Filter) map[string]any {
	var conds []map[string]any
	add := func(path, value string) {
		if value == "" {
			return
		}
		conds = append(conds, map[string]any{"path": []string{path}, "operator": "Equal", "valueText": value})
	}
	add("document_id", f.DocumentID)
	add("image_id", f.ImageID)
	switch len(conds) {
	case 0:
		return nil
	case 1:
		return conds[0]
	default:
		return map[string]any{"operator": "And", "operands": conds}
	}
}

type weaviateHit struct {
	Payload
	Additional struct {
		ID       string  `json:"id"`
		Distance float32 `json:"distance"`
	} `json:"_additional"`
}

func (w *Weaviate) Query(ctx context.Context, collection string, vector []float32, topK int, filter Filter) ([]Match, error) {
	c, err := w.GetCollection(ctx, collection)
	if err != nil {
		return nil, err
	}
	if err := checkQuery(collection, c.Dimensions, vector); err != nil {
		return nil, err
	}
	if topK <= 0 {
		return nil, nil
	}

	vec, err := json.Marshal(vector)
	if err != nil {
		return nil, err
	}
	class := className(collection)
	args := fmt.Sprintf("nearVector: {vector: %s}, limit: %d", vec, topK)
	if where := whereClause(filter); where != "" {
		args += ", where: " + where
	}
	query := fmt.Sprintf("{ Get { %s(%s) { %s } } }", class, args, weaviateFields)

	var resp struct {
		Data struct {
			Get map[string][]weaviateHit `json:"Get"`
		} `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := w.rest.do(ctx, http.MethodPost, "/v1/graphql", map[string]string{"query": query}, &resp); err != nil {
		return nil, fmt.Errorf("searching %s: %w", collection, err)
	}
	if len(resp.Errors) > 0 {
		msgs := make([]string, len(resp.Errors))
		for i, e := range resp.Errors {
			msgs[i] = e.Message
		}
		return nil, fmt.Errorf("searching %s: %w: %s", collection, ErrRejected, strings.Join(msgs, "; "))
	}

	hits := resp.Data.Get[class]
	matches := make([]Match, len(hits))
	for i, h := range hits {
		d := h.Additional.Distance
		if c.Distance == vecmath.Euclidean {
			d = float32(math.Sqrt(float64(d)))
		}
		matches[i] = Match{ID: h.Additional.ID, Distance: d, Payload: h.Payload}
	}
	return matches, nil
}

func (w *Weaviate) Delete(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	where := map[string]any{"path": []string{"id"}, "operator": "ContainsAny", "valueTextArray": ids}
	return w.batchDelete(ctx, collection, where)
}

func (w *Weaviate) DeleteWhere(ctx context.Context, collection string, filter Filter) error {
	where := whereJSON(filter)
	if where == nil {
		return fmt.Errorf("delete without a filter: %w", ErrRejected)
	}
	return w.batchDelete(ctx, collection, where)
}

func (w *Weaviate) batchDelete(ctx context.Context, collection string, where map[string]any) error {
	body := map[string]any{
		"match": map[string]any{
			"class": className(collection),
			"where": where,
		},
	}
	if err := w.rest.do(ctx, http.MethodDelete, "/v1/batch/objects", body, nil); err != nil {
		return fmt.Errorf("deleting points from %s: %w", collection, err)
	}
	return nil
}
