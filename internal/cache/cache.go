// Package cache maps (content hash, model) pairs to embedding vectors.
//
// Lookups go through an in-process flight registry: while one caller is
// computing the vector for a key, every other caller asking for the same key
// waits for that result instead of starting its own computation. Text and
// image keys live in separate namespaces of the same backing store.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kalambet/docvec/internal/fault"
	"github.com/kalambet/docvec/internal/metrics"
	"github.com/kalambet/docvec/internal/vecmath"
)

var (
	// ErrMiss is returned by a Store that holds no value for a key.
	ErrMiss = errors.New("cache miss")

	ErrUnavailable = fault.Transient(fault.KindStorage, fault.ReasonCache, "cache backend unavailable")

	errComputeAbandoned = errors.New("computation abandoned")
)

// Namespace separates modalities so a text key can never collide with an
// image key.
type Namespace string

const (
	NamespaceText  Namespace = "text"
	NamespaceImage Namespace = "image"
)

// Key identifies one cached vector. The model is part of the key, so a
// vector computed by one model is never served for another.
type Key struct {
	Namespace Namespace
	Model     string
	Hash      string
}

// TextKey keys a text chunk by the SHA-256 of its content.
func TextKey(model, text string) Key {
	sum := sha256.Sum256([]byte(text))
	return Key{Namespace: NamespaceText, Model: model, Hash: hex.EncodeToString(sum[:])}
}

// ImageKey keys an image by its stored content hash. A description changes
// the resulting vector, so it is folded into the hash.
func ImageKey(model, imageHash, description string) Key {
	h := imageHash
	if description != "" {
		sum := sha256.Sum256([]byte(imageHash + "\x00" + description))
		h = hex.EncodeToString(sum[:])
	}
	return Key{Namespace: NamespaceImage, Model: model, Hash: h}
}

func (k Key) String() string {
	return string(k.Namespace) + ":" + k.Model + ":" + k.Hash
}

// Store is the external key-value store behind the cache. Expiry is the
// store's business; a zero ttl means keep forever.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// ComputeFunc computes vectors for the keys at the given positions of a
// Lookup call, in the same order.
type ComputeFunc func(ctx context.Context, idx []int) ([][]float32, error)

type call struct {
	done chan struct{}
	vec  []float32
	err  error
}

// Cache is safe for concurrent use.
type Cache struct {
	store  Store
	ttl    time.Duration
	logger *slog.Logger

	mu       sync.Mutex
	inflight map[string]*call
}

func New(store Store, ttl time.Duration) *Cache {
	return &Cache{
		store:    store,
		ttl:      ttl,
		logger:   slog.Default(),
		inflight: make(map[string]*call),
	}
}

// Result is the outcome of a Lookup.
type Result struct {
	Vectors [][]float32
	// Hits[i] is true when Vectors[i] was not computed by this call: it came
	// from the store or from another caller's in-flight computation.
	Hits []bool
}

// AllHits reports whether no vector had to be computed by this call.
func (r Result) AllHits() bool {
	for _, h := range r.Hits {
		if !h {
			return false
		}
	}
	return true
}

// Get is Lookup for a single key.
func (c *Cache) Get(ctx context.Context, key Key, compute func(ctx context.Context) ([]float32, error)) ([]float32, bool, error) {
	res, err := c.Lookup(ctx, []Key{key}, func(ctx context.Context, _ []int) ([][]float32, error) {
		v, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		return [][]float32{v}, nil
	})
	if err != nil {
		return nil, false, err
	}
	return res.Vectors[0], res.Hits[0], nil
}

// Lookup returns one vector per key. Keys already being computed by another
// caller are awaited. Of the remaining keys, those missing from the store are
// handed to compute in a single call and written back.
func (c *Cache) Lookup(ctx context.Context, keys []Key, compute ComputeFunc) (Result, error) {
	res := Result{Vectors: make([][]float32, len(keys)), Hits: make([]bool, len(keys))}

	type waiter struct {
		idx int
		c   *call
	}
	var (
		owned   = make(map[int]*call)
		waiters []waiter
	)
	c.mu.Lock()
	for i, k := range keys {
		ks := k.String()
		if cl, ok := c.inflight[ks]; ok {
			waiters = append(waiters, waiter{i, cl})
			continue
		}
		cl := &call{done: make(chan struct{})}
		c.inflight[ks] = cl
		owned[i] = cl
	}
	c.mu.Unlock()

	// Whatever happens below, every owned call must be released.
	defer func() {
		for i, cl := range owned {
			c.finish(keys[i], cl, nil, errComputeAbandoned)
		}
	}()

	var misses []int
	for i := range keys {
		cl, ok := owned[i]
		if !ok {
			continue
		}
		vec, err := c.load(ctx, keys[i])
		if err != nil {
			return Result{}, err
		}
		if vec == nil {
			misses = append(misses, i)
			metrics.CacheLookups.WithLabelValues(string(keys[i].Namespace), "miss").Inc()
			continue
		}
		metrics.CacheLookups.WithLabelValues(string(keys[i].Namespace), "hit").Inc()
		res.Vectors[i], res.Hits[i] = vec, true
		c.finish(keys[i], cl, vec, nil)
		delete(owned, i)
	}

	if len(misses) > 0 {
		vecs, err := compute(ctx, misses)
		if err == nil && len(vecs) != len(misses) {
			err = fmt.Errorf("computed %d vectors for %d keys", len(vecs), len(misses))
		}
		if err != nil {
			for _, i := range misses {
				c.finish(keys[i], owned[i], nil, err)
				delete(owned, i)
			}
			return Result{}, err
		}
		for j, i := range misses {
			c.save(ctx, keys[i], vecs[j])
			res.Vectors[i] = vecs[j]
			c.finish(keys[i], owned[i], vecs[j], nil)
			delete(owned, i)
		}
	}

	var orphaned []int
	for _, w := range waiters {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-w.c.done:
		}
		if w.c.err != nil && ownerGaveUp(w.c.err) {
			orphaned = append(orphaned, w.idx)
			continue
		}
		if w.c.err != nil {
			return Result{}, fmt.Errorf("waiting for %s: %w", keys[w.idx].Namespace, w.c.err)
		}
		metrics.CacheLookups.WithLabelValues(string(keys[w.idx].Namespace), "shared").Inc()
		res.Vectors[w.idx], res.Hits[w.idx] = w.c.vec, true
	}
	if len(orphaned) == 0 {
		return res, nil
	}

	// The owners of these keys stopped for reasons of their own. This caller
	// is still live, so it claims them again.
	c.logger.Debug("reclaiming abandoned cache keys", "count", len(orphaned))
	sub := make([]Key, len(orphaned))
	for j, i := range orphaned {
		sub[j] = keys[i]
	}
	again, err := c.Lookup(ctx, sub, func(ctx context.Context, idx []int) ([][]float32, error) {
		mapped := make([]int, len(idx))
		for j, i := range idx {
			mapped[j] = orphaned[i]
		}
		return compute(ctx, mapped)
	})
	if err != nil {
		return Result{}, err
	}
	for j, i := range orphaned {
		res.Vectors[i], res.Hits[i] = again.Vectors[j], again.Hits[j]
	}
	return res, nil
}

// ownerGaveUp reports whether a shared computation ended because its owner's
// context ended or the owner returned early, rather than because computing
// the vector failed.
func ownerGaveUp(err error) bool {
	return errors.Is(err, errComputeAbandoned) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func (c *Cache) finish(k Key, cl *call, vec []float32, err error) {
	c.mu.Lock()
	if c.inflight[k.String()] == cl {
		delete(c.inflight, k.String())
	}
	c.mu.Unlock()
	cl.vec, cl.err = vec, err
	close(cl.done)
}

func (c *Cache) load(ctx context.Context, k Key) ([]float32, error) {
	raw, err := c.store.Get(ctx, k.String())
	if errors.Is(err, ErrMiss) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w: %v", k.Namespace, ErrUnavailable, err)
	}
	vec, err := vecmath.Decode(raw)
	if err != nil {
		c.logger.Warn("dropping unreadable cache entry", "key", k.String(), "error", err)
		return nil, nil
	}
	return vec, nil
}

// save is best effort: the vector is already valid for the caller.
func (c *Cache) save(ctx context.Context, k Key, vec []float32) {
	if err := c.store.Set(ctx, k.String(), vecmath.Encode(vec), c.ttl); err != nil {
		c.logger.Warn("cache write failed", "key", k.String(), "error", err)
	}
}
