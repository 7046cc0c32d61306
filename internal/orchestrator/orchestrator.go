// Package orchestrator runs embedding and removal jobs for (document,
// collection) and (image, collection) pairs.
//
// Every job walks the state machine in state.go. Jobs are keyed by their
// pair: a request for a key that already has a job in flight joins that job
// and receives its result. Embedding and removal of the same pair never run
// at the same time.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/kalambet/docvec/internal/blob"
	"github.com/kalambet/docvec/internal/cache"
	"github.com/kalambet/docvec/internal/document"
	"github.com/kalambet/docvec/internal/embedder"
	"github.com/kalambet/docvec/internal/fault"
	"github.com/kalambet/docvec/internal/metrics"
	"github.com/kalambet/docvec/internal/storage"
	"github.com/kalambet/docvec/internal/vectordb"
)

var (
	ErrNotEmbedded           = fault.Permanent(fault.KindNotFound, fault.ReasonNone, "not embedded in collection")
	ErrInvalidCollectionName = fault.Permanent(fault.KindValidation, fault.ReasonNone, "collection names may only contain letters, digits and underscores")
)

// pointNamespace seeds the UUIDv5 point IDs, so that re-running a job
// overwrites its points instead of adding new ones.
var pointNamespace = uuid.MustParse("6f1c3e0a-4d2b-5a7e-9c18-2b7d0e5f9a41")

// Options tune retries and batching.
type Options struct {
	// MaxAttempts bounds how often a job is run when it fails with a
	// retryable error. Zero means 3.
	MaxAttempts int
	// Backoff is the wait before the second attempt, doubled for each
	// following one. Zero means 500ms.
	Backoff time.Duration
	// BatchSize caps texts per provider call and points per upsert.
	BatchSize int
	// EmbedConcurrency caps provider calls in flight per job.
	EmbedConcurrency int
	// BatchJobs caps concurrent jobs started by BatchEmbed. Zero means 4.
	BatchJobs int
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.Backoff <= 0 {
		o.Backoff = 500 * time.Millisecond
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 64
	}
	if o.BatchJobs <= 0 {
		o.BatchJobs = 4
	}
	return o
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	store     *storage.Store
	docs      *document.Service
	blobs     blob.Store
	cache     *cache.Cache
	embedders *embedder.Registry
	vectors   *vectordb.Registry
	opts      Options
	logger    *slog.Logger

	flights singleflight.Group
	pairs   keyedMutex

	mu    sync.Mutex
	jobs  map[string]*job
	bound map[string]*embedder.Embedder
}

// Deps are the components an Orchestrator drives.
type Deps struct {
	Store     *storage.Store
	Documents *document.Service
	Blobs     blob.Store
	Cache     *cache.Cache
	Embedders *embedder.Registry
	Vectors   *vectordb.Registry
}

func New(d Deps, opts Options) *Orchestrator {
	return &Orchestrator{
		store:     d.Store,
		docs:      d.Documents,
		blobs:     d.Blobs,
		cache:     d.Cache,
		embedders: d.Embedders,
		vectors:   d.Vectors,
		opts:      opts.withDefaults(),
		logger:    slog.Default(),
		pairs:     keyedMutex{locks: make(map[string]*keyLock)},
		jobs:      make(map[string]*job),
		bound:     make(map[string]*embedder.Embedder),
	}
}

// Jobs returns the jobs currently in flight, oldest first.
func (o *Orchestrator) Jobs() []JobInfo {
	o.mu.Lock()
	out := make([]JobInfo, 0, len(o.jobs))
	for _, j := range o.jobs {
		out = append(out, j.info())
	}
	o.mu.Unlock()
	sort.Slice(out, func(a, b int) bool { return out[a].StartedAt.Before(out[b].StartedAt) })
	return out
}

// attemptFunc runs one attempt of a job.
type attemptFunc[T any] func(ctx context.Context, j *job) (T, error)

// flight runs fn as the job for key, or joins the job already running for
// it. Joined callers stop waiting when their own ctx ends; the job itself
// follows the ctx of the caller that started it. When that caller goes away
// mid-job, a joined caller that is still live starts the job again.
func flight[T any](ctx context.Context, o *Orchestrator, kind, key, pair string, fn attemptFunc[T]) (T, error) {
	var zero T
	for {
		ch := o.flights.DoChan(kind+":"+key, func() (any, error) {
			return run(ctx, o, kind, key, pair, fn)
		})
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case res := <-ch:
			if res.Err != nil {
				if res.Shared && ctx.Err() == nil && leaderGaveUp(res.Err) {
					o.logger.Debug("leader of joined job went away, restarting", "job_key", key, "kind", kind)
					continue
				}
				return zero, res.Err
			}
			if res.Shared {
				o.logger.Debug("joined in-flight job", "job_key", key, "kind", kind)
			}
			return res.Val.(T), nil
		}
	}
}

func leaderGaveUp(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// run executes fn with retries. Only errors classified as retryable are
// attempted again, with exponential backoff between attempts.
func run[T any](ctx context.Context, o *Orchestrator, kind, key, pair string, fn attemptFunc[T]) (T, error) {
	var zero T
	started := time.Now()

	unlock, err := o.pairs.lock(ctx, pair)
	if err != nil {
		return zero, err
	}
	defer unlock()

	j := newJob(key, kind)
	o.mu.Lock()
	o.jobs[key] = j
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.jobs, key)
		o.mu.Unlock()
	}()

	for {
		out, err := fn(ctx, j)
		if err == nil {
			o.logger.Info("job finished", "job_key", key, "kind", kind, "attempts", j.attempt, "duration", time.Since(started))
			metrics.ObserveJob(kind, started, nil)
			return out, nil
		}
		if !fault.Retryable(err) || j.attempt >= o.opts.MaxAttempts {
			j.fail(err)
			o.logger.Error("job failed", "job_key", key, "kind", kind, "attempt", j.attempt,
				"stage", fault.StageOf(err), "error_kind", fault.KindOf(err), "error", err)
			metrics.ObserveJob(kind, started, err)
			return zero, err
		}

		wait := o.opts.Backoff << (j.attempt - 1)
		o.logger.Warn("job attempt failed, retrying", "job_key", key, "kind", kind,
			"attempt", j.attempt, "backoff", wait, "error", err)
		metrics.JobsTotal.WithLabelValues(kind, metrics.OutcomeRetry).Inc()
		select {
		case <-ctx.Done():
			j.fail(ctx.Err())
			metrics.ObserveJob(kind, started, ctx.Err())
			return zero, fault.At(fault.StageOf(err), ctx.Err())
		case <-time.After(wait):
		}
		j.retry()
	}
}

// step advances j and logs the transition.
func (o *Orchestrator) step(j *job, next State) error {
	if err := j.advance(next); err != nil {
		return err
	}
	o.logger.Debug("job transition", "job_key", j.key, "state", next, "attempt", j.attempt)
	return nil
}

// embedderFor binds provider and model, checking the model against the
// collection's dimensions when dims is set. Bindings are kept for the life
// of the Orchestrator.
func (o *Orchestrator) embedderFor(ctx context.Context, provider, model string, dims int) (*embedder.Embedder, error) {
	id := provider + "/" + model
	o.mu.Lock()
	e, ok := o.bound[id]
	o.mu.Unlock()
	if ok {
		return e, nil
	}

	e, err := o.embedders.Bind(ctx, provider, model, embedder.Options{
		BatchSize:   o.opts.BatchSize,
		Concurrency: o.opts.EmbedConcurrency,
	})
	if err != nil {
		return nil, err
	}
	if dims > 0 && e.Dimensions() > 0 && e.Dimensions() != dims {
		return nil, fmt.Errorf("model %s has %d dimensions, collection expects %d: %w",
			id, e.Dimensions(), dims, vectordb.ErrDimensionMismatch)
	}
	o.mu.Lock()
	o.bound[id] = e
	o.mu.Unlock()
	return e, nil
}

// cacheModel is the model identity used in cache keys. The provider is part
// of it because two providers may serve different weights under one name.
func cacheModel(e *embedder.Embedder) string {
	return e.ProviderID() + "/" + e.ModelID()
}

func textPointID(collectionID, documentID string, idx int) string {
	return uuid.NewSHA1(pointNamespace, fmt.Appendf(nil, "%s/%s/%d", collectionID, documentID, idx)).String()
}

func imagePointID(collectionID, imageID string) string {
	return uuid.NewSHA1(pointNamespace, fmt.Appendf(nil, "%s/image/%s", collectionID, imageID)).String()
}

// keyedMutex serializes work per key. Waiting respects ctx.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func (m *keyedMutex) lock(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	l, ok := m.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		m.locks[key] = l
	}
	l.refs++
	m.mu.Unlock()

	release := func() {
		m.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, key)
		}
		m.mu.Unlock()
	}

	select {
	case l.ch <- struct{}{}:
		return func() {
			<-l.ch
			release()
		}, nil
	case <-ctx.Done():
		release()
		return nil, ctx.Err()
	}
}
