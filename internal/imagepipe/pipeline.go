// Package imagepipe extracts images from uploaded documents in the
// background and registers them in the entity store.
package imagepipe

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/docvec/internal/blob"
	"github.com/kalambet/docvec/internal/fault"
	"github.com/kalambet/docvec/internal/metrics"
	"github.com/kalambet/docvec/internal/storage"
)

// JobType is the queue type of extraction jobs.
const JobType = "image_extract"

// JobStore abstracts the job queue and image rows.
type JobStore interface {
	EnqueueJob(job storage.Job) error
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
	RequeueStaleJobs(cutoff time.Time) (int, error)
	GetDocument(id string) (storage.Document, error)
	HasImageHash(documentID, hash string) (bool, error)
	InsertImage(img storage.Image) (bool, error)
}

// Options tunes the worker pool.
type Options struct {
	Workers     int
	Poll        time.Duration
	MaxAttempts int
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 2
	}
	if o.Poll <= 0 {
		o.Poll = 500 * time.Millisecond
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	return o
}

// Result is what one job did. Stored counts new image rows, Skipped counts
// images whose content was already registered for the document.
type Result struct {
	JobID      string
	DocumentID string
	Stored     int
	Skipped    int
	Err        error
}

// Pipeline runs extraction jobs on a bounded pool of workers.
type Pipeline struct {
	store  JobStore
	blobs  blob.Store
	opts   Options
	logger *slog.Logger

	wake chan struct{}
	done chan Result
}

// New creates a Pipeline. Call Run to start the workers.
func New(store JobStore, blobs blob.Store, opts Options) *Pipeline {
	opts = opts.withDefaults()
	return &Pipeline{
		store:  store,
		blobs:  blobs,
		opts:   opts,
		logger: slog.Default().With("component", "imagepipe"),
		wake:   make(chan struct{}, 1),
		done:   make(chan Result, 64),
	}
}

// Completions delivers a Result for every finished job attempt. Results are
// dropped when nobody reads them.
func (p *Pipeline) Completions() <-chan Result {
	return p.done
}

type extractPayload struct {
	DocumentID string `json:"document_id"`
}

// DocumentUploaded queues extraction for documents that can carry images.
func (p *Pipeline) DocumentUploaded(_ context.Context, doc storage.Document) {
	if !Supported(doc.Ext) {
		return
	}
	if err := p.Enqueue(doc.ID); err != nil {
		p.logger.Error("queueing image extraction failed", "document_id", doc.ID, "error", err)
	}
}

// Enqueue schedules extraction for one document.
func (p *Pipeline) Enqueue(documentID string) error {
	payload, err := json.Marshal(extractPayload{DocumentID: documentID})
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}
	err = p.store.EnqueueJob(storage.Job{
		ID:          uuid.NewString(),
		Type:        JobType,
		PayloadJSON: string(payload),
		MaxAttempts: p.opts.MaxAttempts,
	})
	if err != nil {
		return fmt.Errorf("enqueueing %s: %w", JobType, err)
	}
	select {
	case p.wake <- struct{}{}:
	default:
	}
	return nil
}

// Run requeues jobs interrupted by a previous shutdown, then polls for jobs
// on every worker until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	if n, err := p.store.RequeueStaleJobs(time.Now().Add(-time.Minute)); err != nil {
		p.logger.Warn("requeueing stale jobs failed", "error", err)
	} else if n > 0 {
		p.logger.Info("requeued stale extraction jobs", "count", n)
	}

	g, ctx := errgroup.WithContext(ctx)
	for range p.opts.Workers {
		g.Go(func() error {
			p.work(ctx)
			return nil
		})
	}
	return g.Wait()
}

func (p *Pipeline) work(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		done, err := p.RunOnce(ctx)
		if err != nil {
			p.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-p.wake:
		case <-time.After(p.opts.Poll):
		}
	}
}

// RunOnce claims and processes a single extraction job. It returns true if a
// job was processed, whether or not it succeeded.
func (p *Pipeline) RunOnce(ctx context.Context) (bool, error) {
	job, err := p.store.ClaimNextJob([]string{JobType})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	started := time.Now()
	res := p.processJob(ctx, job)
	metrics.ObserveJob(JobType, started, res.Err)
	p.publish(res)

	if res.Err != nil {
		p.logger.Warn("job failed", "job_id", job.ID, "document_id", res.DocumentID, "error", res.Err)
		if failErr := p.store.FailJob(job.ID, res.Err.Error()); failErr != nil {
			p.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}
	if err := p.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	p.logger.Info("images extracted", "document_id", res.DocumentID, "stored", res.Stored, "skipped", res.Skipped)
	return true, nil
}

func (p *Pipeline) publish(res Result) {
	select {
	case p.done <- res:
	default:
	}
}

func (p *Pipeline) processJob(ctx context.Context, job *storage.Job) Result {
	res := Result{JobID: job.ID}
	var payload extractPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		res.Err = fmt.Errorf("parsing payload: %w", err)
		return res
	}
	res.DocumentID = payload.DocumentID

	doc, err := p.store.GetDocument(payload.DocumentID)
	if errors.Is(err, storage.ErrNotFound) {
		// Deleted before the job ran; nothing left to extract.
		return res
	}
	if err != nil {
		res.Err = fmt.Errorf("loading document %s: %w", payload.DocumentID, err)
		return res
	}
	res.Stored, res.Skipped, res.Err = p.Extract(ctx, doc)
	return res
}

// Extract stores every image of doc that is not yet registered for it and
// returns how many were stored and skipped.
func (p *Pipeline) Extract(ctx context.Context, doc storage.Document) (stored, skipped int, err error) {
	stored, skipped, err = p.extract(ctx, doc)
	if err != nil {
		return stored, skipped, fault.At(fault.StageExtraction, err)
	}
	return stored, skipped, nil
}

func (p *Pipeline) extract(ctx context.Context, doc storage.Document) (int, int, error) {
	data, err := p.blobs.Get(ctx, doc.Path)
	if err != nil {
		return 0, 0, fmt.Errorf("reading document %s: %w", doc.ID, err)
	}
	images, err := Extract(data, doc.Ext)
	if err != nil {
		return 0, 0, fmt.Errorf("document %s: %w", doc.ID, err)
	}

	var stored, skipped int
	for _, img := range images {
		if err := ctx.Err(); err != nil {
			return stored, skipped, err
		}
		sum := sha256.Sum256(img.Data)
		hash := hex.EncodeToString(sum[:])

		seen, err := p.store.HasImageHash(doc.ID, hash)
		if err != nil {
			return stored, skipped, err
		}
		if seen {
			skipped++
			continue
		}

		ref, err := p.blobs.Put(ctx, blob.ImageKey(doc.ID, hash, img.Format), img.Data, "image/"+img.Format)
		if err != nil {
			return stored, skipped, fmt.Errorf("storing image: %w", err)
		}
		inserted, err := p.store.InsertImage(storage.Image{
			ID:          uuid.NewString(),
			Path:        ref,
			Format:      img.Format,
			Hash:        hash,
			Width:       img.Width,
			Height:      img.Height,
			DocumentID:  doc.ID,
			PageNumber:  img.Page,
			ImageNumber: img.Index,
		})
		if err != nil {
			return stored, skipped, fmt.Errorf("registering image: %w", err)
		}
		if !inserted {
			skipped++
			continue
		}
		metrics.ImagesExtracted.Inc()
		stored++
	}
	return stored, skipped, nil
}
