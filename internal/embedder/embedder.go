// Package embedder abstracts embedding backends behind one Provider contract.
//
// A Provider serves many models. Bind pins a provider to one model and
// returns an Embedder that knows its dimensions, splits large inputs into
// batches and satisfies chunker.Embedder.
package embedder

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/docvec/internal/fault"
)

var (
	ErrUnavailable            = fault.Transient(fault.KindProvider, fault.ReasonUnavailable, "embedding provider unavailable")
	ErrRateLimited            = fault.Transient(fault.KindProvider, fault.ReasonRateLimited, "embedding provider rate limited")
	ErrInvalidResponse        = fault.Permanent(fault.KindProvider, fault.ReasonInvalidResponse, "invalid embedding response")
	ErrAcceleratorUnavailable = fault.Transient(fault.KindProvider, fault.ReasonUnavailable, "accelerator unavailable")
	ErrRejected               = fault.Permanent(fault.KindProvider, fault.ReasonNone, "embedding request rejected")
	ErrUnknownModel           = fault.Permanent(fault.KindValidation, fault.ReasonNone, "unknown embedding model")
	ErrUnknownProvider        = fault.Permanent(fault.KindValidation, fault.ReasonNone, "unknown embedding provider")
	ErrNotMultimodal          = fault.Permanent(fault.KindValidation, fault.ReasonNone, "provider does not embed images")
)

// DefaultImageText accompanies an image when the caller gives no description.
const DefaultImageText = "Represent the image."

// Model describes one model a provider can serve.
type Model struct {
	Name       string `json:"name"`
	Dimensions int    `json:"dimensions"`
	Provider   string `json:"provider"`
	Multimodal bool   `json:"multimodal,omitempty"`
}

// Embeddings is the result of one provider call. Vectors[i] belongs to
// input i. TokensUsed is nil when the backend does not report usage.
type Embeddings struct {
	Vectors    [][]float32
	TokensUsed *int
}

// Provider is an embedding backend.
type Provider interface {
	ID() string
	Embed(ctx context.Context, model string, texts []string) (Embeddings, error)
	ListModels(ctx context.Context) ([]Model, error)
}

// Image is one multimodal input: raw image bytes plus optional guiding text.
type Image struct {
	Data   []byte
	Format string
	Text   string
}

// ImageProvider is a Provider that also embeds images. Backends accept one
// image per call.
type ImageProvider interface {
	Provider
	EmbedImage(ctx context.Context, model string, img Image) (Embeddings, error)
}

// FindModel looks model up in p's model list.
func FindModel(ctx context.Context, p Provider, model string) (Model, error) {
	models, err := p.ListModels(ctx)
	if err != nil {
		return Model{}, fmt.Errorf("listing %s models: %w", p.ID(), err)
	}
	for _, m := range models {
		if m.Name == model {
			return m, nil
		}
	}
	return Model{}, fmt.Errorf("%s has no model %q: %w", p.ID(), model, ErrUnknownModel)
}

// Embedder is a Provider bound to one model.
type Embedder struct {
	provider    Provider
	model       Model
	batchSize   int
	concurrency int
}

// Options tune how Embedder splits work.
type Options struct {
	// BatchSize caps texts per provider call. Zero sends everything at once.
	BatchSize int
	// Concurrency caps batches in flight. Zero means 4.
	Concurrency int
}

// Bind resolves model on p and returns an Embedder for it.
func Bind(ctx context.Context, p Provider, model string, opts Options) (*Embedder, error) {
	m, err := FindModel(ctx, p, model)
	if err != nil {
		return nil, err
	}
	return NewEmbedder(p, m, opts), nil
}

// NewEmbedder binds p to an already resolved model.
func NewEmbedder(p Provider, m Model, opts Options) *Embedder {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if m.Provider == "" {
		m.Provider = p.ID()
	}
	return &Embedder{provider: p, model: m, batchSize: opts.BatchSize, concurrency: opts.Concurrency}
}

func (e *Embedder) ModelID() string { return e.model.Name }
func (e *Embedder) Dimensions() int { return e.model.Dimensions }
func (e *Embedder) ProviderID() string { return e.provider.ID() }
func (e *Embedder) Model() Model { return e.model }

// Embed returns one vector per text.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	res, err := e.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	return res.Vectors, nil
}

// EmbedBatch embeds texts in batches of at most BatchSize, running up to
// Concurrency batches at once. Token usage is summed when every batch
// reports it.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) (Embeddings, error) {
	if len(texts) == 0 {
		return Embeddings{}, nil
	}
	size := e.batchSize
	if size <= 0 || size > len(texts) {
		size = len(texts)
	}

	vectors := make([][]float32, len(texts))
	nBatches := (len(texts) + size - 1) / size
	tokens := make([]*int, nBatches)

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for b := range nBatches {
		start := b * size
		end := min(start+size, len(texts))
		g.Go(func() error {
			res, err := e.provider.Embed(gCtx, e.model.Name, texts[start:end])
			if err != nil {
				return fmt.Errorf("embedding texts %d-%d: %w", start, end-1, err)
			}
			if err := e.check(res, end-start); err != nil {
				return err
			}
			copy(vectors[start:end], res.Vectors)
			tokens[b] = res.TokensUsed
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Embeddings{}, err
	}
	return Embeddings{Vectors: vectors, TokensUsed: sumTokens(tokens)}, nil
}

// EmbedImage embeds one image. Empty img.Text is replaced by DefaultImageText.
func (e *Embedder) EmbedImage(ctx context.Context, img Image) (Embeddings, error) {
	ip, ok := e.provider.(ImageProvider)
	if !ok || !e.model.Multimodal {
		return Embeddings{}, fmt.Errorf("%s/%s: %w", e.provider.ID(), e.model.Name, ErrNotMultimodal)
	}
	if img.Text == "" {
		img.Text = DefaultImageText
	}
	res, err := ip.EmbedImage(ctx, e.model.Name, img)
	if err != nil {
		return Embeddings{}, fmt.Errorf("embedding image: %w", err)
	}
	if err := e.check(res, 1); err != nil {
		return Embeddings{}, err
	}
	return res, nil
}

func (e *Embedder) check(res Embeddings, want int) error {
	if len(res.Vectors) != want {
		return fmt.Errorf("%s returned %d vectors for %d inputs: %w", e.provider.ID(), len(res.Vectors), want, ErrInvalidResponse)
	}
	for i, v := range res.Vectors {
		if len(v) == 0 {
			return fmt.Errorf("%s returned an empty vector at %d: %w", e.provider.ID(), i, ErrInvalidResponse)
		}
		if e.model.Dimensions > 0 && len(v) != e.model.Dimensions {
			return fmt.Errorf("%s returned %d dimensions, model %s has %d: %w",
				e.provider.ID(), len(v), e.model.Name, e.model.Dimensions, ErrInvalidResponse)
		}
	}
	return nil
}

func sumTokens(parts []*int) *int {
	total := 0
	for _, p := range parts {
		if p == nil {
			return nil
		}
		total += *p
	}
	return &total
}
