package embedder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/kalambet/docvec/internal/metrics"
	"github.com/kalambet/docvec/internal/ollama"
)

// Ollama embeds on the local machine through an Ollama daemon.
type Ollama struct {
	client *ollama.Client
	logger *slog.Logger

	mu   sync.Mutex
	dims map[string]int
}

func NewOllama(baseURL string) *Ollama {
	return &Ollama{
		client: ollama.New(baseURL),
		logger: slog.Default(),
		dims:   make(map[string]int),
	}
}

func (o *Ollama) ID() string { return "ollama" }

// Embed runs on whatever accelerator Ollama picked. If the accelerator fails
// the same request is repeated on the CPU.
func (o *Ollama) Embed(ctx context.Context, model string, texts []string) (Embeddings, error) {
	res, err := o.embed(ctx, model, texts, nil)
	if errors.Is(err, ErrAcceleratorUnavailable) {
		o.logger.Warn("accelerator failed, retrying on cpu", "model", model, "error", err)
		cpu := 0
		res, err = o.embed(ctx, model, texts, &ollama.Options{NumGPU: &cpu})
	}
	return res, err
}

func (o *Ollama) embed(ctx context.Context, model string, texts []string, opts *ollama.Options) (Embeddings, error) {
	res, err := o.client.Embed(ctx, model, texts, opts)
	if err != nil {
		metrics.ProviderRequests.WithLabelValues(o.ID(), metrics.OutcomeFailed).Inc()
		return Embeddings{}, classifyOllama(ctx, err)
	}
	metrics.ProviderRequests.WithLabelValues(o.ID(), metrics.OutcomeOK).Inc()
	out := Embeddings{Vectors: res.Embeddings}
	if res.PromptEvalCount > 0 {
		n := res.PromptEvalCount
		out.TokensUsed = &n
	}
	return out, nil
}

var acceleratorMarkers = []string{"cuda", "gpu", "metal", "rocm", "vulkan", "out of memory"}

func classifyOllama(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var se *ollama.StatusError
	if !errors.As(err, &se) {
		return fmt.Errorf("ollama: %w: %v", ErrUnavailable, err)
	}
	msg := strings.ToLower(se.Message)
	for _, m := range acceleratorMarkers {
		if strings.Contains(msg, m) {
			return fmt.Errorf("ollama: %w: %v", ErrAcceleratorUnavailable, err)
		}
	}
	switch {
	case se.Code == http.StatusTooManyRequests:
		return fmt.Errorf("ollama: %w: %v", ErrRateLimited, err)
	case se.Code == http.StatusNotFound:
		return fmt.Errorf("ollama: %w: %v", ErrUnknownModel, err)
	case se.Code >= 500:
		return fmt.Errorf("ollama: %w: %v", ErrUnavailable, err)
	default:
		return fmt.Errorf("ollama: %w: %v", ErrRejected, err)
	}
}

// ListModels lists the locally installed models with their vector sizes.
func (o *Ollama) ListModels(ctx context.Context) ([]Model, error) {
	names, err := o.client.ListModels(ctx)
	if err != nil {
		return nil, classifyOllama(ctx, err)
	}
	models := make([]Model, 0, len(names))
	for _, name := range names {
		dims, err := o.dimensions(ctx, name)
		if err != nil {
			// Chat-only models report no embedding length.
			continue
		}
		models = append(models, Model{Name: name, Dimensions: dims, Provider: o.ID()})
		if base, _, ok := strings.Cut(name, ":"); ok && strings.HasSuffix(name, ":latest") {
			models = append(models, Model{Name: base, Dimensions: dims, Provider: o.ID()})
		}
	}
	return models, nil
}

func (o *Ollama) dimensions(ctx context.Context, model string) (int, error) {
	o.mu.Lock()
	n, ok := o.dims[model]
	o.mu.Unlock()
	if ok {
		return n, nil
	}
	n, err := o.client.EmbeddingLength(ctx, model)
	if err != nil {
		return 0, err
	}
	o.mu.Lock()
	o.dims[model] = n
	o.mu.Unlock()
	return n, nil
}

// EnsureReady pulls any of models that are not installed yet.
func (o *Ollama) EnsureReady(ctx context.Context, models []string, w io.Writer) error {
	return ollama.EnsureReady(ctx, o.client, models, w)
}
