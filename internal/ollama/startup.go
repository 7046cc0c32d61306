package ollama

import (
	"context"
	"fmt"
	"io"
	"time"
)

// EnsureReady checks that Ollama is running and the given embedding models
// are available. Missing models are pulled with progress written to w, then
// each model embeds a short probe so the first real request does not pay
// the cold-load penalty.
// Returns a non-nil error if Ollama is unreachable or a pull fails.
func EnsureReady(ctx context.Context, c *Client, models []string, w io.Writer) error {
	if !c.IsRunning(ctx) {
		return fmt.Errorf("Ollama is not running. Start it with: ollama serve")
	}

	seen := make(map[string]bool, len(models))
	for _, model := range models {
		if model == "" || seen[model] {
			continue
		}
		seen[model] = true

		if c.HasModel(ctx, model) {
			fmt.Fprintf(w, "model %s: ready\n", model)
		} else {
			fmt.Fprintf(w, "model %s: pulling...\n", model)
			err := c.PullModel(ctx, model, func(p PullProgress) {
				if p.Total > 0 {
					pct := float64(p.Completed) / float64(p.Total) * 100
					fmt.Fprintf(w, "  %s %.0f%%\n", p.Status, pct)
				} else {
					fmt.Fprintf(w, "  %s\n", p.Status)
				}
			})
			if err != nil {
				return fmt.Errorf("pulling model %s: %w", model, err)
			}
			fmt.Fprintf(w, "model %s: ready\n", model)
		}

		warmCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		_, err := c.Embed(warmCtx, model, []string{"ping"}, nil)
		cancel()
		if err != nil {
			fmt.Fprintf(w, "model %s: warm-up failed (non-fatal): %v\n", model, err)
		}
	}
	return nil
}
