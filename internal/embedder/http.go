package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kalambet/docvec/internal/metrics"
)

const defaultTimeout = 60 * time.Second

// rateLimitError is returned on HTTP 429. retryAfter is the server's hint,
// zero when none was sent.
type rateLimitError struct {
	status     int
	retryAfter time.Duration
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("rate limited (HTTP %d)", e.status)
}

func (e *rateLimitError) Unwrap() error { return ErrRateLimited }

// httpClient is the JSON-over-HTTP plumbing shared by the remote providers.
type httpClient struct {
	provider string
	client   *http.Client
	headers  http.Header
	limiter  *limiter
	retries  int
}

func newHTTPClient(provider string, timeout time.Duration, rps float64) *httpClient {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &httpClient{
		provider: provider,
		client:   &http.Client{Timeout: timeout},
		headers:  make(http.Header),
		limiter:  newLimiter(rps),
		retries:  maxRetries,
	}
}

// postJSON sends in as JSON and decodes a 200 reply into out. Rate-limited
// requests are retried with backoff before giving up.
func (h *httpClient) postJSON(ctx context.Context, url string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}
	return withRetry(ctx, h.retries, func() error {
		return h.do(ctx, http.MethodPost, url, body, out)
	})
}

func (h *httpClient) getJSON(ctx context.Context, url string, out any) error {
	return withRetry(ctx, h.retries, func() error {
		return h.do(ctx, http.MethodGet, url, nil, out)
	})
}

func (h *httpClient) do(ctx context.Context, method, url string, body []byte, out any) (err error) {
	defer func() {
		outcome := metrics.OutcomeOK
		if err != nil {
			outcome = metrics.OutcomeFailed
		}
		metrics.ProviderRequests.WithLabelValues(h.provider, outcome).Inc()
	}()

	if err := h.limiter.Wait(ctx); err != nil {
		return err
	}

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	for k, v := range h.headers {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s: %w: %v", h.provider, ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(h.provider, resp); err != nil {
		var rl *rateLimitError
		if errors.As(err, &rl) {
			h.limiter.Penalize(rl.retryAfter)
		}
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decoding response: %w: %v", h.provider, ErrInvalidResponse, err)
	}
	return nil
}

// checkStatus maps a non-200 reply onto the provider error taxonomy.
func checkStatus(provider string, resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	detail := strings.TrimSpace(string(msg))
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &rateLimitError{status: resp.StatusCode, retryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	case resp.StatusCode >= 500:
		return fmt.Errorf("%s: HTTP %d: %w: %s", provider, resp.StatusCode, ErrUnavailable, detail)
	default:
		return fmt.Errorf("%s: HTTP %d: %w: %s", provider, resp.StatusCode, ErrRejected, detail)
	}
}

// parseRetryAfter reads the delay-seconds form of Retry-After.
func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// openAIRequest and openAIResponse are the OpenAI-style embeddings wire
// format, also spoken by Azure and vLLM.
type openAIRequest struct {
	Model string   `json:"model,omitempty"`
	Input []string `json:"input"`
}

type openAIResponse struct {
	Model string `json:"model"`
	Data  []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Usage *struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
}

// embeddings orders the data by index.
func (r openAIResponse) embeddings(provider string, want int) (Embeddings, error) {
	if len(r.Data) != want {
		return Embeddings{}, fmt.Errorf("%s: got %d embeddings for %d inputs: %w", provider, len(r.Data), want, ErrInvalidResponse)
	}
	vecs := make([][]float32, want)
	for _, d := range r.Data {
		if d.Index < 0 || d.Index >= want || vecs[d.Index] != nil {
			return Embeddings{}, fmt.Errorf("%s: bad embedding index %d: %w", provider, d.Index, ErrInvalidResponse)
		}
		vecs[d.Index] = d.Embedding
	}
	out := Embeddings{Vectors: vecs}
	if r.Usage != nil {
		t := r.Usage.TotalTokens
		out.TokensUsed = &t
	}
	return out, nil
}
