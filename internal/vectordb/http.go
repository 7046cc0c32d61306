package vectordb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultTimeout = 15 * time.Second

// statusError is a non-2xx reply from a REST backend. It unwraps to the
// matching sentinel so callers can test it with errors.Is.
type statusError struct {
	backend string
	code    int
	body    string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.backend, e.code, e.body)
}

func (e *statusError) Unwrap() error {
	switch {
	case e.code >= 500 || e.code == http.StatusTooManyRequests:
		return ErrBackendUnavailable
	case e.code == http.StatusNotFound:
		return ErrCollectionNotFound
	default:
		return ErrRejected
	}
}

// restClient is the JSON plumbing shared by the Qdrant and Weaviate backends.
type restClient struct {
	backend string
	base    string
	client  *http.Client
	headers http.Header
}

func newRESTClient(backend, base string, timeout time.Duration) *restClient {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &restClient{
		backend: backend,
		base:    strings.TrimRight(base, "/"),
		client:  &http.Client{Timeout: timeout},
		headers: make(http.Header),
	}
}

// do sends in (when non-nil) as JSON to base+path and decodes a 2xx reply
// into out (when non-nil).
func (r *restClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.base+path, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	for k, v := range r.headers {
		req.Header[k] = v
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s %s: %w: %v", r.backend, method, ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return &statusError{backend: r.backend, code: resp.StatusCode, body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decoding response: %w: %v", r.backend, ErrRejected, err)
	}
	return nil
}
