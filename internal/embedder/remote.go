package embedder

import (
	"context"
	"strings"
	"time"
)

// Remote talks to a self-hosted embedding service:
//
//	POST {base}/embed {"model": "...", "content": ["..."]} -> {"embeddings": [[...]]}
//	GET  {base}/list -> {"models": [{"name": "...", "dimensions": 384, "multimodal": false}]}
type Remote struct {
	base string
	http *httpClient
}

func NewRemote(baseURL string, timeout time.Duration) *Remote {
	return &Remote{
		base: strings.TrimRight(baseURL, "/"),
		http: newHTTPClient("remote", timeout, 0),
	}
}

func (r *Remote) ID() string { return "remote" }

type remoteEmbedRequest struct {
	Model   string   `json:"model"`
	Content []string `json:"content"`
}

type remoteEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

func (r *Remote) Embed(ctx context.Context, model string, texts []string) (Embeddings, error) {
	var resp remoteEmbedResponse
	if err := r.http.postJSON(ctx, r.base+"/embed", remoteEmbedRequest{Model: model, Content: texts}, &resp); err != nil {
		return Embeddings{}, err
	}
	return Embeddings{Vectors: resp.Embeddings}, nil
}

func (r *Remote) ListModels(ctx context.Context) ([]Model, error) {
	var resp struct {
		Models []Model `json:"models"`
	}
	if err := r.http.getJSON(ctx, r.base+"/list", &resp); err != nil {
		return nil, err
	}
	for i := range resp.Models {
		resp.Models[i].Provider = r.ID()
	}
	return resp.Models, nil
}
