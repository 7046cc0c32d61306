package embedder

import (
	"context"
	"strings"
	"time"
)

const defaultOpenAIURL = "https://api.openai.com/v1"

// OpenAIModels are the embedding models served by the OpenAI API.
var OpenAIModels = []Model{
	{Name: "text-embedding-3-small", Dimensions: 1536},
	{Name: "text-embedding-3-large", Dimensions: 3072},
	{Name: "text-embedding-ada-002", Dimensions: 1536},
}

type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
	// RequestsPerSecond paces requests. Zero disables pacing.
	RequestsPerSecond float64
}

// OpenAI calls the hosted OpenAI embeddings endpoint.
type OpenAI struct {
	base string
	http *httpClient
}

func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultOpenAIURL
	}
	h := newHTTPClient("openai", cfg.Timeout, cfg.RequestsPerSecond)
	h.headers.Set("Authorization", "Bearer "+cfg.APIKey)
	return &OpenAI{base: strings.TrimRight(cfg.BaseURL, "/"), http: h}
}

func (o *OpenAI) ID() string { return "openai" }

func (o *OpenAI) Embed(ctx context.Context, model string, texts []string) (Embeddings, error) {
	var resp openAIResponse
	if err := o.http.postJSON(ctx, o.base+"/embeddings", openAIRequest{Model: model, Input: texts}, &resp); err != nil {
		return Embeddings{}, err
	}
	return resp.embeddings(o.ID(), len(texts))
}

func (o *OpenAI) ListModels(context.Context) ([]Model, error) {
	return withProvider(OpenAIModels, o.ID()), nil
}

func withProvider(models []Model, id string) []Model {
	out := make([]Model, len(models))
	for i, m := range models {
		m.Provider = id
		out[i] = m
	}
	return out
}
