package embedder

import (
	"cmp"
	"context"
	"net/url"
	"slices"
	"strings"
	"time"
)

const defaultAzureAPIVersion = "2023-05-15"

type AzureConfig struct {
	Endpoint   string
	APIKey     string
	APIVersion string
	// Deployments maps deployment names to their vector sizes. Empty means
	// a single text-embedding-ada-002 deployment.
	Deployments       map[string]int
	Timeout           time.Duration
	RequestsPerSecond float64
}

// Azure calls Azure OpenAI deployments. The model name of a request is the
// deployment name.
type Azure struct {
	endpoint    string
	apiVersion  string
	deployments map[string]int
	http        *httpClient
}

func NewAzure(cfg AzureConfig) *Azure {
	if cfg.APIVersion == "" {
		cfg.APIVersion = defaultAzureAPIVersion
	}
	if len(cfg.Deployments) == 0 {
		cfg.Deployments = map[string]int{"text-embedding-ada-002": 1536}
	}
	h := newHTTPClient("azure", cfg.Timeout, cfg.RequestsPerSecond)
	h.headers.Set("api-key", cfg.APIKey)
	return &Azure{
		endpoint:    strings.TrimRight(cfg.Endpoint, "/"),
		apiVersion:  cfg.APIVersion,
		deployments: cfg.Deployments,
		http:        h,
	}
}

func (a *Azure) ID() string { return "azure" }

func (a *Azure) Embed(ctx context.Context, deployment string, texts []string) (Embeddings, error) {
	u := a.endpoint + "/openai/deployments/" + url.PathEscape(deployment) +
		"/embeddings?api-version=" + url.QueryEscape(a.apiVersion)
	var resp openAIResponse
	if err := a.http.postJSON(ctx, u, openAIRequest{Input: texts}, &resp); err != nil {
		return Embeddings{}, err
	}
	return resp.embeddings(a.ID(), len(texts))
}

func (a *Azure) ListModels(context.Context) ([]Model, error) {
	models := make([]Model, 0, len(a.deployments))
	for name, dims := range a.deployments {
		models = append(models, Model{Name: name, Dimensions: dims, Provider: a.ID()})
	}
	slices.SortFunc(models, func(x, y Model) int { return cmp.Compare(x.Name, y.Name) })
	return models, nil
}
