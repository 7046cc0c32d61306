package embedder

import (
	"context"
	"encoding/base64"
	"net/url"
	"strings"
	"time"
)

// VLLMModels are served when no model list is configured.
var VLLMModels = []Model{
	{Name: "qwen2-dse", Dimensions: 1536, Multimodal: true},
}

type VLLMConfig struct {
	Endpoint string
	APIKey   string
	Models   []Model
	Timeout  time.Duration
}

// VLLM calls per-model vLLM servers mounted at {endpoint}/{model}. Images go
// through the chat-template form of the embeddings endpoint, one per call.
type VLLM struct {
	endpoint string
	models   []Model
	http     *httpClient
}

func NewVLLM(cfg VLLMConfig) *VLLM {
	if len(cfg.Models) == 0 {
		cfg.Models = VLLMModels
	}
	h := newHTTPClient("vllm", cfg.Timeout, 0)
	if cfg.APIKey != "" {
		h.headers.Set("Authorization", "Bearer "+cfg.APIKey)
	}
	return &VLLM{endpoint: strings.TrimRight(cfg.Endpoint, "/"), models: cfg.Models, http: h}
}

func (v *VLLM) ID() string { return "vllm" }

func (v *VLLM) url(model string) string {
	return v.endpoint + "/" + url.PathEscape(model) + "/v1/embeddings"
}

func (v *VLLM) Embed(ctx context.Context, model string, texts []string) (Embeddings, error) {
	var resp openAIResponse
	if err := v.http.postJSON(ctx, v.url(model), openAIRequest{Input: texts}, &resp); err != nil {
		return Embeddings{}, err
	}
	return resp.embeddings(v.ID(), len(texts))
}

type chatPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatMessage struct {
	Role    string     `json:"role"`
	Content []chatPart `json:"content"`
}

type chatEmbedRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

// EmbedImage sends img as a data URL followed by its guiding text.
func (v *VLLM) EmbedImage(ctx context.Context, model string, img Image) (Embeddings, error) {
	text := img.Text
	if text == "" {
		text = DefaultImageText
	}
	req := chatEmbedRequest{
		Model: model,
		Messages: []chatMessage{{
			Role: "user",
			Content: []chatPart{
				{Type: "image_url", ImageURL: &imageURL{URL: DataURL(img.Format, img.Data)}},
				{Type: "text", Text: text},
			},
		}},
	}
	var resp openAIResponse
	if err := v.http.postJSON(ctx, v.url(model), req, &resp); err != nil {
		return Embeddings{}, err
	}
	return resp.embeddings(v.ID(), 1)
}

func (v *VLLM) ListModels(context.Context) ([]Model, error) {
	return withProvider(v.models, v.ID()), nil
}

// DataURL encodes image bytes as a base64 data URL.
func DataURL(format string, data []byte) string {
	format = strings.ToLower(strings.TrimPrefix(format, "."))
	if format == "jpg" {
		format = "jpeg"
	}
	if format == "" {
		format = "png"
	}
	return "data:image/" + format + ";base64," + base64.StdEncoding.EncodeToString(data)
}
