package chunker

import (
	"context"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/kalambet/docvec/internal/vecmath"
)

// SemanticConfig groups consecutive sentences while their embeddings stay
// closer than Threshold. Sizes are in characters.
type SemanticConfig struct {
	Threshold float64          `json:"threshold"`
	MinSize   int              `json:"min_size"`
	MaxSize   int              `json:"max_size"`
	Distance  vecmath.Distance `json:"distance,omitempty"`
	// Provider and Model pick the sentence embedder. Empty means the
	// collection's own provider and model.
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
}

func (c SemanticConfig) Validate() error {
	if c.Threshold < 0 {
		return fmt.Errorf("threshold %v must not be negative: %w", c.Threshold, ErrInvalidConfig)
	}
	if c.MinSize <= 0 || c.MaxSize <= 0 {
		return fmt.Errorf("min_size %d and max_size %d must be positive: %w", c.MinSize, c.MaxSize, ErrInvalidConfig)
	}
	if c.MinSize > c.MaxSize {
		return fmt.Errorf("min_size %d exceeds max_size %d: %w", c.MinSize, c.MaxSize, ErrInvalidConfig)
	}
	if _, err := c.Distance.Resolve(); err != nil {
		return fmt.Errorf("%v: %w", err, ErrInvalidConfig)
	}
	return nil
}

type Semantic struct {
	cfg SemanticConfig
	emb Embedder
}

func NewSemantic(cfg SemanticConfig, emb Embedder) (Semantic, error) {
	if err := cfg.Validate(); err != nil {
		return Semantic{}, err
	}
	if emb == nil {
		return Semantic{}, fmt.Errorf("semantic chunking needs an embedder: %w", ErrInvalidConfig)
	}
	return Semantic{cfg: cfg, emb: emb}, nil
}

// Chunk embeds every sentence and closes a chunk when the distance to the
// next sentence reaches the threshold or the chunk would outgrow MaxSize.
// Chunks shorter than MinSize defer the cut to the next qualifying point.
// A zero threshold disables splitting.
func (s Semantic) Chunk(ctx context.Context, text string) ([]string, error) {
	if err := checkInput(text); err != nil {
		return nil, err
	}
	sentences := SplitSentences(text)
	if s.cfg.Threshold == 0 || len(sentences) == 1 {
		return []string{text}, nil
	}

	inputs := make([]string, len(sentences))
	for i, sent := range sentences {
		inputs[i] = strings.TrimSpace(sent)
	}
	vectors, err := s.emb.Embed(ctx, inputs)
	if err != nil {
		return nil, fmt.Errorf("embedding %d sentences: %w", len(sentences), err)
	}
	if len(vectors) != len(sentences) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d sentences", len(vectors), len(sentences))
	}

	distance, _ := s.cfg.Distance.Resolve()
	var chunks []string
	var cur strings.Builder
	cur.WriteString(sentences[0])
	curLen := utf8.RuneCountInString(sentences[0])
	for i := 1; i < len(sentences); i++ {
		next := utf8.RuneCountInString(sentences[i])
		d := float64(distance(vectors[i-1], vectors[i]))
		cut := d >= s.cfg.Threshold || curLen+next > s.cfg.MaxSize
		if cut && curLen >= s.cfg.MinSize {
			chunks = append(chunks, cur.String())
			cur.Reset()
			curLen = 0
		}
		cur.WriteString(sentences[i])
		curLen += next
	}
	chunks = append(chunks, cur.String())
	return chunks, nil
}

var sentenceSplitter = newSnapping(SnappingConfig{Size: 1})

// SplitSentences splits text at sentence ends, each sentence keeping the
// whitespace that follows it so the pieces concatenate back to text.
func SplitSentences(text string) []string {
	r := []rune(text)
	var out []string
	start := 0
	for p := 1; p <= len(r); p++ {
		if !sentenceSplitter.endsSentence(r, p) {
			continue
		}
		end := p
		for end < len(r) && unicode.IsSpace(r[end]) {
			end++
		}
		if strings.TrimSpace(string(r[start:end])) == "" {
			continue
		}
		out = append(out, string(r[start:end]))
		start = end
		p = end
	}
	if start < len(r) {
		if len(out) > 0 && strings.TrimSpace(string(r[start:])) == "" {
			out[len(out)-1] += string(r[start:])
		} else {
			out = append(out, string(r[start:]))
		}
	}
	return out
}
