// Package chunker splits parsed text into retrieval-sized pieces.
//
// Sliding, Snapping and Splitline are pure functions of their input. Semantic
// calls out to an embedder for sentence vectors but keeps no state between
// calls, so every chunker can be restarted on the same text with the same
// result.
package chunker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kalambet/docvec/internal/fault"
)

var (
	ErrEmptyInput    = fault.Permanent(fault.KindChunk, fault.ReasonNone, "empty input")
	ErrEmptyOutput   = fault.Permanent(fault.KindChunk, fault.ReasonNone, "chunker produced no chunks")
	ErrInvalidConfig = fault.Permanent(fault.KindValidation, fault.ReasonNone, "invalid chunk config")
)

type Kind string

const (
	KindSliding   Kind = "sliding"
	KindSnapping  Kind = "snapping"
	KindSemantic  Kind = "semantic"
	KindSplitline Kind = "splitline"
)

// Unit is what sizes and overlaps are counted in.
type Unit string

const (
	UnitChars  Unit = "chars"
	UnitTokens Unit = "tokens"
)

// Chunker turns text into an ordered list of chunks.
type Chunker interface {
	Chunk(ctx context.Context, text string) ([]string, error)
}

// Embedder produces one vector per input text. Semantic chunking uses it to
// compare adjacent sentences.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Config is the persisted chunk configuration: a kind plus the parameters of
// that kind.
type Config struct {
	Kind      Kind             `json:"kind"`
	Sliding   *SlidingConfig   `json:"sliding,omitempty"`
	Snapping  *SnappingConfig  `json:"snapping,omitempty"`
	Semantic  *SemanticConfig  `json:"semantic,omitempty"`
	Splitline *SplitlineConfig `json:"splitline,omitempty"`
}

// DefaultConfig is a 1000-character sliding window with 200 characters of overlap.
func DefaultConfig() Config {
	return Config{Kind: KindSliding, Sliding: &SlidingConfig{Size: 1000, Overlap: 200, Unit: UnitChars}}
}

// DecodeConfig reads a JSON config. An empty string yields DefaultConfig.
func DecodeConfig(raw string) (Config, error) {
	if strings.TrimSpace(raw) == "" {
		return DefaultConfig(), nil
	}
	var c Config
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return Config{}, fmt.Errorf("decoding chunk config: %w: %v", ErrInvalidConfig, err)
	}
	return c, c.Validate()
}

func (c Config) Encode() string {
	b, _ := json.Marshal(c)
	return string(b)
}

func (c Config) Validate() error {
	switch c.Kind {
	case KindSliding:
		if c.Sliding == nil {
			return fmt.Errorf("missing sliding parameters: %w", ErrInvalidConfig)
		}
		return c.Sliding.Validate()
	case KindSnapping:
		if c.Snapping == nil {
			return fmt.Errorf("missing snapping parameters: %w", ErrInvalidConfig)
		}
		return c.Snapping.Validate()
	case KindSemantic:
		if c.Semantic == nil {
			return fmt.Errorf("missing semantic parameters: %w", ErrInvalidConfig)
		}
		return c.Semantic.Validate()
	case KindSplitline:
		if c.Splitline == nil {
			return fmt.Errorf("missing splitline parameters: %w", ErrInvalidConfig)
		}
		_, err := c.Splitline.compile()
		return err
	default:
		return fmt.Errorf("kind %q: %w", c.Kind, ErrInvalidConfig)
	}
}

// New builds the chunker described by cfg. emb is only used, and only
// required, for semantic chunking.
func New(cfg Config, emb Embedder) (Chunker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Kind {
	case KindSliding:
		return Sliding{cfg: *cfg.Sliding}, nil
	case KindSnapping:
		return newSnapping(*cfg.Snapping), nil
	case KindSemantic:
		if emb == nil {
			return nil, fmt.Errorf("semantic chunking needs an embedder: %w", ErrInvalidConfig)
		}
		return Semantic{cfg: *cfg.Semantic, emb: emb}, nil
	default:
		re, _ := cfg.Splitline.compile()
		return Splitline{cfg: *cfg.Splitline, patterns: re}, nil
	}
}

// Chunk is a convenience wrapper around New and Chunker.Chunk.
func Chunk(ctx context.Context, text string, cfg Config, emb Embedder) ([]string, error) {
	c, err := New(cfg, emb)
	if err != nil {
		return nil, err
	}
	return c.Chunk(ctx, text)
}

func checkInput(text string) error {
	if text == "" {
		return ErrEmptyInput
	}
	return nil
}
