package chunker

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// SlidingConfig describes fixed windows of Size units advancing by
// Size-Overlap units.
type SlidingConfig struct {
	Size    int  `json:"size"`
	Overlap int  `json:"overlap"`
	Unit    Unit `json:"unit,omitempty"`
}

func (c SlidingConfig) Validate() error {
	if c.Size <= 0 {
		return fmt.Errorf("size %d must be positive: %w", c.Size, ErrInvalidConfig)
	}
	if c.Overlap < 0 || c.Overlap >= c.Size {
		return fmt.Errorf("overlap %d must be in [0, %d): %w", c.Overlap, c.Size, ErrInvalidConfig)
	}
	switch c.Unit {
	case "", UnitChars, UnitTokens:
		return nil
	default:
		return fmt.Errorf("unit %q: %w", c.Unit, ErrInvalidConfig)
	}
}

// Sliding is a fixed-size window chunker. Dropping the trailing Overlap
// units of every chunk but the last and concatenating gives back the input.
type Sliding struct {
	cfg SlidingConfig
}

func NewSliding(cfg SlidingConfig) (Sliding, error) {
	if err := cfg.Validate(); err != nil {
		return Sliding{}, err
	}
	return Sliding{cfg: cfg}, nil
}

func (s Sliding) Chunk(_ context.Context, text string) ([]string, error) {
	if err := checkInput(text); err != nil {
		return nil, err
	}
	units := splitUnits(text, s.cfg.Unit)
	step := s.cfg.Size - s.cfg.Overlap

	var chunks []string
	for start := 0; ; start += step {
		end := min(start+s.cfg.Size, len(units))
		chunks = append(chunks, strings.Join(units[start:end], ""))
		if end == len(units) {
			break
		}
	}
	return chunks, nil
}

var tokenPattern = regexp.MustCompile(`\S+\s*`)

// splitUnits cuts text into units whose concatenation is text.
func splitUnits(text string, unit Unit) []string {
	if unit == UnitTokens {
		return tokens(text)
	}
	units := make([]string, 0, len(text))
	for _, r := range text {
		units = append(units, string(r))
	}
	return units
}

// tokens splits on whitespace, each token keeping the whitespace that follows
// it. Leading whitespace belongs to the first token.
func tokens(text string) []string {
	toks := tokenPattern.FindAllString(text, -1)
	lead := len(text) - len(strings.TrimLeft(text, " \t\n\r\f"))
	if len(toks) == 0 {
		return []string{text}
	}
	if lead > 0 {
		toks[0] = text[:lead] + toks[0]
	}
	return toks
}
