package chunker

import (
	"context"
	"fmt"
	"slices"
	"unicode"
)

var (
	DefaultDelimiters = []string{".", "!", "?", "\n"}
	// DefaultSkipBack lists abbreviations whose trailing period does not end
	// a sentence.
	DefaultSkipBack = []string{"etc", "e.g", "i.e", "vs", "cf", "Mr", "Mrs", "Ms", "Dr", "Prof", "No", "Fig"}
)

// SnappingConfig is a sliding window whose cut points move to the nearest
// delimiter within MaxSkip characters of the nominal boundary.
type SnappingConfig struct {
	Size       int      `json:"size"`
	Overlap    int      `json:"overlap"`
	MaxSkip    int      `json:"max_skip"`
	Delimiters []string `json:"delimiters,omitempty"`
	// SkipForward and SkipBack list text that, found right after or right
	// before a delimiter, means the delimiter does not end a sentence.
	SkipForward []string `json:"skip_forward,omitempty"`
	SkipBack    []string `json:"skip_back,omitempty"`
}

func (c SnappingConfig) Validate() error {
	if c.Size <= 0 {
		return fmt.Errorf("size %d must be positive: %w", c.Size, ErrInvalidConfig)
	}
	if c.Overlap < 0 || c.Overlap >= c.Size {
		return fmt.Errorf("overlap %d must be in [0, %d): %w", c.Overlap, c.Size, ErrInvalidConfig)
	}
	if c.MaxSkip < 0 {
		return fmt.Errorf("max_skip %d must not be negative: %w", c.MaxSkip, ErrInvalidConfig)
	}
	for _, d := range c.Delimiters {
		if d == "" {
			return fmt.Errorf("empty delimiter: %w", ErrInvalidConfig)
		}
	}
	return nil
}

type Snapping struct {
	cfg    SnappingConfig
	delims [][]rune
	fwd    [][]rune
	back   [][]rune
}

func NewSnapping(cfg SnappingConfig) (Snapping, error) {
	if err := cfg.Validate(); err != nil {
		return Snapping{}, err
	}
	return newSnapping(cfg), nil
}

func newSnapping(cfg SnappingConfig) Snapping {
	if len(cfg.Delimiters) == 0 {
		cfg.Delimiters = DefaultDelimiters
	}
	if cfg.SkipBack == nil {
		cfg.SkipBack = DefaultSkipBack
	}
	return Snapping{
		cfg:    cfg,
		delims: toRunes(cfg.Delimiters),
		fwd:    toRunes(cfg.SkipForward),
		back:   toRunes(cfg.SkipBack),
	}
}

func (s Snapping) Chunk(_ context.Context, text string) ([]string, error) {
	if err := checkInput(text); err != nil {
		return nil, err
	}
	r := []rune(text)
	n := len(r)

	var chunks []string
	start := 0
	for {
		nominal := start + s.cfg.Size
		if nominal >= n {
			chunks = append(chunks, string(r[start:]))
			break
		}
		b := s.snap(r, start, nominal)
		chunks = append(chunks, string(r[start:b]))
		if b >= n {
			break
		}
		next := b - s.cfg.Overlap
		if next <= start {
			next = b
		}
		start = next
	}
	return chunks, nil
}

// snap returns the delimiter end nearest to nominal within MaxSkip, or
// nominal itself. Ties go backward.
func (s Snapping) snap(r []rune, start, nominal int) int {
	best, bestDist := nominal, -1
	lo := max(nominal-s.cfg.MaxSkip, start+1)
	hi := min(nominal+s.cfg.MaxSkip, len(r))
	for p := lo; p <= hi; p++ {
		if !s.endsSentence(r, p) {
			continue
		}
		d := p - nominal
		if d < 0 {
			d = -d
		}
		if bestDist < 0 || d < bestDist {
			best, bestDist = p, d
		}
	}
	return best
}

// endsSentence reports whether a delimiter that is not excused by a skip
// list ends exactly at p.
func (s Snapping) endsSentence(r []rune, p int) bool {
	for _, d := range s.delims {
		ds := p - len(d)
		if ds < 0 || !slices.Equal(r[ds:p], d) {
			continue
		}
		if !unicode.IsSpace(d[len(d)-1]) && p < len(r) && !unicode.IsSpace(r[p]) {
			continue
		}
		if s.skippedBack(r, ds) || s.skippedForward(r, p) {
			continue
		}
		return true
	}
	return false
}

func (s Snapping) skippedBack(r []rune, ds int) bool {
	for _, sb := range s.back {
		from := ds - len(sb)
		if from < 0 || !slices.Equal(r[from:ds], sb) {
			continue
		}
		if from == 0 || !unicode.IsLetter(r[from-1]) {
			return true
		}
	}
	return false
}

func (s Snapping) skippedForward(r []rune, p int) bool {
	for _, sf := range s.fwd {
		if p+len(sf) <= len(r) && slices.Equal(r[p:p+len(sf)], sf) {
			return true
		}
	}
	return false
}

func toRunes(ss []string) [][]rune {
	out := make([][]rune, 0, len(ss))
	for _, s := range ss {
		if s != "" {
			out = append(out, []rune(s))
		}
	}
	return out
}
