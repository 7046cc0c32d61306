package chunker

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// SplitlineConfig chunks line-oriented text such as CSV exports. The first
// line is always a header. A line matching one of Patterns starts a new
// chunk and becomes the latest header.
type SplitlineConfig struct {
	// Size caps the number of non-header lines per chunk. Zero means no cap.
	Size     int      `json:"size,omitempty"`
	Patterns []string `json:"patterns,omitempty"`
	// PrependLatestHeader repeats the latest header at the top of chunks
	// opened because the previous one reached Size.
	PrependLatestHeader bool `json:"prepend_latest_header,omitempty"`
}

func (c SplitlineConfig) compile() ([]*regexp.Regexp, error) {
	if c.Size < 0 {
		return nil, fmt.Errorf("size %d must not be negative: %w", c.Size, ErrInvalidConfig)
	}
	out := make([]*regexp.Regexp, 0, len(c.Patterns))
	for _, p := range c.Patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w: %v", p, ErrInvalidConfig, err)
		}
		out = append(out, re)
	}
	return out, nil
}

type Splitline struct {
	cfg      SplitlineConfig
	patterns []*regexp.Regexp
}

func NewSplitline(cfg SplitlineConfig) (Splitline, error) {
	re, err := cfg.compile()
	if err != nil {
		return Splitline{}, err
	}
	return Splitline{cfg: cfg, patterns: re}, nil
}

func (s Splitline) Chunk(_ context.Context, text string) ([]string, error) {
	if err := checkInput(text); err != nil {
		return nil, err
	}
	lines := splitLines(text)
	if len(lines) <= 1 {
		return []string{text}, nil
	}

	header := lines[0]
	var chunks []string
	var buf strings.Builder
	buf.WriteString(header)
	buf.WriteByte('\n')
	amount := 0

	for _, line := range lines[1:] {
		if s.isHeader(line) {
			if amount > 0 {
				chunks = append(chunks, buf.String())
				buf.Reset()
			}
			header = line
			amount = 0
			buf.WriteString(line)
			buf.WriteByte('\n')
			continue
		}
		if s.cfg.Size > 0 && amount == s.cfg.Size {
			chunks = append(chunks, buf.String())
			buf.Reset()
			amount = 0
			if s.cfg.PrependLatestHeader {
				buf.WriteString(header)
				buf.WriteByte('\n')
			}
		}
		buf.WriteString(line)
		buf.WriteByte('\n')
		amount++
	}

	last := buf.String()
	if !strings.HasSuffix(text, "\n") {
		last = strings.TrimSuffix(last, "\n")
	}
	if last != "" {
		chunks = append(chunks, last)
	}
	return chunks, nil
}

func (s Splitline) isHeader(line string) bool {
	for _, re := range s.patterns {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

// splitLines drops one trailing newline, splits on "\n" and strips a
// trailing "\r" from every line.
func splitLines(text string) []string {
	lines := strings.Split(strings.TrimSuffix(text, "\n"), "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines
}
