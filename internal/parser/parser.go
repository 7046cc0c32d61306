// Package parser extracts text from documents.
//
// Every format is reduced to an ordered list of elements (pages for PDF,
// paragraphs for DOCX and plain text, rows for spreadsheets and CSV, block
// elements for HTML). Range, skip and filter settings address elements by
// index, so they mean the same thing for every format.
package parser

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/kalambet/docvec/internal/fault"
)

var (
	ErrUnsupportedFormat = fault.Permanent(fault.KindParse, fault.ReasonNone, "unsupported format")
	ErrCorruptDocument   = fault.Permanent(fault.KindParse, fault.ReasonNone, "corrupt document")
	ErrEmptyOutput       = fault.Permanent(fault.KindParse, fault.ReasonNone, "parsing produced no text")
	ErrRangeOutOfBounds  = fault.Permanent(fault.KindValidation, fault.ReasonNone, "range out of bounds")
	ErrInvalidConfig     = fault.Permanent(fault.KindValidation, fault.ReasonNone, "invalid parse config")
)

type Mode string

const (
	// ModeString flattens the selected range into one string.
	ModeString Mode = "string"
	// ModeSection keeps each sub-range as its own string.
	ModeSection Mode = "section"
)

// Config selects and shapes the elements of a document.
type Config struct {
	// Range is an inclusive, zero-based [start, end] element range. Empty
	// means the whole document. Bounds past either end are clamped.
	Range []int `json:"range,omitempty"`
	Mode  Mode  `json:"mode,omitempty"`
	// Sections lists sub-ranges for ModeSection. Empty means one section
	// per element.
	Sections [][2]int `json:"sections,omitempty"`
	// Skip lists element indices to drop.
	Skip []int `json:"skip,omitempty"`
	// Filters are regular expressions; matching elements are dropped.
	Filters []string `json:"filters,omitempty"`
}

// DefaultConfig parses the whole document into one string.
func DefaultConfig() Config {
	return Config{Mode: ModeString}
}

// DecodeConfig reads a JSON config. An empty string yields DefaultConfig.
func DecodeConfig(raw string) (Config, error) {
	if strings.TrimSpace(raw) == "" {
		return DefaultConfig(), nil
	}
	var c Config
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return Config{}, fmt.Errorf("decoding parse config: %w: %v", ErrInvalidConfig, err)
	}
	if c.Mode == "" {
		c.Mode = ModeString
	}
	return c, c.Validate()
}

func (c Config) Validate() error {
	switch c.Mode {
	case "", ModeString, ModeSection:
	default:
		return fmt.Errorf("mode %q: %w", c.Mode, ErrInvalidConfig)
	}
	if len(c.Range) != 0 {
		if len(c.Range) != 2 {
			return fmt.Errorf("range needs [start, end], got %v: %w", c.Range, ErrInvalidConfig)
		}
		if c.Range[0] > c.Range[1] {
			return fmt.Errorf("range start %d after end %d: %w", c.Range[0], c.Range[1], ErrInvalidConfig)
		}
	}
	if len(c.Sections) > 0 && c.Mode != ModeSection {
		return fmt.Errorf("sections require mode %q: %w", ModeSection, ErrInvalidConfig)
	}
	for _, s := range c.Sections {
		if s[0] > s[1] {
			return fmt.Errorf("section start %d after end %d: %w", s[0], s[1], ErrInvalidConfig)
		}
	}
	for _, f := range c.Filters {
		if _, err := regexp.Compile(f); err != nil {
			return fmt.Errorf("filter %q: %w: %v", f, ErrInvalidConfig, err)
		}
	}
	return nil
}

func (c Config) Encode() string {
	b, _ := json.Marshal(c)
	return string(b)
}

// Output is the parsed text. ModeString output always has one section.
type Output struct {
	Mode     Mode
	Sections []string
}

// Text joins all sections.
func (o Output) Text() string {
	return strings.Join(o.Sections, "\n")
}

// elementReader splits a document into elements and names the separator
// used to join adjacent ones.
type elementReader func(data []byte) (elems []string, sep string, err error)

var readers = map[string]elementReader{
	"txt":      readText,
	"text":     readText,
	"md":       readText,
	"markdown": readText,
	"csv":      readCSV,
	"html":     readHTML,
	"htm":      readHTML,
	"pdf":      readPDF,
	"docx":     readDOCX,
	"xlsx":     readXLSX,
	"xlsm":     readXLSX,
}

// NormalizeFormat lowercases an extension and strips its leading dot.
func NormalizeFormat(ext string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
}

// Supported reports whether the format (file extension) can be parsed.
func Supported(format string) bool {
	_, ok := readers[NormalizeFormat(format)]
	return ok
}

// Elements returns the raw element list of a document.
func Elements(data []byte, format string) ([]string, error) {
	elems, _, err := readElements(data, format)
	return elems, err
}

func readElements(data []byte, format string) (elems []string, sep string, err error) {
	format = NormalizeFormat(format)
	read, ok := readers[format]
	if !ok {
		return nil, "", fmt.Errorf("format %q: %w", format, ErrUnsupportedFormat)
	}
	// Third-party decoders panic on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			elems, sep = nil, ""
			err = fmt.Errorf("%s: %w: %v", format, ErrCorruptDocument, r)
		}
	}()
	return read(data)
}

// Parse extracts text from data according to cfg.
func Parse(data []byte, format string, cfg Config) (Output, error) {
	if err := cfg.Validate(); err != nil {
		return Output{}, err
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeString
	}

	elems, sep, err := readElements(data, format)
	if err != nil {
		return Output{}, err
	}
	n := len(elems)
	if n == 0 {
		return Output{}, fmt.Errorf("document has no elements: %w", ErrEmptyOutput)
	}

	lo, hi, err := clampRange(cfg.Range, 0, n-1)
	if err != nil {
		return Output{}, fmt.Errorf("range %v over %d elements: %w", cfg.Range, n, err)
	}

	sel, err := newSelector(cfg, n)
	if err != nil {
		return Output{}, err
	}

	out := Output{Mode: cfg.Mode}
	switch cfg.Mode {
	case ModeString:
		text := sel.join(elems, lo, hi, sep)
		if strings.TrimSpace(text) == "" {
			return Output{}, fmt.Errorf("elements %d-%d: %w", lo, hi, ErrEmptyOutput)
		}
		out.Sections = []string{text}

	case ModeSection:
		sections := cfg.Sections
		if len(sections) == 0 {
			for i := lo; i <= hi; i++ {
				sections = append(sections, [2]int{i, i})
			}
		}
		for _, s := range sections {
			slo, shi, err := clampRange(s[:], lo, hi)
			if err != nil {
				return Output{}, fmt.Errorf("section %v within %d-%d: %w", s, lo, hi, err)
			}
			if text := sel.join(elems, slo, shi, sep); strings.TrimSpace(text) != "" {
				out.Sections = append(out.Sections, text)
			}
		}
		if len(out.Sections) == 0 {
			return Output{}, fmt.Errorf("elements %d-%d: %w", lo, hi, ErrEmptyOutput)
		}
	}
	return out, nil
}

// clampRange clamps an inclusive [start, end] to [floor, ceil]. A range that
// misses [floor, ceil] entirely is out of bounds.
func clampRange(r []int, floor, ceil int) (int, int, error) {
	if len(r) == 0 {
		return floor, ceil, nil
	}
	start, end := r[0], r[1]
	if start > ceil || end < floor {
		return 0, 0, ErrRangeOutOfBounds
	}
	return max(start, floor), min(end, ceil), nil
}

type selector struct {
	skip    map[int]bool
	filters []*regexp.Regexp
}

func newSelector(cfg Config, n int) (*selector, error) {
	s := &selector{skip: make(map[int]bool, len(cfg.Skip))}
	for _, i := range cfg.Skip {
		if i >= 0 && i < n {
			s.skip[i] = true
		}
	}
	for _, f := range cfg.Filters {
		re, err := regexp.Compile(f)
		if err != nil {
			return nil, fmt.Errorf("filter %q: %w: %v", f, ErrInvalidConfig, err)
		}
		s.filters = append(s.filters, re)
	}
	return s, nil
}

func (s *selector) keep(i int, elem string) bool {
	if s.skip[i] {
		return false
	}
	for _, re := range s.filters {
		if re.MatchString(elem) {
			return false
		}
	}
	return true
}

func (s *selector) join(elems []string, lo, hi int, sep string) string {
	var b strings.Builder
	first := true
	for i := lo; i <= hi; i++ {
		if !s.keep(i, elems[i]) {
			continue
		}
		if !first {
			b.WriteString(sep)
		}
		b.WriteString(elems[i])
		first = false
	}
	return b.String()
}
