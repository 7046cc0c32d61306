package parser

import (
	"archive/zip"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/kalambet/docvec/internal/fault"
)

const fiveParagraphs = "zero\n\none\n\ntwo\n\nthree\n\nfour"

func TestParse_StringModeRange(t *testing.T) {
	out, err := Parse([]byte(fiveParagraphs), "md", Config{Range: []int{1, 3}, Mode: ModeString})
	require.NoError(t, err)
	require.Len(t, out.Sections, 1)
	assert.Equal(t, "one\n\ntwo\n\nthree", out.Sections[0])
}

func TestParse_RangeClamped(t *testing.T) {
	out, err := Parse([]byte(fiveParagraphs), "txt", Config{Range: []int{-2, 99}})
	require.NoError(t, err)
	assert.Equal(t, fiveParagraphs, out.Text())
}

func TestParse_RangeOutOfBounds(t *testing.T) {
	_, err := Parse([]byte(fiveParagraphs), "txt", Config{Range: []int{5, 9}})
	require.ErrorIs(t, err, ErrRangeOutOfBounds)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
}

func TestParse_SectionMode(t *testing.T) {
	out, err := Parse([]byte(fiveParagraphs), "txt", Config{
		Mode:     ModeSection,
		Sections: [][2]int{{0, 1}, {3, 4}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"zero\n\none", "three\n\nfour"}, out.Sections)
}

func TestParse_SectionPerElementByDefault(t *testing.T) {
	out, err := Parse([]byte(fiveParagraphs), "txt", Config{Mode: ModeSection, Range: []int{2, 3}})
	require.NoError(t, err)
	assert.Equal(t, []string{"two", "three"}, out.Sections)
}

func TestParse_SkipAndFilters(t *testing.T) {
	out, err := Parse([]byte(fiveParagraphs), "txt", Config{
		Skip:    []int{0},
		Filters: []string{`^t(wo|hree)$`},
	})
	require.NoError(t, err)
	assert.Equal(t, "one\n\nfour", out.Text())
}

func TestParse_EmptyOutput(t *testing.T) {
	_, err := Parse([]byte(fiveParagraphs), "txt", Config{Filters: []string{`.*`}})
	assert.ErrorIs(t, err, ErrEmptyOutput)

	_, err = Parse([]byte("   \n\n  "), "txt", DefaultConfig())
	assert.ErrorIs(t, err, ErrEmptyOutput)
}

func TestParse_UnsupportedFormat(t *testing.T) {
	_, err := Parse([]byte("x"), "exe", DefaultConfig())
	require.ErrorIs(t, err, ErrUnsupportedFormat)
	assert.Equal(t, fault.KindParse, fault.KindOf(err))
	assert.False(t, Supported(".EXE"))
	assert.True(t, Supported(".PDF"))
}

func TestParse_CorruptDocuments(t *testing.T) {
	for _, format := range []string{"pdf", "docx", "xlsx"} {
		t.Run(format, func(t *testing.T) {
			_, err := Parse([]byte("definitely not a "+format), format, DefaultConfig())
			assert.ErrorIs(t, err, ErrCorruptDocument)
		})
	}
	_, err := Parse([]byte{0xff, 0xfe, 0x00}, "txt", DefaultConfig())
	assert.ErrorIs(t, err, ErrCorruptDocument)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"inverted range", Config{Range: []int{3, 1}}},
		{"short range", Config{Range: []int{3}}},
		{"bad mode", Config{Mode: "pages"}},
		{"sections without section mode", Config{Mode: ModeString, Sections: [][2]int{{0, 1}}}},
		{"bad regex", Config{Filters: []string{"("}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestDecodeConfig(t *testing.T) {
	cfg, err := DecodeConfig(`{"range":[0,3],"mode":"string"}`)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 3}, cfg.Range)
	assert.Equal(t, ModeString, cfg.Mode)

	cfg, err = DecodeConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	_, err = DecodeConfig(`{"range":`)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestReadCSV(t *testing.T) {
	elems, err := Elements([]byte("name,city\nAda,\"London, UK\"\n"), "csv")
	require.NoError(t, err)
	assert.Equal(t, []string{"name,city", `Ada,"London, UK"`}, elems)
}

func TestReadHTML(t *testing.T) {
	page := `<html><head><title>t</title><style>p{}</style></head><body>
		<h1>Title</h1>
		<div><p>First <b>bold</b> para.</p><p>Second</p></div>
		<ul><li>one</li><li>two</li></ul>
		<script>alert(1)</script>
	</body></html>`
	elems, err := Elements([]byte(page), "html")
	require.NoError(t, err)
	assert.Equal(t, []string{"Title", "First bold para.", "Second", "one", "two"}, elems)
}

func TestReadDOCX(t *testing.T) {
	data := buildDOCX(t, []string{"Hello world", "", "Second paragraph"})
	elems, err := Elements(data, "docx")
	require.NoError(t, err)
	assert.Equal(t, []string{"Hello world", "Second paragraph"}, elems)
}

func TestReadXLSX(t *testing.T) {
	f := excelize.NewFile()
	defer f.Close()
	require.NoError(t, f.SetCellValue("Sheet1", "A1", "name"))
	require.NoError(t, f.SetCellValue("Sheet1", "B1", "age"))
	require.NoError(t, f.SetCellValue("Sheet1", "A2", "Ada"))
	require.NoError(t, f.SetCellValue("Sheet1", "B2", 36))
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)

	out, err := Parse(buf.Bytes(), "xlsx", Config{Range: []int{1, 1}})
	require.NoError(t, err)
	assert.Equal(t, "Ada,36", out.Text())
}

func buildDOCX(t *testing.T, paragraphs []string) []byte {
	t.Helper()
	var body bytes.Buffer
	body.WriteString(`<?xml version="1.0" encoding="UTF-8" standalone="yes"?>`)
	body.WriteString(`<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>`)
	for _, p := range paragraphs {
		body.WriteString(`<w:p><w:r><w:t>` + p + `</w:t></w:r></w:p>`)
	}
	body.WriteString(`</w:body></w:document>`)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("word/document.xml")
	require.NoError(t, err)
	_, err = w.Write(body.Bytes())
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}
