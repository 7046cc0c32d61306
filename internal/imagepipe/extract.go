package imagepipe

import (
	"archive/zip"
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"io"
	"sort"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/kalambet/docvec/internal/fault"
)

var (
	ErrUnsupported = fault.Permanent(fault.KindValidation, fault.ReasonNone, "image extraction not supported for format")
	ErrCorrupt     = fault.Permanent(fault.KindParse, fault.ReasonNone, "cannot read images from document")
)

// Extracted is one image found in a document. Page is 1-based for PDFs and
// 0 when the format has no pages or the page is unknown. Index counts images
// within the page (or document) from 1.
type Extracted struct {
	Data   []byte
	Format string
	Width  int
	Height int
	Page   int
	Index  int
}

// Supported reports whether images can be extracted from documents of ext.
func Supported(ext string) bool {
	return ext == "pdf" || ext == "docx"
}

// Extract pulls every image out of a document.
func Extract(data []byte, ext string) ([]Extracted, error) {
	switch ext {
	case "pdf":
		return extractPDF(data)
	case "docx":
		return extractDOCX(data)
	default:
		return nil, fmt.Errorf("%s: %w", ext, ErrUnsupported)
	}
}

// extractDOCX returns the files under word/media in archive order.
func extractDOCX(data []byte) ([]Extracted, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("opening docx: %w: %v", ErrCorrupt, err)
	}
	var out []Extracted
	for _, f := range zr.File {
		if !strings.HasPrefix(f.Name, "word/media/") || f.FileInfo().IsDir() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w: %v", f.Name, ErrCorrupt, err)
		}
		b, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w: %v", f.Name, ErrCorrupt, err)
		}
		img, ok := sniff(b)
		if !ok {
			// EMF, WMF and other vector formats.
			continue
		}
		img.Index = len(out) + 1
		out = append(out, img)
	}
	return out, nil
}

// sniff decodes the header of an encoded image.
func sniff(b []byte) (Extracted, bool) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(b))
	if err != nil {
		return Extracted{}, false
	}
	return Extracted{Data: b, Format: format, Width: cfg.Width, Height: cfg.Height}, true
}

// pdfImage is an image XObject seen while walking the pages.
type pdfImage struct {
	page, index   int
	width, height int
	matched       bool
}

// extractPDF walks the image XObjects of every page. Flate-compressed 8-bit
// Gray and RGB rasters are decoded and re-encoded as PNG. JPEG streams are
// copied from the file as stored, since they are already self-contained
// images; each is attributed to the first unmatched XObject of the same
// size.
func extractPDF(data []byte) (out []Extracted, err error) {
	defer func() {
		// The pdf package panics on malformed objects.
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("%w: %v", ErrCorrupt, r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("opening pdf: %w: %v", ErrCorrupt, err)
	}

	var jpegs []*pdfImage
	for n := 1; n <= r.NumPage(); n++ {
		p := r.Page(n)
		if p.V.IsNull() {
			continue
		}
		xobjs := p.Resources().Key("XObject")
		keys := xobjs.Keys()
		sort.Strings(keys)
		index := 0
		for _, k := range keys {
			x := xobjs.Key(k)
			if x.Key("Subtype").Name() != "Image" {
				continue
			}
			index++
			img := &pdfImage{page: n, index: index, width: int(x.Key("Width").Int64()), height: int(x.Key("Height").Int64())}
			switch filterOf(x) {
			case "DCTDecode":
				jpegs = append(jpegs, img)
			case "FlateDecode", "":
				if e, ok := decodeRaster(x, img); ok {
					out = append(out, e)
				}
			}
		}
	}

	for _, b := range jpegStreams(data) {
		e, ok := sniff(b)
		if !ok {
			continue
		}
		for _, j := range jpegs {
			if !j.matched && j.width == e.Width && j.height == e.Height {
				j.matched = true
				e.Page, e.Index = j.page, j.index
				break
			}
		}
		if e.Index == 0 {
			continue
		}
		out = append(out, e)
	}

	sort.SliceStable(out, func(a, b int) bool {
		if out[a].Page != out[b].Page {
			return out[a].Page < out[b].Page
		}
		return out[a].Index < out[b].Index
	})
	return out, nil
}

// filterOf returns the single filter of a stream, or "multi" for chains.
func filterOf(v pdf.Value) string {
	f := v.Key("Filter")
	switch f.Kind() {
	case pdf.Name:
		return f.Name()
	case pdf.Array:
		if f.Len() == 1 {
			return f.Index(0).Name()
		}
		return "multi"
	default:
		return ""
	}
}

// decodeRaster turns an 8-bit Gray or RGB pixel stream into a PNG.
func decodeRaster(x pdf.Value, meta *pdfImage) (e Extracted, ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	if x.Key("BitsPerComponent").Int64() != 8 || meta.width <= 0 || meta.height <= 0 {
		return Extracted{}, false
	}
	var comps int
	switch x.Key("ColorSpace").Name() {
	case "DeviceGray":
		comps = 1
	case "DeviceRGB":
		comps = 3
	default:
		return Extracted{}, false
	}

	rc := x.Reader()
	defer rc.Close()
	pix, err := io.ReadAll(rc)
	if err != nil || len(pix) < meta.width*meta.height*comps {
		return Extracted{}, false
	}

	rect := image.Rect(0, 0, meta.width, meta.height)
	var img image.Image
	if comps == 1 {
		g := image.NewGray(rect)
		copy(g.Pix, pix)
		img = g
	} else {
		rgba := image.NewRGBA(rect)
		for i := 0; i < meta.width*meta.height; i++ {
			rgba.Pix[i*4], rgba.Pix[i*4+1], rgba.Pix[i*4+2], rgba.Pix[i*4+3] = pix[i*3], pix[i*3+1], pix[i*3+2], 0xff
		}
		img = rgba
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return Extracted{}, false
	}
	return Extracted{
		Data:   buf.Bytes(),
		Format: "png",
		Width:  meta.width,
		Height: meta.height,
		Page:   meta.page,
		Index:  meta.index,
	}, true
}

var (
	streamKeyword    = []byte("stream")
	endstreamKeyword = []byte("endstream")
	jpegSOI          = []byte{0xff, 0xd8, 0xff}
)

// jpegStreams returns the bodies of all streams in the file that start with
// a JPEG marker.
func jpegStreams(data []byte) [][]byte {
	var out [][]byte
	for off := 0; ; {
		i := bytes.Index(data[off:], streamKeyword)
		if i < 0 {
			return out
		}
		start := off + i
		off = start + len(streamKeyword)
		if start >= 3 && string(data[start-3:start]) == "end" {
			continue
		}
		body := trimEOL(data[off:])
		if !bytes.HasPrefix(body, jpegSOI) {
			continue
		}
		end := bytes.Index(body, endstreamKeyword)
		if end < 0 {
			return out
		}
		out = append(out, bytes.TrimRight(body[:end], "\r\n"))
		off = len(data) - len(body) + end + len(endstreamKeyword)
	}
}

func trimEOL(b []byte) []byte {
	switch {
	case bytes.HasPrefix(b, []byte("\r\n")):
		return b[2:]
	case bytes.HasPrefix(b, []byte("\n")), bytes.HasPrefix(b, []byte("\r")):
		return b[1:]
	}
	return b
}
