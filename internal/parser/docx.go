package parser

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

const docxBody = "word/document.xml"

// readDOCX yields one element per non-empty paragraph of word/document.xml.
func readDOCX(data []byte) ([]string, string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, "", fmt.Errorf("opening docx: %w: %v", ErrCorruptDocument, err)
	}
	f, err := zr.Open(docxBody)
	if err != nil {
		return nil, "", fmt.Errorf("docx has no %s: %w", docxBody, ErrCorruptDocument)
	}
	defer f.Close()

	paras, err := docxParagraphs(f)
	if err != nil {
		return nil, "", fmt.Errorf("reading %s: %w: %v", docxBody, ErrCorruptDocument, err)
	}
	return paras, "\n", nil
}

// docxParagraphs streams WordprocessingML and collects the text of each
// w:p. Tabs and breaks inside runs are kept.
func docxParagraphs(r io.Reader) ([]string, error) {
	dec := xml.NewDecoder(r)
	var paras []string
	var cur strings.Builder
	inPara, inText := false, false
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "p":
				inPara = true
				cur.Reset()
			case "t":
				inText = true
			case "tab":
				if inPara {
					cur.WriteByte('\t')
				}
			case "br", "cr":
				if inPara {
					cur.WriteByte('\n')
				}
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "p":
				if s := strings.TrimSpace(cur.String()); s != "" {
					paras = append(paras, s)
				}
				inPara = false
			case "t":
				inText = false
			}
		case xml.CharData:
			if inPara && inText {
				cur.Write(t)
			}
		}
	}
	return paras, nil
}
