package parser

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/ledongthuc/pdf"
)

// readPDF yields one element per page. Lines holding only the page number
// are dropped.
func readPDF(data []byte) ([]string, string, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, "", fmt.Errorf("opening pdf: %w: %v", ErrCorruptDocument, err)
	}

	n := r.NumPage()
	elems := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			elems = append(elems, "")
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			return nil, "", fmt.Errorf("reading page %d: %w: %v", i, ErrCorruptDocument, err)
		}
		elems = append(elems, cleanPage(text, i))
	}
	return elems, "\n", nil
}

func cleanPage(text string, page int) string {
	num := strconv.Itoa(page)
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line == num {
			continue
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}
