package parser

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var blankLines = regexp.MustCompile(`\n[ \t]*\n+`)

// readText splits plain text and markdown into paragraphs.
func readText(data []byte) ([]string, string, error) {
	if !utf8.Valid(data) {
		return nil, "", fmt.Errorf("text is not valid UTF-8: %w", ErrCorruptDocument)
	}
	s := strings.ReplaceAll(string(data), "\r\n", "\n")
	var elems []string
	for _, p := range blankLines.Split(s, -1) {
		if strings.TrimSpace(p) != "" {
			elems = append(elems, strings.Trim(p, "\n"))
		}
	}
	return elems, "\n\n", nil
}

// readCSV yields one element per record, re-encoded as a CSV line.
func readCSV(data []byte) ([]string, string, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	var elems []string
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, "", fmt.Errorf("reading csv: %w: %v", ErrCorruptDocument, err)
		}
		var line bytes.Buffer
		w := csv.NewWriter(&line)
		if err := w.Write(rec); err != nil {
			return nil, "", fmt.Errorf("encoding csv row: %w", err)
		}
		w.Flush()
		elems = append(elems, strings.TrimRight(line.String(), "\r\n"))
	}
	return elems, "\n", nil
}

var htmlBlocks = map[atom.Atom]bool{
	atom.P: true, atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Li: true, atom.Pre: true, atom.Blockquote: true, atom.Tr: true, atom.Dt: true, atom.Dd: true,
	atom.Div: true, atom.Section: true, atom.Article: true, atom.Table: true, atom.Ul: true, atom.Ol: true,
	atom.Figcaption: true, atom.Caption: true,
}

var htmlIgnored = map[atom.Atom]bool{
	atom.Script: true, atom.Style: true, atom.Head: true, atom.Noscript: true, atom.Template: true,
}

// readHTML yields one element per innermost block element.
func readHTML(data []byte) ([]string, string, error) {
	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("parsing html: %w: %v", ErrCorruptDocument, err)
	}
	var elems []string
	emit := func(s string) {
		if s = collapseSpace(s); s != "" {
			elems = append(elems, s)
		}
	}

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.ElementNode:
			if htmlIgnored[n.DataAtom] {
				return
			}
			if htmlBlocks[n.DataAtom] && !hasBlockChild(n) {
				emit(nodeText(n))
				return
			}
		case html.TextNode:
			emit(n.Data)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return elems, "\n", nil
}

func hasBlockChild(n *html.Node) bool {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && (htmlBlocks[c.DataAtom] || hasBlockChild(c)) {
			return true
		}
	}
	return false
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && htmlIgnored[n.DataAtom] {
			return
		}
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		if n.Type == html.ElementNode && (n.DataAtom == atom.Td || n.DataAtom == atom.Th) && b.Len() > 0 {
			b.WriteString(" ")
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
