package parser

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

// readXLSX yields one element per non-empty row across all sheets, cells
// joined by commas.
func readXLSX(data []byte) ([]string, string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("opening workbook: %w: %v", ErrCorruptDocument, err)
	}
	defer f.Close()

	var elems []string
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return nil, "", fmt.Errorf("reading sheet %q: %w: %v", sheet, ErrCorruptDocument, err)
		}
		for _, row := range rows {
			line := strings.TrimRight(strings.Join(row, ","), ",")
			if strings.TrimSpace(line) != "" {
				elems = append(elems, line)
			}
		}
	}
	return elems, "\n", nil
}
