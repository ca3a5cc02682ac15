package extract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// PDFExtractor extracts one Section per page with non-empty text,
// grounded on the page-by-page GetPlainText walk used for PDF ingestion
// elsewhere in the pack.
type PDFExtractor struct{}

func (PDFExtractor) Extract(data []byte) ([]Section, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("extract/pdf: open: %w", err)
	}

	var sections []Section
	for pageNum := 1; pageNum <= r.NumPage(); pageNum++ {
		page := r.Page(pageNum)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue // best-effort: skip unreadable pages rather than fail the whole document
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		sections = append(sections, Section{Text: text, Index: len(sections)})
	}
	if len(sections) == 0 {
		return nil, fmt.Errorf("extract/pdf: no text content found")
	}
	return sections, nil
}
