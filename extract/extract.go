// Package extract turns raw uploaded bytes into plain text (spec
// §4.2's extract step), sniffing the MIME type and dispatching to the
// matching extractor.
package extract

import (
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/kernelmemory/km/internal/kmerr"
)

// Section is one unit of extracted text with its position, letting the
// partition step assign __sect_n back-reference tags per spec §4.1.
type Section struct {
	Text  string
	Index int
}

// Extractor turns file bytes into one or more text sections.
type Extractor interface {
	Extract(data []byte) ([]Section, error)
}

// DetectMime sniffs the content type of data (spec §4.2: extraction is
// dispatched by sniffed MIME, not by file extension, since uploads
// aren't trusted to self-report correctly).
func DetectMime(data []byte) string {
	return mimetype.Detect(data).String()
}

// For looks up the Extractor registered for mime, returning
// kmerr.ErrUnsupportedMime wrapped with the offending type if none matches.
// Parameters such as "; charset=utf-8" are ignored when matching.
func For(mime string) (Extractor, error) {
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	switch {
	case mime == "application/pdf":
		return PDFExtractor{}, nil
	case mime == "text/html" || mime == "application/xhtml+xml":
		return HTMLExtractor{}, nil
	case isTextLike(mime):
		return PlainTextExtractor{}, nil
	default:
		return nil, fmt.Errorf("extract: mime %q: %w", mime, kmerr.ErrUnsupportedMime)
	}
}

func isTextLike(mime string) bool {
	return len(mime) >= 5 && mime[:5] == "text/"
}
