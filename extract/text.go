package extract

import (
	"fmt"
	"regexp"
	"strings"
)

// PlainTextExtractor treats the input as a single UTF-8 text section.
type PlainTextExtractor struct{}

func (PlainTextExtractor) Extract(data []byte) ([]Section, error) {
	text := strings.TrimSpace(string(data))
	if text == "" {
		return nil, fmt.Errorf("extract/text: empty document")
	}
	return []Section{{Text: text, Index: 0}}, nil
}

var (
	anyTagRE = regexp.MustCompile(`(?s)<[^>]+>`)
	wsRE     = regexp.MustCompile(`\s+`)
)

// HTMLExtractor strips tags and script/style content, producing one
// plain-text section. This is intentionally a light sanitizer, not a
// full HTML5 parser: Kernel Memory's extract step only needs the
// visible text, not DOM structure.
type HTMLExtractor struct{}

func (HTMLExtractor) Extract(data []byte) ([]Section, error) {
	html := string(data)
	html = stripTags(html, "script")
	html = stripTags(html, "style")
	text := anyTagRE.ReplaceAllString(html, " ")
	text = wsRE.ReplaceAllString(text, " ")
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("extract/html: no visible text found")
	}
	return []Section{{Text: text, Index: 0}}, nil
}

func stripTags(html, tag string) string {
	re := regexp.MustCompile(`(?is)<` + tag + `[^>]*>.*?</` + tag + `>`)
	return re.ReplaceAllString(html, "")
}
