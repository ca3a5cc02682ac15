package extract

import "testing"

func TestDetectMime_PlainText(t *testing.T) {
	mime := DetectMime([]byte("hello world, this is plain text"))
	if mime != "text/plain; charset=utf-8" {
		t.Fatalf("unexpected detected mime: %s", mime)
	}
}

func TestFor_UnsupportedMimeReturnsError(t *testing.T) {
	if _, err := For("application/x-made-up"); err == nil {
		t.Fatal("expected error for unsupported mime")
	}
}

func TestFor_DispatchesByMime(t *testing.T) {
	cases := map[string]Extractor{
		"application/pdf": PDFExtractor{},
		"text/html":        HTMLExtractor{},
		"text/plain":       PlainTextExtractor{},
	}
	for mime, want := range cases {
		got, err := For(mime)
		if err != nil {
			t.Fatalf("For(%s): %v", mime, err)
		}
		if got != want {
			t.Fatalf("For(%s) = %T, want %T", mime, got, want)
		}
	}
}

func TestPlainTextExtractor_RejectsEmpty(t *testing.T) {
	if _, err := (PlainTextExtractor{}).Extract([]byte("   ")); err == nil {
		t.Fatal("expected error for blank document")
	}
}

func TestHTMLExtractor_StripsTagsAndScripts(t *testing.T) {
	html := `<html><head><style>.a{color:red}</style></head>
	<body><script>alert(1)</script><h1>Title</h1><p>Hello <b>world</b></p></body></html>`
	sections, err := (HTMLExtractor{}).Extract([]byte(html))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(sections) != 1 {
		t.Fatalf("expected 1 section, got %d", len(sections))
	}
	text := sections[0].Text
	if contains(text, "alert") || contains(text, "color:red") {
		t.Fatalf("expected script/style content stripped, got %q", text)
	}
	if !contains(text, "Title") || !contains(text, "Hello") || !contains(text, "world") {
		t.Fatalf("expected visible text preserved, got %q", text)
	}
}

func contains(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}
