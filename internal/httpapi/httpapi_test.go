package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kernelmemory/km/docstore"
	embeddingmock "github.com/kernelmemory/km/embedding/mock"
	genmock "github.com/kernelmemory/km/generator/mock"
	"github.com/kernelmemory/km/memory"
	"github.com/kernelmemory/km/partition"
	"github.com/kernelmemory/km/recordstore"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	ds, err := docstore.NewLocalDocStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalDocStore: %v", err)
	}
	splitter, err := partition.New(50, 5)
	if err != nil {
		t.Fatalf("partition.New: %v", err)
	}
	b := memory.NewBuilder().
		WithDocumentStore(ds).
		WithRecordStore(recordstore.NewMemoryStore()).
		WithEmbedder(embeddingmock.New(8)).
		WithGenerator(genmock.New()).
		WithSplitter(splitter)

	m, err := b.Build(context.Background())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(m.Close)
	return &Server{Memory: m}
}

func waitReady(t *testing.T, s *Server, index, docID string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		ready, err := s.Memory.IsReady(context.Background(), index, docID)
		if err != nil {
			t.Fatalf("IsReady: %v", err)
		}
		if ready {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for pipeline to become ready")
}

func TestHandleHealth(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", HandleHealth)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["status"] != "ok" {
		t.Fatalf("expected status ok, got %q", resp["status"])
	}
}

func uploadBody(t *testing.T, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("index", "idx"); err != nil {
		t.Fatalf("WriteField: %v", err)
	}
	part, err := w.CreateFormFile("file", "doc.txt")
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	if _, err := part.Write([]byte(content)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return &buf, w.FormDataContentType()
}

func TestUploadAskSearchDeleteFlow(t *testing.T) {
	s := newTestServer(t)
	mux := s.Routes()

	body, contentType := uploadBody(t, "In physics, E = m*c^2 relates mass and energy.")
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 from /upload, got %d: %s", w.Code, w.Body.String())
	}
	var uploadResp uploadResponse
	if err := json.NewDecoder(w.Body).Decode(&uploadResp); err != nil {
		t.Fatalf("decode upload response: %v", err)
	}
	if uploadResp.DocumentID == "" {
		t.Fatal("expected a documentId in the upload response")
	}

	waitReady(t, s, "idx", uploadResp.DocumentID)

	statusReq := httptest.NewRequest(http.MethodGet, "/upload-status?index=idx&documentId="+uploadResp.DocumentID, nil)
	statusW := httptest.NewRecorder()
	mux.ServeHTTP(statusW, statusReq)
	if statusW.Code != http.StatusOK {
		t.Fatalf("expected 200 from /upload-status, got %d", statusW.Code)
	}

	askBody, _ := json.Marshal(map[string]any{
		"question": "In physics, E = m*c^2 relates mass and energy.",
		"index":    "idx",
	})
	askReq := httptest.NewRequest(http.MethodPost, "/ask", bytes.NewReader(askBody))
	askW := httptest.NewRecorder()
	mux.ServeHTTP(askW, askReq)
	if askW.Code != http.StatusOK {
		t.Fatalf("expected 200 from /ask, got %d: %s", askW.Code, askW.Body.String())
	}
	var ask askResponse
	if err := json.NewDecoder(askW.Body).Decode(&ask); err != nil {
		t.Fatalf("decode ask response: %v", err)
	}
	if len(ask.RelevantSources) == 0 {
		t.Fatal("expected at least one relevant source")
	}

	searchBody, _ := json.Marshal(map[string]any{
		"query": "In physics, E = m*c^2 relates mass and energy.",
		"index": "idx",
	})
	searchReq := httptest.NewRequest(http.MethodPost, "/search", bytes.NewReader(searchBody))
	searchW := httptest.NewRecorder()
	mux.ServeHTTP(searchW, searchReq)
	if searchW.Code != http.StatusOK {
		t.Fatalf("expected 200 from /search, got %d", searchW.Code)
	}

	deleteReq := httptest.NewRequest(http.MethodDelete, "/documents?index=idx&documentId="+uploadResp.DocumentID, nil)
	deleteW := httptest.NewRecorder()
	mux.ServeHTTP(deleteW, deleteReq)
	if deleteW.Code != http.StatusAccepted {
		t.Fatalf("expected 202 from DELETE /documents, got %d", deleteW.Code)
	}
}

func TestHandleAsk_RejectsEmptyQuestion(t *testing.T) {
	s := newTestServer(t)
	mux := s.Routes()

	req := httptest.NewRequest(http.MethodPost, "/ask", bytes.NewReader([]byte(`{"question":""}`)))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestHandleAsk_RejectsInvalidJSON(t *testing.T) {
	s := newTestServer(t)
	mux := s.Routes()

	req := httptest.NewRequest(http.MethodPost, "/ask", bytes.NewReader([]byte(`{invalid`)))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestHandleMetricsSnapshot(t *testing.T) {
	s := newTestServer(t)
	mux := s.Routes()

	req := httptest.NewRequest(http.MethodGet, "/metrics-snapshot", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var snap MetricsSnapshot
	if err := json.NewDecoder(w.Body).Decode(&snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.Orchestrator == nil || snap.Queue == nil {
		t.Fatal("expected orchestrator and queue registries to be present, even if empty")
	}
}

func TestHandleMetrics_ServesPrometheusText(t *testing.T) {
	s := newTestServer(t)
	mux := s.Routes()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.Contains(ct, "text/plain") {
		t.Fatalf("unexpected content type: %s", ct)
	}
	if !strings.Contains(w.Body.String(), "# TYPE") {
		t.Fatalf("expected Prometheus exposition format, got:\n%s", w.Body.String())
	}
}

func TestAuth_RejectsMissingKey(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	protected := Auth("Authorization", []string{"secret-key"})(next)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	protected.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/health", nil)
	req2.Header.Set("Authorization", "secret-key")
	w2 := httptest.NewRecorder()
	protected.ServeHTTP(w2, req2)
	if w2.Code != http.StatusOK {
		t.Fatalf("expected 200 with valid key, got %d", w2.Code)
	}
}

func TestAuth_DisabledWhenNoKeysConfigured(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	unprotected := Auth("Authorization", nil)(next)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	unprotected.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 when auth is disabled, got %d", w.Code)
	}
}
