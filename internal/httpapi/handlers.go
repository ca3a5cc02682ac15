// Package httpapi implements Kernel Memory's external HTTP surface
// (spec §6): /upload, /ask, /search, /upload-status, /documents,
// /indexes, wrapped in the teacher's pkg/mid middleware chain.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/kernelmemory/km/filter"
	"github.com/kernelmemory/km/memory"
	"github.com/kernelmemory/km/orchestrator"
	"github.com/kernelmemory/km/retrieval"
	"github.com/kernelmemory/km/schema"
)

// Server holds the collaborators every handler needs.
type Server struct {
	Memory *memory.Memory
	Logger *slog.Logger
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// conjunctionFilter builds a filter.Filter from one {key: [values]}
// conjunction, ANDing each required (key, value) pair (filter.Filter
// exposes no direct constructor from a map, only ByTag chaining).
func conjunctionFilter(c map[string][]string) filter.Filter {
	f := filter.New()
	for key, values := range c {
		for _, v := range values {
			f = f.ByTag(key, v)
		}
	}
	return f
}

// buildFilter combines a single conjunction ("filter") and a list of
// conjunctions ("filters", OR'd together) into one filter.Filter, per
// spec §6's `{filter?, filters?}` request shape.
func buildFilter(single map[string][]string, list []map[string][]string) filter.Filter {
	var clauses []filter.Filter
	if len(single) > 0 {
		clauses = append(clauses, conjunctionFilter(single))
	}
	for _, c := range list {
		clauses = append(clauses, conjunctionFilter(c))
	}
	if len(clauses) == 0 {
		return filter.New()
	}
	if len(clauses) == 1 {
		return clauses[0]
	}
	return filter.Or(clauses...)
}

// --- POST /upload ---

type uploadResponse struct {
	Index      string `json:"index"`
	DocumentID string `json:"documentId"`
	Message    string `json:"message"`
}

// HandleUpload implements POST /upload: multipart files, index,
// documentId, repeated tags (`key:value`), optional repeated steps.
func (s *Server) HandleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	index := r.FormValue("index")
	documentID := r.FormValue("documentId")

	tagCollection := schema.NewTagCollection()
	for _, kv := range r.Form["tags"] {
		key, value, ok := strings.Cut(kv, ":")
		if !ok {
			continue
		}
		tagCollection.Add(key, value)
	}

	var steps []string
	if vs := r.Form["steps"]; len(vs) > 0 {
		steps = vs
	}

	var files []orchestrator.NamedFile
	if r.MultipartForm != nil {
		for _, headers := range r.MultipartForm.File {
			for _, fh := range headers {
				f, err := fh.Open()
				if err != nil {
					writeError(w, http.StatusBadRequest, "could not read uploaded file")
					return
				}
				defer f.Close()
				files = append(files, orchestrator.NamedFile{Name: fh.Filename, Data: f})
			}
		}
	}
	if len(files) == 0 {
		writeError(w, http.StatusBadRequest, "at least one file is required")
		return
	}

	docID, err := s.Memory.Admit(r.Context(), index, orchestrator.UploadRequest{
		DocumentID: documentID,
		Files:      files,
		Tags:       tagCollection,
		Steps:      steps,
	})
	if err != nil {
		s.logger().Error("upload failed", "err", err)
		writeError(w, http.StatusInternalServerError, "upload failed")
		return
	}

	writeJSON(w, http.StatusOK, uploadResponse{Index: index, DocumentID: docID, Message: "upload accepted"})
}

// --- POST /ask ---

type askRequest struct {
	Question string                 `json:"question"`
	Index    string                 `json:"index"`
	Filter   map[string][]string    `json:"filter"`
	Filters  []map[string][]string  `json:"filters"`
}

type askResponse struct {
	Question        string              `json:"question"`
	Text            string              `json:"text"`
	RelevantSources []retrieval.Source  `json:"relevantSources"`
}

// HandleAsk implements POST /ask.
func (s *Server) HandleAsk(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Question == "" {
		writeError(w, http.StatusBadRequest, "question is required")
		return
	}

	f := buildFilter(req.Filter, req.Filters)
	answer, err := s.Memory.Ask(r.Context(), req.Index, req.Question, f)
	if err != nil {
		s.logger().Error("ask failed", "err", err)
		writeError(w, http.StatusInternalServerError, "ask failed")
		return
	}

	writeJSON(w, http.StatusOK, askResponse{
		Question:        req.Question,
		Text:            answer.Text,
		RelevantSources: answer.Sources,
	})
}

// --- POST /search ---

type searchRequest struct {
	Query   string                 `json:"query"`
	Index   string                 `json:"index"`
	Filter  map[string][]string    `json:"filter"`
	Filters []map[string][]string  `json:"filters"`
	Limit   int                    `json:"limit"`
}

type searchResponse struct {
	Query   string             `json:"query"`
	Results []retrieval.Source `json:"results"`
}

// HandleSearch implements POST /search.
func (s *Server) HandleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	f := buildFilter(req.Filter, req.Filters)
	results, err := s.Memory.Search(r.Context(), req.Index, req.Query, f, req.Limit)
	if err != nil {
		s.logger().Error("search failed", "err", err)
		writeError(w, http.StatusInternalServerError, "search failed")
		return
	}

	writeJSON(w, http.StatusOK, searchResponse{Query: req.Query, Results: results})
}

// --- GET /upload-status ---

// HandleUploadStatus implements GET /upload-status?index=&documentId=.
func (s *Server) HandleUploadStatus(w http.ResponseWriter, r *http.Request) {
	index := r.URL.Query().Get("index")
	documentID := r.URL.Query().Get("documentId")
	if documentID == "" {
		writeError(w, http.StatusBadRequest, "documentId is required")
		return
	}

	state, err := s.Memory.Status(r.Context(), index, documentID)
	if err != nil {
		writeError(w, http.StatusNotFound, "document not found")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// --- DELETE /documents ---

// HandleDeleteDocument implements DELETE /documents?index=&documentId=.
func (s *Server) HandleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	index := r.URL.Query().Get("index")
	documentID := r.URL.Query().Get("documentId")
	if documentID == "" {
		writeError(w, http.StatusBadRequest, "documentId is required")
		return
	}
	if err := s.Memory.DeleteDocument(r.Context(), index, documentID); err != nil {
		s.logger().Error("delete document failed", "err", err)
		writeError(w, http.StatusInternalServerError, "delete failed")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// --- DELETE /indexes ---

// HandleDeleteIndex implements DELETE /indexes?index=.
func (s *Server) HandleDeleteIndex(w http.ResponseWriter, r *http.Request) {
	index := r.URL.Query().Get("index")
	if index == "" {
		writeError(w, http.StatusBadRequest, "index is required")
		return
	}
	if err := s.Memory.DeleteIndex(r.Context(), index); err != nil {
		s.logger().Error("delete index failed", "err", err)
		writeError(w, http.StatusInternalServerError, "delete failed")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// --- GET /indexes ---

type indexEntry struct {
	Name string `json:"name"`
}

// HandleListIndexes implements GET /indexes.
func (s *Server) HandleListIndexes(w http.ResponseWriter, r *http.Request) {
	names, err := s.Memory.ListIndexes(r.Context())
	if err != nil {
		s.logger().Error("list indexes failed", "err", err)
		writeError(w, http.StatusInternalServerError, "list indexes failed")
		return
	}
	entries := make([]indexEntry, len(names))
	for i, n := range names {
		entries[i] = indexEntry{Name: n}
	}
	writeJSON(w, http.StatusOK, entries)
}

// HandleHealth implements GET /health.
func HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

