package httpapi

import "net/http"

// Routes builds the net/http.ServeMux for spec §6's HTTP surface,
// using Go 1.22+ method+path patterns exactly as the teacher's
// cmd/api/main.go registers its own routes.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", HandleHealth)
	mux.HandleFunc("POST /upload", s.HandleUpload)
	mux.HandleFunc("POST /ask", s.HandleAsk)
	mux.HandleFunc("POST /search", s.HandleSearch)
	mux.HandleFunc("GET /upload-status", s.HandleUploadStatus)
	mux.HandleFunc("DELETE /documents", s.HandleDeleteDocument)
	mux.HandleFunc("DELETE /indexes", s.HandleDeleteIndex)
	mux.HandleFunc("GET /indexes", s.HandleListIndexes)
	mux.HandleFunc("GET /metrics-snapshot", HandleMetricsSnapshot)
	mux.HandleFunc("GET /metrics", HandleMetrics)
	return mux
}
