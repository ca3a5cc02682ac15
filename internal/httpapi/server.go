package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/kernelmemory/km/pkg/mid"
)

// ServerOptions configures the HTTP listener and middleware chain.
type ServerOptions struct {
	Addr         string
	CORSOrigin   string
	AuthHeader   string
	AuthKeys     []string
	ServiceName  string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultServerOptions mirrors the teacher's cmd/api timeouts.
func DefaultServerOptions() ServerOptions {
	return ServerOptions{
		Addr:         ":8080",
		CORSOrigin:   "*",
		AuthHeader:   "Authorization",
		ServiceName:  "km",
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}

// NewHTTPServer wraps s's routes in the pkg/mid chain (RequestID,
// Recover, Logger, CORS, OTel) and returns a ready-to-run *http.Server,
// generalized from the teacher's cmd/api/main.go wiring onto opts.
func NewHTTPServer(s *Server, opts ServerOptions, logger *slog.Logger) *http.Server {
	if logger == nil {
		logger = slog.Default()
	}

	handler := mid.Chain(s.Routes(),
		mid.RequestID(),
		mid.Recover(logger),
		mid.Logger(logger),
		mid.CORS(opts.CORSOrigin),
		mid.OTel(opts.ServiceName),
		Auth(opts.AuthHeader, opts.AuthKeys),
	)

	return &http.Server{
		Addr:         opts.Addr,
		Handler:      handler,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
		IdleTimeout:  opts.IdleTimeout,
	}
}
