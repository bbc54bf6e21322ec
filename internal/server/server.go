// Package server exposes ingestion, retrieval and chat over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/charmbracelet/log"

	"github.com/nickcecere/codechat/internal/chat"
	"github.com/nickcecere/codechat/internal/config"
	"github.com/nickcecere/codechat/internal/fs"
	"github.com/nickcecere/codechat/internal/ingest"
	"github.com/nickcecere/codechat/internal/store"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	maxBodyBytes      = 1 << 20
	defaultPreview    = 200
)

// Deps are the services behind the API.
type Deps struct {
	Index       store.Index
	History     store.History
	Coordinator *ingest.Coordinator
	Chat        *chat.Orchestrator

	// Walk configures /scan/preview; Root is set per request.
	Walk fs.WalkOptions
	// Chunker backs /scan/chunks. Nil uses the default chunk options.
	Chunker *fs.SourceChunker
	Version string
}

// Server is the HTTP API.
type Server struct {
	cfg  config.ServerConfig
	deps Deps
	mux  *http.ServeMux
}

// New creates a Server and registers its routes.
func New(cfg config.ServerConfig, deps Deps) *Server {
	if deps.Chunker == nil {
		deps.Chunker = fs.NewSourceChunker(fs.DefaultChunkOptions())
	}
	s := &Server{
		cfg:  cfg,
		deps: deps,
		mux:  http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.mux.HandleFunc("POST /ingest", s.handleIngest)
	s.mux.HandleFunc("GET /ingest/stream", s.handleIngestStream)
	s.mux.HandleFunc("POST /ingest/stream", s.handleIngestStream)
	s.mux.HandleFunc("POST /ingest/cancel", s.handleIngestCancel)
	s.mux.HandleFunc("GET /ingest/status", s.handleIngestStatus)

	s.mux.HandleFunc("POST /chat", s.handleChat)
	s.mux.HandleFunc("POST /chat/stream", s.handleChatStream)
	s.mux.HandleFunc("GET /history/{userId}", s.handleSessions)
	s.mux.HandleFunc("GET /history/messages/{sessionId}", s.handleMessages)

	s.mux.HandleFunc("GET /files", s.handleFiles)
	s.mux.HandleFunc("GET /scan/preview", s.handlePreview)
	s.mux.HandleFunc("GET /scan/chunks", s.handleChunks)
	s.mux.HandleFunc("GET /projects", s.handleProjects)
	s.mux.HandleFunc("DELETE /projects", s.handleDeleteProject)
}

// Handler returns the routes wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	return recoverer(logRequests(cors(s.cfg.CORSOrigins, s.mux)))
}

// ListenAndServe serves until ctx is canceled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr(), err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is canceled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("Server listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
