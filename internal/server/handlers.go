package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/nickcecere/codechat/internal/chat"
	"github.com/nickcecere/codechat/internal/errs"
	"github.com/nickcecere/codechat/internal/fs"
	"github.com/nickcecere/codechat/internal/gitrepo"
	"github.com/nickcecere/codechat/internal/ingest"
	"github.com/nickcecere/codechat/internal/store"
)

// errBadRequest marks malformed requests.
var errBadRequest = errs.ErrInvalidRequest

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	SessionID string `json:"session_id,omitempty"`
}

type pathRequest struct {
	Path string `json:"path"`
}

// PreviewResponse lists the files an ingestion of a path would read.
type PreviewResponse struct {
	Path      string   `json:"path"`
	Files     []string `json:"files"`
	Truncated bool     `json:"truncated"`
}

// ChunkPreview is one chunk of a file as ingestion would store it.
type ChunkPreview struct {
	Index     int    `json:"index"`
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
	Symbol    string `json:"symbol,omitempty"`
	Kind      string `json:"kind"`
	Content   string `json:"content"`
}

// ChunksResponse shows how a single file is split.
type ChunksResponse struct {
	File     string         `json:"file"`
	Language string         `json:"language,omitempty"`
	Chunks   []ChunkPreview `json:"chunks"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug("Failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeErrorWithSession(w, err, "")
}

func writeErrorWithSession(w http.ResponseWriter, err error, sessionID string) {
	status := errs.HTTPStatus(err)
	kind := errs.Kind(err)
	if status >= http.StatusInternalServerError {
		log.Error("Request failed", "kind", kind, "error", err)
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Kind: kind, SessionID: sessionID})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", errBadRequest, err)
	}
	return nil
}

// requestPath reads the path from the query string or a JSON body.
func requestPath(r *http.Request) (string, error) {
	if p := strings.TrimSpace(r.URL.Query().Get("path")); p != "" {
		return p, nil
	}
	if r.Method == http.MethodPost && r.ContentLength != 0 {
		var req pathRequest
		if err := decodeJSON(r, &req); err != nil {
			return "", err
		}
		if p := strings.TrimSpace(req.Path); p != "" {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: path is required", errBadRequest)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": s.deps.Version})
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	path, err := requestPath(r)
	if err != nil {
		writeError(w, err)
		return
	}
	job, err := s.deps.Coordinator.Start(path)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job.Snapshot())
}

func (s *Server) handleIngestCancel(w http.ResponseWriter, r *http.Request) {
	path, err := requestPath(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Coordinator.Cancel(path); err != nil {
		writeError(w, err)
		return
	}
	job, err := s.deps.Coordinator.Job(path)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job.Snapshot())
}

func (s *Server) handleIngestStatus(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeJSON(w, http.StatusOK, s.deps.Coordinator.Active())
		return
	}
	job, err := s.deps.Coordinator.Job(path)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job.Snapshot())
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chat.Request
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, fmt.Errorf("%w: message is required", errBadRequest))
		return
	}

	resp, err := s.deps.Chat.Respond(r.Context(), req)
	if err != nil {
		sessionID := ""
		if resp != nil {
			sessionID = resp.SessionID
		}
		writeErrorWithSession(w, err, sessionID)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.deps.History.ListSessions(r.Context(), r.PathValue("userId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	messages, err := s.deps.History.ListMessages(r.Context(), r.PathValue("sessionId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, fmt.Errorf("%w: path is required", errBadRequest))
		return
	}
	writeJSON(w, http.StatusOK, fs.BuildTree(path, 0))
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, fmt.Errorf("%w: path is required", errBadRequest))
		return
	}
	if gitrepo.IsRemoteURL(path) {
		writeError(w, fmt.Errorf("%w: preview needs a local directory", errBadRequest))
		return
	}
	root, err := ingest.NormalizePath(path)
	if err != nil {
		writeError(w, err)
		return
	}
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		writeError(w, fmt.Errorf("%w: %s is not a directory", errs.ErrNotFound, root))
		return
	}

	limit := defaultPreview
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, fmt.Errorf("%w: invalid limit %q", errBadRequest, v))
			return
		}
		limit = n
	}

	opts := s.deps.Walk
	opts.Root = root
	// The preview lists files regardless of the ingestion caps.
	opts.MaxFileCount, opts.MaxTotalBytes = 0, 0
	walker, err := fs.NewFileWalker(opts)
	if err != nil {
		writeError(w, err)
		return
	}
	files, truncated, err := fs.Preview(walker, limit)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := PreviewResponse{Path: root, Files: make([]string, len(files)), Truncated: truncated}
	for i, f := range files {
		resp.Files[i] = f.RelPath
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleChunks splits one local file with the ingestion chunker and returns the chunks.
func (s *Server) handleChunks(w http.ResponseWriter, r *http.Request) {
	file := r.URL.Query().Get("file")
	if strings.TrimSpace(file) == "" {
		writeError(w, fmt.Errorf("%w: file is required", errBadRequest))
		return
	}
	path, err := ingest.NormalizePath(file)
	if err != nil {
		writeError(w, err)
		return
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		writeError(w, fmt.Errorf("%w: %s is not a file", errs.ErrNotFound, path))
		return
	}
	if limit := s.deps.Walk.MaxFileSize; limit > 0 && info.Size() > limit {
		writeError(w, fmt.Errorf("%w: %s is larger than %d bytes", errBadRequest, path, limit))
		return
	}

	content, err := os.ReadFile(path)
	if err != nil {
		writeError(w, fmt.Errorf("%w: read %s: %v", errs.ErrIO, path, err))
		return
	}
	if bytes.IndexByte(content, 0) >= 0 {
		writeError(w, fmt.Errorf("%w: %s is a binary file", errBadRequest, path))
		return
	}

	name := filepath.Base(path)
	chunks := s.deps.Chunker.Chunk(string(content), name)
	resp := ChunksResponse{File: path, Language: fs.DetectLanguage(name), Chunks: make([]ChunkPreview, len(chunks))}
	for i, c := range chunks {
		resp.Chunks[i] = ChunkPreview{
			Index:     c.ChunkIndex,
			StartLine: c.StartLine,
			EndLine:   c.EndLine,
			Symbol:    c.Symbol,
			Kind:      c.Kind,
			Content:   c.Content,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.deps.Index.ListProjects(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if projects == nil {
		projects = []store.Project{}
	}
	writeJSON(w, http.StatusOK, projects)
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, fmt.Errorf("%w: path is required", errBadRequest))
		return
	}
	key, err := ingest.NormalizePath(path)
	if err != nil {
		writeError(w, err)
		return
	}
	if job, err := s.deps.Coordinator.Job(key); err == nil && !job.Snapshot().State.Terminal() {
		writeError(w, fmt.Errorf("%w: %s is being ingested", errs.ErrAlreadyInProgress, key))
		return
	}

	// Deleting is idempotent: an unknown project is already gone.
	project, err := s.deps.Index.GetProjectByPath(r.Context(), key)
	if errors.Is(err, errs.ErrNotFound) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Index.Delete(r.Context(), project.ID); err != nil {
		writeError(w, err)
		return
	}
	log.Info("Deleted project", "path", key)
	w.WriteHeader(http.StatusNoContent)
}
