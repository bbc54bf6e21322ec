package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/nickcecere/codechat/internal/chat"
	"github.com/nickcecere/codechat/internal/errs"
)

// eventStream writes server-sent events. The response headers go out with the first event.
type eventStream struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	started bool
	err     error
}

func newEventStream(w http.ResponseWriter) *eventStream {
	return &eventStream{w: w, rc: http.NewResponseController(w)}
}

func (s *eventStream) start() {
	if s.started {
		return
	}
	s.started = true
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	s.err = s.rc.Flush()
}

// send writes v as the data of one event called name and flushes it.
// After a failed write every later send fails too.
func (s *eventStream) send(name string, v any) error {
	s.start()
	if s.err != nil {
		return s.err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		s.err = err
		return err
	}
	s.err = s.rc.Flush()
	return s.err
}

// handleIngestStream starts ingesting a path, or joins the job already running for it,
// and streams its progress events until the terminal one.
// Disconnecting does not cancel the job.
func (s *Server) handleIngestStream(w http.ResponseWriter, r *http.Request) {
	path, err := requestPath(r)
	if err != nil {
		writeError(w, err)
		return
	}

	coord := s.deps.Coordinator
	job, err := coord.Start(path)
	if errors.Is(err, errs.ErrAlreadyInProgress) {
		job, err = coord.Job(path)
		log.Debug("Joining running ingestion", "path", path)
	}
	if err != nil {
		writeError(w, err)
		return
	}

	events, unsubscribe := job.Subscribe()
	defer unsubscribe()

	stream := newEventStream(w)
	stream.start()

	for {
		select {
		case <-r.Context().Done():
			log.Debug("Progress observer disconnected", "path", job.Path(), "job", job.ID())
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := stream.send(string(e.Status), e); err != nil {
				log.Debug("Failed to write progress event", "error", err)
				return
			}
			if e.Terminal() {
				return
			}
		}
	}
}

// ChatDelta is one piece of a streamed answer.
type ChatDelta struct {
	Content string `json:"content"`
}

// handleChatStream answers like /chat, sending the answer as "delta" events while it is
// generated and finishing with a "done" event that holds the whole response.
// A failure before the first event is a plain JSON error; later it is an "error" event.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req chat.Request
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, fmt.Errorf("%w: message is required", errBadRequest))
		return
	}

	stream := newEventStream(w)
	resp, err := s.deps.Chat.RespondStream(r.Context(), req, func(delta string) {
		if err := stream.send("delta", ChatDelta{Content: delta}); err != nil {
			log.Debug("Failed to write answer delta", "error", err)
		}
	})
	if err != nil {
		sessionID := ""
		if resp != nil {
			sessionID = resp.SessionID
		}
		if !stream.started {
			writeErrorWithSession(w, err, sessionID)
			return
		}
		log.Error("Streamed answer failed", "session", sessionID, "error", err)
		_ = stream.send("error", ErrorResponse{Error: err.Error(), Kind: errs.Kind(err), SessionID: sessionID})
		return
	}
	if err := stream.send("done", resp); err != nil {
		log.Debug("Failed to write answer", "error", err)
	}
}
