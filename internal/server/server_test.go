package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nickcecere/codechat/internal/chat"
	"github.com/nickcecere/codechat/internal/config"
	"github.com/nickcecere/codechat/internal/embeddings"
	"github.com/nickcecere/codechat/internal/fs"
	"github.com/nickcecere/codechat/internal/ingest"
	"github.com/nickcecere/codechat/internal/llm"
	"github.com/nickcecere/codechat/internal/search"
	"github.com/nickcecere/codechat/internal/store"
)

const testDims = 256

var toyRepo = map[string]string{
	"config.go": "package app\n\n// ReadConfig reads the config file from disk.\nfunc ReadConfig(path string) (string, error) {\n\treturn path, nil\n}\n",
	"server.go": "package app\n\n// Serve starts the HTTP listener.\nfunc Serve(addr string) error {\n\treturn nil\n}\n",
	"notes.txt": "Deployment notes for the staging cluster.\n",
}

type testEnv struct {
	ts    *httptest.Server
	store *store.SQLiteStore
	coord *ingest.Coordinator
	emb   *embeddings.FakeEmbedder
	model *llm.FakeService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	emb := embeddings.NewFakeEmbedder(testDims)

	iopts := ingest.DefaultOptions()
	iopts.GitHistory = false
	iopts.Workers = 2
	coord := ingest.New(st, emb, fs.NewSourceChunker(fs.DefaultChunkOptions()), nil, iopts)
	t.Cleanup(func() { _ = coord.Shutdown(context.Background()) })

	ropts := search.DefaultOptions()
	ropts.ContextLines = 0
	retriever := search.New(st, emb, ropts)

	model := llm.NewFakeService("`ReadConfig` in config.go reads the file.")
	orch := chat.New(st, st, retriever, model, chat.DefaultOptions())

	srv := New(config.ServerConfig{CORSOrigins: []string{"http://localhost:3000"}}, Deps{
		Index:       st,
		History:     st,
		Coordinator: coord,
		Chat:        orch,
		Walk:        iopts.Walk,
		Version:     "test",
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{ts: ts, store: st, coord: coord, emb: emb, model: model}
}

func writeRepo(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		path := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
	return root
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, rd)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := e.ts.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

// ingest runs a job to completion through the coordinator.
func (e *testEnv) ingest(t *testing.T, root string) {
	t.Helper()
	job, err := e.coord.Start(root)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, job.Wait(ctx))
}

// readEvents parses a server-sent event stream until it ends.
func readEvents(t *testing.T, r io.Reader) []ingest.Event {
	t.Helper()
	var events []ingest.Event
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var e ingest.Event
		require.NoError(t, json.Unmarshal([]byte(data), &e))
		events = append(events, e)
	}
	require.NoError(t, scanner.Err())
	return events
}

type sseEvent struct {
	Name string
	Data string
}

// readNamedEvents parses a server-sent event stream into name and data pairs.
func readNamedEvents(t *testing.T, r io.Reader) []sseEvent {
	t.Helper()
	var events []sseEvent
	var current sseEvent
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			current.Name = name
		} else if data, ok := strings.CutPrefix(line, "data: "); ok {
			current.Data = data
		} else if line == "" && current.Name != "" {
			events = append(events, current)
			current = sseEvent{}
		}
	}
	require.NoError(t, scanner.Err())
	return events
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]string](t, resp)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
}

func TestIngestStream(t *testing.T) {
	env := newTestEnv(t)
	root := writeRepo(t, toyRepo)

	resp := env.do(t, http.MethodPost, "/ingest/stream", map[string]string{"path": root})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := readEvents(t, resp.Body)
	require.NotEmpty(t, events)

	last := events[len(events)-1]
	assert.Equal(t, ingest.StatusComplete, last.Status)
	assert.Equal(t, 100, last.Progress)
	for i := 1; i < len(events); i++ {
		assert.GreaterOrEqual(t, events[i].Progress, events[i-1].Progress)
	}
	for _, e := range events {
		if e.Status == ingest.StatusProcessingFile {
			assert.Equal(t, 3, e.Total)
			assert.Positive(t, e.Processed)
		}
	}

	project, err := env.store.GetProjectByPath(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, store.StatusReady, project.Status)
}

func TestIngestStreamJoinsRunningJob(t *testing.T) {
	env := newTestEnv(t)
	root := writeRepo(t, toyRepo)

	release := env.emb.Hold()
	first := env.do(t, http.MethodPost, "/ingest", map[string]string{"path": root})
	require.Equal(t, http.StatusAccepted, first.StatusCode)
	snap := decode[ingest.Snapshot](t, first)
	assert.Equal(t, root, snap.Path)

	second := env.do(t, http.MethodPost, "/ingest", map[string]string{"path": root})
	assert.Equal(t, http.StatusConflict, second.StatusCode)
	assert.Equal(t, "AlreadyInProgress", decode[ErrorResponse](t, second).Kind)

	stream := env.do(t, http.MethodGet, "/ingest/stream?path="+url.QueryEscape(root), nil)
	require.Equal(t, http.StatusOK, stream.StatusCode)
	release()

	events := readEvents(t, stream.Body)
	require.NotEmpty(t, events)
	assert.Equal(t, ingest.StatusComplete, events[len(events)-1].Status)

	status := env.do(t, http.MethodGet, "/ingest/status?path="+url.QueryEscape(root), nil)
	require.Equal(t, http.StatusOK, status.StatusCode)
	final := decode[ingest.Snapshot](t, status)
	assert.Equal(t, snap.ID, final.ID)
	assert.Equal(t, ingest.StateComplete, final.State)
}

func TestIngestCancel(t *testing.T) {
	env := newTestEnv(t)
	root := writeRepo(t, toyRepo)

	release := env.emb.Hold()
	defer release()

	resp := env.do(t, http.MethodPost, "/ingest", map[string]string{"path": root})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	active := env.do(t, http.MethodGet, "/ingest/status", nil)
	assert.Len(t, decode[[]ingest.Snapshot](t, active), 1)

	cancelResp := env.do(t, http.MethodPost, "/ingest/cancel", map[string]string{"path": root})
	require.Equal(t, http.StatusAccepted, cancelResp.StatusCode)

	job, err := env.coord.Job(root)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	assert.ErrorIs(t, job.Wait(ctx), ingest.ErrCanceled)

	again := env.do(t, http.MethodPost, "/ingest/cancel", map[string]string{"path": root})
	assert.Equal(t, http.StatusNotFound, again.StatusCode)
}

func TestIngestErrors(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/ingest", map[string]string{"path": "/does/not/exist"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NotFound", decode[ErrorResponse](t, resp).Kind)

	resp = env.do(t, http.MethodPost, "/ingest", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/ingest/stream", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/ingest/status?path=/never/ingested", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestChatConversation(t *testing.T) {
	env := newTestEnv(t)
	root := writeRepo(t, toyRepo)
	env.ingest(t, root)

	resp := env.do(t, http.MethodPost, "/chat", map[string]string{
		"message": "Which function reads the config file?",
		"user_id": "u1",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	first := decode[chat.Response](t, resp)
	require.NotEmpty(t, first.SessionID)
	assert.NotEmpty(t, first.Answer)
	require.NotEmpty(t, first.Context)
	assert.Equal(t, "config.go", first.Context[0].Path)
	assert.Contains(t, first.Sources, "config.go")

	resp = env.do(t, http.MethodPost, "/chat", map[string]string{
		"message":    "And how is it served?",
		"user_id":    "u1",
		"session_id": first.SessionID,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, first.SessionID, decode[chat.Response](t, resp).SessionID)

	resp = env.do(t, http.MethodGet, "/history/messages/"+first.SessionID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	messages := decode[[]store.Message](t, resp)
	require.Len(t, messages, 4)
	assert.Equal(t, "Which function reads the config file?", messages[0].Content)
	assert.Equal(t, store.RoleAssistant, messages[1].Role)
	assert.Equal(t, "And how is it served?", messages[2].Content)

	resp = env.do(t, http.MethodGet, "/history/u1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sessions := decode[[]store.Session](t, resp)
	require.Len(t, sessions, 1)
	assert.Equal(t, first.SessionID, sessions[0].ID)
	assert.Equal(t, "Which function reads the config file?", sessions[0].Title)
}

func TestChatGenerationFailure(t *testing.T) {
	env := newTestEnv(t)
	env.ingest(t, writeRepo(t, toyRepo))
	env.model.SetErr(assert.AnError)

	resp := env.do(t, http.MethodPost, "/chat", map[string]string{"message": "config?", "user_id": "u1"})
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	body := decode[ErrorResponse](t, resp)
	assert.Equal(t, "GenerationUnavailable", body.Kind)
	require.NotEmpty(t, body.SessionID)

	resp = env.do(t, http.MethodGet, "/history/messages/"+body.SessionID, nil)
	messages := decode[[]store.Message](t, resp)
	require.Len(t, messages, 1)
	assert.Equal(t, store.RoleUser, messages[0].Role)
}

func TestChatStream(t *testing.T) {
	env := newTestEnv(t)
	env.ingest(t, writeRepo(t, toyRepo))

	resp := env.do(t, http.MethodPost, "/chat/stream", map[string]string{
		"message": "Which function reads the config file?",
		"user_id": "u1",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := readNamedEvents(t, resp.Body)
	require.Greater(t, len(events), 2)

	var answer strings.Builder
	for _, e := range events[:len(events)-1] {
		require.Equal(t, "delta", e.Name)
		var d ChatDelta
		require.NoError(t, json.Unmarshal([]byte(e.Data), &d))
		answer.WriteString(d.Content)
	}

	last := events[len(events)-1]
	require.Equal(t, "done", last.Name)
	var final chat.Response
	require.NoError(t, json.Unmarshal([]byte(last.Data), &final))
	assert.Equal(t, final.Answer, answer.String())
	assert.Contains(t, final.Sources, "config.go")
	require.NotEmpty(t, final.SessionID)

	history := env.do(t, http.MethodGet, "/history/messages/"+final.SessionID, nil)
	messages := decode[[]store.Message](t, history)
	require.Len(t, messages, 2)
	assert.Equal(t, final.Answer, messages[1].Content)
}

func TestChatStreamErrors(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/chat/stream", map[string]string{"message": " "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	env.ingest(t, writeRepo(t, toyRepo))
	env.model.SetErr(assert.AnError)

	// Nothing was streamed yet, so the failure is a plain JSON error
	resp = env.do(t, http.MethodPost, "/chat/stream", map[string]string{"message": "config?"})
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	body := decode[ErrorResponse](t, resp)
	assert.Equal(t, "GenerationUnavailable", body.Kind)
	assert.NotEmpty(t, body.SessionID)
}

func TestChatBeforeIngestion(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/chat", map[string]string{"message": "what is this?"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[chat.Response](t, resp)
	assert.Contains(t, body.Answer, "ingest")
	assert.Empty(t, body.Context)
}

func TestChatBadRequest(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/chat", map[string]string{"message": ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, env.ts.URL+"/chat", strings.NewReader("{not json"))
	require.NoError(t, err)
	raw, err := env.ts.Client().Do(req)
	require.NoError(t, err)
	defer raw.Body.Close()
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)
	assert.Equal(t, "BadRequest", decode[ErrorResponse](t, raw).Kind)

	resp = env.do(t, http.MethodPost, "/chat", map[string]string{"message": "hi", "session_id": "missing"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHistoryEmpty(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/history/nobody", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[[]store.Session](t, resp))

	resp = env.do(t, http.MethodGet, "/history/messages/none", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[[]store.Message](t, resp))
}

func TestFiles(t *testing.T) {
	env := newTestEnv(t)
	root := writeRepo(t, map[string]string{
		"src/main.go":         "package main",
		"README.md":           "# readme",
		".env":                "SECRET=1",
		"node_modules/x/y.js": "x",
	})

	resp := env.do(t, http.MethodGet, "/files?path="+url.QueryEscape(root), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tree := decode[[]fs.TreeNode](t, resp)
	require.Len(t, tree, 2)
	assert.Equal(t, "src", tree[0].Name)
	assert.Equal(t, fs.NodeFolder, tree[0].Type)
	require.Len(t, tree[0].Children, 1)
	assert.Equal(t, filepath.Join(root, "src", "main.go"), tree[0].Children[0].Path)
	assert.Equal(t, "README.md", tree[1].Name)

	resp = env.do(t, http.MethodGet, "/files?path=/does/not/exist", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[[]fs.TreeNode](t, resp))
}

func TestScanPreview(t *testing.T) {
	env := newTestEnv(t)
	root := writeRepo(t, toyRepo)

	resp := env.do(t, http.MethodGet, "/scan/preview?path="+url.QueryEscape(root), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[PreviewResponse](t, resp)
	assert.ElementsMatch(t, []string{"config.go", "server.go", "notes.txt"}, body.Files)
	assert.False(t, body.Truncated)

	resp = env.do(t, http.MethodGet, "/scan/preview?limit=1&path="+url.QueryEscape(root), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body = decode[PreviewResponse](t, resp)
	assert.Len(t, body.Files, 1)
	assert.True(t, body.Truncated)

	resp = env.do(t, http.MethodGet, "/scan/preview?limit=x&path="+url.QueryEscape(root), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestScanChunks(t *testing.T) {
	env := newTestEnv(t)
	root := writeRepo(t, toyRepo)

	resp := env.do(t, http.MethodGet, "/scan/chunks?file="+url.QueryEscape(filepath.Join(root, "config.go")), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[ChunksResponse](t, resp)
	assert.Equal(t, filepath.Join(root, "config.go"), body.File)
	assert.Equal(t, "go", body.Language)
	require.NotEmpty(t, body.Chunks)

	var joined strings.Builder
	for i, c := range body.Chunks {
		assert.Equal(t, i, c.Index)
		assert.LessOrEqual(t, c.StartLine, c.EndLine)
		joined.WriteString(c.Content)
	}
	assert.Contains(t, joined.String(), "func ReadConfig")

	t.Run("missing file parameter", func(t *testing.T) {
		resp := env.do(t, http.MethodGet, "/scan/chunks", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "BadRequest", decode[ErrorResponse](t, resp).Kind)
	})

	t.Run("unknown file", func(t *testing.T) {
		resp := env.do(t, http.MethodGet, "/scan/chunks?file="+url.QueryEscape(filepath.Join(root, "nope.go")), nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("directory", func(t *testing.T) {
		resp := env.do(t, http.MethodGet, "/scan/chunks?file="+url.QueryEscape(root), nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("binary file", func(t *testing.T) {
		bin := filepath.Join(root, "blob.bin")
		require.NoError(t, os.WriteFile(bin, []byte("a\x00b"), 0644))
		resp := env.do(t, http.MethodGet, "/scan/chunks?file="+url.QueryEscape(bin), nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestProjects(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/projects", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[[]store.Project](t, resp))

	root := writeRepo(t, toyRepo)
	env.ingest(t, root)

	resp = env.do(t, http.MethodGet, "/projects", nil)
	projects := decode[[]store.Project](t, resp)
	require.Len(t, projects, 1)
	assert.Equal(t, root, projects[0].RootPath)
	assert.Equal(t, store.StatusReady, projects[0].Status)

	resp = env.do(t, http.MethodDelete, "/projects?path="+url.QueryEscape(root), nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = env.do(t, http.MethodDelete, "/projects?path="+url.QueryEscape(root), nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = env.do(t, http.MethodDelete, "/projects?path="+url.QueryEscape(t.TempDir()), nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = env.do(t, http.MethodDelete, "/projects", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDeleteProjectWhileIngesting(t *testing.T) {
	env := newTestEnv(t)
	root := writeRepo(t, toyRepo)

	release := env.emb.Hold()
	defer release()
	_, err := env.coord.Start(root)
	require.NoError(t, err)

	resp := env.do(t, http.MethodDelete, "/projects?path="+url.QueryEscape(root), nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t)

	req, err := http.NewRequest(http.MethodOptions, env.ts.URL+"/chat", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := env.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))

	req, err = http.NewRequest(http.MethodGet, env.ts.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://evil.example")
	resp2, err := env.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Empty(t, resp2.Header.Get("Access-Control-Allow-Origin"))
}

func TestRecoverer(t *testing.T) {
	h := recoverer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Contains(t, body.Error, "boom")
	assert.Equal(t, "Internal", body.Kind)
}

func TestServeShutdown(t *testing.T) {
	srv := New(config.ServerConfig{Host: "127.0.0.1", Port: 0}, Deps{Version: "test"})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("server did not shut down")
	}
}
