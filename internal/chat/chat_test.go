package chat

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nickcecere/codechat/internal/config"
	"github.com/nickcecere/codechat/internal/embeddings"
	"github.com/nickcecere/codechat/internal/errs"
	"github.com/nickcecere/codechat/internal/fs"
	"github.com/nickcecere/codechat/internal/llm"
	"github.com/nickcecere/codechat/internal/search"
	"github.com/nickcecere/codechat/internal/store"
)

const testDims = 256

type testEnv struct {
	orch  *Orchestrator
	store *store.SQLiteStore
	model *llm.FakeService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ropts := search.DefaultOptions()
	ropts.ExpandDependencies = false
	ropts.ContextLines = 0
	retriever := search.New(st, embeddings.NewFakeEmbedder(testDims), ropts)

	model := llm.NewFakeService("ReadConfig in `app/config.go` loads the file.")
	return &testEnv{
		orch:  New(st, st, retriever, model, DefaultOptions()),
		store: st,
		model: model,
	}
}

// ingest stores files (relative path -> content) as one chunk each under root.
func (e *testEnv) ingest(t *testing.T, root string, files map[string]string) *store.Project {
	t.Helper()
	ctx := context.Background()

	project, err := e.store.EnsureProject(ctx, root)
	require.NoError(t, err)

	var batch store.Batch
	for rel, content := range files {
		lines := strings.Count(content, "\n") + 1
		batch.Files = append(batch.Files, store.FileInput{Path: root + "/" + rel, RelativePath: rel, Hash: rel})
		batch.Entries = append(batch.Entries, store.Entry{
			RelativePath: rel,
			Content:      content,
			StartLine:    1,
			EndLine:      lines,
			Kind:         fs.KindCode,
			Hash:         fs.ChunkHash(rel, 1, lines, content),
			Vector:       embeddings.BagOfWords(content, testDims),
		})
	}
	_, err = e.store.Upsert(ctx, project.ID, batch)
	require.NoError(t, err)
	return project
}

var repoFiles = map[string]string{
	"app/config.go": "// ReadConfig reads the config file from disk.\nfunc ReadConfig(path string) (Config, error) {\n\treturn load(path)\n}",
	"app/server.go": "// Serve starts the HTTP listener.\nfunc Serve(addr string) error {\n\treturn nil\n}",
}

func TestRespondNewSession(t *testing.T) {
	env := newTestEnv(t)
	env.ingest(t, "/repo", repoFiles)
	ctx := context.Background()

	resp, err := env.orch.Respond(ctx, Request{UserID: "u1", Message: "Which function reads the config file?"})
	require.NoError(t, err)

	assert.NotEmpty(t, resp.SessionID)
	assert.Equal(t, "/repo", resp.Project)
	assert.Contains(t, resp.Answer, "ReadConfig")
	require.NotEmpty(t, resp.Context)
	assert.Equal(t, "app/config.go", resp.Context[0].Path)
	assert.Equal(t, "config.go", resp.Context[0].File)
	assert.True(t, strings.HasSuffix(resp.Context[0].Score, "%"))
	assert.Equal(t, "app/config.go", resp.Sources[0])

	sess, err := env.store.GetSession(ctx, resp.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "u1", sess.UserID)
	assert.Equal(t, "Which function reads the config file?", sess.Title)
	assert.NotZero(t, sess.ProjectID)

	messages, err := env.store.ListMessages(ctx, resp.SessionID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, store.RoleUser, messages[0].Role)
	assert.Equal(t, store.RoleAssistant, messages[1].Role)
	assert.Equal(t, resp.Answer, messages[1].Content)
	assert.Equal(t, resp.Sources, messages[1].Sources)

	// The prompt carries the retrieved code.
	prompt := env.model.LastRequest()
	require.Len(t, prompt, 2)
	assert.Contains(t, prompt[1].Content, "--- Source: config.go (Lines 1-4) ---")
}

func TestRespondFollowUp(t *testing.T) {
	env := newTestEnv(t)
	env.ingest(t, "/repo", repoFiles)
	ctx := context.Background()

	first, err := env.orch.Respond(ctx, Request{UserID: "u1", Message: "Where is the config read?"})
	require.NoError(t, err)

	second, err := env.orch.Respond(ctx, Request{UserID: "u1", SessionID: first.SessionID, Message: "And the listener?"})
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, second.SessionID)

	prompt := env.model.LastRequest()
	require.Len(t, prompt, 4)
	assert.Equal(t, llm.Message{Role: llm.RoleUser, Content: "Where is the config read?"}, prompt[1])
	assert.Equal(t, llm.RoleAssistant, prompt[2].Role)
	assert.Contains(t, prompt[3].Content, "And the listener?")

	messages, err := env.store.ListMessages(ctx, first.SessionID)
	require.NoError(t, err)
	require.Len(t, messages, 4)
	assert.Equal(t, "Where is the config read?", messages[0].Content)
	assert.Equal(t, "And the listener?", messages[2].Content)

	sessions, err := env.store.ListSessions(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}

func TestRespondHistoryWindow(t *testing.T) {
	env := newTestEnv(t)
	env.ingest(t, "/repo", repoFiles)
	env.orch.opts.HistoryWindow = 2
	ctx := context.Background()

	resp, err := env.orch.Respond(ctx, Request{Message: "one"})
	require.NoError(t, err)
	for _, q := range []string{"two", "three"} {
		_, err := env.orch.Respond(ctx, Request{SessionID: resp.SessionID, Message: q})
		require.NoError(t, err)
	}

	prompt := env.model.LastRequest()
	// system + 2 history turns + question
	require.Len(t, prompt, 4)
	assert.Equal(t, "two", prompt[1].Content)
	assert.Equal(t, llm.RoleAssistant, prompt[2].Role)
}

func TestRespondGenerationFailure(t *testing.T) {
	env := newTestEnv(t)
	env.ingest(t, "/repo", repoFiles)
	env.model.SetErr(assert.AnError)
	ctx := context.Background()

	resp, err := env.orch.Respond(ctx, Request{UserID: "u1", Message: "Where is the config read?"})
	require.ErrorIs(t, err, errs.ErrGenerationUnavailable)
	require.NotNil(t, resp)
	assert.NotEmpty(t, resp.SessionID)

	messages, err := env.store.ListMessages(ctx, resp.SessionID)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, store.RoleUser, messages[0].Role)
}

func TestRespondStream(t *testing.T) {
	env := newTestEnv(t)
	env.ingest(t, "/repo", repoFiles)
	ctx := context.Background()

	var parts []string
	resp, err := env.orch.RespondStream(ctx, Request{UserID: "u1", Message: "Which function reads the config file?"}, func(d string) {
		parts = append(parts, d)
	})
	require.NoError(t, err)

	require.Greater(t, len(parts), 1)
	assert.Equal(t, resp.Answer, strings.Join(parts, ""))
	assert.Equal(t, "app/config.go", resp.Sources[0])

	messages, err := env.store.ListMessages(ctx, resp.SessionID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, resp.Answer, messages[1].Content)
}

func TestRespondStreamGuidance(t *testing.T) {
	env := newTestEnv(t)

	var streamed string
	resp, err := env.orch.RespondStream(context.Background(), Request{Message: "What does this repo do?"}, func(d string) {
		streamed += d
	})
	require.NoError(t, err)
	assert.Equal(t, resp.Answer, streamed)
	assert.Contains(t, streamed, "ingested")
}

func TestRespondStreamGenerationFailure(t *testing.T) {
	env := newTestEnv(t)
	env.ingest(t, "/repo", repoFiles)
	env.model.SetErr(assert.AnError)

	resp, err := env.orch.RespondStream(context.Background(), Request{Message: "Where is the config read?"}, nil)
	require.ErrorIs(t, err, errs.ErrGenerationUnavailable)
	require.NotNil(t, resp)
	assert.NotEmpty(t, resp.SessionID)
}

func TestRespondNotIngested(t *testing.T) {
	t.Run("no projects", func(t *testing.T) {
		env := newTestEnv(t)
		ctx := context.Background()

		resp, err := env.orch.Respond(ctx, Request{Message: "What does this repo do?"})
		require.NoError(t, err)
		assert.Contains(t, resp.Answer, "ingested")
		assert.Empty(t, resp.Context)
		assert.Empty(t, env.model.Requests())

		messages, err := env.store.ListMessages(ctx, resp.SessionID)
		require.NoError(t, err)
		assert.Len(t, messages, 2)
	})

	t.Run("project without generation", func(t *testing.T) {
		env := newTestEnv(t)
		ctx := context.Background()
		_, err := env.store.EnsureProject(ctx, "/pending")
		require.NoError(t, err)

		resp, err := env.orch.Respond(ctx, Request{Message: "What does this repo do?", Project: "/pending"})
		require.NoError(t, err)
		assert.Contains(t, resp.Answer, "/pending")
		assert.Empty(t, env.model.Requests())
	})

	t.Run("unknown project", func(t *testing.T) {
		env := newTestEnv(t)
		env.ingest(t, "/repo", repoFiles)

		resp, err := env.orch.Respond(context.Background(), Request{Message: "hi", Project: "/elsewhere"})
		require.NoError(t, err)
		assert.Contains(t, resp.Answer, "/elsewhere")
	})
}

func TestRespondSessionRemembersProject(t *testing.T) {
	env := newTestEnv(t)
	env.ingest(t, "/repo", repoFiles)
	ctx := context.Background()

	first, err := env.orch.Respond(ctx, Request{Message: "config?", Project: "/repo"})
	require.NoError(t, err)
	assert.Equal(t, "/repo", first.Project)

	env.ingest(t, "/other", map[string]string{"main.go": "func main() {}"})

	second, err := env.orch.Respond(ctx, Request{SessionID: first.SessionID, Message: "and the server?"})
	require.NoError(t, err)
	assert.Equal(t, "/repo", second.Project)

	fresh, err := env.orch.Respond(ctx, Request{Message: "main?"})
	require.NoError(t, err)
	assert.Equal(t, "/other", fresh.Project)
}

func TestRespondFilterPath(t *testing.T) {
	env := newTestEnv(t)
	env.ingest(t, "/repo", repoFiles)

	resp, err := env.orch.Respond(context.Background(), Request{Message: "config", FilterPath: "/repo/app/server.go"})
	require.NoError(t, err)
	require.Len(t, resp.Context, 1)
	assert.Equal(t, "app/server.go", resp.Context[0].Path)
}

func TestRespondErrors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.orch.Respond(ctx, Request{Message: "   "})
	assert.Error(t, err)

	_, err = env.orch.Respond(ctx, Request{SessionID: "missing", Message: "hi"})
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestTitle(t *testing.T) {
	assert.Equal(t, "short question", Title("short   question\n", 40))

	long := strings.Repeat("a", 45)
	assert.Equal(t, strings.Repeat("a", 40)+"..", Title(long, 40))

	assert.Equal(t, "ééé..", Title("éééé", 3))
	assert.Equal(t, "abc", Title("abc", 0))
}

func TestSourcesAndItems(t *testing.T) {
	results := []search.Result{
		{File: "a.go", Path: "x/a.go", Lines: "1-5", Code: "a", Score: 0.5},
		{File: "a.go", Path: "x/a.go", Lines: "9-12", Code: "b", Score: 0.4},
		{File: "b.py", Path: "b.py", Lines: search.LinkedLines, Code: "c", Linked: true},
	}

	assert.Equal(t, []string{"x/a.go", "b.py"}, Sources(results))
	assert.Equal(t, []string{}, Sources(nil))

	items := Items(results)
	require.Len(t, items, 3)
	assert.Equal(t, ContextItem{File: "a.go", Path: "x/a.go", Lines: "1-5", Score: "50%", Code: "a"}, items[0])
	assert.Equal(t, search.LinkedScore, items[2].Score)
}

func TestOptionsFromConfig(t *testing.T) {
	opts := OptionsFromConfig(config.ChatConfig{HistoryWindow: 10, TitleLength: 20, Temperature: 0.1, DefaultProject: "/repo"})
	assert.Equal(t, 10, opts.HistoryWindow)
	assert.Equal(t, 20, opts.TitleLength)
	assert.Equal(t, 0.1, opts.Completion.Temperature)
	assert.Equal(t, "/repo", opts.DefaultProject)
	assert.Equal(t, config.DefaultLLMTimeout, opts.Timeout)
}
