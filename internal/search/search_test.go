package search

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nickcecere/codechat/internal/config"
	"github.com/nickcecere/codechat/internal/embeddings"
	"github.com/nickcecere/codechat/internal/errs"
	"github.com/nickcecere/codechat/internal/fs"
	"github.com/nickcecere/codechat/internal/store"
)

const testDims = 256

type testChunk struct {
	path       string
	start, end int
	symbol     string
	kind       string
	content    string
}

var corpus = []testChunk{
	{"app/config.go", 1, 8, "ReadConfig", fs.KindCode, "// ReadConfig reads the config file from disk.\nfunc ReadConfig(path string) (Config, error) {\n\treturn load(path)\n}"},
	{"app/server.go", 1, 6, "Serve", fs.KindCode, "// Serve starts the HTTP listener.\nfunc Serve(addr string) error {\n\treturn http.ListenAndServe(addr, nil)\n}"},
	{"main.py", 1, 4, "main", fs.KindCode, "from app.helpers import load\n\ndef main():\n    load('settings')"},
	{"lib/helpers.py", 1, 2, "load", fs.KindCode, "def load(name):\n    return name"},
	{"docs/notes.txt", 1, 1, "", fs.KindText, "Deployment notes for the staging cluster."},
}

func setup(t *testing.T, chunks []testChunk) (*store.SQLiteStore, *store.Project, *embeddings.FakeEmbedder) {
	t.Helper()
	ctx := context.Background()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	project, err := st.EnsureProject(ctx, "/repo")
	require.NoError(t, err)

	var batch store.Batch
	indexes := map[string]int{}
	for _, c := range chunks {
		if _, ok := indexes[c.path]; !ok {
			batch.Files = append(batch.Files, store.FileInput{Path: "/repo/" + c.path, RelativePath: c.path, Hash: "h"})
		}
		batch.Entries = append(batch.Entries, store.Entry{
			RelativePath: c.path,
			ChunkIndex:   indexes[c.path],
			Content:      c.content,
			StartLine:    c.start,
			EndLine:      c.end,
			Symbol:       c.symbol,
			Kind:         c.kind,
			Hash:         fs.ChunkHash(c.path, c.start, c.end, c.content),
			Vector:       embeddings.BagOfWords(c.symbol+" "+c.content, testDims),
		})
		indexes[c.path]++
	}
	_, err = st.Upsert(ctx, project.ID, batch)
	require.NoError(t, err)

	project, err = st.GetProject(ctx, project.ID)
	require.NoError(t, err)
	return st, project, embeddings.NewFakeEmbedder(testDims)
}

func TestRetrieve(t *testing.T) {
	st, project, emb := setup(t, corpus)
	opts := DefaultOptions()
	opts.ExpandDependencies = false
	r := New(st, emb, opts)

	results, err := r.Retrieve(context.Background(), Query{ProjectID: project.ID, Text: "function that reads config", K: 3})
	require.NoError(t, err)
	require.Len(t, results, 3)

	top := results[0]
	assert.Equal(t, "app/config.go", top.Path)
	assert.Equal(t, "config.go", top.File)
	assert.Equal(t, "1-8", top.Lines)
	assert.Equal(t, "ReadConfig", top.Symbol)
	assert.Contains(t, top.Code, "func ReadConfig")
	assert.Greater(t, top.Score, top.Similarity*(1-lexicalWeight))

	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].Score, results[i].Score)
		assert.False(t, results[i].Linked)
	}
}

func TestRetrieveDefaultK(t *testing.T) {
	st, project, emb := setup(t, corpus)
	opts := DefaultOptions()
	opts.TopK = 2
	opts.ExpandDependencies = false
	r := New(st, emb, opts)

	results, err := r.Retrieve(context.Background(), Query{ProjectID: project.ID, Text: "config"})
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestRetrievePathFilter(t *testing.T) {
	st, project, emb := setup(t, corpus)
	opts := DefaultOptions()
	opts.ExpandDependencies = false
	r := New(st, emb, opts)
	ctx := context.Background()

	for _, filter := range []string{"app/", "/repo/app/", "./app/"} {
		results, err := r.Retrieve(ctx, Query{ProjectID: project.ID, Text: "config", K: 10, PathFilter: filter})
		require.NoError(t, err, filter)
		require.Len(t, results, 2, filter)
		for _, res := range results {
			assert.Contains(t, res.Path, "app/", filter)
		}
	}

	results, err := r.Retrieve(ctx, Query{ProjectID: project.ID, Text: "config", K: 10, PathFilter: "main.py"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "main.py", results[0].Path)
}

func TestRetrieveDependencies(t *testing.T) {
	st, project, emb := setup(t, corpus)
	r := New(st, emb, DefaultOptions())

	results, err := r.Retrieve(context.Background(), Query{ProjectID: project.ID, Text: "main settings", K: 1})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "main.py", results[0].Path)
	assert.False(t, results[0].Linked)

	dep := results[1]
	assert.Equal(t, "lib/helpers.py", dep.Path)
	assert.True(t, dep.Linked)
	assert.Equal(t, LinkedLines, dep.Lines)
	assert.Equal(t, LinkedScore, dep.Match())
}

func TestRetrieveDependencyLimit(t *testing.T) {
	chunks := append([]testChunk{}, corpus...)
	chunks = append(chunks,
		testChunk{"pkg/alpha.py", 1, 1, "", fs.KindCode, "ALPHA = 1"},
		testChunk{"pkg/beta.py", 1, 1, "", fs.KindCode, "BETA = 2"},
		testChunk{"pkg/gamma.py", 1, 1, "", fs.KindCode, "GAMMA = 3"},
		testChunk{"pkg/delta.py", 1, 1, "", fs.KindCode, "DELTA = 4"},
		testChunk{"entry.py", 1, 5, "", fs.KindCode, "import pkg.alpha\nimport pkg.beta\nimport pkg.gamma\nimport pkg.delta\nprint('entrypoint')"},
	)
	st, project, emb := setup(t, chunks)
	r := New(st, emb, DefaultOptions())

	results, err := r.Retrieve(context.Background(), Query{ProjectID: project.ID, Text: "entrypoint print", K: 1})
	require.NoError(t, err)
	require.Len(t, results, 1+config.DefaultMaxDependencies)
	assert.Equal(t, "entry.py", results[0].Path)
	for _, res := range results[1:] {
		assert.True(t, res.Linked)
	}
}

func TestRetrieveNotIngested(t *testing.T) {
	ctx := context.Background()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer st.Close()

	project, err := st.EnsureProject(ctx, "/fresh")
	require.NoError(t, err)

	emb := embeddings.NewFakeEmbedder(testDims)
	r := New(st, emb, DefaultOptions())

	results, err := r.Retrieve(ctx, Query{ProjectID: project.ID, Text: "anything"})
	assert.True(t, errors.Is(err, errs.ErrNotFound))
	assert.Empty(t, results)
	assert.Zero(t, emb.Calls())

	_, err = r.Retrieve(ctx, Query{ProjectID: 9999, Text: "anything"})
	assert.True(t, errors.Is(err, errs.ErrNotFound))

	_, err = r.Retrieve(ctx, Query{ProjectID: project.ID, Text: "   "})
	assert.Error(t, err)
}

func TestRetrieveEmbeddingFailure(t *testing.T) {
	st, project, emb := setup(t, corpus)
	r := New(st, emb, DefaultOptions())
	emb.SetErr(errs.ErrEmbeddingUnavailable)

	_, err := r.Retrieve(context.Background(), Query{ProjectID: project.ID, Text: "config"})
	assert.True(t, errors.Is(err, errs.ErrEmbeddingUnavailable))
}

func TestQueryCache(t *testing.T) {
	st, project, emb := setup(t, corpus)
	r := New(st, emb, DefaultOptions())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := r.Retrieve(ctx, Query{ProjectID: project.ID, Text: "config"})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, emb.Calls())

	_, err := r.Retrieve(ctx, Query{ProjectID: project.ID, Text: "server"})
	require.NoError(t, err)
	assert.Equal(t, 2, emb.Calls())
}

func TestRetrieveContextLines(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("one\ntwo\nthree\nfour\nfive\n"), 0644))

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer st.Close()
	project, err := st.EnsureProject(ctx, root)
	require.NoError(t, err)
	_, err = st.Upsert(ctx, project.ID, store.Batch{
		Files: []store.FileInput{{Path: filepath.Join(root, "a.txt"), RelativePath: "a.txt", Hash: "h"}},
		Entries: []store.Entry{{
			RelativePath: "a.txt", Content: "three", StartLine: 3, EndLine: 3, Kind: fs.KindText,
			Hash: "x", Vector: embeddings.BagOfWords("three", testDims),
		}},
	})
	require.NoError(t, err)

	opts := DefaultOptions()
	opts.ContextLines = 1
	r := New(st, embeddings.NewFakeEmbedder(testDims), opts)

	results, err := r.Retrieve(ctx, Query{ProjectID: project.ID, Text: "three"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "two", results[0].ContextBefore)
	assert.Equal(t, "four", results[0].ContextAfter)
}

func TestRerank(t *testing.T) {
	hits := []store.Hit{
		{Chunk: store.ChunkRecord{RelativePath: "b.go", StartLine: 1, EndLine: 2, Content: "func unrelated() {}"}, Score: 0.5},
		{Chunk: store.ChunkRecord{RelativePath: "a.go", StartLine: 1, EndLine: 2, Content: "func parseConfig() {}"}, Score: 0.5},
		{Chunk: store.ChunkRecord{RelativePath: "c.go", StartLine: 1, EndLine: 2, Content: "nothing here"}, Score: 0.9},
	}

	results := Rerank("where is the config parsed", hits)
	require.Len(t, results, 3)
	assert.Equal(t, "c.go", results[0].Path)
	assert.Equal(t, "a.go", results[1].Path)
	assert.Equal(t, "b.go", results[2].Path)
	assert.InDelta(t, 0.5, results[1].Similarity, 1e-9)
	assert.InDelta(t, 0.8*0.5+0.2*0.5, results[1].Score, 1e-9)

	t.Run("ties keep index order", func(t *testing.T) {
		hits := []store.Hit{
			{Chunk: store.ChunkRecord{RelativePath: "long/x.go", StartLine: 1, EndLine: 1}, Score: 0.7},
			{Chunk: store.ChunkRecord{RelativePath: "x.go", StartLine: 9, EndLine: 9}, Score: 0.7},
			{Chunk: store.ChunkRecord{RelativePath: "x.go", StartLine: 2, EndLine: 2}, Score: 0.7},
		}
		results := Rerank("zzz", hits)
		assert.Equal(t, "x.go", results[0].Path)
		assert.Equal(t, 2, results[0].StartLine)
		assert.Equal(t, 9, results[1].StartLine)
		assert.Equal(t, "long/x.go", results[2].Path)
	})
}

func TestTerms(t *testing.T) {
	assert.Equal(t, []string{"config", "parsed"}, terms("Where is the config parsed? config!"))
	assert.Equal(t, []string{"read_config"}, terms("how does read_config"))
	assert.Empty(t, terms("is it in"))
}

func TestDedup(t *testing.T) {
	results := []Result{
		{Path: "a.go", StartLine: 10, EndLine: 30, Score: 0.9},
		{Path: "a.go", StartLine: 25, EndLine: 40, Score: 0.8},
		{Path: "b.go", StartLine: 25, EndLine: 40, Score: 0.7},
		{Path: "a.go", StartLine: 31, EndLine: 50, Score: 0.6},
		{Path: "a.go", StartLine: 1, EndLine: 10, Score: 0.5},
		{Path: "GIT_LOG", Kind: fs.KindCommit, Score: 0.4},
		{Path: "GIT_LOG", Kind: fs.KindCommit, Score: 0.3},
	}

	kept := Dedup(results)
	var got []float64
	for _, r := range kept {
		got = append(got, r.Score)
	}
	assert.Equal(t, []float64{0.9, 0.7, 0.6, 0.4, 0.3}, got)
}

func TestMatch(t *testing.T) {
	assert.Equal(t, "87%", Result{Score: 0.879}.Match())
	assert.Equal(t, "100%", Result{Score: 1.2}.Match())
	assert.Equal(t, "0%", Result{Score: -0.1}.Match())
	assert.Equal(t, LinkedScore, Result{Score: 0.9, Linked: true}.Match())
}

func TestFromChunkCommit(t *testing.T) {
	res := fromChunk(store.ChunkRecord{RelativePath: "GIT_LOG", Kind: fs.KindCommit, Content: "COMMIT: abc"})
	assert.Equal(t, CommitFile, res.File)
	assert.Equal(t, HistoryLines, res.Lines)
}

func TestRelativeFilter(t *testing.T) {
	tests := []struct {
		root, filter, want string
	}{
		{"/repo", "", ""},
		{"/repo", "  ", ""},
		{"/repo", "src/", "src/"},
		{"/repo", "./src/main.go", "src/main.go"},
		{"/repo", "/repo/src/", "src"},
		{"/repo", "/repo", ""},
		{"/repo", "/other/file.go", "/other/file.go"},
		{"/repo", ".", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RelativeFilter(tt.root, tt.filter), tt.filter)
	}
}

func TestProjectForPath(t *testing.T) {
	ctx := context.Background()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer st.Close()

	_, err = st.EnsureProject(ctx, "/repo")
	require.NoError(t, err)
	sub, err := st.EnsureProject(ctx, "/repo/sub")
	require.NoError(t, err)

	found, err := ProjectForPath(ctx, st, "/repo/sub/pkg/file.go")
	require.NoError(t, err)
	assert.Equal(t, sub.ID, found.ID)

	found, err = ProjectForPath(ctx, st, "/repo/other")
	require.NoError(t, err)
	assert.Equal(t, "/repo", found.RootPath)

	_, err = ProjectForPath(ctx, st, "/repository")
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.DefaultConfig().Retrieval
	cfg.TopK = 8
	cfg.ExpandDependencies = false

	opts := OptionsFromConfig(cfg)
	assert.Equal(t, 8, opts.TopK)
	assert.Equal(t, config.DefaultCandidateFactor, opts.CandidateFactor)
	assert.False(t, opts.ExpandDependencies)
}
