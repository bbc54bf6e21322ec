package fs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nickcecere/codechat/internal/errs"
)

// writeTree creates files under a temp dir and returns its path.
func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for path, content := range files {
		full := filepath.Join(root, path)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0644))
	}
	return root
}

func walkAll(t *testing.T, w Walker) []string {
	t.Helper()
	var found []string
	require.NoError(t, w.Walk(func(info FileInfo) error {
		found = append(found, info.RelPath)
		return nil
	}))
	return found
}

func TestFileWalker(t *testing.T) {
	root := writeTree(t, map[string]string{
		"main.go":                 "package main\n\nfunc main() {}\n",
		"utils.go":                "package main\n\nfunc helper() {}\n",
		"README.md":               "# Test\n",
		"subdir/nested.go":        "package subdir\n",
		".hidden":                 "hidden file",
		"node_modules/a.js":       "// should be ignored",
		"__pycache__/m.cpython":   "cache",
		"poetry.lock":             "lock",
		"assets/logo.bin":         "PNG\x00\x00binary",
		".gitignore":              "*.md\n",
		"venv/lib/site.py":        "print('x')",
		"deep/er/still/found.txt": "ok",
	})

	t.Run("walks directory and finds files", func(t *testing.T) {
		walker, err := NewFileWalker(WalkOptions{Root: root, UseGitignore: true})
		require.NoError(t, err)

		found := walkAll(t, walker)

		assert.ElementsMatch(t, []string{"main.go", "utils.go", "subdir/nested.go", "deep/er/still/found.txt"}, found)
		assert.Equal(t, 4, walker.Stats().FilesFound)
		assert.Greater(t, walker.Stats().DirsSkipped, 0)
	})

	t.Run("respects extension filter", func(t *testing.T) {
		walker, err := NewFileWalker(WalkOptions{Root: root, Extensions: []string{"txt"}})
		require.NoError(t, err)

		assert.Equal(t, []string{"deep/er/still/found.txt"}, walkAll(t, walker))
	})

	t.Run("skips files above the size ceiling", func(t *testing.T) {
		walker, err := NewFileWalker(WalkOptions{Root: root, MaxFileSize: 20, UseGitignore: true})
		require.NoError(t, err)

		found := walkAll(t, walker)
		assert.NotContains(t, found, "main.go")
		assert.Contains(t, found, "subdir/nested.go")
	})

	t.Run("populates file info", func(t *testing.T) {
		walker, err := NewFileWalker(WalkOptions{Root: root, UseGitignore: true})
		require.NoError(t, err)

		var info FileInfo
		require.NoError(t, walker.Walk(func(fi FileInfo) error {
			if fi.RelPath == "main.go" {
				info = fi
			}
			return nil
		}))
		assert.Equal(t, filepath.Join(root, "main.go"), info.Path)
		assert.Equal(t, LangGo, info.Language)
		assert.Len(t, info.Hash, 16)
		assert.Equal(t, int64(len("package main\n\nfunc main() {}\n")), info.Size)
	})
}

func TestFileWalkerLimits(t *testing.T) {
	root := writeTree(t, map[string]string{
		"a.go": "package a\n",
		"b.go": "package b\n",
		"c.go": "package c\n",
	})

	t.Run("file count at the cap succeeds", func(t *testing.T) {
		walker, err := NewFileWalker(WalkOptions{Root: root, MaxFileCount: 3})
		require.NoError(t, err)
		assert.Len(t, walkAll(t, walker), 3)
	})

	t.Run("file count above the cap aborts", func(t *testing.T) {
		walker, err := NewFileWalker(WalkOptions{Root: root, MaxFileCount: 2})
		require.NoError(t, err)

		err = walker.Walk(func(FileInfo) error { return nil })
		require.Error(t, err)
		assert.True(t, errors.Is(err, errs.ErrLimitExceeded))
	})

	t.Run("total bytes above the cap aborts", func(t *testing.T) {
		walker, err := NewFileWalker(WalkOptions{Root: root, MaxTotalBytes: 15})
		require.NoError(t, err)

		err = walker.Walk(func(FileInfo) error { return nil })
		assert.True(t, errors.Is(err, errs.ErrLimitExceeded))
	})
}

func TestFileWalkerErrors(t *testing.T) {
	t.Run("non-existent root", func(t *testing.T) {
		_, err := NewFileWalker(WalkOptions{Root: "/nonexistent/path"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "does not exist")
	})

	t.Run("root is file not directory", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "file.txt")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0644))

		_, err := NewFileWalker(WalkOptions{Root: file})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not a directory")
	})
}

func TestChunksSequence(t *testing.T) {
	root := writeTree(t, map[string]string{
		"a.go":       "package a\n\nfunc A() int {\n\treturn 1\n}\n",
		"lib/b.py":   "def b():\n    return 2\n",
		"docs/c.txt": "plain text",
	})
	walker, err := NewFileWalker(WalkOptions{Root: root})
	require.NoError(t, err)
	chunker := NewSourceChunker(DefaultChunkOptions())

	collect := func() map[string]int {
		got := map[string]int{}
		for fc, err := range Chunks(context.Background(), walker, chunker) {
			require.NoError(t, err)
			got[fc.File.RelPath] = len(fc.Chunks)
		}
		return got
	}

	first := collect()
	assert.Equal(t, map[string]int{"a.go": 1, "lib/b.py": 1, "docs/c.txt": 1}, first)

	// Ranging again restarts the walk
	assert.Equal(t, first, collect())

	t.Run("early break stops the walk", func(t *testing.T) {
		n := 0
		for range Chunks(context.Background(), walker, chunker) {
			n++
			break
		}
		assert.Equal(t, 1, n)
	})

	t.Run("limit errors end the sequence", func(t *testing.T) {
		limited, err := NewFileWalker(WalkOptions{Root: root, MaxFileCount: 1})
		require.NoError(t, err)

		var last error
		for _, err := range Chunks(context.Background(), limited, chunker) {
			last = err
		}
		assert.True(t, errors.Is(last, errs.ErrLimitExceeded))
	})

	t.Run("chunk files yields io errors per file", func(t *testing.T) {
		files := []FileInfo{
			{Path: filepath.Join(root, "a.go"), RelPath: "a.go"},
			{Path: filepath.Join(root, "missing.go"), RelPath: "missing.go"},
		}
		var errsSeen []error
		for _, err := range ChunkFiles(context.Background(), files, chunker) {
			errsSeen = append(errsSeen, err)
		}
		require.Len(t, errsSeen, 2)
		assert.NoError(t, errsSeen[0])
		assert.True(t, errors.Is(errsSeen[1], errs.ErrIO))
	})
}

func TestCollect(t *testing.T) {
	root := writeTree(t, map[string]string{"a.go": "package a\n", "b.go": "package b\n"})
	walker, err := NewFileWalker(WalkOptions{Root: root})
	require.NoError(t, err)

	files, err := Collect(context.Background(), walker)
	require.NoError(t, err)
	assert.Len(t, files, 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Collect(ctx, walker)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDefaultOptions(t *testing.T) {
	walkOpts := DefaultWalkOptions()
	assert.Equal(t, int64(1024*1024), walkOpts.MaxFileSize)
	assert.Equal(t, 10000, walkOpts.MaxFileCount)
	assert.True(t, walkOpts.UseGitignore)

	chunkOpts := DefaultChunkOptions()
	assert.Equal(t, 1000, chunkOpts.ChunkSize)
	assert.Equal(t, 200, chunkOpts.ChunkOverlap)
	assert.Equal(t, 100, chunkOpts.MinChunkSize)
	assert.Equal(t, 4000, chunkOpts.MaxChunkSize)
}
