package fs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nickcecere/codechat/internal/errs"
)

const goSource = `package main

import "fmt"

// Greeter greets.
type Greeter struct {
	Name string
}

// Hello says hello.
func (g *Greeter) Hello() string {
	return fmt.Sprintf("hello %s", g.Name)
}

func main() {
	fmt.Println((&Greeter{Name: "x"}).Hello())
}
`

func TestSourceChunkerText(t *testing.T) {
	chunker := NewSourceChunker(ChunkOptions{
		ChunkSize:    200,
		ChunkOverlap: 50,
		MinChunkSize: 10,
		MaxChunkSize: 400,
	})

	t.Run("empty content returns nil", func(t *testing.T) {
		assert.Nil(t, chunker.Chunk("", "test.txt"))
		assert.Nil(t, chunker.Chunk("  \n\n", "test.txt"))
	})

	t.Run("small content returns single chunk", func(t *testing.T) {
		content := "Hello, World!"
		chunks := chunker.Chunk(content, "test.txt")
		require.Len(t, chunks, 1)
		assert.Equal(t, content, chunks[0].Content)
		assert.Equal(t, 1, chunks[0].StartLine)
		assert.Equal(t, 1, chunks[0].EndLine)
		assert.Equal(t, 0, chunks[0].ChunkIndex)
		assert.Equal(t, KindText, chunks[0].Kind)
		assert.NotEmpty(t, chunks[0].Hash)
	})

	t.Run("large content is split into overlapping windows", func(t *testing.T) {
		var lines []string
		for i := 1; i <= 50; i++ {
			lines = append(lines, fmt.Sprintf("This is line number %d with some padding text", i))
		}
		chunks := chunker.Chunk(strings.Join(lines, "\n"), "notes.txt")

		require.Greater(t, len(chunks), 1)
		assert.Equal(t, 1, chunks[0].StartLine)
		assert.Equal(t, 50, chunks[len(chunks)-1].EndLine)

		for i, c := range chunks {
			assert.LessOrEqual(t, c.StartLine, c.EndLine)
			assert.LessOrEqual(t, utf8.RuneCountInString(c.Content), 200)
			assert.Equal(t, i, c.ChunkIndex)
			if i > 0 {
				assert.LessOrEqual(t, c.StartLine, chunks[i-1].EndLine, "windows should overlap")
			}
		}
	})

	t.Run("long single line is split without losing content", func(t *testing.T) {
		narrow := NewSourceChunker(ChunkOptions{ChunkSize: 100, ChunkOverlap: 20, MinChunkSize: 10, MaxChunkSize: 100})
		content := strings.Repeat("a", 1000)
		chunks := narrow.Chunk(content, "bundle.txt")

		total := 0
		for _, c := range chunks {
			assert.LessOrEqual(t, utf8.RuneCountInString(c.Content), 100)
			assert.Equal(t, 1, c.StartLine)
			assert.Equal(t, 1, c.EndLine)
			total += utf8.RuneCountInString(c.Content)
		}
		assert.Equal(t, 1000, total)
	})
}

func TestSourceChunkerGo(t *testing.T) {
	chunker := NewSourceChunker(ChunkOptions{
		ChunkSize:    1000,
		ChunkOverlap: 100,
		MinChunkSize: 30,
		MaxChunkSize: 2000,
	})

	chunks := chunker.Chunk(goSource, "cmd/main.go")
	require.Len(t, chunks, 3)

	assert.Equal(t, "Greeter", chunks[0].Symbol)
	assert.Equal(t, 1, chunks[0].StartLine)
	assert.Equal(t, 8, chunks[0].EndLine)
	assert.Contains(t, chunks[0].Content, `import "fmt"`)

	assert.Equal(t, "Greeter.Hello", chunks[1].Symbol)
	assert.Equal(t, 10, chunks[1].StartLine)
	assert.Equal(t, 13, chunks[1].EndLine)
	assert.True(t, strings.HasPrefix(chunks[1].Content, "// Hello says hello."))

	assert.Equal(t, "main", chunks[2].Symbol)
	assert.Equal(t, 15, chunks[2].StartLine)
	assert.Equal(t, 17, chunks[2].EndLine)

	for _, c := range chunks {
		assert.Equal(t, KindCode, c.Kind)
	}
}

func TestSourceChunkerGoParseFailureFallsBack(t *testing.T) {
	chunker := NewSourceChunker(DefaultChunkOptions())

	chunks := chunker.Chunk("package main\n\nfunc broken( {\n", "broken.go")
	require.NotEmpty(t, chunks)
	assert.Contains(t, chunks[0].Content, "broken")
}

func TestSourceChunkerPython(t *testing.T) {
	chunker := NewSourceChunker(ChunkOptions{
		ChunkSize:    1000,
		ChunkOverlap: 100,
		MinChunkSize: 20,
		MaxChunkSize: 2000,
	})

	src := "import os\n\ndef read_config(path):\n    with open(path) as f:\n        return f.read()\n\nclass Loader:\n    def load(self):\n        return read_config(\"x\")\n"
	chunks := chunker.Chunk(src, "app/config.py")

	require.Len(t, chunks, 2)
	assert.Contains(t, chunks[0].Content, "import os")
	assert.Contains(t, chunks[0].Content, "def read_config")
	assert.Equal(t, 7, chunks[1].StartLine)
	assert.Contains(t, chunks[1].Content, "def load")
}

func TestSourceChunkerOversizedBlock(t *testing.T) {
	chunker := NewSourceChunker(ChunkOptions{
		ChunkSize:    200,
		ChunkOverlap: 40,
		MinChunkSize: 20,
		MaxChunkSize: 400,
	})

	var b strings.Builder
	b.WriteString("package main\n\nfunc big() {\n")
	for i := 0; i < 100; i++ {
		fmt.Fprintf(&b, "\tx%d := %d // padding padding\n", i, i)
	}
	b.WriteString("}\n")

	chunks := chunker.Chunk(b.String(), "big.go")
	require.Greater(t, len(chunks), 2)
	for _, c := range chunks {
		assert.LessOrEqual(t, utf8.RuneCountInString(c.Content), 400)
		assert.Equal(t, "big", c.Symbol)
	}
	assert.Equal(t, 1, chunks[0].StartLine)
	assert.Contains(t, chunks[len(chunks)-1].Content, "}")
}

func TestChunkHashStability(t *testing.T) {
	chunker := NewSourceChunker(DefaultChunkOptions())

	first := chunker.Chunk(goSource, "main.go")
	second := chunker.Chunk(goSource, "main.go")
	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].Hash, second[i].Hash)
	}

	moved := chunker.Chunk(goSource, "other/main.go")
	assert.NotEqual(t, first[0].Hash, moved[0].Hash)

	assert.Equal(t, ChunkHash("a.go", 1, 2, "x"), ChunkHash("a.go", 1, 2, "x"))
	assert.NotEqual(t, ChunkHash("a.go", 1, 2, "x"), ChunkHash("a.go", 1, 3, "x"))
}

func TestChunkFileIOError(t *testing.T) {
	chunker := NewSourceChunker(DefaultChunkOptions())

	_, err := chunker.ChunkFile(FileInfo{Path: "/nonexistent/dir/x.go", RelPath: "x.go"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrIO))
}

func TestNewSourceChunkerDefaults(t *testing.T) {
	c := NewSourceChunker(ChunkOptions{ChunkSize: 100, ChunkOverlap: 500})
	opts := c.Options()
	assert.Equal(t, 100, opts.ChunkSize)
	assert.Equal(t, 20, opts.ChunkOverlap)
	assert.Equal(t, 400, opts.MaxChunkSize)
	assert.Equal(t, DefaultChunkOptions().MinChunkSize, opts.MinChunkSize)
}
