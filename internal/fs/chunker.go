package fs

import (
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"

	"github.com/nickcecere/codechat/internal/errs"
)

// SourceChunker splits files on declaration boundaries and falls back to line windows.
type SourceChunker struct {
	opts ChunkOptions
}

// NewSourceChunker creates a chunker, filling zero options from DefaultChunkOptions.
func NewSourceChunker(opts ChunkOptions) *SourceChunker {
	def := DefaultChunkOptions()
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = def.ChunkSize
	}
	if opts.ChunkOverlap < 0 || opts.ChunkOverlap >= opts.ChunkSize {
		opts.ChunkOverlap = opts.ChunkSize / 5
	}
	if opts.MinChunkSize <= 0 {
		opts.MinChunkSize = def.MinChunkSize
	}
	if opts.MaxChunkSize < opts.ChunkSize {
		opts.MaxChunkSize = opts.ChunkSize * 4
	}

	return &SourceChunker{opts: opts}
}

// Options returns the effective options.
func (c *SourceChunker) Options() ChunkOptions {
	return c.opts
}

// ChunkFile reads and chunks a single file.
func (c *SourceChunker) ChunkFile(fi FileInfo) ([]Chunk, error) {
	content, err := os.ReadFile(fi.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", errs.ErrIO, fi.RelPath, err)
	}
	return c.Chunk(string(content), fi.RelPath), nil
}

// Chunk splits content into chunks no longer than MaxChunkSize.
func (c *SourceChunker) Chunk(content string, relPath string) []Chunk {
	if strings.TrimSpace(content) == "" {
		return nil
	}

	lang := DetectLanguage(relPath)
	lines := strings.Split(strings.TrimRight(content, "\n"), "\n")

	var chunks []Chunk
	switch {
	case lang == LangGo:
		if bounds, ok := goBoundaries(content); ok {
			chunks = c.chunkAtBoundaries(lines, bounds)
		}
	case SupportsCodeChunking(lang):
		chunks = c.chunkAtBoundaries(lines, findCodeBoundaries(lines, lang))
	}
	if len(chunks) == 0 {
		chunks = c.chunkText(lines, 1)
	}

	kind := KindText
	if IsCodeFile(relPath) {
		kind = KindCode
	}
	for i := range chunks {
		chunks[i].ChunkIndex = i
		chunks[i].Kind = kind
		chunks[i].Hash = ChunkHash(relPath, chunks[i].StartLine, chunks[i].EndLine, chunks[i].Content)
	}
	return chunks
}

// ChunkHash identifies a chunk by location and content.
func ChunkHash(relPath string, startLine, endLine int, content string) string {
	h := xxhash.New()
	fmt.Fprintf(h, "%s\x00%d\x00%d\x00", relPath, startLine, endLine)
	_, _ = h.WriteString(content)
	return fmt.Sprintf("%016x", h.Sum64())
}

// boundary marks the 0-indexed line where a declaration starts.
type boundary struct {
	line   int
	symbol string
}

// chunkAtBoundaries emits one chunk per declaration block. Blocks smaller than
// MinChunkSize are merged into the following block, oversized blocks are windowed.
func (c *SourceChunker) chunkAtBoundaries(lines []string, bounds []boundary) []Chunk {
	if len(bounds) == 0 {
		return nil
	}
	if bounds[0].line > 0 {
		bounds = append([]boundary{{line: 0}}, bounds...)
	}

	var chunks []Chunk
	pending := -1
	symbol := ""

	for i, b := range bounds {
		end := len(lines)
		if i+1 < len(bounds) {
			end = bounds[i+1].line
		}
		start := b.line
		if pending >= 0 {
			start = pending
		}
		if b.symbol != "" {
			symbol = b.symbol
		}

		block := strings.Join(lines[start:end], "\n")
		size := utf8.RuneCountInString(block)
		last := i == len(bounds)-1

		if size < c.opts.MinChunkSize && !last {
			pending = start
			continue
		}
		pending = -1

		if strings.TrimSpace(block) == "" {
			symbol = ""
			continue
		}

		if size > c.opts.MaxChunkSize {
			for _, sub := range c.chunkText(lines[start:end], start+1) {
				sub.Symbol = symbol
				chunks = append(chunks, sub)
			}
		} else {
			first, lastLine := trimBlankLines(lines, start, end)
			chunks = append(chunks, Chunk{
				Content:   strings.Join(lines[first:lastLine], "\n"),
				StartLine: first + 1,
				EndLine:   lastLine,
				Symbol:    symbol,
			})
		}
		symbol = ""
	}

	return chunks
}

// trimBlankLines narrows [start, end) to exclude leading and trailing blank lines.
func trimBlankLines(lines []string, start, end int) (int, int) {
	for start < end-1 && strings.TrimSpace(lines[start]) == "" {
		start++
	}
	for end > start+1 && strings.TrimSpace(lines[end-1]) == "" {
		end--
	}
	return start, end
}

// segment is a line, or a piece of a line longer than ChunkSize.
type segment struct {
	text string
	line int  // 0-indexed within the windowed lines
	eol  bool // last piece of its line
}

func (s segment) size() int {
	n := utf8.RuneCountInString(s.text)
	if s.eol {
		n++
	}
	return n
}

// chunkText builds overlapping line windows of at most ChunkSize characters.
// firstLine is the 1-indexed number of lines[0].
func (c *SourceChunker) chunkText(lines []string, firstLine int) []Chunk {
	segs := splitSegments(lines, c.opts.ChunkSize)

	var chunks []Chunk
	var current, prev []segment
	size, carried := 0, 0

	for _, seg := range segs {
		n := seg.size()
		if size+n > c.opts.ChunkSize && len(current) > 0 {
			chunks = append(chunks, windowChunk(current, firstLine))
			prev = current
			current = c.overlap(current, c.opts.ChunkSize-n)
			carried = len(current)
			size = sizeOf(current)
		}
		current = append(current, seg)
		size += n
	}

	fresh := current[min(carried, len(current)):]
	if len(fresh) == 0 {
		return chunks
	}
	if len(chunks) > 0 && sizeOf(fresh) < c.opts.MinChunkSize && sizeOf(prev)+sizeOf(fresh) <= c.opts.MaxChunkSize {
		merged := append(append([]segment(nil), prev...), fresh...)
		chunks[len(chunks)-1] = windowChunk(merged, firstLine)
		return chunks
	}
	if strings.TrimSpace(joinSegments(fresh)) == "" && len(chunks) > 0 {
		return chunks
	}
	return append(chunks, windowChunk(current, firstLine))
}

// overlap returns the trailing segments of a window that fit in min(ChunkOverlap, budget).
func (c *SourceChunker) overlap(segs []segment, budget int) []segment {
	limit := min(c.opts.ChunkOverlap, budget)
	if limit <= 0 {
		return nil
	}

	i, size := len(segs), 0
	for i > 0 && size+segs[i-1].size() <= limit {
		i--
		size += segs[i].size()
	}
	return append([]segment(nil), segs[i:]...)
}

func splitSegments(lines []string, maxLen int) []segment {
	segs := make([]segment, 0, len(lines))
	for i, line := range lines {
		if utf8.RuneCountInString(line) < maxLen {
			segs = append(segs, segment{text: line, line: i, eol: true})
			continue
		}
		runes := []rune(line)
		step := max(maxLen-1, 1)
		for start := 0; start < len(runes); start += step {
			end := min(start+step, len(runes))
			segs = append(segs, segment{text: string(runes[start:end]), line: i, eol: end == len(runes)})
		}
	}
	return segs
}

func joinSegments(segs []segment) string {
	var b strings.Builder
	for i, s := range segs {
		b.WriteString(s.text)
		if s.eol && i < len(segs)-1 {
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func sizeOf(segs []segment) int {
	n := 0
	for _, s := range segs {
		n += s.size()
	}
	return n
}

func windowChunk(segs []segment, firstLine int) Chunk {
	return Chunk{
		Content:   joinSegments(segs),
		StartLine: firstLine + segs[0].line,
		EndLine:   firstLine + segs[len(segs)-1].line,
	}
}

// findCodeBoundaries finds lines where top-level definitions start.
func findCodeBoundaries(lines []string, lang string) []boundary {
	var bounds []boundary
	inMultilineComment := false

	for i, line := range lines {
		trimmed := strings.TrimSpace(line)

		if trimmed == "" {
			continue
		}

		// Handle multiline comments (simplified)
		if strings.Contains(trimmed, "/*") {
			inMultilineComment = true
		}
		if strings.Contains(trimmed, "*/") {
			inMultilineComment = false
			continue
		}
		if inMultilineComment {
			continue
		}

		// Nested definitions stay with their enclosing block
		if lang == LangPython && line != trimmed {
			continue
		}

		if isDefinitionStart(trimmed, lang) {
			bounds = append(bounds, boundary{line: i})
		}
	}

	return bounds
}

// isDefinitionStart checks if a line starts a function/class/type definition.
func isDefinitionStart(line, lang string) bool {
	switch lang {
	case LangTypeScript, LangJavaScript:
		return hasAnyPrefix(line, "function ", "async function ", "class ", "interface ", "type ",
			"export function ", "export async function ", "export class ", "export interface ",
			"export type ", "export const ", "export default ")

	case LangPython:
		return hasAnyPrefix(line, "def ", "class ", "async def ", "@")

	case LangRust:
		return hasAnyPrefix(line, "fn ", "pub fn ", "async fn ", "pub async fn ", "struct ", "pub struct ",
			"enum ", "pub enum ", "impl ", "impl<", "trait ", "pub trait ", "mod ", "pub mod ")

	case LangJava, LangCSharp:
		return strings.Contains(line, "class ") ||
			strings.Contains(line, "interface ") ||
			strings.Contains(line, "enum ") ||
			(strings.Contains(line, "(") && strings.Contains(line, ")") && !strings.HasSuffix(line, ";") &&
				hasAnyPrefix(line, "public ", "private ", "protected ", "static ", "internal "))

	case LangC, LangCPP:
		return (strings.Contains(line, "(") && !strings.HasSuffix(line, ";") &&
			!strings.HasPrefix(line, "//") && !strings.HasPrefix(line, "#") &&
			!hasAnyPrefix(line, "if ", "if(", "for ", "for(", "while ", "while(", "switch ", "return ", "}")) ||
			hasAnyPrefix(line, "struct ", "class ", "namespace ")

	case LangRuby:
		return hasAnyPrefix(line, "def ", "class ", "module ")

	case LangPHP:
		return hasAnyPrefix(line, "function ", "public function ", "private function ", "protected function ") ||
			strings.Contains(line, "class ") ||
			strings.Contains(line, "interface ") ||
			strings.Contains(line, "trait ")

	case LangSwift:
		return hasAnyPrefix(line, "func ", "class ", "struct ", "enum ", "protocol ", "extension ")

	case LangKotlin:
		return hasAnyPrefix(line, "fun ", "class ", "interface ", "object ", "data class ")

	case LangScala:
		return hasAnyPrefix(line, "def ", "class ", "object ", "trait ", "case class ")
	}

	return false
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
