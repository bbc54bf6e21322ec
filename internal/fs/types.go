// Package fs walks repositories and splits source files into retrievable chunks.
package fs

import (
	"time"
)

// FileInfo represents metadata about a file.
type FileInfo struct {
	Path     string    // Absolute path to the file
	RelPath  string    // Path relative to the root, slash separated
	Size     int64     // File size in bytes
	ModTime  time.Time // Last modification time
	Hash     string    // xxhash of file contents
	Language string    // Detected programming language (if applicable)
}

// Chunk kinds.
const (
	KindCode   = "code"
	KindText   = "text"
	KindCommit = "commit"
)

// Chunk represents a piece of a file for embedding.
type Chunk struct {
	Content    string // The text content of the chunk
	StartLine  int    // Starting line number (1-indexed)
	EndLine    int    // Ending line number (1-indexed)
	ChunkIndex int    // Index of this chunk within the file
	Symbol     string // Declaration name when split on a syntactic boundary
	Kind       string // KindCode, KindText or KindCommit
	Hash       string // Stable hash of path, line range and content
}

// FileChunks is one element of a chunk sequence.
type FileChunks struct {
	File   FileInfo
	Chunks []Chunk
}

// WalkOptions configures the file walker.
type WalkOptions struct {
	// Root is the directory to start walking from.
	Root string

	// MaxFileSize is the maximum file size to process (in bytes). Larger files are skipped.
	MaxFileSize int64

	// MaxFileCount aborts the walk with errs.ErrLimitExceeded when more files qualify.
	MaxFileCount int

	// MaxTotalBytes aborts the walk with errs.ErrLimitExceeded when qualifying files exceed it.
	MaxTotalBytes int64

	// IgnorePatterns are additional patterns to ignore (gitignore syntax).
	IgnorePatterns []string

	// IncludeHidden includes hidden files and directories.
	IncludeHidden bool

	// UseGitignore respects .gitignore files.
	UseGitignore bool

	// Extensions limits to specific file extensions (e.g., ".go", ".ts").
	// Empty means all text files.
	Extensions []string
}

// ChunkOptions configures the chunker.
type ChunkOptions struct {
	// ChunkSize is the target size for each window in characters.
	ChunkSize int

	// ChunkOverlap is the number of overlapping characters between windows.
	ChunkOverlap int

	// MinChunkSize is the minimum chunk size. Smaller blocks are merged with a neighbour.
	MinChunkSize int

	// MaxChunkSize is the hard ceiling. Larger blocks are split into windows.
	MaxChunkSize int
}

// DefaultWalkOptions returns sensible defaults for walking.
func DefaultWalkOptions() WalkOptions {
	return WalkOptions{
		MaxFileSize:   1024 * 1024, // 1MB
		MaxFileCount:  10000,
		MaxTotalBytes: 200 << 20,
		UseGitignore:  true,
	}
}

// DefaultChunkOptions returns sensible defaults for chunking.
func DefaultChunkOptions() ChunkOptions {
	return ChunkOptions{
		ChunkSize:    1000,
		ChunkOverlap: 200,
		MinChunkSize: 100,
		MaxChunkSize: 4000,
	}
}

// Walker walks a directory tree and yields files.
type Walker interface {
	// Walk walks the directory tree and calls fn for each file.
	// The walk stops if fn returns an error.
	Walk(fn func(FileInfo) error) error

	// Stats returns statistics about the walk.
	Stats() WalkStats
}

// WalkStats contains statistics from a directory walk.
type WalkStats struct {
	FilesFound   int   // Total files found
	FilesSkipped int   // Files skipped due to size/pattern/etc
	DirsSkipped  int   // Directories skipped
	TotalBytes   int64 // Total bytes of files found
	SkippedBytes int64 // Total bytes of skipped files
}

// Chunker splits file contents into chunks.
type Chunker interface {
	// Chunk splits the content into chunks. relPath identifies the file in chunk hashes.
	Chunk(content string, relPath string) []Chunk

	// ChunkFile reads the file and splits it. Unreadable files fail with errs.ErrIO.
	ChunkFile(fi FileInfo) ([]Chunk, error)
}
