// Package store provides the vector index, project registry and chat history on SQLite and sqlite-vec.
package store

import "time"

// ProjectStatus is the lifecycle state of a project.
type ProjectStatus string

const (
	StatusNotIngested ProjectStatus = "not_ingested"
	StatusIngesting   ProjectStatus = "ingesting"
	StatusReady       ProjectStatus = "ready"
	StatusFailed      ProjectStatus = "failed"
)

// GenerationState is the lifecycle state of one generation of a project's index.
type GenerationState string

const (
	GenerationBuilding GenerationState = "building"
	GenerationActive   GenerationState = "active"
	GenerationRetired  GenerationState = "retired"
)

// Project is one ingested repository.
type Project struct {
	ID               int64         `json:"id"`
	RootPath         string        `json:"root_path"`
	Name             string        `json:"name"`
	Status           ProjectStatus `json:"status"`
	ActiveGeneration int64         `json:"active_generation,omitempty"`
	LastIngestedAt   *time.Time    `json:"last_ingested_at,omitempty"`
	LastError        string        `json:"last_error,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// Generation is one atomically swapped version of a project's entries.
type Generation struct {
	ID          int64           `json:"id"`
	ProjectID   int64           `json:"project_id"`
	State       GenerationState `json:"state"`
	FileCount   int             `json:"file_count"`
	ChunkCount  int             `json:"chunk_count"`
	CreatedAt   time.Time       `json:"created_at"`
	ActivatedAt *time.Time      `json:"activated_at,omitempty"`
}

// FileInput describes an ingested file.
type FileInput struct {
	Path         string `json:"path"`          // Absolute path
	RelativePath string `json:"relative_path"` // Slash separated, relative to the project root
	Hash         string `json:"hash"`
	FileSize     int64  `json:"file_size"`
	Language     string `json:"language"`
}

// ChunkRecord is a stored chunk.
type ChunkRecord struct {
	ID           int64  `json:"id"`
	GenerationID int64  `json:"generation_id"`
	RelativePath string `json:"relative_path"`
	ChunkIndex   int    `json:"chunk_index"`
	Content      string `json:"content"`
	StartLine    int    `json:"start_line"` // 1-indexed, 0 for chunks without a line range
	EndLine      int    `json:"end_line"`
	Symbol       string `json:"symbol,omitempty"`
	Kind         string `json:"kind"`
	Hash         string `json:"hash"`
}

// Entry is one (vector, chunk) pair written by Upsert.
type Entry struct {
	RelativePath string
	ChunkIndex   int
	Content      string
	StartLine    int
	EndLine      int
	Symbol       string
	Kind         string
	Hash         string
	Vector       []float32
}

// Batch is the complete content of a new generation.
type Batch struct {
	Files   []FileInput
	Entries []Entry
}

// PathFilter restricts search results to one file or a path prefix.
type PathFilter struct {
	Prefix string
}

// Hit is a search result.
type Hit struct {
	Chunk    ChunkRecord `json:"chunk"`
	Distance float64     `json:"distance"` // Cosine distance from sqlite-vec
	Score    float64     `json:"score"`    // 1 - distance (similarity)
}

// Stats contains statistics about a project's active generation.
type Stats struct {
	ProjectID    int64  `json:"project_id"`
	RootPath     string `json:"root_path"`
	GenerationID int64  `json:"generation_id"`
	FileCount    int    `json:"file_count"`
	ChunkCount   int    `json:"chunk_count"`
	TotalSize    int64  `json:"total_size"`
}

// EmbeddingInfo records the model the index was built with.
type EmbeddingInfo struct {
	Provider   string `json:"provider"`
	Model      string `json:"model"`
	Dimensions int    `json:"dimensions"`
}

// Role is the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Session groups the messages of one conversation.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	ProjectID int64     `json:"project_id,omitempty"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is one persisted chat turn.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Sources   []string  `json:"sources,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
