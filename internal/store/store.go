package store

import "context"

// Index is the vector index. Each project exposes exactly one active generation to readers.
type Index interface {
	// Projects
	EnsureProject(ctx context.Context, rootPath string) (*Project, error)
	GetProject(ctx context.Context, id int64) (*Project, error)
	GetProjectByPath(ctx context.Context, rootPath string) (*Project, error)
	ListProjects(ctx context.Context) ([]Project, error)
	LatestReadyProject(ctx context.Context) (*Project, error)
	SetProjectStatus(ctx context.Context, id int64, status ProjectStatus, lastError string) error

	// Entries
	Upsert(ctx context.Context, projectID int64, batch Batch) (*Generation, error)
	Search(ctx context.Context, projectID int64, vector []float32, k int, filter *PathFilter) ([]Hit, error)
	Delete(ctx context.Context, projectID int64) error
	Stats(ctx context.Context, projectID int64) (*Stats, error)
	ActiveGeneration(ctx context.Context, projectID int64) (*Generation, error)
	GenerationHashes(ctx context.Context, generationID int64) ([]string, error)
	ChunksByPath(ctx context.Context, projectID int64, paths []string, limit int) ([]ChunkRecord, error)
	ListFiles(ctx context.Context, projectID int64) ([]string, error)

	// Embedding model bookkeeping
	EmbeddingInfo(ctx context.Context) (*EmbeddingInfo, error)
	SetEmbeddingInfo(ctx context.Context, info EmbeddingInfo) error

	Close() error
}

// History is the append-only chat log.
type History interface {
	CreateSession(ctx context.Context, s Session) (*Session, error)
	GetSession(ctx context.Context, id string) (*Session, error)
	SetSessionProject(ctx context.Context, id string, projectID int64) error
	ListSessions(ctx context.Context, userID string) ([]Session, error)
	AppendMessage(ctx context.Context, m Message) (*Message, error)
	ListMessages(ctx context.Context, sessionID string) ([]Message, error)
	RecentMessages(ctx context.Context, sessionID string, n int) ([]Message, error)
}
