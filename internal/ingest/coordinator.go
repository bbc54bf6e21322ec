// Package ingest runs ingestion jobs: scan a repository, chunk and embed its files,
// and swap the result into the vector index as a new generation.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/nickcecere/codechat/internal/config"
	"github.com/nickcecere/codechat/internal/embeddings"
	"github.com/nickcecere/codechat/internal/errs"
	"github.com/nickcecere/codechat/internal/fs"
	"github.com/nickcecere/codechat/internal/gitrepo"
	"github.com/nickcecere/codechat/internal/store"
)

// ErrCanceled is the failure of a job stopped by Cancel or Shutdown.
var ErrCanceled = errors.New("ingestion canceled")

// statusTimeout bounds the project status write after a job ends.
const statusTimeout = 5 * time.Second

// Options configures a Coordinator.
type Options struct {
	// Walk is applied to every job with Root set to the job's directory.
	Walk fs.WalkOptions

	// Workers is the number of files embedded concurrently within one job.
	Workers int

	// GitHistory adds the most recent GitHistoryDepth commits as chunks.
	GitHistory      bool
	GitHistoryDepth int

	// CloneDepth is the history depth of remote clones.
	CloneDepth int

	// RetainJobs is how many finished jobs are kept for late observers.
	RetainJobs int

	// EmbeddingProvider and EmbeddingModel are recorded in the index after a successful job.
	EmbeddingProvider string
	EmbeddingModel    string
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	walk := fs.DefaultWalkOptions()
	walk.IgnorePatterns = config.DefaultIgnorePatterns()
	return Options{
		Walk:            walk,
		Workers:         config.DefaultIngestWorkers,
		GitHistory:      true,
		GitHistoryDepth: config.DefaultGitHistoryDepth,
		CloneDepth:      config.DefaultGitHistoryDepth,
		RetainJobs:      256,
	}
}

// OptionsFromConfig builds Options from the indexing, ingest and embeddings sections.
func OptionsFromConfig(cfg *config.Config) Options {
	opts := DefaultOptions()
	opts.Walk.MaxFileSize = int64(cfg.Indexing.MaxFileSize)
	opts.Walk.MaxFileCount = cfg.Indexing.MaxFileCount
	opts.Walk.MaxTotalBytes = cfg.Indexing.MaxTotalBytes
	opts.Walk.IgnorePatterns = cfg.Ignore
	opts.Walk.Extensions = cfg.Indexing.Extensions
	if cfg.Ingest.Workers > 0 {
		opts.Workers = cfg.Ingest.Workers
	}
	opts.GitHistory = cfg.Indexing.GitHistory
	if cfg.Indexing.GitHistoryDepth > 0 {
		opts.GitHistoryDepth = cfg.Indexing.GitHistoryDepth
		opts.CloneDepth = cfg.Indexing.GitHistoryDepth
	}
	opts.EmbeddingProvider = cfg.Embeddings.Provider
	switch cfg.Embeddings.Provider {
	case string(embeddings.ProviderOpenAI):
		opts.EmbeddingModel = cfg.Embeddings.OpenAI.Model
	default:
		opts.EmbeddingModel = cfg.Embeddings.Ollama.Model
	}
	return opts
}

// Coordinator runs at most one ingestion job per path.
type Coordinator struct {
	store    store.Index
	embedder embeddings.Embedder
	chunker  fs.Chunker
	git      *gitrepo.Client
	opts     Options

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu     sync.Mutex
	closed bool
	// active is the per-path lock table: a non-terminal job here owns its path.
	active   map[string]*Job
	finished *lru.Cache[string, *Job]
}

// New creates a Coordinator. git may be nil to disable cloning and commit history.
func New(idx store.Index, emb embeddings.Embedder, chunker fs.Chunker, git *gitrepo.Client, opts Options) *Coordinator {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.RetainJobs <= 0 {
		opts.RetainJobs = DefaultOptions().RetainJobs
	}
	finished, _ := lru.New[string, *Job](opts.RetainJobs)

	ctx, stop := context.WithCancel(context.Background())
	return &Coordinator{
		store:    idx,
		embedder: emb,
		chunker:  chunker,
		git:      git,
		opts:     opts,
		ctx:      ctx,
		stop:     stop,
		active:   make(map[string]*Job),
		finished: finished,
	}
}

// NormalizePath returns the key a path or repository URL is tracked under.
func NormalizePath(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", fmt.Errorf("%w: empty path", errs.ErrInvalidRequest)
	}
	if gitrepo.IsRemoteURL(path) {
		return strings.TrimRight(path, "/"), nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve path: %w", err)
	}
	return abs, nil
}

// Start begins ingesting path in the background.
// It fails with errs.ErrAlreadyInProgress while another job for the same path is running.
func (c *Coordinator) Start(path string) (*Job, error) {
	key, err := NormalizePath(path)
	if err != nil {
		return nil, err
	}
	remote := gitrepo.IsRemoteURL(key)
	if remote && c.git == nil {
		return nil, fmt.Errorf("cannot clone %s: git support is disabled", key)
	}
	if !remote {
		info, err := os.Stat(key)
		if err != nil {
			return nil, fmt.Errorf("%w: path %s does not exist", errs.ErrNotFound, key)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("%w: path %s is not a directory", errs.ErrNotFound, key)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, fmt.Errorf("coordinator is shut down")
	}
	if running, ok := c.active[key]; ok && !running.terminal() {
		return nil, fmt.Errorf("%w: %s (job %s)", errs.ErrAlreadyInProgress, key, running.ID())
	}

	ctx, cancel := context.WithCancel(c.ctx)
	job := newJob(uuid.NewString(), key, cancel)
	c.active[key] = job
	job.emit(Event{Status: StatusInfo, Message: "Queued ingestion of " + key})

	log.Info("Starting ingestion", "path", key, "job", job.ID())

	c.wg.Add(1)
	go c.run(ctx, job, remote)
	return job, nil
}

// Job returns the running or most recently finished job for path.
func (c *Coordinator) Job(path string) (*Job, error) {
	key, err := NormalizePath(path)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if job, ok := c.active[key]; ok {
		return job, nil
	}
	if job, ok := c.finished.Get(key); ok {
		return job, nil
	}
	return nil, fmt.Errorf("%w: no ingestion job for %s", errs.ErrNotFound, key)
}

// Subscribe streams the events of the job for path. See Job.Subscribe.
func (c *Coordinator) Subscribe(path string) (<-chan Event, func(), error) {
	job, err := c.Job(path)
	if err != nil {
		return nil, nil, err
	}
	ch, unsubscribe := job.Subscribe()
	return ch, unsubscribe, nil
}

// Cancel stops the running job for path.
func (c *Coordinator) Cancel(path string) error {
	job, err := c.Job(path)
	if err != nil {
		return err
	}
	if job.terminal() {
		return fmt.Errorf("%w: no running ingestion job for %s", errs.ErrNotFound, job.Path())
	}
	log.Info("Canceling ingestion", "path", job.Path(), "job", job.ID())
	job.Cancel()
	return nil
}

// Active returns snapshots of the running jobs.
func (c *Coordinator) Active() []Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snaps := make([]Snapshot, 0, len(c.active))
	for _, job := range c.active {
		if !job.terminal() {
			snaps = append(snaps, job.Snapshot())
		}
	}
	return snaps
}

// Shutdown cancels running jobs and waits for them to finish or for ctx to end.
// Start fails afterwards.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.stop()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) run(ctx context.Context, job *Job, remote bool) {
	defer c.wg.Done()

	start := time.Now()
	err := c.ingest(ctx, job, remote)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			err = ErrCanceled
		}
		log.Error("Ingestion failed", "path", job.Path(), "job", job.ID(), "error", err)
		c.markFailed(ctx, job, err)
	} else {
		log.Info("Ingestion complete", "path", job.Path(), "duration", time.Since(start).Round(time.Millisecond))
	}

	job.finish(err)

	c.mu.Lock()
	if c.active[job.Path()] == job {
		delete(c.active, job.Path())
	}
	c.finished.Add(job.Path(), job)
	c.mu.Unlock()
}

// markFailed records the failure on the project. A project with an earlier
// generation stays ready because that generation is still served.
func (c *Coordinator) markFailed(ctx context.Context, job *Job, cause error) {
	projectID := job.Snapshot().ProjectID
	if projectID == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusTimeout)
	defer cancel()

	status := store.StatusFailed
	if _, err := c.store.ActiveGeneration(ctx, projectID); err == nil {
		status = store.StatusReady
	}
	if err := c.store.SetProjectStatus(ctx, projectID, status, cause.Error()); err != nil {
		log.Warn("Failed to record ingestion failure", "project", projectID, "error", err)
	}
}

func (c *Coordinator) ingest(ctx context.Context, job *Job, remote bool) error {
	key := job.Path()
	root := key

	if remote {
		job.emit(Event{Status: StatusInfo, Message: "Cloning " + key})
		dir, cleanup, err := c.git.CloneTemp(ctx, key, c.opts.CloneDepth)
		if err != nil {
			return err
		}
		defer cleanup()
		root = dir
	}

	project, err := c.store.EnsureProject(ctx, key)
	if err != nil {
		return err
	}
	job.setProject(project.ID)
	if err := c.store.SetProjectStatus(ctx, project.ID, store.StatusIngesting, ""); err != nil {
		return err
	}

	// Scanning
	job.setState(StateScanning)
	job.emit(Event{Status: StatusScanning, Message: "Scanning " + key})

	walkOpts := c.opts.Walk
	walkOpts.Root = root
	walker, err := fs.NewFileWalker(walkOpts)
	if err != nil {
		return fmt.Errorf("failed to create file walker: %w", err)
	}
	files, err := fs.Collect(ctx, walker)
	if err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}
	job.setTotal(len(files))
	log.Info("Found files to ingest", "path", key, "count", len(files))
	job.emit(Event{
		Status:   StatusScanning,
		Message:  fmt.Sprintf("Found %d files", len(files)),
		Progress: progressScanned,
		Total:    len(files),
	})

	commits := c.commitChunks(ctx, root)

	// Embedding
	job.setState(StateEmbedding)
	batch, err := c.embed(ctx, job, files, commits, remote)
	if err != nil {
		return err
	}

	// Finalizing
	job.setState(StateFinalizing)
	job.emit(Event{Status: StatusInfo, Message: "Saving index", Progress: progressFinalizing})
	if err := ctx.Err(); err != nil {
		return err
	}

	gen, err := c.store.Upsert(ctx, project.ID, batch)
	if err != nil {
		return fmt.Errorf("failed to save index: %w", err)
	}
	log.Debug("Saved generation", "path", key, "generation", gen.ID, "chunks", gen.ChunkCount)

	// The generation is live. A cancel from here on does not undo it.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusTimeout)
	defer cancel()

	if c.opts.EmbeddingModel != "" {
		info := store.EmbeddingInfo{
			Provider:   c.opts.EmbeddingProvider,
			Model:      c.opts.EmbeddingModel,
			Dimensions: c.embedder.Dimensions(),
		}
		if err := c.store.SetEmbeddingInfo(ctx, info); err != nil {
			log.Warn("Failed to record embedding model", "error", err)
		}
	}

	if err := c.store.SetProjectStatus(ctx, project.ID, store.StatusReady, ""); err != nil {
		log.Warn("Failed to mark project ready", "project", project.ID, "error", err)
	}
	return nil
}

// commitChunks returns recent history of root as chunks, or nil if unavailable.
func (c *Coordinator) commitChunks(ctx context.Context, root string) []fs.Chunk {
	if !c.opts.GitHistory || c.git == nil || c.opts.GitHistoryDepth <= 0 {
		return nil
	}
	if !c.git.IsGitRepository(ctx, root) {
		return nil
	}
	commits, err := c.git.RecentCommits(ctx, root, c.opts.GitHistoryDepth)
	if err != nil {
		log.Warn("Failed to read git history", "path", root, "error", err)
		return nil
	}
	return gitrepo.CommitChunks(commits)
}

// embed chunks files in walk order and embeds them on up to Workers goroutines.
// It returns only after every file has been embedded or the first failure.
func (c *Coordinator) embed(ctx context.Context, job *Job, files []fs.FileInfo, commits []fs.Chunk, remote bool) (store.Batch, error) {
	type result struct {
		file    store.FileInput
		entries []store.Entry
		ok      bool
	}
	results := make([]result, len(files))
	var history []store.Entry

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Workers)

	var seqErr error
	i := 0
	for fc, err := range fs.ChunkFiles(gctx, files, c.chunker) {
		idx := i
		i++
		if err != nil {
			if errors.Is(err, errs.ErrIO) {
				log.Warn("Skipping unreadable file", "path", fc.File.RelPath, "error", err)
				job.fileDone(fc.File.RelPath, 0, true)
				continue
			}
			seqErr = err
			break
		}

		g.Go(func() error {
			entries, err := c.embedChunks(gctx, fc.File.RelPath, fc.Chunks)
			if err != nil {
				return fmt.Errorf("failed to embed %s: %w", fc.File.RelPath, err)
			}
			results[idx] = result{file: fileInput(fc.File, remote), entries: entries, ok: true}
			job.fileDone(fc.File.RelPath, len(entries), false)
			return nil
		})
	}

	if len(commits) > 0 && seqErr == nil {
		g.Go(func() error {
			entries, err := c.embedChunks(gctx, gitrepo.LogPath, commits)
			if err != nil {
				return fmt.Errorf("failed to embed git history: %w", err)
			}
			history = entries
			job.addChunks(len(entries))
			return nil
		})
	}

	// Barrier: nothing is committed until every file is embedded
	if err := g.Wait(); err != nil {
		return store.Batch{}, err
	}
	if seqErr != nil {
		return store.Batch{}, seqErr
	}

	var batch store.Batch
	for _, r := range results {
		if !r.ok {
			continue
		}
		batch.Files = append(batch.Files, r.file)
		batch.Entries = append(batch.Entries, r.entries...)
	}
	batch.Entries = append(batch.Entries, history...)
	return batch, nil
}

func (c *Coordinator) embedChunks(ctx context.Context, relPath string, chunks []fs.Chunk) ([]store.Entry, error) {
	if len(chunks) == 0 {
		return nil, nil
	}

	items := make([]embeddings.Item, len(chunks))
	for i, ch := range chunks {
		items[i] = embeddings.Item{Key: ch.Hash, Text: ch.Content}
	}
	vectors, err := c.embedder.EmbedItems(ctx, items)
	if err != nil {
		return nil, err
	}

	entries := make([]store.Entry, len(chunks))
	for i, ch := range chunks {
		entries[i] = store.Entry{
			RelativePath: relPath,
			ChunkIndex:   ch.ChunkIndex,
			Content:      ch.Content,
			StartLine:    ch.StartLine,
			EndLine:      ch.EndLine,
			Symbol:       ch.Symbol,
			Kind:         ch.Kind,
			Hash:         ch.Hash,
			Vector:       vectors[i],
		}
	}
	return entries, nil
}

func fileInput(fi fs.FileInfo, remote bool) store.FileInput {
	path := fi.Path
	if remote {
		// The clone directory is deleted after the job
		path = fi.RelPath
	}
	return store.FileInput{
		Path:         path,
		RelativePath: fi.RelPath,
		Hash:         fi.Hash,
		FileSize:     fi.Size,
		Language:     fi.Language,
	}
}
