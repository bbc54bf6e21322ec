// Package search retrieves the chunks most relevant to a question.
package search

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/nickcecere/codechat/internal/config"
	"github.com/nickcecere/codechat/internal/embeddings"
	"github.com/nickcecere/codechat/internal/errs"
	"github.com/nickcecere/codechat/internal/fs"
	"github.com/nickcecere/codechat/internal/gitrepo"
	"github.com/nickcecere/codechat/internal/store"
)

// Display values for results without a line range.
const (
	CommitFile   = "GIT COMMIT"
	HistoryLines = "History"
	LinkedLines  = "Dependency"
	LinkedScore  = "Linked"
)

// Retriever finds the chunks of a project nearest to a question.
type Retriever struct {
	index    store.Index
	embedder embeddings.Embedder
	opts     Options
	queries  *lru.Cache[string, []float32]
}

// Query is one retrieval request.
type Query struct {
	ProjectID int64
	Text      string

	// K is the number of results; 0 uses Options.TopK.
	K int

	// PathFilter restricts results to a file or directory. Absolute paths
	// inside the project root are made relative.
	PathFilter string
}

// Result is one retrieved chunk.
type Result struct {
	File      string `json:"file"`
	Path      string `json:"path"`
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
	// Lines is "start-end", or HistoryLines / LinkedLines for chunks without a range.
	Lines  string `json:"lines"`
	Code   string `json:"code"`
	Symbol string `json:"symbol,omitempty"`
	Kind   string `json:"kind,omitempty"`

	// Score is the reranked relevance in [0, 1]; Similarity is the raw cosine similarity.
	Score      float64 `json:"score"`
	Similarity float64 `json:"similarity"`

	// Linked marks a dependency of another result rather than a match.
	Linked bool `json:"linked,omitempty"`

	ContextBefore string `json:"context_before,omitempty"`
	ContextAfter  string `json:"context_after,omitempty"`
}

// Match returns the score as a whole percentage, or LinkedScore for dependencies.
func (r Result) Match() string {
	if r.Linked {
		return LinkedScore
	}
	pct := int(r.Score * 100)
	pct = max(0, min(100, pct))
	return fmt.Sprintf("%d%%", pct)
}

// Options configures a Retriever.
type Options struct {
	// TopK is the default number of results.
	TopK int

	// CandidateFactor multiplies K to get the number of nearest neighbours reranked.
	CandidateFactor int

	// ExpandDependencies appends files imported by the results, at most MaxDependencies.
	ExpandDependencies bool
	MaxDependencies    int

	// ContextLines reads this many lines around each result from disk.
	ContextLines int

	// CacheSize is the number of query vectors kept.
	CacheSize int
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		TopK:               config.DefaultTopK,
		CandidateFactor:    config.DefaultCandidateFactor,
		ExpandDependencies: true,
		MaxDependencies:    config.DefaultMaxDependencies,
		CacheSize:          1024,
	}
}

// OptionsFromConfig maps the retrieval config section onto Options.
func OptionsFromConfig(cfg config.RetrievalConfig) Options {
	opts := DefaultOptions()
	if cfg.TopK > 0 {
		opts.TopK = cfg.TopK
	}
	if cfg.CandidateFactor > 0 {
		opts.CandidateFactor = cfg.CandidateFactor
	}
	opts.ExpandDependencies = cfg.ExpandDependencies
	if cfg.MaxDependencies >= 0 {
		opts.MaxDependencies = cfg.MaxDependencies
	}
	return opts
}

// New creates a Retriever.
func New(idx store.Index, emb embeddings.Embedder, opts Options) *Retriever {
	def := DefaultOptions()
	if opts.TopK <= 0 {
		opts.TopK = def.TopK
	}
	if opts.CandidateFactor <= 0 {
		opts.CandidateFactor = 1
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = def.CacheSize
	}
	queries, _ := lru.New[string, []float32](opts.CacheSize)

	return &Retriever{
		index:    idx,
		embedder: emb,
		opts:     opts,
		queries:  queries,
	}
}

// Retrieve returns up to K results for q, best first, followed by linked dependencies.
// A project without an ingested generation yields an empty result and an error
// matching errs.ErrNotFound.
func (r *Retriever) Retrieve(ctx context.Context, q Query) ([]Result, error) {
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return nil, fmt.Errorf("query cannot be empty")
	}
	k := q.K
	if k <= 0 {
		k = r.opts.TopK
	}

	project, err := r.index.GetProject(ctx, q.ProjectID)
	if err != nil {
		return []Result{}, err
	}
	if project.ActiveGeneration == 0 {
		return []Result{}, fmt.Errorf("%w: project %s has not been ingested", errs.ErrNotFound, project.RootPath)
	}

	vector, err := r.embedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	var filter *store.PathFilter
	if prefix := RelativeFilter(project.RootPath, q.PathFilter); prefix != "" {
		filter = &store.PathFilter{Prefix: prefix}
	}

	log.Debug("Searching project", "project", project.ID, "k", k, "filter", q.PathFilter)
	hits, err := r.index.Search(ctx, project.ID, vector, k*r.opts.CandidateFactor, filter)
	if errors.Is(err, errs.ErrNotFound) {
		return []Result{}, err
	}
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	results := Dedup(Rerank(text, hits))
	if len(results) > k {
		results = results[:k]
	}

	if r.opts.ExpandDependencies && r.opts.MaxDependencies > 0 {
		linked, err := r.dependencies(ctx, project.ID, results)
		if err != nil {
			log.Warn("Dependency expansion failed", "error", err)
		}
		results = append(results, linked...)
	}

	if r.opts.ContextLines > 0 && !gitrepo.IsRemoteURL(project.RootPath) {
		for i := range results {
			if results[i].StartLine > 0 {
				results[i].ContextBefore, results[i].ContextAfter = readContext(
					filepath.Join(project.RootPath, filepath.FromSlash(results[i].Path)),
					results[i].StartLine, results[i].EndLine, r.opts.ContextLines)
			}
		}
	}

	log.Debug("Retrieval complete", "results", len(results))
	return results, nil
}

func (r *Retriever) embedQuery(ctx context.Context, text string) ([]float32, error) {
	if v, ok := r.queries.Get(text); ok {
		return v, nil
	}
	v, err := r.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, err
	}
	r.queries.Add(text, v)
	return v, nil
}

// dependencies returns the first chunk of files imported by results and not already among them.
func (r *Retriever) dependencies(ctx context.Context, projectID int64, results []Result) ([]Result, error) {
	have := make(map[string]bool, len(results))
	for _, res := range results {
		have[path.Base(res.Path)] = true
	}

	var names []string
	seen := make(map[string]bool)
	for _, res := range results {
		if res.Kind == fs.KindCommit {
			continue
		}
		for _, module := range fs.ImportedModules(res.Code, fs.DetectLanguage(res.Path)) {
			for _, name := range fs.ModuleFileNames(module) {
				if !have[name] && !seen[name] {
					seen[name] = true
					names = append(names, name)
				}
			}
		}
	}
	if len(names) == 0 {
		return nil, nil
	}

	chunks, err := r.index.ChunksByPath(ctx, projectID, names, r.opts.MaxDependencies+len(results))
	if err != nil {
		return nil, err
	}

	var linked []Result
	for _, c := range chunks {
		if len(linked) == r.opts.MaxDependencies {
			break
		}
		if have[path.Base(c.RelativePath)] {
			continue
		}
		have[path.Base(c.RelativePath)] = true
		res := fromChunk(c)
		res.Lines = LinkedLines
		res.Linked = true
		linked = append(linked, res)
	}
	return linked, nil
}

// RelativeFilter converts a path filter to a slash separated path relative to root.
// Absolute paths outside root are returned unchanged and will match nothing.
func RelativeFilter(root, filter string) string {
	filter = strings.TrimSpace(filter)
	if filter == "" {
		return ""
	}
	if filepath.IsAbs(filter) && !gitrepo.IsRemoteURL(root) {
		if rel, err := filepath.Rel(root, filter); err == nil && !strings.HasPrefix(rel, "..") {
			if rel == "." {
				return ""
			}
			return filepath.ToSlash(rel)
		}
		return filepath.ToSlash(filter)
	}

	trailing := strings.HasSuffix(filter, "/")
	cleaned := path.Clean(filepath.ToSlash(filter))
	if cleaned == "." {
		return ""
	}
	if trailing {
		cleaned += "/"
	}
	return cleaned
}

func fromChunk(c store.ChunkRecord) Result {
	res := Result{
		File:      path.Base(c.RelativePath),
		Path:      c.RelativePath,
		StartLine: c.StartLine,
		EndLine:   c.EndLine,
		Lines:     fmt.Sprintf("%d-%d", c.StartLine, c.EndLine),
		Code:      c.Content,
		Symbol:    c.Symbol,
		Kind:      c.Kind,
	}
	if c.Kind == fs.KindCommit {
		res.File = CommitFile
		res.Lines = HistoryLines
	}
	return res
}

// readContext reads lines around [startLine, endLine] of a file.
func readContext(filePath string, startLine, endLine, contextLines int) (before, after string) {
	content, err := os.ReadFile(filePath)
	if err != nil {
		return "", ""
	}

	lines := strings.Split(string(content), "\n")

	// Get lines before
	beforeStart := max(startLine-contextLines-1, 0)
	beforeEnd := startLine - 1
	if beforeEnd > 0 && beforeEnd <= len(lines) {
		before = strings.Join(lines[beforeStart:beforeEnd], "\n")
	}

	// Get lines after
	afterStart := endLine
	if afterStart < len(lines) {
		afterEnd := min(afterStart+contextLines, len(lines))
		after = strings.Join(lines[afterStart:afterEnd], "\n")
	}

	return before, after
}

// ProjectForPath finds the project whose root contains path.
func ProjectForPath(ctx context.Context, idx store.Index, p string) (*store.Project, error) {
	if gitrepo.IsRemoteURL(p) {
		return idx.GetProjectByPath(ctx, strings.TrimRight(p, "/"))
	}
	absPath, err := filepath.Abs(p)
	if err != nil {
		return nil, err
	}

	projects, err := idx.ListProjects(ctx)
	if err != nil {
		return nil, err
	}

	// Deepest root wins
	var best *store.Project
	for i, proj := range projects {
		if absPath == proj.RootPath || strings.HasPrefix(absPath, proj.RootPath+string(filepath.Separator)) {
			if best == nil || len(proj.RootPath) > len(best.RootPath) {
				best = &projects[i]
			}
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: no project contains %s", errs.ErrNotFound, absPath)
	}
	return best, nil
}
