package embeddings

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/charmbracelet/log"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/nickcecere/codechat/internal/config"
	"github.com/nickcecere/codechat/internal/errs"
)

// Embedder turns chunk texts into vectors.
type Embedder interface {
	// EmbedItems embeds documents. The result is parallel to items.
	EmbedItems(ctx context.Context, items []Item) ([][]float32, error)

	// EmbedQuery embeds a single search query.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the vector length, or 0 before the first vector is seen.
	Dimensions() int
}

// Item is one text to embed. Key identifies the content for caching;
// an empty Key is derived from the text.
type Item struct {
	Key  string
	Text string
}

// BatcherOptions configures a Batcher.
type BatcherOptions struct {
	BatchSize int
	Workers   int
	// Timeout bounds each provider request.
	Timeout   time.Duration
	CacheSize int
	// RateLimit is provider requests per second; 0 means unlimited.
	RateLimit float64
	Retry     RetryConfig
	// Dimensions pins the expected vector length; 0 learns it from the first response.
	Dimensions int
}

// DefaultBatcherOptions returns options built from the package defaults.
func DefaultBatcherOptions() BatcherOptions {
	return BatcherOptions{
		BatchSize: config.DefaultEmbedBatchSize,
		Workers:   config.DefaultEmbedWorkers,
		Timeout:   config.DefaultEmbedTimeout,
		CacheSize: config.DefaultEmbedCacheSize,
		RateLimit: config.DefaultEmbedRateLimit,
		Retry:     DefaultRetryConfig(),
	}
}

// BatcherOptionsFromConfig maps the embeddings config section onto BatcherOptions.
func BatcherOptionsFromConfig(cfg config.EmbeddingsConfig) BatcherOptions {
	opts := DefaultBatcherOptions()
	if cfg.BatchSize > 0 {
		opts.BatchSize = cfg.BatchSize
	}
	if cfg.Workers > 0 {
		opts.Workers = cfg.Workers
	}
	if cfg.Timeout > 0 {
		opts.Timeout = cfg.Timeout
	}
	if cfg.CacheSize > 0 {
		opts.CacheSize = cfg.CacheSize
	}
	opts.RateLimit = cfg.RateLimit
	if cfg.Retry.MaxAttempts > 0 {
		opts.Retry.MaxAttempts = cfg.Retry.MaxAttempts
	}
	if cfg.Retry.BaseDelay > 0 {
		opts.Retry.BaseDelay = cfg.Retry.BaseDelay
	}
	if cfg.Retry.MaxDelay > 0 {
		opts.Retry.MaxDelay = cfg.Retry.MaxDelay
	}
	return opts
}

// BatcherStats counts provider traffic.
type BatcherStats struct {
	Requests  int64
	Retries   int64
	CacheHits int64
}

// Batcher wraps a Service with batching, bounded parallelism, rate limiting,
// retries, a vector cache and a dimension check.
type Batcher struct {
	svc     Service
	opts    BatcherOptions
	limiter *rate.Limiter
	cache   *lru.Cache[string, []float32]
	dims    atomic.Int64

	requests  atomic.Int64
	retries   atomic.Int64
	cacheHits atomic.Int64
}

// NewBatcher creates a Batcher around svc.
func NewBatcher(svc Service, opts BatcherOptions) *Batcher {
	defaults := DefaultBatcherOptions()
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaults.BatchSize
	}
	if opts.Workers <= 0 {
		opts.Workers = defaults.Workers
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = defaults.CacheSize
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = defaults.Retry
	}

	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}

	cache, err := lru.New[string, []float32](opts.CacheSize)
	if err != nil {
		// Only fails for non-positive sizes
		cache, _ = lru.New[string, []float32](config.DefaultEmbedCacheSize)
	}

	b := &Batcher{
		svc:     svc,
		opts:    opts,
		limiter: rate.NewLimiter(limit, opts.Workers),
		cache:   cache,
	}
	b.dims.Store(int64(opts.Dimensions))
	return b
}

// Service returns the wrapped provider.
func (b *Batcher) Service() Service {
	return b.svc
}

// Dimensions returns the vector length fixed for this process.
func (b *Batcher) Dimensions() int {
	return int(b.dims.Load())
}

// Stats returns request counters.
func (b *Batcher) Stats() BatcherStats {
	return BatcherStats{
		Requests:  b.requests.Load(),
		Retries:   b.retries.Load(),
		CacheHits: b.cacheHits.Load(),
	}
}

// Embed embeds plain texts, keyed by their content.
func (b *Batcher) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	items := make([]Item, len(texts))
	for i, t := range texts {
		items[i] = Item{Text: t}
	}
	return b.EmbedItems(ctx, items)
}

// EmbedItems embeds items in batches. Output order and length match the input.
// Exhausted retries yield errs.ErrEmbeddingUnavailable; vectors of the wrong length
// yield ErrDimensionMismatch.
func (b *Batcher) EmbedItems(ctx context.Context, items []Item) ([][]float32, error) {
	out := make([][]float32, len(items))
	if len(items) == 0 {
		return out, nil
	}

	// Serve what we can from cache
	var missing []int
	for i, item := range items {
		if v, ok := b.cache.Get(b.key(item)); ok {
			out[i] = cloneVector(v)
			b.cacheHits.Add(1)
			continue
		}
		missing = append(missing, i)
	}
	if len(missing) == 0 {
		return out, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.opts.Workers)

	for start := 0; start < len(missing); start += b.opts.BatchSize {
		end := min(start+b.opts.BatchSize, len(missing))
		batch := missing[start:end]

		g.Go(func() error {
			texts := make([]string, len(batch))
			for j, idx := range batch {
				texts[j] = items[idx].Text
			}

			vectors, err := callWithRetry(gctx, b, func(ctx context.Context) ([][]float32, error) {
				return b.svc.EmbedBatch(ctx, texts)
			})
			if err != nil {
				return err
			}
			if len(vectors) != len(texts) {
				return fmt.Errorf("%w: provider returned %d vectors for %d texts", errs.ErrEmbeddingUnavailable, len(vectors), len(texts))
			}

			for j, idx := range batch {
				if err := b.checkDimensions(vectors[j]); err != nil {
					return err
				}
				out[idx] = vectors[j]
				b.cache.Add(b.key(items[idx]), cloneVector(vectors[j]))
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// EmbedQuery embeds a query with the same retry and dimension rules as documents.
func (b *Batcher) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vector, err := callWithRetry(ctx, b, func(ctx context.Context) ([]float32, error) {
		return b.svc.EmbedQuery(ctx, text)
	})
	if err != nil {
		return nil, err
	}
	if err := b.checkDimensions(vector); err != nil {
		return nil, err
	}
	return vector, nil
}

// callWithRetry runs one provider request under the rate limiter, per-request timeout and retry policy.
func callWithRetry[T any](ctx context.Context, b *Batcher, fn func(context.Context) (T, error)) (T, error) {
	result, attempts, err := retryWithBackoff(ctx, b.opts.Retry, func(ctx context.Context) (T, error) {
		if err := b.limiter.Wait(ctx); err != nil {
			var zero T
			return zero, err
		}
		b.requests.Add(1)

		reqCtx, cancel := ctx, context.CancelFunc(func() {})
		if b.opts.Timeout > 0 {
			reqCtx, cancel = context.WithTimeout(ctx, b.opts.Timeout)
		}
		defer cancel()
		return fn(reqCtx)
	})
	if attempts > 1 {
		b.retries.Add(int64(attempts - 1))
	}
	if err == nil {
		return result, nil
	}

	var zero T
	switch {
	case errors.Is(err, ErrDimensionMismatch):
		return zero, err
	case ctx.Err() != nil:
		return zero, ctx.Err()
	}
	log.Warn("Embedding provider unavailable", "provider", b.svc.Provider(), "attempts", attempts, "error", err)
	return zero, fmt.Errorf("%w: %d attempt(s): %v", errs.ErrEmbeddingUnavailable, attempts, err)
}

// checkDimensions fixes the process-wide dimension on first use and rejects any other length.
func (b *Batcher) checkDimensions(v []float32) error {
	n := int64(len(v))
	if n == 0 {
		return fmt.Errorf("%w: empty vector", ErrDimensionMismatch)
	}
	if b.dims.CompareAndSwap(0, n) {
		return nil
	}
	if want := b.dims.Load(); want != n {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, n, want)
	}
	return nil
}

func (b *Batcher) key(item Item) string {
	if item.Key != "" {
		return item.Key
	}
	return fmt.Sprintf("%016x", xxhash.Sum64String(item.Text))
}

func cloneVector(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
