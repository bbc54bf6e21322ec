package embeddings

import (
	"context"
	"math"
	"strings"
	"sync"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

// FakeEmbedder is a deterministic bag-of-words Embedder.
// Texts sharing words get similar vectors, which is enough to rank search results in tests.
// It is exported for tests in other packages.
type FakeEmbedder struct {
	dims int

	mu    sync.Mutex
	err   error
	gate  chan struct{}
	calls int
	texts int
}

var _ Embedder = (*FakeEmbedder)(nil)

// NewFakeEmbedder creates a FakeEmbedder producing vectors of length dims.
func NewFakeEmbedder(dims int) *FakeEmbedder {
	return &FakeEmbedder{dims: dims}
}

// SetErr makes every following call fail with err. nil restores normal behaviour.
func (f *FakeEmbedder) SetErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// Hold blocks calls until the returned release func is called or their context ends.
func (f *FakeEmbedder) Hold() (release func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	gate := make(chan struct{})
	f.gate = gate
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			if f.gate == gate {
				f.gate = nil
			}
			f.mu.Unlock()
			close(gate)
		})
	}
}

// Calls returns the number of calls made.
func (f *FakeEmbedder) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// Texts returns the number of texts embedded.
func (f *FakeEmbedder) Texts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.texts
}

func (f *FakeEmbedder) enter(ctx context.Context, n int) error {
	f.mu.Lock()
	f.calls++
	gate, err := f.gate, f.err
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
		f.mu.Lock()
		err = f.err
		f.mu.Unlock()
	}
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.texts += n
	f.mu.Unlock()
	return nil
}

// EmbedItems embeds each item's text.
func (f *FakeEmbedder) EmbedItems(ctx context.Context, items []Item) ([][]float32, error) {
	if err := f.enter(ctx, len(items)); err != nil {
		return nil, err
	}
	out := make([][]float32, len(items))
	for i, item := range items {
		out[i] = BagOfWords(item.Text, f.dims)
	}
	return out, nil
}

// EmbedQuery embeds text.
func (f *FakeEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if err := f.enter(ctx, 1); err != nil {
		return nil, err
	}
	return BagOfWords(text, f.dims), nil
}

// Dimensions returns the configured vector length.
func (f *FakeEmbedder) Dimensions() int {
	return f.dims
}

// BagOfWords hashes the lowercased words of text into a unit vector of length dims.
func BagOfWords(text string, dims int) []float32 {
	v := make([]float32, dims)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		v[xxhash.Sum64String(w)%uint64(dims)]++
	}
	if len(words) == 0 {
		v[0] = 1
	}

	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	norm := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= norm
	}
	return v
}
