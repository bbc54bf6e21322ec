package llm

import (
	"context"
	"strings"
	"sync"
)

// FakeService is a scripted Service for tests in other packages.
type FakeService struct {
	mu       sync.Mutex
	answer   string
	err      error
	requests [][]Message
}

var _ Service = (*FakeService)(nil)

// NewFakeService returns a service that always answers with answer.
func NewFakeService(answer string) *FakeService {
	return &FakeService{answer: answer}
}

// SetErr makes every following completion fail with err.
func (f *FakeService) SetErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// Requests returns the message lists of all completions so far.
func (f *FakeService) Requests() [][]Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]Message, len(f.requests))
	copy(out, f.requests)
	return out
}

// LastRequest returns the messages of the most recent completion, or nil.
func (f *FakeService) LastRequest() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		return nil
	}
	return f.requests[len(f.requests)-1]
}

func (f *FakeService) Complete(ctx context.Context, messages []Message, _ CompletionOptions) (string, error) {
	f.mu.Lock()
	f.requests = append(f.requests, messages)
	answer, err := f.answer, f.err
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err != nil {
		return "", err
	}
	return answer, nil
}

// Stream delivers the scripted answer one word at a time.
func (f *FakeService) Stream(ctx context.Context, messages []Message, opts CompletionOptions, onDelta DeltaFunc) (string, error) {
	answer, err := f.Complete(ctx, messages, opts)
	if err != nil {
		return "", err
	}
	if onDelta != nil {
		for _, part := range strings.SplitAfter(answer, " ") {
			if part != "" {
				onDelta(part)
			}
		}
	}
	return answer, nil
}

func (f *FakeService) Provider() Provider { return "fake" }

func (f *FakeService) ModelName() string { return "scripted" }
