package gitrepo

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// MockExecutor records commands and returns configured responses.
// It is exported for tests in other packages.
type MockExecutor struct {
	mu        sync.Mutex
	responses []mockResponse
	calls     []ExecutorCall
}

type mockResponse struct {
	prefix string
	output []byte
	err    error
}

// ExecutorCall records a command invocation.
type ExecutorCall struct {
	Dir  string
	Name string
	Args []string
}

// NewMockExecutor creates a new mock executor.
func NewMockExecutor() *MockExecutor {
	return &MockExecutor{}
}

// AddResponse adds a one-shot response for commands whose full text starts with prefix.
func (m *MockExecutor) AddResponse(prefix string, output []byte, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, mockResponse{prefix: prefix, output: output, err: err})
}

// Run returns the first matching configured response and consumes it.
func (m *MockExecutor) Run(_ context.Context, dir string, name string, args ...string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, ExecutorCall{Dir: dir, Name: name, Args: args})
	fullCmd := name + " " + strings.Join(args, " ")

	for i, r := range m.responses {
		if strings.HasPrefix(fullCmd, r.prefix) {
			m.responses = append(m.responses[:i], m.responses[i+1:]...)
			return r.output, r.err
		}
	}
	return nil, errors.New("no mock response configured for: " + fullCmd)
}

// Calls returns all recorded command calls.
func (m *MockExecutor) Calls() []ExecutorCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ExecutorCall(nil), m.calls...)
}
