// Package gitrepo clones remote repositories and reads commit history for ingestion.
package gitrepo

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/nickcecere/codechat/internal/fs"
)

// LogPath is the pseudo file path commit chunks are stored under.
const LogPath = "GIT_LOG"

// CommandExecutor abstracts command execution for testing.
type CommandExecutor interface {
	// Run executes a command and returns its standard output.
	Run(ctx context.Context, dir string, name string, args ...string) ([]byte, error)
}

// DefaultExecutor executes commands using os/exec.
type DefaultExecutor struct{}

// Run executes a command and returns its standard output.
func (e *DefaultExecutor) Run(ctx context.Context, dir string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if dir != "" {
		cmd.Dir = dir
	}
	// Never block on a credential prompt
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if stderr.Len() > 0 {
			return nil, fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
		}
		return nil, err
	}
	return stdout.Bytes(), nil
}

// Client executes git commands.
type Client struct {
	executor CommandExecutor
}

// NewClient creates a Client with the default command executor.
func NewClient() *Client {
	return &Client{executor: &DefaultExecutor{}}
}

// NewClientWithExecutor creates a Client with a custom executor (for testing).
func NewClientWithExecutor(executor CommandExecutor) *Client {
	return &Client{executor: executor}
}

// Commit is one entry of the repository history.
type Commit struct {
	SHA     string
	Author  string
	Date    string
	Subject string
}

// IsRemoteURL reports whether source names a remote repository rather than a local path.
func IsRemoteURL(source string) bool {
	for _, prefix := range []string{"https://", "http://", "git@", "ssh://", "git://"} {
		if strings.HasPrefix(source, prefix) {
			return true
		}
	}
	return false
}

// Clone performs a shallow clone of url into destDir.
// depth <= 0 clones the full history.
func (c *Client) Clone(ctx context.Context, url, destDir string, depth int) error {
	args := []string{"clone", "--single-branch"}
	if depth > 0 {
		args = append(args, "--depth", strconv.Itoa(depth))
	}
	args = append(args, url, destDir)

	if _, err := c.executor.Run(ctx, "", "git", args...); err != nil {
		return fmt.Errorf("git clone failed: %w", err)
	}
	return nil
}

// CloneTemp clones url into a fresh temporary directory.
// The returned cleanup func removes it.
func (c *Client) CloneTemp(ctx context.Context, url string, depth int) (string, func(), error) {
	dir, err := os.MkdirTemp("", "codechat-clone-*")
	if err != nil {
		return "", nil, fmt.Errorf("failed to create clone directory: %w", err)
	}
	cleanup := func() { _ = os.RemoveAll(dir) }

	if err := c.Clone(ctx, url, dir, depth); err != nil {
		cleanup()
		return "", nil, err
	}
	return dir, cleanup, nil
}

// IsGitRepository checks if the given directory is a git repository.
func (c *Client) IsGitRepository(ctx context.Context, dir string) bool {
	_, err := c.executor.Run(ctx, dir, "git", "rev-parse", "--git-dir")
	return err == nil
}

// HeadCommit returns the current HEAD commit SHA.
func (c *Client) HeadCommit(ctx context.Context, repoDir string) (string, error) {
	output, err := c.executor.Run(ctx, repoDir, "git", "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("git rev-parse failed: %w", err)
	}
	return strings.TrimSpace(string(output)), nil
}

const (
	fieldSep  = "\x1f"
	recordSep = "\x1e"
)

// RecentCommits returns up to limit commits, newest first.
func (c *Client) RecentCommits(ctx context.Context, repoDir string, limit int) ([]Commit, error) {
	output, err := c.executor.Run(ctx, repoDir, "git", "log",
		"-n", strconv.Itoa(limit),
		"--date=short",
		"--format=%H%x1f%an%x1f%ad%x1f%s%x1e",
	)
	if err != nil {
		return nil, fmt.Errorf("git log failed: %w", err)
	}
	return parseLog(string(output)), nil
}

func parseLog(output string) []Commit {
	var commits []Commit
	for _, record := range strings.Split(output, recordSep) {
		record = strings.TrimSpace(record)
		if record == "" {
			continue
		}
		fields := strings.Split(record, fieldSep)
		if len(fields) < 4 {
			continue
		}
		commits = append(commits, Commit{
			SHA:     fields[0],
			Author:  fields[1],
			Date:    fields[2],
			Subject: strings.Join(fields[3:], fieldSep),
		})
	}
	return commits
}

// Content renders the commit as chunk text.
func (c Commit) Content() string {
	return fmt.Sprintf("COMMIT: %s\nAUTHOR: %s\nDATE: %s\nMSG: %s", c.SHA, c.Author, c.Date, c.Subject)
}

// CommitChunks turns commits into chunks stored under LogPath.
// Commit chunks carry no line range.
func CommitChunks(commits []Commit) []fs.Chunk {
	chunks := make([]fs.Chunk, 0, len(commits))
	for i, commit := range commits {
		content := commit.Content()
		chunks = append(chunks, fs.Chunk{
			Content:    content,
			ChunkIndex: i,
			Symbol:     shortSHA(commit.SHA),
			Kind:       fs.KindCommit,
			Hash:       fs.ChunkHash(LogPath, 0, 0, content),
		})
	}
	return chunks
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
