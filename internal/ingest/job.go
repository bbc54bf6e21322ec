package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nickcecere/codechat/internal/errs"
)

// Progress milestones. Embedding fills the range between scanned and finalizing.
const (
	progressScanned    = 5
	progressFinalizing = 95
	progressComplete   = 100
)

// Job is one ingestion run for a path.
type Job struct {
	cancel context.CancelFunc
	done   chan struct{}
	hub    *hub

	mu   sync.Mutex
	snap Snapshot
	err  error
}

func newJob(id, path string, cancel context.CancelFunc) *Job {
	return &Job{
		cancel: cancel,
		done:   make(chan struct{}),
		hub:    newHub(),
		snap: Snapshot{
			ID:        id,
			Path:      path,
			State:     StateQueued,
			StartedAt: time.Now(),
		},
	}
}

// ID returns the job's unique identifier.
func (j *Job) ID() string {
	return j.snap.ID
}

// Path returns the path or URL being ingested.
func (j *Job) Path() string {
	return j.snap.Path
}

// Done is closed once the job reaches a terminal state.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Err returns the failure of a finished job, nil while running or on success.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Wait blocks until the job finishes or ctx ends.
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		return j.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the job's current state.
func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.snap
}

// Subscribe streams the job's events, starting with the latest one.
// Unsubscribing does not affect the job.
func (j *Job) Subscribe() (<-chan Event, func()) {
	return j.hub.subscribe()
}

// Cancel stops the job. A job canceled before its generation is committed ends
// in error without one; a job canceled after the commit still completes.
func (j *Job) Cancel() {
	j.cancel()
}

func (j *Job) terminal() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.snap.State.Terminal()
}

func (j *Job) setState(s State) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.snap.State = s
}

func (j *Job) setProject(id int64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.snap.ProjectID = id
}

// emit publishes e with its progress clamped so it never goes backwards.
func (j *Job) emit(e Event) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.emitLocked(e)
}

func (j *Job) emitLocked(e Event) {
	if e.Progress < j.snap.Progress {
		e.Progress = j.snap.Progress
	}
	j.snap.Progress = e.Progress
	if e.Message != "" {
		j.snap.Message = e.Message
	}
	j.hub.publish(e)
}

func (j *Job) setTotal(files int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.snap.TotalFiles = files
}

// fileDone records one processed file and emits its progress event.
func (j *Job) fileDone(relPath string, chunks int, skipped bool) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.snap.ProcessedFiles++
	j.snap.Chunks += chunks
	msg := fmt.Sprintf("Processed %s", relPath)
	if skipped {
		j.snap.SkippedFiles++
		msg = fmt.Sprintf("Skipped unreadable file %s", relPath)
	}

	progress := progressFinalizing
	if j.snap.TotalFiles > 0 {
		progress = progressScanned + (progressFinalizing-progressScanned)*j.snap.ProcessedFiles/j.snap.TotalFiles
	}
	j.emitLocked(Event{
		Status:    StatusProcessingFile,
		Message:   msg,
		File:      relPath,
		Progress:  progress,
		Processed: j.snap.ProcessedFiles,
		Total:     j.snap.TotalFiles,
	})
}

// addChunks counts chunks that do not belong to a walked file.
func (j *Job) addChunks(n int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.snap.Chunks += n
}

// finish moves the job to its terminal state and releases waiters.
func (j *Job) finish(err error) {
	j.mu.Lock()
	now := time.Now()
	j.snap.FinishedAt = &now
	if err == nil {
		j.snap.State = StateComplete
		j.emitLocked(Event{
			Status:   StatusComplete,
			Message:  fmt.Sprintf("Ingested %d files (%d chunks)", j.snap.ProcessedFiles-j.snap.SkippedFiles, j.snap.Chunks),
			Progress: progressComplete,
		})
	} else {
		j.err = err
		j.snap.State = StateError
		j.snap.Error = err.Error()
		j.snap.Kind = errs.Kind(err)
		j.emitLocked(Event{
			Status:   StatusError,
			Message:  err.Error(),
			Progress: j.snap.Progress,
		})
	}
	j.mu.Unlock()

	j.cancel()
	close(j.done)
}
