package ingest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nickcecere/codechat/internal/errs"
)

func drain(ch <-chan Event) []Event {
	var events []Event
	for e := range ch {
		events = append(events, e)
	}
	return events
}

func TestHubFanOut(t *testing.T) {
	h := newHub()
	h.publish(Event{Status: StatusInfo, Message: "queued"})

	first, _ := h.subscribe()
	second, _ := h.subscribe()
	assert.Equal(t, 2, h.subscribers())

	h.publish(Event{Status: StatusScanning, Progress: 5})
	h.publish(Event{Status: StatusComplete, Progress: 100})

	for _, ch := range []<-chan Event{first, second} {
		events := drain(ch)
		require.Len(t, events, 3)
		assert.Equal(t, "queued", events[0].Message)
		assert.Equal(t, StatusScanning, events[1].Status)
		assert.Equal(t, StatusComplete, events[2].Status)
	}
	assert.Equal(t, 0, h.subscribers())

	// Published after the terminal event
	h.publish(Event{Status: StatusInfo})
	late, cancel := h.subscribe()
	defer cancel()
	events := drain(late)
	require.Len(t, events, 1)
	assert.Equal(t, StatusComplete, events[0].Status)
}

func TestHubSlowSubscriber(t *testing.T) {
	h := newHub()
	ch, _ := h.subscribe()

	for i := 0; i < 500; i++ {
		h.publish(Event{Status: StatusProcessingFile, Progress: i / 5})
	}
	h.publish(Event{Status: StatusComplete, Progress: 100})

	events := drain(ch)
	assert.LessOrEqual(t, len(events), subscriberBuffer)
	require.NotEmpty(t, events)
	assert.Equal(t, StatusComplete, events[len(events)-1].Status)
	for i := 1; i < len(events); i++ {
		assert.GreaterOrEqual(t, events[i].Progress, events[i-1].Progress)
	}
}

func TestHubUnsubscribe(t *testing.T) {
	h := newHub()
	ch, cancel := h.subscribe()
	cancel()
	cancel()

	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, h.subscribers())

	// Publishing without subscribers is fine
	h.publish(Event{Status: StatusInfo})
}

func TestJobProgress(t *testing.T) {
	job := newJob("id", "/repo", func() {})
	ch, _ := job.Subscribe()

	job.setTotal(3)
	job.emit(Event{Status: StatusScanning, Progress: progressScanned})
	job.fileDone("a.go", 2, false)
	job.fileDone("b.go", 0, true)
	// Out of order progress is clamped
	job.emit(Event{Status: StatusInfo, Progress: 10})
	job.fileDone("c.go", 1, false)
	job.finish(nil)

	events := drain(ch)
	var progress []int
	for _, e := range events {
		progress = append(progress, e.Progress)
	}
	assert.Equal(t, []int{5, 35, 65, 65, 95, 100}, progress)
	assert.Equal(t, "a.go", events[1].File)

	snap := job.Snapshot()
	assert.Equal(t, StateComplete, snap.State)
	assert.Equal(t, 3, snap.ProcessedFiles)
	assert.Equal(t, 1, snap.SkippedFiles)
	assert.Equal(t, 3, snap.Chunks)
	assert.NotNil(t, snap.FinishedAt)
	assert.Equal(t, "Ingested 2 files (3 chunks)", snap.Message)
	assert.NoError(t, job.Wait(context.Background()))
}

func TestJobFailure(t *testing.T) {
	canceled := false
	job := newJob("id", "/repo", func() { canceled = true })
	job.emit(Event{Status: StatusScanning, Progress: 40})

	job.finish(errors.Join(errs.ErrLimitExceeded, errors.New("too many files")))

	<-job.Done()
	assert.True(t, canceled)
	assert.True(t, errors.Is(job.Err(), errs.ErrLimitExceeded))

	snap := job.Snapshot()
	assert.Equal(t, StateError, snap.State)
	assert.Equal(t, "LimitExceeded", snap.Kind)
	assert.Equal(t, 40, snap.Progress)

	events := drain(func() <-chan Event { ch, _ := job.Subscribe(); return ch }())
	require.Len(t, events, 1)
	assert.Equal(t, StatusError, events[0].Status)
	assert.True(t, events[0].Terminal())
}
