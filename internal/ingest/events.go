package ingest

import "time"

// Status is the kind of a progress event.
type Status string

const (
	StatusInfo           Status = "info"
	StatusScanning       Status = "scanning"
	StatusProcessingFile Status = "processing_file"
	StatusComplete       Status = "complete"
	StatusError          Status = "error"
)

// Event is one progress update of a job.
// Progress is a percentage that never decreases within a job.
// Processed and Total count files once scanning has found them.
type Event struct {
	Status    Status `json:"status"`
	Message   string `json:"message,omitempty"`
	File      string `json:"file,omitempty"`
	Progress  int    `json:"progress"`
	Processed int    `json:"processed,omitempty"`
	Total     int    `json:"total_files,omitempty"`
}

// Terminal reports whether no event follows e.
func (e Event) Terminal() bool {
	return e.Status == StatusComplete || e.Status == StatusError
}

// State is the lifecycle stage of a job.
type State string

const (
	StateQueued     State = "queued"
	StateScanning   State = "scanning"
	StateEmbedding  State = "embedding"
	StateFinalizing State = "finalizing"
	StateComplete   State = "complete"
	StateError      State = "error"
)

// Terminal reports whether the job has finished.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateError
}

// Snapshot is a point-in-time view of a job.
type Snapshot struct {
	ID             string     `json:"id"`
	Path           string     `json:"path"`
	ProjectID      int64      `json:"project_id,omitempty"`
	State          State      `json:"state"`
	Progress       int        `json:"progress"`
	Message        string     `json:"message,omitempty"`
	Error          string     `json:"error,omitempty"`
	Kind           string     `json:"kind,omitempty"`
	TotalFiles     int        `json:"total_files"`
	ProcessedFiles int        `json:"processed_files"`
	SkippedFiles   int        `json:"skipped_files"`
	Chunks         int        `json:"chunks"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}
