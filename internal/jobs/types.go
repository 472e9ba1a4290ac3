package jobs

import "time"

// Status is the state of a queue entry.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusActive    Status = "active"
	StatusDelayed   Status = "delayed"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// RecordStatus is the state of the durable job record.
type RecordStatus string

const (
	RecordPending   RecordStatus = "pending"
	RecordActive    RecordStatus = "active"
	RecordCompleted RecordStatus = "completed"
	RecordFailed    RecordStatus = "failed"
)

const JobTypeFullProcessing = "full_processing"

type DocumentInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	FilePath string `json:"filePath"`
	KBID     string `json:"kbId"`
}

type Options struct {
	EnableOCR    bool `json:"enableOCR"`
	EnableVector bool `json:"enableVector"`
	EnableGraph  bool `json:"enableGraph"`
	// Priority orders waiting jobs; higher runs first, ties run in
	// submission order.
	Priority int `json:"priority"`
	// DedupeKey, when set, makes Enqueue hand back the unfinished job
	// holding the same key instead of adding a new one.
	DedupeKey string `json:"dedupeKey,omitempty"`
}

func DefaultOptions() Options {
	return Options{EnableOCR: true, EnableVector: true, EnableGraph: true}
}

// StageSummary is the outcome of one pipeline stage as seen by the queue.
type StageSummary struct {
	Success       bool   `json:"success"`
	Error         string `json:"error,omitempty"`
	TextLength    int    `json:"textLength,omitempty"`
	VectorCount   int    `json:"vectorCount,omitempty"`
	EntityCount   int    `json:"entityCount,omitempty"`
	RelationCount int    `json:"relationCount,omitempty"`
}

// Result is what an Executor hands back for a finished attempt. A nil
// stage summary means the stage did not run.
type Result struct {
	Success         bool          `json:"success"`
	ProcessID       string        `json:"processId,omitempty"`
	Error           string        `json:"error,omitempty"`
	Reason          string        `json:"reason,omitempty"`
	Recognition     *StageSummary `json:"recognition,omitempty"`
	Vectorization   *StageSummary `json:"vectorization,omitempty"`
	GraphExtraction *StageSummary `json:"graphExtraction,omitempty"`
}

// Job is a queue entry. It lives for one submission across all of its
// attempts and may be pruned once finished.
type Job struct {
	ID           string       `json:"id"`
	RecordID     string       `json:"recordId"`
	Document     DocumentInfo `json:"document"`
	Options      Options      `json:"options"`
	Status       Status       `json:"status"`
	AttemptsMade int          `json:"attemptsMade"`
	MaxAttempts  int          `json:"maxAttempts"`
	Progress     int          `json:"progress"`
	LastError    string       `json:"lastError,omitempty"`
	Result       *Result      `json:"result,omitempty"`
	RunAt        time.Time    `json:"runAt,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
	StartedAt    time.Time    `json:"startedAt,omitempty"`
	FinishedAt   time.Time    `json:"finishedAt,omitempty"`

	seq uint64
}

// Record is the durable account of one submission. The queue never
// prunes it, so it still answers "what happened to this document" after
// the queue entry is gone.
type Record struct {
	ID          string       `json:"id"`
	DocumentID  string       `json:"documentId"`
	JobType     string       `json:"jobType"`
	QueueJobID  string       `json:"queueJobId"`
	Status      RecordStatus `json:"status"`
	Priority    int          `json:"priority"`
	Options     Options      `json:"options"`
	Attempts    int          `json:"attempts"`
	MaxAttempts int          `json:"maxAttempts"`
	StartedAt   *time.Time   `json:"startedAt,omitempty"`
	CompletedAt *time.Time   `json:"completedAt,omitempty"`
	FailedAt    *time.Time   `json:"failedAt,omitempty"`
	LastError   string       `json:"lastError,omitempty"`
	Result      *Result      `json:"result,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

// RecordUpdate changes selected fields of a Record. Nil fields are kept.
type RecordUpdate struct {
	Status      RecordStatus
	Attempts    *int
	StartedAt   *time.Time
	CompletedAt *time.Time
	FailedAt    *time.Time
	LastError   *string
	Result      *Result
}

type EnqueueResult struct {
	JobRecordID string `json:"jobRecordId"`
	QueueJobID  string `json:"queueJobId"`
	// Duplicate is set when a DedupeKey matched an unfinished job.
	Duplicate bool `json:"duplicate,omitempty"`
}

type Counts struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Delayed   int `json:"delayed"`
}

type EventType string

const (
	EventWaiting   EventType = "job:waiting"
	EventActive    EventType = "job:active"
	EventProgress  EventType = "job:progress"
	EventCompleted EventType = "job:completed"
	EventFailed    EventType = "job:failed"
	EventStalled   EventType = "job:stalled"
)

// Event describes one queue lifecycle transition.
type Event struct {
	Type EventType
	Job  Job
	Err  string
	// WillRetry is set on EventFailed when another attempt is scheduled
	// after Delay.
	WillRetry bool
	Delay     time.Duration
	// Exhausted is set on EventFailed when the job failed for good.
	Exhausted bool
	Time      time.Time
}

type Listener func(Event)
