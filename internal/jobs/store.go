package jobs

import "context"

// Store persists queue entries for restart recovery.
type Store interface {
	LoadJobs(ctx context.Context) ([]*Job, error)
	UpsertJob(ctx context.Context, job *Job) error
	DeleteJob(ctx context.Context, jobID string) error
}

// RecordStore persists the durable job records.
type RecordStore interface {
	CreateRecord(ctx context.Context, rec *Record) error
	UpdateRecord(ctx context.Context, id string, update RecordUpdate) error
}

// DocumentStatusWriter mirrors job outcomes onto the document's stage
// statuses.
type DocumentStatusWriter interface {
	ApplyJobResult(ctx context.Context, documentID string, res *Result) error
	// MarkExhausted fails every stage that has not completed.
	MarkExhausted(ctx context.Context, documentID string, reason string) error
}
