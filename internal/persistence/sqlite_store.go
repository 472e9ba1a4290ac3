package persistence

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/shensi8312/design-institute-platform-sub001/internal/jobs"
	"github.com/shensi8312/design-institute-platform-sub001/internal/pipeline"
)

const stageFailed = string(pipeline.StatusFailed)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// SQLiteStore keeps documents, durable job records, queue entries and
// stage progress in one SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := store.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version := migrationVersion(entry.Name())
		if version <= 0 {
			continue
		}
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, version).Scan(&exists); err != nil {
			return fmt.Errorf("check migration %s: %w", entry.Name(), err)
		}
		if exists > 0 {
			continue
		}
		// embed paths always use forward slashes
		content, err := migrationFiles.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("apply migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, version); err != nil {
			return fmt.Errorf("record migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// migrationVersion extracts the leading integer from a migration filename (e.g. "001_init.sql" → 1).
func migrationVersion(name string) int {
	for i, c := range name {
		if c < '0' || c > '9' {
			if i == 0 {
				return 0
			}
			n, _ := strconv.Atoi(name[:i])
			return n
		}
	}
	n, _ := strconv.Atoi(name)
	return n
}

// Documents

func (s *SQLiteStore) UpsertDocument(ctx context.Context, doc Document) error {
	if strings.TrimSpace(doc.ID) == "" {
		return fmt.Errorf("document id is required")
	}
	now := s.now()
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO documents (id, name, file_path, kb_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			name=CASE WHEN excluded.name = '' THEN documents.name ELSE excluded.name END,
			file_path=CASE WHEN excluded.file_path = '' THEN documents.file_path ELSE excluded.file_path END,
			kb_id=CASE WHEN excluded.kb_id = '' THEN documents.kb_id ELSE excluded.kb_id END,
			updated_at=excluded.updated_at`,
		doc.ID,
		doc.Name,
		doc.FilePath,
		doc.KBID,
		now,
		now,
	)
	return err
}

func (s *SQLiteStore) GetDocument(ctx context.Context, id string) (Document, bool, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, name, file_path, kb_id, recognition_status, vector_status, graph_status,
			recognition_error, vector_error, graph_error, structured_json, created_at, updated_at
		 FROM documents
		 WHERE id = ?`,
		id,
	)
	var doc Document
	var structured string
	if err := row.Scan(
		&doc.ID,
		&doc.Name,
		&doc.FilePath,
		&doc.KBID,
		&doc.RecognitionStatus,
		&doc.VectorStatus,
		&doc.GraphStatus,
		&doc.RecognitionError,
		&doc.VectorError,
		&doc.GraphError,
		&structured,
		&doc.CreatedAt,
		&doc.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Document{}, false, nil
		}
		return Document{}, false, err
	}
	if structured != "" {
		doc.Structured = json.RawMessage(structured)
	}
	return doc, true, nil
}

// ensureDocument creates a bare row so status updates for documents the
// store has not seen yet are not lost.
func (s *SQLiteStore) ensureDocument(ctx context.Context, id string) error {
	now := s.now()
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO documents (id, created_at, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		id, now, now,
	)
	return err
}

// UpdateDocumentStatus applies the stage outcomes present in update.
func (s *SQLiteStore) UpdateDocumentStatus(ctx context.Context, documentID string, update pipeline.StatusUpdate) error {
	if update.Empty() {
		return nil
	}
	if err := s.ensureDocument(ctx, documentID); err != nil {
		return err
	}

	sets := make([]string, 0, 8)
	args := make([]any, 0, 8)
	addOutcome := func(prefix string, outcome *pipeline.StageOutcome) {
		if outcome == nil {
			return
		}
		if outcome.Status != "" {
			sets = append(sets, prefix+"_status = ?")
			args = append(args, string(outcome.Status))
		}
		sets = append(sets, prefix+"_error = ?")
		args = append(args, outcome.Error)
	}
	addOutcome("recognition", update.Recognition)
	addOutcome("vector", update.Vector)
	addOutcome("graph", update.Graph)
	if update.Structured != nil {
		payload, err := json.Marshal(update.Structured)
		if err != nil {
			return err
		}
		sets = append(sets, "structured_json = ?")
		args = append(args, string(payload))
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, s.now(), documentID)

	_, err := s.db.ExecContext(ctx,
		`UPDATE documents SET `+strings.Join(sets, ", ")+` WHERE id = ?`,
		args...,
	)
	return err
}

// ApplyJobResult mirrors the stage summaries of a finished job onto the
// document.
func (s *SQLiteStore) ApplyJobResult(ctx context.Context, documentID string, res *jobs.Result) error {
	if res == nil {
		return nil
	}
	return s.UpdateDocumentStatus(ctx, documentID, pipeline.StatusUpdate{
		Recognition: outcomeOf(res.Recognition),
		Vector:      outcomeOf(res.Vectorization),
		Graph:       outcomeOf(res.GraphExtraction),
	})
}

func outcomeOf(summary *jobs.StageSummary) *pipeline.StageOutcome {
	if summary == nil {
		return nil
	}
	if summary.Success {
		return &pipeline.StageOutcome{Status: pipeline.StatusCompleted}
	}
	return &pipeline.StageOutcome{Status: pipeline.StatusFailed, Error: summary.Error}
}

// MarkExhausted fails every stage of the document once a job has used
// up its attempts. Only recognition errors reach the queue, so any
// completed stage left on the row belongs to an earlier job and is
// overwritten too. Downstream stages get the upstream-skip reason.
func (s *SQLiteStore) MarkExhausted(ctx context.Context, documentID string, reason string) error {
	if err := s.ensureDocument(ctx, documentID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE documents SET
			recognition_status = ?1,
			recognition_error = ?2,
			vector_status = ?1,
			vector_error = ?3,
			graph_status = ?1,
			graph_error = ?3,
			updated_at = ?4
		 WHERE id = ?5`,
		stageFailed,
		reason,
		pipeline.SkippedUpstream,
		s.now(),
		documentID,
	)
	return err
}

// Job records

func (s *SQLiteStore) CreateRecord(ctx context.Context, rec *jobs.Record) error {
	if rec == nil {
		return fmt.Errorf("record is nil")
	}
	options, err := json.Marshal(rec.Options)
	if err != nil {
		return err
	}
	result, err := marshalResult(rec.Result)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO processing_jobs (
			id, document_id, job_type, queue_job_id, status, priority, options_json, attempts, max_attempts,
			started_at, completed_at, failed_at, last_error, result_json, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.DocumentID,
		rec.JobType,
		rec.QueueJobID,
		string(rec.Status),
		rec.Priority,
		string(options),
		rec.Attempts,
		rec.MaxAttempts,
		nullTimePtr(rec.StartedAt),
		nullTimePtr(rec.CompletedAt),
		nullTimePtr(rec.FailedAt),
		rec.LastError,
		result,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	return err
}

func (s *SQLiteStore) UpdateRecord(ctx context.Context, id string, update jobs.RecordUpdate) error {
	sets := make([]string, 0, 8)
	args := make([]any, 0, 8)
	if update.Status != "" {
		sets = append(sets, "status = ?")
		args = append(args, string(update.Status))
	}
	if update.Attempts != nil {
		sets = append(sets, "attempts = ?")
		args = append(args, *update.Attempts)
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if update.FailedAt != nil {
		sets = append(sets, "failed_at = ?")
		args = append(args, *update.FailedAt)
	}
	if update.LastError != nil {
		sets = append(sets, "last_error = ?")
		args = append(args, *update.LastError)
	}
	if update.Result != nil {
		result, err := marshalResult(update.Result)
		if err != nil {
			return err
		}
		sets = append(sets, "result_json = ?")
		args = append(args, result)
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, s.now(), id)

	_, err := s.db.ExecContext(ctx,
		`UPDATE processing_jobs SET `+strings.Join(sets, ", ")+` WHERE id = ?`,
		args...,
	)
	return err
}

const recordColumns = `id, document_id, job_type, queue_job_id, status, priority, options_json, attempts, max_attempts,
	started_at, completed_at, failed_at, last_error, result_json, created_at, updated_at`

func (s *SQLiteStore) GetRecord(ctx context.Context, id string) (*jobs.Record, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM processing_jobs WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return rec, true, nil
}

// LatestRecord returns the most recent job record of a document.
func (s *SQLiteStore) LatestRecord(ctx context.Context, documentID string) (*jobs.Record, bool, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+recordColumns+` FROM processing_jobs
		 WHERE document_id = ?
		 ORDER BY created_at DESC, rowid DESC
		 LIMIT 1`,
		documentID,
	)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return rec, true, nil
}

// ListRecords returns up to limit job records, newest first.
func (s *SQLiteStore) ListRecords(ctx context.Context, limit int) ([]*jobs.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+recordColumns+` FROM processing_jobs
		 ORDER BY created_at DESC, rowid DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make([]*jobs.Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		ret = append(ret, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ret, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*jobs.Record, error) {
	var rec jobs.Record
	var status, options, result string
	var startedAt, completedAt, failedAt sql.NullTime
	if err := row.Scan(
		&rec.ID,
		&rec.DocumentID,
		&rec.JobType,
		&rec.QueueJobID,
		&status,
		&rec.Priority,
		&options,
		&rec.Attempts,
		&rec.MaxAttempts,
		&startedAt,
		&completedAt,
		&failedAt,
		&rec.LastError,
		&result,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	); err != nil {
		return nil, err
	}
	rec.Status = jobs.RecordStatus(status)
	rec.StartedAt = timePtr(startedAt)
	rec.CompletedAt = timePtr(completedAt)
	rec.FailedAt = timePtr(failedAt)
	if options != "" {
		if err := json.Unmarshal([]byte(options), &rec.Options); err != nil {
			return nil, err
		}
	}
	res, err := unmarshalResult(result)
	if err != nil {
		return nil, err
	}
	rec.Result = res
	return &rec, nil
}

// Queue entries

func (s *SQLiteStore) LoadJobs(ctx context.Context) ([]*jobs.Job, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, record_id, document_json, options_json, status, attempts_made, max_attempts, progress,
			last_error, result_json, run_at, started_at, finished_at, created_at, updated_at
		 FROM queue_jobs
		 ORDER BY created_at ASC, rowid ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make([]*jobs.Job, 0)
	for rows.Next() {
		var item jobs.Job
		var document, options, status, result string
		var runAt, startedAt, finishedAt sql.NullTime
		if err := rows.Scan(
			&item.ID,
			&item.RecordID,
			&document,
			&options,
			&status,
			&item.AttemptsMade,
			&item.MaxAttempts,
			&item.Progress,
			&item.LastError,
			&result,
			&runAt,
			&startedAt,
			&finishedAt,
			&item.CreatedAt,
			&item.UpdatedAt,
		); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(document), &item.Document); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(options), &item.Options); err != nil {
			return nil, err
		}
		res, err := unmarshalResult(result)
		if err != nil {
			return nil, err
		}
		item.Status = jobs.Status(status)
		item.Result = res
		item.RunAt = runAt.Time
		item.StartedAt = startedAt.Time
		item.FinishedAt = finishedAt.Time
		ret = append(ret, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ret, nil
}

func (s *SQLiteStore) DeleteJob(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM queue_jobs WHERE id = ?`, jobID)
	return err
}

func (s *SQLiteStore) UpsertJob(ctx context.Context, job *jobs.Job) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	document, err := json.Marshal(job.Document)
	if err != nil {
		return err
	}
	options, err := json.Marshal(job.Options)
	if err != nil {
		return err
	}
	result, err := marshalResult(job.Result)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO queue_jobs (
			id, record_id, document_json, options_json, status, attempts_made, max_attempts, progress,
			last_error, result_json, run_at, started_at, finished_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			record_id=excluded.record_id,
			document_json=excluded.document_json,
			options_json=excluded.options_json,
			status=excluded.status,
			attempts_made=excluded.attempts_made,
			max_attempts=excluded.max_attempts,
			progress=excluded.progress,
			last_error=excluded.last_error,
			result_json=excluded.result_json,
			run_at=excluded.run_at,
			started_at=excluded.started_at,
			finished_at=excluded.finished_at,
			updated_at=excluded.updated_at`,
		job.ID,
		job.RecordID,
		string(document),
		string(options),
		string(job.Status),
		job.AttemptsMade,
		job.MaxAttempts,
		job.Progress,
		job.LastError,
		result,
		nullTime(job.RunAt),
		nullTime(job.StartedAt),
		nullTime(job.FinishedAt),
		job.CreatedAt,
		job.UpdatedAt,
	)
	return err
}

// Progress

// UpsertProgress replaces the progress row of rec's document and stage.
func (s *SQLiteStore) UpsertProgress(ctx context.Context, rec ProgressRecord) error {
	if rec.DocumentID == "" || rec.Stage == "" {
		return fmt.Errorf("document id and stage are required")
	}
	metadata := "{}"
	if len(rec.Metadata) > 0 {
		payload, err := json.Marshal(rec.Metadata)
		if err != nil {
			return err
		}
		metadata = string(payload)
	}
	checkpoint := rec.LastCheckpointAt.UTC()
	if rec.LastCheckpointAt.IsZero() {
		checkpoint = s.now()
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO processing_progress (
			document_id, stage, percentage, current_page, total_pages, current_chunk, total_chunks, metadata_json, last_checkpoint_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(document_id, stage) DO UPDATE SET
			percentage=excluded.percentage,
			current_page=excluded.current_page,
			total_pages=excluded.total_pages,
			current_chunk=excluded.current_chunk,
			total_chunks=excluded.total_chunks,
			metadata_json=excluded.metadata_json,
			last_checkpoint_at=excluded.last_checkpoint_at`,
		rec.DocumentID,
		rec.Stage,
		rec.Percentage,
		rec.CurrentPage,
		rec.TotalPages,
		rec.CurrentChunk,
		rec.TotalChunks,
		metadata,
		checkpoint,
	)
	return err
}

func (s *SQLiteStore) ListProgress(ctx context.Context, documentID string) ([]ProgressRecord, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT document_id, stage, percentage, current_page, total_pages, current_chunk, total_chunks, metadata_json, last_checkpoint_at
		 FROM processing_progress
		 WHERE document_id = ?
		 ORDER BY stage ASC`,
		documentID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make([]ProgressRecord, 0)
	for rows.Next() {
		var item ProgressRecord
		var metadata string
		if err := rows.Scan(
			&item.DocumentID,
			&item.Stage,
			&item.Percentage,
			&item.CurrentPage,
			&item.TotalPages,
			&item.CurrentChunk,
			&item.TotalChunks,
			&metadata,
			&item.LastCheckpointAt,
		); err != nil {
			return nil, err
		}
		if metadata != "" && metadata != "{}" {
			if err := json.Unmarshal([]byte(metadata), &item.Metadata); err != nil {
				return nil, err
			}
		}
		ret = append(ret, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ret, nil
}

// DocumentProgress returns the latest job record of the document and its
// stage progress. Job is nil when the document was never submitted.
func (s *SQLiteStore) DocumentProgress(ctx context.Context, documentID string) (*DocumentProgress, error) {
	rec, _, err := s.LatestRecord(ctx, documentID)
	if err != nil {
		return nil, err
	}
	progress, err := s.ListProgress(ctx, documentID)
	if err != nil {
		return nil, err
	}
	return &DocumentProgress{Job: rec, Progress: progress}, nil
}

func marshalResult(res *jobs.Result) (string, error) {
	if res == nil {
		return "", nil
	}
	payload, err := json.Marshal(res)
	if err != nil {
		return "", err
	}
	return string(payload), nil
}

func unmarshalResult(raw string) (*jobs.Result, error) {
	if raw == "" {
		return nil, nil
	}
	var res jobs.Result
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return nullTime(*t)
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
