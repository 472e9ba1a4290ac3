package jobs

import (
	"container/heap"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shensi8312/design-institute-platform-sub001/internal/apperr"
	"github.com/shensi8312/design-institute-platform-sub001/pkg/log"
)

// Executor processes one attempt of a job. A returned error is retried
// with backoff when apperr.Retryable reports it as transient. A Result
// with Success false fails the job without consuming further attempts.
type Executor func(ctx context.Context, job *Job) (*Result, error)

const maxBackoff = time.Hour

type Config struct {
	Concurrency   int
	MaxAttempts   int
	BackoffBase   time.Duration
	KeepCompleted int
}

type Option func(*Queue)

func WithRecordStore(records RecordStore) Option {
	return func(q *Queue) { q.records = records }
}

func WithDocumentStatus(docs DocumentStatusWriter) Option {
	return func(q *Queue) { q.docs = docs }
}

func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

type Queue struct {
	cfg     Config
	store   Store
	records RecordStore
	docs    DocumentStatusWriter
	now     func() time.Time

	// serializes Enqueue so the dedupe check, record insert and queue
	// insert happen as one step
	enqueueMu sync.Mutex

	mu      sync.RWMutex
	jobs    map[string]*Job
	dedupe  map[string]string
	waiting jobHeap
	timers  map[string]*time.Timer
	seq     uint64
	started bool
	paused  bool
	stalled []string

	// persistMu orders store writes; persistedAt holds the UpdatedAt of
	// the last snapshot written per job
	persistMu   sync.Mutex
	persistedAt map[string]time.Time

	listenersMu  sync.RWMutex
	listeners    map[int]Listener
	nextListener int

	wake     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewQueue(cfg Config, store Store, opts ...Option) *Queue {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	if cfg.KeepCompleted <= 0 {
		cfg.KeepCompleted = 100
	}

	q := &Queue{
		cfg:         cfg,
		store:       store,
		now:         time.Now,
		jobs:        make(map[string]*Job),
		dedupe:      make(map[string]string),
		timers:      make(map[string]*time.Timer),
		persistedAt: make(map[string]time.Time),
		listeners:   make(map[int]Listener),
		wake:        make(chan struct{}, cfg.Concurrency),
		stopCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.hydrateFromStore(context.Background())
	return q
}

// Backoff is the delay before the attempt following attempt number
// attempt (1-based): base, 2*base, 4*base and so on, capped at an hour.
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 30 {
		return maxBackoff
	}
	d := base << (attempt - 1)
	if d <= 0 || d > maxBackoff {
		return maxBackoff
	}
	return d
}

// Enqueue creates the durable record for doc and then submits the queue
// entry. Duplicate submissions are accepted unless opts.DedupeKey is set.
func (q *Queue) Enqueue(ctx context.Context, doc DocumentInfo, opts Options) (*EnqueueResult, error) {
	if strings.TrimSpace(doc.ID) == "" {
		return nil, apperr.New(apperr.ErrValidation, "document id is required")
	}

	q.enqueueMu.Lock()
	defer q.enqueueMu.Unlock()

	if opts.DedupeKey != "" {
		q.mu.RLock()
		if id, ok := q.dedupe[opts.DedupeKey]; ok {
			if existing, exists := q.jobs[id]; exists {
				ret := &EnqueueResult{JobRecordID: existing.RecordID, QueueJobID: existing.ID, Duplicate: true}
				q.mu.RUnlock()
				return ret, nil
			}
		}
		q.mu.RUnlock()
	}

	now := q.now()
	q.mu.RLock()
	id := q.nextJobIDLocked(doc.ID, now)
	q.mu.RUnlock()

	rec := &Record{
		ID:          uuid.NewString(),
		DocumentID:  doc.ID,
		JobType:     JobTypeFullProcessing,
		QueueJobID:  id,
		Status:      RecordPending,
		Priority:    opts.Priority,
		Options:     opts,
		MaxAttempts: q.cfg.MaxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if q.records != nil {
		if err := q.records.CreateRecord(ctx, rec); err != nil {
			return nil, apperr.Wrap(err, apperr.ErrStorage, "create job record").
				WithContext("document_id", doc.ID)
		}
	}

	q.mu.Lock()
	q.seq++
	seq := q.seq
	q.mu.Unlock()

	job := &Job{
		ID:          id,
		RecordID:    rec.ID,
		Document:    doc,
		Options:     opts,
		Status:      StatusWaiting,
		MaxAttempts: q.cfg.MaxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
		seq:         seq,
	}
	snapshot := cloneJob(job)
	q.persistJob(snapshot)
	q.emit(Event{Type: EventWaiting, Job: *snapshot})

	q.mu.Lock()
	q.jobs[id] = job
	if opts.DedupeKey != "" {
		q.dedupe[opts.DedupeKey] = id
	}
	heap.Push(&q.waiting, job)
	q.mu.Unlock()
	q.signal()
	log.Info("Queued job %s for document %s (record %s, priority %d)", id, doc.ID, rec.ID, opts.Priority)
	return &EnqueueResult{JobRecordID: rec.ID, QueueJobID: id}, nil
}

// nextJobIDLocked derives the key from the document and submission time
// and suffixes it when that key is still held by another entry.
func (q *Queue) nextJobIDLocked(documentID string, now time.Time) string {
	base := fmt.Sprintf("doc-%s-%d", documentID, now.UnixMilli())
	id := base
	for n := 1; q.jobs[id] != nil; n++ {
		id = fmt.Sprintf("%s-%d", base, n)
	}
	return id
}

func (q *Queue) Get(id string) (*Job, bool) {
	q.mu.RLock()
	job, ok := q.jobs[id]
	q.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return cloneJob(job), true
}

// List returns every retained job, newest first.
func (q *Queue) List() []*Job {
	q.mu.RLock()
	ret := make([]*Job, 0, len(q.jobs))
	for _, job := range q.jobs {
		ret = append(ret, cloneJob(job))
	}
	q.mu.RUnlock()

	sort.Slice(ret, func(i, j int) bool {
		return ret[i].seq > ret[j].seq
	})
	return ret
}

func (q *Queue) Counts() Counts {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var c Counts
	for _, job := range q.jobs {
		switch job.Status {
		case StatusWaiting:
			c.Waiting++
		case StatusActive:
			c.Active++
		case StatusCompleted:
			c.Completed++
		case StatusFailed:
			c.Failed++
		case StatusDelayed:
			c.Delayed++
		}
	}
	return c
}

// Subscribe registers l for every lifecycle event and returns a function
// that removes it. Listeners run on the queue's goroutines and must not
// block.
func (q *Queue) Subscribe(l Listener) func() {
	q.listenersMu.Lock()
	defer q.listenersMu.Unlock()
	id := q.nextListener
	q.nextListener++
	q.listeners[id] = l
	return func() {
		q.listenersMu.Lock()
		defer q.listenersMu.Unlock()
		delete(q.listeners, id)
	}
}

// Start runs exec on Concurrency workers. Entries found active when the
// queue was loaded are reported as stalled and run again.
func (q *Queue) Start(exec Executor) {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	stalled := make([]*Job, 0, len(q.stalled))
	for _, id := range q.stalled {
		if job, ok := q.jobs[id]; ok {
			stalled = append(stalled, cloneJob(job))
		}
	}
	q.stalled = nil
	q.mu.Unlock()

	for _, job := range stalled {
		log.Warn("Job %s for document %s stalled, requeued", job.ID, job.Document.ID)
		q.emit(Event{Type: EventStalled, Job: *job})
	}

	for range q.cfg.Concurrency {
		q.wg.Add(1)
		go q.worker(exec)
	}
	q.signal()
}

// Stop waits for running attempts to finish. Delayed entries stay
// delayed in the store and are rescheduled on the next load.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		close(q.stopCh)
		q.mu.Lock()
		for id, t := range q.timers {
			t.Stop()
			delete(q.timers, id)
		}
		q.mu.Unlock()
		q.wg.Wait()
	})
}

func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
	log.Info("Queue paused")
}

func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	log.Info("Queue resumed")
	for range q.cfg.Concurrency {
		q.signal()
	}
}

func (q *Queue) Paused() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.paused
}

// Retry puts a failed job back in the waiting set with a fresh attempt
// budget.
func (q *Queue) Retry(ctx context.Context, id string) (*Job, error) {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return nil, apperr.Newf(apperr.ErrNotFound, "job %s not found", id)
	}
	if job.Status != StatusFailed {
		status := job.Status
		q.mu.Unlock()
		return nil, apperr.Newf(apperr.ErrValidation, "job %s is %s, only failed jobs can be retried", id, status)
	}
	job.Status = StatusWaiting
	job.AttemptsMade = 0
	job.Progress = 0
	job.LastError = ""
	job.Result = nil
	job.FinishedAt = time.Time{}
	job.UpdatedAt = q.now()
	if key := job.Options.DedupeKey; key != "" {
		if _, taken := q.dedupe[key]; !taken {
			q.dedupe[key] = job.ID
		}
	}
	snapshot := cloneJob(job)
	q.mu.Unlock()

	q.persistJob(snapshot)
	zero := 0
	q.updateRecord(ctx, snapshot.RecordID, RecordUpdate{Status: RecordPending, Attempts: &zero})
	q.emit(Event{Type: EventWaiting, Job: *snapshot})
	q.release(job)
	return snapshot, nil
}

// Clean drops every retained job in a terminal status from the queue and
// its store. Durable records are kept.
func (q *Queue) Clean(ctx context.Context, status Status) (int, error) {
	if !status.Terminal() {
		return 0, apperr.Newf(apperr.ErrValidation, "cannot clean %s jobs", status)
	}

	q.mu.Lock()
	removed := make([]string, 0)
	for id, job := range q.jobs {
		if job.Status != status {
			continue
		}
		q.releaseDedupeLocked(job)
		delete(q.jobs, id)
		removed = append(removed, id)
	}
	q.mu.Unlock()

	q.deleteJobsFromStore(removed)
	log.Info("Cleaned %d %s jobs", len(removed), status)
	return len(removed), nil
}

// UpdateProgress records how far an active job has got, in percent.
func (q *Queue) UpdateProgress(id string, percent int) {
	percent = max(0, min(100, percent))

	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok || job.Status != StatusActive || job.Progress == percent {
		q.mu.Unlock()
		return
	}
	job.Progress = percent
	job.UpdatedAt = q.now()
	snapshot := cloneJob(job)
	q.mu.Unlock()

	q.persistJob(snapshot)
	q.emit(Event{Type: EventProgress, Job: *snapshot})
}

func (q *Queue) worker(exec Executor) {
	defer q.wg.Done()

	for {
		select {
		case <-q.stopCh:
			return
		default:
		}

		job, ok := q.markActive()
		if !ok {
			select {
			case <-q.stopCh:
				return
			case <-q.wake:
			}
			continue
		}
		// another idle worker may pick up the next entry
		q.signal()

		res, err := q.execute(exec, job)
		q.finish(job.ID, res, err)
	}
}

func (q *Queue) execute(exec Executor, job *Job) (res *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperr.New(apperr.ErrUnknown, fmt.Sprintf("runtime error: %v", r))
		}
	}()
	return exec(context.Background(), job)
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) markActive() (*Job, bool) {
	q.mu.Lock()
	if q.paused {
		q.mu.Unlock()
		return nil, false
	}
	for q.waiting.Len() > 0 {
		job := heap.Pop(&q.waiting).(*Job)
		if current, ok := q.jobs[job.ID]; !ok || current != job || job.Status != StatusWaiting {
			continue
		}
		now := q.now()
		job.Status = StatusActive
		job.AttemptsMade++
		job.Progress = 0
		job.StartedAt = now
		job.UpdatedAt = now
		snapshot := cloneJob(job)
		q.mu.Unlock()

		q.persistJob(snapshot)
		attempts := snapshot.AttemptsMade
		q.updateRecord(context.Background(), snapshot.RecordID, RecordUpdate{
			Status:    RecordActive,
			Attempts:  &attempts,
			StartedAt: &now,
		})
		q.emit(Event{Type: EventActive, Job: *snapshot})
		return snapshot, true
	}
	q.mu.Unlock()
	return nil, false
}

func (q *Queue) finish(id string, res *Result, err error) {
	switch {
	case err != nil:
		q.markAttemptFailed(id, res, err)
	case res != nil && !res.Success:
		q.markRejected(id, res)
	default:
		q.markCompleted(id, res)
	}
}

func (q *Queue) markCompleted(id string, res *Result) {
	now := q.now()
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	job.Status = StatusCompleted
	job.Result = res
	job.LastError = ""
	job.Progress = 100
	job.FinishedAt = now
	job.UpdatedAt = now
	q.releaseDedupeLocked(job)
	pruned := q.pruneCompletedJobsLocked()
	snapshot := cloneJob(job)
	q.mu.Unlock()

	q.persistJob(snapshot)
	q.deleteJobsFromStore(pruned)

	ctx := context.Background()
	q.updateRecord(ctx, snapshot.RecordID, RecordUpdate{
		Status:      RecordCompleted,
		CompletedAt: &now,
		Result:      res,
	})
	q.applyDocumentResult(ctx, snapshot, res)
	q.emit(Event{Type: EventCompleted, Job: *snapshot})
	log.Info("Job %s completed after %d attempt(s)", id, snapshot.AttemptsMade)
}

// markRejected fails a job whose executor reported an unrecoverable
// outcome. No further attempts are made.
func (q *Queue) markRejected(id string, res *Result) {
	now := q.now()
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	job.Status = StatusFailed
	job.Result = res
	job.LastError = res.Error
	job.FinishedAt = now
	job.UpdatedAt = now
	q.releaseDedupeLocked(job)
	snapshot := cloneJob(job)
	q.mu.Unlock()

	q.persistJob(snapshot)

	ctx := context.Background()
	lastErr := res.Error
	q.updateRecord(ctx, snapshot.RecordID, RecordUpdate{
		Status:    RecordFailed,
		FailedAt:  &now,
		LastError: &lastErr,
		Result:    res,
	})
	q.applyDocumentResult(ctx, snapshot, res)
	q.emit(Event{Type: EventFailed, Job: *snapshot, Err: res.Error})
	log.Warn("Job %s failed without retry: %s", id, res.Error)
}

func (q *Queue) markAttemptFailed(id string, res *Result, err error) {
	now := q.now()
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	job.LastError = err.Error()
	job.UpdatedAt = now

	retry := apperr.Retryable(err) && job.AttemptsMade < job.MaxAttempts
	var delay time.Duration
	if retry {
		delay = Backoff(q.cfg.BackoffBase, job.AttemptsMade)
		job.Status = StatusDelayed
		job.RunAt = now.Add(delay)
		q.scheduleLocked(job.ID, delay)
	} else {
		job.Status = StatusFailed
		job.Result = res
		job.FinishedAt = now
		q.releaseDedupeLocked(job)
	}
	snapshot := cloneJob(job)
	q.mu.Unlock()

	q.persistJob(snapshot)

	ctx := context.Background()
	lastErr := err.Error()
	if retry {
		q.updateRecord(ctx, snapshot.RecordID, RecordUpdate{Status: RecordPending, LastError: &lastErr})
		q.emit(Event{Type: EventFailed, Job: *snapshot, Err: lastErr, WillRetry: true, Delay: delay})
		log.Warn("Job %s attempt %d/%d failed, retrying in %s: %v",
			id, snapshot.AttemptsMade, snapshot.MaxAttempts, delay, err)
		return
	}

	final := apperr.Wrap(err, apperr.ErrQueueExhausted,
		fmt.Sprintf("gave up after %d attempt(s)", snapshot.AttemptsMade))
	q.updateRecord(ctx, snapshot.RecordID, RecordUpdate{Status: RecordFailed, FailedAt: &now, LastError: &lastErr})
	if q.docs != nil {
		reason := fmt.Sprintf("%s: %v", apperr.Reason(err), err)
		if derr := q.docs.MarkExhausted(ctx, snapshot.Document.ID, reason); derr != nil {
			log.Error("Failed to mark document %s failed: %v", snapshot.Document.ID, derr)
		}
	}
	q.emit(Event{Type: EventFailed, Job: *snapshot, Err: lastErr, Exhausted: true})
	log.Error("Job %s failed permanently: %v", id, final)
}

func (q *Queue) scheduleLocked(id string, delay time.Duration) {
	if t, ok := q.timers[id]; ok {
		t.Stop()
	}
	q.timers[id] = time.AfterFunc(delay, func() { q.promote(id) })
}

// promote moves a delayed job back to waiting once its backoff elapsed.
func (q *Queue) promote(id string) {
	select {
	case <-q.stopCh:
		return
	default:
	}

	q.mu.Lock()
	delete(q.timers, id)
	job, ok := q.jobs[id]
	if !ok || job.Status != StatusDelayed {
		q.mu.Unlock()
		return
	}
	job.Status = StatusWaiting
	job.RunAt = time.Time{}
	job.UpdatedAt = q.now()
	snapshot := cloneJob(job)
	q.mu.Unlock()

	q.persistJob(snapshot)
	q.emit(Event{Type: EventWaiting, Job: *snapshot})
	q.release(job)
}

// release hands a job already marked waiting to the workers. The waiting
// state is persisted first so a worker's later writes are never
// overwritten by it.
func (q *Queue) release(job *Job) {
	q.mu.Lock()
	if current, ok := q.jobs[job.ID]; !ok || current != job || job.Status != StatusWaiting {
		q.mu.Unlock()
		return
	}
	heap.Push(&q.waiting, job)
	q.mu.Unlock()
	q.signal()
}

func (q *Queue) applyDocumentResult(ctx context.Context, job *Job, res *Result) {
	if q.docs == nil || res == nil {
		return
	}
	if err := q.docs.ApplyJobResult(ctx, job.Document.ID, res); err != nil {
		log.Error("Failed to update document %s from job %s: %v", job.Document.ID, job.ID, err)
	}
}

func (q *Queue) updateRecord(ctx context.Context, id string, update RecordUpdate) {
	if q.records == nil || id == "" {
		return
	}
	if err := q.records.UpdateRecord(ctx, id, update); err != nil {
		log.Error("Failed to update job record %s: %v", id, err)
	}
}

func (q *Queue) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = q.now()
	}
	q.listenersMu.RLock()
	listeners := make([]Listener, 0, len(q.listeners))
	for _, l := range q.listeners {
		listeners = append(listeners, l)
	}
	q.listenersMu.RUnlock()

	for _, l := range listeners {
		l(ev)
	}
}

func (q *Queue) releaseDedupeLocked(job *Job) {
	if job == nil || job.Options.DedupeKey == "" {
		return
	}
	if id, ok := q.dedupe[job.Options.DedupeKey]; ok && id == job.ID {
		delete(q.dedupe, job.Options.DedupeKey)
	}
}

// pruneCompletedJobsLocked keeps at most KeepCompleted completed jobs,
// dropping the oldest. Failed jobs are only removed by Clean.
func (q *Queue) pruneCompletedJobsLocked() []string {
	completed := make([]*Job, 0)
	for _, job := range q.jobs {
		if job.Status == StatusCompleted {
			completed = append(completed, job)
		}
	}
	toRemove := len(completed) - q.cfg.KeepCompleted
	if toRemove <= 0 {
		return nil
	}

	sort.Slice(completed, func(i, j int) bool {
		if completed[i].FinishedAt.Equal(completed[j].FinishedAt) {
			return completed[i].seq < completed[j].seq
		}
		return completed[i].FinishedAt.Before(completed[j].FinishedAt)
	})

	pruned := make([]string, 0, toRemove)
	for _, job := range completed[:toRemove] {
		delete(q.jobs, job.ID)
		pruned = append(pruned, job.ID)
	}
	return pruned
}

func (q *Queue) deleteJobsFromStore(ids []string) {
	if q.store == nil || len(ids) == 0 {
		return
	}
	q.persistMu.Lock()
	defer q.persistMu.Unlock()
	for _, id := range ids {
		delete(q.persistedAt, id)
		if err := q.store.DeleteJob(context.Background(), id); err != nil {
			log.Error("Failed to delete pruned job %s from store: %v", id, err)
		}
	}
}

func (q *Queue) hydrateFromStore(ctx context.Context) {
	if q.store == nil {
		return
	}
	loaded, err := q.store.LoadJobs(ctx)
	if err != nil {
		log.Error("Failed to load jobs from store: %v", err)
		return
	}

	now := q.now()
	toPersist := make([]*Job, 0)
	q.mu.Lock()
	for _, raw := range loaded {
		if raw == nil || raw.ID == "" {
			continue
		}
		job := cloneJob(raw)
		q.seq++
		job.seq = q.seq

		switch job.Status {
		case StatusActive:
			// the attempt never finished, so it does not count
			if job.AttemptsMade > 0 {
				job.AttemptsMade--
			}
			job.Status = StatusWaiting
			job.UpdatedAt = now
			q.stalled = append(q.stalled, job.ID)
			toPersist = append(toPersist, cloneJob(job))
		case StatusDelayed:
			if delay := job.RunAt.Sub(now); delay > 0 {
				q.scheduleLocked(job.ID, delay)
			} else {
				job.Status = StatusWaiting
				job.RunAt = time.Time{}
				toPersist = append(toPersist, cloneJob(job))
			}
		}

		q.jobs[job.ID] = job
		if job.Status == StatusWaiting {
			heap.Push(&q.waiting, job)
		}
		if !job.Status.Terminal() && job.Options.DedupeKey != "" {
			q.dedupe[job.Options.DedupeKey] = job.ID
		}
	}
	q.mu.Unlock()

	for _, job := range toPersist {
		q.persistJob(job)
	}
	if len(loaded) > 0 {
		log.Info("Loaded %d jobs from store", len(loaded))
	}
}

// persistJob writes a snapshot taken under q.mu. Snapshots can reach it
// out of order from concurrent progress reports, so one older than the
// last write for the same job is dropped.
func (q *Queue) persistJob(job *Job) {
	if q.store == nil || job == nil {
		return
	}
	q.persistMu.Lock()
	defer q.persistMu.Unlock()
	if last, ok := q.persistedAt[job.ID]; ok && job.UpdatedAt.Before(last) {
		return
	}
	if err := q.store.UpsertJob(context.Background(), job); err != nil {
		log.Error("Failed to persist job %s: %v", job.ID, err)
		return
	}
	q.persistedAt[job.ID] = job.UpdatedAt
}

func cloneJob(job *Job) *Job {
	if job == nil {
		return nil
	}
	tmp := *job
	if job.Result != nil {
		res := *job.Result
		tmp.Result = &res
	}
	return &tmp
}

// jobHeap orders waiting jobs by priority, then submission order.
type jobHeap []*Job

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].Options.Priority != h[j].Options.Priority {
		return h[i].Options.Priority > h[j].Options.Priority
	}
	return h[i].seq < h[j].seq
}

func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x any) { *h = append(*h, x.(*Job)) }

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
