package service

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"github.com/shensi8312/design-institute-platform-sub001/internal/config"
	"github.com/shensi8312/design-institute-platform-sub001/internal/jobs"
	"github.com/shensi8312/design-institute-platform-sub001/internal/persistence"
	"github.com/shensi8312/design-institute-platform-sub001/pkg/file"
	"github.com/shensi8312/design-institute-platform-sub001/pkg/icron"
	"github.com/shensi8312/design-institute-platform-sub001/pkg/log"
)

const (
	JobQueueReport = "queue-report"
	JobRunReaper   = "run-reaper"
	JobIntakeScan  = "intake-scan"
)

type Queue interface {
	Enqueue(ctx context.Context, doc jobs.DocumentInfo, opts jobs.Options) (*jobs.EnqueueResult, error)
	Counts() jobs.Counts
}

// RunReaper drops finished in-memory runs older than the given age.
type RunReaper interface {
	CleanupCompleted(olderThan time.Duration) int
}

type StatsSink interface {
	UpdateQueueStats(counts jobs.Counts)
}

type DocumentRegistry interface {
	UpsertDocument(ctx context.Context, doc persistence.Document) error
}

type Option func(*Scheduler)

func WithStatsSink(stats StatsSink) Option {
	return func(s *Scheduler) { s.stats = stats }
}

func WithDocumentRegistry(docs DocumentRegistry) Option {
	return func(s *Scheduler) { s.docs = docs }
}

// Scheduler owns the periodic housekeeping of the pipeline: queue
// reports, reaping of finished runs and the optional intake scan.
type Scheduler struct {
	cfg   config.Config
	cron  *cron.Cron
	queue Queue
	runs  RunReaper
	stats StatsSink
	docs  DocumentRegistry

	group singleflight.Group

	mu        sync.Mutex
	lastScan  time.Time
	schedules map[string]string
}

func NewScheduler(cfg config.Config, c *cron.Cron, queue Queue, runs RunReaper, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:       cfg,
		cron:      c,
		queue:     queue,
		runs:      runs,
		schedules: make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scheduler) Schedule(ctx context.Context) error {
	log.Info("Scheduling pipeline maintenance")

	if err := s.add(JobQueueReport, s.cfg.Queue.ReportSchedule, func() { s.ReportQueue() }); err != nil {
		return err
	}
	if err := s.add(JobRunReaper, s.cfg.Pipeline.ReapSchedule, func() { s.ReapRuns() }); err != nil {
		return err
	}
	if s.cfg.Intake.Enabled() {
		log.Info("Watching %s for new documents (%s)", s.cfg.Intake.Dir, s.cfg.Intake.Schedule)
		err := s.add(JobIntakeScan, s.cfg.Intake.Schedule, func() {
			if _, err := s.ScanIntake(ctx); err != nil {
				log.Error("Intake scan of %s failed: %v", s.cfg.Intake.Dir, err)
			}
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) add(name, expr string, fn func()) error {
	if _, err := s.cron.AddFunc(expr, fn); err != nil {
		return err
	}
	s.mu.Lock()
	s.schedules[name] = expr
	s.mu.Unlock()
	return nil
}

// ReportQueue logs the queue counts when there is work in flight and
// forwards them to the stats sink.
func (s *Scheduler) ReportQueue() jobs.Counts {
	counts := s.queue.Counts()
	if s.stats != nil {
		s.stats.UpdateQueueStats(counts)
	}
	if counts.Waiting > 0 || counts.Active > 0 || counts.Delayed > 0 {
		log.Info("Queue: waiting=%d active=%d delayed=%d completed=%d failed=%d",
			counts.Waiting, counts.Active, counts.Delayed, counts.Completed, counts.Failed)
	}
	return counts
}

func (s *Scheduler) ReapRuns() int {
	if s.runs == nil {
		return 0
	}
	n := s.runs.CleanupCompleted(s.cfg.Pipeline.RunRetention)
	if n > 0 {
		log.Info("Reaped %d finished processing runs", n)
	}
	return n
}

// ScanIntake enqueues documents dropped into the intake directory since
// the previous scan. Concurrent calls share one scan.
func (s *Scheduler) ScanIntake(ctx context.Context) (int, error) {
	v, err, _ := s.group.Do(JobIntakeScan, func() (any, error) {
		return s.scanIntake(ctx)
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

func (s *Scheduler) scanIntake(ctx context.Context) (int, error) {
	started := time.Now()
	since := s.scanStart(started)

	files, err := file.FindRecentAfter(s.cfg.Intake.Dir, since, s.cfg.Intake.Extensions...)
	if err != nil {
		return 0, err
	}
	log.Debug("Found %d new files in %s since %s", len(files), s.cfg.Intake.Dir, since.Format(time.RFC3339))

	queued := 0
	for _, path := range files {
		doc := s.documentFor(path)
		if s.docs != nil {
			if err := s.docs.UpsertDocument(ctx, persistence.Document{
				ID:       doc.ID,
				Name:     doc.Name,
				FilePath: doc.FilePath,
				KBID:     doc.KBID,
			}); err != nil {
				log.Error("Failed to register document %s: %v", path, err)
				continue
			}
		}

		opts := jobs.DefaultOptions()
		opts.DedupeKey = JobIntakeScan + "|" + doc.ID
		res, err := s.queue.Enqueue(ctx, doc, opts)
		if err != nil {
			log.Error("Failed to queue %s: %v", path, err)
			continue
		}
		if !res.Duplicate {
			queued++
			log.Info("Queued %s as document %s", path, doc.ID)
		}
	}

	s.mu.Lock()
	s.lastScan = started
	s.mu.Unlock()
	return queued, nil
}

// scanStart is the previous scan time, or the lookback window before the
// first scan.
func (s *Scheduler) scanStart(now time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.lastScan.IsZero() {
		return s.lastScan
	}
	return now.Add(-s.cfg.Intake.Lookback)
}

func (s *Scheduler) documentFor(path string) jobs.DocumentInfo {
	return DocumentForPath(path, s.cfg.Intake.KBID)
}

// DocumentForPath derives a stable document id from the file's absolute
// path so a re-submitted file updates the same document.
func DocumentForPath(path, kbID string) jobs.DocumentInfo {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return jobs.DocumentInfo{
		ID:       uuid.NewSHA1(uuid.NameSpaceURL, []byte("file://"+abs)).String(),
		Name:     filepath.Base(abs),
		FilePath: abs,
		KBID:     kbID,
	}
}

// ScheduleInfo describes one scheduled maintenance job.
type ScheduleInfo struct {
	Name       string    `json:"name"`
	Expression string    `json:"expression"`
	Next       time.Time `json:"next"`
	Last       time.Time `json:"last,omitempty"`
}

// Schedules reports the registered jobs with their trigger times.
func (s *Scheduler) Schedules(now time.Time) []ScheduleInfo {
	s.mu.Lock()
	names := make(map[string]string, len(s.schedules))
	for k, v := range s.schedules {
		names[k] = v
	}
	s.mu.Unlock()

	ret := make([]ScheduleInfo, 0, len(names))
	for _, name := range []string{JobQueueReport, JobRunReaper, JobIntakeScan} {
		expr, ok := names[name]
		if !ok {
			continue
		}
		info, err := icron.GetTriggerInfo(expr, now)
		if err != nil {
			log.Warn("Failed to read schedule %s: %v", name, err)
			continue
		}
		ret = append(ret, ScheduleInfo{Name: name, Expression: expr, Next: info.Next, Last: info.Last})
	}
	return ret
}
