package service

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shensi8312/design-institute-platform-sub001/internal/config"
	"github.com/shensi8312/design-institute-platform-sub001/internal/jobs"
	"github.com/shensi8312/design-institute-platform-sub001/internal/persistence"
)

type fakeQueue struct {
	mu     sync.Mutex
	docs   []jobs.DocumentInfo
	keys   map[string]bool
	counts jobs.Counts
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{keys: map[string]bool{}}
}

func (f *fakeQueue) Enqueue(_ context.Context, doc jobs.DocumentInfo, opts jobs.Options) (*jobs.EnqueueResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.keys[opts.DedupeKey] {
		return &jobs.EnqueueResult{Duplicate: true}, nil
	}
	f.keys[opts.DedupeKey] = true
	f.docs = append(f.docs, doc)
	return &jobs.EnqueueResult{QueueJobID: "q-" + doc.ID}, nil
}

func (f *fakeQueue) Counts() jobs.Counts { return f.counts }

type fakeReaper struct {
	olderThan time.Duration
}

func (f *fakeReaper) CleanupCompleted(olderThan time.Duration) int {
	f.olderThan = olderThan
	return 2
}

type fakeStats struct {
	got jobs.Counts
}

func (f *fakeStats) UpdateQueueStats(c jobs.Counts) { f.got = c }

type fakeRegistry struct {
	docs []persistence.Document
}

func (f *fakeRegistry) UpsertDocument(_ context.Context, doc persistence.Document) error {
	f.docs = append(f.docs, doc)
	return nil
}

func TestScheduler_Schedule(t *testing.T) {
	cfg := *config.Default()
	c := cron.New()
	s := NewScheduler(cfg, c, newFakeQueue(), &fakeReaper{})

	require.NoError(t, s.Schedule(context.Background()))
	assert.Len(t, c.Entries(), 2)

	infos := s.Schedules(time.Now())
	require.Len(t, infos, 2)
	assert.Equal(t, JobQueueReport, infos[0].Name)
	assert.Equal(t, "@every 30s", infos[0].Expression)
	assert.Equal(t, JobRunReaper, infos[1].Name)

	cfg.Intake.Dir = t.TempDir()
	c = cron.New()
	s = NewScheduler(cfg, c, newFakeQueue(), &fakeReaper{})
	require.NoError(t, s.Schedule(context.Background()))
	assert.Len(t, c.Entries(), 3)
}

func TestScheduler_ScheduleRejectsBadExpression(t *testing.T) {
	cfg := *config.Default()
	cfg.Pipeline.ReapSchedule = "sometimes"
	s := NewScheduler(cfg, cron.New(), newFakeQueue(), &fakeReaper{})
	require.Error(t, s.Schedule(context.Background()))
}

func TestScheduler_ReportAndReap(t *testing.T) {
	cfg := *config.Default()
	queue := newFakeQueue()
	queue.counts = jobs.Counts{Waiting: 2, Active: 1}
	reaper := &fakeReaper{}
	stats := &fakeStats{}
	s := NewScheduler(cfg, cron.New(), queue, reaper, WithStatsSink(stats))

	assert.Equal(t, queue.counts, s.ReportQueue())
	assert.Equal(t, queue.counts, stats.got)

	assert.Equal(t, 2, s.ReapRuns())
	assert.Equal(t, cfg.Pipeline.RunRetention, reaper.olderThan)
}

func TestScheduler_ScanIntake(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	write := func(name string, mod time.Time) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte("content"), 0o644))
		require.NoError(t, os.Chtimes(path, mod, mod))
		return path
	}
	fresh := write("drawing.pdf", now)
	write("stale.pdf", now.Add(-72*time.Hour))
	write("ignored.exe", now)

	cfg := *config.Default()
	cfg.Intake.Dir = dir
	cfg.Intake.KBID = "kb-1"
	queue := newFakeQueue()
	registry := &fakeRegistry{}
	s := NewScheduler(cfg, cron.New(), queue, &fakeReaper{}, WithDocumentRegistry(registry))

	n, err := s.ScanIntake(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, queue.docs, 1)
	doc := queue.docs[0]
	assert.Equal(t, "drawing.pdf", doc.Name)
	assert.Equal(t, "kb-1", doc.KBID)
	assert.Equal(t, fresh, doc.FilePath)
	require.Len(t, registry.docs, 1)
	assert.Equal(t, doc.ID, registry.docs[0].ID)

	// unchanged files are not picked up again
	n, err = s.ScanIntake(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// the id is derived from the path
	again := s.documentFor(fresh)
	assert.Equal(t, doc.ID, again.ID)
}

func TestScheduler_ScanIntakeMissingDir(t *testing.T) {
	cfg := *config.Default()
	cfg.Intake.Dir = filepath.Join(t.TempDir(), "missing")
	s := NewScheduler(cfg, cron.New(), newFakeQueue(), nil)

	_, err := s.ScanIntake(context.Background())
	require.Error(t, err)
	assert.Equal(t, 0, s.ReapRuns())
}
