package jobs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shensi8312/design-institute-platform-sub001/internal/apperr"
)

func succeed(_ context.Context, _ *Job) (*Result, error) {
	return &Result{Success: true}, nil
}

func TestQueue_Enqueue_RequiresDocumentID(t *testing.T) {
	q := NewQueue(Config{}, nil)
	_, err := q.Enqueue(context.Background(), DocumentInfo{ID: "  "}, DefaultOptions())
	require.Error(t, err)
	assert.True(t, apperr.IsType(err, apperr.ErrValidation))
}

func TestQueue_Enqueue_DuplicatesBothProceedByDefault(t *testing.T) {
	q := NewQueue(Config{Concurrency: 1}, nil)

	a, err := q.Enqueue(context.Background(), DocumentInfo{ID: "doc-1"}, DefaultOptions())
	require.NoError(t, err)
	b, err := q.Enqueue(context.Background(), DocumentInfo{ID: "doc-1"}, DefaultOptions())
	require.NoError(t, err)

	assert.NotEqual(t, a.QueueJobID, b.QueueJobID)
	assert.NotEqual(t, a.JobRecordID, b.JobRecordID)
	assert.False(t, b.Duplicate)
	assert.Equal(t, 2, q.Counts().Waiting)
}

func TestQueue_Enqueue_DeduplicatesSameKey(t *testing.T) {
	q := NewQueue(Config{Concurrency: 1}, nil)
	opts := DefaultOptions()
	opts.DedupeKey = "doc-1|full"

	a, err := q.Enqueue(context.Background(), DocumentInfo{ID: "doc-1"}, opts)
	require.NoError(t, err)
	b, err := q.Enqueue(context.Background(), DocumentInfo{ID: "doc-1"}, opts)
	require.NoError(t, err)

	assert.True(t, b.Duplicate)
	assert.Equal(t, a.QueueJobID, b.QueueJobID)
	assert.Equal(t, 1, q.Counts().Waiting)
}

func TestQueue_Enqueue_DedupeKeyReleasedAfterCompletion(t *testing.T) {
	q := NewQueue(Config{Concurrency: 1}, nil)
	q.Start(succeed)
	defer q.Stop()

	opts := DefaultOptions()
	opts.DedupeKey = "done-key"
	first, err := q.Enqueue(context.Background(), DocumentInfo{ID: "doc-1"}, opts)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, ok := q.Get(first.QueueJobID)
		return ok && got.Status == StatusCompleted
	}, time.Second, 10*time.Millisecond)

	second, err := q.Enqueue(context.Background(), DocumentInfo{ID: "doc-1"}, opts)
	require.NoError(t, err)
	assert.False(t, second.Duplicate)
	assert.NotEqual(t, first.QueueJobID, second.QueueJobID)
}

func TestQueue_RunsHigherPriorityFirst(t *testing.T) {
	q := NewQueue(Config{Concurrency: 1}, nil)

	submit := func(doc string, priority int) {
		opts := DefaultOptions()
		opts.Priority = priority
		_, err := q.Enqueue(context.Background(), DocumentInfo{ID: doc}, opts)
		require.NoError(t, err)
	}
	submit("low", 0)
	submit("high", 5)
	submit("mid", 1)
	submit("low-2", 0)

	var mu sync.Mutex
	var order []string
	q.Start(func(_ context.Context, job *Job) (*Result, error) {
		mu.Lock()
		order = append(order, job.Document.ID)
		mu.Unlock()
		return &Result{Success: true}, nil
	})
	defer q.Stop()

	require.Eventually(t, func() bool {
		return q.Counts().Completed == 4
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"high", "mid", "low", "low-2"}, order)
}

func TestQueue_PauseHoldsWaitingJobs(t *testing.T) {
	q := NewQueue(Config{Concurrency: 1}, nil)
	q.Pause()
	q.Start(succeed)
	defer q.Stop()

	res, err := q.Enqueue(context.Background(), DocumentInfo{ID: "doc-1"}, DefaultOptions())
	require.NoError(t, err)

	require.Never(t, func() bool {
		got, _ := q.Get(res.QueueJobID)
		return got.Status != StatusWaiting
	}, 100*time.Millisecond, 10*time.Millisecond)
	assert.True(t, q.Paused())

	q.Resume()
	require.Eventually(t, func() bool {
		got, _ := q.Get(res.QueueJobID)
		return got.Status == StatusCompleted
	}, time.Second, 10*time.Millisecond)
}

func TestQueue_Clean(t *testing.T) {
	q := NewQueue(Config{Concurrency: 1}, nil)
	q.Start(func(_ context.Context, job *Job) (*Result, error) {
		if job.Document.ID == "bad" {
			return nil, apperr.New(apperr.ErrEmptyExtraction, "no text")
		}
		return &Result{Success: true}, nil
	})
	defer q.Stop()

	for _, id := range []string{"ok", "bad", "bad"} {
		_, err := q.Enqueue(context.Background(), DocumentInfo{ID: id}, DefaultOptions())
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool {
		c := q.Counts()
		return c.Completed == 1 && c.Failed == 2
	}, time.Second, 10*time.Millisecond)

	_, err := q.Clean(context.Background(), StatusWaiting)
	require.Error(t, err)

	n, err := q.Clean(context.Background(), StatusFailed)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, Counts{Completed: 1}, q.Counts())
}

func TestQueue_UpdateProgress(t *testing.T) {
	q := NewQueue(Config{Concurrency: 1}, nil)

	var mu sync.Mutex
	var seen []int
	q.Subscribe(func(ev Event) {
		if ev.Type == EventProgress {
			mu.Lock()
			seen = append(seen, ev.Job.Progress)
			mu.Unlock()
		}
	})

	q.Start(func(_ context.Context, job *Job) (*Result, error) {
		q.UpdateProgress(job.ID, 40)
		q.UpdateProgress(job.ID, 40)
		q.UpdateProgress(job.ID, 150)
		return &Result{Success: true}, nil
	})
	defer q.Stop()

	res, err := q.Enqueue(context.Background(), DocumentInfo{ID: "doc-1"}, DefaultOptions())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		got, _ := q.Get(res.QueueJobID)
		return got.Status == StatusCompleted
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{40, 100}, seen)
}

func TestQueue_SubscribeReturnsUnsubscribe(t *testing.T) {
	q := NewQueue(Config{Concurrency: 1}, nil)
	var mu sync.Mutex
	count := 0
	unsubscribe := q.Subscribe(func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	_, err := q.Enqueue(context.Background(), DocumentInfo{ID: "a"}, DefaultOptions())
	require.NoError(t, err)
	unsubscribe()
	_, err = q.Enqueue(context.Background(), DocumentInfo{ID: "b"}, DefaultOptions())
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}

func TestBackoff(t *testing.T) {
	base := 2 * time.Second
	assert.Equal(t, 2*time.Second, Backoff(base, 0))
	assert.Equal(t, 2*time.Second, Backoff(base, 1))
	assert.Equal(t, 4*time.Second, Backoff(base, 2))
	assert.Equal(t, 8*time.Second, Backoff(base, 3))
	assert.Equal(t, time.Hour, Backoff(base, 40))

	prev := time.Duration(0)
	for attempt := 1; attempt <= 20; attempt++ {
		d := Backoff(base, attempt)
		assert.GreaterOrEqual(t, d, prev)
		prev = d
	}
}
