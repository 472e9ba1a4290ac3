package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shensi8312/design-institute-platform-sub001/internal/apperr"
	"github.com/shensi8312/design-institute-platform-sub001/internal/remote"
)

type fakeRecognizer struct {
	rec   *remote.Recognition
	err   error
	calls atomic.Int32
}

func (f *fakeRecognizer) Recognize(ctx context.Context, req remote.RecognizeRequest) (*remote.Recognition, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.rec, nil
}

type fakeVectorizer struct {
	count int
	err   error
	calls atomic.Int32
	last  remote.VectorizeRequest
}

func (f *fakeVectorizer) Vectorize(ctx context.Context, req remote.VectorizeRequest) (*remote.VectorizeResult, error) {
	f.calls.Add(1)
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	return &remote.VectorizeResult{Success: true, VectorCount: f.count}, nil
}

type fakeGraph struct {
	entities int
	err      error
	calls    atomic.Int32
	textLen  atomic.Int32
}

func (f *fakeGraph) Extract(ctx context.Context, req remote.ExtractRequest) (*remote.GraphResult, error) {
	f.calls.Add(1)
	f.textLen.Store(int32(len([]rune(req.Text))))
	if f.err != nil {
		return nil, f.err
	}
	res := &remote.GraphResult{Relations: []json.RawMessage{json.RawMessage(`{}`)}}
	for i := 0; i < f.entities; i++ {
		res.Entities = append(res.Entities, json.RawMessage(`{"name":"e"}`))
	}
	if res.Entities == nil {
		res.Entities = []json.RawMessage{}
	}
	return res, nil
}

type fakeRules struct {
	calls atomic.Int32
}

func (f *fakeRules) ExtractRules(ctx context.Context, documentID string) (*remote.RuleResult, error) {
	f.calls.Add(1)
	return &remote.RuleResult{Success: true, ExtractedCount: 3}, nil
}

type fakeDocs struct {
	mu     sync.Mutex
	status map[string]map[string]StageOutcome
	writes int
}

func newFakeDocs() *fakeDocs {
	return &fakeDocs{status: make(map[string]map[string]StageOutcome)}
}

func (f *fakeDocs) UpdateDocumentStatus(ctx context.Context, documentID string, u StatusUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	doc := f.status[documentID]
	if doc == nil {
		doc = make(map[string]StageOutcome)
		f.status[documentID] = doc
	}
	apply := func(key string, o *StageOutcome) {
		if o == nil {
			return
		}
		cur := doc[key]
		if o.Status != "" {
			cur.Status = o.Status
		}
		cur.Error = o.Error
		doc[key] = cur
	}
	apply("recognition", u.Recognition)
	apply("vector", u.Vector)
	apply("graph", u.Graph)
	return nil
}

func (f *fakeDocs) get(doc, stage string) StageOutcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status[doc][stage]
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) observe(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) kinds() []EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	ret := make([]EventKind, 0, len(l.events))
	for _, ev := range l.events {
		ret = append(ret, ev.Kind())
	}
	return ret
}

func (l *eventLog) all() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

type harness struct {
	rec    *fakeRecognizer
	vec    *fakeVectorizer
	graph  *fakeGraph
	rules  *fakeRules
	docs   *fakeDocs
	proc   *Processor
	events *eventLog
}

func newHarness(text string) *harness {
	h := &harness{
		rec:    &fakeRecognizer{rec: &remote.Recognition{Source: remote.SourceLegacy, Content: remote.PlainText{Text: text}}},
		vec:    &fakeVectorizer{count: 12},
		graph:  &fakeGraph{entities: 2},
		rules:  &fakeRules{},
		docs:   newFakeDocs(),
		events: &eventLog{},
	}
	h.proc = NewProcessor(Dependencies{
		Recognizer: h.rec,
		Vectorizer: h.vec,
		Graph:      h.graph,
		Rules:      h.rules,
		Documents:  h.docs,
	}, Config{ChunkSize: 500, ChunkOverlap: 50, GraphTextLimit: 5000})
	return h
}

func (h *harness) run(t *testing.T, opts Options) (*Result, error) {
	t.Helper()
	opts.Observer = h.events.observe
	res, err := h.proc.ProcessDocument(context.Background(), Document{ID: "doc-1", Name: "drawing.pdf", FilePath: "/tmp/drawing.pdf", KBID: "kb"}, opts)
	h.proc.Wait()
	return res, err
}

func TestUnreadableDocumentFailsAllStagesWithoutDownstreamCalls(t *testing.T) {
	h := newHarness("   ")

	res, err := h.run(t, DefaultOptions())
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.False(t, res.Success)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, "document unreadable", res.Reason)
	assert.True(t, apperr.IsType(res.Err, apperr.ErrEmptyExtraction))

	assert.Zero(t, h.vec.calls.Load())
	assert.Zero(t, h.graph.calls.Load())

	assert.Equal(t, StatusFailed, h.docs.get("doc-1", "recognition").Status)
	assert.Equal(t, StatusFailed, h.docs.get("doc-1", "vector").Status)
	assert.Equal(t, StatusFailed, h.docs.get("doc-1", "graph").Status)
	assert.Equal(t, SkippedUpstream, h.docs.get("doc-1", "vector").Error)
	assert.Equal(t, SkippedUpstream, h.docs.get("doc-1", "graph").Error)

	assert.Equal(t, []EventKind{KindProcessStart, KindStepStart, KindStepComplete, KindProcessError}, h.events.kinds())
}

func TestPartialSuccessIsACompletedRun(t *testing.T) {
	h := newHarness(strings.Repeat("a", 500))
	h.graph.err = apperr.New(apperr.ErrServiceTimeout, "graph service timed out")

	res, err := h.run(t, DefaultOptions())
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, "partial success", res.Reason)
	require.NotNil(t, res.Summary)
	assert.Equal(t, 500, res.Summary.TextLength)
	assert.True(t, res.Summary.Vectorized)
	assert.Equal(t, 12, res.Summary.VectorCount)
	assert.False(t, res.Summary.GraphExtracted)
	assert.Contains(t, res.Summary.StageErrors[StageGraphExtraction], "timed out")

	assert.Equal(t, StatusCompleted, h.docs.get("doc-1", "recognition").Status)
	assert.Equal(t, StatusCompleted, h.docs.get("doc-1", "vector").Status)
	assert.Equal(t, StatusFailed, h.docs.get("doc-1", "graph").Status)
	assert.Contains(t, h.docs.get("doc-1", "graph").Error, "ServiceTimeout")

	assert.Equal(t, StatusCompleted, res.Steps[StageVectorization].Status)
	assert.Equal(t, StatusFailed, res.Steps[StageGraphExtraction].Status)
	assert.Zero(t, h.rules.calls.Load())
}

func TestVectorFailureDoesNotFailGraph(t *testing.T) {
	h := newHarness("some text")
	h.vec.err = apperr.New(apperr.ErrServiceUnavailable, "vector service not started")

	res, err := h.run(t, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, StatusFailed, h.docs.get("doc-1", "vector").Status)
	assert.Equal(t, StatusCompleted, h.docs.get("doc-1", "graph").Status)
	assert.Equal(t, 2, res.Summary.EntitiesExtracted)
	assert.Equal(t, 1, res.Summary.RelationsExtracted)
}

func TestRetryableRecognitionErrorPropagates(t *testing.T) {
	h := newHarness("")
	h.rec.err = apperr.New(apperr.ErrServiceUnavailable, "recognition service not started")

	res, err := h.run(t, DefaultOptions())
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, "upstream service down", res.Reason)

	rec := h.docs.get("doc-1", "recognition")
	assert.Empty(t, rec.Status)
	assert.Contains(t, rec.Error, "not started")
	assert.Empty(t, h.docs.get("doc-1", "vector").Status)
	assert.Zero(t, h.vec.calls.Load())
}

func TestRecognitionEventsPrecedeDownstreamEvents(t *testing.T) {
	h := newHarness("text")
	_, err := h.run(t, DefaultOptions())
	require.NoError(t, err)

	events := h.events.all()
	recognitionDone := -1
	for i, ev := range events {
		if c, ok := ev.(StepComplete); ok && c.Step == StageRecognition {
			recognitionDone = i
			assert.True(t, c.Succeeded())
			assert.Equal(t, 4, c.Result.TextLength)
		}
		if s, ok := ev.(StepStart); ok && s.Step != StageRecognition {
			assert.Greater(t, i, recognitionDone)
		}
	}
	require.GreaterOrEqual(t, recognitionDone, 0)
	assert.Equal(t, KindProcessComplete, events[len(events)-1].Kind())
}

func TestBusAndObserverBothReceiveEvents(t *testing.T) {
	h := newHarness("text")
	var busCount atomic.Int32
	unsubscribe := h.proc.Bus().Subscribe(func(Event) { busCount.Add(1) })

	_, err := h.run(t, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, int32(len(h.events.all())), busCount.Load())

	unsubscribe()
	_, err = h.run(t, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, int32(len(h.events.all())/2), busCount.Load())
}

func TestDisabledStagesAreLeftUntouched(t *testing.T) {
	h := newHarness("text")
	opts := DefaultOptions()
	opts.EnableVector = false

	res, err := h.run(t, opts)
	require.NoError(t, err)
	assert.Zero(t, h.vec.calls.Load())
	assert.Equal(t, int32(1), h.graph.calls.Load())
	assert.Empty(t, h.docs.get("doc-1", "vector").Status)
	assert.Equal(t, StatusPending, res.Steps[StageVectorization].Status)
	assert.False(t, res.Summary.Vectorized)
}

func TestRuleExtractionRunsOnlyWithEntities(t *testing.T) {
	h := newHarness("text")
	res, err := h.run(t, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, int32(1), h.rules.calls.Load())
	run, ok := h.proc.GetRun(res.ProcessID)
	require.True(t, ok)
	assert.Equal(t, 3, run.RulesExtracted)

	h2 := newHarness("text")
	h2.graph.entities = 0
	_, err = h2.run(t, DefaultOptions())
	require.NoError(t, err)
	assert.Zero(t, h2.rules.calls.Load())
}

func TestGraphTextIsTruncated(t *testing.T) {
	h := newHarness(strings.Repeat("字", 6000))
	_, err := h.run(t, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, int32(5000), h.graph.textLen.Load())
	assert.Equal(t, "kb", h.vec.last.KBID)
	assert.Equal(t, 500, h.vec.last.ChunkSize)
}

func TestAsyncReturnsImmediately(t *testing.T) {
	h := newHarness("text")
	opts := DefaultOptions()
	opts.Async = true

	res, err := h.proc.ProcessDocument(context.Background(), Document{ID: "doc-1"}, opts)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, res.Status)
	assert.NotEmpty(t, res.ProcessID)

	h.proc.Wait()
	run, ok := h.proc.GetRun(res.ProcessID)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, run.Status)
	require.NotNil(t, run.Summary)
	assert.Equal(t, 12, run.Summary.VectorCount)
}

func TestDuplicateSubmissionsProduceIndependentRuns(t *testing.T) {
	h := newHarness("text")
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	h.proc.now = func() time.Time { return fixed }

	a, err := h.run(t, DefaultOptions())
	require.NoError(t, err)
	b, err := h.run(t, DefaultOptions())
	require.NoError(t, err)

	assert.NotEqual(t, a.ProcessID, b.ProcessID)
	assert.Len(t, h.proc.ListRuns(), 2)
	assert.Equal(t, int32(2), h.vec.calls.Load())
}

func TestCleanupCompletedReapsOldTerminalRuns(t *testing.T) {
	h := newHarness("text")
	now := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)
	WithClock(func() time.Time { return now })(h.proc)

	res, err := h.run(t, DefaultOptions())
	require.NoError(t, err)

	assert.Zero(t, h.proc.CleanupCompleted(30*time.Minute))
	now = now.Add(31 * time.Minute)
	assert.Equal(t, 1, h.proc.CleanupCompleted(30*time.Minute))

	_, ok := h.proc.GetRun(res.ProcessID)
	assert.False(t, ok)
}

func TestValidation(t *testing.T) {
	h := newHarness("text")
	_, err := h.proc.ProcessDocument(context.Background(), Document{}, DefaultOptions())
	require.Error(t, err)
	assert.True(t, apperr.IsType(err, apperr.ErrValidation))
}

func TestSettleIsolatesFailures(t *testing.T) {
	out := settle(context.Background(),
		func(context.Context) (int, error) { return 0, errors.New("boom") },
		func(context.Context) (int, error) { panic("bad") },
		func(context.Context) (int, error) {
			time.Sleep(10 * time.Millisecond)
			return 7, nil
		},
	)
	require.Len(t, out, 3)
	assert.EqualError(t, out[0].Err, "boom")
	assert.Contains(t, out[1].Err.Error(), "runtime error: bad")
	assert.NoError(t, out[2].Err)
	assert.Equal(t, 7, out[2].Value)
}

func TestEstimateChunks(t *testing.T) {
	assert.Equal(t, 0, estimateChunks(0, 500, 50))
	assert.Equal(t, 1, estimateChunks(500, 500, 50))
	assert.Equal(t, 2, estimateChunks(501, 500, 50))
	assert.Equal(t, 3, estimateChunks(1400, 500, 50))
}

func TestTruncateRunes(t *testing.T) {
	assert.Equal(t, "ab", truncateRunes("abc", 2))
	assert.Equal(t, "文档", truncateRunes("文档处理", 2))
	assert.Equal(t, "abc", truncateRunes("abc", 10))
}
