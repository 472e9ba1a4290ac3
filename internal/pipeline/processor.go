package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/abadojack/whatlanggo"

	"github.com/shensi8312/design-institute-platform-sub001/internal/apperr"
	"github.com/shensi8312/design-institute-platform-sub001/internal/remote"
	"github.com/shensi8312/design-institute-platform-sub001/pkg/log"
)

const (
	entityPreviewSize  = 10
	languageSampleSize = 2000
)

type Recognizer interface {
	Recognize(ctx context.Context, req remote.RecognizeRequest) (*remote.Recognition, error)
}

type Vectorizer interface {
	Vectorize(ctx context.Context, req remote.VectorizeRequest) (*remote.VectorizeResult, error)
}

type GraphExtractor interface {
	Extract(ctx context.Context, req remote.ExtractRequest) (*remote.GraphResult, error)
}

type RuleExtractor interface {
	ExtractRules(ctx context.Context, documentID string) (*remote.RuleResult, error)
}

// DocumentStore persists per-stage document statuses.
type DocumentStore interface {
	UpdateDocumentStatus(ctx context.Context, documentID string, update StatusUpdate) error
}

type Config struct {
	ChunkSize        int
	ChunkOverlap     int
	GraphTextLimit   int
	UseOllama        bool
	ExtractRelations bool
	RulesTimeout     time.Duration
}

type Dependencies struct {
	Recognizer Recognizer
	Vectorizer Vectorizer
	Graph      GraphExtractor
	// Rules is optional.
	Rules     RuleExtractor
	Documents DocumentStore
	Bus       *Bus
}

// Processor runs documents through recognition, then vectorization and
// graph extraction in parallel. It knows nothing about queueing or
// transport; progress leaves it as events.
type Processor struct {
	deps Dependencies
	cfg  Config
	now  func() time.Time

	mu   sync.RWMutex
	runs map[string]*Run

	background sync.WaitGroup
}

type Option func(*Processor)

func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

func NewProcessor(deps Dependencies, cfg Config, opts ...Option) *Processor {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 500
	}
	if cfg.ChunkOverlap < 0 || cfg.ChunkOverlap >= cfg.ChunkSize {
		cfg.ChunkOverlap = 50
	}
	if cfg.GraphTextLimit <= 0 {
		cfg.GraphTextLimit = 5000
	}
	if cfg.RulesTimeout <= 0 {
		cfg.RulesTimeout = time.Minute
	}
	if deps.Bus == nil {
		deps.Bus = NewBus()
	}

	p := &Processor{
		deps: deps,
		cfg:  cfg,
		now:  time.Now,
		runs: make(map[string]*Run),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Bus is the stream every run publishes to.
func (p *Processor) Bus() *Bus {
	return p.deps.Bus
}

// ProcessDocument runs doc through the pipeline.
//
// An unreadable document yields a failed Result and a nil error, since
// retrying it cannot help. Remote failures during recognition return
// the failed Result together with the error so a caller can retry.
// Failures of vectorization or graph extraction never fail the run.
func (p *Processor) ProcessDocument(ctx context.Context, doc Document, opts Options) (*Result, error) {
	if strings.TrimSpace(doc.ID) == "" {
		return nil, apperr.New(apperr.ErrValidation, "document id is required")
	}

	rs := &runState{doc: doc, opts: opts, started: p.now()}
	rs.id = p.register(doc, rs.started)

	if opts.Async {
		bg := context.WithoutCancel(ctx)
		p.background.Add(1)
		go func() {
			defer p.background.Done()
			if _, err := p.execute(bg, rs); err != nil {
				log.Error("Background processing of document %s failed: %v", doc.ID, err)
			}
		}()
		return &Result{
			Success:    true,
			ProcessID:  rs.id,
			DocumentID: doc.ID,
			Status:     StatusProcessing,
		}, nil
	}

	return p.execute(ctx, rs)
}

// Wait blocks until background runs and rule extraction passes finish.
func (p *Processor) Wait() {
	p.background.Wait()
}

type runState struct {
	id      string
	doc     Document
	opts    Options
	started time.Time
}

func (p *Processor) execute(ctx context.Context, rs *runState) (res *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperr.New(apperr.ErrUnknown, fmt.Sprintf("runtime error: %v", r))
			res = p.failRun(rs, err)
		}
	}()

	p.update(rs.id, func(r *Run) { r.Status = StatusProcessing })
	p.emit(rs, ProcessStart{Meta: p.meta(rs), DocumentName: rs.doc.Name})
	log.Info("[1/3] Recognizing document %s (%s)", rs.doc.ID, rs.doc.Name)

	text, rec, err := p.recognize(ctx, rs)
	if err != nil {
		if apperr.Retryable(err) {
			return p.failRun(rs, err), err
		}
		return p.failUnreadable(ctx, rs, err), nil
	}

	var (
		stages []Stage
		tasks  []func(context.Context) (StepResult, error)
		graph  *remote.GraphResult
	)
	if rs.opts.EnableVector {
		log.Info("[2/3] Vectorizing document %s", rs.doc.ID)
		stages = append(stages, StageVectorization)
		tasks = append(tasks, func(ctx context.Context) (StepResult, error) {
			return p.vectorize(ctx, rs, text)
		})
	}
	if rs.opts.EnableGraph && rs.opts.ExtractEntities {
		log.Info("[3/3] Extracting knowledge graph for document %s", rs.doc.ID)
		stages = append(stages, StageGraphExtraction)
		tasks = append(tasks, func(ctx context.Context) (StepResult, error) {
			result, g, err := p.extractGraph(ctx, rs, text)
			graph = g
			return result, err
		})
	}
	outcomes := settle(ctx, tasks...)

	summary := p.aggregate(rs, text, rec, stages, outcomes, graph)
	if summary.GraphExtracted && summary.EntitiesExtracted > 0 && p.deps.Rules != nil {
		p.extractRulesAsync(rs)
	}
	return p.completeRun(rs, summary), nil
}

func (p *Processor) recognize(ctx context.Context, rs *runState) (string, *remote.Recognition, error) {
	p.startStep(rs, StageRecognition)

	rec, err := p.deps.Recognizer.Recognize(ctx, remote.RecognizeRequest{
		DocumentID: rs.doc.ID,
		FilePath:   rs.doc.FilePath,
		EnableOCR:  rs.opts.EnableOCR,
	})
	if err != nil {
		log.Error("Recognition of document %s failed: %v", rs.doc.ID, err)
		if apperr.Retryable(err) {
			// status is left to the queue; only the reason is recorded
			p.writeStatus(ctx, rs.doc.ID, StatusUpdate{
				Recognition: &StageOutcome{Error: err.Error()},
			})
		}
		p.finishStep(rs, StageRecognition, StepResult{}, err)
		return "", nil, err
	}

	if pages := rec.Pages(); pages > 0 {
		p.emit(rs, StepProgress{
			Meta:    p.meta(rs),
			Step:    StageRecognition,
			Percent: 90,
			Current: pages,
			Total:   pages,
			Unit:    "page",
		})
	}

	text := rec.Text()
	if text == "" {
		name := rs.doc.Name
		if name == "" {
			name = rs.doc.ID
		}
		err := apperr.Newf(apperr.ErrEmptyExtraction, "document recognition failed: no text could be extracted from %s", name)
		p.finishStep(rs, StageRecognition, StepResult{}, err)
		return "", rec, err
	}

	result := StepResult{
		Success:    true,
		TextLength: utf8.RuneCountInString(text),
		Language:   detectLanguage(text),
		Pages:      rec.Pages(),
		HasImages:  rec.HasImages(),
		HasTables:  rec.HasTables(),
	}
	p.writeStatus(ctx, rs.doc.ID, StatusUpdate{
		Recognition: &StageOutcome{Status: StatusCompleted},
		Structured:  rec.Structured,
	})
	p.finishStep(rs, StageRecognition, result, nil)
	log.Info("Recognized %d characters from document %s via %s", result.TextLength, rs.doc.ID, rec.Source)
	return text, rec, nil
}

func (p *Processor) vectorize(ctx context.Context, rs *runState, text string) (StepResult, error) {
	p.startStep(rs, StageVectorization)
	p.emit(rs, StepProgress{
		Meta:  p.meta(rs),
		Step:  StageVectorization,
		Total: estimateChunks(utf8.RuneCountInString(text), p.cfg.ChunkSize, p.cfg.ChunkOverlap),
		Unit:  "chunk",
	})

	res, err := p.deps.Vectorizer.Vectorize(ctx, remote.VectorizeRequest{
		DocumentID:   rs.doc.ID,
		Content:      text,
		KBID:         rs.doc.KBID,
		ChunkSize:    p.cfg.ChunkSize,
		ChunkOverlap: p.cfg.ChunkOverlap,
	})
	if err != nil {
		log.Error("Vectorization of document %s failed: %v", rs.doc.ID, err)
		p.writeStatus(ctx, rs.doc.ID, StatusUpdate{Vector: &StageOutcome{Status: StatusFailed, Error: err.Error()}})
		p.finishStep(rs, StageVectorization, StepResult{}, err)
		return StepResult{}, err
	}

	result := StepResult{Success: true, VectorCount: res.VectorCount}
	p.writeStatus(ctx, rs.doc.ID, StatusUpdate{Vector: &StageOutcome{Status: StatusCompleted}})
	p.finishStep(rs, StageVectorization, result, nil)
	return result, nil
}

func (p *Processor) extractGraph(ctx context.Context, rs *runState, text string) (StepResult, *remote.GraphResult, error) {
	p.startStep(rs, StageGraphExtraction)

	res, err := p.deps.Graph.Extract(ctx, remote.ExtractRequest{
		Text:             truncateRunes(text, p.cfg.GraphTextLimit),
		DocumentID:       rs.doc.ID,
		UseOllama:        p.cfg.UseOllama,
		ExtractRelations: p.cfg.ExtractRelations,
	})
	if err != nil {
		log.Error("Graph extraction of document %s failed: %v", rs.doc.ID, err)
		p.writeStatus(ctx, rs.doc.ID, StatusUpdate{Graph: &StageOutcome{Status: StatusFailed, Error: err.Error()}})
		p.finishStep(rs, StageGraphExtraction, StepResult{}, err)
		return StepResult{}, nil, err
	}

	result := StepResult{
		Success:       true,
		EntityCount:   len(res.Entities),
		RelationCount: len(res.Relations),
	}
	p.writeStatus(ctx, rs.doc.ID, StatusUpdate{Graph: &StageOutcome{Status: StatusCompleted}})
	p.finishStep(rs, StageGraphExtraction, result, nil)
	return result, res, nil
}

func (p *Processor) aggregate(
	rs *runState,
	text string,
	rec *remote.Recognition,
	stages []Stage,
	outcomes []Outcome[StepResult],
	graph *remote.GraphResult,
) Summary {
	summary := Summary{
		TextExtracted: true,
		TextLength:    utf8.RuneCountInString(text),
		StageTimings:  make(map[Stage]Millis),
	}

	for i, stage := range stages {
		o := outcomes[i]
		if o.Err != nil {
			if summary.StageErrors == nil {
				summary.StageErrors = make(map[Stage]string)
			}
			summary.StageErrors[stage] = o.Err.Error()
			continue
		}
		switch stage {
		case StageVectorization:
			summary.Vectorized = true
			summary.VectorCount = o.Value.VectorCount
		case StageGraphExtraction:
			summary.GraphExtracted = true
			summary.EntitiesExtracted = o.Value.EntityCount
			summary.RelationsExtracted = o.Value.RelationCount
		}
	}
	if graph != nil {
		n := min(len(graph.Entities), entityPreviewSize)
		summary.Entities = append([]json.RawMessage(nil), graph.Entities[:n]...)
	}

	if run, ok := p.GetRun(rs.id); ok {
		for stage, step := range run.Steps {
			if !step.StartedAt.IsZero() && !step.FinishedAt.IsZero() {
				summary.StageTimings[stage] = Millis(step.FinishedAt.Sub(step.StartedAt))
			}
		}
		if r := run.Steps[StageRecognition].Result; r != nil {
			summary.Language = r.Language
		}
	}

	if s := rec.Structured; s != nil {
		summary.Structured = &StructuredSummary{
			ExtractionCount: s.Count,
			ExtractionTypes: s.Types,
			DocumentType:    s.DocumentType,
			Confidence:      s.Confidence,
			Coverage:        s.Coverage,
		}
	}
	summary.ProcessingTime = Millis(p.now().Sub(rs.started))
	return summary
}

// failUnreadable takes the fatal path: recognition failed for a reason a
// retry cannot fix, so downstream stages are marked failed without being
// called.
func (p *Processor) failUnreadable(ctx context.Context, rs *runState, err error) *Result {
	p.writeStatus(ctx, rs.doc.ID, StatusUpdate{
		Recognition: &StageOutcome{Status: StatusFailed, Error: err.Error()},
		Vector:      &StageOutcome{Status: StatusFailed, Error: SkippedUpstream},
		Graph:       &StageOutcome{Status: StatusFailed, Error: SkippedUpstream},
	})
	p.update(rs.id, func(r *Run) {
		for _, stage := range []Stage{StageVectorization, StageGraphExtraction} {
			r.Steps[stage] = StepState{Status: StatusFailed, Error: SkippedUpstream}
		}
	})
	return p.failRun(rs, err)
}

func (p *Processor) failRun(rs *runState, err error) *Result {
	end := p.now()
	p.update(rs.id, func(r *Run) {
		r.Status = StatusFailed
		r.Error = err.Error()
		r.EndTime = end
	})
	p.emit(rs, ProcessError{Meta: p.meta(rs), Err: err.Error(), Reason: apperr.Reason(err)})
	log.Error("Processing of document %s failed (%s): %v", rs.doc.ID, apperr.Reason(err), err)

	ret := &Result{
		ProcessID:  rs.id,
		DocumentID: rs.doc.ID,
		Status:     StatusFailed,
		Error:      err.Error(),
		Reason:     apperr.Reason(err),
		Err:        err,
	}
	if run, ok := p.GetRun(rs.id); ok {
		ret.Steps = run.Steps
	}
	return ret
}

func (p *Processor) completeRun(rs *runState, summary Summary) *Result {
	end := p.now()
	p.update(rs.id, func(r *Run) {
		r.Status = StatusCompleted
		r.EndTime = end
		s := summary
		r.Summary = &s
	})
	p.emit(rs, ProcessComplete{Meta: p.meta(rs), Summary: summary})
	log.Info("Processed document %s: %d chars, %d vectors, %d entities, %d relations",
		rs.doc.ID, summary.TextLength, summary.VectorCount, summary.EntitiesExtracted, summary.RelationsExtracted)

	ret := &Result{
		Success:    true,
		ProcessID:  rs.id,
		DocumentID: rs.doc.ID,
		Status:     StatusCompleted,
		Summary:    &summary,
	}
	if len(summary.StageErrors) > 0 {
		ret.Reason = apperr.Reason(apperr.New(apperr.ErrPartialStageFailure, ""))
	}
	if run, ok := p.GetRun(rs.id); ok {
		ret.Steps = run.Steps
	}
	return ret
}

// extractRulesAsync derives design rules from the new graph without
// holding up the run. Failures are only logged.
func (p *Processor) extractRulesAsync(rs *runState) {
	p.background.Add(1)
	go func() {
		defer p.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.RulesTimeout)
		defer cancel()

		res, err := p.deps.Rules.ExtractRules(ctx, rs.doc.ID)
		if err != nil {
			log.Error("Rule extraction for document %s failed: %v", rs.doc.ID, err)
			return
		}
		if !res.Success {
			log.Warn("Rule extraction for document %s did not succeed: %s", rs.doc.ID, res.Message)
			return
		}
		p.update(rs.id, func(r *Run) { r.RulesExtracted = res.ExtractedCount })
		log.Info("Extracted %d rules from document %s", res.ExtractedCount, rs.doc.ID)
	}()
}

func (p *Processor) startStep(rs *runState, stage Stage) {
	started := p.now()
	p.update(rs.id, func(r *Run) {
		r.Steps[stage] = StepState{Status: StatusProcessing, StartedAt: started}
	})
	p.emit(rs, StepStart{Meta: p.meta(rs), Step: stage})
}

func (p *Processor) finishStep(rs *runState, stage Stage, result StepResult, err error) {
	finished := p.now()
	p.update(rs.id, func(r *Run) {
		step := r.Steps[stage]
		step.FinishedAt = finished
		if err != nil {
			step.Status = StatusFailed
			step.Error = err.Error()
		} else {
			step.Status = StatusCompleted
			res := result
			step.Result = &res
		}
		r.Steps[stage] = step
	})
	p.emit(rs, StepComplete{Meta: p.meta(rs), Step: stage, Result: result, Err: err})
}

func (p *Processor) writeStatus(ctx context.Context, documentID string, update StatusUpdate) {
	if p.deps.Documents == nil || update.Empty() {
		return
	}
	if err := p.deps.Documents.UpdateDocumentStatus(ctx, documentID, update); err != nil {
		log.Error("Failed to update status of document %s: %v", documentID, err)
	}
}

func (p *Processor) emit(rs *runState, ev Event) {
	if rs.opts.Observer != nil {
		rs.opts.Observer(ev)
	}
	p.deps.Bus.Publish(ev)
}

func (p *Processor) meta(rs *runState) Meta {
	return Meta{ProcessID: rs.id, DocumentID: rs.doc.ID, Time: p.now()}
}

func (p *Processor) register(doc Document, started time.Time) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	base := fmt.Sprintf("process_%s_%d", doc.ID, started.UnixMilli())
	id := base
	for n := 1; p.runs[id] != nil; n++ {
		id = fmt.Sprintf("%s_%d", base, n)
	}

	steps := make(map[Stage]StepState, len(Stages))
	for _, stage := range Stages {
		steps[stage] = StepState{Status: StatusPending}
	}
	p.runs[id] = &Run{
		ID:           id,
		DocumentID:   doc.ID,
		DocumentName: doc.Name,
		Status:       StatusPending,
		Steps:        steps,
		StartTime:    started,
	}
	return id
}

func (p *Processor) update(id string, fn func(*Run)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if run, ok := p.runs[id]; ok {
		fn(run)
	}
}

// GetRun returns a snapshot of a run that has not been reaped yet.
func (p *Processor) GetRun(id string) (Run, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	run, ok := p.runs[id]
	if !ok {
		return Run{}, false
	}
	return run.clone(), true
}

// ListRuns returns snapshots of every known run, newest first.
func (p *Processor) ListRuns() []Run {
	p.mu.RLock()
	ret := make([]Run, 0, len(p.runs))
	for _, run := range p.runs {
		ret = append(ret, run.clone())
	}
	p.mu.RUnlock()

	sort.Slice(ret, func(i, j int) bool {
		if ret[i].StartTime.Equal(ret[j].StartTime) {
			return ret[i].ID > ret[j].ID
		}
		return ret[i].StartTime.After(ret[j].StartTime)
	})
	return ret
}

// CleanupCompleted forgets terminal runs that ended more than olderThan
// ago and returns how many were removed.
func (p *Processor) CleanupCompleted(olderThan time.Duration) int {
	cutoff := p.now().Add(-olderThan)

	p.mu.Lock()
	defer p.mu.Unlock()
	removed := 0
	for id, run := range p.runs {
		if run.Status.Terminal() && !run.EndTime.IsZero() && run.EndTime.Before(cutoff) {
			delete(p.runs, id)
			removed++
		}
	}
	return removed
}

func detectLanguage(text string) string {
	return whatlanggo.DetectLang(truncateRunes(text, languageSampleSize)).Iso6391()
}

func truncateRunes(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// estimateChunks mirrors the vector service's sliding window.
func estimateChunks(length, size, overlap int) int {
	if length <= 0 || size <= 0 {
		return 0
	}
	if length <= size {
		return 1
	}
	step := size - overlap
	if step <= 0 {
		step = size
	}
	return 1 + (length-size+step-1)/step
}
