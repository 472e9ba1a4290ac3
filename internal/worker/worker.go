// Package worker runs queue jobs through the document pipeline and keeps
// the per-stage progress rows current while it does.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/shensi8312/design-institute-platform-sub001/internal/apperr"
	"github.com/shensi8312/design-institute-platform-sub001/internal/jobs"
	"github.com/shensi8312/design-institute-platform-sub001/internal/persistence"
	"github.com/shensi8312/design-institute-platform-sub001/internal/pipeline"
	"github.com/shensi8312/design-institute-platform-sub001/pkg/log"
)

type Processor interface {
	ProcessDocument(ctx context.Context, doc pipeline.Document, opts pipeline.Options) (*pipeline.Result, error)
}

type ProgressStore interface {
	UpsertProgress(ctx context.Context, rec persistence.ProgressRecord) error
}

// ProgressReporter receives the overall job progress in percent.
type ProgressReporter interface {
	UpdateProgress(jobID string, percent int)
}

// StageObserver receives stage durations once a run finishes.
type StageObserver interface {
	ObserveStage(stage string, success bool, d time.Duration)
}

type Option func(*Worker)

func WithStageObserver(o StageObserver) Option {
	return func(w *Worker) { w.stages = o }
}

func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

type Worker struct {
	processor Processor
	progress  ProgressStore
	reporter  ProgressReporter
	stages    StageObserver
	now       func() time.Time
}

func New(processor Processor, progress ProgressStore, reporter ProgressReporter, opts ...Option) *Worker {
	w := &Worker{
		processor: processor,
		progress:  progress,
		reporter:  reporter,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Handle is a jobs.Executor. Errors the pipeline marks retryable are
// returned as is so the queue can back off and try again; an unreadable
// document comes back as an unsuccessful Result.
func (w *Worker) Handle(ctx context.Context, job *jobs.Job) (*jobs.Result, error) {
	log.Info("Worker picked up job %s for document %s (%s), attempt %d/%d",
		job.ID, job.Document.ID, job.Document.Name, job.AttemptsMade, job.MaxAttempts)

	doc := pipeline.Document{
		ID:       job.Document.ID,
		Name:     job.Document.Name,
		FilePath: job.Document.FilePath,
		KBID:     job.Document.KBID,
	}
	opts := pipeline.Options{
		EnableOCR:       job.Options.EnableOCR,
		EnableVector:    job.Options.EnableVector,
		EnableGraph:     job.Options.EnableGraph,
		ExtractEntities: true,
	}
	tracker := newProgressTracker(w, job, opts)
	opts.Observer = tracker.observe

	res, err := w.processor.ProcessDocument(ctx, doc, opts)
	if res != nil {
		w.observeStages(res)
	}
	if err != nil {
		return toJobResult(res), err
	}
	if res == nil {
		return nil, apperr.New(apperr.ErrUnknown, "pipeline returned no result").
			WithContext("document_id", doc.ID)
	}

	log.Info("Worker finished job %s: success=%t", job.ID, res.Success)
	return toJobResult(res), nil
}

func (w *Worker) observeStages(res *pipeline.Result) {
	if w.stages == nil || res.Summary == nil {
		return
	}
	for stage, d := range res.Summary.StageTimings {
		_, failed := res.Summary.StageErrors[stage]
		w.stages.ObserveStage(string(stage), !failed, time.Duration(d))
	}
}

// toJobResult keeps the counts the queue and the document record need.
func toJobResult(res *pipeline.Result) *jobs.Result {
	if res == nil {
		return nil
	}
	out := &jobs.Result{
		Success:   res.Success,
		ProcessID: res.ProcessID,
		Error:     res.Error,
		Reason:    res.Reason,
	}

	for stage, step := range res.Steps {
		if !step.Status.Terminal() {
			continue
		}
		summary := &jobs.StageSummary{
			Success: step.Status == pipeline.StatusCompleted,
			Error:   step.Error,
		}
		if step.Result != nil {
			summary.TextLength = step.Result.TextLength
			summary.VectorCount = step.Result.VectorCount
			summary.EntityCount = step.Result.EntityCount
			summary.RelationCount = step.Result.RelationCount
		}
		switch stage {
		case pipeline.StageRecognition:
			out.Recognition = summary
		case pipeline.StageVectorization:
			out.Vectorization = summary
		case pipeline.StageGraphExtraction:
			out.GraphExtraction = summary
		}
	}
	return out
}

// progressTracker turns one run's events into progress rows and an
// overall job percentage. Every enabled stage weighs the same.
type progressTracker struct {
	w      *Worker
	job    *jobs.Job
	mu     sync.Mutex
	stages map[pipeline.Stage]int
}

func newProgressTracker(w *Worker, job *jobs.Job, opts pipeline.Options) *progressTracker {
	t := &progressTracker{
		w:      w,
		job:    job,
		stages: map[pipeline.Stage]int{pipeline.StageRecognition: 0},
	}
	if opts.EnableVector {
		t.stages[pipeline.StageVectorization] = 0
	}
	if opts.EnableGraph && opts.ExtractEntities {
		t.stages[pipeline.StageGraphExtraction] = 0
	}
	return t
}

func (t *progressTracker) observe(ev pipeline.Event) {
	switch e := ev.(type) {
	case pipeline.StepStart:
		t.record(e.Step, 0, persistence.ProgressRecord{
			Metadata: map[string]any{
				"stepName": e.Step.DisplayName(),
				"started":  e.Time.UTC().Format(time.RFC3339),
			},
		})
	case pipeline.StepProgress:
		rec := persistence.ProgressRecord{}
		switch e.Unit {
		case "page":
			rec.CurrentPage, rec.TotalPages = e.Current, e.Total
		case "chunk":
			rec.CurrentChunk, rec.TotalChunks = e.Current, e.Total
		}
		t.record(e.Step, e.Percent, rec)
	case pipeline.StepComplete:
		meta := map[string]any{
			"stepName":  e.Step.DisplayName(),
			"completed": e.Time.UTC().Format(time.RFC3339),
			"success":   e.Succeeded(),
		}
		if e.Err != nil {
			meta["error"] = e.Err.Error()
		}
		t.record(e.Step, 100, persistence.ProgressRecord{Metadata: meta})
	}
}

func (t *progressTracker) record(stage pipeline.Stage, percent int, rec persistence.ProgressRecord) {
	rec.DocumentID = t.job.Document.ID
	rec.Stage = string(stage)
	rec.Percentage = float64(percent)
	rec.LastCheckpointAt = t.w.now()

	if t.w.progress != nil {
		if err := t.w.progress.UpsertProgress(context.Background(), rec); err != nil {
			log.Warn("Failed to save %s progress of document %s: %v", stage, rec.DocumentID, err)
		}
	}

	t.mu.Lock()
	if _, ok := t.stages[stage]; ok {
		t.stages[stage] = percent
	}
	total := 0
	for _, p := range t.stages {
		total += p
	}
	overall := total / len(t.stages)
	t.mu.Unlock()

	if t.w.reporter != nil {
		t.w.reporter.UpdateProgress(t.job.ID, overall)
	}
}
