package broadcast

import (
	"fmt"
	"time"

	"github.com/shensi8312/design-institute-platform-sub001/internal/apperr"
	"github.com/shensi8312/design-institute-platform-sub001/internal/jobs"
	"github.com/shensi8312/design-institute-platform-sub001/internal/pipeline"
)

// Message is the envelope of everything sent to clients.
type Message struct {
	Type          string                          `json:"type"`
	ProcessID     string                          `json:"processId,omitempty"`
	DocumentID    string                          `json:"documentId,omitempty"`
	DocumentName  string                          `json:"documentName,omitempty"`
	Step          string                          `json:"step,omitempty"`
	StepName      string                          `json:"stepName,omitempty"`
	Progress      *int                            `json:"progress,omitempty"`
	Current       int                             `json:"current,omitempty"`
	Total         int                             `json:"total,omitempty"`
	Unit          string                          `json:"unit,omitempty"`
	Result        *StepSummary                    `json:"result,omitempty"`
	Results       *RunSummary                     `json:"results,omitempty"`
	Status        string                          `json:"status,omitempty"`
	Steps         map[pipeline.Stage]StepSnapshot `json:"steps,omitempty"`
	Job           *JobSnapshot                    `json:"job,omitempty"`
	Error         string                          `json:"error,omitempty"`
	Reason        string                          `json:"reason,omitempty"`
	Message       string                          `json:"message,omitempty"`
	Subscriptions []string                        `json:"subscriptions,omitempty"`
	Timestamp     time.Time                       `json:"timestamp"`
}

// StepSummary is a stage result reduced to counts and lengths.
type StepSummary struct {
	Success       bool `json:"success"`
	TextLength    int  `json:"textLength,omitempty"`
	VectorCount   int  `json:"vectorCount,omitempty"`
	EntityCount   int  `json:"entityCount,omitempty"`
	RelationCount int  `json:"relationCount,omitempty"`
}

type StepSnapshot struct {
	Status string       `json:"status"`
	Result *StepSummary `json:"result,omitempty"`
	Error  string       `json:"error,omitempty"`
}

type RunSummary struct {
	TextExtracted      bool  `json:"textExtracted"`
	TextLength         int   `json:"textLength"`
	Vectorized         bool  `json:"vectorized"`
	VectorCount        int   `json:"vectorCount"`
	EntitiesExtracted  int   `json:"entitiesExtracted"`
	RelationsExtracted int   `json:"relationsExtracted"`
	DurationMillis     int64 `json:"duration"`
}

type JobSnapshot struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	AttemptsMade int    `json:"attemptsMade"`
	MaxAttempts  int    `json:"maxAttempts"`
	Progress     int    `json:"progress"`
	WillRetry    bool   `json:"willRetry,omitempty"`
	DelayMillis  int64  `json:"delay,omitempty"`
	Exhausted    bool   `json:"exhausted,omitempty"`
}

func sanitizeStep(r pipeline.StepResult) *StepSummary {
	return &StepSummary{
		Success:       r.Success,
		TextLength:    r.TextLength,
		VectorCount:   r.VectorCount,
		EntityCount:   r.EntityCount,
		RelationCount: r.RelationCount,
	}
}

func summarizeRun(s pipeline.Summary) *RunSummary {
	return &RunSummary{
		TextExtracted:      s.TextExtracted,
		TextLength:         s.TextLength,
		Vectorized:         s.Vectorized,
		VectorCount:        s.VectorCount,
		EntitiesExtracted:  s.EntitiesExtracted,
		RelationsExtracted: s.RelationsExtracted,
		DurationMillis:     time.Duration(s.ProcessingTime).Milliseconds(),
	}
}

func snapshotSteps(steps map[pipeline.Stage]pipeline.StepState) map[pipeline.Stage]StepSnapshot {
	if len(steps) == 0 {
		return nil
	}
	out := make(map[pipeline.Stage]StepSnapshot, len(steps))
	for stage, st := range steps {
		snap := StepSnapshot{Status: string(st.Status), Error: st.Error}
		if st.Result != nil {
			snap.Result = sanitizeStep(*st.Result)
		}
		out[stage] = snap
	}
	return out
}

// fromPipelineEvent maps an orchestrator event onto the wire envelope.
func fromPipelineEvent(ev pipeline.Event) Message {
	meta := ev.EventMeta()
	msg := Message{
		Type:       string(ev.Kind()),
		ProcessID:  meta.ProcessID,
		DocumentID: meta.DocumentID,
		Timestamp:  meta.Time,
	}
	switch e := ev.(type) {
	case pipeline.ProcessStart:
		msg.DocumentName = e.DocumentName
	case pipeline.StepStart:
		msg.Step, msg.StepName = string(e.Step), e.Step.DisplayName()
	case pipeline.StepProgress:
		msg.Step, msg.StepName = string(e.Step), e.Step.DisplayName()
		pct := e.Percent
		msg.Progress = &pct
		msg.Current, msg.Total, msg.Unit = e.Current, e.Total, e.Unit
	case pipeline.StepComplete:
		msg.Step, msg.StepName = string(e.Step), e.Step.DisplayName()
		msg.Result = sanitizeStep(e.Result)
		if e.Err != nil {
			msg.Result.Success = false
			msg.Error = e.Err.Error()
		}
	case pipeline.ProcessComplete:
		msg.Results = summarizeRun(e.Summary)
	case pipeline.ProcessError:
		msg.Error, msg.Reason = e.Err, e.Reason
	}
	return msg
}

// fromJobEvent maps a queue lifecycle event onto the wire envelope.
func fromJobEvent(ev jobs.Event) Message {
	job := ev.Job
	msg := Message{
		Type:         string(ev.Type),
		DocumentID:   job.Document.ID,
		DocumentName: job.Document.Name,
		Status:       string(job.Status),
		Error:        ev.Err,
		Timestamp:    ev.Time,
		Job: &JobSnapshot{
			ID:           job.ID,
			Status:       string(job.Status),
			AttemptsMade: job.AttemptsMade,
			MaxAttempts:  job.MaxAttempts,
			Progress:     job.Progress,
			WillRetry:    ev.WillRetry,
			DelayMillis:  ev.Delay.Milliseconds(),
			Exhausted:    ev.Exhausted,
		},
	}
	if job.Result != nil {
		msg.ProcessID = job.Result.ProcessID
		msg.Reason = job.Result.Reason
	}
	if ev.Type == jobs.EventProgress {
		pct := job.Progress
		msg.Progress = &pct
	}
	return msg
}

// exhaustionMessage reports a job that used up its attempts the same way
// a failed run is reported, with the exhaustion as the reason.
func exhaustionMessage(ev jobs.Event) Message {
	job := ev.Job
	err := apperr.New(apperr.ErrQueueExhausted,
		fmt.Sprintf("gave up after %d attempt(s): %s", job.AttemptsMade, ev.Err))
	msg := Message{
		Type:         string(pipeline.KindProcessError),
		DocumentID:   job.Document.ID,
		DocumentName: job.Document.Name,
		Status:       string(pipeline.StatusFailed),
		Error:        err.Message,
		Reason:       apperr.Reason(err),
		Timestamp:    ev.Time,
		Job: &JobSnapshot{
			ID:           job.ID,
			Status:       string(job.Status),
			AttemptsMade: job.AttemptsMade,
			MaxAttempts:  job.MaxAttempts,
			Exhausted:    true,
		},
	}
	if job.Result != nil {
		msg.ProcessID = job.Result.ProcessID
	}
	return msg
}
