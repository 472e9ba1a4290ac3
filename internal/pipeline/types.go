package pipeline

import (
	"encoding/json"
	"time"

	"github.com/shensi8312/design-institute-platform-sub001/internal/remote"
)

// Stage names one step of the processing graph.
type Stage string

const (
	StageRecognition     Stage = "recognition"
	StageVectorization   Stage = "vectorization"
	StageGraphExtraction Stage = "graphExtraction"
)

// Stages lists every stage in execution order.
var Stages = []Stage{StageRecognition, StageVectorization, StageGraphExtraction}

func (s Stage) DisplayName() string {
	switch s {
	case StageRecognition:
		return "Document recognition"
	case StageVectorization:
		return "Vectorization"
	case StageGraphExtraction:
		return "Knowledge graph extraction"
	default:
		return string(s)
	}
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// SkippedUpstream is recorded on downstream stages when recognition
// yields nothing to work on.
const SkippedUpstream = "skipped due to upstream failure: document recognition produced no text"

type Document struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	FilePath string `json:"filePath"`
	KBID     string `json:"kbId"`
}

type Options struct {
	EnableOCR       bool
	EnableVector    bool
	EnableGraph     bool
	ExtractEntities bool
	// Async returns as soon as the run is registered.
	Async bool
	// Observer receives this run's events in addition to the Bus.
	Observer Observer
}

func DefaultOptions() Options {
	return Options{
		EnableOCR:       true,
		EnableVector:    true,
		EnableGraph:     true,
		ExtractEntities: true,
	}
}

// StepResult carries counts and lengths only, never extracted content.
type StepResult struct {
	Success       bool   `json:"success"`
	TextLength    int    `json:"textLength,omitempty"`
	Language      string `json:"language,omitempty"`
	Pages         int    `json:"pages,omitempty"`
	HasImages     bool   `json:"hasImages,omitempty"`
	HasTables     bool   `json:"hasTables,omitempty"`
	VectorCount   int    `json:"vectorCount,omitempty"`
	EntityCount   int    `json:"entityCount,omitempty"`
	RelationCount int    `json:"relationCount,omitempty"`
}

type StepState struct {
	Status     Status      `json:"status"`
	Result     *StepResult `json:"result,omitempty"`
	Error      string      `json:"error,omitempty"`
	StartedAt  time.Time   `json:"startedAt,omitempty"`
	FinishedAt time.Time   `json:"finishedAt,omitempty"`
}

// Run is one execution of the processor against one document.
type Run struct {
	ID             string              `json:"processId"`
	DocumentID     string              `json:"documentId"`
	DocumentName   string              `json:"documentName"`
	Status         Status              `json:"status"`
	Steps          map[Stage]StepState `json:"steps"`
	StartTime      time.Time           `json:"startTime"`
	EndTime        time.Time           `json:"endTime,omitempty"`
	Summary        *Summary            `json:"results,omitempty"`
	Error          string              `json:"error,omitempty"`
	RulesExtracted int                 `json:"rulesExtracted,omitempty"`
}

func (r *Run) clone() Run {
	out := *r
	out.Steps = make(map[Stage]StepState, len(r.Steps))
	for k, v := range r.Steps {
		if v.Result != nil {
			res := *v.Result
			v.Result = &res
		}
		out.Steps[k] = v
	}
	if r.Summary != nil {
		s := *r.Summary
		out.Summary = &s
	}
	return out
}

// StructuredSummary is the part of a structured extraction worth reporting.
type StructuredSummary struct {
	ExtractionCount int      `json:"extractionCount"`
	ExtractionTypes []string `json:"extractionTypes,omitempty"`
	DocumentType    string   `json:"documentType,omitempty"`
	Confidence      float64  `json:"confidence"`
	Coverage        float64  `json:"coverage"`
}

type Summary struct {
	TextExtracted      bool               `json:"textExtracted"`
	TextLength         int                `json:"textLength"`
	Language           string             `json:"language,omitempty"`
	Vectorized         bool               `json:"vectorized"`
	VectorCount        int                `json:"vectorCount"`
	GraphExtracted     bool               `json:"graphExtracted"`
	EntitiesExtracted  int                `json:"entitiesExtracted"`
	RelationsExtracted int                `json:"relationsExtracted"`
	Entities           []json.RawMessage  `json:"entities,omitempty"`
	StageErrors        map[Stage]string   `json:"stageErrors,omitempty"`
	StageTimings       map[Stage]Millis   `json:"stageTimings"`
	ProcessingTime     Millis             `json:"processingTime"`
	Structured         *StructuredSummary `json:"structuredExtraction,omitempty"`
}

// Millis marshals a duration as whole milliseconds.
type Millis time.Duration

func (m Millis) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(m).Milliseconds())
}

// Result is what ProcessDocument returns.
type Result struct {
	Success    bool                `json:"success"`
	ProcessID  string              `json:"processId"`
	DocumentID string              `json:"documentId"`
	Status     Status              `json:"status"`
	Summary    *Summary            `json:"results,omitempty"`
	Steps      map[Stage]StepState `json:"steps,omitempty"`
	Error      string              `json:"error,omitempty"`
	// Reason is a human readable failure category.
	Reason string `json:"reason,omitempty"`
	// Err keeps the typed failure for callers; it is not serialized.
	Err error `json:"-"`
}

// StageOutcome is a document status change for one stage.
type StageOutcome struct {
	Status Status
	Error  string
}

// StatusUpdate changes a document's stage statuses. Nil fields are left
// untouched.
type StatusUpdate struct {
	Recognition *StageOutcome
	Vector      *StageOutcome
	Graph       *StageOutcome
	Structured  *remote.StructuredExtraction
}

func (u StatusUpdate) Empty() bool {
	return u.Recognition == nil && u.Vector == nil && u.Graph == nil && u.Structured == nil
}
