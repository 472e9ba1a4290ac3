package persistence

import (
	"encoding/json"
	"time"

	"github.com/shensi8312/design-institute-platform-sub001/internal/jobs"
)

// Document is a row of the documents table with its per-stage statuses.
type Document struct {
	ID                string          `json:"id"`
	Name              string          `json:"name"`
	FilePath          string          `json:"filePath"`
	KBID              string          `json:"kbId"`
	RecognitionStatus string          `json:"recognitionStatus"`
	VectorStatus      string          `json:"vectorStatus"`
	GraphStatus       string          `json:"graphStatus"`
	RecognitionError  string          `json:"recognitionError,omitempty"`
	VectorError       string          `json:"vectorError,omitempty"`
	GraphError        string          `json:"graphError,omitempty"`
	Structured        json.RawMessage `json:"structuredExtraction,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// ProgressRecord is the latest progress of one stage of one document.
type ProgressRecord struct {
	DocumentID       string         `json:"documentId"`
	Stage            string         `json:"stage"`
	Percentage       float64        `json:"percentage"`
	CurrentPage      int            `json:"currentPage,omitempty"`
	TotalPages       int            `json:"totalPages,omitempty"`
	CurrentChunk     int            `json:"currentChunk,omitempty"`
	TotalChunks      int            `json:"totalChunks,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	LastCheckpointAt time.Time      `json:"lastCheckpointAt"`
}

// DocumentProgress is the latest job record of a document together with
// its stage progress rows.
type DocumentProgress struct {
	Job      *jobs.Record     `json:"job"`
	Progress []ProgressRecord `json:"progress"`
}
