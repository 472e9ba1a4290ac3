package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/shensi8312/design-institute-platform-sub001/internal/jobs"
	"github.com/shensi8312/design-institute-platform-sub001/internal/persistence"
	"github.com/shensi8312/design-institute-platform-sub001/internal/pipeline"
)

var errJobNotFound = errors.New("job not found")

type recordReader interface {
	GetRecord(ctx context.Context, id string) (*jobs.Record, bool, error)
}

func WithRecords(records recordReader) Option {
	return func(s *Server) { s.records = records }
}

type jobDetailResponse struct {
	Job      *jobs.Job           `json:"job"`
	Record   *jobs.Record        `json:"record,omitempty"`
	Progress jobProgressResponse `json:"progress"`
	Run      *pipeline.Run       `json:"run,omitempty"`
}

type jobProgressResponse struct {
	Percent int                          `json:"percent"`
	Stages  []persistence.ProgressRecord `json:"stages"`
}

func (s *Server) handleJobDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	jobID := strings.TrimSpace(r.PathValue("id"))

	detail, err := s.buildJobDetail(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, errJobNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// buildJobDetail joins the queue entry with its durable record, the
// stage progress rows of its document and the in-memory run, each when
// available.
func (s *Server) buildJobDetail(ctx context.Context, jobID string) (jobDetailResponse, error) {
	job, ok := s.queue.Get(jobID)
	if !ok {
		return jobDetailResponse{}, errJobNotFound
	}

	detail := jobDetailResponse{
		Job:      job,
		Progress: jobProgressResponse{Percent: job.Progress, Stages: []persistence.ProgressRecord{}},
	}

	if s.records != nil && job.RecordID != "" {
		rec, found, err := s.records.GetRecord(ctx, job.RecordID)
		if err != nil {
			return jobDetailResponse{}, err
		}
		if found {
			detail.Record = rec
		}
	}

	if s.docs != nil {
		progress, err := s.docs.DocumentProgress(ctx, job.Document.ID)
		if err != nil {
			return jobDetailResponse{}, err
		}
		if progress.Progress != nil {
			detail.Progress.Stages = progress.Progress
		}
	}

	if s.runs != nil && job.Result != nil && job.Result.ProcessID != "" {
		if run, ok := s.runs.GetRun(job.Result.ProcessID); ok {
			detail.Run = &run
		}
	}
	return detail, nil
}
