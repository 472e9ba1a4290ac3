package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/shensi8312/design-institute-platform-sub001/internal/apperr"
	"github.com/shensi8312/design-institute-platform-sub001/internal/jobs"
	"github.com/shensi8312/design-institute-platform-sub001/internal/persistence"
	"github.com/shensi8312/design-institute-platform-sub001/internal/pipeline"
	"github.com/shensi8312/design-institute-platform-sub001/internal/remote"
	"github.com/shensi8312/design-institute-platform-sub001/internal/service"
	"github.com/shensi8312/design-institute-platform-sub001/pkg/log"
)

type processDocumentRequest struct {
	DocumentID   string `json:"documentId"`
	Name         string `json:"name"`
	FilePath     string `json:"filePath"`
	KBID         string `json:"kbId"`
	EnableOCR    *bool  `json:"enableOCR"`
	EnableVector *bool  `json:"enableVector"`
	EnableGraph  *bool  `json:"enableGraph"`
	Priority     int    `json:"priority"`
	DedupeKey    string `json:"dedupeKey"`
}

func (r processDocumentRequest) options() jobs.Options {
	opts := jobs.DefaultOptions()
	if r.EnableOCR != nil {
		opts.EnableOCR = *r.EnableOCR
	}
	if r.EnableVector != nil {
		opts.EnableVector = *r.EnableVector
	}
	if r.EnableGraph != nil {
		opts.EnableGraph = *r.EnableGraph
	}
	opts.Priority = r.Priority
	opts.DedupeKey = r.DedupeKey
	return opts
}

func (s *Server) handleProcessDocument(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req processDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	req.DocumentID = strings.TrimSpace(req.DocumentID)
	if req.DocumentID == "" {
		writeError(w, http.StatusBadRequest, "documentId is required")
		return
	}

	doc := jobs.DocumentInfo{ID: req.DocumentID, Name: req.Name, FilePath: req.FilePath, KBID: req.KBID}
	if s.docs != nil {
		// fill what the caller left out from the registered document
		if known, ok, err := s.docs.GetDocument(r.Context(), doc.ID); err != nil {
			writeAppError(w, err)
			return
		} else if ok {
			doc.Name = firstNonEmpty(doc.Name, known.Name)
			doc.FilePath = firstNonEmpty(doc.FilePath, known.FilePath)
			doc.KBID = firstNonEmpty(doc.KBID, known.KBID)
		}
	}
	if doc.FilePath == "" {
		writeError(w, http.StatusBadRequest, "filePath is required")
		return
	}
	if s.docs != nil {
		if err := s.docs.UpsertDocument(r.Context(), persistence.Document{
			ID: doc.ID, Name: doc.Name, FilePath: doc.FilePath, KBID: doc.KBID,
		}); err != nil {
			writeAppError(w, err)
			return
		}
	}

	res, err := s.queue.Enqueue(r.Context(), doc, req.options())
	if err != nil {
		writeAppError(w, err)
		return
	}
	code := http.StatusAccepted
	if res.Duplicate {
		code = http.StatusOK
	}
	writeJSON(w, code, res)
}

type queueStatusResponse struct {
	Counts    jobs.Counts            `json:"counts"`
	Paused    bool                   `json:"paused"`
	Schedules []service.ScheduleInfo `json:"schedules,omitempty"`
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	resp := queueStatusResponse{
		Counts: s.queue.Counts(),
		Paused: s.queue.Paused(),
	}
	if s.schedules != nil {
		resp.Schedules = s.schedules.Schedules(time.Now())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.queue.Pause()
	writeJSON(w, http.StatusOK, map[string]any{"paused": true})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.queue.Resume()
	writeJSON(w, http.StatusOK, map[string]any{"paused": false})
}

func (s *Server) handleClean(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	status := jobs.Status(r.URL.Query().Get("status"))
	if status == "" {
		status = jobs.StatusCompleted
	}
	n, err := s.queue.Clean(r.Context(), status)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": status, "removed": n})
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, filterJobs(s.queue.List(), jobs.Status(r.URL.Query().Get("status"))))
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	job, err := s.queue.Retry(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleDocumentProgress(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.docs == nil {
		writeError(w, http.StatusNotImplemented, "document store is not configured")
		return
	}
	id := r.PathValue("id")
	progress, err := s.docs.DocumentProgress(r.Context(), id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if progress.Job == nil && len(progress.Progress) == 0 {
		writeError(w, http.StatusNotFound, "no processing recorded for document "+id)
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.runs == nil {
		writeJSON(w, http.StatusOK, []pipeline.Run{})
		return
	}
	writeJSON(w, http.StatusOK, s.runs.ListRuns())
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.runs != nil {
		if run, ok := s.runs.GetRun(r.PathValue("id")); ok {
			writeJSON(w, http.StatusOK, run)
			return
		}
	}
	writeError(w, http.StatusNotFound, "processing run not found")
}

type servicesHealthResponse struct {
	Healthy  bool                            `json:"healthy"`
	Services map[string]remote.ServiceStatus `json:"services"`
}

// handleServicesHealth probes the collaborators. Concurrent requests
// share one probe.
func (s *Server) handleServicesHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.health == nil {
		writeError(w, http.StatusNotImplemented, "health check is not configured")
		return
	}
	v, _, _ := s.healthGroup.Do("health", func() (any, error) {
		return s.health(r.Context()), nil
	})
	statuses := v.(map[string]remote.ServiceStatus)

	resp := servicesHealthResponse{Healthy: true, Services: statuses}
	for name, st := range statuses {
		if st.Status != remote.StatusOnline {
			resp.Healthy = false
			log.Debug("Service %s is %s: %s", name, st.Status, st.Error)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

// writeAppError maps the error taxonomy onto HTTP status codes.
func writeAppError(w http.ResponseWriter, err error) {
	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	status := http.StatusInternalServerError
	switch appErr.Type {
	case apperr.ErrValidation:
		status = http.StatusBadRequest
	case apperr.ErrNotFound:
		status = http.StatusNotFound
	case apperr.ErrServiceUnavailable, apperr.ErrServiceTimeout:
		status = http.StatusServiceUnavailable
	}
	writeError(w, status, err.Error())
}
