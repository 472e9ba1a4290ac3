package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shensi8312/design-institute-platform-sub001/internal/jobs"
)

// keepAliveTicks is how many unchanged polls pass before a comment line
// is written to keep proxies from closing an idle stream.
const keepAliveTicks = 15

type queueSnapshot struct {
	Counts jobs.Counts `json:"counts"`
	Paused bool        `json:"paused"`
	Jobs   []*jobs.Job `json:"jobs"`
}

func (s *Server) snapshot(status jobs.Status) queueSnapshot {
	return queueSnapshot{
		Counts: s.queue.Counts(),
		Paused: s.queue.Paused(),
		Jobs:   filterJobs(s.queue.List(), status),
	}
}

// filterJobs keeps the jobs in status; an empty status keeps all.
func filterJobs(list []*jobs.Job, status jobs.Status) []*jobs.Job {
	if status == "" {
		return list
	}
	out := make([]*jobs.Job, 0, len(list))
	for _, job := range list {
		if job.Status == status {
			out = append(out, job)
		}
	}
	return out
}

// handleJobStream pushes a queue snapshot as a server-sent event
// whenever it differs from the last one sent.
func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	status := jobs.Status(r.URL.Query().Get("status"))

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")

	var (
		last []byte
		idle int
	)
	poll := func() error {
		payload, err := json.Marshal(s.snapshot(status))
		if err != nil {
			return err
		}
		if bytes.Equal(payload, last) {
			if idle++; idle < keepAliveTicks {
				return nil
			}
			idle = 0
			_, err = fmt.Fprint(w, ": keepalive\n\n")
		} else {
			last, idle = payload, 0
			_, err = fmt.Fprintf(w, "event: queue\ndata: %s\n\n", payload)
		}
		if err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if poll() != nil {
		return
	}
	ticker := time.NewTicker(s.streamInt)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if poll() != nil {
				return
			}
		}
	}
}
