package httpapi

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/shensi8312/design-institute-platform-sub001/internal/jobs"
	"github.com/shensi8312/design-institute-platform-sub001/internal/persistence"
	"github.com/shensi8312/design-institute-platform-sub001/internal/pipeline"
	"github.com/shensi8312/design-institute-platform-sub001/internal/remote"
	"github.com/shensi8312/design-institute-platform-sub001/internal/service"
)

// JobQueue is the part of *jobs.Queue the API drives.
type JobQueue interface {
	Enqueue(ctx context.Context, doc jobs.DocumentInfo, opts jobs.Options) (*jobs.EnqueueResult, error)
	Get(id string) (*jobs.Job, bool)
	List() []*jobs.Job
	Counts() jobs.Counts
	Pause()
	Resume()
	Paused() bool
	Retry(ctx context.Context, id string) (*jobs.Job, error)
	Clean(ctx context.Context, status jobs.Status) (int, error)
}

type documentStore interface {
	UpsertDocument(ctx context.Context, doc persistence.Document) error
	GetDocument(ctx context.Context, id string) (persistence.Document, bool, error)
	DocumentProgress(ctx context.Context, documentID string) (*persistence.DocumentProgress, error)
}

type runStore interface {
	GetRun(id string) (pipeline.Run, bool)
	ListRuns() []pipeline.Run
}

type scheduleSource interface {
	Schedules(now time.Time) []service.ScheduleInfo
}

// HealthCheck probes the remote processing services.
type HealthCheck func(ctx context.Context) map[string]remote.ServiceStatus

type Server struct {
	queue     JobQueue
	docs      documentStore
	records   recordReader
	runs      runStore
	schedules scheduleSource
	health    HealthCheck

	wsPath    string
	ws        http.Handler
	metrics   http.Handler
	streamInt time.Duration

	healthGroup singleflight.Group

	mux    *http.ServeMux
	server *http.Server
}

type Option func(*Server)

func WithDocumentStore(docs documentStore) Option {
	return func(s *Server) { s.docs = docs }
}

func WithRuns(runs runStore) Option {
	return func(s *Server) { s.runs = runs }
}

func WithSchedules(src scheduleSource) Option {
	return func(s *Server) { s.schedules = src }
}

func WithHealthCheck(check HealthCheck) Option {
	return func(s *Server) { s.health = check }
}

// WithWebSocket mounts the live progress channel at path.
func WithWebSocket(path string, handler http.Handler) Option {
	return func(s *Server) {
		s.wsPath = path
		s.ws = handler
	}
}

func WithMetrics(handler http.Handler) Option {
	return func(s *Server) { s.metrics = handler }
}

// WithStreamInterval sets how often the SSE stream pushes a snapshot.
func WithStreamInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.streamInt = d
		}
	}
}

func NewServer(queue JobQueue, opts ...Option) *Server {
	s := &Server{
		queue:     queue,
		streamInt: time.Second,
		mux:       http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/documents/process", s.handleProcessDocument)
	s.mux.HandleFunc("/api/documents/{id}/progress", s.handleDocumentProgress)
	s.mux.HandleFunc("/api/queue/status", s.handleQueueStatus)
	s.mux.HandleFunc("/api/queue/pause", s.handlePause)
	s.mux.HandleFunc("/api/queue/resume", s.handleResume)
	s.mux.HandleFunc("/api/queue/clean", s.handleClean)
	s.mux.HandleFunc("/api/jobs", s.handleJobs)
	s.mux.HandleFunc("/api/jobs/stream", s.handleJobStream)
	s.mux.HandleFunc("/api/jobs/{id}", s.handleJobDetail)
	s.mux.HandleFunc("/api/jobs/{id}/retry", s.handleRetryJob)
	s.mux.HandleFunc("/api/runs", s.handleRuns)
	s.mux.HandleFunc("/api/runs/{id}", s.handleRun)
	s.mux.HandleFunc("/api/services/health", s.handleServicesHealth)
	if s.ws != nil && s.wsPath != "" {
		s.mux.Handle(s.wsPath, s.ws)
	}
	if s.metrics != nil {
		s.mux.Handle("/metrics", s.metrics)
	}
}
