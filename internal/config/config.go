package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/shensi8312/design-institute-platform-sub001/pkg/log"
)

// Config holds all pipeline configuration.
//
// Values are resolved in order: built-in defaults, the optional YAML file
// named by CONFIG_FILE, environment variables (a .env file in the working
// directory is loaded first), then Options.
//
// Environment Variables:
// Services:
// - LANGEXTRACT_MAIN_URL: primary recognition service (default: http://localhost:8092)
// - DOC_RECOGNITION_URL: legacy recognition service (default: http://localhost:8086)
// - VECTOR_SERVICE_URL: vectorization service (default: http://localhost:8085)
// - GRAPHRAG_URL: graph extraction service (default: http://localhost:8081)
// - RULES_SERVICE_URL: rule extraction service (default: http://localhost:8081)
// - USE_LANGEXTRACT: try the primary recognition service first (default: true)
// - RECOGNITION_TIMEOUT, VECTOR_TIMEOUT, GRAPH_TIMEOUT, RULES_TIMEOUT, HEALTH_TIMEOUT
//
// Queue:
// - QUEUE_CONCURRENCY (default: 2)
// - QUEUE_MAX_ATTEMPTS (default: 3)
// - QUEUE_BACKOFF_BASE (default: 2s)
// - QUEUE_KEEP_COMPLETED (default: 100)
// - QUEUE_REPORT_SCHEDULE (default: @every 30s)
//
// Intake:
// - INTAKE_DIR: directory scanned for new documents; empty disables intake
// - INTAKE_SCHEDULE (default: @every 5m)
// - INTAKE_LOOKBACK: age of files picked up by the first scan (default: 24h)
// - INTAKE_KB_ID: knowledge base assigned to scanned documents
//
// HTTP:
// - HTTP_ADDR (default: :8080)
// - WS_PATH (default: /ws/document-process)
// - WS_HEARTBEAT (default: 30s)
//
// System:
// - DATA_DIR (default: /app/data)
// - LOG_LEVEL (default: info)
// - LOG_FILE: append log entries to this file instead of stdout
type Config struct {
	Services ServicesConfig `json:"services" yaml:"services"`
	Queue    QueueConfig    `json:"queue" yaml:"queue"`
	Pipeline PipelineConfig `json:"pipeline" yaml:"pipeline"`
	Intake   IntakeConfig   `json:"intake" yaml:"intake"`
	HTTP     HTTPConfig     `json:"http" yaml:"http"`
	System   SystemConfig   `json:"system" yaml:"system"`
}

// ServicesConfig locates the remote processing services.
type ServicesConfig struct {
	LangExtractURL string `json:"langextract_url" yaml:"langextract_url"`
	RecognitionURL string `json:"recognition_url" yaml:"recognition_url"`
	VectorURL      string `json:"vector_url" yaml:"vector_url"`
	GraphURL       string `json:"graph_url" yaml:"graph_url"`
	RulesURL       string `json:"rules_url" yaml:"rules_url"`
	UseLangExtract bool   `json:"use_langextract" yaml:"use_langextract"`
	UseOllama      bool   `json:"use_ollama" yaml:"use_ollama"`

	// Recognition runs OCR on large scans and gets the longest budget.
	RecognitionTimeout time.Duration `json:"recognition_timeout" yaml:"recognition_timeout"`
	VectorTimeout      time.Duration `json:"vector_timeout" yaml:"vector_timeout"`
	GraphTimeout       time.Duration `json:"graph_timeout" yaml:"graph_timeout"`
	RulesTimeout       time.Duration `json:"rules_timeout" yaml:"rules_timeout"`
	HealthTimeout      time.Duration `json:"health_timeout" yaml:"health_timeout"`
}

type QueueConfig struct {
	Concurrency    int           `json:"concurrency" yaml:"concurrency"`
	MaxAttempts    int           `json:"max_attempts" yaml:"max_attempts"`
	BackoffBase    time.Duration `json:"backoff_base" yaml:"backoff_base"`
	KeepCompleted  int           `json:"keep_completed" yaml:"keep_completed"`
	ReportSchedule string        `json:"report_schedule" yaml:"report_schedule"`
}

type PipelineConfig struct {
	RunRetention     time.Duration `json:"run_retention" yaml:"run_retention"`
	ReapSchedule     string        `json:"reap_schedule" yaml:"reap_schedule"`
	ChunkSize        int           `json:"chunk_size" yaml:"chunk_size"`
	ChunkOverlap     int           `json:"chunk_overlap" yaml:"chunk_overlap"`
	GraphTextLimit   int           `json:"graph_text_limit" yaml:"graph_text_limit"`
	ExtractRelations bool          `json:"extract_relations" yaml:"extract_relations"`
}

// IntakeConfig drives the periodic scan of a drop directory.
type IntakeConfig struct {
	Dir        string        `json:"dir" yaml:"dir"`
	Schedule   string        `json:"schedule" yaml:"schedule"`
	Lookback   time.Duration `json:"lookback" yaml:"lookback"`
	KBID       string        `json:"kb_id" yaml:"kb_id"`
	Extensions []string      `json:"extensions" yaml:"extensions"`
}

// Enabled reports whether a drop directory is configured.
func (c IntakeConfig) Enabled() bool {
	return strings.TrimSpace(c.Dir) != ""
}

type HTTPConfig struct {
	Addr      string        `json:"addr" yaml:"addr"`
	WSPath    string        `json:"ws_path" yaml:"ws_path"`
	Heartbeat time.Duration `json:"heartbeat" yaml:"heartbeat"`
}

type SystemConfig struct {
	DataDir  string `json:"data_dir" yaml:"data_dir"`
	LogLevel string `json:"log_level" yaml:"log_level"`
	LogFile  string `json:"log_file" yaml:"log_file"`
}

// DBPath is the SQLite database inside the data directory.
func (c *Config) DBPath() string {
	return filepath.Join(c.System.DataDir, "pipeline.db")
}

// LockPath guards the data directory against a second server process.
func (c *Config) LockPath() string {
	return filepath.Join(c.System.DataDir, "pipeline.lock")
}

// Option is a function type for configuring Config
type Option func(*Config)

func WithDataDir(dir string) Option {
	return func(c *Config) { c.System.DataDir = dir }
}

func WithConcurrency(n int) Option {
	return func(c *Config) { c.Queue.Concurrency = n }
}

func WithHTTPAddr(addr string) Option {
	return func(c *Config) { c.HTTP.Addr = addr }
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Services: ServicesConfig{
			LangExtractURL:     "http://localhost:8092",
			RecognitionURL:     "http://localhost:8086",
			VectorURL:          "http://localhost:8085",
			GraphURL:           "http://localhost:8081",
			RulesURL:           "http://localhost:8081",
			UseLangExtract:     true,
			UseOllama:          true,
			RecognitionTimeout: 180 * time.Second,
			VectorTimeout:      120 * time.Second,
			GraphTimeout:       90 * time.Second,
			RulesTimeout:       60 * time.Second,
			HealthTimeout:      3 * time.Second,
		},
		Queue: QueueConfig{
			Concurrency:    2,
			MaxAttempts:    3,
			BackoffBase:    2 * time.Second,
			KeepCompleted:  100,
			ReportSchedule: "@every 30s",
		},
		Pipeline: PipelineConfig{
			RunRetention:     30 * time.Minute,
			ReapSchedule:     "@every 1h",
			ChunkSize:        500,
			ChunkOverlap:     50,
			GraphTextLimit:   5000,
			ExtractRelations: true,
		},
		Intake: IntakeConfig{
			Schedule:   "@every 5m",
			Lookback:   24 * time.Hour,
			Extensions: []string{".pdf", ".doc", ".docx", ".txt", ".md", ".xlsx", ".pptx", ".png", ".jpg", ".jpeg"},
		},
		HTTP: HTTPConfig{
			Addr:      ":8080",
			WSPath:    "/ws/document-process",
			Heartbeat: 30 * time.Second,
		},
		System: SystemConfig{
			DataDir:  "/app/data",
			LogLevel: "info",
		},
	}
}

// NewFromEnv creates a Config from defaults, CONFIG_FILE and the environment.
func NewFromEnv(opts ...Option) (*Config, error) {
	return Load(os.Getenv("CONFIG_FILE"), opts...)
}

// Load reads the YAML file at path (skipped when empty) and applies the
// environment and options on top.
func Load(path string, opts ...Option) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn("Failed to load .env file: %v", err)
	}

	config := Default()
	if strings.TrimSpace(path) != "" {
		if err := loadFile(path, config); err != nil {
			return nil, err
		}
	}

	applyEnv(config)

	for _, opt := range opts {
		opt(config)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	log.Debug("Config: %+v", config)
	return config, nil
}

func loadFile(path string, config *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(c *Config) {
	s := &c.Services
	s.LangExtractURL = getEnvString("LANGEXTRACT_MAIN_URL", s.LangExtractURL)
	s.RecognitionURL = getEnvString("DOC_RECOGNITION_URL", s.RecognitionURL)
	s.VectorURL = getEnvString("VECTOR_SERVICE_URL", s.VectorURL)
	s.GraphURL = getEnvString("GRAPHRAG_URL", s.GraphURL)
	s.RulesURL = getEnvString("RULES_SERVICE_URL", s.RulesURL)
	s.UseLangExtract = getEnvBool("USE_LANGEXTRACT", s.UseLangExtract)
	s.UseOllama = getEnvBool("USE_OLLAMA", s.UseOllama)
	s.RecognitionTimeout = getEnvDuration("RECOGNITION_TIMEOUT", s.RecognitionTimeout)
	s.VectorTimeout = getEnvDuration("VECTOR_TIMEOUT", s.VectorTimeout)
	s.GraphTimeout = getEnvDuration("GRAPH_TIMEOUT", s.GraphTimeout)
	s.RulesTimeout = getEnvDuration("RULES_TIMEOUT", s.RulesTimeout)
	s.HealthTimeout = getEnvDuration("HEALTH_TIMEOUT", s.HealthTimeout)

	q := &c.Queue
	q.Concurrency = getEnvInt("QUEUE_CONCURRENCY", q.Concurrency)
	q.MaxAttempts = getEnvInt("QUEUE_MAX_ATTEMPTS", q.MaxAttempts)
	q.BackoffBase = getEnvDuration("QUEUE_BACKOFF_BASE", q.BackoffBase)
	q.KeepCompleted = getEnvInt("QUEUE_KEEP_COMPLETED", q.KeepCompleted)
	q.ReportSchedule = getEnvString("QUEUE_REPORT_SCHEDULE", q.ReportSchedule)

	p := &c.Pipeline
	p.RunRetention = getEnvDuration("RUN_RETENTION", p.RunRetention)
	p.ReapSchedule = getEnvString("RUN_REAP_SCHEDULE", p.ReapSchedule)

	c.Intake.Dir = getEnvString("INTAKE_DIR", c.Intake.Dir)
	c.Intake.Schedule = getEnvString("INTAKE_SCHEDULE", c.Intake.Schedule)
	c.Intake.Lookback = getEnvDuration("INTAKE_LOOKBACK", c.Intake.Lookback)
	c.Intake.KBID = getEnvString("INTAKE_KB_ID", c.Intake.KBID)

	c.HTTP.Addr = getEnvString("HTTP_ADDR", c.HTTP.Addr)
	c.HTTP.WSPath = getEnvString("WS_PATH", c.HTTP.WSPath)
	c.HTTP.Heartbeat = getEnvDuration("WS_HEARTBEAT", c.HTTP.Heartbeat)

	c.System.DataDir = getEnvString("DATA_DIR", c.System.DataDir)
	c.System.LogLevel = getEnvString("LOG_LEVEL", c.System.LogLevel)
	c.System.LogFile = getEnvString("LOG_FILE", c.System.LogFile)
}

func (c *Config) validate() error {
	for name, url := range map[string]string{
		"langextract_url": c.Services.LangExtractURL,
		"recognition_url": c.Services.RecognitionURL,
		"vector_url":      c.Services.VectorURL,
		"graph_url":       c.Services.GraphURL,
	} {
		if strings.TrimSpace(url) == "" {
			return fmt.Errorf("services.%s is required", name)
		}
	}
	if c.Services.RecognitionTimeout <= 0 {
		return fmt.Errorf("services.recognition_timeout must be positive")
	}
	if c.Queue.Concurrency < 1 {
		return fmt.Errorf("queue.concurrency must be at least 1, got %d", c.Queue.Concurrency)
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue.max_attempts must be at least 1, got %d", c.Queue.MaxAttempts)
	}
	if c.Queue.BackoffBase <= 0 {
		return fmt.Errorf("queue.backoff_base must be positive")
	}
	if _, err := cron.ParseStandard(c.Queue.ReportSchedule); err != nil {
		return fmt.Errorf("invalid queue.report_schedule: %w", err)
	}
	if _, err := cron.ParseStandard(c.Pipeline.ReapSchedule); err != nil {
		return fmt.Errorf("invalid pipeline.reap_schedule: %w", err)
	}
	if c.Intake.Enabled() {
		if _, err := cron.ParseStandard(c.Intake.Schedule); err != nil {
			return fmt.Errorf("invalid intake.schedule: %w", err)
		}
	}
	if !strings.HasPrefix(c.HTTP.WSPath, "/") {
		return fmt.Errorf("http.ws_path must start with /")
	}
	if strings.TrimSpace(c.System.DataDir) == "" {
		return fmt.Errorf("system.data_dir is required")
	}
	return nil
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s") or a bare number of seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
