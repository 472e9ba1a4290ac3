package remote

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/shensi8312/design-institute-platform-sub001/internal/apperr"
	"github.com/shensi8312/design-institute-platform-sub001/pkg/log"
)

// Content is the text payload of a recognition response. The set of
// implementations is closed: PlainText, PagedText, ParagraphList and
// LegacyNested.
type Content interface {
	rawText() string
}

type PlainText struct {
	Text string
}

type Page struct {
	Text   string            `json:"text"`
	Images []json.RawMessage `json:"images,omitempty"`
	Tables []json.RawMessage `json:"tables,omitempty"`
}

type PagedText struct {
	Pages []Page
}

type Paragraph struct {
	Text string `json:"text"`
}

type ParagraphList struct {
	Paragraphs []Paragraph
}

// LegacyNested is the older `data.recognition` shape whose layout depends
// on the detected file type.
type LegacyNested struct {
	Type       string      `json:"type"`
	Pages      []Page      `json:"pages"`
	Text       string      `json:"text"`
	Paragraphs []Paragraph `json:"paragraphs"`
}

func (p PlainText) rawText() string {
	return p.Text
}

func (p PagedText) rawText() string {
	texts := make([]string, 0, len(p.Pages))
	for _, page := range p.Pages {
		texts = append(texts, page.Text)
	}
	return strings.Join(texts, "\n")
}

func (p ParagraphList) rawText() string {
	texts := make([]string, 0, len(p.Paragraphs))
	for _, para := range p.Paragraphs {
		texts = append(texts, para.Text)
	}
	return strings.Join(texts, "\n")
}

func (l LegacyNested) rawText() string {
	switch {
	case l.Type == "pdf" && len(l.Pages) > 0:
		return PagedText{Pages: l.Pages}.rawText()
	case l.Text != "":
		return l.Text
	case len(l.Paragraphs) > 0:
		return ParagraphList{Paragraphs: l.Paragraphs}.rawText()
	default:
		return ""
	}
}

// NormalizeText flattens content into one NFC-normalized, trimmed string.
func NormalizeText(c Content) string {
	if c == nil {
		return ""
	}
	return strings.TrimSpace(norm.NFC.String(c.rawText()))
}

// StructuredExtraction summarizes the structured fields the primary
// recognition service pulls out of a document.
type StructuredExtraction struct {
	Count        int             `json:"extraction_count"`
	Types        []string        `json:"extraction_types"`
	DocumentType string          `json:"document_type,omitempty"`
	Confidence   float64         `json:"confidence_score"`
	Coverage     float64         `json:"coverage_score"`
	Data         json.RawMessage `json:"structured_data,omitempty"`
}

const (
	SourceLangExtract = "langextract"
	SourceLegacy      = "legacy"
)

type Recognition struct {
	Source     string
	FileType   string
	Content    Content
	Images     int
	Tables     int
	Structured *StructuredExtraction
}

// Text is the normalized extracted text.
func (r *Recognition) Text() string {
	if r == nil {
		return ""
	}
	return NormalizeText(r.Content)
}

// Pages is the page count for paginated responses, zero otherwise.
func (r *Recognition) Pages() int {
	if r == nil {
		return 0
	}
	switch c := r.Content.(type) {
	case PagedText:
		return len(c.Pages)
	case LegacyNested:
		return len(c.Pages)
	default:
		return 0
	}
}

func (r *Recognition) HasImages() bool { return r != nil && r.Images > 0 }
func (r *Recognition) HasTables() bool { return r != nil && r.Tables > 0 }

type RecognizeRequest struct {
	DocumentID string
	FilePath   string
	EnableOCR  bool
}

type RecognitionConfig struct {
	PrimaryURL string
	LegacyURL  string
	UsePrimary bool
	Timeout    time.Duration
}

// RecognitionClient extracts text from document files. It tries the
// primary service first and only falls back to the legacy service when
// the primary cannot be reached.
type RecognitionClient struct {
	primary    client
	legacy     client
	usePrimary bool
}

func NewRecognitionClient(cfg RecognitionConfig) *RecognitionClient {
	return &RecognitionClient{
		primary:    newClient("langextract", cfg.PrimaryURL, cfg.Timeout),
		legacy:     newClient("recognition", cfg.LegacyURL, cfg.Timeout),
		usePrimary: cfg.UsePrimary && cfg.PrimaryURL != "",
	}
}

func (c *RecognitionClient) Recognize(ctx context.Context, req RecognizeRequest) (*Recognition, error) {
	if c.usePrimary {
		rec, err := c.recognizePrimary(ctx, req)
		if err == nil {
			return rec, nil
		}
		if !apperr.IsType(err, apperr.ErrServiceUnavailable) {
			return nil, err
		}
		log.Warn("Primary recognition unavailable for %s, falling back to legacy: %v", req.DocumentID, err)
	}
	return c.recognizeLegacy(ctx, req)
}

type langExtractResponse struct {
	Success  bool   `json:"success"`
	Error    string `json:"error"`
	FileInfo struct {
		Type string `json:"type"`
	} `json:"file_info"`
	RawContent struct {
		Text   string            `json:"text"`
		Images []json.RawMessage `json:"images"`
		Tables []json.RawMessage `json:"tables"`
	} `json:"raw_content"`
	ExtractionMetrics struct {
		TotalExtractions int      `json:"total_extractions"`
		ExtractionTypes  []string `json:"extraction_types"`
		ConfidenceScore  float64  `json:"confidence_score"`
		CoverageScore    float64  `json:"coverage_score"`
	} `json:"extraction_metrics"`
	StructuredData json.RawMessage `json:"structured_data"`
	DocumentType   string          `json:"document_type"`
}

func (c *RecognitionClient) recognizePrimary(ctx context.Context, req RecognizeRequest) (*Recognition, error) {
	var resp langExtractResponse
	if err := c.primary.postMultipart(ctx, "/api/process", req.FilePath, nil, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, apperr.New(apperr.ErrRemote, nonEmpty(resp.Error, "langextract processing failed")).
			WithContext("document_id", req.DocumentID)
	}

	fileType := resp.FileInfo.Type
	if fileType == "" {
		fileType = "unknown"
	}
	return &Recognition{
		Source:   SourceLangExtract,
		FileType: fileType,
		Content:  PlainText{Text: resp.RawContent.Text},
		Images:   len(resp.RawContent.Images),
		Tables:   len(resp.RawContent.Tables),
		Structured: &StructuredExtraction{
			Count:        resp.ExtractionMetrics.TotalExtractions,
			Types:        resp.ExtractionMetrics.ExtractionTypes,
			DocumentType: resp.DocumentType,
			Confidence:   resp.ExtractionMetrics.ConfidenceScore,
			Coverage:     resp.ExtractionMetrics.CoverageScore,
			Data:         resp.StructuredData,
		},
	}, nil
}

type legacyPayload struct {
	Text        string        `json:"text"`
	Pages       []Page        `json:"pages"`
	Paragraphs  []Paragraph   `json:"paragraphs"`
	Recognition *LegacyNested `json:"recognition"`
}

type legacyResponse struct {
	Success bool           `json:"success"`
	Error   string         `json:"error"`
	Data    *legacyPayload `json:"data"`
	legacyPayload
}

func (c *RecognitionClient) recognizeLegacy(ctx context.Context, req RecognizeRequest) (*Recognition, error) {
	fields := map[string]string{
		"doc_id":         req.DocumentID,
		"enable_ocr":     boolField(req.EnableOCR),
		"extract_images": "true",
		"extract_tables": "true",
	}
	var resp legacyResponse
	if err := c.legacy.postMultipart(ctx, "/api/recognize", req.FilePath, fields, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, apperr.New(apperr.ErrRemote, nonEmpty(resp.Error, "document recognition failed")).
			WithContext("document_id", req.DocumentID)
	}

	payload := resp.legacyPayload
	if resp.Data != nil {
		payload = *resp.Data
	}
	rec := &Recognition{Source: SourceLegacy, FileType: "unknown"}
	rec.Content = decodeLegacy(payload)
	for _, page := range pagesOf(payload) {
		rec.Images += len(page.Images)
		rec.Tables += len(page.Tables)
	}
	if payload.Recognition != nil && payload.Recognition.Type != "" {
		rec.FileType = payload.Recognition.Type
	}
	return rec, nil
}

// decodeLegacy picks the variant by the first populated field, in the
// order the legacy service has historically filled them.
func decodeLegacy(p legacyPayload) Content {
	switch {
	case p.Text != "":
		return PlainText{Text: p.Text}
	case p.Pages != nil:
		return PagedText{Pages: p.Pages}
	case p.Paragraphs != nil:
		return ParagraphList{Paragraphs: p.Paragraphs}
	case p.Recognition != nil:
		return *p.Recognition
	default:
		return PlainText{}
	}
}

func pagesOf(p legacyPayload) []Page {
	if p.Pages != nil {
		return p.Pages
	}
	if p.Recognition != nil {
		return p.Recognition.Pages
	}
	return nil
}

func boolField(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func nonEmpty(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}
