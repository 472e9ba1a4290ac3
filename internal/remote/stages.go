package remote

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shensi8312/design-institute-platform-sub001/internal/apperr"
)

type VectorizeRequest struct {
	DocumentID   string `json:"doc_id"`
	Content      string `json:"content"`
	KBID         string `json:"kb_id"`
	ChunkSize    int    `json:"chunk_size"`
	ChunkOverlap int    `json:"chunk_overlap"`
}

type VectorizeResult struct {
	Success     bool   `json:"success"`
	VectorCount int    `json:"vector_count"`
	Error       string `json:"error,omitempty"`
}

// VectorClient embeds document text into the knowledge base.
type VectorClient struct {
	client
}

func NewVectorClient(baseURL string, timeout time.Duration) *VectorClient {
	return &VectorClient{client: newClient("vector", baseURL, timeout)}
}

func (c *VectorClient) Vectorize(ctx context.Context, req VectorizeRequest) (*VectorizeResult, error) {
	var resp VectorizeResult
	if err := c.postJSON(ctx, "/api/vectorize", req, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, apperr.New(apperr.ErrRemote, nonEmpty(resp.Error, "vector service reported failure")).
			WithContext("document_id", req.DocumentID)
	}
	return &resp, nil
}

type ExtractRequest struct {
	Text             string `json:"text"`
	DocumentID       string `json:"doc_id"`
	UseOllama        bool   `json:"use_ollama"`
	ExtractRelations bool   `json:"extract_relations"`
}

// GraphResult keeps entities and relations opaque; only their counts and
// a short entity preview leave the pipeline.
type GraphResult struct {
	Entities  []json.RawMessage `json:"entities"`
	Relations []json.RawMessage `json:"relations"`
}

// GraphClient extracts entities and relations for the knowledge graph.
type GraphClient struct {
	client
}

func NewGraphClient(baseURL string, timeout time.Duration) *GraphClient {
	return &GraphClient{client: newClient("graph", baseURL, timeout)}
}

func (c *GraphClient) Extract(ctx context.Context, req ExtractRequest) (*GraphResult, error) {
	var resp GraphResult
	if err := c.postJSON(ctx, "/api/extract", req, &resp); err != nil {
		return nil, err
	}
	if resp.Entities == nil {
		return nil, apperr.New(apperr.ErrRemote, "graph service response has no entities field").
			WithContext("document_id", req.DocumentID)
	}
	if resp.Relations == nil {
		resp.Relations = []json.RawMessage{}
	}
	return &resp, nil
}

type RuleResult struct {
	Success        bool   `json:"success"`
	ExtractedCount int    `json:"extracted_count"`
	Message        string `json:"message,omitempty"`
}

// RuleClient derives design rules from a document's extracted graph.
type RuleClient struct {
	client
}

func NewRuleClient(baseURL string, timeout time.Duration) *RuleClient {
	return &RuleClient{client: newClient("rules", baseURL, timeout)}
}

func (c *RuleClient) ExtractRules(ctx context.Context, documentID string) (*RuleResult, error) {
	var resp RuleResult
	payload := map[string]string{"doc_id": documentID}
	if err := c.postJSON(ctx, "/api/rules/extract", payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
