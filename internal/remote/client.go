package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shensi8312/design-institute-platform-sub001/internal/apperr"
)

// maxErrorBody bounds how much of a failed response is kept in error details.
const maxErrorBody = 2048

// client is the HTTP plumbing shared by every stage client. It is safe
// for concurrent use.
type client struct {
	service    string
	baseURL    string
	httpClient *http.Client
}

func newClient(service, baseURL string, timeout time.Duration) client {
	return client{
		service: service,
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c client) postJSON(ctx context.Context, path string, payload, out any) error {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, out)
}

// postMultipart uploads the file at filePath under the "file" field
// together with the given form fields.
func (c client) postMultipart(ctx context.Context, path, filePath string, fields map[string]string, out any) error {
	file, err := os.Open(filePath)
	if err != nil {
		return apperr.Wrap(err, apperr.ErrValidation, "cannot open document file").
			WithContext("path", filePath)
	}
	defer file.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filepath.Base(filePath))
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return apperr.Wrap(err, apperr.ErrValidation, "cannot read document file").
			WithContext("path", filePath)
	}
	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			return fmt.Errorf("failed to write form field %s: %w", key, err)
		}
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to finish multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	return c.do(req, out)
}

func (c client) get(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return c.do(req, nil)
}

func (c client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		// the *url.Error already names the method and URL
		return apperr.Classify(c.service, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		errType := apperr.ErrRemote
		switch resp.StatusCode {
		case http.StatusServiceUnavailable, http.StatusBadGateway:
			errType = apperr.ErrServiceUnavailable
		case http.StatusGatewayTimeout:
			errType = apperr.ErrServiceTimeout
		}
		return apperr.Newf(errType, "%s service returned status %d", c.service, resp.StatusCode).
			WithContext("url", req.URL.String()).
			WithContext("body", strings.TrimSpace(string(snippet)))
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if os.IsTimeout(err) {
			return apperr.Wrap(err, apperr.ErrServiceTimeout, fmt.Sprintf("%s service timed out", c.service))
		}
		return apperr.Wrap(err, apperr.ErrRemote, fmt.Sprintf("%s service returned malformed JSON", c.service))
	}
	return nil
}
