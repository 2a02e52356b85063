// Package backend is the HTTP client for the proposal analysis backend. The
// backend owns all durable state; this service only reads it and merges user
// edits into the per-illustration overlay.
package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

var (
	ErrNotFound    = errors.New("backend: not found")
	ErrForbidden   = errors.New("backend: forbidden")
	ErrConflict    = errors.New("backend: conflict")
	ErrUnavailable = errors.New("backend: unavailable")
)

const (
	MinUploadDocuments = 2
	MaxUploadDocuments = 5
	MaxUploadBytes     = 15 << 20
)

type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// NewClientWithHTTP is used by tests to inject an httptest client.
func NewClientWithHTTP(baseURL string, httpClient *http.Client) *Client {
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

func (c *Client) GetProposal(ctx context.Context, proposalID string) (*Proposal, error) {
	var proposal Proposal
	if err := c.doJSON(ctx, http.MethodGet, "/proposals/"+proposalID, nil, &proposal); err != nil {
		return nil, err
	}
	return &proposal, nil
}

func (c *Client) GetExtractedData(ctx context.Context, proposalID string) ([]ExtractedRecord, error) {
	var records []ExtractedRecord
	if err := c.doJSON(ctx, http.MethodGet, "/proposals/"+proposalID+"/illustrations/extracted-data", nil, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// UpdateProposal sends a partial update; the backend merges the field map.
func (c *Client) UpdateProposal(ctx context.Context, proposalID string, fields map[string]any) error {
	return c.doJSON(ctx, http.MethodPut, "/proposals/"+proposalID, fields, nil)
}

// UpdateIllustration merges the field map into the illustration's user-edit
// overlay server-side.
func (c *Client) UpdateIllustration(ctx context.Context, proposalID, illustrationID string, fields map[string]any) error {
	return c.doJSON(ctx, http.MethodPut, "/proposals/"+proposalID+"/illustrations/"+illustrationID, fields, nil)
}

// DeleteIllustration is idempotent: a 404 means the illustration is already
// gone and is treated as success.
func (c *Client) DeleteIllustration(ctx context.Context, proposalID, illustrationID string) error {
	err := c.doJSON(ctx, http.MethodDelete, "/proposals/"+proposalID+"/illustrations/"+illustrationID, nil, nil)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// UploadDocument is one file to submit for extraction.
type UploadDocument struct {
	Filename string
	Content  []byte
}

// UploadIllustrations creates illustrations from uploaded documents. The 2-5
// document count and the 15MB per-file cap are enforced before anything is
// transmitted.
func (c *Client) UploadIllustrations(ctx context.Context, proposalID string, documents []UploadDocument) ([]Illustration, error) {
	if len(documents) < MinUploadDocuments || len(documents) > MaxUploadDocuments {
		return nil, fmt.Errorf("backend: upload requires %d-%d documents, got %d", MinUploadDocuments, MaxUploadDocuments, len(documents))
	}
	for _, doc := range documents {
		if len(doc.Content) > MaxUploadBytes {
			return nil, fmt.Errorf("backend: document %s exceeds %d bytes", doc.Filename, MaxUploadBytes)
		}
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	for _, doc := range documents {
		part, err := writer.CreateFormFile("documents", doc.Filename)
		if err != nil {
			return nil, fmt.Errorf("backend: build multipart: %w", err)
		}
		if _, err := part.Write(doc.Content); err != nil {
			return nil, fmt.Errorf("backend: build multipart: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("backend: build multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/proposals/"+proposalID+"/illustrations", &body)
	if err != nil {
		return nil, fmt.Errorf("backend: build request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if err := statusError(resp.StatusCode); err != nil {
		return nil, err
	}

	var created []Illustration
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return nil, fmt.Errorf("backend: decode upload response: %w", err)
	}
	return created, nil
}

// Ping checks backend reachability for the readiness probe.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return statusError(resp.StatusCode)
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload, target any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("backend: encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("backend: build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// No response at all counts as transient.
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if err := statusError(resp.StatusCode); err != nil {
		return err
	}

	if target == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("backend: decode response: %w", err)
	}
	return nil
}

func statusError(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusForbidden:
		return ErrForbidden
	case code == http.StatusConflict:
		return ErrConflict
	case code >= 500:
		return fmt.Errorf("%w: status %d", ErrUnavailable, code)
	default:
		return fmt.Errorf("backend: unexpected status %d", code)
	}
}
