package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrTransientSave marks failures worth retrying: the network was unreachable
// or the server answered with a 5xx. Everything else is surfaced to the user.
var ErrTransientSave = errors.New("sync: transient save failure")

// APIError is a non-2xx response from the REST surface.
type APIError struct {
	StatusCode int
	Code       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("sync: api status %d (%s)", e.StatusCode, e.Code)
}

// NoteRecord mirrors the note representation of the REST surface.
type NoteRecord struct {
	NoteID           string `json:"note_id"`
	OwnerID          string `json:"owner_id"`
	Title            string `json:"title"`
	Content          string `json:"content"`
	Archived         bool   `json:"archived"`
	CreatedAtSeconds int64  `json:"created_at_s"`
	UpdatedAtSeconds int64  `json:"updated_at_s"`
}

// NoteCollection splits the notes visible to the user into owned and shared.
type NoteCollection struct {
	Own    []NoteRecord `json:"own"`
	Shared []NoteRecord `json:"shared"`
}

// APIClientConfig configures the REST client.
type APIClientConfig struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// APIClient talks to the note REST surface with a bearer credential.
type APIClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewAPIClient constructs the REST client.
func NewAPIClient(cfg APIClientConfig) (*APIClient, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("sync: base url is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &APIClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		httpClient: httpClient,
	}, nil
}

// ListNotes fetches every note visible to the user.
func (c *APIClient) ListNotes(ctx context.Context) (NoteCollection, error) {
	var collection NoteCollection
	if err := c.do(ctx, http.MethodGet, "/notes", nil, &collection); err != nil {
		return NoteCollection{}, err
	}
	return collection, nil
}

// GetNote fetches one note.
func (c *APIClient) GetNote(ctx context.Context, noteID string) (NoteRecord, error) {
	var record NoteRecord
	if err := c.do(ctx, http.MethodGet, "/notes/"+noteID, nil, &record); err != nil {
		return NoteRecord{}, err
	}
	return record, nil
}

// CreateNote creates a note and returns its stored representation.
func (c *APIClient) CreateNote(ctx context.Context, title, content string) (NoteRecord, error) {
	payload := map[string]string{"title": title, "content": content}
	var record NoteRecord
	if err := c.do(ctx, http.MethodPost, "/notes", payload, &record); err != nil {
		return NoteRecord{}, err
	}
	return record, nil
}

// UpdateNote replaces the supplied fields of a note.
func (c *APIClient) UpdateNote(ctx context.Context, noteID string, title, content *string) (NoteRecord, error) {
	payload := map[string]*string{}
	if title != nil {
		payload["title"] = title
	}
	if content != nil {
		payload["content"] = content
	}
	var record NoteRecord
	if err := c.do(ctx, http.MethodPut, "/notes/"+noteID, payload, &record); err != nil {
		return NoteRecord{}, err
	}
	return record, nil
}

// DeleteNote removes a note.
func (c *APIClient) DeleteNote(ctx context.Context, noteID string) error {
	return c.do(ctx, http.MethodDelete, "/notes/"+noteID, nil, nil)
}

func (c *APIClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("sync: encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("sync: build request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		request.Header.Set("Authorization", "Bearer "+c.token)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransientSave, err)
	}
	defer func() { _ = response.Body.Close() }()

	if response.StatusCode >= 500 {
		return fmt.Errorf("%w: %v", ErrTransientSave, &APIError{StatusCode: response.StatusCode})
	}
	if response.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: response.StatusCode}
		var failure struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(response.Body).Decode(&failure); err == nil {
			apiErr.Code = failure.Error
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("sync: decode response: %w", err)
	}
	return nil
}
