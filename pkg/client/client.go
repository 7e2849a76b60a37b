package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to the pastelite JSON API.
type Client struct {
	serverURL  string
	httpClient *http.Client
}

type CreateRequest struct {
	Content    string `json:"content"`
	TTLSeconds *int64 `json:"ttl_seconds,omitempty"`
	MaxViews   *int64 `json:"max_views,omitempty"`
}

type CreateResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type Paste struct {
	Content        string     `json:"content"`
	RemainingViews *int64     `json:"remaining_views"`
	ExpiresAt      *time.Time `json:"expires_at"`
}

// APIError is returned for any non-success status. Message carries the
// server's error text when the body had one.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned status %d", e.Status)
	}
	return fmt.Sprintf("server returned status %d: %s", e.Status, e.Message)
}

// Unavailable reports whether the paste is gone for good (not found,
// expired or out of views).
func (e *APIError) Unavailable() bool {
	return e.Status == http.StatusNotFound
}

// Retryable reports a transient server-side failure.
func (e *APIError) Retryable() bool {
	return e.Status == http.StatusServiceUnavailable
}

func NewClient(serverURL string) *Client {
	return &Client{
		serverURL: strings.TrimSuffix(serverURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) CreatePaste(ctx context.Context, in CreateRequest) (*CreateResponse, error) {
	jsonData, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.serverURL+"/api/pastes", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	var out CreateResponse
	if err := c.do(req, http.StatusCreated, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetPaste reads a paste. Every successful call counts as one view.
func (c *Client) GetPaste(ctx context.Context, id string) (*Paste, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.serverURL+"/api/pastes/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	var out Paste
	if err := c.do(req, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(req *http.Request, want int, out any) error {
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		apiErr := &APIError{Status: resp.StatusCode}
		var body struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&body) == nil {
			apiErr.Message = body.Error
		}
		return apiErr
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
