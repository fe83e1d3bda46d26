// Package summary talks to the chat summarization service.
package summary

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const maxResponseBytes = 4 << 20

var (
	// ErrService is returned when the service answers with an error body.
	ErrService = errors.New("summary service error")
	// ErrEmpty is returned when there is nothing to summarize.
	ErrEmpty = errors.New("nothing to summarize")
)

// Request is the body of POST /api/summarize_chat.
type Request struct {
	Users        []string `json:"users"`
	StartDate    string   `json:"start_date"`
	EndDate      string   `json:"end_date"`
	ChatContent  string   `json:"chat_content"`
	CustomPrompt string   `json:"custom_prompt,omitempty"`
}

type response struct {
	Summary string `json:"summary"`
	Error   string `json:"error"`
}

// Summarizer produces a summary for a request.
type Summarizer interface {
	Summarize(ctx context.Context, req Request) (string, error)
}

// Client calls the summarization endpoint over HTTP.
type Client struct {
	url  string
	http *http.Client
}

func NewClient(url string, timeout time.Duration) *Client {
	return &Client{url: url, http: &http.Client{Timeout: timeout}}
}

func (c *Client) Summarize(ctx context.Context, req Request) (string, error) {
	if req.ChatContent == "" {
		return "", ErrEmpty
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("Accept", "application/json")

	res, err := c.http.Do(hreq)
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	defer res.Body.Close()

	var out response
	if err := json.NewDecoder(io.LimitReader(res.Body, maxResponseBytes)).Decode(&out); err != nil {
		return "", fmt.Errorf("summarize: status %d: decode response: %w", res.StatusCode, err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("%w: %s", ErrService, out.Error)
	}
	if res.StatusCode/100 != 2 {
		return "", fmt.Errorf("%w: status %d", ErrService, res.StatusCode)
	}
	return out.Summary, nil
}
