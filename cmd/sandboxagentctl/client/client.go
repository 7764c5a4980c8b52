// Package client is a thin HTTP client over a running sandboxagent daemon's
// native /v1 surface, built on the request/response shapes pkg/ueapi
// exports for the daemon itself.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rivet-dev/sandboxagent/pkg/ueapi"
)

// Client talks to one sandboxagentd instance over its native HTTP API.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

// New constructs a Client with a 120s HTTP timeout, longer than the
// daemon's default 30s request timeout.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: 120 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if jsonErr := json.Unmarshal(data, &errResp); jsonErr == nil && errResp.Error.Code != "" {
			return fmt.Errorf("%s %s: %d %s: %s", method, path, resp.StatusCode, errResp.Error.Code, errResp.Error.Message)
		}
		return fmt.Errorf("%s %s: %d: %s", method, path, resp.StatusCode, string(data))
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal response body: %w", err)
	}
	return nil
}

// CreateSession calls POST /v1/sessions/{id}.
func (c *Client) CreateSession(ctx context.Context, id string, req ueapi.CreateSessionRequest) (*ueapi.Session, error) {
	var sess ueapi.Session
	if err := c.do(ctx, http.MethodPost, "/v1/sessions/"+id, req, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// ListSessions calls GET /v1/sessions.
func (c *Client) ListSessions(ctx context.Context) ([]ueapi.Session, error) {
	var sessions []ueapi.Session
	if err := c.do(ctx, http.MethodGet, "/v1/sessions", nil, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// SendMessage calls POST /v1/sessions/{id}/messages.
func (c *Client) SendMessage(ctx context.Context, id, text string) error {
	return c.do(ctx, http.MethodPost, "/v1/sessions/"+id+"/messages", ueapi.SendMessageRequest{Text: text}, nil)
}

// Terminate calls POST /v1/sessions/{id}/terminate.
func (c *Client) Terminate(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/v1/sessions/"+id+"/terminate", nil, nil)
}

// ReplyPermission calls POST /v1/sessions/{id}/permissions/{pid}/reply.
func (c *Client) ReplyPermission(ctx context.Context, id, permID, reply string) error {
	path := fmt.Sprintf("/v1/sessions/%s/permissions/%s/reply", id, permID)
	return c.do(ctx, http.MethodPost, path, ueapi.ReplyPermissionRequest{Reply: reply}, nil)
}

// ListEvents calls GET /v1/sessions/{id}/events?offset=N.
func (c *Client) ListEvents(ctx context.Context, id string, offset int64) ([]ueapi.Event, error) {
	path := fmt.Sprintf("/v1/sessions/%s/events?offset=%d", id, offset)
	var page struct {
		Events []ueapi.Event `json:"events"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}
	return page.Events, nil
}

// StreamEvents opens the SSE stream at GET /v1/sessions/{id}/events/sse and
// invokes fn for each decoded event until ctx is cancelled or the stream
// ends. Reads the "id: <seq>\ndata: <json>\n\n" framing
// internal/httpapi/sse.go writes.
func (c *Client) StreamEvents(ctx context.Context, id string, offset int64, fn func(ueapi.Event) error) error {
	path := fmt.Sprintf("/v1/sessions/%s/events/sse?offset=%d", id, offset)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("sse %s: %d: %s", path, resp.StatusCode, string(data))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var dataLine string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "data: "):
			dataLine = strings.TrimPrefix(line, "data: ")
		case line == "":
			if dataLine == "" {
				continue
			}
			var ev ueapi.Event
			if err := json.Unmarshal([]byte(dataLine), &ev); err == nil {
				if err := fn(ev); err != nil {
					return err
				}
			}
			dataLine = ""
		}
	}
	return scanner.Err()
}
