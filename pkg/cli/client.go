package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jguan/stagepipe/pkg/gateway"
	"github.com/jguan/stagepipe/pkg/pipeline"
)

// Client calls the run-control API of a running `stagepipe serve`.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

type envelope struct {
	Success bool               `json:"success"`
	Data    json.RawMessage    `json:"data"`
	Error   *gateway.ErrorInfo `json:"error"`
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		rdr = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", gateway.ContentTypeJSON)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode response (HTTP %d): %w", resp.StatusCode, err)
	}
	if !env.Success {
		if env.Error != nil {
			return env.Error
		}
		return fmt.Errorf("request failed with HTTP %d", resp.StatusCode)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode response data: %w", err)
	}
	return nil
}

func runPath(id string, parts ...string) string {
	p := "/api/v1/runs/" + url.PathEscape(id)
	for _, part := range parts {
		p += "/" + part
	}
	return p
}

func (c *Client) StartRun(ctx context.Context, req gateway.StartRunRequest) (gateway.RunCreated, error) {
	var out gateway.RunCreated
	err := c.do(ctx, http.MethodPost, "/api/v1/runs", req, &out)
	return out, err
}

func (c *Client) GetRun(ctx context.Context, id string) (*pipeline.Document, error) {
	var doc pipeline.Document
	if err := c.do(ctx, http.MethodGet, runPath(id), nil, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Control sends pause, resume or cancel.
func (c *Client) Control(ctx context.Context, id, action string) (*pipeline.Document, error) {
	var doc pipeline.Document
	if err := c.do(ctx, http.MethodPost, runPath(id, action), nil, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (c *Client) Edit(ctx context.Context, id string, instructions map[string]string) (gateway.RunCreated, error) {
	var out gateway.RunCreated
	err := c.do(ctx, http.MethodPost, runPath(id, "edit"), gateway.EditRequest{Instructions: instructions}, &out)
	return out, err
}

func (c *Client) Progress(ctx context.Context, id, stage string, limit int) ([]pipeline.ProgressEvent, error) {
	q := url.Values{}
	if stage != "" {
		q.Set("stage", stage)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := runPath(id, "progress")
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var events []pipeline.ProgressEvent
	err := c.do(ctx, http.MethodGet, path, nil, &events)
	return events, err
}

// Follow streams a run's progress to fn until the run finishes or ctx ends.
func (c *Client) Follow(ctx context.Context, id string, fn func(pipeline.ProgressEvent)) error {
	req, err := c.newRequest(ctx, http.MethodGet, runPath(id, "progress"), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", gateway.ContentTypeSSE)

	// The stream outlives the default client timeout.
	client := *c.httpClient
	client.Timeout = 0
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("follow run %s: %w", id, err)
	}
	defer resp.Body.Close()

	if !strings.HasPrefix(resp.Header.Get("Content-Type"), gateway.ContentTypeSSE) {
		var env envelope
		if err := json.NewDecoder(resp.Body).Decode(&env); err == nil && env.Error != nil {
			return env.Error
		}
		return fmt.Errorf("follow run %s: unexpected HTTP %d", id, resp.StatusCode)
	}

	var event string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			if event == "done" {
				return nil
			}
			var ev pipeline.ProgressEvent
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
				return fmt.Errorf("decode progress event: %w", err)
			}
			fn(ev)
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return ctx.Err()
}
