package stagefn

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jguan/stagepipe/pkg/pipeline"
)

// maxErrorBody bounds how much of a failed response is kept in the error.
const maxErrorBody = 512

// HTTPFunction calls a stage hosted behind an HTTP endpoint. The request body is
// the JSON StageRequest; a 2xx body is decoded as a StageResponse.
//
// Transport errors, 429 and 5xx responses are infrastructure failures. Other
// 4xx responses mean the stage rejected the request and are non-retryable
// application failures.
type HTTPFunction struct {
	endpoint   string
	httpClient *http.Client
	headers    map[string]string
}

func NewHTTPFunction(endpoint string) *HTTPFunction {
	return &HTTPFunction{
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: 5 * time.Minute,
		},
		headers: make(map[string]string),
	}
}

func (f *HTTPFunction) SetHTTPClient(client *http.Client) {
	f.httpClient = client
}

// SetHeader adds a header to every request, e.g. an authorization token.
func (f *HTTPFunction) SetHeader(key, value string) {
	f.headers[key] = value
}

func (f *HTTPFunction) Endpoint() string {
	return f.endpoint
}

func (f *HTTPFunction) Invoke(ctx context.Context, req pipeline.StageRequest) (pipeline.StageResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return pipeline.StageResponse{}, fmt.Errorf("marshal stage request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint, bytes.NewReader(body))
	if err != nil {
		return pipeline.StageResponse{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Run-ID", req.RunID)
	httpReq.Header.Set("X-Stage-Attempt", fmt.Sprintf("%d", req.Attempt))
	for k, v := range f.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := f.httpClient.Do(httpReq)
	if err != nil {
		return pipeline.StageResponse{}, fmt.Errorf("call stage %s: %w", req.StageID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return pipeline.StageResponse{}, fmt.Errorf("stage %s returned %d: %s", req.StageID, resp.StatusCode, readSnippet(resp.Body))
	case resp.StatusCode >= 400:
		return pipeline.StageResponse{
			Error: fmt.Sprintf("stage rejected request with %d: %s", resp.StatusCode, readSnippet(resp.Body)),
		}, nil
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return pipeline.StageResponse{}, fmt.Errorf("stage %s returned unexpected status %d", req.StageID, resp.StatusCode)
	}

	var out pipeline.StageResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return pipeline.StageResponse{}, fmt.Errorf("decode stage %s response: %w", req.StageID, err)
	}
	return out, nil
}

func readSnippet(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	return strings.TrimSpace(string(data))
}
