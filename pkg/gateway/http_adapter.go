package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jguan/stagepipe/pkg/gateway/middleware"
	"github.com/jguan/stagepipe/pkg/infra/logger"
)

const (
	ContentTypeJSON = "application/json"
	ContentTypeSSE  = "text/event-stream"
)

type Response struct {
	Success bool          `json:"success"`
	Data    any           `json:"data,omitempty"`
	Error   *ErrorInfo    `json:"error,omitempty"`
	Meta    *ResponseMeta `json:"meta,omitempty"`
}

type ResponseMeta struct {
	RequestID string `json:"request_id,omitempty"`
	Duration  int64  `json:"duration_ms"`
}

func writeJSON(w http.ResponseWriter, r *http.Request, start time.Time, status int, data any) {
	writeResponse(w, status, &Response{
		Success: true,
		Data:    data,
		Meta:    meta(r, start),
	})
}

func writeError(w http.ResponseWriter, r *http.Request, start time.Time, err error) {
	info, status := ToErrorInfo(err)
	writeResponse(w, status, &Response{
		Error: info,
		Meta:  meta(r, start),
	})
}

func writeJSONError(w http.ResponseWriter, r *http.Request, start time.Time, status int, code, message string) {
	writeResponse(w, status, &Response{
		Error: NewErrorInfo(code, message),
		Meta:  meta(r, start),
	})
}

func writeResponse(w http.ResponseWriter, status int, resp *Response) {
	w.Header().Set("Content-Type", ContentTypeJSON)
	if resp.Meta != nil && resp.Meta.RequestID != "" {
		w.Header().Set(middleware.HeaderRequestID, resp.Meta.RequestID)
	}
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

func meta(r *http.Request, start time.Time) *ResponseMeta {
	return &ResponseMeta{
		RequestID: logger.GetRequestID(r.Context()),
		Duration:  time.Since(start).Milliseconds(),
	}
}

// decodeBody reads a JSON request body into v. An empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	contentType := r.Header.Get("Content-Type")
	if contentType != "" && !strings.HasPrefix(contentType, ContentTypeJSON) {
		return NewErrorInfo(ErrCodeInvalidRequest, "content-type must be application/json")
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return NewErrorInfo(ErrCodeInvalidRequest, "failed to read request body")
	}
	defer r.Body.Close()

	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return NewErrorInfo(ErrCodeInvalidRequest, "invalid JSON body: "+err.Error())
	}
	return nil
}

func wantsStream(r *http.Request) bool {
	if r.URL.Query().Get("follow") == "true" {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), ContentTypeSSE)
}

func startSSE(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.Header().Set("Content-Type", ContentTypeSSE)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	return flusher, true
}

// writeSSEEvent writes a named event in SSE format
func writeSSEEvent(w io.Writer, event string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData)
	return err
}
