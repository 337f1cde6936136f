package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/tripsage/tripsage-core/runtime/apierror"
	"github.com/tripsage/tripsage-core/runtime/stream"
)

// sseSink writes stream.Events to an http.ResponseWriter as the
// `data: <json>\n\n` wire format spec.md §6 defines, flushing after every
// frame so a client reading the response body sees deltas as they occur
// rather than buffered behind the handler's return.
type sseSink struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	userID  string
	started bool
	closed  bool
}

// newSSESink sets the SSE response headers and returns a Sink writing to w.
// w must implement http.Flusher; callers run behind net/http's standard
// server, which always does for HTTP/1.1 and HTTP/2 responses.
func newSSESink(w http.ResponseWriter, userID string) (*sseSink, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("httpapi: response writer does not support flushing")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	return &sseSink{w: w, flusher: flusher, userID: userID}, nil
}

func (s *sseSink) Send(_ context.Context, event stream.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if !s.started {
		s.started = true
		if err := s.writeFrame(wireFrame{Type: "started", User: s.userID}); err != nil {
			return err
		}
	}
	frame, ok := toWireFrame(event)
	if !ok {
		return nil
	}
	return s.writeFrame(frame)
}

func (s *sseSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	_, err := fmt.Fprint(s.w, "data: "+stream.DoneSentinel+"\n\n")
	s.flusher.Flush()
	return err
}

func (s *sseSink) writeFrame(frame wireFrame) error {
	raw, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", raw); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// wireFrame is the flattened JSON shape spec.md §6 requires on the wire;
// it intentionally does not reuse stream.Event's envelope fields (run_id,
// session_id, emitted_at), which are an internal delivery concern, not
// part of the external chat-stream contract.
type wireFrame struct {
	Type    string          `json:"type"`
	User    string          `json:"user,omitempty"`
	Content string          `json:"content,omitempty"`
	Name    string          `json:"name,omitempty"`
	Input   json.RawMessage `json:"input,omitempty"`
	Output  json.RawMessage `json:"output,omitempty"`
	Error   *wireError      `json:"error,omitempty"`
	Usage   *wireUsage      `json:"usage,omitempty"`
	Code    string          `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
}

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

func toWireFrame(event stream.Event) (wireFrame, bool) {
	switch e := event.(type) {
	case stream.Delta:
		return wireFrame{Type: "delta", Content: e.Data.Text}, true
	case stream.ToolCall:
		return wireFrame{Type: "tool-call", Name: e.Data.Name, Input: e.Data.Input}, true
	case stream.ToolResult:
		frame := wireFrame{Type: "tool-result", Name: e.Data.Name}
		if e.Data.Error != "" {
			frame.Error = &wireError{Code: string(apierror.CodeToolFailed), Message: e.Data.Error}
		} else {
			frame.Output = e.Data.Output
		}
		return frame, true
	case stream.Final:
		return wireFrame{
			Type:    "final",
			Content: e.Data.Text,
			Usage:   &wireUsage{PromptTokens: e.Data.InputTokens, CompletionTokens: e.Data.OutputTokens},
		}, true
	case stream.Error:
		return wireFrame{Type: "error", Code: e.Data.Code, Message: e.Data.Message}, true
	case stream.Started:
		// started is emitted synthetically by Send itself, carrying the
		// authenticated user id rather than the workflow kind.
		return wireFrame{}, false
	default:
		return wireFrame{}, false
	}
}
