// Package stream implements the downstream SSE protocol: the frame
// vocabulary consumed by the web client and the translator that
// re-emits the upstream event stream in it.
package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Frame types in the downstream vocabulary. Field names on the wire are
// the client contract; do not rename.
const (
	FrameStart          = "start"
	FrameStartStep      = "start-step"
	FrameTextStart      = "text-start"
	FrameTextDelta      = "text-delta"
	FrameTextEnd        = "text-end"
	FrameFinishStep     = "finish-step"
	FrameFinish         = "finish"
	FrameTaskID         = "data-task-id"
	FrameConversationID = "data-conversation-id"
	FrameToolExecution  = "data-tool-execution"
)

// streamVersionHeader marks the downstream stream protocol version for
// the AI SDK client.
const (
	streamVersionHeader = "x-vercel-ai-ui-message-stream"
	streamVersion       = "v1"
)

// Frame is one downstream SSE record.
type Frame struct {
	Type  string         `json:"type"`
	ID    string         `json:"id,omitempty"`
	Delta string         `json:"delta,omitempty"`
	Data  map[string]any `json:"data,omitempty"`
}

// StartFrame opens the message stream.
func StartFrame() Frame { return Frame{Type: FrameStart} }

// StepStartFrame opens a response step.
func StepStartFrame() Frame { return Frame{Type: FrameStartStep} }

// TextStartFrame opens the text channel for a message.
func TextStartFrame(messageID string) Frame {
	return Frame{Type: FrameTextStart, ID: messageID}
}

// TextDeltaFrame carries one incremental text chunk.
func TextDeltaFrame(messageID, delta string) Frame {
	return Frame{Type: FrameTextDelta, ID: messageID, Delta: delta}
}

// TextEndFrame closes the text channel for a message.
func TextEndFrame(messageID string) Frame {
	return Frame{Type: FrameTextEnd, ID: messageID}
}

// StepFinishFrame closes a response step.
func StepFinishFrame() Frame { return Frame{Type: FrameFinishStep} }

// FinishFrame closes the message stream.
func FinishFrame() Frame { return Frame{Type: FrameFinish} }

// TaskIDFrame surfaces the upstream task id so the client can request
// stop-generation.
func TaskIDFrame(taskID string) Frame {
	return Frame{Type: FrameTaskID, Data: map[string]any{"taskId": taskID}}
}

// ConversationIDFrame surfaces the upstream conversation id for
// follow-up turns.
func ConversationIDFrame(conversationID string) Frame {
	return Frame{Type: FrameConversationID, Data: map[string]any{"conversationId": conversationID}}
}

// ToolExecutionFrame carries one tool-trace entry.
func ToolExecutionFrame(te ToolExecution) Frame {
	return Frame{Type: FrameToolExecution, Data: map[string]any{"toolExecution": te}}
}

// ToolExecution is the tool-trace payload rendered by the client.
type ToolExecution struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Label       string  `json:"label"`
	Status      string  `json:"status"`
	StartTime   float64 `json:"startTime,omitempty"`
	EndTime     float64 `json:"endTime,omitempty"`
	ElapsedTime float64 `json:"elapsedTime,omitempty"`
	Elapsed     string  `json:"elapsed,omitempty"`
	Provider    string  `json:"provider,omitempty"`
	Icon        string  `json:"icon,omitempty"`
	ParentID    string  `json:"parentId,omitempty"`
	Error       string  `json:"error,omitempty"`
	Round       string  `json:"round,omitempty"`
}

// FormatElapsed renders an elapsed duration in seconds the way the
// client displays it: millisecond precision below one second, one
// decimal of seconds above.
func FormatElapsed(seconds float64) string {
	if seconds <= 0 {
		return ""
	}
	if seconds < 1 {
		return fmt.Sprintf("%.0fms", seconds*1000)
	}
	return fmt.Sprintf("%.1fs", seconds)
}

// SetStreamHeaders sets the response headers for a downstream SSE
// stream, including the stream protocol version marker.
func SetStreamHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set(streamVersionHeader, streamVersion)
}

// FrameWriter serializes frames onto an outbound stream in arrival
// order, flushing after each record when the writer supports it.
type FrameWriter struct {
	w       io.Writer
	flusher http.Flusher
}

// NewFrameWriter wraps an outbound writer. Flushing is enabled when the
// writer implements http.Flusher (gin's ResponseWriter does).
func NewFrameWriter(w io.Writer) *FrameWriter {
	fw := &FrameWriter{w: w}
	if f, ok := w.(http.Flusher); ok {
		fw.flusher = f
	}
	return fw
}

// Write encodes one frame as a data record and flushes it. Encoding
// cannot fail for well-formed frames; string payloads are escaped by
// the JSON encoder, never rejected.
func (fw *FrameWriter) Write(f Frame) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to encode frame %q: %w", f.Type, err)
	}
	if _, err := fmt.Fprintf(fw.w, "data: %s\n\n", payload); err != nil {
		return fmt.Errorf("failed to write frame %q: %w", f.Type, err)
	}
	fw.flush()
	return nil
}

// WriteDone writes the stream terminator sentinel. It is the last
// record on every code path.
func (fw *FrameWriter) WriteDone() error {
	if _, err := io.WriteString(fw.w, "data: [DONE]\n\n"); err != nil {
		return fmt.Errorf("failed to write stream terminator: %w", err)
	}
	fw.flush()
	return nil
}

func (fw *FrameWriter) flush() {
	if fw.flusher != nil {
		fw.flusher.Flush()
	}
}
