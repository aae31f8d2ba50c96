package dify

import (
	"encoding/json"
	"strings"
)

// SSE framing constants for the upstream stream.
const (
	dataPrefix = "data: "
	doneToken  = "[DONE]"
)

// EventKind discriminates the upstream event union.
type EventKind int

const (
	// KindNone marks lines that carry no event: blank lines, non-data
	// records, and the [DONE] terminator.
	KindNone EventKind = iota
	// KindIgnored marks well-formed events of no interest to the
	// translator (message_end without error, ping, ...). Ids carried on
	// them are still captured.
	KindIgnored
	// KindMalformed marks records whose JSON payload failed to decode.
	// Malformed records are skipped; they never abort the stream.
	KindMalformed
	KindMessage
	KindAgentLog
	KindWorkflowFinished
	KindError
)

// Event is one decoded upstream stream record. The variant field
// matching Kind is set. ConversationID and TaskID are populated for
// every well-formed record that exposes them, regardless of kind.
// An agent_log record that also carries an error shape keeps
// Kind == KindAgentLog with Error set alongside AgentLog, so the tool
// trace can be reported before the error terminates the stream.
type Event struct {
	Kind           EventKind
	ConversationID string
	TaskID         string

	Message          *MessageDelta
	AgentLog         *AgentLog
	WorkflowFinished *WorkflowFinished
	Error            *ErrorEvent
}

// MessageDelta is an incremental answer chunk from a `message` event.
type MessageDelta struct {
	Answer string
}

// AgentLog is a decoded `agent_log` event.
type AgentLog struct {
	ID             string
	Label          string
	Status         string
	ParentID       string
	ToolName       string
	Output         string
	Provider       string
	Icon           string
	StartedAt      float64
	FinishedAt     float64
	ElapsedSeconds float64
	ErrorMessage   string
}

// Reportable reports whether the log entry is a tool-trace event the
// client renders: CALL/ROUND rounds and model thoughts.
func (l *AgentLog) Reportable() bool {
	return strings.HasPrefix(l.Label, "CALL ") ||
		strings.HasPrefix(l.Label, "ROUND ") ||
		strings.Contains(l.Label, "Thought")
}

// HasOutput reports whether the entry carries streamable text content.
func (l *AgentLog) HasOutput() bool {
	return l.Status == "success" && strings.TrimSpace(l.Output) != ""
}

// WorkflowFinished is a decoded non-failed `workflow_finished` event.
// Failed workflows normalize to KindError instead.
type WorkflowFinished struct {
	OutputsAnswer string
}

// ErrorEvent is any upstream record normalized to an error, whatever
// shape the error arrived in.
type ErrorEvent struct {
	Message string
}

const defaultErrorMessage = "An error occurred during processing"

// rawEvent captures every field the translator can care about, across
// all observed upstream event shapes.
type rawEvent struct {
	Event          string          `json:"event"`
	Answer         string          `json:"answer"`
	ConversationID string          `json:"conversation_id"`
	TaskID         string          `json:"task_id"`
	Status         string          `json:"status"`
	Message        string          `json:"message"`
	Error          json.RawMessage `json:"error"`
	Data           *rawData        `json:"data"`
	Metadata       *rawMetadata    `json:"metadata"`
}

type rawData struct {
	ID       string          `json:"id"`
	Label    string          `json:"label"`
	Status   string          `json:"status"`
	ParentID string          `json:"parent_id"`
	Error    json.RawMessage `json:"error"`
	Outputs  *rawOutputs     `json:"outputs"`
	Data     *rawAgentData   `json:"data"`
	Metadata *rawLogMetadata `json:"metadata"`
}

type rawOutputs struct {
	Answer string `json:"answer"`
}

type rawAgentData struct {
	ToolName string `json:"tool_name"`
	Output   string `json:"output"`
}

type rawLogMetadata struct {
	Provider    string  `json:"provider"`
	Icon        string  `json:"icon"`
	StartedAt   float64 `json:"started_at"`
	FinishedAt  float64 `json:"finished_at"`
	ElapsedTime float64 `json:"elapsed_time"`
}

type rawMetadata struct {
	Error json.RawMessage `json:"error"`
}

// ParseLine decodes one upstream SSE line into a typed event. Lines
// without the data prefix and the [DONE] terminator yield KindNone.
// JSON decode failures yield KindMalformed, never an error: a bad
// record affects only itself.
func ParseLine(line string) Event {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, dataPrefix) {
		return Event{Kind: KindNone}
	}
	payload := strings.TrimPrefix(line, dataPrefix)
	if payload == doneToken {
		return Event{Kind: KindNone}
	}

	var raw rawEvent
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return Event{Kind: KindMalformed}
	}

	ev := Event{
		Kind:           KindIgnored,
		ConversationID: raw.ConversationID,
		TaskID:         raw.TaskID,
	}

	switch raw.Event {
	case "message":
		// A message delta always streams, whatever else rides on the
		// record; empty answers fall through to error detection.
		if raw.Answer != "" {
			ev.Kind = KindMessage
			ev.Message = &MessageDelta{Answer: raw.Answer}
			return ev
		}
	case "agent_log":
		if raw.Data == nil {
			break
		}
		ev.Kind = KindAgentLog
		log := &AgentLog{
			ID:           raw.Data.ID,
			Label:        raw.Data.Label,
			Status:       raw.Data.Status,
			ParentID:     raw.Data.ParentID,
			ErrorMessage: errString(raw.Data.Error),
		}
		if raw.Data.Data != nil {
			log.ToolName = raw.Data.Data.ToolName
			log.Output = raw.Data.Data.Output
		}
		if raw.Data.Metadata != nil {
			log.Provider = raw.Data.Metadata.Provider
			log.Icon = raw.Data.Metadata.Icon
			log.StartedAt = raw.Data.Metadata.StartedAt
			log.FinishedAt = raw.Data.Metadata.FinishedAt
			log.ElapsedSeconds = raw.Data.Metadata.ElapsedTime
		}
		ev.AgentLog = log
		// A log entry with streamable output keeps the content channel
		// alive even when an error shape is present; otherwise the
		// error is attached so the translator can terminate after
		// reporting the tool trace.
		if !log.HasOutput() && isError(&raw) {
			ev.Error = &ErrorEvent{Message: resolveErrorMessage(&raw)}
		}
		return ev
	case "workflow_finished":
		if isError(&raw) {
			ev.Kind = KindError
			ev.Error = &ErrorEvent{Message: resolveErrorMessage(&raw)}
			return ev
		}
		ev.Kind = KindWorkflowFinished
		wf := &WorkflowFinished{}
		if raw.Data != nil && raw.Data.Outputs != nil {
			wf.OutputsAnswer = raw.Data.Outputs.Answer
		}
		ev.WorkflowFinished = wf
		return ev
	}

	if isError(&raw) {
		ev.Kind = KindError
		ev.Error = &ErrorEvent{Message: resolveErrorMessage(&raw)}
	}

	return ev
}

// isError checks the heterogeneous error shapes observed on the
// upstream stream: explicit error events, message_end with error
// metadata, failed workflows, and bare error fields at either level.
func isError(raw *rawEvent) bool {
	switch {
	case raw.Event == "error":
		return true
	case raw.Event == "message_end" && raw.Metadata != nil && len(raw.Metadata.Error) > 0 && !isJSONNull(raw.Metadata.Error):
		return true
	case raw.Event == "workflow_finished" && raw.Data != nil && raw.Data.Status == "failed":
		return true
	case raw.Status == "failed":
		return true
	case raw.Data != nil && len(raw.Data.Error) > 0 && !isJSONNull(raw.Data.Error):
		return true
	case len(raw.Error) > 0 && !isJSONNull(raw.Error):
		return true
	}
	return false
}

// resolveErrorMessage normalizes the nested error shapes into one
// message string. Precedence: .message, .metadata.error.message,
// .data.error.message, .error.message, stringified .data.error,
// stringified .error, generic fallback.
func resolveErrorMessage(raw *rawEvent) string {
	if raw.Message != "" {
		return raw.Message
	}
	if raw.Metadata != nil {
		if msg := errObjectMessage(raw.Metadata.Error); msg != "" {
			return msg
		}
	}
	if raw.Data != nil {
		if msg := errObjectMessage(raw.Data.Error); msg != "" {
			return msg
		}
	}
	if msg := errObjectMessage(raw.Error); msg != "" {
		return msg
	}
	if raw.Data != nil {
		if msg := errString(raw.Data.Error); msg != "" {
			return msg
		}
	}
	if msg := errString(raw.Error); msg != "" {
		return msg
	}
	return defaultErrorMessage
}

// errObjectMessage extracts .message when the raw error is an object.
func errObjectMessage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return ""
	}
	return obj.Message
}

// errString stringifies a raw error value: unquoted for strings,
// compact JSON for anything else.
func errString(raw json.RawMessage) string {
	if len(raw) == 0 || isJSONNull(raw) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func isJSONNull(raw json.RawMessage) bool {
	return string(raw) == "null"
}
