package stream

import (
	"errors"
	"io"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chatgate/chatgate/internal/common/logger"
	"github.com/chatgate/chatgate/internal/dify"
)

// Client-facing error texts. The markdown weight differs between the
// mid-stream and pre-content variants on purpose; the client renders
// them in different positions.
const (
	errorDeltaPrefix    = "\n❌ Error: "
	connectionErrorText = "❌ **Connection Error:** Stream was interrupted. Please try again."
	noResponseText      = "\n❌ Error: The AI service didn't provide a response. Please try again."
)

// Translator consumes one upstream chat stream and re-emits it in the
// downstream frame vocabulary. It is single-use: one Translator per
// chat request.
//
// The start/start-step/text-start banner opens lazily on the first
// content delta, so a stream that fails before producing any answer
// opens a bare text channel for the error instead of a full message
// envelope. A task id seen before the banner opens is held back and
// emitted right after text-start.
type Translator struct {
	frames *FrameWriter
	logger *logger.Logger

	messageID      string
	conversationID string
	taskID         string

	started     bool
	accumulated string
}

// NewTranslator creates a translator writing to w.
func NewTranslator(w io.Writer, log *logger.Logger) *Translator {
	return &Translator{
		frames:    NewFrameWriter(w),
		logger:    log,
		messageID: "msg_" + uuid.NewString(),
	}
}

// ConversationID returns the upstream conversation id, captured from
// the first record that carried one.
func (t *Translator) ConversationID() string { return t.conversationID }

// TaskID returns the upstream task id, captured from the first record
// that carried one.
func (t *Translator) TaskID() string { return t.taskID }

// HasContent reports whether any answer text reached the client.
func (t *Translator) HasContent() bool { return t.started }

// Run reads the upstream body to completion and writes the translated
// stream. It always leaves the downstream stream properly terminated
// (finish + [DONE]) unless writing to the client itself fails, in
// which case the write error is returned for the caller to log.
func (t *Translator) Run(body io.Reader) error {
	lr := NewLineReader(body)
	for {
		line, err := lr.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return t.finishExhausted()
			}
			return t.finishReadFailure(err)
		}

		done, werr := t.handle(dify.ParseLine(line))
		if werr != nil {
			return werr
		}
		if done {
			return nil
		}
	}
}

// handle processes one decoded upstream event. It returns done == true
// after a terminal event has closed the downstream stream.
func (t *Translator) handle(ev dify.Event) (bool, error) {
	switch ev.Kind {
	case dify.KindNone:
		return false, nil
	case dify.KindMalformed:
		t.logger.Debug("Skipping malformed upstream record")
		return false, nil
	}

	t.capture(ev)

	switch ev.Kind {
	case dify.KindMessage:
		return false, t.streamAnswer(ev.Message.Answer)
	case dify.KindAgentLog:
		return t.handleAgentLog(ev.AgentLog, ev.Error)
	case dify.KindError:
		return true, t.failStream(ev.Error.Message)
	case dify.KindWorkflowFinished:
		return true, t.finishWorkflow(ev.WorkflowFinished)
	}
	return false, nil
}

// capture records conversation and task ids, first write wins.
func (t *Translator) capture(ev dify.Event) {
	if t.conversationID == "" && ev.ConversationID != "" {
		t.conversationID = ev.ConversationID
	}
	if t.taskID == "" && ev.TaskID != "" {
		t.taskID = ev.TaskID
	}
}

func (t *Translator) streamAnswer(answer string) error {
	if answer == "" {
		return nil
	}
	if err := t.openChannel(); err != nil {
		return err
	}
	if err := t.frames.Write(TextDeltaFrame(t.messageID, answer)); err != nil {
		return err
	}
	t.accumulated += answer
	return nil
}

func (t *Translator) handleAgentLog(log *dify.AgentLog, errEv *dify.ErrorEvent) (bool, error) {
	if log.Reportable() {
		if err := t.frames.Write(ToolExecutionFrame(toolExecutionFromLog(log))); err != nil {
			return false, err
		}
	}
	if log.HasOutput() {
		return false, t.streamAgentOutput(log.Output)
	}
	if errEv != nil {
		return true, t.failStream(errEv.Message)
	}
	return false, nil
}

// streamAgentOutput reconciles a cumulative agent output snapshot with
// the text already streamed, emitting only the unseen suffix. A
// snapshot that diverges from the transcript is dropped; replaying it
// would duplicate text the client already has.
func (t *Translator) streamAgentOutput(output string) error {
	if err := t.openChannel(); err != nil {
		return err
	}
	switch {
	case len(output) > len(t.accumulated) && strings.HasPrefix(output, t.accumulated):
		delta := output[len(t.accumulated):]
		if err := t.frames.Write(TextDeltaFrame(t.messageID, delta)); err != nil {
			return err
		}
		t.accumulated = output
	case t.accumulated == "":
		if err := t.frames.Write(TextDeltaFrame(t.messageID, output)); err != nil {
			return err
		}
		t.accumulated = output
	}
	return nil
}

// failStream reports an upstream error on the text channel and closes
// the downstream stream.
func (t *Translator) failStream(message string) error {
	if !t.started {
		if err := t.openTextOnly(); err != nil {
			return err
		}
	}
	t.logger.Warn("Upstream reported an error", zap.String("message", message))
	if err := t.frames.Write(TextDeltaFrame(t.messageID, errorDeltaPrefix+message)); err != nil {
		return err
	}
	if err := t.frames.Write(TextEndFrame(t.messageID)); err != nil {
		return err
	}
	return t.closeTail(false)
}

// finishWorkflow flushes any answer suffix the deltas never delivered,
// then closes the stream with the conversation id attached.
func (t *Translator) finishWorkflow(wf *dify.WorkflowFinished) error {
	if len(wf.OutputsAnswer) > len(t.accumulated) {
		remaining := wf.OutputsAnswer[len(t.accumulated):]
		if strings.TrimSpace(remaining) != "" {
			if !t.started {
				if err := t.openTextOnly(); err != nil {
					return err
				}
			}
			if err := t.frames.Write(TextDeltaFrame(t.messageID, remaining)); err != nil {
				return err
			}
		}
	}
	if t.started {
		if err := t.frames.Write(TextEndFrame(t.messageID)); err != nil {
			return err
		}
	}
	return t.closeTail(true)
}

// finishExhausted handles the upstream ending without a terminal
// event. A stream that produced content closes normally; one that
// produced nothing gets the full banner and a visible error so the
// client never renders an empty message.
func (t *Translator) finishExhausted() error {
	if t.started {
		if err := t.frames.Write(TextEndFrame(t.messageID)); err != nil {
			return err
		}
		return t.closeTail(true)
	}
	t.logger.Warn("Upstream stream ended without content or terminal event")
	for _, f := range []Frame{StartFrame(), StepStartFrame(), TextStartFrame(t.messageID)} {
		if err := t.frames.Write(f); err != nil {
			return err
		}
	}
	t.started = true
	if err := t.frames.Write(TextDeltaFrame(t.messageID, noResponseText)); err != nil {
		return err
	}
	if err := t.frames.Write(TextEndFrame(t.messageID)); err != nil {
		return err
	}
	return t.closeTail(true)
}

// finishReadFailure reports a broken upstream connection on the text
// channel and closes the stream.
func (t *Translator) finishReadFailure(readErr error) error {
	t.logger.Warn("Upstream stream read failed", zap.Error(readErr))
	if !t.started {
		if err := t.openTextOnly(); err != nil {
			return err
		}
	}
	if err := t.frames.Write(TextDeltaFrame(t.messageID, connectionErrorText)); err != nil {
		return err
	}
	if err := t.frames.Write(TextEndFrame(t.messageID)); err != nil {
		return err
	}
	return t.closeTail(true)
}

// openChannel emits the full message banner once, flushing a queued
// task id right after text-start.
func (t *Translator) openChannel() error {
	if t.started {
		return nil
	}
	for _, f := range []Frame{StartFrame(), StepStartFrame(), TextStartFrame(t.messageID)} {
		if err := t.frames.Write(f); err != nil {
			return err
		}
	}
	if t.taskID != "" {
		if err := t.frames.Write(TaskIDFrame(t.taskID)); err != nil {
			return err
		}
	}
	t.started = true
	return nil
}

// openTextOnly opens a bare text channel for error reporting on
// streams that never produced content.
func (t *Translator) openTextOnly() error {
	if err := t.frames.Write(TextStartFrame(t.messageID)); err != nil {
		return err
	}
	t.started = true
	return nil
}

// closeTail writes the common stream tail: optional conversation id,
// finish-step, finish, terminator.
func (t *Translator) closeTail(withConversationID bool) error {
	if withConversationID && t.conversationID != "" {
		if err := t.frames.Write(ConversationIDFrame(t.conversationID)); err != nil {
			return err
		}
	}
	if err := t.frames.Write(StepFinishFrame()); err != nil {
		return err
	}
	if err := t.frames.Write(FinishFrame()); err != nil {
		return err
	}
	return t.frames.WriteDone()
}

// toolExecutionFromLog maps an agent log entry onto the client's
// tool-trace shape.
func toolExecutionFromLog(log *dify.AgentLog) ToolExecution {
	te := ToolExecution{
		ID:          log.ID,
		Name:        log.ToolName,
		Label:       log.Label,
		Status:      log.Status,
		StartTime:   log.StartedAt,
		EndTime:     log.FinishedAt,
		ElapsedTime: log.ElapsedSeconds,
		Elapsed:     FormatElapsed(log.ElapsedSeconds),
		Provider:    log.Provider,
		Icon:        log.Icon,
		ParentID:    log.ParentID,
		Error:       log.ErrorMessage,
	}
	if te.Name == "" {
		te.Name = log.Label
	}
	if strings.HasPrefix(log.Label, "ROUND ") {
		te.Round = log.Label
	}
	return te
}
