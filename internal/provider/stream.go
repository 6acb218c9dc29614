package provider

import (
	"context"
	"sync"
)

// streamBuffer is the channel capacity between a producing adapter and its
// consumer. Producers block once the consumer falls this far behind.
const streamBuffer = 64

// Stream is a single-pass, cancellable sequence of canonical messages
// produced by one ExecuteQuery call. Messages arrive in backend emission
// order; exactly one terminal message ends the stream.
type Stream struct {
	msgs chan Message
}

// Messages returns the receive channel. The channel is closed after the
// terminal message has been delivered.
func (s *Stream) Messages() <-chan Message {
	return s.msgs
}

// Next returns the next message, or ok=false when the stream is exhausted
// or ctx is canceled.
func (s *Stream) Next(ctx context.Context) (Message, bool) {
	select {
	case m, ok := <-s.msgs:
		return m, ok
	case <-ctx.Done():
		return Message{}, false
	}
}

// Collect drains the stream and returns every message. Intended for tests
// and consumers that do not need incremental delivery.
func (s *Stream) Collect(ctx context.Context) []Message {
	var out []Message
	for {
		m, ok := s.Next(ctx)
		if !ok {
			return out
		}
		out = append(out, m)
	}
}

// emitter is the producer-side handle for a Stream. It enforces the
// terminal-message invariant and coalesces adjacent text fragments so a
// backend that emits token-sized chunks still yields whole utterances.
type emitter struct {
	ch        chan Message
	coal      textCoalescer
	sessionID string

	mu     sync.Mutex
	done   bool // terminal message emitted
	closed bool // channel closed
}

// newStream creates a connected Stream/emitter pair.
func newStream() (*Stream, *emitter) {
	ch := make(chan Message, streamBuffer)
	return &Stream{msgs: ch}, &emitter{ch: ch}
}

// StreamFromChannel wraps an externally produced message channel as a Stream.
// The caller owns the channel and must honor the terminal-message invariant.
// Used by stream transformers that forward and rewrite adapter output.
func StreamFromChannel(ch chan Message) *Stream {
	return &Stream{msgs: ch}
}

// setSession records the first session id seen; later values are ignored so
// a resumed conversation keeps its original continuation token.
func (e *emitter) setSession(id string) {
	if e.sessionID == "" && id != "" {
		e.sessionID = id
	}
}

func (e *emitter) session() string { return e.sessionID }

// text buffers an assistant text fragment for coalescing. Large buffered
// runs ending in a newline are flushed eagerly.
func (e *emitter) text(fragment string) {
	if flushed, ok := e.coal.add(fragment); ok {
		e.send(AssistantText(e.sessionID, flushed))
	}
}

// flushText emits any buffered text immediately. Adapters call it on
// backend step boundaries that end an utterance without carrying content.
func (e *emitter) flushText() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done || e.closed {
		return
	}
	if buffered := e.coal.flush(); buffered != "" {
		e.ch <- AssistantText(e.sessionID, buffered)
	}
}

// send flushes buffered text before any non-text or terminal message, then
// emits m. Messages after the terminal one are dropped, which makes the
// exactly-one-terminal invariant cheap for adapters to honor.
func (e *emitter) send(m Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done || e.closed {
		return
	}
	if m.Type != MessageAssistant || m.Body == nil || !isPureText(m.Body) {
		if buffered := e.coal.flush(); buffered != "" {
			e.ch <- AssistantText(e.sessionID, buffered)
		}
	}
	e.ch <- m
	if m.IsTerminal() {
		e.done = true
	}
}

// finishResult emits the terminal result message and closes the stream.
func (e *emitter) finishResult(result string) {
	e.send(ResultMessage(e.sessionID, result))
	e.close()
}

// finishResultMsg emits a caller-built terminal result and closes the stream.
func (e *emitter) finishResultMsg(m Message) {
	e.send(m)
	e.close()
}

// finishError emits the terminal error message and closes the stream.
func (e *emitter) finishError(errText string) {
	e.send(ErrorMessage(e.sessionID, errText))
	e.close()
}

// close closes the channel exactly once. If no terminal message was emitted
// (adapter bug or silent backend exit), remaining buffered text is flushed
// so nothing is lost.
func (e *emitter) close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if !e.done {
		if buffered := e.coal.flush(); buffered != "" {
			e.ch <- AssistantText(e.sessionID, buffered)
		}
	}
	e.closed = true
	close(e.ch)
}

// isPureText reports whether every block in the body is a text block.
func isPureText(b *MessageBody) bool {
	for _, c := range b.Content {
		if c.Type != BlockText {
			return false
		}
	}
	return true
}
