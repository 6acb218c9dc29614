package provider

import (
	"context"
	"encoding/json"
	"testing"
)

func TestEmitterCoalescesAdjacentTextFragments(t *testing.T) {
	stream, em := newStream()

	em.text("Hello ")
	em.text("world")
	em.send(Message{
		Type: MessageAssistant,
		Body: &MessageBody{
			Role:    "assistant",
			Content: []ContentBlock{{Type: BlockToolUse, Name: "Bash", ToolUseID: "t1"}},
		},
	})
	em.finishResult("done")

	msgs := stream.Collect(context.Background())
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3: %+v", len(msgs), msgs)
	}
	if got := msgs[0].TextContent(); got != "Hello world" {
		t.Errorf("coalesced text = %q, want %q", got, "Hello world")
	}
	if msgs[1].Body.Content[0].Type != BlockToolUse {
		t.Errorf("second message type = %v, want tool_use", msgs[1].Body.Content[0].Type)
	}
	if msgs[2].Type != MessageResult {
		t.Errorf("last message type = %v, want result", msgs[2].Type)
	}
}

func TestEmitterFlushesTextBeforeTerminal(t *testing.T) {
	stream, em := newStream()
	em.text("trailing thought")
	em.finishResult("ok")

	msgs := stream.Collect(context.Background())
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if got := msgs[0].TextContent(); got != "trailing thought" {
		t.Errorf("flushed text = %q", got)
	}
	if !msgs[1].IsTerminal() {
		t.Error("last message should be terminal")
	}
}

func TestEmitterExactlyOneTerminal(t *testing.T) {
	stream, em := newStream()
	em.finishError("boom")
	// Double-finish must be idempotent: no second terminal, no panic.
	em.finishError("boom again")
	em.finishResult("late result")

	msgs := stream.Collect(context.Background())
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want exactly 1 terminal: %+v", len(msgs), msgs)
	}
	if msgs[0].Type != MessageError || msgs[0].Error != "boom" {
		t.Errorf("terminal = %+v, want first error", msgs[0])
	}
}

func TestEmitterDropsMessagesAfterTerminal(t *testing.T) {
	stream, em := newStream()
	em.finishResult("done")
	em.send(AssistantText("", "should be dropped"))

	msgs := stream.Collect(context.Background())
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
}

func TestEmitterSessionIDFirstWins(t *testing.T) {
	_, em := newStream()
	em.setSession("first")
	em.setSession("second")
	if got := em.session(); got != "first" {
		t.Errorf("session = %q, want %q", got, "first")
	}
}

func TestStreamNextCanceledContext(t *testing.T) {
	stream, _ := newStream()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, ok := stream.Next(ctx); ok {
		t.Error("Next() with canceled context should report not-ok")
	}
}

func TestMessageTextContent(t *testing.T) {
	m := Message{
		Type: MessageAssistant,
		Body: &MessageBody{
			Role: "assistant",
			Content: []ContentBlock{
				{Type: BlockText, Text: "a"},
				{Type: BlockToolUse, Name: "Read"},
				{Type: BlockText, Text: "b"},
			},
		},
	}
	if got := m.TextContent(); got != "ab" {
		t.Errorf("TextContent() = %q, want %q", got, "ab")
	}
}

func TestMessageJSONShape(t *testing.T) {
	m := ResultMessage("sess-1", "all done")
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var round map[string]any
	if err := json.Unmarshal(data, &round); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if round["type"] != "result" || round["session_id"] != "sess-1" {
		t.Errorf("unexpected wire shape: %s", data)
	}
}
