package events

import (
	"strings"
	"testing"

	"github.com/devhaven/conductor/internal/terminal"
)

func TestChannelEmitter_Delivers(t *testing.T) {
	e := NewChannelEmitter(4)
	e.Emit("pipeline:step:started", map[string]any{"stepId": "review"})

	select {
	case ev := <-e.Events():
		if ev.Name != "pipeline:step:started" {
			t.Errorf("got event %q", ev.Name)
		}
	default:
		t.Fatal("expected a buffered event")
	}
}

func TestChannelEmitter_DropsWhenFull(t *testing.T) {
	e := NewChannelEmitter(1)
	e.Emit("a", nil)
	e.Emit("b", nil)

	if e.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", e.Dropped())
	}
	if ev := <-e.Events(); ev.Name != "a" {
		t.Errorf("first event should survive, got %q", ev.Name)
	}
}

func TestChannelEmitter_EmitAfterClose(t *testing.T) {
	e := NewChannelEmitter(1)
	e.Close()
	// Must not panic or block.
	e.Emit("late", nil)
	e.Close()
}

func TestLogEmitter_WritesEvent(t *testing.T) {
	terminal.SetColorsEnabled(false)
	defer terminal.SetColorsEnabled(true)

	var buf strings.Builder
	e := NewLogEmitter(terminal.NewLoggerTo(&buf))
	e.Emit("merge:ready", 42)

	if !strings.Contains(buf.String(), "merge:ready") {
		t.Errorf("log output missing event name: %q", buf.String())
	}
}

func TestDiscard_IsNoop(t *testing.T) {
	Discard.Emit("anything", struct{}{})
}
