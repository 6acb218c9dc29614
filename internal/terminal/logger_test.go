package terminal

import (
	"strings"
	"testing"
)

func TestLogger_TagAndMessage(t *testing.T) {
	SetColorsEnabled(false)
	defer SetColorsEnabled(true)

	var buf strings.Builder
	logger := NewLoggerTo(&buf)
	logger.Log("starting pipeline", StyleInfo)

	got := buf.String()
	if !strings.HasPrefix(got, "[conductor] ") {
		t.Errorf("expected [conductor] tag prefix, got %q", got)
	}
	if !strings.Contains(got, "starting pipeline") {
		t.Errorf("expected message in output, got %q", got)
	}
	if !strings.HasSuffix(got, "\n") {
		t.Errorf("expected trailing newline, got %q", got)
	}
}

func TestLogger_Logf(t *testing.T) {
	SetColorsEnabled(false)
	defer SetColorsEnabled(true)

	var buf strings.Builder
	NewLoggerTo(&buf).Logf(StyleWarning, "retry %d of %d", 2, 3)

	if !strings.Contains(buf.String(), "retry 2 of 3") {
		t.Errorf("expected formatted message, got %q", buf.String())
	}
}

func TestLogger_StylesAllRender(t *testing.T) {
	SetColorsEnabled(true)
	defer SetColorsEnabled(true)

	styles := []Style{StyleInfo, StyleSuccess, StyleWarning, StyleError, StyleDim, StylePhase}
	for _, style := range styles {
		var buf strings.Builder
		NewLoggerTo(&buf).Log("msg", style)
		if !strings.Contains(buf.String(), "conductor") || !strings.Contains(buf.String(), "msg") {
			t.Errorf("style %s: malformed output %q", style, buf.String())
		}
	}
}
