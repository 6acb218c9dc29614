package terminal

import "testing"

func TestColor_RespectsGlobalToggle(t *testing.T) {
	defer SetColorsEnabled(true)

	SetColorsEnabled(true)
	if got := Color(Red); got != Red {
		t.Errorf("enabled: Color(Red) = %q, want %q", got, Red)
	}

	SetColorsEnabled(false)
	if got := Color(Red); got != "" {
		t.Errorf("disabled: Color(Red) = %q, want empty", got)
	}
}

func TestColorsEnabled_TracksSetter(t *testing.T) {
	defer SetColorsEnabled(true)

	SetColorsEnabled(false)
	if ColorsEnabled() {
		t.Error("ColorsEnabled should be false after disabling")
	}
	SetColorsEnabled(true)
	if !ColorsEnabled() {
		t.Error("ColorsEnabled should be true after enabling")
	}
}

func TestIsTTY_PipeIsNotTTY(t *testing.T) {
	// Test processes run with piped std streams.
	if IsTTY(-1) {
		t.Error("invalid fd should not be a TTY")
	}
}
