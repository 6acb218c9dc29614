package terminal

import (
	"fmt"
	"io"
	"os"
)

// Style represents a log message style.
type Style string

const (
	StyleInfo    Style = "info"
	StyleSuccess Style = "success"
	StyleWarning Style = "warning"
	StyleError   Style = "error"
	StyleDim     Style = "dim"
	StylePhase   Style = "phase"
)

// Logger provides styled logging to stderr.
type Logger struct {
	out io.Writer
}

// NewLogger creates a new logger writing to stderr.
func NewLogger() *Logger {
	return &Logger{out: os.Stderr}
}

// NewLoggerTo creates a logger writing to w. Used by tests and by services
// that capture their own output.
func NewLoggerTo(w io.Writer) *Logger {
	return &Logger{out: w}
}

// Log prints a styled log message.
func (l *Logger) Log(msg string, style Style) {
	styleColor := Cyan
	switch style {
	case StyleInfo:
		styleColor = Cyan
	case StyleSuccess:
		styleColor = Green
	case StyleWarning:
		styleColor = Yellow
	case StyleError:
		styleColor = Red
	case StyleDim:
		styleColor = Dim
	case StylePhase:
		styleColor = Magenta + Bold
	}

	tag := fmt.Sprintf("%s[%s%sconductor%s%s]%s",
		Color(Dim), Color(Reset), Color(styleColor), Color(Reset), Color(Dim), Color(Reset))
	fmt.Fprintf(l.out, "%s %s\n", tag, msg)
}

// Logf prints a formatted styled log message.
func (l *Logger) Logf(style Style, format string, args ...any) {
	l.Log(fmt.Sprintf(format, args...), style)
}

// Log prints a styled log message to stderr (package-level function).
func Log(msg string, style Style) {
	NewLogger().Log(msg, style)
}

// Logf prints a formatted styled log message to stderr (package-level function).
func Logf(style Style, format string, args ...any) {
	Log(fmt.Sprintf(format, args...), style)
}
