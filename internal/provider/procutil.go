package provider

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
)

const (
	// scannerInitialBuffer is the initial buffer size for line scanning (64KB).
	scannerInitialBuffer = 64 * 1024
	// scannerMaxLineSize is the maximum line size the scanner accepts (100MB).
	scannerMaxLineSize = 100 * 1024 * 1024

	// exitCodeSIGTERM is the conventional exit code for a SIGTERM-killed
	// process (128 + 15).
	exitCodeSIGTERM = 143
)

// subprocess manages one spawned backend CLI: stdout line stream, buffered
// stderr for diagnostics, and process-group termination on cancel.
type subprocess struct {
	providerName string
	cmd          *exec.Cmd
	stdout       io.ReadCloser
	stderr       *bytes.Buffer

	killOnce sync.Once
	waitDone chan struct{}
}

// startSubprocess spawns exactly one child process for a query call.
// The process runs in its own group so cancellation can terminate the whole
// tree. Canceling ctx sends SIGTERM to the group; double-cancel is a no-op.
func startSubprocess(ctx context.Context, providerName, binary string, args []string, dir string, extraEnv []string, stdin io.Reader) (*subprocess, error) {
	// #nosec G204 - binary is always one of the known agent CLIs resolved
	// by the adapter, not user input.
	cmd := exec.Command(binary, args...)
	if dir != "" {
		cmd.Dir = dir
	}
	if stdin != nil {
		cmd.Stdin = stdin
	}
	if len(extraEnv) > 0 {
		cmd.Env = append(os.Environ(), extraEnv...)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, NewError(KindSpawn, providerName, "failed to create stdout pipe", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, NewError(KindSpawn, providerName, fmt.Sprintf("failed to start %s (is it installed and on PATH?)", binary), err)
	}

	p := &subprocess{
		providerName: providerName,
		cmd:          cmd,
		stdout:       stdout,
		stderr:       stderr,
		waitDone:     make(chan struct{}),
	}

	go func() {
		select {
		case <-ctx.Done():
			p.terminate()
		case <-p.waitDone:
		}
	}()

	return p, nil
}

// terminate sends SIGTERM to the process group. Safe to call repeatedly and
// from multiple goroutines.
func (p *subprocess) terminate() {
	p.killOnce.Do(func() {
		if p.cmd.Process != nil {
			// Negative PID targets the whole group. Errors are ignored;
			// the process may have already exited.
			_ = syscall.Kill(-p.cmd.Process.Pid, syscall.SIGTERM)
		}
	})
}

// wait reaps the process and returns its exit code. 0 means success, -1
// means the process could not be waited on.
func (p *subprocess) wait() int {
	defer close(p.waitDone)
	err := p.cmd.Wait()
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}

// scanner returns a line scanner over stdout sized for large JSON lines.
func (p *subprocess) scanner() *bufio.Scanner {
	sc := bufio.NewScanner(p.stdout)
	sc.Buffer(make([]byte, 0, scannerInitialBuffer), scannerMaxLineSize)
	return sc
}

// stderrText returns the trimmed stderr collected so far.
func (p *subprocess) stderrText() string {
	return strings.TrimSpace(p.stderr.String())
}

// classifyBackendFailure turns a non-zero exit into a classified error
// message using collected stderr. Auth and rate-limit failures are
// recognized by stderr content so callers can re-auth or back off instead
// of treating everything as fatal.
func classifyBackendFailure(providerName string, exitCode int, stderr string) *Error {
	e := classifyBackendFailureText(providerName, stderr)
	e.Message = describeExit(exitCode, stderr)
	return e
}

// classifyBackendFailureText classifies a failure by its wording alone.
func classifyBackendFailureText(providerName, text string) *Error {
	lower := strings.ToLower(text)

	switch {
	case strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "quota") ||
		strings.Contains(lower, "usage limit") ||
		strings.Contains(lower, "429"):
		return NewError(KindRateLimit, providerName, text, nil)
	case strings.Contains(lower, "unauthorized") ||
		strings.Contains(lower, "not logged in") ||
		strings.Contains(lower, "api key") ||
		strings.Contains(lower, "authentication") ||
		strings.Contains(lower, "401"):
		return NewError(KindAuth, providerName, text, nil)
	default:
		return NewError(KindProtocol, providerName, text, nil)
	}
}

// describeExit synthesizes a human-readable failure message from the exit
// code and stderr when the backend produced no explicit error message.
func describeExit(exitCode int, stderr string) string {
	if stderr == "" {
		return fmt.Sprintf("process exited with code %d", exitCode)
	}
	return fmt.Sprintf("process exited with code %d: %s", exitCode, stderr)
}

// finishFromExit ends a stream after the stdout scan completes.
//
// Precedence: an explicit terminal already sent by the backend wins; then
// caller cancellation (including SIGTERM/143 exits) is reported as a single
// "canceled" error rather than a failure; then non-zero exits synthesize a
// classified error from stderr; otherwise fallbackResult becomes the
// terminal result.
func finishFromExit(ctx context.Context, em *emitter, providerName string, exitCode int, stderr string, sawTerminal bool, fallbackResult string) {
	if sawTerminal {
		em.close()
		return
	}
	if ctx.Err() != nil || exitCode == exitCodeSIGTERM {
		em.finishError("query canceled")
		return
	}
	if exitCode != 0 {
		em.finishError(classifyBackendFailure(providerName, exitCode, stderr).Error())
		return
	}
	em.finishResult(fallbackResult)
}
