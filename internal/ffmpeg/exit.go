package ffmpeg

import (
	"errors"
	"fmt"
	"os/exec"
	"syscall"
)

// interruptExitCode is what ffmpeg returns after handling SIGINT/SIGTERM
// once it has finalized the output.
const interruptExitCode = 255

// ExitInfo describes how a process ended.
type ExitInfo struct {
	Code   int
	Signal string
	// Interrupted is true when the exit status shows ffmpeg was stopped by an
	// interrupt or termination signal rather than failing on its own.
	Interrupted bool
	Stderr      string
	Err         error
}

func (e *ExitInfo) Error() string {
	msg := fmt.Sprintf("ffmpeg exited with code %d", e.Code)
	if e.Signal != "" {
		msg = fmt.Sprintf("ffmpeg terminated by signal %s", e.Signal)
	}
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func classifyExit(err error) ExitInfo {
	if err == nil {
		return ExitInfo{}
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return ExitInfo{Code: -1, Err: err}
	}

	info := ExitInfo{Code: exitErr.ExitCode(), Err: err}
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		sig := status.Signal()
		info.Signal = sig.String()
		info.Interrupted = sig == syscall.SIGINT || sig == syscall.SIGTERM
		return info
	}

	info.Interrupted = info.Code == interruptExitCode
	return info
}
