//go:build unix

package ffmpeg

import (
	"os/exec"
	"syscall"
)

// setProcessGroup starts ffmpeg in its own process group so a terminal
// Ctrl+C is delivered to us and not straight to the child.
func setProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}
