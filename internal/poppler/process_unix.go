//go:build !windows

package poppler

import (
	"os/exec"
	"syscall"
	"time"
)

// configureProcessGroup runs cmd in its own process group so a timeout kills
// pdftohtml together with anything it spawned.
func configureProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 2 * time.Second
}
