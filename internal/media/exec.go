package media

import (
	"os/exec"
	"syscall"
	"time"
)

// setProcessGroup makes the command the leader of a new process group and
// arranges for cancellation to kill the whole group. The external tools spawn
// helpers of their own; killing only the parent would leave orphans holding a
// worker's resources.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second
}
