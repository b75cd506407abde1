//go:build unix

package executor

import (
	"errors"

	"golang.org/x/sys/unix"
)

// signalGroup signals the process group led by pid, falling back to the
// process itself when no group exists
func signalGroup(pid int, kill bool) error {
	sig := unix.SIGTERM
	if kill {
		sig = unix.SIGKILL
	}
	err := unix.Kill(-pid, sig)
	if errors.Is(err, unix.ESRCH) {
		err = unix.Kill(pid, sig)
	}
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}
