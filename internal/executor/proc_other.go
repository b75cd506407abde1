//go:build !unix

package executor

import "os"

// signalGroup has no process groups to target here; it always kills pid
func signalGroup(pid int, kill bool) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	return p.Kill()
}
