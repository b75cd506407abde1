//go:build unix && !linux

package sandbox

import (
	"fmt"
	"log/slog"
	"os/exec"
	"syscall"

	"github.com/matheus-rech/meta-analysis-chatbot/internal/policy"
)

func init() {
	platformNewSandbox = func(logger *slog.Logger) Sandbox {
		return &UnixSandbox{logger: logger}
	}
}

// UnixSandbox only isolates the process group. Rlimits cannot be set on
// another process without prlimit(2), which is Linux-only.
type UnixSandbox struct {
	logger *slog.Logger
}

func (s *UnixSandbox) Apply(cmd *exec.Cmd, limits *policy.ExecutionLimits) error {
	if cmd == nil || limits == nil {
		return fmt.Errorf("command and limits cannot be nil")
	}
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
	return nil
}

func (s *UnixSandbox) PostStart(pid int, limits *policy.ExecutionLimits) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid: %d", pid)
	}
	return nil
}

func (s *UnixSandbox) Cleanup(pid int) error {
	return nil
}

func (s *UnixSandbox) Capabilities() Capabilities {
	return Capabilities{
		ProcessGroup: true,
		Warnings: []string{
			"[DEGRADED] resource limits are not enforced on this platform",
		},
	}
}

func (s *UnixSandbox) Name() string {
	return "unix"
}
