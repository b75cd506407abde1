//go:build linux

package sandbox

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/matheus-rech/meta-analysis-chatbot/internal/policy"
)

func init() {
	platformNewSandbox = func(logger *slog.Logger) Sandbox {
		return newLinuxSandbox(logger)
	}
}

// LinuxSandbox confines R processes with a dedicated process group, rlimits
// applied through prlimit(2), and best-effort cgroups v2 limits.
type LinuxSandbox struct {
	useCgroupsV2   bool
	cgroupRoot     string
	mu             sync.Mutex
	logger         *slog.Logger
	trackedCgroups map[int]string // pid -> cgroup path for cleanup
}

func newLinuxSandbox(logger *slog.Logger) *LinuxSandbox {
	if logger == nil {
		logger = slog.Default()
	}
	ls := &LinuxSandbox{
		cgroupRoot:     "/sys/fs/cgroup",
		logger:         logger,
		trackedCgroups: make(map[int]string),
	}

	if _, err := os.Stat(filepath.Join(ls.cgroupRoot, "cgroup.controllers")); err == nil {
		ls.useCgroupsV2 = true
		logger.Debug("cgroups v2 detected")
	} else {
		logger.Debug("cgroups v2 not available - resource limits will use rlimits only")
	}

	return ls
}

// Apply puts the child in its own process group so the executor can signal
// the interpreter together with anything it forks. Rlimits are applied in
// PostStart because SysProcAttr cannot carry them.
func (s *LinuxSandbox) Apply(cmd *exec.Cmd, limits *policy.ExecutionLimits) error {
	if cmd == nil || limits == nil {
		return fmt.Errorf("command and limits cannot be nil")
	}

	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true

	return nil
}

// PostStart applies prlimits and cgroups v2 assignment to the running child
func (s *LinuxSandbox) PostStart(pid int, limits *policy.ExecutionLimits) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid: %d", pid)
	}
	if limits == nil {
		return fmt.Errorf("limits cannot be nil")
	}

	if err := s.applyPrlimits(pid, limits); err != nil {
		s.logger.Debug("prlimit application failed (non-critical)", slog.String("error", err.Error()))
	}

	if s.useCgroupsV2 {
		if err := s.applyCgroupsV2(pid, limits); err != nil {
			s.logger.Debug("cgroups v2 application failed (non-critical)", slog.String("error", err.Error()))
		}
	}
	return nil
}

// Cleanup releases sandbox resources for a process.
func (s *LinuxSandbox) Cleanup(pid int) error {
	s.mu.Lock()
	cgroupPath, exists := s.trackedCgroups[pid]
	if !exists {
		s.mu.Unlock()
		return nil
	}
	delete(s.trackedCgroups, pid)
	s.mu.Unlock()

	if err := os.Remove(cgroupPath); err != nil {
		s.logger.Debug("failed to cleanup cgroup", slog.String("path", cgroupPath), slog.String("error", err.Error()))
		return nil
	}

	s.logger.Debug("cgroup cleaned up", slog.String("path", cgroupPath))
	return nil
}

// applyPrlimits applies rlimits to a running process via prlimit(2)
func (s *LinuxSandbox) applyPrlimits(pid int, limits *policy.ExecutionLimits) error {
	// RLIMIT_CPU: CPU seconds the interpreter may burn within its wall-clock budget
	if limits.MaxCPU > 0 && limits.Timeout > 0 {
		cpuSeconds := uint64(limits.Timeout.Seconds() * float64(limits.MaxCPU) / 1000.0)
		if cpuSeconds < 1 {
			cpuSeconds = 1
		}
		rlim := unix.Rlimit{Cur: cpuSeconds, Max: cpuSeconds}
		if err := unix.Prlimit(pid, unix.RLIMIT_CPU, &rlim, nil); err != nil {
			s.logger.Debug("prlimit RLIMIT_CPU failed", slog.String("error", err.Error()))
		} else {
			s.logger.Debug("RLIMIT_CPU set via prlimit", slog.Uint64("seconds", cpuSeconds))
		}
	}

	// RLIMIT_AS is not used: it caps virtual address space, and R maps far
	// more than it touches. Memory is enforced through memory.max instead.

	if limits.MaxPIDs > 0 {
		rlim := unix.Rlimit{Cur: uint64(limits.MaxPIDs), Max: uint64(limits.MaxPIDs)}
		if err := unix.Prlimit(pid, unix.RLIMIT_NPROC, &rlim, nil); err != nil {
			s.logger.Debug("prlimit RLIMIT_NPROC failed", slog.String("error", err.Error()))
		}
	}

	if limits.MaxFDs > 0 {
		rlim := unix.Rlimit{Cur: uint64(limits.MaxFDs), Max: uint64(limits.MaxFDs)}
		if err := unix.Prlimit(pid, unix.RLIMIT_NOFILE, &rlim, nil); err != nil {
			s.logger.Debug("prlimit RLIMIT_NOFILE failed", slog.String("error", err.Error()))
		}
	}

	return nil
}

// applyCgroupsV2 moves pid into a dedicated cgroup and writes its limits
func (s *LinuxSandbox) applyCgroupsV2(pid int, limits *policy.ExecutionLimits) error {
	cgroupPath := filepath.Join(s.cgroupRoot, fmt.Sprintf("rgateway-%d", pid))

	if err := os.Mkdir(cgroupPath, 0o755); err != nil {
		return fmt.Errorf("cannot create cgroup directory (may require elevated privileges): %w", err)
	}

	if err := os.WriteFile(filepath.Join(cgroupPath, "cgroup.procs"), []byte(strconv.Itoa(pid)), 0o644); err != nil {
		os.Remove(cgroupPath) //nolint:errcheck // best effort
		return fmt.Errorf("cannot add process to cgroup: %w", err)
	}

	s.mu.Lock()
	s.trackedCgroups[pid] = cgroupPath
	s.mu.Unlock()

	if limits.MaxCPU > 0 {
		period := int64(100000)
		quota, err := calculateCPUQuota(limits.MaxCPU, period)
		if err == nil {
			s.writeCgroupValue(cgroupPath, "cpu.max", fmt.Sprintf("%d %d", quota, period))
		}
	}

	if limits.MaxMemory != "" {
		if memBytes, err := policy.MemoryBytes(limits.MaxMemory); err == nil && memBytes > 0 {
			s.writeCgroupValue(cgroupPath, "memory.max", strconv.FormatUint(memBytes, 10))
		}
	}

	if limits.MaxPIDs > 0 {
		s.writeCgroupValue(cgroupPath, "pids.max", strconv.Itoa(limits.MaxPIDs))
	}

	return nil
}

func (s *LinuxSandbox) writeCgroupValue(cgroupPath, file, value string) {
	if err := os.WriteFile(filepath.Join(cgroupPath, file), []byte(value), 0o644); err != nil {
		s.logger.Debug("failed to set cgroup value", slog.String("file", file), slog.String("error", err.Error()))
		return
	}
	s.logger.Debug("cgroup value set", slog.String("file", file), slog.String("value", value))
}

// Capabilities returns what this sandbox can enforce
func (s *LinuxSandbox) Capabilities() Capabilities {
	caps := Capabilities{
		CPULimit:     true,
		MemoryLimit:  s.useCgroupsV2,
		PIDLimit:     true,
		FDLimit:      true,
		ProcessGroup: true,
		Cgroups:      s.useCgroupsV2,
	}

	if !s.useCgroupsV2 {
		caps.Warnings = append(caps.Warnings,
			"[DEGRADED] cgroups v2 not available - memory limit not enforced, CPU limited by RLIMIT_CPU only",
		)
	}
	if os.Geteuid() != 0 && s.useCgroupsV2 {
		caps.Warnings = append(caps.Warnings,
			"[INFO] cgroups v2 limits need a writable /sys/fs/cgroup (root or delegated subtree)",
		)
	}

	return caps
}

// Name returns the sandbox implementation name
func (s *LinuxSandbox) Name() string {
	return "linux"
}

// calculateCPUQuota converts millicores to the cgroups v2 cpu.max quota.
// Example: 500 millicores with a 100ms period = 50000 microseconds.
func calculateCPUQuota(millicores int, period int64) (int64, error) {
	if millicores <= 0 {
		return 0, fmt.Errorf("millicores must be positive: got %d", millicores)
	}

	if period <= 0 {
		return 0, fmt.Errorf("period must be positive: got %d", period)
	}

	return (int64(millicores) * period) / 1000, nil
}
