package sandbox

import (
	"log/slog"
	"os"
	"os/exec"
	"runtime"

	"github.com/matheus-rech/meta-analysis-chatbot/internal/policy"
)

// Sandbox confines interpreter processes spawned by the executor
type Sandbox interface {
	// Apply applies sandbox constraints to a command before execution.
	Apply(cmd *exec.Cmd, limits *policy.ExecutionLimits) error

	// PostStart applies restrictions that require the child PID (prlimit, cgroups).
	PostStart(pid int, limits *policy.ExecutionLimits) error

	// Cleanup releases sandbox resources held for a process.
	Cleanup(pid int) error

	// Capabilities returns what this sandbox can enforce
	Capabilities() Capabilities

	// Name returns the sandbox implementation name
	Name() string
}

// Capabilities describes what isolation features are available
type Capabilities struct {
	CPULimit     bool
	MemoryLimit  bool
	PIDLimit     bool
	FDLimit      bool
	ProcessGroup bool // children share a killable process group
	Cgroups      bool
	RequiresRoot bool
	Warnings     []string
}

// New creates a platform-specific sandbox
func New() Sandbox {
	return NewWithLogger(slog.Default())
}

// NewWithLogger creates a platform-specific sandbox with a custom logger
func NewWithLogger(logger *slog.Logger) Sandbox {
	if sb := platformNewSandbox(logger); sb != nil {
		return sb
	}

	// Fallback to no-op sandbox for unsupported platforms
	return &NoOpSandbox{}
}

// platformNewSandbox is replaced by platform files via build tags
var platformNewSandbox = func(logger *slog.Logger) Sandbox {
	return nil
}

// NoOpSandbox performs no isolation
type NoOpSandbox struct{}

func (s *NoOpSandbox) Apply(cmd *exec.Cmd, limits *policy.ExecutionLimits) error {
	return nil
}

func (s *NoOpSandbox) PostStart(pid int, limits *policy.ExecutionLimits) error {
	return nil
}

func (s *NoOpSandbox) Cleanup(pid int) error {
	return nil
}

func (s *NoOpSandbox) Capabilities() Capabilities {
	return Capabilities{
		Warnings: []string{"Platform does not support sandboxing features"},
	}
}

func (s *NoOpSandbox) Name() string {
	return "noop"
}

// DiagnosticInfo contains system capability information for diagnostics
type DiagnosticInfo struct {
	OS              string       `json:"os"`
	Arch            string       `json:"arch"`
	Sandbox         string       `json:"sandbox"`
	Capabilities    Capabilities `json:"capabilities"`
	RunningAsRoot   bool         `json:"running_as_root"`
	CgroupsVersion  string       `json:"cgroups_version,omitempty"`
	Recommendations []string     `json:"recommendations,omitempty"`
	Warnings        []string     `json:"warnings,omitempty"`
}

// Diagnose returns diagnostic information about the current system
func Diagnose() DiagnosticInfo {
	info := DiagnosticInfo{
		OS:   runtime.GOOS,
		Arch: runtime.GOARCH,
	}

	info.RunningAsRoot = os.Geteuid() == 0

	sb := New()
	info.Sandbox = sb.Name()
	info.Capabilities = sb.Capabilities()

	switch runtime.GOOS {
	case "linux":
		info.CgroupsVersion = detectCgroupsVersion()
		if info.RunningAsRoot {
			info.Warnings = append(info.Warnings,
				"Running as root: the R interpreter inherits root privileges",
			)
		}
	case "windows":
		info.Warnings = append(info.Warnings,
			"Windows: no resource limits or process-group termination for R processes",
		)
	default:
		info.Recommendations = append(info.Recommendations,
			"Resource limits are only enforced on Linux; run the gateway in a Linux container for production",
		)
	}

	if !info.Capabilities.MemoryLimit {
		info.Recommendations = append(info.Recommendations,
			"Memory limit not enforceable - rely on container memory constraints",
		)
	}

	if !info.Capabilities.Cgroups && runtime.GOOS == "linux" {
		info.Recommendations = append(info.Recommendations,
			"cgroups v2 not writable - CPU and memory limits fall back to rlimits only",
		)
	}

	return info
}

// detectCgroupsVersion attempts to detect which cgroups version is available on Linux
func detectCgroupsVersion() string {
	if _, err := os.Stat("/sys/fs/cgroup/cgroup.controllers"); err == nil {
		return "v2"
	}

	if _, err := os.Stat("/sys/fs/cgroup/cpu"); err == nil {
		return "v1"
	}

	return "unavailable"
}
