package policy

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/matheus-rech/meta-analysis-chatbot/internal/config"
)

// Policy represents local security policy and execution limits
type Policy struct {
	MaxCPU         int           // millicores
	MaxMemory      string        // e.g. "512M"
	MaxPIDs        int           // max process count
	MaxFDs         int           // max file descriptors
	DefaultTimeout time.Duration // default execution timeout
	EnvAllowlist   []string      // allowed env vars (if empty, all allowed)
	Commands       *CommandPolicy
	logger         *slog.Logger
}

// ExecutionLimits represents the final limits to apply to execution
type ExecutionLimits struct {
	MaxCPU    int           // millicores
	MaxMemory string        // e.g. "512M"
	MaxPIDs   int           // max process count
	MaxFDs    int           // max file descriptors
	Timeout   time.Duration // execution timeout
}

// Overrides are per-tool limits. Zero values mean "use the policy default".
type Overrides struct {
	MaxMemory string
	MaxPIDs   int
	MaxFDs    int
	Timeout   time.Duration
}

// DefaultEnvAllowlist is the environment handed to the interpreter
var DefaultEnvAllowlist = []string{
	"PATH", "HOME", "LANG", "LC_ALL", "LC_CTYPE", "TZ", "TMPDIR",
	"R_HOME", "R_LIBS", "R_LIBS_USER", "R_LIBS_SITE",
	"DEBUG_R",
}

// NewPolicy creates a new policy from config
func NewPolicy(cfg *config.Config) *Policy {
	return NewPolicyWithLogger(cfg, slog.Default())
}

// NewPolicyWithLogger creates a new policy from config with custom logger
func NewPolicyWithLogger(cfg *config.Config, logger *slog.Logger) *Policy {
	return &Policy{
		MaxCPU:         cfg.MaxCPU,
		MaxMemory:      cfg.MaxMemory,
		MaxPIDs:        cfg.MaxPIDs,
		MaxFDs:         cfg.MaxFDs,
		DefaultTimeout: cfg.Timeout,
		EnvAllowlist:   append([]string(nil), DefaultEnvAllowlist...),
		Commands:       NewCommandPolicy(logger),
		logger:         logger,
	}
}

// ApplyLimits merges policy limits with per-tool overrides (stricter wins)
func (p *Policy) ApplyLimits(o *Overrides) *ExecutionLimits {
	limits := &ExecutionLimits{
		MaxCPU:    p.MaxCPU,
		MaxMemory: p.MaxMemory,
		MaxPIDs:   p.MaxPIDs,
		MaxFDs:    p.MaxFDs,
		Timeout:   p.DefaultTimeout,
	}
	if o == nil {
		return limits
	}

	if o.MaxMemory != "" && isMoreRestrictiveMemory(o.MaxMemory, limits.MaxMemory) {
		limits.MaxMemory = o.MaxMemory
		p.logger.Debug("tool limit is stricter", slog.String("limit", "max_memory"))
	}

	if o.MaxPIDs > 0 && o.MaxPIDs < limits.MaxPIDs {
		limits.MaxPIDs = o.MaxPIDs
		p.logger.Debug("tool limit is stricter", slog.String("limit", "max_pids"))
	}

	if o.MaxFDs > 0 && o.MaxFDs < limits.MaxFDs {
		limits.MaxFDs = o.MaxFDs
		p.logger.Debug("tool limit is stricter", slog.String("limit", "max_fds"))
	}

	if o.Timeout > 0 && o.Timeout < limits.Timeout {
		limits.Timeout = o.Timeout
		p.logger.Debug("tool limit is stricter", slog.String("limit", "timeout"))
	}

	return limits
}

// ValidateEnv filters environment variables based on the allowlist
func (p *Policy) ValidateEnv(env map[string]string) map[string]string {
	if len(p.EnvAllowlist) == 0 {
		// If no allowlist, pass through all env vars
		return env
	}

	filtered := make(map[string]string)
	for _, key := range p.EnvAllowlist {
		if val, ok := env[key]; ok {
			filtered[key] = val
		}
	}

	return filtered
}

// MemoryBytes parses a limit such as "512M" or "2GiB"
func MemoryBytes(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("memory limit cannot be empty")
	}
	// Bare K/M/G suffixes are binary units here, as with ulimit
	switch last := s[len(s)-1]; last {
	case 'K', 'M', 'G', 'T':
		s += "iB"
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid memory limit %q: %w", s, err)
	}
	return n, nil
}

// isMoreRestrictiveMemory compares memory limits and returns true if new is more restrictive
func isMoreRestrictiveMemory(newLimit, currentLimit string) bool {
	newVal, err := MemoryBytes(newLimit)
	if err != nil || newVal == 0 {
		return false // Invalid format, don't override
	}
	currentVal, err := MemoryBytes(currentLimit)
	if err != nil || currentVal == 0 {
		return false
	}

	return newVal < currentVal
}
