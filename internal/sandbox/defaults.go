package sandbox

import (
	"time"

	"github.com/matheus-rech/meta-analysis-chatbot/internal/policy"
)

// Limits every interpreter process runs under when configuration leaves a
// field unset
const (
	DefaultMaxCPU    = 1000 // millicores
	DefaultMaxMemory = "2G"
	DefaultMaxPIDs   = 64
	DefaultMaxFDs    = 256
	DefaultTimeout   = 300 * time.Second
)

// SafeDefaults returns the fallback limits
func SafeDefaults() *policy.ExecutionLimits {
	return &policy.ExecutionLimits{
		MaxCPU:    DefaultMaxCPU,
		MaxMemory: DefaultMaxMemory,
		MaxPIDs:   DefaultMaxPIDs,
		MaxFDs:    DefaultMaxFDs,
		Timeout:   DefaultTimeout,
	}
}

// WithDefaults returns a copy of limits with every unset or invalid field
// replaced by its default. It never returns nil, so no process is spawned
// without a timeout.
func WithDefaults(limits *policy.ExecutionLimits) *policy.ExecutionLimits {
	out := SafeDefaults()
	if limits == nil {
		return out
	}

	if limits.MaxCPU > 0 {
		out.MaxCPU = limits.MaxCPU
	}
	if _, err := policy.MemoryBytes(limits.MaxMemory); err == nil {
		out.MaxMemory = limits.MaxMemory
	}
	if limits.MaxPIDs > 0 {
		out.MaxPIDs = limits.MaxPIDs
	}
	if limits.MaxFDs > 0 {
		out.MaxFDs = limits.MaxFDs
	}
	if limits.Timeout > 0 {
		out.Timeout = limits.Timeout
	}
	return out
}
