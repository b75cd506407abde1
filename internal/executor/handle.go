package executor

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// State is a process lifecycle state
type State int

const (
	StateRejected State = iota
	StateSpawned
	StateRunning
	StateExited
	StateTimeoutTerminated
	StateTimeoutKilled
	StateReaped
)

func (s State) String() string {
	switch s {
	case StateRejected:
		return "rejected"
	case StateSpawned:
		return "spawned"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateTimeoutTerminated:
		return "timeout_terminated"
	case StateTimeoutKilled:
		return "timeout_killed"
	case StateReaped:
		return "reaped"
	default:
		return "unknown"
	}
}

// Handle is a running process owned by the executor
type Handle struct {
	PID     int
	Argv    []string
	Started time.Time

	mu         sync.Mutex
	state      State
	rss        uint64
	cpuPercent float64

	stdout *cappedBuffer
	stderr *cappedBuffer

	done   chan struct{}
	result *Result
	err    error
}

// Done is closed once the process has been reaped
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the process has been reaped
func (h *Handle) Wait() (*Result, error) {
	<-h.done
	return h.result, h.err
}

// State returns the current lifecycle state
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) setState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// sample refreshes resource usage for the tracked-process listing
func (h *Handle) sample(ctx context.Context) {
	if !alive(ctx, h.PID) {
		return
	}
	p, err := process.NewProcessWithContext(ctx, int32(h.PID))
	if err != nil {
		return
	}
	mem, memErr := p.MemoryInfoWithContext(ctx)
	cpu, cpuErr := p.CPUPercentWithContext(ctx)

	h.mu.Lock()
	defer h.mu.Unlock()
	if memErr == nil && mem != nil {
		h.rss = mem.RSS
	}
	if cpuErr == nil {
		h.cpuPercent = cpu
	}
}

func (h *Handle) info() ProcessInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	return ProcessInfo{
		PID:        h.PID,
		Command:    strings.Join(quoteAll(h.Argv), " "),
		State:      h.state.String(),
		Started:    h.Started,
		RSSBytes:   h.rss,
		CPUPercent: h.cpuPercent,
	}
}

// alive reports whether pid still exists
func alive(ctx context.Context, pid int) bool {
	ok, err := process.PidExistsWithContext(ctx, int32(pid))
	return err == nil && ok
}
