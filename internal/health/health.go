// Package health reports gateway and host health for the health method and
// the doctor command.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/matheus-rech/meta-analysis-chatbot/internal/executor"
	"github.com/matheus-rech/meta-analysis-chatbot/internal/policy"
)

// Server identity reported by the health method
const (
	ServerName    = "meta-analysis-mcp"
	ServerVersion = "1.0.0"
)

// Status of one check
type Status string

const (
	StatusOK       Status = "ok"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
	StatusError    Status = "error"
)

// Overall health
const (
	Healthy   = "healthy"
	Degraded  = "degraded"
	Unhealthy = "unhealthy"
)

const historySize = 10

// Response is the result of the health RPC method
type Response struct {
	Status    string `json:"status"`
	Server    string `json:"server"`
	Version   string `json:"version"`
	Timestamp string `json:"timestamp"`
}

// Ping builds the health method response. The timestamp is Unix seconds
// rendered as a decimal string.
func Ping(now time.Time) Response {
	secs := float64(now.UnixNano()) / float64(time.Second)
	return Response{
		Status:    Healthy,
		Server:    ServerName,
		Version:   ServerVersion,
		Timestamp: fmt.Sprintf("%.6f", secs),
	}
}

// Resource is one usage gauge
type Resource struct {
	Percent   float64 `json:"percent"`
	Available string  `json:"available,omitempty"`
	Status    Status  `json:"status"`
}

// HostInfo identifies the machine
type HostInfo struct {
	Hostname string `json:"hostname"`
	OS       string `json:"os"`
	Platform string `json:"platform"`
	Uptime   string `json:"uptime"`
}

// System is the host resource report
type System struct {
	CPU    Resource  `json:"cpu"`
	Memory Resource  `json:"memory"`
	Disk   Resource  `json:"disk"`
	Host   *HostInfo `json:"host,omitempty"`
	Error  string    `json:"error,omitempty"`
	Status Status    `json:"status"`
}

// Directory is the state of a directory the gateway writes to
type Directory struct {
	Path     string `json:"path"`
	Exists   bool   `json:"exists"`
	Writable bool   `json:"writable"`
	Status   Status `json:"status"`
}

// Interpreter is the result of probing the R interpreter
type Interpreter struct {
	Available bool   `json:"available"`
	Version   string `json:"version,omitempty"`
	Error     string `json:"error,omitempty"`
	Status    Status `json:"status"`
}

// HistoryEntry is a past overall status
type HistoryEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status"`
}

// Report is the detailed health report
type Report struct {
	Timestamp   time.Time            `json:"timestamp"`
	Checks      int                  `json:"checks_performed"`
	System      System               `json:"system"`
	Interpreter *Interpreter         `json:"r_backend,omitempty"`
	Directories map[string]Directory `json:"directories"`
	Overall     string               `json:"overall_status"`
	History     []HistoryEntry       `json:"history"`
}

// Config configures a Checker
type Config struct {
	Directories map[string]string // name -> path
	Interpreter string            // interpreter binary; empty skips the probe
	DiskPath    string
	Executor    executor.Executor
	Logger      *slog.Logger
}

// Checker builds health reports and keeps a short status history
type Checker struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	checks  int
	history []HistoryEntry
}

// NewChecker creates a Checker
func NewChecker(cfg Config) *Checker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DiskPath == "" {
		cfg.DiskPath = string(filepath.Separator)
	}
	return &Checker{cfg: cfg, logger: logger}
}

// Check runs every check and returns the report
func (c *Checker) Check(ctx context.Context) *Report {
	r := &Report{
		Timestamp:   time.Now().UTC(),
		System:      c.system(ctx),
		Directories: c.directories(),
	}
	if c.cfg.Interpreter != "" && c.cfg.Executor != nil {
		r.Interpreter = c.interpreter(ctx)
	}

	statuses := []Status{r.System.Status}
	for _, d := range r.Directories {
		statuses = append(statuses, d.Status)
	}
	if r.Interpreter != nil {
		statuses = append(statuses, r.Interpreter.Status)
	}
	r.Overall = overall(statuses)

	c.mu.Lock()
	c.checks++
	r.Checks = c.checks
	c.history = append(c.history, HistoryEntry{Timestamp: r.Timestamp, Status: r.Overall})
	if len(c.history) > historySize {
		c.history = c.history[len(c.history)-historySize:]
	}
	r.History = append([]HistoryEntry(nil), c.history...)
	c.mu.Unlock()

	return r
}

func overall(statuses []Status) string {
	result := Healthy
	for _, s := range statuses {
		switch s {
		case StatusError, StatusCritical:
			return Unhealthy
		case StatusWarning:
			result = Degraded
		}
	}
	return result
}

// level grades a usage percentage
func level(percent float64) Status {
	switch {
	case percent >= 95:
		return StatusCritical
	case percent >= 80:
		return StatusWarning
	default:
		return StatusOK
	}
}

func (c *Checker) system(ctx context.Context) System {
	var s System
	var errs []string

	if pcts, err := cpu.PercentWithContext(ctx, 200*time.Millisecond, false); err == nil && len(pcts) > 0 {
		s.CPU = Resource{Percent: pcts[0], Status: level(pcts[0])}
	} else {
		errs = append(errs, fmt.Sprintf("cpu: %v", err))
		s.CPU.Status = StatusError
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		s.Memory = Resource{Percent: vm.UsedPercent, Available: humanize.IBytes(vm.Available), Status: level(vm.UsedPercent)}
	} else {
		errs = append(errs, fmt.Sprintf("memory: %v", err))
		s.Memory.Status = StatusError
	}

	if du, err := disk.UsageWithContext(ctx, c.cfg.DiskPath); err == nil {
		s.Disk = Resource{Percent: du.UsedPercent, Available: humanize.IBytes(du.Free), Status: level(du.UsedPercent)}
	} else {
		errs = append(errs, fmt.Sprintf("disk: %v", err))
		s.Disk.Status = StatusError
	}

	if hi, err := host.InfoWithContext(ctx); err == nil {
		s.Host = &HostInfo{
			Hostname: hi.Hostname,
			OS:       hi.OS,
			Platform: strings.TrimSpace(hi.Platform + " " + hi.PlatformVersion),
			Uptime:   (time.Duration(hi.Uptime) * time.Second).String(),
		}
	}

	// Usage that cannot be read degrades the report but does not fail it
	s.Status = StatusOK
	for _, r := range []Resource{s.CPU, s.Memory, s.Disk} {
		switch r.Status {
		case StatusCritical:
			s.Status = StatusCritical
		case StatusWarning, StatusError:
			if s.Status == StatusOK {
				s.Status = StatusWarning
			}
		}
	}
	if len(errs) > 0 {
		s.Error = strings.Join(errs, "; ")
		c.logger.Warn("failed to read system resources", slog.String("error", s.Error))
	}
	return s
}

func (c *Checker) directories() map[string]Directory {
	out := make(map[string]Directory, len(c.cfg.Directories))
	for name, path := range c.cfg.Directories {
		d := Directory{Path: path, Status: StatusError}
		info, err := os.Stat(path)
		if err == nil && info.IsDir() {
			d.Exists = true
			d.Writable = writable(path)
		}
		if d.Exists && d.Writable {
			d.Status = StatusOK
		}
		out[name] = d
	}
	return out
}

// writable probes dir by creating and removing a temp file
func writable(dir string) bool {
	f, err := os.CreateTemp(dir, ".health-*")
	if err != nil {
		return false
	}
	name := f.Name()
	f.Close()       //nolint:errcheck // probe file
	os.Remove(name) //nolint:errcheck // probe file
	return true
}

func (c *Checker) interpreter(ctx context.Context) *Interpreter {
	res, err := c.cfg.Executor.Run(ctx, executor.Command{
		Argv:   []string{c.cfg.Interpreter, "--version"},
		Limits: &policy.ExecutionLimits{Timeout: 5 * time.Second},
	})
	if err != nil {
		c.logger.Warn("interpreter probe failed", slog.String("error", err.Error()))
		return &Interpreter{Error: err.Error(), Status: StatusError}
	}
	return &Interpreter{Available: true, Version: parseVersion(res), Status: StatusOK}
}

// parseVersion finds the version banner, which R prints on stderr
func parseVersion(res *executor.Result) string {
	for _, stream := range [][]byte{res.Stderr, res.Stdout} {
		for _, line := range strings.Split(string(stream), "\n") {
			if strings.Contains(strings.ToLower(line), "version") {
				return strings.TrimSpace(line)
			}
		}
	}
	return "unknown"
}
