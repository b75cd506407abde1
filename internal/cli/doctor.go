package cli

import (
	"context"
	"fmt"
	"io"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/matheus-rech/meta-analysis-chatbot/internal/health"
	"github.com/matheus-rech/meta-analysis-chatbot/internal/sandbox"
)

func init() {
	doctorCmd.RunE = runDoctor
}

// doctorReport is the JSON output of the doctor command
type doctorReport struct {
	Sandbox sandbox.DiagnosticInfo `json:"sandbox"`
	Health  *health.Report         `json:"health"`
}

func runDoctor(cmd *cobra.Command, args []string) error {
	logger := createLogger(cfg.LogLevel)
	g, err := newGateway(cfg, logger)
	if err != nil {
		return err
	}
	defer g.close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	report := doctorReport{Sandbox: sandbox.Diagnose(), Health: g.health.Check(ctx)}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, report)
	}
	outputDoctorText(out, &report)
	if report.Health.Overall == health.Unhealthy {
		return fmt.Errorf("gateway is %s", report.Health.Overall)
	}
	return nil
}

func outputDoctorText(w io.Writer, r *doctorReport) {
	info := &r.Sandbox

	// Header
	fmt.Fprintf(w, "R Gateway Diagnostics\n")
	fmt.Fprintf(w, "=====================\n\n")

	// System Information
	fmt.Fprintf(w, "System Information:\n")
	fmt.Fprintf(w, "  OS:          %s\n", info.OS)
	fmt.Fprintf(w, "  Arch:        %s\n", info.Arch)
	fmt.Fprintf(w, "  Go Version:  %s\n", runtime.Version())
	if info.RunningAsRoot {
		fmt.Fprintf(w, "  Running as:  root/admin\n")
	} else {
		fmt.Fprintf(w, "  Running as:  non-root user\n")
	}
	if h := r.Health.System.Host; h != nil {
		fmt.Fprintf(w, "  Host:        %s (%s, up %s)\n", h.Hostname, h.Platform, h.Uptime)
	}
	fmt.Fprintln(w)

	// Capabilities
	fmt.Fprintf(w, "Sandbox Capabilities (%s):\n", info.Sandbox)
	caps := info.Capabilities
	printCapability(w, "CPU Limiting", caps.CPULimit)
	printCapability(w, "Memory Limiting", caps.MemoryLimit)
	printCapability(w, "PID Limiting", caps.PIDLimit)
	printCapability(w, "File Descriptor Limiting", caps.FDLimit)
	printCapability(w, "Process Group Termination", caps.ProcessGroup)
	printCapability(w, "Cgroups", caps.Cgroups)
	if info.OS == "linux" {
		fmt.Fprintf(w, "  Cgroups Version: %s\n", info.CgroupsVersion)
	}
	fmt.Fprintln(w)

	// Resources
	sys := r.Health.System
	fmt.Fprintf(w, "Resources:\n")
	fmt.Fprintf(w, "  CPU:     %5.1f%%  [%s]\n", sys.CPU.Percent, sys.CPU.Status)
	fmt.Fprintf(w, "  Memory:  %5.1f%%  [%s]  %s available\n", sys.Memory.Percent, sys.Memory.Status, sys.Memory.Available)
	fmt.Fprintf(w, "  Disk:    %5.1f%%  [%s]  %s free\n", sys.Disk.Percent, sys.Disk.Status, sys.Disk.Available)
	fmt.Fprintln(w)

	// Directories
	fmt.Fprintf(w, "Directories:\n")
	for name, d := range r.Health.Directories {
		printCapability(w, fmt.Sprintf("%-13s %s", name, d.Path), d.Status == health.StatusOK)
	}
	fmt.Fprintln(w)

	// Interpreter
	if in := r.Health.Interpreter; in != nil {
		fmt.Fprintf(w, "R Interpreter:\n")
		if in.Available {
			printCapability(w, in.Version, true)
		} else {
			printCapability(w, "unavailable: "+in.Error, false)
		}
		fmt.Fprintln(w)
	}

	warnings := append(append([]string(nil), info.Warnings...), caps.Warnings...)
	if len(warnings) > 0 {
		fmt.Fprintf(w, "Warnings:\n")
		for _, msg := range warnings {
			fmt.Fprintf(w, "  [!] %s\n", msg)
		}
		fmt.Fprintln(w)
	}

	if len(info.Recommendations) > 0 {
		fmt.Fprintf(w, "Recommendations:\n")
		for _, msg := range info.Recommendations {
			fmt.Fprintf(w, "  [*] %s\n", msg)
		}
		fmt.Fprintln(w)
	}

	// Summary
	fmt.Fprintf(w, "Summary:\n")
	fmt.Fprintf(w, "  %d/%d sandbox features available\n", countEnabledCapabilities(caps), 6)
	fmt.Fprintf(w, "  Overall status: %s\n", r.Health.Overall)
}

func printCapability(w io.Writer, name string, enabled bool) {
	status := "✗"
	if enabled {
		status = "✓"
	}
	fmt.Fprintf(w, "  [%s] %s\n", status, name)
}

func countEnabledCapabilities(caps sandbox.Capabilities) int {
	count := 0
	for _, enabled := range []bool{caps.CPULimit, caps.MemoryLimit, caps.PIDLimit, caps.FDLimit, caps.ProcessGroup, caps.Cgroups} {
		if enabled {
			count++
		}
	}
	return count
}
