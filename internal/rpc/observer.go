package rpc

import (
	"github.com/matheus-rech/meta-analysis-chatbot/internal/audit"
	"github.com/matheus-rech/meta-analysis-chatbot/internal/executor"
)

// StateRecorder counts process lifecycle transitions
type StateRecorder interface {
	ProcessState(state string)
}

// ProcessObserver forwards executor lifecycle events to metrics and records
// the security-relevant ones
type ProcessObserver struct {
	Audit   Auditor
	Metrics StateRecorder
}

// ProcessEvent implements executor.Observer
func (o *ProcessObserver) ProcessEvent(ev executor.ProcessEvent) {
	if o.Metrics != nil {
		o.Metrics.ProcessState(ev.State.String())
	}
	if o.Audit == nil {
		return
	}

	details := map[string]any{"pid": ev.PID}
	if len(ev.Argv) > 0 {
		details["command"] = ev.Argv[0]
	}
	if ev.Err != nil {
		details["error"] = ev.Err.Error()
	}

	switch ev.State {
	case executor.StateRejected:
		o.Audit.LogEvent("COMMAND_REJECTED", audit.CategorySubprocess, audit.SeverityError, details, "")
	case executor.StateTimeoutKilled:
		details["duration"] = ev.Duration.String()
		o.Audit.LogEvent("PROCESS_KILLED", audit.CategorySubprocess, audit.SeverityWarning, details, "")
	}
}
