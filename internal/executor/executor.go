package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/matheus-rech/meta-analysis-chatbot/internal/policy"
	"github.com/matheus-rech/meta-analysis-chatbot/internal/sandbox"
)

// Executor runs interpreter processes under the command policy
type Executor interface {
	// Run spawns the command and waits for it to finish
	Run(ctx context.Context, cmd Command) (*Result, error)
	// Start spawns the command under a monitor and returns immediately
	Start(ctx context.Context, cmd Command) (*Handle, error)
}

// Command is one interpreter invocation. Argv is an explicit argument
// vector; it is never joined into a shell string.
type Command struct {
	Argv   []string
	Dir    string
	Env    map[string]string // merged over the gateway environment, then filtered
	Limits *policy.ExecutionLimits
}

// Result describes a finished process
type Result struct {
	PID      int
	Argv     []string
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Duration time.Duration
	State    State
}

// ProcessEvent is emitted on every lifecycle transition. The last event for
// a process has State StateReaped and carries the final Outcome.
type ProcessEvent struct {
	PID      int
	Argv     []string
	State    State
	Outcome  State
	ExitCode int
	Duration time.Duration
	Err      error
}

// Observer receives process lifecycle events
type Observer interface {
	ProcessEvent(ev ProcessEvent)
}

// Options configures a SecureExecutor
type Options struct {
	MaxOutput    int64         // combined stdout+stderr ceiling in bytes
	GracePeriod  time.Duration // SIGTERM to SIGKILL delay
	PollInterval time.Duration // monitor liveness cadence
}

const (
	defaultMaxOutput    = 50 * 1024 * 1024
	defaultGracePeriod  = 5 * time.Second
	defaultPollInterval = 250 * time.Millisecond
)

// SecureExecutor spawns whitelisted commands inside the sandbox
type SecureExecutor struct {
	policy   *policy.Policy
	sandbox  sandbox.Sandbox
	opts     Options
	observer Observer
	logger   *slog.Logger

	mu      sync.Mutex
	tracked map[int]*Handle
}

// NewSecureExecutor creates an executor enforcing p
func NewSecureExecutor(p *policy.Policy, sb sandbox.Sandbox, opts Options) (*SecureExecutor, error) {
	if p == nil || p.Commands == nil {
		return nil, fmt.Errorf("policy cannot be nil")
	}
	if sb == nil {
		sb = sandbox.New()
	}
	if opts.MaxOutput <= 0 {
		opts.MaxOutput = defaultMaxOutput
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = defaultGracePeriod
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}

	return &SecureExecutor{
		policy:  p,
		sandbox: sb,
		opts:    opts,
		logger:  slog.Default(),
		tracked: make(map[int]*Handle),
	}, nil
}

// SetLogger sets the logger
func (e *SecureExecutor) SetLogger(logger *slog.Logger) {
	e.logger = logger
}

// SetObserver registers the lifecycle observer
func (e *SecureExecutor) SetObserver(o Observer) {
	e.observer = o
}

// Run spawns the command and waits for it to finish. A non-zero exit is an
// *ExitError; timeouts and oversized output are *Error with the matching Kind.
// The Result is returned alongside those errors when the process ran.
func (e *SecureExecutor) Run(ctx context.Context, cmd Command) (*Result, error) {
	h, err := e.Start(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return h.Wait()
}

// Start validates and spawns the command, then hands it to a monitor
// goroutine that enforces the timeout and reaps it.
func (e *SecureExecutor) Start(ctx context.Context, cmd Command) (*Handle, error) {
	argv, err := e.prepare(cmd.Argv)
	if err != nil {
		e.notify(ProcessEvent{Argv: cmd.Argv, State: StateRejected, Err: err})
		return nil, err
	}
	limits := sandbox.WithDefaults(cmd.Limits)

	c := exec.Command(argv[0], argv[1:]...)
	c.Dir = cmd.Dir
	c.Env = e.buildEnv(cmd.Env)
	c.Stdin = nil
	stdout := newCappedBuffer(e.opts.MaxOutput + 1)
	stderr := newCappedBuffer(e.opts.MaxOutput + 1)
	c.Stdout = stdout
	c.Stderr = stderr
	// Bound Wait when a grandchild keeps the output pipes open
	c.WaitDelay = e.opts.GracePeriod

	if err := e.sandbox.Apply(c, limits); err != nil {
		return nil, &Error{Kind: KindSpawn, Message: "sandbox setup failed", Err: err}
	}

	e.logger.Info("starting process",
		slog.String("command", strings.Join(quoteAll(argv), " ")),
		slog.String("dir", cmd.Dir),
		slog.Duration("timeout", limits.Timeout),
	)

	started := time.Now()
	if err := c.Start(); err != nil {
		spawnErr := &Error{Kind: KindSpawn, Message: fmt.Sprintf("failed to start %s", argv[0]), Err: err}
		e.notify(ProcessEvent{Argv: argv, State: StateRejected, Err: spawnErr})
		return nil, spawnErr
	}

	pid := c.Process.Pid
	if err := e.sandbox.PostStart(pid, limits); err != nil {
		e.logger.Debug("sandbox post-start failed (non-critical)", slog.Int("pid", pid), slog.String("error", err.Error()))
	}

	h := &Handle{
		PID:     pid,
		Argv:    argv,
		Started: started,
		done:    make(chan struct{}),
		stdout:  stdout,
		stderr:  stderr,
	}
	h.setState(StateSpawned)
	e.track(h)
	e.notify(ProcessEvent{PID: pid, Argv: argv, State: StateSpawned})

	h.setState(StateRunning)
	go e.monitor(ctx, c, h, limits.Timeout)

	return h, nil
}

// prepare normalizes argv and checks it against the command policy
func (e *SecureExecutor) prepare(argv []string) ([]string, error) {
	if len(argv) == 0 {
		return nil, &Error{Kind: KindPolicy, Message: "empty command"}
	}

	args, _, err := SanitizeArguments(argv[1:])
	if err != nil {
		return nil, &Error{Kind: KindPolicy, Message: "argument rejected", Err: err}
	}
	full := append([]string{strings.TrimSpace(argv[0])}, args...)

	if err := e.policy.Commands.Validate(full); err != nil {
		return nil, &Error{Kind: KindPolicy, Message: "command rejected", Err: err}
	}
	return full, nil
}

// monitor waits for the process, escalating SIGTERM to SIGKILL on the
// process group when the timeout or the caller's context expires
func (e *SecureExecutor) monitor(ctx context.Context, c *exec.Cmd, h *Handle, timeout time.Duration) {
	waitErr := make(chan error, 1)
	go func() { waitErr <- c.Wait() }()

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()

	var err error
	exited := false
	for !exited {
		select {
		case err = <-waitErr:
			exited = true
		case <-ticker.C:
			h.sample(runCtx)
		case <-runCtx.Done():
			err = e.terminate(h, waitErr)
			exited = true
		}
	}

	if cerr := e.sandbox.Cleanup(h.PID); cerr != nil {
		e.logger.Debug("sandbox cleanup failed", slog.Int("pid", h.PID), slog.String("error", cerr.Error()))
	}
	e.untrack(h.PID)
	e.finish(h, err, runCtx.Err())
}

// terminate sends SIGTERM to the group, then SIGKILL after the grace period
func (e *SecureExecutor) terminate(h *Handle, waitErr <-chan error) error {
	h.setState(StateTimeoutTerminated)
	e.logger.Warn("process timeout exceeded, sending SIGTERM", slog.Int("pid", h.PID))
	e.notify(ProcessEvent{PID: h.PID, Argv: h.Argv, State: StateTimeoutTerminated})
	if err := signalGroup(h.PID, false); err != nil {
		e.logger.Debug("SIGTERM failed", slog.Int("pid", h.PID), slog.String("error", err.Error()))
	}

	grace := time.NewTimer(e.opts.GracePeriod)
	defer grace.Stop()

	select {
	case err := <-waitErr:
		return err
	case <-grace.C:
	}

	h.setState(StateTimeoutKilled)
	e.logger.Warn("process ignored SIGTERM, sending SIGKILL", slog.Int("pid", h.PID))
	e.notify(ProcessEvent{PID: h.PID, Argv: h.Argv, State: StateTimeoutKilled})
	if err := signalGroup(h.PID, true); err != nil {
		e.logger.Debug("SIGKILL failed", slog.Int("pid", h.PID), slog.String("error", err.Error()))
	}
	return <-waitErr
}

// finish records the outcome on h and releases waiters
func (e *SecureExecutor) finish(h *Handle, waitErr, ctxErr error) {
	// Pipes held open by a grandchild after a clean exit
	if errors.Is(waitErr, exec.ErrWaitDelay) {
		waitErr = nil
	}

	res := &Result{
		PID:      h.PID,
		Argv:     h.Argv,
		ExitCode: exitCode(waitErr),
		Stdout:   h.stdout.Bytes(),
		Stderr:   h.stderr.Bytes(),
		Duration: time.Since(h.Started),
	}

	var err error
	timedOut := h.State() == StateTimeoutTerminated || h.State() == StateTimeoutKilled
	switch {
	case timedOut:
		res.State = h.State()
		kind := KindTimeout
		msg := "execution timed out"
		if errors.Is(ctxErr, context.Canceled) {
			kind = KindCanceled
			msg = "execution canceled"
		}
		err = &Error{Kind: kind, Message: msg, Err: ctxErr}
	case h.stdout.Overflow() || h.stderr.Overflow() || int64(h.stdout.Len()+h.stderr.Len()) > e.opts.MaxOutput:
		res.State = StateExited
		err = &Error{Kind: KindOutputTooLarge, Message: fmt.Sprintf("output exceeds maximum of %d bytes", e.opts.MaxOutput)}
	case waitErr != nil:
		res.State = StateExited
		var ee *exec.ExitError
		if errors.As(waitErr, &ee) {
			err = &ExitError{ExitCode: res.ExitCode, Stderr: res.Stderr, Err: waitErr}
		} else {
			err = fmt.Errorf("process execution error: %w", waitErr)
		}
	default:
		res.State = StateExited
	}

	e.logger.Info("process finished",
		slog.Int("pid", h.PID),
		slog.Int("exit_code", res.ExitCode),
		slog.String("state", res.State.String()),
		slog.Duration("duration", res.Duration),
	)
	e.notify(ProcessEvent{PID: h.PID, Argv: h.Argv, State: StateReaped, Outcome: res.State, ExitCode: res.ExitCode, Duration: res.Duration, Err: err})

	h.setState(StateReaped)
	h.result = res
	h.err = err
	close(h.done)
}

// ProcessInfo is a snapshot of a tracked process
type ProcessInfo struct {
	PID        int       `json:"pid"`
	Command    string    `json:"command"`
	State      string    `json:"state"`
	Started    time.Time `json:"started"`
	RSSBytes   uint64    `json:"rss_bytes,omitempty"`
	CPUPercent float64   `json:"cpu_percent,omitempty"`
}

// Tracked lists live processes ordered by PID
func (e *SecureExecutor) Tracked() []ProcessInfo {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]ProcessInfo, 0, len(e.tracked))
	for _, h := range e.tracked {
		out = append(out, h.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}

func (e *SecureExecutor) track(h *Handle) {
	e.mu.Lock()
	e.tracked[h.PID] = h
	e.mu.Unlock()
}

func (e *SecureExecutor) untrack(pid int) {
	e.mu.Lock()
	delete(e.tracked, pid)
	e.mu.Unlock()
}

func (e *SecureExecutor) notify(ev ProcessEvent) {
	if e.observer != nil {
		e.observer.ProcessEvent(ev)
	}
}

// buildEnv merges overrides over the gateway environment and filters the
// result through the policy allowlist
func (e *SecureExecutor) buildEnv(overrides map[string]string) []string {
	envMap := make(map[string]string)

	for _, kv := range os.Environ() {
		if key, value, ok := strings.Cut(kv, "="); ok && key != "" {
			envMap[key] = value
		}
	}

	for k, v := range overrides {
		envMap[k] = v
	}

	envMap = e.policy.ValidateEnv(envMap)

	envSlice := make([]string, 0, len(envMap))
	for k, v := range envMap {
		envSlice = append(envSlice, k+"="+v)
	}
	sort.Strings(envSlice)
	return envSlice
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}
