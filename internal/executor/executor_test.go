//go:build unix

package executor

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matheus-rech/meta-analysis-chatbot/internal/policy"
	"github.com/matheus-rech/meta-analysis-chatbot/internal/sandbox"
)

// groupSandbox only places the child in its own process group
type groupSandbox struct{}

func (groupSandbox) Apply(cmd *exec.Cmd, _ *policy.ExecutionLimits) error {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return nil
}
func (groupSandbox) PostStart(int, *policy.ExecutionLimits) error { return nil }
func (groupSandbox) Cleanup(int) error                            { return nil }
func (groupSandbox) Capabilities() sandbox.Capabilities           { return sandbox.Capabilities{ProcessGroup: true} }
func (groupSandbox) Name() string                                 { return "group" }

type recordingObserver struct {
	mu      sync.Mutex
	states  []State
	outcome State
}

func (r *recordingObserver) ProcessEvent(ev ProcessEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, ev.State)
	if ev.State == StateReaped {
		r.outcome = ev.Outcome
	}
}

func (r *recordingObserver) seen() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

// fakeRscript writes an executable named Rscript running body under /bin/sh
func fakeRscript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "Rscript")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func testPolicy() *policy.Policy {
	return &policy.Policy{
		MaxCPU:         1000,
		MaxMemory:      "512M",
		MaxPIDs:        32,
		MaxFDs:         64,
		DefaultTimeout: 5 * time.Second,
		EnvAllowlist:   append([]string(nil), policy.DefaultEnvAllowlist...),
		Commands:       policy.NewCommandPolicy(nil),
	}
}

func testLimits(timeout time.Duration) *policy.ExecutionLimits {
	return &policy.ExecutionLimits{MaxCPU: 1000, MaxMemory: "512M", MaxPIDs: 32, MaxFDs: 64, Timeout: timeout}
}

func newTestExecutor(t *testing.T, opts Options) *SecureExecutor {
	t.Helper()
	if opts.GracePeriod == 0 {
		opts.GracePeriod = 300 * time.Millisecond
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = 20 * time.Millisecond
	}
	e, err := NewSecureExecutor(testPolicy(), groupSandbox{}, opts)
	require.NoError(t, err)
	return e
}

func TestNewSecureExecutor_RequiresPolicy(t *testing.T) {
	_, err := NewSecureExecutor(nil, groupSandbox{}, Options{})
	assert.Error(t, err)

	_, err = NewSecureExecutor(&policy.Policy{}, groupSandbox{}, Options{})
	assert.Error(t, err)
}

func TestNewSecureExecutor_Defaults(t *testing.T) {
	e, err := NewSecureExecutor(testPolicy(), nil, Options{})
	require.NoError(t, err)
	assert.NotNil(t, e.sandbox)
	assert.Equal(t, int64(defaultMaxOutput), e.opts.MaxOutput)
	assert.Equal(t, defaultGracePeriod, e.opts.GracePeriod)
	assert.Equal(t, defaultPollInterval, e.opts.PollInterval)
}

func TestRun_Success(t *testing.T) {
	script := fakeRscript(t, `echo "tool=$3"`)
	e := newTestExecutor(t, Options{})

	res, err := e.Run(context.Background(), Command{
		Argv:   []string{script, "--vanilla", "entry.R", "health_check"},
		Limits: testLimits(5 * time.Second),
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, StateExited, res.State)
	assert.Equal(t, "tool=health_check\n", string(res.Stdout))
	assert.Greater(t, res.PID, 0)
}

// CRITICAL SECURITY: rejected commands must never spawn a process
func TestRun_PolicyRejectionDoesNotSpawn(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "spawned")
	script := fakeRscript(t, "touch "+marker)

	tests := []struct {
		name string
		argv []string
	}{
		{"unlisted command", []string{"/bin/sh", "-c", "true"}},
		{"empty argv", nil},
		{"shell operator", []string{script, "--vanilla", "x; rm -rf /"}},
		{"command substitution", []string{script, "--vanilla", "$(id)"}},
		{"pipe", []string{script, "--vanilla", "a|b"}},
		{"path traversal", []string{script, "--vanilla", "../../etc/passwd"}},
		{"NUL byte", []string{script, "--vanilla", "a\x00b"}},
		{"eval word", []string{script, "--vanilla", "eval"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obs := &recordingObserver{}
			e := newTestExecutor(t, Options{})
			e.SetObserver(obs)

			_, err := e.Run(context.Background(), Command{Argv: tt.argv, Limits: testLimits(time.Second)})
			require.Error(t, err)
			assert.True(t, IsKind(err, KindPolicy), "got %v", err)
			assert.Empty(t, e.Tracked())
			assert.Equal(t, []State{StateRejected}, obs.seen())

			_, statErr := os.Stat(marker)
			assert.True(t, os.IsNotExist(statErr), "process must not have run")
		})
	}
}

func TestRun_NonZeroExit(t *testing.T) {
	script := fakeRscript(t, "echo 'Error in library(meta)' >&2\nexit 3")
	e := newTestExecutor(t, Options{})

	res, err := e.Run(context.Background(), Command{
		Argv:   []string{script, "--vanilla", "entry.R"},
		Limits: testLimits(5 * time.Second),
	})
	require.Error(t, err)

	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 3, exitErr.ExitCode)
	assert.Contains(t, string(exitErr.Stderr), "library(meta)")
	require.NotNil(t, res)
	assert.Equal(t, 3, res.ExitCode)
}

func TestRun_TimeoutTerminates(t *testing.T) {
	script := fakeRscript(t, "sleep 10")
	obs := &recordingObserver{}
	e := newTestExecutor(t, Options{GracePeriod: 2 * time.Second})
	e.SetObserver(obs)

	start := time.Now()
	res, err := e.Run(context.Background(), Command{
		Argv:   []string{script, "--vanilla"},
		Limits: testLimits(200 * time.Millisecond),
	})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindTimeout), "got %v", err)
	assert.Less(t, time.Since(start), 2*time.Second, "SIGTERM should end the process before the grace period")
	require.NotNil(t, res)
	assert.Equal(t, StateTimeoutTerminated, res.State)
	assert.Contains(t, obs.seen(), StateTimeoutTerminated)
	assert.NotContains(t, obs.seen(), StateTimeoutKilled)
}

// CRITICAL SECURITY: a process ignoring SIGTERM is killed after the grace period
func TestRun_TimeoutEscalatesToKill(t *testing.T) {
	script := fakeRscript(t, "trap '' TERM\nwhile :\ndo\n  sleep 0.05\ndone")
	obs := &recordingObserver{}
	e := newTestExecutor(t, Options{GracePeriod: 200 * time.Millisecond})
	e.SetObserver(obs)

	res, err := e.Run(context.Background(), Command{
		Argv:   []string{script, "--vanilla"},
		Limits: testLimits(200 * time.Millisecond),
	})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindTimeout))
	require.NotNil(t, res)
	assert.Equal(t, StateTimeoutKilled, res.State)

	states := obs.seen()
	assert.Contains(t, states, StateTimeoutTerminated)
	assert.Contains(t, states, StateTimeoutKilled)
	assert.Equal(t, StateReaped, states[len(states)-1])
	assert.Empty(t, e.Tracked())
}

func TestRun_ContextCanceled(t *testing.T) {
	script := fakeRscript(t, "sleep 10")
	e := newTestExecutor(t, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	_, err := e.Run(ctx, Command{
		Argv:   []string{script, "--vanilla"},
		Limits: testLimits(10 * time.Second),
	})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindCanceled), "got %v", err)
}

func TestRun_OutputTooLarge(t *testing.T) {
	script := fakeRscript(t, "i=0\nwhile [ $i -lt 100 ]\ndo\n  echo 0123456789\n  i=$((i+1))\ndone")
	e := newTestExecutor(t, Options{MaxOutput: 64})

	res, err := e.Run(context.Background(), Command{
		Argv:   []string{script, "--vanilla"},
		Limits: testLimits(5 * time.Second),
	})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindOutputTooLarge), "got %v", err)
	require.NotNil(t, res)
	assert.LessOrEqual(t, len(res.Stdout), 65)
}

// CRITICAL SECURITY: only allowlisted variables reach the interpreter
func TestRun_EnvironmentFiltered(t *testing.T) {
	t.Setenv("RGATEWAY_TEST_SECRET", "hunter2")
	script := fakeRscript(t, `echo "secret=${RGATEWAY_TEST_SECRET} lang=${LANG} debug=${DEBUG_R}"`)
	e := newTestExecutor(t, Options{})

	res, err := e.Run(context.Background(), Command{
		Argv:   []string{script, "--vanilla"},
		Env:    map[string]string{"LANG": "C", "DEBUG_R": "1", "AWS_SECRET_ACCESS_KEY": "x"},
		Limits: testLimits(5 * time.Second),
	})
	require.NoError(t, err)
	assert.Equal(t, "secret= lang=C debug=1\n", string(res.Stdout))
}

func TestRun_WorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	script := fakeRscript(t, "pwd")
	e := newTestExecutor(t, Options{})

	res, err := e.Run(context.Background(), Command{
		Argv:   []string{script, "--vanilla"},
		Dir:    dir,
		Limits: testLimits(5 * time.Second),
	})
	require.NoError(t, err)

	want, _ := filepath.EvalSymlinks(dir)
	got, _ := filepath.EvalSymlinks(strings.TrimSpace(string(res.Stdout)))
	assert.Equal(t, want, got)
}

func TestStart_TrackedUntilReaped(t *testing.T) {
	script := fakeRscript(t, "sleep 0.5")
	obs := &recordingObserver{}
	e := newTestExecutor(t, Options{})
	e.SetObserver(obs)

	h, err := e.Start(context.Background(), Command{
		Argv:   []string{script, "--vanilla"},
		Limits: testLimits(5 * time.Second),
	})
	require.NoError(t, err)

	tracked := e.Tracked()
	require.Len(t, tracked, 1)
	assert.Equal(t, h.PID, tracked[0].PID)
	assert.Equal(t, "running", tracked[0].State)
	assert.Contains(t, tracked[0].Command, "--vanilla")

	res, err := h.Wait()
	require.NoError(t, err)
	assert.Equal(t, StateExited, res.State)
	assert.Equal(t, StateReaped, h.State())
	assert.Empty(t, e.Tracked())

	select {
	case <-h.Done():
	default:
		t.Fatal("Done channel should be closed after Wait")
	}

	assert.Equal(t, []State{StateSpawned, StateReaped}, obs.seen())
	assert.Equal(t, StateExited, obs.outcome)
}

func TestStart_SpawnFailure(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "Rscript")
	e := newTestExecutor(t, Options{})

	_, err := e.Start(context.Background(), Command{
		Argv:   []string{missing, "--vanilla"},
		Limits: testLimits(time.Second),
	})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindSpawn))
	assert.Empty(t, e.Tracked())
}
