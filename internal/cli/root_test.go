package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matheus-rech/meta-analysis-chatbot/internal/audit"
	"github.com/matheus-rech/meta-analysis-chatbot/internal/config"
	"github.com/matheus-rech/meta-analysis-chatbot/internal/rpc"
	"github.com/matheus-rech/meta-analysis-chatbot/internal/sandbox"
	"github.com/matheus-rech/meta-analysis-chatbot/internal/session"
)

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig points every directory into a temp dir and installs the config
// as the global one used by the commands
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	base := t.TempDir()
	c := &config.Config{
		RscriptBin:  "Rscript",
		ScriptsDir:  filepath.Join(base, "scripts"),
		EntryScript: filepath.Join("entry", "mcp_tools.R"),
		Timeout:     30 * time.Second,
		GracePeriod: time.Second,
		MaxOutput:   "1MB",
		SessionsDir: filepath.Join(base, "sessions"),
		LogLevel:    "error",
		MaxCSVRows:  100,
		MaxCPU:      1000,
		MaxMemory:   "512M",
		MaxPIDs:     32,
		MaxFDs:      128,
		Security: config.SecurityConfig{
			LogDir:        filepath.Join(base, "logs"),
			FlushInterval: 10 * time.Millisecond,
		},
		Upload: config.UploadConfig{
			Dir:           filepath.Join(base, "uploads"),
			QuarantineDir: filepath.Join(base, "quarantine"),
			SandboxDir:    filepath.Join(base, "sandbox"),
			MaxFileSize:   "1MB",
		},
	}
	require.NoError(t, c.Validate())

	prevCfg, prevJSON := cfg, jsonOutput
	cfg, jsonOutput = c, false
	t.Cleanup(func() { cfg, jsonOutput = prevCfg, prevJSON })
	return c
}

func auditType(eventType string) audit.Filter {
	return audit.Filter{Type: eventType}
}

func commandNames(cmds []*cobra.Command) []string {
	names := make([]string, len(cmds))
	for i, cmd := range cmds {
		names[i] = cmd.Name()
	}
	return names
}

func TestRootCommand(t *testing.T) {
	assert.NotNil(t, rootCmd)
	assert.Equal(t, "rgateway", rootCmd.Use)
	assert.NotNil(t, rootCmd.RunE, "root command serves by default")
}

func TestSubcommands(t *testing.T) {
	names := commandNames(rootCmd.Commands())
	for _, expected := range []string{"serve", "call", "tools", "upload", "events", "sessions", "doctor"} {
		assert.Contains(t, names, expected, "Expected command %s to be registered", expected)
	}
}

func TestSessionsSubcommands(t *testing.T) {
	var sessionsCommand *cobra.Command
	for _, cmd := range rootCmd.Commands() {
		if cmd.Name() == "sessions" {
			sessionsCommand = cmd
			break
		}
	}
	require.NotNil(t, sessionsCommand, "sessions command should exist")

	names := commandNames(sessionsCommand.Commands())
	assert.Contains(t, names, "ls")
	assert.Contains(t, names, "show")
}

func TestGlobalFlags(t *testing.T) {
	flags := rootCmd.PersistentFlags()

	assert.NotNil(t, flags.Lookup("scripts-dir"))
	assert.NotNil(t, flags.Lookup("sessions-dir"))
	assert.NotNil(t, flags.Lookup("strict"))
	assert.NotNil(t, flags.Lookup("verbose"))
	assert.NotNil(t, flags.Lookup("json"))
}

func TestCreateLogger(t *testing.T) {
	for _, level := range []string{"debug", "INFO", "warn", "error", "bogus"} {
		assert.NotNil(t, createLogger(level), level)
	}
	assert.True(t, createLogger("debug").Enabled(context.Background(), slog.LevelDebug))
	assert.False(t, createLogger("warn").Enabled(context.Background(), slog.LevelInfo))
}

func TestNewGateway(t *testing.T) {
	c := testConfig(t)
	g, err := newGateway(c, quiet())
	require.NoError(t, err)
	defer g.close()

	assert.Len(t, g.tools.Names(), 11)
	for _, dir := range []string{c.SessionsDir, c.Security.LogDir, c.Upload.Dir, c.Upload.QuarantineDir} {
		info, err := os.Stat(dir)
		require.NoError(t, err, dir)
		assert.True(t, info.IsDir())
	}

	resp := g.server.HandleLine(context.Background(),
		[]byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"shell","arguments":{}}}`))
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.CodeMethodNotFound, resp.Error.Code)

	assert.NotEmpty(t, g.audit.Recent(auditType("GATEWAY_CONFIGURED")))
	assert.NotEmpty(t, g.audit.Recent(auditType("UNKNOWN_TOOL")))
}

func TestReadToolArgs(t *testing.T) {
	file := filepath.Join(t.TempDir(), "args.json")
	require.NoError(t, os.WriteFile(file, []byte(`{"name":"from file"}`), 0o600))

	tests := []struct {
		name    string
		inline  string
		file    string
		stdin   string
		want    map[string]any
		wantErr bool
	}{
		{name: "none", want: map[string]any{}},
		{name: "inline", inline: `{"name":"x","confidence_level":0.9}`, want: map[string]any{"name": "x", "confidence_level": 0.9}},
		{name: "file", file: file, want: map[string]any{"name": "from file"}},
		{name: "stdin", file: "-", stdin: `{"a":true}`, want: map[string]any{"a": true}},
		{name: "null", inline: `null`, want: map[string]any{}},
		{name: "both", inline: `{}`, file: file, wantErr: true},
		{name: "not an object", inline: `[1]`, wantErr: true},
		{name: "missing file", file: filepath.Join(t.TempDir(), "nope.json"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := readToolArgs(tt.inline, tt.file, strings.NewReader(tt.stdin))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPrintToolResult(t *testing.T) {
	var buf bytes.Buffer
	err := printToolResult(&buf, rpc.ToolResult{Content: []rpc.Content{{Type: "text", Text: `{"status":"success"}`}}})
	require.NoError(t, err)
	assert.Equal(t, "{\n  \"status\": \"success\"\n}\n", buf.String())

	buf.Reset()
	require.NoError(t, printToolResult(&buf, map[string]any{"ok": true}))
	assert.JSONEq(t, `{"ok":true}`, buf.String())
}

func TestRunTools(t *testing.T) {
	testConfig(t)

	var buf bytes.Buffer
	toolsCmd.SetOut(&buf)
	defer toolsCmd.SetOut(nil)

	require.NoError(t, runTools(toolsCmd, nil))
	out := buf.String()
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "execute_r_code")
	assert.Contains(t, out, "gateway")

	buf.Reset()
	require.NoError(t, runTools(toolsCmd, []string{"generate_forest_plot"}))
	var info ToolInfo
	require.NoError(t, json.Unmarshal(buf.Bytes(), &info))
	assert.Equal(t, "generate_forest_plot", info.Name)
	assert.Equal(t, "required", info.Session)
	assert.Contains(t, info.InputSchema, "properties")

	assert.Error(t, runTools(toolsCmd, []string{"rm"}))
}

func TestRunSessions(t *testing.T) {
	c := testConfig(t)
	manager, err := session.NewManager(c.SessionsDir, quiet())
	require.NoError(t, err)
	sess, err := manager.Create(session.Metadata{Name: "Statins", EffectMeasure: "RR"})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(sess.Dir("input"), "data.csv"), []byte("a,b\n1,2\n"), 0o600))

	var buf bytes.Buffer
	sessionsLsCmd.SetOut(&buf)
	defer sessionsLsCmd.SetOut(nil)
	require.NoError(t, runSessionsLs(sessionsLsCmd, nil))
	assert.Contains(t, buf.String(), sess.ID)
	assert.Contains(t, buf.String(), "Statins")

	buf.Reset()
	sessionsShowCmd.SetOut(&buf)
	defer sessionsShowCmd.SetOut(nil)
	require.NoError(t, runSessionsShow(sessionsShowCmd, []string{sess.ID}))
	assert.Contains(t, buf.String(), "RR")
	assert.Contains(t, buf.String(), "input/")

	assert.Error(t, runSessionsShow(sessionsShowCmd, []string{"../escape"}))
}

func TestRunEvents(t *testing.T) {
	c := testConfig(t)
	g, err := newGateway(c, quiet())
	require.NoError(t, err)
	g.close()

	var buf bytes.Buffer
	eventsCmd.SetOut(&buf)
	defer eventsCmd.SetOut(nil)
	require.NoError(t, runEvents(eventsCmd, nil))
	assert.Contains(t, buf.String(), "GATEWAY_CONFIGURED")
	assert.Contains(t, buf.String(), "CONFIGURATION")
}

func TestFormatTime(t *testing.T) {
	assert.Equal(t, "just now", formatTime(time.Now()))
	assert.Equal(t, "2 hours ago", formatTime(time.Now().Add(-2*time.Hour)))
	old := time.Date(2020, 1, 2, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "2020-01-02", formatTime(old))
}

func TestCountEnabledCapabilities(t *testing.T) {
	assert.Equal(t, 0, countEnabledCapabilities(sandbox.Capabilities{}))
	assert.Equal(t, 3, countEnabledCapabilities(sandbox.Capabilities{CPULimit: true, PIDLimit: true, ProcessGroup: true}))
}
