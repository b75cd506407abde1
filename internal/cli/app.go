package cli

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/matheus-rech/meta-analysis-chatbot/internal/audit"
	"github.com/matheus-rech/meta-analysis-chatbot/internal/config"
	"github.com/matheus-rech/meta-analysis-chatbot/internal/executor"
	"github.com/matheus-rech/meta-analysis-chatbot/internal/health"
	"github.com/matheus-rech/meta-analysis-chatbot/internal/metrics"
	"github.com/matheus-rech/meta-analysis-chatbot/internal/policy"
	"github.com/matheus-rech/meta-analysis-chatbot/internal/rpc"
	"github.com/matheus-rech/meta-analysis-chatbot/internal/rsanitize"
	"github.com/matheus-rech/meta-analysis-chatbot/internal/sandbox"
	"github.com/matheus-rech/meta-analysis-chatbot/internal/session"
	"github.com/matheus-rech/meta-analysis-chatbot/internal/tools"
	"github.com/matheus-rech/meta-analysis-chatbot/internal/upload"
	"github.com/matheus-rech/meta-analysis-chatbot/internal/validate"
)

// gateway holds every component of a running gateway
type gateway struct {
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *metrics.Collector
	audit    *audit.Logger
	executor *executor.SecureExecutor
	sessions *session.Manager
	uploads  *upload.Handler
	tools    *tools.Registry
	health   *health.Checker
	server   *rpc.Server
}

// newGateway wires the components described by c. The caller must call
// close to flush the security log.
func newGateway(c *config.Config, logger *slog.Logger) (*gateway, error) {
	g := &gateway{cfg: c, logger: logger, metrics: metrics.New()}

	var err error
	g.audit, err = audit.NewLogger(audit.Options{
		Dir:           c.Security.LogDir,
		QueueSize:     c.Security.QueueSize,
		BatchSize:     c.Security.BatchSize,
		FlushInterval: c.Security.FlushInterval,
		RecentEvents:  c.Security.RecentEvents,
		Metrics:       g.metrics,
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize security log: %w", err)
	}

	if err := g.build(); err != nil {
		g.close()
		return nil, err
	}
	return g, nil
}

func (g *gateway) build() error {
	c, logger := g.cfg, g.logger

	maxOutput, err := c.MaxOutputBytes()
	if err != nil {
		return err
	}
	maxUpload, err := c.MaxUploadBytes()
	if err != nil {
		return err
	}

	pol := policy.NewPolicyWithLogger(c, logger)
	sb := sandbox.NewWithLogger(logger)
	g.executor, err = executor.NewSecureExecutor(pol, sb, executor.Options{
		MaxOutput:   maxOutput,
		GracePeriod: c.GracePeriod,
	})
	if err != nil {
		return fmt.Errorf("failed to create executor: %w", err)
	}
	g.executor.SetLogger(logger)
	g.executor.SetObserver(&rpc.ProcessObserver{Audit: g.audit, Metrics: g.metrics})

	g.sessions, err = session.NewManager(c.SessionsDir, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize sessions: %w", err)
	}

	g.uploads, err = upload.NewHandler(upload.Config{
		UploadDir:     c.Upload.Dir,
		QuarantineDir: c.Upload.QuarantineDir,
		SandboxDir:    c.Upload.SandboxDir,
		MaxSize:       maxUpload,
		Audit:         g.audit,
		Metrics:       g.metrics,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize uploads: %w", err)
	}

	g.tools, err = tools.NewRegistry(tools.Bounds{MaxCSVRows: c.MaxCSVRows, MaxUpload: maxUpload})
	if err != nil {
		return fmt.Errorf("failed to build tool registry: %w", err)
	}

	sanitizer := rsanitize.New(os.TempDir(),
		rsanitize.WithScriptDirs(c.ScriptsDir),
		rsanitize.WithFileRoots(g.sessions.Root(), g.uploads.UploadDir()),
		rsanitize.WithLogger(logger),
	)

	g.health = health.NewChecker(health.Config{
		Directories: map[string]string{
			"sessions":     c.SessionsDir,
			"security_log": c.Security.LogDir,
			"uploads":      c.Upload.Dir,
			"quarantine":   c.Upload.QuarantineDir,
		},
		Interpreter: c.RscriptBin,
		DiskPath:    c.SessionsDir,
		Executor:    g.executor,
		Logger:      logger,
	})

	g.server, err = rpc.NewServer(rpc.Options{
		Interpreter: c.RscriptBin,
		EntryScript: c.EntryScriptPath(),
		DebugR:      c.DebugR,
		MaxLine:     rpc.MaxLineFor(maxUpload),
		Mode:        validate.ModeFor(c.StrictMode),
		Tools:       g.tools,
		Sessions:    g.sessions,
		Sanitizer:   sanitizer,
		Executor:    g.executor,
		Policy:      pol,
		Uploads:     g.uploads,
		Audit:       g.audit,
		Metrics:     g.metrics,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	g.audit.LogEvent("GATEWAY_CONFIGURED", audit.CategoryConfiguration, audit.SeverityInfo, map[string]any{
		"interpreter":  c.RscriptBin,
		"strict_mode":  c.StrictMode,
		"debug_r":      c.DebugR,
		"sandbox":      sb.Name(),
		"timeout":      c.Timeout.String(),
		"max_csv_rows": c.MaxCSVRows,
	}, "")
	return nil
}

// close stops the security log after it drains
func (g *gateway) close() {
	if g.audit == nil {
		return
	}
	if err := g.audit.Close(); err != nil {
		g.logger.Warn("failed to close security log", slog.String("error", err.Error()))
	}
}

// createLogger builds the stderr logger. stdout carries the protocol.
func createLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	handler := slog.NewTextHandler(os.Stderr, opts)
	return slog.New(handler)
}
