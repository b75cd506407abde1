package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/matheus-rech/meta-analysis-chatbot/internal/config"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"

	// Global flags
	scriptsDir  string
	sessionsDir string
	strictMode  bool
	verbose     bool
	jsonOutput  bool

	// Global config
	cfg *config.Config
)

// rootCmd represents the base command. Without a subcommand it serves
// JSON-RPC on stdio.
var rootCmd = &cobra.Command{
	Use:   "rgateway",
	Short: "Secure stdio gateway between an MCP agent and R meta-analysis scripts",
	Long: `rgateway reads JSON-RPC requests on stdin, validates and sanitizes every
tool call, and runs whitelisted R scripts in resource-limited child processes.
Responses are written to stdout; logs go to stderr.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.LoadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		// Override config with flags if provided
		if scriptsDir != "" {
			cfg.ScriptsDir = scriptsDir
		}
		if sessionsDir != "" {
			cfg.SessionsDir = sessionsDir
		}
		if cmd.Flags().Changed("strict") {
			cfg.StrictMode = strictMode
		}
		if verbose {
			cfg.LogLevel = "debug"
		}

		return nil
	},
	RunE: runServe,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global persistent flags
	rootCmd.PersistentFlags().StringVar(&scriptsDir, "scripts-dir", "", "R scripts directory (overrides config)")
	rootCmd.PersistentFlags().StringVar(&sessionsDir, "sessions-dir", "", "Sessions directory (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&strictMode, "strict", false, "Reject invalid optional arguments instead of applying defaults")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	rootCmd.SetVersionTemplate(fmt.Sprintf("rgateway version %s\ncommit: %s\nbuilt: %s\n", Version, GitCommit, BuildDate))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(callCmd)
	rootCmd.AddCommand(toolsCmd)
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(doctorCmd)
}

// serveCmd runs the stdio JSON-RPC loop
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve JSON-RPC on stdin/stdout",
	Long:  `Serve newline-delimited JSON-RPC 2.0 on stdin/stdout until stdin closes.`,
	Args:  cobra.NoArgs,
}

// callCmd runs a single tool call
var callCmd = &cobra.Command{
	Use:   "call <tool>",
	Short: "Run one tool call and print its result",
	Long: `Run one tool call through the same validation, sanitization and execution
path as the server.
Example: rgateway call health_check
Example: rgateway call initialize_meta_analysis --args '{"name":"Aspirin"}'`,
	Args: cobra.ExactArgs(1),
}

// toolsCmd lists the tool whitelist
var toolsCmd = &cobra.Command{
	Use:   "tools [<tool>]",
	Short: "List whitelisted tools",
	Long:  `List whitelisted tools, or show the input schema of one tool.`,
	Args:  cobra.MaximumNArgs(1),
}

// uploadCmd runs a local file through the upload sandbox
var uploadCmd = &cobra.Command{
	Use:   "upload <file>",
	Short: "Validate and store a file through the upload sandbox",
	Long: `Run a local file through the upload pipeline (filename, size, content type,
content scan, hashing). Rejected content is quarantined.`,
	Args: cobra.ExactArgs(1),
}

// eventsCmd searches the security event log
var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Search the security event log",
	Long:  `Search the persisted security event log by time range, category, severity, type or session.`,
	Args:  cobra.NoArgs,
}

// sessionsCmd manages session directories
var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage analysis sessions",
	Long:  `List and inspect analysis session directories.`,
}

var sessionsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List sessions",
	Long:  `List all session directories under the sessions root.`,
	Args:  cobra.NoArgs,
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show session metadata and files",
	Args:  cobra.ExactArgs(1),
}

func init() {
	sessionsCmd.AddCommand(sessionsLsCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
}

// doctorCmd diagnoses system capabilities
var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Diagnose sandbox capabilities and gateway health",
	Long:  `Diagnose sandbox capabilities, host resources, writable directories and the R interpreter.`,
	Args:  cobra.NoArgs,
}
