package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"
)

// Config holds the gateway configuration
type Config struct {
	RscriptBin    string        `mapstructure:"rscript_bin"`
	ScriptsDir    string        `mapstructure:"scripts_dir"`
	EntryScript   string        `mapstructure:"entry_script"`
	Timeout       time.Duration `mapstructure:"timeout"`
	GracePeriod   time.Duration `mapstructure:"grace_period"`
	MaxOutput     string        `mapstructure:"max_output"` // e.g. "50MB"
	DebugR        bool          `mapstructure:"debug_r"`
	SessionsDir   string        `mapstructure:"sessions_dir"`
	LogLevel      string        `mapstructure:"log_level"`
	StrictMode    bool          `mapstructure:"strict_mode"`
	MaxCSVRows    int           `mapstructure:"max_csv_rows"`
	MetricsListen string        `mapstructure:"metrics_listen"`

	// Execution limits applied to every interpreter process
	MaxCPU    int    `mapstructure:"max_cpu"`    // millicores
	MaxMemory string `mapstructure:"max_memory"` // e.g., "512M"
	MaxPIDs   int    `mapstructure:"max_pids"`
	MaxFDs    int    `mapstructure:"max_fds"`

	Security SecurityConfig `mapstructure:"security"`
	Upload   UploadConfig   `mapstructure:"upload"`
}

// SecurityConfig configures the security event log
type SecurityConfig struct {
	LogDir        string        `mapstructure:"log_dir"`
	QueueSize     int           `mapstructure:"queue_size"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	RecentEvents  int           `mapstructure:"recent_events"`
}

// UploadConfig configures the upload sandbox
type UploadConfig struct {
	Dir           string `mapstructure:"dir"`
	QuarantineDir string `mapstructure:"quarantine_dir"`
	SandboxDir    string `mapstructure:"sandbox_dir"`
	MaxFileSize   string `mapstructure:"max_file_size"` // e.g. "50MB"
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig() (*Config, error) {
	v := viper.New()
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}

	v.SetDefault("rscript_bin", "Rscript")
	v.SetDefault("scripts_dir", filepath.Join(cwd, "scripts"))
	v.SetDefault("entry_script", filepath.Join("entry", "mcp_tools.R"))
	v.SetDefault("timeout", 300*time.Second)
	v.SetDefault("grace_period", 5*time.Second)
	v.SetDefault("max_output", "50MB")
	v.SetDefault("debug_r", false)
	v.SetDefault("sessions_dir", filepath.Join(cwd, "sessions"))
	v.SetDefault("log_level", "info")
	v.SetDefault("strict_mode", false)
	v.SetDefault("max_csv_rows", 10000)
	v.SetDefault("metrics_listen", "")

	v.SetDefault("max_cpu", 1000)
	v.SetDefault("max_memory", "2G")
	v.SetDefault("max_pids", 64)
	v.SetDefault("max_fds", 256)

	v.SetDefault("security.log_dir", filepath.Join(cwd, "logs", "security"))
	v.SetDefault("security.queue_size", 10000)
	v.SetDefault("security.batch_size", 100)
	v.SetDefault("security.flush_interval", time.Second)
	v.SetDefault("security.recent_events", 1000)

	v.SetDefault("upload.dir", filepath.Join(cwd, "uploads"))
	v.SetDefault("upload.quarantine_dir", filepath.Join(cwd, "quarantine"))
	v.SetDefault("upload.sandbox_dir", filepath.Join(os.TempDir(), "rgateway-sandbox"))
	v.SetDefault("upload.max_file_size", "50MB")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(filepath.Join(getHomeDir(), ".rgateway"))

	// Read config file (ignore error if file doesn't exist)
	_ = v.ReadInConfig() // nolint:errcheck // config file is optional

	v.SetEnvPrefix("RGATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Env names understood by the R tool scripts and the deployment tooling
	_ = v.BindEnv("rscript_bin", "RGATEWAY_RSCRIPT_BIN", "RSCRIPT_BIN")                       // nolint:errcheck // errors are unlikely here
	_ = v.BindEnv("debug_r", "RGATEWAY_DEBUG_R", "DEBUG_R")                                   // nolint:errcheck // errors are unlikely here
	_ = v.BindEnv("sessions_dir", "RGATEWAY_SESSIONS_DIR", "SESSIONS_DIR")                    // nolint:errcheck // errors are unlikely here
	_ = v.BindEnv("security.log_dir", "RGATEWAY_SECURITY_LOG_DIR", "SECURITY_LOG_DIR")        // nolint:errcheck // errors are unlikely here
	_ = v.BindEnv("upload.max_file_size", "RGATEWAY_MAX_FILE_SIZE", "SECURITY_MAX_FILE_SIZE") // nolint:errcheck // errors are unlikely here
	_ = v.BindEnv("strict_mode", "RGATEWAY_STRICT_MODE", "SECURITY_STRICT_MODE")              // nolint:errcheck // errors are unlikely here
	_ = v.BindEnv("max_csv_rows", "RGATEWAY_MAX_CSV_ROWS", "SECURITY_MAX_CSV_ROWS")           // nolint:errcheck // errors are unlikely here
	_ = v.BindEnv("log_level", "RGATEWAY_LOG_LEVEL")                                          // nolint:errcheck // errors are unlikely here
	_ = v.BindEnv("timeout", "RGATEWAY_TIMEOUT")                                              // nolint:errcheck // errors are unlikely here

	// RSCRIPT_TIMEOUT_SEC is a bare number of seconds
	if raw := os.Getenv("RSCRIPT_TIMEOUT_SEC"); raw != "" && os.Getenv("RGATEWAY_TIMEOUT") == "" {
		d, err := ParseSeconds(raw)
		if err != nil {
			return nil, err
		}
		v.Set("timeout", d)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	cfg.ScriptsDir = expandPath(cfg.ScriptsDir)
	cfg.SessionsDir = expandPath(cfg.SessionsDir)
	cfg.Security.LogDir = expandPath(cfg.Security.LogDir)
	cfg.Upload.Dir = expandPath(cfg.Upload.Dir)
	cfg.Upload.QuarantineDir = expandPath(cfg.Upload.QuarantineDir)
	cfg.Upload.SandboxDir = expandPath(cfg.Upload.SandboxDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks values that cannot be safely defaulted
func (c *Config) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be > 0 (got %s)", c.Timeout)
	}
	if c.GracePeriod <= 0 {
		return fmt.Errorf("grace_period must be > 0 (got %s)", c.GracePeriod)
	}
	if _, err := c.MaxOutputBytes(); err != nil {
		return err
	}
	if _, err := c.MaxUploadBytes(); err != nil {
		return err
	}
	if c.SessionsDir == "" {
		return fmt.Errorf("sessions_dir cannot be empty")
	}
	if c.Security.LogDir == "" {
		return fmt.Errorf("security.log_dir cannot be empty")
	}
	return nil
}

// MaxOutputBytes parses MaxOutput ("50MB", "1GiB")
func (c *Config) MaxOutputBytes() (int64, error) {
	return parseSize("max_output", c.MaxOutput)
}

// MaxUploadBytes parses Upload.MaxFileSize
func (c *Config) MaxUploadBytes() (int64, error) {
	return parseSize("upload.max_file_size", c.Upload.MaxFileSize)
}

// EntryScriptPath returns the absolute path of the R entry script
func (c *Config) EntryScriptPath() string {
	if filepath.IsAbs(c.EntryScript) {
		return c.EntryScript
	}
	return filepath.Join(c.ScriptsDir, c.EntryScript)
}

func parseSize(key, raw string) (int64, error) {
	n, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("%s must be > 0", key)
	}
	return int64(n), nil
}

// ParseSeconds accepts either a bare number of seconds or a Go duration
func ParseSeconds(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if d, err := time.ParseDuration(raw); err == nil {
		return d, nil
	}
	var secs int
	if _, err := fmt.Sscanf(raw, "%d", &secs); err != nil || secs <= 0 {
		return 0, fmt.Errorf("invalid timeout %q", raw)
	}
	return time.Duration(secs) * time.Second, nil
}

// getHomeDir returns the user's home directory
func getHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}

// expandPath expands ~ to home directory
func expandPath(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home := getHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
