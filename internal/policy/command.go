package policy

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
)

// ErrCommandDenied is wrapped by every CommandPolicy rejection
var ErrCommandDenied = errors.New("command denied by policy")

// CommandRule lists the leading arguments a whitelisted command may take
type CommandRule struct {
	AllowedArgPrefixes []string
}

// DefaultCommands is the static command whitelist
var DefaultCommands = map[string]CommandRule{
	"Rscript": {AllowedArgPrefixes: []string{"--vanilla", "--version", "--help"}},
	"R":       {AllowedArgPrefixes: []string{"--vanilla", "--version", "--help"}},
	"python":  {AllowedArgPrefixes: []string{"-m", "--version", "--help"}},
	"python3": {AllowedArgPrefixes: []string{"-m", "--version", "--help"}},
	"node":    {AllowedArgPrefixes: []string{"--version", "--help"}},
	"npm":     {AllowedArgPrefixes: []string{"--version", "install", "run"}},
	"npx":     {},
}

// operatorTokens are rejected wherever they appear in an argument
var operatorTokens = []string{
	";", "&&", "||", "|", ">>", "<<", ">", "<",
	"`", "$(", "${", "$",
	"\n", "\r", "\t", `\n`, `\r`, `\t`,
	"..",
	"rm ", "del ",
}

// wordTokens are rejected when they appear as a whole word
var wordTokens = []string{"eval", "exec", "system", "format"}

var wordPatterns = func() []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(wordTokens))
	for i, w := range wordTokens {
		out[i] = regexp.MustCompile(`(^|[^A-Za-z0-9])` + w + `([^A-Za-z0-9]|$)`)
	}
	return out
}()

// CommandPolicy validates argv before a process is spawned
type CommandPolicy struct {
	Allowed map[string]CommandRule
	logger  *slog.Logger
}

// NewCommandPolicy creates a policy over DefaultCommands
func NewCommandPolicy(logger *slog.Logger) *CommandPolicy {
	if logger == nil {
		logger = slog.Default()
	}
	allowed := make(map[string]CommandRule, len(DefaultCommands))
	for k, v := range DefaultCommands {
		allowed[k] = v
	}
	return &CommandPolicy{Allowed: allowed, logger: logger}
}

// Validate checks argv against the whitelist and the dangerous-token list
func (c *CommandPolicy) Validate(argv []string) error {
	if len(argv) == 0 {
		return fmt.Errorf("%w: empty command", ErrCommandDenied)
	}

	base := filepath.Base(argv[0])
	rule, ok := c.Allowed[base]
	if !ok {
		return fmt.Errorf("%w: command %q not in whitelist", ErrCommandDenied, base)
	}

	for _, arg := range argv {
		if tok := DangerousToken(arg); tok != "" {
			return fmt.Errorf("%w: dangerous pattern %q detected in arguments", ErrCommandDenied, tok)
		}
	}

	if len(argv) > 1 && len(rule.AllowedArgPrefixes) > 0 {
		first := argv[1]
		matched := false
		for _, prefix := range rule.AllowedArgPrefixes {
			if strings.HasPrefix(first, prefix) {
				matched = true
				break
			}
		}
		if !matched && !looksLikeScript(first) {
			c.logger.Warn("argument not in allowed prefixes",
				slog.String("command", base),
				slog.String("argument", first))
		}
	}

	return nil
}

// DangerousToken returns the first dangerous token in arg, or ""
func DangerousToken(arg string) string {
	for _, tok := range operatorTokens {
		if strings.Contains(arg, tok) {
			return tok
		}
	}
	lower := strings.ToLower(arg)
	for i, re := range wordPatterns {
		if re.MatchString(lower) {
			return wordTokens[i]
		}
	}
	return ""
}

func looksLikeScript(arg string) bool {
	switch strings.ToLower(filepath.Ext(arg)) {
	case ".r", ".py", ".js":
		return true
	}
	return false
}
