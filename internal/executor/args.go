package executor

import (
	"fmt"
	"path/filepath"
	"strings"
)

// SanitizeArguments trims each argument, rejects any argument containing
// ".." and returns the values alongside their shell-quoted form for logging.
func SanitizeArguments(args []string) (values, quoted []string, err error) {
	values = make([]string, 0, len(args))
	quoted = make([]string, 0, len(args))

	for i, raw := range args {
		arg := strings.TrimSpace(raw)
		if strings.ContainsRune(arg, 0) {
			return nil, nil, fmt.Errorf("argument %d contains NUL byte", i)
		}

		if strings.Contains(arg, "..") {
			return nil, nil, fmt.Errorf("path traversal detected in argument %d", i)
		}
		if looksLikePath(arg) {
			arg = filepath.Clean(arg)
		}

		values = append(values, arg)
		quoted = append(quoted, shellQuote(arg))
	}
	return values, quoted, nil
}

func looksLikePath(arg string) bool {
	return strings.ContainsAny(arg, `/\`) && !strings.Contains(arg, "://")
}

// shellQuote renders arg as a single POSIX shell word
func shellQuote(arg string) string {
	if arg == "" {
		return "''"
	}
	safe := true
	for _, r := range arg {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./=:,+@%", r)) {
			safe = false
			break
		}
	}
	if safe {
		return arg
	}
	return "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
}

func quoteAll(argv []string) []string {
	out := make([]string, len(argv))
	for i, a := range argv {
		out[i] = shellQuote(a)
	}
	return out
}
