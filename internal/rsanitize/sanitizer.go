// Package rsanitize prepares untrusted values for hand-off to the R interpreter.
//
// Scalars are stripped of characters with meaning to R and then scanned for
// denylisted built-ins and injection patterns. A hit is an error: values are
// never silently rewritten into something that still reaches the interpreter.
// Complex values are spilled to temp files so nothing structured lands on argv.
package rsanitize

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	// ErrInjection is wrapped when a value carries an R injection payload
	ErrInjection = errors.New("potential R code injection")
	// ErrScriptPath is wrapped when a script path is rejected
	ErrScriptPath = errors.New("invalid R script path")
	// ErrUnsupported is wrapped for values or formats that cannot be handed to R
	ErrUnsupported = errors.New("unsupported value")
)

// Error is a sanitizer failure
type Error struct {
	Message string
	Err     error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the sentinel
func (e *Error) Unwrap() error {
	return e.Err
}

func newError(sentinel error, format string, args ...any) *Error {
	return &Error{Message: fmt.Sprintf(format, args...), Err: sentinel}
}

const (
	// MaxStringLength is the rune ceiling applied after stripping
	MaxStringLength = 1000
	// MaxIdentifierLength bounds SanitizeIdentifier output
	MaxIdentifierLength = 100
	// MaxCodeLength bounds free-form code accepted by ScanCode
	MaxCodeLength = 100000
)

// strippedChars carry meaning to R or to a shell
const strippedChars = "`$@!#%^&*()[]{}|\\;:\"'<>?"

// deniedFunctions are R built-ins that must never appear in user values
var deniedFunctions = []string{
	"system", "system2", "shell", "eval", "parse", "source",
	"library", "require", "install.packages", "download.file",
	"file.remove", "unlink", "setwd", "Sys.setenv",
	"readLines", "writeLines", "save", "load", "saveRDS", "readRDS",
	"do.call", "get", "assign", "attach", "detach",
	"options", "par", "dev.off", "sink",
}

type pattern struct {
	re     *regexp.Regexp
	detail string
}

var (
	deniedFunctionPatterns = compileDenied(deniedFunctions)

	codePatterns = []pattern{
		{regexp.MustCompile(`(?i)\b(system|shell|eval|parse|source)\s*\(`), "function call"},
		{regexp.MustCompile("`[^`]+`"), "backtick execution"},
		{regexp.MustCompile(`\$\(`), "command substitution"},
		{regexp.MustCompile(`<<-`), "global assignment"},
		{regexp.MustCompile(`->>`), "global assignment"},
		{regexp.MustCompile(`\.\.\.`), "ellipsis"},
		{regexp.MustCompile(`:::`), "internal namespace access"},
		{regexp.MustCompile(`(^|\s)!\s*[a-zA-Z]`), "shell escape"},
	}

	identifierInvalid = regexp.MustCompile(`[^a-zA-Z0-9._]`)
	identifierStart   = regexp.MustCompile(`^([a-zA-Z]|\.[a-zA-Z])`)
	toolName          = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)
)

// compileDenied matches each name as a whole R identifier, case-insensitively
func compileDenied(names []string) []pattern {
	out := make([]pattern, 0, len(names))
	for _, name := range names {
		re := regexp.MustCompile(`(?i)(^|[^A-Za-z0-9._])` + regexp.QuoteMeta(name) + `([^A-Za-z0-9._]|$)`)
		out = append(out, pattern{re: re, detail: name})
	}
	return out
}

// Sanitizer prepares values for the R interpreter
type Sanitizer struct {
	tempDir    string
	scriptDirs []string
	fileRoots  []string
	logger     *slog.Logger
}

// Option configures a Sanitizer
type Option func(*Sanitizer)

// WithScriptDirs sets the directories R scripts must live under
func WithScriptDirs(dirs ...string) Option {
	return func(s *Sanitizer) {
		s.scriptDirs = append(s.scriptDirs, dirs...)
	}
}

// WithFileRoots sets the directories whose existing files may be passed to R by path
func WithFileRoots(dirs ...string) Option {
	return func(s *Sanitizer) {
		s.fileRoots = append(s.fileRoots, dirs...)
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sanitizer) {
		s.logger = logger
	}
}

// New creates a Sanitizer writing temp files under tempDir (os.TempDir when empty)
func New(tempDir string, opts ...Option) *Sanitizer {
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	s := &Sanitizer{
		tempDir: filepath.Clean(tempDir),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// In returns a copy of s that writes temp files under dir
func (s *Sanitizer) In(dir string) *Sanitizer {
	c := *s
	c.tempDir = filepath.Clean(dir)
	return &c
}

// TempDir returns the directory temp files are created in
func (s *Sanitizer) TempDir() string {
	return s.tempDir
}

// SanitizeString strips R metacharacters and rejects any value that still
// names a denylisted built-in or matches an injection pattern. The raw value
// is scanned too so that stripping cannot assemble a payload out of pieces.
// The result is a fixed point: SanitizeString(SanitizeString(v)) == SanitizeString(v).
func (s *Sanitizer) SanitizeString(value string) (string, error) {
	if value == "" {
		return "", nil
	}

	if err := scan(value); err != nil {
		return "", err
	}

	sanitized := strip(value)
	if err := scan(sanitized); err != nil {
		return "", err
	}
	return sanitized, nil
}

// strip removes metacharacters and control characters, truncates and trims
func strip(value string) string {
	var b strings.Builder
	b.Grow(len(value))
	n := 0
	for _, r := range value {
		if r == utf8.RuneError || unicode.IsControl(r) || strings.ContainsRune(strippedChars, r) {
			continue
		}
		if n == MaxStringLength {
			break
		}
		b.WriteRune(r)
		n++
	}
	return strings.TrimSpace(b.String())
}

// scan reports the first denylisted built-in or injection pattern in value
func scan(value string) error {
	for _, p := range deniedFunctionPatterns {
		if p.re.MatchString(value) {
			return newError(ErrInjection, "dangerous R function %q detected in input", p.detail)
		}
	}
	for _, p := range codePatterns {
		if p.re.MatchString(value) {
			return newError(ErrInjection, "R code injection pattern detected (%s)", p.detail)
		}
	}
	return nil
}

// ScanCode checks free-form R code without altering it. Code is rejected if
// it calls a denylisted built-in or matches an injection pattern.
func (s *Sanitizer) ScanCode(code string) error {
	if strings.TrimSpace(code) == "" {
		return newError(ErrUnsupported, "code cannot be empty")
	}
	if len(code) > MaxCodeLength {
		return newError(ErrUnsupported, "code too long (max: %d bytes)", MaxCodeLength)
	}
	if strings.ContainsRune(code, 0) {
		return newError(ErrInjection, "code contains NUL bytes")
	}
	return scan(code)
}

// SanitizeIdentifier turns name into a syntactically valid R identifier
func (s *Sanitizer) SanitizeIdentifier(name string) string {
	sanitized := identifierInvalid.ReplaceAllString(name, "_")
	if !identifierStart.MatchString(sanitized) {
		sanitized = "X" + sanitized
	}
	if len(sanitized) > MaxIdentifierLength {
		sanitized = sanitized[:MaxIdentifierLength]
	}
	return sanitized
}

// CreateTempDataFile writes data to a uniquely named 0600 file in the temp
// dir. JSON data has every string leaf sanitized; CSV data must be a string;
// R code must be a string that passes ScanCode.
func (s *Sanitizer) CreateTempDataFile(data any, format string) (string, error) {
	var payload []byte
	switch format {
	case "json":
		clean, err := s.sanitizeJSON(data)
		if err != nil {
			return "", err
		}
		payload, err = json.Marshal(clean)
		if err != nil {
			return "", newError(ErrUnsupported, "encode %s data: %v", format, err)
		}
	case "csv":
		str, ok := data.(string)
		if !ok {
			return "", newError(ErrUnsupported, "CSV format requires string data")
		}
		payload = []byte(str)
	case "R":
		code, ok := data.(string)
		if !ok {
			return "", newError(ErrUnsupported, "R format requires string data")
		}
		if err := s.ScanCode(code); err != nil {
			return "", err
		}
		payload = []byte(code)
	default:
		return "", newError(ErrUnsupported, "unsupported file format %q", format)
	}

	if err := os.MkdirAll(s.tempDir, 0o700); err != nil {
		return "", fmt.Errorf("create temp dir: %w", err)
	}
	f, err := os.CreateTemp(s.tempDir, "rgw-*."+format)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	path := f.Name()

	if _, err := f.Write(payload); err != nil {
		f.Close()       //nolint:errcheck // already failing
		os.Remove(path) //nolint:errcheck // best effort
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path) //nolint:errcheck // best effort
		return "", fmt.Errorf("close temp file: %w", err)
	}

	s.logger.Debug("created temp data file", slog.String("path", path), slog.String("format", format))
	return path, nil
}

func (s *Sanitizer) sanitizeJSON(data any) (any, error) {
	switch v := data.(type) {
	case string:
		return s.SanitizeString(v)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			clean, err := s.sanitizeJSON(item)
			if err != nil {
				return nil, err
			}
			out[s.SanitizeIdentifier(k)] = clean
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			clean, err := s.sanitizeJSON(item)
			if err != nil {
				return nil, err
			}
			out[i] = clean
		}
		return out, nil
	case []map[string]any:
		out := make([]any, len(v))
		for i, item := range v {
			clean, err := s.sanitizeJSON(item)
			if err != nil {
				return nil, err
			}
			out[i] = clean
		}
		return out, nil
	case []string:
		out := make([]any, len(v))
		for i, item := range v {
			clean, err := s.SanitizeString(item)
			if err != nil {
				return nil, err
			}
			out[i] = clean
		}
		return out, nil
	case nil, bool, float64, float32, int, int64, json.Number:
		return v, nil
	default:
		return nil, newError(ErrUnsupported, "unsupported type %T", data)
	}
}

// Prepared holds canonical arguments and the temp files backing them
type Prepared struct {
	Values    map[string]any
	TempFiles []string
}

// PrepareArguments canonicalizes args for the interpreter. Existing regular
// files under an allowed root become absolute paths, scalars are sanitized
// inline, maps and lists are spilled to a temp file referenced as <key>_file.
// On error every temp file created so far is removed.
func (s *Sanitizer) PrepareArguments(args map[string]any) (*Prepared, error) {
	p := &Prepared{Values: make(map[string]any, len(args))}

	for key, value := range args {
		safeKey := s.SanitizeIdentifier(key)

		switch v := value.(type) {
		case string:
			if path, ok := s.allowedFile(v); ok {
				p.Values[safeKey] = path
				continue
			}
			clean, err := s.SanitizeString(v)
			if err != nil {
				s.Cleanup(p.TempFiles)
				return nil, fmt.Errorf("argument %s: %w", key, err)
			}
			p.Values[safeKey] = clean
		case bool, float64, float32, int, int64, json.Number:
			p.Values[safeKey] = v
		case nil:
			p.Values[safeKey] = nil
		case map[string]any, []any, []string, []map[string]any:
			path, err := s.CreateTempDataFile(v, "json")
			if err != nil {
				s.Cleanup(p.TempFiles)
				return nil, fmt.Errorf("argument %s: %w", key, err)
			}
			p.TempFiles = append(p.TempFiles, path)
			p.Values[safeKey+"_file"] = path
		default:
			s.Cleanup(p.TempFiles)
			return nil, newError(ErrUnsupported, "argument %s: unsupported type %T", key, value)
		}
	}
	return p, nil
}

// Spill writes data to a temp file and records it in p under <key>_file.
// It is used for values that must reach the interpreter unmodified, such as
// validated CSV content or scanned R code.
func (s *Sanitizer) Spill(p *Prepared, key string, data any, format string) error {
	path, err := s.CreateTempDataFile(data, format)
	if err != nil {
		return fmt.Errorf("argument %s: %w", key, err)
	}
	p.TempFiles = append(p.TempFiles, path)
	p.Values[s.SanitizeIdentifier(key)+"_file"] = path
	return nil
}

// allowedFile reports whether value names an existing regular file under one
// of the configured file roots
func (s *Sanitizer) allowedFile(value string) (string, bool) {
	if len(s.fileRoots) == 0 || !filepath.IsAbs(value) {
		return "", false
	}
	info, err := os.Lstat(value)
	if err != nil || !info.Mode().IsRegular() {
		return "", false
	}
	resolved, err := filepath.EvalSymlinks(value)
	if err != nil {
		return "", false
	}
	for _, root := range s.fileRoots {
		if within(root, resolved) {
			return resolved, true
		}
	}
	return "", false
}

// ValidateScriptPath returns the resolved absolute path of an existing .R
// file that lives under one of the allowed script directories
func (s *Sanitizer) ValidateScriptPath(path string) (string, error) {
	if path == "" {
		return "", newError(ErrScriptPath, "script path cannot be empty")
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", newError(ErrScriptPath, "resolve %s: %v", path, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", newError(ErrScriptPath, "R script not found: %s", path)
	}
	if !info.Mode().IsRegular() {
		return "", newError(ErrScriptPath, "not a file: %s", path)
	}
	if ext := filepath.Ext(abs); ext != ".R" && ext != ".r" {
		return "", newError(ErrScriptPath, "not an R script: %s", path)
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", newError(ErrScriptPath, "resolve %s: %v", path, err)
	}
	for _, dir := range s.scriptDirs {
		if within(dir, resolved) {
			return resolved, nil
		}
	}

	s.logger.Warn("R script outside allowed directories", slog.String("path", resolved))
	return "", newError(ErrScriptPath, "R script outside allowed directories: %s", path)
}

// BuildCommand returns the argv for one tool invocation. It is always an
// explicit argument vector, never a shell string.
func (s *Sanitizer) BuildCommand(interpreter, script, tool, argsFile, sessionDir string) ([]string, error) {
	if interpreter == "" {
		return nil, newError(ErrUnsupported, "interpreter cannot be empty")
	}
	safeScript, err := s.ValidateScriptPath(script)
	if err != nil {
		return nil, err
	}
	if !toolName.MatchString(tool) {
		return nil, newError(ErrInjection, "invalid tool name %q", tool)
	}
	for _, p := range []string{argsFile, sessionDir} {
		if p == "" || !filepath.IsAbs(p) || strings.ContainsRune(p, 0) {
			return nil, newError(ErrUnsupported, "path argument must be absolute: %q", p)
		}
	}

	return []string{interpreter, "--vanilla", safeScript, tool, argsFile, sessionDir}, nil
}

// Cleanup removes the given files if they live in the temp dir
func (s *Sanitizer) Cleanup(paths []string) {
	for _, path := range paths {
		if !within(s.tempDir, path) {
			s.logger.Warn("refusing to remove file outside temp dir", slog.String("path", path))
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to clean up temp file", slog.String("path", path), slog.String("error", err.Error()))
			continue
		}
		s.logger.Debug("cleaned up temp file", slog.String("path", path))
	}
}

// within reports whether path is a strict descendant of root, comparing
// against both the literal and the symlink-resolved root
func within(root, path string) bool {
	root = filepath.Clean(root)
	path = filepath.Clean(path)
	if descendant(root, path) {
		return true
	}
	if r, err := filepath.EvalSymlinks(root); err == nil && r != root {
		return descendant(r, path)
	}
	return false
}

func descendant(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}
