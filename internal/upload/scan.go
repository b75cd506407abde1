package upload

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

const (
	scanBytes = 1024 * 1024
	scanLines = 1000
)

// DefaultAllowed maps each accepted extension to the MIME types its content
// may be detected as
var DefaultAllowed = map[string][]string{
	".csv":  {"text/csv", "text/plain", "application/csv"},
	".xlsx": {"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"},
	".xls":  {"application/vnd.ms-excel"},
	".txt":  {"text/plain"},
	".json": {"application/json", "text/json"},
	".rds":  {"application/octet-stream", "application/gzip"},
	".pdf":  {"application/pdf"},
	".png":  {"image/png"},
	".jpg":  {"image/jpeg"},
	".jpeg": {"image/jpeg"},
}

// lenientExtensions only log a content-type mismatch
var lenientExtensions = []string{".txt", ".csv", ".rds"}

// signature is a byte pattern that marks a file as suspicious
type signature struct {
	name    string
	pattern []byte
	prefix  bool // only match at offset 0
}

var signatures = []signature{
	{name: "<script", pattern: []byte("<script")},
	{name: "<?php", pattern: []byte("<?php")},
	{name: "#!/bin/", pattern: []byte("#!/bin/")},
	{name: "MZ", pattern: []byte("MZ"), prefix: true},
	{name: `\x7fELF`, pattern: []byte("\x7fELF")},
	{name: "%!PS", pattern: []byte("%!PS")},
}

// DetectContentType sniffs the file's MIME type from its content
func DetectContentType(path string) (*mimetype.MIME, error) {
	m, err := mimetype.DetectFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to detect content type: %w", err)
	}
	return m, nil
}

// baseType strips MIME parameters such as charset
func baseType(m *mimetype.MIME) string {
	t, _, _ := strings.Cut(m.String(), ";")
	return strings.TrimSpace(t)
}

// contentMatches reports whether m or one of its parents is in allowed
func contentMatches(m *mimetype.MIME, allowed []string) bool {
	for cur := m; cur != nil; cur = cur.Parent() {
		for _, a := range allowed {
			if cur.Is(a) {
				return true
			}
		}
	}
	return false
}

// ScanForMalwarePatterns reports suspicious content in the first 1 MiB, and
// for text formats in the first 1000 lines. It is a heuristic, not a virus
// scanner.
func ScanForMalwarePatterns(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file for scanning: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only

	content, err := io.ReadAll(io.LimitReader(f, scanBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read file for scanning: %w", err)
	}

	var issues []string
	for _, sig := range signatures {
		hit := bytes.Contains(content, sig.pattern)
		if sig.prefix {
			hit = bytes.HasPrefix(content, sig.pattern)
		}
		if hit {
			issues = append(issues, fmt.Sprintf("dangerous pattern detected: %s", sig.name))
		}
	}

	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".csv" && ext != ".txt" && ext != ".json" {
		return issues, nil
	}

	text := strings.ToValidUTF8(string(content), "")
	lines := strings.SplitN(text, "\n", scanLines+1)
	if len(lines) > scanLines {
		lines = lines[:scanLines]
	}

	if ext == ".csv" {
		for i, line := range lines {
			trimmed := strings.TrimLeft(line, " \t\r\v\f")
			if trimmed != "" && strings.ContainsRune("=+-@|", rune(trimmed[0])) {
				issues = append(issues, fmt.Sprintf("CSV injection pattern on line %d", i+1))
			}
		}
	}

	if strings.Contains(strings.ToLower(strings.Join(lines, "\n")), "<script") {
		issues = append(issues, "script tag detected in text file")
	}

	return issues, nil
}

func isLenient(ext string) bool {
	return slices.Contains(lenientExtensions, ext)
}
