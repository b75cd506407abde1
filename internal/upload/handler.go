// Package upload validates untrusted files in a private sandbox before
// storing them, quarantining anything suspicious.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/xid"

	"github.com/matheus-rech/meta-analysis-chatbot/internal/validate"
)

// DefaultMaxFileSize is used when Config.MaxSize is zero
const DefaultMaxFileSize = 50 * 1024 * 1024

// Status of a processed upload
type Status string

const (
	StatusValidated   Status = "validated"
	StatusQuarantined Status = "quarantined"
)

// Auditor records upload outcomes
type Auditor interface {
	LogFileUpload(filename string, size int64, fileType, result, sessionID string, details map[string]any) string
}

// Metrics counts upload outcomes
type Metrics interface {
	Upload(status string)
}

// Record describes a stored or quarantined file
type Record struct {
	OriginalFilename string    `json:"original_filename"`
	Filename         string    `json:"filename"`
	Size             int64     `json:"size"`
	ContentType      string    `json:"content_type"`
	Hashes           Hashes    `json:"hashes"`
	Status           Status    `json:"status"`
	StoragePath      string    `json:"storage_path"`
	Issues           []string  `json:"issues,omitempty"`
	UploadedAt       time.Time `json:"upload_time"`
}

// Config configures a Handler
type Config struct {
	UploadDir     string
	QuarantineDir string
	SandboxDir    string
	MaxSize       int64
	Allowed       map[string][]string // extension -> accepted MIME types
	Audit         Auditor
	Metrics       Metrics
	Logger        *slog.Logger
}

// Handler runs the upload pipeline
type Handler struct {
	uploadDir     string
	quarantineDir string
	sandboxDir    string
	maxSize       int64
	allowed       map[string][]string
	audit         Auditor
	metrics       Metrics
	logger        *slog.Logger
}

// NewHandler creates the owner-only upload, quarantine and sandbox directories
func NewHandler(cfg Config) (*Handler, error) {
	if cfg.UploadDir == "" || cfg.QuarantineDir == "" || cfg.SandboxDir == "" {
		return nil, fmt.Errorf("upload, quarantine and sandbox directories are required")
	}
	for _, dir := range []string{cfg.UploadDir, cfg.QuarantineDir, cfg.SandboxDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
		if err := os.Chmod(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to restrict %s: %w", dir, err)
		}
	}

	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxFileSize
	}
	if cfg.Allowed == nil {
		cfg.Allowed = DefaultAllowed
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Handler{
		uploadDir:     cfg.UploadDir,
		quarantineDir: cfg.QuarantineDir,
		sandboxDir:    cfg.SandboxDir,
		maxSize:       cfg.MaxSize,
		allowed:       maps.Clone(cfg.Allowed),
		audit:         cfg.Audit,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger,
	}, nil
}

// UploadDir returns the root of validated uploads
func (h *Handler) UploadDir() string {
	return h.uploadDir
}

// Options tune a single Store call
type Options struct {
	SessionID      string
	ExpectedDigest string // optional "sha256:<hex>"
}

// Store validates srcPath and moves a sandboxed copy into the upload area.
// Suspicious files are moved to quarantine and returned with an *Error whose
// Record is set. srcPath itself is never modified.
func (h *Handler) Store(ctx context.Context, srcPath, originalName string, opts Options) (*Record, error) {
	rec, err := h.store(ctx, srcPath, originalName, opts)
	h.report(originalName, rec, err, opts.SessionID)
	return rec, err
}

// StoreBase64 decodes base64 content into a private temp file and runs it
// through Store
func (h *Handler) StoreBase64(ctx context.Context, content, originalName string, opts Options) (*Record, error) {
	data, err := validate.Base64("content", content, int(h.maxSize))
	if err != nil {
		rejected := reject(StageDecode, err, "%v", err)
		h.report(originalName, nil, rejected, opts.SessionID)
		return nil, rejected
	}

	tmp, err := os.CreateTemp(h.sandboxDir, "incoming-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // best effort

	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck,gosec // already failing
		return nil, fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("failed to close temp file: %w", err)
	}

	return h.Store(ctx, tmp.Name(), originalName, opts)
}

func (h *Handler) store(ctx context.Context, srcPath, originalName string, opts Options) (*Record, error) {
	if opts.SessionID != "" {
		if _, err := validate.SessionID(opts.SessionID); err != nil {
			return nil, reject(StageFilename, err, "invalid session id")
		}
	}

	safeName, err := h.ValidateFilename(originalName)
	if err != nil {
		return nil, err
	}

	size, err := h.CheckFileSize(srcPath)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sandboxFile, cleanup, err := h.sandboxCopy(srcPath, safeName)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	rec := &Record{
		OriginalFilename: originalName,
		Filename:         safeName,
		Size:             size,
		UploadedAt:       time.Now().UTC(),
	}

	ext := strings.ToLower(filepath.Ext(safeName))
	mime, err := DetectContentType(sandboxFile)
	if err != nil {
		return nil, reject(StageContentType, err, "content type detection failed")
	}
	rec.ContentType = baseType(mime)

	var issues []string
	if !contentMatches(mime, h.allowed[ext]) {
		if isLenient(ext) {
			h.logger.Warn("content type mismatch",
				slog.String("filename", safeName),
				slog.String("detected", rec.ContentType),
				slog.Any("expected", h.allowed[ext]))
		} else {
			issues = append(issues, fmt.Sprintf("file content (%s) doesn't match extension %s", rec.ContentType, ext))
		}
	}

	scanIssues, err := ScanForMalwarePatterns(sandboxFile)
	if err != nil {
		return nil, reject(StageScan, err, "scan failed")
	}
	issues = append(issues, scanIssues...)

	if rec.Hashes, err = ComputeHashes(sandboxFile); err != nil {
		return nil, reject(StageStore, err, "hashing failed")
	}

	if len(issues) > 0 {
		return h.quarantine(rec, sandboxFile, issues)
	}

	if opts.ExpectedDigest != "" {
		if err := rec.Hashes.Verify(opts.ExpectedDigest); err != nil {
			return nil, reject(StageIntegrity, err, "%v", err)
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	destDir := h.uploadDir
	if opts.SessionID != "" {
		destDir = filepath.Join(h.uploadDir, opts.SessionID)
		if err := os.MkdirAll(destDir, 0o700); err != nil {
			return nil, reject(StageStore, err, "failed to create session upload directory")
		}
	}

	final, err := moveUnique(sandboxFile, destDir, safeName)
	if err != nil {
		return nil, reject(StageStore, err, "failed to store file")
	}

	rec.Status = StatusValidated
	rec.StoragePath = final
	rec.Filename = filepath.Base(final)

	h.logger.Info("file validated and stored",
		slog.String("filename", rec.Filename),
		slog.String("size", humanize.Bytes(uint64(rec.Size))))
	return rec, nil
}

// ValidateFilename reduces name to a safe basename with an allowed extension
func (h *Handler) ValidateFilename(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", reject(StageFilename, nil, "empty filename")
	}

	base := filepath.Base(strings.TrimSpace(name))
	if strings.Contains(base, "..") || strings.ContainsAny(base, `/\`) {
		return "", reject(StageFilename, nil, "invalid filename: contains path separators")
	}

	base = strings.ReplaceAll(base, " ", "_")
	safe, err := validate.Filename("filename", base, h.extensions())
	if err != nil {
		return "", reject(StageFilename, err, "invalid filename: %v", err)
	}

	safe = strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '.' || r == '_' || r == '-' {
			return r
		}
		return -1
	}, safe)

	if !strings.Contains(safe, ".") {
		return "", reject(StageFilename, nil, "filename must have an extension")
	}
	return safe, nil
}

// CheckFileSize rejects empty files and files above the size ceiling
func (h *Handler) CheckFileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, reject(StageSize, err, "cannot stat upload")
	}
	if !info.Mode().IsRegular() {
		return 0, reject(StageSize, nil, "upload is not a regular file")
	}
	size := info.Size()
	if size == 0 {
		return 0, reject(StageSize, nil, "empty file not allowed")
	}
	if size > h.maxSize {
		return 0, reject(StageSize, nil, "file too large: %s (max: %s)",
			humanize.Bytes(uint64(size)), humanize.Bytes(uint64(h.maxSize)))
	}
	return size, nil
}

func (h *Handler) extensions() []string {
	exts := slices.Collect(maps.Keys(h.allowed))
	slices.Sort(exts)
	return exts
}

// sandboxCopy copies src into a fresh owner-only directory
func (h *Handler) sandboxCopy(src, name string) (string, func(), error) {
	dir := filepath.Join(h.sandboxDir, xid.New().String())
	if err := os.Mkdir(dir, 0o700); err != nil {
		return "", nil, reject(StageSandbox, err, "failed to create sandbox directory")
	}
	cleanup := func() {
		if err := os.RemoveAll(dir); err != nil {
			h.logger.Warn("failed to remove sandbox directory", slog.String("dir", dir), slog.String("error", err.Error()))
		}
	}

	dst := filepath.Join(dir, name)
	if err := copyFile(src, dst); err != nil {
		cleanup()
		return "", nil, reject(StageSandbox, err, "failed to copy into sandbox")
	}
	return dst, cleanup, nil
}

// quarantine moves a suspicious file aside; quarantined files are never deleted
func (h *Handler) quarantine(rec *Record, sandboxFile string, issues []string) (*Record, error) {
	final, err := moveUnique(sandboxFile, h.quarantineDir, "SUSPICIOUS_"+rec.Filename)
	if err != nil {
		return nil, reject(StageStore, err, "failed to quarantine file")
	}

	rec.Status = StatusQuarantined
	rec.StoragePath = final
	rec.Issues = issues

	h.logger.Warn("file quarantined", slog.String("filename", rec.Filename), slog.Any("issues", issues))
	return rec, &Error{
		Stage:   StageScan,
		Message: "file failed security scan: " + strings.Join(issues, ", "),
		Record:  rec,
	}
}

func (h *Handler) report(originalName string, rec *Record, err error, sessionID string) {
	status := "rejected"
	var size int64
	var contentType string
	details := map[string]any{}

	if rec != nil {
		status = string(rec.Status)
		size = rec.Size
		contentType = rec.ContentType
		details["sha256"] = rec.Hashes.SHA256
		if len(rec.Issues) > 0 {
			details["issues"] = rec.Issues
		}
	}
	var uerr *Error
	if errors.As(err, &uerr) {
		details["stage"] = string(uerr.Stage)
		details["reason"] = uerr.Message
	} else if err != nil {
		details["reason"] = err.Error()
	}

	if h.metrics != nil {
		h.metrics.Upload(status)
	}
	if h.audit != nil {
		h.audit.LogFileUpload(originalName, size, contentType, status, sessionID, details)
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close() //nolint:errcheck // read-only

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()    //nolint:errcheck,gosec // already failing
		os.Remove(dst) //nolint:errcheck,gosec // already failing
		return err
	}
	return out.Close()
}

// moveUnique moves src into dir as name, adding a timestamp suffix (and a
// unique id if that is taken too) instead of overwriting
func moveUnique(src, dir, name string) (string, error) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	candidates := []string{
		name,
		fmt.Sprintf("%s_%s%s", stem, time.Now().Format("20060102_150405"), ext),
		fmt.Sprintf("%s_%s%s", stem, xid.New().String(), ext),
	}

	for _, c := range candidates {
		dst := filepath.Join(dir, c)
		if _, err := os.Lstat(dst); err == nil {
			continue
		}
		if err := copyFile(src, dst); err != nil {
			if errors.Is(err, os.ErrExist) {
				continue
			}
			return "", err
		}
		if err := os.Remove(src); err != nil {
			return "", err
		}
		return dst, nil
	}
	return "", fmt.Errorf("no free name for %s in %s", name, dir)
}
