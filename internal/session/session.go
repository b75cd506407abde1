// Package session owns per-analysis working directories under a single root.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/matheus-rech/meta-analysis-chatbot/internal/validate"
)

// Subdirectories created in every session
var Subdirs = []string{"input", "processing", "results", "tmp"}

const metadataFile = "session.json"

var (
	// ErrNotFound is returned when a session directory does not exist
	ErrNotFound = errors.New("session not found")
	// ErrOutsideRoot is returned when a session path escapes the sessions root
	ErrOutsideRoot = errors.New("session path escapes sessions root")
)

// Session is a resolved session directory
type Session struct {
	ID        string
	Path      string
	CreatedAt time.Time
}

// Dir returns one of the session subdirectories
func (s *Session) Dir(sub string) string {
	return filepath.Join(s.Path, sub)
}

// TmpDir holds per-call argument files
func (s *Session) TmpDir() string {
	return s.Dir("tmp")
}

// Metadata is written to session.json when a session is initialized
type Metadata struct {
	SessionID     string    `json:"session_id"`
	Name          string    `json:"name"`
	StudyType     string    `json:"study_type"`
	EffectMeasure string    `json:"effect_measure"`
	AnalysisModel string    `json:"analysis_model"`
	Created       time.Time `json:"created"`
	Status        string    `json:"status"`
}

// Manager resolves session ids to directories under root
type Manager struct {
	root   string
	logger *slog.Logger
}

// NewManager creates root (0700) and resolves its symlinks once
func NewManager(root string, logger *slog.Logger) (*Manager, error) {
	if root == "" {
		return nil, fmt.Errorf("sessions root cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create sessions root: %w", err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve sessions root: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve sessions root: %w", err)
	}
	return &Manager{root: resolved, logger: logger}, nil
}

// Root returns the resolved sessions root
func (m *Manager) Root() string {
	return m.root
}

// NewID returns a fresh 32-hex-character session id
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Create allocates a session, creates its directories and writes
// session.json. A fresh id is generated unless meta.SessionID is set.
func (m *Manager) Create(meta Metadata) (*Session, error) {
	id := meta.SessionID
	if id == "" {
		id = NewID()
	}
	s, err := m.Resolve(id, true)
	if err != nil {
		return nil, err
	}

	meta.SessionID = s.ID
	meta.Created = s.CreatedAt
	if meta.Status == "" {
		meta.Status = "initialized"
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode session metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.Path, metadataFile), data, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write session metadata: %w", err)
	}

	m.logger.Info("session created", slog.String("session_id", s.ID))
	return s, nil
}

// Resolve validates id and returns its directory, which must be a strict
// descendant of the root. With create, missing directories are made.
func (m *Manager) Resolve(id string, create bool) (*Session, error) {
	id, err := validate.SessionID(id)
	if err != nil {
		return nil, err
	}

	path := filepath.Join(m.root, id)
	if err := m.contained(path); err != nil {
		return nil, err
	}

	info, err := os.Lstat(path)
	switch {
	case err == nil && info.Mode()&os.ModeSymlink != 0:
		return nil, fmt.Errorf("%w: %s is a symlink", ErrOutsideRoot, id)
	case err == nil && !info.IsDir():
		return nil, fmt.Errorf("session %s is not a directory", id)
	case errors.Is(err, os.ErrNotExist) && !create:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	case err != nil && !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("failed to stat session: %w", err)
	}

	if create {
		if err := os.MkdirAll(path, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create session directory: %w", err)
		}
		for _, sub := range Subdirs {
			if err := os.MkdirAll(filepath.Join(path, sub), 0o700); err != nil {
				return nil, fmt.Errorf("failed to create session %s directory: %w", sub, err)
			}
		}
	}

	created := time.Now().UTC()
	if info, err := os.Stat(path); err == nil {
		created = info.ModTime().UTC()
	}
	return &Session{ID: id, Path: path, CreatedAt: created}, nil
}

// Metadata reads session.json for an existing session
func (m *Manager) Metadata(id string) (*Metadata, error) {
	s, err := m.Resolve(id, false)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.Path, metadataFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read session metadata: %w", err)
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to decode session metadata: %w", err)
	}
	return &meta, nil
}

// contained checks that path is a strict descendant of the root
func (m *Manager) contained(path string) error {
	rel, err := filepath.Rel(m.root, filepath.Clean(path))
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return ErrOutsideRoot
	}
	return nil
}
