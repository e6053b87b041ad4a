// Package workspace manages the per-run source files written to the host
// directory that is bind-mounted into sandboxes.
//
// Every file is named after its run ID, so concurrent runs share the
// directory without locking. Cleanup is idempotent.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/isdmx/coderun/language"
)

// File permission constants
const (
	DirPermission  = 0o755
	FilePermission = 0o644 // sandbox users must be able to read the mounted source
)

// ErrWrite wraps any failure to place a run's source on the host.
var ErrWrite = errors.New("workspace write failed")

// Manager creates and removes run files inside a single directory.
type Manager struct {
	fs     afero.Fs
	dir    string
	logger *zap.Logger
}

// Option defines a functional option for Manager
type Option func(*Manager)

// WithFs sets the filesystem used by the Manager. Tests pass afero.NewMemMapFs().
func WithFs(fs afero.Fs) Option {
	return func(m *Manager) {
		m.fs = fs
	}
}

// New creates a Manager rooted at dir on the OS filesystem unless overridden.
func New(dir string, logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		fs:     afero.NewOsFs(),
		dir:    filepath.Clean(dir),
		logger: logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Dir returns the workspace directory.
func (m *Manager) Dir() string {
	return m.dir
}

// EnsureDir creates the workspace directory if needed and checks that it is writable.
func (m *Manager) EnsureDir() error {
	if !filepath.IsAbs(m.dir) {
		return fmt.Errorf("workspace dir must be absolute: %s", m.dir)
	}
	if err := m.fs.MkdirAll(m.dir, DirPermission); err != nil {
		return fmt.Errorf("create workspace dir %s: %w", m.dir, err)
	}

	probe := filepath.Join(m.dir, ".probe-"+uuid.NewString())
	if err := afero.WriteFile(m.fs, probe, nil, FilePermission); err != nil {
		return fmt.Errorf("workspace dir %s is not writable: %w", m.dir, err)
	}
	if err := m.fs.Remove(probe); err != nil {
		return fmt.Errorf("remove workspace probe: %w", err)
	}

	m.logger.Info("workspace ready", zap.String("dir", m.dir))
	return nil
}

// Write stores code for the given run and returns its host path.
func (m *Manager) Write(runID uuid.UUID, lang language.Language, code string) (string, error) {
	name := lang.SourceFilename(runID)
	if name == "" {
		return "", fmt.Errorf("%w: no source filename for language %q", ErrWrite, lang)
	}

	path := filepath.Join(m.dir, name)
	if err := afero.WriteFile(m.fs, path, []byte(code), FilePermission); err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrWrite, path, err)
	}

	m.logger.Debug("code written to temporary file", zap.String("path", path))
	return path, nil
}

// ArtifactPath returns the host path of the build artifact belonging to
// sourcePath, or "" when lang produces none.
func (*Manager) ArtifactPath(sourcePath string, lang language.Language) string {
	artifact := lang.ArtifactFor(filepath.Base(sourcePath))
	if artifact == "" {
		return ""
	}
	return filepath.Join(filepath.Dir(sourcePath), artifact)
}

// Cleanup removes the source file and any derived artifact. Files that are
// already gone are not an error, so calling it twice is safe.
func (m *Manager) Cleanup(sourcePath string, lang language.Language) error {
	if sourcePath == "" {
		return nil
	}

	var err error
	for _, p := range []string{sourcePath, m.ArtifactPath(sourcePath, lang)} {
		if p == "" {
			continue
		}
		if rmErr := m.fs.Remove(p); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			err = multierr.Append(err, fmt.Errorf("remove %s: %w", p, rmErr))
			continue
		}
		m.logger.Debug("removed temporary file", zap.String("path", p))
	}
	return err
}
