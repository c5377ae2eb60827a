package builder

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/sitesync/engine/pkg/logger"
	"go.uber.org/zap"
)

// Workspace is a scratch directory owned by exactly one deploy attempt.
type Workspace struct {
	dir string
}

func NewWorkspace(dir string) (*Workspace, error) {
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	return &Workspace{dir: dir}, nil
}

func (w *Workspace) Dir() string { return w.dir }

// path resolves a project-relative path inside the workspace.
func (w *Workspace) path(rel string) (string, error) {
	full := filepath.Join(w.dir, filepath.FromSlash(rel))
	if full != w.dir && !strings.HasPrefix(full, w.dir+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes workspace", rel)
	}
	return full, nil
}

// Write materializes files into the workspace.
func (w *Workspace) Write(files map[string][]byte) error {
	for rel, data := range files {
		full, err := w.path(rel)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return fmt.Errorf("create dir for %s: %w", rel, err)
		}
		if err := os.WriteFile(full, data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", rel, err)
		}
	}
	return nil
}

// Exists reports whether rel is present in the workspace.
func (w *Workspace) Exists(rel string) bool {
	full, err := w.path(rel)
	if err != nil {
		return false
	}
	_, err = os.Stat(full)
	return err == nil
}

// Restore copies every file of tmpl that the workspace lacks and returns the
// restored paths.
func (w *Workspace) Restore(tmpl fs.FS) ([]string, error) {
	var restored []string
	err := fs.WalkDir(tmpl, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || w.Exists(p) {
			return err
		}
		data, err := fs.ReadFile(tmpl, p)
		if err != nil {
			return err
		}
		if err := w.Write(map[string][]byte{p: data}); err != nil {
			return err
		}
		restored = append(restored, p)
		return nil
	})
	return restored, err
}

// Cleanup removes the workspace directory.
func (w *Workspace) Cleanup() error {
	if w == nil || w.dir == "" {
		return nil
	}
	if err := os.RemoveAll(w.dir); err != nil {
		logger.L().Warn("workspace cleanup failed", zap.String("dir", w.dir), zap.Error(err))
		return err
	}
	return nil
}
