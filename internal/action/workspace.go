package action

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

const workspacePrefix = "condastore-action-"

// Workspace is a temporary directory owned by a single action invocation.
// Anything inside it is gone once Close returns, so results that reference
// files in the workspace must be copied out with Materialize first.
type Workspace struct {
	path string

	once     sync.Once
	closeErr error
}

// NewWorkspace creates a fresh, uniquely named directory under parent. An
// empty parent means os.TempDir().
func NewWorkspace(parent string) (*Workspace, error) {
	if parent != "" {
		if err := os.MkdirAll(parent, 0755); err != nil {
			return nil, fmt.Errorf("creating workspace parent: %w", err)
		}
	}
	dir, err := os.MkdirTemp(parent, workspacePrefix)
	if err != nil {
		return nil, fmt.Errorf("creating workspace: %w", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("resolving workspace path: %w", err)
	}
	return &Workspace{path: abs}, nil
}

// Path returns the absolute workspace directory.
func (w *Workspace) Path() string {
	return w.path
}

// Join returns a path inside the workspace.
func (w *Workspace) Join(elem ...string) string {
	return filepath.Join(append([]string{w.path}, elem...)...)
}

// Close removes the workspace and everything in it. It is safe to call more
// than once; only the first call does any work.
func (w *Workspace) Close() error {
	w.once.Do(func() {
		w.closeErr = os.RemoveAll(w.path)
	})
	return w.closeErr
}

// Materialize copies src (a file or directory, relative paths resolved against
// the workspace) to dst outside the workspace.
func (w *Workspace) Materialize(src, dst string) error {
	if !filepath.IsAbs(src) {
		src = w.Join(src)
	}
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("materializing %s: %w", src, err)
	}
	if !info.IsDir() {
		return copyFile(src, dst, info.Mode().Perm())
	}
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm()|0700)
		case info.Mode()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		default:
			return copyFile(path, target, info.Mode().Perm())
		}
	})
}

func copyFile(src, dst string, perm fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("creating destination directory: %w", err)
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copying %s: %w", src, err)
	}
	return out.Close()
}
