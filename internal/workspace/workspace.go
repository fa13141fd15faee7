// Package workspace owns the temp directory that holds per-request PDF input
// and HTML output files.
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// ErrSetup signals that the workspace directory cannot be created or accessed.
var ErrSetup = errors.New("workspace setup failed")

// Workspace is a directory shared by concurrent requests. File names are
// namespaced by a per-request id so no locking is needed.
type Workspace struct {
	dir string
}

// Paths are the files belonging to one conversion.
type Paths struct {
	ID   string
	PDF  string
	HTML string
}

// New resolves dir to an absolute path. It does not touch the filesystem.
func New(dir string) (*Workspace, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %q: %w", ErrSetup, dir, err)
	}
	return &Workspace{dir: abs}, nil
}

// Dir returns the absolute workspace directory.
func (w *Workspace) Dir() string { return w.dir }

// Ensure creates the workspace directory if it is not accessible.
func (w *Workspace) Ensure() error {
	return Ensure(w.dir)
}

// Ensure is idempotent: an existing directory is left as is.
func Ensure(dir string) error {
	info, err := os.Stat(dir)
	if err == nil {
		if !info.IsDir() {
			return fmt.Errorf("%w: %s is not a directory", ErrSetup, dir)
		}
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil && !errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("%w: %w", ErrSetup, err)
	}
	return nil
}

// NewID returns a fresh conversion id.
func NewID() string {
	return uuid.NewString()
}

// Allocate returns the file paths for a fresh conversion id.
func (w *Workspace) Allocate() Paths {
	return w.Paths(NewID())
}

// Paths derives the input and output file names for id.
func (w *Workspace) Paths(id string) Paths {
	return Paths{
		ID:   id,
		PDF:  filepath.Join(w.dir, id+".pdf"),
		HTML: filepath.Join(w.dir, id+"-html.html"),
	}
}
