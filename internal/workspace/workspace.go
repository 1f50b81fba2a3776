// Package workspace connects a directory on disk to the engine: it feeds file
// writes into the change queue and writes materialized files back out.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"lix/internal/file"
	"lix/internal/queue"
)

// DirName is the directory holding the engine state inside a workspace.
const DirName = ".lix"

// Sink receives the writes observed in a workspace.
type Sink interface {
	Enqueue(ctx context.Context, path string, data []byte, metadata map[string]any) (*queue.Entry, error)
	EnqueueDelete(ctx context.Context, path string) (*queue.Entry, error)
}

type Options struct {
	// Ignore holds doublestar patterns relative to the root.
	Ignore []string
	// Tracked limits the files handed to the sink, usually to paths some
	// plugin matches. Nil tracks every file.
	Tracked func(path string) bool
	Logger  *zap.Logger
}

type Workspace struct {
	Root    string
	ignore  []string
	tracked func(string) bool
	logger  *zap.Logger
}

func New(root string, opts Options) (*Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root %s: %w", root, err)
	}
	for _, p := range opts.Ignore {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid ignore pattern %q", p)
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Workspace{Root: abs, ignore: opts.Ignore, tracked: opts.Tracked, logger: logger}, nil
}

// Initialize creates the state directory of a workspace.
func Initialize(root string) (string, error) {
	dir := filepath.Join(root, DirName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating %s directory: %w", DirName, err)
	}
	return dir, nil
}

// FindRoot walks up from startDir to the first directory containing DirName.
func FindRoot(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", err
	}

	for {
		if info, err := os.Stat(filepath.Join(dir, DirName)); err == nil && info.IsDir() {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", errors.New("not inside a lix workspace")
}

// LixPath converts an absolute or root-relative OS path into the rooted
// slash path the engine uses.
func (w *Workspace) LixPath(osPath string) (string, error) {
	if filepath.IsAbs(osPath) {
		rel, err := filepath.Rel(w.Root, osPath)
		if err != nil {
			return "", err
		}
		osPath = rel
	}
	rel := filepath.ToSlash(filepath.Clean(osPath))
	if rel == "." {
		return "/", nil
	}
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%s is outside the workspace", osPath)
	}
	return "/" + strings.TrimPrefix(rel, "./"), nil
}

// OSPath maps an engine path to a location under the root.
func (w *Workspace) OSPath(lixPath string) string {
	return filepath.Join(w.Root, filepath.FromSlash(path.Clean("/"+lixPath)))
}

// ShouldIgnore reports whether a root-relative slash path matches an ignore
// pattern. Directories also match patterns covering their contents.
func (w *Workspace) ShouldIgnore(rel string, isDir bool) bool {
	rel = strings.TrimPrefix(rel, "/")
	if rel == "" || rel == "." {
		return false
	}
	for _, p := range w.ignore {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
		if isDir {
			if ok, _ := doublestar.Match(p, rel+"/x"); ok {
				return true
			}
		}
	}
	return false
}

func (w *Workspace) wants(lixPath string) bool {
	if w.ShouldIgnore(lixPath, false) {
		return false
	}
	return w.tracked == nil || w.tracked(lixPath)
}

// Scan enqueues every tracked file below the root and returns how many were
// handed to the sink.
func (w *Workspace) Scan(ctx context.Context, sink Sink) (int, error) {
	n := 0
	err := filepath.WalkDir(w.Root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		lp, err := w.LixPath(p)
		if err != nil {
			return err
		}
		if d.IsDir() {
			if w.ShouldIgnore(lp, true) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !w.wants(lp) {
			return nil
		}

		data, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("reading %s: %w", p, err)
		}
		if _, err := sink.Enqueue(ctx, lp, data, nil); err != nil {
			return err
		}
		n++
		return nil
	})
	return n, err
}

// Checkout writes files below the root and removes the previous files that
// are no longer present.
func (w *Workspace) Checkout(files, previous []file.File) (written, removed int, err error) {
	keep := make(map[string]bool, len(files))
	for _, f := range files {
		keep[f.Path] = true
		dst := w.OSPath(f.Path)
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return written, removed, fmt.Errorf("creating directory for %s: %w", f.Path, err)
		}
		if current, err := os.ReadFile(dst); err == nil && string(current) == string(f.Data) {
			continue
		}
		if err := os.WriteFile(dst, f.Data, 0644); err != nil {
			return written, removed, fmt.Errorf("writing %s: %w", f.Path, err)
		}
		written++
	}

	for _, f := range previous {
		if keep[f.Path] {
			continue
		}
		err := os.Remove(w.OSPath(f.Path))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return written, removed, fmt.Errorf("removing %s: %w", f.Path, err)
		}
		removed++
	}

	w.logger.Info("checked out files", zap.Int("written", written), zap.Int("removed", removed))
	return written, removed, nil
}
