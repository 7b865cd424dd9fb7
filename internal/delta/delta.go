// Package delta compares a generation's catalog with the previous generation's,
// reuses unchanged files by local copy and writes the list of paths that still
// have to be transferred.
package delta

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/kebairia/sitebackup/internal/catalog"
	"github.com/kebairia/sitebackup/internal/logger"
)

// DefaultExclusions are path fragments never transferred.
var DefaultExclusions = []string{"/tmp/", "/cache/", "/thumbnails/"}

// Classification splits two file lists by full signature line.
type Classification struct {
	Added   []string // in current only; includes files whose size or mtime changed
	Common  []string // identical line in both
	Removed []string // in previous only
}

// Classify compares raw file list lines. Added and Common keep the order of
// current, Removed keeps the order of previous. Duplicate lines count once.
func Classify(current, previous []string) Classification {
	prev := make(map[string]struct{}, len(previous))
	for _, l := range previous {
		prev[l] = struct{}{}
	}
	cur := make(map[string]struct{}, len(current))

	var c Classification
	for _, l := range current {
		if _, dup := cur[l]; dup {
			continue
		}
		cur[l] = struct{}{}
		if _, ok := prev[l]; ok {
			c.Common = append(c.Common, l)
		} else {
			c.Added = append(c.Added, l)
		}
	}
	seen := make(map[string]struct{}, len(previous))
	for _, l := range previous {
		if _, ok := cur[l]; ok {
			continue
		}
		if _, dup := seen[l]; dup {
			continue
		}
		seen[l] = struct{}{}
		c.Removed = append(c.Removed, l)
	}
	return c
}

// Engine computes the delta for one generation. Previous is fixed for the
// lifetime of the engine so every retry diffs against the same generation.
type Engine struct {
	FS       afero.Fs
	Dir      string // current generation directory
	Previous string // previous generation directory, empty when seeding
	Exclude  []string
	Logger   logger.Logger
}

// Result summarises one Prepare pass.
type Result struct {
	Delta    []string
	Added    int
	Common   int
	Removed  int
	Reused   int // copied from the previous generation during this pass
	Fallback int // common files missing from the previous generation's tree
	Present  int // already on disk from an earlier pass
	Excluded int
}

func (e *Engine) log() logger.Logger {
	if e.Logger == nil {
		return logger.Nop()
	}
	return e.Logger
}

// Excluded reports whether path matches one of the exclusion fragments.
func (e *Engine) Excluded(path string) bool {
	patterns := e.Exclude
	if patterns == nil {
		patterns = DefaultExclusions
	}
	for _, p := range patterns {
		if strings.Contains(path, p) {
			return true
		}
	}
	return false
}

// local maps a catalog path to its location under base.
func local(base, path string) string {
	return filepath.Join(base, strings.TrimPrefix(path, "/"))
}

func (e *Engine) exists(path string) bool {
	_, err := e.FS.Stat(local(e.Dir, path))
	return err == nil
}

// Prepare creates the directory skeleton, reuses unchanged files from the
// previous generation and writes the delta file. It can be rerun after a
// partial transfer: files already on disk never reappear in the delta.
func (e *Engine) Prepare(ctx context.Context) (Result, error) {
	log := e.log()
	var res Result

	log.Info("creating local directories", "generation", e.Dir)
	dirs, err := catalog.ReadLines(e.FS, filepath.Join(e.Dir, catalog.DirListName))
	if err != nil {
		return res, fmt.Errorf("read dirlist: %w", err)
	}
	for _, d := range dirs {
		if err := e.FS.MkdirAll(local(e.Dir, d), 0o755); err != nil {
			return res, fmt.Errorf("mkdir %q: %w", d, err)
		}
	}

	current, err := catalog.ReadLines(e.FS, filepath.Join(e.Dir, catalog.FileListName))
	if err != nil {
		return res, fmt.Errorf("read filelist: %w", err)
	}

	var previous []string
	seed := e.Previous == ""
	if !seed {
		previous, err = catalog.ReadLines(e.FS, filepath.Join(e.Previous, catalog.FileListName))
		if err != nil {
			log.Warn("previous filelist is unreadable, building delta from current filelist",
				"previous", e.Previous, "error", err.Error())
			seed = true
		}
	}

	var (
		delta []string
		added = make(map[string]struct{})
	)
	push := func(path string) {
		if _, dup := added[path]; dup {
			return
		}
		added[path] = struct{}{}
		delta = append(delta, path)
	}
	// eligible applies the transfer filter shared by every branch.
	eligible := func(path string) bool {
		if e.Excluded(path) {
			res.Excluded++
			return false
		}
		if e.exists(path) {
			res.Present++
			return false
		}
		return true
	}

	if seed {
		log.Info("delta generated using current filelist", "files", len(current))
		for _, line := range current {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			if p := catalog.PathOf(line); eligible(p) {
				push(p)
			}
		}
		res.Added = len(current)
	} else {
		log.Info("delta generation using data from previous backup", "previous", e.Previous)
		cls := Classify(current, previous)
		res.Added, res.Common, res.Removed = len(cls.Added), len(cls.Common), len(cls.Removed)

		for _, line := range cls.Added {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			if p := catalog.PathOf(line); eligible(p) {
				push(p)
			}
		}

		for _, line := range cls.Common {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			p := catalog.PathOf(line)
			copied, err := e.reuse(p)
			switch {
			case err == nil && copied:
				res.Reused++
			case err == nil:
				res.Present++
			default:
				if !errors.Is(err, errSourceMissing) {
					log.Warn("reuse from previous backup failed", "path", p, "error", err.Error())
				}
				res.Fallback++
				if eligible(p) {
					push(p)
				}
			}
		}

		if err := catalog.WriteLines(e.FS, filepath.Join(e.Dir, catalog.RemovedName), pathsOf(cls.Removed)); err != nil {
			return res, fmt.Errorf("write removed list: %w", err)
		}
	}

	if err := catalog.WriteLines(e.FS, filepath.Join(e.Dir, catalog.DeltaName), delta); err != nil {
		return res, fmt.Errorf("write delta: %w", err)
	}
	res.Delta = delta

	log.Info("delta written",
		"delta", len(delta),
		"added", res.Added,
		"common", res.Common,
		"removed", res.Removed,
		"reused", res.Reused,
		"fallback", res.Fallback,
	)
	return res, nil
}

var errSourceMissing = errors.New("source missing from previous generation")

// reuse copies path from the previous generation unless it is already present.
// It reports whether a copy happened.
func (e *Engine) reuse(path string) (bool, error) {
	src := local(e.Previous, path)
	in, err := e.FS.Open(src)
	if err != nil {
		return false, errSourceMissing
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil || !info.Mode().IsRegular() {
		return false, errSourceMissing
	}
	if e.exists(path) {
		return false, nil
	}
	if err := copyInto(e.FS, in, info, local(e.Dir, path)); err != nil {
		return false, err
	}
	return true, nil
}

// copyInto writes r to a hidden sibling of dst and renames it into place, so an
// interrupted copy never leaves a file the existence checks would trust.
func copyInto(fs afero.Fs, r io.Reader, info os.FileInfo, dst string) error {
	if err := fs.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	tmp := filepath.Join(filepath.Dir(dst), "."+filepath.Base(dst)+".partial")
	out, err := fs.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		_ = fs.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		_ = fs.Remove(tmp)
		return err
	}
	if err := fs.Chtimes(tmp, info.ModTime(), info.ModTime()); err != nil {
		_ = fs.Remove(tmp)
		return err
	}
	if err := fs.Rename(tmp, dst); err != nil {
		_ = fs.Remove(tmp)
		return err
	}
	return nil
}

func pathsOf(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		out = append(out, catalog.PathOf(l))
	}
	return out
}
