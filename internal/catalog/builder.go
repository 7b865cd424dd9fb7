package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/kebairia/sitebackup/internal/logger"
)

// Builder walks a source tree and writes its catalog.
type Builder struct {
	FS     afero.Fs
	Logger logger.Logger
}

// Summary counts what a build recorded.
type Summary struct {
	Files   int
	Dirs    int
	Skipped int
	Bytes   int64
}

// Build walks root and writes dirlist and filelist into outDir. Files whose
// metadata cannot be read are skipped with a warning; symlinks are followed for
// metadata but links to directories are not descended. Nothing is filtered here.
func (b *Builder) Build(ctx context.Context, root, outDir string) (Summary, error) {
	log := b.Logger
	if log == nil {
		log = logger.Nop()
	}

	var (
		sum   Summary
		files []string
		dirs  []string
		seen  = make(map[string]struct{})
	)

	err := afero.Walk(b.FS, root, func(path string, info os.FileInfo, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if path == root {
				return err
			}
			log.Warn("could not get info", "path", path, "error", err.Error())
			sum.Skipped++
			if info != nil && info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.IsDir() {
			return nil
		}

		if info.Mode()&os.ModeSymlink != 0 {
			target, statErr := b.FS.Stat(path)
			if statErr != nil {
				log.Warn("could not get info", "path", path, "error", statErr.Error())
				sum.Skipped++
				return nil
			}
			info = target
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		rec := NewFileRecord(path, info.Size(), info.ModTime())
		files = append(files, rec.Line())
		sum.Files++
		sum.Bytes += info.Size()

		dir := filepath.Dir(path)
		if _, ok := seen[dir]; !ok {
			seen[dir] = struct{}{}
			dirs = append(dirs, dir)
		}
		return nil
	})
	if err != nil {
		return sum, fmt.Errorf("walk %s: %w", root, err)
	}
	sum.Dirs = len(dirs)

	if err := b.FS.MkdirAll(outDir, 0o755); err != nil {
		return sum, fmt.Errorf("mkdir %q: %w", outDir, err)
	}
	if err := WriteLines(b.FS, filepath.Join(outDir, DirListName), dirs); err != nil {
		return sum, fmt.Errorf("write dirlist: %w", err)
	}
	if err := WriteLines(b.FS, filepath.Join(outDir, FileListName), files); err != nil {
		return sum, fmt.Errorf("write filelist: %w", err)
	}

	log.Info("catalog written",
		"root", root,
		"files", sum.Files,
		"dirs", sum.Dirs,
		"skipped", sum.Skipped,
		"bytes", sum.Bytes,
	)
	return sum, nil
}
