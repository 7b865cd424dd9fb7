// Package archive packs and extracts the gzip-compressed tar stream that
// carries a generation's delta from the remote host.
package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/klauspost/pgzip"
	"github.com/spf13/afero"

	"github.com/kebairia/sitebackup/internal/logger"
)

// ErrPathTraversal is returned for an entry that would land outside the destination.
var ErrPathTraversal = errors.New("path traversal detected")

// Stats counts what an extraction wrote.
type Stats struct {
	Files   int
	Dirs    int
	Links   int
	Skipped int
	Bytes   int64
}

// Extract reads a tar.gz stream and writes its entries under destDir. Leading
// slashes are stripped the way tar does. Regular files are written to a hidden
// sibling and renamed, so an interrupted stream leaves no truncated file behind.
func Extract(ctx context.Context, fs afero.Fs, r io.Reader, destDir string) (Stats, error) {
	var st Stats

	gz, err := pgzip.NewReaderN(r, 1<<20, runtime.NumCPU())
	if err != nil {
		return st, fmt.Errorf("cannot create gzip reader: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	root := filepath.Clean(destDir)

	for {
		if err := ctx.Err(); err != nil {
			return st, err
		}

		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return st, fmt.Errorf("error reading tar: %w", err)
		}

		name := filepath.Clean(strings.TrimLeft(header.Name, "/"))
		target := filepath.Join(root, name)
		if name == ".." || strings.HasPrefix(name, "../") || !within(root, target) {
			return st, fmt.Errorf("%w: %s", ErrPathTraversal, header.Name)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := fs.MkdirAll(target, 0o755); err != nil {
				return st, fmt.Errorf("cannot create directory %s: %w", target, err)
			}
			st.Dirs++

		case tar.TypeReg:
			n, err := writeFile(fs, tr, target, header)
			if err != nil {
				return st, fmt.Errorf("error writing %s: %w", target, err)
			}
			st.Files++
			st.Bytes += n

		case tar.TypeSymlink:
			linker, ok := fs.(afero.Linker)
			if !ok {
				st.Skipped++
				continue
			}
			dest := header.Linkname
			if !filepath.IsAbs(dest) {
				dest = filepath.Join(filepath.Dir(target), dest)
			}
			if !within(root, dest) {
				st.Skipped++
				continue
			}
			if err := fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return st, fmt.Errorf("cannot create parent directory: %w", err)
			}
			_ = fs.Remove(target)
			if err := linker.SymlinkIfPossible(header.Linkname, target); err != nil {
				st.Skipped++
				continue
			}
			st.Links++

		case tar.TypeLink:
			n, err := extractHardLink(fs, root, target, header)
			if err != nil {
				return st, err
			}
			st.Files++
			st.Bytes += n

		default:
			st.Skipped++
		}
	}

	return st, nil
}

// extractHardLink materialises a hard link entry as a copy of the file it
// names, which an earlier entry of the same stream has already written.
func extractHardLink(fs afero.Fs, root, target string, header *tar.Header) (int64, error) {
	linkname := filepath.Clean(strings.TrimLeft(header.Linkname, "/"))
	src := filepath.Join(root, linkname)
	if linkname == ".." || strings.HasPrefix(linkname, "../") || !within(root, src) {
		return 0, fmt.Errorf("%w: %s -> %s", ErrPathTraversal, header.Name, header.Linkname)
	}
	in, err := fs.Open(src)
	if err != nil {
		return 0, fmt.Errorf("hard link %s: source %s: %w", target, header.Linkname, err)
	}
	defer in.Close()

	n, err := writeFile(fs, in, target, header)
	if err != nil {
		return n, fmt.Errorf("error writing %s: %w", target, err)
	}
	return n, nil
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func writeFile(fs afero.Fs, r io.Reader, target string, header *tar.Header) (int64, error) {
	if err := fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, err
	}
	tmp := filepath.Join(filepath.Dir(target), "."+filepath.Base(target)+".partial")
	mode := header.FileInfo().Mode().Perm()
	if mode == 0 {
		mode = 0o644
	}
	out, err := fs.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, r)
	if err != nil {
		out.Close()
		_ = fs.Remove(tmp)
		return n, err
	}
	if err := out.Close(); err != nil {
		_ = fs.Remove(tmp)
		return n, err
	}
	if !header.ModTime.IsZero() {
		_ = fs.Chtimes(tmp, header.ModTime, header.ModTime)
	}
	if err := fs.Rename(tmp, target); err != nil {
		_ = fs.Remove(tmp)
		return n, err
	}
	return n, nil
}

// Pack writes the listed paths as a tar.gz stream. Entry names drop the leading
// slash. Paths that vanished or cannot be read are skipped with a warning so a
// changing source tree does not abort the whole transfer.
func Pack(ctx context.Context, fs afero.Fs, w io.Writer, paths []string, log logger.Logger) (Stats, error) {
	if log == nil {
		log = logger.Nop()
	}
	var st Stats

	gz := pgzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		n, err := addFile(fs, tw, p)
		if errors.Is(err, errSkip) {
			log.Warn("skipping path", "path", p)
			st.Skipped++
			continue
		}
		if errors.Is(err, errShrunk) {
			log.Warn("file shrank while being read, padded with zeros", "path", p, "read", n)
			err = nil
		}
		if err != nil {
			return st, fmt.Errorf("pack %s: %w", p, err)
		}
		st.Files++
		st.Bytes += n
	}

	if err := tw.Close(); err != nil {
		return st, fmt.Errorf("close tar writer: %w", err)
	}
	if err := gz.Close(); err != nil {
		return st, fmt.Errorf("close gzip writer: %w", err)
	}
	return st, nil
}

var (
	errSkip   = errors.New("skip")
	errShrunk = errors.New("file shrank")
)

func addFile(fs afero.Fs, tw *tar.Writer, path string) (int64, error) {
	f, err := fs.Open(path)
	if err != nil {
		return 0, errSkip
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		return 0, errSkip
	}

	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return 0, err
	}
	header.Name = strings.TrimLeft(filepath.ToSlash(path), "/")

	if err := tw.WriteHeader(header); err != nil {
		return 0, err
	}
	n, err := io.CopyN(tw, f, header.Size)
	if errors.Is(err, io.EOF) {
		// the header already promised header.Size bytes
		if _, padErr := io.CopyN(tw, zeros{}, header.Size-n); padErr != nil {
			return n, padErr
		}
		return n, errShrunk
	}
	return n, err
}

type zeros struct{}

func (zeros) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}
