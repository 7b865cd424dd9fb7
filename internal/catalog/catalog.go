// Package catalog describes a generation's source tree: a file list of
// path|size|mtime signatures and a directory list of bare paths.
package catalog

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"
)

const (
	FileListName = "filelist"
	DirListName  = "dirlist"
	DeltaName    = "delta"
	RemovedName  = "removed"

	// CompleteName marks a generation whose every delta path arrived.
	CompleteName = ".complete"

	separator = "|"
)

// ErrMalformedRecord is returned for a file list line that is not path|size|mtime.
var ErrMalformedRecord = errors.New("malformed catalog record")

// FileRecord is a file's signature at catalog time. Two records with the same
// path, size and mtime are treated as the same content.
type FileRecord struct {
	Path    string
	Size    int64
	ModTime float64 // seconds since epoch, sub-second precision kept
}

// NewFileRecord builds a record from a path and stat data.
func NewFileRecord(path string, size int64, mtime time.Time) FileRecord {
	return FileRecord{
		Path:    path,
		Size:    size,
		ModTime: float64(mtime.UnixNano()) / float64(time.Second),
	}
}

// Line renders the record without the trailing newline.
func (r FileRecord) Line() string {
	return r.Path + separator +
		strconv.FormatInt(r.Size, 10) + separator +
		strconv.FormatFloat(r.ModTime, 'f', -1, 64)
}

// Time returns the modification time as a time.Time.
func (r FileRecord) Time() time.Time {
	sec, frac := math.Modf(r.ModTime)
	return time.Unix(int64(sec), int64(frac*float64(time.Second)))
}

// ParseRecord parses one file list line. Paths may contain the separator, so
// size and mtime are taken from the right.
func ParseRecord(line string) (FileRecord, error) {
	line = strings.TrimRight(line, "\r\n")
	last := strings.LastIndex(line, separator)
	if last <= 0 {
		return FileRecord{}, fmt.Errorf("%w: %q", ErrMalformedRecord, line)
	}
	mid := strings.LastIndex(line[:last], separator)
	if mid <= 0 {
		return FileRecord{}, fmt.Errorf("%w: %q", ErrMalformedRecord, line)
	}

	size, err := strconv.ParseInt(line[mid+1:last], 10, 64)
	if err != nil {
		return FileRecord{}, fmt.Errorf("%w: size in %q: %v", ErrMalformedRecord, line, err)
	}
	mtime, err := strconv.ParseFloat(line[last+1:], 64)
	if err != nil {
		return FileRecord{}, fmt.Errorf("%w: mtime in %q: %v", ErrMalformedRecord, line, err)
	}
	return FileRecord{Path: line[:mid], Size: size, ModTime: mtime}, nil
}

// PathOf returns the path component of a raw file list line without parsing
// the metadata. Lines without a separator are returned as they are.
func PathOf(line string) string {
	line = strings.TrimRight(line, "\r\n")
	last := strings.LastIndex(line, separator)
	if last < 0 {
		return line
	}
	mid := strings.LastIndex(line[:last], separator)
	if mid < 0 {
		return line[:last]
	}
	return line[:mid]
}

// ReadLines reads a list file and returns its non-empty lines in order,
// without trailing newlines.
func ReadLines(fs afero.Fs, path string) ([]string, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, err
	}
	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", path, err)
	}
	return lines, nil
}

// WriteLines writes one entry per line, replacing the file.
func WriteLines(fs afero.Fs, path string, lines []string) error {
	var buf bytes.Buffer
	for _, l := range lines {
		buf.WriteString(l)
		buf.WriteByte('\n')
	}
	return afero.WriteFile(fs, path, buf.Bytes(), 0o644)
}
