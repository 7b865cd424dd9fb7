package database

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kebairia/sitebackup/internal/logger"
)

// PurgeDumps removes *.gz files in dir older than days. The current-* links and
// the artifacts they point at are always kept. days <= 0 disables the purge.
func PurgeDumps(dir string, days int, now time.Time, log logger.Logger) ([]string, error) {
	if log == nil {
		log = logger.Nop()
	}
	if days <= 0 {
		return nil, nil
	}
	cutoff := now.Add(-time.Duration(days) * 24 * time.Hour)
	log.Info("removing database backups", "older_than_days", days, "dir", dir)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}

	keep := make(map[string]struct{})
	for _, e := range entries {
		if e.Type()&os.ModeSymlink == 0 || !strings.HasPrefix(e.Name(), "current-") {
			continue
		}
		if target, err := os.Readlink(filepath.Join(dir, e.Name())); err == nil {
			keep[filepath.Base(target)] = struct{}{}
		}
	}

	var removed []string
	for _, e := range entries {
		if !e.Type().IsRegular() || !strings.HasSuffix(e.Name(), ".gz") {
			continue
		}
		if _, ok := keep[e.Name()]; ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		log.Info("removing old dump", "path", path)
		if err := os.Remove(path); err != nil {
			return removed, fmt.Errorf("remove %s: %w", path, err)
		}
		removed = append(removed, path)
	}
	return removed, nil
}
