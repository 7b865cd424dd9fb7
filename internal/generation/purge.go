package generation

import (
	"errors"
	"fmt"
	"time"

	"github.com/kebairia/sitebackup/internal/logger"
)

// ErrInvalidRetention is returned for a retention window that would empty the archive.
var ErrInvalidRetention = errors.New("retention window must be positive")

// Purge removes every generation other than reference whose modification time
// is strictly older than reference's modification time minus window. A
// generation exactly at the boundary is kept; the reference is never removed.
func (r *Registry) Purge(reference Generation, window time.Duration, log logger.Logger) ([]Generation, error) {
	if log == nil {
		log = logger.Nop()
	}
	if window <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRetention, window)
	}

	refInfo, err := r.FS.Stat(reference.Dir)
	if err != nil {
		return nil, fmt.Errorf("stat reference generation: %w", err)
	}
	cutoff := refInfo.ModTime().Add(-window)

	gens, err := r.List()
	if err != nil {
		return nil, err
	}

	log.Info("removing generations older than retention window",
		"window", window.String(),
		"reference", reference.Dir,
		"cutoff", cutoff.Format(time.RFC3339),
	)

	var removed []Generation
	for _, g := range gens {
		if g.Dir == reference.Dir {
			continue
		}
		info, err := r.FS.Stat(g.Dir)
		if err != nil {
			log.Warn("cannot stat generation", "dir", g.Dir, "error", err.Error())
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		log.Info("removing generation", "dir", g.Dir, "modified", info.ModTime().Format(time.RFC3339))
		if err := r.FS.RemoveAll(g.Dir); err != nil {
			return removed, fmt.Errorf("remove %s: %w", g.Dir, err)
		}
		removed = append(removed, g)
	}
	return removed, nil
}

// PurgeDays is Purge with a window expressed in days.
func (r *Registry) PurgeDays(reference Generation, days int, log logger.Logger) ([]Generation, error) {
	return r.Purge(reference, time.Duration(days)*24*time.Hour, log)
}
