// Package generation manages the timestamped backup directories of a domain:
// creation, ordering, previous-generation lookup, locking and retention.
package generation

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/afero"

	"github.com/kebairia/sitebackup/internal/catalog"
)

// Layout is the directory name format of a generation.
const Layout = "200601021504"

// Generation is one backup attempt of a domain.
type Generation struct {
	Domain string
	Time   time.Time
	Dir    string
}

// Name returns the directory name of the generation.
func (g Generation) Name() string { return g.Time.Format(Layout) }

// Registry lists the generations under <root>/<domain>.
type Registry struct {
	FS     afero.Fs
	Root   string
	Domain string
}

// DomainDir is the parent of every generation of the domain.
func (r *Registry) DomainDir() string {
	return filepath.Join(r.Root, r.Domain)
}

// Create makes the directory for a generation starting at now. Creating the
// same minute twice returns the existing directory.
func (r *Registry) Create(now time.Time) (Generation, error) {
	t := now.Truncate(time.Minute)
	g := Generation{
		Domain: r.Domain,
		Time:   t,
		Dir:    filepath.Join(r.DomainDir(), t.Format(Layout)),
	}
	if err := r.FS.MkdirAll(g.Dir, 0o755); err != nil {
		return Generation{}, fmt.Errorf("create generation %s: %w", g.Dir, err)
	}
	return g, nil
}

// List returns every generation of the domain, oldest first. Entries whose
// name is not a generation timestamp are ignored.
func (r *Registry) List() ([]Generation, error) {
	entries, err := afero.ReadDir(r.FS, r.DomainDir())
	if err != nil {
		if errors.Is(err, afero.ErrFileNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list generations: %w", err)
	}

	var gens []Generation
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		t, err := time.ParseInLocation(Layout, e.Name(), time.Local)
		if err != nil {
			continue
		}
		gens = append(gens, Generation{
			Domain: r.Domain,
			Time:   t,
			Dir:    filepath.Join(r.DomainDir(), e.Name()),
		})
	}
	sort.Slice(gens, func(i, j int) bool { return gens[i].Time.Before(gens[j].Time) })
	return gens, nil
}

// Previous returns the generation the current one reuses files from: the
// newest complete generation older than current, or failing that the newest
// older one whose filelist is readable. ok is false when there is none and
// the current generation must be seeded from scratch.
func (r *Registry) Previous(current Generation) (Generation, bool, error) {
	gens, err := r.List()
	if err != nil {
		return Generation{}, false, err
	}

	var (
		fallback Generation
		found    bool
	)
	for i := len(gens) - 1; i >= 0; i-- {
		g := gens[i]
		if g.Dir == current.Dir || !g.Time.Before(current.Time) {
			continue
		}
		if !r.readable(filepath.Join(g.Dir, catalog.FileListName)) {
			continue
		}
		if r.readable(filepath.Join(g.Dir, catalog.CompleteName)) {
			return g, true, nil
		}
		if !found {
			fallback, found = g, true
		}
	}
	return fallback, found, nil
}

func (r *Registry) readable(path string) bool {
	f, err := r.FS.Open(path)
	if err != nil {
		return false
	}
	f.Close()
	return true
}
