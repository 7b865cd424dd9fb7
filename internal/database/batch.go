package database

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/kebairia/sitebackup/internal/logger"
)

const (
	// MaxAttempts is how many times a database is dumped before giving up.
	MaxAttempts = 3

	// ReportFilename is written into the backup directory after a batch.
	ReportFilename = "dumpreport.json"

	StatusOK    = "ok"
	StatusError = "error"
)

// Result is the outcome for one database.
type Result struct {
	Database string `json:"database"`
	Status   string `json:"status"`
	Attempts int    `json:"attempts"`
	Artifact string `json:"artifact,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Report collects the outcome of a batch.
type Report struct {
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	Results     []Result  `json:"results"`

	errs *multierror.Error
}

// Statuses maps each database to ok or error.
func (r *Report) Statuses() map[string]string {
	m := make(map[string]string, len(r.Results))
	for _, res := range r.Results {
		m[res.Database] = res.Status
	}
	return m
}

// Failed lists the databases that never produced an artifact.
func (r *Report) Failed() []string {
	var failed []string
	for _, res := range r.Results {
		if res.Status != StatusOK {
			failed = append(failed, res.Database)
		}
	}
	return failed
}

// Err returns every final failure combined, or nil.
func (r *Report) Err() error {
	return r.errs.ErrorOrNil()
}

// Write stores the report as indented JSON in dir.
func (r *Report) Write(dir string) error {
	path := filepath.Join(dir, ReportFilename)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create report file %q: %w", path, err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("encode report JSON: %w", err)
	}
	return f.Close()
}

// DumpAll dumps each database in order, trying every one up to MaxAttempts
// times. A database that keeps failing is recorded and the batch moves on.
func DumpAll(ctx context.Context, d Dumper, dbs []string, log logger.Logger) *Report {
	if log == nil {
		log = logger.Nop()
	}
	rep := &Report{StartedAt: time.Now()}

	for _, db := range dbs {
		res := Result{Database: db, Status: StatusError}
		var lastErr error
		for res.Attempts < MaxAttempts {
			if ctx.Err() != nil {
				lastErr = ctx.Err()
				break
			}
			res.Attempts++
			artifact, err := d.Dump(ctx, db)
			if err == nil {
				res.Status = StatusOK
				res.Artifact = artifact
				lastErr = nil
				break
			}
			lastErr = err
			log.Warn("dump attempt failed",
				"database", db,
				"attempt", res.Attempts,
				"error", err.Error(),
			)
		}
		if lastErr != nil {
			res.Error = lastErr.Error()
			rep.errs = multierror.Append(rep.errs, fmt.Errorf("%s: %w", db, lastErr))
			log.Error("database backup error", "database", db, "attempts", res.Attempts)
		} else {
			log.Info("database backup ok", "database", db, "attempts", res.Attempts)
		}
		rep.Results = append(rep.Results, res)
	}

	rep.CompletedAt = time.Now()
	return rep
}
