package operations

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/afero"

	"github.com/kebairia/sitebackup/internal/catalog"
	"github.com/kebairia/sitebackup/internal/config"
	"github.com/kebairia/sitebackup/internal/database"
	"github.com/kebairia/sitebackup/internal/logger"
	"github.com/kebairia/sitebackup/internal/vault"
)

// Agent runs on the hosting account: it dumps the databases, catalogs the
// site and purges old dumps.
type Agent struct {
	cfg     config.AgentConfig
	fs      afero.Fs
	lister  database.Lister
	dumper  database.Dumper
	closers []io.Closer
	log     logger.Logger
	now     func() time.Time
}

// AgentOption overrides a collaborator of the agent.
type AgentOption func(*Agent)

func WithAgentFS(fs afero.Fs) AgentOption {
	return func(a *Agent) { a.fs = fs }
}

func WithLister(l database.Lister) AgentOption {
	return func(a *Agent) { a.lister = l }
}

func WithDumper(d database.Dumper) AgentOption {
	return func(a *Agent) { a.dumper = d }
}

func WithAgentLogger(l logger.Logger) AgentOption {
	return func(a *Agent) { a.log = l }
}

func WithAgentClock(now func() time.Time) AgentOption {
	return func(a *Agent) { a.now = now }
}

// NewAgent builds the agent. Unless a lister and dumper are supplied, MySQL
// credentials come from the defaults file, or from Vault when a role is set.
func NewAgent(ctx context.Context, cfg config.Config, opts ...AgentOption) (*Agent, error) {
	a := &Agent{
		cfg: cfg.Agent,
		fs:  afero.NewOsFs(),
		log: logger.Global(),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.lister != nil && a.dumper != nil {
		return a, nil
	}

	creds, err := a.credentials(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if a.dumper == nil {
		a.dumper = database.NewMySQL(a.cfg.BackupDir,
			database.WithCredentials(creds),
			database.WithMySQLTimeout(a.cfg.DumpTimeout),
			database.WithMySQLLogger(a.log),
		)
	}
	if a.lister == nil {
		if creds.DefaultsFile != "" {
			a.lister = database.CLILister{Credentials: creds}
		} else {
			db, err := database.OpenSQL(ctx, creds)
			if err != nil {
				return nil, err
			}
			a.closers = append(a.closers, db)
			a.lister = database.SQLLister{DB: db}
		}
	}
	return a, nil
}

func (a *Agent) credentials(ctx context.Context, cfg config.Config) (database.Credentials, error) {
	if a.cfg.MySQL.VaultRole == "" {
		return database.Credentials{DefaultsFile: a.cfg.MySQLUserFile}, nil
	}

	client, err := vault.NewClient(ctx,
		vault.WithAddress(cfg.Vault.Address),
		vault.WithToken(cfg.Vault.Token),
		vault.WithAppRole(cfg.Vault.RoleID, cfg.Vault.ApproleName),
	)
	if err != nil {
		return database.Credentials{}, fmt.Errorf("vault client init: %w", err)
	}
	lease, err := client.GetDynamicCredentials(ctx, a.cfg.MySQL.VaultRole)
	if err != nil {
		return database.Credentials{}, fmt.Errorf("mysql credentials from vault: %w", err)
	}
	a.log.Info("mysql credentials leased", "role", a.cfg.MySQL.VaultRole, "ttl", lease.TTL.String())
	return database.Credentials{
		Username: lease.Username,
		Password: lease.Password,
		Host:     a.cfg.MySQL.Host,
		Port:     a.cfg.MySQL.Port,
	}, nil
}

// Close releases connections opened by NewAgent.
func (a *Agent) Close() error {
	var first error
	for _, c := range a.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Run lists and dumps the databases, writes dirlist and filelist for the
// source tree, purges old dumps and writes the dump report. A database that
// fails all its attempts is reported but does not fail the run; an empty
// database list or a catalog failure does.
func (a *Agent) Run(ctx context.Context) (*database.Report, error) {
	dbs, err := a.lister.List(ctx)
	if err != nil {
		return nil, err
	}
	a.log.Info("databases found", "count", len(dbs), "databases", dbs)

	rep := database.DumpAll(ctx, a.dumper, dbs, a.log)
	if err := rep.Err(); err != nil {
		a.log.Warn("some databases were not dumped", "failed", rep.Failed())
	}

	builder := &catalog.Builder{FS: a.fs, Logger: a.log}
	sum, err := builder.Build(ctx, a.cfg.SourceDir, a.cfg.BackupDir)
	if err != nil {
		return rep, fmt.Errorf("build catalog: %w", err)
	}
	a.log.Info("catalog written", "files", sum.Files, "dirs", sum.Dirs, "bytes", sum.Bytes)

	if _, err := database.PurgeDumps(a.cfg.BackupDir, a.cfg.DaysToKeep, a.now(), a.log); err != nil {
		a.log.Warn("purge of old dumps incomplete", "error", err.Error())
	}

	if err := rep.Write(a.cfg.BackupDir); err != nil {
		return rep, err
	}
	return rep, nil
}
