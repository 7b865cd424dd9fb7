package operations

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"github.com/kebairia/sitebackup/internal/catalog"
	"github.com/kebairia/sitebackup/internal/config"
	"github.com/kebairia/sitebackup/internal/delta"
	"github.com/kebairia/sitebackup/internal/generation"
	"github.com/kebairia/sitebackup/internal/logger"
	"github.com/kebairia/sitebackup/internal/notify"
	"github.com/kebairia/sitebackup/internal/remote"
	"github.com/kebairia/sitebackup/internal/syncer"
)

// Orchestrator runs one backup of one domain from the backup host.
type Orchestrator struct {
	cfg      config.OrchestratorConfig
	fs       afero.Fs
	dial     Dialer
	reporter notify.Reporter
	lock     func(dir string) (func() error, error)
	log      logger.Logger
	now      func() time.Time
}

// OrchestratorOption overrides a collaborator of the orchestrator.
type OrchestratorOption func(*Orchestrator)

func WithFS(fs afero.Fs) OrchestratorOption {
	return func(o *Orchestrator) { o.fs = fs }
}

func WithDialer(d Dialer) OrchestratorOption {
	return func(o *Orchestrator) { o.dial = d }
}

func WithReporter(r notify.Reporter) OrchestratorOption {
	return func(o *Orchestrator) { o.reporter = r }
}

func WithLogger(l logger.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.log = l }
}

func WithClock(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) { o.now = now }
}

// WithLocker replaces the domain lock, which otherwise uses flock on the OS filesystem.
func WithLocker(lock func(dir string) (func() error, error)) OrchestratorOption {
	return func(o *Orchestrator) { o.lock = lock }
}

// NewOrchestrator builds an orchestrator for cfg.Orchestrator. Without
// options it works on the OS filesystem, dials over ssh and reports
// through cfg.Notify.
func NewOrchestrator(cfg config.Config, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		cfg:  cfg.Orchestrator,
		fs:   afero.NewOsFs(),
		lock: generation.Lock,
		log:  logger.Global(),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.log = o.log.With("domain", o.cfg.Domain)
	if o.dial == nil {
		o.dial = SSHDialer(o.cfg, o.fs, o.log)
	}
	if o.reporter == nil {
		o.reporter = notify.New(cfg.Notify, o.log)
	}
	return o
}

// Run performs the whole backup: lock the domain, create the generation, run
// the remote agent, fetch its catalog and current dumps, sync the delta,
// purge old generations, then write the manifest and send the report.
func (o *Orchestrator) Run(ctx context.Context) (*Manifest, error) {
	reg := &generation.Registry{FS: o.fs, Root: o.cfg.Root, Domain: o.cfg.Domain}

	if err := EnsureDirectoryExist(o.fs, reg.DomainDir()); err != nil {
		return nil, err
	}
	unlock, err := o.lock(reg.DomainDir())
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := unlock(); err != nil {
			o.log.Warn("release lock", "error", err.Error())
		}
	}()

	gen, err := reg.Create(o.now())
	if err != nil {
		return nil, err
	}
	log := o.log.With("generation", gen.Name())
	m := &Manifest{
		Domain:     o.cfg.Domain,
		Generation: gen.Name(),
		StartedAt:  o.now(),
	}

	runErr := o.run(ctx, reg, gen, m, log)

	m.CompletedAt = o.now()
	m.Duration = m.CompletedAt.Sub(m.StartedAt)
	subject := fmt.Sprintf("Report for %s completed", o.cfg.Domain)
	if runErr != nil {
		m.Status = StatusFailed
		m.Error = runErr.Error()
		subject = fmt.Sprintf("Report for %s failed", o.cfg.Domain)
		log.Error("backup failed", "error", runErr.Error())
	} else {
		m.Status = StatusSuccess
		log.Info("backup completed", "duration", m.Duration.String())
	}

	if err := m.Write(o.fs, gen.Dir); err != nil {
		log.Error("write manifest", "error", err.Error())
		if runErr == nil {
			runErr = err
		}
	}
	if err := o.reporter.Report(ctx, subject, m.Summary()); err != nil {
		log.Warn("report could not be delivered", "error", err.Error())
	}
	return m, runErr
}

func (o *Orchestrator) run(ctx context.Context, reg *generation.Registry, gen generation.Generation, m *Manifest, log logger.Logger) error {
	log.Info("connecting", "user", o.cfg.User, "port", o.cfg.Port)
	client, err := o.dial(ctx)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", o.cfg.Domain, err)
	}
	defer client.Close()

	if err := o.runAgent(ctx, client, log); err != nil {
		return err
	}
	dumps, err := o.fetchCatalog(ctx, client, gen, log)
	if err != nil {
		return err
	}
	m.Databases = dumps

	prev, ok, err := reg.Previous(gen)
	if err != nil {
		return fmt.Errorf("select previous generation: %w", err)
	}
	prevDir := ""
	if ok {
		prevDir = prev.Dir
		m.Previous = prev.Name()
		log.Info("previous generation selected", "previous", prev.Name())
		var pm Manifest
		if err := pm.Load(o.fs, filepath.Join(prev.Dir, MetadataFilename)); err != nil {
			log.Warn("previous generation has no readable manifest", "error", err.Error())
		} else {
			m.PreviousStatus = pm.Status
			if pm.Status != StatusSuccess {
				log.Warn("previous generation did not complete, missing files will be transferred",
					"previous", prev.Name(), "status", pm.Status)
			}
		}
	} else {
		log.Info("no previous generation, transferring everything")
	}

	remoteDelta := path.Join(o.cfg.RemoteDir, catalog.DeltaName)
	producer, err := syncer.ProducerCommand(o.cfg.Producer, o.cfg.AgentCommand, remoteDelta)
	if err != nil {
		return err
	}
	loop := &syncer.Loop{
		FS:  o.fs,
		Dir: gen.Dir,
		Engine: &delta.Engine{
			FS:       o.fs,
			Dir:      gen.Dir,
			Previous: prevDir,
			Logger:   log,
		},
		Transport:       client,
		RemoteDelta:     remoteDelta,
		Producer:        producer,
		MaxAttempts:     o.cfg.Retry.MaxAttempts,
		InitialInterval: o.cfg.Retry.InitialInterval,
		MaxInterval:     o.cfg.Retry.MaxInterval,
		Logger:          log,
	}
	out, syncErr := loop.Run(ctx)
	m.SyncAttempts = out.Attempts
	m.Delta = len(out.First.Delta)
	m.Reused = out.First.Reused
	m.Fallback = out.First.Fallback
	m.Removed = out.First.Removed
	m.Files = out.Files
	m.Bytes = out.Bytes
	if syncErr != nil {
		return fmt.Errorf("sync: %w", syncErr)
	}

	if o.cfg.PurgeDays > 0 {
		purged, err := reg.PurgeDays(gen, o.cfg.PurgeDays, log)
		for _, p := range purged {
			m.Purged = append(m.Purged, p.Name())
		}
		if err != nil {
			log.Warn("purge incomplete", "error", err.Error())
		}
	}
	return nil
}

func (o *Orchestrator) runAgent(ctx context.Context, client Remote, log logger.Logger) error {
	if o.cfg.SSH.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.SSH.CommandTimeout)
		defer cancel()
	}
	log.Info("running remote agent", "command", o.cfg.AgentCommand)
	res := client.Run(ctx, o.cfg.AgentCommand)
	if !res.OK() {
		if res.Err != nil && errors.Is(res.Err, remote.ErrTransport) {
			return fmt.Errorf("%w: %w", ErrAgentFailed, res.Err)
		}
		return fmt.Errorf("%w: %w: %v", ErrAgentFailed, remote.ErrRemoteCommand, res.Error())
	}
	log.Debug("agent output", "output", string(res.Output))
	return nil
}

// fetchCatalog downloads dirlist and filelist into the generation and copies
// the current database dumps next to them. It returns the dump file names.
func (o *Orchestrator) fetchCatalog(ctx context.Context, client Remote, gen generation.Generation, log logger.Logger) ([]string, error) {
	for _, name := range []string{catalog.DirListName, catalog.FileListName} {
		src := path.Join(o.cfg.RemoteDir, name)
		if err := client.Download(ctx, src, filepath.Join(gen.Dir, name)); err != nil {
			return nil, fmt.Errorf("fetch %s: %w", name, err)
		}
	}

	local, err := client.DownloadGlob(ctx, path.Join(o.cfg.RemoteDir, "current-*.sql.gz"), gen.Dir)
	if err != nil {
		return nil, fmt.Errorf("fetch database dumps: %w", err)
	}
	if len(local) == 0 {
		log.Warn("no current database dumps found on the remote side")
	}
	names := make([]string, 0, len(local))
	for _, p := range local {
		names = append(names, filepath.Base(p))
	}
	return names, nil
}
