// Package operations wires the building blocks into the two runs the binary
// offers: the orchestrator on the backup host and the agent on the hosting account.
package operations

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/afero"

	"github.com/kebairia/sitebackup/internal/config"
	"github.com/kebairia/sitebackup/internal/logger"
	"github.com/kebairia/sitebackup/internal/remote"
	"github.com/kebairia/sitebackup/internal/runner"
	"github.com/kebairia/sitebackup/internal/syncer"
)

// ErrAgentFailed is returned when the remote agent exits non-zero.
var ErrAgentFailed = errors.New("remote agent failed")

// Remote is the part of the ssh client the orchestrator uses.
type Remote interface {
	syncer.Transport
	Run(ctx context.Context, cmd string) runner.Result
	Download(ctx context.Context, remotePath, localPath string) error
	DownloadGlob(ctx context.Context, pattern, localDir string) ([]string, error)
	Close() error
}

// Dialer opens a connection to the hosting account.
type Dialer func(ctx context.Context) (Remote, error)

var _ Remote = (*remote.Client)(nil)

// SSHDialer dials the account described by cfg over ssh.
func SSHDialer(cfg config.OrchestratorConfig, fs afero.Fs, log logger.Logger) Dialer {
	return func(ctx context.Context) (Remote, error) {
		return remote.Dial(ctx, remote.Options{
			User:          cfg.User,
			Host:          cfg.Domain,
			Port:          cfg.Port,
			KeyPath:       cfg.SSH.KeyPath,
			KeyPassphrase: cfg.SSH.KeyPassphrase,
			Password:      cfg.SSH.Password,
			KnownHosts:    cfg.SSH.KnownHosts,
			Insecure:      cfg.SSH.Insecure,
			DialTimeout:   cfg.SSH.DialTimeout,
			LocalFS:       fs,
			Logger:        log,
		})
	}
}

// EnsureDirectoryExist creates dirPath and its parents.
func EnsureDirectoryExist(fs afero.Fs, dirPath string) error {
	if err := fs.MkdirAll(dirPath, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %q: %w", dirPath, err)
	}
	return nil
}
