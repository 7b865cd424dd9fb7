// Package syncer drives a generation to completion: it computes the delta,
// ships it to the remote host, streams the listed files back and retries
// until the delta has been fully extracted.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/afero"

	"github.com/kebairia/sitebackup/internal/archive"
	"github.com/kebairia/sitebackup/internal/catalog"
	"github.com/kebairia/sitebackup/internal/config"
	"github.com/kebairia/sitebackup/internal/delta"
	"github.com/kebairia/sitebackup/internal/logger"
	"github.com/kebairia/sitebackup/internal/remote"
)

// CompleteMarker is written into a generation once every delta path arrived.
const CompleteMarker = catalog.CompleteName

// ErrRetriesExhausted is returned when the attempt ceiling is reached.
var ErrRetriesExhausted = errors.New("sync retries exhausted")

// Transport is the remote side of a transfer.
type Transport interface {
	Upload(ctx context.Context, localPath, remotePath string) error
	Stream(ctx context.Context, cmd string) (io.ReadCloser, func() error, error)
}

// Preparer computes the delta of a generation. *delta.Engine implements it.
type Preparer interface {
	Prepare(ctx context.Context) (delta.Result, error)
}

// Loop is one generation's diff and transfer cycle.
type Loop struct {
	FS        afero.Fs
	Dir       string
	Engine    Preparer
	Transport Transport

	// RemoteDelta is where the delta file is uploaded on the remote host.
	RemoteDelta string
	// Producer is the remote command that writes the tar.gz stream.
	Producer string

	MaxAttempts     int // 0 means unlimited
	InitialInterval time.Duration
	MaxInterval     time.Duration

	Logger logger.Logger
}

// Outcome describes a finished loop.
type Outcome struct {
	Attempts int
	First    delta.Result // delta of the first attempt
	Last     delta.Result // delta of the last attempt
	Files    int
	Bytes    int64
}

// ProducerCommand returns the remote command that streams the paths listed in
// remoteDelta, either with tar or with the agent's pack subcommand.
func ProducerCommand(kind, agentCommand, remoteDelta string) (string, error) {
	switch kind {
	case config.ProducerTar, "":
		return "tar cfz - -T " + remote.ShellQuote(remoteDelta), nil
	case config.ProducerAgent:
		return agentCommand + " pack --list " + remote.ShellQuote(remoteDelta), nil
	default:
		return "", fmt.Errorf("unknown producer %q", kind)
	}
}

func (l *Loop) log() logger.Logger {
	if l.Logger == nil {
		return logger.Nop()
	}
	return l.Logger
}

func (l *Loop) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	if l.InitialInterval > 0 {
		eb.InitialInterval = l.InitialInterval
	}
	if l.MaxInterval > 0 {
		eb.MaxInterval = l.MaxInterval
	}
	eb.MaxElapsedTime = 0
	eb.Reset()

	var b backoff.BackOff = eb
	if l.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(eb, uint64(l.MaxAttempts-1))
	}
	return backoff.WithContext(b, ctx)
}

// Run repeats prepare and transfer until an extraction succeeds, the attempt
// ceiling is reached or ctx is cancelled. Local failures are not retried.
// An empty delta succeeds without touching the transport.
func (l *Loop) Run(ctx context.Context) (Outcome, error) {
	log := l.log()
	var (
		out       Outcome
		permanent bool
	)

	op := func() error {
		out.Attempts++
		res, err := l.Engine.Prepare(ctx)
		if err != nil {
			permanent = true
			return backoff.Permanent(fmt.Errorf("prepare delta: %w", err))
		}
		if out.Attempts == 1 {
			out.First = res
		}
		out.Last = res

		if len(res.Delta) == 0 {
			log.Info("delta is empty, nothing to transfer", "attempt", out.Attempts)
			return nil
		}

		log.Info("transferring delta", "attempt", out.Attempts, "files", len(res.Delta))
		st, err := l.transfer(ctx)
		out.Files += st.Files
		out.Bytes += st.Bytes
		if errors.Is(err, archive.ErrPathTraversal) {
			permanent = true
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		log.Warn("transfer failed, retrying",
			"attempt", out.Attempts,
			"retry_in", wait.String(),
			"error", err.Error(),
		)
	}

	err := backoff.RetryNotify(op, l.backOff(ctx), notify)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return out, ctx.Err()
	case permanent:
		return out, err
	default:
		return out, fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, out.Attempts, err)
	}

	marker := filepath.Join(l.Dir, CompleteMarker)
	if err := afero.WriteFile(l.FS, marker, []byte(time.Now().Format(time.RFC3339)+"\n"), 0o644); err != nil {
		return out, fmt.Errorf("write completion marker: %w", err)
	}
	log.Info("generation complete",
		"attempts", out.Attempts,
		"files", out.Files,
		"bytes", out.Bytes,
	)
	return out, nil
}

// transfer ships the delta file and extracts the producer's stream. Success is
// decided by the extraction alone; a producer that complains about a vanished
// file after a complete stream only earns a warning.
func (l *Loop) transfer(ctx context.Context) (archive.Stats, error) {
	log := l.log()
	local := filepath.Join(l.Dir, catalog.DeltaName)
	if err := l.Transport.Upload(ctx, local, l.RemoteDelta); err != nil {
		return archive.Stats{}, fmt.Errorf("upload delta: %w", err)
	}

	rc, wait, err := l.Transport.Stream(ctx, l.Producer)
	if err != nil {
		return archive.Stats{}, fmt.Errorf("start producer: %w", err)
	}

	st, exErr := archive.Extract(ctx, l.FS, rc, l.Dir)
	if exErr != nil {
		rc.Close()
		werr := wait()
		if werr != nil {
			return st, fmt.Errorf("extract: %w (producer: %v)", exErr, werr)
		}
		return st, fmt.Errorf("extract: %w", exErr)
	}

	_, _ = io.Copy(io.Discard, rc)
	if werr := wait(); werr != nil {
		log.Warn("producer reported an error after a complete stream", "error", werr.Error())
	}
	rc.Close()
	return st, nil
}
