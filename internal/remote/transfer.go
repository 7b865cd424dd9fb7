package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/kebairia/sitebackup/internal/runner"
)

// Run executes cmd through the remote login shell and waits for it. A non-zero
// exit is reported in ExitCode; Err wraps ErrTransport when the session broke.
func (c *Client) Run(ctx context.Context, cmd string) runner.Result {
	sess, err := c.ssh.NewSession()
	if err != nil {
		return runner.Result{ExitCode: -1, Err: fmt.Errorf("%w: new session: %v", ErrTransport, err)}
	}
	defer sess.Close()
	stop := watch(ctx, sess)
	defer stop()

	var out bytes.Buffer
	sess.Stdout = &out
	sess.Stderr = &out

	c.log.Debug("running remote command", "host", c.addr, "command", cmd)
	err = sess.Run(cmd)
	return result(ctx, err, out.Bytes())
}

func result(ctx context.Context, err error, output []byte) runner.Result {
	res := runner.Result{Output: output}
	var exitErr *ssh.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitStatus()
	case ctx.Err() != nil:
		res.ExitCode = -1
		res.Err = ctx.Err()
	default:
		res.ExitCode = -1
		res.Err = fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return res
}

// watch closes the session when ctx is cancelled. The returned func stops watching.
func watch(ctx context.Context, sess *ssh.Session) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = sess.Signal(ssh.SIGKILL)
			_ = sess.Close()
		case <-done:
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

type streamReader struct {
	io.Reader
	sess *ssh.Session
}

// Close aborts the remote command if it is still producing.
func (s *streamReader) Close() error {
	err := s.sess.Close()
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// Stream starts cmd and returns its standard output. wait blocks until the
// command exits and reports a non-zero exit as ErrRemoteCommand with the tail
// of its standard error. Cancelling ctx kills the remote command.
func (c *Client) Stream(ctx context.Context, cmd string) (io.ReadCloser, func() error, error) {
	sess, err := c.ssh.NewSession()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: new session: %v", ErrTransport, err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, nil, fmt.Errorf("%w: stdout pipe: %v", ErrTransport, err)
	}
	var stderr bytes.Buffer
	sess.Stderr = &stderr

	c.log.Debug("starting remote producer", "host", c.addr, "command", cmd)
	if err := sess.Start(cmd); err != nil {
		sess.Close()
		return nil, nil, fmt.Errorf("%w: start %q: %v", ErrTransport, cmd, err)
	}
	stop := watch(ctx, sess)

	wait := func() error {
		defer stop()
		err := sess.Wait()
		res := result(ctx, err, stderr.Bytes())
		if res.Err != nil {
			return res.Err
		}
		if res.ExitCode != 0 {
			return fmt.Errorf("%w: %s: %v", ErrRemoteCommand, cmd, res.Error())
		}
		return nil
	}
	return &streamReader{Reader: stdout, sess: sess}, wait, nil
}

// Download copies a remote file to localPath, preserving its modification time.
// The file appears at localPath only once complete.
func (c *Client) Download(ctx context.Context, remotePath, localPath string) error {
	src, err := c.sftp.Open(remotePath)
	if err != nil {
		return fmt.Errorf("%w: open remote %s: %v", ErrTransport, remotePath, err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return fmt.Errorf("%w: stat remote %s: %v", ErrTransport, remotePath, err)
	}

	if err := c.fs.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", localPath, err)
	}
	tmp := filepath.Join(filepath.Dir(localPath), "."+filepath.Base(localPath)+".partial")
	dst, err := c.fs.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}

	n, err := copyContext(ctx, dst, src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = c.fs.Remove(tmp)
		return fmt.Errorf("%w: download %s: %v", ErrTransport, remotePath, err)
	}
	_ = c.fs.Chtimes(tmp, info.ModTime(), info.ModTime())
	if err := c.fs.Rename(tmp, localPath); err != nil {
		_ = c.fs.Remove(tmp)
		return fmt.Errorf("rename %s: %w", tmp, err)
	}

	c.log.Debug("downloaded", "remote", remotePath, "local", localPath, "bytes", n)
	return nil
}

// DownloadGlob downloads every remote file matching pattern into localDir and
// returns the local paths. No match is not an error.
func (c *Client) DownloadGlob(ctx context.Context, pattern, localDir string) ([]string, error) {
	matches, err := c.sftp.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: glob %s: %v", ErrTransport, pattern, err)
	}
	var local []string
	for _, m := range matches {
		dst := filepath.Join(localDir, path.Base(m))
		if err := c.Download(ctx, m, dst); err != nil {
			return local, err
		}
		local = append(local, dst)
	}
	return local, nil
}

// Upload copies localPath to remotePath, creating remote parents.
func (c *Client) Upload(ctx context.Context, localPath, remotePath string) error {
	src, err := c.fs.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer src.Close()

	if dir := path.Dir(remotePath); dir != "." && dir != "/" {
		if err := c.sftp.MkdirAll(dir); err != nil {
			return fmt.Errorf("%w: create remote directory %s: %v", ErrTransport, dir, err)
		}
	}
	dst, err := c.sftp.Create(remotePath)
	if err != nil {
		return fmt.Errorf("%w: create remote %s: %v", ErrTransport, remotePath, err)
	}

	_, err = copyContext(ctx, dst, src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("%w: upload %s: %v", ErrTransport, remotePath, err)
	}
	return nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}

func copyContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	return io.Copy(dst, ctxReader{ctx: ctx, r: src})
}

// ShellQuote quotes s for a POSIX shell unless it is made of safe characters only.
func ShellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./~=:@+,", r))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
