// Package remote talks to the hosting account over ssh: it runs commands,
// streams their output and moves files with sftp.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/sftp"
	"github.com/spf13/afero"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/kebairia/sitebackup/internal/logger"
)

var (
	// ErrTransport marks a failure of the ssh connection or an sftp transfer.
	ErrTransport = errors.New("remote transport failed")
	// ErrRemoteCommand marks a remote command that ran and exited non-zero.
	ErrRemoteCommand = errors.New("remote command failed")
)

// Options describe how to reach the remote account.
type Options struct {
	User string
	Host string
	Port int

	KeyPath       string
	KeyPassphrase string
	Password      string
	KnownHosts    string
	Insecure      bool

	DialTimeout time.Duration

	// LocalFS is where downloads land and uploads are read from. Defaults to the OS filesystem.
	LocalFS afero.Fs
	Logger  logger.Logger
}

// Addr returns host:port.
func (o Options) Addr() string {
	port := o.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(o.Host, strconv.Itoa(port))
}

// Client holds one ssh connection and the sftp session opened over it.
type Client struct {
	ssh  *ssh.Client
	sftp *sftp.Client
	fs   afero.Fs
	log  logger.Logger
	addr string
}

// Dial connects and authenticates. The connection attempt is bounded by ctx and
// Options.DialTimeout.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	cfg, err := clientConfig(opts)
	if err != nil {
		return nil, err
	}

	d := net.Dialer{Timeout: cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", opts.Addr())
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrTransport, opts.Addr(), err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, opts.Addr(), cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: ssh handshake with %s: %v", ErrTransport, opts.Addr(), err)
	}
	sshClient := ssh.NewClient(c, chans, reqs)

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, fmt.Errorf("%w: sftp session: %v", ErrTransport, err)
	}

	fs := opts.LocalFS
	if fs == nil {
		fs = afero.NewOsFs()
	}
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	return &Client{ssh: sshClient, sftp: sftpClient, fs: fs, log: log, addr: opts.Addr()}, nil
}

// Close tears down the sftp session and the ssh connection.
func (c *Client) Close() error {
	var first error
	if c.sftp != nil {
		first = c.sftp.Close()
	}
	if c.ssh != nil {
		if err := c.ssh.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func clientConfig(opts Options) (*ssh.ClientConfig, error) {
	if opts.User == "" || opts.Host == "" {
		return nil, fmt.Errorf("user and host are required")
	}
	if opts.Port < 0 || opts.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d", opts.Port)
	}

	auth, err := authMethods(opts)
	if err != nil {
		return nil, fmt.Errorf("no SSH authentication method available: %w", err)
	}
	hostKey, err := hostKeyCallback(opts)
	if err != nil {
		return nil, err
	}

	timeout := opts.DialTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ssh.ClientConfig{
		User:            opts.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         timeout,
	}, nil
}

// authMethods builds the chain: explicit key file, else the first default key
// found in ~/.ssh, then password.
func authMethods(opts Options) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if opts.KeyPath != "" {
		keyPath, err := homedir.Expand(opts.KeyPath)
		if err != nil {
			return nil, err
		}
		keyData, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read SSH key %s: %w", keyPath, err)
		}
		var signer ssh.Signer
		if opts.KeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(keyData, []byte(opts.KeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(keyData)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse SSH key %s: %w", keyPath, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	} else if home, err := homedir.Dir(); err == nil {
		for _, name := range []string{"id_ed25519", "id_rsa", "id_ecdsa"} {
			keyData, err := os.ReadFile(filepath.Join(home, ".ssh", name))
			if err != nil {
				continue
			}
			signer, err := ssh.ParsePrivateKey(keyData)
			if err != nil {
				continue
			}
			methods = append(methods, ssh.PublicKeys(signer))
			break
		}
	}

	if opts.Password != "" {
		methods = append(methods, ssh.Password(opts.Password))
	}

	if len(methods) == 0 {
		return nil, errors.New("no SSH key or password configured")
	}
	return methods, nil
}

func hostKeyCallback(opts Options) (ssh.HostKeyCallback, error) {
	if opts.Insecure {
		return ssh.InsecureIgnoreHostKey(), nil // #nosec G106 - explicitly configured
	}

	path := opts.KnownHosts
	if path == "" {
		path = "~/.ssh/known_hosts"
	}
	path, err := homedir.Expand(path)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("known_hosts file not found at %s (set ssh.known_hosts or ssh.insecure)", path)
	}
	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("failed to parse known_hosts %s: %w", path, err)
	}
	return cb, nil
}
