package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/kebairia/sitebackup/internal/logger"
	"github.com/kebairia/sitebackup/internal/runner"
)

const (
	mysqlEngine = "mysql"

	// DefaultTimestampFormat names artifacts <db>_200601021504.sql.gz.
	DefaultTimestampFormat = "200601021504"
)

// MySQLOption lets you override default settings on a MySQL.
type MySQLOption func(*MySQL)

// MySQL dumps databases with mysqldump into OutputDir.
type MySQL struct {
	Credentials
	OutputDir       string
	TimeStampFormat string
	Timeout         time.Duration
	Runner          runner.Runner
	Logger          logger.Logger
	Now             func() time.Time
}

// NewMySQL returns a MySQL writing into outputDir plus any overrides.
func NewMySQL(outputDir string, opts ...MySQLOption) *MySQL {
	m := &MySQL{
		OutputDir:       outputDir,
		TimeStampFormat: DefaultTimestampFormat,
		Runner:          runner.ExecRunner{},
		Logger:          logger.Global(),
		Now:             time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// WithMySQLCredentials sets username and password.
func WithMySQLCredentials(user, pass string) MySQLOption {
	return func(m *MySQL) {
		if user != "" {
			m.Username = user
		}
		if pass != "" {
			m.Password = pass
		}
	}
}

// WithCredentials replaces every connection setting at once.
func WithCredentials(c Credentials) MySQLOption {
	return func(m *MySQL) {
		m.Credentials = c
	}
}

// WithMySQLDefaultsFile authenticates with a client option file instead of a password.
func WithMySQLDefaultsFile(path string) MySQLOption {
	return func(m *MySQL) {
		if path != "" {
			m.DefaultsFile = path
		}
	}
}

// WithMySQLHost overrides the host.
func WithMySQLHost(host string) MySQLOption {
	return func(m *MySQL) {
		if host != "" {
			m.Host = host
		}
	}
}

// WithMySQLPort overrides the port.
func WithMySQLPort(port string) MySQLOption {
	return func(m *MySQL) {
		if port != "" {
			m.Port = port
		}
	}
}

// WithMySQLTimeout bounds a single mysqldump run.
func WithMySQLTimeout(d time.Duration) MySQLOption {
	return func(m *MySQL) {
		if d > 0 {
			m.Timeout = d
		}
	}
}

// WithMySQLTimestampFormat overrides timestamp format.
func WithMySQLTimestampFormat(format string) MySQLOption {
	return func(m *MySQL) {
		if format != "" {
			m.TimeStampFormat = format
		}
	}
}

// WithMySQLRunner replaces the process runner.
func WithMySQLRunner(r runner.Runner) MySQLOption {
	return func(m *MySQL) {
		if r != nil {
			m.Runner = r
		}
	}
}

// WithMySQLLogger replaces the logger.
func WithMySQLLogger(l logger.Logger) MySQLOption {
	return func(m *MySQL) {
		if l != nil {
			m.Logger = l
		}
	}
}

// DumpArgs returns the mysqldump arguments for db. The mysql system database
// keeps extended inserts and adds the event scheduler; every other database is
// dumped as a consistent snapshot with one row per INSERT.
func (m *MySQL) DumpArgs(db string) []string {
	args := m.Credentials.args()
	args = append(args, "--max_allowed_packet=512M")
	if db == mysqlEngine {
		args = append(args, "--events")
	} else {
		args = append(args, "--skip-extended-insert", "--quick", "--single-transaction")
	}
	return append(args, db)
}

// ArtifactPath returns where a dump of db taken at t is written.
func (m *MySQL) ArtifactPath(db string, t time.Time) string {
	return filepath.Join(m.OutputDir, fmt.Sprintf("%s_%s.sql.gz", db, t.Format(m.TimeStampFormat)))
}

// CurrentLink returns the stable name pointing at the newest good dump of db.
func CurrentLink(dir, db string) string {
	return filepath.Join(dir, "current-"+db+".sql.gz")
}

// Dump runs mysqldump once, streaming its output through gzip into a
// timestamped artifact. On success the current-<db>.sql.gz link is repointed;
// on failure the partial artifact is removed and the link is left alone.
func (m *MySQL) Dump(ctx context.Context, db string) (string, error) {
	if m.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.Timeout)
		defer cancel()
	}

	if err := os.MkdirAll(m.OutputDir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir %q: %w", m.OutputDir, err)
	}
	artifact := m.ArtifactPath(db, m.Now())

	m.Logger.Info("dump started",
		"database", db,
		"engine", mysqlEngine,
		"path", artifact,
	)
	start := time.Now()

	if err := m.dumpTo(ctx, db, artifact); err != nil {
		_ = os.Remove(artifact)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: %w: %s", ErrDumpFailed, ErrTimeout, db)
		}
		return "", fmt.Errorf("%w: %s: %w", ErrDumpFailed, db, err)
	}

	if err := Repoint(m.OutputDir, db, artifact); err != nil {
		_ = os.Remove(artifact)
		return "", fmt.Errorf("%w: %s: %w", ErrDumpFailed, db, err)
	}

	m.Logger.Info("dump completed", "database", db, "duration", time.Since(start).String())
	return artifact, nil
}

func (m *MySQL) dumpTo(ctx context.Context, db, artifact string) error {
	out, err := os.OpenFile(artifact, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("create artifact: %w", err)
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	res := m.Runner.Run(ctx, runner.Command{
		Name:   "mysqldump",
		Args:   m.DumpArgs(db),
		Env:    m.Credentials.env(),
		Stdout: gz,
	})
	if !res.OK() {
		return fmt.Errorf("mysqldump: %w", res.Error())
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("finish gzip stream: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close artifact: %w", err)
	}
	return nil
}

// Repoint atomically points current-<db>.sql.gz at artifact. The link target
// is the artifact's base name, so the directory can be moved or copied intact.
func Repoint(dir, db, artifact string) error {
	link := CurrentLink(dir, db)
	tmp := filepath.Join(dir, ".current-"+db+".sql.gz.tmp")
	_ = os.Remove(tmp)
	if err := os.Symlink(filepath.Base(artifact), tmp); err != nil {
		return fmt.Errorf("create link: %w", err)
	}
	if err := os.Rename(tmp, link); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("repoint %s: %w", link, err)
	}
	return nil
}
