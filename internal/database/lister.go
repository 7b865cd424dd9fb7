package database

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/kebairia/sitebackup/internal/runner"
)

// CLILister asks the mysql client for the database list.
type CLILister struct {
	Credentials
	Runner runner.Runner
}

// List runs `mysql -e "show databases"` and returns the filtered names.
func (l CLILister) List(ctx context.Context) ([]string, error) {
	r := l.Runner
	if r == nil {
		r = runner.ExecRunner{}
	}
	args := append(l.Credentials.args(), "-e", "show databases")
	res := r.Run(ctx, runner.Command{Name: "mysql", Args: args, Env: l.Credentials.env()})
	if !res.OK() {
		return nil, fmt.Errorf("%w: %w", ErrListFailed, res.Error())
	}
	dbs := Filter(strings.Split(string(res.Output), "\n"))
	if len(dbs) == 0 {
		return nil, ErrNoDatabases
	}
	return dbs, nil
}

// SQLLister queries the server directly. It is used when credentials are
// issued by Vault and no client option file exists.
type SQLLister struct {
	DB *sql.DB
}

// List runs SHOW DATABASES and returns the filtered names.
func (l SQLLister) List(ctx context.Context) ([]string, error) {
	rows, err := l.DB.QueryContext(ctx, "SHOW DATABASES")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrListFailed, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrListFailed, err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrListFailed, err)
	}

	dbs := Filter(names)
	if len(dbs) == 0 {
		return nil, ErrNoDatabases
	}
	return dbs, nil
}

// DSN builds a go-sql-driver/mysql connection string from credentials.
func (c Credentials) DSN() string {
	cfg := mysql.NewConfig()
	cfg.User = c.Username
	cfg.Passwd = c.Password
	cfg.Net = "tcp"
	host, port := c.Host, c.Port
	if host == "" {
		host = "localhost"
	}
	if port == "" {
		port = "3306"
	}
	cfg.Addr = net.JoinHostPort(host, port)
	cfg.Timeout = 10 * time.Second
	return cfg.FormatDSN()
}

// OpenSQL opens and pings a connection pool for the credentials.
func OpenSQL(ctx context.Context, c Credentials) (*sql.DB, error) {
	db, err := sql.Open("mysql", c.DSN())
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetConnMaxLifetime(time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping mysql %s: %w", net.JoinHostPort(c.Host, c.Port), err)
	}
	return db, nil
}
