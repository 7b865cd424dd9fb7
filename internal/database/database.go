// Package database dumps the MySQL databases of the hosting account into
// compressed artifacts and publishes each under a stable current-<db>.sql.gz link.
package database

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrTimeout     = errors.New("operation timed out")
	ErrDumpFailed  = errors.New("dump failed")
	ErrListFailed  = errors.New("cannot list databases")
	ErrNoDatabases = errors.New("no databases found")
)

// ExcludedDatabases are never dumped. "Database" is the column header printed
// by the mysql client.
var ExcludedDatabases = []string{"Database", "information_schema", "performance_schema", "test"}

// Lister discovers the databases visible to the configured account.
type Lister interface {
	List(ctx context.Context) ([]string, error)
}

// Dumper produces one artifact for one database and publishes it.
type Dumper interface {
	Dump(ctx context.Context, db string) (artifact string, err error)
}

// Filter drops blank names, duplicates and the excluded system databases,
// keeping the server's order.
func Filter(names []string) []string {
	skip := make(map[string]struct{}, len(ExcludedDatabases))
	for _, n := range ExcludedDatabases {
		skip[n] = struct{}{}
	}
	var out []string
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if _, ok := skip[n]; ok {
			continue
		}
		skip[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// Credentials select how the mysql client tools authenticate: a defaults file
// when DefaultsFile is set, otherwise user and password with host and port.
type Credentials struct {
	DefaultsFile string
	Username     string
	Password     string
	Host         string
	Port         string
}

// args returns the connection flags. --defaults-extra-file must come first.
func (c Credentials) args() []string {
	if c.DefaultsFile != "" {
		return []string{"--defaults-extra-file=" + c.DefaultsFile}
	}
	var a []string
	if c.Host != "" {
		a = append(a, "-h", c.Host)
	}
	if c.Port != "" {
		a = append(a, "-P", c.Port)
	}
	if c.Username != "" {
		a = append(a, "-u", c.Username)
	}
	return a
}

// env passes the password through MYSQL_PWD so it never shows in ps output.
func (c Credentials) env() []string {
	if c.DefaultsFile != "" || c.Password == "" {
		return nil
	}
	return []string{"MYSQL_PWD=" + c.Password}
}
