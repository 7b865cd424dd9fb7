// Package vault leases short-lived MySQL logins for the agent from a
// HashiCorp Vault database secrets engine.
package vault

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	vault "github.com/hashicorp/vault/api"
	"github.com/mitchellh/mapstructure"
)

const (
	approleSecretIDPath = "auth/approle/role/%s/secret-id"
	approleLoginPath    = "auth/approle/login"
)

var (
	// ErrClientInit indicates failure to initialize the Vault API client.
	ErrClientInit = errors.New("vault client initialization failed")
	// ErrNoSecret is returned when a path holds no data.
	ErrNoSecret = errors.New("no data found")
)

// Option adjusts how the client reaches and authenticates to Vault.
type Option func(*settings)

type settings struct {
	addr     string
	token    string
	roleID   string
	roleName string
}

func (s settings) appRole() bool { return s.roleID != "" && s.roleName != "" }

// Client reads leases on behalf of the agent.
type Client struct {
	logical *vault.Logical
}

// DynamicCredentials is a database login leased from a secrets engine.
type DynamicCredentials struct {
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	TTL      time.Duration `mapstructure:"-"`
}

// WithAddress overrides VAULT_ADDR. Empty values are ignored.
func WithAddress(addr string) Option {
	return func(s *settings) {
		if addr != "" {
			s.addr = addr
		}
	}
}

// WithToken overrides VAULT_TOKEN. Empty values are ignored.
func WithToken(token string) Option {
	return func(s *settings) {
		if token != "" {
			s.token = token
		}
	}
}

// WithAppRole logs in with a freshly generated secret id for roleName.
func WithAppRole(roleID, roleName string) Option {
	return func(s *settings) {
		s.roleID = roleID
		s.roleName = roleName
	}
}

// NewClient connects to Vault. With an AppRole configured it logs in and uses
// the resulting token; otherwise the static token, if any, is used as is.
func NewClient(ctx context.Context, opts ...Option) (*Client, error) {
	s := settings{
		addr:  os.Getenv("VAULT_ADDR"),
		token: os.Getenv("VAULT_TOKEN"),
	}
	for _, opt := range opts {
		opt(&s)
	}

	apiCfg := vault.DefaultConfig()
	if s.addr != "" {
		apiCfg.Address = s.addr
	}
	api, err := vault.NewClient(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrClientInit, err)
	}
	if s.token != "" {
		api.SetToken(s.token)
	}

	c := &Client{logical: api.Logical()}
	if s.appRole() {
		token, err := c.appRoleToken(ctx, s.roleID, s.roleName)
		if err != nil {
			return nil, fmt.Errorf("%w: AppRole login failed: %w", ErrClientInit, err)
		}
		api.SetToken(token)
	}
	return c, nil
}

// appRoleToken generates a secret id for roleName and exchanges it, together
// with roleID, for a client token.
func (c *Client) appRoleToken(ctx context.Context, roleID, roleName string) (string, error) {
	path := fmt.Sprintf(approleSecretIDPath, roleName)
	issued, err := c.logical.WriteWithContext(ctx, path, nil)
	if err != nil {
		return "", fmt.Errorf("generate secret_id: %w", err)
	}
	var secretID string
	if issued != nil {
		secretID, _ = issued.Data["secret_id"].(string)
	}
	if secretID == "" {
		return "", fmt.Errorf("no secret_id returned from %s", path)
	}

	login, err := c.logical.WriteWithContext(ctx, approleLoginPath, map[string]any{
		"role_id":   roleID,
		"secret_id": secretID,
	})
	if err != nil {
		return "", fmt.Errorf("approle login request: %w", err)
	}
	if login == nil || login.Auth == nil || login.Auth.ClientToken == "" {
		return "", errors.New("no token in login response")
	}
	return login.Auth.ClientToken, nil
}

// GetDynamicCredentials reads a username/password lease from role, for
// instance database/creds/sitebackup.
func (c *Client) GetDynamicCredentials(ctx context.Context, role string) (DynamicCredentials, error) {
	lease, err := c.logical.ReadWithContext(ctx, role)
	if err != nil {
		return DynamicCredentials{}, fmt.Errorf("vault read %s: %w", role, err)
	}
	if lease == nil || lease.Data == nil {
		return DynamicCredentials{}, fmt.Errorf("%w at path: %s", ErrNoSecret, role)
	}

	var creds DynamicCredentials
	if err := mapstructure.Decode(lease.Data, &creds); err != nil {
		return DynamicCredentials{}, fmt.Errorf("invalid data format at path %s: %w", role, err)
	}
	if creds.Username == "" || creds.Password == "" {
		return DynamicCredentials{}, fmt.Errorf("lease at %s lacks username or password", role)
	}
	creds.TTL = time.Duration(lease.LeaseDuration) * time.Second
	return creds, nil
}
