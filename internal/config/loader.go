package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// ErrLoadConfig indicates a failure to read or parse the YAML configuration.
var ErrLoadConfig = errors.New("config load failed")

// ErrValidateConfig indicates that the loaded configuration is invalid.
var ErrValidateConfig = errors.New("configuration validation failed")

const (
	DefaultRoot        = "/data/WebBackup"
	DefaultPort        = 22
	DefaultRemoteDir   = "sitebackup/site"
	DefaultAgentConfig = "~/sitebackup/etc/sitebackup.yaml"

	ProducerTar   = "tar"
	ProducerAgent = "agent"
)

// Config represents the top-level YAML configuration file.
type Config struct {
	Include      []string           `mapstructure:"include"      yaml:"include,omitempty"`
	Log          LogConfig          `mapstructure:"log"          yaml:"log"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator" yaml:"orchestrator"`
	Agent        AgentConfig        `mapstructure:"agent"        yaml:"agent"`
	Vault        VaultConfig        `mapstructure:"vault"        yaml:"vault"`
	Notify       NotifyConfig       `mapstructure:"notify"       yaml:"notify"`
}

// LogConfig selects the zap level.
type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
}

// OrchestratorConfig drives the backup host side.
type OrchestratorConfig struct {
	Root      string `mapstructure:"root"       yaml:"root"`
	User      string `mapstructure:"user"       yaml:"user"`
	Domain    string `mapstructure:"domain"     yaml:"domain"`
	Port      int    `mapstructure:"port"       yaml:"port"`
	PurgeDays int    `mapstructure:"purge_days" yaml:"purge_days,omitempty"`

	RemoteDir    string `mapstructure:"remote_dir"    yaml:"remote_dir"`
	AgentCommand string `mapstructure:"agent_command" yaml:"agent_command"`
	Producer     string `mapstructure:"producer"      yaml:"producer"`

	SSH   SSHConfig   `mapstructure:"ssh"   yaml:"ssh"`
	Retry RetryConfig `mapstructure:"retry" yaml:"retry"`
}

// SSHConfig holds authentication and host verification settings.
type SSHConfig struct {
	KeyPath        string        `mapstructure:"key_path"        yaml:"key_path,omitempty"`
	KeyPassphrase  string        `mapstructure:"key_passphrase"  yaml:"key_passphrase,omitempty"`
	Password       string        `mapstructure:"password"        yaml:"password,omitempty"`
	KnownHosts     string        `mapstructure:"known_hosts"     yaml:"known_hosts,omitempty"`
	Insecure       bool          `mapstructure:"insecure"        yaml:"insecure,omitempty"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"    yaml:"dial_timeout"`
	CommandTimeout time.Duration `mapstructure:"command_timeout" yaml:"command_timeout"`
}

// RetryConfig bounds the diff and transfer cycle. MaxAttempts 0 means unlimited.
type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"     yaml:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval" yaml:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"     yaml:"max_interval"`
}

// AgentConfig drives the remote side: dumps and catalog.
type AgentConfig struct {
	BackupDir     string        `mapstructure:"backup_dir"      yaml:"backup_dir"`
	SourceDir     string        `mapstructure:"source_dir"      yaml:"source_dir"`
	MySQLUserFile string        `mapstructure:"mysql_user_file" yaml:"mysql_user_file,omitempty"`
	DaysToKeep    int           `mapstructure:"days_to_keep"    yaml:"days_to_keep"`
	DumpTimeout   time.Duration `mapstructure:"dump_timeout"    yaml:"dump_timeout"`
	MySQL         MySQLConfig   `mapstructure:"mysql"           yaml:"mysql"`
}

// MySQLConfig is only used when credentials come from Vault.
type MySQLConfig struct {
	Host      string `mapstructure:"host"       yaml:"host,omitempty"`
	Port      string `mapstructure:"port"       yaml:"port,omitempty"`
	VaultRole string `mapstructure:"vault_role" yaml:"vault_role,omitempty"`
}

// VaultConfig holds connection settings for HashiCorp Vault.
type VaultConfig struct {
	Address     string `mapstructure:"address"      yaml:"address"`
	Token       string `mapstructure:"token"        yaml:"token,omitempty"`
	RoleID      string `mapstructure:"role_id"      yaml:"role_id,omitempty"`
	ApproleName string `mapstructure:"approle_name" yaml:"approle_name,omitempty"`
}

// NotifyConfig configures the end-of-run mail report. Empty SMTPHost disables it.
type NotifyConfig struct {
	SMTPHost     string   `mapstructure:"smtp_host"     yaml:"smtp_host,omitempty"`
	SMTPPort     int      `mapstructure:"smtp_port"     yaml:"smtp_port"`
	SMTPUser     string   `mapstructure:"smtp_user"     yaml:"smtp_user,omitempty"`
	SMTPPassword string   `mapstructure:"smtp_password" yaml:"smtp_password,omitempty"`
	From         string   `mapstructure:"from"          yaml:"from,omitempty"`
	To           []string `mapstructure:"to"            yaml:"to,omitempty"`
	StartTLS     bool     `mapstructure:"starttls"      yaml:"starttls"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")

	v.SetDefault("orchestrator.root", DefaultRoot)
	v.SetDefault("orchestrator.port", DefaultPort)
	v.SetDefault("orchestrator.remote_dir", DefaultRemoteDir)
	v.SetDefault("orchestrator.agent_command", "sitebackup/bin/sitebackup agent")
	v.SetDefault("orchestrator.producer", ProducerTar)
	v.SetDefault("orchestrator.ssh.dial_timeout", 30*time.Second)
	v.SetDefault("orchestrator.ssh.command_timeout", 2*time.Hour)
	v.SetDefault("orchestrator.retry.max_attempts", 10)
	v.SetDefault("orchestrator.retry.initial_interval", 5*time.Second)
	v.SetDefault("orchestrator.retry.max_interval", 5*time.Minute)

	v.SetDefault("agent.backup_dir", "~/"+DefaultRemoteDir)
	v.SetDefault("agent.days_to_keep", 14)
	v.SetDefault("agent.dump_timeout", time.Hour)
	v.SetDefault("agent.mysql.host", "localhost")
	v.SetDefault("agent.mysql.port", "3306")

	v.SetDefault("notify.smtp_port", 587)
	v.SetDefault("notify.starttls", true)
}

// Load reads the configuration from the given YAML file using Viper,
// merges any included files, and unmarshals into the Config struct.
// An empty path yields the defaults plus environment overrides.
func (c *Config) Load(path string) error {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("SITEBACKUP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		expanded, err := homedir.Expand(path)
		if err != nil {
			return fmt.Errorf("%w: expand %s: %v", ErrLoadConfig, path, err)
		}
		v.SetConfigFile(expanded)
		v.SetConfigType("yaml")

		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("%w: read base config %s: %v", ErrLoadConfig, path, err)
		}

		for _, inc := range v.GetStringSlice("include") {
			data, err := os.ReadFile(inc)
			if err != nil {
				return fmt.Errorf("%w: read include %s: %v", ErrLoadConfig, inc, err)
			}
			if err := v.MergeConfig(bytes.NewReader(data)); err != nil {
				return fmt.Errorf("%w: merge include %s: %v", ErrLoadConfig, inc, err)
			}
		}
	}

	if err := v.UnmarshalExact(c); err != nil {
		return fmt.Errorf("%w: unmarshal config: %v", ErrLoadConfig, err)
	}

	return c.ExpandPaths()
}

// ExpandPaths resolves a leading ~ in every path-valued setting.
func (c *Config) ExpandPaths() error {
	for _, p := range []*string{
		&c.Orchestrator.Root,
		&c.Orchestrator.SSH.KeyPath,
		&c.Orchestrator.SSH.KnownHosts,
		&c.Agent.BackupDir,
		&c.Agent.SourceDir,
		&c.Agent.MySQLUserFile,
	} {
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("%w: expand %s: %v", ErrLoadConfig, *p, err)
		}
		*p = expanded
	}
	return nil
}
