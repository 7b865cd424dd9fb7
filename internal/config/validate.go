package config

import (
	"fmt"
	"os"
)

// ValidateOrchestrator checks the settings required by the run command.
func (c *Config) ValidateOrchestrator() error {
	o := c.Orchestrator
	if o.User == "" {
		return fmt.Errorf("%w: no --user defined", ErrValidateConfig)
	}
	if o.Domain == "" {
		return fmt.Errorf("%w: no --domain defined", ErrValidateConfig)
	}
	if o.Root == "" {
		return fmt.Errorf("%w: backup root directory is empty", ErrValidateConfig)
	}
	if o.Port <= 0 || o.Port > 65535 {
		return fmt.Errorf("%w: invalid port %d", ErrValidateConfig, o.Port)
	}
	if o.PurgeDays < 0 {
		return fmt.Errorf("%w: purge window must not be negative, got %d", ErrValidateConfig, o.PurgeDays)
	}
	switch o.Producer {
	case ProducerTar, ProducerAgent:
	default:
		return fmt.Errorf("%w: unknown archive producer %q", ErrValidateConfig, o.Producer)
	}
	if o.Retry.MaxAttempts < 0 {
		return fmt.Errorf("%w: retry.max_attempts must not be negative", ErrValidateConfig)
	}
	return nil
}

// ValidateAgent checks the settings required by the agent command. Credentials
// come either from a MySQL defaults file or from a Vault role.
func (c *Config) ValidateAgent() error {
	a := c.Agent
	if a.BackupDir == "" {
		return fmt.Errorf("%w: backup directory is empty", ErrValidateConfig)
	}
	if _, err := os.Stat(a.BackupDir); err != nil {
		return fmt.Errorf("%w: backup directory %s was not found", ErrValidateConfig, a.BackupDir)
	}
	if a.SourceDir == "" {
		return fmt.Errorf("%w: source directory is empty", ErrValidateConfig)
	}
	if a.MySQL.VaultRole != "" {
		if c.Vault.Address == "" {
			return fmt.Errorf("%w: agent.mysql.vault_role requires vault.address", ErrValidateConfig)
		}
		return nil
	}
	if a.MySQLUserFile == "" {
		return fmt.Errorf("%w: no MySQL credentials file configured (--pf)", ErrValidateConfig)
	}
	if _, err := os.Stat(a.MySQLUserFile); err != nil {
		return fmt.Errorf("%w: MySQL credentials file %s was not found", ErrValidateConfig, a.MySQLUserFile)
	}
	return nil
}
