package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kebairia/sitebackup/internal/config"
	"github.com/kebairia/sitebackup/internal/operations"
)

var runFlags struct {
	dir    string
	user   string
	domain string
	port   int
	purge  int
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Back up one domain into a new generation",
	Long: `run connects to the hosting account, runs the agent there, fetches the new
catalog and current database dumps, then transfers only the files that changed
since the previous generation. Old generations are purged when --purge is set.`,
	Example: `  sitebackup run --user site1 --domain example.org
  sitebackup run --dir /data/WebBackup --user site1 --domain example.org --port 2222 --purge 30`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(ConfigFile)
		if err != nil {
			return err
		}
		applyRunFlags(cmd, &cfg)
		if err := cfg.ValidateOrchestrator(); err != nil {
			_ = cmd.Usage()
			return err
		}

		log, err := initLogger(cfg)
		if err != nil {
			return err
		}
		log.Info("backup started",
			"domain", cfg.Orchestrator.Domain,
			"user", cfg.Orchestrator.User,
			"root", cfg.Orchestrator.Root,
		)

		m, err := operations.NewOrchestrator(cfg, operations.WithLogger(log)).Run(cmd.Context())
		if err != nil {
			return fmt.Errorf("backup of %s failed: %w", cfg.Orchestrator.Domain, err)
		}
		log.Info("backup finished",
			"generation", m.Generation,
			"delta", m.Delta,
			"reused", m.Reused,
			"attempts", m.SyncAttempts,
		)
		return nil
	},
}

// applyRunFlags lets explicitly set flags win over the configuration file.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) {
	o := &cfg.Orchestrator
	f := cmd.Flags()
	if f.Changed("dir") {
		o.Root = runFlags.dir
	}
	if f.Changed("user") {
		o.User = runFlags.user
	}
	if f.Changed("domain") {
		o.Domain = runFlags.domain
	}
	if f.Changed("port") {
		o.Port = runFlags.port
	}
	if f.Changed("purge") {
		o.PurgeDays = runFlags.purge
	}
}

func init() {
	f := runCmd.Flags()
	f.StringVarP(&ConfigFile, "config", "c", "", "path to YAML config file")
	f.StringVar(&runFlags.dir, "dir", config.DefaultRoot, "archive root directory")
	f.StringVar(&runFlags.user, "user", "", "login on the hosting account (required)")
	f.StringVar(&runFlags.domain, "domain", "", "domain to back up, also the ssh host (required)")
	f.IntVar(&runFlags.port, "port", config.DefaultPort, "ssh port")
	f.IntVar(&runFlags.purge, "purge", 0, "remove generations older than this many days")
}
