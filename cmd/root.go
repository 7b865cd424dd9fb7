package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kebairia/sitebackup/internal/config"
	"github.com/kebairia/sitebackup/internal/logger"
)

// ConfigFile is the path to the YAML configuration.
var (
	ConfigFile string
	// rootCmd is the base command for sitebackup.
	rootCmd = &cobra.Command{
		Use:   "sitebackup",
		Short: "Incremental site and database backups over ssh",
		Long: `sitebackup keeps timestamped generations of a hosted site under a local
archive root. The run command drives a backup from the archive host; the agent
command dumps the databases and catalogs the site on the hosting account.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

// Execute runs the root command and exits 1 on any error.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	logger.Cleanup()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads path, or only defaults and environment when path is empty.
func loadConfig(path string) (config.Config, error) {
	var cfg config.Config
	if err := cfg.Load(path); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// initLogger installs the global logger at the configured level.
func initLogger(cfg config.Config, outputs ...string) (logger.Logger, error) {
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}
	log, err := logger.InitTo(cfg.Log.Level, outputs...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrValidateConfig, err)
	}
	return log, nil
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(agentCmd)
	agentCmd.AddCommand(packCmd)
}
