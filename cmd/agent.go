package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"os"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/kebairia/sitebackup/internal/archive"
	"github.com/kebairia/sitebackup/internal/catalog"
	"github.com/kebairia/sitebackup/internal/config"
	"github.com/kebairia/sitebackup/internal/operations"
)

var agentFlags struct {
	config string
	dir    string
	pf     string
}

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Dump the databases and catalog the site on the hosting account",
	Long: `agent runs on the hosting account. It dumps every database with up to three
attempts each, repoints current-<db>.sql.gz at the newest good dump, writes the
dirlist and filelist of the site and removes dumps older than days_to_keep.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadAgentConfig(cmd)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("dir") {
			cfg.Agent.BackupDir = agentFlags.dir
		}
		if cmd.Flags().Changed("pf") {
			cfg.Agent.MySQLUserFile = agentFlags.pf
		}
		if err := cfg.ExpandPaths(); err != nil {
			return err
		}
		if err := cfg.ValidateAgent(); err != nil {
			_ = cmd.Usage()
			return err
		}

		log, err := initLogger(cfg)
		if err != nil {
			return err
		}

		a, err := operations.NewAgent(cmd.Context(), cfg, operations.WithAgentLogger(log))
		if err != nil {
			return err
		}
		defer a.Close()

		rep, err := a.Run(cmd.Context())
		if err != nil {
			return err
		}
		if failed := rep.Failed(); len(failed) > 0 {
			log.Warn("agent finished with database errors", "failed", failed)
		} else {
			log.Info("agent finished", "databases", len(rep.Results))
		}
		return nil
	},
}

// loadAgentConfig reads --config. When the flag was left at its default and
// that file does not exist, defaults and environment are used instead.
func loadAgentConfig(cmd *cobra.Command) (config.Config, error) {
	path := agentFlags.config
	if !cmd.Flags().Changed("config") {
		expanded, err := homedir.Expand(path)
		if err == nil {
			if _, statErr := os.Stat(expanded); errors.Is(statErr, os.ErrNotExist) {
				path = ""
			}
		}
	}
	return loadConfig(path)
}

var packList string

var packCmd = &cobra.Command{
	Use:   "pack",
	Short: "Write the files named in a list as tar.gz to stdout",
	Long: `pack is the archive producer used by "run" when producer is set to agent.
Files that vanished since the catalog was built are skipped with a warning.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadAgentConfig(cmd)
		if err != nil {
			return err
		}
		// stdout carries the archive
		log, err := initLogger(cfg, "stderr")
		if err != nil {
			return err
		}

		list, err := homedir.Expand(packList)
		if err != nil {
			return err
		}
		fs := afero.NewOsFs()
		paths, err := catalog.ReadLines(fs, list)
		if err != nil {
			return fmt.Errorf("read list %s: %w", list, err)
		}

		w := bufio.NewWriterSize(os.Stdout, 1<<20)
		st, err := archive.Pack(cmd.Context(), fs, w, paths, log)
		if err != nil {
			return err
		}
		if err := w.Flush(); err != nil {
			return fmt.Errorf("flush archive: %w", err)
		}
		log.Info("archive written", "files", st.Files, "skipped", st.Skipped, "bytes", st.Bytes)
		return nil
	},
}

func init() {
	f := agentCmd.PersistentFlags()
	f.StringVarP(&agentFlags.config, "config", "c", config.DefaultAgentConfig, "path to YAML config file")

	agentCmd.Flags().StringVar(&agentFlags.dir, "dir", "", "target backup directory")
	agentCmd.Flags().StringVar(&agentFlags.pf, "pf", "", "MySQL client option file with the credentials")

	packCmd.Flags().StringVar(&packList, "list", "", "file listing one path per line")
	_ = packCmd.MarkFlagRequired("list")
}
