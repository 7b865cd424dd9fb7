package cmd

import (
	"testing"

	"github.com/kebairia/sitebackup/internal/config"
)

func TestApplyRunFlags_OnlyChangedFlagsWin(t *testing.T) {
	if err := runCmd.Flags().Parse([]string{"--user", "site1", "--domain", "example.org", "--purge", "30"}); err != nil {
		t.Fatal(err)
	}
	cfg := config.Config{Orchestrator: config.OrchestratorConfig{
		Root:     "/srv/backups",
		Port:     2222,
		Producer: config.ProducerTar,
	}}
	applyRunFlags(runCmd, &cfg)

	o := cfg.Orchestrator
	if o.User != "site1" || o.Domain != "example.org" || o.PurgeDays != 30 {
		t.Errorf("flags not applied: %+v", o)
	}
	if o.Root != "/srv/backups" || o.Port != 2222 {
		t.Errorf("unset flags overrode config: root=%q port=%d", o.Root, o.Port)
	}
	if err := cfg.ValidateOrchestrator(); err != nil {
		t.Errorf("ValidateOrchestrator: %v", err)
	}
}
