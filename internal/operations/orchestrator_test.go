package operations

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/kebairia/sitebackup/internal/archive"
	"github.com/kebairia/sitebackup/internal/catalog"
	"github.com/kebairia/sitebackup/internal/config"
	"github.com/kebairia/sitebackup/internal/runner"
	"github.com/kebairia/sitebackup/internal/syncer"
)

const (
	remoteHome = "/home/u"
	siteDir    = "/home/u/public_html"
	root       = "/data/WebBackup"
	domain     = "example.org"
)

// fakeHost plays the hosting account: its agent builds the catalog of siteDir
// and its producer packs whatever the uploaded delta lists.
type fakeHost struct {
	fs        afero.Fs
	local     afero.Fs
	agentRC   int
	commands  []string
	delta     []string
	streams   int
	failFirst int
}

func (h *fakeHost) resolve(p string) string {
	if path.IsAbs(p) {
		return p
	}
	return path.Join(remoteHome, p)
}

func (h *fakeHost) Run(ctx context.Context, cmd string) runner.Result {
	h.commands = append(h.commands, cmd)
	if h.agentRC != 0 {
		return runner.Result{ExitCode: h.agentRC, Output: []byte("MySQL Error: access denied")}
	}
	b := &catalog.Builder{FS: h.fs}
	if _, err := b.Build(ctx, siteDir, h.resolve(config.DefaultRemoteDir)); err != nil {
		return runner.Result{ExitCode: 1, Output: []byte(err.Error())}
	}
	return runner.Result{}
}

func (h *fakeHost) Download(_ context.Context, remotePath, localPath string) error {
	data, err := afero.ReadFile(h.fs, h.resolve(remotePath))
	if err != nil {
		return err
	}
	if err := h.local.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return err
	}
	return afero.WriteFile(h.local, localPath, data, 0o644)
}

func (h *fakeHost) DownloadGlob(ctx context.Context, pattern, localDir string) ([]string, error) {
	matches, err := afero.Glob(h.fs, h.resolve(pattern))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, m := range matches {
		dst := filepath.Join(localDir, path.Base(m))
		if err := h.Download(ctx, m, dst); err != nil {
			return out, err
		}
		out = append(out, dst)
	}
	return out, nil
}

func (h *fakeHost) Upload(_ context.Context, localPath, _ string) error {
	lines, err := catalog.ReadLines(h.local, localPath)
	if err != nil {
		return err
	}
	h.delta = lines
	return nil
}

func (h *fakeHost) Stream(ctx context.Context, _ string) (io.ReadCloser, func() error, error) {
	h.streams++
	if h.streams <= h.failFirst {
		return nil, nil, errors.New("connection reset by peer")
	}
	var buf bytes.Buffer
	if _, err := archive.Pack(ctx, h.fs, &buf, h.delta, nil); err != nil {
		return nil, nil, err
	}
	return io.NopCloser(&buf), func() error { return nil }, nil
}

func (h *fakeHost) Close() error { return nil }

type capturedReport struct {
	subjects []string
	bodies   []string
}

func (c *capturedReport) Report(_ context.Context, subject, body string) error {
	c.subjects = append(c.subjects, subject)
	c.bodies = append(c.bodies, body)
	return nil
}

func newFakeHost(t *testing.T, local afero.Fs) *fakeHost {
	t.Helper()
	fs := afero.NewMemMapFs()
	files := map[string]string{
		siteDir + "/index.php":            "<?php require 'wp-blog-header.php';",
		siteDir + "/wp-content/style.css": "body{}",
		siteDir + "/wp-content/cache/x":   "cached",
		siteDir + "/img/logo.png":         "png",
	}
	files[path.Join(remoteHome, config.DefaultRemoteDir, "current-shop.sql.gz")] = "gz"
	for p, body := range files {
		if err := fs.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := afero.WriteFile(fs, p, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return &fakeHost{fs: fs, local: local}
}

func testConfig() config.Config {
	return config.Config{
		Orchestrator: config.OrchestratorConfig{
			Root:         root,
			User:         "u",
			Domain:       domain,
			Port:         22,
			RemoteDir:    config.DefaultRemoteDir,
			AgentCommand: "sitebackup/bin/sitebackup agent",
			Producer:     config.ProducerTar,
			Retry: config.RetryConfig{
				MaxAttempts:     5,
				InitialInterval: time.Millisecond,
				MaxInterval:     time.Millisecond,
			},
		},
	}
}

func noLock(string) (func() error, error) { return func() error { return nil }, nil }

func newTestOrchestrator(cfg config.Config, local afero.Fs, host *fakeHost, rep *capturedReport, now time.Time) *Orchestrator {
	return NewOrchestrator(cfg,
		WithFS(local),
		WithDialer(func(context.Context) (Remote, error) { return host, nil }),
		WithReporter(rep),
		WithLocker(noLock),
		WithClock(func() time.Time { return now }),
	)
}

func genPath(name string, rel string) string {
	return filepath.Join(root, domain, name, strings.TrimPrefix(rel, "/"))
}

func TestOrchestrator_SeedThenIncremental(t *testing.T) {
	local := afero.NewMemMapFs()
	host := newFakeHost(t, local)
	host.failFirst = 1
	rep := &capturedReport{}
	day1 := time.Date(2024, 10, 16, 3, 0, 0, 0, time.Local)

	m, err := newTestOrchestrator(testConfig(), local, host, rep, day1).Run(context.Background())
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if m.Status != StatusSuccess || m.Previous != "" {
		t.Errorf("manifest = %+v", m)
	}
	if m.Delta != 3 || m.SyncAttempts != 2 {
		t.Errorf("delta = %d, attempts = %d; want 3 and 2", m.Delta, m.SyncAttempts)
	}
	if len(host.commands) != 1 || host.commands[0] != "sitebackup/bin/sitebackup agent" {
		t.Errorf("agent commands = %v", host.commands)
	}
	body, err := afero.ReadFile(local, genPath("202410160300", siteDir+"/index.php"))
	if err != nil || !strings.Contains(string(body), "wp-blog-header") {
		t.Fatalf("index.php not transferred: %v", err)
	}
	if ok, _ := afero.Exists(local, genPath("202410160300", siteDir+"/wp-content/cache/x")); ok {
		t.Error("excluded cache file was transferred")
	}
	if ok, _ := afero.Exists(local, genPath("202410160300", "current-shop.sql.gz")); !ok {
		t.Error("current dump not fetched")
	}
	if ok, _ := afero.Exists(local, genPath("202410160300", MetadataFilename)); !ok {
		t.Error("manifest not written")
	}
	if len(rep.subjects) != 1 || rep.subjects[0] != "Report for example.org completed" {
		t.Errorf("report subjects = %v", rep.subjects)
	}

	// The site changes one file; the next run transfers only that file.
	later := time.Now().Add(time.Hour)
	if err := afero.WriteFile(host.fs, siteDir+"/index.php", []byte("<?php // v2"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := host.fs.Chtimes(siteDir+"/index.php", later, later); err != nil {
		t.Fatal(err)
	}
	host.failFirst = 0
	host.streams = 0
	day2 := day1.Add(24 * time.Hour)

	m2, err := newTestOrchestrator(testConfig(), local, host, rep, day2).Run(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if m2.Previous != "202410160300" || m2.PreviousStatus != StatusSuccess {
		t.Errorf("previous = %q (%s)", m2.Previous, m2.PreviousStatus)
	}
	if m2.Delta != 1 || m2.Reused != 2 {
		t.Errorf("delta = %d, reused = %d; want 1 and 2", m2.Delta, m2.Reused)
	}
	if got := host.delta; len(got) != 1 || got[0] != siteDir+"/index.php" {
		t.Errorf("uploaded delta = %v", got)
	}
	body, _ = afero.ReadFile(local, genPath("202410170300", siteDir+"/index.php"))
	if string(body) != "<?php // v2" {
		t.Errorf("index.php = %q", body)
	}
	if ok, _ := afero.Exists(local, genPath("202410170300", siteDir+"/img/logo.png")); !ok {
		t.Error("unchanged file not reused from previous generation")
	}
	if ok, _ := afero.Exists(local, genPath("202410170300", syncer.CompleteMarker)); !ok {
		t.Error("completion marker missing")
	}
}

func TestOrchestrator_AgentFailureIsFatal(t *testing.T) {
	local := afero.NewMemMapFs()
	host := newFakeHost(t, local)
	host.agentRC = 1
	rep := &capturedReport{}

	m, err := newTestOrchestrator(testConfig(), local, host, rep, time.Date(2024, 10, 17, 3, 0, 0, 0, time.Local)).Run(context.Background())
	if !errors.Is(err, ErrAgentFailed) {
		t.Fatalf("expected ErrAgentFailed, got %v", err)
	}
	if m.Status != StatusFailed || !strings.Contains(m.Error, "access denied") {
		t.Errorf("manifest = %+v", m)
	}
	if host.streams != 0 {
		t.Error("transfer started after agent failure")
	}
	if len(rep.subjects) != 1 || rep.subjects[0] != "Report for example.org failed" {
		t.Errorf("report subjects = %v", rep.subjects)
	}
}

func TestOrchestrator_DialFailure(t *testing.T) {
	local := afero.NewMemMapFs()
	rep := &capturedReport{}
	o := NewOrchestrator(testConfig(),
		WithFS(local),
		WithDialer(func(context.Context) (Remote, error) { return nil, errors.New("no route to host") }),
		WithReporter(rep),
		WithLocker(noLock),
		WithClock(func() time.Time { return time.Date(2024, 10, 17, 3, 0, 0, 0, time.Local) }),
	)
	m, err := o.Run(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	var loaded Manifest
	if err := loaded.Load(local, genPath("202410170300", MetadataFilename)); err != nil {
		t.Fatal(err)
	}
	if loaded.Status != StatusFailed || loaded.Generation != m.Generation {
		t.Errorf("loaded manifest = %+v", loaded)
	}
}

func TestOrchestrator_PurgesOldGenerations(t *testing.T) {
	local := afero.NewMemMapFs()
	host := newFakeHost(t, local)
	rep := &capturedReport{}

	old := filepath.Join(root, domain, "202401010000")
	if err := local.MkdirAll(old, 0o755); err != nil {
		t.Fatal(err)
	}
	longAgo := time.Now().Add(-30 * 24 * time.Hour)
	if err := local.Chtimes(old, longAgo, longAgo); err != nil {
		t.Fatal(err)
	}

	cfg := testConfig()
	cfg.Orchestrator.PurgeDays = 7
	m, err := newTestOrchestrator(cfg, local, host, rep, time.Date(2024, 10, 17, 3, 0, 0, 0, time.Local)).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Purged) != 1 || m.Purged[0] != "202401010000" {
		t.Errorf("purged = %v", m.Purged)
	}
	if ok, _ := afero.DirExists(local, old); ok {
		t.Error("old generation still present")
	}
}

func TestOrchestrator_LockHeld(t *testing.T) {
	o := NewOrchestrator(testConfig(),
		WithFS(afero.NewMemMapFs()),
		WithReporter(&capturedReport{}),
		WithLocker(func(string) (func() error, error) { return nil, errors.New("locked") }),
	)
	if _, err := o.Run(context.Background()); err == nil {
		t.Fatal("expected lock error")
	}
}

func TestOrchestrator_RecordsFailedPrevious(t *testing.T) {
	local := afero.NewMemMapFs()
	host := newFakeHost(t, local)
	rep := &capturedReport{}

	prevDir := filepath.Join(root, domain, "202410160300")
	if err := catalog.WriteLines(local, filepath.Join(prevDir, catalog.FileListName), []string{siteDir + "/old.php|1|1"}); err != nil {
		t.Fatal(err)
	}
	failed := &Manifest{Domain: domain, Generation: "202410160300", Status: StatusFailed}
	if err := failed.Write(local, prevDir); err != nil {
		t.Fatal(err)
	}

	m, err := newTestOrchestrator(testConfig(), local, host, rep, time.Date(2024, 10, 17, 3, 0, 0, 0, time.Local)).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if m.Previous != "202410160300" || m.PreviousStatus != StatusFailed {
		t.Errorf("previous = %q (%s)", m.Previous, m.PreviousStatus)
	}
	if len(rep.bodies) != 1 || !strings.Contains(rep.bodies[0], "Previous run: failed") {
		t.Errorf("report body = %v", rep.bodies)
	}
}
