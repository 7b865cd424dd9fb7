package runner

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"
)

func TestExecRunner_CapturesOutput(t *testing.T) {
	res := ExecRunner{}.Run(context.Background(), Command{Name: "sh", Args: []string{"-c", "echo hello; echo oops >&2"}})
	if !res.OK() {
		t.Fatalf("expected success, got %v", res.Error())
	}
	out := string(res.Output)
	if !strings.Contains(out, "hello") || !strings.Contains(out, "oops") {
		t.Errorf("output = %q, want stdout and stderr", out)
	}
}

func TestExecRunner_StreamsStdout(t *testing.T) {
	var buf bytes.Buffer
	res := ExecRunner{}.Run(context.Background(), Command{
		Name:   "sh",
		Args:   []string{"-c", "printf data; echo warn >&2"},
		Stdout: &buf,
	})
	if !res.OK() {
		t.Fatalf("expected success, got %v", res.Error())
	}
	if buf.String() != "data" {
		t.Errorf("stdout = %q, want data", buf.String())
	}
	if strings.TrimSpace(string(res.Output)) != "warn" {
		t.Errorf("captured = %q, want warn", res.Output)
	}
}

func TestExecRunner_NonZeroExit(t *testing.T) {
	res := ExecRunner{}.Run(context.Background(), Command{Name: "sh", Args: []string{"-c", "exit 3"}})
	if res.OK() {
		t.Fatal("expected failure")
	}
	if res.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", res.ExitCode)
	}
	if res.Err != nil {
		t.Errorf("unexpected Err: %v", res.Err)
	}
	if res.Error() == nil {
		t.Error("Error() should describe the failure")
	}
}

func TestExecRunner_MissingBinary(t *testing.T) {
	res := ExecRunner{}.Run(context.Background(), Command{Name: "definitely-not-a-binary-xyz"})
	if res.OK() || res.Err == nil {
		t.Fatalf("expected start error, got %+v", res)
	}
}

func TestExecRunner_Timeout(t *testing.T) {
	res := ExecRunner{Timeout: 50 * time.Millisecond}.Run(context.Background(), Command{Name: "sleep", Args: []string{"5"}})
	if res.OK() {
		t.Fatal("expected timeout failure")
	}
}

func TestCommand_StringOmitsEnv(t *testing.T) {
	c := Command{Name: "mysqldump", Args: []string{"shop"}, Env: []string{"MYSQL_PWD=secret"}}
	if strings.Contains(c.String(), "secret") {
		t.Errorf("String() leaked env: %q", c.String())
	}
}
