package notify

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kebairia/sitebackup/internal/config"
	"github.com/kebairia/sitebackup/internal/logger"
)

// fakeSMTP accepts one message and sends its DATA section on the returned channel.
func fakeSMTP(t *testing.T) (string, int, <-chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	got := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		reply := func(s string) { fmt.Fprintf(conn, "%s\r\n", s) }

		reply("220 localhost ESMTP")
		var (
			inData bool
			data   strings.Builder
		)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			if inData {
				if line == ".\r\n" {
					inData = false
					reply("250 OK queued")
					continue
				}
				data.WriteString(line)
				continue
			}
			cmd := strings.ToUpper(strings.TrimSpace(line))
			switch {
			case strings.HasPrefix(cmd, "EHLO"), strings.HasPrefix(cmd, "HELO"):
				reply("250 localhost")
			case strings.HasPrefix(cmd, "MAIL"), strings.HasPrefix(cmd, "RCPT"):
				reply("250 OK")
			case cmd == "DATA":
				inData = true
				reply("354 End data with <CR><LF>.<CR><LF>")
			case cmd == "QUIT":
				reply("221 Bye")
				got <- data.String()
				return
			default:
				reply("502 not implemented")
			}
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port, got
}

func TestSMTPReporter_DeliversReport(t *testing.T) {
	host, port, got := fakeSMTP(t)
	r := &SMTPReporter{
		Config: config.NotifyConfig{
			SMTPHost: host,
			SMTPPort: port,
			From:     "backup@example.org",
			To:       []string{"ops@example.org", "admin@example.org"},
			StartTLS: true,
		},
		Now: func() time.Time { return time.Date(2024, 10, 17, 3, 0, 0, 0, time.UTC) },
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.Report(ctx, "Report for example.org completed", "delta: 12 files\nreused: 3400"); err != nil {
		t.Fatalf("Report: %v", err)
	}

	select {
	case msg := <-got:
		for _, want := range []string{
			"Subject: Report for example.org completed\r\n",
			"To: ops@example.org, admin@example.org\r\n",
			"delta: 12 files\r\nreused: 3400",
		} {
			if !strings.Contains(msg, want) {
				t.Errorf("message missing %q:\n%s", want, msg)
			}
		}
	case <-ctx.Done():
		t.Fatal("no message received")
	}
}

func TestSMTPReporter_Unreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	r := &SMTPReporter{Config: config.NotifyConfig{SMTPHost: "127.0.0.1", SMTPPort: port, From: "a@b", To: []string{"c@d"}}}
	if err := r.Report(context.Background(), "s", "b"); err == nil {
		t.Fatal("expected error for a closed port")
	}
}

func TestNew_SelectsReporter(t *testing.T) {
	if _, ok := New(config.NotifyConfig{}, nil).(*LogReporter); !ok {
		t.Error("empty config should log the report")
	}
	if _, ok := New(config.NotifyConfig{SMTPHost: "mail", To: []string{"x@y"}}, nil).(*SMTPReporter); !ok {
		t.Error("configured host should mail the report")
	}
	if _, ok := New(config.NotifyConfig{SMTPHost: "mail"}, nil).(*LogReporter); !ok {
		t.Error("no recipients should log the report")
	}
}

func TestLogReporter(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	r := &LogReporter{Logger: logger.New(zap.New(core))}

	if err := r.Report(context.Background(), "Report for example.org failed", "sync retries exhausted"); err != nil {
		t.Fatal(err)
	}
	entries := logs.FilterMessage("Report for example.org failed").All()
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if entries[0].ContextMap()["report"] != "sync retries exhausted" {
		t.Errorf("context = %v", entries[0].ContextMap())
	}
}

func TestBuildMessage_NormalisesLineEndings(t *testing.T) {
	msg := buildMessage("a@b", []string{"c@d"}, "s", "one\ntwo\r\nthree", time.Unix(0, 0))
	if !strings.HasSuffix(msg, "\r\n\r\none\r\ntwo\r\nthree") {
		t.Errorf("body = %q", msg)
	}
	if !strings.Contains(msg, "Date: "+time.Unix(0, 0).Format(time.RFC1123Z)) {
		t.Error("date header missing")
	}
}
