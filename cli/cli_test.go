package cli

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"dragnshare/signaling"
	"dragnshare/storage"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func runCLI(ctx context.Context, dataDir string, args ...string) (string, error) {
	stdout := &syncBuffer{}
	root, a := newRootCmd(stdout, &syncBuffer{})
	root.SetArgs(append([]string{"--data-dir", dataDir, "--log-level", "error"}, args...))

	err := root.ExecuteContext(ctx)
	if closeErr := a.close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return stdout.String(), err
}

func TestShareAndGetThroughRelay(t *testing.T) {
	server, err := signaling.ListenRelay("127.0.0.1:0", signaling.RelayOptions{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("ListenRelay failed: %v", err)
	}
	defer server.Close()

	holderDir := t.TempDir()
	requesterDir := t.TempDir()
	outDir := filepath.Join(t.TempDir(), "out")
	source := filepath.Join(t.TempDir(), "notes.txt")
	content := strings.Repeat("dragnshare ", 5000)
	if err := os.WriteFile(source, []byte(content), 0o600); err != nil {
		t.Fatalf("write source: %v", err)
	}

	out, err := runCLI(context.Background(), holderDir, "share", "--no-serve", source)
	if err != nil {
		t.Fatalf("share failed: %v", err)
	}
	if !strings.Contains(out, "Shared notes.txt") {
		t.Fatalf("unexpected share output: %q", out)
	}

	out, err = runCLI(context.Background(), holderDir, "shared")
	if err != nil {
		t.Fatalf("shared failed: %v", err)
	}
	if !strings.Contains(out, "notes.txt") {
		t.Fatalf("expected notes.txt in shared list, got %q", out)
	}

	serveCtx, cancelServe := context.WithCancel(context.Background())
	serveDone := make(chan error, 1)
	go func() {
		_, err := runCLI(serveCtx, holderDir, "serve", "--relay", server.URL(), "--session", "cli-test")
		serveDone <- err
	}()
	defer func() {
		cancelServe()
		select {
		case err := <-serveDone:
			if err != nil {
				t.Errorf("serve failed: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Errorf("serve did not stop")
		}
	}()

	deadline := time.Now().Add(5 * time.Second)
	for server.Relay().SessionSize("cli-test") < 1 {
		if time.Now().After(deadline) {
			t.Fatalf("holder never joined the session")
		}
		time.Sleep(10 * time.Millisecond)
	}

	out, err = runCLI(context.Background(), requesterDir,
		"get", "-q", "--relay", server.URL(), "--session", "cli-test", "-o", outDir, "notes.txt")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !strings.Contains(out, "Verification code:") {
		t.Fatalf("expected verification code in output, got %q", out)
	}

	received, err := os.ReadFile(filepath.Join(outDir, "notes.txt"))
	if err != nil {
		t.Fatalf("read received file: %v", err)
	}
	if string(received) != content {
		t.Fatalf("received file does not match source")
	}

	out, err = runCLI(context.Background(), requesterDir, "transfers")
	if err != nil {
		t.Fatalf("transfers failed: %v", err)
	}
	if !strings.Contains(out, "requester") || !strings.Contains(out, "complete") {
		t.Fatalf("expected a complete requester row, got %q", out)
	}
}

func TestTransfersShowsSecurityEvents(t *testing.T) {
	dataDir := t.TempDir()
	store, _, err := storage.Open(dataDir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	requestID := "req-sec"
	for _, event := range []storage.SecurityEvent{
		{EventType: "peer_aborted", RequestID: &requestID, Role: storage.TransferRoleRequester, Filename: "a.txt", Severity: storage.SecuritySeverityWarning},
		{EventType: "chunk_authentication_failed", RequestID: &requestID, Role: storage.TransferRoleRequester, Filename: "a.txt", Severity: storage.SecuritySeverityCritical},
	} {
		if err := store.LogSecurityEvent(event); err != nil {
			t.Fatalf("LogSecurityEvent failed: %v", err)
		}
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	out, err := runCLI(context.Background(), dataDir, "transfers", "--security", "--min-severity", "critical")
	if err != nil {
		t.Fatalf("transfers --security failed: %v", err)
	}
	if !strings.Contains(out, "chunk_authentication_failed") || strings.Contains(out, "peer_aborted") {
		t.Fatalf("expected only the critical event, got %q", out)
	}

	out, err = runCLI(context.Background(), dataDir, "transfers", "--security", "--summary")
	if err != nil {
		t.Fatalf("transfers --security --summary failed: %v", err)
	}
	if !strings.Contains(out, "WORST") || !strings.Contains(out, "peer_aborted") {
		t.Fatalf("unexpected summary output: %q", out)
	}

	out, err = runCLI(context.Background(), dataDir, "transfers", "--security", "--request", requestID)
	if err != nil {
		t.Fatalf("transfers --security --request failed: %v", err)
	}
	first, second := strings.Index(out, "peer_aborted"), strings.Index(out, "chunk_authentication_failed")
	if first < 0 || second < 0 || first > second {
		t.Fatalf("expected events of %s in recorded order, got %q", requestID, out)
	}
}

func TestUnshareUnknownFile(t *testing.T) {
	_, err := runCLI(context.Background(), t.TempDir(), "unshare", "nothing.txt")
	if err == nil || !strings.Contains(err.Error(), "is not shared") {
		t.Fatalf("expected not shared error, got %v", err)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}
