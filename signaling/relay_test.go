package signaling

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestRelay(t *testing.T) (*Relay, string) {
	t.Helper()

	relay := NewRelay(RelayOptions{})
	server := httptest.NewServer(relay)
	t.Cleanup(func() {
		relay.Close()
		server.Close()
	})
	return relay, "ws" + strings.TrimPrefix(server.URL, "http")
}

func waitForSessionSize(t *testing.T, relay *Relay, session string, want int) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if relay.SessionSize(session) == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session %q never reached %d members (have %d)", session, want, relay.SessionSize(session))
}

func TestRelayForwardsWithinSessionOnly(t *testing.T) {
	relay, url := newTestRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	alice, err := Dial(ctx, url, DialOptions{Session: "s1", Token: "t"})
	if err != nil {
		t.Fatalf("dial alice: %v", err)
	}
	defer alice.Close()
	bob, err := Dial(ctx, url, DialOptions{Session: "s1", Token: "t"})
	if err != nil {
		t.Fatalf("dial bob: %v", err)
	}
	defer bob.Close()
	eve, err := Dial(ctx, url, DialOptions{Session: "s2"})
	if err != nil {
		t.Fatalf("dial eve: %v", err)
	}
	defer eve.Close()

	waitForSessionSize(t, relay, "s1", 2)
	waitForSessionSize(t, relay, "s2", 1)

	payload, err := Encode("t", Register{})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if err := alice.Send(ctx, payload); err != nil {
		t.Fatalf("alice send: %v", err)
	}

	got, err := bob.Receive(ctx)
	if err != nil {
		t.Fatalf("bob receive: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("relay altered frame: %s", got)
	}

	quiet, cancelQuiet := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancelQuiet()
	if frame, err := eve.Receive(quiet); err == nil {
		t.Fatalf("frame leaked across sessions: %s", frame)
	}
	if frame, err := alice.Receive(quiet); err == nil {
		t.Fatalf("frame echoed to sender: %s", frame)
	}
}

func TestRelayRequiresSession(t *testing.T) {
	relay := NewRelay(RelayOptions{})
	recorder := httptest.NewRecorder()
	relay.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/ws", nil))

	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
}

func TestListenRelayServesWebsocketPath(t *testing.T) {
	server, err := ListenRelay("127.0.0.1:0", RelayOptions{})
	if err != nil {
		t.Fatalf("ListenRelay failed: %v", err)
	}
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := DialWithRetry(ctx, server.URL(), DialOptions{Session: "room", MaxRetries: 2})
	if err != nil {
		t.Fatalf("DialWithRetry failed: %v", err)
	}
	defer conn.Close()

	waitForSessionSize(t, server.Relay(), "room", 1)
}

func TestSessionURLAddsQueryAndNormalizesScheme(t *testing.T) {
	got, err := sessionURL("http://relay.local:7879/ws", "abc")
	if err != nil {
		t.Fatalf("sessionURL failed: %v", err)
	}
	if got != "ws://relay.local:7879/ws?session=abc" {
		t.Fatalf("unexpected url: %s", got)
	}
	if _, err := sessionURL("ftp://relay.local/ws", "abc"); err == nil {
		t.Fatalf("expected unsupported scheme error")
	}
}
