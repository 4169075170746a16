package session

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chris/webtty/config"
	"github.com/chris/webtty/registry"
	"github.com/chris/webtty/wsproto"
)

// newTestServer starts an httptest server that upgrades every request to
// the tty subprotocol and runs one Session per connection, exactly like
// server.Server.handleWebSocket but without the admission/TLS plumbing
// that package doesn't need to be exercised here.
func newTestServer(t *testing.T, cfg *config.Config) (*httptest.Server, *registry.Registry) {
	t.Helper()
	reg := registry.New(cfg.Once, cfg.MaxClients)
	upgrader := websocket.Upgrader{Subprotocols: []string{wsproto.Subprotocol}}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		s := New(conn, r, Deps{Cfg: cfg, Reg: reg})
		s.Run()
	}))
	return srv, reg
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + wsproto.Path
	dialer := websocket.Dialer{Subprotocols: []string{wsproto.Subprotocol}}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func readBanner(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	for i := 0; i < 3; i++ {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, _, err := conn.ReadMessage(); err != nil {
			t.Fatalf("reading banner message %d: %v", i, err)
		}
	}
}

func TestSessionEchoesInputThroughPTY(t *testing.T) {
	cfg, _, err := config.Parse([]string{"cat"})
	if err != nil {
		t.Fatalf("config.Parse: %v", err)
	}

	srv, _ := newTestServer(t, cfg)
	defer srv.Close()

	conn := dial(t, srv)
	defer conn.Close()

	readBanner(t, conn)

	// The start/auth message doubles as the trigger to spawn the child,
	// same as JSON_DATA does in handleAuth even when no credential is
	// configured.
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{}`)); err != nil {
		t.Fatalf("writing JSON_DATA: %v", err)
	}

	payload := append([]byte{wsproto.Input}, []byte("hello\n")...)
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatalf("writing INPUT: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	found := false
	for i := 0; i < 10 && !found; i++ {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("reading output: %v", err)
		}
		if len(data) > 0 && data[0] == wsproto.Output && strings.Contains(string(data[1:]), "aGVsbG8") {
			found = true
		}
	}
	if !found {
		t.Fatal("expected an OUTPUT frame containing the base64 encoding of \"hello\"")
	}
}

func TestSessionRejectsBeforeAuthWhenCredentialRequired(t *testing.T) {
	cfg, _, err := config.Parse([]string{"--credential", "user:pass", "cat"})
	if err != nil {
		t.Fatalf("config.Parse: %v", err)
	}

	srv, _ := newTestServer(t, cfg)
	defer srv.Close()

	conn := dial(t, srv)
	defer conn.Close()
	readBanner(t, conn)

	payload := append([]byte{wsproto.Input}, []byte("should be rejected")...)
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatalf("writing INPUT: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected the connection to be closed for sending INPUT before authenticating")
	}
}

func TestSessionRemovedFromRegistryOnClose(t *testing.T) {
	cfg, _, err := config.Parse([]string{"cat"})
	if err != nil {
		t.Fatalf("config.Parse: %v", err)
	}
	srv, reg := newTestServer(t, cfg)
	defer srv.Close()

	conn := dial(t, srv)
	readBanner(t, conn)
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if reg.Count() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("registry still reports %d session(s) after the client closed", reg.Count())
}
