package control

import (
	"bufio"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/wisund/internal/devices/console"
	"github.com/danmuck/wisund/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeConsole answers "ok <line>" to every line except "silent", and the
// busy reply to "busy".
func fakeConsole(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("listener unavailable: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				sc := bufio.NewScanner(c)
				for sc.Scan() {
					if sc.Text() == "silent" {
						continue
					}
					if sc.Text() == "busy" {
						_, _ = c.Write([]byte(console.BusyReply + "\n"))
						continue
					}
					_, _ = c.Write([]byte("ok " + sc.Text() + "\n"))
				}
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func get(t *testing.T, s *Server, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rr := httptest.NewRecorder()
	s.HTTPRouter().ServeHTTP(rr, req)
	return rr
}

func TestHealthAndReady(t *testing.T) {
	testlog.Start(t)
	ready := false
	s := New(Options{Name: "wisund-test", Version: "1.2.3", Ready: func() bool { return ready }})

	rr := get(t, s, "/health")
	if rr.Code != http.StatusOK {
		t.Fatalf("health code=%d", rr.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if body["service"] != "wisund-test" || body["version"] != "1.2.3" {
		t.Fatalf("unexpected health body %v", body)
	}

	if rr := get(t, s, "/ready"); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before ready, got %d", rr.Code)
	}
	ready = true
	if rr := get(t, s, "/ready"); rr.Code != http.StatusOK {
		t.Fatalf("expected 200 when ready, got %d", rr.Code)
	}
	if rr := get(t, s, "/metrics"); rr.Code != http.StatusOK {
		t.Fatalf("metrics code=%d", rr.Code)
	}
}

func TestGetDiagUsesSource(t *testing.T) {
	testlog.Start(t)
	s := New(Options{Diag: func() any { return map[string]int{"dispatched": 7} }})
	rr := get(t, s, "/get_diag")
	if rr.Code != http.StatusOK {
		t.Fatalf("diag code=%d", rr.Code)
	}
	if strings.TrimSpace(rr.Body.String()) != `{"dispatched":7}` {
		t.Fatalf("unexpected diag body %s", rr.Body.String())
	}
}

func TestToolForwardsCommand(t *testing.T) {
	testlog.Start(t)
	addr := fakeConsole(t)
	s := New(Options{ConsoleAddr: addr, ToolTimeout: 500 * time.Millisecond})

	rr := get(t, s, "/tool?cmd=send+0a0b")
	if rr.Code != http.StatusOK || rr.Body.String() != "ok send 0a0b" {
		t.Fatalf("unexpected tool reply code=%d body=%q", rr.Code, rr.Body.String())
	}

	rr = get(t, s, "/tool?cmd=silent")
	if rr.Code != http.StatusOK || rr.Body.String() != "" {
		t.Fatalf("silent command should yield empty reply code=%d body=%q", rr.Code, rr.Body.String())
	}

	if rr := get(t, s, "/tool?cmd=busy"); rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 from a busy console, got %d", rr.Code)
	}

	if rr := get(t, s, "/tool"); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without cmd, got %d", rr.Code)
	}
}

func TestToolConsoleDown(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("listener unavailable: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	s := New(Options{ConsoleAddr: addr})
	if rr := get(t, s, "/tool?cmd=help"); rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 with console down, got %d", rr.Code)
	}
}

func TestWebSocketStreamsDiag(t *testing.T) {
	testlog.Start(t)
	s := New(Options{
		DiagInterval: 20 * time.Millisecond,
		Diag:         func() any { return map[string]string{"mode": "simulator"} },
	})
	srv := httptest.NewServer(s.HTTPRouter())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for i := 0; i < 2; i++ {
		var msg map[string]string
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read diag %d: %v", i, err)
		}
		if msg["mode"] != "simulator" {
			t.Fatalf("unexpected diag message %v", msg)
		}
	}
}

func TestStaticWebRootWithoutListing(t *testing.T) {
	testlog.Start(t)
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "index.html"), []byte("<h1>wisund</h1>"), 0o644); err != nil {
		t.Fatalf("write index: %v", err)
	}
	if err := os.Mkdir(filepath.Join(root, "assets"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "assets", "app.js"), []byte("//"), 0o644); err != nil {
		t.Fatalf("write asset: %v", err)
	}
	s := New(Options{WebRoot: root})

	if rr := get(t, s, "/"); rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "wisund") {
		t.Fatalf("index not served code=%d body=%q", rr.Code, rr.Body.String())
	}
	if rr := get(t, s, "/assets/app.js"); rr.Code != http.StatusOK {
		t.Fatalf("asset not served code=%d", rr.Code)
	}
	if rr := get(t, s, "/assets/"); rr.Code != http.StatusNotFound {
		t.Fatalf("directory listing should be refused, got %d", rr.Code)
	}
}

func TestToolRequiresTokenWhenConfigured(t *testing.T) {
	testlog.Start(t)
	addr := fakeConsole(t)
	s := New(Options{ConsoleAddr: addr, Token: "s3cret", ToolTimeout: 500 * time.Millisecond})

	if rr := get(t, s, "/tool?cmd=help"); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}
	if rr := get(t, s, "/tool?cmd=help&token=s3cret"); rr.Code != http.StatusOK || rr.Body.String() != "ok help" {
		t.Fatalf("unexpected authorized reply code=%d body=%q", rr.Code, rr.Body.String())
	}
	if rr := get(t, s, "/health"); rr.Code != http.StatusOK {
		t.Fatalf("health must stay open, got %d", rr.Code)
	}
}
