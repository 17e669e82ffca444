package gateway

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func startServer(t *testing.T, cfg *Config, tunnel TunnelHandler) (*Server, string) {
	t.Helper()
	srv, err := NewServer(cfg, discardLogger(), testMetrics(), tunnel)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run: %v", err)
		}
	})

	select {
	case <-srv.Lifecycle().Ready():
	case err := <-done:
		t.Fatalf("Run returned before listening: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server never became ready")
	}
	return srv, srv.Lifecycle().Addr().String()
}

func testClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{DisableKeepAlives: true},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
		Timeout: 5 * time.Second,
	}
}

func get(t *testing.T, client *http.Client, url string, cookie *http.Cookie) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	if cookie != nil {
		req.AddCookie(cookie)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, string(body)
}

func TestServerBrowserFlow(t *testing.T) {
	_, addr := startServer(t, testConfig(t), nil)
	base := "http://" + addr
	client := testClient()

	// Unauthenticated visitors see nothing.
	resp, _ := get(t, client, base+"/", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("GET / without grant: %d, want 404", resp.StatusCode)
	}

	// The entry path mints the grant and sends the browser to the root.
	resp, _ = get(t, client, base+"/index.html", nil)
	if resp.StatusCode != http.StatusFound || resp.Header.Get("Location") != "/" {
		t.Fatalf("GET /index.html: %d Location=%q", resp.StatusCode, resp.Header.Get("Location"))
	}
	var grant *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == "beta_access" {
			grant = c
		}
	}
	if grant == nil || grant.Value != "true" {
		t.Fatalf("grant cookie missing: %v", resp.Cookies())
	}

	// With the grant the portal and its assets load.
	resp, body := get(t, client, base+"/", grant)
	if resp.StatusCode != http.StatusOK || body != "home" {
		t.Fatalf("GET / with grant: %d %q", resp.StatusCode, body)
	}
	if resp.Header.Get("Cross-Origin-Opener-Policy") != "same-origin" ||
		resp.Header.Get("Cross-Origin-Embedder-Policy") != "require-corp" {
		t.Fatalf("isolation headers missing: %v", resp.Header)
	}

	resp, body = get(t, client, base+"/uv/uv.config.js", grant)
	if resp.StatusCode != http.StatusOK || body != "first-party config" {
		t.Fatalf("first-party override: %d %q", resp.StatusCode, body)
	}
	resp, body = get(t, client, base+"/uv/uv.bundle.js", grant)
	if resp.StatusCode != http.StatusOK || body != "vendor bundle" {
		t.Fatalf("vendor asset: %d %q", resp.StatusCode, body)
	}
	resp, body = get(t, client, base+"/missing", grant)
	if resp.StatusCode != http.StatusNotFound || body != "custom not found" {
		t.Fatalf("missing asset: %d %q", resp.StatusCode, body)
	}
}

func TestServerTunnelIsReachableWithoutGrant(t *testing.T) {
	t.Setenv("ALL_PROXY", "")
	t.Setenv("all_proxy", "")

	backend := startEchoBackend(t)
	cfg := testConfig(t)
	cfg.TunnelUpstream = backend.Listener.Addr().String()
	_, addr := startServer(t, cfg, nil)

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/wisp/", nil)
	if err != nil {
		t.Fatalf("tunnel dial: %v", err)
	}
	defer ws.Close()

	if err := ws.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
		t.Fatal(err)
	}
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, reply, err := ws.ReadMessage()
	if err != nil || string(reply) != "echo:ping" {
		t.Fatalf("reply = %q, err = %v", reply, err)
	}
}

func TestServerDropsForeignUpgrades(t *testing.T) {
	_, addr := startServer(t, testConfig(t), nil)

	conn := rawUpgrade(t, addr, "/socket.io/", "beta_access=true", nil)
	if data := readAllWithin(t, conn, 5*time.Second); len(data) != 0 {
		t.Fatalf("foreign upgrade received %q", data)
	}

	// The grant cookie does not turn a foreign upgrade into a page request either.
	conn = rawUpgrade(t, addr, "/", "beta_access=true", nil)
	if data := readAllWithin(t, conn, 5*time.Second); len(data) != 0 {
		t.Fatalf("upgrade on / received %q", data)
	}
}

func TestServerRefusesWorkBeforeListening(t *testing.T) {
	srv, err := NewServer(testConfig(t), discardLogger(), testMetrics(), nil)
	if err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/index.html", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if rec.Header().Get("Set-Cookie") != "" {
		t.Fatal("grant issued before listening")
	}
}

func TestServerRejectsUnknownIDMode(t *testing.T) {
	cfg := testConfig(t)
	cfg.IDMode = "snowflake"
	if _, err := NewServer(cfg, discardLogger(), testMetrics(), nil); err == nil {
		t.Fatal("expected an error for an unknown id mode")
	}
}

func TestNewIDGenerator(t *testing.T) {
	for _, mode := range []string{"", "uuid", "cuid", " CUID "} {
		gen, err := newIDGenerator(mode)
		if err != nil {
			t.Fatalf("mode %q: %v", mode, err)
		}
		if a, b := gen(), gen(); a == "" || a == b {
			t.Fatalf("mode %q produced %q then %q", mode, a, b)
		}
	}
}

func TestServerTunnelHandlerOverride(t *testing.T) {
	got := make(chan string, 1)
	tunnel := TunnelHandlerFunc(func(r *http.Request, conn net.Conn, head []byte) {
		defer conn.Close()
		got <- r.URL.Path
	})
	_, addr := startServer(t, testConfig(t), tunnel)

	rawUpgrade(t, addr, "/a/wisp/", "", nil)
	select {
	case p := <-got:
		if p != "/a/wisp/" {
			t.Fatalf("path = %q", p)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("custom tunnel handler not used")
	}
}
