package gateway

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestRouter(t *testing.T, cfg *Config) *StaticRouter {
	t.Helper()
	router, err := NewStaticRouter(cfg, discardLogger(), testMetrics())
	if err != nil {
		t.Fatalf("NewStaticRouter: %v", err)
	}
	return router
}

func serve(h http.Handler, method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestRouterServesMountsInOrder(t *testing.T) {
	router := newTestRouter(t, testConfig(t))

	cases := []struct {
		path   string
		status int
		body   string
	}{
		{path: "/", status: http.StatusOK, body: "home"},
		{path: "/index.html", status: http.StatusOK, body: "home"},
		{path: "/uv/uv.config.js", status: http.StatusOK, body: "first-party config"},
		{path: "/uv/uv.bundle.js", status: http.StatusOK, body: "vendor bundle"},
		{path: "/uv/missing.js", status: http.StatusNotFound, body: "custom not found"},
		{path: "/nope", status: http.StatusNotFound, body: "custom not found"},
	}
	for _, tc := range cases {
		t.Run(tc.path, func(t *testing.T) {
			rec := serve(router, http.MethodGet, tc.path)
			if rec.Code != tc.status {
				t.Fatalf("status = %d, want %d", rec.Code, tc.status)
			}
			if tc.body != "" && rec.Body.String() != tc.body {
				t.Fatalf("body = %q, want %q", rec.Body.String(), tc.body)
			}
		})
	}
}

func TestRouterCountsResponsesPerMount(t *testing.T) {
	metrics := testMetrics()
	router, err := NewStaticRouter(testConfig(t), discardLogger(), metrics)
	if err != nil {
		t.Fatalf("NewStaticRouter: %v", err)
	}

	serve(router, http.MethodGet, "/uv/uv.config.js")
	serve(router, http.MethodGet, "/uv/uv.bundle.js")
	serve(router, http.MethodGet, "/missing")

	if got := testutil.ToFloat64(metrics.StaticResponses.WithLabelValues("/")); got != 1 {
		t.Fatalf("public responses = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.StaticResponses.WithLabelValues("/uv/")); got != 1 {
		t.Fatalf("vendor responses = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.StaticResponses.WithLabelValues(notFoundMount)); got != 1 {
		t.Fatalf("not-found responses = %v, want 1", got)
	}
}

func TestRouterResolvesDirectoryIndex(t *testing.T) {
	cfg := testConfig(t)
	writeFile(t, filepath.Join(cfg.PublicDir, "docs", "index.html"), "docs index")
	router := newTestRouter(t, cfg)

	rec := serve(router, http.MethodGet, "/docs/")
	if rec.Code != http.StatusOK || rec.Body.String() != "docs index" {
		t.Fatalf("status = %d body = %q", rec.Code, rec.Body.String())
	}

	// A directory without an index is not listed.
	if err := os.MkdirAll(filepath.Join(cfg.PublicDir, "empty"), 0o755); err != nil {
		t.Fatal(err)
	}
	rec = serve(router, http.MethodGet, "/empty/")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("empty directory status = %d, want 404", rec.Code)
	}
}

func TestRouterStaysInsideMounts(t *testing.T) {
	router := newTestRouter(t, testConfig(t))

	for _, target := range []string{"/../secret.txt", "/uv/../../secret.txt", "/%2e%2e/secret.txt"} {
		rec := serve(router, http.MethodGet, target)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("%s: status = %d, want 404", target, rec.Code)
		}
		if strings.Contains(rec.Body.String(), "outside every mount") {
			t.Fatalf("%s: leaked a file outside the mounts", target)
		}
	}
}

func TestRouterOnlyServesReads(t *testing.T) {
	router := newTestRouter(t, testConfig(t))

	rec := serve(router, http.MethodPost, "/uv/uv.bundle.js")
	if rec.Code != http.StatusNotFound || rec.Body.String() != "custom not found" {
		t.Fatalf("POST: status = %d body = %q", rec.Code, rec.Body.String())
	}

	rec = serve(router, http.MethodHead, "/uv/uv.bundle.js")
	if rec.Code != http.StatusOK || rec.Body.Len() != 0 {
		t.Fatalf("HEAD: status = %d body length = %d", rec.Code, rec.Body.Len())
	}
}

func TestRouterNotFoundPage(t *testing.T) {
	t.Run("embedded fallback", func(t *testing.T) {
		cfg := testConfig(t)
		if err := os.Remove(filepath.Join(cfg.PublicDir, "404.html")); err != nil {
			t.Fatal(err)
		}
		router := newTestRouter(t, cfg)

		rec := serve(router, http.MethodGet, "/nope")
		want, err := embeddedPages.ReadFile("pages/404.html")
		if err != nil {
			t.Fatal(err)
		}
		if rec.Code != http.StatusNotFound || rec.Body.String() != string(want) {
			t.Fatalf("status = %d body = %q", rec.Code, rec.Body.String())
		}
		if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
			t.Fatalf("Content-Type = %q", ct)
		}
	})

	t.Run("loaded once at startup", func(t *testing.T) {
		cfg := testConfig(t)
		router := newTestRouter(t, cfg)
		writeFile(t, filepath.Join(cfg.PublicDir, "404.html"), "edited later")

		rec := serve(router, http.MethodGet, "/nope")
		if rec.Body.String() != "custom not found" {
			t.Fatalf("body = %q, want the page read at startup", rec.Body.String())
		}
	})
}

func TestRouterMountDirectories(t *testing.T) {
	t.Run("missing directory is tolerated", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.VendorMounts = append(cfg.VendorMounts, Mount{Prefix: "/epoxy/", Dir: filepath.Join(t.TempDir(), "absent")})
		router := newTestRouter(t, cfg)

		if rec := serve(router, http.MethodGet, "/epoxy/index.mjs"); rec.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", rec.Code)
		}
	})

	t.Run("file instead of directory fails", func(t *testing.T) {
		cfg := testConfig(t)
		file := filepath.Join(t.TempDir(), "plain.txt")
		writeFile(t, file, "x")
		cfg.VendorMounts = []Mount{{Prefix: "/baremux/", Dir: file}}

		if _, err := NewStaticRouter(cfg, discardLogger(), testMetrics()); err == nil {
			t.Fatal("expected an error for a non-directory mount")
		}
	})
}

func TestResolveName(t *testing.T) {
	cases := []struct {
		prefix, path, want string
		ok                 bool
	}{
		{prefix: "/", path: "/", want: ".", ok: true},
		{prefix: "/", path: "/a/b.js", want: "a/b.js", ok: true},
		{prefix: "/uv/", path: "/uv/uv.sw.js", want: "uv.sw.js", ok: true},
		{prefix: "/uv/", path: "/uv/../etc/passwd", want: "etc/passwd", ok: true},
		{prefix: "/uv/", path: "/epoxy/index.mjs", ok: false},
		{prefix: "/uv/", path: "/uv", ok: false},
	}
	for _, tc := range cases {
		got, ok := resolveName(tc.prefix, tc.path)
		if ok != tc.ok || got != tc.want {
			t.Errorf("resolveName(%q, %q) = %q, %v; want %q, %v", tc.prefix, tc.path, got, ok, tc.want, tc.ok)
		}
	}
}
