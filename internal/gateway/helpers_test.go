package gateway

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drksbr/portalgate/internal/observability"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMetrics() *observability.Metrics {
	return observability.NewMetrics(prometheus.NewRegistry())
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// testConfig lays out a public directory and one vendor mount under a temp dir:
//
//	public/index.html        "home"
//	public/404.html          "custom not found"
//	public/uv/uv.config.js   "first-party config"
//	vendor/uv/uv.config.js   "vendor config"
//	vendor/uv/uv.bundle.js   "vendor bundle"
func testConfig(t *testing.T) *Config {
	t.Helper()
	root := t.TempDir()
	public := filepath.Join(root, "public")
	vendor := filepath.Join(root, "vendor", "uv")

	writeFile(t, filepath.Join(public, "index.html"), "home")
	writeFile(t, filepath.Join(public, "404.html"), "custom not found")
	writeFile(t, filepath.Join(public, "uv", "uv.config.js"), "first-party config")
	writeFile(t, filepath.Join(vendor, "uv.config.js"), "vendor config")
	writeFile(t, filepath.Join(vendor, "uv.bundle.js"), "vendor bundle")
	writeFile(t, filepath.Join(root, "secret.txt"), "outside every mount")

	cfg := &Config{
		Host:           "127.0.0.1",
		Port:           0,
		EntryPath:      DefaultEntryPath,
		CookieName:     DefaultCookieName,
		TunnelSuffix:   DefaultTunnelSuffix,
		TunnelUpstream: DefaultTunnelUpstream,
		PublicDir:      public,
		NotFoundPage:   DefaultNotFoundPage,
		VendorMounts:   []Mount{{Prefix: "/uv/", Dir: vendor}},
		IDMode:         "uuid",
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("test config invalid: %v", err)
	}
	return cfg
}
