package gateway

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/drksbr/portalgate/internal/observability"
)

//go:embed pages/404.html
var embeddedPages embed.FS

const notFoundMount = "none"

type route struct {
	prefix string
	store  fs.FS
}

// StaticRouter serves files from an ordered mount table. The first mount whose prefix matches
// and whose store holds the file wins, which lets the public directory shadow vendor files of
// the same name.
type StaticRouter struct {
	routes   []route
	notFound []byte
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// NewStaticRouter builds the route table from cfg and loads the not-found page once.
func NewStaticRouter(cfg *Config, logger *slog.Logger, metrics *observability.Metrics) (*StaticRouter, error) {
	mounts := cfg.Routes()
	routes := make([]route, 0, len(mounts))
	for _, m := range mounts {
		info, err := os.Stat(m.Dir)
		switch {
		case err != nil:
			logger.Warn("mount directory unavailable", "prefix", m.Prefix, "dir", m.Dir, "error", err)
		case !info.IsDir():
			return nil, fmt.Errorf("mount %q: %s is not a directory", m.Prefix, m.Dir)
		}
		routes = append(routes, route{prefix: m.Prefix, store: os.DirFS(m.Dir)})
	}

	page, err := loadNotFoundPage(cfg.PublicDir, cfg.NotFoundPage)
	if err != nil {
		return nil, err
	}

	return &StaticRouter{
		routes:   routes,
		notFound: page,
		logger:   logger,
		metrics:  metrics,
	}, nil
}

// loadNotFoundPage prefers <publicDir>/<name> and falls back to the embedded page.
func loadNotFoundPage(publicDir, name string) ([]byte, error) {
	if name != "" {
		data, err := os.ReadFile(filepath.Join(publicDir, name))
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read not-found page: %w", err)
		}
	}
	return embeddedPages.ReadFile("pages/404.html")
}

func (s *StaticRouter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		for _, rt := range s.routes {
			if s.serveFrom(w, r, rt) {
				s.metrics.StaticResponses.WithLabelValues(rt.prefix).Inc()
				return
			}
		}
	}
	s.metrics.StaticResponses.WithLabelValues(notFoundMount).Inc()
	s.serveNotFound(w)
}

// serveFrom reports whether rt answered the request.
func (s *StaticRouter) serveFrom(w http.ResponseWriter, r *http.Request, rt route) bool {
	name, ok := resolveName(rt.prefix, r.URL.Path)
	if !ok {
		return false
	}
	f, info, ok := openRegular(rt.store, name)
	if !ok {
		return false
	}
	defer f.Close()

	content, ok := f.(io.ReadSeeker)
	if !ok {
		data, err := io.ReadAll(f)
		if err != nil {
			s.logger.Warn("static read failed", "prefix", rt.prefix, "name", name, "error", err)
			return false
		}
		content = bytes.NewReader(data)
	}
	http.ServeContent(w, r, info.Name(), info.ModTime(), content)
	return true
}

// resolveName maps a request path onto a store-relative name. It fails when the path is outside
// prefix or does not survive cleaning as a valid fs path.
func resolveName(prefix, urlPath string) (string, bool) {
	if !strings.HasPrefix(urlPath, prefix) {
		return "", false
	}
	rest := strings.TrimPrefix(urlPath, prefix)
	name := strings.TrimPrefix(path.Clean("/"+rest), "/")
	if name == "" {
		name = "."
	}
	if !fs.ValidPath(name) {
		return "", false
	}
	return name, true
}

// openRegular opens name, resolving directories to their index.html.
func openRegular(store fs.FS, name string) (fs.File, fs.FileInfo, bool) {
	info, err := fs.Stat(store, name)
	if err != nil {
		return nil, nil, false
	}
	if info.IsDir() {
		name = path.Join(name, "index.html")
		info, err = fs.Stat(store, name)
		if err != nil || info.IsDir() {
			return nil, nil, false
		}
	}
	if !info.Mode().IsRegular() {
		return nil, nil, false
	}
	f, err := store.Open(name)
	if err != nil {
		return nil, nil, false
	}
	return f, info, true
}

func (s *StaticRouter) serveNotFound(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusNotFound)
	_, _ = w.Write(s.notFound)
}
