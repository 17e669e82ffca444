package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lucsky/cuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drksbr/portalgate/internal/observability"
)

// Server composes the gateway. Upgrade requests go straight to the dispatcher; everything else
// passes the access gate and then the static router.
type Server struct {
	cfg        *Config
	logger     *slog.Logger
	metrics    *observability.Metrics
	lifecycle  *Lifecycle
	gate       *AccessGate
	router     *StaticRouter
	dispatcher *UpgradeDispatcher
}

// NewServer builds every component from cfg. A nil tunnel selects the Forwarder.
func NewServer(cfg *Config, logger *slog.Logger, metrics *observability.Metrics, tunnel TunnelHandler) (*Server, error) {
	idGen, err := newIDGenerator(cfg.IDMode)
	if err != nil {
		return nil, err
	}
	lifecycle, err := NewLifecycle(cfg, logger.With("component", "lifecycle"))
	if err != nil {
		return nil, err
	}
	router, err := NewStaticRouter(cfg, logger.With("component", "router"), metrics)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStartup, err)
	}
	gate := NewAccessGate(cfg, router, logger.With("component", "gate"), metrics)
	if tunnel == nil {
		tunnel = NewForwarder(cfg, logger.With("component", "tunnel"), metrics)
	}
	dispatcher := NewUpgradeDispatcher(cfg, gate, tunnel, idGen, logger.With("component", "dispatcher"), metrics)

	return &Server{
		cfg:        cfg,
		logger:     logger,
		metrics:    metrics,
		lifecycle:  lifecycle,
		gate:       gate,
		router:     router,
		dispatcher: dispatcher,
	}, nil
}

func newIDGenerator(mode string) (func() string, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", "uuid":
		return uuid.NewString, nil
	case "cuid":
		return cuid.New, nil
	default:
		return nil, fmt.Errorf("unsupported id mode %q (use uuid or cuid)", mode)
	}
}

// Lifecycle exposes the state machine, mainly so callers can wait for Ready.
func (s *Server) Lifecycle() *Lifecycle {
	return s.lifecycle
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrade := IsUpgradeRequest(r)
	if !s.lifecycle.Listening() {
		s.refuse(w, r, upgrade)
		return
	}
	if upgrade {
		s.dispatcher.ServeHTTP(w, r)
		return
	}

	started := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	setIsolationHeaders(rec.Header())
	s.gate.ServeHTTP(rec, r)
	s.metrics.RequestDuration.
		WithLabelValues(r.Method, strconv.Itoa(rec.status)).
		Observe(time.Since(started).Seconds())
}

// refuse answers work that arrives outside Listening.
func (s *Server) refuse(w http.ResponseWriter, r *http.Request, upgrade bool) {
	if upgrade {
		s.metrics.Upgrades.WithLabelValues(observability.UpgradeRejected, observability.ReasonState, upgradeKind(r)).Inc()
		if conn, _, err := hijack(w); err == nil {
			_ = conn.Close()
			return
		}
		panic(http.ErrAbortHandler)
	}
	w.Header().Set("Connection", "close")
	http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
}

// Run serves until ctx ends. The metrics listener, when configured, runs beside the gateway
// socket and is closed with it.
func (s *Server) Run(ctx context.Context) error {
	var metricsSrv *http.Server
	if s.cfg.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{
			Addr:              s.cfg.MetricsListen,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			s.logger.Info("metrics listening", "addr", s.cfg.MetricsListen)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Warn("metrics listener stopped", "error", err)
			}
		}()
	}

	err := s.lifecycle.Run(ctx, s)

	if metricsSrv != nil {
		_ = metricsSrv.Close()
	}
	return err
}

// setIsolationHeaders opts the portal into cross-origin isolation.
func setIsolationHeaders(h http.Header) {
	h.Set("Cross-Origin-Opener-Policy", "same-origin")
	h.Set("Cross-Origin-Embedder-Policy", "require-corp")
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.wroteHeader = true
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
