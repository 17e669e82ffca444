package gateway

import (
	"bytes"
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/net/http/httpguts"

	"github.com/drksbr/portalgate/internal/logger"
	"github.com/drksbr/portalgate/internal/observability"
	"github.com/drksbr/portalgate/internal/util/limiter"
)

// IsUpgradeRequest reports whether r asks to switch protocols.
func IsUpgradeRequest(r *http.Request) bool {
	return httpguts.HeaderValuesContainsToken(r.Header["Connection"], "upgrade") &&
		strings.TrimSpace(r.Header.Get("Upgrade")) != ""
}

func upgradeKind(r *http.Request) string {
	if websocket.IsWebSocketUpgrade(r) {
		return "websocket"
	}
	return "other"
}

// UpgradeDispatcher forwards upgrade requests aimed at the tunnel endpoint to the tunnel handler
// and drops every other upgrade without writing a byte.
type UpgradeDispatcher struct {
	suffix  string
	gate    *AccessGate
	tunnel  TunnelHandler
	slots   *limiter.Slots
	idGen   func() string
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewUpgradeDispatcher wires the dispatcher. gate is consulted only when cfg.GateTunnel is set.
func NewUpgradeDispatcher(cfg *Config, gate *AccessGate, tunnel TunnelHandler, idGen func() string, logger *slog.Logger, metrics *observability.Metrics) *UpgradeDispatcher {
	d := &UpgradeDispatcher{
		suffix:  cfg.TunnelSuffix,
		tunnel:  tunnel,
		slots:   limiter.New(cfg.MaxTunnels),
		idGen:   idGen,
		logger:  logger,
		metrics: metrics,
	}
	if cfg.GateTunnel {
		d.gate = gate
	}
	return d
}

// Match reports whether the upgrade target is the tunnel endpoint.
func (d *UpgradeDispatcher) Match(r *http.Request) bool {
	return strings.HasSuffix(r.URL.Path, d.suffix)
}

func (d *UpgradeDispatcher) admit(r *http.Request) string {
	if !d.Match(r) {
		return observability.ReasonPath
	}
	if d.gate != nil && !d.gate.HasGrant(r) {
		return observability.ReasonGrant
	}
	return observability.ReasonNone
}

func (d *UpgradeDispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := observability.Tracer().Start(observability.RequestContext(r), "upgrade_dispatch")
	defer span.End()
	ctx = logger.EnsureTrace(ctx)

	kind := upgradeKind(r)
	span.SetAttributes(attribute.String("upgrade.kind", kind), attribute.String("upgrade.path", r.URL.Path))

	if reason := d.admit(r); reason != observability.ReasonNone {
		span.SetAttributes(attribute.String("upgrade.rejected", reason))
		d.reject(ctx, w, r, kind, reason)
		return
	}
	if !d.slots.TryAcquire() {
		span.SetAttributes(attribute.String("upgrade.rejected", observability.ReasonCapacity))
		d.reject(ctx, w, r, kind, observability.ReasonCapacity)
		return
	}
	defer d.slots.Release()

	conn, head, err := hijack(w)
	if err != nil {
		d.metrics.Upgrades.WithLabelValues(observability.UpgradeRejected, observability.ReasonHijack, kind).Inc()
		d.logger.WarnContext(ctx, "upgrade hijack failed", "remote", r.RemoteAddr, "error", err)
		panic(http.ErrAbortHandler)
	}

	id := d.idGen()
	d.metrics.Upgrades.WithLabelValues(observability.UpgradeForwarded, observability.ReasonNone, kind).Inc()
	d.metrics.ActiveTunnels.Inc()
	defer d.metrics.ActiveTunnels.Dec()

	started := time.Now()
	d.logger.InfoContext(ctx, "tunnel opened", "tunnel_id", id, "remote", r.RemoteAddr, "path", r.URL.Path)
	d.tunnel.ServeTunnel(r.WithContext(ctx), conn, head)
	d.logger.InfoContext(ctx, "tunnel closed", "tunnel_id", id, "duration", time.Since(started).String())
}

// reject closes the raw connection without a response; there is no HTTP error channel once a
// client has asked to switch protocols.
func (d *UpgradeDispatcher) reject(ctx context.Context, w http.ResponseWriter, r *http.Request, kind, reason string) {
	d.metrics.Upgrades.WithLabelValues(observability.UpgradeRejected, reason, kind).Inc()
	d.logger.DebugContext(ctx, "upgrade rejected", "reason", reason, "path", r.URL.Path, "remote", r.RemoteAddr)
	conn, _, err := hijack(w)
	if err != nil {
		panic(http.ErrAbortHandler)
	}
	_ = conn.Close()
}

// hijack takes over the connection and returns any bytes the server had buffered beyond the
// request headers.
func hijack(w http.ResponseWriter) (net.Conn, []byte, error) {
	conn, brw, err := http.NewResponseController(w).Hijack()
	if err != nil {
		return nil, nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	var head []byte
	if n := brw.Reader.Buffered(); n > 0 {
		buffered, _ := brw.Reader.Peek(n)
		head = bytes.Clone(buffered)
	}
	return conn, head, nil
}
