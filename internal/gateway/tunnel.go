package gateway

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/proxy"

	"github.com/drksbr/portalgate/internal/observability"
)

// TunnelHandler takes ownership of an upgrade connection. head holds the bytes the server had
// already buffered past the request headers. Implementations must close conn when done.
type TunnelHandler interface {
	ServeTunnel(r *http.Request, conn net.Conn, head []byte)
}

// TunnelHandlerFunc adapts a function to TunnelHandler.
type TunnelHandlerFunc func(r *http.Request, conn net.Conn, head []byte)

func (f TunnelHandlerFunc) ServeTunnel(r *http.Request, conn net.Conn, head []byte) {
	f(r, conn, head)
}

// Forwarder hands tunnels to an external backend: it replays the upgrade handshake to the
// backend address and splices bytes in both directions. It never interprets the tunnel protocol.
type Forwarder struct {
	upstream    string
	dialer      proxy.ContextDialer
	dialTimeout time.Duration
	logger      *slog.Logger
	metrics     *observability.Metrics
}

// NewForwarder dials cfg.TunnelUpstream, through ALL_PROXY when the environment sets one.
func NewForwarder(cfg *Config, logger *slog.Logger, metrics *observability.Metrics) *Forwarder {
	base := &net.Dialer{KeepAlive: 30 * time.Second}
	return &Forwarder{
		upstream:    cfg.TunnelUpstream,
		dialer:      asContextDialer(proxy.FromEnvironmentUsing(base)),
		dialTimeout: cfg.DialTimeout,
		logger:      logger,
		metrics:     metrics,
	}
}

func asContextDialer(d proxy.Dialer) proxy.ContextDialer {
	if cd, ok := d.(proxy.ContextDialer); ok {
		return cd
	}
	return contextDialer{d}
}

type contextDialer struct {
	proxy.Dialer
}

func (c contextDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := c.Dial(network, addr)
		done <- result{conn, err}
	}()
	select {
	case res := <-done:
		return res.conn, res.err
	case <-ctx.Done():
		go func() {
			if res := <-done; res.conn != nil {
				res.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

func (f *Forwarder) ServeTunnel(r *http.Request, client net.Conn, head []byte) {
	defer client.Close()
	ctx := r.Context()

	dialCtx := ctx
	if f.dialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, f.dialTimeout)
		defer cancel()
	}
	backend, err := f.dialer.DialContext(dialCtx, "tcp", f.upstream)
	if err != nil {
		f.metrics.TunnelDialFails.Inc()
		f.logger.WarnContext(ctx, "tunnel backend dial failed", "upstream", f.upstream, "error", err)
		return
	}
	defer backend.Close()

	if err := writeHandshake(backend, r, head); err != nil {
		f.logger.WarnContext(ctx, "tunnel handshake replay failed", "upstream", f.upstream, "error", err)
		return
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		n, _ := io.Copy(backend, client)
		f.metrics.TunnelBytes.WithLabelValues("upstream").Add(float64(n))
		closeWrite(backend)
	}()
	go func() {
		defer wg.Done()
		n, _ := io.Copy(client, backend)
		f.metrics.TunnelBytes.WithLabelValues("downstream").Add(float64(n))
		closeWrite(client)
	}()
	wg.Wait()
}

// writeHandshake re-serialises the upgrade request as received and appends head.
func writeHandshake(w io.Writer, r *http.Request, head []byte) error {
	bw := bufio.NewWriter(w)
	if _, err := fmt.Fprintf(bw, "%s %s HTTP/1.1\r\nHost: %s\r\n", r.Method, r.RequestURI, r.Host); err != nil {
		return err
	}
	if err := r.Header.Write(bw); err != nil {
		return err
	}
	if _, err := bw.WriteString("\r\n"); err != nil {
		return err
	}
	if _, err := bw.Write(head); err != nil {
		return err
	}
	return bw.Flush()
}

// closeWrite half-closes conn when the transport supports it so the opposite direction can drain.
func closeWrite(conn net.Conn) {
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
		return
	}
	_ = conn.Close()
}
