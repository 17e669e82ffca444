package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/acme/autocert"
)

// ErrStartup marks failures that prevent the gateway from ever reaching Listening.
var ErrStartup = errors.New("gateway startup failed")

// State is the gateway lifecycle state.
type State int32

const (
	StateStarting State = iota
	StateListening
	StateShuttingDown
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateListening:
		return "listening"
	case StateShuttingDown:
		return "shutting_down"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Lifecycle owns the listening socket. Starting -> Listening on bind, Listening -> ShuttingDown
// when the run context ends, ShuttingDown -> Stopped once the server is closed.
type Lifecycle struct {
	cfg      *Config
	logger   *slog.Logger
	hostname func() (string, error)

	state atomic.Int32
	addr  atomic.Pointer[net.TCPAddr]
	ready chan struct{}

	acme *autocert.Manager
}

func NewLifecycle(cfg *Config, logger *slog.Logger) (*Lifecycle, error) {
	l := &Lifecycle{
		cfg:      cfg,
		logger:   logger,
		hostname: os.Hostname,
		ready:    make(chan struct{}),
	}
	if cfg.TLSEnabled() {
		if cfg.ACMECache != "" {
			if err := os.MkdirAll(cfg.ACMECache, 0o750); err != nil {
				return nil, fmt.Errorf("%w: create acme cache: %w", ErrStartup, err)
			}
		}
		l.acme = &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.ACMEHosts...),
			Email:      cfg.ACMEEmail,
		}
		if cfg.ACMECache != "" {
			l.acme.Cache = autocert.DirCache(cfg.ACMECache)
		}
	}
	return l, nil
}

func (l *Lifecycle) State() State {
	return State(l.state.Load())
}

// Listening reports whether the gateway accepts work.
func (l *Lifecycle) Listening() bool {
	return l.State() == StateListening
}

// Ready is closed once the socket is bound.
func (l *Lifecycle) Ready() <-chan struct{} {
	return l.ready
}

// Addr returns the bound address, or nil before Ready.
func (l *Lifecycle) Addr() *net.TCPAddr {
	return l.addr.Load()
}

func (l *Lifecycle) setState(s State) {
	prev := State(l.state.Swap(int32(s)))
	if prev != s {
		l.logger.Debug("state transition", "from", prev.String(), "to", s.String())
	}
}

func (l *Lifecycle) scheme() string {
	if l.acme != nil {
		return "https"
	}
	return "http"
}

// Run binds the socket, serves handler until ctx ends and then closes the listener. Without a
// drain timeout in-flight connections are closed rather than awaited. A bind failure wraps
// ErrStartup; a context cancellation is a clean exit and returns nil.
func (l *Lifecycle) Run(ctx context.Context, handler http.Handler) error {
	l.setState(StateStarting)

	bindAddr := net.JoinHostPort(l.cfg.Host, strconv.Itoa(l.cfg.Port))
	ln, err := net.Listen("tcp", bindAddr)
	if err != nil {
		l.setState(StateStopped)
		return fmt.Errorf("%w: listen on %s: %w", ErrStartup, bindAddr, err)
	}
	tcpAddr, _ := ln.Addr().(*net.TCPAddr)
	l.addr.Store(tcpAddr)

	var acmeSrv *http.Server
	if l.acme != nil {
		ln = tls.NewListener(ln, l.acme.TLSConfig())
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(l.logger.Handler(), slog.LevelWarn),
	}

	errCh := make(chan error, 2)
	sendErr := func(err error) {
		select {
		case errCh <- err:
		default:
		}
	}

	if l.acme != nil && l.cfg.ACMEHTTPAddr != "" {
		acmeSrv = &http.Server{
			Addr:              l.cfg.ACMEHTTPAddr,
			Handler:           l.acme.HTTPHandler(nil),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			l.logger.Info("acme http listening", "addr", l.cfg.ACMEHTTPAddr)
			if err := acmeSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				sendErr(fmt.Errorf("acme http: %w", err))
			}
		}()
	}

	l.setState(StateListening)
	close(l.ready)
	l.logReachable(tcpAddr)

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sendErr(fmt.Errorf("serve: %w", err))
		}
	}()

	select {
	case err = <-errCh:
		l.logger.Error("gateway failed", "error", err)
	case <-ctx.Done():
		l.logger.Info("shutdown signal received: closing listener")
	}

	l.setState(StateShuttingDown)
	l.shutdown(srv)
	if acmeSrv != nil {
		_ = acmeSrv.Close()
	}
	l.setState(StateStopped)
	l.logger.Info("gateway stopped")
	return err
}

func (l *Lifecycle) shutdown(srv *http.Server) {
	if l.cfg.DrainTimeout <= 0 {
		if err := srv.Close(); err != nil {
			l.logger.Warn("close listener", "error", err)
		}
		return
	}
	drainCtx, cancel := context.WithTimeout(context.Background(), l.cfg.DrainTimeout)
	defer cancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		l.logger.Warn("drain incomplete, closing remaining connections", "error", err)
		_ = srv.Close()
	}
}

func (l *Lifecycle) logReachable(addr *net.TCPAddr) {
	host, err := l.hostname()
	if err != nil {
		l.logger.Debug("hostname lookup failed", "error", err)
		host = ""
	}
	urls := ReachableAddresses(l.scheme(), addr, host)
	l.logger.Info("listening", "addr", addr.String(), "state", l.State().String())
	for _, u := range urls {
		l.logger.Info("reachable", "url", u)
	}
}

// ReachableAddresses lists the URLs a browser can use: loopback, the machine hostname and the
// bound address. IPv6 literals are bracketed.
func ReachableAddresses(scheme string, addr *net.TCPAddr, hostname string) []string {
	if addr == nil {
		return nil
	}
	port := strconv.Itoa(addr.Port)
	urls := []string{scheme + "://" + net.JoinHostPort("localhost", port)}
	if hostname != "" {
		urls = append(urls, scheme+"://"+net.JoinHostPort(hostname, port))
	}
	bound := "0.0.0.0"
	if addr.IP != nil {
		bound = addr.IP.String()
	}
	urls = append(urls, scheme+"://"+net.JoinHostPort(bound, port))
	return urls
}
