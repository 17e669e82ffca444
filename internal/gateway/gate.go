package gateway

import (
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel/attribute"

	"github.com/drksbr/portalgate/internal/observability"
)

// Decision is the outcome of the access gate for one request.
type Decision int

const (
	// DecisionDeny rejects the request with a bare 404.
	DecisionDeny Decision = iota
	// DecisionAdmit forwards the request unchanged.
	DecisionAdmit
	// DecisionGrant mints the grant cookie and redirects to the site root.
	DecisionGrant
)

func (d Decision) String() string {
	switch d {
	case DecisionAdmit:
		return observability.GateAdmit
	case DecisionGrant:
		return observability.GateGrant
	default:
		return observability.GateDeny
	}
}

// AccessGate admits requests that carry the grant cookie. The entry path is always admitted and
// is the only place a grant is issued.
type AccessGate struct {
	entryPath  string
	cookieName string
	next       http.Handler
	logger     *slog.Logger
	metrics    *observability.Metrics
}

func NewAccessGate(cfg *Config, next http.Handler, logger *slog.Logger, metrics *observability.Metrics) *AccessGate {
	return &AccessGate{
		entryPath:  cfg.EntryPath,
		cookieName: cfg.CookieName,
		next:       next,
		logger:     logger,
		metrics:    metrics,
	}
}

// HasGrant reports whether the request carries the grant cookie with exactly the value "true".
// The Cookie header is parsed into name/value pairs first, so a value like
// "other=beta_access=true" does not count.
func (g *AccessGate) HasGrant(r *http.Request) bool {
	c, err := r.Cookie(g.cookieName)
	if err != nil {
		return false
	}
	return c.Value == grantValue
}

// Decide classifies the request without side effects.
func (g *AccessGate) Decide(r *http.Request) Decision {
	if r.URL.Path == g.entryPath {
		return DecisionGrant
	}
	if g.HasGrant(r) {
		return DecisionAdmit
	}
	return DecisionDeny
}

func (g *AccessGate) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := observability.Tracer().Start(observability.RequestContext(r), "access_gate")
	defer span.End()

	decision := g.Decide(r)
	span.SetAttributes(attribute.String("gate.outcome", decision.String()))
	g.metrics.GateDecisions.WithLabelValues(decision.String()).Inc()

	switch decision {
	case DecisionGrant:
		http.SetCookie(w, g.grantCookie())
		g.logger.DebugContext(ctx, "grant issued", "remote", r.RemoteAddr)
		http.Redirect(w, r, "/", http.StatusFound)
	case DecisionAdmit:
		g.next.ServeHTTP(w, r.WithContext(ctx))
	default:
		g.logger.DebugContext(ctx, "request denied", "path", r.URL.Path, "remote", r.RemoteAddr)
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	}
}

// grantCookie has no Expires or MaxAge so it lives for the browser session only.
func (g *AccessGate) grantCookie() *http.Cookie {
	return &http.Cookie{
		Name:     g.cookieName,
		Value:    grantValue,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	}
}
