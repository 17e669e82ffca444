package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/drksbr/portalgate/internal/config"
	"github.com/drksbr/portalgate/internal/observability"
	"github.com/drksbr/portalgate/internal/runtime"
	"github.com/drksbr/portalgate/internal/util"
)

type serveOptions struct {
	configPath     string
	host           string
	port           int
	entryPath      string
	cookieName     string
	tunnelSuffix   string
	tunnelUpstream string
	dialTimeout    time.Duration
	publicDir      string
	notFoundPage   string
	mounts         []string
	gateTunnel     bool
	maxTunnels     int
	drainTimeout   time.Duration
	acmeHosts      []string
	acmeEmail      string
	acmeCache      string
	acmeHTTPAddr   string
	metricsListen  string
	idMode         string

	tracing observability.TracingConfig
}

// fileConfig is the YAML layout accepted by --config. Zero values leave the default in place.
type fileConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	EntryPath      string        `yaml:"entry_path"`
	CookieName     string        `yaml:"cookie_name"`
	TunnelSuffix   string        `yaml:"tunnel_suffix"`
	TunnelUpstream string        `yaml:"tunnel_upstream"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	PublicDir      string        `yaml:"public_dir"`
	NotFoundPage   string        `yaml:"not_found_page"`
	Mounts         []Mount       `yaml:"mounts"`
	GateTunnel     bool          `yaml:"gate_tunnel"`
	MaxTunnels     int           `yaml:"max_tunnels"`
	DrainTimeout   time.Duration `yaml:"drain_timeout"`
	MetricsListen  string        `yaml:"metrics_listen"`
	IDMode         string        `yaml:"id_mode"`
	ACME           struct {
		Hosts []string `yaml:"hosts"`
		Email string   `yaml:"email"`
		Cache string   `yaml:"cache"`
		HTTP  string   `yaml:"http"`
	} `yaml:"acme"`
}

func newServeOptions() *serveOptions {
	return &serveOptions{
		port:           DefaultPort,
		entryPath:      DefaultEntryPath,
		cookieName:     DefaultCookieName,
		tunnelSuffix:   DefaultTunnelSuffix,
		tunnelUpstream: DefaultTunnelUpstream,
		dialTimeout:    10 * time.Second,
		publicDir:      DefaultPublicDir,
		notFoundPage:   DefaultNotFoundPage,
		idMode:         "uuid",
		tracing: observability.TracingConfig{
			Exporter:    "stdout",
			ServiceName: "portalgate",
			SampleRatio: 1,
		},
	}
}

func NewCommand(globals *runtime.Options) *cobra.Command {
	opts := newServeOptions()

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the portal, gate it behind the beta cookie and forward tunnel upgrades",
		RunE: func(cmd *cobra.Command, args []string) error {
			if globals.Logger() == nil {
				if err := globals.SetupLogger(); err != nil {
					return err
				}
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx, stop := util.WithSignalContext(ctx)
			defer stop()

			cfg, err := opts.build(cmd.Flags().Changed)
			if err != nil {
				return err
			}
			logger := globals.Component("gateway")

			shutdownTracing, err := observability.InitTracing(ctx, opts.tracing)
			if err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTracing(flushCtx); err != nil {
					logger.Warn("tracing shutdown", "error", err)
				}
			}()

			metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
			observability.NewResourceSampler(metrics, logger.With("component", "resources"), time.Minute).Start(ctx)

			server, err := NewServer(cfg, logger, metrics, nil)
			if err != nil {
				return err
			}
			return server.Run(ctx)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.configPath, "config", "", "optional YAML file with gateway settings (flags override it)")
	f.StringVar(&opts.host, "host", opts.host, "listen host (empty binds every interface; env HOST)")
	f.IntVar(&opts.port, "port", opts.port, "listen port (env PORT, falls back to 8080 when unset or invalid)")
	f.StringVar(&opts.entryPath, "entry-path", opts.entryPath, "path that issues the access cookie")
	f.StringVar(&opts.cookieName, "cookie-name", opts.cookieName, "name of the access cookie")
	f.StringVar(&opts.tunnelSuffix, "tunnel-suffix", opts.tunnelSuffix, "upgrade path suffix forwarded to the tunnel backend")
	f.StringVar(&opts.tunnelUpstream, "tunnel-upstream", opts.tunnelUpstream, "tunnel backend host:port (env TUNNEL_UPSTREAM)")
	f.DurationVar(&opts.dialTimeout, "dial-timeout", opts.dialTimeout, "timeout for dialing the tunnel backend (0 disables)")
	f.StringVar(&opts.publicDir, "public-dir", opts.publicDir, "first-party static directory mounted on /")
	f.StringVar(&opts.notFoundPage, "not-found-page", opts.notFoundPage, "file inside the public directory served as the 404 page")
	f.StringSliceVar(&opts.mounts, "mount", nil, "vendor mount as prefix=dir, in precedence order (repeatable; replaces the defaults)")
	f.BoolVar(&opts.gateTunnel, "gate-tunnel", false, "require the access cookie on tunnel upgrades as well")
	f.IntVar(&opts.maxTunnels, "max-tunnels", 0, "maximum concurrent tunnels (0 disables the cap)")
	f.DurationVar(&opts.drainTimeout, "drain-timeout", 0, "grace period for in-flight requests on shutdown (0 closes immediately; env PORTALGATE_DRAIN_TIMEOUT)")
	f.StringSliceVar(&opts.acmeHosts, "acme-host", nil, "hostnames for Let's Encrypt certificates; enables TLS on the listener (repeatable)")
	f.StringVar(&opts.acmeEmail, "acme-email", "", "contact email for Let's Encrypt registration")
	f.StringVar(&opts.acmeCache, "acme-cache", "", "directory for the ACME certificate cache")
	f.StringVar(&opts.acmeHTTPAddr, "acme-http", "", "optional listen address for ACME HTTP-01 challenges (e.g. :80)")
	f.StringVar(&opts.metricsListen, "metrics-listen", "", "optional listen address for Prometheus /metrics (env PORTALGATE_METRICS_LISTEN)")
	f.StringVar(&opts.idMode, "id-mode", opts.idMode, "tunnel identifier generator (uuid or cuid)")
	f.BoolVar(&opts.tracing.Enabled, "tracing", false, "enable OpenTelemetry tracing")
	f.StringVar(&opts.tracing.Exporter, "tracing-exporter", opts.tracing.Exporter, "tracing exporter (stdout, otlp-grpc, otlp-http)")
	f.StringVar(&opts.tracing.Endpoint, "tracing-endpoint", "", "OTLP endpoint (defaults to OTEL_EXPORTER_OTLP_ENDPOINT)")
	f.BoolVar(&opts.tracing.Insecure, "tracing-insecure", false, "disable TLS for the OTLP exporter")
	f.Float64Var(&opts.tracing.SampleRatio, "tracing-sample-ratio", opts.tracing.SampleRatio, "fraction of traces sampled")

	return cmd
}

// build resolves the configuration: defaults, then the YAML file, then the environment, then
// flags the user set explicitly.
func (o *serveOptions) build(changed func(string) bool) (*Config, error) {
	cfg := &Config{
		Port:           DefaultPort,
		EntryPath:      DefaultEntryPath,
		CookieName:     DefaultCookieName,
		TunnelSuffix:   DefaultTunnelSuffix,
		TunnelUpstream: DefaultTunnelUpstream,
		DialTimeout:    o.dialTimeout,
		PublicDir:      DefaultPublicDir,
		NotFoundPage:   DefaultNotFoundPage,
		VendorMounts:   DefaultVendorMounts(),
		IDMode:         o.idMode,
	}

	var fc fileConfig
	if err := config.LoadYAML(o.configPath, &fc); err != nil {
		return nil, err
	}
	fc.applyTo(cfg)

	cfg.Host = config.GetStringEnv("HOST", cfg.Host)
	cfg.Port = config.GetPortEnv("PORT", cfg.Port)
	cfg.TunnelUpstream = config.GetStringEnv("TUNNEL_UPSTREAM", cfg.TunnelUpstream)
	cfg.MetricsListen = config.GetStringEnv("PORTALGATE_METRICS_LISTEN", cfg.MetricsListen)
	cfg.DrainTimeout = config.GetDurationEnv("PORTALGATE_DRAIN_TIMEOUT", cfg.DrainTimeout)

	if err := o.applyFlags(cfg, changed); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (fc *fileConfig) applyTo(cfg *Config) {
	setString(&cfg.Host, fc.Host)
	if fc.Port != 0 {
		cfg.Port = fc.Port
	}
	setString(&cfg.EntryPath, fc.EntryPath)
	setString(&cfg.CookieName, fc.CookieName)
	setString(&cfg.TunnelSuffix, fc.TunnelSuffix)
	setString(&cfg.TunnelUpstream, fc.TunnelUpstream)
	setString(&cfg.PublicDir, fc.PublicDir)
	setString(&cfg.NotFoundPage, fc.NotFoundPage)
	setString(&cfg.MetricsListen, fc.MetricsListen)
	setString(&cfg.IDMode, fc.IDMode)
	if fc.DialTimeout != 0 {
		cfg.DialTimeout = fc.DialTimeout
	}
	if fc.Mounts != nil {
		cfg.VendorMounts = append([]Mount(nil), fc.Mounts...)
	}
	cfg.GateTunnel = cfg.GateTunnel || fc.GateTunnel
	if fc.MaxTunnels != 0 {
		cfg.MaxTunnels = fc.MaxTunnels
	}
	if fc.DrainTimeout != 0 {
		cfg.DrainTimeout = fc.DrainTimeout
	}
	if len(fc.ACME.Hosts) > 0 {
		cfg.ACMEHosts = append([]string(nil), fc.ACME.Hosts...)
	}
	setString(&cfg.ACMEEmail, fc.ACME.Email)
	setString(&cfg.ACMECache, fc.ACME.Cache)
	setString(&cfg.ACMEHTTPAddr, fc.ACME.HTTP)
}

func (o *serveOptions) applyFlags(cfg *Config, changed func(string) bool) error {
	if changed("host") {
		cfg.Host = o.host
	}
	if changed("port") {
		cfg.Port = o.port
	}
	if changed("entry-path") {
		cfg.EntryPath = o.entryPath
	}
	if changed("cookie-name") {
		cfg.CookieName = o.cookieName
	}
	if changed("tunnel-suffix") {
		cfg.TunnelSuffix = o.tunnelSuffix
	}
	if changed("tunnel-upstream") {
		cfg.TunnelUpstream = o.tunnelUpstream
	}
	if changed("dial-timeout") {
		cfg.DialTimeout = o.dialTimeout
	}
	if changed("public-dir") {
		cfg.PublicDir = o.publicDir
	}
	if changed("not-found-page") {
		cfg.NotFoundPage = o.notFoundPage
	}
	if changed("mount") {
		mounts, err := parseMounts(o.mounts)
		if err != nil {
			return err
		}
		cfg.VendorMounts = mounts
	}
	if changed("gate-tunnel") {
		cfg.GateTunnel = o.gateTunnel
	}
	if changed("max-tunnels") {
		cfg.MaxTunnels = o.maxTunnels
	}
	if changed("drain-timeout") {
		cfg.DrainTimeout = o.drainTimeout
	}
	if changed("acme-host") {
		cfg.ACMEHosts = o.acmeHosts
	}
	if changed("acme-email") {
		cfg.ACMEEmail = o.acmeEmail
	}
	if changed("acme-cache") {
		cfg.ACMECache = o.acmeCache
	}
	if changed("acme-http") {
		cfg.ACMEHTTPAddr = o.acmeHTTPAddr
	}
	if changed("metrics-listen") {
		cfg.MetricsListen = o.metricsListen
	}
	if changed("id-mode") {
		cfg.IDMode = o.idMode
	}
	return nil
}

// parseMounts reads "prefix=dir" pairs; a prefix without a trailing slash gets one.
func parseMounts(entries []string) ([]Mount, error) {
	mounts := make([]Mount, 0, len(entries))
	for _, entry := range entries {
		prefix, dir, ok := strings.Cut(entry, "=")
		prefix = strings.TrimSpace(prefix)
		dir = strings.TrimSpace(dir)
		if !ok || prefix == "" || dir == "" {
			return nil, fmt.Errorf("invalid --mount %q (want prefix=dir)", entry)
		}
		if !strings.HasSuffix(prefix, "/") {
			prefix += "/"
		}
		mounts = append(mounts, Mount{Prefix: prefix, Dir: dir})
	}
	return mounts, nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
