package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rb3ckers/trafficfunnel/internal/coalesce"
	"github.com/rb3ckers/trafficfunnel/internal/config"
	"github.com/rb3ckers/trafficfunnel/internal/fetch"
	"github.com/rs/zerolog"
	"golang.org/x/net/netutil"
)

const shutdownTimeout = 5 * time.Second

// Proxy funnels client traffic into coalesced upstream calls. Safe verbs are
// served through the in-flight registry, everything else passes straight
// through to the upstream.
type Proxy struct {
	cfg      *config.Config
	log      zerolog.Logger
	registry *coalesce.Registry
	fetcher  *fetch.Fetcher
	tracker  *Tracker

	server           *http.Server
	inflightServer   *http.Server
	listener         net.Listener
	inflightListener net.Listener
}

func NewProxy(cfg *config.Config, logger zerolog.Logger) *Proxy {
	registry := coalesce.NewRegistry(logger)

	return &Proxy{
		cfg:      cfg,
		log:      logger,
		registry: registry,
		fetcher:  fetch.NewFetcher(registry, time.Duration(cfg.RetryAfter)*time.Minute, logger),
		tracker:  MakeTracker(),
	}
}

// Start brings the listeners up and returns. Serving continues in the
// background until Stop.
func (p *Proxy) Start(ctx context.Context) error {
	upstream, err := url.Parse(p.cfg.Upstream)
	if err != nil {
		return fmt.Errorf("invalid upstream %q: %w", p.cfg.Upstream, err)
	}

	funnelMux := http.NewServeMux()

	inflightMux := funnelMux
	if p.cfg.InflightListenAddress != "" {
		inflightMux = http.NewServeMux()
	}

	handler := p.inflightHandler()

	if p.cfg.Username != "" || p.cfg.PasswordFile != "" {
		username, password, err := p.credentials()
		if err != nil {
			return err
		}

		handler = BasicAuth(handler, username, password, "Please provide username and password to manage in-flight requests")
	}

	inflightMux.HandleFunc("/"+p.cfg.InflightEndpoint, handler)
	inflightMux.Handle("/metrics", promhttp.HandlerFor(p.newMetricsRegistry(), promhttp.HandlerOpts{}))
	funnelMux.HandleFunc("/", p.funnelHandler(upstream))

	listener, err := net.Listen("tcp", p.cfg.ListenAddress)
	if err != nil {
		return err
	}

	p.listener = netutil.LimitListener(listener, p.cfg.MaxConnections)
	p.server = &http.Server{Handler: funnelMux}

	go p.serve(p.server, p.listener, "funnel")

	if p.cfg.InflightListenAddress != "" {
		inflightListener, err := net.Listen("tcp", p.cfg.InflightListenAddress)
		if err != nil {
			p.listener.Close() //nolint:errcheck

			return err
		}

		p.inflightListener = inflightListener
		p.inflightServer = &http.Server{Handler: inflightMux}

		go p.serve(p.inflightServer, p.inflightListener, "inflight")
	}

	p.log.Info().Str("listen", p.Addr()).Str("upstream", p.cfg.Upstream).Msg("Traffic funnel started")

	return nil
}

// Stop cancels every in-flight entry first, so no operation races the
// teardown, then shuts the listeners down.
func (p *Proxy) Stop() error {
	p.registry.CancelAll()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if p.inflightServer != nil {
		if err := p.inflightServer.Shutdown(ctx); err != nil {
			return err
		}
	}

	if p.server != nil {
		return p.server.Shutdown(ctx)
	}

	return nil
}

// Addr is the bound address of the funnel listener, empty before Start.
func (p *Proxy) Addr() string {
	if p.listener == nil {
		return ""
	}

	return p.listener.Addr().String()
}

// InflightAddr is the bound address of the in-flight endpoint. It equals
// Addr when no separate inflight-address is configured.
func (p *Proxy) InflightAddr() string {
	if p.inflightListener != nil {
		return p.inflightListener.Addr().String()
	}

	return p.Addr()
}

func (p *Proxy) serve(server *http.Server, listener net.Listener, name string) {
	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		p.log.Error().Err(err).Str("server", name).Msg("Server stopped unexpectedly")
	}
}

func (p *Proxy) newMetricsRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	coalesce.RegisterMetrics(p.registry, reg)
	p.tracker.RegisterMetrics(reg)

	return reg
}

func (p *Proxy) credentials() (string, string, error) {
	if p.cfg.PasswordFile == "" {
		return p.cfg.Username, p.cfg.Password, nil
	}

	data, err := os.ReadFile(p.cfg.PasswordFile)
	if err != nil {
		return "", "", fmt.Errorf("failed to load password file")
	}

	split := strings.SplitN(strings.TrimSpace(string(data)), ":", 2) //nolint:gomnd
	if len(split) != 2 {                                             //nolint:gomnd
		return "", "", fmt.Errorf("failed to parse username/password. Expected username and password separated by ':'")
	}

	return split[0], split[1], nil
}
