// ABOUTME: Gateway orchestrator that wires relaydesk components and serves HTTP
// ABOUTME: Manages store, bus, engines, broker bridge and listener lifecycle

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
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/relaydesk/internal/auth"
	"github.com/2389/relaydesk/internal/broker"
	"github.com/2389/relaydesk/internal/campaign"
	"github.com/2389/relaydesk/internal/channel"
	"github.com/2389/relaydesk/internal/config"
	"github.com/2389/relaydesk/internal/conversation"
	"github.com/2389/relaydesk/internal/dedupe"
	"github.com/2389/relaydesk/internal/events"
	"github.com/2389/relaydesk/internal/presence"
	"github.com/2389/relaydesk/internal/store"
	"github.com/2389/relaydesk/internal/survey"
)

// Gateway owns every long-lived relaydesk component.
type Gateway struct {
	config *config.Config
	logger *slog.Logger

	store         store.Store
	bus           *events.Bus
	presence      *presence.Throttler
	surveys       *survey.BusScheduler
	conversations *conversation.Service
	campaigns     *campaign.Engine
	receipts      *dedupe.Cache

	// broker and sink are nil unless the RabbitMQ bridge is enabled
	broker *broker.Client
	sink   *broker.EventSink

	httpServer  *http.Server
	tsnetServer *tsnet.Server

	// listening is closed once addr is set
	listening chan struct{}
	addr      net.Addr
}

// initStore opens the configured database.
func initStore(cfg *config.Config) (*store.SQLStore, error) {
	s, err := store.Open(cfg.Database.Driver, cfg.Database.DataSource())
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a Gateway from configuration. The broker connection, when
// enabled, is dialled here so misconfiguration fails before serving.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("creating JWT verifier: %w", err)
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	gw := &Gateway{
		config:    cfg,
		logger:    logger.With("component", "gateway"),
		store:     s,
		listening: make(chan struct{}),
	}

	busOpts := events.Options{
		BacklogSize: cfg.Events.BacklogSize,
		BufferSize:  cfg.Events.BufferSize,
		Logger:      logger,
	}
	if cfg.Events.Journal {
		busOpts.Journal = s
	}
	gw.bus = events.New(busOpts)

	gw.presence = presence.NewThrottler(gw.bus, nil, cfg.Presence.Timeout, logger)
	gw.surveys = survey.NewBusScheduler(s, gw.bus, nil, logger)
	gw.conversations = conversation.New(s, gw.bus, gw.surveys, conversation.Options{
		SurveyDelaySeconds: cfg.Conversations.SurveyDelaySeconds,
		Logger:             logger,
	})

	var provider channel.Provider = channel.NewLoopback(channel.LoopbackOptions{Logger: logger})
	if cfg.Broker.Enabled {
		gw.broker, err = broker.Dial(ctx, broker.Config{
			URL:           cfg.Broker.URL,
			EventExchange: cfg.Broker.EventExchange,
			ReceiptQueue:  cfg.Broker.ReceiptQueue,
			OutboundQueue: cfg.Broker.OutboundQueue,
			ReconnectMax:  cfg.Broker.ReconnectMax,
		}, logger)
		if err != nil {
			gw.closeComponents()
			return nil, fmt.Errorf("connecting to broker: %w", err)
		}
		gw.sink = broker.NewEventSink(gw.broker, logger)
		gw.bus.AddSink(gw.sink)

		if cfg.Campaigns.Provider == "broker" {
			provider = broker.NewProvider(gw.broker, nil)
		}
	}
	gw.logger.Info("channel provider selected", "provider", cfg.Campaigns.Provider)

	gw.receipts = dedupe.New(cfg.Campaigns.ReceiptDedupeTTL, dedupe.DefaultSize, nil)
	gw.campaigns = campaign.New(s, provider, gw.bus, campaign.Options{
		MaxAttempts:        cfg.Campaigns.MaxAttempts,
		RetryBase:          cfg.Campaigns.RetryBase,
		RetryCap:           cfg.Campaigns.RetryCap,
		SendTimeout:        cfg.Campaigns.SendTimeout,
		DefaultSendingRate: cfg.Campaigns.DefaultSendingRate,
		Receipts:           gw.receipts,
		Logger:             logger,
	})

	api := NewAPI(Services{
		Conversations: gw.conversations,
		Campaigns:     gw.campaigns,
		Presence:      gw.presence,
		Bus:           gw.bus,
		Ready:         s.Ping,
	}, verifier, logger)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	gw.httpServer.RegisterOnShutdown(api.CloseStreams)
	return gw, nil
}

// Run recovers running campaigns, starts the servers and blocks until ctx
// is cancelled or a server fails. Components are closed before returning.
func (g *Gateway) Run(ctx context.Context) error {
	defer g.closeComponents()

	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	if err := g.campaigns.Start(ctx); err != nil {
		_ = ln.Close()
		return fmt.Errorf("recovering campaigns: %w", err)
	}
	g.addr = ln.Addr()
	close(g.listening)

	grp, gctx := errgroup.WithContext(ctx)

	grp.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	grp.Go(func() error {
		<-gctx.Done()
		g.logger.Info("context canceled, initiating shutdown")
		return g.shutdownHTTP()
	})

	if g.broker != nil {
		grp.Go(func() error {
			return ignoreCanceled(gctx, g.broker.Run(gctx,
				broker.ReceiptConsumer(g.config.Broker.ReceiptQueue, g.campaigns, g.logger)))
		})
		grp.Go(func() error {
			return ignoreCanceled(gctx, g.sink.Run(gctx))
		})
	}

	return grp.Wait()
}

// Addr blocks until Run is listening and returns the bound address.
func (g *Gateway) Addr(ctx context.Context) (net.Addr, error) {
	select {
	case <-g.listening:
		return g.addr, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ignoreCanceled treats the error of a loop stopped by ctx as a clean exit.
func ignoreCanceled(ctx context.Context, err error) error {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil
	}
	return err
}

// shutdownHTTP performs shutdown with a fresh context and timeout.
// Uses context.Background() since the run context is already canceled.
func (g *Gateway) shutdownHTTP() error {
	ctx, cancel := context.WithTimeout(context.Background(), g.config.Server.ShutdownTimeout)
	defer cancel()

	g.logger.Info("shutting down HTTP server")
	if err := g.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP shutdown: %w", err)
	}
	return nil
}

// closeComponents stops workers and timers, then closes connections.
// Every component may be nil when construction failed part way.
func (g *Gateway) closeComponents() {
	if g.campaigns != nil {
		g.campaigns.Close()
	}
	if g.conversations != nil {
		g.conversations.Close()
	}
	if g.surveys != nil {
		g.surveys.Close()
	}
	if g.presence != nil {
		g.presence.Close()
	}
	if g.receipts != nil {
		g.receipts.Close()
	}
	if g.bus != nil {
		g.bus.Close()
	}
	if g.broker != nil {
		if err := g.broker.Close(); err != nil {
			g.logger.Warn("broker close failed", "error", err)
		}
	}
	if g.tsnetServer != nil {
		if err := g.tsnetServer.Close(); err != nil {
			g.logger.Warn("tailscale shutdown failed", "error", err)
		}
	}
	if g.store != nil {
		if err := g.store.Close(); err != nil {
			g.logger.Warn("store close failed", "error", err)
		}
	}
}

// setupListener creates the HTTP listener (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}

	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set tailscale.auth_key or TS_AUTHKEY")
	}
	return authKey, nil
}

// setupTailscaleListener joins the tailnet and listens on :443 when a
// certificate is configured, :80 otherwise.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := filepath.Abs(tsCfg.StateDir)
	if err != nil {
		return nil, fmt.Errorf("resolving tailscale state dir: %w", err)
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}
	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	if tsCfg.CertFile == "" {
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}

	cert, err := tls.LoadX509KeyPair(tsCfg.CertFile, tsCfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading TLS certificate: %w", err)
	}
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	g.logger.Info("serving HTTPS on tailscale :443")
	return tls.NewListener(ln, &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}), nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}
