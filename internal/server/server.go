// Package server assembles the TunnelGuard daemon process: it builds the
// firewall controller, the tunnel process supervisor, the state machine,
// the daemon glue and the RPC listener from a DaemonConfig and runs them.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	apiserver "github.com/rennerdo30/tunnelguard/internal/api/server"
	"github.com/rennerdo30/tunnelguard/internal/account"
	"github.com/rennerdo30/tunnelguard/internal/config"
	"github.com/rennerdo30/tunnelguard/internal/daemon"
	"github.com/rennerdo30/tunnelguard/internal/firewall"
	"github.com/rennerdo30/tunnelguard/internal/logging"
	"github.com/rennerdo30/tunnelguard/internal/metrics"
	"github.com/rennerdo30/tunnelguard/internal/netmon"
	"github.com/rennerdo30/tunnelguard/internal/openvpn"
	"github.com/rennerdo30/tunnelguard/internal/relay"
	"github.com/rennerdo30/tunnelguard/internal/retry"
	"github.com/rennerdo30/tunnelguard/internal/settings"
	"github.com/rennerdo30/tunnelguard/internal/tunnelstate"
	"github.com/rennerdo30/tunnelguard/internal/version"
)

// Server is the daemon process.
type Server struct {
	config     *config.DaemonConfig
	configPath string
	log        *slog.Logger

	store            *settings.Store
	selector         *relay.Selector
	retry            *retry.Scheduler
	firewall         firewall.Controller
	supervisor       *openvpn.Supervisor
	machine          *tunnelstate.Machine
	daemon           *daemon.Daemon
	metrics          *metrics.Metrics
	metricsCollector *metrics.Collector
	hub              *apiserver.Hub
	api              *apiserver.API
	monitor          *netmon.Monitor

	listener  net.Listener
	apiServer *http.Server

	running bool
	cancel  context.CancelFunc
	mu      sync.RWMutex
	wg      sync.WaitGroup
}

// New builds the daemon from cfg. Nothing touches the firewall or starts a
// process until Start.
func New(cfg *config.DaemonConfig) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	log := logging.WithComponent("server")

	store, err := settings.Open(cfg.Paths.Settings)
	if err != nil {
		return nil, fmt.Errorf("open settings: %w", err)
	}

	relays, err := relay.LoadList(cfg.Paths.Relays)
	if err != nil {
		return nil, fmt.Errorf("load relay list: %w", err)
	}
	if len(relays) == 0 {
		log.Warn("relay list is empty, only custom endpoints can be used", "path", cfg.Paths.Relays)
	}
	selector := relay.NewSelector(relays)

	resolvers, err := cfg.DNS.Resolvers()
	if err != nil {
		return nil, err
	}

	hub := apiserver.NewHub()
	m := metrics.New()
	collector := metrics.NewCollector(m)
	hub.OnSubscribersChanged(func(topic apiserver.Topic, n int) {
		collector.SetSubscribers(string(topic), n)
	})

	d, err := daemon.New(daemon.Config{
		Settings: store,
		Tokens:   account.NewTokenStore(cfg.Account.KeyringService),
		Accounts: account.NewClient(cfg.Account.APIURL, cfg.Account.Timeout.Duration()),
		Relays:   selector,
		Resolver: relay.NewResolver(resolvers, cfg.DNS.Timeout.Duration()),
		Hub:      hub,
	})
	if err != nil {
		return nil, err
	}

	fw, err := firewall.New(cfg.Firewall)
	if err != nil {
		return nil, fmt.Errorf("create firewall controller: %w", err)
	}

	sup, err := openvpn.New(cfg.OpenVPN.Supervisor())
	if err != nil {
		return nil, fmt.Errorf("create tunnel supervisor: %w", err)
	}

	mcfg, err := cfg.Machine(store.Get().AllowLAN)
	if err != nil {
		sup.Close(context.Background())
		return nil, err
	}
	sched := retry.NewScheduler(cfg.Retry.Backoff())
	machine, err := tunnelstate.New(mcfg, tunnelstate.Deps{
		Firewall:   fw,
		Supervisor: sup,
		Parameters: d.Parameters,
		Retry:      sched,
		Observers:  []tunnelstate.Observer{d, collector},
	})
	if err != nil {
		sup.Close(context.Background())
		return nil, fmt.Errorf("create tunnel state machine: %w", err)
	}
	d.Attach(machine)

	var metricsHandler http.Handler
	if cfg.API.Metrics {
		metricsHandler = m.Handler()
	}
	api := apiserver.New(apiserver.Config{
		Daemon:    d,
		Hub:       hub,
		Token:     cfg.API.Token,
		TokenHash: cfg.API.TokenHash,
		Metrics:   metricsHandler,

		AuthFailureLimit: cfg.API.AuthFailureLimit,
	})

	monitor := netmon.Static()
	if cfg.NetworkMonitor {
		monitor = netmon.New()
	}

	return &Server{
		config:           cfg,
		log:              log,
		store:            store,
		selector:         selector,
		retry:            sched,
		firewall:         fw,
		supervisor:       sup,
		machine:          machine,
		daemon:           d,
		metrics:          m,
		metricsCollector: collector,
		hub:              hub,
		api:              api,
		monitor:          monitor,
	}, nil
}

// SetConfigPath sets the file ReloadConfig reads.
func (s *Server) SetConfigPath(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configPath = path
}

// Start opens the RPC listener, starts the state machine and, when
// enabled, the network monitor.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	s.log.Info("starting TunnelGuard daemon", "version", version.String(), "firewall", s.firewall.Name())

	// Bind first so a second daemon instance fails before touching the firewall.
	listener, err := net.Listen("tcp", s.config.API.Listen)
	if err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("listen %s: %w", s.config.API.Listen, err)
	}
	s.listener = listener

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.metricsCollector.Start()

	if err := s.daemon.Start(runCtx); err != nil {
		s.log.Error("daemon start failed", "error", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer logging.Recover(s.log, "network monitor")
		err := s.monitor.Run(runCtx, func(online bool) {
			s.log.Info("network reachability changed", "online", online)
			if err := s.machine.SetOnline(online); err != nil {
				s.log.Debug("reachability not delivered", "error", err)
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn("network monitor stopped", "error", err)
		}
	}()

	s.apiServer = &http.Server{
		Handler:           s.api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.log.Info("RPC server listening", "address", listener.Addr().String())
		if err := s.apiServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("RPC server error", "error", err)
		}
	}()

	s.log.Info("TunnelGuard daemon started")
	return nil
}

// Addr returns the RPC listen address once started.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the RPC surface, shuts the state machine down and releases
// the supervisor.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		s.api.Close()
		return s.supervisor.Close(ctx)
	}
	s.running = false
	s.mu.Unlock()

	s.log.Info("stopping TunnelGuard daemon")

	if s.apiServer != nil {
		if err := s.apiServer.Shutdown(ctx); err != nil {
			s.log.Warn("RPC server shutdown", "error", err)
		}
	}
	s.hub.Close()
	s.api.Close()

	var errs []error
	if err := s.daemon.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.supervisor.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close supervisor: %w", err))
	}

	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("shutdown deadline exceeded")
	}

	s.metricsCollector.Stop()
	s.log.Info("TunnelGuard daemon stopped")
	return errors.Join(errs...)
}

// ReloadConfig re-reads the config file and applies the parts that can
// change at runtime: the log level, the retry policy and the relay list.
func (s *Server) ReloadConfig() error {
	s.mu.RLock()
	path := s.configPath
	s.mu.RUnlock()
	if path == "" {
		return errors.New("config path not set, cannot reload")
	}

	s.log.Info("reloading configuration", "path", path)
	newCfg, err := config.LoadDaemonConfig(path)
	if err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	if err := logging.SetLevel(newCfg.Logging.Level); err != nil {
		return err
	}
	s.retry.SetBackoff(newCfg.Retry.Backoff())

	relays, err := relay.LoadList(newCfg.Paths.Relays)
	if err != nil {
		return fmt.Errorf("reload relay list: %w", err)
	}
	s.selector.Update(relays)

	s.mu.Lock()
	s.config.Logging.Level = newCfg.Logging.Level
	s.config.Retry = newCfg.Retry
	s.config.Paths.Relays = newCfg.Paths.Relays
	s.mu.Unlock()

	s.log.Info("configuration reloaded", "log_level", newCfg.Logging.Level, "relays", len(relays))
	return nil
}

// Running reports whether Start has been called without a matching Stop.
func (s *Server) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Daemon returns the daemon glue, for tests and embedding.
func (s *Server) Daemon() *daemon.Daemon {
	return s.daemon
}
