package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"

	"github.com/tomyedwab/etes/audit"
	"github.com/tomyedwab/etes/config"
	"github.com/tomyedwab/etes/controlpanel"
	"github.com/tomyedwab/etes/events"
	"github.com/tomyedwab/etes/executables"
	"github.com/tomyedwab/etes/httpsproxy"
	"github.com/tomyedwab/etes/internal/handlers"
	"github.com/tomyedwab/etes/internal/handlers/login"
	"github.com/tomyedwab/etes/metrics"
	"github.com/tomyedwab/etes/monitor"
	"github.com/tomyedwab/etes/processes"
	"github.com/tomyedwab/etes/sessions"
	"github.com/tomyedwab/etes/upstream"
)

const (
	shutdownTimeout = 30 * time.Second
	retentionSweep  = time.Hour
)

var (
	configPath    string
	serveLogLevel string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control panel and subdomain router",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if serveLogLevel != "" {
			cfg.LogLevel = serveLogLevel
		}
		return serve(cfg)
	},
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func serve(cfg *config.Config) error {
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("Starting etes", "version", Version, "control_panel", cfg.ListenAddr, "proxy", cfg.ProxyAddr)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	db := sqlx.MustConnect("sqlite3", filepath.Join(cfg.DataDir, "etes.db"))
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry, err := executables.NewRegistry(db, filepath.Join(cfg.DataDir, "executables"), cfg.APIKey, logger)
	if err != nil {
		return fmt.Errorf("opening executable registry: %w", err)
	}
	auditLog, err := audit.NewLogger(db)
	if err != nil {
		return fmt.Errorf("opening audit log: %w", err)
	}
	m := metrics.New()
	hub := events.NewHub(logger)

	portManager, err := processes.NewPortManager(cfg.PortMin, cfg.PortMax)
	if err != nil {
		return err
	}
	var checker processes.HealthChecker = processes.NewTCPHealthChecker(cfg.ProbeInterval)
	if cfg.Probe == "http" {
		checker = processes.NewHTTPHealthChecker(cfg.ProbeInterval, cfg.ProbePath)
	}
	supervisor, err := processes.NewSupervisor(processes.Config{
		CommandArgs:      cfg.CommandArgs,
		ReadinessTimeout: cfg.ReadinessTimeout,
		ProbeInterval:    cfg.ProbeInterval,
		GracePeriod:      cfg.GracePeriod,
		ReapInterval:     cfg.ReapInterval,
		Executables:      registry,
		PortManager:      portManager,
		HealthChecker:    checker,
		Publisher:        hub,
		Logger:           logger,
	})
	if err != nil {
		return err
	}
	names := processes.NewNameGenerator(cfg.Words)

	var fetcher upstream.Fetcher
	if cfg.GitHubEnabled() {
		gh, err := upstream.NewGitHubFetcher(cfg.GitHubToken, cfg.GitHubOwner, cfg.GitHubRepo, cfg.GitHubAPIURL)
		if err != nil {
			return fmt.Errorf("configuring GitHub: %w", err)
		}
		fetcher = gh
	} else {
		logger.Warn("GitHub token, owner or repo missing; upstream state disabled")
	}
	cache := upstream.NewCache(upstream.Config{
		Fetcher:         fetcher,
		Notifier:        controlpanel.UpstreamNotifier{Hub: hub, Metrics: m},
		Timeout:         cfg.UpstreamTimeout,
		RefreshInterval: cfg.RefreshInterval,
		Logger:          logger,
	})
	mon := monitor.New(monitor.ReadSysinfo, hub, cfg.MemoryInterval, logger)

	m.RegisterSources(metrics.Sources{
		Services:   supervisor.Services,
		PortsInUse: supervisor.PortsInUse,
		Clients:    hub.ClientCount,
	})

	cookies := sessions.NewCookieCodec(cfg.SessionKey)
	resolver := sessions.NewResolver(cookies, cfg, logger)
	var loginHandler *login.Handler
	if cfg.OAuthEnabled() {
		redirect := cfg.AuthorizeURL
		if redirect == "" {
			redirect = cfg.BaseURL() + "/authorize"
		}
		oauth, err := sessions.NewOAuthService(sessions.OAuthConfig{
			ClientID:     cfg.GitHubClientID,
			ClientSecret: cfg.GitHubClientSecret,
			RedirectURL:  redirect,
			APIURL:       cfg.GitHubAPIURL,
		})
		if err != nil {
			return err
		}
		loginHandler = login.NewHandler(oauth, cookies, auditLog, logger)
	} else {
		logger.Warn("GitHub OAuth client missing; operators are anonymous")
	}

	hub.SetHandler(&controlpanel.Commands{
		Supervisor: supervisor,
		Upstream:   cache,
		Notifier:   hub,
		Names:      names,
		Audit:      auditLog,
		Metrics:    m,
		Logger:     logger,
	})

	panel := controlpanel.NewServer(controlpanel.Config{
		ListenAddr: cfg.ListenAddr,
		Title:      cfg.Title,
		Favicon:    cfg.Favicon,
		Handlers: handlers.New(handlers.Deps{
			Config:     cfg,
			Registry:   registry,
			Supervisor: supervisor,
			Upstream:   cache,
			Memory:     mon,
			Hub:        hub,
			Resolver:   resolver,
			Audit:      auditLog,
			Metrics:    m,
			Logger:     logger,
		}),
		Login:   loginHandler,
		Metrics: m,
		Logger:  logger,
	})
	proxy := httpsproxy.NewProxy(httpsproxy.Config{
		ListenAddr:      cfg.ProxyAddr,
		CertFile:        cfg.CertFile,
		KeyFile:         cfg.KeyFile,
		BaseDomain:      cfg.BaseDomain,
		ControlPanelURL: cfg.BaseURL(),
		ServiceURL:      cfg.ServiceURL,
		Routes:          supervisor.Routes(),
		Supervisor:      supervisor,
		Executables:     registry,
		Identities:      resolver,
		Names:           names,
		Metrics:         m,
		Logger:          logger,
	})

	// Binding either listener is the only startup failure after this point.
	if err := panel.Listen(); err != nil {
		return err
	}
	if err := proxy.Listen(); err != nil {
		return err
	}

	var wg sync.WaitGroup
	background := func(run func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run(ctx)
		}()
	}
	background(supervisor.Run)
	background(cache.Run)
	background(mon.Run)
	background(func(ctx context.Context) {
		auditLog.RunRetention(ctx, cfg.AuditRetention, retentionSweep, logger)
	})

	serveErrs := make(chan error, 2)
	go func() { serveErrs <- panel.Serve() }()
	go func() { serveErrs <- proxy.Serve() }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigChan:
		logger.Info("Received signal, initiating graceful shutdown", "signal", sig.String())
	case runErr = <-serveErrs:
		logger.Error("Listener failed, shutting down", "error", runErr)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := proxy.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping subdomain router", "error", err)
	}
	hub.CloseAll()
	if err := panel.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping control panel", "error", err)
	}
	supervisor.Shutdown(shutdownCtx)
	cancel()
	wg.Wait()
	logger.Info("etes stopped")
	return runErr
}

func init() {
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "etes.yaml", "Path to the YAML configuration file")
	serveCmd.Flags().StringVar(&serveLogLevel, "log-level", "", "Log level: debug, info, warn, error (overrides log_level)")
	rootCmd.AddCommand(serveCmd)
}
