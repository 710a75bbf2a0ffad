package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/guardian/internal/approval"
	"github.com/jkaninda/guardian/internal/gateway/httpapi"
	"github.com/jkaninda/guardian/internal/gateway/ws"
	"github.com/jkaninda/guardian/internal/ratelimit"
	"github.com/jkaninda/guardian/internal/scheduler"
)

var servePort string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API and the approver WebSocket",
	RunE:  runServe,
}

func init() {
	// Register on both root and serve so that
	// `guardian --port :9000` and `guardian serve --port :9000` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8484)")
	}
}

// runServe starts the HTTP gateway. Tier 3 approvals are pushed to the
// webhook and WebSocket approvers and answered over HTTP or WebSocket.
func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort != "" {
		cfg.Gateway.ListenAddr = servePort
	}
	logger := newLogger(cfg.Logging)
	logger.Info("starting guardian", slog.String("version", version))

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	auth := httpapi.NewAuthorizer(cfg.Gateway.APIKeys)
	if !auth.Enabled() {
		logger.Warn("no api keys configured; the HTTP API is unauthenticated")
	}

	// WebSocket approvers (optional).
	forwarders := sc.Forwarders
	var hub *ws.Hub
	if cfg.Gateway.WebSocket.Enabled {
		hub = ws.NewHub(sc.Approvals, logger, ws.WithAuthorizer(auth.Authorize))
		forwarders = append(forwarders, hub)
		defer hub.Close()
	}

	guard := sc.NewGuardian(approval.NewGatewayRequester(sc.Approvals, forwarders, logger))

	// Scheduled session resets (optional).
	if spec := cfg.Session.ResetSchedule; spec != "" {
		var schedMetrics *scheduler.Metrics
		if m := sc.Obs.MetricsOrNil(); m != nil {
			schedMetrics = scheduler.NewMetrics(m.Registry)
		}
		sched, err := scheduler.New(spec, guard, logger, scheduler.WithMetrics(schedMetrics))
		if err != nil {
			return err
		}
		cancelScheduler := sched.Start(ctx)
		defer cancelScheduler()
	}

	svc := httpapi.NewService(guard, sc.Approvals, sc.AuditQuery, logger)
	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: cfg.Gateway.RateLimit.RequestsPerMinute,
		BurstSize:         cfg.Gateway.RateLimit.BurstSize,
	})

	gwCfg := httpapi.Config{
		ListenAddr:     cfg.Gateway.ListenAddress(),
		EnableDocs:     cfg.Gateway.EnableDocs,
		MaxRequestSize: cfg.Gateway.MaxRequestSize(),
		// /v1/evaluate can wait the full approval timeout.
		WriteTimeout: cfg.Policy.ApprovalTimeout() + 30*time.Second,
		Metrics:      sc.Obs.MetricsOrNil(),
		Tracer:       sc.Obs.TraceTracer(),
	}
	if m := sc.Obs.MetricsOrNil(); m != nil {
		gwCfg.MetricsRegistry = m.Registry
		gwCfg.MetricsPath = cfg.Observability.Metrics.MetricsPath()
	}
	if cfg.Observability.Health.Enabled {
		gwCfg.HealthChecker = sc.Obs.Health
	}

	gw := httpapi.NewGateway(gwCfg, svc, auth, limiter, logger)
	if hub != nil {
		gw.WithHandler(cfg.Gateway.WebSocket.WSPath(), hub.Handler())
		logger.Info("websocket approvers enabled", slog.String("path", cfg.Gateway.WebSocket.WSPath()))
	}

	errs := make(chan error, 1)
	go func() {
		errs <- gw.Start(ctx)
	}()

	// Wait for signal or gateway error.
	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			runErr = fmt.Errorf("http gateway: %w", err)
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("stopping gateway", slog.String("error", err.Error()))
	}
	return runErr
}
