package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/guardian/internal/adjudicator"
	"github.com/jkaninda/guardian/internal/approval"
	"github.com/jkaninda/guardian/internal/config"
	"github.com/jkaninda/guardian/internal/guardian"
	"github.com/jkaninda/guardian/internal/llm"
	"github.com/jkaninda/guardian/internal/llm/openai"
	"github.com/jkaninda/guardian/internal/observability"
	"github.com/jkaninda/guardian/internal/security"
	"github.com/jkaninda/guardian/internal/storage"
	filestore "github.com/jkaninda/guardian/internal/storage/file"
	pgstore "github.com/jkaninda/guardian/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/guardian/internal/storage/sqlite"
)

var configPath string

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigPath(), "path to config file")
}

// SharedComponents holds the subsystems every command needs. Built once by
// initShared, torn down by Cleanup. The Guardian itself is built by the
// command, once it has chosen how humans are asked.
type SharedComponents struct {
	Config      *config.Config
	Logger      *slog.Logger
	Obs         *observability.Observability
	Store       storage.Store
	AuditQuery  storage.AuditQuerier // nil for the file driver
	Ledger      *security.BudgetLedger
	Adjudicator *adjudicator.Adjudicator // nil = Tier 2 disabled
	Approvals   *approval.Manager
	Forwarders  approval.Forwarders

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// loadConfig reads the config file named by GUARDIAN_CONFIG or --config.
// A missing default file is not an error: defaults and environment apply.
func loadConfig() (*config.Config, error) {
	path := goutils.Env("GUARDIAN_CONFIG", configPath)
	if path == config.DefaultConfigPath() {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			path = ""
		}
	}
	return config.Load(path)
}

// newLogger builds the process logger. Logs go to stderr so stdout stays
// free for command output and the MCP stdio transport.
func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// initShared performs the initialization common to all commands.
// Callers must call sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Observability.
	obs, err := observability.New(&cfg.Observability, logger, observability.WithServiceVersion(version))
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	})
	logger.Debug("observability initialized",
		slog.Bool("metrics", obs.MetricsOrNil() != nil),
		slog.Bool("tracing", obs.TracerOrNil() != nil),
	)

	// Storage.
	store, err := initStore(cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	sc.Store = store
	sc.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	})
	if q, ok := store.(interface {
		AuditRepository() *pgstore.AuditRepository
	}); ok {
		sc.AuditQuery = q.AuditRepository()
	}
	obs.Health.AddCheck("storage", store.Ping)
	logger.Debug("storage initialized", slog.String("driver", store.Driver()))

	// Budget ledger.
	limits := make(map[string]security.BudgetLimits)
	for id, a := range cfg.Policy.Agents {
		if l := a.Limits(); l != nil {
			limits[id] = *l
		}
	}
	sc.Ledger = security.NewBudgetLedger(cfg.Policy.Budget.Security(), logger,
		security.WithLedgerStore(store.Ledger()),
		security.WithAgentLimits(limits),
	)

	// Adjudicator (Tier 2).
	if cfg.Adjudicator.Enabled {
		provider, err := newLLMProvider(&cfg.Adjudicator, logger)
		if err != nil {
			sc.Cleanup()
			return nil, fmt.Errorf("initializing adjudicator provider: %w", err)
		}
		if obs.MetricsOrNil() != nil || obs.TracerOrNil() != nil {
			provider = observability.NewInstrumentedProvider(provider, obs.MetricsOrNil(), obs.TracerOrNil())
		}
		sc.Adjudicator = adjudicator.New(adjudicator.Config{
			Constitution:       cfg.Policy.Constitution,
			ConstitutionPath:   cfg.Policy.ConstitutionPath,
			AgentConstitutions: cfg.Policy.AgentConstitutions(),
			Timeout:            cfg.Adjudicator.Timeout(),
			MaxTokens:          cfg.Adjudicator.MaxTokens,
		}, adjudicator.FromProvider(provider), logger)
		logger.Debug("adjudicator initialized", slog.String("provider", provider.Name()))
	}

	// Human approvals (Tier 3).
	sc.Approvals = approval.NewManager(cfg.Policy.ApprovalTimeout(), logger)
	obs.MetricsOrNil().RegisterPendingApprovals(sc.Approvals.PendingCount)
	if wh := cfg.Approval.Webhook; wh.URL != "" {
		opts := []approval.WebhookOption{approval.WithWebhookHeaders(wh.Headers)}
		if wh.AllowPrivateHosts {
			opts = append(opts, approval.WithAllowPrivateHosts())
		}
		sc.Forwarders = append(sc.Forwarders, approval.NewWebhookForwarder(wh.URL, logger, opts...))
		logger.Debug("approval webhook configured")
	}

	return sc, nil
}

// NewGuardian builds the decision pipeline. approver may be nil, in which
// case every call that needs a human is blocked.
func (sc *SharedComponents) NewGuardian(approver approval.Requester) *guardian.Guardian {
	opts := []guardian.Option{
		guardian.WithLogger(sc.Logger),
		guardian.WithLedger(sc.Ledger),
		guardian.WithAuditStore(sc.Store.Audit()),
	}
	if sc.Adjudicator != nil {
		opts = append(opts, guardian.WithAdjudicator(sc.Adjudicator))
	}
	if approver != nil {
		opts = append(opts, guardian.WithApprover(approver))
	}
	if m := sc.Obs.MetricsOrNil(); m != nil {
		opts = append(opts, guardian.WithRecorder(m))
	}
	if t := sc.Obs.TraceTracer(); t != nil {
		opts = append(opts, guardian.WithTracer(t))
	}
	return guardian.New(guardianConfig(&sc.Config.Policy), opts...)
}

// guardianConfig converts file policy into pipeline settings. Rules were
// validated when the config was loaded.
func guardianConfig(p *config.PolicyConfig) guardian.Config {
	rules, _ := config.BuildRules(p.Rules)
	agents := make(map[string]guardian.AgentOverride, len(p.Agents))
	for id, a := range p.Agents {
		agentRules, _ := config.BuildRules(a.Rules)
		agents[id] = guardian.AgentOverride{
			Threshold: a.Threshold(),
			Rules:     agentRules,
			Budget:    a.Limits(),
		}
	}
	return guardian.Config{
		ApprovalThreshold: p.Threshold(),
		ApprovalTimeout:   p.ApprovalTimeout(),
		Rules:             rules,
		Agents:            agents,
		Budget:            p.Budget.Security(),
	}
}

// initStore opens the configured storage backend.
func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch cfg.Storage.StorageDriver() {
	case storage.DriverPostgres:
		pgDB, err := pgstore.Open(pgstore.Config{
			DSN:             cfg.Storage.DSN,
			MaxOpenConns:    cfg.Storage.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Storage.ConnMaxLifetimeS) * time.Second,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("opening postgres: %w", err)
		}
		return pgstore.NewStore(pgDB), nil
	case storage.DriverSQLite:
		if err := os.MkdirAll(cfg.ResolvedDataDir(), 0750); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		s, err := sqlitestore.Open(sqlitestore.Config{Path: cfg.DatabasePath(), JournalMode: "wal"}, logger)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite: %w", err)
		}
		return s, nil
	case storage.DriverFile:
		s, err := filestore.Open(filestore.Config{
			LedgerPath: cfg.LedgerPath(),
			AuditPath:  cfg.AuditLogPath(),
		}, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", cfg.Storage.Driver)
	}
}

// newLLMProvider builds the adjudicator's provider, chained with the fallback when configured.
func newLLMProvider(cfg *config.AdjudicatorConfig, logger *slog.Logger) (llm.Provider, error) {
	primary, err := buildProvider(cfg.Provider, logger)
	if err != nil {
		return nil, err
	}
	if cfg.Fallback == nil {
		return primary, nil
	}
	fb, err := buildProvider(*cfg.Fallback, logger)
	if err != nil {
		logger.Warn("skipping fallback provider", slog.String("error", err.Error()))
		return primary, nil
	}
	return llm.NewFallbackProvider([]llm.Provider{primary, fb}, logger), nil
}

func buildProvider(p config.ProviderConfig, logger *slog.Logger) (llm.Provider, error) {
	if p.APIKey == "" && p.BaseURL == "" {
		return nil, fmt.Errorf("provider %q: api_key or base_url is required", p.Model)
	}
	var opts []openai.Option
	if p.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(p.BaseURL))
	}
	if p.Name != "" {
		opts = append(opts, openai.WithName(p.Name))
	}
	return openai.NewClient(p.APIKey, p.Model, logger, opts...), nil
}
