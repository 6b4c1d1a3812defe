package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/aiclient/goproxy/account"
	"github.com/aiclient/goproxy/config"
	"github.com/aiclient/goproxy/internal/metrics"
	"github.com/aiclient/goproxy/internal/server"
	"github.com/aiclient/goproxy/internal/tasks"
	"github.com/aiclient/goproxy/kiro"
	"github.com/aiclient/goproxy/pool"
	"github.com/aiclient/goproxy/providers"
	"github.com/aiclient/goproxy/providers/anthropic"
	"github.com/aiclient/goproxy/providers/forward"
	"github.com/aiclient/goproxy/providers/gemini"
	"github.com/aiclient/goproxy/providers/openai"
	"github.com/aiclient/goproxy/providers/qwen"
	"github.com/aiclient/goproxy/router"
	"github.com/aiclient/goproxy/store"
	"github.com/aiclient/goproxy/store/writequeue"
)

// Server wires every component named in SPEC_FULL.md into a running
// process: the Storage Adapter, Provider Pool Manager, Service Adapter
// layer, Kiro Streaming Handler, Request Router, and Periodic Tasks
// runner, plus the HTTP and metrics listeners that front them.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	st  store.Store
	pm  *pool.Manager
	rt  *router.Router
	tr  *tasks.Runner
	mtr *metrics.Collector

	httpManager    *server.Manager
	metricsManager *server.Manager

	tasksCancel context.CancelFunc
	tasksDone   chan error
}

// NewServer builds every component but starts nothing; call Start to bring
// the process up.
func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	st, err := newStore(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	poolsDoc, seedAccounts, seedCreds, err := config.LoadProviderPools(cfg.ProviderPoolsFile)
	if err != nil {
		return nil, fmt.Errorf("load provider pools file: %w", err)
	}
	if err := seedStore(context.Background(), st, seedAccounts, seedCreds); err != nil {
		return nil, fmt.Errorf("seed provider pools: %w", err)
	}

	pm := pool.New(st, cfg.Fallback, logger)
	if err := pm.LoadAll(context.Background()); err != nil {
		return nil, fmt.Errorf("load account pools: %w", err)
	}
	pm.EnableUsageBatching(context.Background(), pool.BatchConfig(cfg.Batch))

	adapters := buildAdapters(poolsDoc, logger)
	pm.EnableRefresh(pool.RefreshConfig{
		BufferDelay:      cfg.Refresh.BufferDelay,
		PerProviderLimit: cfg.Refresh.PerProviderLimit,
		GlobalLimit:      cfg.Refresh.GlobalLimit,
		MaxAttempts:      cfg.Refresh.MaxAttempts,
		MaxRefreshCount:  cfg.Refresh.MaxRefreshCount,
	}, buildRefreshers(adapters))

	fwdCfg := providers.ForwardConfig{Timeout: 120 * time.Second}
	fwd := forward.New(fwdCfg, logger)

	kiroHandler := kiro.New(st, pm, kiro.Config(cfg.Kiro), logger)

	routerCfg := router.Config{
		APIKey:           cfg.APIKey,
		DefaultProviders: cfg.DefaultProviders,
		ModelProvider:    cfg.ModelProvider,
	}
	rt := router.New(routerCfg, st, pm, adapters, fwd, kiroHandler, logger)

	tr := tasks.New(pm, st, adapters, tasks.Config{
		HealthSweepInterval: cfg.Kiro.HealthCooldown,
		NearExpiryWindow:    cfg.Refresh.NearExpiryWindow,
		NearExpiryInterval:  time.Duration(cfg.CronNearMinutes) * time.Minute,
		WarmupTarget:        cfg.Warmup.Target,
		WarmupInterval:      cfg.Warmup.Interval,
	}, logger)

	mtr := metrics.NewCollector("goproxy", logger)
	rt.SetRecoveryChecker(tr)
	rt.SetMetrics(mtr)
	tr.SetMetrics(mtr)

	return &Server{
		cfg:    cfg,
		logger: logger,
		st:     st,
		pm:     pm,
		rt:     rt,
		tr:     tr,
		mtr:    mtr,
	}, nil
}

func newStore(cfg *config.Config, logger *zap.Logger) (store.Store, error) {
	if !cfg.Redis.Enabled {
		return store.NewFileStore("./data/goproxy-store", logger)
	}

	queue := writequeue.New(writequeue.DefaultConfig(), logger)
	redisCfg := store.DefaultRedisConfig()
	redisCfg.URL = cfg.Redis.URL
	if cfg.Redis.URL == "" {
		redisCfg.Addr = fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
	}
	redisCfg.Password = cfg.Redis.Password
	redisCfg.DB = cfg.Redis.DB
	return store.NewRedisStore(redisCfg, logger, writeQueueAdapter{queue})
}

// writeQueueAdapter satisfies store.WriteQueue over a *writequeue.Queue:
// Queue.Enqueue takes the named type writequeue.Op rather than the bare
// func type the store package's interface spells out, so the two don't
// satisfy each other without this conversion in between.
type writeQueueAdapter struct{ q *writequeue.Queue }

func (w writeQueueAdapter) Enqueue(op func(ctx context.Context) error) error {
	return w.q.Enqueue(writequeue.Op(op))
}

// seedStore writes every account from the provider-pools file into the
// store, appending to whatever pool it already holds (so a second process
// started against the same file and store doesn't duplicate accounts),
// and seeds a credential for any account that doesn't already have one.
func seedStore(ctx context.Context, st store.Store, accounts map[account.ProviderType][]*account.Account, creds map[string]*account.TokenCredential) error {
	ptByUUID := make(map[string]account.ProviderType)

	for pt, fresh := range accounts {
		existing, err := st.GetProviderPool(ctx, pt)
		if err != nil && err != store.ErrNotFound {
			return err
		}
		seen := make(map[string]bool, len(existing))
		for _, acc := range existing {
			seen[acc.UUID] = true
		}
		merged := existing
		for _, acc := range fresh {
			ptByUUID[acc.UUID] = pt
			if !seen[acc.UUID] {
				merged = append(merged, acc)
			}
		}
		if err := st.SetProviderPool(ctx, pt, merged); err != nil {
			return err
		}
	}

	for uuid, cred := range creds {
		// expectedRefreshToken "" means "only if absent"; ErrCASMismatch
		// here just means a previous run already seeded (or refreshed)
		// this account's credential, which is the value we want to keep.
		if err := st.AtomicTokenUpdate(ctx, ptByUUID[uuid], uuid, cred, "", 0); err != nil && err != store.ErrCASMismatch {
			return err
		}
	}
	return nil
}

// buildAdapters constructs one Service Adapter per native provider type.
// forward-api and claude-kiro-oauth are handled by the router directly, so
// they have no entry here.
func buildAdapters(doc *config.ProviderPoolsFile, logger *zap.Logger) map[account.ProviderType]providers.Adapter {
	settings := doc.Providers

	staticCfg := func(pt account.ProviderType) providers.StaticKeyConfig {
		cfg := providers.DefaultStaticKeyConfig()
		if s, ok := settings[pt]; ok {
			if s.BaseURL != "" {
				cfg.BaseURL = s.BaseURL
			}
			cfg.Model = s.Model
			if s.Timeout > 0 {
				cfg.Timeout = s.Timeout
			}
		}
		return cfg
	}
	oauthCfg := func(pt account.ProviderType) providers.OAuthConfig {
		cfg := providers.DefaultOAuthConfig()
		if s, ok := settings[pt]; ok {
			cfg.BaseURL = s.BaseURL
			cfg.TokenURL = s.TokenURL
			cfg.Model = s.Model
			cfg.ClientID = s.ClientID
			cfg.ClientSecret = s.ClientSecret
			if s.Timeout > 0 {
				cfg.Timeout = s.Timeout
			}
		}
		return cfg
	}

	adapters := make(map[account.ProviderType]providers.Adapter)
	adapters[account.ClaudeCustom] = anthropic.New(account.ClaudeCustom, staticCfg(account.ClaudeCustom), logger)
	adapters[account.ClaudeOrchidsOAuth] = anthropic.New(account.ClaudeOrchidsOAuth, staticCfg(account.ClaudeOrchidsOAuth), logger)
	adapters[account.GeminiCLIOAuth] = gemini.New(account.GeminiCLIOAuth, oauthCfg(account.GeminiCLIOAuth), logger)
	adapters[account.GeminiAntigravity] = gemini.New(account.GeminiAntigravity, oauthCfg(account.GeminiAntigravity), logger)
	adapters[account.OpenAICustom] = openai.New(account.OpenAICustom, staticCfg(account.OpenAICustom), logger)
	adapters[account.OpenAICustomResponses] = openai.New(account.OpenAICustomResponses, staticCfg(account.OpenAICustomResponses), logger)
	adapters[account.OpenAIIFlow] = openai.New(account.OpenAIIFlow, staticCfg(account.OpenAIIFlow), logger)
	adapters[account.OpenAICodexOAuth] = openai.New(account.OpenAICodexOAuth, staticCfg(account.OpenAICodexOAuth), logger)
	adapters[account.OpenAIQwenOAuth] = qwen.New(oauthCfg(account.OpenAIQwenOAuth), logger)
	return adapters
}

// buildRefreshers narrows buildAdapters' map to the provider types whose
// adapter actually implements pool.Refresher — static-key types never
// refresh, so they're absent here even though they have an Adapter entry.
func buildRefreshers(adapters map[account.ProviderType]providers.Adapter) map[account.ProviderType]pool.Refresher {
	refreshers := make(map[account.ProviderType]pool.Refresher)
	for pt, a := range adapters {
		if r, ok := a.(pool.Refresher); ok {
			switch pt {
			case account.GeminiCLIOAuth, account.GeminiAntigravity, account.OpenAIQwenOAuth, account.OpenAICodexOAuth, account.ClaudeOrchidsOAuth:
				refreshers[pt] = r
			}
		}
	}
	return refreshers
}

// Start brings up the HTTP listener, the metrics listener, and the
// periodic-tasks runner. It returns once the HTTP listener is accepting
// connections; all three continue running in the background.
func (s *Server) Start() error {
	httpCfg := server.DefaultConfig()
	httpCfg.Addr = fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpManager = server.NewManager(s.rt, httpCfg, s.logger)
	if err := s.httpManager.Start(); err != nil {
		return fmt.Errorf("start http server: %w", err)
	}
	s.logger.Info("http server started", zap.String("addr", httpCfg.Addr))

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsCfg := server.DefaultConfig()
	metricsCfg.Addr = fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port+1)
	s.metricsManager = server.NewManager(metricsMux, metricsCfg, s.logger)
	if err := s.metricsManager.Start(); err != nil {
		return fmt.Errorf("start metrics server: %w", err)
	}
	s.logger.Info("metrics server started", zap.String("addr", metricsCfg.Addr))

	ctx, cancel := context.WithCancel(context.Background())
	s.tasksCancel = cancel
	s.tasksDone = make(chan error, 1)
	go func() { s.tasksDone <- s.tr.Start(ctx) }()

	return nil
}

// WaitForShutdown blocks until a shutdown signal arrives (via the HTTP
// manager, which owns the SIGINT/SIGTERM listener) or the HTTP server exits
// unexpectedly, then tears every component down. The metrics server's own
// errors are not watched here.
func (s *Server) WaitForShutdown() {
	s.httpManager.WaitForShutdown()
	s.Shutdown()
}

// Shutdown tears every component down in reverse wiring order.
func (s *Server) Shutdown() {
	s.logger.Info("shutting down")

	if s.tasksCancel != nil {
		s.tasksCancel()
		<-s.tasksDone
	}

	ctx := context.Background()
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("metrics server shutdown error", zap.Error(err))
		}
	}
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("http server shutdown error", zap.Error(err))
		}
	}
	if err := s.st.Close(); err != nil {
		s.logger.Error("store close error", zap.Error(err))
	}

	s.logger.Info("shutdown complete")
}
