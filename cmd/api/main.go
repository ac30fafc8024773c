package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"callcenter-platform/internal/agentdesk"
	"callcenter-platform/internal/agents"
	"callcenter-platform/internal/analytics"
	"callcenter-platform/internal/audit"
	"callcenter-platform/internal/auth"
	"callcenter-platform/internal/callflow"
	"callcenter-platform/internal/calls"
	"callcenter-platform/internal/config"
	"callcenter-platform/internal/httpapi"
	"callcenter-platform/internal/ivr"
	"callcenter-platform/internal/metrics"
	"callcenter-platform/internal/queues"
	"callcenter-platform/internal/routing"
	"callcenter-platform/internal/script"
	"callcenter-platform/internal/telephony"
	"callcenter-platform/internal/transfer"
	"callcenter-platform/internal/waittime"
	"callcenter-platform/pkg/logger"
	"callcenter-platform/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env, cfg.App.LogLevel)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(rootCtx, cfg, log); err != nil {
		log.Error("api stopped", "err", err)
		os.Exit(1)
	}
}

// stores holds the backends selected by configuration.
type stores struct {
	db  *sql.DB
	rdb *redis.Client

	queues    queues.Repository
	store     queues.Store
	agents    agents.Registry
	history   waittime.History
	menus     ivr.Repository
	scripts   script.Repository
	entries   callflow.Directory
	transfers transfer.Repository
	audit     audit.Repository
}

func (s stores) close() {
	if s.db != nil {
		_ = s.db.Close()
	}
	if s.rdb != nil {
		_ = s.rdb.Close()
	}
}

// ping checks the external stores in use.
func (s stores) ping(ctx context.Context) error {
	if s.db != nil {
		if err := utils.HealthCheck(ctx, s.db, 2*time.Second); err != nil {
			return errors.New("postgres unreachable")
		}
	}
	if s.rdb != nil {
		if err := s.rdb.Ping(ctx).Err(); err != nil {
			return errors.New("redis unreachable")
		}
	}
	return nil
}

func openStores(ctx context.Context, cfg config.Config, log *slog.Logger) (stores, error) {
	s := stores{
		queues:    queues.NewMemoryRepo(),
		store:     queues.NewMemoryStore(),
		agents:    agents.NewMemoryRegistry(),
		history:   waittime.NewMemoryHistory(cfg.Dispatch.HistoryWindow),
		menus:     ivr.NewMemoryRepo(),
		scripts:   script.NewMemoryRepo(),
		entries:   callflow.NewMemoryDirectory(),
		transfers: transfer.NewMemoryRepo(),
		audit:     audit.NewMemoryRepo(),
	}

	if cfg.App.StoreBackend == config.StoreRedis {
		rdb, err := utils.OpenRedis(ctx, utils.RedisConfig{Addr: cfg.RedisAddr()})
		if err != nil {
			return s, err
		}
		s.rdb = rdb
		s.store = queues.NewRedisStore(rdb, cfg.Redis.KeyPrefix)
		s.agents = agents.NewRedisRegistry(rdb, cfg.Redis.KeyPrefix)
		s.history = waittime.NewRedisHistory(rdb, cfg.Redis.KeyPrefix, cfg.Dispatch.HistoryWindow)
	}

	if cfg.HasPostgres() {
		db, err := utils.OpenPostgres(ctx, cfg.PostgresDSN(), utils.PostgresPoolConfig{})
		if err != nil {
			s.close()
			return s, err
		}
		s.db = db
		s.queues = queues.NewPostgresRepo(db)
		s.menus = ivr.NewPostgresRepo(db)
		s.scripts = script.NewPostgresRepo(db)
		s.entries = callflow.NewPostgresDirectory(db)
		s.transfers = transfer.NewPostgresRepo(db)
		s.audit = audit.NewPostgresRepo(db)

		dir := agents.NewPostgresDirectory(db)
		n, err := agents.Seed(ctx, dir, s.agents)
		if err != nil {
			s.close()
			return s, err
		}
		log.Info("agents loaded", "count", n)
		s.agents = agents.NewWriteThrough(s.agents, dir)
	}

	log.Info("stores ready", "backend", cfg.App.StoreBackend, "postgres", cfg.HasPostgres())
	return s, nil
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	st, err := openStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.close()

	var sink analytics.Sink = analytics.NewMemoryRepo()
	if cfg.Analytics.RabbitURL != "" {
		rabbit, err := analytics.DialRabbit(cfg.Analytics.RabbitURL, cfg.Analytics.RabbitQueue)
		if err != nil {
			return err
		}
		defer rabbit.Close()
		sink = rabbit
	}
	events := analytics.NewService(sink, cfg.Analytics.Buffer, log.With("component", "analytics"), m)

	var (
		commander calls.Commander
		twilio    *telephony.TwilioCommander
	)
	if cfg.Twilio.AccountSID != "" {
		twilio = telephony.NewTwilioCommander(telephony.TwilioOptions{
			AccountSID:    cfg.Twilio.AccountSID,
			AuthToken:     cfg.Twilio.AuthToken,
			APIBaseURL:    cfg.Twilio.APIBaseURL,
			PublicBaseURL: cfg.Twilio.PublicBaseURL,
			CallerID:      cfg.Twilio.CallerID,
		})
		commander = twilio
	} else {
		log.Warn("twilio not configured, call commands are only recorded")
		commander = calls.NewRecorder()
	}

	tracker := calls.NewTracker(cfg.IVR.SessionTTL)
	dispatcher := routing.NewDispatcher(routing.Deps{
		Queues:    st.queues,
		Store:     st.store,
		Agents:    st.agents,
		Estimator: waittime.NewEstimator(st.agents, st.history, cfg.Dispatch.FallbackServiceTime),
		History:   st.history,
		Tracker:   tracker,
		Commander: commander,
		Events:    events,
		Metrics:   m,
		Log:       log.With("component", "dispatcher"),
	}, routing.Options{
		Tick:           cfg.Dispatch.Tick,
		Workers:        cfg.Dispatch.Workers,
		ClosedCooldown: cfg.Dispatch.ClosedCooldown,
	})

	coord := transfer.NewCoordinator(transfer.Deps{
		Repo:        st.transfers,
		Agents:      st.agents,
		Tracker:     tracker,
		Commander:   commander,
		Router:      dispatcher,
		Events:      events,
		Metrics:     m,
		Log:         log.With("component", "transfer"),
		RingTimeout: cfg.Transfer.RingTimeout,
	})
	hub := agentdesk.NewHub(agentdesk.Deps{
		Agents:      st.agents,
		Desk:        dispatcher,
		Assignments: tracker,
		Metrics:     m,
		Log:         log.With("component", "agentdesk"),
	})
	dispatcher.Handoff = coord
	dispatcher.Notifier = hub

	// The IVR engine reports input timeouts to the orchestrator, which is built after it.
	var orch *callflow.Orchestrator
	menus := ivr.NewEngine(ivr.Deps{
		Menus:           st.menus,
		Resolver:        ivr.NewWebhookResolver(cfg.IVR.WebhookTimeout),
		Metrics:         m,
		Log:             log.With("component", "ivr"),
		SessionTTL:      cfg.IVR.SessionTTL,
		PromptAllowance: cfg.IVR.PromptAllowance,
		OnTimeout: func(ctx context.Context, res ivr.Result) {
			orch.IVRTimeout(ctx, res)
		},
	})
	scripts := script.NewEngine(script.Deps{
		Scripts:    st.scripts,
		Metrics:    m,
		Log:        log.With("component", "script"),
		SessionTTL: cfg.IVR.SessionTTL,
	})
	orch = callflow.NewOrchestrator(callflow.Deps{
		Entries:   st.entries,
		IVR:       menus,
		Scripts:   scripts,
		Router:    dispatcher,
		Transfers: coord,
		Queues:    st.queues,
		Commander: commander,
		Log:       log.With("component", "callflow"),
		CallTTL:   cfg.IVR.SessionTTL,
	})

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerPublicRoutes(r, st.ping, m, telephony.TwilioWebhookHandler{Events: orch, Commander: twilio}, webhookGuard(cfg))
	api := httpapi.Handlers{
		Queues:      st.queues,
		Router:      dispatcher,
		Agents:      st.agents,
		CallFlow:    orch,
		Assignments: tracker,
		Transfers:   coord,
		Commander:   commander,
		Desk:        hub,
		Audit:       audit.NewService(st.audit, log.With("component", "audit")),
	}
	registerProtectedRoutes(r, auth.RequireAccessToken(authManager), api)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Attended transfers hold the request for up to the ring timeout.
		WriteTimeout: cfg.Transfer.RingTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error { return events.Run(gctx) })
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown initiated")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("http shutdown failed", "err", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// webhookGuard verifies Twilio signatures. Local runs without a token accept
// unsigned webhooks.
func webhookGuard(cfg config.Config) gin.HandlerFunc {
	token := cfg.Twilio.WebhookSecret
	if token == "" {
		token = cfg.Twilio.AuthToken
	}
	if token == "" {
		return func(c *gin.Context) { c.Next() }
	}
	return telephony.ValidateTwilioSignature(token, cfg.Twilio.PublicBaseURL)
}
