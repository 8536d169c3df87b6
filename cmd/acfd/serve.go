package main

import (
	"context"
	"flag"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentfabric/accumulate"
	"github.com/BaSui01/agentfabric/api/handlers"
	"github.com/BaSui01/agentfabric/commitgate"
	"github.com/BaSui01/agentfabric/config"
	"github.com/BaSui01/agentfabric/events"
	"github.com/BaSui01/agentfabric/internal/database"
	"github.com/BaSui01/agentfabric/internal/metrics"
	"github.com/BaSui01/agentfabric/internal/redisclient"
	"github.com/BaSui01/agentfabric/internal/server"
	"github.com/BaSui01/agentfabric/internal/telemetry"
	"github.com/BaSui01/agentfabric/mutex"
	"github.com/BaSui01/agentfabric/orchestrator"
	"github.com/BaSui01/agentfabric/persistence"
	"github.com/BaSui01/agentfabric/supersede"
)

const recoveryInterval = 30 * time.Second

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	cfg := loadConfig(*configPath)
	logger := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("starting acfd",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
		shutdownTelemetry = func(context.Context) error { return nil }
	}

	rc, err := redisclient.New(cfg.Redis, logger)
	if err != nil {
		logger.Fatal("redis unavailable", zap.Error(err))
	}
	defer rc.Close()

	router := events.NewRouter(nil, logger)
	defer router.Stop()

	sink := openAuditSink(ctx, cfg, logger)
	defer sink.Close(context.Background())

	m := metrics.New()
	m.Register(router)
	orchestrator.RegisterAuditSubscriber(router, sink)
	orchestrator.RegisterEscalationLogger(router, logger)

	store := persistence.NewRedisTurnStore(rc.Client(), rc.Prefix(), logger)
	orchestrator.RegisterSideEffectWriter(router, store, logger)

	sessionMutex := mutex.NewRedisMutex(rc.Client(), rc.Prefix(), logger)
	keys := commitgate.NewRedisKeyStore(rc.Client(), rc.Prefix())
	gate := commitgate.NewGate(keys, router, cfg.Idempotency, logger)

	notifier := accumulate.NewRedisNotifier(rc.Client(), rc.Prefix(), logger)
	cadence := accumulate.NewCadenceTracker(accumulate.NewRedisCadenceStore(rc.Client(), rc.Prefix()))
	acc := accumulate.New(store, notifier, cadence, router, logger)

	coord := supersede.New(cfg.Supersede.Policy, router, logger)
	state := persistence.NewRedisSessionStateStore(rc.Client(), rc.Prefix())

	hub := handlers.NewHub(router, logger)

	orch := orchestrator.New(cfg, orchestrator.Deps{
		Mutex:     sessionMutex,
		Store:     store,
		State:     state,
		Acc:       acc,
		Gate:      gate,
		Coord:     coord,
		Router:    router,
		Pipeline:  newLoopbackPipeline(),
		Responder: hub,
	}, logger)

	go orch.RunRecoveryLoop(ctx, recoveryInterval)

	h := handlers.New(orch, sink, hub, logger)
	h.RegisterHealthCheck("redis", rc.Ping)

	mux := h.Routes(m.Registry())
	httpHandler := handlers.Chain(mux, cfg.Server, logger)

	srv := server.New(cfg.Server, httpHandler, logger)
	if err := srv.Run(ctx); err != nil {
		logger.Error("http server stopped with error", zap.Error(err))
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := router.Drain(drainCtx); err != nil {
		logger.Warn("event router drain incomplete", zap.Error(err))
	}
	if err := shutdownTelemetry(drainCtx); err != nil {
		logger.Warn("telemetry shutdown failed", zap.Error(err))
	}
	logger.Info("acfd stopped")
}

// openAuditSink selects the audit backend from configuration.
func openAuditSink(ctx context.Context, cfg *config.Config, logger *zap.Logger) persistence.AuditSink {
	switch cfg.Audit.Backend {
	case "gorm":
		db, err := persistence.OpenAuditDB(cfg.Database)
		if err != nil {
			logger.Fatal("failed to open audit database", zap.Error(err))
		}
		if cfg.Database.Driver != "sqlite" {
			if err := database.ConfigurePool(ctx, db, database.DefaultPoolConfig(), logger); err != nil {
				logger.Fatal("audit database pool configuration failed", zap.Error(err))
			}
		}
		sink, err := persistence.NewGormAuditSink(db, logger)
		if err != nil {
			logger.Fatal("failed to initialize audit sink", zap.Error(err))
		}
		return sink

	case "mongo":
		sink, err := persistence.NewMongoAuditSink(ctx, cfg.Audit.MongoURI, cfg.Audit.MongoDatabase, logger)
		if err != nil {
			logger.Fatal("failed to connect mongo audit sink", zap.Error(err))
		}
		return sink

	case "none", "":
		logger.Warn("audit disabled: events are not persisted")
		return persistence.NopAuditSink{}

	default:
		logger.Fatal("unknown audit backend", zap.String("backend", cfg.Audit.Backend))
		return nil
	}
}

// loopbackPipeline is the built-in placeholder pipeline: it acknowledges the
// accumulated messages in one response segment. Deployments replace it by
// embedding the orchestrator with their own Pipeline.
type loopbackPipeline struct{}

func newLoopbackPipeline() orchestrator.Pipeline { return loopbackPipeline{} }

func (loopbackPipeline) Run(ctx context.Context, tc *orchestrator.TurnContext) (*orchestrator.PipelineResult, error) {
	turn := tc.Turn()
	contents := make([]string, 0, len(turn.RawMessages))
	for _, msg := range turn.RawMessages {
		contents = append(contents, msg.Content)
	}
	return &orchestrator.PipelineResult{
		ResponseSegments: []string{"received: " + strings.Join(contents, " ")},
		StagedMutations: map[string]any{
			"last_turn_id": turn.ID,
		},
	}, nil
}
