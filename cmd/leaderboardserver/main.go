// Command leaderboardserver runs the typing-test leaderboard and
// multiplayer-race service: score ingestion, the tiered leaderboard cache,
// materialized-view refresh, the WebSocket fan-out service, the race
// coordinator, and the background job queue, all behind one HTTP listener.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/typemaster/leaderboard/internal/anticheat"
	"github.com/typemaster/leaderboard/internal/batch"
	"github.com/typemaster/leaderboard/internal/cache"
	"github.com/typemaster/leaderboard/internal/config"
	"github.com/typemaster/leaderboard/internal/eventstream"
	"github.com/typemaster/leaderboard/internal/eventstream/redisstream"
	"github.com/typemaster/leaderboard/internal/jobqueue"
	"github.com/typemaster/leaderboard/internal/logging"
	"github.com/typemaster/leaderboard/internal/metrics"
	"github.com/typemaster/leaderboard/internal/model"
	"github.com/typemaster/leaderboard/internal/pubsub"
	"github.com/typemaster/leaderboard/internal/race"
	"github.com/typemaster/leaderboard/internal/racecache"
	"github.com/typemaster/leaderboard/internal/ratelimit"
	"github.com/typemaster/leaderboard/internal/refresh"
	"github.com/typemaster/leaderboard/internal/registry"
	"github.com/typemaster/leaderboard/internal/storage"
	"github.com/typemaster/leaderboard/internal/storage/postgres"
	"github.com/typemaster/leaderboard/internal/wsqueue"
	"github.com/typemaster/leaderboard/internal/wsservice"
	"github.com/typemaster/leaderboard/storage/postgres/migrations"
)

// application holds every collaborator the HTTP router dispatches to.
type application struct {
	cfg *config.Config
	log *logging.Logger

	metrics     *metrics.Metrics
	store       storage.Store
	tieredCache *cache.Tiered
	antiCheat   *anticheat.Validator
	stream      eventstream.Stream
	wsServer    *wsservice.Server
	coordinator *race.Coordinator
	botManager  *race.BotManager
	jobs        jobqueue.Queue

	logger *logging.Logger
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Server.ServerID == "" {
		cfg.Server.ServerID = fmt.Sprintf("leaderboard-%d", os.Getpid())
	}

	logger := logging.New("leaderboardserver", cfg.Logging.Level, cfg.Logging.Format)
	m := metrics.New("leaderboardserver")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := sql.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		logger.WithError(err).Fatal("open database")
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetime) * time.Second)
	defer db.Close()

	if err := migrations.Apply(db); err != nil {
		logger.WithError(err).Fatal("apply database migrations")
	}

	store := postgres.New(db)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.WithError(err).Fatal("connect to redis")
	}
	defer redisClient.Close()

	localCache := cache.NewLRU(cache.LRUConfig{
		MaxEntries:     cfg.Cache.LocalMaxEntries,
		MaxBytes:       int64(cfg.Cache.LocalMaxMemoryMB) * 1024 * 1024,
		LeaderboardTTL: config.Ms(cfg.Cache.LeaderboardTTLMs),
		RatingTTL:      config.Ms(cfg.Cache.RatingTTLMs),
		AroundMeTTL:    config.Ms(cfg.Cache.AroundMeTTLMs),
	})
	distributedCache := cache.NewDistributed(redisClient, cache.DistributedConfig{
		TopNTTL:     config.Ms(cfg.Cache.DistributedTopNTTLMs),
		SnapshotTTL: config.Ms(cfg.Cache.SnapshotTTLMs),
		AroundMeTTL: config.Ms(cfg.Cache.AroundMeTTLMs),
	})
	tieredCache := cache.NewTiered(localCache, distributedCache, store)

	bus := pubsub.New(redisClient)

	stream, err := redisstream.New(redisClient, redisstream.Config{
		ConsumerName: cfg.Server.ServerID,
		Batcher: eventstream.BatcherConfig{
			Window:  config.Ms(cfg.Batch.WindowMs),
			MaxSize: cfg.Batch.MaxSize,
		},
	}, logger)
	if err != nil {
		logger.WithError(err).Fatal("start event stream")
	}

	allViews := materializedViews()
	refreshFn := func(ctx context.Context, mode model.LeaderboardMode, timeframe model.Timeframe, language string) error {
		return tieredCache.InvalidatePartition(ctx, mode, timeframe, language)
	}
	refreshScheduler := refresh.New(refresh.DefaultConfig(), refreshFn, m, logger.WithFields(map[string]interface{}{"component": "refresh"}), allViews)
	if err := refreshScheduler.Start(ctx); err != nil {
		logger.WithError(err).Fatal("start refresh scheduler")
	}
	defer refreshScheduler.Stop()

	batchProcessor := batch.New(batch.DefaultConfig(), tieredCache, store, batchPublisher{bus}, refreshScheduler, m)
	stream.OnBatch(batchProcessor.HandleBatch)

	conReg := registry.New(redisClient)

	wsServer := wsservice.New(wsservice.Config{
		ServerID:          cfg.Server.ServerID,
		MaxMessageBytes:   int64(cfg.WebSocket.MaxMessageBytes),
		HeartbeatInterval: config.Ms(cfg.WebSocket.HeartbeatIntervalMs),
		HeartbeatTimeout:  config.Ms(cfg.WebSocket.HeartbeatTimeoutMs),
		RateLimit:         ratelimitConfigFrom(cfg),
		Queue:             wsQueueConfigFrom(cfg),
	}, conReg, bus, m, logger)
	wsServer.Run(ctx, pubsub.TerminateChannel(cfg.Server.ServerID))

	raceCache := racecache.New(redisClient)

	redisJobQueue := jobqueue.New(redisClient, store, m, logger)
	jobs := jobqueue.NewFallback(redisJobQueue, logger)
	jobs.Register(jobqueue.QueueRaceCompletion, func(ctx context.Context, payload []byte) error {
		return handleRaceCompletion(ctx, payload)
	})
	jobs.Register(jobqueue.QueueLeaderboardUpdate, func(ctx context.Context, payload []byte) error { return nil })
	jobs.Register(jobqueue.QueueAchievementCheck, func(ctx context.Context, payload []byte) error { return nil })

	coordinator := race.New(raceCache, store, bus, jobqueue.CompletionSubmitter{Queue: jobs}, m, logger)
	coordinator.RunProgressFlusher(ctx)

	botManager := race.NewBotManager(coordinator, logger)

	app := &application{
		cfg:         cfg,
		log:         logger,
		logger:      logger,
		metrics:     m,
		store:       store,
		tieredCache: tieredCache,
		antiCheat:   anticheat.New(),
		stream:      stream,
		wsServer:    wsServer,
		coordinator: coordinator,
		botManager:  botManager,
		jobs:        jobs,
	}

	router := newRouter(app)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{Addr: addr, Handler: router}

	go func() {
		logger.WithFields(map[string]interface{}{"addr": addr}).Info("leaderboard server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("http server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = httpServer.Shutdown(shutdownCtx)
	_ = stream.Shutdown(shutdownCtx)
	redisJobQueue.Shutdown()
}

// handleRaceCompletion is the default RaceCompletion job handler: it
// accepts the job and returns nil without reading the payload. Persisting
// achievements and rating deltas is out of this module's scope.
func handleRaceCompletion(ctx context.Context, payload []byte) error {
	_ = ctx
	_ = payload
	return nil
}

// scheduleBotFill starts the countdown-fill goroutine for a freshly created
// race: per spec §5.12/§9, bot participants only join a waiting room that
// still lacks enough humans as the race nears its countdown.
func (app *application) scheduleBotFill(raceID string) {
	go func() {
		time.Sleep(botFillDelay)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := app.botManager.EnsureFilled(ctx, raceID, minRaceParticipants); err != nil {
			app.log.WithError(err).Warn("bot fill failed")
		}
	}()
}

const (
	botFillDelay        = 8 * time.Second
	minRaceParticipants = 2
)

func ratelimitConfigFrom(cfg *config.Config) ratelimit.Config {
	return ratelimit.Config{
		MaxConnectionsPerIP:    cfg.WebSocket.MaxConnectionsPerIP,
		MaxConnectionsInWindow: cfg.WebSocket.MaxConnectionsInWindow,
		Window:                 config.Ms(cfg.WebSocket.RateLimitWindowMs),
	}
}

func wsQueueConfigFrom(cfg *config.Config) wsqueue.Config {
	return wsqueue.Config{
		MaxQueuePerClient: cfg.WebSocket.MaxQueuePerClient,
		DrainInterval:     config.Ms(cfg.WebSocket.DrainIntervalMs),
		DrainBatchSize:    cfg.WebSocket.DrainBatchSize,
	}
}

func materializedViews() []refresh.ViewKey {
	modes := []model.LeaderboardMode{model.ModeGlobal, model.ModeCode, model.ModeStress, model.ModeDictation, model.ModeRating, model.ModeBook}
	timeframes := []model.Timeframe{model.TimeframeDaily, model.TimeframeWeekly, model.TimeframeMonthly, model.TimeframeAll}
	languages := []string{"en"}

	var views []refresh.ViewKey
	for _, mode := range modes {
		for _, tf := range timeframes {
			for _, lang := range languages {
				views = append(views, refresh.NewViewKey(mode, tf, lang))
			}
		}
	}
	return views
}

// batchPublisher adapts pubsub.Bus to batch.Publisher.
type batchPublisher struct {
	bus *pubsub.Bus
}

func (p batchPublisher) PublishDelta(ctx context.Context, delta model.Delta) error {
	return p.bus.PublishDelta(ctx, delta)
}
