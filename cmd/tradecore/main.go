package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meridianex/tradecore/internal/api"
	"github.com/meridianex/tradecore/internal/config"
	"github.com/meridianex/tradecore/internal/core/model"
	"github.com/meridianex/tradecore/internal/execution"
	"github.com/meridianex/tradecore/internal/marketdata"
	"github.com/meridianex/tradecore/internal/persistence"
	"github.com/meridianex/tradecore/internal/risk"
	"github.com/meridianex/tradecore/internal/trading"
	"github.com/meridianex/tradecore/internal/ws"
	"github.com/meridianex/tradecore/pkg/logger"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("TRADECORE_CONFIG_PATH"))
	if err != nil {
		panic("load config: " + err.Error())
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		panic("init logger: " + err.Error())
	}
	defer log.Sync()

	repo, err := buildRepository(log, cfg)
	if err != nil {
		log.Fatal("init repository", zap.Error(err))
	}

	wsHub := ws.NewHub(logger.Named(log, "ws"), cfg.Websocket.QueueSize)
	wsServer := ws.NewServer(logger.Named(log, "ws"), wsHub)

	mdHub := marketdata.NewHub(logger.Named(log, "marketdata"), wsHub)
	riskEngine := risk.NewEngine(logger.Named(log, "risk"), mdHub, repo)
	riskEngine.SetDefaults(model.RiskLimit{
		Scope:              model.LimitScopeAccount,
		MaxPositionSize:    parseDecimal(log, "risk.default_max_position_size", cfg.Risk.DefaultMaxPositionSize),
		MaxOrderNotional:   parseDecimal(log, "risk.default_max_order_notional", cfg.Risk.DefaultMaxOrderNotional),
		MaxAccountExposure: parseDecimal(log, "risk.default_max_account_exposure", cfg.Risk.DefaultMaxAccountExposure),
	})

	var venue execution.Venue
	var simVenue *execution.SimVenue
	switch cfg.Venue.Mode {
	case "sim":
		simVenue = execution.NewSimVenue(logger.Named(log, "venue"), mdHub, cfg.Venue.SimLatency)
		venue = simVenue
	default:
		log.Fatal("unsupported venue mode", zap.String("mode", cfg.Venue.Mode))
	}

	var mirror marketdata.PubSubBackend
	switch {
	case cfg.Kafka.Enabled:
		mirror = marketdata.NewKafkaPubSub(logger.Named(log, "kafka"), cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.GroupID)
	case cfg.Redis.Enabled:
		mirror = marketdata.NewRedisPubSub(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	}
	if mirror != nil {
		defer mirror.Close()
	}

	svc := trading.NewService(
		logger.Named(log, "trading"),
		repo, riskEngine, mdHub, venue, wsHub, mirror,
		cfg.Venue.AckTimeout,
	)
	if simVenue != nil {
		simVenue.Bind(svc.Router())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if mirror != nil {
		if err := mdHub.AttachMirror(ctx, mirror); err != nil {
			log.Error("attach market data mirror", zap.Error(err))
		}
	}
	go runFeed(ctx, log, cfg, mdHub)

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      api.NewRouter(logger.Named(log, "api"), svc, wsServer),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info("server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown incomplete", zap.Error(err))
	}
}

func parseDecimal(log *zap.Logger, key, raw string) decimal.Decimal {
	if raw == "" {
		return decimal.Zero
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		log.Fatal("invalid decimal config value", zap.String("key", key), zap.String("value", raw))
	}
	return v
}

func buildRepository(log *zap.Logger, cfg *config.Config) (model.Repository, error) {
	if cfg.Database.DSN == "" {
		log.Warn("no database configured, using in-memory repository")
		return persistence.NewMemory(), nil
	}
	db, err := persistence.NewPostgres(cfg.Database.DSN,
		cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime)
	if err != nil {
		return nil, err
	}
	return persistence.NewStore(logger.Named(log, "persistence"), db)
}

func runFeed(ctx context.Context, log *zap.Logger, cfg *config.Config, hub *marketdata.Hub) {
	var feed marketdata.Feed
	switch cfg.MarketData.Feed {
	case "ws":
		feed = marketdata.NewWSFeed(logger.Named(log, "feed"), hub, cfg.MarketData.URL, cfg.MarketData.Instruments)
	default:
		starts := make(map[string]float64, len(cfg.MarketData.Instruments))
		for i, ins := range cfg.MarketData.Instruments {
			starts[ins] = 100 * float64(i+1)
		}
		feed = marketdata.NewSimFeed(logger.Named(log, "feed"), hub, starts, cfg.MarketData.SimInterval)
	}
	if err := feed.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("price feed stopped", zap.Error(err))
	}
}
