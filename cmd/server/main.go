package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/richardliu001/settlement-service/internal/callback"
	"github.com/richardliu001/settlement-service/internal/catalog"
	"github.com/richardliu001/settlement-service/internal/config"
	"github.com/richardliu001/settlement-service/internal/database"
	"github.com/richardliu001/settlement-service/internal/logger"
	"github.com/richardliu001/settlement-service/internal/metrics"
	"github.com/richardliu001/settlement-service/internal/model"
	"github.com/richardliu001/settlement-service/internal/repo"
	"github.com/richardliu001/settlement-service/internal/service"
	"github.com/richardliu001/settlement-service/internal/settings"
	httptransport "github.com/richardliu001/settlement-service/internal/transport/http"
)

func main() {
	cfgPath := flag.String("config", "internal/config/config.yaml", "path to config file")
	flag.Parse()

	// 1. load config
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	// 2. init logger
	log, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	decimal.MarshalJSONWithoutQuotes = true

	// 3. postgres
	gdb, err := database.Open(cfg.Postgres, log)
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	if err := database.Migrate(gdb); err != nil {
		log.Fatalf("auto-migrate: %v", err)
	}

	// 4. redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("redis ping: %v", err)
	}
	defer rdb.Close()

	// 5. metrics
	m := metrics.New(prometheus.DefaultRegisterer)

	// 6. repo & services; events are relayed by the worker, so no writer here
	repository := repo.NewRepository(gdb, nil, log, repo.Options{
		Serializable: cfg.Postgres.Serializable,
		MaxRetries:   cfg.Postgres.MaxRetries,
	})
	games := catalog.New(gdb, rdb, cfg.Redis.CatalogTTL, log)
	ledger := service.NewLedgerService(repository, games, log)
	callbacks := callback.NewRouter(callback.NewVerifier(cfg.Provider.Secret), ledger, ledger,
		cfg.Provider.Category, cfg.Provider.Currency, log).WithRecorder(m)
	rtp := settings.NewRTPController(gdb, settings.RTPDefaults{
		TargetProfitPercent: decimal.NewFromFloat(cfg.RTP.TargetProfitPercent),
		EffectiveRTP:        decimal.NewFromFloat(cfg.RTP.EffectiveRTP),
		Mode:                model.AdjustmentMode(cfg.RTP.Mode),
	}, log)
	ggr := settings.NewGGRService(gdb, nil, settings.GGRDefaults{
		FilterPercent: decimal.NewFromFloat(cfg.GGR.FilterPercent),
		Tolerance:     decimal.NewFromFloat(cfg.GGR.Tolerance),
	}, log)
	if cur, err := rtp.Current(context.Background()); err == nil {
		m.SetEffectiveRTP(cur.EffectiveRTP)
	} else {
		log.Warnw("read rtp setting", "error", err)
	}

	// 7. gin router
	gin.SetMode(gin.ReleaseMode)
	router := httptransport.NewRouter(httptransport.Deps{
		Callbacks:  callbacks,
		Ledger:     ledger,
		RTP:        rtp,
		GGR:        ggr,
		Catalog:    games,
		Metrics:    m,
		Gatherer:   prometheus.DefaultGatherer,
		AdminToken: cfg.Admin.Token,
		Log:        log,
	}, cfg.RateLimit, log)
	if cfg.Admin.Token == "" {
		log.Warn("admin.token is empty, admin API is locked")
	}

	// 8. serve
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	go func() {
		log.Infof("settlement-server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("shutdown: %v", err)
	}
}
