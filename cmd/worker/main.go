package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"

	"github.com/richardliu001/settlement-service/internal/config"
	"github.com/richardliu001/settlement-service/internal/database"
	"github.com/richardliu001/settlement-service/internal/jobs"
	"github.com/richardliu001/settlement-service/internal/logger"
	"github.com/richardliu001/settlement-service/internal/metrics"
	"github.com/richardliu001/settlement-service/internal/model"
	"github.com/richardliu001/settlement-service/internal/repo"
	"github.com/richardliu001/settlement-service/internal/service"
	"github.com/richardliu001/settlement-service/internal/settings"
)

func main() {
	cfgPath := flag.String("config", "internal/config/config.yaml", "path to config file")
	metricsAddr := flag.String("metrics-addr", ":9091", "address for /metrics, empty to disable")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	log, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	gdb, err := database.Open(cfg.Postgres, log)
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}

	kw := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.Topic,
		Balancer: &kafka.Hash{},
	}
	defer kw.Close()

	m := metrics.New(prometheus.DefaultRegisterer)
	repository := repo.NewRepository(gdb, kw, log, repo.Options{
		Serializable: cfg.Postgres.Serializable,
		MaxRetries:   cfg.Postgres.MaxRetries,
	})
	// reconciliation never credits a game, so no catalog
	ledger := service.NewLedgerService(repository, nil, log)
	rtp := settings.NewRTPController(gdb, settings.RTPDefaults{
		TargetProfitPercent: decimal.NewFromFloat(cfg.RTP.TargetProfitPercent),
		EffectiveRTP:        decimal.NewFromFloat(cfg.RTP.EffectiveRTP),
		Mode:                model.AdjustmentMode(cfg.RTP.Mode),
	}, log)
	ggr := settings.NewGGRService(gdb, nil, settings.GGRDefaults{
		FilterPercent: decimal.NewFromFloat(cfg.GGR.FilterPercent),
		Tolerance:     decimal.NewFromFloat(cfg.GGR.Tolerance),
	}, log)

	sched := jobs.NewScheduler(log, m)
	for _, j := range []struct {
		name, spec string
		job        jobs.Job
	}{
		{jobs.JobRTPAdjust, cfg.Jobs.RTPAdjustSpec, jobs.RTPAdjustJob(repository, rtp, cfg.Jobs.RTPPeriod, m, log)},
		{jobs.JobGGRReport, cfg.Jobs.GGRReportSpec, jobs.GGRReportJob(repository, ggr, cfg.Jobs.GGRPeriod, m, log)},
		{jobs.JobReconcile, cfg.Jobs.ReconcileSpec, jobs.ReconcileJob(repository, ledger, cfg.Jobs.ReconcilePeriod, m, log)},
	} {
		if j.spec == "" {
			log.Infow("job disabled", "job", j.name)
			continue
		}
		if err := sched.Register(j.name, j.spec, j.job); err != nil {
			log.Fatalf("register %s: %v", j.name, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	relay := jobs.NewOutboxRelay(repository, cfg.Jobs.OutboxInterval, cfg.Jobs.OutboxBatch, m, log)
	relayDone := make(chan struct{})
	go func() {
		relay.Run(ctx)
		close(relayDone)
	}()
	sched.Start()

	var metricsSrv *http.Server
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: *metricsAddr, Handler: mux, ReadTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Errorf("metrics listener: %v", err)
			}
		}()
	}
	log.Info("settlement-worker started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	cancel()
	<-relayDone
	shutdownCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
	defer stop()
	if err := sched.Stop(shutdownCtx); err != nil {
		log.Errorf("scheduler stop: %v", err)
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
}
