package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"volharvester/config"
	"volharvester/internal/harvester"
	"volharvester/internal/metrics"
	redisstore "volharvester/internal/store/redis"
	sqlitestore "volharvester/internal/store/sqlite"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[harvester] starting...")

	cfg := config.Load()

	// ---- Metrics & health ----
	prom := metrics.New()
	health := metrics.NewHealthStatus()
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	// ---- Graceful shutdown ----
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[harvester] signal %s received, shutting down", sig)
		cancel()
	}()

	// ---- Durable store ----
	st, err := sqlitestore.Open(cfg.SQLitePath)
	if err != nil {
		log.Fatalf("[harvester] sqlite init failed: %v", err)
	}
	defer st.Close()
	health.CheckStore(ctx, st)

	// ---- Redis live view (optional) ----
	var pub *redisstore.Publisher
	if cfg.RedisAddr != "" {
		pub, err = redisstore.NewPublisher(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			log.Printf("[harvester] WARNING: redis init failed: %v (continuing without live view)", err)
			pub = nil
		}
	}
	defer pub.Close()

	var redisPinger metrics.Pinger
	if pub != nil {
		redisPinger = pub
	}
	health.StartLivenessChecker(ctx, st, redisPinger, 15*time.Second)

	// ---- Run the session ----
	svc, err := harvester.New(harvester.Deps{
		Config:    cfg,
		Store:     st,
		Publisher: pub,
		Metrics:   prom,
		Health:    health,
	})
	if err != nil {
		log.Fatalf("[harvester] init failed: %v", err)
	}

	if err := svc.Run(ctx); err != nil {
		log.Printf("[harvester] session error: %v", err)
		shutdownMetrics(metricsSrv)
		os.Exit(1)
	}

	log.Println("[harvester] done")
	shutdownMetrics(metricsSrv)
}

func shutdownMetrics(srv *metrics.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Stop(ctx)
}
