package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cryptoops/config"
	"cryptoops/internal/logger"
	"cryptoops/internal/metrics"
	"cryptoops/internal/store/archive"
	storeredis "cryptoops/internal/store/redis"
)

func main() {
	once := flag.Bool("once", false, "run a single archive pass and exit")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	cfg := config.Load()
	logger.Init("archiver", logger.ParseLevel(cfg.LogLevel))
	log.Println("[archiver] starting...")

	rdb, err := storeredis.Connect(storeredis.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		log.Fatalf("[archiver] redis init failed: %v", err)
	}
	defer rdb.Close()

	arch, err := archive.Open(cfg.ArchiveDSN)
	if err != nil {
		log.Fatalf("[archiver] archive init failed: %v", err)
	}
	defer arch.Close()

	migrator := archive.NewMigrator(storeredis.NewCandleStore(rdb), arch, archive.MigratorConfig{
		Interval:     cfg.ArchiveEvery,
		ArchiveAfter: cfg.ArchiveAfter,
		Retain:       cfg.RetainCandles,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *once {
		n, err := migrator.RunOnce(ctx)
		if err != nil {
			log.Fatalf("[archiver] pass failed after %d candles: %v", n, err)
		}
		log.Printf("[archiver] moved %d candles", n)
		return
	}

	prom := metrics.NewMetrics()
	migrator.OnMoved = func(symbol string, n int) { prom.ArchivedCandles.WithLabelValues(symbol).Add(float64(n)) }
	migrator.OnError = func(error) { prom.ArchiveErrorsTotal.Inc() }

	health := metrics.NewHealthStatus()
	health.RequireArchive()
	health.StartLivenessChecker(ctx, rdb, arch.DB(), 10*time.Second)
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, prom, health)
	metricsSrv.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		defer close(done)
		migrator.Run(ctx)
	}()

	sig := <-sigCh
	log.Printf("[archiver] received %v, shutting down...", sig)
	cancel()
	<-done

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	metricsSrv.Stop(shutdownCtx)
	log.Println("[archiver] stopped")
}
