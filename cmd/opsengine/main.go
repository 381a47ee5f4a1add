package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cryptoops/config"
	"cryptoops/internal/alerts"
	"cryptoops/internal/events"
	"cryptoops/internal/execution"
	"cryptoops/internal/gateway"
	"cryptoops/internal/indicator"
	"cryptoops/internal/ingest"
	"cryptoops/internal/lifecycle"
	"cryptoops/internal/logger"
	"cryptoops/internal/marketdata/binance"
	"cryptoops/internal/marketdata/bus"
	"cryptoops/internal/metrics"
	"cryptoops/internal/model"
	"cryptoops/internal/notification"
	"cryptoops/internal/session"
	"cryptoops/internal/store/archive"
	storeredis "cryptoops/internal/store/redis"
	"cryptoops/internal/strategy"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	cfg := config.Load()
	logger.Init("opsengine", logger.ParseLevel(cfg.LogLevel))
	log.Printf("[opsengine] starting (env=%s interval=%s)", cfg.Env, cfg.CandleInterval)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	prom := metrics.NewMetrics()
	health := metrics.NewHealthStatus()

	// ---- Redis (required) ----
	rdb, err := storeredis.Connect(storeredis.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		log.Fatalf("[opsengine] redis init failed: %v", err)
	}
	defer rdb.Close()

	// ---- SQL archive (optional: warm-up and trade journal) ----
	var (
		candleArchive model.CandleArchive
		journal       model.TradeJournal
		archivePing   metrics.Pinger
	)
	arch, err := archive.Open(cfg.ArchiveDSN)
	if err != nil {
		log.Printf("[opsengine] WARNING: archive init failed: %v (continuing without warm-up and journal)", err)
	} else {
		defer arch.Close()
		candleArchive, journal, archivePing = arch, arch, arch.DB()
	}
	health.StartLivenessChecker(ctx, rdb, archivePing, 10*time.Second)

	// ---- Stores ----
	candles := storeredis.NewCandleStore(rdb)
	writer := storeredis.NewCandleWriter(candles, storeredis.WriterConfig{MaxFailures: 5})
	writer.OnRetry = func() { prom.StoreRetries.Inc() }
	writer.OnPending = func(_ string, replaced bool) {
		if replaced {
			prom.PendingReplaced.Inc()
		}
		prom.PendingCandles.Set(float64(writer.PendingCount()))
	}
	writer.OnFlush = func(string) { prom.PendingCandles.Set(float64(writer.PendingCount())) }
	writer.OnBreakerChange = func(to storeredis.State) { prom.BreakerState.Set(float64(to)) }

	prices := storeredis.NewPriceCache(rdb)
	positions := storeredis.NewPositionStore(rdb)
	ledger := storeredis.NewLedger(rdb)

	// ---- Events: in-process observers + Redis pub/sub for other processes ----
	eventBus := events.NewBus(64)
	eventBus.OnDrop = func(string) { prom.EventDrops.Inc() }
	publisher := events.Tee{eventBus, storeredis.NewEventPublisher(rdb)}

	// ---- Notifications ----
	backends := notification.Multi{notification.NewLogNotifier()}
	if cfg.TelegramToken != "" && cfg.TelegramChatID != "" {
		backends = append(backends, notification.NewTelegramNotifier(cfg.TelegramToken, cfg.TelegramChatID))
	}
	if cfg.WebhookURL != "" {
		backends = append(backends, notification.NewWebhookNotifier(cfg.WebhookURL))
	}
	notifier := notification.NewAsync(backends, 256)
	notifier.OnDrop = func(notification.Alert) { prom.NotifyDropped.Inc() }
	notifier.OnError = func(notification.Alert, error) { prom.NotifyFailures.Inc() }
	go notifier.Run(ctx)
	log.Printf("[opsengine] notifications: %d backends", len(backends))

	// ---- Order execution ----
	var exec execution.Executor
	if cfg.Production() {
		exec = execution.NewBinanceExecutor(
			execution.NewClient(cfg.BinanceAPIKey, cfg.BinanceSecretKey),
			execution.Sizing{BalancePct: cfg.EntryBalancePct},
		)
		log.Printf("[opsengine] *** PRODUCTION: live Binance orders (%s of free balance) ***", cfg.EntryBalancePct)
	} else {
		exec = execution.NewPaperExecutor(prices, cfg.EntryQuote, cfg.PaperSlippage)
		log.Printf("[opsengine] paper trading, %s quote per entry", cfg.EntryQuote)
	}

	// ---- Position lifecycle ----
	fx := &lifecycle.Effects{
		Positions: positions,
		Ledger:    ledger,
		Journal:   journal,
		Notifier:  notifier,
		Events:    publisher,
	}
	locks := lifecycle.NewKeyLock()

	evaluator := lifecycle.NewEvaluator(fx, exec, prices, locks, lifecycle.EvaluatorConfig{})
	evaluator.OnClosed = func(_ string, op model.Operation) { prom.Closes.WithLabelValues(string(op)).Inc() }
	evaluator.OnOrderFailed = func(op model.Operation) { prom.OrderFailures.WithLabelValues(string(op)).Inc() }

	monitors := lifecycle.NewMonitors(evaluator, cfg.MonitorInterval)
	monitors.OnChange = func(n int) {
		prom.OpenPositions.Set(float64(n))
		health.SetOpenPositions(n)
	}

	activator := lifecycle.NewActivator(fx, exec, strategy.NewDefaultGate(), locks, monitors, lifecycle.ActivatorConfig{
		TakeProfitPct: cfg.TakeProfitPct,
		StopLossPct:   cfg.StopLossPct,
	})
	activator.OnActivated = func(symbol string) { prom.Activations.WithLabelValues(symbol).Inc() }
	activator.OnOrderFailed = func(op model.Operation) { prom.OrderFailures.WithLabelValues(string(op)).Inc() }

	// ---- Alerts ----
	alertEngine := alerts.NewEngine(
		storeredis.NewLimiter(rdb, cfg.AlertWindow, 1, cfg.AlertCooldown),
		storeredis.NewFlags(rdb),
		notifier,
		publisher,
		alerts.EdgeConfig{RSIOversold: cfg.RSIOversold},
	)
	alertEngine.OnAlert = func(kind notification.Kind) { prom.Alerts.WithLabelValues(string(kind)).Inc() }

	// ---- Market data: exchange stream -> processor -> fan-out ----
	engine := indicator.NewEngine(indicator.Config{
		RSIPeriod: 14,
		EMASpans:  cfg.ParseSpans(),
		BBWindow:  20,
		BBK:       2,
	})
	proc := ingest.NewProcessor(candles, writer, prices, candleArchive, engine, ingest.Config{
		Interval:      cfg.CandleInterval,
		WarmupCandles: cfg.WarmupCandles,
		SeedCandles:   cfg.SeedCandles,
	})
	proc.OnTick = func(symbol string) {
		prom.TicksTotal.WithLabelValues(symbol).Inc()
		health.SetLastTickTime(time.Now())
	}
	proc.OnCandle = func(symbol string) { prom.CandlesTotal.WithLabelValues(symbol).Inc() }
	proc.OnDuplicate = func(symbol string) { prom.DuplicateCandles.WithLabelValues(symbol).Inc() }
	proc.OnIndicators = func(d time.Duration) { prom.IndicatorDur.Observe(d.Seconds()) }

	streamer := binance.NewStreamer(binance.Config{})
	streamer.OnReconnect = func(symbol string) { prom.StreamReconnects.WithLabelValues(symbol).Inc() }
	streamer.OnError = func(symbol string, _ error) {
		prom.StreamErrors.WithLabelValues(symbol).Inc()
		health.SetStreamConnected(false)
	}

	var fan *bus.FanOut
	fan = bus.New(ctx, proc.Feed(streamer, func(symbol, interval string, ev model.TickEvent) {
		fan.Publish(symbol, interval, ev)
	}), 0)
	fan.OnDrop = func(symbol string) { prom.FanoutDrops.WithLabelValues(symbol).Inc() }
	fan.OnFeeds = func(n int) { prom.Feeds.Set(float64(n)) }

	// Symbols ingested even without a connected session.
	for _, symbol := range cfg.ParseSymbols() {
		sub := fan.Subscribe(symbol, cfg.CandleInterval)
		go drain(ctx, sub)
		log.Printf("[opsengine] ingesting %s@%s", symbol, cfg.CandleInterval)
	}
	if len(cfg.ParseSymbols()) > 0 {
		health.RequireStream()
	}
	go reportBacklog(ctx, fan, prom)

	// ---- Sessions + gateway ----
	registry := session.NewRegistry(session.Deps{
		Feeds:     fan,
		Positions: positions,
		Alerts:    alertEngine,
		Activator: activator,
		Monitors:  monitors,
	})
	registry.OnSessions = func(n int) {
		prom.Sessions.Set(float64(n))
		health.SetSessions(n)
	}
	registry.OnFrameDrop = func() { prom.FrameDrops.Inc() }

	srv := gateway.NewServer(ctx, gateway.Deps{
		Registry:  registry,
		Positions: positions,
		Ledger:    ledger,
		Events:    eventBus,
		Metrics:   prom.Handler(),
		Health:    health,
	})
	srv.OnRequest = prom.ObserveRequest
	srv.OnPush = func(d time.Duration) { prom.PushLatency.Observe(d.Seconds()) }
	srv.OnSendDrop = func(t string) { prom.SendDrops.WithLabelValues(t).Inc() }
	srv.Hub().OnClients = func(n int) { prom.WSClients.Set(float64(n)) }
	srv.Start(cfg.HTTPAddr)

	// Monitors for positions left OPEN by a previous run.
	if n, err := monitors.RestoreOpen(ctx, positions); err != nil {
		log.Printf("[opsengine] WARNING: restore open positions: %v", err)
	} else {
		log.Printf("[opsengine] %d open positions resumed", n)
	}

	log.Println("[opsengine] ready")
	sig := <-sigCh
	log.Printf("[opsengine] received %v, shutting down...", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	srv.Stop(shutdownCtx)
	registry.Close()
	cancel()
	monitors.Wait()
	fan.Wait()
	writer.FlushAll(shutdownCtx)

	select {
	case <-notifier.Done():
	case <-shutdownCtx.Done():
		log.Println("[opsengine] notification queue not drained before timeout")
	}
	log.Println("[opsengine] stopped")
}

// drain keeps a feed alive for a symbol nobody is watching.
func drain(ctx context.Context, sub *bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Closed():
		case <-sub.Ticks():
		}
	}
}

func reportBacklog(ctx context.Context, fan *bus.FanOut, prom *metrics.Metrics) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prom.ClosedBacklog.Reset()
			for _, s := range fan.ChannelStats() {
				prom.ClosedBacklog.WithLabelValues(s.Feed).Add(float64(s.Len))
			}
		}
	}
}
