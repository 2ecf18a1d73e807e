package main

import (
	"context"
	"fmt"
	"log"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"trading-client/internal/events"
	"trading-client/internal/executor"
	"trading-client/internal/feed"
	"trading-client/internal/monitor"
	"trading-client/internal/position"
	"trading-client/internal/signal"
	"trading-client/internal/sizing"
	"trading-client/pkg/config"
	"trading-client/pkg/db"
	"trading-client/pkg/exchange"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("trading client stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tun, err := config.LoadTunables(cfg.TunablesPath)
	if err != nil {
		return fmt.Errorf("tunables: %w", err)
	}

	database, err := db.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer database.Close()
	if err := db.Migrate(database.DB); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	snap := db.NewStore(database.DB)

	bus := events.NewBus()

	store := position.NewStore(snap, tun.FeeRate, logger.Named("positions"))
	if err := store.Load(ctx); err != nil {
		return fmt.Errorf("restore positions: %w", err)
	}

	client, err := buildExchange(cfg, logger)
	if err != nil {
		return err
	}
	throttled := exchange.NewThrottled(client, cfg.RequestsPerSec, cfg.RequestBurst)

	logger.Info("trading client starting",
		zap.String("exchange", throttled.Name()),
		zap.Bool("dry_run", cfg.DryRun),
		zap.Bool("futures", throttled.FuturesEnabled()),
		zap.Bool("execution_enabled", cfg.ExecutionEnabled))

	// Repair restored positions against the connected venue, then adopt
	// holdings the exchange reports but the store does not know about, so
	// manual buys and crash leftovers get managed exits too.
	importCtx, importCancel := context.WithTimeout(ctx, 30*time.Second)
	store.ValidateAndFix(importCtx, throttled.Name(), tun.DefaultStopLossPct, tun.DefaultTakeProfitPct)
	store.ImportOrphans(importCtx, throttled, 10.0, tun.DefaultStopLossPct, tun.DefaultTakeProfitPct)
	importCancel()

	validator := signal.NewValidator(cfg.SignalSecret,
		time.Duration(cfg.SignalTTLSec)*time.Second, cfg.MinConfidence,
		tun, logger.Named("validator"))

	sizer := sizing.NewSizer(cfg.RiskPerTrade, cfg.MaxPositionPct, tun, logger.Named("sizer"))

	exec := executor.New(throttled, sizer, store, tun, executor.Config{
		MaxPositions:      cfg.MaxOpenPositions,
		SpotMinConfidence: cfg.SpotMinConfidence,
		PreferFutures:     cfg.PreferFutures,
		PlaceTPOnExchange: cfg.PlaceTPOnExchange,
		UseEntryDelay:     cfg.UseEntryDelay,
		EntryDelayMin:     time.Duration(cfg.EntryDelayMinSec) * time.Second,
		EntryDelayMax:     time.Duration(cfg.EntryDelayMaxSec) * time.Second,
		ExecutionEnabled:  cfg.ExecutionEnabled,
	}, bus, logger.Named("executor"))

	metrics := monitor.NewClientMetrics()

	mon := monitor.New(throttled, store, exec, tun, monitor.Config{
		Interval:        time.Duration(cfg.MonitorIntervalSec) * time.Second,
		MinHold:         time.Duration(tun.MinHoldSec) * time.Second,
		MaxHold:         time.Duration(cfg.MaxHoldHours * float64(time.Hour)),
		TrailingEnabled: true,
	}, bus, metrics, logger.Named("monitor"))
	go mon.Run(ctx)

	go logMetrics(ctx, metrics, logger.Named("metrics"))

	alerter := &monitor.Alerter{
		Bus:    bus,
		Sink:   monitor.LogSink{Logger: logger.Named("alerts")},
		Logger: logger.Named("alerts"),
	}
	alerter.Start(ctx)

	signals := feed.New(cfg.FeedURL, logger.Named("feed")).Run(ctx)

	go func() {
		sigChan := make(chan os.Signal, 1)
		ossignal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan
		logger.Info("shutdown requested")
		cancel()
	}()

	paper, _ := client.(*exchange.Paper)
	for sig := range signals {
		timer := monitor.NewTimer(metrics.SignalLatency)
		metrics.IncrementSignals()

		valid, err := validator.Validate(sig)
		if err != nil {
			logger.Info("signal rejected",
				zap.String("signal", sig.String()),
				zap.Error(err))
			bus.Publish(events.EventSignalRejected, events.SignalEvent{
				SignalID: sig.ID, Pair: sig.Pair, Side: sig.Side,
				Reason: err.Error(), At: time.Now().UTC(),
			})
			timer.Stop()
			continue
		}
		bus.Publish(events.EventSignalAccepted, events.SignalEvent{
			SignalID: valid.ID, Pair: valid.Pair, Side: valid.Side,
			At: time.Now().UTC(),
		})

		if paper != nil && valid.EntryPrice > 0 {
			// The paper venue has no market data of its own; the signal's
			// entry price stands in for the tape.
			paper.SetPrice(valid.Symbol(), valid.EntryPrice)
		}

		execCtx, execCancel := context.WithTimeout(ctx, 2*time.Minute)
		orderStart := time.Now()
		res, err := exec.ExecuteSignal(execCtx, valid)
		execCancel()
		timer.Stop()

		switch {
		case err != nil:
			metrics.IncrementErrors()
			logger.Error("signal execution failed",
				zap.String("signal", valid.String()),
				zap.Error(err))
		case res.Success:
			metrics.IncrementOrders()
			if res.OrderID != "" {
				metrics.OrderLatency.RecordDuration(time.Since(orderStart))
			}
			logger.Info("signal executed",
				zap.String("action", res.Action),
				zap.String("pair", res.Pair),
				zap.String("market", res.Market),
				zap.Float64("quantity", res.Quantity),
				zap.Float64("fill", res.FillPrice),
				zap.Float64("value", res.ValueUSDT))
		default:
			logger.Info("signal skipped",
				zap.String("pair", valid.Symbol()),
				zap.String("code", res.Code),
				zap.String("reason", res.Reason))
		}
	}

	logger.Info("signal feed closed, exiting",
		zap.Int("open_positions", store.Count()))
	return nil
}

// logMetrics periodically logs a processing-performance snapshot.
func logMetrics(ctx context.Context, metrics *monitor.ClientMetrics, logger *zap.Logger) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := metrics.GetSnapshot()
			logger.Info("client metrics",
				zap.Uint64("signals", snap.SignalsProcessed),
				zap.Uint64("orders", snap.OrdersExecuted),
				zap.Uint64("exits", snap.ExitsExecuted),
				zap.Uint64("errors", snap.ErrorsCount),
				zap.Float64("signal_p95_ms", snap.SignalLatency.P95),
				zap.Float64("order_p95_ms", snap.OrderLatency.P95),
				zap.Float64("check_p95_ms", snap.CheckLatency.P95),
				zap.Int("goroutines", snap.GoroutineCount),
				zap.Duration("uptime", snap.Uptime))
		}
	}
}

// buildExchange selects the trading venue. Dry-run wires the in-memory paper
// venue; live trading needs a venue adapter implementing exchange.Client.
func buildExchange(cfg *config.Config, logger *zap.Logger) (exchange.Client, error) {
	if cfg.DryRun {
		paper := exchange.NewPaper(cfg.ExchangeName+"-paper", cfg.DryRunInitialBalance, cfg.EnableFutures)
		paper.SetFeeRate(cfg.DryRunFeeRate)
		paper.SetSlippageBps(cfg.DryRunSlippageBps)
		logger.Info("paper trading enabled",
			zap.Float64("balance", cfg.DryRunInitialBalance),
			zap.Float64("fee_rate", cfg.DryRunFeeRate))
		return paper, nil
	}
	return nil, fmt.Errorf("no live adapter for exchange %q; set DRY_RUN=true or wire a venue client", cfg.ExchangeName)
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zcfg.Build()
}
