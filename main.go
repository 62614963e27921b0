package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"chartflow/config"
	"chartflow/internal/backfill"
	"chartflow/internal/cache"
	"chartflow/internal/channel"
	"chartflow/internal/connector"
	"chartflow/internal/metrics"
	"chartflow/internal/pipeline"
	"chartflow/logger"
	"chartflow/models"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Chartflow.Name,
		"version": cfg.Chartflow.Version,
	}).Info("starting chartflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics.ConfigureFeatures(cfg.Metrics.ChannelSize, cfg.Metrics.UsedWeight)
	if cfg.Metrics.Enabled {
		metrics.InitCloudWatch(cfg.Metrics.Region, cfg.Metrics.Namespace)
	}

	channels := channel.NewChannels(cfg.Channels.EventBuffer, cfg.Channels.GapBuffer)
	defer channels.Close()

	go channels.StartMetricsReporting(ctx, 30*time.Second)

	store, err := cache.Open(cfg.Cache.Dir, cfg.Cache.MaxSizeMB)
	if err != nil {
		log.WithError(err).Error("failed to open trade cache")
		os.Exit(1)
	}

	connectors := buildConnectors(cfg, channels)
	if len(connectors) == 0 {
		log.Error("no venues enabled in configuration")
		os.Exit(1)
	}

	coordinator := backfill.NewCoordinator(store, channels, connectors, cfg.Backfill)
	if err := coordinator.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start backfill coordinator")
		os.Exit(1)
	}
	defer coordinator.Stop()

	flow := pipeline.New(cfg, channels, store, connectors, coordinator)
	if err := flow.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start pipeline")
		os.Exit(1)
	}
	defer flow.Stop()

	for _, conn := range connectors {
		startConnector(ctx, cfg, conn, flow)
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("shutdown signal received")
	cancel()
	for _, conn := range connectors {
		conn.Disconnect()
	}
	log.Info("chartflow stopped")
}

func buildConnectors(cfg *config.Config, channels *channel.Channels) []connector.Connector {
	var out []connector.Connector

	if cfg.Source.Binance.Linear.Enabled {
		out = append(out, connector.NewBinanceConnector(models.MarketTypeLinear, cfg.Source.Binance.Linear, cfg.RateLimit.Binance, channels))
	}
	if cfg.Source.Binance.Spot.Enabled {
		out = append(out, connector.NewBinanceConnector(models.MarketTypeSpot, cfg.Source.Binance.Spot, cfg.RateLimit.Binance, channels))
	}
	if cfg.Source.Bybit.Linear.Enabled {
		out = append(out, connector.NewBybitConnector(models.MarketTypeLinear, cfg.Source.Bybit.Linear, cfg.RateLimit.Bybit, channels))
	}
	if cfg.Source.Bybit.Spot.Enabled {
		out = append(out, connector.NewBybitConnector(models.MarketTypeSpot, cfg.Source.Bybit.Spot, cfg.RateLimit.Bybit, channels))
	}
	return out
}

// startConnector resolves the venue's configured symbols, opens the
// live streams and attaches a one-minute bar subscription per
// instrument so closed candles surface in the logs.
func startConnector(ctx context.Context, cfg *config.Config, conn connector.Connector, flow *pipeline.Pipeline) {
	log := logger.GetLogger().WithComponent("main").WithFields(logger.Fields{
		"exchange": string(conn.Exchange()),
		"market":   string(conn.Market()),
	})

	venue := venueConfig(cfg, conn)

	resolveCtx, cancelResolve := context.WithTimeout(ctx, 30*time.Second)
	defer cancelResolve()

	instruments := make([]models.Instrument, 0, len(venue.Symbols))
	for _, symbol := range venue.Symbols {
		inst, err := conn.ResolveInstrument(resolveCtx, symbol)
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{"symbol": symbol}).Warn("failed to resolve instrument")
			continue
		}
		instruments = append(instruments, inst)
	}
	if len(instruments) == 0 {
		log.Warn("no instruments resolved, venue skipped")
		return
	}

	if err := conn.Connect(ctx, instruments); err != nil {
		log.WithError(err).Error("failed to connect venue streams")
		return
	}

	for _, inst := range instruments {
		sub, err := flow.Subscribe(inst, models.Interval{Timeframe: models.Timeframe1m})
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{"symbol": inst.Symbol}).Warn("bar subscription failed")
			continue
		}
		go logClosedBars(inst, sub)
	}
}

func venueConfig(cfg *config.Config, conn connector.Connector) config.VenueConfig {
	switch {
	case conn.Exchange() == models.ExchangeBinance && conn.Market() == models.MarketTypeSpot:
		return cfg.Source.Binance.Spot
	case conn.Exchange() == models.ExchangeBinance:
		return cfg.Source.Binance.Linear
	case conn.Market() == models.MarketTypeSpot:
		return cfg.Source.Bybit.Spot
	default:
		return cfg.Source.Bybit.Linear
	}
}

func logClosedBars(inst models.Instrument, sub *pipeline.Subscription) {
	log := logger.GetLogger().WithComponent("bars").WithFields(logger.Fields{
		"exchange": string(inst.Exchange),
		"market":   string(inst.Market),
		"symbol":   inst.Symbol,
	})
	for update := range sub.Updates {
		if !update.Bar.Closed {
			continue
		}
		log.WithFields(logger.Fields{
			"open_time": update.Bar.OpenTime,
			"open":      update.Bar.Open,
			"high":      update.Bar.High,
			"low":       update.Bar.Low,
			"close":     update.Bar.Close,
			"volume":    update.Bar.Volume(),
			"trades":    update.Bar.TradeCount,
		}).Info("bar closed")
	}
}
