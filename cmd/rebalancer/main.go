// Binary rebalancer trades one market towards the fraction chosen by the configured signal on a cron schedule.
package main

import (
	"context"
	"flag"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"statemax-go/internal/clock"
	"statemax-go/internal/config"
	"statemax-go/internal/controller"
	"statemax-go/internal/exchange"
	"statemax-go/internal/execution"
	"statemax-go/internal/kline"
	"statemax-go/internal/metrics"
	"statemax-go/internal/paper"
	"statemax-go/internal/store"
	"statemax-go/internal/strategy"
	"statemax-go/internal/util"
)

func main() {
	configPath := flag.String("config", "configs/rebalancer.yaml", "path to the YAML config")
	envFile := flag.String("env", "", "optional env file holding API credentials")
	once := flag.Bool("once", false, "run a single tick and exit")
	flag.Parse()

	boot := util.NewLogger("info")
	cfg, err := config.Load(*configPath)
	if err != nil {
		boot.Fatal().Err(err).Msg("load config")
	}
	log := util.NewLogger(cfg.App.LogLevel, util.WithConsole(cfg.App.Console)).
		With().Str("app", cfg.App.Name).Logger()

	if cfg.App.MetricsAddr != "" {
		_ = metrics.Serve(cfg.App.MetricsAddr)
		log.Info().Str("addr", cfg.App.MetricsAddr).Msg("metrics up")
	}

	ctx, cancel := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	tf, err := kline.ParseTimeframe(cfg.Exchange.Timeframe)
	if err != nil {
		log.Fatal().Err(err).Msg("timeframe")
	}
	venue, err := openVenue(cfg, *envFile, tf, log)
	if err != nil {
		log.Fatal().Err(err).Msg("open exchange")
	}

	backend, err := store.Open(cfg.Store.Driver, cfg.Store.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("open state store")
	}
	defer backend.Close()

	cache := kline.NewCache(venue, cfg.Exchange.Symbol, tf, clock.System{}, log, kline.Options{
		MaxLength: cfg.Cache.MaxLength,
		PageLimit: cfg.Cache.PageLimit,
		Fill:      cfg.Cache.Fill,
	})
	if cfg.Exchange.Stream.Enabled {
		startStream(ctx, cfg, cache, log)
	}

	root := store.New(backend, clock.System{})
	modState := root.Sub("strategy")
	sig, err := strategy.Build(cfg.Signal, modState.Sub("signal"), log)
	if err != nil {
		log.Fatal().Err(err).Msg("build signal")
	}
	reb, err := execution.New(ctx, venue, cache, sig, modState, execution.Options{
		Symbol:      cfg.Exchange.Symbol,
		Live:        cfg.Execution.Live,
		RetryDelay:  cfg.Execution.RetryDelay,
		FillTimeout: cfg.Execution.FillTimeout,
		Limits:      cfg.Execution.Risk,
	}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("build rebalancer")
	}

	ctrl := controller.New([]controller.Module{reb}, root, clock.System{}, log)
	if err := ctrl.Init(ctx); err != nil {
		log.Fatal().Err(err).Msg("init modules")
	}

	if *once {
		ctrl.HaltOnError = true
		if err := ctrl.Tick(ctx); err != nil {
			log.Fatal().Err(err).Msg("tick")
		}
		return
	}

	if d := cfg.Schedule.StartDelay; d > 0 {
		log.Info().Dur("delay", d).Msg("starting after delay")
		select {
		case <-ctx.Done():
			return
		case <-time.After(d):
		}
	}
	if err := ctrl.Start(ctx, cfg.Schedule.Cron); err != nil {
		log.Fatal().Err(err).Msg("scheduler")
	}
	log.Info().Msg("shutting down")
}

func openVenue(cfg *config.Config, envFile string, tf kline.Timeframe, log zerolog.Logger) (exchange.Exchange, error) {
	if cfg.Exchange.Name == "paper" {
		m, err := cfg.PaperMarket()
		if err != nil {
			return nil, err
		}
		var opts []paper.Option
		opts = append(opts, paper.WithLogger(log))
		if cfg.Paper.FillsPath != "" {
			rec, err := paper.NewJSONLRecorder(cfg.Paper.FillsPath, log)
			if err != nil {
				return nil, err
			}
			opts = append(opts, paper.WithRecorder(rec))
		}
		venue := paper.NewExchange(clock.System{}, tf, []exchange.Market{m}, cfg.Paper.Balances, opts...)
		if cfg.Backtest.CSV != "" {
			bars, err := kline.LoadCSV(cfg.Backtest.CSV)
			if err != nil {
				return nil, err
			}
			venue.LoadBars(cfg.Exchange.Symbol, bars)
		}
		log.Warn().Msg("paper venue: balances are simulated")
		return venue, nil
	}

	var files []string
	if envFile != "" {
		files = append(files, envFile)
	}
	creds := config.LoadCredentials(files...)
	if !creds.Complete() && cfg.Execution.Live {
		log.Warn().Msg("live trading without complete API credentials; signed calls will fail")
	}
	var opts []exchange.BinanceOption
	if cfg.Exchange.BaseURL != "" {
		opts = append(opts, exchange.WithBaseURL(cfg.Exchange.BaseURL))
	}
	return exchange.NewBinance(creds.APIKey, creds.APISecret, opts...), nil
}

func startStream(ctx context.Context, cfg *config.Config, cache *kline.Cache, log zerolog.Logger) {
	var opts []exchange.Option
	if cfg.Exchange.Stream.URL != "" {
		opts = append(opts, exchange.WithStreamURL(cfg.Exchange.Stream.URL))
	}
	feed := exchange.NewFeed(cfg.Exchange.Stream.Provider, cfg.Exchange.Timeframe, []string{cfg.Exchange.Symbol}, log, opts...)
	candles := make(chan exchange.Candle, 256)
	go func() {
		if err := feed.Run(ctx, candles); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("kline stream stopped")
		}
	}()
	go exchange.Pipe(ctx, candles, cfg.Exchange.Symbol, cache)
	log.Info().Str("provider", cfg.Exchange.Stream.Provider).Msg("kline stream up")
}
