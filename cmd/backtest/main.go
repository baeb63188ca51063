// Binary backtest replays a CSV of bars through the rebalancer on a simulated venue and prints the outcome.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	ossignal "os/signal"
	"syscall"

	"statemax-go/internal/config"
	"statemax-go/internal/execution"
	"statemax-go/internal/kline"
	"statemax-go/internal/paper"
	"statemax-go/internal/replay"
	"statemax-go/internal/store"
	"statemax-go/internal/util"
)

func main() {
	configPath := flag.String("config", "configs/rebalancer.yaml", "path to the YAML config")
	csvPath := flag.String("csv", "", "bar CSV (overrides backtest.csv)")
	name := flag.String("name", "backtest", "state namespace of this run")
	out := flag.String("out", "", "write the full result as JSON to this file")
	flag.Parse()

	boot := util.NewLogger("info")
	cfg, err := config.Load(*configPath)
	if err != nil {
		boot.Fatal().Err(err).Msg("load config")
	}
	log := util.NewLogger(cfg.App.LogLevel, util.WithConsole(cfg.App.Console))

	ctx, cancel := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	path := cfg.Backtest.CSV
	if *csvPath != "" {
		path = *csvPath
	}
	if path == "" {
		log.Fatal().Msg("no bar CSV given")
	}
	bars, err := kline.LoadCSV(path)
	if err != nil {
		log.Fatal().Err(err).Msg("load bars")
	}
	tf, err := kline.ParseTimeframe(cfg.Exchange.Timeframe)
	if err != nil {
		log.Fatal().Err(err).Msg("timeframe")
	}
	market, err := cfg.PaperMarket()
	if err != nil {
		log.Fatal().Err(err).Msg("market")
	}

	backend, err := store.Open(cfg.Store.Driver, cfg.Store.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("open state store")
	}
	defer backend.Close()

	opts := replay.Options{
		Market:    market,
		Timeframe: tf,
		Balances:  cfg.Paper.Balances,
		Signal:    cfg.Signal,
		Execution: execution.Options{
			// orders only fill when live, even on the simulated venue
			Live:        true,
			RetryDelay:  cfg.Execution.RetryDelay,
			FillTimeout: cfg.Execution.FillTimeout,
			Limits:      cfg.Execution.Risk,
		},
		Cache:     kline.Options{MaxLength: cfg.Cache.MaxLength, PageLimit: cfg.Cache.PageLimit, Fill: cfg.Cache.Fill},
		Start:     cfg.Backtest.Start,
		End:       cfg.Backtest.End,
		Backend:   backend,
		Namespace: *name,
	}
	if cfg.Paper.FillsPath != "" {
		rec, err := paper.NewJSONLRecorder(cfg.Paper.FillsPath, log)
		if err != nil {
			log.Fatal().Err(err).Msg("open fills file")
		}
		defer rec.Close()
		opts.Recorder = rec
	}

	res, err := replay.Run(ctx, bars, opts, log)
	if err != nil {
		log.Fatal().Err(err).Msg("backtest")
	}

	if *out != "" {
		data, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			log.Fatal().Err(err).Msg("encode result")
		}
		if err := os.WriteFile(*out, data, 0o644); err != nil {
			log.Fatal().Err(err).Msg("write result")
		}
	}
	fmt.Printf("ticks: %d\nfills: %d\nstart equity: %.2f\nend equity: %.2f\ntotal return: %.2f%%\n",
		len(res.Steps), len(res.Fills), res.StartEquity, res.EndEquity, res.TotalReturn)
}
