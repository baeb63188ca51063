package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"statemax-go/internal/config"
)

const defaultConfigPath = "configs/rebalancer.yaml"

func main() {
	reader := bufio.NewReader(os.Stdin)

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	for {
		fmt.Println("\n=== StateMax Control ===")
		fmt.Println("1) Show configuration summary")
		fmt.Println("2) Edit execution and risk knobs")
		fmt.Println("3) Edit search space")
		fmt.Println("4) Save config")
		fmt.Println("5) Run one rebalance tick")
		fmt.Println("6) Launch rebalancer")
		fmt.Println("7) Run backtest")
		fmt.Println("8) Reload config from disk")
		fmt.Println("0) Exit")
		fmt.Print("Select option: ")

		input, _ := reader.ReadString('\n')
		choice := strings.TrimSpace(input)

		switch choice {
		case "1":
			printSummary(cfg)
		case "2":
			editExecution(reader, cfg)
		case "3":
			editSearch(reader, cfg)
		case "4":
			if err := saveConfig(cfg); err != nil {
				fmt.Fprintf(os.Stderr, "save failed: %v\n", err)
			} else {
				fmt.Println("config saved")
			}
		case "5":
			launch(reader, "./cmd/rebalancer", "-once")
		case "6":
			launch(reader, "./cmd/rebalancer")
		case "7":
			launch(reader, "./cmd/backtest")
		case "8":
			reloaded, err := loadConfig()
			if err != nil {
				fmt.Fprintf(os.Stderr, "reload failed: %v\n", err)
			} else {
				cfg = reloaded
				fmt.Println("config reloaded")
			}
		case "0":
			return
		default:
			fmt.Println("unknown option")
		}
	}
}

func printSummary(cfg *config.Config) {
	s := cfg.Signal.Search
	fmt.Println("\n--- Configuration Summary ---")
	fmt.Printf("Venue: %s %s @ %s (live=%t)\n", cfg.Exchange.Name, cfg.Exchange.Symbol, cfg.Exchange.Timeframe, cfg.Execution.Live)
	fmt.Printf("Schedule: %s\n", cfg.Schedule.Cron)
	fmt.Printf("Signal: %s\n", cfg.Signal.Mode)
	fmt.Printf("Lookback: %v | forward: %v | fee_adj: %v | offset: %v\n", s.Lookback, s.ForwardLength, s.FeeAdj, s.Offset)
	fmt.Printf("Opt range: %d bars | opt freq: %d periods | optimize: %t\n", s.OptRange, s.OptFreq, s.Optimize)
	fmt.Printf("Per-trade notional cap: %.2f\n", cfg.Execution.Risk.MaxNotionalPerTrade)
	fmt.Printf("Max fraction: %.2f\n", cfg.Execution.Risk.MaxFraction)
	fmt.Printf("Fill retry delay: %s | fill timeout: %s\n", cfg.Execution.RetryDelay, cfg.Execution.FillTimeout)
	fmt.Printf("Store: %s %s\n", cfg.Store.Driver, cfg.Store.Path)
}

func editExecution(reader *bufio.Reader, cfg *config.Config) {
	fmt.Println("\n--- Edit Execution / Risk ---")
	cfg.Execution.Live = promptBool(reader, "Live trading", cfg.Execution.Live)
	cfg.Execution.Risk.MaxNotionalPerTrade = promptFloat(reader, "Max notional per trade (quote, 0 = off)", cfg.Execution.Risk.MaxNotionalPerTrade)
	cfg.Execution.Risk.MaxFraction = promptFloat(reader, "Max base fraction (0 = off)", cfg.Execution.Risk.MaxFraction)
	cfg.Execution.FillTimeout = promptDuration(reader, "Fill timeout (0 = wait)", cfg.Execution.FillTimeout)
}

func editSearch(reader *bufio.Reader, cfg *config.Config) {
	fmt.Println("\n--- Edit Search Space ---")
	s := &cfg.Signal.Search
	s.Lookback = promptInts(reader, "Lookback", s.Lookback)
	s.ForwardLength = promptInts(reader, "Forward length", s.ForwardLength)
	s.OptRange = int(promptFloat(reader, "Opt range (bars)", float64(s.OptRange)))
	s.OptFreq = int(promptFloat(reader, "Opt freq (periods)", float64(s.OptFreq)))
	s.Optimize = promptBool(reader, "Optimize", s.Optimize)
	if err := cfg.Validate(); err != nil {
		fmt.Printf("warning: %v\n", err)
	}
}

func launch(reader *bufio.Reader, pkg string, args ...string) {
	fmt.Printf("Launching %s (Ctrl+C to stop)...\n", pkg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	argv := append([]string{"run", pkg, "-config", locateConfig()}, args...)
	cmd := exec.CommandContext(ctx, "go", argv...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin

	if err := cmd.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start %s: %v\n", pkg, err)
		return
	}

	go func() {
		_ = cmd.Wait()
		cancel()
	}()

	fmt.Print("\nPress ENTER to stop and return to menu...")
	_, _ = reader.ReadString('\n')
	cancel()
	time.Sleep(500 * time.Millisecond)
}

func promptFloat(reader *bufio.Reader, label string, current float64) float64 {
	fmt.Printf("%s [%g]: ", label, current)
	line, _ := reader.ReadString('\n')
	line = strings.TrimSpace(line)
	if line == "" {
		return current
	}
	val, err := strconv.ParseFloat(line, 64)
	if err != nil {
		fmt.Printf("invalid number, keeping %g\n", current)
		return current
	}
	return val
}

func promptBool(reader *bufio.Reader, label string, current bool) bool {
	fmt.Printf("%s [%t]: ", label, current)
	line, _ := reader.ReadString('\n')
	line = strings.TrimSpace(line)
	if line == "" {
		return current
	}
	val, err := strconv.ParseBool(line)
	if err != nil {
		fmt.Printf("invalid boolean, keeping %t\n", current)
		return current
	}
	return val
}

func promptDuration(reader *bufio.Reader, label string, current time.Duration) time.Duration {
	fmt.Printf("%s [%s]: ", label, current)
	line, _ := reader.ReadString('\n')
	line = strings.TrimSpace(line)
	if line == "" {
		return current
	}
	val, err := time.ParseDuration(line)
	if err != nil {
		fmt.Printf("invalid duration, keeping %s\n", current)
		return current
	}
	return val
}

func promptInts(reader *bufio.Reader, label string, current []int) []int {
	fmt.Printf("%s comma-separated %v: ", label, current)
	line, _ := reader.ReadString('\n')
	line = strings.TrimSpace(line)
	if line == "" {
		return current
	}
	var out []int
	for _, p := range strings.Split(line, ",") {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			fmt.Printf("invalid list, keeping %v\n", current)
			return current
		}
		out = append(out, v)
	}
	return out
}

func loadConfig() (*config.Config, error) {
	return config.Load(locateConfig())
}

func saveConfig(cfg *config.Config) error {
	return config.Save(locateConfig(), cfg)
}

func locateConfig() string {
	if filepath.IsAbs(defaultConfigPath) {
		return defaultConfigPath
	}
	return filepath.Clean(defaultConfigPath)
}
