package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"fundcore/alert"
	"fundcore/broker"
	brokeralpaca "fundcore/broker/alpaca"
	brokerbinance "fundcore/broker/binance"
	"fundcore/broker/sim"
	"fundcore/config"
	"fundcore/ledger"
	"fundcore/logger"
	"fundcore/protections"
	"fundcore/router"
	"fundcore/runner"
	"fundcore/state"
)

const simBrokerName = "sim"

func main() {
	signalsPath := flag.String("signals", "data/signals.json", "path to the signal artifact")
	assets := flag.String("assets", "", "comma-separated symbol allowlist (empty = all)")
	loop := flag.Bool("loop", false, "run continuously (default: one cycle)")
	sleep := flag.Duration("sleep", 60*time.Second, "pause between cycles in loop mode")
	logLevel := flag.String("log-level", "", "override LOG_LEVEL (debug/info/warn/error)")
	flag.Parse()

	if *logLevel != "" {
		logger.Setup(*logLevel, os.Stderr)
	}
	log := logger.With("main")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("🚨 configuration error")
	}
	log.Info().Str("mode", cfg.Mode).Bool("loop", *loop).Msg("🚀 execution core starting")

	notifier := alert.New(cfg.TelegramToken, cfg.TelegramChatID)

	book, err := ledger.Open(cfg.LedgerPath)
	if err != nil {
		log.Fatal().Err(err).Msg("🚨 ledger unavailable")
	}
	defer book.Close()

	exec := buildRouter(cfg)

	killSwitch := &state.FileKillSwitch{Path: cfg.KillSwitchPath}
	heartbeat := &state.HeartbeatEmitter{Path: cfg.HeartbeatPath, MinEvery: time.Second}
	risk := &config.RiskSource{Path: cfg.RiskConfigPath}

	pm := protections.NewManager(exec, book, notifier, cfg.ProtectionsPath, protections.TrailingConfig{
		ArmAt:     0.01,
		Breakeven: 0.002,
		TrailFrac: 0.005,
	})

	var allowlist []string
	if *assets != "" {
		allowlist = strings.Split(*assets, ",")
	}

	run := runner.New(runner.Options{
		SignalsPath:          *signalsPath,
		Assets:               allowlist,
		Loop:                 *loop,
		Sleep:                *sleep,
		Mode:                 cfg.Mode,
		SimBroker:            simBrokerName,
		MaxConsecutiveErrors: cfg.MaxConsecutiveErrors,
	}, exec, book, pm, killSwitch, killSwitch.Trip, heartbeat, risk, notifier)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = run.Run(ctx)
	switch {
	case errors.Is(err, runner.ErrHalted):
		log.Warn().Msg("🛑 halted by kill switch; clear the flag and restart to resume")
		os.Exit(2)
	case errors.Is(err, context.Canceled):
		log.Info().Msg("👋 shutdown requested")
	case err != nil:
		log.Fatal().Err(err).Msg("🚨 runner failed")
	default:
		log.Info().Msg("✅ done")
	}
}

// buildRouter registers the adapters the mode calls for. The sim adapter is
// always present: paper mode trades on it exclusively and live mode falls
// back to it whenever the arming flag is off.
func buildRouter(cfg *config.Config) *router.Router {
	fallback := cfg.DefaultBroker
	if cfg.Mode == "paper" || fallback == "" {
		fallback = simBrokerName
	}
	exec := router.New(cfg.Routes, fallback, cfg.OrdersPerMinute)

	var prices sim.PriceSource
	if cfg.Mode == "live" {
		var live []broker.Broker
		if cfg.BinanceAPIKey != "" {
			b := brokerbinance.New("binance", cfg.BinanceAPIKey, cfg.BinanceSecret, cfg.BinanceTestnet)
			exec.Register(b)
			live = append(live, b)
		}
		if cfg.AlpacaAPIKey != "" {
			a := brokeralpaca.New("alpaca", cfg.AlpacaAPIKey, cfg.AlpacaSecret, cfg.AlpacaPaper)
			exec.Register(a)
			live = append(live, a)
		}
		prices = &liveQuotes{adapters: live}
	} else {
		// Paper mode has no live connection; the signal pipeline maintains a
		// quotes file next to the artifact and the sim prices off it.
		prices = &fileQuotes{path: cfg.QuotesPath}
	}

	exec.Register(sim.New(simBrokerName, prices, cfg.SimStartingEquity, cfg.SimSlippage, cfg.SimStatePath))
	if cfg.Mode == "paper" {
		exec.SetDowngrade(simBrokerName)
	}
	return exec
}

// liveQuotes feeds the sim account with real marks from whichever live
// adapter knows the symbol. Market data reads are safe regardless of arming.
type liveQuotes struct {
	adapters []broker.Broker
}

func (q *liveQuotes) GetPrice(ctx context.Context, symbol string) (float64, error) {
	var lastErr error
	for _, a := range q.adapters {
		px, err := a.GetPrice(ctx, symbol)
		if err == nil && px > 0 {
			return px, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no live adapter quotes %s", symbol)
	}
	return 0, lastErr
}

// fileQuotes re-reads a symbol->price JSON file on every call, so the signal
// pipeline can refresh paper-mode marks without touching this process.
type fileQuotes struct {
	path string
}

func (q *fileQuotes) GetPrice(_ context.Context, symbol string) (float64, error) {
	var quotes map[string]float64
	ok, err := state.ReadJSON(q.path, &quotes)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("quotes file %s missing", q.path)
	}
	px, found := quotes[symbol]
	if !found || px <= 0 {
		return 0, fmt.Errorf("no quote for %s in %s", symbol, q.path)
	}
	return px, nil
}
