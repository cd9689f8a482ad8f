// Package config loads static process configuration from the environment
// (credentials, file locations, routing) and the hot-reloadable risk limits
// from a JSON file the runner re-reads every cycle.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"fundcore/logger"
	"fundcore/state"
)

// Config is the static, restart-to-change part of the setup.
type Config struct {
	Mode string // "paper" or "live"

	BinanceAPIKey  string
	BinanceSecret  string
	BinanceTestnet bool

	AlpacaAPIKey string
	AlpacaSecret string
	AlpacaPaper  bool

	TelegramToken  string
	TelegramChatID int64

	// Routing table symbol -> broker name, plus the fallback broker when a
	// symbol is absent. Empty default means unrouted symbols are refused.
	Routes        map[string]string
	DefaultBroker string

	DataDir         string
	LedgerPath      string
	KillSwitchPath  string
	HeartbeatPath   string
	ProtectionsPath string
	SimStatePath    string
	RiskConfigPath  string
	QuotesPath      string

	SimStartingEquity float64
	SimSlippage       float64

	MaxConsecutiveErrors int
	OrdersPerMinute      float64
}

// Load reads .env (when present) and assembles the config. Only mode=live
// requires broker credentials; paper mode runs entirely on the sim adapters.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.With("config").Warn().Err(err).Msg("⚠️ .env not loaded")
	}

	dataDir := envStr("DATA_DIR", "data")
	cfg := &Config{
		Mode: strings.ToLower(envStr("MODE", "paper")),

		BinanceAPIKey:  os.Getenv("BINANCE_API_KEY"),
		BinanceSecret:  os.Getenv("BINANCE_SECRET_KEY"),
		BinanceTestnet: envBool("BINANCE_TESTNET", false),

		AlpacaAPIKey: os.Getenv("ALPACA_API_KEY"),
		AlpacaSecret: os.Getenv("ALPACA_SECRET_KEY"),
		AlpacaPaper:  envBool("ALPACA_PAPER", true),

		TelegramToken:  os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramChatID: envInt64("TELEGRAM_CHAT_ID", 0),

		Routes:        parseRoutes(os.Getenv("ROUTES")),
		DefaultBroker: envStr("DEFAULT_BROKER", ""),

		DataDir:         dataDir,
		LedgerPath:      envStr("LEDGER_PATH", dataDir+"/ledger.db"),
		KillSwitchPath:  envStr("KILL_SWITCH_PATH", dataDir+"/kill_switch.json"),
		HeartbeatPath:   envStr("HEARTBEAT_PATH", dataDir+"/heartbeat.json"),
		ProtectionsPath: envStr("PROTECTIONS_PATH", dataDir+"/protections.json"),
		SimStatePath:    envStr("SIM_STATE_PATH", dataDir+"/sim_account.json"),
		RiskConfigPath:  envStr("RISK_CONFIG_PATH", dataDir+"/risk_limits.json"),
		QuotesPath:      envStr("QUOTES_PATH", dataDir+"/quotes.json"),

		SimStartingEquity: envFloat("SIM_STARTING_EQUITY", 10000),
		SimSlippage:       envFloat("SIM_SLIPPAGE", 0.0005),

		MaxConsecutiveErrors: int(envInt64("MAX_CONSECUTIVE_ERRORS", 5)),
		OrdersPerMinute:      envFloat("ORDERS_PER_MINUTE", 30),
	}

	if cfg.Mode != "paper" && cfg.Mode != "live" {
		return nil, fmt.Errorf("config: MODE must be paper or live, got %q", cfg.Mode)
	}
	if cfg.Mode == "live" && cfg.BinanceAPIKey == "" && cfg.AlpacaAPIKey == "" {
		return nil, fmt.Errorf("config: live mode needs at least one broker credential set")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("config: create data dir: %w", err)
	}
	return cfg, nil
}

// parseRoutes reads "BTCUSDT=binance,AAPL=alpaca" into a routing table.
func parseRoutes(raw string) map[string]string {
	routes := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		sym, brokerName, ok := strings.Cut(pair, "=")
		if !ok {
			logger.With("config").Warn().Str("entry", pair).Msg("⚠️ malformed route entry ignored")
			continue
		}
		routes[strings.TrimSpace(sym)] = strings.TrimSpace(brokerName)
	}
	return routes
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

// RiskLimits are the hot-reloadable gates. Tightening a limit takes effect on
// the next cycle, no restart.
type RiskLimits struct {
	MaxOpenPositions    int     `json:"max_open_positions"`
	MaxRiskPerTrade     float64 `json:"max_risk_per_trade"`     // fraction of equity at risk between entry and stop
	MaxPositionNotional float64 `json:"max_position_notional"`  // absolute quote-currency cap per position
	MaxDailyDrawdown    float64 `json:"max_daily_drawdown"`     // fraction of the day's equity anchor
	LiveArmed           bool    `json:"live_armed"`
}

// DefaultRiskLimits are deliberately conservative and never armed.
func DefaultRiskLimits() RiskLimits {
	return RiskLimits{
		MaxOpenPositions:    5,
		MaxRiskPerTrade:     0.01,
		MaxPositionNotional: 1000,
		MaxDailyDrawdown:    0.05,
		LiveArmed:           false,
	}
}

// RiskSource re-reads the limits file on demand. A missing file yields the
// defaults; an unreadable one yields the defaults with a warning, because a
// corrupt risk file must fail toward less risk, not more.
type RiskSource struct {
	Path string
}

func (r *RiskSource) Load() RiskLimits {
	limits := DefaultRiskLimits()
	ok, err := state.ReadJSON(r.Path, &limits)
	if err != nil {
		logger.With("config").Error().Err(err).Str("path", r.Path).
			Msg("🚨 risk limits unreadable, falling back to defaults (disarmed)")
		return DefaultRiskLimits()
	}
	if !ok {
		return DefaultRiskLimits()
	}
	return limits
}
