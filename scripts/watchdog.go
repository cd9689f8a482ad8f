// Watchdog for the execution core. Runs as a separate process (separate
// failure domain), polls the heartbeat file and raises a Telegram alert when
// the runner goes quiet. Alerts are rate limited and the last-alert state is
// persisted so a watchdog restart does not re-spam.
//
// Usage: go run scripts/watchdog.go -heartbeat data/heartbeat.json -stale 5m
package main

import (
	"flag"
	"fmt"
	"time"

	"fundcore/alert"
	"fundcore/config"
	"fundcore/logger"
	"fundcore/state"
)

type watchdogState struct {
	LastAlertAt   string `json:"last_alert_at"`
	LastAlertKind string `json:"last_alert_kind"`
	Recovered     bool   `json:"recovered"`
}

func main() {
	heartbeatPath := flag.String("heartbeat", "data/heartbeat.json", "heartbeat file written by the runner")
	statePath := flag.String("state", "data/watchdog_state.json", "watchdog's own persisted state")
	stale := flag.Duration("stale", 5*time.Minute, "heartbeat age that counts as dead")
	interval := flag.Duration("interval", 30*time.Second, "poll interval")
	cooldown := flag.Duration("cooldown", 15*time.Minute, "minimum gap between repeated alerts")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logger.With("watchdog").Fatal().Err(err).Msg("🚨 configuration error")
	}
	notifier := alert.New(cfg.TelegramToken, cfg.TelegramChatID)
	log := logger.With("watchdog")

	var ws watchdogState
	if _, err := state.ReadJSON(*statePath, &ws); err != nil {
		log.Warn().Err(err).Msg("⚠️ watchdog state unreadable, starting clean")
	}

	log.Info().Str("heartbeat", *heartbeatPath).Dur("stale_after", *stale).Msg("🐕 watchdog started")
	for {
		checkOnce(*heartbeatPath, *statePath, *stale, *cooldown, notifier, &ws)
		time.Sleep(*interval)
	}
}

func checkOnce(heartbeatPath, statePath string, stale, cooldown time.Duration,
	notifier *alert.Notifier, ws *watchdogState) {

	log := logger.With("watchdog")
	hb, ok, err := state.ReadHeartbeat(heartbeatPath)

	var kind, detail string
	switch {
	case err != nil:
		kind, detail = "unreadable", err.Error()
	case !ok:
		kind, detail = "missing", "heartbeat file does not exist"
	default:
		age := time.Since(time.Unix(0, int64(hb.UnixTS*1e9)))
		switch {
		case age > stale:
			kind = "stale"
			detail = fmt.Sprintf("last beat %s ago (pid %d, cycle %d, status %s)",
				age.Round(time.Second), hb.PID, hb.CycleCount, hb.Status)
		case hb.Status == "stopped":
			kind = "stopped"
			detail = hb.Note
		}
	}

	if kind == "" {
		if !ws.Recovered && ws.LastAlertKind != "" {
			notifier.Send("💚 execution core heartbeat recovered")
			log.Info().Msg("💚 heartbeat recovered")
			ws.Recovered = true
			persist(statePath, ws)
		}
		return
	}

	log.Error().Str("kind", kind).Str("detail", detail).Msg("🚨 heartbeat check failed")

	lastAlert, _ := time.Parse(time.RFC3339, ws.LastAlertAt)
	if kind == ws.LastAlertKind && time.Since(lastAlert) < cooldown {
		return
	}
	notifier.Sendf("🚨 WATCHDOG: execution core heartbeat %s — %s", kind, detail)
	ws.LastAlertAt = time.Now().UTC().Format(time.RFC3339)
	ws.LastAlertKind = kind
	ws.Recovered = false
	persist(statePath, ws)
}

func persist(path string, ws *watchdogState) {
	if err := state.WriteJSON(path, ws); err != nil {
		logger.With("watchdog").Warn().Err(err).Msg("⚠️ could not persist watchdog state")
	}
}
