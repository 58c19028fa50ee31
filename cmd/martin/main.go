// Martin - automated trading assistant for hourly Up/Down prediction markets.
//
// Every cycle it discovers the current hourly BTC/ETH windows on Polymarket,
// hunts for an EMA-touch signal on 1m Binance candles, scores it, validates
// the entry price against the cap and either asks for approval over Telegram
// (day) or trades on its own (night, when enabled).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/martin-bot/martin/internal/binance"
	"github.com/martin-bot/martin/internal/bot"
	"github.com/martin-bot/martin/internal/config"
	"github.com/martin-bot/martin/internal/database"
	"github.com/martin-bot/martin/internal/httpapi"
	"github.com/martin-bot/martin/internal/polymarket"
	"github.com/martin-bot/martin/internal/trading"
)

const version = "1.0.0"

func main() {
	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Load environment
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	log.Info().
		Str("version", version).
		Strs("assets", cfg.Assets).
		Str("mode", cfg.ExecutionMode).
		Msg("🎩 Martin starting...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database
	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}

	// Shared HTTP layer and venue clients
	api := httpapi.NewClient(cfg.HTTPTimeout, cfg.HTTPRetries, cfg.HTTPBackoff)
	binanceClient := binance.NewClient(cfg.BinanceAPIURL, api)
	gammaClient := polymarket.NewGammaClient(cfg.GammaAPIURL, api)
	clobClient := polymarket.NewCLOBClient(cfg.CLOBAPIURL, api, cfg.HTTPTimeout)

	// Live price stream, informational for /status and future use
	priceStream := binance.NewPriceStream(cfg.BinanceWSURL, cfg.Assets)
	priceStream.Start()

	// Execution: paper by default, live only with a full credential set
	var executor trading.Executor = trading.NewPaperExecutor()
	if cfg.ExecutionMode == "live" {
		signer, err := polymarket.NewOrderSigner(cfg.WalletPrivateKey, cfg.FunderAddress, cfg.SignatureType)
		if err != nil {
			log.Fatal().Err(err).Msg("Live mode refused to arm: bad wallet key")
		}
		apiKey, secret, passphrase := cfg.CLOBApiKey, cfg.CLOBApiSecret, cfg.CLOBPassphrase
		if apiKey == "" {
			apiKey, secret, passphrase, err = polymarket.DeriveCredentials(ctx, cfg.CLOBAPIURL, signer, cfg.HTTPTimeout)
			if err != nil {
				log.Fatal().Err(err).Msg("Live mode refused to arm: credential derivation failed")
			}
		}
		clobClient.WithCredentials(apiKey, secret, passphrase, signer)
		executor = trading.NewLiveExecutor(clobClient)
		log.Info().Msg("💳 Live execution armed")
	}

	// TA snapshot worker
	snapshotCache := trading.NewSnapshotCache(cfg.SnapshotTTL)
	snapshotWorker := trading.NewSnapshotWorker(binanceClient, snapshotCache, cfg.Assets, cfg.SnapshotPeriod, cfg.WarmupSeconds)
	snapshotWorker.Start(ctx)

	// Time mode, stats and the orchestrator
	timeMode, err := trading.NewTimeModeResolver(cfg.Timezone, cfg.DayStartHour, cfg.DayEndHour)
	if err != nil {
		log.Fatal().Err(err).Str("timezone", cfg.Timezone).Msg("Failed to load timezone")
	}
	timeMode.SetHourSource(func() (int, int) {
		return settingHour(db, "day_night.day_start_hour", cfg.DayStartHour),
			settingHour(db, "day_night.day_end_hour", cfg.DayEndHour)
	})
	statsService := trading.NewStatsService(db, cfg)
	if err := statsService.UpdateRollingQuantiles(time.Now().Unix()); err != nil {
		log.Warn().Err(err).Msg("Initial quantile refresh failed")
	}

	orchestrator := trading.NewOrchestrator(cfg, db, gammaClient, clobClient, snapshotWorker, statsService, executor, timeMode, nil)

	// Telegram front-end
	var telegramBot *bot.Bot
	if cfg.TelegramToken != "" {
		telegramBot, err = bot.New(cfg, db, orchestrator, statsService, priceStream)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize Telegram bot")
		}
		orchestrator.SetNotifier(telegramBot)
		telegramBot.Start()
	} else {
		log.Warn().Msg("⚠️ No TELEGRAM_BOT_TOKEN - running headless, day trades will auto-skip")
	}

	// Scheduled jobs: hourly STRICT threshold refresh, end-of-day reminder
	scheduler := cron.New(cron.WithLocation(mustLocation(cfg.Timezone)))
	scheduler.AddFunc("0 * * * *", func() {
		if err := statsService.UpdateRollingQuantiles(time.Now().Unix()); err != nil {
			log.Warn().Err(err).Msg("Quantile refresh failed")
		}
	})
	if telegramBot != nil && cfg.ReminderMinutesBeforeDayEnd > 0 && cfg.DayStartHour != cfg.DayEndHour {
		spec := reminderSpec(cfg.DayEndHour, cfg.ReminderMinutesBeforeDayEnd)
		scheduler.AddFunc(spec, func() {
			if err := telegramBot.SendDayEndReminder(cfg.ReminderMinutesBeforeDayEnd); err != nil {
				log.Warn().Err(err).Msg("Day-end reminder failed")
			}
		})
	}
	scheduler.Start()

	go orchestrator.Run(ctx)

	log.Info().Msg("✅ All systems online")

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("Shutting down...")
	cancel()
	scheduler.Stop()
	orchestrator.Stop()
	snapshotWorker.Stop()
	priceStream.Stop()
	if telegramBot != nil {
		telegramBot.Stop()
	}
	log.Info().Msg("👋 Martin stopped")
}

// reminderSpec schedules the reminder N minutes before the day end hour,
// wrapping past midnight when needed.
func reminderSpec(dayEndHour, minutesBefore int) string {
	total := dayEndHour*60 - minutesBefore
	for total < 0 {
		total += 24 * 60
	}
	total %= 24 * 60
	return fmt.Sprintf("%d %d * * *", total%60, total/60)
}

// settingHour reads a runtime hour override, falling back to the env value.
func settingHour(db *database.Database, key string, fallback int) int {
	v, ok := db.GetSetting(key)
	if !ok {
		return fallback
	}
	h, err := strconv.Atoi(v)
	if err != nil || h < 0 || h > 23 {
		return fallback
	}
	return h
}

func mustLocation(tz string) *time.Location {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}
