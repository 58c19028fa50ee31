// Package bot provides the Telegram front-end: trade cards with OK/SKIP
// buttons, status and stats commands, and runtime setting overrides.
package bot

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/martin-bot/martin/internal/config"
	"github.com/martin-bot/martin/internal/database"
	"github.com/martin-bot/martin/internal/domain"
	"github.com/martin-bot/martin/internal/trading"
)

// PriceSource reports the live last trade price per asset.
type PriceSource interface {
	LastPrice(asset string, maxAge time.Duration) (decimal.Decimal, bool)
}

// Bot handles Telegram interactions for the trade approval flow.
type Bot struct {
	api          *tgbotapi.BotAPI
	cfg          *config.Config
	db           *database.Database
	orchestrator *trading.Orchestrator
	stats        *trading.StatsService
	prices       PriceSource
	stopCh       chan struct{}
}

func New(cfg *config.Config, db *database.Database, orchestrator *trading.Orchestrator, stats *trading.StatsService, prices PriceSource) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(cfg.TelegramToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	log.Info().Str("username", api.Self.UserName).Msg("🤖 Telegram bot connected")

	return &Bot{
		api:          api,
		cfg:          cfg,
		db:           db,
		orchestrator: orchestrator,
		stats:        stats,
		prices:       prices,
		stopCh:       make(chan struct{}),
	}, nil
}

// Start begins the bot's command listener.
func (b *Bot) Start() {
	go b.listenForCommands()

	if b.cfg.TelegramChatID != 0 {
		b.sendMarkdown(b.cfg.TelegramChatID, "🟢 *Martin online*\n\nHourly up/down assistant armed. Use /status for the current state.")
	}
}

// Stop stops the bot.
func (b *Bot) Stop() {
	close(b.stopCh)
}

func (b *Bot) listenForCommands() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case update := <-updates:
			if update.Message != nil {
				go b.handleMessage(update.Message)
			}
			if update.CallbackQuery != nil {
				go b.handleCallback(update.CallbackQuery)
			}
		case <-b.stopCh:
			return
		}
	}
}

// authorized restricts the bot to the single configured chat.
func (b *Bot) authorized(chatID int64) bool {
	return b.cfg.TelegramChatID != 0 && chatID == b.cfg.TelegramChatID
}

func (b *Bot) handleMessage(msg *tgbotapi.Message) {
	chatID := msg.Chat.ID

	if !b.authorized(chatID) {
		log.Warn().Int64("chat_id", chatID).Msg("Ignoring message from unauthorized chat")
		return
	}
	if !msg.IsCommand() {
		return
	}

	log.Debug().Int64("chat_id", chatID).Str("command", msg.Command()).Msg("Received command")

	switch msg.Command() {
	case "start", "help":
		b.cmdHelp(chatID)
	case "status":
		b.cmdStatus(chatID)
	case "stats":
		b.cmdStats(chatID)
	case "pause":
		b.cmdPause(chatID)
	case "resume":
		b.cmdResume(chatID)
	case "day_only":
		b.cmdModeFilter(chatID, true, false)
	case "night_only":
		b.cmdModeFilter(chatID, false, true)
	case "all_hours":
		b.cmdModeFilter(chatID, false, false)
	case "night_mode":
		b.cmdNightMode(chatID, msg.CommandArguments())
	case "set":
		b.cmdSet(chatID, msg.CommandArguments())
	default:
		b.sendText(chatID, "❓ Unknown command. Use /help for available commands.")
	}
}

// handleCallback answers the query before anything else so Telegram does not
// time the button out.
func (b *Bot) handleCallback(cb *tgbotapi.CallbackQuery) {
	b.api.Request(tgbotapi.NewCallback(cb.ID, ""))

	chatID := cb.Message.Chat.ID
	if !b.authorized(chatID) {
		log.Warn().Int64("chat_id", chatID).Msg("Ignoring callback from unauthorized chat")
		return
	}

	action, tradeID, err := parseCallback(cb.Data)
	if err != nil {
		log.Warn().Str("data", cb.Data).Err(err).Msg("Bad callback payload")
		return
	}

	switch action {
	case "ok":
		if err := b.orchestrator.ApproveTrade(tradeID); err != nil {
			b.sendText(chatID, fmt.Sprintf("❌ OK failed: %s", err.Error()))
			return
		}
		b.sendText(chatID, fmt.Sprintf("✅ Trade #%d approved, placing order next cycle.", tradeID))
	case "skip":
		if err := b.orchestrator.SkipTrade(tradeID); err != nil {
			b.sendText(chatID, fmt.Sprintf("❌ Skip failed: %s", err.Error()))
			return
		}
		b.sendText(chatID, fmt.Sprintf("⏭️ Trade #%d skipped.", tradeID))
	}
}

func parseCallback(data string) (action string, tradeID uint, err error) {
	parts := strings.SplitN(data, ":", 2)
	if len(parts) != 2 {
		return "", 0, fmt.Errorf("malformed callback %q", data)
	}
	id, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return "", 0, fmt.Errorf("malformed trade id in %q", data)
	}
	return parts[0], uint(id), nil
}

// Commands

func (b *Bot) cmdHelp(chatID int64) {
	text := `📚 *Martin Commands*

*📊 Monitoring:*
/status - Engine state, policy and streaks
/stats - Trading statistics

*🎛️ Control:*
/pause - Pause and cancel pending trades
/resume - Resume trading
/day_only - Trade only in the DAY window
/night_only - Trade only in the NIGHT window
/all_hours - Clear the day/night restriction
/night_mode OFF|SOFT|HARD - Night streak reset policy
/set <key> <value> - Override a runtime setting

*How it works:*
Every hour I scan the Polymarket up/down markets,
look for an EMA touch on the 1m chart, score it and
check the entry price cap. DAY trades wait for your
OK; NIGHT trades run on their own when enabled.`

	b.sendMarkdown(chatID, text)
}

func (b *Bot) cmdStatus(chatID int64) {
	stats, err := b.db.GetStats()
	if err != nil {
		b.sendText(chatID, "❌ Stats unavailable.")
		return
	}

	state := "🟢 Running"
	if stats.IsPaused {
		state = "⏸️ Paused"
	}
	modeFilter := "DAY + NIGHT"
	if stats.DayOnly {
		modeFilter = "DAY only"
	} else if stats.NightOnly {
		modeFilter = "NIGHT only"
	}

	active, _ := b.db.GetActiveTrades()

	text := fmt.Sprintf(`📊 *Engine Status*

%s
🗓️ *Hours:* %s
⚖️ *Policy:* %s
🔥 *Streak:* %d (night %d)
📈 *Active trades:* %d

*Thresholds:*
├ Day: %.1f
└ Night: %.1f%s`,
		state,
		modeFilter,
		stats.PolicyMode,
		stats.TradeLevelStreak,
		stats.NightStreak,
		len(active),
		b.stats.Threshold(domain.TimeModeDay, domain.PolicyMode(stats.PolicyMode)),
		b.stats.Threshold(domain.TimeModeNight, domain.PolicyMode(stats.PolicyMode)),
		b.livePrices(),
	)

	b.sendMarkdown(chatID, text)
}

// livePrices renders the streamed last price per asset, marking entries that
// have gone stale.
func (b *Bot) livePrices() string {
	if b.prices == nil {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("\n\n*Live prices:*")
	for _, asset := range b.cfg.Assets {
		price, fresh := b.prices.LastPrice(asset, 30*time.Second)
		switch {
		case price.IsZero():
			fmt.Fprintf(&sb, "\n• %s: waiting for stream", asset)
		case !fresh:
			fmt.Fprintf(&sb, "\n• %s: $%s (stale)", asset, price.StringFixed(2))
		default:
			fmt.Fprintf(&sb, "\n• %s: $%s", asset, price.StringFixed(2))
		}
	}
	return sb.String()
}

func (b *Bot) cmdStats(chatID int64) {
	stats, err := b.db.GetStats()
	if err != nil {
		b.sendText(chatID, "❌ Stats unavailable.")
		return
	}
	summary, _ := b.db.GetSummary()

	dayMean, dayStd, dayN := b.stats.QualitySummary(domain.TimeModeDay)
	nightMean, nightStd, nightN := b.stats.QualitySummary(domain.TimeModeNight)

	text := fmt.Sprintf(`📈 *Trading Statistics*

*Performance:*
├ Trades: %d
├ Wins: %d
├ Losses: %d
├ Win rate: %.1f%%
└ Total P/L: $%v

*Quality samples (rolling):*
├ Day: n=%d, mean %.1f ± %.1f
└ Night: n=%d, mean %.1f ± %.1f`,
		stats.TotalTrades,
		stats.TotalWins,
		stats.TotalLosses,
		stats.WinRate(),
		summary["total_pnl"],
		dayN, dayMean, dayStd,
		nightN, nightMean, nightStd,
	)

	b.sendMarkdown(chatID, text)
}

func (b *Bot) cmdPause(chatID int64) {
	if err := b.orchestrator.Pause(); err != nil {
		b.sendText(chatID, fmt.Sprintf("❌ Pause failed: %s", err.Error()))
		return
	}
	b.sendText(chatID, "⏸️ Trading paused. Pending trades cancelled, placed orders will still settle.")
}

func (b *Bot) cmdResume(chatID int64) {
	if err := b.orchestrator.Resume(); err != nil {
		b.sendText(chatID, fmt.Sprintf("❌ Resume failed: %s", err.Error()))
		return
	}
	b.sendText(chatID, "▶️ Trading resumed.")
}

func (b *Bot) cmdModeFilter(chatID int64, dayOnly, nightOnly bool) {
	if err := b.orchestrator.SetModeFilter(dayOnly, nightOnly); err != nil {
		b.sendText(chatID, fmt.Sprintf("❌ %s", err.Error()))
		return
	}
	switch {
	case dayOnly:
		b.sendText(chatID, "☀️ Trading restricted to the DAY window.")
	case nightOnly:
		b.sendText(chatID, "🌙 Trading restricted to the NIGHT window.")
	default:
		b.sendText(chatID, "🕐 Trading in both DAY and NIGHT windows.")
	}
}

func (b *Bot) cmdNightMode(chatID int64, args string) {
	mode := strings.ToUpper(strings.TrimSpace(args))
	switch mode {
	case "OFF", "SOFT", "HARD":
		if err := b.db.SetSetting("day_night.night_session_mode", mode); err != nil {
			b.sendText(chatID, "❌ Failed to store setting.")
			return
		}
		b.sendText(chatID, fmt.Sprintf("🌙 Night session mode set to %s.", mode))
	default:
		b.sendText(chatID, "⚠️ Usage: /night_mode OFF|SOFT|HARD")
	}
}

// settableKeys are the runtime overrides /set accepts. Anything else would
// silently change behavior nobody asked for.
var settableKeys = map[string]bool{
	"trading.price_cap":                 true,
	"risk.stake.base_amount_usdc":       true,
	"quality.base_day_min_quality":      true,
	"quality.base_night_min_quality":    true,
	"day_night.day_start_hour":          true,
	"day_night.day_end_hour":            true,
	"day_night.night_autotrade_enabled": true,
	"day_night.night_session_mode":      true,
}

func (b *Bot) cmdSet(chatID int64, args string) {
	fields := strings.Fields(args)
	if len(fields) != 2 {
		b.sendText(chatID, "⚠️ Usage: /set <key> <value>")
		return
	}
	key, value := fields[0], fields[1]
	if !settableKeys[key] {
		keys := make([]string, 0, len(settableKeys))
		for k := range settableKeys {
			keys = append(keys, k)
		}
		b.sendText(chatID, fmt.Sprintf("⚠️ Unknown key. Settable: %s", strings.Join(keys, ", ")))
		return
	}
	if err := b.db.SetSetting(key, value); err != nil {
		b.sendText(chatID, "❌ Failed to store setting.")
		return
	}
	b.sendText(chatID, fmt.Sprintf("⚙️ %s = %s (applies next cycle)", key, value))
}

// Notifier implementation

// SendTradeCard posts the one-and-only approval card for a trade.
func (b *Bot) SendTradeCard(trade *database.Trade, window *database.MarketWindow, signal *database.Signal) error {
	if b.cfg.TelegramChatID == 0 {
		return nil
	}

	emoji := "🟢"
	if signal.Direction == string(domain.DirectionDown) {
		emoji = "🔴"
	}

	text := fmt.Sprintf(`%s *%s %s Signal* (trade #%d)

*Market:* %s
*Quality:* %.1f (%s policy)
*Signal:* %s
*Confirm at:* %s
*Window ends:* %s

Take it?`,
		emoji,
		window.Asset,
		signal.Direction,
		trade.ID,
		escapeMarkdown(window.Slug),
		signal.Quality,
		trade.PolicyMode,
		time.Unix(signal.SignalTs, 0).Format("15:04:05"),
		time.Unix(signal.ConfirmTs, 0).Format("15:04:05"),
		time.Unix(window.EndTs, 0).Format("15:04:05"),
	)

	keyboard := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("✅ OK", fmt.Sprintf("ok:%d", trade.ID)),
			tgbotapi.NewInlineKeyboardButtonData("⏭️ SKIP", fmt.Sprintf("skip:%d", trade.ID)),
		),
	)

	return b.sendMarkdownWithKeyboard(b.cfg.TelegramChatID, text, keyboard)
}

// SendSettlement reports a settled trade.
func (b *Bot) SendSettlement(trade *database.Trade, window *database.MarketWindow) error {
	if b.cfg.TelegramChatID == 0 {
		return nil
	}

	result := "⏳ unresolved"
	if trade.IsWin != nil {
		if *trade.IsWin {
			result = fmt.Sprintf("✅ WIN: +$%s", trade.Pnl.Decimal.StringFixed(2))
		} else {
			result = fmt.Sprintf("❌ LOSS: -$%s", trade.Pnl.Decimal.Abs().StringFixed(2))
		}
	}

	text := fmt.Sprintf(`🏁 *Trade #%d settled*

*Market:* %s
*Outcome:* %s
*Result:* %s`,
		trade.ID,
		escapeMarkdown(window.Slug),
		window.Outcome,
		result,
	)

	return b.sendMarkdown(b.cfg.TelegramChatID, text)
}

// SendDayEndReminder warns that the DAY window is about to close.
func (b *Bot) SendDayEndReminder(minutes int) error {
	if b.cfg.TelegramChatID == 0 {
		return nil
	}
	return b.sendMarkdown(b.cfg.TelegramChatID,
		fmt.Sprintf("⏰ *Day window closes in %d minutes.* Open cards auto-skip after the timeout.", minutes))
}

// Helpers

func (b *Bot) sendText(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	_, err := b.api.Send(msg)
	return err
}

func (b *Bot) sendMarkdown(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = "Markdown"
	msg.DisableWebPagePreview = true
	_, err := b.api.Send(msg)
	return err
}

func (b *Bot) sendMarkdownWithKeyboard(chatID int64, text string, keyboard tgbotapi.InlineKeyboardMarkup) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = "Markdown"
	msg.DisableWebPagePreview = true
	msg.ReplyMarkup = keyboard
	_, err := b.api.Send(msg)
	return err
}

func escapeMarkdown(s string) string {
	replacer := strings.NewReplacer(
		"_", "\\_",
		"*", "\\*",
		"[", "\\[",
		"]", "\\]",
		"`", "\\`",
	)
	return replacer.Replace(s)
}
