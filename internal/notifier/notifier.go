// Package notifier delivers operator notifications and serves chat commands.
package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/tathienbao/scalp-bot/internal/alerting"
	"github.com/tathienbao/scalp-bot/internal/ledger"
	"github.com/tathienbao/scalp-bot/internal/metrics"
	"github.com/tathienbao/scalp-bot/internal/types"
	tele "gopkg.in/telebot.v3"
)

// crashMessageRunes caps the error text carried by a crash notification.
const crashMessageRunes = 200

// Config holds notifier configuration.
type Config struct {
	BotToken    string
	ChatID      string
	Symbol      string
	Mode        string // testnet | live
	Leverage    int
	SummaryCron string // six fields, seconds first; empty disables the summary

	APIURL         string // Bot API base URL; empty uses the public endpoint
	PollTimeout    time.Duration
	CommandTimeout time.Duration
	SummaryLimit   int // ledger rows scanned for the daily summary

	// RetryInterval is the first delay between failed Bot API handshakes.
	// It doubles up to maxRetryInterval.
	RetryInterval time.Duration

	// Offline keeps the command bot from ever contacting the Bot API.
	Offline bool
}

const maxRetryInterval = 5 * time.Minute

// StatusSource is the engine view used by the /status command and the
// daily summary.
type StatusSource interface {
	IsRunning() bool
	OpenTradeCount() int
	Metrics() map[string]any
}

// summarySender is implemented by alerters with a dedicated summary layout.
type summarySender interface {
	SendDailySummary(ctx context.Context, summary alerting.DailySummary) error
}

// Notifier sends lifecycle notifications, answers chat commands and
// schedules the daily summary.
type Notifier struct {
	cfg      Config
	logger   *slog.Logger
	alerter  alerting.Alerter
	store    ledger.Store
	status   StatusSource
	recorder *metrics.Recorder
	now      func() time.Time

	bot    *tele.Bot
	chatID int64
	cron   *cron.Cron

	mu       sync.Mutex
	polling  bool
	started  bool
	stopPoll chan struct{}
}

// New creates a notifier. The command bot is only built when a token is
// configured. New never contacts the Bot API.
func New(cfg Config, alerter alerting.Alerter, store ledger.Store, status StatusSource, logger *slog.Logger) (*Notifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if alerter == nil {
		alerter = alerting.NewConsoleAlerter(logger)
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 5 * time.Second
	}
	if cfg.SummaryLimit <= 0 {
		cfg.SummaryLimit = 1000
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 5 * time.Second
	}

	n := &Notifier{
		cfg:      cfg,
		logger:   logger,
		alerter:  alerter,
		store:    store,
		status:   status,
		recorder: metrics.NewRecorder(),
		now:      time.Now,
		cron:     cron.New(cron.WithSeconds(), cron.WithLocation(time.UTC)),
	}

	if cfg.SummaryCron != "" {
		if _, err := n.cron.AddFunc(cfg.SummaryCron, n.dailySummaryJob); err != nil {
			return nil, fmt.Errorf("%w: summary schedule %q: %w", types.ErrInvalidConfig, cfg.SummaryCron, err)
		}
	}

	if cfg.BotToken != "" {
		if err := n.setupBot(); err != nil {
			return nil, err
		}
	}

	return n, nil
}

func (n *Notifier) setupBot() error {
	if n.cfg.ChatID != "" {
		id, err := strconv.ParseInt(n.cfg.ChatID, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: telegram chat id %q: %w", types.ErrInvalidConfig, n.cfg.ChatID, err)
		}
		n.chatID = id
	}

	// The getMe handshake runs on the poller goroutine.
	bot, err := tele.NewBot(tele.Settings{
		Token:   n.cfg.BotToken,
		URL:     n.cfg.APIURL,
		Poller:  &tele.LongPoller{Timeout: n.cfg.PollTimeout},
		Offline: true,
		OnError: func(err error, c tele.Context) {
			n.logger.Warn("telegram command failed", "err", err)
		},
	})
	if err != nil {
		return fmt.Errorf("create telegram bot: %w", err)
	}

	bot.Use(n.authorize)
	bot.Handle("/start", n.reply(n.helpText))
	bot.Handle("/help", n.reply(n.helpText))
	bot.Handle("/status", n.reply(n.statusText))
	bot.Handle("/trades", n.reply(n.tradesText))
	bot.Handle("/pause", n.reply(n.pause))
	bot.Handle("/resume", n.reply(n.resume))

	n.bot = bot
	return nil
}

// Name identifies the subsystem.
func (n *Notifier) Name() string {
	return "notifier"
}

// Start launches the summary scheduler and the command poller. The poller
// owns its goroutine and is never joined. Bot API failures never surface
// here; the poller logs them and retries.
func (n *Notifier) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.started {
		return errors.New("notifier already started")
	}
	n.started = true

	n.cron.Start()

	if n.bot != nil && !n.cfg.Offline {
		n.stopPoll = make(chan struct{})
		go n.poll(n.stopPoll)
	} else {
		n.logger.Warn("telegram command poller disabled")
	}

	return nil
}

// poll identifies the bot with getMe, retrying with backoff until it
// succeeds or stop is closed, then runs the blocking telebot receive loop.
func (n *Notifier) poll(stop <-chan struct{}) {
	delay := n.cfg.RetryInterval
	for {
		me, err := n.handshake()
		if err == nil {
			n.bot.Me = me
			break
		}
		n.recorder.RecordError("telegram_handshake")
		n.logger.Warn("telegram handshake failed", "err", err, "retry_in", delay)

		select {
		case <-stop:
			return
		case <-time.After(delay):
		}
		delay = min(delay*2, maxRetryInterval)
	}

	n.mu.Lock()
	select {
	case <-stop:
		n.mu.Unlock()
		return
	default:
	}
	n.polling = true
	n.mu.Unlock()

	n.logger.Info("telegram command poller started", "bot", n.bot.Me.Username)
	n.bot.Start()
}

func (n *Notifier) handshake() (*tele.User, error) {
	data, err := n.bot.Raw("getMe", nil)
	if err != nil {
		return nil, fmt.Errorf("telegram getMe: %w", err)
	}
	var resp struct {
		Result *tele.User `json:"result"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode getMe: %w", err)
	}
	if resp.Result == nil {
		return nil, errors.New("telegram getMe: empty result")
	}
	return resp.Result, nil
}

// Polling reports whether the command poller is receiving updates.
func (n *Notifier) Polling() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.polling
}

// Stop halts the scheduler and asks the poller to exit. It does not wait
// for a running summary job.
func (n *Notifier) Stop(ctx context.Context) error {
	n.mu.Lock()
	started, polling := n.started, n.polling
	n.started, n.polling = false, false
	if n.stopPoll != nil {
		close(n.stopPoll)
		n.stopPoll = nil
	}
	n.mu.Unlock()

	if !started {
		return nil
	}

	n.cron.Stop()
	if polling {
		n.bot.Stop()
	}

	n.logger.Info("notifier stopped")
	return nil
}

// NotifyStartup announces that the bot is running.
func (n *Notifier) NotifyStartup(ctx context.Context) error {
	return n.deliver(ctx, alerting.EventBotStarted, "🤖 Bot Started",
		"environment", n.environment(),
		"symbol", n.cfg.Symbol,
		"leverage", fmt.Sprintf("%dx", n.cfg.Leverage),
		"time", n.now().UTC().Format("2006-01-02 15:04:05"),
	)
}

// NotifyShutdown announces a graceful shutdown.
func (n *Notifier) NotifyShutdown(ctx context.Context, reason string) error {
	return n.deliver(ctx, alerting.EventBotStopped, "🛑 Bot Stopped",
		"reason", reason,
		"symbol", n.cfg.Symbol,
	)
}

// NotifyCrash announces a fatal error. The error text is truncated.
func (n *Notifier) NotifyCrash(ctx context.Context, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return n.deliver(ctx, alerting.EventBotCrashed, "❌ Bot Crashed",
		"error", alerting.Truncate(msg, crashMessageRunes),
	)
}

func (n *Notifier) deliver(ctx context.Context, event alerting.AlertEvent, message string, fields ...any) error {
	err := n.alerter.Alert(ctx, alerting.EventSeverity(event), message, fields...)
	n.recorder.RecordNotification(string(event), err)
	if err == nil {
		return nil
	}
	if errors.Is(err, types.ErrNotifierDelivery) {
		return fmt.Errorf("notify %s: %w", event, err)
	}
	return fmt.Errorf("%w: notify %s: %w", types.ErrNotifierDelivery, event, err)
}

func (n *Notifier) environment() string {
	if n.cfg.Mode == "live" {
		return "LIVE"
	}
	return "TESTNET"
}

func (n *Notifier) dailySummaryJob() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := n.SendDailySummary(ctx); err != nil {
		n.logger.Error("daily summary failed", "err", err)
	}
}

// SendDailySummary reports the UTC day that was in progress one second ago,
// so a midnight schedule covers the day that just ended.
func (n *Notifier) SendDailySummary(ctx context.Context) error {
	summary, err := n.BuildDailySummary(ctx, n.now().Add(-time.Second))
	if err != nil {
		return err
	}

	if s, ok := n.alerter.(summarySender); ok {
		err = s.SendDailySummary(ctx, summary)
	} else {
		err = n.alerter.Alert(ctx, alerting.SeverityInfo, "📊 Daily Trading Summary", summary.Fields()...)
	}
	n.recorder.RecordNotification(string(alerting.EventDailySummary), err)
	if err != nil {
		return fmt.Errorf("send daily summary: %w", err)
	}

	n.logger.Info("daily summary sent",
		"date", summary.Date.Format("2006-01-02"),
		"closed_trades", summary.ClosedTrades,
		"realised_pnl", summary.RealisedPnL.String(),
	)
	return nil
}

// BuildDailySummary summarises the ledger for the UTC day containing at.
func (n *Notifier) BuildDailySummary(ctx context.Context, at time.Time) (alerting.DailySummary, error) {
	trades, err := n.store.ListRecentTrades(ctx, n.cfg.SummaryLimit)
	if err != nil {
		return alerting.DailySummary{}, fmt.Errorf("load trades: %w", err)
	}

	summary := alerting.Summarise(at, trades)
	summary.Symbol = n.cfg.Symbol
	summary.Mode = n.cfg.Mode

	paused, err := n.tradingPaused(ctx)
	if err != nil {
		return alerting.DailySummary{}, err
	}
	summary.TradingPaused = paused

	if n.status != nil {
		if halted, ok := n.status.Metrics()["halted"].(bool); ok {
			summary.KillSwitch = halted
		}
	}
	return summary, nil
}

func (n *Notifier) tradingPaused(ctx context.Context) (bool, error) {
	entry, found, err := n.store.GetSetting(ctx, types.SettingTradingPaused)
	if err != nil {
		return false, fmt.Errorf("read pause flag: %w", err)
	}
	var paused bool
	if found {
		if err := entry.Decode(&paused); err != nil {
			return false, err
		}
	}
	return paused, nil
}
