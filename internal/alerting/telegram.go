package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tathienbao/scalp-bot/internal/types"
	"golang.org/x/time/rate"
)

// DefaultTelegramAPI is the Bot API base URL.
const DefaultTelegramAPI = "https://api.telegram.org"

// maxMessageRunes is the Bot API limit for one message.
const maxMessageRunes = 4096

// TelegramConfig holds configuration for Telegram alerter.
type TelegramConfig struct {
	BotToken   string
	ChatID     string
	Timeout    time.Duration
	RatePerSec float64 // outbound messages per second, burst 1
	BaseURL    string  // defaults to DefaultTelegramAPI
}

// TelegramAlerter sends alerts through the Bot API sendMessage method.
type TelegramAlerter struct {
	cfg     TelegramConfig
	client  *http.Client
	limiter *rate.Limiter
	now     func() time.Time
}

// NewTelegramAlerter creates a new Telegram alerter.
func NewTelegramAlerter(cfg TelegramConfig) *TelegramAlerter {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultTelegramAPI
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &TelegramAlerter{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1),
		now:     time.Now,
	}
}

// Name returns the name of the alerter.
func (t *TelegramAlerter) Name() string {
	return "telegram"
}

type telegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description,omitempty"`
}

// Alert sends an alert via Telegram.
func (t *TelegramAlerter) Alert(ctx context.Context, severity Severity, message string, fields ...any) error {
	return t.send(ctx, t.formatMessage(severity, message, fields...))
}

// SendDailySummary sends a formatted daily trading summary.
func (t *TelegramAlerter) SendDailySummary(ctx context.Context, summary DailySummary) error {
	return t.send(ctx, FormatDailySummaryHTML(summary))
}

func (t *TelegramAlerter) send(ctx context.Context, text string) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: rate limit: %w", types.ErrNotifierDelivery, err)
	}

	body, err := json.Marshal(telegramMessage{
		ChatID:    t.cfg.ChatID,
		Text:      TruncateHTML(text, maxMessageRunes),
		ParseMode: "HTML",
	})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.cfg.BaseURL, t.cfg.BotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: send request: %w", types.ErrNotifierDelivery, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return fmt.Errorf("%w: read response: %w", types.ErrNotifierDelivery, err)
	}

	var telegramResp telegramResponse
	if err := json.Unmarshal(respBody, &telegramResp); err != nil {
		return fmt.Errorf("%w: parse response (status %d): %w", types.ErrNotifierDelivery, resp.StatusCode, err)
	}
	if !telegramResp.OK {
		return fmt.Errorf("%w: telegram API error: %s", types.ErrNotifierDelivery, telegramResp.Description)
	}

	return nil
}

// formatMessage renders an alert as Telegram HTML.
func (t *TelegramAlerter) formatMessage(severity Severity, message string, fields ...any) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s <b>[%s]</b>\n%s", severity.Emoji(), severity.String(), html.EscapeString(message))

	if details := FormatFields(fields...); details != "" {
		b.WriteString("\n\n<b>Details:</b>\n")
		b.WriteString(html.EscapeString(details))
	}

	fmt.Fprintf(&b, "\n\n<i>%s</i>", t.now().UTC().Format("2006-01-02 15:04:05 MST"))
	return b.String()
}
