// Package notification pushes position and risk events to external chat
// channels. Delivery is fire-and-forget: a failed or slow webhook never
// blocks the trading path.
package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"dex-trading-engine/internal/events"
)

// Notifier delivers a formatted message to one channel.
type Notifier interface {
	Send(ctx context.Context, message string) error
	Name() string
}

// TelegramNotifier sends messages through the Telegram bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	client   *http.Client
}

// NewTelegramNotifier creates a Telegram notifier.
func NewTelegramNotifier(botToken, chatID string) *TelegramNotifier {
	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramNotifier) Name() string { return "telegram" }

// Send posts a message to the configured chat.
func (t *TelegramNotifier) Send(ctx context.Context, message string) error {
	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.botToken)
	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       message,
		"parse_mode": "HTML",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal telegram payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram returned status %d", resp.StatusCode)
	}
	return nil
}

// DiscordNotifier sends messages to a Discord webhook.
type DiscordNotifier struct {
	webhookURL string
	client     *http.Client
}

// NewDiscordNotifier creates a Discord webhook notifier.
func NewDiscordNotifier(webhookURL string) *DiscordNotifier {
	return &DiscordNotifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *DiscordNotifier) Name() string { return "discord" }

// Send posts a message to the webhook.
func (d *DiscordNotifier) Send(ctx context.Context, message string) error {
	body, err := json.Marshal(map[string]string{"content": message})
	if err != nil {
		return fmt.Errorf("failed to marshal discord payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create discord request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("discord request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("discord returned status %d", resp.StatusCode)
	}
	return nil
}

// Manager fans system events out to all configured notifiers.
type Manager struct {
	notifiers []Notifier
	logger    zerolog.Logger
	timeout   time.Duration
}

// NewManager creates a notification manager over the given channels.
func NewManager(logger zerolog.Logger, notifiers ...Notifier) *Manager {
	return &Manager{
		notifiers: notifiers,
		logger:    logger.With().Str("component", "NotificationManager").Logger(),
		timeout:   10 * time.Second,
	}
}

// Attach subscribes the manager to the events worth a human's attention.
func (m *Manager) Attach(bus *events.Bus) {
	for _, typ := range []events.EventType{
		events.EventPositionOpened,
		events.EventPositionPartial,
		events.EventPositionClosed,
		events.EventPositionLiquidated,
		events.EventLiquidationWarning,
		events.EventCircuitBreaker,
		events.EventPositionFrozen,
	} {
		bus.Subscribe(typ, m.HandleEvent)
	}
}

// HandleEvent formats and dispatches one event. Each notifier gets its own
// goroutine with a bounded timeout; errors are logged and dropped.
func (m *Manager) HandleEvent(e events.Event) {
	msg := formatEvent(e)
	if msg == "" {
		return
	}
	for _, n := range m.notifiers {
		go func(n Notifier) {
			ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
			defer cancel()
			if err := n.Send(ctx, msg); err != nil {
				m.logger.Warn().Err(err).
					Str("channel", n.Name()).
					Str("event_type", string(e.Type)).
					Msg("Notification delivery failed")
			}
		}(n)
	}
}

func formatEvent(e events.Event) string {
	switch e.Type {
	case events.EventPositionOpened:
		return fmt.Sprintf("📈 Position opened: %s %v @ %.2f (size %.4f, %vx)",
			e.Symbol, e.Data["mode"], num(e.Data["entry_price"]), num(e.Data["size"]), e.Data["leverage"])
	case events.EventPositionPartial:
		return fmt.Sprintf("💰 Partial close: %s %.1fR banked %.2f @ %.2f (%.4f left)",
			e.Symbol, num(e.Data["r_threshold"]), num(e.Data["realized_pnl"]),
			num(e.Data["fill_price"]), num(e.Data["remaining_size"]))
	case events.EventPositionClosed:
		return fmt.Sprintf("✅ Position closed: %s @ %.2f, P&L %.2f (%s)",
			e.Symbol, num(e.Data["fill_price"]), num(e.Data["total_pnl"]), str(e.Data["reason"]))
	case events.EventPositionLiquidated:
		return fmt.Sprintf("💥 Position LIQUIDATED: %s @ %.2f, P&L %.2f",
			e.Symbol, num(e.Data["liquidation_price"]), num(e.Data["total_pnl"]))
	case events.EventLiquidationWarning:
		return fmt.Sprintf("⚠️ %s price %.2f is %.1f%% from liquidation at %.2f",
			e.Symbol, num(e.Data["price"]), num(e.Data["distance_pct"]), num(e.Data["liquidation_price"]))
	case events.EventCircuitBreaker:
		return fmt.Sprintf("🛑 Circuit breaker armed for account %s: daily P&L %.2f (limit %.2f)",
			e.AccountID, num(e.Data["realized_pnl"]), num(e.Data["daily_loss_limit"]))
	case events.EventPositionFrozen:
		return fmt.Sprintf("🧊 Position %s (%s) frozen: %s",
			e.PositionID, e.Symbol, str(e.Data["cause"]))
	}
	return ""
}

func num(v interface{}) float64 {
	f, _ := v.(float64)
	return f
}

func str(v interface{}) string {
	s, _ := v.(string)
	return s
}
