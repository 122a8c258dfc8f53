package notification

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"dex-trading-engine/internal/events"
)

type captureNotifier struct {
	messages chan string
	fail     bool
}

func (c *captureNotifier) Name() string { return "capture" }

func (c *captureNotifier) Send(_ context.Context, message string) error {
	if c.fail {
		return errors.New("boom")
	}
	c.messages <- message
	return nil
}

func TestHandleEventDispatchesToAllChannels(t *testing.T) {
	a := &captureNotifier{messages: make(chan string, 1)}
	b := &captureNotifier{messages: make(chan string, 1)}
	m := NewManager(zerolog.Nop(), a, b)

	m.HandleEvent(events.Event{
		Type:       events.EventPositionLiquidated,
		Symbol:     "BTCUSDT",
		PositionID: "pos-1",
		Data: map[string]interface{}{
			"liquidation_price": 40500.0,
			"total_pnl":         -4500.0,
		},
	})

	for _, ch := range []chan string{a.messages, b.messages} {
		select {
		case msg := <-ch:
			if !strings.Contains(msg, "LIQUIDATED") || !strings.Contains(msg, "40500") {
				t.Fatalf("unexpected message %q", msg)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("notification not delivered")
		}
	}
}

func TestFailingChannelDoesNotBlockOthers(t *testing.T) {
	bad := &captureNotifier{fail: true}
	good := &captureNotifier{messages: make(chan string, 1)}
	m := NewManager(zerolog.Nop(), bad, good)

	m.HandleEvent(events.Event{
		Type:      events.EventCircuitBreaker,
		AccountID: "acct",
		Data: map[string]interface{}{
			"realized_pnl":     -520.0,
			"daily_loss_limit": 500.0,
		},
	})

	select {
	case msg := <-good.messages:
		if !strings.Contains(msg, "Circuit breaker") {
			t.Fatalf("unexpected message %q", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("healthy channel blocked by failing one")
	}
}

func TestUnknownEventTypeIgnored(t *testing.T) {
	n := &captureNotifier{messages: make(chan string, 1)}
	m := NewManager(zerolog.Nop(), n)

	m.HandleEvent(events.Event{Type: events.EventSignalGenerated})

	select {
	case msg := <-n.messages:
		t.Fatalf("expected no message for unhandled event type, got %q", msg)
	case <-time.After(100 * time.Millisecond):
	}
}
