package telegram

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

type fakeSender struct {
	sent []tgbotapi.MessageConfig
	err  error
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if m, ok := c.(tgbotapi.MessageConfig); ok {
		f.sent = append(f.sent, m)
	}
	return tgbotapi.Message{}, f.err
}

func TestBotNotifier(t *testing.T) {
	ctx := context.Background()

	t.Run("sends to the configured chat", func(t *testing.T) {
		fs := &fakeSender{}
		n := &BotNotifier{bot: fs, chatID: 42}
		if err := n.Notify(ctx, "job abc completed"); err != nil {
			t.Fatalf("Notify: %v", err)
		}
		if len(fs.sent) != 1 || fs.sent[0].ChatID != 42 || fs.sent[0].Text != "job abc completed" {
			t.Fatalf("unexpected messages %+v", fs.sent)
		}
	})

	t.Run("long text is truncated", func(t *testing.T) {
		fs := &fakeSender{}
		n := &BotNotifier{bot: fs, chatID: 1}
		_ = n.Notify(ctx, strings.Repeat("あ", 5000))
		if got := utf8.RuneCountInString(fs.sent[0].Text); got != maxMessageRunes {
			t.Fatalf("expected %d runes, got %d", maxMessageRunes, got)
		}
	})

	t.Run("send errors surface", func(t *testing.T) {
		boom := errors.New("forbidden")
		n := &BotNotifier{bot: &fakeSender{err: boom}, chatID: 1}
		if err := n.Notify(ctx, "x"); !errors.Is(err, boom) {
			t.Fatalf("expected send error, got %v", err)
		}
	})

	t.Run("cancelled context sends nothing", func(t *testing.T) {
		fs := &fakeSender{}
		n := &BotNotifier{bot: fs, chatID: 1}
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		if err := n.Notify(cctx, "x"); !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
		if len(fs.sent) != 0 {
			t.Fatal("message sent on a cancelled context")
		}
	})

	t.Run("constructor validates input", func(t *testing.T) {
		if _, err := NewBotNotifier("", 1); err == nil {
			t.Error("expected error for empty token")
		}
		if _, err := NewBotNotifier("t", 0); err == nil {
			t.Error("expected error for empty chat id")
		}
	})

	if err := NewNoopNotifier(nil).Notify(ctx, "x"); err != nil {
		t.Fatalf("noop Notify: %v", err)
	}
}
