// Package notify pushes run lifecycle notifications to external channels.
// Delivery is best effort: a failed notification never affects a run.
package notify

import (
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"

	"github.com/forgeboard/forgeboard/internal/bus"
	"github.com/forgeboard/forgeboard/internal/config"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramBot is the send-only slice of the bot API used here (allows
// mocking in tests).
type TelegramBot interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// BotFactory creates TelegramBot instances (allows mocking).
type BotFactory func(token string, client *http.Client) (TelegramBot, error)

var defaultBotFactory BotFactory = func(token string, client *http.Client) (TelegramBot, error) {
	return tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, client)
}

// TelegramNotifier forwards completed and failed run events to one chat.
type TelegramNotifier struct {
	chatID int64
	bot    TelegramBot
}

func NewTelegramNotifier(cfg config.TelegramConfig) (*TelegramNotifier, error) {
	return NewTelegramNotifierWithFactory(cfg, defaultBotFactory)
}

// NewTelegramNotifierWithFactory creates a notifier with a custom bot
// factory (for testing).
func NewTelegramNotifierWithFactory(cfg config.TelegramConfig, factory BotFactory) (*TelegramNotifier, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	chatID, err := strconv.ParseInt(cfg.ChatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse telegram chat id %q: %w", cfg.ChatID, err)
	}

	client := http.DefaultClient
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		client = &http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}
	}

	bot, err := factory(cfg.Token, client)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &TelegramNotifier{chatID: chatID, bot: bot}, nil
}

// Attach subscribes the notifier to run terminal events on the bus.
func (n *TelegramNotifier) Attach(eb *bus.EventBus) {
	eb.Subscribe("telegram-notify", func(evt bus.RunEvent) {
		switch evt.Kind {
		case bus.KindRunCompleted, bus.KindRunFailed:
			n.Notify(evt)
		}
	})
}

// Notify sends one message for a terminal run event.
func (n *TelegramNotifier) Notify(evt bus.RunEvent) {
	var text string
	switch evt.Kind {
	case bus.KindRunCompleted:
		text = fmt.Sprintf("✅ 任务 %s 已完成\n%s", evt.TaskID, evt.Summary)
	case bus.KindRunFailed:
		text = fmt.Sprintf("❌ 任务 %s 执行失败\n%s", evt.TaskID, evt.Summary)
	default:
		return
	}
	if _, err := n.bot.Send(tgbotapi.NewMessage(n.chatID, text)); err != nil {
		log.Printf("[notify] telegram send failed: %v", err)
	}
}
