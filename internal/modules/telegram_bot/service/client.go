package service

import (
	"context"
	"fmt"

	"autotrader/internal/models"
	"autotrader/internal/modules/config"
	"autotrader/internal/notify"
	"autotrader/pkg/logger"

	tgbot "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Control — операции движка, доступные из чата.
type Control interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Status() models.EngineStatus
	Active(ctx context.Context) ([]models.Position, error)
	CloseManual(ctx context.Context, id string) error
}

// Telegram — канал уведомлений и операторские команды. Без токена выключен.
type Telegram struct {
	bot    *tgbot.BotAPI
	chatID int64
}

var _ notify.Sink = (*Telegram)(nil)

func NewTelegram(cfg *config.Config) (*Telegram, error) {
	if cfg.Telegram.Token == "" {
		logger.Warn("[TELEGRAM] TELEGRAM_TOKEN is empty, telegram disabled")
		return &Telegram{}, nil
	}
	b, err := tgbot.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		return nil, err
	}
	return &Telegram{bot: b, chatID: cfg.Telegram.ChatID}, nil
}

func (t *Telegram) Enabled() bool { return t.bot != nil }

func (*Telegram) Name() string { return "telegram" }

// Deliver — событие движка в операторский чат.
func (t *Telegram) Deliver(_ context.Context, ev models.Event) error {
	if t.bot == nil || t.chatID == 0 {
		return nil
	}
	_, err := t.bot.Send(tgbot.NewMessage(t.chatID, formatEvent(ev)))
	return err
}

func (t *Telegram) Send(_ context.Context, chatID int64, msg string) (tgbot.Message, error) {
	return t.bot.Send(tgbot.NewMessage(chatID, msg))
}

func (t *Telegram) SendF(ctx context.Context, chatID int64, format string, args ...any) (tgbot.Message, error) {
	return t.Send(ctx, chatID, fmt.Sprintf(format, args...))
}

func (t *Telegram) SendMessage(_ context.Context, message tgbot.MessageConfig) (tgbot.Message, error) {
	return t.bot.Send(message)
}

// Start читает апдейты до отмены ctx.
func (t *Telegram) Start(ctx context.Context, ctl Control) {
	if t.bot == nil {
		return
	}
	u := tgbot.NewUpdate(0)
	u.Timeout = 30
	updates := t.bot.GetUpdatesChan(u)
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			t.handleUpdate(ctx, ctl, update)
		}
	}
}

func (t *Telegram) Stop() {
	if t.bot != nil {
		t.bot.StopReceivingUpdates()
	}
}
