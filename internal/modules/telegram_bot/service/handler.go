package service

import (
	"context"
	"strings"

	"autotrader/pkg/logger"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	btnStart     = "▶️ Запустить"
	btnStop      = "⏹ Остановить"
	btnStatus    = "📊 Статус"
	btnPositions = "📋 Позиции"
)

func (t *Telegram) handleUpdate(ctx context.Context, ctl Control, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil {
		return
	}
	chatID := msg.Chat.ID

	// команды принимаем только из операторского чата
	if t.chatID != 0 && chatID != t.chatID {
		logger.Warn("[TELEGRAM] ignored message from chat %d", chatID)
		return
	}

	if msg.IsCommand() {
		t.handleCommand(ctx, ctl, chatID, msg.Command(), msg.CommandArguments())
		return
	}

	switch strings.TrimSpace(msg.Text) {
	case btnStart:
		t.handleCommand(ctx, ctl, chatID, "start", "")
	case btnStop:
		t.handleCommand(ctx, ctl, chatID, "stop", "")
	case btnStatus:
		t.handleCommand(ctx, ctl, chatID, "status", "")
	case btnPositions:
		t.handleCommand(ctx, ctl, chatID, "positions", "")
	}
}

func (t *Telegram) handleCommand(ctx context.Context, ctl Control, chatID int64, cmd, args string) {
	var (
		reply string
		err   error
	)
	switch cmd {
	case "help":
		t.sendMenu(ctx, chatID)
		return
	case "start":
		if err = ctl.Start(ctx); err == nil {
			reply = "▶️ Движок запущен\n\n" + formatStatus(ctl.Status())
		}
	case "stop":
		if err = ctl.Stop(ctx); err == nil {
			reply = "⏹ Движок остановлен. Открытые позиции остаются у брокера со стопами."
		}
	case "status":
		reply = formatStatus(ctl.Status())
	case "positions":
		ps, perr := ctl.Active(ctx)
		err = perr
		reply = formatPositions(ps)
	case "close":
		id := strings.TrimSpace(args)
		if id == "" {
			reply = "Использование: /close <id>"
			break
		}
		if err = ctl.CloseManual(ctx, id); err == nil {
			reply = "⏳ Закрываю позицию #" + id
		}
	default:
		reply = "Неизвестная команда, см. /help"
	}

	if err != nil {
		logger.Error("[TELEGRAM] /%s: %v", cmd, err)
		reply = "❗️ Ошибка: " + err.Error()
	}
	if _, err = t.Send(ctx, chatID, reply); err != nil {
		logger.Error("[TELEGRAM] send reply: %v", err)
	}
}

func (t *Telegram) sendMenu(ctx context.Context, chatID int64) {
	replyKb := tgbotapi.NewReplyKeyboard(
		tgbotapi.NewKeyboardButtonRow(
			tgbotapi.NewKeyboardButton(btnStart),
			tgbotapi.NewKeyboardButton(btnStop),
		),
		tgbotapi.NewKeyboardButtonRow(
			tgbotapi.NewKeyboardButton(btnStatus),
			tgbotapi.NewKeyboardButton(btnPositions),
		),
	)

	msg := tgbotapi.NewMessage(chatID, helpText)
	msg.ReplyMarkup = replyKb
	if _, err := t.SendMessage(ctx, msg); err != nil {
		logger.Error("[TELEGRAM] send menu: %v", err)
	}
}

const helpText = "Команды:\n" +
	"/status — состояние движка\n" +
	"/positions — открытые позиции\n" +
	"/start — запустить движок\n" +
	"/stop — остановить движок (позиции остаются у брокера)\n" +
	"/close <id> — закрыть позицию"
