package service

import (
	"context"
	"sync"

	"order_engine/pkg/logger"

	tgbot "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Telegram reads operator commands from the bot's update stream.
type Telegram struct {
	bot      *tgbot.BotAPI
	commands *Commands

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewTelegram(token string, commands *Commands) (*Telegram, error) {
	b, err := tgbot.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	return &Telegram{bot: b, commands: commands}, nil
}

func (t *Telegram) Send(chatID int64, text string) error {
	_, err := t.bot.Send(tgbot.NewMessage(chatID, text))
	return err
}

func (t *Telegram) handleUpdate(ctx context.Context, update tgbot.Update) {
	msg := update.Message
	if msg == nil || msg.Chat == nil || !msg.IsCommand() {
		// кнопки и обычный текст не поддерживаем
		return
	}
	reply := t.commands.Handle(ctx, msg.Chat.ID, msg.Command(), msg.CommandArguments())
	if reply == "" {
		return
	}
	if err := t.Send(msg.Chat.ID, reply); err != nil {
		logger.Error("[TG] reply chat=%d: %v", msg.Chat.ID, err)
	}
}

// Start polls updates in the background until Stop.
func (t *Telegram) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	t.cancel = cancel

	u := tgbot.NewUpdate(0)
	u.Timeout = 30
	updates := t.bot.GetUpdatesChan(u)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				t.handleUpdate(ctx, update)
			}
		}
	}()
}

func (t *Telegram) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.bot.StopReceivingUpdates()
	t.wg.Wait()
}
