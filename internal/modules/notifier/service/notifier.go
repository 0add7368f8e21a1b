package service

import (
	"context"
	"fmt"
	"sync"

	"order_engine/pkg/logger"

	tgbot "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Notifier delivers lifecycle messages. Notify never blocks on delivery and
// never returns an error; failures are logged.
type Notifier interface {
	Notify(ctx context.Context, accountID int64, format string, args ...any)
}

type message struct {
	chatID int64
	text   string
}

// Telegram: пассивный нотифайер: одно сообщение в чат аккаунта.
type Telegram struct {
	bot   *tgbot.BotAPI
	chats map[int64]int64 // accountID -> chatID

	mu     sync.RWMutex
	closed bool
	queue  chan message
	wg     sync.WaitGroup
}

func NewTelegram(token string, chats map[int64]int64, buffer int) (*Telegram, error) {
	b, err := tgbot.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("notifier.NewTelegram: %w", err)
	}
	if buffer <= 0 {
		buffer = 256
	}
	return &Telegram{
		bot:   b,
		chats: chats,
		queue: make(chan message, buffer),
	}, nil
}

func (t *Telegram) Notify(_ context.Context, accountID int64, format string, args ...any) {
	text := fmt.Sprintf(format, args...)
	chatID := t.chats[accountID]
	if chatID == 0 {
		logger.Info("[NOTIFY] acct=%d %s", accountID, text)
		return
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		logger.Info("[NOTIFY] acct=%d %s", accountID, text)
		return
	}
	select {
	case t.queue <- message{chatID: chatID, text: text}:
	default:
		// очередь переполнена, сообщение только в лог
		logger.Warn("[NOTIFY] queue full, dropped acct=%d: %s", accountID, text)
	}
}

// Start runs the sender until Stop is called.
func (t *Telegram) Start() {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for m := range t.queue {
			if _, err := t.bot.Send(tgbot.NewMessage(m.chatID, m.text)); err != nil {
				logger.Error("[NOTIFY] telegram send chat=%d: %v", m.chatID, err)
			}
		}
	}()
}

// Stop drains queued messages and stops the sender.
func (t *Telegram) Stop() {
	t.mu.Lock()
	if !t.closed {
		t.closed = true
		close(t.queue)
	}
	t.mu.Unlock()
	t.wg.Wait()
}

// Stdout: всё в лог, когда токена нет.
type Stdout struct{}

func NewStdout() *Stdout { return &Stdout{} }

func (s *Stdout) Notify(_ context.Context, accountID int64, format string, args ...any) {
	logger.Info("[NOTIFY] acct=%d %s", accountID, fmt.Sprintf(format, args...))
}
