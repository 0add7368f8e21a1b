package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"order_engine/internal/modules/config"
	"order_engine/internal/runner/sessions"
	"order_engine/pkg/logger"
)

// Controller is the part of the session manager the operator can drive.
type Controller interface {
	EnableAccount(acct config.Account) error
	DisableAccount(accountID int64) error
	Status(ctx context.Context) ([]sessions.Snapshot, error)
}

const helpText = "Команды:\n" +
	"/status - сессии и счётчики\n" +
	"/positions - открытые позиции\n" +
	"/enable <id> - запустить аккаунт\n" +
	"/disable <id> - остановить аккаунт"

// Commands turns operator commands into manager calls and renders the reply.
type Commands struct {
	ctl    Controller
	cfg    *config.Config
	admins map[int64]bool
}

func NewCommands(ctl Controller, cfg *config.Config) *Commands {
	admins := make(map[int64]bool, len(cfg.Telegram.AdminChats))
	for _, id := range cfg.Telegram.AdminChats {
		admins[id] = true
	}
	return &Commands{ctl: ctl, cfg: cfg, admins: admins}
}

func (c *Commands) Allowed(chatID int64) bool {
	return c.admins[chatID]
}

// Handle executes one command from chatID. The reply is empty for chats
// that are not allowed to operate the engine.
func (c *Commands) Handle(ctx context.Context, chatID int64, command, args string) string {
	if !c.Allowed(chatID) {
		logger.Warn("[TG] command /%s from unknown chat %d ignored", command, chatID)
		return ""
	}
	logger.Info("[TG] chat=%d /%s %s", chatID, command, args)

	switch command {
	case "start", "help":
		return helpText
	case "status":
		return c.status(ctx)
	case "positions":
		return c.positions(ctx)
	case "enable":
		id, err := parseAccountID(args)
		if err != nil {
			return "❗️ " + err.Error()
		}
		acct, ok := c.cfg.Account(id)
		if !ok {
			return fmt.Sprintf("❗️ аккаунт %d не найден в конфиге", id)
		}
		if err := c.ctl.EnableAccount(acct); err != nil {
			return fmt.Sprintf("❗️ %v", err)
		}
		return fmt.Sprintf("▶️ аккаунт %d запущен", id)
	case "disable":
		id, err := parseAccountID(args)
		if err != nil {
			return "❗️ " + err.Error()
		}
		if err := c.ctl.DisableAccount(id); err != nil {
			return fmt.Sprintf("❗️ %v", err)
		}
		return fmt.Sprintf("⏹ аккаунт %d остановлен", id)
	default:
		return "Неизвестная команда\n\n" + helpText
	}
}

func (c *Commands) status(ctx context.Context) string {
	snaps, err := c.ctl.Status(ctx)
	if err != nil {
		return fmt.Sprintf("❗️ статус недоступен: %v", err)
	}
	if len(snaps) == 0 {
		return "💤 активных аккаунтов нет"
	}
	return formatStatus(snaps)
}

func (c *Commands) positions(ctx context.Context) string {
	snaps, err := c.ctl.Status(ctx)
	if err != nil {
		return fmt.Sprintf("❗️ позиции недоступны: %v", err)
	}
	return formatPositions(snaps)
}

func parseAccountID(args string) (int64, error) {
	fields := strings.Fields(args)
	if len(fields) != 1 {
		return 0, fmt.Errorf("нужен id аккаунта")
	}
	id, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("плохой id аккаунта %q", fields[0])
	}
	return id, nil
}
