package service

import (
	"fmt"
	"strings"

	"order_engine/internal/runner/sessions"
)

func f4(v float64) string {
	return fmt.Sprintf("%.4f", v)
}

func formatStatus(snaps []sessions.Snapshot) string {
	var b strings.Builder
	b.WriteString("📊 Статус\n")
	for _, s := range snaps {
		fmt.Fprintf(&b, "\nАккаунт %d\n", s.AccountID)
		fmt.Fprintf(&b, "  позиций: %d\n", len(s.OpenPositions))
		fmt.Fprintf(&b, "  ордеров: %d\n", s.LiveOrders)
		fmt.Fprintf(&b, "  входов в работе: %d\n", s.PendingEntry)
		fmt.Fprintf(&b, "  стаканов: %d\n", len(s.BookSymbols))
	}
	return b.String()
}

func formatPositions(snaps []sessions.Snapshot) string {
	var b strings.Builder
	n := 0
	for _, s := range snaps {
		for _, p := range s.OpenPositions {
			if n == 0 {
				b.WriteString("📊 Открытые позиции:\n")
			}
			n++
			fmt.Fprintf(&b, "- [%d] %s %s qty=%s @ %s mark=%s uPnL=%s trail=%s\n",
				s.AccountID, p.Symbol, p.Side, f4(p.Quantity), f4(p.EntryPrice),
				f4(p.CurrentPrice), f4(p.UnrealizedPnL), p.TrailingLevel)
		}
	}
	if n == 0 {
		return "📭 Открытых позиций нет"
	}
	return b.String()
}
