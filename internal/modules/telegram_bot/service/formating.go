package service

import (
	"fmt"
	"strings"
	"time"

	"autotrader/internal/helper"
	"autotrader/internal/models"
)

func formatStatus(st models.EngineStatus) string {
	last := "—"
	if !st.LastCycle.IsZero() {
		last = st.LastCycle.UTC().Format(time.RFC3339)
	}
	return fmt.Sprintf(
		"📊 Статус\n\n"+
			"Движок: %s\n"+
			"Цикл: %d\n"+
			"Последний цикл: %s\n"+
			"Позиции: %d\n"+
			"Мониторы: %d",
		onOff(st.Running),
		st.Cycle,
		last,
		st.ActivePositions,
		st.Monitors,
	)
}

func formatPositions(ps []models.Position) string {
	if len(ps) == 0 {
		return "📭 Открытых позиций нет"
	}
	var b strings.Builder
	b.WriteString("📋 Открытые позиции:\n")
	for _, p := range ps {
		fmt.Fprintf(&b, "\n#%s %s %s %.0f @ %s\n  SL %s TP %s [%s]",
			p.ID, p.Symbol, strings.ToUpper(string(p.Direction)), p.Units,
			helper.FormatPrice(p.Symbol, p.Entry),
			helper.FormatPrice(p.Symbol, p.Stop),
			helper.FormatPrice(p.Symbol, p.Target),
			p.Status,
		)
		if p.External {
			b.WriteString(" ext")
		}
	}
	return b.String()
}

var eventIcons = map[models.EventKind]string{
	models.EventAdmitted:   "🎯",
	models.EventRejected:   "🚫",
	models.EventExecuted:   "✅",
	models.EventExecFailed: "❗️",
	models.EventImported:   "📥",
	models.EventStopMoved:  "🧲",
	models.EventPartial:    "✂️",
	models.EventClosed:     "🏁",
	models.EventError:      "⚠️",
	models.EventEngine:     "⚙️",
}

func formatEvent(ev models.Event) string {
	icon := eventIcons[ev.Kind]
	if icon == "" {
		icon = "•"
	}
	var head []string
	if ev.Symbol != "" {
		head = append(head, ev.Symbol)
	}
	if ev.Direction != "" {
		head = append(head, strings.ToUpper(string(ev.Direction)))
	}
	if ev.PositionID != "" {
		head = append(head, "#"+ev.PositionID)
	}
	if len(head) == 0 {
		return fmt.Sprintf("%s %s: %s", icon, ev.Kind, ev.Message)
	}
	return fmt.Sprintf("%s %s %s\n%s", icon, ev.Kind, strings.Join(head, " "), ev.Message)
}

func onOff(b bool) string {
	if b {
		return "✅ работает"
	}
	return "⛔️ остановлен"
}
