package service

import (
	"context"
	"testing"
	"time"

	"autotrader/internal/models"

	"github.com/stretchr/testify/assert"
)

func TestFormatPositions(t *testing.T) {
	assert.Equal(t, "📭 Открытых позиций нет", formatPositions(nil))

	out := formatPositions([]models.Position{{
		ID: "12", Symbol: "USD_JPY", Direction: models.Short, Units: 5000,
		Entry: 150.1, Stop: 150.4, Target: 149.5, Status: models.StatusTrailing, External: true,
	}})
	assert.Contains(t, out, "#12 USD_JPY SHORT 5000 @ 150.100")
	assert.Contains(t, out, "SL 150.400 TP 149.500 [trailing] ext")
}

func TestFormatEvent(t *testing.T) {
	ev := models.Event{Kind: models.EventClosed, Symbol: "EUR_USD", Direction: models.Long, PositionID: "7", Message: "reason=stop"}
	assert.Equal(t, "🏁 closed EUR_USD LONG #7\nreason=stop", formatEvent(ev))

	assert.Equal(t, "⚙️ engine: stopped", formatEvent(models.Event{Kind: models.EventEngine, Message: "stopped"}))
}

func TestFormatStatus(t *testing.T) {
	out := formatStatus(models.EngineStatus{Running: true, Cycle: 3, LastCycle: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), ActivePositions: 1})
	assert.Contains(t, out, "✅ работает")
	assert.Contains(t, out, "Цикл: 3")
	assert.Contains(t, out, "2026-03-02T09:00:00Z")
}

func TestDisabledTelegramIsSilent(t *testing.T) {
	tg := &Telegram{}
	assert.False(t, tg.Enabled())
	assert.NoError(t, tg.Deliver(context.Background(), models.Event{Kind: models.EventEngine}))
}
