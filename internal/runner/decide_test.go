package runner

import (
	"testing"
	"time"

	"autotrader/internal/models"

	"github.com/stretchr/testify/assert"
)

func longEURUSD() models.Position {
	return models.Position{
		ID:           "42",
		Symbol:       "EUR_USD",
		Direction:    models.Long,
		Entry:        1.1000,
		Units:        10000,
		InitialUnits: 10000,
		Stop:         1.0980,
		InitialStop:  1.0980,
		Target:       1.1050,
		OpenedAt:     t0,
		Status:       models.StatusOpen,
		HighWater:    1.1000,
		Volatility:   0.001,
	}
}

func TestDecideNothingBelowActivation(t *testing.T) {
	d := decide(longEURUSD(), 1.1005, t0.Add(time.Minute), DefaultConfig().Monitor)
	assert.False(t, d.Close)
	assert.False(t, d.MoveStop)
	assert.Zero(t, d.PartialUnits)
	assert.InDelta(t, 1.1005, d.HighWater, 1e-12)
}

func TestDecideActivatesTrailing(t *testing.T) {
	d := decide(longEURUSD(), 1.1012, t0.Add(time.Minute), DefaultConfig().Monitor)
	assert.True(t, d.MoveStop)
	assert.True(t, d.ActivateTrailing)
	assert.False(t, d.BreakEven)
	// 1.1012 - 1.1*0.001
	assert.InDelta(t, 1.1001, d.NewStop, 2e-5)
	assert.Less(t, d.NewStop, 1.1012)
}

func TestDecidePartialOnce(t *testing.T) {
	cfg := DefaultConfig().Monitor
	p := longEURUSD()

	d := decide(p, 1.1016, t0.Add(time.Minute), cfg)
	assert.Equal(t, 4000.0, d.PartialUnits)
	assert.False(t, d.MoveStop, "partial exit is the only action of a poll")

	p.PartialTaken = true
	p.Units = 6000
	d = decide(p, 1.1016, t0.Add(time.Minute), cfg)
	assert.Zero(t, d.PartialUnits)
	assert.True(t, d.MoveStop)
	assert.InDelta(t, 1.1005, d.NewStop, 2e-5)
}

func TestDecideStopNeverLoosens(t *testing.T) {
	cfg := DefaultConfig().Monitor
	p := longEURUSD()
	p.Trailing = true
	p.PartialTaken = true
	p.Status = models.StatusTrailing
	p.Stop = 1.1005
	p.HighWater = 1.1016
	p.HighWaterProfit = 0.0016

	for _, px := range []float64{1.1014, 1.1010, 1.1007} {
		d := decide(p, px, t0.Add(time.Minute), cfg)
		assert.False(t, d.MoveStop, "price %v", px)
		assert.InDelta(t, 1.1016, d.HighWater, 1e-12)
		assert.InDelta(t, 0.0016, d.HighWaterProfit, 1e-12)
	}

	d := decide(p, 1.1030, t0.Add(time.Minute), cfg)
	assert.True(t, d.MoveStop)
	assert.Greater(t, d.NewStop, p.Stop)
}

func TestDecideShortMirrors(t *testing.T) {
	p := models.Position{
		ID:          "7",
		Symbol:      "USD_JPY",
		Direction:   models.Short,
		Entry:       150.00,
		Units:       5000,
		Stop:        150.30,
		InitialStop: 150.30,
		OpenedAt:    t0,
		Status:      models.StatusOpen,
		HighWater:   150.00,
		Volatility:  0.2,
	}

	d := decide(p, 149.75, t0.Add(time.Minute), DefaultConfig().Monitor)
	assert.True(t, d.MoveStop)
	assert.InDelta(t, 149.75, d.HighWater, 1e-9)
	assert.InDelta(t, 149.97, d.NewStop, 2e-3)
	assert.Less(t, d.NewStop, p.Stop)
	assert.Greater(t, d.NewStop, 149.75)
}

func TestDecideBreakEven(t *testing.T) {
	cfg := DefaultConfig().Monitor
	cfg.TrailActivation = 10
	cfg.PartialTrigger = 0

	d := decide(longEURUSD(), 1.1021, t0.Add(time.Minute), cfg)
	assert.True(t, d.BreakEven)
	assert.True(t, d.MoveStop)
	assert.InDelta(t, 1.1000, d.NewStop, 1e-9)
}

func TestDecideTrailFractionClamped(t *testing.T) {
	cfg := DefaultConfig().Monitor
	cfg.TrailFraction = 3

	d := decide(longEURUSD(), 1.1012, t0.Add(time.Minute), cfg)
	assert.True(t, d.MoveStop)
	assert.InDelta(t, 1.0997, d.NewStop, 2e-5)
}

func TestDecideTimeExit(t *testing.T) {
	cfg := DefaultConfig().Monitor
	cfg.MaxHold = time.Hour

	d := decide(longEURUSD(), 1.1001, t0.Add(2*time.Hour), cfg)
	assert.True(t, d.Close)
	assert.Equal(t, models.CloseTime, d.Reason)
}

func TestDecideResumesClosing(t *testing.T) {
	p := longEURUSD()
	p.Status = models.StatusClosing
	p.CloseReason = models.CloseTime

	d := decide(p, 1.1001, t0.Add(time.Minute), DefaultConfig().Monitor)
	assert.True(t, d.Close)
	assert.Equal(t, models.CloseTime, d.Reason)
}

func TestDecideNoSecondPartialWhilePending(t *testing.T) {
	p := longEURUSD()
	p.PartialPending = true
	p.PendingPartialUnits = 4000

	d := decide(p, 1.1016, t0.Add(time.Minute), DefaultConfig().Monitor)
	assert.Zero(t, d.PartialUnits)
}
