package runner

import (
	"fmt"
	"math"
	"time"

	"autotrader/internal/helper"
	"autotrader/internal/models"
)

// Decision — что монитор должен сделать по текущей цене. Одно действие за опрос:
// закрытие, частичный выход или перенос стопа.
type Decision struct {
	HighWater       float64
	HighWaterProfit float64

	Close  bool
	Reason string

	PartialUnits float64

	MoveStop         bool
	NewStop          float64
	ActivateTrailing bool
	BreakEven        bool
}

const (
	minTrailFraction = 1.0
	maxTrailFraction = 1.5
)

// decide — чистая функция, никаких вызовов наружу.
// price — цена выхода (bid для long, ask для short).
func decide(p models.Position, price float64, now time.Time, cfg MonitorConfig) Decision {
	sign := p.Direction.Sign()

	hw := p.HighWater
	if hw == 0 {
		hw = p.Entry
	}
	if sign*(price-hw) > 0 {
		hw = price
	}
	profit := p.Profit(price)
	d := Decision{
		HighWater:       hw,
		HighWaterProfit: math.Max(p.HighWaterProfit, profit),
	}

	if p.Status == models.StatusClosing {
		d.Close = true
		d.Reason = p.CloseReason
		return d
	}

	if cfg.MaxHold > 0 && !p.OpenedAt.IsZero() && now.Sub(p.OpenedAt) >= cfg.MaxHold {
		d.Close = true
		d.Reason = models.CloseTime
		return d
	}

	vol := p.Volatility
	if vol <= 0 {
		return d
	}

	// частичный выход: не больше одного раза за жизнь позиции
	if !p.PartialTaken && !p.PartialPending && cfg.PartialTrigger > 0 && cfg.PartialFraction > 0 &&
		profit >= cfg.PartialTrigger*vol {
		units := helper.FloorUnits(p.Units * cfg.PartialFraction)
		if units >= 1 && units < p.Units {
			d.PartialUnits = units
			d.Reason = fmt.Sprintf("partial %.0f%% at %.2f vol", cfg.PartialFraction*100, cfg.PartialTrigger)
			return d
		}
	}

	// кандидаты нового стопа, берём лучший
	best := p.Stop
	improves := func(c float64) bool {
		if best == 0 {
			return true
		}
		return sign*(c-best) > 0
	}

	if cfg.BreakevenTriggerR > 0 && !p.BreakEven {
		if r := p.Risk(); r > 0 && d.HighWaterProfit >= cfg.BreakevenTriggerR*r {
			d.BreakEven = true
			if improves(p.Entry) {
				best = p.Entry
				d.Reason = fmt.Sprintf("break-even at %.1fR", cfg.BreakevenTriggerR)
			}
		}
	}

	if p.Trailing || (cfg.TrailActivation > 0 && d.HighWaterProfit >= cfg.TrailActivation*vol) {
		if !p.Trailing {
			d.ActivateTrailing = true
		}
		frac := math.Min(math.Max(cfg.TrailFraction, minTrailFraction), maxTrailFraction)
		cand := hw - sign*frac*vol
		if improves(cand) {
			best = cand
			d.Reason = fmt.Sprintf("trail %.2f vol behind %v", frac, hw)
		}
	}

	if best == p.Stop {
		return d
	}
	best = helper.RoundStop(p.Symbol, p.Direction, best)
	// после округления стоп всё ещё должен улучшаться и не пересекать цену
	if (p.Stop != 0 && sign*(best-p.Stop) <= 0) || sign*(price-best) <= 0 {
		return d
	}
	d.MoveStop = true
	d.NewStop = best
	return d
}
