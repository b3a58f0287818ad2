package runner

import (
	"context"
	"fmt"
	"math"
	"time"

	"autotrader/internal/broker"
	"autotrader/internal/helper"
	"autotrader/internal/models"
)

const (
	RejectNoQuote = "no_quote"
	RejectStale   = "stale_quote"
	RejectSpread  = "spread"
	RejectSize    = "size"
	RejectAccount = "account"
)

// Rejection — нормальный исход планирования, не ошибка.
type Rejection struct {
	Reason string
	Detail string
}

func (r *Rejection) String() string { return r.Reason + ": " + r.Detail }

type Planner struct {
	cfg     PlannerConfig
	broker  broker.Broker
	timeout time.Duration
	now     func() time.Time
}

func NewPlanner(cfg PlannerConfig, b broker.Broker, timeout time.Duration) *Planner {
	return &Planner{cfg: cfg, broker: b, timeout: timeout, now: time.Now}
}

// SpreadLimit — максимальный спред для класса инструмента.
func (p *Planner) SpreadLimit(symbol string) float64 {
	switch helper.Classify(symbol) {
	case helper.ClassMetal:
		return p.cfg.SpreadMetal
	case helper.ClassJPY:
		if helper.IsVolatileJPY(symbol) {
			return math.Max(1.5*p.cfg.SpreadJPY, 0.06)
		}
		return p.cfg.SpreadJPY
	default:
		return p.cfg.SpreadRegular
	}
}

// Plan превращает кандидата в ордер. size = balance*risk% / stopDistance,
// с клампом в [MinUnits, MaxUnits]; стоп и тейк — кратные волатильности от
// цены входа (ask для long, bid для short).
func (p *Planner) Plan(ctx context.Context, c Candidate, acct models.Account) (models.OrderPlan, *Rejection) {
	o := c.Opp
	if acct.Balance <= 0 {
		return models.OrderPlan{}, &Rejection{Reason: RejectAccount, Detail: "balance <= 0"}
	}

	qctx, cancel := context.WithTimeout(ctx, p.timeout)
	q, err := p.broker.Quote(qctx, o.Symbol)
	cancel()
	if err != nil {
		return models.OrderPlan{}, &Rejection{Reason: RejectNoQuote, Detail: err.Error()}
	}
	if q.Bid <= 0 || q.Ask <= 0 || q.Ask < q.Bid {
		return models.OrderPlan{}, &Rejection{Reason: RejectNoQuote, Detail: fmt.Sprintf("bad quote bid=%v ask=%v", q.Bid, q.Ask)}
	}
	if p.cfg.MaxQuoteAge > 0 && !q.Time.IsZero() && p.now().Sub(q.Time) > p.cfg.MaxQuoteAge {
		return models.OrderPlan{}, &Rejection{Reason: RejectStale, Detail: "quote from " + q.Time.Format(time.RFC3339)}
	}
	if limit := p.SpreadLimit(o.Symbol); limit > 0 && q.Spread() > limit {
		return models.OrderPlan{}, &Rejection{Reason: RejectSpread, Detail: fmt.Sprintf("spread %.5f > %.5f", q.Spread(), limit)}
	}

	ref := q.Entry(o.Direction)
	vol := p.volatility(ctx, o, ref)
	stopDist := vol * p.cfg.StopVolMult
	if stopDist <= 0 {
		return models.OrderPlan{}, &Rejection{Reason: RejectSize, Detail: "zero stop distance"}
	}

	risk := acct.Balance * p.cfg.RiskPct / 100
	raw := risk / stopDist
	if raw < p.cfg.MinTradeUnit {
		return models.OrderPlan{}, &Rejection{Reason: RejectSize, Detail: fmt.Sprintf("size %.2f below minimum unit", raw)}
	}
	units := math.Min(math.Max(raw, p.cfg.MinUnits), p.cfg.MaxUnits)
	units = helper.FloorUnits(units)
	if units < p.cfg.MinTradeUnit {
		return models.OrderPlan{}, &Rejection{Reason: RejectSize, Detail: "size rounds to zero"}
	}

	sign := o.Direction.Sign()
	stop := helper.RoundStop(o.Symbol, o.Direction, ref-sign*stopDist)
	target := helper.RoundPrice(o.Symbol, ref+sign*vol*p.cfg.TargetVolMult)
	if stop <= 0 {
		return models.OrderPlan{}, &Rejection{Reason: RejectSize, Detail: "stop below zero"}
	}

	return models.OrderPlan{
		Symbol:      o.Symbol,
		Direction:   o.Direction,
		Units:       units,
		Reference:   ref,
		Stop:        stop,
		Target:      target,
		Spread:      q.Spread(),
		Volatility:  vol,
		Score:       o.Score,
		Fingerprint: c.Fingerprint,
	}, nil
}

func (p *Planner) volatility(ctx context.Context, o models.Opportunity, ref float64) float64 {
	if o.Volatility > 0 {
		return o.Volatility
	}
	vctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if v, err := p.broker.Volatility(vctx, o.Symbol); err == nil && v > 0 {
		return v
	}
	return ref * p.cfg.FallbackVolPct / 100
}
