// Package paper — брокер в памяти: dry-run и тесты. Цены берутся либо из
// внешнего MarketData (например, live-котировки OANDA), либо задаются руками.
package paper

import (
	"context"
	"sort"
	"sync"
	"time"

	"autotrader/internal/broker"
	"autotrader/internal/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type Config struct {
	Balance  float64
	Currency string
	// Quotes: symbol -> [bid, ask] для режима без фида.
	Quotes     map[string][2]float64
	Volatility map[string]float64
}

type Broker struct {
	mu      sync.Mutex
	feed    broker.MarketData
	quotes  map[string]models.Quote
	vol     map[string]float64
	trades  map[string]*models.BrokerPosition
	balance float64
	curr    string
	now     func() time.Time

	failNext    error
	loseNextAck bool
	submits     int
}

var _ broker.Broker = (*Broker)(nil)

func New(cfg Config, feed broker.MarketData) *Broker {
	b := &Broker{
		feed:    feed,
		quotes:  make(map[string]models.Quote),
		vol:     make(map[string]float64),
		trades:  make(map[string]*models.BrokerPosition),
		balance: cfg.Balance,
		curr:    cfg.Currency,
		now:     time.Now,
	}
	if b.curr == "" {
		b.curr = "USD"
	}
	for sym, ba := range cfg.Quotes {
		b.quotes[sym] = models.Quote{Symbol: sym, Bid: ba[0], Ask: ba[1], Time: b.now()}
	}
	for sym, v := range cfg.Volatility {
		b.vol[sym] = v
	}
	return b
}

// SetClock подменяет часы (тесты).
func (b *Broker) SetClock(now func() time.Time) {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
}

// SetQuote обновляет цену и срабатывает стопы/тейки по ней.
func (b *Broker) SetQuote(symbol string, bid, ask float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.applyQuoteLocked(models.Quote{Symbol: symbol, Bid: bid, Ask: ask, Time: b.now()})
}

func (b *Broker) SetVolatility(symbol string, v float64) {
	b.mu.Lock()
	b.vol[symbol] = v
	b.mu.Unlock()
}

// FailNextSubmit — следующий Submit вернёт err без исполнения.
func (b *Broker) FailNextSubmit(err error) {
	b.mu.Lock()
	b.failNext = err
	b.mu.Unlock()
}

// LoseNextAck — следующий Submit исполнится, но вернёт ambiguous-ошибку.
func (b *Broker) LoseNextAck() {
	b.mu.Lock()
	b.loseNextAck = true
	b.mu.Unlock()
}

func (b *Broker) Submits() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.submits
}

// Inject добавляет сделку, открытую мимо движка.
func (b *Broker) Inject(p models.BrokerPosition) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.OpenedAt.IsZero() {
		p.OpenedAt = b.now()
	}
	p.State = models.BrokerOpen
	b.trades[p.ID] = &p
	return p.ID
}

// CloseExternally имитирует ручное закрытие в терминале.
func (b *Broker) CloseExternally(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.trades[id]; ok && t.State == models.BrokerOpen {
		q := b.quotes[t.Symbol]
		px := q.Exit(t.Direction)
		if px == 0 {
			px = t.Entry
		}
		b.closeLocked(t, t.Units, px, "")
	}
}

// Forget удаляет сделку целиком, как будто брокер её не помнит.
func (b *Broker) Forget(id string) {
	b.mu.Lock()
	delete(b.trades, id)
	b.mu.Unlock()
}

func (b *Broker) OpenPositions(_ context.Context) ([]models.BrokerPosition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]models.BrokerPosition, 0, len(b.trades))
	for _, t := range b.trades {
		if t.State == models.BrokerOpen {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

func (b *Broker) Position(_ context.Context, id string) (models.BrokerPosition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.trades[id]
	if !ok {
		return models.BrokerPosition{}, broker.ErrPositionNotFound
	}
	return *t, nil
}

func (b *Broker) Quote(ctx context.Context, symbol string) (models.Quote, error) {
	if b.feed != nil {
		q, err := b.feed.Quote(ctx, symbol)
		if err != nil {
			return models.Quote{}, err
		}
		b.mu.Lock()
		b.applyQuoteLocked(q)
		b.mu.Unlock()
		return q, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.quotes[symbol]
	if !ok {
		return models.Quote{}, broker.Transient("quote", errors.Errorf("no price for %s", symbol))
	}
	return q, nil
}

func (b *Broker) Volatility(ctx context.Context, symbol string) (float64, error) {
	b.mu.Lock()
	v, ok := b.vol[symbol]
	b.mu.Unlock()
	if ok {
		return v, nil
	}
	if b.feed != nil {
		return b.feed.Volatility(ctx, symbol)
	}
	return 0, broker.Transient("volatility", errors.Errorf("no volatility for %s", symbol))
}

func (b *Broker) Submit(ctx context.Context, plan models.OrderPlan) (models.Fill, error) {
	if err := ctx.Err(); err != nil {
		return models.Fill{}, broker.Transient("submit", err)
	}
	q, err := b.Quote(ctx, plan.Symbol)
	if err != nil {
		return models.Fill{}, broker.Transient("submit", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.submits++
	if b.failNext != nil {
		err := b.failNext
		b.failNext = nil
		return models.Fill{}, err
	}
	if plan.Units <= 0 {
		return models.Fill{}, broker.Rejected("submit", errors.New("UNITS_INVALID"))
	}

	px := q.Entry(plan.Direction)
	t := &models.BrokerPosition{
		ID:          uuid.NewString(),
		Symbol:      plan.Symbol,
		Direction:   plan.Direction,
		Units:       plan.Units,
		Entry:       px,
		Stop:        plan.Stop,
		Target:      plan.Target,
		OpenedAt:    b.now(),
		State:       models.BrokerOpen,
		ClientID:    plan.ClientID,
		ClientTag:   models.OrderTag,
		Fingerprint: plan.Fingerprint,
	}
	b.trades[t.ID] = t

	if b.loseNextAck {
		b.loseNextAck = false
		return models.Fill{}, broker.Ambiguous("submit", context.DeadlineExceeded)
	}
	return models.Fill{PositionID: t.ID, Price: px, Units: t.Units, Time: t.OpenedAt}, nil
}

func (b *Broker) Close(_ context.Context, id string, units float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.trades[id]
	if !ok || t.State != models.BrokerOpen {
		return broker.ErrPositionNotFound
	}
	if units <= 0 || units >= t.Units {
		units = t.Units
	}
	q := b.quotes[t.Symbol]
	px := q.Exit(t.Direction)
	if px == 0 {
		px = t.Entry
	}
	b.closeLocked(t, units, px, "")
	return nil
}

func (b *Broker) UpdateStop(_ context.Context, id string, price float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.trades[id]
	if !ok || t.State != models.BrokerOpen {
		return broker.ErrPositionNotFound
	}
	if price <= 0 {
		return broker.Rejected("update_stop", errors.New("PRICE_INVALID"))
	}
	t.Stop = price
	return nil
}

func (b *Broker) Account(_ context.Context) (models.Account, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return models.Account{Balance: b.balance, NAV: b.balance, MarginAvailable: b.balance, Currency: b.curr}, nil
}

func (b *Broker) applyQuoteLocked(q models.Quote) {
	b.quotes[q.Symbol] = q
	for _, t := range b.trades {
		if t.State != models.BrokerOpen || t.Symbol != q.Symbol {
			continue
		}
		px := q.Exit(t.Direction)
		sign := t.Direction.Sign()
		switch {
		case t.Stop > 0 && sign*(px-t.Stop) <= 0:
			b.closeLocked(t, t.Units, t.Stop, models.CloseStop)
		case t.Target > 0 && sign*(px-t.Target) >= 0:
			b.closeLocked(t, t.Units, t.Target, models.CloseTarget)
		}
	}
}

func (b *Broker) closeLocked(t *models.BrokerPosition, units, px float64, reason string) {
	pl := t.Direction.Sign() * (px - t.Entry) * units
	b.balance += pl
	t.RealizedPL += pl
	t.Units -= units
	if t.Units > 0 {
		return
	}
	t.Units = 0
	t.State = models.BrokerClosed
	t.ExitPrice = px
	t.CloseReason = reason
}
