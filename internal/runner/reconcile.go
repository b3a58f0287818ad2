package runner

import (
	"context"
	"fmt"
	"math"

	"autotrader/internal/broker"
	"autotrader/internal/helper"
	"autotrader/internal/models"
	"autotrader/internal/store"
	"autotrader/pkg/logger"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// reconcile сводит store с брокером. Брокер — правда о существовании
// позиции, store — о её метаданных. Возвращает число позиций, ушедших в историю.
func (e *Engine) reconcile(ctx context.Context) (int, error) {
	var (
		remote []models.BrokerPosition
		local  []models.Position
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		bctx, cancel := e.brokerCtx(gctx)
		defer cancel()
		var err error
		remote, err = e.broker.OpenPositions(bctx)
		return errors.Wrap(err, "broker positions")
	})
	g.Go(func() error {
		var err error
		local, err = e.store.ActivePositions(gctx)
		return errors.Wrap(err, "store positions")
	})
	if err := g.Wait(); err != nil {
		return 0, err
	}

	atBroker := make(map[string]models.BrokerPosition, len(remote))
	for _, bp := range remote {
		atBroker[bp.ID] = bp
	}
	known := make(map[string]struct{}, len(local))

	closed := 0
	now := e.now()
	for _, p := range local {
		known[p.ID] = struct{}{}
		if _, ok := atBroker[p.ID]; ok {
			if e.sup.Spawn(p.ID, e.monitor(p.ID)) {
				logger.Info("[RECONCILE] %s %s: monitor restarted", p.ID, p.Symbol)
			}
			continue
		}

		// брокер мог ещё не показать только что открытую сделку
		if p.Status == models.StatusOpening && now.Sub(p.OpenedAt) < e.cfg.Engine.OpeningGrace {
			continue
		}
		if e.sup.RequestClose(p.ID, "") {
			continue
		}

		reason, exit, pl := models.CloseExternal, 0.0, 0.0
		bctx, cancel := e.brokerCtx(ctx)
		bp, err := e.broker.Position(bctx, p.ID)
		cancel()
		switch {
		case err == nil:
			reason, exit, pl = closeReasonOf(p, bp.CloseReason), bp.ExitPrice, bp.RealizedPL
		case errors.Is(err, broker.ErrPositionNotFound):
			reason = closeReasonOf(p, "")
		default:
			// подробностей нет, но отсутствие в списке открытых уже достоверно
			logger.Warn("[RECONCILE] %s details: %v", p.ID, err)
		}
		if err := e.finalize(ctx, p, reason, exit, pl); err != nil {
			return closed, err
		}
		closed++
	}

	for _, bp := range remote {
		if _, ok := known[bp.ID]; ok {
			continue
		}
		if err := e.adopt(ctx, bp); err != nil {
			logger.Error("[RECONCILE] adopt %s %s: %v", bp.ID, bp.Symbol, err)
		}
	}
	return closed, nil
}

// adopt берёт под наблюдение позицию, которой нет в store: потерянный ответ
// на наш ордер или сделку, открытую руками.
func (e *Engine) adopt(ctx context.Context, bp models.BrokerPosition) error {
	ours := bp.ClientTag == models.OrderTag

	if old, err := e.store.GetPosition(ctx, bp.ID); err == nil && old.Status == models.StatusClosed {
		logger.Warn("[RECONCILE] %s is closed locally but still open at broker, left as is", bp.ID)
		return nil
	}

	if !ours && e.cfg.Engine.CloseGhosts {
		bctx, cancel := e.brokerCtx(ctx)
		err := e.broker.Close(bctx, bp.ID, 0)
		cancel()
		if err != nil && !errors.Is(err, broker.ErrPositionNotFound) {
			return errors.Wrap(err, "close ghost")
		}
		logger.Warn("[RECONCILE] ghost %s %s %s closed", bp.ID, bp.Symbol, bp.Direction)
		e.notify(models.Event{
			Kind:       models.EventClosed,
			PositionID: bp.ID,
			Symbol:     bp.Symbol,
			Direction:  bp.Direction,
			Message:    "reason=" + models.CloseGhost,
		})
		return nil
	}

	fp := bp.Fingerprint
	if fp == "" {
		fp = helper.Fingerprint(bp.Symbol, bp.Direction, bp.OpenedAt, e.cfg.Dedup.Bucket)
	}

	p := models.Position{
		ID:           bp.ID,
		Symbol:       helper.NormSymbol(bp.Symbol),
		Direction:    bp.Direction,
		Entry:        bp.Entry,
		Units:        bp.Units,
		InitialUnits: bp.Units,
		Stop:         bp.Stop,
		InitialStop:  bp.Stop,
		Target:       bp.Target,
		OpenedAt:     bp.OpenedAt,
		Status:       models.StatusOpen,
		HighWater:    bp.Entry,
		Volatility:   e.importVolatility(ctx, bp),
		Fingerprint:  fp,
		External:     !ours,
	}
	if p.OpenedAt.IsZero() {
		p.OpenedAt = e.now()
	}

	if _, err := e.store.InsertPosition(ctx, p); err != nil {
		if !errors.Is(err, store.ErrDuplicatePosition) {
			return errors.Wrap(err, "insert")
		}
	} else {
		logger.Info("[RECONCILE] imported %s %s %s %.0f @ %v (external=%v)", p.ID, p.Symbol, p.Direction, p.Units, p.Entry, p.External)
		e.notify(models.Event{
			Kind:       models.EventImported,
			PositionID: p.ID,
			Symbol:     p.Symbol,
			Direction:  p.Direction,
			Message:    fmt.Sprintf("%.0f units @ %v stop=%v external=%v", p.Units, p.Entry, p.Stop, p.External),
		})
	}

	e.recordDedup(ctx, fp, e.now(), e.cfg.Dedup.Cooldown, "imported")
	e.sup.Spawn(p.ID, e.monitor(p.ID))
	return nil
}

func (e *Engine) importVolatility(ctx context.Context, bp models.BrokerPosition) float64 {
	bctx, cancel := e.brokerCtx(ctx)
	v, err := e.broker.Volatility(bctx, bp.Symbol)
	cancel()
	if err == nil && v > 0 {
		return v
	}
	if bp.Stop > 0 && e.cfg.Planner.StopVolMult > 0 {
		return math.Abs(bp.Entry-bp.Stop) / e.cfg.Planner.StopVolMult
	}
	return bp.Entry * e.cfg.Planner.FallbackVolPct / 100
}
