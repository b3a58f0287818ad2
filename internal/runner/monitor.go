package runner

import (
	"context"
	"fmt"
	"time"

	"autotrader/internal/broker"
	"autotrader/internal/metrics"
	"autotrader/internal/models"
	"autotrader/internal/store"
	"autotrader/pkg/logger"
	"autotrader/pkg/tracing"

	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"
)

// monitor возвращает тело горутины, которая ведёт одну позицию до закрытия.
func (e *Engine) monitor(id string) func(<-chan struct{}, <-chan string) {
	return func(quit <-chan struct{}, closeReq <-chan string) {
		logger.Info("[MONITOR] %s started", id)
		defer logger.Info("[MONITOR] %s stopped", id)

		var (
			wait time.Duration
			// причина закрытия от оператора, держим до успешного опроса
			closeReason string
		)
		for {
			if wait > 0 {
				t := time.NewTimer(wait)
				select {
				case <-quit:
					t.Stop()
					return
				case r := <-closeReq:
					t.Stop()
					if r != "" {
						closeReason = r
					}
				case <-t.C:
				}
			} else {
				select {
				case <-quit:
					return
				default:
				}
			}

			done, err := e.pollSafe(id, closeReason)
			if done {
				return
			}
			wait = e.cfg.Monitor.PollInterval
			if err == nil {
				closeReason = ""
			} else {
				logger.Warn("[MONITOR] %s: %v", id, err)
				wait = e.cfg.Monitor.ErrorBackoff
			}
		}
	}
}

func (e *Engine) pollSafe(id, closeReason string) (done bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("[MONITOR] %s panic: %v", id, r)
			done, err = false, fmt.Errorf("panic: %v", r)
		}
	}()

	span, ctx := tracing.StartSpan(context.Background(), "monitor.poll", opentracing.Tag{Key: "position", Value: id})
	done, err = e.poll(ctx, id, closeReason)
	tracing.Finish(span, err)
	return done, err
}

// poll — один шаг монитора. done=true, когда позиция закрыта и монитор
// больше не нужен. closeReason — запрошенное оператором закрытие.
func (e *Engine) poll(ctx context.Context, id, closeReason string) (bool, error) {
	p, err := e.store.GetPosition(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "load position")
	}
	if p.Status == models.StatusClosed {
		return true, nil
	}

	bctx, cancel := e.brokerCtx(ctx)
	bp, err := e.broker.Position(bctx, id)
	cancel()
	switch {
	case errors.Is(err, broker.ErrPositionNotFound):
		if p.Status == models.StatusOpening && e.now().Sub(p.OpenedAt) < e.cfg.Engine.OpeningGrace {
			return false, nil
		}
		return true, e.finalize(ctx, p, closeReasonOf(p, ""), 0, 0)
	case err != nil:
		return false, err
	case bp.State == models.BrokerClosed || bp.Units <= 0:
		return true, e.finalize(ctx, p, closeReasonOf(p, bp.CloseReason), bp.ExitPrice, bp.RealizedPL)
	}

	// частичный выход был начат: размер у брокера показывает, дошёл ли ордер
	if p.PartialPending && p.Status != models.StatusClosing && closeReason == "" {
		if bp.Units < p.Units {
			return false, e.partialDone(ctx, p, p.Units-bp.Units, "confirmed by broker size")
		}
		return false, e.takePartial(ctx, p, "retry")
	}

	changed := false
	if p.Status == models.StatusOpening {
		p.Status = models.StatusOpen
		if bp.Entry > 0 {
			p.Entry = bp.Entry
		}
		changed = true
	}
	// частичное закрытие руками в терминале
	if bp.Units < p.Units {
		p.Units = bp.Units
		changed = true
	}

	if closeReason != "" && p.Status != models.StatusClosing {
		logger.Info("[MONITOR] %s %s closing on request: %s", p.ID, p.Symbol, closeReason)
		return e.exit(ctx, p, closeReason)
	}

	qctx, cancel := e.brokerCtx(ctx)
	q, err := e.broker.Quote(qctx, p.Symbol)
	cancel()
	if err != nil {
		return false, err
	}
	price := q.Exit(p.Direction)
	if price <= 0 {
		return false, broker.Transient("quote", errors.Errorf("no exit price for %s", p.Symbol))
	}

	dec := decide(p, price, e.now(), e.cfg.Monitor)
	changed = changed || dec.HighWater != p.HighWater || dec.HighWaterProfit != p.HighWaterProfit
	p.HighWater, p.HighWaterProfit = dec.HighWater, dec.HighWaterProfit

	switch {
	case dec.Close:
		return e.exit(ctx, p, dec.Reason)
	case dec.PartialUnits > 0:
		return false, e.partial(ctx, p, dec)
	case dec.MoveStop:
		return false, e.moveStop(ctx, p, dec)
	}

	if dec.ActivateTrailing && !p.Trailing {
		p.Trailing = true
		changed = true
	}
	if dec.BreakEven && !p.BreakEven {
		p.BreakEven = true
		changed = true
	}
	if changed {
		_, err = e.store.UpdatePosition(ctx, p)
		return false, err
	}
	return false, nil
}

// exit закрывает позицию целиком по решению монитора.
func (e *Engine) exit(ctx context.Context, p models.Position, reason string) (bool, error) {
	if p.Status != models.StatusClosing {
		p.Status = models.StatusClosing
		p.CloseReason = reason
		var err error
		if p, err = e.store.UpdatePosition(ctx, p); err != nil {
			return false, err
		}
	}

	bctx, cancel := e.brokerCtx(ctx)
	err := e.broker.Close(bctx, p.ID, 0)
	cancel()
	if err != nil && !errors.Is(err, broker.ErrPositionNotFound) {
		// статус closing сохранён, следующий опрос повторит
		return false, err
	}

	var exitPx, pl float64
	bctx, cancel = e.brokerCtx(ctx)
	if bp, err := e.broker.Position(bctx, p.ID); err == nil {
		exitPx, pl = bp.ExitPrice, bp.RealizedPL
	}
	cancel()
	return true, e.finalize(ctx, p, reason, exitPx, pl)
}

// partial: сначала сохраняем отметку pending, потом идём к брокеру.
// Если ответ потерян, следующий опрос сверит размер у брокера и либо
// зафиксирует выход, либо повторит ордер, так что он случается не больше одного раза.
func (e *Engine) partial(ctx context.Context, p models.Position, dec Decision) error {
	p.PartialPending = true
	p.PendingPartialUnits = dec.PartialUnits
	p, err := e.store.UpdatePosition(ctx, p)
	if err != nil {
		return err
	}
	return e.takePartial(ctx, p, dec.Reason)
}

func (e *Engine) takePartial(ctx context.Context, p models.Position, reason string) error {
	bctx, cancel := e.brokerCtx(ctx)
	err := e.broker.Close(bctx, p.ID, p.PendingPartialUnits)
	cancel()
	if err != nil {
		return errors.Wrap(err, "partial close")
	}
	return e.partialDone(ctx, p, p.PendingPartialUnits, reason)
}

func (e *Engine) partialDone(ctx context.Context, p models.Position, units float64, reason string) error {
	p.Units -= units
	p.RealizedPartialUnits += units
	p.PartialTaken = true
	p.PartialPending = false
	p.PendingPartialUnits = 0
	p.Status = models.StatusPartiallyClosed
	if _, err := e.store.UpdatePosition(ctx, p); err != nil {
		return err
	}
	metrics.Partials.Inc()
	e.notify(models.Event{
		Kind:       models.EventPartial,
		PositionID: p.ID,
		Symbol:     p.Symbol,
		Direction:  p.Direction,
		Message:    fmt.Sprintf("closed %.0f units, %s", units, reason),
	})
	return nil
}

func (e *Engine) moveStop(ctx context.Context, p models.Position, dec Decision) error {
	bctx, cancel := e.brokerCtx(ctx)
	err := e.broker.UpdateStop(bctx, p.ID, dec.NewStop)
	cancel()
	if err != nil {
		// high water сохраняем, стоп остаётся прежним
		if _, uerr := e.store.UpdatePosition(ctx, p); uerr != nil {
			logger.Warn("[MONITOR] %s: save high water: %v", p.ID, uerr)
		}
		return errors.Wrap(err, "update stop")
	}

	old := p.Stop
	p.Stop = dec.NewStop
	if dec.ActivateTrailing {
		p.Trailing = true
	}
	if dec.BreakEven {
		p.BreakEven = true
	}
	if p.Trailing && p.Status == models.StatusOpen {
		p.Status = models.StatusTrailing
	}
	if _, err = e.store.UpdatePosition(ctx, p); err != nil {
		return err
	}
	metrics.StopMoves.Inc()
	e.notify(models.Event{
		Kind:       models.EventStopMoved,
		PositionID: p.ID,
		Symbol:     p.Symbol,
		Direction:  p.Direction,
		Message:    fmt.Sprintf("stop %v -> %v (%s)", old, p.Stop, dec.Reason),
	})
	return nil
}

func closeReasonOf(p models.Position, brokerReason string) string {
	switch {
	case brokerReason != "":
		return brokerReason
	case p.Status == models.StatusClosing && p.CloseReason != "":
		return p.CloseReason
	default:
		return models.CloseExternal
	}
}
