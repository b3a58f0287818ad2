package runner

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"autotrader/internal/broker"
	"autotrader/internal/helper"
	"autotrader/internal/metrics"
	"autotrader/internal/models"
	"autotrader/internal/notify"
	"autotrader/internal/source"
	"autotrader/internal/store"
	"autotrader/pkg/logger"
	"autotrader/pkg/tracing"

	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"
)

var ErrAlreadyRunning = errors.New("engine already running")

// Engine — управляющий цикл: сверка, допуск, исполнение, запуск мониторов.
type Engine struct {
	cfg      Config
	store    store.Store
	broker   broker.Broker
	source   source.Source
	notifier notify.Notifier

	gate     *Gate
	planner  *Planner
	executor *Executor
	sup      *Supervisor
	now      func() time.Time

	// tickMu не даёт двум циклам пересечься; второй просто пропускается.
	tickMu    sync.Mutex
	lifeMu    sync.Mutex
	cancel    context.CancelFunc
	loopDone  chan struct{}
	running   atomic.Bool
	cycle     atomic.Int64
	lastCycle atomic.Int64
}

func NewEngine(cfg Config, st store.Store, b broker.Broker, src source.Source, n notify.Notifier) *Engine {
	if n == nil {
		n = notify.Nop{}
	}
	return &Engine{
		cfg:      cfg,
		store:    st,
		broker:   b,
		source:   src,
		notifier: n,
		gate:     NewGate(cfg.Gate, cfg.Dedup.Bucket),
		planner:  NewPlanner(cfg.Planner, b, cfg.Engine.BrokerTimeout),
		executor: NewExecutor(b, cfg.Engine.BrokerTimeout),
		sup:      NewSupervisor(),
		now:      time.Now,
	}
}

// Start поднимает мониторы для уже известных позиций и запускает тикер.
func (e *Engine) Start(ctx context.Context) error {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	if e.running.Load() {
		return ErrAlreadyRunning
	}

	st, err := e.store.LoadEngineState(ctx)
	if err != nil {
		return errors.Wrap(err, "load engine state")
	}
	e.cycle.Store(st.Cycle)
	if !st.LastCycle.IsZero() {
		e.lastCycle.Store(st.LastCycle.Unix())
	}

	e.sup.Open()
	active, err := e.store.ActivePositions(ctx)
	if err != nil {
		return errors.Wrap(err, "load active positions")
	}
	for _, p := range active {
		e.sup.Spawn(p.ID, e.monitor(p.ID))
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel
	e.loopDone = make(chan struct{})
	e.running.Store(true)
	go e.loop(loopCtx, e.loopDone)

	logger.Info("[ENGINE] started: cycle=%d active=%d tick=%s", st.Cycle, len(active), e.cfg.Engine.TickInterval)
	e.notify(models.Event{Kind: models.EventEngine, Message: fmt.Sprintf("started, %d active positions", len(active))})
	return nil
}

// Stop останавливает цикл и мониторы. Открытые позиции остаются у брокера
// со своими стопами и подхватываются при следующем старте.
func (e *Engine) Stop(ctx context.Context) error {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	if !e.running.Load() {
		return nil
	}

	e.cancel()
	select {
	case <-e.loopDone:
	case <-ctx.Done():
		logger.Warn("[ENGINE] tick still running on stop")
	}
	e.running.Store(false)

	err := e.sup.Shutdown(e.cfg.Engine.ShutdownGrace)
	logger.Info("[ENGINE] stopped")
	e.notify(models.Event{Kind: models.EventEngine, Message: "stopped"})
	return err
}

func (e *Engine) Status() models.EngineStatus {
	st := models.EngineStatus{
		Running:  e.running.Load(),
		Cycle:    e.cycle.Load(),
		Monitors: e.sup.Count(),
	}
	if ts := e.lastCycle.Load(); ts > 0 {
		st.LastCycle = time.Unix(ts, 0).UTC()
	}
	if active, err := e.store.ActivePositions(context.Background()); err == nil {
		st.ActivePositions = len(active)
	}
	return st
}

// CloseManual передаёт закрытие монитору позиции: запись closing делает он сам.
// Если монитора нет (движок остановлен), позиция помечается здесь и
// закроется монитором при следующем старте.
func (e *Engine) CloseManual(ctx context.Context, id string) error {
	p, err := e.store.GetPosition(ctx, id)
	if err != nil {
		return err
	}
	if !p.Status.Active() {
		return errors.Errorf("position %s is %s", id, p.Status)
	}
	if e.sup.RequestClose(id, models.CloseManual) {
		logger.Info("[ENGINE] manual close requested for %s %s", id, p.Symbol)
		return nil
	}

	p.Status = models.StatusClosing
	p.CloseReason = models.CloseManual
	if _, err = e.store.UpdatePosition(ctx, p); err != nil {
		return err
	}
	e.sup.Spawn(id, e.monitor(id))
	logger.Info("[ENGINE] manual close marked for %s %s", id, p.Symbol)
	return nil
}

// Active — текущие позиции для операторских команд.
func (e *Engine) Active(ctx context.Context) ([]models.Position, error) {
	return e.store.ActivePositions(ctx)
}

func (e *Engine) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	e.Tick(ctx)
	t := time.NewTicker(e.cfg.Engine.TickInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			e.Tick(ctx)
		}
	}
}

// Tick — один цикл. Если предыдущий ещё идёт, новый пропускается.
func (e *Engine) Tick(ctx context.Context) {
	if !e.tickMu.TryLock() {
		metrics.Ticks.WithLabelValues("skipped").Inc()
		logger.Warn("[ENGINE] previous cycle still running, skip")
		return
	}
	defer e.tickMu.Unlock()

	span, ctx := tracing.StartSpan(ctx, "engine.tick", opentracing.Tag{Key: "cycle", Value: e.cycle.Load() + 1})
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			metrics.Ticks.WithLabelValues("panic").Inc()
			logger.Error("[ENGINE] cycle panic: %v", r)
			e.notify(models.Event{Kind: models.EventError, Message: err.Error()})
		}
		tracing.Finish(span, err)
	}()

	result := "ok"
	err = e.tick(ctx)
	if err != nil {
		result = "error"
		var rec *reconcileError
		if errors.As(err, &rec) {
			result = "reconcile_error"
		}
		logger.Error("[ENGINE] cycle failed: %v", err)
		e.notify(models.Event{Kind: models.EventError, Message: err.Error()})
	}
	metrics.Ticks.WithLabelValues(result).Inc()
}

func (e *Engine) tick(ctx context.Context) error {
	now := e.now()

	// 1. сверка: без неё допуск небезопасен, так что при ошибке цикл пропускаем
	closed, err := e.reconcile(ctx)
	if err != nil {
		return &reconcileError{err: err}
	}
	if closed > 0 {
		if err := e.persist(ctx, nil); err != nil {
			return err
		}
	}

	if n, err := e.store.PruneDedup(ctx, now); err != nil {
		logger.Warn("[ENGINE] prune dedup: %v", err)
	} else if n > 0 {
		logger.Debug("[ENGINE] pruned %d dedup entries", n)
	}

	active, err := e.store.ActivePositions(ctx)
	if err != nil {
		return errors.Wrap(err, "active positions")
	}
	free := e.cfg.Engine.MaxConcurrent - len(active)

	st, err := e.store.LoadEngineState(ctx)
	if err != nil {
		return errors.Wrap(err, "load engine state")
	}
	if free <= 0 {
		logger.Debug("[ENGINE] capacity full: %d/%d", len(active), e.cfg.Engine.MaxConcurrent)
		return e.persist(ctx, active)
	}

	// 2. ограничители
	if lim := e.cfg.Engine.MaxConsecutiveLosses; lim > 0 && st.ConsecutiveLosses >= lim {
		paused, err := e.lossPause(ctx, st, now)
		if err != nil {
			return err
		}
		if paused {
			return e.persist(ctx, active)
		}
	}
	if lim := e.cfg.Engine.MaxTradesPerDay; lim > 0 {
		today := 0
		if st.TradesDay == helper.DayKey(now) {
			today = st.TradesToday
		}
		if left := lim - today; left < free {
			free = left
		}
		if free <= 0 {
			logger.Info("[ENGINE] daily trade limit %d reached", lim)
			return e.persist(ctx, active)
		}
	}

	// 3. кандидаты
	opps, err := e.source.Opportunities(ctx)
	if err != nil {
		logger.Warn("[ENGINE] source: %v", err)
		return e.persist(ctx, active)
	}
	registry, err := e.store.ActiveDedup(ctx, now)
	if err != nil {
		return errors.Wrap(err, "dedup registry")
	}
	cands, drops := e.gate.Filter(opps, active, registry, now, free)
	for _, d := range drops {
		metrics.Admissions.WithLabelValues("dropped").Inc()
		logger.Debug("[GATE] drop %s %s score=%.1f: %s", d.Opp.Symbol, d.Opp.Direction, d.Opp.Score, d.Reason)
	}
	if len(cands) == 0 {
		return e.persist(ctx, active)
	}

	acctCtx, cancel := e.brokerCtx(ctx)
	acct, err := e.broker.Account(acctCtx)
	cancel()
	if err != nil {
		logger.Warn("[ENGINE] account: %v", err)
		return e.persist(ctx, active)
	}

	// 4. допуск по одному, в порядке score
	opened := 0
	cycle := st.Cycle + 1
	for _, c := range cands {
		if ctx.Err() != nil {
			break
		}
		if e.admit(ctx, c, acct, cycle) {
			opened++
		}
	}

	active, err = e.store.ActivePositions(ctx)
	if err != nil {
		return errors.Wrap(err, "active positions")
	}
	return e.persistOpened(ctx, active, opened)
}

// admit проводит кандидата через план и исполнение. true — позиция открыта.
func (e *Engine) admit(ctx context.Context, c Candidate, acct models.Account, cycle int64) bool {
	o := c.Opp
	e.notify(models.Event{
		Kind:      models.EventAdmitted,
		Symbol:    o.Symbol,
		Direction: o.Direction,
		Message:   fmt.Sprintf("score=%.1f %v", o.Score, o.Reasons),
	})

	plan, rej := e.planner.Plan(ctx, c, acct)
	if rej != nil {
		// отказ планировщика — не повод для cooldown: условия рынка меняются
		metrics.Admissions.WithLabelValues("rejected").Inc()
		logger.Info("[PLANNER] %s %s rejected: %s", o.Symbol, o.Direction, rej)
		e.notify(models.Event{Kind: models.EventRejected, Symbol: o.Symbol, Direction: o.Direction, Message: rej.String()})
		return false
	}
	plan.ClientID = ClientOrderID(c.Fingerprint, cycle)

	now := e.now()
	fill, err := e.executor.Execute(ctx, plan)
	if err != nil {
		kind := broker.KindOf(err)
		cooldown := e.cfg.Dedup.Cooldown
		switch kind {
		case broker.KindTransient:
			cooldown = e.cfg.Dedup.RetryCooldown
		case broker.KindRejected:
			cooldown = e.cfg.Dedup.RejectCooldown
		}
		e.recordDedup(ctx, c.Fingerprint, now, cooldown, "execution "+kind.String())

		metrics.Admissions.WithLabelValues("failed").Inc()
		logger.Error("[EXECUTOR] %s %s %.0f units: %v (%s)", plan.Symbol, plan.Direction, plan.Units, err, kind)
		e.notify(models.Event{Kind: models.EventExecFailed, Symbol: o.Symbol, Direction: o.Direction, Message: err.Error()})
		return false
	}

	p := models.Position{
		ID:           fill.PositionID,
		Symbol:       plan.Symbol,
		Direction:    plan.Direction,
		Entry:        fill.Price,
		Units:        fill.Units,
		InitialUnits: fill.Units,
		Stop:         plan.Stop,
		InitialStop:  plan.Stop,
		Target:       plan.Target,
		OpenedAt:     fill.Time,
		Status:       models.StatusOpening,
		HighWater:    fill.Price,
		Volatility:   plan.Volatility,
		Fingerprint:  c.Fingerprint,
		Score:        o.Score,
	}
	if p.Entry <= 0 {
		p.Entry = plan.Reference
		p.HighWater = plan.Reference
	}
	if p.Units <= 0 {
		p.Units, p.InitialUnits = plan.Units, plan.Units
	}
	if p.OpenedAt.IsZero() {
		p.OpenedAt = now
	}

	if _, err := e.store.InsertPosition(ctx, p); err != nil && !errors.Is(err, store.ErrDuplicatePosition) {
		// позиция у брокера есть, сверка импортирует её на следующем цикле
		logger.Error("[ENGINE] persist position %s: %v", p.ID, err)
	}
	e.recordDedup(ctx, c.Fingerprint, now, e.cfg.Dedup.Cooldown, "admitted")
	e.sup.Spawn(p.ID, e.monitor(p.ID))

	metrics.Admissions.WithLabelValues("admitted").Inc()
	logger.Info("[EXECUTOR] opened %s %s %.0f @ %v stop=%v target=%v id=%s",
		p.Symbol, p.Direction, p.Units, p.Entry, p.Stop, p.Target, p.ID)
	e.notify(models.Event{
		Kind:       models.EventExecuted,
		PositionID: p.ID,
		Symbol:     p.Symbol,
		Direction:  p.Direction,
		Message:    fmt.Sprintf("%.0f units @ %v stop=%v target=%v", p.Units, p.Entry, p.Stop, p.Target),
	})
	return true
}

// lossPause держит допуск закрытым после серии убытков. Пауза отсчитывается
// от первого цикла, который её увидел, и снимается через LossPause.
func (e *Engine) lossPause(ctx context.Context, st models.EngineState, now time.Time) (bool, error) {
	if st.PausedAt.IsZero() {
		_, err := e.store.SaveEngineState(ctx, func(s *models.EngineState) error {
			if s.PausedAt.IsZero() {
				s.PausedAt = now
			}
			return nil
		})
		if err != nil {
			return true, errors.Wrap(err, "save loss pause")
		}
		logger.Warn("[ENGINE] %d consecutive losses, admission paused", st.ConsecutiveLosses)
		e.notify(models.Event{Kind: models.EventEngine, Message: fmt.Sprintf("paused after %d consecutive losses", st.ConsecutiveLosses)})
		return true, nil
	}

	pause := e.cfg.Engine.LossPause
	if pause <= 0 || now.Sub(st.PausedAt) < pause {
		logger.Debug("[ENGINE] admission paused since %s", st.PausedAt.Format(time.RFC3339))
		return true, nil
	}

	_, err := e.store.SaveEngineState(ctx, func(s *models.EngineState) error {
		s.ConsecutiveLosses = 0
		s.PausedAt = time.Time{}
		return nil
	})
	if err != nil {
		return true, errors.Wrap(err, "clear loss pause")
	}
	logger.Info("[ENGINE] loss pause expired after %s, admission resumed", pause)
	e.notify(models.Event{Kind: models.EventEngine, Message: "loss pause expired, admission resumed"})
	return false, nil
}

func (e *Engine) recordDedup(ctx context.Context, fp string, now time.Time, cooldown time.Duration, reason string) {
	err := e.store.RecordDedup(ctx, models.DedupEntry{
		Fingerprint:   fp,
		FirstSeen:     now,
		CooldownUntil: now.Add(cooldown),
		Reason:        reason,
	})
	if err != nil {
		logger.Error("[ENGINE] record dedup %s: %v", fp, err)
	}
}

func (e *Engine) persist(ctx context.Context, active []models.Position) error {
	if active == nil {
		var err error
		if active, err = e.store.ActivePositions(ctx); err != nil {
			return errors.Wrap(err, "active positions")
		}
	}
	return e.persistOpened(ctx, active, 0)
}

// persistOpened — одна запись состояния движка в конце цикла.
func (e *Engine) persistOpened(ctx context.Context, active []models.Position, opened int) error {
	now := e.now()
	day := helper.DayKey(now)
	st, err := e.store.SaveEngineState(ctx, func(s *models.EngineState) error {
		s.Cycle++
		s.LastCycle = now
		s.ActiveIDs = make([]string, 0, len(active))
		s.ActiveSymbols = make([]string, 0, len(active))
		for _, p := range active {
			s.ActiveIDs = append(s.ActiveIDs, p.ID)
			s.ActiveSymbols = append(s.ActiveSymbols, p.Symbol)
		}
		if s.TradesDay != day {
			s.TradesDay = day
			s.TradesToday = 0
		}
		s.TradesToday += opened
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "save engine state")
	}
	e.cycle.Store(st.Cycle)
	e.lastCycle.Store(now.Unix())
	metrics.ActivePositions.Set(float64(len(active)))
	return nil
}

// finalize переносит позицию в историю. Повторный вызов безопасен:
// второй ClosePosition вернёт ErrNotFound.
func (e *Engine) finalize(ctx context.Context, p models.Position, reason string, exit, pl float64) error {
	if reason == "" {
		reason = models.CloseExternal
	}
	p.Status = models.StatusClosed
	p.CloseReason = reason
	p.ClosedAt = e.now()
	p.ExitPrice = exit
	p.RealizedPL = pl

	err := e.store.ClosePosition(ctx, p)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "close position %s", p.ID)
	}

	_, err = e.store.SaveEngineState(ctx, func(s *models.EngineState) error {
		ids := make([]string, 0, len(s.ActiveIDs))
		syms := make([]string, 0, len(s.ActiveSymbols))
		for i, id := range s.ActiveIDs {
			if id == p.ID {
				continue
			}
			ids = append(ids, id)
			if i < len(s.ActiveSymbols) {
				syms = append(syms, s.ActiveSymbols[i])
			}
		}
		s.ActiveIDs, s.ActiveSymbols = ids, syms
		switch {
		case pl < 0:
			s.ConsecutiveLosses++
		case pl > 0:
			s.ConsecutiveLosses = 0
			s.PausedAt = time.Time{}
		}
		return nil
	})
	if err != nil {
		logger.Warn("[ENGINE] update state after close %s: %v", p.ID, err)
	}

	metrics.Closes.WithLabelValues(reason).Inc()
	logger.Info("[ENGINE] closed %s %s %s reason=%s exit=%v pl=%.2f", p.ID, p.Symbol, p.Direction, reason, exit, pl)
	e.notify(models.Event{
		Kind:       models.EventClosed,
		PositionID: p.ID,
		Symbol:     p.Symbol,
		Direction:  p.Direction,
		Message:    fmt.Sprintf("reason=%s exit=%v pl=%.2f", reason, exit, pl),
	})
	return nil
}

func (e *Engine) brokerCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), e.cfg.Engine.BrokerTimeout)
}

func (e *Engine) notify(ev models.Event) {
	if ev.Time.IsZero() {
		ev.Time = e.now()
	}
	e.notifier.Notify(ev)
}

type reconcileError struct{ err error }

func (r *reconcileError) Error() string { return "reconcile: " + r.err.Error() }
func (r *reconcileError) Unwrap() error { return r.err }
