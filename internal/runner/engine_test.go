package runner

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"autotrader/internal/broker"
	"autotrader/internal/broker/paper"
	"autotrader/internal/models"
	"autotrader/internal/source"
	"autotrader/internal/store/memory"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	e  *Engine
	b  *paper.Broker
	fb *faultyBroker
	st *memory.Store
}

// faultyBroker — paper-брокер с управляемыми сбоями.
type faultyBroker struct {
	*paper.Broker

	mu             sync.Mutex
	failOpen       bool
	failPositions  int
	positionCalls  int
	failPartials   int
	losePartialAck bool
	closeCalls     int
}

func (b *faultyBroker) OpenPositions(ctx context.Context) ([]models.BrokerPosition, error) {
	b.mu.Lock()
	fail := b.failOpen
	b.mu.Unlock()
	if fail {
		return nil, broker.Transient("open_positions", errors.New("connection reset"))
	}
	return b.Broker.OpenPositions(ctx)
}

func (b *faultyBroker) Position(ctx context.Context, id string) (models.BrokerPosition, error) {
	b.mu.Lock()
	b.positionCalls++
	fail := b.failPositions > 0
	if fail {
		b.failPositions--
	}
	b.mu.Unlock()
	if fail {
		return models.BrokerPosition{}, broker.Transient("position", errors.New("timeout"))
	}
	return b.Broker.Position(ctx, id)
}

func (b *faultyBroker) Close(ctx context.Context, id string, units float64) error {
	b.mu.Lock()
	b.closeCalls++
	fail := units > 0 && b.failPartials > 0
	if fail {
		b.failPartials--
	}
	lose := units > 0 && b.losePartialAck
	if lose {
		b.losePartialAck = false
	}
	b.mu.Unlock()

	if fail {
		return broker.Transient("close", errors.New("connection reset"))
	}
	if err := b.Broker.Close(ctx, id, units); err != nil {
		return err
	}
	if lose {
		return broker.Ambiguous("close", context.DeadlineExceeded)
	}
	return nil
}

func (b *faultyBroker) set(fn func(b *faultyBroker)) {
	b.mu.Lock()
	fn(b)
	b.mu.Unlock()
}

func (b *faultyBroker) counts() (closes, positions, failPositions int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closeCalls, b.positionCalls, b.failPositions
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Engine.BrokerTimeout = time.Second
	cfg.Engine.ShutdownGrace = time.Second
	cfg.Engine.OpeningGrace = 0
	cfg.Monitor.PollInterval = 10 * time.Millisecond
	cfg.Monitor.ErrorBackoff = 10 * time.Millisecond
	return cfg
}

func newFixture(t *testing.T, cfg Config, opps ...models.Opportunity) *fixture {
	t.Helper()
	b := paper.New(paper.Config{Balance: 10000}, nil)
	b.SetQuote("EUR_USD", 1.1000, 1.1001)
	b.SetQuote("AUD_CAD", 0.9000, 0.9001)
	st := memory.New()

	fb := &faultyBroker{Broker: b}
	e := NewEngine(cfg, st, fb, source.Static(opps), nil)
	e.sup.Open()
	t.Cleanup(func() { _ = e.sup.Shutdown(time.Second) })
	return &fixture{e: e, b: b, fb: fb, st: st}
}

func liveOpp(symbol string, d models.Direction, score float64) models.Opportunity {
	return models.Opportunity{Symbol: symbol, Direction: d, Score: score, Timestamp: time.Now(), Volatility: 0.001}
}

// position безопасен для вызова из Eventually.
func (f *fixture) position(id string) models.Position {
	p, _ := f.st.GetPosition(context.Background(), id)
	return p
}

func eurusd(score float64) models.Opportunity {
	return models.Opportunity{Symbol: "EUR_USD", Direction: models.Long, Score: score, Timestamp: time.Now(), Volatility: 0.001}
}

func (f *fixture) active(t *testing.T) []models.Position {
	t.Helper()
	ps, err := f.st.ActivePositions(context.Background())
	require.NoError(t, err)
	return ps
}

// activeCount безопасен для вызова из Eventually.
func (f *fixture) activeCount() int {
	ps, err := f.st.ActivePositions(context.Background())
	if err != nil {
		return -1
	}
	return len(ps)
}

func TestTickAdmitsAndMonitors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig(), eurusd(80))

	f.e.Tick(ctx)

	ps := f.active(t)
	require.Len(t, ps, 1)
	p := ps[0]
	assert.Equal(t, "EUR_USD", p.Symbol)
	assert.Equal(t, "EUR_USD:long", p.Fingerprint)
	assert.True(t, p.Status.Active())
	assert.InDelta(t, 1.1001, p.Entry, 1e-9)
	assert.Less(t, p.Stop, p.Entry)
	assert.True(t, f.e.sup.Running(p.ID))

	reg, err := f.st.ActiveDedup(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, reg, 1)
	assert.Equal(t, "EUR_USD:long", reg[0].Fingerprint)
	assert.WithinDuration(t, time.Now().Add(4*time.Hour), reg[0].CooldownUntil, time.Minute)

	stt, err := f.st.LoadEngineState(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stt.Cycle)
	assert.Equal(t, 1, stt.TradesToday)
	assert.Equal(t, []string{p.ID}, stt.ActiveIDs)

	// повторный цикл с той же идеей ничего не открывает
	f.e.Tick(ctx)
	assert.Equal(t, 1, f.b.Submits())
	assert.Len(t, f.active(t), 1)
}

func TestTickRespectsCapacity(t *testing.T) {
	cfg := testConfig()
	cfg.Engine.MaxConcurrent = 1
	aud := models.Opportunity{Symbol: "AUD_CAD", Direction: models.Long, Score: 90, Timestamp: time.Now(), Volatility: 0.001}
	f := newFixture(t, cfg, eurusd(80), aud)

	f.e.Tick(context.Background())

	ps := f.active(t)
	require.Len(t, ps, 1)
	assert.Equal(t, "AUD_CAD", ps[0].Symbol)
	assert.Equal(t, 1, f.b.Submits())
}

func TestLostAckImportedExactlyOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig(), eurusd(80))
	f.b.LoseNextAck()

	f.e.Tick(ctx)
	assert.Empty(t, f.active(t))
	assert.Equal(t, 1, f.b.Submits())

	for i := 0; i < 3; i++ {
		f.e.Tick(ctx)
	}

	ps := f.active(t)
	require.Len(t, ps, 1)
	assert.False(t, ps[0].External)
	assert.Equal(t, "EUR_USD:long", ps[0].Fingerprint)
	assert.Equal(t, 1, f.b.Submits())

	open, err := f.b.OpenPositions(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestExecutionFailureCooldownByKind(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig(), eurusd(80))
	f.b.FailNextSubmit(broker.Transient("submit", errors.New("connection reset")))

	f.e.Tick(ctx)
	assert.Empty(t, f.active(t))

	reg, err := f.st.ActiveDedup(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, reg, 1)
	assert.WithinDuration(t, time.Now().Add(5*time.Minute), reg[0].CooldownUntil, time.Minute)
}

func TestPlannerRejectionLeavesNoCooldown(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig(), eurusd(80))
	f.b.SetQuote("EUR_USD", 1.1000, 1.1050)

	f.e.Tick(ctx)
	assert.Zero(t, f.b.Submits())

	reg, err := f.st.ActiveDedup(ctx, time.Now())
	require.NoError(t, err)
	assert.Empty(t, reg)
}

func TestStopHitFinalizes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig(), eurusd(80))
	f.e.Tick(ctx)
	require.Len(t, f.active(t), 1)
	id := f.active(t)[0].ID

	f.b.SetQuote("EUR_USD", 1.0900, 1.0901)

	require.Eventually(t, func() bool { return f.activeCount() == 0 }, 2*time.Second, 10*time.Millisecond)
	p, err := f.st.GetPosition(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusClosed, p.Status)
	assert.Equal(t, models.CloseStop, p.CloseReason)
	assert.Less(t, p.RealizedPL, 0.0)

	require.Eventually(t, func() bool { return !f.e.sup.Running(id) }, time.Second, 10*time.Millisecond)
	stt, err := f.st.LoadEngineState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stt.ConsecutiveLosses)
	assert.NotContains(t, stt.ActiveIDs, id)
}

func TestExternalCloseDetected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig(), eurusd(80))
	f.e.Tick(ctx)
	id := f.active(t)[0].ID

	f.b.CloseExternally(id)
	f.e.Tick(ctx)

	require.Eventually(t, func() bool { return f.activeCount() == 0 }, 2*time.Second, 10*time.Millisecond)
	p, err := f.st.GetPosition(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.CloseExternal, p.CloseReason)

	// закрытая позиция не воскресает
	_, err = f.st.InsertPosition(ctx, p)
	assert.Error(t, err)
}

func TestReconcileWithoutMonitor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig())

	p := models.Position{
		ID: "gone", Symbol: "EUR_USD", Direction: models.Long, Entry: 1.1, Units: 1000,
		Stop: 1.09, InitialStop: 1.09, OpenedAt: time.Now().Add(-time.Hour), Status: models.StatusOpen,
	}
	_, err := f.st.InsertPosition(ctx, p)
	require.NoError(t, err)

	closed, err := f.e.reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, closed)

	got, err := f.st.GetPosition(ctx, "gone")
	require.NoError(t, err)
	assert.Equal(t, models.StatusClosed, got.Status)
	assert.Equal(t, models.CloseExternal, got.CloseReason)
}

func TestGhostAdoptedOrClosed(t *testing.T) {
	ctx := context.Background()
	ghost := models.BrokerPosition{Symbol: "AUD_CAD", Direction: models.Short, Units: 3000, Entry: 0.9, Stop: 0.905}

	t.Run("Adopt", func(t *testing.T) {
		f := newFixture(t, testConfig())
		id := f.b.Inject(ghost)

		f.e.Tick(ctx)

		ps := f.active(t)
		require.Len(t, ps, 1)
		assert.Equal(t, id, ps[0].ID)
		assert.True(t, ps[0].External)
		assert.Equal(t, "AUD_CAD:short", ps[0].Fingerprint)
		assert.InDelta(t, 0.005/1.6, ps[0].Volatility, 1e-9)
	})

	t.Run("Close", func(t *testing.T) {
		cfg := testConfig()
		cfg.Engine.CloseGhosts = true
		f := newFixture(t, cfg)
		f.b.Inject(ghost)

		f.e.Tick(ctx)

		assert.Empty(t, f.active(t))
		open, err := f.b.OpenPositions(ctx)
		require.NoError(t, err)
		assert.Empty(t, open)
	})
}

func TestLossStreakPausesAdmission(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig(), eurusd(80))
	_, err := f.st.SaveEngineState(ctx, func(s *models.EngineState) error {
		s.ConsecutiveLosses = 3
		return nil
	})
	require.NoError(t, err)

	f.e.Tick(ctx)
	assert.Zero(t, f.b.Submits())
}

func TestDailyLimit(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Engine.MaxTradesPerDay = 1
	aud := models.Opportunity{Symbol: "AUD_CAD", Direction: models.Long, Score: 90, Timestamp: time.Now(), Volatility: 0.001}
	f := newFixture(t, cfg, eurusd(80), aud)

	f.e.Tick(ctx)
	f.e.Tick(ctx)
	assert.Equal(t, 1, f.b.Submits())
}

func TestRestartResumesMonitors(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Engine.TickInterval = time.Hour
	f := newFixture(t, cfg, eurusd(80))
	f.e.Tick(ctx)
	id := f.active(t)[0].ID
	require.NoError(t, f.e.sup.Shutdown(time.Second))

	e2 := NewEngine(cfg, f.st, f.b, source.Static(nil), nil)
	require.NoError(t, e2.Start(ctx))
	t.Cleanup(func() { _ = e2.Stop(ctx) })

	assert.True(t, e2.sup.Running(id))
	st := e2.Status()
	assert.True(t, st.Running)
	assert.Equal(t, 1, st.ActivePositions)
	assert.ErrorIs(t, e2.Start(ctx), ErrAlreadyRunning)
}

func TestManualClose(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig(), eurusd(80))
	f.e.Tick(ctx)
	id := f.active(t)[0].ID

	require.NoError(t, f.e.CloseManual(ctx, id))

	require.Eventually(t, func() bool { return f.activeCount() == 0 }, 2*time.Second, 10*time.Millisecond)
	p, err := f.st.GetPosition(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.CloseManual, p.CloseReason)

	open, err := f.b.OpenPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestManualCloseWithoutMonitor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig())
	id := f.b.Inject(models.BrokerPosition{ID: "m1", Symbol: "AUD_CAD", Direction: models.Long, Units: 2000, Entry: 0.9, Stop: 0.895})
	_, err := f.st.InsertPosition(ctx, models.Position{
		ID: id, Symbol: "AUD_CAD", Direction: models.Long, Entry: 0.9, Units: 2000, InitialUnits: 2000,
		Stop: 0.895, InitialStop: 0.895, OpenedAt: time.Now(), Status: models.StatusOpen, Volatility: 0.003,
	})
	require.NoError(t, err)
	require.False(t, f.e.sup.Running(id))

	require.NoError(t, f.e.CloseManual(ctx, id))

	require.Eventually(t, func() bool { return f.position(id).Status == models.StatusClosed }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, models.CloseManual, f.position(id).CloseReason)
	open, err := f.b.OpenPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)

	assert.Error(t, f.e.CloseManual(ctx, id), "closed position cannot be closed again")
}

func TestPartialRetriedAfterTransientClose(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig(), eurusd(80))
	f.fb.set(func(b *faultyBroker) { b.failPartials = 1 })

	f.e.Tick(ctx)
	id := f.active(t)[0].ID
	require.InDelta(t, 62500, f.position(id).Units, 1)

	// 1.9 vol профита: выше порога частичного выхода, ниже тейка
	f.b.SetQuote("EUR_USD", 1.1020, 1.1021)

	require.Eventually(t, func() bool { return f.position(id).PartialTaken }, 2*time.Second, 10*time.Millisecond)
	p := f.position(id)
	assert.False(t, p.PartialPending)
	assert.Equal(t, models.StatusPartiallyClosed, p.Status)
	assert.InDelta(t, 25000, p.RealizedPartialUnits, 1)
	assert.InDelta(t, 37500, p.Units, 1)

	bp, err := f.b.Position(ctx, id)
	require.NoError(t, err)
	assert.InDelta(t, 37500, bp.Units, 1)
	closes, _, _ := f.fb.counts()
	assert.Equal(t, 2, closes)
}

func TestPartialConfirmedFromBrokerSize(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig(), eurusd(80))
	f.fb.set(func(b *faultyBroker) { b.losePartialAck = true })

	f.e.Tick(ctx)
	id := f.active(t)[0].ID
	f.b.SetQuote("EUR_USD", 1.1020, 1.1021)

	require.Eventually(t, func() bool { return f.position(id).PartialTaken }, 2*time.Second, 10*time.Millisecond)
	p := f.position(id)
	assert.InDelta(t, 25000, p.RealizedPartialUnits, 1)
	assert.InDelta(t, 37500, p.Units, 1)

	// ордер дошёл с первого раза, повторного нет
	bp, err := f.b.Position(ctx, id)
	require.NoError(t, err)
	assert.InDelta(t, 37500, bp.Units, 1)
	closes, _, _ := f.fb.counts()
	assert.Equal(t, 1, closes)
}

func TestLossPauseExpires(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Engine.LossPause = 24 * time.Hour
	f := newFixture(t, cfg, eurusd(80))
	clock := time.Now()
	f.e.now = func() time.Time { return clock }

	_, err := f.st.SaveEngineState(ctx, func(s *models.EngineState) error {
		s.ConsecutiveLosses = 3
		return nil
	})
	require.NoError(t, err)

	f.e.Tick(ctx)
	assert.Zero(t, f.b.Submits())
	st, err := f.st.LoadEngineState(ctx)
	require.NoError(t, err)
	assert.WithinDuration(t, clock, st.PausedAt, time.Second)

	clock = clock.Add(12 * time.Hour)
	f.e.Tick(ctx)
	assert.Zero(t, f.b.Submits())

	clock = clock.Add(13 * time.Hour)
	f.e.Tick(ctx)
	assert.Equal(t, 1, f.b.Submits())
	st, err = f.st.LoadEngineState(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.ConsecutiveLosses)
	assert.True(t, st.PausedAt.IsZero())
}

func TestReconcileFailureSkipsAdmission(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig(), eurusd(80))
	f.fb.set(func(b *faultyBroker) { b.failOpen = true })

	f.e.Tick(ctx)
	assert.Zero(t, f.b.Submits())
	assert.Empty(t, f.active(t))

	f.fb.set(func(b *faultyBroker) { b.failOpen = false })
	f.e.Tick(ctx)
	assert.Equal(t, 1, f.b.Submits())
}

func TestExecutionFailureDoesNotAbortBatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig(), liveOpp("EUR_USD", models.Long, 90), liveOpp("AUD_CAD", models.Long, 80))
	f.b.FailNextSubmit(broker.Rejected("submit", errors.New("MARKET_HALTED")))

	f.e.Tick(ctx)

	assert.Equal(t, 2, f.b.Submits())
	ps := f.active(t)
	require.Len(t, ps, 1)
	assert.Equal(t, "AUD_CAD", ps[0].Symbol)
}

func TestCapacityScenarioThroughTick(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Gate.MaxLegExposure = 0
	cfg.Gate.MaxGroupExposure = 0
	f := newFixture(t, cfg,
		liveOpp("EUR_USD", models.Long, 90),
		liveOpp("AUD_CAD", models.Long, 85),
		liveOpp("NZD_USD", models.Long, 80),
		liveOpp("EUR_GBP", models.Short, 75),
		liveOpp("USD_JPY", models.Short, 70),
	)
	f.b.SetQuote("GBP_USD", 1.2700, 1.2701)
	f.b.SetQuote("USD_CHF", 0.8800, 0.8801)
	f.b.Inject(models.BrokerPosition{Symbol: "GBP_USD", Direction: models.Long, Units: 1000, Entry: 1.27, Stop: 1.26})
	f.b.Inject(models.BrokerPosition{Symbol: "USD_CHF", Direction: models.Short, Units: 1000, Entry: 0.88, Stop: 0.89})

	f.e.Tick(ctx)

	assert.Equal(t, 1, f.b.Submits())
	ps := f.active(t)
	require.Len(t, ps, 3)
	var admitted []string
	for _, p := range ps {
		if !p.External {
			admitted = append(admitted, p.Symbol)
		}
	}
	assert.Equal(t, []string{"EUR_USD"}, admitted)
}

func TestMonitorBacksOffAndRecovers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig(), eurusd(80))
	f.e.Tick(ctx)
	id := f.active(t)[0].ID

	f.fb.set(func(b *faultyBroker) { b.failPositions = 3 })
	// 1.2 vol профита: трейлинг включается, частичного выхода ещё нет
	f.b.SetQuote("EUR_USD", 1.1013, 1.1014)

	require.Eventually(t, func() bool { return f.position(id).Trailing }, 2*time.Second, 10*time.Millisecond)
	p := f.position(id)
	assert.Greater(t, p.Stop, 1.0985)
	assert.Equal(t, models.StatusTrailing, p.Status)

	_, calls, left := f.fb.counts()
	assert.Zero(t, left)
	assert.Greater(t, calls, 3)
	assert.True(t, f.e.sup.Running(id))
}

func TestCapacityHoldsWhileMonitorsClose(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Engine.MaxConcurrent = 1
	cfg.Engine.MaxTradesPerDay = 0
	cfg.Engine.MaxConsecutiveLosses = 0
	cfg.Dedup.Cooldown = time.Nanosecond
	f := newFixture(t, cfg, liveOpp("EUR_USD", models.Long, 90), liveOpp("AUD_CAD", models.Long, 80))

	stop := make(chan struct{})
	var (
		wg      sync.WaitGroup
		maxSeen atomic.Int32
	)
	wg.Add(2)
	go func() {
		// цена то выбивает стопы, то возвращается
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			if i%2 == 0 {
				f.b.SetQuote("EUR_USD", 1.0900, 1.0901)
				f.b.SetQuote("AUD_CAD", 0.8900, 0.8901)
			} else {
				f.b.SetQuote("EUR_USD", 1.1000, 1.1001)
				f.b.SetQuote("AUD_CAD", 0.9000, 0.9001)
			}
			time.Sleep(3 * time.Millisecond)
		}
	}()
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if n := int32(f.activeCount()); n > maxSeen.Load() {
				maxSeen.Store(n)
			}
			time.Sleep(time.Millisecond)
		}
	}()

	for i := 0; i < 40; i++ {
		f.e.Tick(ctx)
		assert.LessOrEqual(t, f.activeCount(), 1)
		time.Sleep(5 * time.Millisecond)
	}
	close(stop)
	wg.Wait()

	assert.LessOrEqual(t, maxSeen.Load(), int32(1))
	assert.GreaterOrEqual(t, f.b.Submits(), 1)
}
