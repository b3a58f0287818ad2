// Package storetest — общий набор проверок для всех реализаций store.Store.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"autotrader/internal/models"
	"autotrader/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type Factory func(t *testing.T) store.Store

func Position(id, symbol string) models.Position {
	return models.Position{
		ID:           id,
		Symbol:       symbol,
		Direction:    models.Long,
		Entry:        1.1,
		Units:        1000,
		InitialUnits: 1000,
		Stop:         1.09,
		InitialStop:  1.09,
		Target:       1.12,
		OpenedAt:     time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC),
		Status:       models.StatusOpen,
		Fingerprint:  symbol + ":long",
	}
}

func Run(t *testing.T, newStore Factory) {
	t.Run("InsertIsIdempotentByID", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		p, err := s.InsertPosition(ctx, Position("101", "EUR_USD"))
		require.NoError(t, err)
		assert.Equal(t, int64(1), p.Version)

		_, err = s.InsertPosition(ctx, Position("101", "EUR_USD"))
		assert.ErrorIs(t, err, store.ErrDuplicatePosition)

		active, err := s.ActivePositions(ctx)
		require.NoError(t, err)
		assert.Len(t, active, 1)
	})

	t.Run("UpdateIsCompareAndSwap", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		p, err := s.InsertPosition(ctx, Position("7", "USD_JPY"))
		require.NoError(t, err)

		p.Stop = 1.095
		p2, err := s.UpdatePosition(ctx, p)
		require.NoError(t, err)
		assert.Equal(t, p.Version+1, p2.Version)

		// старая версия больше не проходит
		p.Stop = 1.08
		_, err = s.UpdatePosition(ctx, p)
		assert.ErrorIs(t, err, store.ErrVersionConflict)

		got, err := s.GetPosition(ctx, "7")
		require.NoError(t, err)
		assert.InDelta(t, 1.095, got.Stop, 1e-12)

		_, err = s.UpdatePosition(ctx, Position("missing", "EUR_USD"))
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("CloseMovesToHistoryOnceAndNeverResurrects", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		p, err := s.InsertPosition(ctx, Position("55", "GBP_USD"))
		require.NoError(t, err)

		p.CloseReason = models.CloseExternal
		p.ExitPrice = 1.105
		require.NoError(t, s.ClosePosition(ctx, p))

		err = s.ClosePosition(ctx, p)
		assert.ErrorIs(t, err, store.ErrNotFound)

		active, err := s.ActivePositions(ctx)
		require.NoError(t, err)
		assert.Empty(t, active)

		hist, err := s.History(ctx, 10)
		require.NoError(t, err)
		require.Len(t, hist, 1)
		assert.Equal(t, models.StatusClosed, hist[0].Status)
		assert.Equal(t, models.CloseExternal, hist[0].CloseReason)

		_, err = s.InsertPosition(ctx, Position("55", "GBP_USD"))
		assert.ErrorIs(t, err, store.ErrDuplicatePosition)

		got, err := s.GetPosition(ctx, "55")
		require.NoError(t, err)
		assert.Equal(t, models.StatusClosed, got.Status)
	})

	t.Run("DedupCooldownWindow", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		t0 := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)

		require.NoError(t, s.RecordDedup(ctx, models.DedupEntry{
			Fingerprint:   "EUR_USD:long",
			FirstSeen:     t0,
			CooldownUntil: t0.Add(4 * time.Hour),
			Reason:        "admitted",
		}))
		// короткий кулдаун не сокращает уже записанный
		require.NoError(t, s.RecordDedup(ctx, models.DedupEntry{
			Fingerprint:   "EUR_USD:long",
			FirstSeen:     t0.Add(time.Hour),
			CooldownUntil: t0.Add(90 * time.Minute),
			Reason:        "transient",
		}))

		active, err := s.ActiveDedup(ctx, t0.Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.True(t, active[0].FirstSeen.Equal(t0))
		assert.True(t, active[0].CooldownUntil.Equal(t0.Add(4*time.Hour)))

		active, err = s.ActiveDedup(ctx, t0.Add(5*time.Hour))
		require.NoError(t, err)
		assert.Empty(t, active)

		n, err := s.PruneDedup(ctx, t0.Add(5*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("EngineStateSerialized", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.SaveEngineState(ctx, func(st *models.EngineState) error {
					st.Cycle++
					return nil
				})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		st, err := s.LoadEngineState(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(20), st.Cycle)

		_, err = s.SaveEngineState(ctx, func(st *models.EngineState) error {
			st.Cycle = 999
			return assert.AnError
		})
		assert.Error(t, err)

		st, err = s.LoadEngineState(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(20), st.Cycle)
	})
}
