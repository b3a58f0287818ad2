package paper

import (
	"context"
	"testing"

	"autotrader/internal/broker"
	"autotrader/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitAndStopTrigger(t *testing.T) {
	ctx := context.Background()
	b := New(Config{Balance: 10000}, nil)
	b.SetQuote("EUR_USD", 1.1000, 1.1002)

	fill, err := b.Submit(ctx, models.OrderPlan{
		Symbol: "EUR_USD", Direction: models.Long, Units: 1000, Stop: 1.0950, Target: 1.1100,
	})
	require.NoError(t, err)
	assert.InDelta(t, 1.1002, fill.Price, 1e-9)

	open, err := b.OpenPositions(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)

	b.SetQuote("EUR_USD", 1.0949, 1.0951)

	pos, err := b.Position(ctx, fill.PositionID)
	require.NoError(t, err)
	assert.Equal(t, models.BrokerClosed, pos.State)
	assert.Equal(t, models.CloseStop, pos.CloseReason)
	assert.InDelta(t, 1.0950, pos.ExitPrice, 1e-9)

	open, err = b.OpenPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestPartialCloseAndLostAck(t *testing.T) {
	ctx := context.Background()
	b := New(Config{Balance: 10000, Quotes: map[string][2]float64{"USD_JPY": {150.0, 150.02}}}, nil)

	b.LoseNextAck()
	_, err := b.Submit(ctx, models.OrderPlan{Symbol: "USD_JPY", Direction: models.Short, Units: 2000})
	assert.Equal(t, broker.KindAmbiguous, broker.KindOf(err))

	open, err := b.OpenPositions(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)

	id := open[0].ID
	require.NoError(t, b.Close(ctx, id, 500))
	pos, err := b.Position(ctx, id)
	require.NoError(t, err)
	assert.InDelta(t, 1500, pos.Units, 1e-9)
	assert.Equal(t, models.BrokerOpen, pos.State)

	_, err = b.Position(ctx, "nope")
	assert.ErrorIs(t, err, broker.ErrPositionNotFound)
}
