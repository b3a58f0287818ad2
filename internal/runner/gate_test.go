package runner

import (
	"testing"
	"time"

	"autotrader/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func opp(symbol string, d models.Direction, score float64) models.Opportunity {
	return models.Opportunity{Symbol: symbol, Direction: d, Score: score, Timestamp: t0}
}

func openPos(id, symbol string, d models.Direction) models.Position {
	return models.Position{ID: id, Symbol: symbol, Direction: d, Status: models.StatusOpen}
}

func symbols(cs []Candidate) []string {
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.Opp.Symbol)
	}
	return out
}

func dropReason(drops []Drop, symbol string) string {
	for _, d := range drops {
		if d.Opp.Symbol == symbol {
			return d.Reason
		}
	}
	return ""
}

func TestGateCapacityTakesStrongest(t *testing.T) {
	g := NewGate(DefaultConfig().Gate, 0)
	active := []models.Position{
		openPos("1", "EUR_USD", models.Long),
		openPos("2", "USD_JPY", models.Long),
	}
	opps := []models.Opportunity{
		opp("NZD_CHF", models.Long, 80),
		opp("AUD_CAD", models.Long, 90),
	}

	got, drops := g.Filter(opps, active, nil, t0, 3-len(active))
	assert.Equal(t, []string{"AUD_CAD"}, symbols(got))
	assert.Equal(t, DropCapacity, dropReason(drops, "NZD_CHF"))
}

func TestGateCooldownWindow(t *testing.T) {
	g := NewGate(DefaultConfig().Gate, 0)
	registry := []models.DedupEntry{{
		Fingerprint:   "EUR_USD:long",
		FirstSeen:     t0,
		CooldownUntil: t0.Add(4 * time.Hour),
	}}
	opps := []models.Opportunity{opp("EUR_USD", models.Long, 80)}

	got, drops := g.Filter(opps, nil, registry, t0.Add(time.Hour), 3)
	assert.Empty(t, got)
	assert.Equal(t, DropCooldown, dropReason(drops, "EUR_USD"))

	got, _ = g.Filter(opps, nil, registry, t0.Add(5*time.Hour), 3)
	require.Len(t, got, 1)
	assert.Equal(t, "EUR_USD:long", got[0].Fingerprint)

	// противоположное направление — другая идея
	got, _ = g.Filter([]models.Opportunity{opp("EUR_USD", models.Short, 80)}, nil, registry, t0.Add(time.Hour), 3)
	assert.Len(t, got, 1)
}

func TestGateInstrumentBusy(t *testing.T) {
	g := NewGate(DefaultConfig().Gate, 0)
	active := []models.Position{openPos("1", "EUR_USD", models.Long)}

	got, drops := g.Filter([]models.Opportunity{opp("eurusd", models.Short, 99)}, active, nil, t0, 2)
	assert.Empty(t, got)
	assert.Equal(t, DropInstrument, dropReason(drops, "eurusd"))
}

func TestGateCurrencyExposure(t *testing.T) {
	g := NewGate(DefaultConfig().Gate, 0)
	active := []models.Position{openPos("1", "EUR_USD", models.Long)}

	// long GBP_USD снова продаёт USD
	got, drops := g.Filter([]models.Opportunity{opp("GBP_USD", models.Long, 90)}, active, nil, t0, 2)
	assert.Empty(t, got)
	assert.Equal(t, DropCorrelation, dropReason(drops, "GBP_USD"))

	// short GBP_USD покупает USD — встречная нога, допускается
	got, _ = g.Filter([]models.Opportunity{opp("GBP_USD", models.Short, 90)}, active, nil, t0, 2)
	assert.Len(t, got, 1)
}

func TestGateBatchConflictPrefersHigherScore(t *testing.T) {
	g := NewGate(DefaultConfig().Gate, 0)
	opps := []models.Opportunity{
		opp("EUR_USD", models.Long, 70),
		opp("GBP_USD", models.Long, 90),
		opp("USD_CAD", models.Long, 60),
	}

	got, drops := g.Filter(opps, nil, nil, t0, 3)
	assert.Equal(t, []string{"GBP_USD"}, symbols(got))
	assert.Equal(t, DropCorrelation, dropReason(drops, "EUR_USD"))
	assert.Equal(t, DropScore, dropReason(drops, "USD_CAD"))
}

func TestGateCorrelationGroups(t *testing.T) {
	cfg := DefaultConfig().Gate
	cfg.MaxLegExposure = 0
	cfg.CorrelationGroups = [][]string{{"XAU_USD", "XAG_USD"}}
	g := NewGate(cfg, 0)

	active := []models.Position{openPos("1", "XAU_USD", models.Long)}
	got, drops := g.Filter([]models.Opportunity{opp("XAG_USD", models.Long, 90)}, active, nil, t0, 2)
	assert.Empty(t, got)
	assert.Equal(t, DropCorrelation, dropReason(drops, "XAG_USD"))
}

func TestGateClosedPositionsFreeInstrument(t *testing.T) {
	g := NewGate(DefaultConfig().Gate, 0)
	p := openPos("1", "EUR_USD", models.Long)
	p.Status = models.StatusClosed

	got, _ := g.Filter([]models.Opportunity{opp("EUR_USD", models.Long, 90)}, []models.Position{p}, nil, t0, 3)
	assert.Len(t, got, 1)
}

func TestGateBucketedFingerprint(t *testing.T) {
	g := NewGate(DefaultConfig().Gate, time.Hour)
	o := opp("EUR_USD", models.Long, 90)
	o.Timestamp = t0.Add(25 * time.Minute)
	assert.Equal(t, "EUR_USD:long:1772442000", g.Fingerprint(o))
}
