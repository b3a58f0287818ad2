package service

import (
	"context"
	"math"
	"net/http"
	"net/url"
	"strconv"

	"autotrader/internal/broker"
	"autotrader/internal/models"

	"github.com/pkg/errors"
)

func (c *Client) Quote(ctx context.Context, symbol string) (models.Quote, error) {
	var r pricingResponse
	path := c.accountPath("pricing") + "?instruments=" + url.QueryEscape(symbol)
	status, err := c.do(ctx, http.MethodGet, path, nil, &r)
	if err != nil {
		return models.Quote{}, classify("pricing", status, err, false)
	}
	if len(r.Prices) == 0 || len(r.Prices[0].Bids) == 0 || len(r.Prices[0].Asks) == 0 {
		return models.Quote{}, broker.Transient("pricing", errors.Errorf("empty price for %s", symbol))
	}

	p := r.Prices[0]
	if !p.Tradeable {
		return models.Quote{}, broker.Transient("pricing", errors.Errorf("%s not tradeable", symbol))
	}
	return models.Quote{
		Symbol: symbol,
		Bid:    num(p.Bids[0].Price),
		Ask:    num(p.Asks[0].Price),
		Time:   parseTime(p.Time),
	}, nil
}

// Volatility — ATR(period) по закрытым свечам granularity.
func (c *Client) Volatility(ctx context.Context, symbol string) (float64, error) {
	q := url.Values{}
	q.Set("granularity", c.granularity)
	q.Set("count", strconv.Itoa(c.atrPeriod+2))
	q.Set("price", "M")

	var r candlesResponse
	path := "/v3/instruments/" + url.PathEscape(symbol) + "/candles?" + q.Encode()
	status, err := c.do(ctx, http.MethodGet, path, nil, &r)
	if err != nil {
		return 0, classify("candles", status, err, false)
	}

	bars := make([]Bar, 0, len(r.Candles))
	for _, cd := range r.Candles {
		if !cd.Complete {
			continue
		}
		bars = append(bars, Bar{High: num(cd.Mid.H), Low: num(cd.Mid.L), Close: num(cd.Mid.C)})
	}
	atr := ATR(bars, c.atrPeriod)
	if atr <= 0 {
		return 0, broker.Transient("candles", errors.Errorf("not enough candles for %s", symbol))
	}
	return atr, nil
}

type Bar struct {
	High, Low, Close float64
}

// ATR — простое среднее true range за последние period баров.
// Первый бар нужен только как предыдущее закрытие.
func ATR(bars []Bar, period int) float64 {
	if period <= 0 || len(bars) < period+1 {
		return 0
	}
	bars = bars[len(bars)-period-1:]
	var sum float64
	for i := 1; i < len(bars); i++ {
		prev := bars[i-1].Close
		tr := math.Max(bars[i].High-bars[i].Low,
			math.Max(math.Abs(bars[i].High-prev), math.Abs(bars[i].Low-prev)))
		sum += tr
	}
	return sum / float64(period)
}
