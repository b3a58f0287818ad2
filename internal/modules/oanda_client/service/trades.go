package service

import (
	"context"
	"math"
	"net/http"
	"strings"

	"autotrader/internal/helper"
	"autotrader/internal/models"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

func (c *Client) OpenPositions(ctx context.Context) ([]models.BrokerPosition, error) {
	var r tradesResponse
	status, err := c.do(ctx, http.MethodGet, c.accountPath("openTrades"), nil, &r)
	if err != nil {
		return nil, classify("open_trades", status, err, false)
	}

	out := make([]models.BrokerPosition, 0, len(r.Trades))
	for _, t := range r.Trades {
		p := toPosition(t)
		if p.Units <= 0 {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (c *Client) Position(ctx context.Context, id string) (models.BrokerPosition, error) {
	var r tradeResponse
	status, err := c.do(ctx, http.MethodGet, c.accountPath("trades", id), nil, &r)
	if err != nil {
		return models.BrokerPosition{}, classify("trade", status, err, false)
	}
	return toPosition(r.Trade), nil
}

func (c *Client) Close(ctx context.Context, id string, units float64) error {
	body := closeRequest{Units: "ALL"}
	if units > 0 {
		body.Units = decimal.NewFromFloat(units).Floor().String()
	}

	var r orderResponse
	status, err := c.do(ctx, http.MethodPut, c.accountPath("trades", id, "close"), body, &r)
	if err != nil {
		return classify("close", status, err, false)
	}
	if r.OrderCancelTransaction != nil {
		return classify("close", http.StatusBadRequest,
			errors.Errorf("close cancelled: %s", r.OrderCancelTransaction.Reason), false)
	}
	return nil
}

func (c *Client) UpdateStop(ctx context.Context, id string, price float64) error {
	cur, err := c.Position(ctx, id)
	if err != nil {
		return err
	}

	body := tradeOrdersRequest{StopLoss: stopLossDetails{
		Price:       helper.FormatPrice(cur.Symbol, price),
		TimeInForce: "GTC",
	}}
	status, err := c.do(ctx, http.MethodPut, c.accountPath("trades", id, "orders"), body, nil)
	return classify("update_stop", status, err, false)
}

func toPosition(t trade) models.BrokerPosition {
	units := num(t.CurrentUnits)
	dir := models.Long
	if units < 0 || (units == 0 && num(t.InitialUnits) < 0) {
		dir = models.Short
	}

	p := models.BrokerPosition{
		ID:         t.ID,
		Symbol:     t.Instrument,
		Direction:  dir,
		Units:      math.Abs(units),
		Entry:      num(t.Price),
		OpenedAt:   parseTime(t.OpenTime),
		State:      models.BrokerOpen,
		RealizedPL: num(t.RealizedPL),
	}
	if t.StopLossOrder != nil {
		p.Stop = num(t.StopLossOrder.Price)
	}
	if t.TakeProfitOrder != nil {
		p.Target = num(t.TakeProfitOrder.Price)
	}
	if ce := t.ClientExtensions; ce != nil {
		p.ClientID = ce.ID
		p.ClientTag = ce.Tag
		if _, _, ok := helper.SplitFingerprint(ce.Comment); ok {
			p.Fingerprint = ce.Comment
		}
	}

	if strings.EqualFold(t.State, "CLOSED") || p.Units == 0 {
		p.State = models.BrokerClosed
		p.Units = 0
		p.ExitPrice = num(t.AverageClosePrice)
		switch {
		case t.StopLossOrder != nil && t.StopLossOrder.State == "FILLED":
			p.CloseReason = models.CloseStop
		case t.TakeProfitOrder != nil && t.TakeProfitOrder.State == "FILLED":
			p.CloseReason = models.CloseTarget
		}
	}
	return p
}
