package service

import (
	"context"
	"net/http"

	"autotrader/internal/helper"
	"autotrader/internal/models"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Submit — MARKET FOK со стопом и тейком на заполнение. Не ретраится:
// потерянный ответ решается сверкой по clientExtensions.
func (c *Client) Submit(ctx context.Context, plan models.OrderPlan) (models.Fill, error) {
	units := decimal.NewFromFloat(plan.Units).Floor()
	if plan.Direction == models.Short {
		units = units.Neg()
	}

	ext := &clientExtensions{ID: plan.ClientID, Tag: OrderTag, Comment: plan.Fingerprint}
	order := marketOrder{
		Type:                  "MARKET",
		Instrument:            plan.Symbol,
		Units:                 units.String(),
		TimeInForce:           "FOK",
		PositionFill:          "DEFAULT",
		ClientExtensions:      ext,
		TradeClientExtensions: ext,
	}
	if plan.Stop > 0 {
		order.StopLossOnFill = &priceOnFill{Price: helper.FormatPrice(plan.Symbol, plan.Stop), TimeInForce: "GTC"}
	}
	if plan.Target > 0 {
		order.TakeProfitOnFill = &priceOnFill{Price: helper.FormatPrice(plan.Symbol, plan.Target), TimeInForce: "GTC"}
	}

	var r orderResponse
	status, err := c.do(ctx, http.MethodPost, c.accountPath("orders"), orderRequest{Order: order}, &r)
	if err != nil {
		return models.Fill{}, classify("submit", status, err, true)
	}

	if r.OrderCancelTransaction != nil {
		return models.Fill{}, classify("submit", http.StatusBadRequest,
			errors.Errorf("order cancelled: %s", r.OrderCancelTransaction.Reason), true)
	}
	fill := r.OrderFillTransaction
	if fill == nil || fill.TradeOpened == nil || fill.TradeOpened.TradeID == "" {
		// 201 без открытой сделки: что именно произошло — покажет сверка
		return models.Fill{}, classify("submit", 0, errors.New("fill without tradeOpened"), true)
	}

	px := num(fill.TradeOpened.Price)
	if px == 0 {
		px = num(fill.Price)
	}
	u := num(fill.TradeOpened.Units)
	if u < 0 {
		u = -u
	}
	return models.Fill{
		PositionID: fill.TradeOpened.TradeID,
		Price:      px,
		Units:      u,
		Time:       parseTime(fill.Time),
	}, nil
}
