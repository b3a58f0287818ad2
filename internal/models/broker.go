package models

import "time"

// OrderTag — метка в clientExtensions, по которой свои сделки отличаются от чужих.
const OrderTag = "autotrader"

type Quote struct {
	Symbol string    `json:"symbol"`
	Bid    float64   `json:"bid"`
	Ask    float64   `json:"ask"`
	Time   time.Time `json:"time"`
}

func (q Quote) Spread() float64 { return q.Ask - q.Bid }
func (q Quote) Mid() float64    { return (q.Ask + q.Bid) / 2 }

// Entry — цена входа: ask для long, bid для short.
func (q Quote) Entry(d Direction) float64 {
	if d == Short {
		return q.Bid
	}
	return q.Ask
}

// Exit — цена, по которой позицию можно закрыть.
func (q Quote) Exit(d Direction) float64 {
	if d == Short {
		return q.Ask
	}
	return q.Bid
}

type BrokerState string

const (
	BrokerOpen   BrokerState = "open"
	BrokerClosed BrokerState = "closed"
)

// BrokerPosition — то, что брокер знает о сделке. Units всегда >= 0.
type BrokerPosition struct {
	ID          string      `json:"id"`
	Symbol      string      `json:"symbol"`
	Direction   Direction   `json:"direction"`
	Units       float64     `json:"units"`
	Entry       float64     `json:"entry"`
	Stop        float64     `json:"stop"`
	Target      float64     `json:"target"`
	OpenedAt    time.Time   `json:"opened_at"`
	State       BrokerState `json:"state"`
	CloseReason string      `json:"close_reason,omitempty"`
	ExitPrice   float64     `json:"exit_price,omitempty"`
	RealizedPL  float64     `json:"realized_pl,omitempty"`
	ClientID    string      `json:"client_id,omitempty"`
	ClientTag   string      `json:"client_tag,omitempty"`
	Fingerprint string      `json:"fingerprint,omitempty"`
}

type Account struct {
	Balance         float64 `json:"balance"`
	NAV             float64 `json:"nav"`
	MarginAvailable float64 `json:"margin_available"`
	Currency        string  `json:"currency"`
}

type OrderPlan struct {
	Symbol      string    `json:"symbol"`
	Direction   Direction `json:"direction"`
	Units       float64   `json:"units"`
	Reference   float64   `json:"reference"`
	Stop        float64   `json:"stop"`
	Target      float64   `json:"target"`
	Spread      float64   `json:"spread"`
	Volatility  float64   `json:"volatility"`
	Score       float64   `json:"score"`
	Fingerprint string    `json:"fingerprint"`
	ClientID    string    `json:"client_id"`
}

type Fill struct {
	PositionID string    `json:"position_id"`
	Price      float64   `json:"price"`
	Units      float64   `json:"units"`
	Time       time.Time `json:"time"`
}
