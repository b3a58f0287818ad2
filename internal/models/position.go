package models

import (
	"math"
	"time"
)

type PositionStatus string

const (
	StatusOpening         PositionStatus = "opening"
	StatusOpen            PositionStatus = "open"
	StatusTrailing        PositionStatus = "trailing"
	StatusPartiallyClosed PositionStatus = "partially-closed"
	StatusClosing         PositionStatus = "closing"
	StatusClosed          PositionStatus = "closed"
)

// Active — статусы, которые занимают слот ёмкости.
func (s PositionStatus) Active() bool {
	switch s {
	case StatusOpening, StatusOpen, StatusTrailing, StatusPartiallyClosed:
		return true
	}
	return false
}

// Причины закрытия.
const (
	CloseStop     = "stop"
	CloseTarget   = "target"
	CloseExternal = "external"
	CloseTime     = "time"
	CloseGhost    = "ghost"
	CloseManual   = "manual"
)

type Position struct {
	ID        string    `json:"id"`
	Symbol    string    `json:"symbol"`
	Direction Direction `json:"direction"`
	Entry     float64   `json:"entry"`
	Units     float64   `json:"units"`
	// InitialUnits/InitialStop нужны для R и для частичного выхода.
	InitialUnits float64        `json:"initial_units"`
	Stop         float64        `json:"stop"`
	InitialStop  float64        `json:"initial_stop"`
	Target       float64        `json:"target"`
	OpenedAt     time.Time      `json:"opened_at"`
	Status       PositionStatus `json:"status"`

	RealizedPartialUnits float64 `json:"realized_partial_units"`
	HighWater            float64 `json:"high_water"`
	HighWaterProfit      float64 `json:"high_water_profit"`
	Volatility           float64 `json:"volatility"`
	Trailing             bool    `json:"trailing"`
	PartialTaken         bool    `json:"partial_taken"`
	BreakEven            bool    `json:"break_even"`

	// PartialPending — ордер частичного выхода отправлен, но не подтверждён.
	PartialPending      bool    `json:"partial_pending,omitempty"`
	PendingPartialUnits float64 `json:"pending_partial_units,omitempty"`

	Fingerprint string  `json:"fingerprint,omitempty"`
	Score       float64 `json:"score,omitempty"`
	External    bool    `json:"external,omitempty"`

	CloseReason string    `json:"close_reason,omitempty"`
	ClosedAt    time.Time `json:"closed_at,omitempty"`
	ExitPrice   float64   `json:"exit_price,omitempty"`
	RealizedPL  float64   `json:"realized_pl,omitempty"`

	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Profit — нереализованный профит в единицах цены.
func (p Position) Profit(price float64) float64 {
	return p.Direction.Sign() * (price - p.Entry)
}

// Risk — начальный R в единицах цены.
func (p Position) Risk() float64 {
	if p.InitialStop == 0 {
		return 0
	}
	return math.Abs(p.Entry - p.InitialStop)
}
