package models

import "time"

// EngineState — синглтон, переживает рестарт.
type EngineState struct {
	ActiveIDs         []string  `json:"active_ids"`
	ActiveSymbols     []string  `json:"active_symbols"`
	LastCycle         time.Time `json:"last_cycle"`
	Cycle             int64     `json:"cycle"`
	TradesDay         string    `json:"trades_day"`
	TradesToday       int       `json:"trades_today"`
	ConsecutiveLosses int       `json:"consecutive_losses"`
	// PausedAt — когда серия убытков остановила допуск.
	PausedAt time.Time `json:"paused_at,omitempty"`
}

// EngineStatus — снимок для health/telegram.
type EngineStatus struct {
	Running         bool      `json:"running"`
	LastCycle       time.Time `json:"last_cycle"`
	Cycle           int64     `json:"cycle"`
	ActivePositions int       `json:"active_positions"`
	Monitors        int       `json:"monitors"`
}

type EventKind string

const (
	EventAdmitted   EventKind = "admitted"
	EventRejected   EventKind = "rejected"
	EventExecuted   EventKind = "executed"
	EventExecFailed EventKind = "execution_failed"
	EventImported   EventKind = "imported"
	EventStopMoved  EventKind = "stop_moved"
	EventPartial    EventKind = "partial"
	EventClosed     EventKind = "closed"
	EventError      EventKind = "error"
	EventEngine     EventKind = "engine"
)

type Event struct {
	Kind       EventKind `json:"kind"`
	Time       time.Time `json:"time"`
	PositionID string    `json:"position_id,omitempty"`
	Symbol     string    `json:"symbol,omitempty"`
	Direction  Direction `json:"direction,omitempty"`
	Message    string    `json:"message"`
}
