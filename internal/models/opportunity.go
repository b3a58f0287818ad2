package models

import "time"

type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
)

// Sign: +1 для long, -1 для short.
func (d Direction) Sign() float64 {
	if d == Short {
		return -1
	}
	return 1
}

func (d Direction) Valid() bool { return d == Long || d == Short }

// Opportunity — кандидат от источника сигналов. Живёт один цикл.
type Opportunity struct {
	Symbol    string    `json:"symbol" yaml:"symbol"`
	Direction Direction `json:"direction" yaml:"direction"`
	Score     float64   `json:"score" yaml:"score"`
	Reasons   []string  `json:"reasons,omitempty" yaml:"reasons"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
	// Volatility в единицах цены (ATR). 0 — планировщик спросит брокера.
	Volatility float64 `json:"volatility,omitempty" yaml:"volatility"`
}

// DedupEntry — запись реестра уже отработанных идей.
type DedupEntry struct {
	Fingerprint   string    `json:"fingerprint"`
	FirstSeen     time.Time `json:"first_seen"`
	CooldownUntil time.Time `json:"cooldown_until"`
	Reason        string    `json:"reason,omitempty"`
}

func (e DedupEntry) Active(now time.Time) bool {
	return now.Before(e.CooldownUntil)
}
