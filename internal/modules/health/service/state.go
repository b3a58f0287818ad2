package service

import (
	"sync/atomic"
	"time"

	"autotrader/internal/models"
)

// Состояния движка для /healthz.
const (
	StateStarting = "starting"
	StateStopped  = "stopped"
	StateRunning  = "running"
	StateStalled  = "stalled"
)

type State struct {
	ready     atomic.Bool
	startedAt time.Time
	// цикл старше этого считается зависшим
	maxCycleAge time.Duration
}

func NewState(tick time.Duration) *State {
	s := &State{startedAt: time.Now(), maxCycleAge: 3 * tick}
	s.ready.Store(false)
	return s
}

func (s *State) SetReady(v bool) { s.ready.Store(v) }
func (s *State) Ready() bool     { return s.ready.Load() }

func (s *State) Uptime() time.Duration { return time.Since(s.startedAt) }

// Check — готовность с учётом движка: остановленный движок готов
// (ждёт /control/start), запущенный должен крутить циклы.
func (s *State) Check(st models.EngineStatus, now time.Time) (bool, string) {
	if !s.Ready() {
		return false, StateStarting
	}
	if !st.Running {
		return true, StateStopped
	}
	if s.maxCycleAge > 0 && !st.LastCycle.IsZero() && now.Sub(st.LastCycle) > s.maxCycleAge {
		return false, StateStalled
	}
	return true, StateRunning
}
