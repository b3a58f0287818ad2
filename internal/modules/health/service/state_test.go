package service

import (
	"testing"
	"time"

	"autotrader/internal/models"

	"github.com/stretchr/testify/assert"
)

func TestCheck(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		ready bool
		st    models.EngineStatus
		ok    bool
		state string
	}{
		{name: "not ready", ready: false, st: models.EngineStatus{Running: true, LastCycle: now}, ok: false, state: StateStarting},
		{name: "stopped", ready: true, st: models.EngineStatus{}, ok: true, state: StateStopped},
		{name: "running", ready: true, st: models.EngineStatus{Running: true, LastCycle: now.Add(-time.Minute)}, ok: true, state: StateRunning},
		{name: "no cycle yet", ready: true, st: models.EngineStatus{Running: true}, ok: true, state: StateRunning},
		{name: "stalled", ready: true, st: models.EngineStatus{Running: true, LastCycle: now.Add(-4 * time.Minute)}, ok: false, state: StateStalled},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := NewState(time.Minute)
			s.SetReady(tc.ready)
			ok, state := s.Check(tc.st, now)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.state, state)
		})
	}
}
