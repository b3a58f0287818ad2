package runner

import (
	"context"
	"sync"
	"time"

	"autotrader/internal/metrics"
	"autotrader/pkg/logger"
)

// Supervisor держит по одному монитору на позицию.
type Supervisor struct {
	mu       sync.Mutex
	monitors map[string]*monitorHandle
	quit     chan struct{}
	stopped  bool
	wg       sync.WaitGroup
}

type monitorHandle struct {
	// closeReq несёт причину закрытия; пустая строка — просто разбудить.
	closeReq chan string
}

func NewSupervisor() *Supervisor {
	return &Supervisor{
		monitors: make(map[string]*monitorHandle),
		quit:     make(chan struct{}),
		stopped:  true,
	}
}

// Open снова разрешает запуск мониторов после Shutdown.
func (s *Supervisor) Open() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stopped {
		return
	}
	s.quit = make(chan struct{})
	s.stopped = false
}

// Spawn запускает монитор, если для id его ещё нет. Возвращает false,
// если монитор уже работает или супервизор остановлен.
func (s *Supervisor) Spawn(id string, run func(quit <-chan struct{}, closeReq <-chan string)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return false
	}
	if _, ok := s.monitors[id]; ok {
		return false
	}

	h := &monitorHandle{closeReq: make(chan string, 1)}
	s.monitors[id] = h
	metrics.Monitors.Set(float64(len(s.monitors)))
	quit := s.quit

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		run(quit, h.closeReq)

		// когда монитор завершился — выпилим его из мапы
		s.mu.Lock()
		if s.monitors[id] == h {
			delete(s.monitors, id)
		}
		metrics.Monitors.Set(float64(len(s.monitors)))
		s.mu.Unlock()
	}()
	return true
}

func (s *Supervisor) Running(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.monitors[id]
	return ok
}

// RequestClose будит монитор, чтобы он перепроверил позицию у брокера
// немедленно. С непустым reason монитор сам переводит позицию в closing.
// Пустой запрос не вытесняет ещё не прочитанную причину.
func (s *Supervisor) RequestClose(id, reason string) bool {
	s.mu.Lock()
	h, ok := s.monitors[id]
	s.mu.Unlock()
	if !ok {
		return false
	}
	for {
		select {
		case h.closeReq <- reason:
			return true
		default:
		}
		select {
		case old := <-h.closeReq:
			if reason == "" {
				reason = old
			}
		default:
		}
	}
}

func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.monitors)
}

// Shutdown сигналит всем мониторам и ждёт их не дольше grace.
// Позиции у брокера не трогаются.
func (s *Supervisor) Shutdown(grace time.Duration) error {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		close(s.quit)
	}
	n := len(s.monitors)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	select {
	case <-done:
		logger.Info("[SUPERVISOR] %d monitors stopped", n)
		return nil
	case <-ctx.Done():
		logger.Warn("[SUPERVISOR] monitors did not stop within %s", grace)
		return ctx.Err()
	}
}
