// Package notify — fire-and-forget доставка событий. Ошибки и медленные
// получатели никогда не доходят до жизненного цикла позиций.
package notify

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"autotrader/internal/models"
	"autotrader/pkg/logger"
)

// Notifier — то, что видит движок.
type Notifier interface {
	Notify(ev models.Event)
}

// Sink — конкретный канал доставки.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, ev models.Event) error
}

type Nop struct{}

func (Nop) Notify(models.Event) {}

// Dispatcher — очередь с ограниченным буфером. Переполнение = дроп события.
type Dispatcher struct {
	ch      chan models.Event
	sinks   []Sink
	timeout time.Duration

	mu      sync.RWMutex
	closed  bool
	done    chan struct{}
	started atomic.Bool
	dropped atomic.Int64
}

func NewDispatcher(buffer int, timeout time.Duration, sinks ...Sink) *Dispatcher {
	if buffer <= 0 {
		buffer = 256
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Dispatcher{
		ch:      make(chan models.Event, buffer),
		sinks:   sinks,
		timeout: timeout,
		done:    make(chan struct{}),
	}
}

func (d *Dispatcher) Start() {
	if !d.started.CompareAndSwap(false, true) {
		return
	}
	go d.loop()
}

func (d *Dispatcher) Notify(ev models.Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.ch <- ev:
	default:
		d.dropped.Add(1)
	}
}

func (d *Dispatcher) Dropped() int64 { return d.dropped.Load() }

// Stop закрывает очередь и ждёт, пока буфер разберётся, но не дольше ctx.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.ch)
	}
	d.mu.Unlock()

	if !d.started.Load() {
		return nil
	}
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for ev := range d.ch {
		for _, s := range d.sinks {
			d.deliver(s, ev)
		}
	}
}

func (d *Dispatcher) deliver(s Sink, ev models.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("[NOTIFY] sink %s panic: %v", s.Name(), r)
		}
	}()
	if err := s.Deliver(ctx, ev); err != nil {
		logger.Warn("[NOTIFY] sink %s: %v", s.Name(), err)
	}
}

// Format — человекочитаемая строка события для текстовых каналов.
func Format(ev models.Event) string {
	head := string(ev.Kind)
	if ev.Symbol != "" {
		head += " " + ev.Symbol
		if ev.Direction != "" {
			head += " " + string(ev.Direction)
		}
	}
	if ev.PositionID != "" {
		head += " #" + ev.PositionID
	}
	return fmt.Sprintf("[%s] %s", head, ev.Message)
}
