// Package memory — in-process реализация store.Store. Используется в тестах,
// в dry-run и как ядро файлового стора.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"autotrader/internal/models"
	"autotrader/internal/store"

	"github.com/pkg/errors"
)

// Snapshot — полное состояние стора, то что файловый бэкенд пишет на диск.
type Snapshot struct {
	Positions map[string]models.Position   `json:"positions"`
	History   []models.Position            `json:"history"`
	Dedup     map[string]models.DedupEntry `json:"dedup"`
	Engine    models.EngineState           `json:"engine"`
}

// PersistFunc вызывается под локом после каждой мутации. Ошибка откатывает мутацию.
type PersistFunc func(Snapshot) error

type Store struct {
	mu        sync.Mutex
	positions map[string]models.Position
	history   []models.Position
	closedIDs map[string]struct{}
	dedup     map[string]models.DedupEntry
	engine    models.EngineState

	persist PersistFunc
	now     func() time.Time
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return FromSnapshot(Snapshot{})
}

func FromSnapshot(s Snapshot) *Store {
	st := &Store{
		positions: make(map[string]models.Position, len(s.Positions)),
		closedIDs: make(map[string]struct{}, len(s.History)),
		dedup:     make(map[string]models.DedupEntry, len(s.Dedup)),
		now:       time.Now,
	}
	st.restore(s)
	return st
}

func (s *Store) SetPersist(fn PersistFunc) {
	s.mu.Lock()
	s.persist = fn
	s.mu.Unlock()
}

// Snapshot — глубокая копия текущего состояния.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	out := Snapshot{
		Positions: make(map[string]models.Position, len(s.positions)),
		History:   make([]models.Position, len(s.history)),
		Dedup:     make(map[string]models.DedupEntry, len(s.dedup)),
		Engine:    cloneEngine(s.engine),
	}
	for k, v := range s.positions {
		out.Positions[k] = v
	}
	copy(out.History, s.history)
	for k, v := range s.dedup {
		out.Dedup[k] = v
	}
	return out
}

func (s *Store) restore(snap Snapshot) {
	s.positions = make(map[string]models.Position, len(snap.Positions))
	for k, v := range snap.Positions {
		s.positions[k] = v
	}
	s.history = append([]models.Position(nil), snap.History...)
	s.closedIDs = make(map[string]struct{}, len(s.history))
	for _, p := range s.history {
		s.closedIDs[p.ID] = struct{}{}
	}
	s.dedup = make(map[string]models.DedupEntry, len(snap.Dedup))
	for k, v := range snap.Dedup {
		s.dedup[k] = v
	}
	s.engine = cloneEngine(snap.Engine)
}

// mutate выполняет fn под локом и, если задан persist, сохраняет результат.
// При ошибке persist состояние откатывается.
func (s *Store) mutate(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var prev Snapshot
	if s.persist != nil {
		prev = s.snapshotLocked()
	}
	if err := fn(); err != nil {
		return err
	}
	if s.persist == nil {
		return nil
	}
	if err := s.persist(s.snapshotLocked()); err != nil {
		s.restore(prev)
		return errors.Wrap(err, "persist")
	}
	return nil
}

func (s *Store) InsertPosition(_ context.Context, p models.Position) (models.Position, error) {
	if p.ID == "" {
		return models.Position{}, errors.New("store: empty position id")
	}
	err := s.mutate(func() error {
		if _, ok := s.positions[p.ID]; ok {
			return store.ErrDuplicatePosition
		}
		if _, ok := s.closedIDs[p.ID]; ok {
			return store.ErrDuplicatePosition
		}
		p.Version = 1
		p.UpdatedAt = s.now()
		s.positions[p.ID] = p
		return nil
	})
	if err != nil {
		return models.Position{}, err
	}
	return p, nil
}

func (s *Store) UpdatePosition(_ context.Context, p models.Position) (models.Position, error) {
	err := s.mutate(func() error {
		cur, ok := s.positions[p.ID]
		if !ok {
			return store.ErrNotFound
		}
		if cur.Version != p.Version {
			return store.ErrVersionConflict
		}
		if p.Status == models.StatusClosed {
			return errors.New("store: use ClosePosition to close")
		}
		p.Version++
		p.UpdatedAt = s.now()
		s.positions[p.ID] = p
		return nil
	})
	if err != nil {
		return models.Position{}, err
	}
	return p, nil
}

func (s *Store) GetPosition(_ context.Context, id string) (models.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.positions[id]; ok {
		return p, nil
	}
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].ID == id {
			return s.history[i], nil
		}
	}
	return models.Position{}, store.ErrNotFound
}

func (s *Store) ActivePositions(_ context.Context) ([]models.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out, nil
}

func (s *Store) ClosePosition(_ context.Context, p models.Position) error {
	return s.mutate(func() error {
		cur, ok := s.positions[p.ID]
		if !ok {
			return store.ErrNotFound
		}
		if cur.Version != p.Version {
			return store.ErrVersionConflict
		}
		p.Status = models.StatusClosed
		p.Version++
		p.UpdatedAt = s.now()
		if p.ClosedAt.IsZero() {
			p.ClosedAt = p.UpdatedAt
		}
		delete(s.positions, p.ID)
		s.history = append(s.history, p)
		s.closedIDs[p.ID] = struct{}{}
		return nil
	})
}

// History — последние limit закрытых позиций, новые первыми.
func (s *Store) History(_ context.Context, limit int) ([]models.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]models.Position, 0, limit)
	for i := n - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.history[i])
	}
	return out, nil
}

func (s *Store) RecordDedup(_ context.Context, e models.DedupEntry) error {
	if e.Fingerprint == "" {
		return errors.New("store: empty fingerprint")
	}
	return s.mutate(func() error {
		if old, ok := s.dedup[e.Fingerprint]; ok {
			e = store.MergeDedup(old, e)
		}
		s.dedup[e.Fingerprint] = e
		return nil
	})
}

func (s *Store) ActiveDedup(_ context.Context, now time.Time) ([]models.DedupEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.DedupEntry, 0, len(s.dedup))
	for _, e := range s.dedup {
		if e.Active(now) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Fingerprint < out[j].Fingerprint })
	return out, nil
}

func (s *Store) PruneDedup(_ context.Context, now time.Time) (int, error) {
	var n int
	s.mu.Lock()
	for _, e := range s.dedup {
		if !e.Active(now) {
			n++
		}
	}
	s.mu.Unlock()
	if n == 0 {
		return 0, nil
	}

	n = 0
	err := s.mutate(func() error {
		for k, e := range s.dedup {
			if !e.Active(now) {
				delete(s.dedup, k)
				n++
			}
		}
		return nil
	})
	return n, err
}

func (s *Store) LoadEngineState(_ context.Context) (models.EngineState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneEngine(s.engine), nil
}

func (s *Store) SaveEngineState(_ context.Context, fn func(*models.EngineState) error) (models.EngineState, error) {
	var out models.EngineState
	err := s.mutate(func() error {
		next := cloneEngine(s.engine)
		if err := fn(&next); err != nil {
			return err
		}
		s.engine = next
		out = cloneEngine(next)
		return nil
	})
	return out, err
}

func (s *Store) Close() error { return nil }

func cloneEngine(e models.EngineState) models.EngineState {
	e.ActiveIDs = append([]string(nil), e.ActiveIDs...)
	e.ActiveSymbols = append([]string(nil), e.ActiveSymbols...)
	return e
}
