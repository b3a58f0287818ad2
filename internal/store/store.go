// Package store — единственный источник правды о стратегических метаданных
// позиций. Брокер отвечает за существование позиции, store — за всё остальное.
package store

import (
	"context"
	"time"

	"autotrader/internal/models"

	"github.com/pkg/errors"
)

var (
	ErrNotFound          = errors.New("store: not found")
	ErrDuplicatePosition = errors.New("store: position id already exists")
	ErrVersionConflict   = errors.New("store: version conflict")
)

// Store — типизированные таблицы: активные позиции, история, реестр дедупа
// и синглтон состояния движка. Все реализации обязаны:
//   - отклонять повторный id, в том числе уже закрытый (позиция не воскресает);
//   - делать UpdatePosition/ClosePosition как compare-and-swap по Version;
//   - выполнять ClosePosition одной атомарной записью (active -> history);
//   - сериализовать SaveEngineState.
type Store interface {
	InsertPosition(ctx context.Context, p models.Position) (models.Position, error)
	UpdatePosition(ctx context.Context, p models.Position) (models.Position, error)
	GetPosition(ctx context.Context, id string) (models.Position, error)
	ActivePositions(ctx context.Context) ([]models.Position, error)
	ClosePosition(ctx context.Context, p models.Position) error
	History(ctx context.Context, limit int) ([]models.Position, error)

	RecordDedup(ctx context.Context, e models.DedupEntry) error
	ActiveDedup(ctx context.Context, now time.Time) ([]models.DedupEntry, error)
	PruneDedup(ctx context.Context, now time.Time) (int, error)

	LoadEngineState(ctx context.Context) (models.EngineState, error)
	SaveEngineState(ctx context.Context, mutate func(*models.EngineState) error) (models.EngineState, error)

	Close() error
}

// MergeDedup — правило upsert для реестра: FirstSeen сохраняется,
// CooldownUntil только продлевается.
func MergeDedup(old, next models.DedupEntry) models.DedupEntry {
	out := next
	if !old.FirstSeen.IsZero() && (out.FirstSeen.IsZero() || old.FirstSeen.Before(out.FirstSeen)) {
		out.FirstSeen = old.FirstSeen
	}
	if old.CooldownUntil.After(out.CooldownUntil) {
		out.CooldownUntil = old.CooldownUntil
		out.Reason = old.Reason
	}
	return out
}
