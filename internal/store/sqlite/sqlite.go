// Package sqlite — store.Store на gorm + sqlite, для одиночного инстанса
// без отдельной БД.
package sqlite

import (
	"context"
	"sync"
	"time"

	"autotrader/internal/models"
	"autotrader/internal/store"

	"github.com/bytedance/sonic"
	"github.com/pkg/errors"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

type positionRow struct {
	ID        string `gorm:"primaryKey"`
	Symbol    string `gorm:"not null"`
	Status    string `gorm:"not null"`
	Closed    bool   `gorm:"not null;index:idx_positions_closed"`
	Version   int64  `gorm:"not null"`
	OpenedAt  time.Time
	ClosedAt  *time.Time `gorm:"index:idx_positions_closed"`
	Payload   string     `gorm:"type:text;not null"`
	UpdatedAt time.Time
}

func (positionRow) TableName() string { return "positions" }

type dedupRow struct {
	Fingerprint   string    `gorm:"primaryKey"`
	FirstSeen     time.Time `gorm:"not null"`
	CooldownUntil time.Time `gorm:"not null;index"`
	Reason        string
}

func (dedupRow) TableName() string { return "dedup_registry" }

type engineRow struct {
	ID        int    `gorm:"primaryKey"`
	Payload   string `gorm:"type:text;not null"`
	UpdatedAt time.Time
}

func (engineRow) TableName() string { return "engine_state" }

type Store struct {
	db *gorm.DB
	// sqlite пишет одним писателем, engine state дополнительно сериализуем в процессе
	stateMu sync.Mutex
}

var _ store.Store = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, errors.Wrap(err, "sqlite handle")
	}
	sqlDB.SetMaxOpenConns(1)

	if err := gdb.AutoMigrate(&positionRow{}, &dedupRow{}, &engineRow{}); err != nil {
		return nil, errors.Wrap(err, "migrate")
	}
	return &Store{db: gdb}, nil
}

func (s *Store) InsertPosition(ctx context.Context, p models.Position) (models.Position, error) {
	if p.ID == "" {
		return models.Position{}, errors.New("store: empty position id")
	}
	p.Version = 1
	p.UpdatedAt = time.Now().UTC()
	row, err := toRow(p)
	if err != nil {
		return models.Position{}, err
	}

	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return models.Position{}, errors.Wrap(res.Error, "insert position")
	}
	if res.RowsAffected == 0 {
		return models.Position{}, store.ErrDuplicatePosition
	}
	return p, nil
}

func (s *Store) UpdatePosition(ctx context.Context, p models.Position) (models.Position, error) {
	if p.Status == models.StatusClosed {
		return models.Position{}, errors.New("store: use ClosePosition to close")
	}
	expected := p.Version
	p.Version++
	p.UpdatedAt = time.Now().UTC()
	row, err := toRow(p)
	if err != nil {
		return models.Position{}, err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&positionRow{}).
			Where("id = ? AND version = ? AND closed = ?", p.ID, expected, false).
			Updates(map[string]any{
				"status":     row.Status,
				"version":    row.Version,
				"payload":    row.Payload,
				"updated_at": row.UpdatedAt,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 1 {
			return nil
		}
		return missReason(tx, p.ID)
	})
	if err != nil {
		return models.Position{}, err
	}
	return p, nil
}

func (s *Store) GetPosition(ctx context.Context, id string) (models.Position, error) {
	var row positionRow
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Position{}, store.ErrNotFound
	}
	if err != nil {
		return models.Position{}, errors.Wrap(err, "get position")
	}
	return fromRow(row)
}

func (s *Store) ActivePositions(ctx context.Context) ([]models.Position, error) {
	var rows []positionRow
	if err := s.db.WithContext(ctx).
		Where("closed = ?", false).
		Order("opened_at, id").
		Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "active positions")
	}
	return fromRows(rows)
}

func (s *Store) ClosePosition(ctx context.Context, p models.Position) error {
	expected := p.Version
	p.Status = models.StatusClosed
	p.Version++
	p.UpdatedAt = time.Now().UTC()
	if p.ClosedAt.IsZero() {
		p.ClosedAt = p.UpdatedAt
	}
	row, err := toRow(p)
	if err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&positionRow{}).
			Where("id = ? AND version = ? AND closed = ?", p.ID, expected, false).
			Updates(map[string]any{
				"status":     row.Status,
				"closed":     true,
				"version":    row.Version,
				"closed_at":  row.ClosedAt,
				"payload":    row.Payload,
				"updated_at": row.UpdatedAt,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 1 {
			return nil
		}
		return missReason(tx, p.ID)
	})
}

func (s *Store) History(ctx context.Context, limit int) ([]models.Position, error) {
	q := s.db.WithContext(ctx).Where("closed = ?", true).Order("closed_at DESC, id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []positionRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "history")
	}
	return fromRows(rows)
}

func (s *Store) RecordDedup(ctx context.Context, e models.DedupEntry) error {
	if e.Fingerprint == "" {
		return errors.New("store: empty fingerprint")
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var old dedupRow
		err := tx.Where("fingerprint = ?", e.Fingerprint).Take(&old).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
		case err != nil:
			return errors.Wrap(err, "read dedup")
		default:
			e = store.MergeDedup(models.DedupEntry{
				Fingerprint:   old.Fingerprint,
				FirstSeen:     old.FirstSeen,
				CooldownUntil: old.CooldownUntil,
				Reason:        old.Reason,
			}, e)
		}
		return tx.Save(&dedupRow{
			Fingerprint:   e.Fingerprint,
			FirstSeen:     e.FirstSeen.UTC(),
			CooldownUntil: e.CooldownUntil.UTC(),
			Reason:        e.Reason,
		}).Error
	})
}

func (s *Store) ActiveDedup(ctx context.Context, now time.Time) ([]models.DedupEntry, error) {
	var rows []dedupRow
	if err := s.db.WithContext(ctx).
		Where("cooldown_until > ?", now.UTC()).
		Order("fingerprint").
		Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "active dedup")
	}
	out := make([]models.DedupEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.DedupEntry{
			Fingerprint:   r.Fingerprint,
			FirstSeen:     r.FirstSeen,
			CooldownUntil: r.CooldownUntil,
			Reason:        r.Reason,
		})
	}
	return out, nil
}

func (s *Store) PruneDedup(ctx context.Context, now time.Time) (int, error) {
	res := s.db.WithContext(ctx).Where("cooldown_until <= ?", now.UTC()).Delete(&dedupRow{})
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "prune dedup")
	}
	return int(res.RowsAffected), nil
}

func (s *Store) LoadEngineState(ctx context.Context) (models.EngineState, error) {
	var st models.EngineState
	var row engineRow
	err := s.db.WithContext(ctx).Where("id = ?", 1).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return st, nil
	}
	if err != nil {
		return st, errors.Wrap(err, "load engine state")
	}
	return st, errors.Wrap(sonic.UnmarshalString(row.Payload, &st), "decode engine state")
}

func (s *Store) SaveEngineState(ctx context.Context, mutate func(*models.EngineState) error) (models.EngineState, error) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	var out models.EngineState
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var st models.EngineState
		var row engineRow
		err := tx.Where("id = ?", 1).Take(&row).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
		case err != nil:
			return err
		default:
			if err := sonic.UnmarshalString(row.Payload, &st); err != nil {
				return errors.Wrap(err, "decode engine state")
			}
		}

		if err := mutate(&st); err != nil {
			return err
		}
		payload, err := sonic.MarshalString(st)
		if err != nil {
			return err
		}
		if err := tx.Save(&engineRow{ID: 1, Payload: payload, UpdatedAt: time.Now().UTC()}).Error; err != nil {
			return err
		}
		out = st
		return nil
	})
	if err != nil {
		return models.EngineState{}, errors.Wrap(err, "save engine state")
	}
	return out, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func missReason(tx *gorm.DB, id string) error {
	var row positionRow
	err := tx.Select("closed").Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && row.Closed) {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}
	return store.ErrVersionConflict
}

func toRow(p models.Position) (positionRow, error) {
	payload, err := sonic.MarshalString(p)
	if err != nil {
		return positionRow{}, errors.Wrap(err, "encode position")
	}
	row := positionRow{
		ID:        p.ID,
		Symbol:    p.Symbol,
		Status:    string(p.Status),
		Closed:    p.Status == models.StatusClosed,
		Version:   p.Version,
		OpenedAt:  p.OpenedAt.UTC(),
		Payload:   payload,
		UpdatedAt: p.UpdatedAt,
	}
	if !p.ClosedAt.IsZero() {
		t := p.ClosedAt.UTC()
		row.ClosedAt = &t
	}
	return row, nil
}

func fromRow(r positionRow) (models.Position, error) {
	var p models.Position
	if err := sonic.UnmarshalString(r.Payload, &p); err != nil {
		return p, errors.Wrap(err, "decode position")
	}
	return p, nil
}

func fromRows(rows []positionRow) ([]models.Position, error) {
	out := make([]models.Position, 0, len(rows))
	for _, r := range rows {
		p, err := fromRow(r)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
