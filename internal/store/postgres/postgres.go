// Package postgres — store.Store поверх pgx. Позиции лежат в одной таблице
// с флагом closed: первичный ключ сам гарантирует, что закрытый id не вернётся.
package postgres

import (
	"context"
	"time"

	"autotrader/internal/models"
	"autotrader/internal/store"
	"autotrader/pkg/db"

	"github.com/bytedance/sonic"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS positions (
	id          TEXT PRIMARY KEY,
	symbol      TEXT NOT NULL,
	status      TEXT NOT NULL,
	closed      BOOLEAN NOT NULL DEFAULT FALSE,
	version     BIGINT NOT NULL,
	opened_at   TIMESTAMPTZ NOT NULL,
	closed_at   TIMESTAMPTZ,
	payload     JSONB NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS positions_closed_idx ON positions (closed, closed_at DESC);

CREATE TABLE IF NOT EXISTS dedup_registry (
	fingerprint    TEXT PRIMARY KEY,
	first_seen     TIMESTAMPTZ NOT NULL,
	cooldown_until TIMESTAMPTZ NOT NULL,
	reason         TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS dedup_cooldown_idx ON dedup_registry (cooldown_until);

CREATE TABLE IF NOT EXISTS engine_state (
	id         SMALLINT PRIMARY KEY CHECK (id = 1),
	payload    JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

type Store struct {
	tx db.TxManager
}

var _ store.Store = (*Store)(nil)

// New накатывает схему и возвращает стор.
func New(ctx context.Context, tx db.TxManager) (*Store, error) {
	if _, err := tx.Conn().Exec(ctx, schema); err != nil {
		return nil, errors.Wrap(err, "migrate")
	}
	return &Store{tx: tx}, nil
}

func (s *Store) InsertPosition(ctx context.Context, p models.Position) (models.Position, error) {
	if p.ID == "" {
		return models.Position{}, errors.New("store: empty position id")
	}
	p.Version = 1
	p.UpdatedAt = time.Now().UTC()
	payload, err := sonic.MarshalString(p)
	if err != nil {
		return models.Position{}, errors.Wrap(err, "encode position")
	}

	tag, err := s.tx.Conn().Exec(ctx, `
		INSERT INTO positions (id, symbol, status, closed, version, opened_at, payload, updated_at)
		VALUES ($1, $2, $3, FALSE, $4, $5, $6::jsonb, $7)
		ON CONFLICT (id) DO NOTHING`,
		p.ID, p.Symbol, string(p.Status), p.Version, p.OpenedAt, payload, p.UpdatedAt,
	)
	if err != nil {
		return models.Position{}, errors.Wrap(err, "insert position")
	}
	if tag.RowsAffected() == 0 {
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
	payload, err := sonic.MarshalString(p)
	if err != nil {
		return models.Position{}, errors.Wrap(err, "encode position")
	}

	err = s.tx.RunMaster(ctx, func(ctx context.Context, tx db.Transaction) error {
		tag, err := tx.Exec(ctx, `
			UPDATE positions SET status = $3, version = $4, payload = $5::jsonb, updated_at = $6
			WHERE id = $1 AND version = $2 AND NOT closed`,
			p.ID, expected, string(p.Status), p.Version, payload, p.UpdatedAt,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 1 {
			return nil
		}
		return s.missReason(ctx, tx, p.ID)
	})
	if err != nil {
		return models.Position{}, unwrapSentinel(err)
	}
	return p, nil
}

func (s *Store) GetPosition(ctx context.Context, id string) (models.Position, error) {
	var payload string
	err := s.tx.Conn().QueryRow(ctx, `SELECT payload::text FROM positions WHERE id = $1`, id).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Position{}, store.ErrNotFound
	}
	if err != nil {
		return models.Position{}, errors.Wrap(err, "get position")
	}
	return decodePosition(payload)
}

func (s *Store) ActivePositions(ctx context.Context) ([]models.Position, error) {
	return s.queryPositions(ctx, `
		SELECT payload::text FROM positions WHERE NOT closed ORDER BY opened_at, id`)
}

func (s *Store) ClosePosition(ctx context.Context, p models.Position) error {
	expected := p.Version
	p.Status = models.StatusClosed
	p.Version++
	p.UpdatedAt = time.Now().UTC()
	if p.ClosedAt.IsZero() {
		p.ClosedAt = p.UpdatedAt
	}
	payload, err := sonic.MarshalString(p)
	if err != nil {
		return errors.Wrap(err, "encode position")
	}

	err = s.tx.RunMaster(ctx, func(ctx context.Context, tx db.Transaction) error {
		tag, err := tx.Exec(ctx, `
			UPDATE positions
			SET status = $3, closed = TRUE, version = $4, closed_at = $5, payload = $6::jsonb, updated_at = $7
			WHERE id = $1 AND version = $2 AND NOT closed`,
			p.ID, expected, string(p.Status), p.Version, p.ClosedAt, payload, p.UpdatedAt,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 1 {
			return nil
		}
		return s.missReason(ctx, tx, p.ID)
	})
	return unwrapSentinel(err)
}

func (s *Store) History(ctx context.Context, limit int) ([]models.Position, error) {
	if limit <= 0 {
		limit = 1000
	}
	return s.queryPositions(ctx, `
		SELECT payload::text FROM positions WHERE closed ORDER BY closed_at DESC, id LIMIT $1`, limit)
}

func (s *Store) RecordDedup(ctx context.Context, e models.DedupEntry) error {
	if e.Fingerprint == "" {
		return errors.New("store: empty fingerprint")
	}
	// GREATEST/LEAST повторяют store.MergeDedup
	_, err := s.tx.Conn().Exec(ctx, `
		INSERT INTO dedup_registry (fingerprint, first_seen, cooldown_until, reason)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (fingerprint) DO UPDATE SET
			first_seen = LEAST(dedup_registry.first_seen, EXCLUDED.first_seen),
			reason = CASE WHEN EXCLUDED.cooldown_until > dedup_registry.cooldown_until
				THEN EXCLUDED.reason ELSE dedup_registry.reason END,
			cooldown_until = GREATEST(dedup_registry.cooldown_until, EXCLUDED.cooldown_until)`,
		e.Fingerprint, e.FirstSeen, e.CooldownUntil, e.Reason,
	)
	return errors.Wrap(err, "record dedup")
}

func (s *Store) ActiveDedup(ctx context.Context, now time.Time) ([]models.DedupEntry, error) {
	rows, err := s.tx.Conn().Query(ctx, `
		SELECT fingerprint, first_seen, cooldown_until, reason
		FROM dedup_registry WHERE cooldown_until > $1 ORDER BY fingerprint`, now)
	if err != nil {
		return nil, errors.Wrap(err, "query dedup")
	}
	defer rows.Close()

	var out []models.DedupEntry
	for rows.Next() {
		var e models.DedupEntry
		if err := rows.Scan(&e.Fingerprint, &e.FirstSeen, &e.CooldownUntil, &e.Reason); err != nil {
			return nil, errors.Wrap(err, "scan dedup")
		}
		out = append(out, e)
	}
	return out, errors.Wrap(rows.Err(), "iterate dedup")
}

func (s *Store) PruneDedup(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.tx.Conn().Exec(ctx, `DELETE FROM dedup_registry WHERE cooldown_until <= $1`, now)
	if err != nil {
		return 0, errors.Wrap(err, "prune dedup")
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) LoadEngineState(ctx context.Context) (models.EngineState, error) {
	var st models.EngineState
	var payload string
	err := s.tx.Conn().QueryRow(ctx, `SELECT payload::text FROM engine_state WHERE id = 1`).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return st, nil
	}
	if err != nil {
		return st, errors.Wrap(err, "load engine state")
	}
	return st, errors.Wrap(sonic.UnmarshalString(payload, &st), "decode engine state")
}

// SaveEngineState — read-modify-write под SELECT ... FOR UPDATE.
func (s *Store) SaveEngineState(ctx context.Context, mutate func(*models.EngineState) error) (models.EngineState, error) {
	var out models.EngineState
	err := s.tx.RunMaster(ctx, func(ctx context.Context, tx db.Transaction) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO engine_state (id, payload) VALUES (1, '{}'::jsonb)
			ON CONFLICT (id) DO NOTHING`); err != nil {
			return err
		}

		var payload string
		if err := tx.QueryRow(ctx, `SELECT payload::text FROM engine_state WHERE id = 1 FOR UPDATE`).Scan(&payload); err != nil {
			return err
		}
		var st models.EngineState
		if err := sonic.UnmarshalString(payload, &st); err != nil {
			return errors.Wrap(err, "decode engine state")
		}
		if err := mutate(&st); err != nil {
			return err
		}
		next, err := sonic.MarshalString(st)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			UPDATE engine_state SET payload = $1::jsonb, updated_at = now() WHERE id = 1`, next); err != nil {
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
	s.tx.Close()
	return nil
}

func (s *Store) queryPositions(ctx context.Context, sql string, args ...any) ([]models.Position, error) {
	rows, err := s.tx.Conn().Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query positions")
	}
	defer rows.Close()

	var out []models.Position
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, errors.Wrap(err, "scan position")
		}
		p, err := decodePosition(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, errors.Wrap(rows.Err(), "iterate positions")
}

// missReason различает "нет такой активной" и "чужая версия".
func (s *Store) missReason(ctx context.Context, tx db.Transaction, id string) error {
	var closed bool
	err := tx.QueryRow(ctx, `SELECT closed FROM positions WHERE id = $1`, id).Scan(&closed)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && closed) {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}
	return store.ErrVersionConflict
}

// RunMaster оборачивает ошибку fn, sentinel-ы надо достать обратно.
func unwrapSentinel(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return store.ErrNotFound
	case errors.Is(err, store.ErrVersionConflict):
		return store.ErrVersionConflict
	}
	return err
}

func decodePosition(payload string) (models.Position, error) {
	var p models.Position
	if err := sonic.UnmarshalString(payload, &p); err != nil {
		return p, errors.Wrap(err, "decode position")
	}
	return p, nil
}
