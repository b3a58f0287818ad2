// Package file — durable JSON-снапшот поверх memory.Store. Каждая мутация
// переписывает файл через tmp + fsync + rename, так что на диске всегда
// либо старое, либо новое целое состояние.
package file

import (
	"os"
	"path/filepath"

	"autotrader/internal/store/memory"
	"autotrader/pkg/logger"

	"github.com/bytedance/sonic"
	"github.com/pkg/errors"
)

type Store struct {
	*memory.Store
	path string
}

func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("file store: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "mkdir state dir")
	}

	snap, err := load(path)
	if err != nil {
		return nil, err
	}

	s := &Store{Store: memory.FromSnapshot(snap), path: path}
	s.SetPersist(s.write)
	logger.Info("[STORE] file store %s: %d active, %d closed", path, len(snap.Positions), len(snap.History))
	return s, nil
}

func load(path string) (memory.Snapshot, error) {
	var snap memory.Snapshot
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return snap, nil
	}
	if err != nil {
		return snap, errors.Wrap(err, "read state")
	}
	if len(data) == 0 {
		return snap, nil
	}
	if err := sonic.Unmarshal(data, &snap); err != nil {
		return snap, errors.Wrapf(err, "decode state %s", path)
	}
	return snap, nil
}

func (s *Store) write(snap memory.Snapshot) error {
	data, err := sonic.ConfigStd.MarshalIndent(snap, "", " ")
	if err != nil {
		return errors.Wrap(err, "encode state")
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrap(err, "open tmp")
	}
	if _, err = f.Write(data); err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return errors.Wrap(err, "write tmp")
	}
	return errors.Wrap(os.Rename(tmp, s.path), "rename state")
}

func (s *Store) Close() error { return nil }
