package sqlite

import (
	"path/filepath"
	"testing"

	"autotrader/internal/store"
	"autotrader/internal/store/storetest"

	"github.com/stretchr/testify/require"
)

func TestSQLiteStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := Open(filepath.Join(t.TempDir(), "autotrader.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}
