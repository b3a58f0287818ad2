package storage

import (
	"context"
	"path/filepath"
	"testing"

	"autotrader/internal/modules/config"
	"autotrader/internal/store/file"
	"autotrader/internal/store/memory"
	"autotrader/internal/store/sqlite"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStoreByDriver(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	cases := []struct {
		driver string
		check  func(t *testing.T, v any)
	}{
		{"memory", func(t *testing.T, v any) { assert.IsType(t, &memory.Store{}, v) }},
		{"file", func(t *testing.T, v any) { assert.IsType(t, &file.Store{}, v) }},
		{"sqlite", func(t *testing.T, v any) { assert.IsType(t, &sqlite.Store{}, v) }},
	}
	for _, tc := range cases {
		t.Run(tc.driver, func(t *testing.T) {
			cfg := config.Default()
			cfg.Storage.Driver = tc.driver
			cfg.Storage.Path = filepath.Join(dir, tc.driver+".db")

			st, err := NewStore(ctx, cfg)
			require.NoError(t, err)
			t.Cleanup(func() { _ = st.Close() })
			tc.check(t, st)
		})
	}

	cfg := config.Default()
	cfg.Storage.Driver = "mongo"
	_, err := NewStore(ctx, cfg)
	assert.Error(t, err)
}
