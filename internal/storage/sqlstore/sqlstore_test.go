package sqlstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/queuectl/internal/storage"
	"github.com/ChuLiYu/queuectl/internal/storage/storetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "queue.db") + "?_busy_timeout=5000"
	s, err := Open(DialectSQLite, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storage.Store { return newTestStore(t) })
}

func TestSharedDatabase(t *testing.T) {
	storetest.RunShared(t, func(t *testing.T, n int) []storage.Store {
		dsn := filepath.Join(t.TempDir(), "queue.db") + "?_busy_timeout=5000"
		handles := make([]storage.Store, n)
		for i := range handles {
			s, err := Open(DialectSQLite, dsn)
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			handles[i] = s
		}
		return handles
	})
}

func TestOpenUnknownDialect(t *testing.T) {
	_, err := Open("oracle", "")
	assert.Error(t, err)
}

func TestUpdateManyWithoutColumnsIsNoop(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, storetest.NewJob("a", 0)))

	n, err := s.UpdateMany(ctx, storage.Filter{}, storage.Mutation{})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRowConversionKeepsLease(t *testing.T) {
	j := storetest.NewJob("conv", 0)
	row, err := toRow(j)
	require.NoError(t, err)
	assert.Equal(t, `["echo","conv"]`, row.Command)
	assert.Nil(t, row.LeaseUntil)

	back, err := row.toJob()
	require.NoError(t, err)
	assert.Equal(t, j.Command, back.Command)
	assert.True(t, j.CreatedAt.Equal(back.CreatedAt))
}
