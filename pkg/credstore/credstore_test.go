package credstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, err := s.Load(ctx, "sales")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Save(ctx, "sales", []byte("v1")))
	require.NoError(t, s.Save(ctx, "sales", []byte("v2")))
	got, err := s.Load(ctx, "sales")
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), got)

	require.NoError(t, s.Delete(ctx, "sales"))
	require.NoError(t, s.Delete(ctx, "sales"))
	_, err = s.Load(ctx, "sales")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFileStore(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	exerciseStore(t, s)
}

func TestFileStore_SanitizesSessionIDs(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "../escape", []byte("x")))
	_, err = os.Stat(filepath.Join(dir, ".._escape", credsFileName))
	require.NoError(t, err)

	require.Error(t, s.Save(ctx, "..", []byte("x")))
	require.Error(t, s.Save(ctx, " ", []byte("x")))
}

func TestSQLiteStore(t *testing.T) {
	dsn, err := SQLiteDSNForFile(filepath.Join(t.TempDir(), "creds.db"))
	require.NoError(t, err)
	s, err := NewSQLiteStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	exerciseStore(t, s)
}
