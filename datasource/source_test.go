package datasource_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/toolink/admit/datasource"
)

func testSource(t *testing.T, src datasource.Source) {
	ctx := context.Background()

	_, err := src.Fetch(ctx, "missing")
	assert.ErrorIs(t, err, datasource.ErrNotFound)

	require.NoError(t, src.Persist(ctx, "k", []byte("one")))
	v, err := src.Fetch(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), v)

	require.NoError(t, src.Persist(ctx, "k", []byte("two")))
	v, err = src.Fetch(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), v)

	require.NoError(t, src.Remove(ctx, "k"))
	_, err = src.Fetch(ctx, "k")
	assert.ErrorIs(t, err, datasource.ErrNotFound)
	assert.NoError(t, src.Remove(ctx, "k"))
}

func TestMemory(t *testing.T) {
	testSource(t, datasource.NewMemory())
}

func TestSQLite(t *testing.T) {
	src, err := datasource.NewSQLite(datasource.SQLiteConfig{Path: filepath.Join(t.TempDir(), "admit.db")})
	require.NoError(t, err)
	defer src.Close()

	require.NoError(t, src.Ping(context.Background()))
	testSource(t, src)
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "admit.db")
	ctx := context.Background()

	src, err := datasource.NewSQLite(datasource.SQLiteConfig{Path: path})
	require.NoError(t, err)
	require.NoError(t, src.Persist(ctx, "k", []byte("v")))
	require.NoError(t, src.Close())

	src, err = datasource.NewSQLite(datasource.SQLiteConfig{Path: path})
	require.NoError(t, err)
	defer src.Close()
	v, err := src.Fetch(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
}

func TestSQLiteRequiresPath(t *testing.T) {
	_, err := datasource.NewSQLite(datasource.SQLiteConfig{})
	assert.Error(t, err)
}
