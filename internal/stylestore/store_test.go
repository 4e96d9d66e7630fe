package stylestore

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "styles", "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLatestEmpty(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Latest(context.Background(), "studio-a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveAndLatest(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.Save(ctx, "studio-a", `{"line-weight":2}`))
	require.NoError(t, s.Save(ctx, "studio-a", `{"line-weight":4}`))
	require.NoError(t, s.Save(ctx, "studio-b", `{"pad-x":0}`))

	a, err := s.Latest(ctx, "studio-a")
	require.NoError(t, err)
	assert.Equal(t, `{"line-weight":4}`, a.Document)
	assert.False(t, a.AppliedAt.IsZero())

	b, err := s.Latest(ctx, "studio-b")
	require.NoError(t, err)
	assert.Equal(t, `{"pad-x":0}`, b.Document)
}

func TestHistoryIsPruned(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	s.SetKeep(3)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Save(ctx, "studio-a", fmt.Sprintf(`{"pad-y":%d}`, i)))
	}
	require.NoError(t, s.Save(ctx, "studio-b", `{}`))

	hist, err := s.History(ctx, "studio-a", 0)
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.Equal(t, `{"pad-y":4}`, hist[0].Document)
	assert.Equal(t, `{"pad-y":2}`, hist[2].Document)

	other, err := s.History(ctx, "studio-b", 10)
	require.NoError(t, err)
	assert.Len(t, other, 1, "pruning is per instance")
}

func TestReopenKeepsStyle(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, "studio-a", `{"font-desc":"mono 12"}`))
	require.NoError(t, s.Close())

	s, err = Open(ctx, path)
	require.NoError(t, err)
	defer s.Close()

	e, err := s.Latest(ctx, "studio-a")
	require.NoError(t, err)
	assert.Equal(t, `{"font-desc":"mono 12"}`, e.Document)
}
