package usage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRecordAccumulatesPerDay(t *testing.T) {
	store := newTestStore(t)

	store.Record("cloud_analysis", 3)
	store.Record("cloud_analysis", 2)
	store.Record("app_backup", 1)

	totals, err := store.Totals(7)
	require.NoError(t, err)
	require.Len(t, totals, 2)

	byFeature := map[string]int{}
	for _, row := range totals {
		byFeature[row.Feature] = row.Granted
	}
	assert.Equal(t, 5, byFeature["cloud_analysis"])
	assert.Equal(t, 1, byFeature["app_backup"])
}

func TestRecordIgnoresJunk(t *testing.T) {
	store := newTestStore(t)

	store.Record("cloud_analysis", 0)
	store.Record("cloud_analysis", -4)
	store.Record("", 3)

	totals, err := store.Totals(7)
	require.NoError(t, err)
	assert.Empty(t, totals)
}

func TestTotalsWindowAndOrder(t *testing.T) {
	store := newTestStore(t)
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	store.now = func() time.Time { return base.AddDate(0, 0, -10) }
	store.Record("cloud_analysis", 9) // outside the window

	store.now = func() time.Time { return base.AddDate(0, 0, -1) }
	store.Record("cloud_analysis", 2)

	store.now = func() time.Time { return base }
	store.Record("cloud_analysis", 4)

	totals, err := store.Totals(7)
	require.NoError(t, err)
	require.Len(t, totals, 2)
	assert.Equal(t, "2026-03-10", totals[0].Day, "newest day first")
	assert.Equal(t, 4, totals[0].Granted)
	assert.Equal(t, "2026-03-09", totals[1].Day)
	assert.Equal(t, 2, totals[1].Granted)
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)
	store.Record("cloud_analysis", 6)
	require.NoError(t, store.Close())

	reopened, err := NewStore(dir)
	require.NoError(t, err)
	defer reopened.Close()

	totals, err := reopened.Totals(7)
	require.NoError(t, err)
	require.Len(t, totals, 1)
	assert.Equal(t, 6, totals[0].Granted)
}
